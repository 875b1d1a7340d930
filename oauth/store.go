package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/onnwee/line-sheets/crypto"
)

// ErrNoToken is returned by a TokenStore that has nothing stored for a provider.
var ErrNoToken = errors.New("no oauth token stored")

// TokenStore persists OAuth tokens per provider. raw carries the full
// JSON-serialized oauth2.Token so extra fields survive a round trip.
type TokenStore interface {
	UpsertOAuthToken(ctx context.Context, provider string, accessToken string, refreshToken string, expiry time.Time, raw string) error
	GetOAuthToken(ctx context.Context, provider string) (accessToken string, refreshToken string, expiry time.Time, raw string, err error)
}

type fileRecord struct {
	AccessToken       string    `json:"access_token"`
	RefreshToken      string    `json:"refresh_token"`
	Expiry            time.Time `json:"expiry"`
	Raw               string    `json:"raw,omitempty"`
	EncryptionVersion int       `json:"encryption_version"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// FileStore keeps tokens in a local JSON file (mode 0600). When a sealer is
// configured, token fields are encrypted before they touch disk.
type FileStore struct {
	path   string
	sealer crypto.Sealer
	mu     sync.Mutex
}

// NewFileStore returns a store backed by path. sealer may be nil.
func NewFileStore(path string, sealer crypto.Sealer) *FileStore {
	return &FileStore{path: path, sealer: sealer}
}

// Path returns the backing file location.
func (s *FileStore) Path() string { return s.path }

func (s *FileStore) read() (map[string]fileRecord, error) {
	b, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]fileRecord{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read token file: %w", err)
	}
	recs := map[string]fileRecord{}
	if len(b) == 0 {
		return recs, nil
	}
	if err := json.Unmarshal(b, &recs); err != nil {
		return nil, fmt.Errorf("parse token file %s: %w", s.path, err)
	}
	return recs, nil
}

func (s *FileStore) UpsertOAuthToken(ctx context.Context, provider string, accessToken string, refreshToken string, expiry time.Time, raw string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs, err := s.read()
	if err != nil {
		return err
	}
	rec := fileRecord{Expiry: expiry.UTC(), UpdatedAt: time.Now().UTC()}
	fields := []struct {
		in  string
		out *string
	}{{accessToken, &rec.AccessToken}, {refreshToken, &rec.RefreshToken}, {raw, &rec.Raw}}
	for _, f := range fields {
		sealed, v, err := crypto.SealString(s.sealer, f.in)
		if err != nil {
			return fmt.Errorf("seal token: %w", err)
		}
		*f.out = sealed
		if v > rec.EncryptionVersion {
			rec.EncryptionVersion = v
		}
	}
	recs[provider] = rec
	b, err := json.MarshalIndent(recs, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create token dir: %w", err)
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return fmt.Errorf("write token file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace token file: %w", err)
	}
	return nil
}

func (s *FileStore) GetOAuthToken(ctx context.Context, provider string) (accessToken string, refreshToken string, expiry time.Time, raw string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs, err := s.read()
	if err != nil {
		return "", "", time.Time{}, "", err
	}
	rec, ok := recs[provider]
	if !ok || (rec.AccessToken == "" && rec.RefreshToken == "") {
		return "", "", time.Time{}, "", ErrNoToken
	}
	// Plaintext records leave every field at version 0; sealed ones seal all non-empty fields.
	if accessToken, err = crypto.OpenString(s.sealer, rec.AccessToken, versionFor(rec.AccessToken, rec.EncryptionVersion)); err != nil {
		return "", "", time.Time{}, "", fmt.Errorf("open access token: %w", err)
	}
	if refreshToken, err = crypto.OpenString(s.sealer, rec.RefreshToken, versionFor(rec.RefreshToken, rec.EncryptionVersion)); err != nil {
		return "", "", time.Time{}, "", fmt.Errorf("open refresh token: %w", err)
	}
	if raw, err = crypto.OpenString(s.sealer, rec.Raw, versionFor(rec.Raw, rec.EncryptionVersion)); err != nil {
		return "", "", time.Time{}, "", fmt.Errorf("open raw token: %w", err)
	}
	return accessToken, refreshToken, rec.Expiry, raw, nil
}

func versionFor(v string, version int) int {
	if v == "" {
		return crypto.VersionPlaintext
	}
	return version
}

// MemoryStore is an in-process TokenStore, used when tokens come from the
// environment and there is nowhere durable to write them.
type MemoryStore struct {
	mu     sync.Mutex
	tokens map[string]fileRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tokens: make(map[string]fileRecord)}
}

func (m *MemoryStore) UpsertOAuthToken(ctx context.Context, provider string, accessToken string, refreshToken string, expiry time.Time, raw string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[provider] = fileRecord{AccessToken: accessToken, RefreshToken: refreshToken, Expiry: expiry, Raw: raw, UpdatedAt: time.Now()}
	return nil
}

func (m *MemoryStore) GetOAuthToken(ctx context.Context, provider string) (accessToken string, refreshToken string, expiry time.Time, raw string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.tokens[provider]
	if !ok {
		return "", "", time.Time{}, "", ErrNoToken
	}
	return rec.AccessToken, rec.RefreshToken, rec.Expiry, rec.Raw, nil
}
