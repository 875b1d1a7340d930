package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/onnwee/line-sheets/config"
	"github.com/onnwee/line-sheets/crypto"
	"github.com/onnwee/line-sheets/oauth"
)

// SealerFor returns the AES-GCM sealer for ENCRYPTION_KEY, or nil when no key is set.
func SealerFor(cfg *config.Config) (crypto.Sealer, error) {
	if cfg.EncryptionKey == "" {
		return nil, nil
	}
	s, err := crypto.NewAESSealer(cfg.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("ENCRYPTION_KEY: %w", err)
	}
	return s, nil
}

// Stores bundles the token store chosen by TOKEN_STORE with the database
// handle behind it, if any.
type Stores struct {
	Tokens oauth.TokenStore
	DB     *sql.DB
	PG     *TokenStore
}

// Close releases the database pool when one was opened.
func (s *Stores) Close() error {
	if s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// OpenTokenStore builds the store selected by cfg.TokenStore. Postgres stores
// are connected and migrated before they are returned.
func OpenTokenStore(ctx context.Context, cfg *config.Config) (*Stores, error) {
	sealer, err := SealerFor(cfg)
	if err != nil {
		return nil, err
	}
	if sealer == nil && cfg.UsesOAuth() {
		slog.Warn("ENCRYPTION_KEY not set; oauth tokens are stored in plaintext", slog.String("store", cfg.TokenStore))
	}
	switch cfg.TokenStore {
	case config.TokenStorePostgres:
		database, err := Connect(ctx, cfg.DBDsn)
		if err != nil {
			return nil, err
		}
		if err := Migrate(ctx, database); err != nil {
			_ = database.Close()
			return nil, err
		}
		pg := NewTokenStore(database, sealer)
		return &Stores{Tokens: pg, DB: database, PG: pg}, nil
	default:
		return &Stores{Tokens: oauth.NewFileStore(cfg.TokenFile, sealer)}, nil
	}
}

// CopyToken moves the token for provider from src to dst. It reports false
// when src has nothing stored.
func CopyToken(ctx context.Context, src, dst oauth.TokenStore, provider string) (bool, error) {
	access, refresh, expiry, raw, err := src.GetOAuthToken(ctx, provider)
	if err != nil {
		if errors.Is(err, oauth.ErrNoToken) {
			return false, nil
		}
		return false, fmt.Errorf("read source token: %w", err)
	}
	if err := dst.UpsertOAuthToken(ctx, provider, access, refresh, expiry, raw); err != nil {
		return false, fmt.Errorf("write destination token: %w", err)
	}
	return true, nil
}
