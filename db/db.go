// Package db provides the Postgres-backed OAuth token store used when
// TOKEN_STORE=postgres. Tokens are sealed with package crypto when an
// encryption key is configured.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx postgres driver registered as 'pgx'

	"github.com/onnwee/line-sheets/crypto"
	"github.com/onnwee/line-sheets/oauth"
)

// Connect opens a Postgres connection pool and verifies it with a ping.
func Connect(ctx context.Context, dsn string) (*sql.DB, error) {
	database, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	database.SetMaxOpenConns(4)
	database.SetConnMaxIdleTime(5 * time.Minute)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := database.PingContext(pingCtx); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return database, nil
}

// Migrate applies the idempotent schema for the token table.
func Migrate(ctx context.Context, database *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS oauth_tokens (
			provider TEXT PRIMARY KEY,
			access_token TEXT NOT NULL DEFAULT '',
			refresh_token TEXT NOT NULL DEFAULT '',
			expires_at TIMESTAMPTZ,
			raw TEXT NOT NULL DEFAULT '',
			encryption_version INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`ALTER TABLE oauth_tokens ADD COLUMN IF NOT EXISTS raw TEXT NOT NULL DEFAULT ''`,
	}
	for _, s := range stmts {
		if _, err := database.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// TokenStore implements oauth.TokenStore on the oauth_tokens table.
type TokenStore struct {
	db     *sql.DB
	sealer crypto.Sealer
}

var _ oauth.TokenStore = (*TokenStore)(nil)

// NewTokenStore wraps database. sealer may be nil (tokens stored in plaintext).
func NewTokenStore(database *sql.DB, sealer crypto.Sealer) *TokenStore {
	return &TokenStore{db: database, sealer: sealer}
}

// Ping reports database reachability for readiness checks.
func (s *TokenStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *TokenStore) UpsertOAuthToken(ctx context.Context, provider string, accessToken string, refreshToken string, expiry time.Time, raw string) error {
	version := crypto.VersionPlaintext
	if s.sealer != nil {
		version = crypto.VersionAESGCM
	}
	vals := make([]string, 3)
	for i, v := range []string{accessToken, refreshToken, raw} {
		if version == crypto.VersionPlaintext || v == "" {
			vals[i] = v
			continue
		}
		sealed, _, err := crypto.SealString(s.sealer, v)
		if err != nil {
			return fmt.Errorf("seal token: %w", err)
		}
		vals[i] = sealed
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO oauth_tokens(provider, access_token, refresh_token, expires_at, raw, encryption_version, updated_at)
		 VALUES($1,$2,$3,$4,$5,$6,NOW())
		 ON CONFLICT(provider) DO UPDATE SET
		   access_token=EXCLUDED.access_token,
		   refresh_token=EXCLUDED.refresh_token,
		   expires_at=EXCLUDED.expires_at,
		   raw=EXCLUDED.raw,
		   encryption_version=EXCLUDED.encryption_version,
		   updated_at=NOW()`,
		provider, vals[0], vals[1], expiry, vals[2], version)
	return err
}

func (s *TokenStore) GetOAuthToken(ctx context.Context, provider string) (accessToken string, refreshToken string, expiry time.Time, raw string, err error) {
	var (
		exp     sql.NullTime
		version int
	)
	row := s.db.QueryRowContext(ctx,
		`SELECT access_token, refresh_token, expires_at, raw, encryption_version FROM oauth_tokens WHERE provider=$1`, provider)
	if err = row.Scan(&accessToken, &refreshToken, &exp, &raw, &version); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", "", time.Time{}, "", oauth.ErrNoToken
		}
		return "", "", time.Time{}, "", err
	}
	out := []*string{&accessToken, &refreshToken, &raw}
	for _, p := range out {
		if *p == "" {
			continue
		}
		if *p, err = crypto.OpenString(s.sealer, *p, version); err != nil {
			return "", "", time.Time{}, "", fmt.Errorf("open token: %w", err)
		}
	}
	return accessToken, refreshToken, exp.Time, raw, nil
}
