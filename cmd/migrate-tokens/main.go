// Package main encrypts OAuth tokens that were stored in plaintext.
//
// Rows in oauth_tokens with encryption_version=0 are rewritten with every
// non-empty token field sealed by AES-256-GCM (encryption_version=1).
//
// Usage:
//
//	migrate-tokens [--dry-run] [--provider PROVIDER]
//
// Environment Variables:
//
//	DB_DSN: Database connection string (required)
//	ENCRYPTION_KEY: Base64-encoded 32-byte encryption key (required)
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/onnwee/line-sheets/crypto"
	"github.com/onnwee/line-sheets/db"
	"github.com/onnwee/line-sheets/telemetry"
)

// tokenRow is one plaintext oauth_tokens row.
type tokenRow struct {
	Provider     string
	AccessToken  string
	RefreshToken string
	Raw          string
}

func main() {
	dryRun := flag.Bool("dry-run", false, "Show what would be migrated without making changes")
	provider := flag.String("provider", "", "Migrate only this provider (default: all)")
	flag.Parse()

	telemetry.ConfigureLogging(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))

	dsn := os.Getenv("DB_DSN")
	if dsn == "" {
		slog.Error("DB_DSN environment variable is required")
		os.Exit(1)
	}
	key := os.Getenv("ENCRYPTION_KEY")
	if key == "" {
		slog.Error("ENCRYPTION_KEY environment variable is required for migration")
		os.Exit(1)
	}
	sealer, err := crypto.NewAESSealer(key)
	if err != nil {
		slog.Error("failed to initialize sealer", slog.Any("err", err))
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	database, err := db.Connect(ctx, dsn)
	if err != nil {
		slog.Error("failed to connect to database", slog.Any("err", err))
		os.Exit(1)
	}
	defer database.Close()

	if err := db.Migrate(ctx, database); err != nil {
		slog.Error("schema migration failed", slog.Any("err", err))
		os.Exit(1)
	}
	if err := migrateTokens(ctx, database, sealer, *dryRun, *provider); err != nil {
		slog.Error("migration failed", slog.Any("err", err))
		os.Exit(1)
	}
	slog.Info("migration completed successfully")
}

// migrateTokens seals every plaintext row, optionally limited to one provider.
func migrateTokens(ctx context.Context, database *sql.DB, sealer crypto.Sealer, dryRun bool, providerFilter string) error {
	query := `SELECT provider, access_token, refresh_token, raw FROM oauth_tokens WHERE encryption_version = 0`
	var args []any
	if providerFilter != "" {
		query += " AND provider = $1"
		args = append(args, providerFilter)
	}
	query += " ORDER BY provider"

	rows, err := database.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("query plaintext tokens: %w", err)
	}
	var tokens []tokenRow
	for rows.Next() {
		var t tokenRow
		if err := rows.Scan(&t.Provider, &t.AccessToken, &t.RefreshToken, &t.Raw); err != nil {
			rows.Close()
			return fmt.Errorf("scan token row: %w", err)
		}
		tokens = append(tokens, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate token rows: %w", err)
	}

	if len(tokens) == 0 {
		slog.Info("no plaintext tokens found to migrate")
		return nil
	}
	slog.Info("found plaintext tokens to migrate", slog.Int("count", len(tokens)), slog.Bool("dry_run", dryRun))

	migrated, failed := 0, 0
	for i, t := range tokens {
		logger := slog.With(slog.String("provider", t.Provider), slog.Int("index", i+1), slog.Int("total", len(tokens)))
		if dryRun {
			logger.Info("would migrate token (dry-run)")
			migrated++
			continue
		}
		if err := sealRow(ctx, database, sealer, t); err != nil {
			logger.Error("failed to migrate token", slog.Any("err", err))
			failed++
			continue
		}
		logger.Info("migrated token successfully")
		migrated++
	}

	slog.Info("migration summary",
		slog.Int("total", len(tokens)),
		slog.Int("migrated", migrated),
		slog.Int("errors", failed),
		slog.Bool("dry_run", dryRun))
	if failed > 0 {
		return fmt.Errorf("migration completed with %d errors", failed)
	}
	return nil
}

// sealRow rewrites one row; the version guard keeps a concurrent writer's sealed row intact.
func sealRow(ctx context.Context, database *sql.DB, sealer crypto.Sealer, t tokenRow) error {
	sealed := make([]string, 3)
	for i, v := range []string{t.AccessToken, t.RefreshToken, t.Raw} {
		out, _, err := crypto.SealString(sealer, v)
		if err != nil {
			return fmt.Errorf("seal field %d: %w", i, err)
		}
		sealed[i] = out
	}
	res, err := database.ExecContext(ctx,
		`UPDATE oauth_tokens
		 SET access_token = $1, refresh_token = $2, raw = $3, encryption_version = $4, updated_at = NOW()
		 WHERE provider = $5 AND encryption_version = 0`,
		sealed[0], sealed[1], sealed[2], crypto.VersionAESGCM, t.Provider)
	if err != nil {
		return fmt.Errorf("update token: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n != 1 {
		return fmt.Errorf("expected 1 row updated, got %d", n)
	}
	return nil
}
