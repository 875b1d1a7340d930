package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/onnwee/line-sheets/db"
	"github.com/onnwee/line-sheets/googleauth"
	"github.com/onnwee/line-sheets/oauth"
)

func init() {
	cmd := &cobra.Command{
		Use:   "migrate-tokens",
		Short: "Copy the OAuth token from the token file into Postgres",
		Long: "Reads GOOGLE_TOKEN_FILE (or --from) and writes the token into the oauth_tokens table at DB_DSN, " +
			"sealing it with ENCRYPTION_KEY when set. Use --dry-run to only report what would be copied.",
		Run: runMigrateTokens,
	}
	cmd.Flags().String("from", "", "Token file to read (default: GOOGLE_TOKEN_FILE)")
	cmd.Flags().Bool("dry-run", false, "Show what would be migrated without making changes")
	RootCmd.AddCommand(cmd)
}

func migrateToken(ctx context.Context, src, dst oauth.TokenStore, dryRun bool, out io.Writer) error {
	_, refresh, expiry, _, err := src.GetOAuthToken(ctx, googleauth.TokenProvider)
	if err != nil {
		return fmt.Errorf("read source token: %w", err)
	}
	if dryRun {
		fmt.Fprintf(out, "[dry-run] would copy %s token (expires %s, refresh token present: %v)\n",
			googleauth.TokenProvider, expiry.Format(time.RFC3339), refresh != "")
		return nil
	}
	if _, err := db.CopyToken(ctx, src, dst, googleauth.TokenProvider); err != nil {
		return err
	}
	fmt.Fprintf(out, "copied %s token\n", googleauth.TokenProvider)
	return nil
}

func runMigrateTokens(cmd *cobra.Command, args []string) {
	from, _ := cmd.Flags().GetString("from")
	dryRun, _ := cmd.Flags().GetBool("dry-run")

	cfg := loadConfig()
	if from == "" {
		from = cfg.TokenFile
	}
	sealer, err := db.SealerFor(cfg)
	if err != nil {
		exitErr("encryption key", err)
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	src := oauth.NewFileStore(from, sealer)
	var dst oauth.TokenStore
	if !dryRun {
		database, err := db.Connect(ctx, cfg.DBDsn)
		if err != nil {
			exitErr("database", err)
		}
		defer database.Close()
		if err := db.Migrate(ctx, database); err != nil {
			exitErr("migrate schema", err)
		}
		dst = db.NewTokenStore(database, sealer)
	}
	if err := migrateToken(ctx, src, dst, dryRun, cmd.OutOrStdout()); err != nil {
		exitErr("migrate-tokens", err)
	}
}
