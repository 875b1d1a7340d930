// Command sheets-setup prepares a deployment: it checks spreadsheet access and
// writes the header row, runs the Google OAuth consent flow, encodes
// credential files for environment variables and moves stored tokens into
// Postgres.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/onnwee/line-sheets/config"
	"github.com/onnwee/line-sheets/db"
	"github.com/onnwee/line-sheets/googleauth"
	"github.com/onnwee/line-sheets/telemetry"
)

var envFile string

// RootCmd is the top-level command.
var RootCmd = &cobra.Command{
	Use:   "sheets-setup",
	Short: "Operator tooling for the LINE to Google Sheets bridge",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if envFile != "" {
			if err := godotenv.Load(envFile); err != nil {
				exitErr("load env file", err)
			}
		} else {
			_ = godotenv.Load()
		}
		telemetry.ConfigureLogging(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))
	},
}

func init() {
	RootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "Load variables from this file (default: .env if present)")
}

func exitErr(msg string, err error) {
	fmt.Fprintf(os.Stderr, "error: %s: %v\n", msg, err)
	os.Exit(1)
}

func loadConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		exitErr("config", err)
	}
	return cfg
}

// resolveCredential opens the configured token store and walks the credential chain.
func resolveCredential(ctx context.Context, cfg *config.Config) (*googleauth.Credential, *db.Stores) {
	stores, err := db.OpenTokenStore(ctx, cfg)
	if err != nil {
		exitErr("token store", err)
	}
	providers, err := googleauth.ProvidersFor(cfg, stores.Tokens)
	if err != nil {
		exitErr("credentials", err)
	}
	cred, err := googleauth.NewResolver(providers...).Resolve(ctx)
	if err != nil {
		var cerr *googleauth.CredentialError
		if errors.As(err, &cerr) {
			exitErr("credentials", fmt.Errorf("%w\n%s", err, cerr.Detail()))
		}
		exitErr("credentials", err)
	}
	return cred, stores
}

func main() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
