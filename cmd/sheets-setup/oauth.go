package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/onnwee/line-sheets/db"
	"github.com/onnwee/line-sheets/googleauth"
)

func init() {
	cmd := &cobra.Command{
		Use:   "oauth",
		Short: "Authorize a Google account and store its token",
		Long: "Runs the OAuth consent flow on a loopback listener and saves the token to the configured " +
			"TOKEN_STORE. Needs GOOGLE_OAUTH_CREDENTIALS_FILE or GOOGLE_OAUTH_CLIENT_ID/SECRET.",
		Run: runOAuth,
	}
	cmd.Flags().Int("port", 0, "Loopback port for the redirect (0 picks a free port)")
	cmd.Flags().Duration("timeout", 5*time.Minute, "How long to wait for consent")
	cmd.Flags().Bool("print-base64", false, "Print the token as a GOOGLE_TOKEN_BASE64 value")
	RootCmd.AddCommand(cmd)
}

func runOAuth(cmd *cobra.Command, args []string) {
	port, _ := cmd.Flags().GetInt("port")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	printB64, _ := cmd.Flags().GetBool("print-base64")

	cfg := loadConfig()
	oc, err := googleauth.LoadOAuthConfig(cfg)
	if err != nil {
		exitErr("oauth client config", err)
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	stores, err := db.OpenTokenStore(ctx, cfg)
	if err != nil {
		exitErr("token store", err)
	}
	defer stores.Close()

	flow := &googleauth.Flow{Config: oc, Store: stores.Tokens}
	tok, err := flow.Handshake(ctx, port, func(authURL string) {
		fmt.Println("Open this URL in a browser and sign in with the Google account that owns the sheet:")
		fmt.Println()
		fmt.Println("  " + authURL)
		fmt.Println()
	})
	if err != nil {
		exitErr("oauth", err)
	}
	fmt.Printf("token stored (%s), expires %s, refresh token present: %v\n",
		cfg.TokenStore, tok.Expiry.Format(time.RFC3339), tok.RefreshToken != "")

	if printB64 {
		b, err := json.Marshal(tok)
		if err != nil {
			exitErr("encode token", err)
		}
		fmt.Println("GOOGLE_TOKEN_BASE64=" + base64.StdEncoding.EncodeToString(b))
	}
}
