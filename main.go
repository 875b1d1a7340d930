// Command line-sheets is the LINE webhook service that records chat messages
// into a Google Sheet. It:
//   - Loads configuration and initializes structured logging.
//   - Resolves Google credentials (service account chain and/or OAuth token).
//   - Opens the spreadsheet writer and the media backend (Drive or S3).
//   - Starts the OAuth token refresher when an OAuth token is in use.
//   - Serves /callback, /healthz, /readyz, /metrics and the admin routes.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/onnwee/line-sheets/bot"
	"github.com/onnwee/line-sheets/config"
	"github.com/onnwee/line-sheets/db"
	"github.com/onnwee/line-sheets/googleauth"
	"github.com/onnwee/line-sheets/lineapi"
	"github.com/onnwee/line-sheets/media"
	"github.com/onnwee/line-sheets/media/gdrive"
	"github.com/onnwee/line-sheets/media/s3store"
	"github.com/onnwee/line-sheets/oauth"
	"github.com/onnwee/line-sheets/savemode"
	"github.com/onnwee/line-sheets/server"
	"github.com/onnwee/line-sheets/sheets"
	"github.com/onnwee/line-sheets/telemetry"
)

var version = "dev"

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load()

	telemetry.ConfigureLogging(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))

	if err := run(); err != nil {
		var cerr *googleauth.CredentialError
		if errors.As(err, &cerr) {
			slog.Error("google credentials unavailable", slog.String("detail", cerr.Detail()))
		}
		slog.Error("startup failed", slog.Any("err", err))
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config load: %w", err)
	}
	if err := cfg.ValidateWebhookReady(); err != nil {
		return err
	}
	if err := cfg.ValidateSheetsReady(); err != nil {
		return err
	}

	telemetry.Init()

	// Initialize OpenTelemetry tracing (optional; requires OTEL_EXPORTER_OTLP_ENDPOINT)
	shutdown, err := telemetry.InitTracing(telemetry.ServiceName, version)
	if err != nil {
		return fmt.Errorf("tracing init: %w", err)
	}
	defer shutdown()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stores, err := db.OpenTokenStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("token store: %w", err)
	}
	defer func() {
		if err := stores.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()

	providers, err := googleauth.ProvidersFor(cfg, stores.Tokens)
	if err != nil {
		return err
	}
	resolver := googleauth.NewResolver(providers...)
	cred, err := resolver.Resolve(ctx)
	if err != nil {
		return err
	}

	writer, err := sheets.Open(ctx, cfg.SpreadsheetID, cfg.SheetRange, cred.ClientOptions()...)
	if err != nil {
		return err
	}
	if title, err := writer.TestConnection(ctx); err != nil {
		slog.Warn("spreadsheet not reachable yet", slog.Any("err", err), slog.String("component", "sheets"))
	} else {
		slog.Info("spreadsheet connected", slog.String("title", title), slog.String("component", "sheets"))
	}

	uploader, err := openUploader(ctx, cfg, cred)
	if err != nil {
		return err
	}

	lineClient, err := lineapi.NewClient(cfg.LineChannelToken, lineapi.ClientOptions{
		MaxBytes: cfg.MaxMediaBytes,
		Timeout:  cfg.EventTimeout,
	})
	if err != nil {
		return err
	}

	opts := bot.Options{
		Replier:  lineClient,
		Fetcher:  lineClient,
		Rows:     writer,
		Uploader: uploader,
		Location: cfg.Location,
	}
	var gate *savemode.Gate
	if cfg.SaveModeGate {
		gate = savemode.New()
		opts.Gate = gate
	} else {
		slog.Info("save-mode gate disabled; every message is recorded")
	}
	dispatcher := bot.New(opts)

	deps := server.Deps{
		Config:      cfg,
		Webhook:     lineapi.NewWebhookHandler(cfg.LineChannelSecret, dispatcher, cfg.EventTimeout, cfg.WebhookDeadline),
		Sheets:      writer,
		Credentials: resolver,
	}
	if gate != nil {
		deps.Gate = gate
	}
	if stores.PG != nil {
		deps.TokenDB = stores.PG
	}

	if cfg.UsesOAuth() {
		if oc, err := googleauth.LoadOAuthConfig(cfg); err == nil {
			flow := &googleauth.Flow{Config: oc, Store: stores.Tokens}
			if cred.Source == "oauth" {
				oauth.StartRefresher(ctx, stores.Tokens, googleauth.TokenProvider, 5*time.Minute, 15*time.Minute, flow.Refresh)
			}
			if cfg.OAuthRedirectURI != "" {
				deps.OAuth = flow
			}
		} else if !errors.Is(err, googleauth.ErrSourceAbsent) {
			slog.Warn("oauth client config unavailable", slog.Any("err", err))
		}
	}

	slog.Info("line-sheets starting",
		slog.String("version", version),
		slog.String("credential_source", cred.Source),
		slog.String("media_backend", cfg.MediaBackend),
		slog.Bool("save_mode_gate", cfg.SaveModeGate))

	if err := server.Start(ctx, cfg.HTTPAddr, server.NewMux(ctx, deps), cfg.WebhookDeadline); err != nil {
		return err
	}
	slog.Info("shutting down")
	return nil
}

func openUploader(ctx context.Context, cfg *config.Config, cred *googleauth.Credential) (media.Uploader, error) {
	if cfg.MediaBackend == config.MediaBackendS3 {
		if err := cfg.ValidateS3Ready(); err != nil {
			return nil, err
		}
		return s3store.New(ctx, s3store.Options{
			Bucket:         cfg.S3Bucket,
			Region:         cfg.S3Region,
			Endpoint:       cfg.S3Endpoint,
			AccessKey:      cfg.S3AccessKey,
			SecretKey:      cfg.S3SecretKey,
			Prefix:         cfg.S3Prefix,
			PublicBaseURL:  cfg.S3PublicBaseURL,
			PresignTTL:     cfg.S3PresignTTL,
			ForcePathStyle: cfg.S3ForcePathStyle,
		})
	}
	return gdrive.Open(ctx, cfg.DriveFolderID, cred.ClientOptions()...)
}
