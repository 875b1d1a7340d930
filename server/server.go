// Package server exposes the HTTP surface: the LINE webhook at /callback,
// liveness and readiness probes, Prometheus metrics, the Google OAuth consent
// routes and a small admin API. Every request gets a correlation ID that is
// echoed back and attached to logs and spans.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/onnwee/line-sheets/config"
	"github.com/onnwee/line-sheets/googleauth"
	"github.com/onnwee/line-sheets/telemetry"
)

// Spreadsheet is the part of sheets.Writer the HTTP handlers need.
type Spreadsheet interface {
	TestConnection(ctx context.Context) (string, error)
	WriteHeaders(ctx context.Context) error
}

// CredentialCache reports the credential resolved at startup.
type CredentialCache interface {
	Cached() *googleauth.Credential
}

// RecordingGate exposes how many users are in save mode.
type RecordingGate interface {
	Len() int
}

// Pinger is implemented by token stores backed by a database.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps wires the handlers to the rest of the process. Gate, TokenDB and
// OAuth are optional.
type Deps struct {
	Config      *config.Config
	Webhook     http.Handler
	Sheets      Spreadsheet
	Credentials CredentialCache
	Gate        RecordingGate
	TokenDB     Pinger
	OAuth       *googleauth.Flow
}

// NewMux returns the HTTP handler with all routes.
// The provided context bounds the rate limiter cleanup goroutine.
func NewMux(ctx context.Context, deps Deps) http.Handler {
	cfg := deps.Config
	if cfg == nil {
		cfg = &config.Config{}
	}
	authCfg := newAuthConfig(cfg)
	limiter := newIPRateLimiter(ctx, &rateLimiterConfig{
		enabled:       cfg.RateLimitEnabled,
		requestsPerIP: cfg.RateLimitRequests,
		window:        cfg.RateLimitWindow,
		trusted:       cfg.TrustedProxies,
	})

	handlers := NewHandlers(deps)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	if deps.Webhook != nil {
		mux.Handle("/callback", deps.Webhook)
	}

	mux.HandleFunc("/healthz", handlers.HandleHealthz)
	mux.HandleFunc("/readyz", handlers.HandleReadyz)

	mux.HandleFunc("/auth/google/start", handlers.HandleGoogleOAuthStart)
	mux.HandleFunc("/auth/google/callback", handlers.HandleGoogleOAuthCallback)

	mux.HandleFunc("/admin/headers", handlers.HandleAdminHeaders)
	mux.HandleFunc("/admin/savemode", handlers.HandleAdminSaveMode)

	protected := rateLimitMiddleware(adminAuth(mux, authCfg), limiter)
	throttled := rateLimitMiddleware(mux, limiter)

	selectiveHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/admin/"):
			protected.ServeHTTP(w, r)
		case strings.HasPrefix(r.URL.Path, "/auth/"):
			throttled.ServeHTTP(w, r)
		default:
			mux.ServeHTTP(w, r)
		}
	})

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		corr := r.Header.Get("X-Correlation-ID")
		if corr == "" {
			corr = uuid.New().String()
		}
		ctx := telemetry.WithCorrelation(r.Context(), corr)
		w.Header().Set("X-Correlation-ID", corr)

		ctx, span := telemetry.StartSpan(ctx, "http-server", r.Method+" "+r.URL.Path,
			telemetry.HTTPMethodAttr(r.Method),
			telemetry.HTTPRouteAttr(r.URL.Path),
		)
		defer span.End()

		telemetry.LoggerWithCorr(ctx).Debug("request start", slog.String("method", r.Method), slog.String("path", r.URL.Path), slog.String("component", "http"))

		rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		selectiveHandler.ServeHTTP(rec, r.WithContext(ctx))
		telemetry.SetSpanHTTPStatus(span, rec.statusCode)
	})
}

// statusRecorder wraps ResponseWriter to capture status code
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

// WriteTimeout returns the server write timeout for a webhook batch deadline.
// It leaves room to send the response after the last event and never drops
// below 60s.
func WriteTimeout(webhookDeadline time.Duration) time.Duration {
	const floor, margin = 60 * time.Second, 10 * time.Second
	if d := webhookDeadline + margin; d > floor {
		return d
	}
	return floor
}

// Start runs the HTTP server and shuts down gracefully on context cancellation.
// webhookDeadline sizes the write timeout; see WriteTimeout.
func Start(ctx context.Context, addr string, handler http.Handler, webhookDeadline time.Duration) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: WriteTimeout(webhookDeadline),
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		// Use WithoutCancel to inherit context values but allow shutdown to complete
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", slog.Any("err", err))
		}
	}()

	slog.Info("http server listening", slog.String("addr", addr), slog.String("component", "http"))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("http server error", slog.Any("err", err))
		return err
	}
	return nil
}
