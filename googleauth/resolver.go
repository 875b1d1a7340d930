// Package googleauth resolves the credential used for the Google Sheets and
// Drive APIs. Sources are tried in a fixed priority order and the first one
// that loads wins; the result is cached for the life of the process.
package googleauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/oauth2"
	"google.golang.org/api/option"

	"github.com/onnwee/line-sheets/config"
	"github.com/onnwee/line-sheets/oauth"
)

// Scopes requested for every credential.
var Scopes = []string{
	"https://www.googleapis.com/auth/spreadsheets",
	"https://www.googleapis.com/auth/drive.file",
}

var (
	// ErrSourceAbsent is returned by a Provider whose source is not configured.
	ErrSourceAbsent = errors.New("credential source not configured")
	// ErrNoCredential matches the *CredentialError returned when every source fails.
	ErrNoCredential = errors.New("no credential source available")
)

// Credential is resolved authorization material for the Google APIs.
type Credential struct {
	Source      string
	Subject     string
	TokenSource oauth2.TokenSource
}

// ClientOptions returns the options to pass to sheets.NewService and drive.NewService.
func (c *Credential) ClientOptions() []option.ClientOption {
	return []option.ClientOption{option.WithTokenSource(c.TokenSource)}
}

// Provider loads a credential from one source.
type Provider interface {
	Name() string
	Load(ctx context.Context) (*Credential, error)
}

// SourceFailure records why one provider did not produce a credential.
type SourceFailure struct {
	Source string
	Err    error
}

// CredentialError is returned when no provider yields a credential.
type CredentialError struct {
	Failures []SourceFailure
}

func (e *CredentialError) Error() string { return ErrNoCredential.Error() }

func (e *CredentialError) Is(target error) bool { return target == ErrNoCredential }

// Detail lists the per-source failures.
func (e *CredentialError) Detail() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, f.Source+": "+f.Err.Error())
	}
	return strings.Join(parts, "; ")
}

// Resolver walks its providers in order and caches the first success.
type Resolver struct {
	providers []Provider
	logger    *slog.Logger

	mu     sync.Mutex
	cached *Credential
}

func NewResolver(providers ...Provider) *Resolver {
	return &Resolver{providers: providers, logger: slog.Default().With(slog.String("component", "credentials"))}
}

// Resolve returns the cached credential or attempts every provider in order.
// Failed attempts are not cached, so a later call tries again.
func (r *Resolver) Resolve(ctx context.Context) (*Credential, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cached != nil {
		return r.cached, nil
	}
	cerr := &CredentialError{}
	for _, p := range r.providers {
		cred, err := p.Load(ctx)
		if err == nil {
			r.logger.Info("credentials resolved", slog.String("source", cred.Source), slog.String("subject", cred.Subject))
			r.cached = cred
			return cred, nil
		}
		cerr.Failures = append(cerr.Failures, SourceFailure{Source: p.Name(), Err: err})
		if errors.Is(err, ErrSourceAbsent) {
			r.logger.Debug("credential source not configured", slog.String("source", p.Name()))
			continue
		}
		r.logger.Warn("credential source failed, trying next", slog.String("source", p.Name()), slog.Any("err", err))
	}
	return nil, cerr
}

// Cached returns the resolved credential, or nil before a successful Resolve.
func (r *Resolver) Cached() *Credential {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cached
}

// ProvidersFor builds the provider chain selected by cfg.AuthMode:
// service_account (base64 > JSON > file), oauth, or auto (service account chain then oauth).
func ProvidersFor(cfg *config.Config, store oauth.TokenStore) ([]Provider, error) {
	sa := []Provider{
		&Base64EnvProvider{Env: "GOOGLE_CREDENTIALS_BASE64", Value: cfg.CredentialsBase64},
		&JSONEnvProvider{Env: "GOOGLE_CREDENTIALS", Value: cfg.CredentialsJSON},
		&FileProvider{Path: cfg.CredentialsFile},
	}
	if !cfg.UsesOAuth() {
		return sa, nil
	}
	oc, err := LoadOAuthConfig(cfg)
	if err != nil && !errors.Is(err, ErrSourceAbsent) {
		return nil, fmt.Errorf("oauth client config: %w", err)
	}
	op := &OAuthProvider{Config: oc, Store: store, TokenBase64: cfg.TokenBase64}
	if cfg.AuthMode == config.AuthModeOAuth {
		return []Provider{op}, nil
	}
	return append(sa, op), nil
}
