package googleauth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/onnwee/line-sheets/config"
	"github.com/onnwee/line-sheets/oauth"
)

// TokenProvider is the TokenStore key for the Google user token.
const TokenProvider = "google"

// refreshSkew is how close to expiry a loaded token is refreshed immediately.
const refreshSkew = 2 * time.Minute

// LoadOAuthConfig builds the OAuth client config from GOOGLE_OAUTH_CLIENT_ID /
// GOOGLE_OAUTH_CLIENT_SECRET, else from the client JSON file. It returns
// ErrSourceAbsent when neither is present.
func LoadOAuthConfig(cfg *config.Config) (*oauth2.Config, error) {
	var oc *oauth2.Config
	if cfg.OAuthClientID != "" && cfg.OAuthClientSecret != "" {
		oc = &oauth2.Config{
			ClientID:     cfg.OAuthClientID,
			ClientSecret: cfg.OAuthClientSecret,
			Endpoint:     google.Endpoint,
			Scopes:       Scopes,
		}
	} else {
		b, err := os.ReadFile(cfg.OAuthCredentialsFile)
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrSourceAbsent
		}
		if err != nil {
			return nil, fmt.Errorf("read oauth client file: %w", err)
		}
		if oc, err = google.ConfigFromJSON(b, Scopes...); err != nil {
			return nil, fmt.Errorf("parse oauth client file: %w", err)
		}
	}
	if cfg.OAuthRedirectURI != "" {
		oc.RedirectURL = cfg.OAuthRedirectURI
	}
	return oc, nil
}

// tokenJSON accepts both oauth2.Token JSON and the google-auth "authorized
// user" format written by other tooling ("token" instead of "access_token").
type tokenJSON struct {
	AccessToken  string    `json:"access_token"`
	Token        string    `json:"token"`
	RefreshToken string    `json:"refresh_token"`
	TokenType    string    `json:"token_type"`
	Expiry       time.Time `json:"expiry"`
}

func parseToken(b []byte) (*oauth2.Token, error) {
	var tj tokenJSON
	if err := json.Unmarshal(b, &tj); err != nil {
		return nil, err
	}
	tok := &oauth2.Token{AccessToken: tj.AccessToken, RefreshToken: tj.RefreshToken, TokenType: tj.TokenType, Expiry: tj.Expiry}
	if tok.AccessToken == "" {
		tok.AccessToken = tj.Token
	}
	if tok.AccessToken == "" && tok.RefreshToken == "" {
		return nil, errors.New("token json has neither access_token nor refresh_token")
	}
	return tok, nil
}

// OAuthProvider loads a previously authorized user token, from
// GOOGLE_TOKEN_BASE64 when set, else from the token store.
type OAuthProvider struct {
	Config      *oauth2.Config
	Store       oauth.TokenStore
	TokenBase64 string
}

func (p *OAuthProvider) Name() string { return "oauth" }

func (p *OAuthProvider) Load(ctx context.Context) (*Credential, error) {
	if p.Config == nil {
		return nil, fmt.Errorf("%w: no oauth client configured", ErrSourceAbsent)
	}
	tok, err := p.loadToken(ctx)
	if err != nil {
		return nil, err
	}
	if time.Until(tok.Expiry) <= refreshSkew {
		if tok.RefreshToken == "" {
			return nil, errors.New("oauth token expired and has no refresh token; run sheets-setup oauth")
		}
		fresh, err := (&Flow{Config: p.Config}).Refresh(ctx, tok.RefreshToken)
		if err != nil {
			return nil, fmt.Errorf("refresh oauth token: %w", err)
		}
		if fresh.RefreshToken == "" {
			fresh.RefreshToken = tok.RefreshToken
		}
		if err := saveToken(ctx, p.Store, fresh); err != nil {
			return nil, fmt.Errorf("persist refreshed token: %w", err)
		}
		tok = fresh
	}
	bg := context.WithoutCancel(ctx)
	ts := &persistingTokenSource{
		base:  oauth2.ReuseTokenSource(tok, p.Config.TokenSource(bg, tok)),
		store: p.Store,
		last:  tok.AccessToken,
		ctx:   bg,
	}
	return &Credential{Source: p.Name(), Subject: "oauth user", TokenSource: ts}, nil
}

func (p *OAuthProvider) loadToken(ctx context.Context) (*oauth2.Token, error) {
	if v := strings.TrimSpace(p.TokenBase64); v != "" {
		b, err := base64.StdEncoding.DecodeString(v)
		if err != nil {
			return nil, fmt.Errorf("decode GOOGLE_TOKEN_BASE64: %w", err)
		}
		tok, err := parseToken(b)
		if err != nil {
			return nil, fmt.Errorf("parse GOOGLE_TOKEN_BASE64: %w", err)
		}
		// Seed the store so refreshes have somewhere to go.
		if err := saveToken(ctx, p.Store, tok); err != nil {
			return nil, fmt.Errorf("seed token store: %w", err)
		}
		return tok, nil
	}
	access, refresh, expiry, raw, err := p.Store.GetOAuthToken(ctx, TokenProvider)
	if errors.Is(err, oauth.ErrNoToken) {
		return nil, fmt.Errorf("%w; run sheets-setup oauth", err)
	}
	if err != nil {
		return nil, fmt.Errorf("load stored token: %w", err)
	}
	var tok oauth2.Token
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &tok); err != nil {
			slog.Warn("stored oauth token blob is corrupt, using token columns only",
				slog.String("provider", TokenProvider), slog.Any("err", err), slog.String("component", "googleauth"))
			tok = oauth2.Token{}
		}
	}
	if tok.AccessToken == "" {
		tok.AccessToken = access
	}
	tok.RefreshToken = refresh
	tok.Expiry = expiry
	return &tok, nil
}

func saveToken(ctx context.Context, store oauth.TokenStore, tok *oauth2.Token) error {
	raw, _ := json.Marshal(tok)
	return store.UpsertOAuthToken(ctx, TokenProvider, tok.AccessToken, tok.RefreshToken, tok.Expiry, string(raw))
}

// persistingTokenSource writes every newly minted token back to the store.
type persistingTokenSource struct {
	base  oauth2.TokenSource
	store oauth.TokenStore
	ctx   context.Context

	mu   sync.Mutex
	last string
}

func (s *persistingTokenSource) Token() (*oauth2.Token, error) {
	tok, err := s.base.Token()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if tok.AccessToken != s.last {
		if err := saveToken(s.ctx, s.store, tok); err != nil {
			slog.Warn("persist refreshed oauth token failed", slog.Any("err", err))
		} else {
			s.last = tok.AccessToken
		}
	}
	return tok, nil
}

// Flow runs the operator-driven authorization handshake.
type Flow struct {
	Config *oauth2.Config
	Store  oauth.TokenStore
}

func (f *Flow) AuthCodeURL(state string) string {
	return f.Config.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

// Exchange trades an authorization code for a token and persists it.
func (f *Flow) Exchange(ctx context.Context, code string) (*oauth2.Token, error) {
	tok, err := f.Config.Exchange(ctx, code)
	if err != nil {
		return nil, err
	}
	if err := saveToken(ctx, f.Store, tok); err != nil {
		return nil, fmt.Errorf("persist token: %w", err)
	}
	return tok, nil
}

// Refresh exchanges a refresh token; it matches oauth.RefreshFunc.
func (f *Flow) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	return f.Config.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
}

// Handshake listens on 127.0.0.1:port (0 picks a free port), hands the consent
// URL to open, and waits for Google to redirect back with a code.
func (f *Flow) Handshake(ctx context.Context, port int, open func(authURL string)) (*oauth2.Token, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return nil, fmt.Errorf("listen for oauth callback: %w", err)
	}
	redirect := fmt.Sprintf("http://%s/callback", ln.Addr().String())
	oc := *f.Config
	oc.RedirectURL = redirect
	local := &Flow{Config: &oc, Store: f.Store}
	state := uuid.NewString()

	type result struct {
		tok *oauth2.Token
		err error
	}
	done := make(chan result, 1)
	finish := func(res result) {
		select {
		case done <- res:
		default:
		}
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/callback", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("state") != state {
			http.Error(w, "invalid state", http.StatusBadRequest)
			return
		}
		if e := q.Get("error"); e != "" {
			http.Error(w, "authorization denied", http.StatusBadRequest)
			finish(result{err: fmt.Errorf("authorization denied: %s", e)})
			return
		}
		tok, err := local.Exchange(r.Context(), q.Get("code"))
		if err != nil {
			http.Error(w, "exchange failed", http.StatusBadGateway)
			finish(result{err: fmt.Errorf("exchange: %w", err)})
			return
		}
		_, _ = w.Write([]byte("Authorization complete. You can close this window."))
		finish(result{tok: tok})
	})
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() { _ = srv.Serve(ln) }()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	open(local.AuthCodeURL(state))
	select {
	case res := <-done:
		return res.tok, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
