package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/onnwee/line-sheets/config"
	"github.com/onnwee/line-sheets/googleauth"
	"github.com/onnwee/line-sheets/oauth"
)

type fakeSheets struct {
	title      string
	err        error
	headerErr  error
	headerRuns int
}

func (f *fakeSheets) TestConnection(ctx context.Context) (string, error) { return f.title, f.err }

func (f *fakeSheets) WriteHeaders(ctx context.Context) error {
	f.headerRuns++
	return f.headerErr
}

type fakeCreds struct{ cred *googleauth.Credential }

func (f fakeCreds) Cached() *googleauth.Credential { return f.cred }

type fakeGate int

func (g fakeGate) Len() int { return int(g) }

type fakePinger struct{ err error }

func (p fakePinger) Ping(ctx context.Context) error { return p.err }

func readyDeps() Deps {
	return Deps{
		Config:      &config.Config{RateLimitEnabled: false},
		Sheets:      &fakeSheets{title: "log"},
		Credentials: fakeCreds{cred: &googleauth.Credential{Source: "test"}},
	}
}

func serve(t *testing.T, h http.Handler, method, target string, mutate ...func(*http.Request)) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	for _, m := range mutate {
		m(req)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestHealthz(t *testing.T) {
	h := NewMux(context.Background(), Deps{})
	rr := serve(t, h, http.MethodGet, "/healthz")
	if rr.Code != http.StatusOK || rr.Body.String() != "ok" {
		t.Fatalf("healthz = %d %q", rr.Code, rr.Body.String())
	}
}

func TestReadyz(t *testing.T) {
	tests := []struct {
		name       string
		mutate     func(*Deps)
		wantStatus int
		wantFailed string
	}{
		{"ready", func(d *Deps) {}, http.StatusOK, ""},
		{"no credential", func(d *Deps) { d.Credentials = fakeCreds{} }, http.StatusServiceUnavailable, "credentials"},
		{"sheet unreachable", func(d *Deps) { d.Sheets = &fakeSheets{err: errors.New("403")} }, http.StatusServiceUnavailable, "spreadsheet"},
		{"no sheet", func(d *Deps) { d.Sheets = nil }, http.StatusServiceUnavailable, "spreadsheet"},
		{"token db down", func(d *Deps) { d.TokenDB = fakePinger{err: errors.New("refused")} }, http.StatusServiceUnavailable, "token_store"},
		{"token db up", func(d *Deps) { d.TokenDB = fakePinger{} }, http.StatusOK, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deps := readyDeps()
			tt.mutate(&deps)
			rr := serve(t, NewMux(context.Background(), deps), http.MethodGet, "/readyz")
			if rr.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body=%s)", rr.Code, tt.wantStatus, rr.Body.String())
			}
			var resp map[string]string
			if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if tt.wantFailed == "" && resp["status"] != "ready" {
				t.Errorf("status = %q, want ready", resp["status"])
			}
			if tt.wantFailed != "" && resp["failed_check"] != tt.wantFailed {
				t.Errorf("failed_check = %q, want %q", resp["failed_check"], tt.wantFailed)
			}
		})
	}
}

func TestCallbackRouteAndCorrelation(t *testing.T) {
	var gotMethod string
	deps := readyDeps()
	deps.Webhook = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		_, _ = w.Write([]byte("OK"))
	})
	h := NewMux(context.Background(), deps)

	rr := serve(t, h, http.MethodPost, "/callback", func(r *http.Request) { r.Header.Set("X-Correlation-ID", "corr-1") })
	if rr.Code != http.StatusOK || gotMethod != http.MethodPost {
		t.Fatalf("callback = %d (method %q)", rr.Code, gotMethod)
	}
	if rr.Header().Get("X-Correlation-ID") != "corr-1" {
		t.Errorf("correlation header = %q, want corr-1", rr.Header().Get("X-Correlation-ID"))
	}

	rr = serve(t, h, http.MethodGet, "/healthz")
	if rr.Header().Get("X-Correlation-ID") == "" {
		t.Error("expected a generated correlation id")
	}
}

func TestAdminHeaders(t *testing.T) {
	sheet := &fakeSheets{}
	deps := readyDeps()
	deps.Sheets = sheet
	deps.Config.AdminToken = "s3cret"
	h := NewMux(context.Background(), deps)
	withToken := func(r *http.Request) { r.Header.Set("X-Admin-Token", "s3cret") }

	if rr := serve(t, h, http.MethodPost, "/admin/headers"); rr.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated = %d, want 401", rr.Code)
	}
	if rr := serve(t, h, http.MethodGet, "/admin/headers", withToken); rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET = %d, want 405", rr.Code)
	}
	for i := 0; i < 2; i++ {
		if rr := serve(t, h, http.MethodPost, "/admin/headers", withToken); rr.Code != http.StatusOK {
			t.Fatalf("POST #%d = %d, want 200", i+1, rr.Code)
		}
	}
	if sheet.headerRuns != 2 {
		t.Errorf("WriteHeaders calls = %d, want 2", sheet.headerRuns)
	}

	sheet.headerErr = errors.New("quota")
	if rr := serve(t, h, http.MethodPost, "/admin/headers", withToken); rr.Code != http.StatusBadGateway {
		t.Errorf("failing write = %d, want 502", rr.Code)
	}
}

func TestAdminSaveMode(t *testing.T) {
	tests := []struct {
		name      string
		gate      RecordingGate
		wantGate  bool
		wantUsers float64
	}{
		{"gated", fakeGate(3), true, 3},
		{"ungated", nil, false, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deps := readyDeps()
			deps.Gate = tt.gate
			rr := serve(t, NewMux(context.Background(), deps), http.MethodGet, "/admin/savemode")
			if rr.Code != http.StatusOK {
				t.Fatalf("status = %d", rr.Code)
			}
			var resp map[string]any
			_ = json.NewDecoder(rr.Body).Decode(&resp)
			if resp["gate_enabled"] != tt.wantGate || resp["recording_users"] != tt.wantUsers {
				t.Errorf("resp = %v", resp)
			}
		})
	}
}

func TestAdminRateLimited(t *testing.T) {
	deps := readyDeps()
	deps.Config = &config.Config{RateLimitEnabled: true, RateLimitRequests: 1, RateLimitWindow: time.Minute}
	h := NewMux(context.Background(), deps)
	if rr := serve(t, h, http.MethodGet, "/admin/savemode"); rr.Code != http.StatusOK {
		t.Fatalf("first = %d", rr.Code)
	}
	if rr := serve(t, h, http.MethodGet, "/admin/savemode"); rr.Code != http.StatusTooManyRequests {
		t.Errorf("second = %d, want 429", rr.Code)
	}
	if rr := serve(t, h, http.MethodGet, "/healthz"); rr.Code != http.StatusOK {
		t.Errorf("healthz is not rate limited, got %d", rr.Code)
	}
}

func TestAdminRateLimitCountsFailedAuth(t *testing.T) {
	deps := readyDeps()
	deps.Config = &config.Config{AdminToken: "secret", RateLimitEnabled: true, RateLimitRequests: 3, RateLimitWindow: time.Minute}
	h := NewMux(context.Background(), deps)

	counts := map[int]int{}
	for i := 0; i < 10; i++ {
		rr := serve(t, h, http.MethodPost, "/admin/headers", func(r *http.Request) {
			r.Header.Set("X-Admin-Token", "guess-"+strconv.Itoa(i))
		})
		counts[rr.Code]++
	}
	if counts[http.StatusUnauthorized] != 3 || counts[http.StatusTooManyRequests] != 7 {
		t.Errorf("status counts = %v, want 3x401 then 429", counts)
	}
	rr := serve(t, h, http.MethodPost, "/admin/headers", func(r *http.Request) {
		r.Header.Set("X-Admin-Token", "secret")
	})
	if rr.Code != http.StatusTooManyRequests {
		t.Errorf("valid token after limit = %d, want 429", rr.Code)
	}
}

func TestWriteTimeoutCoversWebhookDeadline(t *testing.T) {
	tests := []struct {
		deadline time.Duration
		want     time.Duration
	}{
		{0, 60 * time.Second},
		{50 * time.Second, 60 * time.Second},
		{2 * time.Minute, 2*time.Minute + 10*time.Second},
	}
	for _, tt := range tests {
		got := WriteTimeout(tt.deadline)
		if got != tt.want {
			t.Errorf("WriteTimeout(%v) = %v, want %v", tt.deadline, got, tt.want)
		}
		if tt.deadline > 0 && got <= tt.deadline {
			t.Errorf("WriteTimeout(%v) = %v does not outlast the deadline", tt.deadline, got)
		}
	}
}

func newTestFlow(t *testing.T) (*googleauth.Flow, oauth.TokenStore) {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		if r.Form.Get("code") != "good-code" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"ya29.new","refresh_token":"1//r","expires_in":3600,"token_type":"Bearer"}`))
	}))
	t.Cleanup(ts.Close)
	store := oauth.NewMemoryStore()
	return &googleauth.Flow{
		Config: &oauth2.Config{
			ClientID:     "cid",
			ClientSecret: "secret",
			RedirectURL:  "https://bot.example/auth/google/callback",
			Endpoint:     oauth2.Endpoint{AuthURL: "https://accounts.example/o/oauth2/auth", TokenURL: ts.URL},
			Scopes:       googleauth.Scopes,
		},
		Store: store,
	}, store
}

func TestGoogleOAuthNotConfigured(t *testing.T) {
	h := NewMux(context.Background(), readyDeps())
	for _, p := range []string{"/auth/google/start", "/auth/google/callback?code=x&state=y"} {
		if rr := serve(t, h, http.MethodGet, p); rr.Code != http.StatusBadRequest {
			t.Errorf("%s = %d, want 400", p, rr.Code)
		}
	}
}

func TestGoogleOAuthFlow(t *testing.T) {
	flow, store := newTestFlow(t)
	deps := readyDeps()
	deps.OAuth = flow
	h := NewMux(context.Background(), deps)

	rr := serve(t, h, http.MethodGet, "/auth/google/start")
	if rr.Code != http.StatusFound {
		t.Fatalf("start = %d, want 302", rr.Code)
	}
	loc, err := url.Parse(rr.Header().Get("Location"))
	if err != nil {
		t.Fatal(err)
	}
	state := loc.Query().Get("state")
	if state == "" || loc.Query().Get("access_type") != "offline" {
		t.Fatalf("consent url = %s", loc)
	}

	rr = serve(t, h, http.MethodGet, "/auth/google/callback?code=good-code&state="+state)
	if rr.Code != http.StatusOK {
		t.Fatalf("callback = %d: %s", rr.Code, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), `"refresh_token_present":true`) {
		t.Errorf("body = %s", rr.Body.String())
	}
	access, refresh, _, _, err := store.GetOAuthToken(context.Background(), googleauth.TokenProvider)
	if err != nil || access != "ya29.new" || refresh != "1//r" {
		t.Errorf("stored = %q %q %v", access, refresh, err)
	}

	// The state is single use.
	rr = serve(t, h, http.MethodGet, "/auth/google/callback?code=good-code&state="+state)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("replayed state = %d, want 400", rr.Code)
	}
}

func TestGoogleOAuthCallbackErrors(t *testing.T) {
	flow, _ := newTestFlow(t)
	deps := readyDeps()
	deps.OAuth = flow
	h := NewMux(context.Background(), deps)
	handlers := NewHandlers(deps)

	tests := []struct {
		name   string
		target string
		want   int
	}{
		{"missing code", "/auth/google/callback?state=abc", http.StatusBadRequest},
		{"unknown state", "/auth/google/callback?code=good-code&state=nope", http.StatusBadRequest},
		{"denied", "/auth/google/callback?error=access_denied", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rr := serve(t, h, http.MethodGet, tt.target); rr.Code != tt.want {
				t.Errorf("status = %d, want %d", rr.Code, tt.want)
			}
		})
	}

	t.Run("exchange rejected", func(t *testing.T) {
		handlers.addOAuthState("st", time.Now().Add(time.Minute))
		rr := serve(t, http.HandlerFunc(handlers.HandleGoogleOAuthCallback), http.MethodGet, "/auth/google/callback?code=bad&state=st")
		if rr.Code != http.StatusBadGateway {
			t.Errorf("status = %d, want 502", rr.Code)
		}
	})

	t.Run("expired state", func(t *testing.T) {
		handlers.addOAuthState("old", time.Now().Add(-time.Second))
		rr := serve(t, http.HandlerFunc(handlers.HandleGoogleOAuthCallback), http.MethodGet, "/auth/google/callback?code=good-code&state=old")
		if rr.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rr.Code)
		}
	})
}

func TestOAuthStateLimit(t *testing.T) {
	h := NewHandlers(Deps{})
	exp := time.Now().Add(time.Hour)
	for i := 0; i < maxOAuthStates; i++ {
		h.stateStore["state-"+strconv.Itoa(i)] = exp
	}
	if h.addOAuthState("one-more", exp) {
		t.Error("state store over capacity should refuse new states")
	}
}
