package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/onnwee/line-sheets/telemetry"
)

// HandleGoogleOAuthStart redirects the operator to the Google consent screen.
func (h *Handlers) HandleGoogleOAuthStart(w http.ResponseWriter, r *http.Request) {
	if h.deps.OAuth == nil {
		http.Error(w, "google oauth not configured (need AUTH_MODE=oauth|auto and GOOGLE_OAUTH_REDIRECT_URI)", http.StatusBadRequest)
		return
	}
	st := uuid.NewString()
	if !h.addOAuthState(st, time.Now().Add(oauthStateTTL)) {
		http.Error(w, "too many pending oauth flows", http.StatusServiceUnavailable)
		return
	}
	http.Redirect(w, r, h.deps.OAuth.AuthCodeURL(st), http.StatusFound)
}

// HandleGoogleOAuthCallback exchanges the authorization code and stores the token.
// The running process keeps the credential it resolved at startup; the new
// token takes effect on restart.
func (h *Handlers) HandleGoogleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	if h.deps.OAuth == nil {
		http.Error(w, "google oauth not configured", http.StatusBadRequest)
		return
	}
	q := r.URL.Query()
	if e := q.Get("error"); e != "" {
		http.Error(w, "authorization denied: "+e, http.StatusBadRequest)
		return
	}
	code := q.Get("code")
	st := q.Get("state")
	if code == "" || st == "" {
		http.Error(w, "missing code/state", http.StatusBadRequest)
		return
	}
	if !h.consumeOAuthState(st) {
		http.Error(w, "invalid state", http.StatusBadRequest)
		return
	}
	tok, err := h.deps.OAuth.Exchange(r.Context(), code)
	if err != nil {
		telemetry.LoggerWithCorr(r.Context()).Error("google oauth exchange failed", slog.Any("err", err), slog.String("component", "oauth"))
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	telemetry.LoggerWithCorr(r.Context()).Info("google oauth token stored", slog.Time("expiry", tok.Expiry), slog.String("component", "oauth"))
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(map[string]any{
		"status":                "ok",
		"expiry":                tok.Expiry,
		"access_token_present":  tok.AccessToken != "",
		"refresh_token_present": tok.RefreshToken != "",
	}); err != nil {
		slog.Warn("failed to encode JSON response", slog.Any("err", err))
	}
}
