// Package oauth stores Google OAuth tokens and keeps them fresh. A TokenStore
// persists tokens per provider (local file, memory, or Postgres via package db);
// StartRefresher performs jittered checks and refreshes when expiry falls
// within a configured window, writing the new token back to the store.
package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/rand"
	"time"

	"golang.org/x/oauth2"
)

// RefreshFunc exchanges a refresh token for a new token.
type RefreshFunc func(ctx context.Context, refreshToken string) (*oauth2.Token, error)

// RefreshOnce refreshes the stored token for provider when its remaining
// lifetime is <= window. It reports whether a refresh happened.
func RefreshOnce(ctx context.Context, store TokenStore, provider string, window time.Duration, fn RefreshFunc) (bool, error) {
	_, rt, exp, _, err := store.GetOAuthToken(ctx, provider)
	if err != nil {
		if errors.Is(err, ErrNoToken) {
			return false, nil
		}
		return false, err
	}
	if rt == "" || time.Until(exp) > window {
		return false, nil
	}
	ctx2, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	tok, err := fn(ctx2, rt)
	if err != nil {
		return false, err
	}
	if tok.RefreshToken == "" {
		// Google omits the refresh token on refresh responses.
		tok.RefreshToken = rt
	}
	raw, _ := json.Marshal(tok)
	if err := store.UpsertOAuthToken(ctx, provider, tok.AccessToken, tok.RefreshToken, tok.Expiry, string(raw)); err != nil {
		return false, err
	}
	return true, nil
}

// StartRefresher launches a goroutine that periodically checks the stored token and refreshes it.
// interval: how often to wake up and check.
// window: refresh when remaining lifetime <= window.
func StartRefresher(ctx context.Context, store TokenStore, provider string, interval, window time.Duration, fn RefreshFunc) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if window <= 0 {
		window = 15 * time.Minute
	}
	//nolint:gosec // G404: scheduling jitter only
	initialJitter := time.Duration(rand.Int63n(int64(interval / 2)))
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(initialJitter):
		}
		for {
			jitterRange := int64(interval / 5)
			//nolint:gosec // G404: scheduling jitter only
			nextSleep := interval + time.Duration(rand.Int63n(jitterRange*2)-jitterRange)
			if nextSleep < interval/2 {
				nextSleep = interval / 2
			}
			refreshed, err := RefreshOnce(ctx, store, provider, window, fn)
			switch {
			case err != nil:
				slog.Warn("token refresh failed", slog.String("provider", provider), slog.Any("err", err))
			case refreshed:
				slog.Info("token refreshed", slog.String("provider", provider))
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(nextSleep):
			}
		}
	}()
}
