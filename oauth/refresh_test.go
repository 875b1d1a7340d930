package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/oauth2"
)

func seed(t *testing.T, store TokenStore, access, refresh string, expiry time.Time) {
	t.Helper()
	if err := store.UpsertOAuthToken(context.Background(), "google", access, refresh, expiry, ""); err != nil {
		t.Fatalf("seed token: %v", err)
	}
}

func TestRefreshOnceOutsideWindow(t *testing.T) {
	store := NewMemoryStore()
	seed(t, store, "access123", "refresh456", time.Now().Add(time.Hour))

	called := false
	refreshed, err := RefreshOnce(context.Background(), store, "google", 30*time.Minute, func(ctx context.Context, rt string) (*oauth2.Token, error) {
		called = true
		return &oauth2.Token{AccessToken: "new"}, nil
	})
	if err != nil || refreshed || called {
		t.Fatalf("RefreshOnce = %v, %v (called=%v), want no refresh", refreshed, err, called)
	}
}

func TestRefreshOnceWithinWindow(t *testing.T) {
	store := NewMemoryStore()
	seed(t, store, "old-access", "old-refresh", time.Now().Add(5*time.Minute))
	newExpiry := time.Now().Add(2 * time.Hour)

	refreshed, err := RefreshOnce(context.Background(), store, "google", 15*time.Minute, func(ctx context.Context, rt string) (*oauth2.Token, error) {
		if rt != "old-refresh" {
			t.Errorf("refresh called with %q, want old-refresh", rt)
		}
		return &oauth2.Token{AccessToken: "new-access", RefreshToken: "new-refresh", Expiry: newExpiry}, nil
	})
	if err != nil || !refreshed {
		t.Fatalf("RefreshOnce = %v, %v", refreshed, err)
	}
	access, refresh, exp, raw, err := store.GetOAuthToken(context.Background(), "google")
	if err != nil {
		t.Fatal(err)
	}
	if access != "new-access" || refresh != "new-refresh" || !exp.Equal(newExpiry) {
		t.Errorf("stored = %q %q %v", access, refresh, exp)
	}
	var tok oauth2.Token
	if err := json.Unmarshal([]byte(raw), &tok); err != nil || tok.AccessToken != "new-access" {
		t.Errorf("raw token = %q (%v)", raw, err)
	}
}

func TestRefreshOncePreservesRefreshToken(t *testing.T) {
	store := NewMemoryStore()
	seed(t, store, "old-access", "original-refresh", time.Now().Add(time.Minute))

	_, err := RefreshOnce(context.Background(), store, "google", 15*time.Minute, func(ctx context.Context, rt string) (*oauth2.Token, error) {
		return &oauth2.Token{AccessToken: "new-access", Expiry: time.Now().Add(time.Hour)}, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	_, refresh, _, _, _ := store.GetOAuthToken(context.Background(), "google")
	if refresh != "original-refresh" {
		t.Errorf("refresh token = %q, want original-refresh", refresh)
	}
}

func TestRefreshOnceSkips(t *testing.T) {
	never := func(ctx context.Context, rt string) (*oauth2.Token, error) {
		t.Error("refresh should not be called")
		return nil, nil
	}

	t.Run("no token", func(t *testing.T) {
		refreshed, err := RefreshOnce(context.Background(), NewMemoryStore(), "google", time.Hour, never)
		if err != nil || refreshed {
			t.Errorf("RefreshOnce = %v, %v", refreshed, err)
		}
	})
	t.Run("no refresh token", func(t *testing.T) {
		store := NewMemoryStore()
		seed(t, store, "access", "", time.Now().Add(time.Minute))
		refreshed, err := RefreshOnce(context.Background(), store, "google", time.Hour, never)
		if err != nil || refreshed {
			t.Errorf("RefreshOnce = %v, %v", refreshed, err)
		}
	})
}

func TestRefreshOnceError(t *testing.T) {
	store := NewMemoryStore()
	seed(t, store, "old-access", "old-refresh", time.Now().Add(time.Minute))

	_, err := RefreshOnce(context.Background(), store, "google", 15*time.Minute, func(ctx context.Context, rt string) (*oauth2.Token, error) {
		return nil, errors.New("refresh failed")
	})
	if err == nil {
		t.Fatal("expected error")
	}
	access, _, _, _, _ := store.GetOAuthToken(context.Background(), "google")
	if access != "old-access" {
		t.Errorf("token should not change on error, got %q", access)
	}
}

func TestStartRefresherWithinWindow(t *testing.T) {
	store := NewMemoryStore()
	seed(t, store, "old-access", "old-refresh", time.Now().Add(5*time.Minute))

	var calls atomic.Int32
	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	StartRefresher(ctx, store, "google", 100*time.Millisecond, 15*time.Minute, func(ctx context.Context, rt string) (*oauth2.Token, error) {
		calls.Add(1)
		return &oauth2.Token{AccessToken: "new-access", Expiry: time.Now().Add(2 * time.Hour)}, nil
	})

	time.Sleep(300 * time.Millisecond)
	cancel()

	if calls.Load() != 1 {
		t.Errorf("refresh calls = %d, want exactly 1 (token is fresh after the first refresh)", calls.Load())
	}
	access, _, _, _, _ := store.GetOAuthToken(context.Background(), "google")
	if access != "new-access" {
		t.Errorf("access token = %q, want new-access", access)
	}
}

func TestStartRefresherCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	StartRefresher(ctx, NewMemoryStore(), "google", time.Second, 15*time.Minute, func(ctx context.Context, rt string) (*oauth2.Token, error) {
		return &oauth2.Token{}, nil
	})
	cancel()
	time.Sleep(50 * time.Millisecond)
}
