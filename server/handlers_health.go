package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"
)

const readinessTimeout = 5 * time.Second

// HandleHealthz is the liveness probe. It does no I/O.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz checks that Google credentials were resolved, the spreadsheet
// is reachable and, when tokens live in Postgres, that the database answers.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
	defer cancel()

	checks := []struct {
		name string
		fn   func() error
	}{
		{"credentials", func() error {
			if h.deps.Credentials == nil || h.deps.Credentials.Cached() == nil {
				return errors.New("no google credential resolved")
			}
			return nil
		}},
		{"spreadsheet", func() error {
			if h.deps.Sheets == nil {
				return errors.New("spreadsheet not configured")
			}
			_, err := h.deps.Sheets.TestConnection(ctx)
			return err
		}},
	}
	if h.deps.TokenDB != nil {
		checks = append(checks, struct {
			name string
			fn   func() error
		}{"token_store", func() error { return h.deps.TokenDB.Ping(ctx) }})
	}

	for _, check := range checks {
		if err := check.fn(); err != nil {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"status":       "not_ready",
				"failed_check": check.name,
				"error":        err.Error(),
			})
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}
