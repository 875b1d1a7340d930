package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/onnwee/line-sheets/telemetry"
)

// HandleAdminHeaders overwrites the header row of the target sheet.
func (h *Handlers) HandleAdminHeaders(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.deps.Sheets == nil {
		http.Error(w, "spreadsheet not configured", http.StatusServiceUnavailable)
		return
	}
	if err := h.deps.Sheets.WriteHeaders(r.Context()); err != nil {
		telemetry.LoggerWithCorr(r.Context()).Error("write headers failed", slog.Any("err", err), slog.String("component", "admin"))
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok"})
}

// HandleAdminSaveMode reports whether gating is on and how many users are recording.
func (h *Handlers) HandleAdminSaveMode(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	resp := map[string]any{"gate_enabled": h.deps.Gate != nil, "recording_users": 0}
	if h.deps.Gate != nil {
		resp["recording_users"] = h.deps.Gate.Len()
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
