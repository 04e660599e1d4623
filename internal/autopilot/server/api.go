package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/autopilot-ci/autopilot/internal/autopilot/db"
	"github.com/autopilot-ci/autopilot/internal/autopilot/processor"
	"github.com/autopilot-ci/autopilot/internal/autopilot/store"
)

type apiHandler struct {
	store   *store.Store
	db      *db.DB
	workers WorkerState
	hub     *Hub
	wake    chan<- struct{}
	autofix func(ctx context.Context, repository, issueKey string) (processor.AutofixResult, error)
	startAt time.Time
}

// apiError is the consistent error response format.
type apiError struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, apiError{Error: msg})
}

// statusResponse is the top-level dashboard payload.
type statusResponse struct {
	store.Snapshot
	UptimeSeconds int64 `json:"uptime_seconds"`
	ActiveWorkers int   `json:"active_workers"`
	WSClients     int   `json:"ws_clients"`
}

// handleStatus returns one consistent snapshot of the whole loop: phase,
// queue, monitored PRs, and recent history.
func (h *apiHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Snapshot:      h.store.Snapshot(),
		UptimeSeconds: int64(time.Since(h.startAt).Seconds()),
	}
	if h.workers != nil {
		resp.ActiveWorkers = h.workers.ActiveCount()
	}
	if h.hub != nil {
		resp.WSClients = h.hub.ClientCount()
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleQueue returns just the active tickets, priority-ordered.
func (h *apiHandler) handleQueue(w http.ResponseWriter, r *http.Request) {
	snap := h.store.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{"queue": snap.Queue})
}

// handleMonitored returns the PRs currently being watched.
func (h *apiHandler) handleMonitored(w http.ResponseWriter, r *http.Request) {
	snap := h.store.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{"monitored": snap.Monitored})
}

// handleHistory returns durable terminal outcomes, most recent first. Falls
// back to the in-memory ring when no database is configured.
func (h *apiHandler) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r, 50)
	if h.db == nil {
		snap := h.store.Snapshot()
		entries := snap.History
		if len(entries) > limit {
			entries = entries[:limit]
		}
		writeJSON(w, http.StatusOK, map[string]any{"history": entries})
		return
	}

	entries, err := h.db.RecentHistory(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load history")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": entries})
}

// handleActivity returns the activity feed, optionally filtered by issue key
// via ?issue=KEY.
func (h *apiHandler) handleActivity(w http.ResponseWriter, r *http.Request) {
	if h.db == nil {
		writeError(w, http.StatusNotFound, "activity log not configured")
		return
	}
	entries, err := h.db.ListActivity(r.URL.Query().Get("issue"), parseLimit(r, 100))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load activity")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"activity": entries})
}

// handleScan nudges the scheduler to scan immediately instead of waiting for
// the next tick.
func (h *apiHandler) handleScan(w http.ResponseWriter, r *http.Request) {
	if h.wake == nil {
		writeError(w, http.StatusNotFound, "manual scan not available")
		return
	}
	select {
	case h.wake <- struct{}{}:
	default:
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "scan requested"})
}

// handleAutofix applies find/replace instructions from an issue description
// and opens a PR with the patches.
func (h *apiHandler) handleAutofix(w http.ResponseWriter, r *http.Request) {
	if h.autofix == nil {
		writeError(w, http.StatusNotFound, "autofix not available")
		return
	}

	var req struct {
		Repository string `json:"repository"`
		IssueKey   string `json:"issue_key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Repository == "" || req.IssueKey == "" {
		writeError(w, http.StatusBadRequest, "repository and issue_key are required")
		return
	}

	res, err := h.autofix(r.Context(), req.Repository, req.IssueKey)
	if err != nil {
		if errors.Is(err, processor.ErrNoFixInstructions) {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func parseLimit(r *http.Request, def int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
