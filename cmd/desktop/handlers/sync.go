package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/brewlog/core/internal/sync"
)

// SyncHandler exposes sync status, manual triggers and conflict resolution.
type SyncHandler struct {
	engine *sync.Engine
}

// NewSyncHandler creates a SyncHandler.
func NewSyncHandler(engine *sync.Engine) *SyncHandler {
	return &SyncHandler{engine: engine}
}

// GetStatus handles GET /api/sync/status.
func (h *SyncHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	status, err := h.engine.Status()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// TriggerSync handles POST /api/sync/now. The cycle runs in the background;
// the websocket feed tells the UI when records change.
func (h *SyncHandler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	queued := h.engine.Manager.TriggerSync()
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"status": "requested",
		"queued": queued,
	})
}

// ListConflicts handles GET /api/sync/conflicts?table=...&local_id=...
func (h *SyncHandler) ListConflicts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	table := r.URL.Query().Get("table")
	localID := r.URL.Query().Get("local_id")
	if table == "" || localID == "" {
		http.Error(w, "table and local_id are required", http.StatusBadRequest)
		return
	}

	logs, err := h.engine.Store.UnresolvedConflicts(table, localID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"conflicts": logs,
		"total":     len(logs),
	})
}

// ResolveConflict handles POST /api/sync/conflicts/resolve.
func (h *SyncHandler) ResolveConflict(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var body struct {
		Table   string `json:"table"`
		LocalID string `json:"local_id"`
		Choice  string `json:"choice"` // "local" or "remote"
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.engine.ResolveConflict(body.Table, body.LocalID, sync.Choice(body.Choice)); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "resolved"})
}
