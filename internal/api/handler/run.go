package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/bcnelson/addrsync/internal/service"
	"github.com/bcnelson/addrsync/internal/storage"
)

// RunHandler handles sync run history and full-sync endpoints.
type RunHandler struct {
	store       storage.Storage
	syncService *service.SyncService
}

// NewRunHandler creates a new RunHandler.
func NewRunHandler(store storage.Storage, syncService *service.SyncService) *RunHandler {
	return &RunHandler{store: store, syncService: syncService}
}

// List lists sync runs across all units, newest first.
func (h *RunHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	runs, err := h.store.ListSyncRuns(r.Context(), "", limit, offset)
	if err != nil {
		handleError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, runs)
}

// Get returns one sync run with its report.
func (h *RunHandler) Get(w http.ResponseWriter, r *http.Request) {
	run, err := h.store.GetSyncRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, run)
}

// SyncAll forces a pass over every enabled unit.
func (h *RunHandler) SyncAll(w http.ResponseWriter, r *http.Request) {
	resp, err := h.syncService.ForceSync(r.Context())
	if err != nil {
		handleError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}
