package handler

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/bcnelson/addrsync/internal/config"
	"github.com/bcnelson/addrsync/internal/domain"
	"github.com/bcnelson/addrsync/internal/service"
	"github.com/bcnelson/addrsync/internal/storage"
	"github.com/bcnelson/addrsync/internal/validation"
)

// maxImportBytes caps the size of an imported units document.
const maxImportBytes = 1 << 20

// UnitHandler handles integration unit endpoints.
type UnitHandler struct {
	store       storage.Storage
	syncService *service.SyncService
}

// NewUnitHandler creates a new UnitHandler.
func NewUnitHandler(store storage.Storage, syncService *service.SyncService) *UnitHandler {
	return &UnitHandler{store: store, syncService: syncService}
}

// Create creates a new integration unit.
func (h *UnitHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateUnitRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, domain.ErrCodeInvalidInput, "invalid request body")
		return
	}
	if err := validation.ValidateUnit(&req); err != nil {
		handleError(w, err)
		return
	}

	unit := service.NewUnit(&req)
	if err := h.store.CreateUnit(r.Context(), unit); err != nil {
		handleError(w, err)
		return
	}

	h.syncService.TriggerSync()
	respondJSON(w, http.StatusCreated, unit)
}

// List lists all integration units.
func (h *UnitHandler) List(w http.ResponseWriter, r *http.Request) {
	units, err := h.store.ListUnits(r.Context())
	if err != nil {
		handleError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, units)
}

// Get returns one integration unit.
func (h *UnitHandler) Get(w http.ResponseWriter, r *http.Request) {
	unit, err := h.store.GetUnit(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, unit)
}

// Update applies a partial update to an integration unit.
func (h *UnitHandler) Update(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	unit, err := h.store.GetUnit(ctx, chi.URLParam(r, "id"))
	if err != nil {
		handleError(w, err)
		return
	}

	var req domain.UpdateUnitRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, domain.ErrCodeInvalidInput, "invalid request body")
		return
	}
	if err := service.ApplyUpdate(unit, &req); err != nil {
		handleError(w, err)
		return
	}
	unit.UpdatedAt = time.Now().UTC()

	if err := h.store.UpdateUnit(ctx, unit); err != nil {
		handleError(w, err)
		return
	}

	h.syncService.TriggerSync()
	respondJSON(w, http.StatusOK, unit)
}

// Delete deletes an integration unit and its run history. Objects already
// on the firewalls are left in place.
func (h *UnitHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.store.DeleteUnit(r.Context(), chi.URLParam(r, "id")); err != nil {
		handleError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Import creates or replaces units from a JSON or YAML units document.
func (h *UnitHandler) Import(w http.ResponseWriter, r *http.Request) {
	var doc config.UnitsFile
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "application/yaml", "application/x-yaml", "text/yaml":
		units, err := config.DecodeUnits(io.LimitReader(r.Body, maxImportBytes))
		if err != nil {
			handleError(w, err)
			return
		}
		doc.Units = units
	default:
		if err := decodeJSON(r, &doc); err != nil {
			respondError(w, http.StatusBadRequest, domain.ErrCodeInvalidInput, "invalid request body")
			return
		}
	}

	res, err := service.ImportUnits(r.Context(), h.store, doc.Units)
	if err != nil {
		handleError(w, err)
		return
	}

	log.Info().Int("created", res.Created).Int("updated", res.Updated).Msg("units imported")
	h.syncService.TriggerSync()
	respondJSON(w, http.StatusOK, res)
}

// Desired returns the unit's merged desired state.
func (h *UnitHandler) Desired(w http.ResponseWriter, r *http.Request) {
	preview, err := h.syncService.PreviewDesired(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, preview)
}

// Plan returns the reconciliation plans a pass would execute, without
// mutating any firewall.
func (h *UnitHandler) Plan(w http.ResponseWriter, r *http.Request) {
	report, err := h.syncService.PreviewPlan(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, report)
}

// Sync runs a pass over the unit now.
func (h *UnitHandler) Sync(w http.ResponseWriter, r *http.Request) {
	run, err := h.syncService.SyncUnit(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, run)
}

// Runs lists the unit's sync runs, newest first.
func (h *UnitHandler) Runs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	unit, err := h.store.GetUnit(ctx, chi.URLParam(r, "id"))
	if err != nil {
		handleError(w, err)
		return
	}
	limit, offset := pagination(r)
	runs, err := h.store.ListSyncRuns(ctx, unit.ID, limit, offset)
	if err != nil {
		handleError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, runs)
}

// LatestRun returns the unit's most recent sync run.
func (h *UnitHandler) LatestRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.store.GetLatestSyncRun(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, domain.ErrNotFound) {
		respondError(w, http.StatusNotFound, domain.ErrCodeResourceNotFound, "no sync runs recorded")
		return
	}
	if err != nil {
		handleError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, run)
}
