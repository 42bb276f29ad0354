package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hyperengineering/vigil/internal/changefeed"
	"github.com/hyperengineering/vigil/internal/snapshot"
	"github.com/hyperengineering/vigil/internal/store"
	"github.com/hyperengineering/vigil/internal/telemetry"
	"github.com/hyperengineering/vigil/internal/types"
	"github.com/hyperengineering/vigil/internal/validation"
)

const (
	// DefaultInboxLimit is the inbox page size when the client sends none.
	DefaultInboxLimit = 100

	// MaxInboxLimit caps the inbox page size.
	MaxInboxLimit = 500
)

// Handler implements the API handlers
type Handler struct {
	store   store.Store
	hub     *changefeed.Hub
	metrics *telemetry.ServerMetrics
	apiKey  string
	version string
}

// NewHandler creates a new Handler. hub may be nil, in which case the change
// feed endpoint only replays history.
func NewHandler(s store.Store, hub *changefeed.Hub, metrics *telemetry.ServerMetrics, apiKey, version string) *Handler {
	return &Handler{
		store:   s,
		hub:     hub,
		metrics: metrics,
		apiKey:  apiKey,
		version: version,
	}
}

// Health returns the health status
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.GetStats(r.Context())
	if err != nil {
		MapStoreError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, types.HealthResponse{
		Status:         "healthy",
		Version:        h.version,
		PrayerCount:    stats.PrayerCount,
		ResponseCount:  stats.ResponseCount,
		LatestSequence: stats.LatestSequence,
	})
}

// CreatePrayer handles POST /api/v1/prayers
func (h *Handler) CreatePrayer(w http.ResponseWriter, r *http.Request) {
	var req types.NewPrayerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err.Error()))
		return
	}

	if errs := validation.ValidatePrayerRequest(req); len(errs) > 0 {
		WriteProblemWithErrors(w, r, "Request contains invalid fields", errs)
		return
	}

	p, err := h.store.CreatePrayer(r.Context(), req)
	if err != nil {
		MapStoreError(w, r, err)
		return
	}

	slog.Info("prayer created",
		"component", "api",
		"action", "create_prayer",
		"request_id", GetRequestID(r.Context()),
		"prayer_id", p.ID,
		"user_id", p.UserID,
	)
	writeJSON(w, http.StatusCreated, p)
}

// CreateResponse handles POST /api/v1/prayers/{id}/responses
func (h *Handler) CreateResponse(w http.ResponseWriter, r *http.Request) {
	prayerID := chi.URLParam(r, "id")

	var req types.NewResponseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err.Error()))
		return
	}

	if errs := validation.ValidateResponseRequest(prayerID, req); len(errs) > 0 {
		WriteProblemWithErrors(w, r, "Request contains invalid fields", errs)
		return
	}

	resp, err := h.store.CreateResponse(r.Context(), prayerID, req)
	if err != nil {
		MapStoreError(w, r, err)
		return
	}

	slog.Info("response created",
		"component", "api",
		"action", "create_response",
		"request_id", GetRequestID(r.Context()),
		"response_id", resp.ID,
		"prayer_id", prayerID,
		"kind", resp.Kind,
	)
	writeJSON(w, http.StatusCreated, resp)
}

// DeleteResponse handles DELETE /api/v1/responses/{id}
func (h *Handler) DeleteResponse(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := validation.ValidateULID("id", id); err != nil {
		WriteProblemWithErrors(w, r, "Invalid response id", []validation.ValidationError{*err})
		return
	}

	if err := h.store.DeleteResponse(r.Context(), id); err != nil {
		MapStoreError(w, r, err)
		return
	}

	slog.Info("response deleted",
		"component", "api",
		"action", "delete_response",
		"request_id", GetRequestID(r.Context()),
		"response_id", id,
	)
	w.WriteHeader(http.StatusNoContent)
}

// Inbox handles GET /api/v1/users/{user_id}/inbox
func (h *Handler) Inbox(w http.ResponseWriter, r *http.Request) {
	subject := MustSubjectFromContext(r.Context())

	limit := DefaultInboxLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > MaxInboxLimit {
			WriteProblem(w, r, http.StatusBadRequest,
				fmt.Sprintf("limit must be between 1 and %d", MaxInboxLimit))
			return
		}
		limit = n
	}

	items, err := h.store.ListInbox(r.Context(), subject, limit)
	if err != nil {
		MapStoreError(w, r, err)
		return
	}
	if items == nil {
		items = []types.Entity{}
	}

	writeJSON(w, http.StatusOK, types.InboxResponse{UserID: subject, Items: items})
}

// PrayerIDs handles GET /api/v1/users/{user_id}/prayers/ids
func (h *Handler) PrayerIDs(w http.ResponseWriter, r *http.Request) {
	subject := MustSubjectFromContext(r.Context())

	ids, err := h.store.ListOwnedPrayerIDs(r.Context(), subject)
	if err != nil {
		MapStoreError(w, r, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}

	writeJSON(w, http.StatusOK, types.OwnershipResponse{UserID: subject, IDs: ids})
}

// Snapshot handles GET /api/v1/snapshot
func (h *Handler) Snapshot(w http.ResponseWriter, r *http.Request) {
	path, err := h.store.GetSnapshotPath(r.Context())
	if err != nil {
		if errors.Is(err, store.ErrSnapshotNotReady) || errors.Is(err, store.ErrSnapshotUnavailable) {
			w.Header().Set("Retry-After", "60")
		}
		MapStoreError(w, r, err)
		return
	}

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			w.Header().Set("Retry-After", "60")
			WriteProblem(w, r, http.StatusServiceUnavailable, "Snapshot not available")
			return
		}
		MapStoreError(w, r, err)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", `attachment; filename="`+snapshot.DownloadName+`"`)
	var modified time.Time
	if fi, err := f.Stat(); err == nil {
		modified = fi.ModTime()
	}
	http.ServeContent(w, r, snapshot.DownloadName, modified, f)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "component", "api", "error", err)
	}
}
