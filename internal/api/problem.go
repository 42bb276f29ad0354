package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hyperengineering/vigil/internal/store"
	"github.com/hyperengineering/vigil/internal/validation"
)

const problemBase = "https://vigil.dev/errors/"

// Problem is an RFC 7807 problem details body.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail"`
	Instance string `json:"instance,omitempty"`
}

// ProblemWithErrors is a 422 body carrying one entry per invalid field.
type ProblemWithErrors struct {
	Problem
	Errors []validation.ValidationError `json:"errors,omitempty"`
}

// problemSlugs names the statuses the API emits. Anything else gets "unknown".
var problemSlugs = map[int]string{
	http.StatusBadRequest:          "bad-request",
	http.StatusUnauthorized:        "unauthorized",
	http.StatusNotFound:            "not-found",
	http.StatusUnprocessableEntity: "validation-error",
	http.StatusTooManyRequests:     "rate-limit",
	http.StatusInternalServerError: "internal-error",
	http.StatusServiceUnavailable:  "service-unavailable",
}

func newProblem(r *http.Request, status int, detail string) Problem {
	slug, ok := problemSlugs[status]
	if !ok {
		slug = "unknown"
	}
	title := http.StatusText(status)
	if status == http.StatusUnprocessableEntity {
		title = "Validation Error"
	}
	return Problem{
		Type:     problemBase + slug,
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: r.URL.Path,
	}
}

func encodeProblem(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("failed to encode problem response", "component", "api", "error", err)
	}
}

// WriteProblem writes an RFC 7807 response for status.
func WriteProblem(w http.ResponseWriter, r *http.Request, status int, detail string) {
	encodeProblem(w, status, newProblem(r, status, detail))
}

// WriteProblemWithErrors writes a 422 response listing field errors.
func WriteProblemWithErrors(w http.ResponseWriter, r *http.Request, detail string, errs []validation.ValidationError) {
	encodeProblem(w, http.StatusUnprocessableEntity, ProblemWithErrors{
		Problem: newProblem(r, http.StatusUnprocessableEntity, detail),
		Errors:  errs,
	})
}

// storeErrors maps store sentinels to client-facing responses, checked in order.
var storeErrors = []struct {
	target error
	status int
	detail string
}{
	{store.ErrPrayerNotFound, http.StatusNotFound, "Prayer not found"},
	{store.ErrNotFound, http.StatusNotFound, "Resource not found"},
	{store.ErrSnapshotNotReady, http.StatusServiceUnavailable, "Snapshot not available"},
	{store.ErrSnapshotUnavailable, http.StatusServiceUnavailable, "Snapshot not available"},
}

// MapStoreError writes the response for a store error. Unmapped errors are
// logged and surface as a bare 500.
func MapStoreError(w http.ResponseWriter, r *http.Request, err error) {
	for _, m := range storeErrors {
		if errors.Is(err, m.target) {
			WriteProblem(w, r, m.status, m.detail)
			return
		}
	}
	slog.Error("store error",
		"component", "api",
		"path", r.URL.Path,
		"error", err,
	)
	WriteProblem(w, r, http.StatusInternalServerError, "Internal Server Error")
}
