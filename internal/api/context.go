package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hyperengineering/vigil/internal/validation"
)

// subjectContextKey is the context key for the user a request is scoped to.
type subjectContextKey struct{}

// ErrNoSubjectInContext indicates no subject was found in the context.
var ErrNoSubjectInContext = errors.New("no subject in context")

// WithSubject returns a new context with the subject attached.
func WithSubject(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, subjectContextKey{}, subject)
}

// SubjectFromContext extracts the subject from the context.
// Returns ErrNoSubjectInContext if not present or empty.
func SubjectFromContext(ctx context.Context) (string, error) {
	s, ok := ctx.Value(subjectContextKey{}).(string)
	if !ok || s == "" {
		return "", ErrNoSubjectInContext
	}
	return s, nil
}

// MustSubjectFromContext extracts the subject or panics.
// Use only when middleware guarantees subject presence.
func MustSubjectFromContext(ctx context.Context) string {
	s, err := SubjectFromContext(ctx)
	if err != nil {
		panic("subject not in context: middleware misconfiguration")
	}
	return s
}

// SubjectMiddleware validates the {user_id} URL parameter and attaches it to
// the request context. Invalid ids get a 422 problem response.
func SubjectMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := chi.URLParam(r, "user_id")

		c := &validation.Collector{}
		c.UserID("user_id", userID)
		if c.HasErrors() {
			WriteProblemWithErrors(w, r, "Invalid user id", c.Errors())
			return
		}

		next.ServeHTTP(w, r.WithContext(WithSubject(r.Context(), userID)))
	})
}
