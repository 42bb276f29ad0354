package validation

import (
	"strings"
	"testing"

	"github.com/hyperengineering/vigil/internal/types"
)

const validPrayerID = "01ARZ3NDEKTSV4RRFFQ69G5FAV"

func hasFieldError(errs []ValidationError, field, fragment string) bool {
	for _, e := range errs {
		if e.Field == field && strings.Contains(e.Message, fragment) {
			return true
		}
	}
	return false
}

// --- ValidatePrayerRequest Tests ---

func TestValidatePrayerRequest_Valid(t *testing.T) {
	errs := ValidatePrayerRequest(types.NewPrayerRequest{
		UserID:  "u1",
		Content: "Please pray for my exams this week",
	})
	if len(errs) != 0 {
		t.Errorf("ValidatePrayerRequest(valid) = %v, want no errors", errs)
	}
}

func TestValidatePrayerRequest_Invalid(t *testing.T) {
	tests := []struct {
		name     string
		req      types.NewPrayerRequest
		field    string
		fragment string
	}{
		{"missing user", types.NewPrayerRequest{Content: "x"}, "user_id", "required"},
		{"long user", types.NewPrayerRequest{UserID: strings.Repeat("u", 129), Content: "x"}, "user_id", "128"},
		{"missing content", types.NewPrayerRequest{UserID: "u1", Content: "  "}, "content", "required"},
		{"null byte", types.NewPrayerRequest{UserID: "u1", Content: "a\x00b"}, "content", "null"},
		{"long content", types.NewPrayerRequest{UserID: "u1", Content: strings.Repeat("a", 4001)}, "content", "4000"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := ValidatePrayerRequest(tt.req)
			if !hasFieldError(errs, tt.field, tt.fragment) {
				t.Errorf("missing %s error containing %q, got %v", tt.field, tt.fragment, errs)
			}
		})
	}
}

// --- ValidateResponseRequest Tests ---

func TestValidateResponseRequest_Valid(t *testing.T) {
	tests := []struct {
		name string
		req  types.NewResponseRequest
	}{
		{"prayed without message", types.NewResponseRequest{AuthorID: "u2", Kind: types.ResponsePrayed}},
		{"comment with message", types.NewResponseRequest{AuthorID: "u2", Kind: types.ResponseComment, Message: "Praying!"}},
		{"encouragement", types.NewResponseRequest{AuthorID: "u2", Kind: types.ResponseEncouragement, Message: "You got this"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if errs := ValidateResponseRequest(validPrayerID, tt.req); len(errs) != 0 {
				t.Errorf("ValidateResponseRequest = %v, want no errors", errs)
			}
		})
	}
}

func TestValidateResponseRequest_Invalid(t *testing.T) {
	tests := []struct {
		name     string
		prayerID string
		req      types.NewResponseRequest
		field    string
		fragment string
	}{
		{"bad prayer id", "nope", types.NewResponseRequest{AuthorID: "u2", Kind: types.ResponsePrayed}, "prayer_id", "ULID"},
		{"missing author", validPrayerID, types.NewResponseRequest{Kind: types.ResponsePrayed}, "author_id", "required"},
		{"unknown kind", validPrayerID, types.NewResponseRequest{AuthorID: "u2", Kind: "liked"}, "kind", "must be one of"},
		{"comment needs message", validPrayerID, types.NewResponseRequest{AuthorID: "u2", Kind: types.ResponseComment}, "message", "required"},
		{"long message", validPrayerID, types.NewResponseRequest{AuthorID: "u2", Kind: types.ResponseComment, Message: strings.Repeat("m", 1001)}, "message", "1000"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := ValidateResponseRequest(tt.prayerID, tt.req)
			if !hasFieldError(errs, tt.field, tt.fragment) {
				t.Errorf("missing %s error containing %q, got %v", tt.field, tt.fragment, errs)
			}
		})
	}
}

func TestValidateResponseRequest_CollectsAllErrors(t *testing.T) {
	errs := ValidateResponseRequest("bad", types.NewResponseRequest{Kind: "bogus"})
	if len(errs) != 3 {
		t.Errorf("len(errs) = %d, want 3 (prayer_id, author_id, kind): %v", len(errs), errs)
	}
}
