package validation

import (
	"strings"
	"testing"

	"github.com/hyperengineering/vigil/internal/types"
)

// --- Collector.UserID Tests ---

func TestCollector_UserID(t *testing.T) {
	tests := []struct {
		name     string
		value    string
		fragment string // empty means valid
	}{
		{"plain", "u1", ""},
		{"email-like", "ana@example.org", ""},
		{"at limit", strings.Repeat("u", MaxUserIDLength), ""},
		{"empty", "", "required"},
		{"whitespace", " \t ", "required"},
		{"too long", strings.Repeat("u", MaxUserIDLength+1), "128"},
		{"null byte", "u\x001", "null"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &Collector{}
			c.UserID("user_id", tt.value)
			errs := c.Errors()

			if tt.fragment == "" {
				if len(errs) != 0 {
					t.Errorf("UserID(%q) = %v, want no errors", tt.value, errs)
				}
				return
			}
			if !hasFieldError(errs, "user_id", tt.fragment) {
				t.Errorf("UserID(%q) = %v, want user_id error containing %q", tt.value, errs, tt.fragment)
			}
		})
	}
}

func TestCollector_UserID_RequiredShortCircuits(t *testing.T) {
	c := &Collector{}
	c.UserID("author_id", "")
	if len(c.Errors()) != 1 {
		t.Errorf("len(Errors()) = %d, want 1: %v", len(c.Errors()), c.Errors())
	}
}

// --- Collector.Text Tests ---

func TestCollector_Text(t *testing.T) {
	tests := []struct {
		name     string
		value    string
		required bool
		fragment string
	}{
		{"prayer content", "Please pray for my mother's surgery", true, ""},
		{"unicode within limit", strings.Repeat("祈", 10), true, ""},
		{"optional blank", "   ", false, ""},
		{"required blank", "   ", true, "required"},
		{"invalid utf8", string([]byte{0xff, 0xfe}), true, "UTF-8"},
		{"null byte", "amen\x00", false, "null"},
		{"over limit by runes", strings.Repeat("祈", 11), true, "10"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &Collector{}
			c.Text("message", tt.value, 10, tt.required)
			errs := c.Errors()

			if tt.fragment == "" {
				if len(errs) != 0 {
					t.Errorf("Text(%q) = %v, want no errors", tt.value, errs)
				}
				return
			}
			if !hasFieldError(errs, "message", tt.fragment) {
				t.Errorf("Text(%q) = %v, want message error containing %q", tt.value, errs, tt.fragment)
			}
		})
	}
}

func TestCollector_Text_InvalidUTF8SkipsLength(t *testing.T) {
	c := &Collector{}
	c.Text("content", strings.Repeat("\xff", 50), 10, true)
	if len(c.Errors()) != 1 {
		t.Errorf("len(Errors()) = %d, want 1 (UTF-8 only): %v", len(c.Errors()), c.Errors())
	}
}

// --- ValidateULID Tests ---

func TestValidateULID(t *testing.T) {
	tests := []struct {
		name     string
		value    string
		fragment string
	}{
		{"prayer id", "01ARYZ6S41TSV4RRFFQ69G5FAV", ""},
		{"lowercase", "01arzy6s41tsv4rrffq69g5fav", ""},
		{"maximum", "7ZZZZZZZZZZZZZZZZZZZZZZZZZ", ""},
		{"empty", "", "26 characters"},
		{"too short", "01ARYZ6S41", "26 characters"},
		{"too long", "01ARYZ6S41TSV4RRFFQ69G5FAVX", "26 characters"},
		{"excluded letter", "01ARYZ6S41TSV4RRFFQ69G5FAU", "invalid character"},
		{"overflow", "80000000000000000000000000", "overflow"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateULID("id", tt.value)
			if tt.fragment == "" {
				if err != nil {
					t.Errorf("ValidateULID(%q) = %v, want nil", tt.value, err)
				}
				return
			}
			if err == nil {
				t.Fatalf("ValidateULID(%q) = nil, want error", tt.value)
			}
			if err.Field != "id" || !strings.Contains(err.Message, tt.fragment) {
				t.Errorf("ValidateULID(%q) = %+v, want id error containing %q", tt.value, err, tt.fragment)
			}
		})
	}
}

// --- ValidateResponseKind Tests ---

func TestValidateResponseKind(t *testing.T) {
	for _, kind := range types.ValidResponseKinds {
		if err := ValidateResponseKind("kind", types.ResponseKind(kind)); err != nil {
			t.Errorf("ValidateResponseKind(%q) = %v, want nil", kind, err)
		}
	}

	for _, kind := range []types.ResponseKind{"", "liked", "Prayed"} {
		err := ValidateResponseKind("kind", kind)
		if err == nil {
			t.Errorf("ValidateResponseKind(%q) = nil, want error", kind)
			continue
		}
		if !strings.Contains(err.Message, "prayed, comment, encouragement") {
			t.Errorf("message = %q, want the accepted kinds listed", err.Message)
		}
	}
}

// --- Collector Tests ---

func TestCollector_IgnoresNilAndKeepsOrder(t *testing.T) {
	c := &Collector{}
	if c.HasErrors() {
		t.Fatal("HasErrors() = true for empty collector")
	}

	c.Add(nil)
	c.Add(&ValidationError{Field: "prayer_id", Message: "m1"})
	c.Add(nil)
	c.Add(&ValidationError{Field: "kind", Message: "m2"})

	errs := c.Errors()
	if !c.HasErrors() || len(errs) != 2 {
		t.Fatalf("Errors() = %v, want 2 entries", errs)
	}
	if errs[0].Field != "prayer_id" || errs[1].Field != "kind" {
		t.Errorf("fields = %q, %q, want prayer_id, kind", errs[0].Field, errs[1].Field)
	}
	if got := errs[1].Error(); got != "kind m2" {
		t.Errorf("Error() = %q, want %q", got, "kind m2")
	}
}
