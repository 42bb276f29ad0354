package validation

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/oklog/ulid/v2"

	"github.com/hyperengineering/vigil/internal/types"
)

// ValidationError is one field failure, rendered in the "errors" list of a
// 422 problem response.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	return e.Field + " " + e.Message
}

// Collector accumulates field failures so a request reports all of them at once.
type Collector struct {
	errors []ValidationError
}

// Add records err. Nil is ignored.
func (c *Collector) Add(err *ValidationError) {
	if err != nil {
		c.errors = append(c.errors, *err)
	}
}

func (c *Collector) HasErrors() bool {
	return len(c.errors) > 0
}

func (c *Collector) Errors() []ValidationError {
	return c.errors
}

// UserID checks a caller-chosen user identifier: present, at most
// MaxUserIDLength runes, no NUL bytes.
func (c *Collector) UserID(field, value string) {
	if err := ValidateRequired(field, value); err != nil {
		c.Add(err)
		return
	}
	c.Add(ValidateMaxLength(field, value, MaxUserIDLength))
	c.Add(validateNoNull(field, value))
}

// Text checks free text such as prayer content or a response message. A
// blank value fails only when required; otherwise it is accepted as absent.
func (c *Collector) Text(field, value string, max int, required bool) {
	if strings.TrimSpace(value) == "" {
		if required {
			c.Add(ValidateRequired(field, value))
		}
		return
	}
	if !utf8.ValidString(value) {
		// Rune counts are meaningless for invalid input.
		c.Add(&ValidationError{Field: field, Message: "must be valid UTF-8"})
		return
	}
	c.Add(validateNoNull(field, value))
	c.Add(ValidateMaxLength(field, value, max))
}

// ValidateRequired fails empty and whitespace-only values.
func ValidateRequired(field, value string) *ValidationError {
	if strings.TrimSpace(value) == "" {
		return &ValidationError{Field: field, Message: "is required"}
	}
	return nil
}

// ValidateMaxLength fails values longer than max runes.
func ValidateMaxLength(field, value string, max int) *ValidationError {
	if utf8.RuneCountInString(value) > max {
		return &ValidationError{
			Field:   field,
			Message: fmt.Sprintf("exceeds maximum length of %d characters", max),
		}
	}
	return nil
}

// ValidateULID fails anything ulid.ParseStrict rejects. Prayer and response
// ids are minted as ULIDs, so a malformed one can never name a stored row.
func ValidateULID(field, value string) *ValidationError {
	_, err := ulid.ParseStrict(value)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ulid.ErrDataSize):
		return &ValidationError{Field: field, Message: "must be a valid ULID (26 characters)"}
	case errors.Is(err, ulid.ErrOverflow):
		return &ValidationError{Field: field, Message: "must be a valid ULID (timestamp overflow)"}
	default:
		return &ValidationError{Field: field, Message: "must be a valid ULID (invalid character)"}
	}
}

// ValidateResponseKind fails kinds outside types.ValidResponseKinds. The
// match is case sensitive.
func ValidateResponseKind(field string, kind types.ResponseKind) *ValidationError {
	if slices.Contains(types.ValidResponseKinds, string(kind)) {
		return nil
	}
	return &ValidationError{
		Field:   field,
		Message: "must be one of: " + strings.Join(types.ValidResponseKinds, ", "),
	}
}

func validateNoNull(field, value string) *ValidationError {
	if strings.IndexByte(value, 0) >= 0 {
		return &ValidationError{Field: field, Message: "must not contain null bytes"}
	}
	return nil
}
