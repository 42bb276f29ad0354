package validation

import (
	"github.com/hyperengineering/vigil/internal/types"
)

const (
	MaxUserIDLength      = 128
	MaxPrayerLength      = 4000
	MaxResponseMsgLength = 1000
)

// ValidatePrayerRequest checks a create-prayer request.
func ValidatePrayerRequest(req types.NewPrayerRequest) []ValidationError {
	c := &Collector{}
	c.UserID("user_id", req.UserID)
	c.Text("content", req.Content, MaxPrayerLength, true)
	return c.Errors()
}

// ValidateResponseRequest checks a respond-to-prayer request. prayerID comes
// from the URL. Comments must carry a message; other kinds may.
func ValidateResponseRequest(prayerID string, req types.NewResponseRequest) []ValidationError {
	c := &Collector{}
	c.Add(ValidateULID("prayer_id", prayerID))
	c.UserID("author_id", req.AuthorID)
	c.Add(ValidateResponseKind("kind", req.Kind))
	c.Text("message", req.Message, MaxResponseMsgLength, req.Kind == types.ResponseComment)
	return c.Errors()
}
