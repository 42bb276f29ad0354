package types

import (
	"encoding/json"
	"time"
)

// ResponseKind represents how someone responded to a prayer
type ResponseKind string

const (
	ResponsePrayed        ResponseKind = "prayed"
	ResponseComment       ResponseKind = "comment"
	ResponseEncouragement ResponseKind = "encouragement"
)

// ValidResponseKinds lists every accepted response kind.
var ValidResponseKinds = []string{
	string(ResponsePrayed),
	string(ResponseComment),
	string(ResponseEncouragement),
}

// Prayer is an upstream record owned by a single user.
type Prayer struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// PrayerResponse is a response to a prayer. Responses to a user's prayers
// make up that user's inbox.
type PrayerResponse struct {
	ID        string       `json:"id"`
	PrayerID  string       `json:"prayer_id"`
	AuthorID  string       `json:"author_id"`
	Kind      ResponseKind `json:"kind"`
	Message   string       `json:"message,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
}

// Entity is the synchronized record held by a feed replica.
// Only ID and CreatedAt are interpreted; Payload is opaque.
type Entity struct {
	ID        string          `json:"id"`
	CreatedAt time.Time       `json:"created_at"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// EntityFromResponse wraps a PrayerResponse as an inbox Entity.
func EntityFromResponse(r PrayerResponse) (Entity, error) {
	payload, err := json.Marshal(r)
	if err != nil {
		return Entity{}, err
	}
	return Entity{
		ID:        r.ID,
		CreatedAt: r.CreatedAt,
		Payload:   payload,
	}, nil
}

// NewPrayerRequest represents a request to create a prayer
type NewPrayerRequest struct {
	UserID  string `json:"user_id"`
	Content string `json:"content"`
}

// NewResponseRequest represents a request to respond to a prayer
type NewResponseRequest struct {
	AuthorID string       `json:"author_id"`
	Kind     ResponseKind `json:"kind"`
	Message  string       `json:"message,omitempty"`
}

// InboxResponse is the authoritative inbox snapshot for one user.
type InboxResponse struct {
	UserID string   `json:"user_id"`
	Items  []Entity `json:"items"`
}

// OwnershipResponse lists the upstream records a user owns.
type OwnershipResponse struct {
	UserID string   `json:"user_id"`
	IDs    []string `json:"ids"`
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status         string `json:"status"`
	Version        string `json:"version"`
	PrayerCount    int64  `json:"prayer_count"`
	ResponseCount  int64  `json:"response_count"`
	LatestSequence int64  `json:"latest_sequence"`
}

// StoreStats contains aggregate store statistics
type StoreStats struct {
	PrayerCount    int64      `json:"prayer_count"`
	ResponseCount  int64      `json:"response_count"`
	LatestSequence int64      `json:"latest_sequence"`
	LastSnapshot   *time.Time `json:"last_snapshot,omitempty"`
}
