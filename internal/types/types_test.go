package types

import (
	"encoding/json"
	"testing"
	"time"
)

func TestEntityFromResponse_CarriesIDAndTimestamp(t *testing.T) {
	// Given: a prayer response
	now := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	resp := PrayerResponse{
		ID:        "01JRESP0000000000000000000",
		PrayerID:  "01JPRAY0000000000000000000",
		AuthorID:  "u2",
		Kind:      ResponsePrayed,
		CreatedAt: now,
	}

	// When: it is wrapped as an entity
	e, err := EntityFromResponse(resp)
	if err != nil {
		t.Fatalf("EntityFromResponse failed: %v", err)
	}

	// Then: id and created_at are lifted, payload keeps the full response
	if e.ID != resp.ID {
		t.Errorf("ID = %q, want %q", e.ID, resp.ID)
	}
	if !e.CreatedAt.Equal(now) {
		t.Errorf("CreatedAt = %v, want %v", e.CreatedAt, now)
	}

	var decoded PrayerResponse
	if err := json.Unmarshal(e.Payload, &decoded); err != nil {
		t.Fatalf("payload is not a PrayerResponse: %v", err)
	}
	if decoded.PrayerID != resp.PrayerID || decoded.Kind != ResponsePrayed {
		t.Errorf("payload mismatch: %+v", decoded)
	}
}

func TestEntity_OmitsEmptyPayload(t *testing.T) {
	data, err := json.Marshal(Entity{ID: "a", CreatedAt: time.Unix(1, 0).UTC()})
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if got := string(data); got != `{"id":"a","created_at":"1970-01-01T00:00:01Z"}` {
		t.Errorf("unexpected JSON: %s", got)
	}
}

func TestValidResponseKinds(t *testing.T) {
	want := map[string]bool{"prayed": true, "comment": true, "encouragement": true}
	if len(ValidResponseKinds) != len(want) {
		t.Fatalf("expected %d kinds, got %d", len(want), len(ValidResponseKinds))
	}
	for _, k := range ValidResponseKinds {
		if !want[k] {
			t.Errorf("unexpected kind %q", k)
		}
	}
}
