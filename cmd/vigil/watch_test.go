package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperengineering/vigil/internal/broadcast"
	"github.com/hyperengineering/vigil/internal/config"
	"github.com/hyperengineering/vigil/internal/types"
)

func TestBroadcastOpener(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.BroadcastConfig
		wantNil bool
		wantErr bool
	}{
		{name: "noop", cfg: config.BroadcastConfig{Kind: config.BroadcastNoop}, wantNil: true},
		{name: "empty", cfg: config.BroadcastConfig{}, wantNil: true},
		{name: "local", cfg: config.BroadcastConfig{Kind: config.BroadcastLocal}},
		{name: "nats", cfg: config.BroadcastConfig{Kind: config.BroadcastNATS, URL: "nats://127.0.0.1:4222"}},
		{name: "filedrop", cfg: config.BroadcastConfig{Kind: config.BroadcastFileDrop, Dir: "data/broadcast"}},
		{name: "unknown", cfg: config.BroadcastConfig{Kind: "carrier-pigeon"}, wantNil: true, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opener, err := broadcastOpener(tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.wantNil, opener == nil)
		})
	}
}

func TestBroadcastOpener_LocalDeliversBetweenTransports(t *testing.T) {
	opener, err := broadcastOpener(config.BroadcastConfig{Kind: config.BroadcastLocal})
	require.NoError(t, err)

	a, err := opener("vigil.inbox")
	require.NoError(t, err)
	defer a.Close()
	b, err := opener("vigil.inbox")
	require.NoError(t, err)
	defer b.Close()

	got := make(chan string, 1)
	b.OnMessage(func(n broadcast.Notice) { got <- n.Subject })
	require.NoError(t, a.Publish(t.Context(), broadcast.Notice{Subject: "alice", OriginID: "a"}))

	select {
	case subject := <-got:
		assert.Equal(t, "alice", subject)
	case <-time.After(time.Second):
		t.Fatal("notice not delivered")
	}
}

func TestFeedOptions(t *testing.T) {
	cfg := &config.Config{
		Feed: config.FeedConfig{
			Debounce:            config.Duration(2 * time.Second),
			MaxRetries:          3,
			HeartbeatInterval:   config.Duration(15 * time.Second),
			CrossReplicaEnabled: false,
			CrossReplicaDelay:   config.Duration(250 * time.Millisecond),
			RetryBaseDelay:      config.Duration(500 * time.Millisecond),
			RetryMaxDelay:       config.Duration(5 * time.Second),
			Tables:              []string{"prayer_responses"},
		},
		Broadcast: config.BroadcastConfig{Topic: "vigil.test"},
	}

	opts := feedOptions(cfg)
	assert.Equal(t, 2*time.Second, opts.Debounce)
	assert.Equal(t, uint(3), opts.MaxRetries)
	assert.Equal(t, 15*time.Second, opts.HeartbeatInterval)
	assert.False(t, opts.CrossReplicaEnabled)
	assert.Equal(t, 250*time.Millisecond, opts.CrossReplicaDelay)
	assert.Equal(t, 500*time.Millisecond, opts.RetryBaseDelay)
	assert.Equal(t, 5*time.Second, opts.RetryMaxDelay)
	assert.Equal(t, []string{"prayer_responses"}, opts.Tables)
	assert.Equal(t, "vigil.test", opts.BroadcastTopic)
}

func TestFeedOptions_KeepsDefaultTables(t *testing.T) {
	opts := feedOptions(&config.Config{})
	assert.Len(t, opts.Tables, 2)
	assert.NotEmpty(t, opts.BroadcastTopic)
}

func testEntity(t *testing.T, id, kind, message string, at time.Time) types.Entity {
	t.Helper()
	e, err := types.EntityFromResponse(types.PrayerResponse{
		ID:        id,
		PrayerID:  "p1",
		AuthorID:  "bob",
		Kind:      types.ResponseKind(kind),
		Message:   message,
		CreatedAt: at,
	})
	require.NoError(t, err)
	return e
}

func TestInboxPrinter_Text(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var buf bytes.Buffer
	p := &inboxPrinter{w: &buf, subject: "alice"}

	p.print([]types.Entity{
		testEntity(t, "r2", "comment", "with you", at),
		testEntity(t, "r1", "prayed", "", at.Add(-time.Minute)),
		{ID: "local-1", CreatedAt: at},
	})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, "inbox alice: 3 item(s)", lines[0])
	assert.Contains(t, lines[1], "r2  comment by bob: with you")
	assert.Contains(t, lines[2], "r1  prayed by bob")
	assert.True(t, strings.HasSuffix(lines[3], "local-1"))
}

func TestInboxPrinter_JSON(t *testing.T) {
	var buf bytes.Buffer
	p := &inboxPrinter{w: &buf, subject: "alice", json: true}

	p.print([]types.Entity{{ID: "r1", CreatedAt: time.Now().UTC()}})
	p.print([]types.Entity{})

	dec := json.NewDecoder(&buf)
	var first, second types.InboxResponse
	require.NoError(t, dec.Decode(&first))
	require.NoError(t, dec.Decode(&second))
	assert.Equal(t, "alice", first.UserID)
	require.Len(t, first.Items, 1)
	assert.Equal(t, "r1", first.Items[0].ID)
	assert.Empty(t, second.Items)
}
