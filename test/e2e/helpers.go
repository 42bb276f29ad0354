// Package e2e runs the whole feed pipeline in one process: a SQLite store
// publishing into a change feed hub, the HTTP and websocket API, the feed
// client, and one or more coordinators.
package e2e

import (
	"context"
	"io"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hyperengineering/vigil/internal/api"
	"github.com/hyperengineering/vigil/internal/changefeed"
	"github.com/hyperengineering/vigil/internal/feed"
	"github.com/hyperengineering/vigil/internal/store"
	"github.com/hyperengineering/vigil/internal/telemetry"
	"github.com/hyperengineering/vigil/internal/types"
	"github.com/hyperengineering/vigil/pkg/feedclient"
)

const (
	testAPIKey  = "e2e-key"
	waitTimeout = 5 * time.Second
)

// testEnv is a running server backed by a temporary database.
type testEnv struct {
	store  *store.SQLiteStore
	hub    *changefeed.Hub
	server *httptest.Server
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func startServer(t *testing.T) *testEnv {
	t.Helper()

	reg := telemetry.NewRegistry()
	metrics := telemetry.NewServerMetrics(reg)
	hub := changefeed.NewHub(64, metrics)

	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "vigil.db"),
		store.WithSourceID("e2e"),
		store.WithChangeNotifier(hub.Publish),
	)
	require.NoError(t, err)

	h := api.NewHandler(s, hub, metrics, testAPIKey, "e2e")
	srv := httptest.NewServer(api.NewRouter(h, telemetry.Handler(reg), false))

	t.Cleanup(func() {
		hub.Close()
		srv.Close()
		s.Close()
	})
	return &testEnv{store: s, hub: hub, server: srv}
}

func (e *testEnv) client(t *testing.T) *feedclient.Client {
	t.Helper()
	c, err := feedclient.New(feedclient.Config{
		BaseURL:            e.server.URL,
		APIKey:             testAPIKey,
		Timeout:            5 * time.Second,
		ReconnectBaseDelay: 50 * time.Millisecond,
		ReconnectMaxDelay:  200 * time.Millisecond,
		Logger:             discardLogger(),
	})
	require.NoError(t, err)
	return c
}

// waitListeners blocks until the hub has n live listeners.
func (e *testEnv) waitListeners(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return e.hub.Len() >= n },
		waitTimeout, 10*time.Millisecond, "change feed listeners never connected")
}

func testOptions() feed.Options {
	opts := feed.DefaultOptions()
	opts.Debounce = 20 * time.Millisecond
	opts.CrossReplicaDelay = 20 * time.Millisecond
	opts.RetryBaseDelay = 10 * time.Millisecond
	opts.RetryMaxDelay = 50 * time.Millisecond
	opts.HeartbeatInterval = time.Second
	return opts
}

func newCoordinator(t *testing.T, fetcher feed.SnapshotFetcher, changes feed.ChangeFeed, extra ...feed.Option) *feed.Coordinator {
	t.Helper()
	opts := append([]feed.Option{
		feed.WithOptions(testOptions()),
		feed.WithLogger(discardLogger()),
	}, extra...)
	c := feed.New(fetcher, changes, opts...)
	t.Cleanup(func() { c.Shutdown() })
	return c
}

// inbox collects deliveries for one subscription.
type inbox struct {
	mu         sync.Mutex
	deliveries [][]types.Entity
	errs       []error
	notify     chan struct{}
}

func newInbox() *inbox {
	return &inbox{notify: make(chan struct{}, 1)}
}

func (b *inbox) onUpdate(items []types.Entity) {
	b.mu.Lock()
	b.deliveries = append(b.deliveries, items)
	b.mu.Unlock()
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

func (b *inbox) onError(err error) {
	b.mu.Lock()
	b.errs = append(b.errs, err)
	b.mu.Unlock()
}

func (b *inbox) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.deliveries)
}

func (b *inbox) latest() []types.Entity {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.deliveries) == 0 {
		return nil
	}
	return b.deliveries[len(b.deliveries)-1]
}

// waitFor blocks until the latest delivery satisfies pred.
func (b *inbox) waitFor(t *testing.T, what string, pred func([]types.Entity) bool) []types.Entity {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		b.mu.Lock()
		n := len(b.deliveries)
		var last []types.Entity
		if n > 0 {
			last = b.deliveries[n-1]
		}
		b.mu.Unlock()
		if n > 0 && pred(last) {
			return last
		}
		select {
		case <-b.notify:
		case <-deadline:
			t.Fatalf("timed out waiting for %s; last delivery: %v", what, ids(last))
		}
	}
}

func ids(items []types.Entity) []string {
	out := make([]string, len(items))
	for i, e := range items {
		out[i] = e.ID
	}
	return out
}

func hasID(id string) func([]types.Entity) bool {
	return func(items []types.Entity) bool {
		for _, e := range items {
			if e.ID == id {
				return true
			}
		}
		return false
	}
}

func lacksID(id string) func([]types.Entity) bool {
	has := hasID(id)
	return func(items []types.Entity) bool { return !has(items) }
}

// silentFeed reports every channel subscribed and never emits an event.
type silentFeed struct{}

func (silentFeed) OpenChangeFeed(ctx context.Context, subject, table string, onEvent feed.EventHandler, onState feed.StateHandler) (feed.CancelFunc, error) {
	onState(feed.StateSubscribed, nil)
	return func() {}, nil
}

func createPrayer(t *testing.T, s *store.SQLiteStore, userID, content string) *types.Prayer {
	t.Helper()
	p, err := s.CreatePrayer(context.Background(), types.NewPrayerRequest{UserID: userID, Content: content})
	require.NoError(t, err)
	return p
}

func respond(t *testing.T, s *store.SQLiteStore, prayerID, author string, kind types.ResponseKind) *types.PrayerResponse {
	t.Helper()
	r, err := s.CreateResponse(context.Background(), prayerID, types.NewResponseRequest{AuthorID: author, Kind: kind})
	require.NoError(t, err)
	return r
}
