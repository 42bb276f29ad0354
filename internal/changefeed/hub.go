// Package changefeed fans committed change log entries out to live listeners.
package changefeed

import (
	"log/slog"
	"sync"

	feedsync "github.com/hyperengineering/vigil/internal/sync"
	"github.com/hyperengineering/vigil/internal/telemetry"
)

// DefaultBuffer is the per-listener queue length used when none is given.
const DefaultBuffer = 256

// Hub delivers every published entry to each listener whose table set
// matches. Publish never blocks: a listener whose queue is full is dropped
// and its Lagged channel closed so the consumer can resume from its last
// sequence.
type Hub struct {
	mu        sync.RWMutex
	listeners map[uint64]*Listener
	nextID    uint64
	buffer    int
	closed    bool
	metrics   *telemetry.ServerMetrics
}

// NewHub creates a hub whose listeners queue up to buffer entries.
func NewHub(buffer int, metrics *telemetry.ServerMetrics) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{
		listeners: make(map[uint64]*Listener),
		buffer:    buffer,
		metrics:   metrics,
	}
}

// Listener receives entries for a set of tables.
type Listener struct {
	id     uint64
	hub    *Hub
	tables map[string]bool
	ch     chan feedsync.ChangeLogEntry
	lagged chan struct{}
	once   sync.Once
}

// C returns the channel entries arrive on. It is closed when the listener
// is closed or dropped.
func (l *Listener) C() <-chan feedsync.ChangeLogEntry {
	return l.ch
}

// Lagged is closed when the hub dropped the listener for falling behind.
func (l *Listener) Lagged() <-chan struct{} {
	return l.lagged
}

// Close detaches the listener from the hub. Safe to call more than once.
func (l *Listener) Close() {
	l.hub.remove(l, false)
}

func (l *Listener) accepts(table string) bool {
	return len(l.tables) == 0 || l.tables[table]
}

// Listen registers a listener for tables; an empty set matches every table.
// Listening on a closed hub returns a listener whose channel is already closed.
func (h *Hub) Listen(tables []string) *Listener {
	l := &Listener{
		hub:    h,
		tables: make(map[string]bool, len(tables)),
		ch:     make(chan feedsync.ChangeLogEntry, h.buffer),
		lagged: make(chan struct{}),
	}
	for _, t := range tables {
		l.tables[t] = true
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		l.once.Do(func() { close(l.ch) })
		return l
	}
	h.nextID++
	l.id = h.nextID
	h.listeners[l.id] = l
	return l
}

// Publish hands committed entries to every matching listener.
// It matches store.ChangeNotifier.
func (h *Hub) Publish(entries []feedsync.ChangeLogEntry) {
	var laggards []*Listener
	skip := make(map[uint64]bool)

	h.mu.RLock()
	for _, e := range entries {
		h.metrics.ChangeEvent(e.TableName, e.Operation)
		for _, l := range h.listeners {
			if skip[l.id] || !l.accepts(e.TableName) {
				continue
			}
			select {
			case l.ch <- e:
			default:
				// A listener that missed an entry must not see later ones.
				skip[l.id] = true
				laggards = append(laggards, l)
			}
		}
	}
	h.mu.RUnlock()

	for _, l := range laggards {
		if h.remove(l, true) {
			slog.Warn("change feed listener dropped",
				"component", "changefeed",
				"action", "listener_lagged",
				"listener_id", l.id,
			)
			h.metrics.ListenerLagged()
		}
	}
}

// Len returns the number of registered listeners.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.listeners)
}

// Close drops every listener. Later Publish calls are no-ops.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	all := make([]*Listener, 0, len(h.listeners))
	for _, l := range h.listeners {
		all = append(all, l)
	}
	h.listeners = make(map[uint64]*Listener)
	h.mu.Unlock()

	for _, l := range all {
		l.once.Do(func() { close(l.ch) })
	}
}

// remove detaches l and reports whether this call removed it.
func (h *Hub) remove(l *Listener, lagged bool) bool {
	h.mu.Lock()
	_, ok := h.listeners[l.id]
	if ok {
		delete(h.listeners, l.id)
	}
	h.mu.Unlock()

	if !ok {
		return false
	}
	l.once.Do(func() {
		if lagged {
			close(l.lagged)
		}
		close(l.ch)
	})
	return true
}
