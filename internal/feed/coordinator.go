// Package feed keeps a per-subject list of entities consistent with an
// authoritative source while change notifications arrive out of order and
// connectivity comes and goes. A Coordinator owns one subscription per
// subject, filters raw change events down to the ones the subject owns,
// coalesces them into debounced snapshot fetches and delivers the reconciled
// list to the subscriber.
package feed

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	feedsync "github.com/hyperengineering/vigil/internal/sync"
	"github.com/hyperengineering/vigil/internal/telemetry"
	"github.com/hyperengineering/vigil/internal/types"
)

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithOptions replaces the coordinator tuning.
func WithOptions(opts Options) Option {
	return func(c *Coordinator) {
		c.opts = opts
	}
}

// WithOwnershipLoader sets the source of per-subject ownership sets. Without
// one every event is accepted.
func WithOwnershipLoader(l OwnershipLoader) Option {
	return func(c *Coordinator) {
		c.ownership = l
	}
}

// WithBroadcast sets the opener for the cross-replica transport.
func WithBroadcast(opener BroadcastOpener) Option {
	return func(c *Coordinator) {
		c.opener = opener
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *telemetry.FeedMetrics) Option {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

// Coordinator synchronizes subscribed subjects with the authoritative source.
type Coordinator struct {
	fetcher   SnapshotFetcher
	changes   ChangeFeed
	ownership OwnershipLoader
	opener    BroadcastOpener
	opts      Options
	logger    *slog.Logger
	metrics   *telemetry.FeedMetrics

	health    *ConnectionHealth
	filter    *EventFilter
	refetcher *Refetcher
	link      *replicaLink

	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	handles       map[string]*handle
	generation    uint64
	networkOnline bool
	shutdown      bool
}

// handle is one live subscription.
type handle struct {
	subject    string
	generation uint64
	onUpdate   func([]types.Entity)
	onError    func(error)
	refetch    *refetchState
	ctx        context.Context
	stop       context.CancelFunc
	once       sync.Once

	mu        sync.Mutex
	active    bool
	listeners []CancelFunc
	delivered []types.Entity
	local     []types.Entity
}

func (h *handle) isActive() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.active
}

// New creates a Coordinator reading snapshots from fetcher and raw change
// events from changes.
func New(fetcher SnapshotFetcher, changes ChangeFeed, opts ...Option) *Coordinator {
	c := &Coordinator{
		fetcher:       fetcher,
		changes:       changes,
		opts:          DefaultOptions(),
		logger:        slog.Default(),
		handles:       make(map[string]*handle),
		networkOnline: true,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.opts = c.opts.normalize()
	c.ctx, c.cancel = context.WithCancel(context.Background())

	c.health = NewConnectionHealth()
	c.filter = NewEventFilter()
	c.refetcher = NewRefetcher(fetcher, c.health, c.opts, c.metrics, c.logger)
	c.link = openReplicaLink(c.opener, c.opts, c.refetcher, c.metrics, c.logger)
	return c
}

// InstanceID returns the identifier this replica stamps on its notices.
func (c *Coordinator) InstanceID() string {
	return c.opts.InstanceID
}

// Subscribe starts synchronizing subject. onUpdate receives every reconciled
// list; onError, which may be nil, receives channel and fetch failures. A
// previous subscription for the same subject is cancelled first.
func (c *Coordinator) Subscribe(subject string, onUpdate func([]types.Entity), onError func(error)) (CancelFunc, error) {
	if subject == "" {
		return nil, ErrInvalidSubject
	}
	if onUpdate == nil {
		return nil, ErrNilCallback
	}

	c.mu.Lock()
	if c.shutdown {
		c.mu.Unlock()
		return nil, ErrShutdown
	}
	c.generation++
	ctx, stop := context.WithCancel(c.ctx)
	h := &handle{
		subject:    subject,
		generation: c.generation,
		onUpdate:   onUpdate,
		onError:    onError,
		ctx:        ctx,
		stop:       stop,
		active:     true,
	}
	prev := c.handles[subject]
	if prev != nil {
		prev.mu.Lock()
		prev.active = false
		prev.mu.Unlock()
	}
	c.handles[subject] = h

	h.refetch = c.refetcher.Register(subject)
	c.refetcher.SetCallback(subject,
		func(items []types.Entity, causes Cause) { c.deliver(h, items, causes) },
		func(err *FetchError) { c.reportError(h, err) },
	)
	c.filter.Register(subject)
	c.health.SetOnline(subject, c.networkOnline)
	online := c.networkOnline
	c.mu.Unlock()

	if prev != nil {
		c.teardown(prev)
	}
	c.metrics.SubscriptionOpened()

	c.logger.Info("subscription opened",
		"component", "feed",
		"subject", subject,
		"generation", h.generation,
	)

	if c.ownership != nil {
		go c.loadOwnership(h)
	}
	c.openListeners(h)
	go c.heartbeat(h)

	if online {
		c.refetcher.TriggerNow(subject, CauseInitial)
	}

	return func() { c.teardown(h) }, nil
}

func (c *Coordinator) loadOwnership(h *handle) {
	ids, err := c.ownership.LoadOwnership(h.ctx, h.subject)
	if err != nil {
		if h.ctx.Err() == nil {
			c.logger.Warn("failed to load ownership set, accepting all events",
				"component", "feed",
				"subject", h.subject,
				"error", err,
			)
		}
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.handles[h.subject] != h {
		return
	}
	c.filter.AddOwned(h.subject, ids...)
	c.logger.Debug("ownership set loaded",
		"component", "feed",
		"subject", h.subject,
		"owned", len(ids),
	)
}

func (c *Coordinator) openListeners(h *handle) {
	if c.changes == nil {
		return
	}
	for _, table := range c.opts.Tables {
		cancel, err := c.changes.OpenChangeFeed(h.ctx, h.subject, table,
			func(ev feedsync.ChangeLogEntry) { c.handleEvent(h, ev) },
			func(state ChannelState, err error) { c.handleState(h, table, state, err) },
		)
		if err != nil {
			c.handleState(h, table, StateError, err)
			continue
		}

		h.mu.Lock()
		if !h.active {
			h.mu.Unlock()
			if cancel != nil {
				cancel()
			}
			return
		}
		if cancel != nil {
			h.listeners = append(h.listeners, cancel)
		}
		h.mu.Unlock()
	}
}

func (c *Coordinator) handleEvent(h *handle, ev feedsync.ChangeLogEntry) {
	if !h.isActive() {
		return
	}
	ok, err := c.filter.Check(h.subject, ev)
	if errors.Is(err, ErrUnknownSubject) {
		c.logger.Debug("dropping event for unknown subject",
			"component", "feed",
			"subject", h.subject,
			"table", ev.TableName,
			"sequence", ev.Sequence,
		)
		return
	}
	if !ok {
		c.metrics.EventFiltered()
		return
	}
	c.refetcher.Trigger(h.subject, CauseChange)
}

func (c *Coordinator) handleState(h *handle, table string, state ChannelState, err error) {
	h.mu.Lock()
	if !h.active {
		h.mu.Unlock()
		return
	}
	switch state {
	case StateSubscribed:
		c.health.MarkSubscribed(h.subject)
	case StateError:
		c.health.RecordFailure(h.subject)
	case StateClosed:
		c.health.SetOnline(h.subject, false)
	}
	h.mu.Unlock()

	c.logger.Debug("change feed state",
		"component", "feed",
		"subject", h.subject,
		"table", table,
		"state", string(state),
	)

	if state == StateError {
		if err == nil {
			err = errors.New("channel error")
		}
		c.logger.Warn("change feed error",
			"component", "feed",
			"subject", h.subject,
			"table", table,
			"error", err,
		)
		c.reportError(h, &ChannelError{Subject: h.subject, Table: table, Err: err})
	}
}

func (c *Coordinator) heartbeat(h *handle) {
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.ctx.Done():
			return
		case <-ticker.C:
			h.mu.Lock()
			if h.active {
				c.health.Heartbeat(h.subject)
			}
			h.mu.Unlock()
		}
	}
}

// deliver reconciles a fetched snapshot into the handle and hands it to the
// subscriber. The "current" side of the merge is the handle's unconfirmed
// local entries, not the last delivered list, so upstream deletions drop out.
func (c *Coordinator) deliver(h *handle, items []types.Entity, causes Cause) {
	h.mu.Lock()
	if !h.active {
		h.mu.Unlock()
		return
	}
	h.local = pruneLocal(h.local, items)
	merged := Merge(h.local, items)
	h.delivered = merged
	h.mu.Unlock()

	if !c.invoke(h, merged) {
		return
	}
	c.metrics.Delivered()

	if causes.Has(CauseChange | CauseForce) {
		c.link.announce(h.subject)
	}
}

// invoke calls onUpdate if the handle is still live, recovering panics.
func (c *Coordinator) invoke(h *handle, items []types.Entity) (ok bool) {
	if !h.isActive() {
		return false
	}
	defer func() {
		if v := recover(); v != nil {
			ok = false
			c.reportError(h, &callbackPanic{value: v})
		}
	}()
	h.onUpdate(items)
	return true
}

// reportError routes err to the subscriber's error callback.
func (c *Coordinator) reportError(h *handle, err error) {
	if !h.isActive() {
		return
	}
	if h.onError == nil {
		c.logger.Error("subscription error",
			"component", "feed",
			"subject", h.subject,
			"error", err,
		)
		return
	}
	defer func() {
		if v := recover(); v != nil {
			c.logger.Error("error callback panicked",
				"component", "feed",
				"subject", h.subject,
				"panic", v,
				"error", err,
			)
		}
	}()
	h.onError(err)
}

// teardown cancels h. Safe to call more than once.
func (c *Coordinator) teardown(h *handle) {
	h.once.Do(func() {
		h.mu.Lock()
		h.active = false
		listeners := h.listeners
		h.listeners = nil
		h.mu.Unlock()

		h.stop()
		c.refetcher.Unregister(h.refetch)
		for _, cancel := range listeners {
			cancel()
		}

		c.mu.Lock()
		if c.handles[h.subject] == h {
			delete(c.handles, h.subject)
			c.filter.Forget(h.subject)
			c.health.Remove(h.subject)
		}
		c.mu.Unlock()

		c.metrics.SubscriptionClosed()
		c.logger.Info("subscription closed",
			"component", "feed",
			"subject", h.subject,
			"generation", h.generation,
		)
	})
}

func (c *Coordinator) current(subject string) *handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handles[subject]
}

// ForceRefresh fetches subject immediately in the caller's goroutine and
// delivers the result. It fails with ErrRefreshInFlight when a fetch or a
// delivery is already running, so calling it from onUpdate always fails that
// way. It does not retry on failure.
func (c *Coordinator) ForceRefresh(ctx context.Context, subject string) error {
	c.mu.Lock()
	shut := c.shutdown
	c.mu.Unlock()
	if shut {
		return ErrShutdown
	}
	if subject == "" {
		return ErrInvalidSubject
	}
	return c.refetcher.Force(ctx, subject)
}

// AddLocal records an entity created on this replica before the
// authoritative source reflects it, and delivers it right away. The entity
// is kept in every delivered list until a snapshot contains its id.
func (c *Coordinator) AddLocal(subject string, e types.Entity) error {
	h := c.current(subject)
	if h == nil {
		return ErrUnknownSubject
	}

	h.mu.Lock()
	if !h.active {
		h.mu.Unlock()
		return ErrUnknownSubject
	}
	h.local = Merge(h.local, []types.Entity{e})
	merged := Merge(h.delivered, []types.Entity{e})
	h.delivered = merged
	h.mu.Unlock()

	if c.invoke(h, merged) {
		c.metrics.Delivered()
	}
	return nil
}

// GetConnectionHealth returns the liveness record for subject. Unknown
// subjects read as the zero state.
func (c *Coordinator) GetConnectionHealth(subject string) ConnectionState {
	return c.health.Get(subject)
}

// SetNetworkOnline applies a global connectivity change. Going offline marks
// every subject offline and keeps listeners open; coming back online
// triggers one refetch for each subject that was offline.
func (c *Coordinator) SetNetworkOnline(online bool) {
	c.mu.Lock()
	if c.shutdown || c.networkOnline == online {
		c.mu.Unlock()
		return
	}
	c.networkOnline = online
	c.mu.Unlock()

	if !online {
		c.health.SetAllOffline()
		c.logger.Info("network offline", "component", "feed")
		return
	}

	offline := c.health.Offline()
	c.logger.Info("network online",
		"component", "feed",
		"resyncing", len(offline),
	)
	for _, subject := range offline {
		c.refetcher.Trigger(subject, CauseNetwork)
	}
}

// Shutdown cancels every subscription and closes the broadcast transport.
// Later calls return nil.
func (c *Coordinator) Shutdown() error {
	c.mu.Lock()
	if c.shutdown {
		c.mu.Unlock()
		return nil
	}
	c.shutdown = true
	handles := make([]*handle, 0, len(c.handles))
	for _, h := range c.handles {
		handles = append(handles, h)
	}
	c.mu.Unlock()

	for _, h := range handles {
		c.teardown(h)
	}
	c.cancel()

	if err := c.link.close(); err != nil {
		return err
	}
	c.logger.Info("coordinator shut down", "component", "feed")
	return nil
}

// pruneLocal drops local entries the authoritative list now contains.
func pruneLocal(local, authoritative []types.Entity) []types.Entity {
	if len(local) == 0 {
		return local
	}
	ids := make(map[string]struct{}, len(authoritative))
	for _, e := range authoritative {
		ids[e.ID] = struct{}{}
	}
	kept := local[:0:0]
	for _, e := range local {
		if _, ok := ids[e.ID]; !ok {
			kept = append(kept, e)
		}
	}
	return kept
}
