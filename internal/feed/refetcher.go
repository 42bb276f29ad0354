package feed

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/hyperengineering/vigil/internal/telemetry"
	"github.com/hyperengineering/vigil/internal/types"
)

// Cause records why a refetch was requested. Causes accumulate between
// successful fetches.
type Cause uint8

const (
	CauseChange Cause = 1 << iota
	CauseReplica
	CauseNetwork
	CauseInitial
	CauseRetry
	CauseForce
)

// Has reports whether c includes any of want.
func (c Cause) Has(want Cause) bool {
	return c&want != 0
}

// FetchedFunc receives a successful snapshot together with the causes that
// led to it. Calls for one subject never overlap, and an older snapshot is
// never handed over after a newer one.
type FetchedFunc func(items []types.Entity, causes Cause)

// FailureFunc receives the error once automatic retries are exhausted.
type FailureFunc func(err *FetchError)

// Refetcher debounces and coalesces snapshot fetches per subject. At most one
// fetch runs per subject at a time; a trigger that arrives while it is in
// flight is dropped. The subject leaves the pending state as soon as the
// fetch returns, before its result is delivered.
type Refetcher struct {
	fetcher    SnapshotFetcher
	health     *ConnectionHealth
	metrics    *telemetry.FeedMetrics
	logger     *slog.Logger
	debounce   time.Duration
	maxRetries uint
	retryBase  time.Duration
	retryMax   time.Duration

	mu     sync.RWMutex
	states map[string]*refetchState
}

type refetchState struct {
	subject string
	ctx     context.Context
	cancel  context.CancelFunc

	mu        sync.Mutex
	closed    bool
	pending   bool
	causes    Cause
	attempts  uint
	timer     *time.Timer
	timerSeq  uint64
	retry     *time.Timer
	delayed   *time.Timer
	backoff   *backoff.ExponentialBackOff
	onFetched FetchedFunc
	onFailure FailureFunc

	// delivering is set while one goroutine drains next into onFetched.
	delivering bool
	next       *fetchResult
}

type fetchResult struct {
	items  []types.Entity
	causes Cause
}

// NewRefetcher creates a refetcher from normalized options.
func NewRefetcher(fetcher SnapshotFetcher, health *ConnectionHealth, opts Options, metrics *telemetry.FeedMetrics, logger *slog.Logger) *Refetcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Refetcher{
		fetcher:    fetcher,
		health:     health,
		metrics:    metrics,
		logger:     logger,
		debounce:   opts.Debounce,
		maxRetries: opts.MaxRetries,
		retryBase:  opts.RetryBaseDelay,
		retryMax:   opts.RetryMaxDelay,
		states:     make(map[string]*refetchState),
	}
}

func (r *Refetcher) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.retryBase
	b.MaxInterval = r.retryMax
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.Reset()
	return b
}

// Register starts tracking subject and returns its state token. A previous
// registration for the subject is closed first.
func (r *Refetcher) Register(subject string) *refetchState {
	ctx, cancel := context.WithCancel(context.Background())
	st := &refetchState{
		subject: subject,
		ctx:     ctx,
		cancel:  cancel,
		backoff: r.newBackOff(),
	}

	r.mu.Lock()
	prev := r.states[subject]
	r.states[subject] = st
	r.mu.Unlock()

	if prev != nil {
		prev.close()
	}
	return st
}

// SetCallback installs the success and failure handlers for subject. It
// reports false when the subject is not registered.
func (r *Refetcher) SetCallback(subject string, onFetched FetchedFunc, onFailure FailureFunc) bool {
	st := r.lookup(subject)
	if st == nil {
		return false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	st.onFetched = onFetched
	st.onFailure = onFailure
	return true
}

// Unregister closes st and forgets it if it is still the subject's current
// registration. Any result still in flight for st is discarded.
func (r *Refetcher) Unregister(st *refetchState) {
	r.mu.Lock()
	if r.states[st.subject] == st {
		delete(r.states, st.subject)
	}
	r.mu.Unlock()
	st.close()
}

// Registered reports whether subject has a live registration.
func (r *Refetcher) Registered(subject string) bool {
	return r.lookup(subject) != nil
}

// Pending reports whether a fetch for subject is in flight.
func (r *Refetcher) Pending(subject string) bool {
	st := r.lookup(subject)
	if st == nil {
		return false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.pending
}

// busy reports whether subject has a fetch in flight or a result being
// delivered.
func (r *Refetcher) busy(subject string) bool {
	st := r.lookup(subject)
	if st == nil {
		return false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.pending || st.delivering
}

func (r *Refetcher) lookup(subject string) *refetchState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.states[subject]
}

// Trigger requests a debounced refetch. It returns false when the trigger was
// coalesced into an in-flight fetch or the subject is unknown.
func (r *Refetcher) Trigger(subject string, cause Cause) bool {
	st := r.lookup(subject)
	if st == nil {
		return false
	}
	return r.trigger(st, cause, r.debounce)
}

// TriggerNow requests a refetch without the debounce wait.
func (r *Refetcher) TriggerNow(subject string, cause Cause) bool {
	st := r.lookup(subject)
	if st == nil {
		return false
	}
	return r.trigger(st, cause, 0)
}

// TriggerAfter triggers subject after delay. Repeated calls replace the
// pending delayed trigger.
func (r *Refetcher) TriggerAfter(subject string, cause Cause, delay time.Duration) bool {
	st := r.lookup(subject)
	if st == nil {
		return false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return false
	}
	if st.delayed != nil {
		st.delayed.Stop()
	}
	st.delayed = time.AfterFunc(delay, func() {
		r.trigger(st, cause, r.debounce)
	})
	return true
}

func (r *Refetcher) trigger(st *refetchState, cause Cause, delay time.Duration) bool {
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.closed {
		return false
	}
	if st.pending {
		r.metrics.TriggerCoalesced()
		r.logger.Debug("refetch coalesced",
			"component", "feed",
			"subject", st.subject,
		)
		return false
	}

	st.causes |= cause
	if st.timer != nil {
		st.timer.Stop()
	}
	st.timerSeq++
	seq := st.timerSeq
	st.timer = time.AfterFunc(delay, func() {
		r.fire(st, seq)
	})
	r.metrics.TriggerScheduled()
	return true
}

// fire runs when the debounce timer for seq expires.
func (r *Refetcher) fire(st *refetchState, seq uint64) {
	st.mu.Lock()
	if st.closed || st.pending || seq != st.timerSeq {
		st.mu.Unlock()
		return
	}
	st.timer = nil
	st.pending = true
	causes := st.causes
	st.mu.Unlock()

	items, err := r.fetcher.FetchSnapshot(st.ctx, st.subject)
	r.metrics.FetchCompleted(err == nil)
	if err != nil {
		r.fail(st, err)
		return
	}
	r.succeed(st, items, causes)
}

// Force fetches subject synchronously, bypassing the debounce, and delivers
// the result before returning. It refuses with ErrRefreshInFlight while a
// fetch or a delivery for subject is running. A failure is returned to the
// caller and does not schedule a retry.
func (r *Refetcher) Force(ctx context.Context, subject string) error {
	st := r.lookup(subject)
	if st == nil {
		return ErrUnknownSubject
	}

	st.mu.Lock()
	if st.closed {
		st.mu.Unlock()
		return ErrUnknownSubject
	}
	if st.pending || st.delivering {
		st.mu.Unlock()
		return ErrRefreshInFlight
	}
	st.stopTimers()
	st.pending = true
	causes := st.causes | CauseForce
	attempts := st.attempts
	st.mu.Unlock()

	items, err := r.fetcher.FetchSnapshot(ctx, subject)
	r.metrics.FetchCompleted(err == nil)
	if err != nil {
		st.mu.Lock()
		st.pending = false
		st.mu.Unlock()
		return &FetchError{Subject: subject, Attempts: attempts, Err: err}
	}
	r.succeed(st, items, causes)
	return nil
}

func (r *Refetcher) succeed(st *refetchState, items []types.Entity, causes Cause) {
	st.mu.Lock()
	st.pending = false
	if st.closed {
		st.mu.Unlock()
		return
	}
	st.attempts = 0
	st.causes = 0
	st.backoff.Reset()
	if st.retry != nil {
		st.retry.Stop()
		st.retry = nil
	}
	r.health.RecordSuccess(st.subject)

	// A newer result replaces one that has not been handed over yet; its
	// causes carry forward.
	if st.next != nil {
		causes |= st.next.causes
	}
	st.next = &fetchResult{items: items, causes: causes}
	if st.delivering {
		st.mu.Unlock()
		return
	}
	st.delivering = true

	for {
		res := st.next
		st.next = nil
		cb := st.onFetched
		st.mu.Unlock()

		if cb != nil {
			cb(res.items, res.causes)
		}

		st.mu.Lock()
		if st.next == nil || st.closed {
			st.next = nil
			st.delivering = false
			st.mu.Unlock()
			return
		}
	}
}

func (r *Refetcher) fail(st *refetchState, err error) {
	st.mu.Lock()
	st.pending = false
	if st.closed {
		st.mu.Unlock()
		return
	}

	if st.attempts < r.maxRetries {
		st.attempts++
		delay := st.backoff.NextBackOff()
		r.health.IncrementAttempts(st.subject)
		if st.retry != nil {
			st.retry.Stop()
		}
		st.retry = time.AfterFunc(delay, func() {
			r.trigger(st, CauseRetry, r.debounce)
		})
		attempt := st.attempts
		st.mu.Unlock()

		r.logger.Warn("snapshot fetch failed, retrying",
			"component", "feed",
			"subject", st.subject,
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)
		return
	}

	fetchErr := &FetchError{Subject: st.subject, Attempts: st.attempts, Err: err}
	st.attempts = 0
	st.backoff.Reset()
	r.health.SetOnline(st.subject, false)
	cb := st.onFailure
	st.mu.Unlock()

	r.logger.Error("snapshot fetch failed, retries exhausted",
		"component", "feed",
		"subject", st.subject,
		"retries", fetchErr.Attempts,
		"error", err,
	)
	if cb != nil {
		cb(fetchErr)
	}
}

// stopTimers cancels the debounce, retry and delayed timers. Caller holds mu.
func (st *refetchState) stopTimers() {
	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
	st.timerSeq++
	if st.retry != nil {
		st.retry.Stop()
		st.retry = nil
	}
	if st.delayed != nil {
		st.delayed.Stop()
		st.delayed = nil
	}
}

func (st *refetchState) close() {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return
	}
	st.closed = true
	st.pending = false
	st.stopTimers()
	st.cancel()
}
