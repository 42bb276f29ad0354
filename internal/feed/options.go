package feed

import (
	"time"

	"github.com/oklog/ulid/v2"

	feedsync "github.com/hyperengineering/vigil/internal/sync"
)

const (
	DefaultDebounce          = time.Second
	DefaultMaxRetries        = 5
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultCrossReplicaDelay = 500 * time.Millisecond
	DefaultRetryBaseDelay    = time.Second
	DefaultRetryMaxDelay     = 10 * time.Second
	DefaultBroadcastTopic    = "vigil.inbox"
)

// Options tunes a Coordinator.
type Options struct {
	// Debounce is the quiet period after the last trigger before fetching.
	Debounce time.Duration
	// MaxRetries bounds automatic retries of a failed fetch.
	MaxRetries uint
	// HeartbeatInterval is how often live subscriptions stamp their health.
	HeartbeatInterval time.Duration
	// CrossReplicaEnabled turns notice publishing and receiving on.
	CrossReplicaEnabled bool
	// CrossReplicaDelay is how long a received notice waits before triggering.
	CrossReplicaDelay time.Duration
	// RetryBaseDelay and RetryMaxDelay bound the retry backoff.
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	// InstanceID identifies this replica in notices. Generated when empty.
	InstanceID string
	// Tables lists the change feeds opened per subscription.
	Tables []string
	// BroadcastTopic names the cross-replica channel.
	BroadcastTopic string
}

// DefaultOptions returns the stock tuning.
func DefaultOptions() Options {
	return Options{
		Debounce:            DefaultDebounce,
		MaxRetries:          DefaultMaxRetries,
		HeartbeatInterval:   DefaultHeartbeatInterval,
		CrossReplicaEnabled: true,
		CrossReplicaDelay:   DefaultCrossReplicaDelay,
		RetryBaseDelay:      DefaultRetryBaseDelay,
		RetryMaxDelay:       DefaultRetryMaxDelay,
		Tables:              []string{feedsync.TablePrayers, feedsync.TableResponses},
		BroadcastTopic:      DefaultBroadcastTopic,
	}
}

// normalize fills zero durations and identifiers with defaults.
func (o Options) normalize() Options {
	if o.Debounce <= 0 {
		o.Debounce = DefaultDebounce
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if o.CrossReplicaDelay <= 0 {
		o.CrossReplicaDelay = DefaultCrossReplicaDelay
	}
	if o.RetryBaseDelay <= 0 {
		o.RetryBaseDelay = DefaultRetryBaseDelay
	}
	if o.RetryMaxDelay < o.RetryBaseDelay {
		o.RetryMaxDelay = DefaultRetryMaxDelay
		if o.RetryMaxDelay < o.RetryBaseDelay {
			o.RetryMaxDelay = o.RetryBaseDelay
		}
	}
	if o.InstanceID == "" {
		o.InstanceID = ulid.Make().String()
	}
	if len(o.Tables) == 0 {
		o.Tables = []string{feedsync.TablePrayers, feedsync.TableResponses}
	}
	if o.BroadcastTopic == "" {
		o.BroadcastTopic = DefaultBroadcastTopic
	}
	return o
}
