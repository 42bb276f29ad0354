package feed

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/hyperengineering/vigil/internal/broadcast"
	"github.com/hyperengineering/vigil/internal/telemetry"
)

const publishTimeout = 5 * time.Second

// replicaLink connects the coordinator to sibling replicas. Every successful
// reconciliation is announced; announcements from siblings schedule a
// coalesced refetch after a short delay.
type replicaLink struct {
	transport  broadcast.Transport
	instanceID string
	delay      time.Duration
	refetcher  *Refetcher
	metrics    *telemetry.FeedMetrics
	logger     *slog.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// openReplicaLink opens the broadcast transport. A nil opener, a disabled
// link or an opener failure all fall back to the no-op transport.
func openReplicaLink(opener BroadcastOpener, opts Options, refetcher *Refetcher, metrics *telemetry.FeedMetrics, logger *slog.Logger) *replicaLink {
	l := &replicaLink{
		transport:  broadcast.Noop{},
		instanceID: opts.InstanceID,
		delay:      opts.CrossReplicaDelay,
		refetcher:  refetcher,
		metrics:    metrics,
		logger:     logger,
	}

	if !opts.CrossReplicaEnabled || opener == nil {
		return l
	}

	t, err := opener(opts.BroadcastTopic)
	switch {
	case errors.Is(err, broadcast.ErrUnsupported):
		logger.Info("cross-replica broadcast unsupported, continuing without it",
			"component", "feed",
			"topic", opts.BroadcastTopic,
			"error", err,
		)
		return l
	case err != nil:
		logger.Warn("failed to open cross-replica broadcast, continuing without it",
			"component", "feed",
			"topic", opts.BroadcastTopic,
			"error", err,
		)
		return l
	case t == nil:
		return l
	}

	l.transport = t
	t.OnMessage(l.receive)
	logger.Info("cross-replica broadcast open",
		"component", "feed",
		"topic", opts.BroadcastTopic,
		"instance_id", opts.InstanceID,
	)
	return l
}

// announce publishes a change notice for subject without blocking the caller.
func (l *replicaLink) announce(subject string) {
	n := broadcast.Notice{
		Subject:  subject,
		OriginID: l.instanceID,
		SentAt:   time.Now().UTC(),
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()

		if err := l.transport.Publish(ctx, n); err != nil {
			l.logger.Warn("failed to publish change notice",
				"component", "feed",
				"subject", subject,
				"error", err,
			)
			return
		}
		l.metrics.Broadcast("sent")
	}()
}

// receive handles a notice from the transport.
func (l *replicaLink) receive(n broadcast.Notice) {
	if n.OriginID == l.instanceID {
		l.metrics.Broadcast("suppressed")
		return
	}
	if !l.refetcher.TriggerAfter(n.Subject, CauseReplica, l.delay) {
		l.logger.Debug("ignoring notice for unknown subject",
			"component", "feed",
			"subject", n.Subject,
			"origin_id", n.OriginID,
		)
		return
	}
	l.metrics.Broadcast("received")
}

// close waits for in-flight publishes and closes the transport.
func (l *replicaLink) close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	l.wg.Wait()
	return l.transport.Close()
}
