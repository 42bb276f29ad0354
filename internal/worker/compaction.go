package worker

import (
	"context"
	"log/slog"
	"time"
)

// CompactionCapableStore defines operations required for change_log compaction.
// Implemented by SQLiteStore.
type CompactionCapableStore interface {
	// CompactChangeLog removes entries older than cutoff, keeping only latest per entity.
	// Returns: entries exported, entries deleted, error.
	CompactChangeLog(ctx context.Context, cutoff time.Time, auditDir string) (exported int64, deleted int64, err error)

	// SetLastCompaction records compaction metadata.
	SetLastCompaction(ctx context.Context, sequence int64, timestamp time.Time) error

	// GetLatestSequence returns the highest change_log sequence.
	GetLatestSequence(ctx context.Context) (int64, error)
}

// CompactionCoordinator periodically compacts the change log.
type CompactionCoordinator struct {
	store     CompactionCapableStore
	auditDir  string
	interval  time.Duration
	retention time.Duration
	now       func() time.Time
}

// NewCompactionCoordinator creates a compaction coordinator. Compacted rows
// are exported as JSON lines under auditDir before deletion.
func NewCompactionCoordinator(
	store CompactionCapableStore,
	auditDir string,
	interval time.Duration,
	retention time.Duration,
) *CompactionCoordinator {
	return &CompactionCoordinator{
		store:     store,
		auditDir:  auditDir,
		interval:  interval,
		retention: retention,
		now:       time.Now,
	}
}

// Run starts the coordinator loop. Blocks until ctx is cancelled.
//
// It waits for the first ticker interval before compacting so server startup
// is not slowed by a large delete.
func (c *CompactionCoordinator) Run(ctx context.Context) {
	slog.Info("compaction coordinator started",
		"component", "worker",
		"worker", "compaction-coordinator",
		"interval", c.interval.String(),
		"retention", c.retention.String(),
	)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("compaction coordinator stopped",
				"component", "worker",
				"worker", "compaction-coordinator",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			c.Compact(ctx)
		}
	}
}

// Compact runs one compaction pass and reports whether it succeeded.
func (c *CompactionCoordinator) Compact(ctx context.Context) bool {
	start := c.now()
	cutoff := start.Add(-c.retention)

	exported, deleted, err := c.store.CompactChangeLog(ctx, cutoff, c.auditDir)
	if err != nil {
		if ctx.Err() != nil {
			return false // Graceful shutdown
		}
		slog.Error("compaction failed",
			"component", "worker",
			"worker", "compaction-coordinator",
			"error", err,
		)
		return false
	}

	if exported == 0 && deleted == 0 {
		slog.Debug("no entries to compact",
			"component", "worker",
			"worker", "compaction-coordinator",
		)
		return true
	}

	seq, err := c.store.GetLatestSequence(ctx)
	if err == nil {
		err = c.store.SetLastCompaction(ctx, seq, start.UTC())
	}
	if err != nil {
		slog.Warn("failed to record compaction metadata",
			"component", "worker",
			"worker", "compaction-coordinator",
			"error", err,
		)
	}

	slog.Info("compaction completed",
		"component", "worker",
		"worker", "compaction-coordinator",
		"entries_exported", exported,
		"entries_deleted", deleted,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return true
}
