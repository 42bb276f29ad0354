package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/hyperengineering/vigil/internal/snapshot"
)

// SnapshotCapableStore represents a store that can generate snapshots.
type SnapshotCapableStore interface {
	GenerateSnapshot(ctx context.Context) error
	GetSnapshotPath(ctx context.Context) (string, error)
}

// SnapshotCoordinator generates periodic database snapshots and uploads them.
type SnapshotCoordinator struct {
	store     SnapshotCapableStore
	uploader  snapshot.Uploader
	namespace string
	interval  time.Duration
}

// NewSnapshotCoordinator creates a coordinator for store.
// The uploader parameter is optional; if nil, no S3 upload is attempted.
func NewSnapshotCoordinator(
	store SnapshotCapableStore,
	interval time.Duration,
	uploader snapshot.Uploader,
	namespace string,
) *SnapshotCoordinator {
	return &SnapshotCoordinator{
		store:     store,
		uploader:  uploader,
		namespace: namespace,
		interval:  interval,
	}
}

// Run starts the coordinator loop. Generates a snapshot immediately on start,
// then on each interval.
func (c *SnapshotCoordinator) Run(ctx context.Context) {
	slog.Info("worker started",
		"component", "worker",
		"worker", "snapshot-coordinator",
		"action", "worker_started",
		"interval", c.interval.String(),
	)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	// Generate snapshot immediately on start
	c.Generate(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker stopped",
				"component", "worker",
				"worker", "snapshot-coordinator",
				"action", "worker_stopped",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			c.Generate(ctx)
		}
	}
}

// Generate writes one snapshot and uploads it. Returns true if the snapshot
// was written; upload failures are logged but not fatal.
func (c *SnapshotCoordinator) Generate(ctx context.Context) bool {
	start := time.Now()
	slog.Info("snapshot generation started",
		"component", "worker",
		"worker", "snapshot-coordinator",
		"action", "snapshot_start",
	)

	if err := c.store.GenerateSnapshot(ctx); err != nil {
		if ctx.Err() != nil {
			return false // Graceful shutdown, don't log as error
		}
		slog.Warn("snapshot generation failed",
			"component", "worker",
			"worker", "snapshot-coordinator",
			"action", "snapshot_failed",
			"error", err,
		)
		return false
	}

	if c.uploader != nil {
		c.upload(ctx)
	}

	slog.Info("snapshot generation completed",
		"component", "worker",
		"worker", "snapshot-coordinator",
		"action", "snapshot_complete",
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return true
}

func (c *SnapshotCoordinator) upload(ctx context.Context) {
	path, err := c.store.GetSnapshotPath(ctx)
	if err != nil {
		slog.Warn("failed to get snapshot path for upload",
			"component", "worker",
			"worker", "snapshot-coordinator",
			"action", "snapshot_upload_failed",
			"error", err,
		)
		return
	}

	if err := c.uploader.Upload(ctx, c.namespace, path); err != nil {
		slog.Warn("snapshot upload to S3 failed",
			"component", "worker",
			"worker", "snapshot-coordinator",
			"action", "snapshot_upload_failed",
			"error", err,
		)
		return
	}

	slog.Info("snapshot uploaded to S3",
		"component", "worker",
		"worker", "snapshot-coordinator",
		"action", "snapshot_uploaded",
		"namespace", c.namespace,
	)
}
