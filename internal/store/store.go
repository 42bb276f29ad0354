package store

import (
	"context"
	"time"

	feedsync "github.com/hyperengineering/vigil/internal/sync"
	"github.com/hyperengineering/vigil/internal/types"
)

// Store defines the interface contract for the prayer feed storage.
type Store interface {
	CreatePrayer(ctx context.Context, req types.NewPrayerRequest) (*types.Prayer, error)
	GetPrayer(ctx context.Context, id string) (*types.Prayer, error)
	DeletePrayer(ctx context.Context, id string) error
	CreateResponse(ctx context.Context, prayerID string, req types.NewResponseRequest) (*types.PrayerResponse, error)
	DeleteResponse(ctx context.Context, id string) error
	ListInbox(ctx context.Context, userID string, limit int) ([]types.Entity, error)
	ListOwnedPrayerIDs(ctx context.Context, userID string) ([]string, error)
	GetChangeLogAfter(ctx context.Context, afterSeq int64, tables []string, limit int) ([]feedsync.ChangeLogEntry, error)
	GetLatestSequence(ctx context.Context) (int64, error)
	CompactChangeLog(ctx context.Context, cutoff time.Time, auditDir string) (exported int64, deleted int64, err error)
	SetLastCompaction(ctx context.Context, sequence int64, timestamp time.Time) error
	GenerateSnapshot(ctx context.Context) error
	GetSnapshotPath(ctx context.Context) (string, error)
	GetStats(ctx context.Context) (*types.StoreStats, error)
	Close() error
}

// ChangeNotifier receives change log entries after they are committed.
type ChangeNotifier func(entries []feedsync.ChangeLogEntry)
