package feed

import (
	"context"

	"github.com/hyperengineering/vigil/internal/broadcast"
	feedsync "github.com/hyperengineering/vigil/internal/sync"
	"github.com/hyperengineering/vigil/internal/types"
)

// CancelFunc tears down a registration. Implementations are idempotent.
type CancelFunc func()

// SnapshotFetcher reads the authoritative list for a subject.
type SnapshotFetcher interface {
	FetchSnapshot(ctx context.Context, subject string) ([]types.Entity, error)
}

// OwnershipLoader lists the upstream records a subject owns.
type OwnershipLoader interface {
	LoadOwnership(ctx context.Context, subject string) ([]string, error)
}

// ChannelState is the lifecycle state reported by a change feed listener.
type ChannelState string

const (
	StateSubscribed ChannelState = "subscribed"
	StateError      ChannelState = "error"
	StateClosed     ChannelState = "closed"
)

// EventHandler receives raw change events.
type EventHandler func(event feedsync.ChangeLogEntry)

// StateHandler receives listener state transitions; err is set for StateError.
type StateHandler func(state ChannelState, err error)

// ChangeFeed opens a listener for one table on behalf of a subject. The
// listener reconnects on its own and reports every transition to onState.
type ChangeFeed interface {
	OpenChangeFeed(ctx context.Context, subject, table string, onEvent EventHandler, onState StateHandler) (CancelFunc, error)
}

// BroadcastOpener opens the cross-replica transport for a topic.
type BroadcastOpener = broadcast.Opener
