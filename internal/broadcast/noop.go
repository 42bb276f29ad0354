package broadcast

import "context"

// Noop discards every notice. It stands in when cross-replica notices are
// disabled or the configured transport is unsupported.
type Noop struct{}

// Publish discards n.
func (Noop) Publish(context.Context, Notice) error { return nil }

// OnMessage ignores h; no notices ever arrive.
func (Noop) OnMessage(Handler) {}

// Close is a no-op.
func (Noop) Close() error { return nil }
