package broadcast

import (
	"context"
	"sync"
)

// LocalBus connects transports within one process. Every transport opened
// on the same topic receives every notice published on it, including its own.
type LocalBus struct {
	mu     sync.RWMutex
	topics map[string]map[*localTransport]struct{}
}

// NewLocalBus creates an empty bus.
func NewLocalBus() *LocalBus {
	return &LocalBus{topics: make(map[string]map[*localTransport]struct{})}
}

// Open joins topic. It satisfies Opener.
func (b *LocalBus) Open(topic string) (Transport, error) {
	t := &localTransport{bus: b, topic: topic}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.topics[topic] == nil {
		b.topics[topic] = make(map[*localTransport]struct{})
	}
	b.topics[topic][t] = struct{}{}
	return t, nil
}

func (b *LocalBus) publish(topic string, n Notice) {
	b.mu.RLock()
	peers := make([]*localTransport, 0, len(b.topics[topic]))
	for t := range b.topics[topic] {
		peers = append(peers, t)
	}
	b.mu.RUnlock()

	for _, t := range peers {
		go t.handlers.dispatch(n)
	}
}

func (b *LocalBus) leave(t *localTransport) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.topics[t.topic], t)
	if len(b.topics[t.topic]) == 0 {
		delete(b.topics, t.topic)
	}
}

type localTransport struct {
	bus      *LocalBus
	topic    string
	handlers handlerSet

	mu     sync.Mutex
	closed bool
}

func (t *localTransport) Publish(ctx context.Context, n Notice) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	t.bus.publish(t.topic, n)
	return nil
}

func (t *localTransport) OnMessage(h Handler) {
	t.handlers.add(h)
}

func (t *localTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	t.bus.leave(t)
	return nil
}
