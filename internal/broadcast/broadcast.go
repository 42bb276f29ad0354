// Package broadcast carries best-effort "subject changed" notices between
// coordinator replicas. Delivery is at-most-once and unordered; receivers
// drop notices they originated.
package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrUnsupported is returned by an Opener when the transport cannot run
	// in this environment. Callers fall back to Noop.
	ErrUnsupported = errors.New("broadcast transport unsupported")

	// ErrClosed is returned by Publish after Close.
	ErrClosed = errors.New("broadcast transport closed")
)

// Notice announces that a subject's feed changed on the origin replica.
type Notice struct {
	Subject  string    `json:"subject"`
	OriginID string    `json:"origin_id"`
	SentAt   time.Time `json:"sent_at"`
}

// Handler receives notices from other replicas.
type Handler func(Notice)

// Transport publishes and receives notices on one topic.
type Transport interface {
	Publish(ctx context.Context, n Notice) error
	OnMessage(h Handler)
	Close() error
}

// Opener opens a transport for a topic.
type Opener func(topic string) (Transport, error)

func encodeNotice(n Notice) ([]byte, error) {
	data, err := json.Marshal(n)
	if err != nil {
		return nil, fmt.Errorf("encode notice: %w", err)
	}
	return data, nil
}

func decodeNotice(data []byte) (Notice, error) {
	var n Notice
	if err := json.Unmarshal(data, &n); err != nil {
		return Notice{}, fmt.Errorf("decode notice: %w", err)
	}
	if n.Subject == "" || n.OriginID == "" {
		return Notice{}, fmt.Errorf("decode notice: missing subject or origin")
	}
	return n, nil
}

// handlerSet is the handler registry shared by the transports.
type handlerSet struct {
	mu       sync.RWMutex
	handlers []Handler
}

func (s *handlerSet) add(h Handler) {
	if h == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, h)
}

func (s *handlerSet) dispatch(n Notice) {
	s.mu.RLock()
	handlers := make([]Handler, len(s.handlers))
	copy(handlers, s.handlers)
	s.mu.RUnlock()

	for _, h := range handlers {
		h(n)
	}
}
