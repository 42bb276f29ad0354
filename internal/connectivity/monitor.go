// Package connectivity turns periodic reachability checks into an
// online/offline signal.
package connectivity

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	DefaultInterval = 5 * time.Second
	DefaultTimeout  = 3 * time.Second
)

// Pinger checks reachability of the backing service.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingerFunc adapts a function to Pinger.
type PingerFunc func(ctx context.Context) error

// Ping calls f.
func (f PingerFunc) Ping(ctx context.Context) error { return f(ctx) }

// Monitor polls a Pinger and notifies handlers when reachability changes.
// The network is assumed online until a ping says otherwise.
type Monitor struct {
	pinger   Pinger
	interval time.Duration
	timeout  time.Duration

	mu       sync.RWMutex
	online   bool
	handlers []func(online bool)
}

// NewMonitor creates a monitor. Zero durations take the defaults.
func NewMonitor(p Pinger, interval, timeout time.Duration) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Monitor{
		pinger:   p,
		interval: interval,
		timeout:  timeout,
		online:   true,
	}
}

// OnChange registers h to receive every transition.
func (m *Monitor) OnChange(h func(online bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, h)
}

// Online reports the last observed state.
func (m *Monitor) Online() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// Run pings immediately and then on every interval. Blocks until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	slog.Info("connectivity monitor started",
		"component", "connectivity",
		"interval", m.interval.String(),
	)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("connectivity monitor stopped",
				"component", "connectivity",
				"reason", "context_cancelled",
			)
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Check runs one ping and emits a transition if the state changed.
func (m *Monitor) Check(ctx context.Context) {
	pingCtx, cancel := context.WithTimeout(ctx, m.timeout)
	err := m.pinger.Ping(pingCtx)
	cancel()
	if ctx.Err() != nil {
		return
	}
	m.observe(err == nil, err)
}

func (m *Monitor) observe(online bool, cause error) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	handlers := make([]func(bool), len(m.handlers))
	copy(handlers, m.handlers)
	m.mu.Unlock()

	if online {
		slog.Info("network online", "component", "connectivity", "action", "online")
	} else {
		slog.Warn("network offline", "component", "connectivity", "action", "offline", "error", cause)
	}

	for _, h := range handlers {
		h(online)
	}
}
