package feed

import (
	"sync"
	"time"
)

// ConnectionState is the liveness record for one subject.
type ConnectionState struct {
	IsOnline          bool      `json:"is_online"`
	LastHeartbeatAt   time.Time `json:"last_heartbeat_at"`
	ReconnectAttempts uint      `json:"reconnect_attempts"`
}

// ConnectionHealth tracks per-subject liveness. It performs no I/O.
type ConnectionHealth struct {
	mu     sync.RWMutex
	states map[string]*ConnectionState
	now    func() time.Time
}

// NewConnectionHealth creates an empty tracker.
func NewConnectionHealth() *ConnectionHealth {
	return &ConnectionHealth{
		states: make(map[string]*ConnectionState),
		now:    time.Now,
	}
}

// state returns the record for subject, creating it. Caller holds mu.
func (h *ConnectionHealth) state(subject string) *ConnectionState {
	st, ok := h.states[subject]
	if !ok {
		st = &ConnectionState{}
		h.states[subject] = st
	}
	return st
}

// Heartbeat stamps the subject as alive now.
func (h *ConnectionHealth) Heartbeat(subject string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state(subject).LastHeartbeatAt = h.now()
}

// SetOnline records reachability and returns the previous value.
func (h *ConnectionHealth) SetOnline(subject string, online bool) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	st := h.state(subject)
	was := st.IsOnline
	st.IsOnline = online
	return was
}

// Get returns a copy of the subject's state; unknown subjects read as zero.
func (h *ConnectionHealth) Get(subject string) ConnectionState {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if st, ok := h.states[subject]; ok {
		return *st
	}
	return ConnectionState{}
}

// MarkSubscribed records a listener reaching the subscribed state.
func (h *ConnectionHealth) MarkSubscribed(subject string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	st := h.state(subject)
	st.IsOnline = true
	st.ReconnectAttempts = 0
}

// RecordFailure marks the subject offline, counts an attempt and returns the
// new attempt count.
func (h *ConnectionHealth) RecordFailure(subject string) uint {
	h.mu.Lock()
	defer h.mu.Unlock()
	st := h.state(subject)
	st.IsOnline = false
	st.ReconnectAttempts++
	return st.ReconnectAttempts
}

// IncrementAttempts counts a retry without changing reachability.
func (h *ConnectionHealth) IncrementAttempts(subject string) uint {
	h.mu.Lock()
	defer h.mu.Unlock()
	st := h.state(subject)
	st.ReconnectAttempts++
	return st.ReconnectAttempts
}

// RecordSuccess records a successful fetch: online, zero attempts, fresh heartbeat.
func (h *ConnectionHealth) RecordSuccess(subject string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	st := h.state(subject)
	st.IsOnline = true
	st.ReconnectAttempts = 0
	st.LastHeartbeatAt = h.now()
}

// SetAllOffline marks every tracked subject offline.
func (h *ConnectionHealth) SetAllOffline() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, st := range h.states {
		st.IsOnline = false
	}
}

// Offline returns the tracked subjects currently marked offline.
func (h *ConnectionHealth) Offline() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []string
	for subject, st := range h.states {
		if !st.IsOnline {
			out = append(out, subject)
		}
	}
	return out
}

// Remove forgets the subject.
func (h *ConnectionHealth) Remove(subject string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.states, subject)
}
