package feed

import (
	"sync"

	feedsync "github.com/hyperengineering/vigil/internal/sync"
)

// EventFilter decides whether a raw change event is relevant to a subject by
// checking the event's foreign key against the subject's ownership set.
type EventFilter struct {
	mu    sync.RWMutex
	owned map[string]map[string]struct{}
}

// NewEventFilter creates a filter with no registered subjects.
func NewEventFilter() *EventFilter {
	return &EventFilter{owned: make(map[string]map[string]struct{})}
}

// Register starts tracking subject with an empty ownership set, replacing
// any previous set.
func (f *EventFilter) Register(subject string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.owned[subject] = make(map[string]struct{})
}

// AddOwned merges ids into the subject's ownership set. It is a no-op for
// unregistered subjects.
func (f *EventFilter) AddOwned(subject string, ids ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	set, ok := f.owned[subject]
	if !ok {
		return
	}
	for _, id := range ids {
		if id != "" {
			set[id] = struct{}{}
		}
	}
}

// Forget stops tracking subject.
func (f *EventFilter) Forget(subject string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.owned, subject)
}

// Owned returns the number of ids in the subject's ownership set.
func (f *EventFilter) Owned(subject string) int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.owned[subject])
}

// Check reports whether event concerns subject. An insert of a new upstream
// record owned by subject joins the ownership set and is accepted. An empty
// set accepts everything. Unregistered subjects yield ErrUnknownSubject.
func (f *EventFilter) Check(subject string, event feedsync.ChangeLogEntry) (bool, error) {
	if event.IsUpstreamInsert(subject) {
		f.mu.Lock()
		defer f.mu.Unlock()
		set, ok := f.owned[subject]
		if !ok {
			return false, ErrUnknownSubject
		}
		set[event.EntityID] = struct{}{}
		return true, nil
	}

	f.mu.RLock()
	defer f.mu.RUnlock()
	set, ok := f.owned[subject]
	if !ok {
		return false, ErrUnknownSubject
	}
	if len(set) == 0 {
		return true, nil
	}
	_, owned := set[event.ForeignKey]
	return owned, nil
}

// Accepts is Check without the error.
func (f *EventFilter) Accepts(subject string, event feedsync.ChangeLogEntry) bool {
	ok, _ := f.Check(subject, event)
	return ok
}
