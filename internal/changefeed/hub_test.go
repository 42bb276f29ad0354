package changefeed

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	feedsync "github.com/hyperengineering/vigil/internal/sync"
)

func entry(seq int64, table string) feedsync.ChangeLogEntry {
	return feedsync.ChangeLogEntry{
		Sequence:  seq,
		TableName: table,
		EntityID:  "e",
		Operation: feedsync.OperationInsert,
	}
}

func receive(t *testing.T, l *Listener) feedsync.ChangeLogEntry {
	t.Helper()
	select {
	case e, ok := <-l.C():
		require.True(t, ok, "listener channel closed")
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for entry")
	}
	return feedsync.ChangeLogEntry{}
}

func TestHub_DeliversToMatchingListeners(t *testing.T) {
	// Given: One listener for responses and one for everything
	h := NewHub(8, nil)
	responses := h.Listen([]string{feedsync.TableResponses})
	all := h.Listen(nil)
	defer responses.Close()
	defer all.Close()

	// When: A prayer and a response entry are published
	h.Publish([]feedsync.ChangeLogEntry{
		entry(1, feedsync.TablePrayers),
		entry(2, feedsync.TableResponses),
	})

	// Then: The responses listener sees only the response
	assert.Equal(t, int64(2), receive(t, responses).Sequence)
	select {
	case e := <-responses.C():
		t.Fatalf("unexpected entry %+v", e)
	default:
	}

	// Then: The catch-all listener sees both in order
	assert.Equal(t, int64(1), receive(t, all).Sequence)
	assert.Equal(t, int64(2), receive(t, all).Sequence)
}

func TestHub_DropsLaggingListener(t *testing.T) {
	// Given: A listener with room for two entries
	h := NewHub(2, nil)
	slow := h.Listen(nil)

	// When: Three entries are published without draining
	h.Publish([]feedsync.ChangeLogEntry{
		entry(1, feedsync.TablePrayers),
		entry(2, feedsync.TablePrayers),
		entry(3, feedsync.TablePrayers),
	})

	// Then: The listener is dropped and marked lagged
	select {
	case <-slow.Lagged():
	case <-time.After(time.Second):
		t.Fatal("expected lagged signal")
	}
	assert.Equal(t, 0, h.Len())

	// Then: Buffered entries drain before the channel closes
	assert.Equal(t, int64(1), receive(t, slow).Sequence)
	assert.Equal(t, int64(2), receive(t, slow).Sequence)
	_, ok := <-slow.C()
	assert.False(t, ok)
}

func TestHub_LaggedListenerSeesNoLaterEntries(t *testing.T) {
	// Given: A listener with room for one entry
	h := NewHub(1, nil)
	l := h.Listen(nil)

	// When: Three entries are published in one batch
	h.Publish([]feedsync.ChangeLogEntry{
		entry(1, feedsync.TablePrayers),
		entry(2, feedsync.TablePrayers),
		entry(3, feedsync.TablePrayers),
	})

	// Then: Only the first entry arrives, never a later one after the gap
	assert.Equal(t, int64(1), receive(t, l).Sequence)
	_, ok := <-l.C()
	assert.False(t, ok)
}

func TestListener_CloseIsIdempotent(t *testing.T) {
	h := NewHub(4, nil)
	l := h.Listen(nil)

	l.Close()
	l.Close()

	assert.Equal(t, 0, h.Len())
	_, ok := <-l.C()
	assert.False(t, ok)

	select {
	case <-l.Lagged():
		t.Fatal("explicit close must not report lag")
	default:
	}
}

func TestHub_CloseDropsEveryone(t *testing.T) {
	h := NewHub(4, nil)
	a := h.Listen(nil)
	b := h.Listen([]string{feedsync.TablePrayers})

	h.Close()
	h.Publish([]feedsync.ChangeLogEntry{entry(1, feedsync.TablePrayers)})

	_, okA := <-a.C()
	_, okB := <-b.C()
	assert.False(t, okA)
	assert.False(t, okB)

	late := h.Listen(nil)
	_, ok := <-late.C()
	assert.False(t, ok, "listeners on a closed hub start closed")
}
