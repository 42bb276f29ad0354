package broadcast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/oklog/ulid/v2"
)

// DefaultDropRetention is how long notice files stay in the drop directory.
const DefaultDropRetention = time.Minute

const noticeExt = ".notice"

// FileDropTransport exchanges notices through a shared directory. Each notice
// is written as its own file and picked up by every replica watching the
// directory. It suits replicas sharing a host or a volume.
type FileDropTransport struct {
	dir       string
	retention time.Duration
	watcher   *fsnotify.Watcher
	handlers  handlerSet

	mu     sync.Mutex
	seen   map[string]time.Time
	closed bool
	done   chan struct{}
	wg     sync.WaitGroup
}

// FileDropOpener returns an Opener that watches root/<topic>.
// Platforms without file notifications report ErrUnsupported.
func FileDropOpener(root string, retention time.Duration) Opener {
	return func(topic string) (Transport, error) {
		if root == "" {
			return nil, fmt.Errorf("drop directory not configured: %w", ErrUnsupported)
		}
		return NewFileDropTransport(filepath.Join(root, topic), retention)
	}
}

// NewFileDropTransport watches dir, creating it if needed.
func NewFileDropTransport(dir string, retention time.Duration) (*FileDropTransport, error) {
	if retention <= 0 {
		retention = DefaultDropRetention
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create drop directory: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %v: %w", err, ErrUnsupported)
	}
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("watch %s: %v: %w", dir, err, ErrUnsupported)
	}

	t := &FileDropTransport{
		dir:       dir,
		retention: retention,
		watcher:   w,
		seen:      make(map[string]time.Time),
		done:      make(chan struct{}),
	}
	t.wg.Add(1)
	go t.watch()
	return t, nil
}

func (t *FileDropTransport) watch() {
	defer t.wg.Done()
	for {
		select {
		case <-t.done:
			return
		case ev, ok := <-t.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if strings.HasSuffix(ev.Name, noticeExt) {
				t.read(ev.Name)
			}
		case err, ok := <-t.watcher.Errors:
			if !ok {
				return
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				slog.Warn("notice watcher overflow; notices may be lost",
					"component", "broadcast",
					"transport", "filedrop",
					"dir", t.dir,
				)
				continue
			}
			slog.Warn("notice watcher error",
				"component", "broadcast",
				"transport", "filedrop",
				"dir", t.dir,
				"error", err,
			)
		}
	}
}

func (t *FileDropTransport) read(path string) {
	name := filepath.Base(path)

	t.mu.Lock()
	if _, dup := t.seen[name]; dup {
		t.mu.Unlock()
		return
	}
	t.seen[name] = time.Now()
	t.mu.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Debug("cannot read notice", "component", "broadcast", "transport", "filedrop", "file", name, "error", err)
		}
		return
	}
	n, err := decodeNotice(data)
	if err != nil {
		slog.Debug("dropping malformed notice", "component", "broadcast", "transport", "filedrop", "file", name, "error", err)
		return
	}
	t.handlers.dispatch(n)
}

// Publish writes n into the drop directory and sweeps expired notices.
func (t *FileDropTransport) Publish(ctx context.Context, n Notice) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := encodeNotice(n)
	if err != nil {
		return err
	}

	id := ulid.Make().String()
	tmp := filepath.Join(t.dir, "."+id+".tmp")
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write notice: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(t.dir, id+noticeExt)); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("publish notice: %w", err)
	}

	t.sweep()
	return nil
}

// sweep removes notice files and seen markers older than the retention.
func (t *FileDropTransport) sweep() {
	cutoff := time.Now().Add(-t.retention)

	entries, err := os.ReadDir(t.dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if !strings.HasSuffix(e.Name(), noticeExt) {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		_ = os.Remove(filepath.Join(t.dir, e.Name()))
	}

	t.mu.Lock()
	for name, at := range t.seen {
		if at.Before(cutoff) {
			delete(t.seen, name)
		}
	}
	t.mu.Unlock()
}

// OnMessage registers h for incoming notices.
func (t *FileDropTransport) OnMessage(h Handler) {
	t.handlers.add(h)
}

// Close stops watching the directory. Notice files are left for the sweep.
func (t *FileDropTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.done)
	t.mu.Unlock()

	err := t.watcher.Close()
	t.wg.Wait()
	return err
}
