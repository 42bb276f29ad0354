package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hyperengineering/vigil/internal/config"
)

// logCapture captures slog output for testing
type logCapture struct {
	mu      sync.Mutex
	entries []map[string]any
}

func (c *logCapture) handler() slog.Handler {
	return slog.NewJSONHandler(c, &slog.HandlerOptions{Level: slog.LevelDebug})
}

func (c *logCapture) Write(p []byte) (n int, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var entry map[string]any
	if err := json.Unmarshal(p, &entry); err == nil {
		c.entries = append(c.entries, entry)
	}
	return len(p), nil
}

func (c *logCapture) messages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var msgs []string
	for _, e := range c.entries {
		if msg, ok := e["msg"].(string); ok {
			msgs = append(msgs, msg)
		}
	}
	return msgs
}

func (c *logCapture) hasMessage(msg string) bool {
	for _, m := range c.messages() {
		if m == msg {
			return true
		}
	}
	return false
}

func captureDefault(t *testing.T) *logCapture {
	t.Helper()
	capture := &logCapture{}
	old := slog.Default()
	slog.SetDefault(slog.New(capture.handler()))
	t.Cleanup(func() { slog.SetDefault(old) })
	return capture
}

func TestStartWorker_LaunchesGoroutineAndTracksCompletion(t *testing.T) {
	capture := captureDefault(t)

	ctx, cancel := context.WithCancel(context.Background())
	var g errgroup.Group

	started := make(chan struct{})
	startWorker(ctx, &g, "test-worker", func(ctx context.Context) {
		close(started)
		<-ctx.Done()
	})

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("worker function was not called")
	}

	cancel()
	if err := g.Wait(); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}

	if !capture.hasMessage("worker started") {
		t.Error("expected 'worker started' log message")
	}
	if !capture.hasMessage("worker stopped") {
		t.Error("expected 'worker stopped' log message")
	}
}

func TestStartWorker_LogsWorkerName(t *testing.T) {
	capture := captureDefault(t)

	ctx, cancel := context.WithCancel(context.Background())
	var g errgroup.Group
	startWorker(ctx, &g, "compaction", func(ctx context.Context) {
		<-ctx.Done()
	})
	cancel()
	g.Wait()

	capture.mu.Lock()
	defer capture.mu.Unlock()
	found := false
	for _, entry := range capture.entries {
		if entry["worker"] == "compaction" {
			found = true
			break
		}
	}
	if !found {
		t.Error("expected log entry with worker='compaction' attribute")
	}
}

// Given a failing server goroutine in the group
// When it returns an error
// Then the group context is cancelled and workers stop
func TestStartWorker_StopsWhenGroupFails(t *testing.T) {
	g, gctx := errgroup.WithContext(context.Background())

	stopped := atomic.Bool{}
	startWorker(gctx, g, "snapshot", func(ctx context.Context) {
		<-ctx.Done()
		stopped.Store(true)
	})

	boom := errors.New("listen: address in use")
	g.Go(func() error { return boom })

	if err := g.Wait(); !errors.Is(err, boom) {
		t.Fatalf("Wait() error = %v, want %v", err, boom)
	}
	if !stopped.Load() {
		t.Error("worker did not stop after group failure")
	}
}

func TestShutdownWaitsForWorkersBeforeStoreClose(t *testing.T) {
	var mu sync.Mutex
	var order []string
	record := func(step string) {
		mu.Lock()
		order = append(order, step)
		mu.Unlock()
	}

	ctx, cancel := context.WithCancel(context.Background())
	var g errgroup.Group
	startWorker(ctx, &g, "order-test", func(ctx context.Context) {
		<-ctx.Done()
		time.Sleep(20 * time.Millisecond)
		record("worker_stopped")
	})

	cancel()
	record("server_shutdown")
	g.Wait()
	record("store_closed")

	mu.Lock()
	defer mu.Unlock()
	want := []string{"server_shutdown", "worker_stopped", "store_closed"}
	if strings.Join(order, ",") != strings.Join(want, ",") {
		t.Errorf("order = %v, want %v", order, want)
	}
}

func TestShutdownTimeoutRespected(t *testing.T) {
	srv := &http.Server{
		Addr: ":0",
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {}
		}),
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	start := time.Now()
	srv.Shutdown(shutdownCtx)
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Errorf("shutdown took %v, expected <= 50ms", elapsed)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := parseLogLevel(tt.in); got != tt.want {
			t.Errorf("parseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestNewLogger_Format(t *testing.T) {
	var buf bytes.Buffer
	newLogger(&buf, config.LogConfig{Level: "info", Format: "json"}).Info("hello", "k", "v")
	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("json format produced %q: %v", buf.String(), err)
	}
	if entry["msg"] != "hello" || entry["k"] != "v" {
		t.Errorf("entry = %v", entry)
	}

	buf.Reset()
	newLogger(&buf, config.LogConfig{Level: "info", Format: "text"}).Info("hello", "k", "v")
	if !strings.Contains(buf.String(), "msg=hello") || !strings.Contains(buf.String(), "k=v") {
		t.Errorf("text format produced %q", buf.String())
	}

	buf.Reset()
	newLogger(&buf, config.LogConfig{Level: "warn"}).Info("dropped")
	if buf.Len() != 0 {
		t.Errorf("info logged at warn level: %q", buf.String())
	}
}
