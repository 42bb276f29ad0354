package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	feedsync "github.com/hyperengineering/vigil/internal/sync"
)

const (
	// ReplayBatchSize is the number of change log rows read per replay query.
	ReplayBatchSize = 500

	writeWait  = 10 * time.Second
	pongWait   = 10 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Clients authenticate with a bearer token, not cookies.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Changes handles GET /api/v1/changes as a websocket stream of change log
// entries. With ?after=N the stream first replays every entry after N; without
// it only live entries are sent. ?tables=a,b restricts the tables.
func (h *Handler) Changes(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var tables []string
	for _, t := range strings.Split(q.Get("tables"), ",") {
		if t = strings.TrimSpace(t); t != "" {
			tables = append(tables, t)
		}
	}

	after := int64(-1)
	if raw := q.Get("after"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			WriteProblem(w, r, http.StatusBadRequest, "after must be a non-negative integer")
			return
		}
		after = n
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		slog.Warn("change feed upgrade failed",
			"component", "api",
			"request_id", GetRequestID(r.Context()),
			"error", err,
		)
		return
	}
	defer conn.Close()

	logger := slog.With(
		"component", "api",
		"action", "change_feed",
		"request_id", GetRequestID(r.Context()),
		"remote_addr", r.RemoteAddr,
	)

	h.metrics.FeedConnected()
	defer h.metrics.FeedDisconnected()

	// Listen before replaying so nothing committed during the replay is lost.
	var (
		live   <-chan feedsync.ChangeLogEntry
		lagged <-chan struct{}
	)
	if h.hub != nil {
		l := h.hub.Listen(tables)
		defer l.Close()
		live, lagged = l.C(), l.Lagged()
	}

	last := after
	if after >= 0 {
		last, err = h.replay(r, conn, after, tables)
		if err != nil {
			logger.Warn("change feed replay failed", "after", after, "error", err)
			closeWith(conn, websocket.CloseInternalServerErr, "replay failed")
			return
		}
	}

	logger.Info("change feed connected", "tables", tables, "after", after, "replayed_to", last)

	done := make(chan struct{})
	go drain(conn, done)

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			closeWith(conn, websocket.CloseGoingAway, "server shutting down")
			return
		case <-done:
			logger.Info("change feed disconnected", "last_sequence", last)
			return
		case <-lagged:
			logger.Warn("change feed listener lagged, closing", "last_sequence", last)
			closeWith(conn, websocket.CloseTryAgainLater, "listener lagged")
			return
		case e, ok := <-live:
			if !ok {
				closeWith(conn, websocket.CloseGoingAway, "server shutting down")
				return
			}
			if e.Sequence <= last {
				continue
			}
			if err := writeEntry(conn, e); err != nil {
				logger.Warn("change feed write failed", "error", err)
				return
			}
			last = e.Sequence
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				logger.Info("change feed ping failed", "error", err)
				return
			}
		}
	}
}

// replay sends every stored entry after seq and returns the last sequence sent.
func (h *Handler) replay(r *http.Request, conn *websocket.Conn, seq int64, tables []string) (int64, error) {
	for {
		entries, err := h.store.GetChangeLogAfter(r.Context(), seq, tables, ReplayBatchSize)
		if err != nil {
			return seq, fmt.Errorf("read change log: %w", err)
		}
		for _, e := range entries {
			if err := writeEntry(conn, e); err != nil {
				return seq, err
			}
			seq = e.Sequence
		}
		if len(entries) < ReplayBatchSize {
			return seq, nil
		}
	}
}

func writeEntry(conn *websocket.Conn, e feedsync.ChangeLogEntry) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(e); err != nil {
		return fmt.Errorf("write entry %d: %w", e.Sequence, err)
	}
	return nil
}

// drain reads until the peer goes away so control frames are processed.
func drain(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.NextReader(); err != nil {
			return
		}
	}
}

func closeWith(conn *websocket.Conn, code int, text string) {
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, text),
		time.Now().Add(writeWait))
}
