package feedclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"

	"github.com/hyperengineering/vigil/internal/feed"
	feedsync "github.com/hyperengineering/vigil/internal/sync"
)

const (
	// readWait must exceed the server ping period.
	readWait  = 30 * time.Second
	writeWait = 10 * time.Second
)

// OpenChangeFeed streams change events for table until the returned cancel
// function is called or ctx ends. The stream reconnects on its own, resuming
// after the last sequence it saw, and reports every connect, failure and the
// final close to onState. subject is only used for logging; the server
// streams every event and the caller filters.
func (c *Client) OpenChangeFeed(ctx context.Context, subject, table string, onEvent feed.EventHandler, onState feed.StateHandler) (feed.CancelFunc, error) {
	if onEvent == nil {
		return nil, errors.New("onEvent is required")
	}
	if onState == nil {
		onState = func(feed.ChannelState, error) {}
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &changeStream{
		client:  c,
		subject: subject,
		table:   table,
		after:   -1,
		onEvent: onEvent,
		onState: onState,
	}
	go s.run(ctx)
	return feed.CancelFunc(cancel), nil
}

type changeStream struct {
	client  *Client
	subject string
	table   string
	after   int64
	onEvent feed.EventHandler
	onState feed.StateHandler
}

func (s *changeStream) run(ctx context.Context) {
	logger := s.client.logger.With("component", "feedclient", "subject", s.subject, "table", s.table)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.client.reconnectBase
	b.MaxInterval = s.client.reconnectMax
	b.Reset()

	if health, err := s.client.Health(ctx); err == nil {
		s.after = health.LatestSequence
	}

	for {
		connected, err := s.session(ctx)
		if ctx.Err() != nil {
			s.onState(feed.StateClosed, nil)
			return
		}
		if connected {
			b.Reset()
		}

		delay := b.NextBackOff()
		logger.Warn("change feed disconnected, reconnecting",
			"error", err,
			"delay", delay,
			"after", s.after,
		)
		s.onState(feed.StateError, err)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.onState(feed.StateClosed, nil)
			return
		case <-timer.C:
		}
	}
}

// session holds one websocket connection until it fails. It reports whether
// the connection was established.
func (s *changeStream) session(ctx context.Context) (bool, error) {
	header := http.Header{}
	if s.client.apiKey != "" {
		header.Set("Authorization", "Bearer "+s.client.apiKey)
	}

	conn, resp, err := s.client.dialer.DialContext(ctx, s.url(), header)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
			return false, fmt.Errorf("dial change feed: %s: %w", resp.Status, err)
		}
		return false, fmt.Errorf("dial change feed: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		conn.Close()
	})
	defer stop()

	conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPingHandler(func(data string) error {
		conn.SetReadDeadline(time.Now().Add(readWait))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})

	s.onState(feed.StateSubscribed, nil)

	for {
		var ev feedsync.ChangeLogEntry
		if err := conn.ReadJSON(&ev); err != nil {
			return true, fmt.Errorf("read change feed: %w", err)
		}
		conn.SetReadDeadline(time.Now().Add(readWait))
		if ev.Sequence <= s.after {
			continue
		}
		s.after = ev.Sequence
		s.onEvent(ev)
	}
}

func (s *changeStream) url() string {
	base := s.client.baseURL
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}

	q := url.Values{}
	q.Set("tables", s.table)
	if s.after >= 0 {
		q.Set("after", strconv.FormatInt(s.after, 10))
	}
	return base + "/api/v1/changes?" + q.Encode()
}
