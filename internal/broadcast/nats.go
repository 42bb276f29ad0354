package broadcast

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	nats "github.com/nats-io/nats.go"
)

// natsConn is the subset of *nats.Conn used by NATSTransport.
type natsConn interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, cb func(data []byte)) (unsubscribe func() error, err error)
	Close()
}

// natsConnWrapper adapts *nats.Conn to natsConn.
type natsConnWrapper struct {
	conn *nats.Conn
}

func (w *natsConnWrapper) Publish(subject string, data []byte) error {
	return w.conn.Publish(subject, data)
}

func (w *natsConnWrapper) Subscribe(subject string, cb func(data []byte)) (func() error, error) {
	sub, err := w.conn.Subscribe(subject, func(msg *nats.Msg) {
		cb(msg.Data)
	})
	if err != nil {
		return nil, err
	}
	return sub.Unsubscribe, nil
}

func (w *natsConnWrapper) Close() {
	w.conn.Close()
}

// NATSTransport publishes notices on a NATS subject named after the topic.
type NATSTransport struct {
	conn        natsConn
	subject     string
	handlers    handlerSet
	unsubscribe func() error

	mu     sync.Mutex
	closed bool
}

// NATSOpener returns an Opener that dials url for each topic it opens.
// A failed dial is reported as ErrUnsupported so callers degrade to Noop.
func NATSOpener(url, name string) Opener {
	return func(topic string) (Transport, error) {
		if url == "" {
			return nil, fmt.Errorf("nats url not configured: %w", ErrUnsupported)
		}
		conn, err := nats.Connect(url,
			nats.Name(name),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
		)
		if err != nil {
			return nil, fmt.Errorf("connect to nats: %v: %w", err, ErrUnsupported)
		}
		return newNATSTransport(&natsConnWrapper{conn: conn}, topic)
	}
}

func newNATSTransport(conn natsConn, topic string) (*NATSTransport, error) {
	t := &NATSTransport{conn: conn, subject: topic}
	unsub, err := conn.Subscribe(topic, t.receive)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", topic, err)
	}
	t.unsubscribe = unsub
	return t, nil
}

func (t *NATSTransport) receive(data []byte) {
	n, err := decodeNotice(data)
	if err != nil {
		slog.Debug("dropping malformed notice",
			"component", "broadcast",
			"transport", "nats",
			"error", err,
		)
		return
	}
	t.handlers.dispatch(n)
}

// Publish sends n to every replica subscribed to the topic.
func (t *NATSTransport) Publish(ctx context.Context, n Notice) error {
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
	if err := t.conn.Publish(t.subject, data); err != nil {
		return fmt.Errorf("publish notice: %w", err)
	}
	return nil
}

// OnMessage registers h for incoming notices.
func (t *NATSTransport) OnMessage(h Handler) {
	t.handlers.add(h)
}

// Close unsubscribes and closes the connection.
func (t *NATSTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true

	var err error
	if t.unsubscribe != nil {
		err = t.unsubscribe()
	}
	t.conn.Close()
	return err
}
