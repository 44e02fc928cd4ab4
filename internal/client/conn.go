package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ErrNotConnected is returned for operations attempted with no live
// connection.
var ErrNotConnected = errors.New("not connected")

const (
	defaultRetryInterval = 2 * time.Second
	defaultMaxAttempts   = 5
)

// Conn is one live transport connection.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// DialFunc establishes a connection. Tests inject in-memory pipes here.
type DialFunc func(ctx context.Context) (Conn, error)

// ConnectorConfig controls the reconnect policy: a fixed retry interval and
// a bounded number of consecutive failed attempts.
type ConnectorConfig struct {
	URL           string
	RetryInterval time.Duration
	MaxAttempts   int
}

// Connector owns the connection lifecycle for a Store: dial, pump frames
// into the store in order, and reconnect when the link drops.
type Connector struct {
	store *Store
	cfg   ConnectorConfig
	dial  DialFunc
	log   *zap.Logger
}

// NewConnector creates a connector that dials cfg.URL over WebSocket.
func NewConnector(store *Store, cfg ConnectorConfig, log *zap.Logger) *Connector {
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = defaultRetryInterval
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if log == nil {
		log = zap.NewNop()
	}
	c := &Connector{store: store, cfg: cfg, log: log}
	c.dial = c.dialWebSocket
	return c
}

// WithDialer replaces the transport dialer.
func (c *Connector) WithDialer(dial DialFunc) *Connector {
	c.dial = dial
	return c
}

// Run connects and keeps the store synchronized until the context is
// canceled or the reconnect budget is exhausted.
func (c *Connector) Run(ctx context.Context) error {
	attempts := 0
	for {
		conn, err := c.dial(ctx)
		if err != nil {
			attempts++
			c.log.Warn("connect failed",
				zap.Int("attempt", attempts),
				zap.Int("maxAttempts", c.cfg.MaxAttempts),
				zap.Error(err))
			if attempts >= c.cfg.MaxAttempts {
				return fmt.Errorf("giving up after %d attempts: %w", attempts, err)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.cfg.RetryInterval):
			}
			continue
		}

		attempts = 0
		c.log.Info("connected")
		c.store.SetSender(conn.WriteMessage)

		// Single consumer: frames apply to the mirror strictly in server
		// order.
		readErr := c.pump(ctx, conn)
		c.store.SetSender(nil)
		conn.Close()

		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.log.Warn("connection lost, reconnecting", zap.Error(readErr))
	}
}

func (c *Connector) pump(ctx context.Context, conn Conn) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		c.store.HandleFrame(data)
	}
}

// wsConn adapts a gorilla connection; writes are serialized because ops and
// replay can transmit from different goroutines.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := w.conn.ReadMessage()
	return data, err
}

func (w *wsConn) WriteMessage(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

func (w *wsConn) Close() error {
	return w.conn.Close()
}

func (c *Connector) dialWebSocket(ctx context.Context) (Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return nil, err
	}
	return &wsConn{conn: conn}, nil
}
