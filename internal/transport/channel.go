package transport

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/HARI5KRISHNAN/darevel-sub002/internal/signal"
)

// ErrChannelDown is returned by Channel.Send while no connection to the relay
// is established.
var ErrChannelDown = errors.New("signaling channel down")

const reconnectDelay = 5 * time.Second

// Channel is the client side of the relay's signaling endpoint: a WebSocket
// that implements the send half of a call transport and dispatches inbound
// envelopes to a handler. Run keeps it connected, redialing on a fixed delay
// until its context is cancelled.
//
// The handler is invoked sequentially from a single goroutine, so envelope
// order is preserved.
type Channel struct {
	url     string
	handler func(signal.Envelope)
	log     *slog.Logger
	dialer  *websocket.Dialer

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

// Dial connects to the signaling endpoint at rawURL (a ws:// or wss:// URL
// carrying the user and credential query parameters) and returns a connected
// Channel. The caller must call Run to start dispatching inbound envelopes.
func Dial(ctx context.Context, rawURL string, handler func(signal.Envelope), logger *slog.Logger) (*Channel, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Channel{
		url:     rawURL,
		handler: handler,
		log:     logger,
		dialer:  websocket.DefaultDialer,
	}

	conn, _, err := c.dialer.DialContext(ctx, rawURL, nil)
	if err != nil {
		return nil, err
	}
	c.setConn(conn)
	return c, nil
}

// Send transmits env over the current connection. It fails with
// ErrChannelDown while the channel is between connections.
func (c *Channel) Send(ctx context.Context, env signal.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrChannelDown
	}
	deadline := time.Now().Add(wsWriteWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetWriteDeadline(deadline)
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Run reads envelopes and dispatches them to the handler until ctx is
// cancelled or Close is called, reconnecting after a fixed delay whenever the
// connection drops.
func (c *Channel) Run(ctx context.Context) error {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return nil
		}
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			var err error
			conn, err = c.redial(ctx)
			if err != nil {
				return err
			}
		}

		c.readLoop(conn)
		c.dropConn(conn)

		if err := ctx.Err(); err != nil {
			return err
		}
		c.mu.Lock()
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return nil
		}

		c.log.Info("signaling channel lost, reconnecting", "delay", reconnectDelay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(reconnectDelay):
		}
	}
}

// Close tears down the connection and stops Run's reconnect loop.
func (c *Channel) Close() error {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (c *Channel) readLoop(conn *websocket.Conn) {
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		env, err := signal.Parse(data)
		if err == nil {
			err = env.Validate()
		}
		if err != nil {
			c.log.Warn("dropping malformed envelope from relay", "error", err)
			continue
		}
		c.handler(env)
	}
}

func (c *Channel) redial(ctx context.Context) (*websocket.Conn, error) {
	for {
		conn, _, err := c.dialer.DialContext(ctx, c.url, nil)
		if err == nil {
			c.setConn(conn)
			return conn, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		c.log.Warn("signaling redial failed", "error", err, "retry_in", reconnectDelay)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(reconnectDelay):
		}
	}
}

func (c *Channel) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

func (c *Channel) dropConn(conn *websocket.Conn) {
	conn.Close()
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
}
