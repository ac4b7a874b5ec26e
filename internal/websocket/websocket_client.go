package websocket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/luciancaetano/wikichat"
	"github.com/luciancaetano/wikichat/internal/protocol"
)

// Connection errors
var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrServerClosed     = errors.New("server closed the connection")
	ErrFailedToEncode   = errors.New("failed to encode message")
)

// Client is an open push-socket connection. It implements wikichat.Socket.
type Client struct {
	id           string
	sid          string
	conn         *websocket.Conn
	ctx          context.Context
	cancel       context.CancelFunc
	sendCh       chan []byte
	mu           sync.RWMutex
	closed       bool
	rateLimiter  *rate.Limiter // Rate limiter for outbound messages
	handlers     wikichat.SocketHandlers
	pingInterval time.Duration
	readTimeout  time.Duration
	logger       *slog.Logger

	writeDone      chan struct{}
	connectOnce    sync.Once
	disconnectOnce sync.Once
}

// newClient wraps an upgraded connection whose open packet has been read.
// The pumps are not started.
func newClient(conn *websocket.Conn, hs protocol.Handshake, cfg *DialerConfig, handlers wikichat.SocketHandlers, logger *slog.Logger) *Client {
	ctx, cancel := context.WithCancel(context.Background())

	pingInterval := hs.Interval()
	if cfg.PingInterval > 0 {
		pingInterval = cfg.PingInterval
	}
	if pingInterval <= 0 {
		pingInterval = defaultPingInterval
	}
	pingTimeout := hs.Timeout()
	if pingTimeout <= 0 {
		pingTimeout = defaultPingTimeout
	}

	id := uuid.New().String()
	return &Client{
		id:           id,
		sid:          hs.SID,
		conn:         conn,
		ctx:          ctx,
		cancel:       cancel,
		sendCh:       make(chan []byte, sendBufferSize),
		writeDone:    make(chan struct{}),
		rateLimiter:  cfg.RateLimitConfig.limiter(),
		handlers:     handlers,
		pingInterval: pingInterval,
		readTimeout:  pingInterval + pingTimeout,
		logger:       logger.With("socket", id, "sid", hs.SID),
	}
}

func (c *Client) start() {
	go c.writePump()
	go c.readPump()
}

// ID returns a unique identifier for the connection
func (c *Client) ID() string {
	return c.id
}

// SessionID returns the session id assigned by the server
func (c *Client) SessionID() string {
	return c.sid
}

// Context returns the connection's lifecycle context
func (c *Client) Context() context.Context {
	return c.ctx
}

// Send waits for the rate limiter, then queues payload as the argument of a
// "message" event
func (c *Client) Send(ctx context.Context, payload []byte) error {
	// Encode the frame first (before acquiring lock)
	data, err := protocol.EncodeEvent("message", string(payload))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrFailedToEncode, err)
	}

	if c.rateLimiter != nil {
		if err := c.rateLimiter.Wait(ctx); err != nil {
			return err
		}
	}

	return c.enqueue(ctx, data)
}

func (c *Client) enqueue(ctx context.Context, data []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return ErrConnectionClosed
	}

	// Keep the lock while sending to prevent race with Close()
	select {
	case c.sendCh <- data:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.ctx.Done():
		return ErrConnectionClosed
	}
}

// Close closes the connection
func (c *Client) Close(ctx context.Context) error {
	return c.CloseWithCode(ctx, websocket.CloseNormalClosure, "")
}

// CloseWithCode flushes queued frames, then closes the connection with a
// close code and optional reason. OnDisconnect is called with a nil error.
func (c *Client) CloseWithCode(ctx context.Context, code int, reason string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.sendCh)
	c.mu.Unlock()

	// Let the write pump drain the queue
	select {
	case <-c.writeDone:
	case <-ctx.Done():
	case <-time.After(time.Second):
	}
	c.cancel()

	// Send close message
	deadline := time.Now().Add(time.Second)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	message := websocket.FormatCloseMessage(code, reason)
	c.conn.WriteControl(websocket.CloseMessage, message, deadline)
	err := c.conn.Close()

	go c.notifyDisconnect(nil)
	return err
}

// IsAlive returns true if the connection is still active
func (c *Client) IsAlive() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.closed
}

// shutdown tears the connection down after a transport failure
func (c *Client) shutdown(cause error) {
	c.cancel()

	c.mu.Lock()
	alreadyClosed := c.closed
	if !alreadyClosed {
		c.closed = true
		close(c.sendCh)
		c.conn.Close()
	}
	c.mu.Unlock()

	if alreadyClosed {
		// A local Close raced the failure and already reported it.
		return
	}
	c.notifyDisconnect(cause)
}

func (c *Client) notifyDisconnect(err error) {
	c.disconnectOnce.Do(func() {
		if err != nil {
			c.logger.Debug("socket disconnected", "error", err)
		} else {
			c.logger.Debug("socket closed")
		}
		if c.handlers.OnDisconnect != nil {
			c.handlers.OnDisconnect(err)
		}
	})
}

// writePump pumps frames from the send channel to the websocket connection
// and writes a liveness probe every ping interval
func (c *Client) writePump() {
	ticker := time.NewTicker(c.pingInterval)
	defer func() {
		ticker.Stop()
		close(c.writeDone)
	}()

	for {
		select {
		case message, ok := <-c.sendCh:
			if !ok {
				// Channel closed
				return
			}

			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.shutdown(err)
				return
			}

		case <-ticker.C:
			if c.handlers.OnPing != nil {
				c.handlers.OnPing()
			}
			if c.ctx.Err() != nil {
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, []byte{byte(protocol.PacketPing)}); err != nil {
				c.shutdown(err)
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}

// readPump decodes inbound frames and dispatches them to the handlers
func (c *Client) readPump() {
	c.conn.SetReadDeadline(time.Now().Add(c.readTimeout))

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				err = ErrServerClosed
			}
			c.shutdown(err)
			return
		}

		// Reset read deadline after successful read
		c.conn.SetReadDeadline(time.Now().Add(c.readTimeout))

		if err := c.handleFrame(data); err != nil {
			c.shutdown(err)
			return
		}
	}
}

func (c *Client) handleFrame(data []byte) error {
	packetType, payload, err := protocol.Decode(data)
	if err != nil {
		c.logger.Debug("discarding malformed frame", "error", err)
		return nil
	}

	switch packetType {
	case protocol.PacketPong:
		if c.handlers.OnPong != nil {
			c.handlers.OnPong()
		}

	case protocol.PacketPing:
		// Server-initiated probe
		frame, _ := protocol.Encode(protocol.PacketPong, payload)
		if err := c.enqueue(c.ctx, frame); err != nil {
			return err
		}

	case protocol.PacketClose:
		return ErrServerClosed

	case protocol.PacketMessage:
		return c.handleMessage(payload)
	}
	return nil
}

func (c *Client) handleMessage(payload []byte) error {
	messageType, data, err := protocol.DecodeMessage(payload)
	if err != nil {
		c.logger.Debug("discarding malformed packet", "error", err)
		return nil
	}

	switch messageType {
	case protocol.MessageConnect:
		c.connectOnce.Do(func() {
			if c.handlers.OnConnect != nil {
				c.handlers.OnConnect()
			}
		})

	case protocol.MessageDisconnect:
		return ErrServerClosed

	case protocol.MessageError:
		return fmt.Errorf("server error: %s", data)

	case protocol.MessageEvent:
		name, args, err := protocol.DecodeEvent(data)
		if err != nil {
			c.logger.Debug("discarding malformed event", "error", err)
			return nil
		}
		if name != "message" || len(args) == 0 {
			return nil
		}
		if c.handlers.OnMessage != nil {
			c.handlers.OnMessage(args[0])
		}
	}
	return nil
}
