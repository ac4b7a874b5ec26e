// Package chattest runs an in-process chat transport server speaking the
// Engine.IO v3 websocket protocol, for tests.
package chattest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/luciancaetano/wikichat/internal/protocol"
)

// OnConnectFn is called when a new socket completes the open handshake,
// before its read loop starts.
type OnConnectFn = func(conn *Conn)

// Config configures a Server.
type Config struct {
	// PingInterval is announced in the open packet. Zero means 25s.
	PingInterval time.Duration
	// PingTimeout is announced in the open packet. Zero means 60s.
	PingTimeout time.Duration
	// SilentPings stops the server from answering probes.
	SilentPings bool
	// SkipConnect stops the server from acknowledging the namespace.
	SkipConnect bool
	OnConnect   OnConnectFn
}

// Server is a fake chat transport.
type Server struct {
	cfg      Config
	http     *httptest.Server
	upgrader websocket.Upgrader
	conns    chan *Conn

	mu  sync.Mutex
	all []*Conn
}

// New starts a server.
func New(cfg *Config) *Server {
	if cfg == nil {
		cfg = &Config{}
	}
	s := &Server{
		cfg:   *cfg,
		conns: make(chan *Conn, 64),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	if s.cfg.PingInterval <= 0 {
		s.cfg.PingInterval = 25 * time.Second
	}
	if s.cfg.PingTimeout <= 0 {
		s.cfg.PingTimeout = 60 * time.Second
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/socket.io/", s.handleWebSocket)
	s.http = httptest.NewServer(mux)
	return s
}

// URL returns the http base URL of the server.
func (s *Server) URL() string {
	return s.http.URL
}

// Close closes every connection and stops the server.
func (s *Server) Close() {
	s.mu.Lock()
	conns := append([]*Conn(nil), s.all...)
	s.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
	s.http.Close()
}

// Conns returns every connection accepted so far.
func (s *Server) Conns() []*Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Conn(nil), s.all...)
}

// Accept waits for the next connection.
func (s *Server) Accept(ctx context.Context) (*Conn, error) {
	select {
	case c := <-s.conns:
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// handleWebSocket handles incoming WebSocket connections
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("EIO") != "3" || r.URL.Query().Get("transport") != "websocket" {
		http.Error(w, "unsupported transport", http.StatusBadRequest)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := &Conn{
		id:       uuid.New().String(),
		query:    r.URL.Query(),
		header:   r.Header.Clone(),
		ws:       ws,
		received: make(chan string, 256),
		done:     make(chan struct{}),
	}
	c.silent.Store(s.cfg.SilentPings)

	open, _ := json.Marshal(protocol.Handshake{
		SID:          c.id,
		Upgrades:     []string{},
		PingInterval: int(s.cfg.PingInterval / time.Millisecond),
		PingTimeout:  int(s.cfg.PingTimeout / time.Millisecond),
	})
	if err := c.writePacket(protocol.PacketOpen, open); err != nil {
		ws.Close()
		return
	}
	if !s.cfg.SkipConnect {
		if err := c.Acknowledge(); err != nil {
			ws.Close()
			return
		}
	}

	s.mu.Lock()
	s.all = append(s.all, c)
	s.mu.Unlock()

	if s.cfg.OnConnect != nil {
		s.cfg.OnConnect(c)
	}
	select {
	case s.conns <- c:
	default:
	}

	go c.readLoop()
}

// Conn is one socket accepted by the server.
type Conn struct {
	id       string
	query    url.Values
	header   http.Header
	ws       *websocket.Conn
	writeMu  sync.Mutex
	received chan string
	pings    atomic.Int64
	silent   atomic.Bool

	closeOnce sync.Once
	done      chan struct{}
}

// ID returns the session id announced in the open packet.
func (c *Conn) ID() string { return c.id }

// Query returns the handshake query parameters.
func (c *Conn) Query() url.Values { return c.query }

// Header returns the handshake request headers.
func (c *Conn) Header() http.Header { return c.header }

// Pings returns the number of probes received.
func (c *Conn) Pings() int { return int(c.pings.Load()) }

// SetSilentPings toggles answering probes.
func (c *Conn) SetSilentPings(silent bool) { c.silent.Store(silent) }

// Done is closed when the connection ends.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Acknowledge sends the namespace connect packet.
func (c *Conn) Acknowledge() error {
	frame, err := protocol.EncodeMessage(protocol.MessageConnect, nil)
	if err != nil {
		return err
	}
	return c.write(frame)
}

// Push sends an inbound chat event with data encoded as a JSON object.
func (c *Conn) Push(event string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return c.pushRaw(event, raw)
}

// PushEncoded sends an inbound chat event with data encoded as a JSON
// string holding the object, as the production server often does.
func (c *Conn) PushEncoded(event string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	encoded, err := json.Marshal(string(raw))
	if err != nil {
		return err
	}
	return c.pushRaw(event, encoded)
}

func (c *Conn) pushRaw(event string, data json.RawMessage) error {
	frame, err := protocol.EncodeEvent("message", map[string]any{
		"event": event,
		"data":  data,
	})
	if err != nil {
		return err
	}
	return c.write(frame)
}

// Next waits for the next "message" argument sent by the client.
func (c *Conn) Next(ctx context.Context) (string, error) {
	select {
	case payload := <-c.received:
		return payload, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Disconnect sends the namespace disconnect packet and closes the socket.
func (c *Conn) Disconnect() {
	if frame, err := protocol.EncodeMessage(protocol.MessageDisconnect, nil); err == nil {
		c.write(frame)
	}
	c.Close()
}

// Close drops the connection without notice.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}

func (c *Conn) writePacket(t protocol.PacketType, payload []byte) error {
	frame, err := protocol.Encode(t, payload)
	if err != nil {
		return err
	}
	return c.write(frame)
}

func (c *Conn) write(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.ws.WriteMessage(websocket.TextMessage, frame)
}

// readLoop handles frames from the client
func (c *Conn) readLoop() {
	defer c.Close()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}

		packetType, payload, err := protocol.Decode(data)
		if err != nil {
			return
		}

		switch packetType {
		case protocol.PacketPing:
			c.pings.Add(1)
			if !c.silent.Load() {
				c.writePacket(protocol.PacketPong, payload)
			}
		case protocol.PacketClose:
			return
		case protocol.PacketMessage:
			if err := c.handleMessage(payload); err != nil {
				return
			}
		}
	}
}

func (c *Conn) handleMessage(payload []byte) error {
	messageType, data, err := protocol.DecodeMessage(payload)
	if err != nil {
		return err
	}
	if messageType != protocol.MessageEvent {
		return nil
	}

	name, args, err := protocol.DecodeEvent(data)
	if err != nil {
		return err
	}
	if name != "message" || len(args) == 0 {
		return nil
	}

	var envelope string
	if err := json.Unmarshal(args[0], &envelope); err != nil {
		return fmt.Errorf("message argument is not a string: %w", err)
	}
	select {
	case c.received <- envelope:
		return nil
	default:
		return errors.New("receive buffer full")
	}
}
