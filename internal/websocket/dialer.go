package websocket

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/luciancaetano/wikichat"
	"github.com/luciancaetano/wikichat/internal/protocol"
)

// Dialer opens Engine.IO v3 push sockets over websocket. It implements
// wikichat.Dialer.
type Dialer struct {
	cfg    *DialerConfig
	ws     *websocket.Dialer
	logger *slog.Logger
}

// NewDialer creates a Dialer. A nil config uses the defaults.
func NewDialer(cfg *DialerConfig) *Dialer {
	if cfg == nil {
		cfg = &DialerConfig{}
	}
	if cfg.RateLimitConfig == nil {
		cfg.RateLimitConfig = DefaultRateLimitConfig()
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}

	ws := cfg.WebsocketDialer
	if ws == nil {
		d := *websocket.DefaultDialer
		ws = &d
	}
	ws.HandshakeTimeout = cfg.HandshakeTimeout

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Dialer{cfg: cfg, ws: ws, logger: logger}
}

// SocketURL builds the websocket URL of an Engine.IO endpoint. http and
// https endpoints are mapped to ws and wss.
func SocketURL(endpoint string, params url.Values) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("invalid endpoint %q: unsupported scheme", endpoint)
	}

	if u.Path == "" || u.Path == "/" {
		u.Path = "/socket.io/"
	} else if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}

	query := url.Values{}
	for key, values := range params {
		query[key] = append([]string(nil), values...)
	}
	query.Set("EIO", "3")
	query.Set("transport", "websocket")
	u.RawQuery = query.Encode()
	return u.String(), nil
}

// Dial connects to endpoint, waits for the open packet and starts the
// connection's pumps. OnConnect fires once the server acknowledges the
// default namespace.
func (d *Dialer) Dial(ctx context.Context, endpoint string, params url.Values, handlers wikichat.SocketHandlers) (wikichat.Socket, error) {
	target, err := SocketURL(endpoint, params)
	if err != nil {
		return nil, err
	}

	conn, _, err := d.ws.DialContext(ctx, target, d.cfg.Header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}

	deadline := time.Now().Add(d.cfg.HandshakeTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	conn.SetReadDeadline(deadline)

	hs, err := readHandshake(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}

	client := newClient(conn, hs, d.cfg, handlers, d.logger)
	client.logger.Debug("socket open", "endpoint", endpoint, "ping_interval", client.pingInterval)
	client.start()
	return client, nil
}

func readHandshake(conn *websocket.Conn) (protocol.Handshake, error) {
	_, data, err := conn.ReadMessage()
	if err != nil {
		return protocol.Handshake{}, fmt.Errorf("read open packet: %w", err)
	}
	packetType, payload, err := protocol.Decode(data)
	if err != nil {
		return protocol.Handshake{}, err
	}
	if packetType != protocol.PacketOpen {
		return protocol.Handshake{}, fmt.Errorf("expected open packet, got %s", packetType)
	}
	return protocol.ParseHandshake(payload)
}
