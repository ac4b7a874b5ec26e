package websocket

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	// sendBufferSize is the capacity of the outbound frame queue.
	sendBufferSize = 256

	writeWait = 10 * time.Second

	defaultHandshakeTimeout = 15 * time.Second
	defaultPingInterval     = 25 * time.Second
	defaultPingTimeout      = 60 * time.Second
)

// RateLimitConfig defines the outbound flood limit of a socket
type RateLimitConfig struct {
	// MessagesPerSecond defines how many frames a socket can send per second
	MessagesPerSecond rate.Limit
	// Burst defines the maximum burst size (token bucket capacity)
	Burst int
	// Enabled determines if rate limiting is active
	Enabled bool
}

// DefaultRateLimitConfig returns the default rate limit configuration.
// Allows 2 messages per second with a burst of 5, which stays below the
// chat server's flood protection.
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		MessagesPerSecond: 2,
		Burst:             5,
		Enabled:           true,
	}
}

// NoRateLimit returns a configuration with rate limiting disabled
func NoRateLimit() *RateLimitConfig {
	return &RateLimitConfig{
		Enabled: false,
	}
}

func (c *RateLimitConfig) limiter() *rate.Limiter {
	if c == nil || !c.Enabled {
		return nil
	}
	return rate.NewLimiter(c.MessagesPerSecond, c.Burst)
}

// DialerConfig configures a Dialer.
type DialerConfig struct {
	RateLimitConfig *RateLimitConfig

	// Header is sent with every websocket handshake.
	Header http.Header

	// HandshakeTimeout bounds the websocket upgrade and the open packet.
	HandshakeTimeout time.Duration

	// PingInterval overrides the probe period announced by the server.
	PingInterval time.Duration

	// WebsocketDialer is the underlying dialer. Nil uses a copy of
	// websocket.DefaultDialer.
	WebsocketDialer *websocket.Dialer

	Logger *slog.Logger
}
