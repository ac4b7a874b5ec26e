package wikichat

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"time"
)

// Client is an authenticated chat session spanning any number of rooms.
//
// Example usage:
//
//	import "github.com/luciancaetano/wikichat/chat"
//
//	client, _ := chat.New(chat.NewConfig("user", "pass"))
//	wikichat.On(client, func(e wikichat.ReadyEvent) {
//	    log.Println("all rooms ready")
//	})
//	client.Connect(ctx, "onewiki", "es.anotherwiki")
type Client interface {
	Subscriber

	// Login performs the credential handshake. It is idempotent: once the
	// client holds a session token, further calls return immediately.
	//
	// Returns a failure of kind ErrAuth when the credentials are rejected.
	Login(ctx context.Context) error

	// Connect logs in if needed, queues every given room and starts
	// connecting every queued room that is not ready yet.
	//
	// Each argument may be a Descriptor, a RoomID, an integer room id, a
	// shorthand string ("wiki" or "lang.wiki"), a slice of any of those, or
	// a function returning one. Connect returns once the rooms are queued;
	// readiness is reported through the roomReady and ready events.
	//
	// Returns ErrNoSite when called without arguments and
	// ErrInvalidDescriptor when any argument cannot be interpreted; in both
	// cases nothing is queued.
	Connect(ctx context.Context, descriptors ...any) error

	// Disconnect closes every room and clears the connect queue. Rooms stay
	// tracked, with their user lists and history, until the client is closed.
	Disconnect(ctx context.Context) error

	// Close disconnects every room and stops event delivery.
	Close() error

	// CreateMessage sends text to the room addressed by room (an id, a
	// descriptor key or a wiki name).
	//
	// Text longer than MaxMessageLength fails locally with ErrValidation and
	// is never sent.
	CreateMessage(ctx context.Context, room string, text string) error

	// Reply answers msg in its room, prefixed with the author's name.
	Reply(ctx context.Context, msg *Message, text string) error

	// EditStatus sets the client's presence (StatusHere or StatusAway) in a
	// room, or in every room when room is empty.
	EditStatus(ctx context.Context, room string, state string) error

	// Kick removes a user from a room. Requires a moderation group; the
	// target must not hold one.
	Kick(ctx context.Context, room string, user string) error

	// Ban bans a user from a room for the given duration.
	Ban(ctx context.Context, room string, user string, reason string, duration time.Duration) error

	// Messages returns up to limit of the most recent cached messages of a
	// room, oldest first. A limit <= 0 means DefaultHistoryLimit.
	Messages(ctx context.Context, room string, limit int) ([]*Message, error)

	// Users returns the cached members of a room.
	Users(ctx context.Context, room string) ([]*User, error)

	// Room looks a tracked room up by id, descriptor key or wiki name.
	Room(key string) (Room, bool)

	// Rooms returns every tracked room in connect order.
	Rooms() []Room

	// Ready reports whether every tracked room has become ready.
	Ready() bool

	// Uptime is the time elapsed since the last ready event, or zero.
	Uptime() time.Duration

	// UserCount is the number of users across all rooms.
	UserCount() int
}

// Room is a read-only view of one tracked room.
type Room interface {
	// ID returns the resolved room id, or zero before resolution.
	ID() RoomID

	// Key returns the registry key of the room.
	Key() string

	// Descriptor returns the descriptor the room was queued with.
	Descriptor() Descriptor

	// Status returns the connection state.
	Status() Status

	// Latency is the last probe round trip. ok is false until a probe has
	// been acknowledged in the current connection.
	Latency() (latency time.Duration, ok bool)

	// UserCount is the number of users in the room.
	UserCount() int
}

// Socket is an open push-socket connection to one room.
type Socket interface {
	// ID returns a unique identifier for the connection.
	ID() string

	// Send queues a frame payload for delivery. Payloads are sent as the
	// argument of a "message" event.
	//
	// Returns an error if the connection is closed or ctx is cancelled.
	Send(ctx context.Context, payload []byte) error

	// Close closes the connection. The OnDisconnect handler is called once.
	Close(ctx context.Context) error

	// IsAlive returns true while the connection is open.
	IsAlive() bool
}

// SocketHandlers receives the events of a Socket. Handlers are called from
// the socket's own goroutines, in the order the transport observed them.
// Nil handlers are skipped.
type SocketHandlers struct {
	// OnConnect is called once the server acknowledges the connection.
	OnConnect func()

	// OnMessage is called with the argument of every inbound "message"
	// event: a JSON object, or a JSON string holding one.
	OnMessage func(data json.RawMessage)

	// OnPing is called right before a liveness probe is written.
	OnPing func()

	// OnPong is called when the server acknowledges a probe.
	OnPong func()

	// OnDisconnect is called once when the connection ends. err is nil for
	// a local Close.
	OnDisconnect func(err error)
}

// Dialer opens push sockets.
type Dialer interface {
	// Dial connects to the chat transport at endpoint, presenting params
	// as connection parameters.
	Dial(ctx context.Context, endpoint string, params url.Values, handlers SocketHandlers) (Socket, error)
}

// Request describes a REST call made through a Requester.
type Request struct {
	Method string
	URL    string
	Query  url.Values
	// Form is sent url-encoded when set.
	Form url.Values
	// JSON is sent as a JSON body when set and Form is nil.
	JSON    any
	Headers http.Header
	// Auth attaches the session token cookie.
	Auth bool
}

// Requester is the credential/HTTP transport used for the handshake and for
// room resolution.
type Requester interface {
	// Do performs req and returns the response body of a 2xx response.
	Do(ctx context.Context, req Request) ([]byte, error)

	// SetToken sets the session token attached to Auth requests.
	SetToken(token string)
}
