// Package room manages the connection of every chat room a client joins.
//
// A Session owns one room. All of its state is confined to a single
// goroutine; socket callbacks, resolution results, commands and queries are
// posted to the session's inbox and run in arrival order. Status, room id,
// user count and latency are mirrored in atomics so the Registry can
// aggregate them without entering a session's loop.
//
// Every connection attempt starts a new epoch. Resolution results and socket
// callbacks carry the epoch they were started in and are discarded once it
// is stale, so a late completion can never revive a disconnected room.
package room

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/luciancaetano/wikichat"
	"github.com/luciancaetano/wikichat/internal/bus"
	"github.com/luciancaetano/wikichat/internal/cache"
)

const inboxSize = 256

// ErrClosed is returned by operations on a closed session.
var ErrClosed = errors.New("room session closed")

// Config holds what a Session needs from its client.
type Config struct {
	Username  string
	ChatURL   string
	Dialer    wikichat.Dialer
	Requester wikichat.Requester
	Bus       *bus.Bus

	// MessageLimit caps the message history. Zero means
	// wikichat.DefaultMessageCacheSize.
	MessageLimit int
	ImageSize    int

	// AutoReconnect reconnects after the transport drops, waiting
	// ReconnectDelay first.
	AutoReconnect  bool
	ReconnectDelay time.Duration

	// Now defaults to time.Now.
	Now    func() time.Time
	Logger *slog.Logger
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.MessageLimit == 0 {
		out.MessageLimit = wikichat.DefaultMessageCacheSize
	}
	if out.ImageSize <= 0 {
		out.ImageSize = wikichat.DefaultImageSize
	}
	if out.ReconnectDelay <= 0 {
		out.ReconnectDelay = 5 * time.Second
	}
	if out.Now == nil {
		out.Now = time.Now
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	if out.Bus == nil {
		out.Bus = bus.New()
	}
	return out
}

// Session is the connection to one room. It implements wikichat.Room.
type Session struct {
	cfg        Config
	descriptor wikichat.Descriptor
	key        string
	logger     *slog.Logger

	// onResolutionFailure is called on the loop when resolution fails.
	onResolutionFailure func(s *Session, err error)
	// counter is the client-wide user count.
	counter *atomic.Int64

	ctx       context.Context
	cancel    context.CancelFunc
	inbox     chan func()
	closeOnce sync.Once

	// Mirrors readable from any goroutine
	status    atomic.Int32
	id        atomic.Int64
	userCount atomic.Int64
	latency   atomic.Int64 // nanoseconds, -1 when unknown

	// Owned by the loop
	epoch          uint64
	server         string
	chatKey        string
	socket         wikichat.Socket
	connectPending bool
	ack            bool
	lastSent       time.Time
	lastReceived   time.Time
	users          *cache.Cache[string, *wikichat.User]
	messages       *cache.Cache[string, *wikichat.Message]
	localIDs       int
}

// NewSession creates an unconnected session and starts its loop.
func NewSession(d wikichat.Descriptor, cfg Config, counter *atomic.Int64) *Session {
	cfg = cfg.withDefaults()
	if counter == nil {
		counter = new(atomic.Int64)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:        cfg,
		descriptor: d,
		key:        d.Key(),
		counter:    counter,
		ctx:        ctx,
		cancel:     cancel,
		inbox:      make(chan func(), inboxSize),
		users:      cache.New[string, *wikichat.User](-1),
		messages:   cache.New[string, *wikichat.Message](cfg.MessageLimit),
	}
	s.logger = cfg.Logger.With("room", s.key)
	s.id.Store(int64(d.ID))
	s.latency.Store(-1)

	go s.run()
	return s
}

func (s *Session) run() {
	for {
		select {
		case fn := <-s.inbox:
			fn()
		case <-s.ctx.Done():
			return
		}
	}
}

// post queues fn on the loop. It reports false once the session is closed.
func (s *Session) post(fn func()) bool {
	select {
	case s.inbox <- fn:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// do runs fn on the loop and waits for it. Must not be called from the loop.
func (s *Session) do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !s.post(func() {
		fn()
		close(finished)
	}) {
		return ErrClosed
	}

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return ErrClosed
	}
}

// ID returns the resolved room id, or zero before resolution.
func (s *Session) ID() wikichat.RoomID {
	return wikichat.RoomID(s.id.Load())
}

// Key returns the registry key.
func (s *Session) Key() string {
	return s.key
}

// Descriptor returns the descriptor the room was created with.
func (s *Session) Descriptor() wikichat.Descriptor {
	return s.descriptor
}

// Status returns the connection state.
func (s *Session) Status() wikichat.Status {
	return wikichat.Status(s.status.Load())
}

// Latency returns the round trip of the last acknowledged probe.
func (s *Session) Latency() (time.Duration, bool) {
	ns := s.latency.Load()
	if ns < 0 {
		return 0, false
	}
	return time.Duration(ns), true
}

// UserCount returns the number of cached users.
func (s *Session) UserCount() int {
	return int(s.userCount.Load())
}

func (s *Session) setStatus(status wikichat.Status) {
	prev := wikichat.Status(s.status.Swap(int32(status)))
	if prev != status {
		s.logger.Debug("room status", "from", prev, "to", status)
	}
}

// Connect starts connecting the room. It returns once the attempt has
// started; readiness is published as a RoomReadyEvent.
//
// Returns wikichat.ErrAlreadyConnected when the room is ready. A call while
// an attempt is in flight is a no-op.
func (s *Session) Connect(ctx context.Context) error {
	var err error
	if doErr := s.do(ctx, func() { err = s.connect() }); doErr != nil {
		return doErr
	}
	return err
}

func (s *Session) connect() error {
	switch s.Status() {
	case wikichat.StatusReady:
		return wikichat.ErrAlreadyConnected
	case wikichat.StatusResolving, wikichat.StatusConnecting:
		return nil
	}

	s.epoch++
	s.resetHeartbeat()
	s.socket = nil
	s.connectPending = false

	if s.descriptor.Resolved() {
		s.setStatus(wikichat.StatusConnecting)
		s.logger.Info("connecting to room", "room_id", s.descriptor.ID)
		go s.dial(s.epoch, s.params())
		return nil
	}

	s.setStatus(wikichat.StatusResolving)
	s.logger.Info("resolving room", "wiki", s.descriptor.Wiki, "lang", s.descriptor.Lang, "domain", s.descriptor.Domain)
	go s.resolve(s.epoch)
	return nil
}

func (s *Session) params() url.Values {
	params := url.Values{}
	params.Set("name", s.cfg.Username)
	if s.server != "" {
		params.Set("serverId", s.server)
	}
	params.Set("roomId", s.ID().String())
	if s.chatKey != "" {
		params.Set("key", s.chatKey)
	}
	return params
}

func (s *Session) dial(epoch uint64, params url.Values) {
	post := func(fn func()) func() {
		return func() {
			s.post(func() {
				if epoch == s.epoch {
					fn()
				}
			})
		}
	}

	handlers := wikichat.SocketHandlers{
		OnConnect: post(s.onConnect),
		OnMessage: func(data json.RawMessage) {
			post(func() { s.onMessage(data) })()
		},
		OnPing: post(s.onPing),
		OnPong: post(s.onPong),
		OnDisconnect: func(err error) {
			post(func() { s.onDisconnect(err) })()
		},
	}

	socket, err := s.cfg.Dialer.Dial(s.ctx, s.cfg.ChatURL, params, handlers)
	delivered := s.post(func() { s.onDialed(epoch, socket, err) })
	if !delivered && socket != nil {
		socket.Close(context.Background())
	}
}

func (s *Session) onDialed(epoch uint64, socket wikichat.Socket, err error) {
	if epoch != s.epoch {
		if socket != nil {
			go socket.Close(context.Background())
		}
		return
	}

	if err != nil {
		s.logger.Error("could not open chat socket", "error", err)
		s.setStatus(wikichat.StatusDisconnected)
		s.cfg.Bus.Publish(wikichat.RoomErrorEvent{Key: s.key, Room: s.ID(), Err: err})
		return
	}

	s.socket = socket
	if s.connectPending {
		s.connectPending = false
		s.becomeReady()
	}
}

func (s *Session) onConnect() {
	if s.socket == nil {
		// The acknowledgement raced the dial result.
		s.connectPending = true
		return
	}
	s.becomeReady()
}

// becomeReady runs at most once per epoch.
func (s *Session) becomeReady() {
	if s.Status() == wikichat.StatusReady {
		return
	}

	s.setStatus(wikichat.StatusReady)
	s.ack = true
	s.logger.Info("room ready", "room_id", s.ID())
	s.cfg.Bus.Publish(wikichat.RoomReadyEvent{Key: s.key, Room: s.ID()})

	payload := encode(command(wikichat.CommandInitQuery))
	socket := s.socket
	go func() {
		if err := socket.Send(s.ctx, payload); err != nil {
			s.logger.Warn("initquery failed", "error", err)
		}
	}()
}

func (s *Session) resetHeartbeat() {
	s.ack = false
	s.lastSent = time.Time{}
	s.lastReceived = time.Time{}
	s.latency.Store(-1)
}

func (s *Session) onPing() {
	if s.Status() != wikichat.StatusReady {
		return
	}
	if !s.ack {
		err := wikichat.Fail(wikichat.ErrLiveness, "ping", s.key, nil)
		s.logger.Warn("missed probe acknowledgement", "last_sent", s.lastSent)
		s.cfg.Bus.Publish(wikichat.RoomErrorEvent{Key: s.key, Room: s.ID(), Err: err})
		if socket := s.drop(err); socket != nil {
			go socket.Close(context.Background())
		}
		return
	}
	s.ack = false
	s.lastSent = s.cfg.Now()
}

func (s *Session) onPong() {
	s.ack = true
	s.lastReceived = s.cfg.Now()
	if !s.lastSent.IsZero() && !s.lastReceived.Before(s.lastSent) {
		s.latency.Store(int64(s.lastReceived.Sub(s.lastSent)))
	}
}

func (s *Session) onDisconnect(err error) {
	s.drop(err)

	if err != nil && s.cfg.AutoReconnect {
		epoch := s.epoch
		s.logger.Info("scheduling reconnect", "delay", s.cfg.ReconnectDelay)
		time.AfterFunc(s.cfg.ReconnectDelay, func() {
			s.post(func() {
				if epoch == s.epoch && s.Status() == wikichat.StatusDisconnected {
					s.connect()
				}
			})
		})
	}
}

// drop ends the current epoch, marks the room disconnected and publishes a
// RoomDisconnectEvent if the room was connected or connecting. It returns
// the socket the caller must close, if any.
func (s *Session) drop(cause error) wikichat.Socket {
	status := s.Status()
	socket := s.socket

	s.epoch++
	s.socket = nil
	s.connectPending = false

	if status == wikichat.StatusUnconnected || status == wikichat.StatusDisconnected {
		return socket
	}

	s.setStatus(wikichat.StatusDisconnected)
	if cause != nil {
		s.logger.Warn("room disconnected", "error", cause)
	} else {
		s.logger.Info("room disconnected")
	}
	s.cfg.Bus.Publish(wikichat.RoomDisconnectEvent{Key: s.key, Room: s.ID(), Err: cause})
	return socket
}

// Disconnect sends logout when ready, closes the socket and marks the room
// disconnected. Caches are kept. Disconnecting a room that is down is a
// no-op.
func (s *Session) Disconnect(ctx context.Context) error {
	var (
		socket   wikichat.Socket
		wasReady bool
	)
	err := s.do(ctx, func() {
		wasReady = s.Status() == wikichat.StatusReady
		socket = s.drop(nil)
	})
	if err != nil {
		return err
	}
	if socket == nil {
		return nil
	}

	if wasReady {
		if err := socket.Send(ctx, encode(command(wikichat.CommandLogout))); err != nil {
			s.logger.Debug("logout not sent", "error", err)
		}
	}
	return socket.Close(ctx)
}

// Close disconnects the room and stops its loop.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Disconnect(ctx)

		s.cancel()
		s.counter.Add(-s.userCount.Swap(0))
	})
}

// syncCount mirrors the user cache size into the room and client counts.
func (s *Session) syncCount() {
	n := int64(s.users.Len())
	prev := s.userCount.Swap(n)
	s.counter.Add(n - prev)
}

func (s *Session) nextLocalID() string {
	s.localIDs++
	return "local-" + strconv.Itoa(s.localIDs)
}
