// Package chat is the entry point of the wikichat client.
//
// Example usage:
//
//	client, err := chat.New(chat.NewConfig("user", "pass"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	wikichat.On(client, func(e wikichat.ReadyEvent) {
//	    log.Println("connected")
//	})
//	if err := client.Connect(ctx, "onewiki"); err != nil {
//	    log.Fatal(err)
//	}
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/luciancaetano/wikichat"
	"github.com/luciancaetano/wikichat/internal/bus"
	"github.com/luciancaetano/wikichat/internal/rest"
	"github.com/luciancaetano/wikichat/internal/room"
	"github.com/luciancaetano/wikichat/internal/websocket"
)

// eventBufferSize is the capacity of the queue between room loops and user
// handlers.
const eventBufferSize = 1024

// maxDescriptorDepth bounds nested lists and producers in Connect.
const maxDescriptorDepth = 8

var _ wikichat.Client = (*Client)(nil)

// Client implements wikichat.Client.
//
// Room loops publish on an internal bus. A forwarder queues every event and
// a dispatcher goroutine delivers it to user handlers, so handlers may issue
// commands without blocking a room.
type Client struct {
	cfg      *Config
	logger   *slog.Logger
	rest     *rest.Client
	now      func() time.Time
	internal *bus.Bus
	user     *bus.Bus
	registry *room.Registry

	login    singleflight.Group
	loggedIn atomic.Bool

	events    chan wikichat.Event
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
	forward   func()
}

// New creates a client from cfg. Nothing is sent until Login or Connect.
func New(cfg *Config) (*Client, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: nil config", wikichat.ErrValidation)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := cfg.logger()
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	dialer := cfg.Dialer
	if dialer == nil {
		header := http.Header{}
		if cfg.UserAgent != "" {
			header.Set("User-Agent", cfg.UserAgent)
		}
		dialer = websocket.NewDialer(&websocket.DialerConfig{
			RateLimitConfig: cfg.rateLimit(),
			Header:          header,
			Logger:          logger,
		})
	}

	c := &Client{
		cfg:    cfg,
		logger: logger,
		rest: rest.NewClient(rest.ClientConfig{
			HTTPClient: cfg.HTTPClient,
			UserAgent:  cfg.UserAgent,
			Logger:     logger,
		}),
		now:      now,
		internal: bus.New(),
		user:     bus.New(),
		events:   make(chan wikichat.Event, eventBufferSize),
		done:     make(chan struct{}),
	}

	// Catch-alls run before the registry's topic handlers, so a room event
	// is queued ahead of the aggregate event it triggers.
	c.forward = c.internal.SubscribeAll(c.enqueue)

	c.registry = room.NewRegistry(room.Config{
		Username:       cfg.Username,
		ChatURL:        cfg.chatURL(),
		Dialer:         dialer,
		Requester:      c.rest,
		Bus:            c.internal,
		MessageLimit:   cfg.MessageLimit,
		ImageSize:      cfg.Options.DefaultImageSize,
		AutoReconnect:  cfg.Options.AutoReconnect,
		ReconnectDelay: cfg.Options.ReconnectDelay,
		Now:            now,
		Logger:         logger,
	})

	c.wg.Add(1)
	go c.dispatch()
	return c, nil
}

func (c *Client) enqueue(event wikichat.Event) {
	select {
	case c.events <- event:
	case <-c.done:
	}
}

func (c *Client) dispatch() {
	defer c.wg.Done()
	for {
		select {
		case event := <-c.events:
			c.user.Publish(event)
		case <-c.done:
			for {
				select {
				case event := <-c.events:
					c.user.Publish(event)
				default:
					return
				}
			}
		}
	}
}

// Subscribe registers handler for topic. Handlers run on the client's
// dispatcher goroutine, one event at a time.
func (c *Client) Subscribe(topic wikichat.Topic, handler func(wikichat.Event)) (unsubscribe func()) {
	return c.user.Subscribe(topic, handler)
}

// SubscribeAll registers handler for every topic.
func (c *Client) SubscribeAll(handler func(wikichat.Event)) (unsubscribe func()) {
	return c.user.SubscribeAll(handler)
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
}

// Login implements wikichat.Client.
func (c *Client) Login(ctx context.Context) error {
	if c.loggedIn.Load() {
		return nil
	}
	_, err, _ := c.login.Do("login", func() (any, error) {
		if c.loggedIn.Load() {
			return nil, nil
		}
		token, err := c.handshake(ctx)
		if err != nil {
			c.logger.Error("login failed", "username", c.cfg.Username, "error", err)
			return nil, err
		}
		c.rest.SetToken(token)
		c.loggedIn.Store(true)
		c.logger.Info("logged in", "username", c.cfg.Username)
		c.internal.Publish(wikichat.LoginEvent{Username: c.cfg.Username})
		return nil, nil
	})
	return err
}

func (c *Client) handshake(ctx context.Context) (string, error) {
	body, response, err := c.rest.DoResponse(ctx, wikichat.Request{
		Method: http.MethodPost,
		URL:    c.cfg.AuthURL,
		Form: url.Values{
			"username": {c.cfg.Username},
			"password": {c.cfg.Password},
		},
	})
	if rest.IsUnauthorized(err) {
		return "", wikichat.Fail(wikichat.ErrAuth, "login", "", fmt.Errorf("credentials rejected: %w", err))
	}
	if err != nil {
		return "", wikichat.Fail(wikichat.ErrAuth, "login", "", err)
	}

	var token tokenResponse
	if len(body) > 0 {
		if err := json.Unmarshal(body, &token); err != nil {
			c.logger.Debug("auth response is not JSON", "error", err)
		}
	}
	if token.AccessToken != "" {
		return token.AccessToken, nil
	}
	for _, cookie := range response.Cookies() {
		if cookie.Name == rest.TokenCookie && cookie.Value != "" {
			return cookie.Value, nil
		}
	}
	return "", wikichat.Fail(wikichat.ErrAuth, "login", "", errors.New("no access token in response"))
}

// Connect implements wikichat.Client. Without arguments it connects the
// rooms of Config.Rooms.
func (c *Client) Connect(ctx context.Context, descriptors ...any) error {
	if len(descriptors) == 0 {
		for _, d := range c.cfg.Rooms {
			descriptors = append(descriptors, d)
		}
	}
	if len(descriptors) == 0 {
		return wikichat.Fail(wikichat.ErrValidation, "connect", "", wikichat.ErrNoSite)
	}

	var rooms []wikichat.Descriptor
	for _, v := range descriptors {
		if err := flatten(v, 0, &rooms); err != nil {
			return wikichat.Fail(wikichat.ErrValidation, "connect", "", err)
		}
	}
	if len(rooms) == 0 {
		return wikichat.Fail(wikichat.ErrValidation, "connect", "", wikichat.ErrNoSite)
	}

	if err := c.Login(ctx); err != nil {
		return err
	}

	for _, d := range rooms {
		if c.registry.Enqueue(d) {
			c.logger.Debug("room queued", "room", d.Key())
		}
	}
	return c.registry.Drain(ctx)
}

// flatten appends the descriptors v stands for to out.
func flatten(v any, depth int, out *[]wikichat.Descriptor) error {
	if depth > maxDescriptorDepth {
		return fmt.Errorf("%w: nested too deeply", wikichat.ErrInvalidDescriptor)
	}

	add := func(d wikichat.Descriptor) error {
		d = normalize(d)
		if err := d.Validate(); err != nil {
			return err
		}
		*out = append(*out, d)
		return nil
	}
	addID := func(id int64) error {
		if id <= 0 {
			return fmt.Errorf("%w: room id %d", wikichat.ErrInvalidDescriptor, id)
		}
		return add(wikichat.Descriptor{ID: wikichat.RoomID(id)})
	}

	switch x := v.(type) {
	case wikichat.Descriptor:
		return add(x)
	case *wikichat.Descriptor:
		if x == nil {
			return fmt.Errorf("%w: nil descriptor", wikichat.ErrInvalidDescriptor)
		}
		return add(*x)
	case wikichat.RoomID:
		return addID(int64(x))
	case int:
		return addID(int64(x))
	case int64:
		return addID(x)
	case string:
		d, err := wikichat.ParseDescriptor(x)
		if err != nil {
			return err
		}
		return add(d)
	case []wikichat.Descriptor:
		for _, d := range x {
			if err := add(d); err != nil {
				return err
			}
		}
		return nil
	case []string:
		for _, s := range x {
			if err := flatten(s, depth+1, out); err != nil {
				return err
			}
		}
		return nil
	case []any:
		for _, item := range x {
			if err := flatten(item, depth+1, out); err != nil {
				return err
			}
		}
		return nil
	case func() wikichat.Descriptor:
		if x == nil {
			return fmt.Errorf("%w: nil producer", wikichat.ErrInvalidDescriptor)
		}
		return add(x())
	case func() any:
		if x == nil {
			return fmt.Errorf("%w: nil producer", wikichat.ErrInvalidDescriptor)
		}
		return flatten(x(), depth+1, out)
	default:
		return fmt.Errorf("%w: unsupported %T", wikichat.ErrInvalidDescriptor, v)
	}
}

// normalize defaults the domain of unresolved descriptors to fandom.
func normalize(d wikichat.Descriptor) wikichat.Descriptor {
	if !d.Resolved() && d.Domain == "" {
		d.Domain = wikichat.DomainFandom
	}
	return d
}

// Disconnect implements wikichat.Client.
func (c *Client) Disconnect(ctx context.Context) error {
	return c.registry.DisconnectAll(ctx)
}

// Close implements wikichat.Client. Events already queued are still
// delivered.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.registry.Close()
		c.forward()
		close(c.done)
		c.wg.Wait()
	})
	return nil
}

// CreateMessage implements wikichat.Client.
func (c *Client) CreateMessage(ctx context.Context, room, text string) error {
	return c.registry.Send(ctx, room, text)
}

// Reply implements wikichat.Client.
func (c *Client) Reply(ctx context.Context, msg *wikichat.Message, text string) error {
	if msg == nil {
		return wikichat.Fail(wikichat.ErrValidation, "reply", "", errors.New("no message to reply to"))
	}
	return c.registry.Send(ctx, msg.RoomID.String(), msg.AuthorName+", "+text)
}

// EditStatus implements wikichat.Client.
func (c *Client) EditStatus(ctx context.Context, room, state string) error {
	return c.registry.EditStatus(ctx, room, state)
}

// Kick implements wikichat.Client.
func (c *Client) Kick(ctx context.Context, room, user string) error {
	return c.registry.Kick(ctx, room, user)
}

// Ban implements wikichat.Client.
func (c *Client) Ban(ctx context.Context, room, user, reason string, duration time.Duration) error {
	return c.registry.Ban(ctx, room, user, reason, duration)
}

// Messages implements wikichat.Client.
func (c *Client) Messages(ctx context.Context, room string, limit int) ([]*wikichat.Message, error) {
	return c.registry.History(ctx, room, limit)
}

// Users implements wikichat.Client.
func (c *Client) Users(ctx context.Context, room string) ([]*wikichat.User, error) {
	return c.registry.Users(ctx, room)
}

// Room implements wikichat.Client.
func (c *Client) Room(key string) (wikichat.Room, bool) {
	s, err := c.registry.Route("room", key)
	if err != nil {
		return nil, false
	}
	return s, true
}

// Rooms implements wikichat.Client.
func (c *Client) Rooms() []wikichat.Room {
	sessions := c.registry.Rooms()
	out := make([]wikichat.Room, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s)
	}
	return out
}

// Latency returns the last probe round trip of a room.
func (c *Client) Latency(room string) (time.Duration, bool) {
	s, err := c.registry.Route("latency", room)
	if err != nil {
		return 0, false
	}
	return s.Latency()
}

// Ready implements wikichat.Client.
func (c *Client) Ready() bool {
	return c.registry.Ready()
}

// Uptime implements wikichat.Client.
func (c *Client) Uptime() time.Duration {
	start := c.registry.Start()
	if start.IsZero() {
		return 0
	}
	return c.now().Sub(start)
}

// UserCount implements wikichat.Client.
func (c *Client) UserCount() int {
	return c.registry.UserCount()
}
