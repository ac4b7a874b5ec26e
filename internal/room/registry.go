package room

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/luciancaetano/wikichat"
	"github.com/luciancaetano/wikichat/internal/bus"
)

// Registry owns the sessions of one client, drains the connect queue and
// aggregates per-room readiness into client readiness.
//
// Aggregate policy: the client becomes ready when every tracked room has
// reported ready, and stays ready while at least one room is up. ready fires
// on every transition to ready. disconnect fires once each time the last
// ready room goes down. Both are decided from the room events themselves, so
// they are always published after the room event that triggers them.
type Registry struct {
	cfg     Config
	bus     *bus.Bus
	counter atomic.Int64

	mu       sync.Mutex
	sessions map[string]*Session
	order    []string
	queue    []wikichat.Descriptor
	up       map[string]bool
	ready    bool
	// down is set once no room is ready and cleared by the next room ready.
	down  bool
	start time.Time

	unsubscribe []func()
}

// NewRegistry creates a registry whose sessions share cfg. It subscribes to
// room events on cfg.Bus.
func NewRegistry(cfg Config) *Registry {
	cfg = cfg.withDefaults()
	r := &Registry{
		cfg:      cfg,
		bus:      cfg.Bus,
		sessions: make(map[string]*Session),
		up:       make(map[string]bool),
		down:     true,
	}
	r.unsubscribe = []func(){
		cfg.Bus.Subscribe(wikichat.TopicRoomReady, func(e wikichat.Event) {
			if ready, ok := e.(wikichat.RoomReadyEvent); ok {
				r.onRoomReady(ready.Key)
			}
		}),
		cfg.Bus.Subscribe(wikichat.TopicRoomDisconnect, func(e wikichat.Event) {
			if down, ok := e.(wikichat.RoomDisconnectEvent); ok {
				r.onRoomDisconnect(down.Key)
			}
		}),
	}
	return r
}

// Enqueue queues d, tracking a new unconnected room for it when needed. It
// reports whether a room was created.
func (r *Registry) Enqueue(d wikichat.Descriptor) bool {
	key := d.Key()

	r.mu.Lock()
	defer r.mu.Unlock()

	_, tracked := r.sessions[key]
	if !tracked {
		r.track(d)
	}
	if !slices.ContainsFunc(r.queue, func(q wikichat.Descriptor) bool { return q.Key() == key }) {
		r.queue = append(r.queue, d)
	}
	return !tracked
}

// track must be called with mu held.
func (r *Registry) track(d wikichat.Descriptor) *Session {
	s := NewSession(d, r.cfg, &r.counter)
	s.onResolutionFailure = r.onResolutionFailure
	r.sessions[s.key] = s
	r.order = append(r.order, s.key)
	return s
}

// Drain connects every queued room that is not ready, recreating rooms that
// were removed since they were queued.
func (r *Registry) Drain(ctx context.Context) error {
	r.mu.Lock()
	pending := make([]*Session, 0, len(r.queue))
	for _, d := range r.queue {
		s, ok := r.sessions[d.Key()]
		if !ok {
			s = r.track(d)
		}
		pending = append(pending, s)
	}
	r.mu.Unlock()

	var errs []error
	for _, s := range pending {
		if s.Status() == wikichat.StatusReady {
			continue
		}
		if err := s.Connect(ctx); err != nil && !errors.Is(err, wikichat.ErrAlreadyConnected) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Queue returns the queued descriptors.
func (r *Registry) Queue() []wikichat.Descriptor {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.queue)
}

func (r *Registry) onRoomReady(key string) {
	r.mu.Lock()
	if _, tracked := r.sessions[key]; !tracked {
		r.mu.Unlock()
		return
	}
	r.up[key] = true
	r.down = false
	r.mu.Unlock()
	r.recompute()
}

// recompute publishes ReadyEvent when every tracked room has become ready.
func (r *Registry) recompute() {
	r.mu.Lock()
	fire := !r.ready && r.allReadyLocked()
	if fire {
		r.ready = true
		r.start = r.cfg.Now()
	}
	start := r.start
	r.mu.Unlock()

	if fire {
		r.cfg.Logger.Info("all rooms ready")
		r.bus.Publish(wikichat.ReadyEvent{Start: start})
	}
}

func (r *Registry) onRoomDisconnect(key string) {
	r.mu.Lock()
	delete(r.up, key)
	fire := !r.down && r.noneReadyLocked()
	if fire {
		r.down = true
		r.ready = false
		r.start = time.Time{}
	}
	r.mu.Unlock()

	if fire {
		r.cfg.Logger.Info("all rooms disconnected")
		r.bus.Publish(wikichat.DisconnectEvent{})
	}
}

func (r *Registry) allReadyLocked() bool {
	if len(r.sessions) == 0 {
		return false
	}
	for key := range r.sessions {
		if !r.up[key] {
			return false
		}
	}
	return true
}

func (r *Registry) noneReadyLocked() bool {
	return len(r.up) == 0
}

func (r *Registry) onResolutionFailure(s *Session, err error) {
	r.cfg.Logger.Error("dropping room", "room", s.key, "error", err)
	r.Remove(s.key)
}

// Remove stops tracking a room and closes it. The remaining rooms are then
// checked for aggregate readiness.
func (r *Registry) Remove(key string) bool {
	r.mu.Lock()
	s, ok := r.sessions[key]
	if ok {
		delete(r.sessions, key)
		delete(r.up, key)
		r.order = slices.DeleteFunc(r.order, func(k string) bool { return k == key })
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	s.Close()
	r.recompute()
	return true
}

// Get returns the room tracked under key.
func (r *Registry) Get(key string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[key]
	return s, ok
}

// Route finds a room by registry key, resolved room id or wiki name.
func (r *Registry) Route(op, key string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[key]; ok {
		return s, nil
	}
	for _, k := range r.order {
		s := r.sessions[k]
		if s.ID() != 0 && s.ID().String() == key {
			return s, nil
		}
		if !s.descriptor.Resolved() && s.descriptor.Wiki == key {
			return s, nil
		}
	}
	return nil, wikichat.Fail(wikichat.ErrUnknownRoom, op, key, nil)
}

// Rooms returns every tracked room in the order it was first tracked.
func (r *Registry) Rooms() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.order))
	for _, k := range r.order {
		out = append(out, r.sessions[k])
	}
	return out
}

// Send routes a chat message.
func (r *Registry) Send(ctx context.Context, key, text string) error {
	s, err := r.Route("createMessage", key)
	if err != nil {
		return err
	}
	return s.CreateMessage(ctx, text)
}

// History returns up to limit of the most recent messages of a room. Fewer
// cached messages than limit is not an error.
func (r *Registry) History(ctx context.Context, key string, limit int) ([]*wikichat.Message, error) {
	s, err := r.Route("messages", key)
	if err != nil {
		return nil, err
	}
	return s.Messages(ctx, limit)
}

// Users returns the cached users of a room.
func (r *Registry) Users(ctx context.Context, key string) ([]*wikichat.User, error) {
	s, err := r.Route("users", key)
	if err != nil {
		return nil, err
	}
	return s.Users(ctx)
}

// EditStatus sets the presence in one room, or in every room when key is
// empty. Failures in individual rooms are joined.
func (r *Registry) EditStatus(ctx context.Context, key, state string) error {
	if key != "" {
		s, err := r.Route("editStatus", key)
		if err != nil {
			return err
		}
		return s.EditStatus(ctx, state)
	}

	var errs []error
	for _, s := range r.Rooms() {
		if err := s.EditStatus(ctx, state); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Kick routes a kick.
func (r *Registry) Kick(ctx context.Context, key, user string) error {
	s, err := r.Route("kick", key)
	if err != nil {
		return err
	}
	return s.Kick(ctx, user)
}

// Ban routes a ban.
func (r *Registry) Ban(ctx context.Context, key, user, reason string, duration time.Duration) error {
	s, err := r.Route("ban", key)
	if err != nil {
		return err
	}
	return s.Ban(ctx, user, reason, duration)
}

// DisconnectAll clears readiness and the connect queue, then disconnects
// every room concurrently. Rooms stay tracked.
func (r *Registry) DisconnectAll(ctx context.Context) error {
	r.mu.Lock()
	r.ready = false
	r.start = time.Time{}
	r.queue = nil
	r.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)
	for _, s := range r.Rooms() {
		g.Go(func() error {
			return s.Disconnect(ctx)
		})
	}
	return g.Wait()
}

// Close closes every room and stops listening to room events.
func (r *Registry) Close() {
	for _, unsubscribe := range r.unsubscribe {
		unsubscribe()
	}

	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.order))
	for _, k := range r.order {
		sessions = append(sessions, r.sessions[k])
	}
	r.sessions = make(map[string]*Session)
	r.up = make(map[string]bool)
	r.order = nil
	r.queue = nil
	r.ready = false
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Close()
		}()
	}
	wg.Wait()
}

// Ready reports aggregate readiness.
func (r *Registry) Ready() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ready
}

// Start returns when the client last became ready, or the zero time.
func (r *Registry) Start() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.start
}

// UserCount is the number of users across all rooms.
func (r *Registry) UserCount() int {
	return int(r.counter.Load())
}
