package room

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/luciancaetano/wikichat"
	"github.com/luciancaetano/wikichat/internal/bus"
)

const testUser = "Tester"

var errSocketClosed = errors.New("socket closed")

type fakeSocket struct {
	id       string
	params   url.Values
	handlers wikichat.SocketHandlers

	mu     sync.Mutex
	sent   []map[string]any
	closed bool
}

func (f *fakeSocket) ID() string { return f.id }

func (f *fakeSocket) Send(_ context.Context, payload []byte) error {
	var env struct {
		Attrs map[string]any `json:"attrs"`
	}
	if err := json.Unmarshal(payload, &env); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errSocketClosed
	}
	f.sent = append(f.sent, env.Attrs)
	return nil
}

func (f *fakeSocket) Close(context.Context) error {
	f.mu.Lock()
	wasClosed := f.closed
	f.closed = true
	f.mu.Unlock()

	if !wasClosed && f.handlers.OnDisconnect != nil {
		f.handlers.OnDisconnect(nil)
	}
	return nil
}

func (f *fakeSocket) IsAlive() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.closed
}

func (f *fakeSocket) isClosed() bool {
	return !f.IsAlive()
}

// sentOf returns the sent envelopes whose command, or msgType for chat
// messages, equals kind.
func (f *fakeSocket) sentOf(kind string) []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []map[string]any
	for _, attrs := range f.sent {
		if attrs["command"] == kind || (kind == wikichat.MsgTypeChat && attrs["msgType"] == kind) {
			out = append(out, attrs)
		}
	}
	return out
}

// push delivers a server frame with its data encoded as a JSON string, the
// way the server sends it.
func (f *fakeSocket) push(t *testing.T, event string, data any) {
	t.Helper()
	inner, err := json.Marshal(data)
	require.NoError(t, err)
	f.pushRaw(t, map[string]any{"event": event, "data": string(inner)})
}

func (f *fakeSocket) pushRaw(t *testing.T, frame any) {
	t.Helper()
	raw, err := json.Marshal(frame)
	require.NoError(t, err)
	f.handlers.OnMessage(raw)
}

// disconnect simulates the server dropping the connection.
func (f *fakeSocket) disconnect(err error) {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	f.handlers.OnDisconnect(err)
}

type fakeDialer struct {
	err    atomic.Pointer[error]
	dialed chan *fakeSocket
	// early acknowledges the connection before Dial returns.
	early atomic.Bool
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{dialed: make(chan *fakeSocket, 16)}
}

func (d *fakeDialer) Dial(_ context.Context, _ string, params url.Values, handlers wikichat.SocketHandlers) (wikichat.Socket, error) {
	if err := d.err.Load(); err != nil {
		return nil, *err
	}
	socket := &fakeSocket{id: uuid.NewString(), params: params, handlers: handlers}
	if d.early.Load() {
		handlers.OnConnect()
	}
	d.dialed <- socket
	return socket, nil
}

func (d *fakeDialer) fail(err error) {
	d.err.Store(&err)
}

func (d *fakeDialer) next(t *testing.T) *fakeSocket {
	t.Helper()
	select {
	case socket := <-d.dialed:
		return socket
	case <-time.After(2 * time.Second):
		t.Fatal("no socket dialed")
		return nil
	}
}

// fakeRequester answers by URL path suffix.
type fakeRequester struct {
	mu        sync.Mutex
	responses map[string]string
	errs      map[string]error
	requests  []wikichat.Request
}

func newFakeRequester() *fakeRequester {
	return &fakeRequester{responses: make(map[string]string), errs: make(map[string]error)}
}

func (r *fakeRequester) Do(_ context.Context, req wikichat.Request) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, req)

	for suffix, err := range r.errs {
		if strings.HasSuffix(req.URL, suffix) {
			return nil, err
		}
	}
	for suffix, body := range r.responses {
		if strings.HasSuffix(req.URL, suffix) {
			return []byte(body), nil
		}
	}
	return nil, errors.New("not found: " + req.URL)
}

func (r *fakeRequester) SetToken(string) {}

// wiki registers the resolution answers for a wiki URL.
func (r *fakeRequester) wiki(base, serverID string, roomID int, chatKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.responses[base+"/api.php"] = `{"query":{"wikidesc":{"id":"` + serverID + `"}}}`
	r.responses[base+"/wikia.php"] = `{"roomId":` + wikichat.RoomID(roomID).String() + `,"chatkey":"` + chatKey + `"}`
}

// recorder collects bus events.
type recorder struct {
	mu     sync.Mutex
	events []wikichat.Event
}

func record(b *bus.Bus) *recorder {
	r := &recorder{}
	b.SubscribeAll(func(e wikichat.Event) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.events = append(r.events, e)
	})
	return r
}

func (r *recorder) of(topic wikichat.Topic) []wikichat.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []wikichat.Event
	for _, e := range r.events {
		if e.Topic() == topic {
			out = append(out, e)
		}
	}
	return out
}

func (r *recorder) count(topic wikichat.Topic) int {
	return len(r.of(topic))
}

func (r *recorder) topics() []wikichat.Topic {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]wikichat.Topic, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Topic())
	}
	return out
}

type clock struct {
	now atomic.Int64
}

func newClock() *clock {
	c := &clock{}
	c.now.Store(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).UnixNano())
	return c
}

func (c *clock) Now() time.Time {
	return time.Unix(0, c.now.Load()).UTC()
}

func (c *clock) Advance(d time.Duration) {
	c.now.Add(int64(d))
}

func testConfig(d wikichat.Dialer, r wikichat.Requester) Config {
	return Config{
		Username:  testUser,
		ChatURL:   "https://chat.example",
		Dialer:    d,
		Requester: r,
		Bus:       bus.New(),
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func newTestSession(t *testing.T, id wikichat.RoomID, cfg Config) *Session {
	t.Helper()
	s := NewSession(wikichat.Descriptor{ID: id}, cfg, nil)
	t.Cleanup(s.Close)
	return s
}

// connectReady connects s and acknowledges the socket.
func connectReady(t *testing.T, s *Session, d *fakeDialer) *fakeSocket {
	t.Helper()
	require.NoError(t, s.Connect(context.Background()))
	socket := d.next(t)
	socket.handlers.OnConnect()
	waitStatus(t, s, wikichat.StatusReady)
	return socket
}

func waitStatus(t *testing.T, s *Session, status wikichat.Status) {
	t.Helper()
	require.Eventually(t, func() bool { return s.Status() == status }, 2*time.Second, 5*time.Millisecond,
		"room %s never reached %s (is %s)", s.Key(), status, s.Status())
}

// waitDialed waits until the session holds the dialed socket.
func waitDialed(t *testing.T, s *Session) {
	t.Helper()
	require.Eventually(t, func() bool {
		var held bool
		require.NoError(t, s.do(context.Background(), func() { held = s.socket != nil }))
		return held
	}, 2*time.Second, 5*time.Millisecond)
}

// flush waits until every callback queued so far has run.
func flush(t *testing.T, s *Session) {
	t.Helper()
	require.NoError(t, s.do(context.Background(), func() {}))
}

func userModel(name string, groups ...string) map[string]any {
	return map[string]any{"attrs": map[string]any{
		"name":        name,
		"groups":      groups,
		"statusState": "here",
		"editCount":   "12",
		"avatarSrc":   "https://vignette.wikia.nocookie.net/messaging/images/1/19/Avatar.jpg/revision/latest",
	}}
}

func chatModel(id int, name, text string) map[string]any {
	return map[string]any{"id": id, "attrs": map[string]any{
		"name":      name,
		"text":      text,
		"timeStamp": 1700000000000,
	}}
}

func initialFrame(users []map[string]any, chats []map[string]any) map[string]any {
	return map[string]any{"collections": map[string]any{
		"users": map[string]any{"models": users},
		"chats": map[string]any{"models": chats},
	}}
}
