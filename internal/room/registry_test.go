package room

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luciancaetano/wikichat"
)

func newTestRegistry(t *testing.T, d wikichat.Dialer, r wikichat.Requester) (*Registry, *recorder) {
	t.Helper()
	cfg := testConfig(d, r)
	events := record(cfg.Bus)
	reg := NewRegistry(cfg)
	t.Cleanup(reg.Close)
	return reg, events
}

// connectAll drains the queue and acknowledges n sockets, returning them by
// room id.
func connectAll(t *testing.T, reg *Registry, d *fakeDialer, n int) map[string]*fakeSocket {
	t.Helper()
	require.NoError(t, reg.Drain(context.Background()))
	sockets := make(map[string]*fakeSocket, n)
	for range n {
		socket := d.next(t)
		sockets[socket.params.Get("roomId")] = socket
		socket.handlers.OnConnect()
	}
	return sockets
}

func TestRegistryEnqueue(t *testing.T) {
	t.Parallel()

	reg, _ := newTestRegistry(t, newFakeDialer(), newFakeRequester())

	assert.True(t, reg.Enqueue(wikichat.Descriptor{ID: 1}))
	assert.True(t, reg.Enqueue(wikichat.Descriptor{Domain: wikichat.DomainFandom, Wiki: "onewiki"}))
	assert.False(t, reg.Enqueue(wikichat.Descriptor{ID: 1}), "already tracked")

	assert.Len(t, reg.Queue(), 2)
	rooms := reg.Rooms()
	require.Len(t, rooms, 2)
	assert.Equal(t, "1", rooms[0].Key())
	assert.Equal(t, "onewiki", rooms[1].Key())
	assert.Equal(t, wikichat.StatusUnconnected, rooms[0].Status())
}

func TestRegistryAggregateReady(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		rooms int
		order []string
	}{
		{name: "first room first", rooms: 2, order: []string{"1", "2"}},
		{name: "second room first", rooms: 2, order: []string{"2", "1"}},
		{name: "three rooms reversed", rooms: 3, order: []string{"3", "2", "1"}},
		{name: "three rooms interleaved", rooms: 3, order: []string{"2", "3", "1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			d := newFakeDialer()
			reg, events := newTestRegistry(t, d, newFakeRequester())
			for id := 1; id <= tt.rooms; id++ {
				reg.Enqueue(wikichat.Descriptor{ID: wikichat.RoomID(id)})
			}
			require.NoError(t, reg.Drain(context.Background()))
			sockets := make(map[string]*fakeSocket, tt.rooms)
			for range tt.rooms {
				socket := d.next(t)
				sockets[socket.params.Get("roomId")] = socket
			}

			last := len(tt.order) - 1
			for _, key := range tt.order[:last] {
				sockets[key].handlers.OnConnect()
				s, _ := reg.Get(key)
				waitStatus(t, s, wikichat.StatusReady)
				flush(t, s)
				assert.False(t, reg.Ready(), "room %s alone is not enough", key)
				assert.Zero(t, events.count(wikichat.TopicReady))
			}

			sockets[tt.order[last]].handlers.OnConnect()
			require.Eventually(t, func() bool { return events.count(wikichat.TopicReady) == 1 }, 2*time.Second, 5*time.Millisecond)
			assert.True(t, reg.Ready())
			assert.False(t, reg.Start().IsZero())

			topics := events.topics()
			assert.Equal(t, wikichat.TopicReady, topics[len(topics)-1], "ready follows every room ready")
			assert.Equal(t, tt.rooms, events.count(wikichat.TopicRoomReady))

			// Draining again skips ready rooms.
			require.NoError(t, reg.Drain(context.Background()))
			assert.Empty(t, d.dialed)
			assert.Equal(t, 1, events.count(wikichat.TopicReady))
		})
	}
}

func TestRegistryAggregateReadyConcurrent(t *testing.T) {
	t.Parallel()

	const rooms = 5
	d := newFakeDialer()
	reg, events := newTestRegistry(t, d, newFakeRequester())
	for id := 1; id <= rooms; id++ {
		reg.Enqueue(wikichat.Descriptor{ID: wikichat.RoomID(id)})
	}
	require.NoError(t, reg.Drain(context.Background()))

	var wg sync.WaitGroup
	for range rooms {
		socket := d.next(t)
		wg.Add(1)
		go func() {
			defer wg.Done()
			socket.handlers.OnConnect()
		}()
	}
	wg.Wait()

	require.Eventually(t, func() bool { return events.count(wikichat.TopicReady) == 1 }, 2*time.Second, 5*time.Millisecond)
	for _, s := range reg.Rooms() {
		flush(t, s)
	}
	assert.Equal(t, 1, events.count(wikichat.TopicReady))

	topics := events.topics()
	readyAt := slices.Index(topics, wikichat.TopicReady)
	require.GreaterOrEqual(t, readyAt, 0)
	roomReady := 0
	for _, topic := range topics[:readyAt] {
		if topic == wikichat.TopicRoomReady {
			roomReady++
		}
	}
	assert.Equal(t, rooms, roomReady, "every room ready precedes ready: %v", topics)
}

func TestRegistryAggregateDisconnect(t *testing.T) {
	t.Parallel()

	d := newFakeDialer()
	reg, events := newTestRegistry(t, d, newFakeRequester())
	reg.Enqueue(wikichat.Descriptor{ID: 1})
	reg.Enqueue(wikichat.Descriptor{ID: 2})
	sockets := connectAll(t, reg, d, 2)
	require.Eventually(t, reg.Ready, 2*time.Second, 5*time.Millisecond)

	sockets["1"].disconnect(errors.New("reset"))
	s1, _ := reg.Get("1")
	waitStatus(t, s1, wikichat.StatusDisconnected)
	assert.Zero(t, events.count(wikichat.TopicDisconnect), "room 2 is still up")
	assert.True(t, reg.Ready())

	sockets["2"].disconnect(errors.New("reset"))
	require.Eventually(t, func() bool { return events.count(wikichat.TopicDisconnect) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.False(t, reg.Ready())
	assert.True(t, reg.Start().IsZero())

	// Reconnecting both flips readiness again.
	connectAll(t, reg, d, 2)
	require.Eventually(t, func() bool { return events.count(wikichat.TopicReady) == 2 }, 2*time.Second, 5*time.Millisecond)
}

func TestRegistryResolutionFailureDropsRoom(t *testing.T) {
	t.Parallel()

	d := newFakeDialer()
	r := newFakeRequester()
	r.errs["badwiki.fandom.com/api.php"] = errors.New("no such wiki")
	reg, events := newTestRegistry(t, d, r)

	reg.Enqueue(wikichat.Descriptor{ID: 1})
	reg.Enqueue(wikichat.Descriptor{Domain: wikichat.DomainFandom, Wiki: "badwiki"})

	require.NoError(t, reg.Drain(context.Background()))
	d.next(t).handlers.OnConnect()

	require.Eventually(t, reg.Ready, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, events.count(wikichat.TopicReady))

	errs := events.of(wikichat.TopicRoomError)
	require.Len(t, errs, 1)
	assert.Equal(t, "badwiki", errs[0].(wikichat.RoomErrorEvent).Key)
	assert.True(t, wikichat.IsFailure(errs[0].(wikichat.RoomErrorEvent).Err, wikichat.ErrResolution))

	_, ok := reg.Get("badwiki")
	assert.False(t, ok)
	assert.Len(t, reg.Rooms(), 1)
}

func TestRegistryRoute(t *testing.T) {
	t.Parallel()

	d := newFakeDialer()
	r := newFakeRequester()
	r.wiki("https://onewiki.fandom.com/es", "100", 555, "key")
	reg, _ := newTestRegistry(t, d, r)

	reg.Enqueue(wikichat.Descriptor{ID: 1})
	reg.Enqueue(wikichat.Descriptor{Domain: wikichat.DomainFandom, Wiki: "onewiki", Lang: "es"})
	connectAll(t, reg, d, 2)

	tests := []struct {
		key  string
		want string
	}{
		{key: "1", want: "1"},
		{key: "es.onewiki", want: "es.onewiki"},
		{key: "555", want: "es.onewiki"},
		{key: "onewiki", want: "es.onewiki"},
	}
	for _, tt := range tests {
		s, err := reg.Route("test", tt.key)
		require.NoError(t, err, tt.key)
		assert.Equal(t, tt.want, s.Key(), tt.key)
	}

	_, err := reg.Route("createMessage", "nowhere")
	assert.True(t, wikichat.IsFailure(err, wikichat.ErrUnknownRoom))

	err = reg.Send(context.Background(), "nowhere", "hi")
	assert.True(t, wikichat.IsFailure(err, wikichat.ErrUnknownRoom))
}

func TestRegistryCommands(t *testing.T) {
	t.Parallel()

	d := newFakeDialer()
	reg, _ := newTestRegistry(t, d, newFakeRequester())
	reg.Enqueue(wikichat.Descriptor{ID: 1})
	reg.Enqueue(wikichat.Descriptor{ID: 2})
	sockets := connectAll(t, reg, d, 2)
	require.Eventually(t, reg.Ready, 2*time.Second, 5*time.Millisecond)
	ctx := context.Background()

	sockets["1"].push(t, wikichat.EventInitial, initialFrame(
		[]map[string]any{userModel(testUser, wikichat.GroupChatModerator), userModel("Alice")},
		[]map[string]any{chatModel(1, "Alice", "hi")}))
	sockets["2"].push(t, wikichat.EventJoin, userModel("Bob"))
	for _, s := range reg.Rooms() {
		flush(t, s)
	}

	assert.Equal(t, 3, reg.UserCount())

	require.NoError(t, reg.Send(ctx, "2", "hello"))
	assert.Len(t, sockets["2"].sentOf(wikichat.MsgTypeChat), 1)
	assert.Empty(t, sockets["1"].sentOf(wikichat.MsgTypeChat))

	history, err := reg.History(ctx, "1", 100)
	require.NoError(t, err)
	assert.Len(t, history, 1, "fewer cached messages than requested is fine")

	users, err := reg.Users(ctx, "2")
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "Bob", users[0].Username)

	require.NoError(t, reg.EditStatus(ctx, "", wikichat.StatusAway))
	assert.Len(t, sockets["1"].sentOf(wikichat.CommandSetStatus), 1)
	assert.Len(t, sockets["2"].sentOf(wikichat.CommandSetStatus), 1)

	require.NoError(t, reg.Kick(ctx, "1", "Alice"))
	err = reg.Kick(ctx, "2", "Bob")
	assert.True(t, wikichat.IsFailure(err, wikichat.ErrPermission), "no moderation rights in room 2")
	require.NoError(t, reg.Ban(ctx, "1", "Alice", "", 0))
}

func TestRegistryEditStatusJoinsFailures(t *testing.T) {
	t.Parallel()

	d := newFakeDialer()
	reg, _ := newTestRegistry(t, d, newFakeRequester())
	reg.Enqueue(wikichat.Descriptor{ID: 1})
	reg.Enqueue(wikichat.Descriptor{ID: 2})
	require.NoError(t, reg.Drain(context.Background()))
	d.next(t)
	d.next(t)

	err := reg.EditStatus(context.Background(), "", wikichat.StatusHere)
	require.Error(t, err)
	assert.True(t, wikichat.IsFailure(err, wikichat.ErrNotReady))
}

func TestRegistryDisconnectAll(t *testing.T) {
	t.Parallel()

	d := newFakeDialer()
	reg, events := newTestRegistry(t, d, newFakeRequester())
	reg.Enqueue(wikichat.Descriptor{ID: 1})
	reg.Enqueue(wikichat.Descriptor{ID: 2})
	sockets := connectAll(t, reg, d, 2)
	require.Eventually(t, reg.Ready, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, reg.DisconnectAll(context.Background()))

	assert.False(t, reg.Ready())
	assert.Empty(t, reg.Queue())
	assert.Len(t, reg.Rooms(), 2, "rooms stay tracked")
	for _, socket := range sockets {
		assert.True(t, socket.isClosed())
		assert.Len(t, socket.sentOf(wikichat.CommandLogout), 1)
	}
	for _, s := range reg.Rooms() {
		assert.Equal(t, wikichat.StatusDisconnected, s.Status())
	}
	assert.Equal(t, 1, events.count(wikichat.TopicDisconnect))

	// Nothing is queued, so draining connects nothing.
	require.NoError(t, reg.Drain(context.Background()))
	assert.Empty(t, d.dialed)
}

func TestRegistryRemove(t *testing.T) {
	t.Parallel()

	d := newFakeDialer()
	reg, events := newTestRegistry(t, d, newFakeRequester())
	reg.Enqueue(wikichat.Descriptor{ID: 1})
	reg.Enqueue(wikichat.Descriptor{ID: 2})
	require.NoError(t, reg.Drain(context.Background()))
	first := d.next(t)
	second := d.next(t)

	ready := first
	if first.params.Get("roomId") != "1" {
		ready = second
	}
	ready.handlers.OnConnect()
	s1, _ := reg.Get("1")
	waitStatus(t, s1, wikichat.StatusReady)
	flush(t, s1)
	assert.False(t, reg.Ready())

	// Removing the pending room leaves only ready rooms.
	assert.True(t, reg.Remove("2"))
	assert.False(t, reg.Remove("2"))
	assert.True(t, reg.Ready())
	assert.Equal(t, 1, events.count(wikichat.TopicReady))
}
