package room

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luciancaetano/wikichat"
)

func TestCommandsRequireReady(t *testing.T) {
	t.Parallel()

	s := newTestSession(t, 42, testConfig(newFakeDialer(), newFakeRequester()))
	ctx := context.Background()

	tests := []struct {
		name string
		run  func() error
	}{
		{"createMessage", func() error { return s.CreateMessage(ctx, "hi") }},
		{"editStatus", func() error { return s.EditStatus(ctx, wikichat.StatusAway) }},
		{"kick", func() error { return s.Kick(ctx, "Alice") }},
		{"ban", func() error { return s.Ban(ctx, "Alice", "", 0) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.run()
			require.Error(t, err)
			assert.True(t, wikichat.IsFailure(err, wikichat.ErrNotReady), "got %v", err)

			var failure *wikichat.Failure
			require.ErrorAs(t, err, &failure)
			assert.Equal(t, tt.name, failure.Op)
			assert.Equal(t, "42", failure.Room)
		})
	}
}

func TestCreateMessage(t *testing.T) {
	t.Parallel()

	d := newFakeDialer()
	s := newTestSession(t, 42, testConfig(d, newFakeRequester()))
	socket := connectReady(t, s, d)
	ctx := context.Background()

	require.NoError(t, s.CreateMessage(ctx, "hello"))

	sent := socket.sentOf(wikichat.MsgTypeChat)
	require.Len(t, sent, 1)
	assert.Equal(t, map[string]any{"msgType": "chat", "name": testUser, "text": "hello"}, sent[0])
}

func TestCreateMessageLength(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		text string
		ok   bool
	}{
		{name: "at limit", text: strings.Repeat("a", wikichat.MaxMessageLength), ok: true},
		{name: "over limit", text: strings.Repeat("a", wikichat.MaxMessageLength+1)},
		{name: "multibyte at limit", text: strings.Repeat("é", wikichat.MaxMessageLength), ok: true},
		{name: "multibyte over limit", text: strings.Repeat("é", wikichat.MaxMessageLength+1)},
		{name: "empty", text: "", ok: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			d := newFakeDialer()
			s := newTestSession(t, 42, testConfig(d, newFakeRequester()))
			socket := connectReady(t, s, d)

			err := s.CreateMessage(context.Background(), tt.text)
			if tt.ok {
				require.NoError(t, err)
				assert.Len(t, socket.sentOf(wikichat.MsgTypeChat), 1)
				return
			}

			assert.True(t, wikichat.IsFailure(err, wikichat.ErrValidation), "got %v", err)
			assert.ErrorIs(t, err, wikichat.ErrMessageTooLong)
			assert.Empty(t, socket.sentOf(wikichat.MsgTypeChat), "rejected text must never be sent")
		})
	}
}

func TestCreateMessageTooLongBeforeReady(t *testing.T) {
	t.Parallel()

	s := newTestSession(t, 42, testConfig(newFakeDialer(), newFakeRequester()))

	err := s.CreateMessage(context.Background(), strings.Repeat("a", wikichat.MaxMessageLength+1))
	assert.True(t, wikichat.IsFailure(err, wikichat.ErrValidation), "length is checked first, got %v", err)
}

func TestEditStatus(t *testing.T) {
	t.Parallel()

	d := newFakeDialer()
	s := newTestSession(t, 42, testConfig(d, newFakeRequester()))
	socket := connectReady(t, s, d)
	ctx := context.Background()

	require.NoError(t, s.EditStatus(ctx, wikichat.StatusAway))
	require.NoError(t, s.EditStatus(ctx, wikichat.StatusHere))

	err := s.EditStatus(ctx, "busy")
	assert.True(t, wikichat.IsFailure(err, wikichat.ErrValidation))
	assert.ErrorIs(t, err, wikichat.ErrInvalidStatus)

	sent := socket.sentOf(wikichat.CommandSetStatus)
	require.Len(t, sent, 2)
	assert.Equal(t, "away", sent[0]["statusState"])
	assert.Equal(t, "here", sent[1]["statusState"])
	assert.Equal(t, "command", sent[0]["msgType"])
}

func TestModerationRank(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		selfGroups []string
		target     map[string]any
		wantErr    error
	}{
		{
			name:       "regular user cannot kick",
			selfGroups: nil,
			target:     userModel("Alice"),
			wantErr:    wikichat.ErrPermission,
		},
		{
			name:       "moderator kicks regular user",
			selfGroups: []string{wikichat.GroupChatModerator},
			target:     userModel("Alice"),
		},
		{
			name:       "admin kicks regular user",
			selfGroups: []string{"user", wikichat.GroupSysop},
			target:     userModel("Alice"),
		},
		{
			name:       "moderator cannot kick admin",
			selfGroups: []string{wikichat.GroupChatModerator},
			target:     userModel("Alice", wikichat.GroupSysop),
			wantErr:    wikichat.ErrTargetRank,
		},
		{
			name:       "moderator kicks uncached user",
			selfGroups: []string{wikichat.GroupChatModerator},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			d := newFakeDialer()
			s := newTestSession(t, 42, testConfig(d, newFakeRequester()))
			socket := connectReady(t, s, d)

			users := []map[string]any{userModel(testUser, tt.selfGroups...)}
			if tt.target != nil {
				users = append(users, tt.target)
			}
			socket.push(t, wikichat.EventInitial, initialFrame(users, nil))
			flush(t, s)

			kickErr := s.Kick(context.Background(), "Alice")
			banErr := s.Ban(context.Background(), "Alice", "", 0)

			if tt.wantErr == nil {
				require.NoError(t, kickErr)
				require.NoError(t, banErr)
				kicks := socket.sentOf(wikichat.CommandKick)
				require.Len(t, kicks, 1)
				assert.Equal(t, "Alice", kicks[0]["userToKick"])
				return
			}

			for _, err := range []error{kickErr, banErr} {
				assert.True(t, wikichat.IsFailure(err, wikichat.ErrPermission), "got %v", err)
				assert.ErrorIs(t, err, tt.wantErr)
			}
			assert.Empty(t, socket.sentOf(wikichat.CommandKick))
			assert.Empty(t, socket.sentOf(wikichat.CommandBan))
		})
	}
}

func TestBan(t *testing.T) {
	t.Parallel()

	d := newFakeDialer()
	s := newTestSession(t, 42, testConfig(d, newFakeRequester()))
	socket := connectReady(t, s, d)
	socket.push(t, wikichat.EventInitial, initialFrame(
		[]map[string]any{userModel(testUser, wikichat.GroupSysop)}, nil))
	flush(t, s)
	ctx := context.Background()

	require.NoError(t, s.Ban(ctx, "Alice", "", 0))
	require.NoError(t, s.Ban(ctx, "Bob", "spam", 2*time.Hour))

	bans := socket.sentOf(wikichat.CommandBan)
	require.Len(t, bans, 2)

	assert.Equal(t, "Alice", bans[0]["userToBan"])
	assert.Equal(t, wikichat.DefaultBanReason, bans[0]["reason"])
	assert.InDelta(t, 86400, bans[0]["time"], 0)

	assert.Equal(t, "Bob", bans[1]["userToBan"])
	assert.Equal(t, "spam", bans[1]["reason"])
	assert.InDelta(t, 7200, bans[1]["time"], 0)
}

func TestMessages(t *testing.T) {
	t.Parallel()

	d := newFakeDialer()
	cfg := testConfig(d, newFakeRequester())
	cfg.MessageLimit = 5
	s := newTestSession(t, 42, cfg)
	socket := connectReady(t, s, d)
	ctx := context.Background()

	for i := 1; i <= 7; i++ {
		socket.push(t, wikichat.EventChatAdd, chatModel(i, "Alice", "msg"))
	}
	flush(t, s)

	all, err := s.Messages(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 5, "history is bounded")
	assert.Equal(t, "3", all[0].ID)
	assert.Equal(t, "7", all[4].ID)

	last, err := s.Messages(ctx, 2)
	require.NoError(t, err)
	require.Len(t, last, 2)
	assert.Equal(t, "6", last[0].ID)
	assert.Equal(t, "7", last[1].ID)
}
