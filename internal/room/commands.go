package room

import (
	"context"
	"encoding/json"
	"time"
	"unicode/utf8"

	"github.com/luciancaetano/wikichat"
)

type attrs map[string]any

type envelope struct {
	Attrs attrs `json:"attrs"`
}

func command(name string) attrs {
	return attrs{"msgType": wikichat.MsgTypeCommand, "command": name}
}

func encode(a attrs) []byte {
	// attrs only ever holds strings and integers
	data, _ := json.Marshal(envelope{Attrs: a})
	return data
}

// send checks readiness on the loop, runs check if given, then writes the
// envelope from the calling goroutine so a rate-limited socket never stalls
// inbound dispatch.
func (s *Session) send(ctx context.Context, op string, a attrs, check func() error) error {
	var (
		socket wikichat.Socket
		err    error
	)
	doErr := s.do(ctx, func() {
		if s.Status() != wikichat.StatusReady || s.socket == nil {
			err = wikichat.Fail(wikichat.ErrNotReady, op, s.key, nil)
			return
		}
		if check != nil {
			if err = check(); err != nil {
				return
			}
		}
		socket = s.socket
	})
	if doErr != nil {
		return wikichat.Fail(wikichat.ErrNotReady, op, s.key, doErr)
	}
	if err != nil {
		return err
	}

	if err := socket.Send(ctx, encode(a)); err != nil {
		return wikichat.Fail(wikichat.ErrNotReady, op, s.key, err)
	}
	return nil
}

// CreateMessage sends text to the room. Text longer than
// wikichat.MaxMessageLength characters is rejected without sending.
func (s *Session) CreateMessage(ctx context.Context, text string) error {
	if utf8.RuneCountInString(text) > wikichat.MaxMessageLength {
		return wikichat.Fail(wikichat.ErrValidation, "createMessage", s.key, wikichat.ErrMessageTooLong)
	}
	return s.send(ctx, "createMessage", attrs{
		"msgType": wikichat.MsgTypeChat,
		"name":    s.cfg.Username,
		"text":    text,
	}, nil)
}

// EditStatus sets the client's presence in the room.
func (s *Session) EditStatus(ctx context.Context, state string) error {
	if state != wikichat.StatusHere && state != wikichat.StatusAway {
		return wikichat.Fail(wikichat.ErrValidation, "editStatus", s.key, wikichat.ErrInvalidStatus)
	}
	a := command(wikichat.CommandSetStatus)
	a["statusState"] = state
	return s.send(ctx, "editStatus", a, nil)
}

// Kick removes user from the room.
func (s *Session) Kick(ctx context.Context, user string) error {
	a := command(wikichat.CommandKick)
	a["userToKick"] = user
	return s.send(ctx, "kick", a, func() error { return s.checkRank("kick", user) })
}

// Ban bans user from the room. An empty reason and a non-positive duration
// use the defaults.
func (s *Session) Ban(ctx context.Context, user, reason string, duration time.Duration) error {
	if reason == "" {
		reason = wikichat.DefaultBanReason
	}
	if duration <= 0 {
		duration = wikichat.DefaultBanDuration
	}

	a := command(wikichat.CommandBan)
	a["userToBan"] = user
	a["reason"] = reason
	a["time"] = int64(duration / time.Second)
	return s.send(ctx, "ban", a, func() error { return s.checkRank("ban", user) })
}

// checkRank runs on the loop. The acting user must be elevated and the
// target must not be, judged from the cached groups.
func (s *Session) checkRank(op, target string) error {
	self, ok := s.users.Get(s.cfg.Username)
	if !ok || !self.Elevated() {
		return wikichat.Fail(wikichat.ErrPermission, op, s.key, nil)
	}
	if user, ok := s.users.Get(target); ok && user.Elevated() {
		return wikichat.Fail(wikichat.ErrPermission, op, s.key, wikichat.ErrTargetRank)
	}
	return nil
}

// Messages returns up to limit of the most recent cached messages, oldest
// first. A limit <= 0 means wikichat.DefaultHistoryLimit.
func (s *Session) Messages(ctx context.Context, limit int) ([]*wikichat.Message, error) {
	if limit <= 0 {
		limit = wikichat.DefaultHistoryLimit
	}
	var out []*wikichat.Message
	if err := s.do(ctx, func() { out = cloneAll(s.messages.Last(limit)) }); err != nil {
		return nil, err
	}
	return out, nil
}

// Users returns copies of the cached users in join order.
func (s *Session) Users(ctx context.Context) ([]*wikichat.User, error) {
	var out []*wikichat.User
	if err := s.do(ctx, func() { out = cloneAll(s.users.Values()) }); err != nil {
		return nil, err
	}
	return out, nil
}

// User returns a copy of one cached user.
func (s *Session) User(ctx context.Context, name string) (*wikichat.User, bool, error) {
	var (
		user *wikichat.User
		ok   bool
	)
	err := s.do(ctx, func() {
		user, ok = s.users.Get(name)
		user = user.Clone()
	})
	if err != nil {
		return nil, false, err
	}
	return user, ok, nil
}

func cloneAll[V interface{ Clone() V }](values []V) []V {
	out := make([]V, len(values))
	for i, v := range values {
		out[i] = v.Clone()
	}
	return out
}
