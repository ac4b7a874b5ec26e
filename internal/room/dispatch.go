package room

import (
	"encoding/json"

	"github.com/luciancaetano/wikichat"
	"github.com/luciancaetano/wikichat/internal/cache"
	"github.com/luciancaetano/wikichat/internal/entity"
)

// onMessage applies one inbound frame while the room is ready. Cached users
// and messages are mutated in place, so events carry clones.
func (s *Session) onMessage(raw json.RawMessage) {
	if s.Status() != wikichat.StatusReady {
		return
	}

	var frame entity.Frame
	if err := entity.Decode(raw, &frame); err != nil {
		s.logger.Debug("discarding malformed frame", "error", err)
		return
	}
	s.logger.Debug("frame received", "event", frame.Event)

	var err error
	switch frame.Event {
	case wikichat.EventChatAdd:
		err = s.onChatAdd(frame.Data)
	case wikichat.EventJoin:
		err = s.onJoin(frame.Data)
	case wikichat.EventLogout:
		err = s.onLogout(frame.Data)
	case wikichat.EventUpdateUser:
		err = s.onUpdateUser(frame.Data)
	case wikichat.EventKick:
		err = s.onKick(frame.Data)
	case wikichat.EventInitial:
		err = s.onInitial(frame.Data)
	case wikichat.EventOpenPrivateRoom:
		data, perr := entity.ParseData(frame.Data)
		if perr != nil {
			err = perr
			break
		}
		s.logger.Debug("private room invitation", "data", string(data))
		s.cfg.Bus.Publish(wikichat.PrivateRoomEvent{Room: s.ID(), Data: data})
	}
	if err != nil {
		s.logger.Debug("discarding malformed payload", "event", frame.Event, "error", err)
	}
}

func (s *Session) addMessage(w entity.ChatWire) *wikichat.Message {
	key := string(w.ID)
	if key == "" {
		key = s.nextLocalID()
	}
	author, _ := s.users.Get(w.Attrs.Name)
	return s.messages.Add(key, cache.Factory[*wikichat.Message](func() *wikichat.Message {
		return entity.MessageFromWire(w, s.ID(), author)
	}), false)
}

func (s *Session) userSource(w entity.UserWire) cache.Source[*wikichat.User] {
	return cache.Factory[*wikichat.User](func() *wikichat.User {
		return entity.UserFromWire(w, s.ID(), s.cfg.ImageSize)
	})
}

func (s *Session) onChatAdd(data json.RawMessage) error {
	var w entity.ChatWire
	if err := entity.Decode(data, &w); err != nil {
		return err
	}
	s.cfg.Bus.Publish(wikichat.MessageCreateEvent{Message: s.addMessage(w).Clone()})
	return nil
}

func (s *Session) onJoin(data json.RawMessage) error {
	var w entity.UserWire
	if err := entity.Decode(data, &w); err != nil {
		return err
	}
	name := w.Attrs.Name
	if name == "" || name == s.cfg.Username || s.users.Has(name) {
		return nil
	}

	user := s.users.Add(name, s.userSource(w), false)
	s.syncCount()
	s.cfg.Bus.Publish(wikichat.UserJoinEvent{User: user.Clone()})
	return nil
}

func (s *Session) onLogout(data json.RawMessage) error {
	var w entity.UserWire
	if err := entity.Decode(data, &w); err != nil {
		return err
	}
	user, ok := s.users.Remove(w.Attrs.Name)
	if !ok {
		return nil
	}
	s.syncCount()
	s.cfg.Bus.Publish(wikichat.UserPartEvent{User: user.Clone()})
	return nil
}

func (s *Session) onUpdateUser(data json.RawMessage) error {
	var w entity.UserWire
	if err := entity.Decode(data, &w); err != nil {
		return err
	}
	if w.Attrs.Name == "" {
		return nil
	}

	user := s.users.Update(w.Attrs.Name, s.userSource(w), func(existing *wikichat.User) {
		entity.MergeUser(existing, w)
	})
	s.syncCount()
	s.cfg.Bus.Publish(wikichat.UserUpdateEvent{User: user.Clone()})
	return nil
}

func (s *Session) onKick(data json.RawMessage) error {
	var w entity.KickWire
	if err := entity.Decode(data, &w); err != nil {
		return err
	}

	kicked, ok := s.users.Remove(w.Attrs.KickedUserName)
	if ok {
		s.syncCount()
	} else {
		kicked = &wikichat.User{Username: w.Attrs.KickedUserName, RoomID: s.ID()}
	}
	moderator, _ := s.users.Get(w.Attrs.ModeratorName)

	s.cfg.Bus.Publish(wikichat.UserKickEvent{Kicked: kicked.Clone(), Moderator: moderator.Clone()})
	return nil
}

func (s *Session) onInitial(data json.RawMessage) error {
	var w entity.InitialWire
	if err := entity.Decode(data, &w); err != nil {
		return err
	}

	for _, user := range w.Collections.Users.Models {
		if user.Attrs.Name == "" {
			continue
		}
		s.users.Update(user.Attrs.Name, s.userSource(user), func(existing *wikichat.User) {
			entity.MergeUser(existing, user)
		})
	}
	s.syncCount()

	for _, chat := range w.Collections.Chats.Models {
		s.addMessage(chat)
	}
	s.logger.Debug("initial state loaded", "users", s.users.Len(), "messages", s.messages.Len())
	return nil
}
