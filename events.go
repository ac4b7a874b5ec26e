package wikichat

import (
	"encoding/json"
	"time"
)

// Topic names an event stream.
type Topic string

const (
	TopicLogin          Topic = "login"
	TopicReady          Topic = "ready"
	TopicDisconnect     Topic = "disconnect"
	TopicRoomReady      Topic = "roomReady"
	TopicRoomDisconnect Topic = "roomDisconnect"
	TopicRoomError      Topic = "roomError"
	TopicMessageCreate  Topic = "messageCreate"
	TopicUserJoin       Topic = "userJoin"
	TopicUserPart       Topic = "userPart"
	TopicUserUpdate     Topic = "userUpdate"
	TopicUserKick       Topic = "userKick"
	TopicPrivateRoom    Topic = "openPrivateRoom"
)

// Event is a typed notification published on a Topic.
type Event interface {
	Topic() Topic
}

// LoginEvent is published once the credential handshake succeeds.
type LoginEvent struct {
	Username string
}

// ReadyEvent is published when every tracked room has become ready.
type ReadyEvent struct {
	Start time.Time
}

// DisconnectEvent is published when every tracked room is down.
type DisconnectEvent struct{}

// RoomReadyEvent is published when a single room becomes ready.
type RoomReadyEvent struct {
	Key  string
	Room RoomID
}

// RoomDisconnectEvent is published when a single room's socket goes down.
// Err is nil for an orderly disconnect.
type RoomDisconnectEvent struct {
	Key  string
	Room RoomID
	Err  error
}

// RoomErrorEvent reports a failure local to one room (resolution, liveness).
type RoomErrorEvent struct {
	Key  string
	Room RoomID
	Err  error
}

type MessageCreateEvent struct {
	Message *Message
}

type UserJoinEvent struct {
	User *User
}

type UserPartEvent struct {
	User *User
}

type UserUpdateEvent struct {
	User *User
}

// UserKickEvent carries the kicked user and, when cached, the moderator.
type UserKickEvent struct {
	Kicked    *User
	Moderator *User
}

// PrivateRoomEvent passes through a private room invitation unchanged.
type PrivateRoomEvent struct {
	Room RoomID
	Data json.RawMessage
}

func (LoginEvent) Topic() Topic          { return TopicLogin }
func (ReadyEvent) Topic() Topic          { return TopicReady }
func (DisconnectEvent) Topic() Topic     { return TopicDisconnect }
func (RoomReadyEvent) Topic() Topic      { return TopicRoomReady }
func (RoomDisconnectEvent) Topic() Topic { return TopicRoomDisconnect }
func (RoomErrorEvent) Topic() Topic      { return TopicRoomError }
func (MessageCreateEvent) Topic() Topic  { return TopicMessageCreate }
func (UserJoinEvent) Topic() Topic       { return TopicUserJoin }
func (UserPartEvent) Topic() Topic       { return TopicUserPart }
func (UserUpdateEvent) Topic() Topic     { return TopicUserUpdate }
func (UserKickEvent) Topic() Topic       { return TopicUserKick }
func (PrivateRoomEvent) Topic() Topic    { return TopicPrivateRoom }

// Subscriber is anything events can be subscribed on.
type Subscriber interface {
	Subscribe(topic Topic, handler func(Event)) (unsubscribe func())
}

// On subscribes a typed handler. The topic is taken from the event type:
//
//	wikichat.On(client, func(e wikichat.UserJoinEvent) {
//	    log.Printf("%s joined", e.User.Username)
//	})
func On[E Event](s Subscriber, handler func(E)) (unsubscribe func()) {
	var zero E
	return s.Subscribe(zero.Topic(), func(event Event) {
		if typed, ok := event.(E); ok {
			handler(typed)
		}
	})
}
