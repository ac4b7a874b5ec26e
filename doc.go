// Package wikichat provides a client for the Fandom (formerly Wikia) real-time
// chat protocol.
//
// A single authenticated identity can join any number of independently
// addressed chat rooms. Each room is resolved over the wiki's REST endpoints,
// attached through its own push socket, and tracked in memory: the room's
// user list and a bounded message history are kept up to date from server
// pushed events.
//
// # Architecture
//
// The client is split into three layers:
//
//   - Client session: performs the credential handshake once, owns the room
//     registry and exposes the command surface and the event stream.
//   - Room registry: owns every room session, drains a FIFO connect queue and
//     aggregates per-room readiness into client-wide readiness.
//   - Room session: one per room. Resolves the room, opens the socket, tracks
//     liveness, dispatches inbound frames into cache mutations and typed
//     events, and encodes outbound commands.
//
// Every room session runs on its own goroutine. Socket callbacks, commands and
// cache queries are queued to that goroutine and executed in arrival order, so
// room state is never shared between goroutines.
//
// # Quick Start
//
//	import (
//	    "github.com/luciancaetano/wikichat"
//	    "github.com/luciancaetano/wikichat/chat"
//	)
//
//	client, err := chat.New(chat.NewConfig("user", "pass"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	wikichat.On(client, func(e wikichat.MessageCreateEvent) {
//	    if e.Message.Text == "!ping" {
//	        client.CreateMessage(ctx, e.Message.RoomID.String(), "Pong!")
//	    }
//	})
//
//	// Rooms can be given as descriptors, "lang.wiki" shorthands, numeric
//	// room ids, lists of those, or functions producing one.
//	err = client.Connect(ctx, "onewiki", wikichat.Descriptor{Domain: wikichat.DomainFandom, Wiki: "anotherwiki", Lang: "es"})
//
// # Events
//
// Events are delivered by topic. Subscribe with [Client.Subscribe] or the
// typed helper [On]:
//
//   - login: the handshake completed
//   - roomReady / roomDisconnect: a single room changed state
//   - ready: every tracked room is ready (fires once per transition)
//   - disconnect: every tracked room is down
//   - messageCreate, userJoin, userPart, userUpdate, userKick: room activity
//   - roomError: a room failed resolution or liveness
//
// # Errors
//
// Failures are returned as [*Failure] values carrying a kind sentinel
// ([ErrAuth], [ErrResolution], [ErrNotReady], [ErrUnknownRoom],
// [ErrPermission], [ErrLiveness], [ErrValidation]). Use errors.Is to test for
// a kind:
//
//	if errors.Is(err, wikichat.ErrNotReady) {
//	    // the room has not finished connecting
//	}
//
// # Important
//
//   - Messages longer than 1000 characters are rejected locally and never sent
//   - Commands issued before a room is ready fail immediately; they are not queued
//   - Moderation permission checks use cached group data from the last user sync
package wikichat
