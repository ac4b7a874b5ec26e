package wikichat

import "time"

// Outbound envelope message types.
const (
	MsgTypeCommand = "command"
	MsgTypeChat    = "chat"
)

// Outbound command names.
const (
	CommandInitQuery = "initquery"
	CommandLogout    = "logout"
	CommandSetStatus = "setstatus"
	CommandKick      = "kick"
	CommandBan       = "ban"
)

// Inbound event tags carried in server push frames.
const (
	EventChatAdd         = "chat:add"
	EventJoin            = "join"
	EventLogout          = "logout"
	EventUpdateUser      = "updateUser"
	EventKick            = "kick"
	EventInitial         = "initial"
	EventOpenPrivateRoom = "openPrivateRoom"
)

// User status states accepted by EditStatus.
const (
	StatusHere = "here"
	StatusAway = "away"
)

// Groups that grant moderation rights in a room.
const (
	GroupSysop         = "sysop"
	GroupChatModerator = "chatmoderator"
)

// Limits and defaults
const (
	// MaxMessageLength is the longest chat message, in characters, the server accepts.
	MaxMessageLength = 1000

	// DefaultHistoryLimit is the number of messages returned by Messages when no limit is given.
	DefaultHistoryLimit = 50

	// DefaultMessageCacheSize is the per-room message history capacity.
	DefaultMessageCacheSize = 1000

	// DefaultImageSize is the avatar width used by User.AvatarURL.
	DefaultImageSize = 150

	DefaultBanReason   = "Bad behavior"
	DefaultBanDuration = 24 * time.Hour
)
