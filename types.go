package wikichat

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/language"
)

// RoomID is a resolved numeric chat room identifier.
type RoomID int64

func (id RoomID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

// ParseRoomID parses a decimal room identifier.
func ParseRoomID(s string) (RoomID, bool) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return 0, false
	}
	return RoomID(n), true
}

// Status is the connection state of a room.
type Status int32

const (
	StatusUnconnected Status = iota
	StatusResolving
	StatusConnecting
	StatusReady
	StatusDisconnected
)

func (s Status) String() string {
	switch s {
	case StatusUnconnected:
		return "unconnected"
	case StatusResolving:
		return "resolving"
	case StatusConnecting:
		return "connecting"
	case StatusReady:
		return "ready"
	case StatusDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Wiki domain families.
const (
	DomainFandom = "fandom"
	DomainWikia  = "wikia"
)

// Descriptor addresses a room. Either ID is set (already resolved) or Wiki
// names the wiki whose chat room must be resolved before connecting.
type Descriptor struct {
	ID     RoomID `yaml:"id,omitempty"`
	Domain string `yaml:"domain,omitempty"`
	Wiki   string `yaml:"wiki,omitempty"`
	Lang   string `yaml:"lang,omitempty"`
}

// ParseDescriptor parses the shorthand forms accepted by Client.Connect:
// a decimal room id, "wiki", or "lang.wiki". Shorthands use the fandom domain.
func ParseDescriptor(s string) (Descriptor, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Descriptor{}, ErrInvalidDescriptor
	}
	if id, ok := ParseRoomID(s); ok {
		return Descriptor{ID: id}, nil
	}
	d := Descriptor{Domain: DomainFandom, Wiki: s}
	if lang, wiki, ok := strings.Cut(s, "."); ok {
		d.Lang, d.Wiki = lang, wiki
	}
	if err := d.Validate(); err != nil {
		return Descriptor{}, err
	}
	return d, nil
}

// Resolved reports whether the descriptor already carries a numeric room id.
func (d Descriptor) Resolved() bool {
	return d.ID != 0
}

// Key is the registry key of the room addressed by d.
func (d Descriptor) Key() string {
	if d.Resolved() {
		return d.ID.String()
	}
	key := d.Wiki
	if d.Lang != "" && d.Lang != "en" {
		key = d.Lang + "." + key
	}
	if d.Domain == DomainWikia {
		key += "@" + DomainWikia
	}
	return key
}

func (d Descriptor) String() string {
	return d.Key()
}

// Validate checks the domain family and the ISO 639-1 language code.
func (d Descriptor) Validate() error {
	if d.Resolved() {
		return nil
	}
	if d.Wiki == "" || strings.ContainsAny(d.Wiki, "/:?# ") {
		return ErrInvalidDescriptor
	}
	if d.Domain != DomainFandom && d.Domain != DomainWikia {
		return fmt.Errorf("%w: %q", ErrInvalidDomain, d.Domain)
	}
	if d.Lang != "" && d.Lang != "en" {
		if len(d.Lang) != 2 {
			return fmt.Errorf("%w: %q", ErrInvalidLanguage, d.Lang)
		}
		if _, err := language.ParseBase(d.Lang); err != nil {
			return fmt.Errorf("%w: %q", ErrInvalidLanguage, d.Lang)
		}
	}
	return nil
}

// WikiURL builds the base URL of the wiki addressed by d. Non-English wikia
// wikis are only reachable over plain HTTP on their language subdomain.
func (d Descriptor) WikiURL() (string, error) {
	if d.Resolved() {
		return "", ErrInvalidDescriptor
	}
	if err := d.Validate(); err != nil {
		return "", err
	}
	if d.Lang != "" && d.Lang != "en" {
		if d.Domain == DomainWikia {
			return fmt.Sprintf("http://%s.%s.wikia.com", d.Lang, d.Wiki), nil
		}
		return fmt.Sprintf("https://%s.fandom.com/%s", d.Wiki, d.Lang), nil
	}
	if d.Domain == DomainWikia {
		return fmt.Sprintf("https://%s.wikia.com", d.Wiki), nil
	}
	return fmt.Sprintf("https://%s.fandom.com", d.Wiki), nil
}

// UserStatus is a user's presence state and optional status message.
type UserStatus struct {
	State   string `json:"state"`
	Message string `json:"message,omitempty"`
}

// User is a member of a room. Users are keyed by username within their room
// and updated in place when the server pushes an update. Users handed out by
// the client are snapshots taken when the event or query was produced.
type User struct {
	Username    string     `json:"username"`
	DisplayName string     `json:"displayName,omitempty"`
	Since       time.Time  `json:"since"`
	Status      UserStatus `json:"status"`
	Avatar      string     `json:"avatar,omitempty"`
	Groups      []string   `json:"groups,omitempty"`
	EditCount   int        `json:"editCount"`

	// RoomID identifies the owning room. Look the room up through the
	// client; the user does not keep it alive.
	RoomID RoomID `json:"-"`

	ImageSize int `json:"-"`
}

// AvatarCDN is the image host serving user avatars.
const AvatarCDN = "https://vignette.wikia.nocookie.net"

// AvatarURL returns the scaled avatar URL, or "" when the user has no avatar.
func (u *User) AvatarURL() string {
	if u.Avatar == "" {
		return ""
	}
	size := u.ImageSize
	if size <= 0 {
		size = DefaultImageSize
	}
	return fmt.Sprintf("%s/%s/scale-to-width-down/%d", AvatarCDN, u.Avatar, size)
}

// Clone returns a copy of u that shares no memory with it.
func (u *User) Clone() *User {
	if u == nil {
		return nil
	}
	c := *u
	c.Groups = slices.Clone(u.Groups)
	return &c
}

// Elevated reports whether the user holds a moderation group.
func (u *User) Elevated() bool {
	return slices.ContainsFunc(u.Groups, func(group string) bool {
		return group == GroupSysop || group == GroupChatModerator
	})
}

// Message is a chat message received in a room.
type Message struct {
	ID         string    `json:"id"`
	Author     *User     `json:"author,omitempty"`
	AuthorName string    `json:"authorName"`
	Timestamp  time.Time `json:"timestamp"`
	Text       string    `json:"content"`
	Continued  bool      `json:"continued,omitempty"`

	// RoomID identifies the owning room.
	RoomID RoomID `json:"-"`
}

// Clone returns a copy of m with its author cloned as well.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	c.Author = m.Author.Clone()
	return &c
}
