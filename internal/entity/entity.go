package entity

import (
	"regexp"
	"slices"

	"github.com/luciancaetano/wikichat"
)

// avatarTrim strips the host prefix and everything after the first path
// segment of an avatar source URL.
var avatarTrim = regexp.MustCompile(`https?:/.+?/|/.+?$`)

// AvatarPath extracts the avatar path from an avatarSrc attribute.
func AvatarPath(src string) string {
	return avatarTrim.ReplaceAllString(src, "")
}

// UserFromWire builds a user of the given room.
func UserFromWire(w UserWire, roomID wikichat.RoomID, imageSize int) *wikichat.User {
	u := &wikichat.User{RoomID: roomID, ImageSize: imageSize}
	MergeUser(u, w)
	return u
}

// MergeUser overwrites the attributes of u with those of w, keeping its
// identity and owning room.
func MergeUser(u *wikichat.User, w UserWire) {
	a := w.Attrs
	u.Username = a.Name
	u.Since = a.Since.Std()
	u.Status = wikichat.UserStatus{State: a.StatusState, Message: a.StatusMessage}
	u.Avatar = AvatarPath(a.AvatarSrc)
	u.Groups = slices.Clone(a.Groups)
	u.EditCount = int(a.EditCount)
}

// MessageFromWire builds a message of the given room. author is the cached
// user who wrote it, or nil when unknown.
func MessageFromWire(w ChatWire, roomID wikichat.RoomID, author *wikichat.User) *wikichat.Message {
	return &wikichat.Message{
		ID:         string(w.ID),
		Author:     author,
		AuthorName: w.Attrs.Name,
		Timestamp:  w.Attrs.TimeStamp.Std(),
		Text:       w.Attrs.Text,
		Continued:  w.Attrs.Continued,
		RoomID:     roomID,
	}
}
