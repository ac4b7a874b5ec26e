// Package entity decodes the payloads pushed by the chat server and turns
// them into the domain types of the wikichat package.
package entity

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Frame is an inbound "message" event: a tag and its payload.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// UserAttrs are the attributes of a user model.
type UserAttrs struct {
	Name          string   `json:"name"`
	Since         Time     `json:"since"`
	StatusState   string   `json:"statusState"`
	StatusMessage string   `json:"statusMessage"`
	AvatarSrc     string   `json:"avatarSrc"`
	Groups        []string `json:"groups"`
	EditCount     Int      `json:"editCount"`
}

// UserWire is a user model as pushed by join, logout, updateUser and initial.
type UserWire struct {
	Attrs UserAttrs `json:"attrs"`
}

// ChatAttrs are the attributes of a chat model.
type ChatAttrs struct {
	Name      string `json:"name"`
	Text      string `json:"text"`
	TimeStamp Time   `json:"timeStamp"`
	Continued bool   `json:"continued"`
}

// ChatWire is a chat model as pushed by chat:add and initial.
type ChatWire struct {
	ID    ID        `json:"id"`
	Attrs ChatAttrs `json:"attrs"`
}

// KickWire is the payload of a kick event.
type KickWire struct {
	Attrs struct {
		KickedUserName string `json:"kickedUserName"`
		ModeratorName  string `json:"moderatorName"`
	} `json:"attrs"`
}

// InitialWire is the room snapshot sent in answer to initquery.
type InitialWire struct {
	Collections struct {
		Users struct {
			Models []UserWire `json:"models"`
		} `json:"users"`
		Chats struct {
			Models []ChatWire `json:"models"`
		} `json:"chats"`
	} `json:"collections"`
}

// ParseData unwraps a payload the server sometimes double-encodes: a JSON
// string whose content looks like an object is decoded once more.
func ParseData(raw json.RawMessage) (json.RawMessage, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '"' {
		return raw, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("entity: decode string payload: %w", err)
	}
	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, "{") || strings.HasSuffix(trimmed, "}") {
		return json.RawMessage(trimmed), nil
	}
	return raw, nil
}

// Decode unwraps raw with ParseData and unmarshals it into v.
func Decode(raw json.RawMessage, v any) error {
	data, err := ParseData(raw)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("entity: decode payload: %w", err)
	}
	return nil
}

// ID accepts a JSON number or string.
type ID string

func (id *ID) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("entity: invalid id %s", b)
	}
	*id = ID(n.String())
	return nil
}

// Int accepts a JSON number or a numeric string.
type Int int

func (i *Int) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		return nil
	}
	s := strings.Trim(string(b), `"`)
	if s == "" {
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("entity: invalid integer %s", b)
	}
	*i = Int(f)
	return nil
}

// Time accepts a Unix timestamp (seconds or milliseconds) given as a number,
// a numeric string, or the first element of an array or {"0": ...} object.
type Time time.Time

// Values above this are taken as milliseconds.
const millisThreshold = 1e11

func (t *Time) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}

	switch b[0] {
	case '{':
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(b, &obj); err != nil {
			return err
		}
		if first, ok := obj["0"]; ok {
			return t.UnmarshalJSON(first)
		}
		return nil
	case '[':
		var arr []json.RawMessage
		if err := json.Unmarshal(b, &arr); err != nil {
			return err
		}
		if len(arr) > 0 {
			return t.UnmarshalJSON(arr[0])
		}
		return nil
	}

	s := strings.Trim(string(b), `"`)
	if s == "" {
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		parsed, perr := time.Parse(time.RFC3339, s)
		if perr != nil {
			return fmt.Errorf("entity: invalid timestamp %s", b)
		}
		*t = Time(parsed)
		return nil
	}
	if f > millisThreshold {
		*t = Time(time.UnixMilli(int64(f)))
	} else {
		*t = Time(time.Unix(int64(f), 0))
	}
	return nil
}

// Std returns the value as a time.Time.
func (t Time) Std() time.Time {
	return time.Time(t)
}
