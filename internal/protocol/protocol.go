package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const (
	headerSize     = 1
	maxPayloadSize = 10 * 1024 * 1024 // 10MB max payload size
)

// PacketType is an Engine.IO v3 packet type.
type PacketType byte

const (
	PacketOpen    PacketType = '0'
	PacketClose   PacketType = '1'
	PacketPing    PacketType = '2'
	PacketPong    PacketType = '3'
	PacketMessage PacketType = '4'
	PacketUpgrade PacketType = '5'
	PacketNoop    PacketType = '6'
)

func (t PacketType) String() string {
	switch t {
	case PacketOpen:
		return "open"
	case PacketClose:
		return "close"
	case PacketPing:
		return "ping"
	case PacketPong:
		return "pong"
	case PacketMessage:
		return "message"
	case PacketUpgrade:
		return "upgrade"
	case PacketNoop:
		return "noop"
	default:
		return fmt.Sprintf("unknown(%q)", byte(t))
	}
}

// MessageType is a Socket.IO v2 packet type carried inside PacketMessage.
type MessageType byte

const (
	MessageConnect    MessageType = '0'
	MessageDisconnect MessageType = '1'
	MessageEvent      MessageType = '2'
	MessageAck        MessageType = '3'
	MessageError      MessageType = '4'
)

var (
	ErrEmptyFrame     = errors.New("data too short")
	ErrUnknownPacket  = errors.New("unknown packet type")
	ErrPayloadTooLong = errors.New("payload too long")
	ErrNotEvent       = errors.New("not an event packet")
)

// Handshake is the payload of the open packet.
type Handshake struct {
	SID          string   `json:"sid"`
	Upgrades     []string `json:"upgrades"`
	PingInterval int      `json:"pingInterval"`
	PingTimeout  int      `json:"pingTimeout"`
}

// Interval is the probe period announced by the server.
func (h Handshake) Interval() time.Duration {
	return time.Duration(h.PingInterval) * time.Millisecond
}

// Timeout is how long the server waits for a probe before dropping us.
func (h Handshake) Timeout() time.Duration {
	return time.Duration(h.PingTimeout) * time.Millisecond
}

// Encode prefixes payload with the packet type.
func Encode(t PacketType, payload []byte) ([]byte, error) {
	if len(payload) > maxPayloadSize {
		return nil, fmt.Errorf("%w: %d exceeds maximum %d bytes", ErrPayloadTooLong, len(payload), maxPayloadSize)
	}

	out := make([]byte, headerSize+len(payload))
	out[0] = byte(t)
	copy(out[headerSize:], payload)
	return out, nil
}

// Decode splits a frame into its packet type and payload.
// The payload slice references the input data - do not modify it.
func Decode(data []byte) (PacketType, []byte, error) {
	if len(data) < headerSize {
		return 0, nil, ErrEmptyFrame
	}

	payloadSize := len(data) - headerSize
	if payloadSize > maxPayloadSize {
		return 0, nil, fmt.Errorf("%w: %d exceeds maximum %d bytes", ErrPayloadTooLong, payloadSize, maxPayloadSize)
	}

	t := PacketType(data[0])
	if t < PacketOpen || t > PacketNoop {
		return 0, nil, fmt.Errorf("%w %q", ErrUnknownPacket, data[0])
	}
	return t, data[headerSize:], nil
}

// ParseHandshake decodes the payload of an open packet.
func ParseHandshake(payload []byte) (Handshake, error) {
	var h Handshake
	if err := json.Unmarshal(payload, &h); err != nil {
		return Handshake{}, fmt.Errorf("invalid handshake: %w", err)
	}
	if h.SID == "" {
		return Handshake{}, errors.New("invalid handshake: missing sid")
	}
	return h, nil
}

// EncodeMessage builds a message frame carrying a Socket.IO packet.
func EncodeMessage(t MessageType, data []byte) ([]byte, error) {
	payload := make([]byte, 0, 1+len(data))
	payload = append(payload, byte(t))
	payload = append(payload, data...)
	return Encode(PacketMessage, payload)
}

// EncodeEvent builds the frame of an event with the given arguments,
// e.g. 42["message","..."].
func EncodeEvent(name string, args ...any) ([]byte, error) {
	data, err := json.Marshal(append([]any{name}, args...))
	if err != nil {
		return nil, fmt.Errorf("encode event %q: %w", name, err)
	}
	return EncodeMessage(MessageEvent, data)
}

// DecodeMessage splits the payload of a message frame into its Socket.IO
// packet type and JSON data, skipping any namespace and ack id.
func DecodeMessage(payload []byte) (MessageType, []byte, error) {
	if len(payload) < 1 {
		return 0, nil, ErrEmptyFrame
	}
	t := MessageType(payload[0])
	if t < MessageConnect || t > '6' {
		return 0, nil, fmt.Errorf("%w %q", ErrUnknownPacket, payload[0])
	}

	rest := payload[1:]
	// Namespace: "/nsp," prefix.
	if len(rest) > 0 && rest[0] == '/' {
		i := 0
		for i < len(rest) && rest[i] != ',' {
			i++
		}
		if i < len(rest) {
			i++
		}
		rest = rest[i:]
	}
	// Ack id
	for len(rest) > 0 && rest[0] >= '0' && rest[0] <= '9' {
		rest = rest[1:]
	}
	return t, rest, nil
}

// DecodeEvent parses the data of an event packet into its name and arguments.
func DecodeEvent(data []byte) (string, []json.RawMessage, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrNotEvent, err)
	}
	if len(parts) == 0 {
		return "", nil, ErrNotEvent
	}
	var name string
	if err := json.Unmarshal(parts[0], &name); err != nil {
		return "", nil, fmt.Errorf("%w: event name: %v", ErrNotEvent, err)
	}
	return name, parts[1:], nil
}
