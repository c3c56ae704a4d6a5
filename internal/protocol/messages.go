package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"unicode"
)

// MaxIDLength caps room and participant identifiers.
const MaxIDLength = 128

var errTrailingData = errors.New("unexpected trailing data")

type ClientMessageType string

const (
	ClientJoinRoom ClientMessageType = "join-room"
	ClientSignal   ClientMessageType = "message"
	ClientLeave    ClientMessageType = "leave"
)

// ClientMessage is an envelope sent by a participant to the relay.
type ClientMessage struct {
	Type          ClientMessageType `json:"type"`
	RoomID        string            `json:"roomId,omitempty"`
	ParticipantID string            `json:"participantId,omitempty"`
	Message       *SignalMessage    `json:"message,omitempty"`
}

type ServerMessageType string

const (
	ServerJoined           ServerMessageType = "joined"
	ServerUserConnected    ServerMessageType = "user-connected"
	ServerUserDisconnected ServerMessageType = "user-disconnected"
	ServerSignal           ServerMessageType = "message"
	ServerError            ServerMessageType = "error"
)

// ServerMessage is an envelope sent by the relay to a participant.
type ServerMessage struct {
	Type          ServerMessageType `json:"type"`
	RoomID        string            `json:"roomId,omitempty"`
	ParticipantID string            `json:"participantId,omitempty"`
	Participants  []string          `json:"participants,omitempty"`
	Message       *SignalMessage    `json:"message,omitempty"`
	Code          string            `json:"code,omitempty"`
	Detail        string            `json:"detail,omitempty"`
}

func Joined(roomID, participantID string, others []string) ServerMessage {
	return ServerMessage{Type: ServerJoined, RoomID: roomID, ParticipantID: participantID, Participants: others}
}

func UserConnected(roomID, participantID string) ServerMessage {
	return ServerMessage{Type: ServerUserConnected, RoomID: roomID, ParticipantID: participantID}
}

func UserDisconnected(roomID, participantID string) ServerMessage {
	return ServerMessage{Type: ServerUserDisconnected, RoomID: roomID, ParticipantID: participantID}
}

func Relayed(msg SignalMessage) ServerMessage {
	return ServerMessage{Type: ServerSignal, RoomID: msg.RoomID, Message: &msg}
}

func Error(code, detail string) ServerMessage {
	return ServerMessage{Type: ServerError, Code: code, Detail: detail}
}

// ParseClientMessage decodes and validates a client envelope. Unknown fields
// and trailing data are rejected.
func ParseClientMessage(data []byte) (ClientMessage, error) {
	var msg ClientMessage
	if err := decodeStrict(data, &msg); err != nil {
		return ClientMessage{}, err
	}
	if err := msg.Validate(); err != nil {
		return ClientMessage{}, err
	}
	return msg, nil
}

func (m ClientMessage) Validate() error {
	switch m.Type {
	case ClientJoinRoom:
		if err := ValidateID("roomId", m.RoomID); err != nil {
			return err
		}
		if m.ParticipantID != "" {
			if err := ValidateID("participantId", m.ParticipantID); err != nil {
				return err
			}
		}
		if m.Message != nil {
			return fmt.Errorf("join-room message has unexpected message")
		}
	case ClientSignal:
		if m.Message == nil {
			return fmt.Errorf("message envelope missing message")
		}
		if m.RoomID != "" || m.ParticipantID != "" {
			return fmt.Errorf("message envelope has unexpected fields")
		}
		return m.Message.Validate()
	case ClientLeave:
		if m.RoomID != "" || m.ParticipantID != "" || m.Message != nil {
			return fmt.Errorf("leave message has unexpected fields")
		}
	default:
		return fmt.Errorf("unsupported message type %q", m.Type)
	}
	return nil
}

// ParseServerMessage decodes a relay envelope. It is lenient about unknown
// fields so older clients keep working against newer relays.
func ParseServerMessage(data []byte) (ServerMessage, error) {
	var msg ServerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return ServerMessage{}, err
	}
	switch msg.Type {
	case ServerJoined, ServerUserConnected, ServerUserDisconnected:
		if msg.ParticipantID == "" {
			return ServerMessage{}, fmt.Errorf("%s message missing participantId", msg.Type)
		}
	case ServerSignal:
		if msg.Message == nil {
			return ServerMessage{}, fmt.Errorf("message envelope missing message")
		}
		if msg.Message.From == "" {
			return ServerMessage{}, fmt.Errorf("relayed message missing from")
		}
	case ServerError:
	default:
		return ServerMessage{}, fmt.Errorf("unsupported message type %q", msg.Type)
	}
	return msg, nil
}

// ValidateID checks a room or participant identifier.
func ValidateID(field, id string) error {
	if id == "" {
		return fmt.Errorf("missing %s", field)
	}
	if len(id) > MaxIDLength {
		return fmt.Errorf("%s exceeds %d bytes", field, MaxIDLength)
	}
	for _, r := range id {
		if unicode.IsControl(r) || r == unicode.ReplacementChar {
			return fmt.Errorf("%s contains invalid characters", field)
		}
	}
	return nil
}

func decodeStrict(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errTrailingData
	}
	return nil
}
