package signaling

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type EventType string

const (
	// Presence, client -> relay
	EventJoinRoom  EventType = "join-room"
	EventLeaveRoom EventType = "leave-room"
	EventMove      EventType = "move"

	// Presence, relay -> client
	EventWelcome           EventType = "welcome"
	EventRoomState         EventType = "room-state"
	EventSelfAssigned      EventType = "self-assigned"
	EventParticipantJoined EventType = "participant-joined"
	EventParticipantMoved  EventType = "participant-moved"
	EventParticipantLeft   EventType = "participant-left"
	EventError             EventType = "error"

	// Signaling, peer <-> peer through the relay
	EventCallRequest      EventType = "call-request"
	EventCallAccept       EventType = "call-accept"
	EventCallDecline      EventType = "call-decline"
	EventCallEnd          EventType = "call-end"
	EventSessionOffer     EventType = "session-offer"
	EventSessionAnswer    EventType = "session-answer"
	EventNetworkCandidate EventType = "network-candidate"
)

// IsSignal reports whether the event is relayed peer to peer by target id.
func (e EventType) IsSignal() bool {
	switch e {
	case EventCallRequest, EventCallAccept, EventCallDecline, EventCallEnd,
		EventSessionOffer, EventSessionAnswer, EventNetworkCandidate:
		return true
	}
	return false
}

// Message is the envelope for every event in both directions. Data is kept
// raw so signaling payloads pass through the relay untouched.
type Message struct {
	Type      EventType       `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	From      string          `json:"from,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewMessage encodes payload as the message data. A nil payload leaves Data empty.
func NewMessage(t EventType, payload any) (Message, error) {
	msg := Message{Type: t, Timestamp: time.Now()}
	if payload == nil {
		return msg, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s payload: %w", t, err)
	}
	msg.Data = data
	return msg, nil
}

// DecodeData unmarshals message data into out. Some browser clients send the
// payload as a JSON string holding the object, which is accepted as well.
func DecodeData[T any](data json.RawMessage, out *T) error {
	if len(data) == 0 {
		return errors.New("missing data")
	}
	if err := json.Unmarshal(data, out); err != nil {
		var dataStr string
		if err2 := json.Unmarshal(data, &dataStr); err2 != nil {
			return fmt.Errorf("not valid JSON: %w", err)
		}
		if err3 := json.Unmarshal([]byte(dataStr), out); err3 != nil {
			return fmt.Errorf("invalid inner JSON: %w", err3)
		}
	}
	return nil
}

type WelcomePayload struct {
	ID string `json:"id"`
}

type JoinRoomPayload struct {
	RoomID string `json:"roomId"`
}

type MovePayload struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type MovedPayload struct {
	ID string  `json:"id"`
	X  float64 `json:"x"`
	Y  float64 `json:"y"`
}

type LeftPayload struct {
	ID string `json:"id"`
}

// TargetPayload is the only part of a signaling payload the relay reads.
type TargetPayload struct {
	Target string `json:"target"`
}

type ErrorPayload struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}
