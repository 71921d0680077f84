package core

import (
	"encoding/json"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/marketchat/internal/domain"
)

// EventType is the "type" field of an outbound server frame.
type EventType string

const (
	EvAuthSuccess  EventType = "authSuccess"
	EvRooms        EventType = "rooms"
	EvRoomCreated  EventType = "roomCreated"
	EvRoomJoined   EventType = "roomJoined"
	EvRoomLeft     EventType = "roomLeft"
	EvOnlineUsers  EventType = "onlineUsers"
	EvPresence     EventType = "presence"
	EvMessage      EventType = "message"
	EvTyping       EventType = "typing"
	EvMessageRead  EventType = "messageRead"
	EvSignal       EventType = "signal"
	EvIncomingCall EventType = "incomingCall"
	EvCallAccepted EventType = "callAccepted"
	EvCallRejected EventType = "callRejected"
	EvCallEnded    EventType = "callEnded"
	EvPong         EventType = "pong"
	EvError        EventType = "error"
)

// Event is the wire envelope: {"type": ..., "data": ...}.
type Event struct {
	Type EventType `json:"type"`
	Data any       `json:"data,omitempty"`
}

func NewEvent(t EventType, data any) Event { return Event{Type: t, Data: data} }

func (e Event) Encode() (Frame, error) {
	return json.Marshal(e)
}

type AuthSuccessData struct {
	Identity     domain.Identity    `json:"identity"`
	ConnectionID SessionID          `json:"connectionId"`
	IceServers   []webrtc.ICEServer `json:"iceServers,omitempty"`
}

type RoomLeftData struct {
	RoomID domain.RoomID `json:"roomId"`
}

type PresenceData struct {
	IdentityID domain.IdentityID `json:"identityId"`
	Online     bool              `json:"online"`
	RoomID     domain.RoomID     `json:"roomId"`
}

type TypingData struct {
	IdentityID domain.IdentityID `json:"identityId"`
	Name       string            `json:"name"`
	IsTyping   bool              `json:"isTyping"`
	RoomID     domain.RoomID     `json:"roomId"`
}

type MessageReadData struct {
	MessageID  domain.MessageID  `json:"messageId"`
	IdentityID domain.IdentityID `json:"identityId"`
	ReadBy     string            `json:"readBy"`
	RoomID     domain.RoomID     `json:"roomId"`
}

type SignalData struct {
	From    domain.IdentityID `json:"from"`
	Kind    domain.SignalKind `json:"kind"`
	Payload json.RawMessage   `json:"payload"`
	RoomID  domain.RoomID     `json:"roomId"`
}

type IncomingCallData struct {
	CallerID     domain.IdentityID `json:"callerId"`
	CallerName   string            `json:"callerName"`
	CallerAvatar string            `json:"callerAvatar,omitempty"`
	RoomID       domain.RoomID     `json:"roomId"`
}

type CallAcceptedData struct {
	AcceptedID domain.IdentityID `json:"acceptedId"`
	RoomID     domain.RoomID     `json:"roomId"`
}

type CallRejectedData struct {
	RejecterID domain.IdentityID `json:"rejecterId"`
	Reason     string            `json:"reason,omitempty"`
	RoomID     domain.RoomID     `json:"roomId"`
}

// CallEndedData.Duration is whole seconds since the call was accepted.
type CallEndedData struct {
	EnderID  domain.IdentityID `json:"enderId,omitempty"`
	RoomID   domain.RoomID     `json:"roomId"`
	Duration int64             `json:"duration"`
	Reason   string            `json:"reason,omitempty"`
}

type ErrorData struct {
	Message string      `json:"message"`
	Code    domain.Code `json:"code"`
}

// ErrorEvent maps any error onto the wire error event.
func ErrorEvent(err error) Event {
	code := domain.CodeOf(err)
	msg := err.Error()
	if code == domain.CodeInternal {
		msg = "internal error"
	}
	return NewEvent(EvError, ErrorData{Message: msg, Code: code})
}
