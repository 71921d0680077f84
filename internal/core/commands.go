package core

import (
	"encoding/json"

	"github.com/dkeye/marketchat/internal/domain"
)

// CommandType is the "type" field of an inbound client frame.
type CommandType string

const (
	CmdAuthenticate    CommandType = "authenticate"
	CmdGetRooms        CommandType = "getRooms"
	CmdSendMessage     CommandType = "sendMessage"
	CmdJoinRoom        CommandType = "joinRoom"
	CmdLeaveRoom       CommandType = "leaveRoom"
	CmdCreateRoom      CommandType = "createRoom"
	CmdTyping          CommandType = "typing"
	CmdMarkMessageRead CommandType = "markMessageRead"
	CmdSignal          CommandType = "signal"
	CmdInitiateCall    CommandType = "initiateCall"
	CmdAcceptCall      CommandType = "acceptCall"
	CmdRejectCall      CommandType = "rejectCall"
	CmdEndCall         CommandType = "endCall"
	CmdPing            CommandType = "ping"
	CmdLogout          CommandType = "logout"
)

// Command is one decoded inbound event. The set of implementations below is
// closed; the supervisor switches over all of them.
type Command interface {
	Kind() CommandType
}

type Authenticate struct {
	Credential string      `json:"credential" validate:"required,max=8192"`
	Role       domain.Role `json:"role" validate:"required,oneof=customer seller admin"`
}

type GetRooms struct{}

// SendMessage targets either an existing room or an identity; in the latter
// case the direct room is found or created.
type SendMessage struct {
	Content     string            `json:"content" validate:"required"`
	RoomID      domain.RoomID     `json:"roomId" validate:"required_without=RecipientID"`
	RecipientID domain.IdentityID `json:"recipientId" validate:"required_without=RoomID"`
}

type JoinRoom struct {
	RoomID     domain.RoomID     `json:"roomId" validate:"required_without=IdentityID"`
	IdentityID domain.IdentityID `json:"identityId" validate:"required_without=RoomID"`
}

type LeaveRoom struct {
	RoomID     domain.RoomID     `json:"roomId" validate:"required_without=IdentityID"`
	IdentityID domain.IdentityID `json:"identityId" validate:"required_without=RoomID"`
}

type CreateRoom struct {
	Name      domain.RoomName     `json:"name" validate:"max=64"`
	MemberIDs []domain.IdentityID `json:"memberIds" validate:"required,min=1,max=64,dive,required"`
}

type Typing struct {
	RoomID   domain.RoomID     `json:"roomId" validate:"required_without=TargetID"`
	TargetID domain.IdentityID `json:"targetId" validate:"required_without=RoomID"`
	IsTyping bool              `json:"isTyping"`
}

type MarkMessageRead struct {
	MessageID domain.MessageID `json:"messageId" validate:"required"`
	RoomID    domain.RoomID    `json:"roomId" validate:"required"`
}

// Signal carries an opaque negotiation payload; it is relayed verbatim.
type Signal struct {
	TargetID   domain.IdentityID `json:"targetId" validate:"required"`
	SignalKind domain.SignalKind `json:"kind" validate:"required,oneof=offer answer ice-candidate"`
	Payload    json.RawMessage   `json:"payload" validate:"required"`
	RoomID     domain.RoomID     `json:"roomId" validate:"required"`
}

type InitiateCall struct {
	RecipientID domain.IdentityID `json:"recipientId" validate:"required"`
	RoomID      domain.RoomID     `json:"roomId" validate:"required"`
}

type AcceptCall struct {
	CallerID domain.IdentityID `json:"callerId" validate:"required"`
	RoomID   domain.RoomID     `json:"roomId" validate:"required"`
}

// RejectCall may omit RoomID; the ringing call from CallerID is used then.
type RejectCall struct {
	CallerID domain.IdentityID `json:"callerId" validate:"required"`
	RoomID   domain.RoomID     `json:"roomId"`
	Reason   string            `json:"reason" validate:"max=256"`
}

type EndCall struct {
	RoomID domain.RoomID `json:"roomId" validate:"required"`
}

type Ping struct{}

type Logout struct{}

func (Authenticate) Kind() CommandType    { return CmdAuthenticate }
func (GetRooms) Kind() CommandType        { return CmdGetRooms }
func (SendMessage) Kind() CommandType     { return CmdSendMessage }
func (JoinRoom) Kind() CommandType        { return CmdJoinRoom }
func (LeaveRoom) Kind() CommandType       { return CmdLeaveRoom }
func (CreateRoom) Kind() CommandType      { return CmdCreateRoom }
func (Typing) Kind() CommandType          { return CmdTyping }
func (MarkMessageRead) Kind() CommandType { return CmdMarkMessageRead }
func (Signal) Kind() CommandType          { return CmdSignal }
func (InitiateCall) Kind() CommandType    { return CmdInitiateCall }
func (AcceptCall) Kind() CommandType      { return CmdAcceptCall }
func (RejectCall) Kind() CommandType      { return CmdRejectCall }
func (EndCall) Kind() CommandType         { return CmdEndCall }
func (Ping) Kind() CommandType            { return CmdPing }
func (Logout) Kind() CommandType          { return CmdLogout }
