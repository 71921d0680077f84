package orch

import (
	"strings"

	"github.com/dkeye/marketchat/internal/core"
	"github.com/dkeye/marketchat/internal/domain"
)

func (o *Orchestrator) sendMessage(sid core.SessionID, cmd core.SendMessage) error {
	conn, err := o.self(sid)
	if err != nil {
		return err
	}
	// checked up front so a rejected message never creates a direct room
	if strings.TrimSpace(cmd.Content) == "" || len(cmd.Content) > o.Relay.MaxLen {
		return domain.Errorf(domain.ErrBadRequest, "message must be 1..%d bytes", o.Relay.MaxLen)
	}
	room, err := o.memberRoom(conn, cmd.RoomID, cmd.RecipientID, true)
	if err != nil {
		return err
	}
	_, err = o.Relay.SendMessage(sid, room.ID, cmd.Content)
	return err
}

// typing towards an identity needs an existing conversation.
func (o *Orchestrator) typing(sid core.SessionID, cmd core.Typing) error {
	conn, err := o.self(sid)
	if err != nil {
		return err
	}
	room, err := o.memberRoom(conn, cmd.RoomID, cmd.TargetID, false)
	if err != nil {
		return err
	}
	_, err = o.Relay.SetTyping(sid, room.ID, cmd.IsTyping)
	return err
}
