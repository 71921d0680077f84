package orch

import (
	"github.com/rs/zerolog/log"

	"github.com/dkeye/marketchat/internal/app"
	"github.com/dkeye/marketchat/internal/core"
	"github.com/dkeye/marketchat/internal/domain"
)

func (o *Orchestrator) self(sid core.SessionID) (*app.Connection, error) {
	conn, ok := o.Registry.Lookup(sid)
	if !ok {
		return nil, domain.ErrNotAuthenticated
	}
	return conn, nil
}

func (o *Orchestrator) getRooms(sid core.SessionID) error {
	conn, err := o.self(sid)
	if err != nil {
		return err
	}
	o.Out.ToConnection(sid, core.NewEvent(core.EvRooms, o.Rooms.RoomsForIdentity(conn.Identity.ID)))
	return nil
}

// memberRoom resolves a room the caller belongs to, either by id or as the
// direct room with peer. A missing direct room is created when create is set.
func (o *Orchestrator) memberRoom(conn *app.Connection, roomID domain.RoomID, peer domain.IdentityID, create bool) (domain.Room, error) {
	me := conn.Identity.ID
	if roomID != "" {
		room, err := o.Rooms.GetRoom(roomID)
		if err != nil {
			return domain.Room{}, err
		}
		if !room.HasMember(me) {
			return domain.Room{}, domain.Errorf(domain.ErrNotAMember, "not a member of room %s", roomID)
		}
		return room, nil
	}
	if peer == "" {
		return domain.Room{}, domain.Errorf(domain.ErrBadRequest, "room or identity required")
	}
	if !create {
		room, ok := o.Rooms.DirectRoom(me, peer)
		if !ok {
			return domain.Room{}, domain.Errorf(domain.ErrNotFound, "no conversation with %s", peer)
		}
		return room, nil
	}
	room, created, err := o.Rooms.FindOrCreateDirectRoom(me, peer)
	if err != nil {
		return domain.Room{}, err
	}
	if created {
		o.announceRoom(room)
	}
	return room, nil
}

// announceRoom persists a new room, joins it on every live connection of its
// members and tells them about it.
func (o *Orchestrator) announceRoom(room domain.Room) {
	o.Persist.EnqueueRoom(room)
	ev := core.NewEvent(core.EvRoomCreated, room)
	var sent int
	for _, m := range room.Members {
		for _, sid := range o.Registry.ConnectionsFor(m) {
			if c, ok := o.Registry.Lookup(sid); ok {
				c.JoinRoom(room.ID)
			}
		}
		sent += o.Out.ToIdentity(m, ev, "").SendTo
	}
	log.Info().Str("module", "orch").Str("room", string(room.ID)).Bool("direct", room.Direct).Int("sent_to", sent).Msg("room announced")
}

func (o *Orchestrator) joinRoom(sid core.SessionID, roomID domain.RoomID, peer domain.IdentityID) error {
	conn, err := o.self(sid)
	if err != nil {
		return err
	}
	room, err := o.memberRoom(conn, roomID, peer, true)
	if err != nil {
		return err
	}
	conn.JoinRoom(room.ID)
	o.Out.ToConnection(sid, core.NewEvent(core.EvRoomJoined, room))
	log.Debug().Str("module", "orch").Str("sid", string(sid)).Str("room", string(room.ID)).Msg("joined room")
	return nil
}

// leaveRoom only stops room events on this connection; membership is fixed.
func (o *Orchestrator) leaveRoom(sid core.SessionID, roomID domain.RoomID, peer domain.IdentityID) error {
	conn, err := o.self(sid)
	if err != nil {
		return err
	}
	room, err := o.memberRoom(conn, roomID, peer, false)
	if err != nil {
		return err
	}
	conn.LeaveRoom(room.ID)
	o.Out.ToConnection(sid, core.NewEvent(core.EvRoomLeft, core.RoomLeftData{RoomID: room.ID}))
	log.Debug().Str("module", "orch").Str("sid", string(sid)).Str("room", string(room.ID)).Msg("left room")
	return nil
}

func (o *Orchestrator) createRoom(sid core.SessionID, cmd core.CreateRoom) error {
	conn, err := o.self(sid)
	if err != nil {
		return err
	}
	members := append([]domain.IdentityID{conn.Identity.ID}, cmd.MemberIDs...)
	room, err := o.Rooms.CreateRoom(cmd.Name, members)
	if err != nil {
		return err
	}
	o.announceRoom(room)
	return nil
}
