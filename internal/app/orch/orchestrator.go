// Package orch supervises a connection from authenticate to disconnect and
// dispatches its commands to the registry, directory, relay and call
// coordinator.
package orch

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/marketchat/internal/app"
	"github.com/dkeye/marketchat/internal/core"
	"github.com/dkeye/marketchat/internal/domain"
	"github.com/dkeye/marketchat/internal/metrics"
)

// Session is the adapter's view of a transport connection before and after
// authentication.
type Session struct {
	ID       core.SessionID
	DeviceID string
	Signal   core.SignalConnection
}

type Orchestrator struct {
	Registry *app.Registry
	Rooms    *app.Directory
	Relay    *app.Relay
	Calls    *app.Coordinator
	Out      *app.Publisher
	Persist  *app.Persister
	Auth     core.Authenticator

	IceServers  []webrtc.ICEServer
	AuthTimeout time.Duration
	Clock       clock.Clock
}

type Deps struct {
	Registry    *app.Registry
	Rooms       *app.Directory
	Relay       *app.Relay
	Calls       *app.Coordinator
	Out         *app.Publisher
	Persist     *app.Persister
	Auth        core.Authenticator
	IceServers  []webrtc.ICEServer
	AuthTimeout time.Duration
	Clock       clock.Clock
}

func New(d Deps) *Orchestrator {
	if d.Clock == nil {
		d.Clock = clock.New()
	}
	if d.AuthTimeout <= 0 {
		d.AuthTimeout = 10 * time.Second
	}
	o := &Orchestrator{
		Registry:    d.Registry,
		Rooms:       d.Rooms,
		Relay:       d.Relay,
		Calls:       d.Calls,
		Out:         d.Out,
		Persist:     d.Persist,
		Auth:        d.Auth,
		IceServers:  d.IceServers,
		AuthTimeout: d.AuthTimeout,
		Clock:       d.Clock,
	}
	o.Registry.OnPresence(o.onPresence)
	return o
}

// Authenticated reports whether sid finished authentication.
func (o *Orchestrator) Authenticated(sid core.SessionID) bool {
	_, ok := o.Registry.Lookup(sid)
	return ok
}

// Dispatch runs one inbound command. Errors go back to the offending
// connection as an error event; only a failed authentication closes it.
func (o *Orchestrator) Dispatch(ctx context.Context, sess *Session, cmd core.Command) {
	var err error
	if auth, ok := cmd.(core.Authenticate); ok {
		err = o.authenticate(ctx, sess, auth)
	} else if !o.Authenticated(sess.ID) {
		err = domain.ErrNotAuthenticated
	} else {
		err = o.dispatch(sess, cmd)
	}
	if err != nil {
		o.Reject(sess, cmd.Kind(), err)
	}
}

func (o *Orchestrator) dispatch(sess *Session, cmd core.Command) error {
	sid := sess.ID
	switch c := cmd.(type) {
	case core.GetRooms:
		return o.getRooms(sid)
	case core.SendMessage:
		return o.sendMessage(sid, c)
	case core.JoinRoom:
		return o.joinRoom(sid, c.RoomID, c.IdentityID)
	case core.LeaveRoom:
		return o.leaveRoom(sid, c.RoomID, c.IdentityID)
	case core.CreateRoom:
		return o.createRoom(sid, c)
	case core.Typing:
		return o.typing(sid, c)
	case core.MarkMessageRead:
		_, err := o.Relay.MarkRead(sid, c.MessageID, c.RoomID)
		return err
	case core.Signal:
		_, err := o.Calls.Signal(sid, c.TargetID, c.SignalKind, c.Payload, c.RoomID)
		return err
	case core.InitiateCall:
		_, err := o.Calls.InitiateCall(sid, c.RecipientID, c.RoomID)
		return err
	case core.AcceptCall:
		_, err := o.Calls.AcceptCall(sid, c.CallerID, c.RoomID)
		return err
	case core.RejectCall:
		_, err := o.Calls.RejectCall(sid, c.CallerID, c.RoomID, c.Reason)
		return err
	case core.EndCall:
		_, err := o.Calls.EndCall(sid, c.RoomID)
		return err
	case core.Ping:
		o.Out.ToConnection(sid, core.NewEvent(core.EvPong, nil))
		return nil
	case core.Logout:
		log.Info().Str("module", "orch").Str("sid", string(sid)).Msg("logout")
		o.Disconnect(sid)
		sess.Signal.Close()
		return nil
	case core.Authenticate:
		return domain.Errorf(domain.ErrBadRequest, "already authenticated")
	default:
		return domain.Errorf(domain.ErrBadRequest, "unknown command %q", cmd.Kind())
	}
}

// Reject reports err to the session only.
func (o *Orchestrator) Reject(sess *Session, kind core.CommandType, err error) {
	code := domain.CodeOf(err)
	metrics.CommandsRejected.WithLabelValues(string(kind), string(code)).Inc()
	log.Debug().Err(err).Str("module", "orch").Str("sid", string(sess.ID)).Str("command", string(kind)).Str("code", string(code)).Msg("command rejected")
	if sendErr := app.Raw(sess.Signal, core.ErrorEvent(err)); sendErr != nil {
		log.Warn().Err(sendErr).Str("module", "orch").Str("sid", string(sess.ID)).Msg("error event dropped")
	}
}

func (o *Orchestrator) authenticate(ctx context.Context, sess *Session, cmd core.Authenticate) error {
	if o.Authenticated(sess.ID) {
		return domain.Errorf(domain.ErrBadRequest, "already authenticated")
	}
	actx, cancel := context.WithTimeout(ctx, o.AuthTimeout)
	defer cancel()

	identity, err := o.Auth.Authenticate(actx, cmd.Credential, cmd.Role)
	if err != nil {
		metrics.AuthFailures.Inc()
		log.Warn().Err(err).Str("module", "orch").Str("sid", string(sess.ID)).Str("role", string(cmd.Role)).Msg("authentication failed")
		_ = app.Raw(sess.Signal, core.ErrorEvent(domain.Errorf(domain.ErrAuthFailed, "authentication failed")))
		sess.Signal.Close()
		return nil
	}

	conn := app.NewConnection(sess.ID, identity, sess.DeviceID, sess.Signal, o.Clock.Now())
	rooms := o.Rooms.RoomsForIdentity(identity.ID)
	for _, r := range rooms {
		conn.JoinRoom(r.ID)
	}

	// authSuccess goes out before the connection becomes visible to others,
	// so it is always the first event the client sees.
	if err := app.Raw(sess.Signal, core.NewEvent(core.EvAuthSuccess, core.AuthSuccessData{
		Identity:     *identity,
		ConnectionID: sess.ID,
		IceServers:   o.IceServers,
	})); err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("sid", string(sess.ID)).Msg("authSuccess dropped")
	}
	if _, err := o.Registry.Register(conn); err != nil {
		sess.Signal.Close()
		return err
	}
	// a room announced before Register could not see this connection
	rooms = o.Rooms.RoomsForIdentity(identity.ID)
	for _, r := range rooms {
		conn.JoinRoom(r.ID)
	}

	o.Out.ToConnection(sess.ID, core.NewEvent(core.EvRooms, rooms))
	o.Out.ToConnection(sess.ID, core.NewEvent(core.EvOnlineUsers, o.onlineUsers(identity.ID, rooms)))
	log.Info().Str("module", "orch").Str("sid", string(sess.ID)).Str("identity", string(identity.ID)).Str("role", string(identity.Role)).Int("rooms", len(rooms)).Msg("authenticated")
	return nil
}

// onlineUsers lists online identities that share at least one room with id.
func (o *Orchestrator) onlineUsers(id domain.IdentityID, rooms []domain.Room) []domain.Identity {
	seen := make(map[domain.IdentityID]struct{})
	var peers []domain.IdentityID
	for _, r := range rooms {
		for _, m := range r.Members {
			if m == id {
				continue
			}
			if _, ok := seen[m]; ok {
				continue
			}
			seen[m] = struct{}{}
			peers = append(peers, m)
		}
	}
	return o.Registry.OnlineAmong(peers)
}

// Disconnect unregisters sid, tears down its calls and typing state. Repeated
// calls are no-ops.
func (o *Orchestrator) Disconnect(sid core.SessionID) {
	dep, ok := o.Registry.Unregister(sid)
	if !ok {
		return
	}
	ended := o.Calls.ConnectionLost(sid, dep.Conn.Identity.ID, dep.WentOffline)
	o.Relay.ForgetConnection(dep.Conn)
	log.Info().Str("module", "orch").Str("sid", string(sid)).Str("identity", string(dep.Conn.Identity.ID)).Bool("went_offline", dep.WentOffline).Int("calls_ended", len(ended)).Msg("disconnected")
}

// onPresence runs under the identity's presence lock.
func (o *Orchestrator) onPresence(ch app.PresenceChange) {
	var res app.PublishResult
	for _, id := range ch.Rooms {
		room, err := o.Rooms.GetRoom(id)
		if err != nil {
			continue
		}
		ev := core.NewEvent(core.EvPresence, core.PresenceData{
			IdentityID: ch.Identity.ID,
			Online:     ch.Online,
			RoomID:     id,
		})
		r := o.Out.ToRoom(id, room.Others(ch.Identity.ID), ev, "")
		res.SendTo += r.SendTo
	}
	log.Debug().Str("module", "orch").Str("identity", string(ch.Identity.ID)).Bool("online", ch.Online).Int("rooms", len(ch.Rooms)).Int("sent_to", res.SendTo).Msg("presence broadcast")
}
