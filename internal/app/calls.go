package app

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/marketchat/internal/core"
	"github.com/dkeye/marketchat/internal/domain"
	"github.com/dkeye/marketchat/internal/metrics"
)

const DefaultRingTimeout = 30 * time.Second

// CallSession is the single authoritative state of a call attempt in a room.
// Only the Coordinator mutates it, always under the room's key lock.
type CallSession struct {
	Gen           uint64
	RoomID        domain.RoomID
	CallerID      domain.IdentityID
	RecipientID   domain.IdentityID
	CallerConn    core.SessionID
	RecipientConn core.SessionID // bound on accept
	State         domain.CallState
	RingingAt     time.Time
	StartedAt     time.Time // zero until accepted
	Duration      time.Duration

	timer *clock.Timer
}

func (s *CallSession) participant(id domain.IdentityID) bool {
	return id == s.CallerID || id == s.RecipientID
}

func (s *CallSession) counterpart(id domain.IdentityID) domain.IdentityID {
	if id == s.CallerID {
		return s.RecipientID
	}
	return s.CallerID
}

func (s *CallSession) snapshot() CallSession {
	c := *s
	c.timer = nil
	return c
}

// Coordinator owns at most one non-terminal CallSession per room and relays
// signaling between exactly its two participants.
type Coordinator struct {
	Registry    *Registry
	Rooms       *Directory
	Out         *Publisher
	Clock       clock.Clock
	RingTimeout time.Duration

	locks keyLock
	gen   atomic.Uint64

	mu       sync.RWMutex
	sessions map[domain.RoomID]*CallSession
}

func NewCoordinator(reg *Registry, rooms *Directory, out *Publisher, clk clock.Clock, ringTimeout time.Duration) *Coordinator {
	if clk == nil {
		clk = clock.New()
	}
	if ringTimeout <= 0 {
		ringTimeout = DefaultRingTimeout
	}
	return &Coordinator{
		Registry:    reg,
		Rooms:       rooms,
		Out:         out,
		Clock:       clk,
		RingTimeout: ringTimeout,
		locks:       newKeyLock(),
		sessions:    make(map[domain.RoomID]*CallSession),
	}
}

func (c *Coordinator) lockRoom(id domain.RoomID) func() {
	return c.locks.Lock(string(id))
}

func (c *Coordinator) session(id domain.RoomID) *CallSession {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sessions[id]
}

// ActiveCall returns a copy of the room's non-terminal session, if any.
func (c *Coordinator) ActiveCall(id domain.RoomID) (CallSession, bool) {
	unlock := c.lockRoom(id)
	defer unlock()
	s := c.session(id)
	if s == nil {
		return CallSession{}, false
	}
	return s.snapshot(), true
}

func (c *Coordinator) caller(sid core.SessionID) (*Connection, error) {
	conn, ok := c.Registry.Lookup(sid)
	if !ok {
		return nil, domain.ErrNotAuthenticated
	}
	return conn, nil
}

// InitiateCall moves the room from idle to ringing and rings every device of
// the recipient.
func (c *Coordinator) InitiateCall(sid core.SessionID, recipientID domain.IdentityID, roomID domain.RoomID) (CallSession, error) {
	conn, err := c.caller(sid)
	if err != nil {
		return CallSession{}, err
	}
	me := conn.Identity.ID
	if recipientID == me {
		return CallSession{}, domain.Errorf(domain.ErrBadRequest, "cannot call yourself")
	}
	room, err := c.Rooms.GetRoom(roomID)
	if err != nil {
		return CallSession{}, err
	}
	if !room.HasMember(me) {
		return CallSession{}, domain.Errorf(domain.ErrNotAMember, "not a member of room %s", roomID)
	}
	if !room.HasMember(recipientID) {
		return CallSession{}, domain.Errorf(domain.ErrNotAMember, "%s is not a member of room %s", recipientID, roomID)
	}

	unlock := c.lockRoom(roomID)
	defer unlock()

	if existing := c.session(roomID); existing != nil {
		return CallSession{}, domain.Errorf(domain.ErrAlreadyInCall, "room %s is already %s", roomID, existing.State)
	}
	if !c.Registry.IsOnline(recipientID) {
		return CallSession{}, domain.Errorf(domain.ErrRecipientOffline, "%s is offline", recipientID)
	}

	s := &CallSession{
		Gen:         c.gen.Add(1),
		RoomID:      roomID,
		CallerID:    me,
		RecipientID: recipientID,
		CallerConn:  sid,
		State:       domain.CallRinging,
		RingingAt:   c.Clock.Now(),
	}
	gen := s.Gen
	s.timer = c.Clock.AfterFunc(c.RingTimeout, func() { c.expire(roomID, gen) })

	c.mu.Lock()
	c.sessions[roomID] = s
	c.mu.Unlock()
	metrics.CallsActive.Inc()

	res := c.Out.ToIdentity(recipientID, core.NewEvent(core.EvIncomingCall, core.IncomingCallData{
		CallerID:     me,
		CallerName:   conn.Identity.Name,
		CallerAvatar: conn.Identity.AvatarURL,
		RoomID:       roomID,
	}), "")
	log.Info().Str("module", "app.calls").Str("room", string(roomID)).Str("caller", string(me)).Str("recipient", string(recipientID)).Int("rang", res.SendTo).Msg("call ringing")
	return s.snapshot(), nil
}

// AcceptCall moves ringing to active. Only the recipient may accept; of two
// racing accepts exactly one wins and the other sees ErrInvalidState.
func (c *Coordinator) AcceptCall(sid core.SessionID, callerID domain.IdentityID, roomID domain.RoomID) (CallSession, error) {
	conn, err := c.caller(sid)
	if err != nil {
		return CallSession{}, err
	}
	me := conn.Identity.ID

	unlock := c.lockRoom(roomID)
	defer unlock()

	s := c.session(roomID)
	if s == nil {
		return CallSession{}, domain.Errorf(domain.ErrNoActiveCall, "no call in room %s", roomID)
	}
	if me != s.RecipientID {
		return CallSession{}, domain.Errorf(domain.ErrUnauthorized, "only the recipient may accept")
	}
	if callerID != s.CallerID {
		return CallSession{}, domain.Errorf(domain.ErrNoActiveCall, "no call from %s in room %s", callerID, roomID)
	}
	if s.State != domain.CallRinging {
		return CallSession{}, domain.Errorf(domain.ErrInvalidState, "call is %s", s.State)
	}

	s.timer.Stop()
	s.State = domain.CallActive
	s.RecipientConn = sid
	s.StartedAt = c.Clock.Now()

	ev := core.NewEvent(core.EvCallAccepted, core.CallAcceptedData{AcceptedID: me, RoomID: roomID})
	c.Out.ToIdentity(s.CallerID, ev, "")
	// other devices of the recipient stop ringing
	c.Out.ToIdentity(me, ev, sid)
	log.Info().Str("module", "app.calls").Str("room", string(roomID)).Str("recipient", string(me)).Str("conn", string(sid)).Msg("call accepted")
	return s.snapshot(), nil
}

// RejectCall ends a ringing call on the recipient's behalf. An empty roomID
// selects the ringing call from callerID; it must be unambiguous.
func (c *Coordinator) RejectCall(sid core.SessionID, callerID domain.IdentityID, roomID domain.RoomID, reason string) (CallSession, error) {
	conn, err := c.caller(sid)
	if err != nil {
		return CallSession{}, err
	}
	me := conn.Identity.ID
	if roomID == "" {
		rooms := c.findRinging(callerID, me)
		switch len(rooms) {
		case 0:
			return CallSession{}, domain.Errorf(domain.ErrNoActiveCall, "no ringing call from %s", callerID)
		case 1:
			roomID = rooms[0]
		default:
			return CallSession{}, domain.Errorf(domain.ErrBadRequest, "%s is ringing in %d rooms, roomId required", callerID, len(rooms))
		}
	}

	unlock := c.lockRoom(roomID)
	defer unlock()

	s := c.session(roomID)
	if s == nil || s.CallerID != callerID {
		return CallSession{}, domain.Errorf(domain.ErrNoActiveCall, "no call from %s in room %s", callerID, roomID)
	}
	if me != s.RecipientID {
		return CallSession{}, domain.Errorf(domain.ErrUnauthorized, "only the recipient may reject")
	}
	if s.State != domain.CallRinging {
		return CallSession{}, domain.Errorf(domain.ErrInvalidState, "call is %s", s.State)
	}

	c.finishLocked(s, domain.CallRejected)
	ev := core.NewEvent(core.EvCallRejected, core.CallRejectedData{RejecterID: me, Reason: reason, RoomID: roomID})
	c.Out.ToIdentity(s.CallerID, ev, "")
	c.Out.ToIdentity(me, ev, sid)
	log.Info().Str("module", "app.calls").Str("room", string(roomID)).Str("reason", reason).Msg("call rejected")
	return s.snapshot(), nil
}

func (c *Coordinator) findRinging(callerID, recipientID domain.IdentityID) []domain.RoomID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []domain.RoomID
	for id, s := range c.sessions {
		if s.CallerID == callerID && s.RecipientID == recipientID && s.State == domain.CallRinging {
			out = append(out, id)
		}
	}
	return out
}

// EndCall hangs up an active call (either participant) or cancels a ringing
// one (caller only). Both participants receive callEnded.
func (c *Coordinator) EndCall(sid core.SessionID, roomID domain.RoomID) (CallSession, error) {
	conn, err := c.caller(sid)
	if err != nil {
		return CallSession{}, err
	}
	me := conn.Identity.ID

	unlock := c.lockRoom(roomID)
	defer unlock()

	s := c.session(roomID)
	if s == nil {
		return CallSession{}, domain.Errorf(domain.ErrNoActiveCall, "no call in room %s", roomID)
	}
	if !s.participant(me) {
		return CallSession{}, domain.Errorf(domain.ErrUnauthorized, "not a call participant")
	}

	reason := domain.EndReasonHangup
	if s.State == domain.CallRinging {
		if me != s.CallerID {
			return CallSession{}, domain.Errorf(domain.ErrInvalidState, "ringing call must be rejected, not ended")
		}
		reason = domain.EndReasonCancelled
	}
	c.finishLocked(s, domain.CallEnded)
	c.notifyEnded(s, me, reason)
	log.Info().Str("module", "app.calls").Str("room", string(roomID)).Str("ender", string(me)).Dur("duration", s.Duration).Str("reason", reason).Msg("call ended")
	return s.snapshot(), nil
}

// Signal relays an opaque negotiation payload from one participant to the
// other. Anything else is refused and dropped, never queued.
func (c *Coordinator) Signal(sid core.SessionID, targetID domain.IdentityID, kind domain.SignalKind, payload json.RawMessage, roomID domain.RoomID) (PublishResult, error) {
	if !kind.Valid() {
		return PublishResult{}, domain.Errorf(domain.ErrBadRequest, "unknown signal kind %q", kind)
	}
	conn, err := c.caller(sid)
	if err != nil {
		return PublishResult{}, err
	}
	me := conn.Identity.ID

	unlock := c.lockRoom(roomID)
	defer unlock()

	s := c.session(roomID)
	if s == nil || s.State.Terminal() {
		return PublishResult{}, domain.Errorf(domain.ErrNoActiveCall, "no call in room %s", roomID)
	}
	if !s.participant(me) {
		return PublishResult{}, domain.Errorf(domain.ErrUnauthorized, "not a call participant")
	}
	if targetID != s.counterpart(me) {
		return PublishResult{}, domain.Errorf(domain.ErrNoActiveCall, "%s is not in this call", targetID)
	}
	// a participant signals from the device bound to the call
	if me == s.CallerID && sid != s.CallerConn {
		return PublishResult{}, domain.Errorf(domain.ErrUnauthorized, "call is bound to another device")
	}
	if me == s.RecipientID && s.RecipientConn != "" && sid != s.RecipientConn {
		return PublishResult{}, domain.Errorf(domain.ErrUnauthorized, "call is bound to another device")
	}

	ev := core.NewEvent(core.EvSignal, core.SignalData{From: me, Kind: kind, Payload: payload, RoomID: roomID})
	var res PublishResult
	switch {
	case me == s.RecipientID:
		res = c.Out.ToConnection(s.CallerConn, ev)
	case s.RecipientConn != "":
		res = c.Out.ToConnection(s.RecipientConn, ev)
	default:
		res = c.Out.ToIdentity(s.RecipientID, ev, "")
	}
	log.Debug().Str("module", "app.calls").Str("room", string(roomID)).Str("from", string(me)).Str("kind", string(kind)).Int("sent_to", res.SendTo).Msg("signal relayed")
	return res, nil
}

// ConnectionLost tears down every call the connection was carrying. When the
// identity went fully offline, calls ringing towards it fail as well.
func (c *Coordinator) ConnectionLost(sid core.SessionID, identityID domain.IdentityID, wentOffline bool) []CallSession {
	var rooms []domain.RoomID
	c.mu.RLock()
	for id, s := range c.sessions {
		if s.CallerConn == sid || s.RecipientConn == sid ||
			(wentOffline && s.RecipientID == identityID && s.State == domain.CallRinging) {
			rooms = append(rooms, id)
		}
	}
	c.mu.RUnlock()

	var out []CallSession
	for _, id := range rooms {
		if s, ok := c.dropForConnection(id, sid, identityID, wentOffline); ok {
			out = append(out, s)
		}
	}
	return out
}

func (c *Coordinator) dropForConnection(roomID domain.RoomID, sid core.SessionID, identityID domain.IdentityID, wentOffline bool) (CallSession, bool) {
	unlock := c.lockRoom(roomID)
	defer unlock()

	s := c.session(roomID)
	if s == nil {
		return CallSession{}, false
	}
	if s.CallerConn != sid && s.RecipientConn != sid &&
		!(wentOffline && s.RecipientID == identityID && s.State == domain.CallRinging) {
		return CallSession{}, false
	}

	state := domain.CallEnded
	if s.State == domain.CallRinging {
		state = domain.CallFailed
	}
	c.finishLocked(s, state)
	c.notifyEnded(s, identityID, domain.EndReasonDisconnected)
	log.Info().Str("module", "app.calls").Str("room", string(roomID)).Str("conn", string(sid)).Str("state", string(state)).Msg("call torn down on disconnect")
	return s.snapshot(), true
}

// expire is the ringing timer. gen guards against a timer that fires after
// its session was replaced.
func (c *Coordinator) expire(roomID domain.RoomID, gen uint64) {
	unlock := c.lockRoom(roomID)
	defer unlock()

	s := c.session(roomID)
	if s == nil || s.Gen != gen || s.State != domain.CallRinging {
		return
	}
	c.finishLocked(s, domain.CallTimedOut)
	c.notifyEnded(s, "", domain.EndReasonTimeout)
	log.Info().Str("module", "app.calls").Str("room", string(roomID)).Str("caller", string(s.CallerID)).Msg("call timed out")
}

// finishLocked moves s to a terminal state and discards it. Caller holds the
// room lock.
func (c *Coordinator) finishLocked(s *CallSession, state domain.CallState) {
	if s.timer != nil {
		s.timer.Stop()
	}
	if s.State == domain.CallActive {
		s.Duration = c.Clock.Since(s.StartedAt)
		metrics.CallDuration.Observe(s.Duration.Seconds())
	}
	s.State = state
	c.mu.Lock()
	if c.sessions[s.RoomID] == s {
		delete(c.sessions, s.RoomID)
	}
	c.mu.Unlock()
	metrics.CallsActive.Dec()
	metrics.CallsFinished.WithLabelValues(string(state)).Inc()
}

func (c *Coordinator) notifyEnded(s *CallSession, ender domain.IdentityID, reason string) {
	ev := core.NewEvent(core.EvCallEnded, core.CallEndedData{
		EnderID:  ender,
		RoomID:   s.RoomID,
		Duration: int64(s.Duration / time.Second),
		Reason:   reason,
	})
	c.Out.ToIdentity(s.CallerID, ev, "")
	c.Out.ToIdentity(s.RecipientID, ev, "")
}

// Close stops all ringing timers. Sessions are left for the process to drop.
func (c *Coordinator) Close() {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, s := range c.sessions {
		if s.timer != nil {
			s.timer.Stop()
		}
	}
}

func (c *Coordinator) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.sessions)
}
