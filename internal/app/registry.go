package app

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/marketchat/internal/core"
	"github.com/dkeye/marketchat/internal/domain"
	"github.com/dkeye/marketchat/internal/metrics"
)

// Connection is one authenticated transport channel of an identity.
type Connection struct {
	ID          core.SessionID
	Identity    *domain.Identity
	DeviceID    string
	Signal      core.SignalConnection
	ConnectedAt time.Time

	drops atomic.Int32

	mu    sync.RWMutex
	rooms map[domain.RoomID]struct{}
}

func NewConnection(id core.SessionID, identity *domain.Identity, deviceID string, sig core.SignalConnection, now time.Time) *Connection {
	return &Connection{
		ID:          id,
		Identity:    identity,
		DeviceID:    deviceID,
		Signal:      sig,
		ConnectedAt: now,
		rooms:       make(map[domain.RoomID]struct{}),
	}
}

func (c *Connection) JoinRoom(id domain.RoomID) {
	c.mu.Lock()
	c.rooms[id] = struct{}{}
	c.mu.Unlock()
}

func (c *Connection) LeaveRoom(id domain.RoomID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.rooms[id]; !ok {
		return false
	}
	delete(c.rooms, id)
	return true
}

func (c *Connection) HasJoined(id domain.RoomID) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.rooms[id]
	return ok
}

func (c *Connection) JoinedRooms() []domain.RoomID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]domain.RoomID, 0, len(c.rooms))
	for id := range c.rooms {
		out = append(out, id)
	}
	return out
}

// RoomLister is the slice of the directory the registry needs to know which
// rooms a presence change concerns.
type RoomLister interface {
	RoomIDsForIdentity(id domain.IdentityID) []domain.RoomID
}

// PresenceChange is reported when an identity gains its first or loses its
// last connection.
type PresenceChange struct {
	Identity domain.Identity
	Online   bool
	Rooms    []domain.RoomID
}

// Departure describes an unregistered connection.
type Departure struct {
	Conn        *Connection
	WentOffline bool
	Rooms       []domain.RoomID
}

type Registry struct {
	rooms RoomLister

	mu         sync.RWMutex
	conns      map[core.SessionID]*Connection
	byIdentity map[domain.IdentityID]map[core.SessionID]struct{}

	// presence serialises online/offline transitions per identity.
	presence   keyLock
	onPresence func(PresenceChange)
}

func NewRegistry(rooms RoomLister) *Registry {
	return &Registry{
		rooms:      rooms,
		conns:      make(map[core.SessionID]*Connection),
		byIdentity: make(map[domain.IdentityID]map[core.SessionID]struct{}),
		presence:   newKeyLock(),
	}
}

// OnPresence installs the presence hook. It runs while the identity's
// presence lock is held, so transitions of one identity are observed in order.
// Must be called before the registry is shared.
func (r *Registry) OnPresence(fn func(PresenceChange)) {
	r.onPresence = fn
}

// Register adds conn. It reports whether the identity just came online.
func (r *Registry) Register(conn *Connection) (bool, error) {
	iid := conn.Identity.ID
	unlock := r.presence.Lock(string(iid))
	defer unlock()

	r.mu.Lock()
	if _, ok := r.conns[conn.ID]; ok {
		r.mu.Unlock()
		return false, domain.Errorf(domain.ErrDuplicateConnection, "connection %s already registered", conn.ID)
	}
	r.conns[conn.ID] = conn
	set, ok := r.byIdentity[iid]
	if !ok {
		set = make(map[core.SessionID]struct{})
		r.byIdentity[iid] = set
	}
	set[conn.ID] = struct{}{}
	wentOnline := len(set) == 1
	r.mu.Unlock()

	metrics.ConnectionsActive.Inc()
	log.Info().Str("module", "app.registry").Str("conn", string(conn.ID)).Str("identity", string(iid)).Bool("went_online", wentOnline).Msg("registered connection")

	if wentOnline {
		metrics.IdentitiesOnline.Inc()
		r.notify(PresenceChange{Identity: *conn.Identity, Online: true, Rooms: r.rooms.RoomIDsForIdentity(iid)})
	}
	return wentOnline, nil
}

// Unregister removes a connection. The second result is false when id was
// not registered, which makes repeated disconnects harmless.
func (r *Registry) Unregister(id core.SessionID) (Departure, bool) {
	r.mu.RLock()
	conn, ok := r.conns[id]
	r.mu.RUnlock()
	if !ok {
		return Departure{}, false
	}

	iid := conn.Identity.ID
	unlock := r.presence.Lock(string(iid))
	defer unlock()

	r.mu.Lock()
	if _, ok := r.conns[id]; !ok {
		r.mu.Unlock()
		return Departure{}, false
	}
	delete(r.conns, id)
	set := r.byIdentity[iid]
	delete(set, id)
	wentOffline := len(set) == 0
	if wentOffline {
		delete(r.byIdentity, iid)
	}
	r.mu.Unlock()

	metrics.ConnectionsActive.Dec()
	log.Info().Str("module", "app.registry").Str("conn", string(id)).Str("identity", string(iid)).Bool("went_offline", wentOffline).Msg("unregistered connection")

	dep := Departure{Conn: conn, WentOffline: wentOffline}
	if wentOffline {
		metrics.IdentitiesOnline.Dec()
		dep.Rooms = r.rooms.RoomIDsForIdentity(iid)
		r.notify(PresenceChange{Identity: *conn.Identity, Online: false, Rooms: dep.Rooms})
	}
	return dep, true
}

func (r *Registry) notify(ch PresenceChange) {
	if r.onPresence != nil {
		r.onPresence(ch)
	}
}

func (r *Registry) Lookup(id core.SessionID) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	return c, ok
}

// ConnectionsFor lists every live connection of an identity.
func (r *Registry) ConnectionsFor(id domain.IdentityID) []core.SessionID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.byIdentity[id]
	out := make([]core.SessionID, 0, len(set))
	for sid := range set {
		out = append(out, sid)
	}
	return out
}

func (r *Registry) IsOnline(id domain.IdentityID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byIdentity[id]) > 0
}

// OnlineAmong filters ids down to those currently online.
func (r *Registry) OnlineAmong(ids []domain.IdentityID) []domain.Identity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Identity, 0, len(ids))
	for _, id := range ids {
		for sid := range r.byIdentity[id] {
			out = append(out, *r.conns[sid].Identity)
			break
		}
	}
	return out
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// All returns a snapshot of every live connection.
func (r *Registry) All() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}
