package app

import (
	"slices"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/marketchat/internal/domain"
)

// Directory is the in-memory room index. It performs no I/O; callers forward
// new and touched rooms to the persistence queue themselves.
type Directory struct {
	clock clock.Clock

	mu       sync.RWMutex
	rooms    map[domain.RoomID]*domain.Room
	byMember map[domain.IdentityID]map[domain.RoomID]struct{}
	direct   map[string]domain.RoomID
}

func NewDirectory(clk clock.Clock) *Directory {
	if clk == nil {
		clk = clock.New()
	}
	return &Directory{
		clock:    clk,
		rooms:    make(map[domain.RoomID]*domain.Room),
		byMember: make(map[domain.IdentityID]map[domain.RoomID]struct{}),
		direct:   make(map[string]domain.RoomID),
	}
}

// Load seeds the directory with rooms from the room store. Rooms already
// present are kept.
func (d *Directory) Load(rooms []domain.Room) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for i := range rooms {
		r := rooms[i].Clone()
		if len(r.Members) < 2 {
			log.Warn().Str("module", "app.directory").Str("room", string(r.ID)).Msg("skipping stored room with invalid membership")
			continue
		}
		if _, ok := d.rooms[r.ID]; ok {
			continue
		}
		if r.Direct {
			key := domain.DirectKey(r.Members[0], r.Members[1])
			if _, dup := d.direct[key]; dup {
				continue
			}
			d.direct[key] = r.ID
		}
		d.insertLocked(&r)
		n++
	}
	log.Info().Str("module", "app.directory").Int("rooms", n).Msg("loaded rooms")
	return n
}

func (d *Directory) CreateRoom(name domain.RoomName, members []domain.IdentityID) (domain.Room, error) {
	room, err := domain.NewRoom(domain.RoomID(uuid.NewString()), name, members, false, d.clock.Now())
	if err != nil {
		return domain.Room{}, err
	}
	d.mu.Lock()
	d.insertLocked(room)
	d.mu.Unlock()
	log.Info().Str("module", "app.directory").Str("room", string(room.ID)).Int("members", len(room.Members)).Msg("room created")
	return room.Clone(), nil
}

// FindOrCreateDirectRoom returns the 1:1 room of a and b, creating it on first
// use. The boolean reports creation. Argument order does not matter.
func (d *Directory) FindOrCreateDirectRoom(a, b domain.IdentityID) (domain.Room, bool, error) {
	if a == "" || b == "" || a == b {
		return domain.Room{}, false, domain.ErrInvalidMembership
	}
	key := domain.DirectKey(a, b)

	d.mu.RLock()
	if id, ok := d.direct[key]; ok {
		room := d.rooms[id].Clone()
		d.mu.RUnlock()
		return room, false, nil
	}
	d.mu.RUnlock()

	d.mu.Lock()
	defer d.mu.Unlock()
	if id, ok := d.direct[key]; ok {
		return d.rooms[id].Clone(), false, nil
	}
	room, err := domain.NewRoom(domain.RoomID(uuid.NewString()), "", []domain.IdentityID{a, b}, true, d.clock.Now())
	if err != nil {
		return domain.Room{}, false, err
	}
	d.direct[key] = room.ID
	d.insertLocked(room)
	log.Info().Str("module", "app.directory").Str("room", string(room.ID)).Str("a", string(a)).Str("b", string(b)).Msg("direct room created")
	return room.Clone(), true, nil
}

// DirectRoom looks up the 1:1 room of a and b without creating it.
func (d *Directory) DirectRoom(a, b domain.IdentityID) (domain.Room, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	id, ok := d.direct[domain.DirectKey(a, b)]
	if !ok {
		return domain.Room{}, false
	}
	return d.rooms[id].Clone(), true
}

func (d *Directory) GetRoom(id domain.RoomID) (domain.Room, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	r, ok := d.rooms[id]
	if !ok {
		return domain.Room{}, domain.Errorf(domain.ErrNotFound, "room %s not found", id)
	}
	return r.Clone(), nil
}

func (d *Directory) IsMember(id domain.RoomID, member domain.IdentityID) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.byMember[member][id]
	return ok
}

// RoomsForIdentity returns the rooms of id, most recently active first.
func (d *Directory) RoomsForIdentity(id domain.IdentityID) []domain.Room {
	d.mu.RLock()
	out := make([]domain.Room, 0, len(d.byMember[id]))
	for rid := range d.byMember[id] {
		out = append(out, d.rooms[rid].Clone())
	}
	d.mu.RUnlock()
	slices.SortFunc(out, func(a, b domain.Room) int {
		return b.UpdatedAt.Compare(a.UpdatedAt)
	})
	return out
}

func (d *Directory) RoomIDsForIdentity(id domain.IdentityID) []domain.RoomID {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]domain.RoomID, 0, len(d.byMember[id]))
	for rid := range d.byMember[id] {
		out = append(out, rid)
	}
	return out
}

// Touch bumps the room's activity timestamp and returns the updated room.
func (d *Directory) Touch(id domain.RoomID) (domain.Room, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.rooms[id]
	if !ok {
		return domain.Room{}, false
	}
	r.UpdatedAt = d.clock.Now()
	return r.Clone(), true
}

func (d *Directory) Count() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.rooms)
}

func (d *Directory) insertLocked(r *domain.Room) {
	d.rooms[r.ID] = r
	for _, m := range r.Members {
		set, ok := d.byMember[m]
		if !ok {
			set = make(map[domain.RoomID]struct{})
			d.byMember[m] = set
		}
		set[r.ID] = struct{}{}
	}
}
