package domain

import (
	"slices"
	"time"
)

type (
	RoomName string
	RoomID   string
)

// Room is a conversation. Membership is fixed at creation.
type Room struct {
	ID        RoomID       `json:"id"`
	Name      RoomName     `json:"name,omitempty"`
	Members   []IdentityID `json:"members"`
	Direct    bool         `json:"direct"`
	CreatedAt time.Time    `json:"createdAt"`
	UpdatedAt time.Time    `json:"updatedAt"`
}

// NewRoom deduplicates and sorts members; fewer than two distinct members is
// ErrInvalidMembership.
func NewRoom(id RoomID, name RoomName, members []IdentityID, direct bool, now time.Time) (*Room, error) {
	uniq := make([]IdentityID, 0, len(members))
	for _, m := range members {
		if m == "" || slices.Contains(uniq, m) {
			continue
		}
		uniq = append(uniq, m)
	}
	if len(uniq) < 2 {
		return nil, ErrInvalidMembership
	}
	if direct && len(uniq) != 2 {
		return nil, Errorf(ErrInvalidMembership, "direct room needs exactly two members")
	}
	slices.Sort(uniq)
	return &Room{
		ID:        id,
		Name:      name,
		Members:   uniq,
		Direct:    direct,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (r *Room) HasMember(id IdentityID) bool {
	return slices.Contains(r.Members, id)
}

// Others returns every member except id.
func (r *Room) Others(id IdentityID) []IdentityID {
	out := make([]IdentityID, 0, len(r.Members))
	for _, m := range r.Members {
		if m != id {
			out = append(out, m)
		}
	}
	return out
}

// Clone returns a copy safe to hand out of a lock.
func (r *Room) Clone() Room {
	c := *r
	c.Members = slices.Clone(r.Members)
	return c
}

// DirectKey is order-independent, so (a, b) and (b, a) share a room.
func DirectKey(a, b IdentityID) string {
	if b < a {
		a, b = b, a
	}
	return string(a) + "\x00" + string(b)
}
