// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"
	"strings"
)

const (
	MaxIdentityIDLen = 64
	MaxNameLen       = 64
)

var (
	ErrIdentityIDEmpty = errors.New("identity id empty")
	ErrIdentityIDLong  = errors.New("identity id too long")
	ErrNameTooLong     = errors.New("name too long")
	ErrUnknownRole     = errors.New("unknown role")
)

type IdentityID string

type Role string

const (
	RoleCustomer Role = "customer"
	RoleSeller   Role = "seller"
	RoleAdmin    Role = "admin"
)

func (r Role) Valid() bool {
	switch r {
	case RoleCustomer, RoleSeller, RoleAdmin:
		return true
	}
	return false
}

// Identity is issued by the authentication collaborator and never mutated here.
type Identity struct {
	ID        IdentityID `json:"id"`
	Name      string     `json:"name"`
	AvatarURL string     `json:"avatarUrl,omitempty"`
	Role      Role       `json:"role"`
}

// NewIdentity is a tiny helper to avoid ad-hoc struct literals in adapters.
func NewIdentity(id, name, avatarURL string, role Role) (*Identity, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, ErrIdentityIDEmpty
	}
	if len(id) > MaxIdentityIDLen {
		return nil, ErrIdentityIDLong
	}
	if len(name) > MaxNameLen {
		return nil, ErrNameTooLong
	}
	if !role.Valid() {
		return nil, ErrUnknownRole
	}
	return &Identity{ID: IdentityID(id), Name: name, AvatarURL: avatarURL, Role: role}, nil
}
