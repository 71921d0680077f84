package core

//go:generate mockgen -source=collaborators.go -destination=mocks/collaborators_mock.go -package=mocks

import (
	"context"

	"github.com/dkeye/marketchat/internal/domain"
)

// Authenticator validates a client credential and returns the identity it was
// issued for. Implementations may block; callers bound them with ctx.
type Authenticator interface {
	Authenticate(ctx context.Context, credential string, role domain.Role) (*domain.Identity, error)
}

// MessageStore is the append-only chat history. Called off the hot path.
type MessageStore interface {
	AppendMessage(ctx context.Context, msg *domain.Message) error
}

// RoomStore keeps rooms across restarts. Rooms are never deleted here.
type RoomStore interface {
	SaveRoom(ctx context.Context, room *domain.Room) error
	LoadRooms(ctx context.Context) ([]domain.Room, error)
}
