// Package store implements the message and room persistence collaborators.
package store

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/marketchat/internal/config"
	"github.com/dkeye/marketchat/internal/core"
)

// Backend is an opened store. Messages and Rooms are nil for driver "none".
type Backend struct {
	Messages core.MessageStore
	Rooms    core.RoomStore
	close    func() error
}

func (b *Backend) Close() error {
	if b == nil || b.close == nil {
		return nil
	}
	return b.close()
}

func Open(ctx context.Context, cfg config.StoreConfig) (*Backend, error) {
	switch cfg.Driver {
	case "", "none":
		log.Info().Str("module", "adapters.store").Msg("persistence disabled")
		return &Backend{}, nil
	case "sqlite":
		s, err := OpenSQLite(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		log.Info().Str("module", "adapters.store").Str("path", cfg.SQLitePath).Msg("sqlite store opened")
		return &Backend{Messages: s, Rooms: s, close: s.Close}, nil
	case "redis":
		s, err := OpenRedis(ctx, cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("open redis: %w", err)
		}
		log.Info().Str("module", "adapters.store").Msg("redis store opened")
		return &Backend{Messages: s, Rooms: s, close: s.Close}, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
