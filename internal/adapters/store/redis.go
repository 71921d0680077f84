package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dkeye/marketchat/internal/domain"
)

const (
	roomsKey   = "hub:rooms"
	historyTTL = 30 * 24 * time.Hour
)

// RedisStore keeps a per-room sorted set of messages scored by timestamp and
// one hash of rooms.
type RedisStore struct {
	client *redis.Client
}

func OpenRedis(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return NewRedisStore(client), nil
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func roomMessagesKey(id domain.RoomID) string {
	return fmt.Sprintf("hub:room:%s:messages", id)
}

func (s *RedisStore) AppendMessage(ctx context.Context, msg *domain.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	key := roomMessagesKey(msg.RoomID)
	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(msg.Timestamp), Member: string(data)})
	pipe.Expire(ctx, key, historyTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append message %s: %w", msg.ID, err)
	}
	return nil
}

func (s *RedisStore) SaveRoom(ctx context.Context, room *domain.Room) error {
	data, err := json.Marshal(room)
	if err != nil {
		return err
	}
	if err := s.client.HSet(ctx, roomsKey, string(room.ID), data).Err(); err != nil {
		return fmt.Errorf("save room %s: %w", room.ID, err)
	}
	return nil
}

func (s *RedisStore) LoadRooms(ctx context.Context) ([]domain.Room, error) {
	all, err := s.client.HGetAll(ctx, roomsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("load rooms: %w", err)
	}
	out := make([]domain.Room, 0, len(all))
	for id, raw := range all {
		var r domain.Room
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			return nil, fmt.Errorf("room %s: %w", id, err)
		}
		out = append(out, r)
	}
	return out, nil
}

// Messages returns up to limit most recent messages of a room, oldest first.
func (s *RedisStore) Messages(ctx context.Context, roomID domain.RoomID, limit int) ([]domain.Message, error) {
	raw, err := s.client.ZRange(ctx, roomMessagesKey(roomID), int64(-limit), -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]domain.Message, 0, len(raw))
	for _, item := range raw {
		var m domain.Message
		if err := json.Unmarshal([]byte(item), &m); err != nil {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}
