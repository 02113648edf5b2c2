package settings

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix = "simul:session:"
	// Identities expire after a day of inactivity; a tab that has been
	// closed that long should not silently rejoin a room.
	identityTTL = 24 * time.Hour
)

// RedisStore persists identities in Redis so they survive daemon restarts.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a Redis-backed store.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) Save(ctx context.Context, tabID string, id Identity) error {
	body, err := json.Marshal(id)
	if err != nil {
		return fmt.Errorf("marshal identity: %w", err)
	}
	if err := s.client.Set(ctx, keyPrefix+tabID, body, identityTTL).Err(); err != nil {
		return fmt.Errorf("save identity: %w", err)
	}
	return nil
}

func (s *RedisStore) Load(ctx context.Context, tabID string) (Identity, bool, error) {
	raw, err := s.client.Get(ctx, keyPrefix+tabID).Bytes()
	if err == redis.Nil {
		return Identity{}, false, nil
	}
	if err != nil {
		return Identity{}, false, fmt.Errorf("load identity: %w", err)
	}
	var id Identity
	if err := json.Unmarshal(raw, &id); err != nil {
		return Identity{}, false, fmt.Errorf("decode identity: %w", err)
	}
	return id, true, nil
}

func (s *RedisStore) Delete(ctx context.Context, tabID string) error {
	if err := s.client.Del(ctx, keyPrefix+tabID).Err(); err != nil {
		return fmt.Errorf("delete identity: %w", err)
	}
	return nil
}
