package chat

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// RedisReadMarkerStore keeps last-read markers in Redis. It is used in front
// of (or instead of) the durable store for deployments where read receipts
// are too chatty for the relational store.
//
// The greater-wins rule is enforced atomically by a Lua script, so racing
// acknowledgements from multiple gateway processes can never regress a marker.
type RedisReadMarkerStore struct {
	client *redis.Client
}

// lastReadCAS merges ARGV[1] into KEYS[1] under the greater-wins rule and
// returns the effective stored value.
var lastReadCAS = redis.NewScript(`
local cur = tonumber(redis.call('GET', KEYS[1]) or '-1')
local new = tonumber(ARGV[1])
if new > cur then
  redis.call('SET', KEYS[1], new)
  return new
end
return cur
`)

// NewRedisReadMarkerStore connects to Redis and validates connectivity.
func NewRedisReadMarkerStore(ctx context.Context, redisURL string) (*RedisReadMarkerStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &RedisReadMarkerStore{client: client}, nil
}

// Close closes the Redis connection.
func (s *RedisReadMarkerStore) Close() error {
	return s.client.Close()
}

// Ping checks the Redis connection.
func (s *RedisReadMarkerStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// lastReadKey returns the key for a (room, user) last-read marker.
func lastReadKey(roomID, userID string) string {
	return fmt.Sprintf("room:%s:lastread:%s", roomID, userID)
}

// UpsertLastRead merges seq under the greater-wins rule and returns the
// effective stored value.
func (s *RedisReadMarkerStore) UpsertLastRead(ctx context.Context, userID, roomID string, seq int64) (int64, error) {
	if userID == "" || roomID == "" {
		return 0, errors.New("invalid input")
	}

	stored, err := lastReadCAS.Run(ctx, s.client, []string{lastReadKey(roomID, userID)}, seq).Int64()
	if err != nil {
		return 0, err
	}
	if stored < 0 {
		// Script sentinel: no prior value and a non-positive write.
		return 0, nil
	}
	return stored, nil
}

// GetLastRead returns the stored marker, if any.
func (s *RedisReadMarkerStore) GetLastRead(ctx context.Context, userID, roomID string) (int64, bool, error) {
	raw, err := s.client.Get(ctx, lastReadKey(roomID, userID)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}

	seq, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("corrupt last-read marker: %w", err)
	}
	return seq, true, nil
}
