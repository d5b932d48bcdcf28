package registrar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisResolveScript atomically removes a lock and appends its resolution.
// KEYS[1] = lock key
// KEYS[2] = history list key
// ARGV[1] = outcome
// ARGV[2] = reason
// ARGV[3] = resolution time (RFC 3339)
// Returns the removed lock payload, or nil when no lock is held.
var redisResolveScript = redis.NewScript(`
local lock = redis.call("GET", KEYS[1])
if not lock then
    return false
end
redis.call("DEL", KEYS[1])

local held = cjson.decode(lock)
local entry = cjson.encode({
    deployment_id = held.deployment_id,
    state_hash = held.state_hash,
    outcome = ARGV[1],
    reason = ARGV[2],
    at = ARGV[3]
})
redis.call("RPUSH", KEYS[2], entry)
return lock
`)

// RedisStore implements Store using Redis. Locks are SET NX with a PX expiry,
// so expired locks are reclaimed by Redis itself.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisStore creates a store on client. Keys are namespaced under prefix.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "aeor"
	}
	return &RedisStore{client: client, prefix: prefix}
}

// Hash tags keep both keys of one deployment in the same cluster slot.
func (s *RedisStore) lockKey(id string) string {
	return fmt.Sprintf("%s:lock:{%s}", s.prefix, id)
}

func (s *RedisStore) historyKey(id string) string {
	return fmt.Sprintf("%s:history:{%s}", s.prefix, id)
}

func (s *RedisStore) Acquire(ctx context.Context, lock Lock) error {
	payload, err := json.Marshal(lock)
	if err != nil {
		return err
	}
	var ttl time.Duration
	if !lock.ExpiresAt.IsZero() {
		ttl = lock.ExpiresAt.Sub(lock.LockedAt)
	}

	ok, err := s.client.SetNX(ctx, s.lockKey(lock.DeploymentID), payload, ttl).Result()
	if err != nil {
		return fmt.Errorf("redis registrar error: %w", err)
	}
	if !ok {
		return ErrLockHeld
	}
	return nil
}

func (s *RedisStore) Resolve(ctx context.Context, id string, outcome Outcome, reason string, at time.Time) (Resolution, error) {
	keys := []string{s.lockKey(id), s.historyKey(id)}
	res, err := redisResolveScript.Run(ctx, s.client, keys, string(outcome), reason, at.Format(time.RFC3339Nano)).Result()
	if errors.Is(err, redis.Nil) {
		return Resolution{}, ErrNotLocked
	}
	if err != nil {
		return Resolution{}, fmt.Errorf("redis registrar error: %w", err)
	}

	payload, ok := res.(string)
	if !ok {
		return Resolution{}, fmt.Errorf("invalid response from lua script")
	}
	var held Lock
	if err := json.Unmarshal([]byte(payload), &held); err != nil {
		return Resolution{}, fmt.Errorf("decode lock: %w", err)
	}
	return Resolution{DeploymentID: id, StateHash: held.StateHash, Outcome: outcome, Reason: reason, At: at}, nil
}

func (s *RedisStore) Locked(ctx context.Context, id string) (Lock, bool, error) {
	payload, err := s.client.Get(ctx, s.lockKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Lock{}, false, nil
	}
	if err != nil {
		return Lock{}, false, fmt.Errorf("redis registrar error: %w", err)
	}
	var lock Lock
	if err := json.Unmarshal(payload, &lock); err != nil {
		return Lock{}, false, fmt.Errorf("decode lock: %w", err)
	}
	return lock, true, nil
}

func (s *RedisStore) History(ctx context.Context, id string) ([]Resolution, error) {
	entries, err := s.client.LRange(ctx, s.historyKey(id), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis registrar error: %w", err)
	}
	result := make([]Resolution, 0, len(entries))
	for _, e := range entries {
		var r Resolution
		if err := json.Unmarshal([]byte(e), &r); err != nil {
			return nil, fmt.Errorf("decode resolution: %w", err)
		}
		result = append(result, r)
	}
	return result, nil
}
