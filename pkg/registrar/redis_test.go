package registrar

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestRedisStore_Integration requires a running Redis.
// We skip if connection fails.
func TestRedisStore_Integration(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if _, err := client.Ping(ctx).Result(); err != nil {
		t.Skip("Skipping Redis integration test: redis not available")
	}
	defer func() { _ = client.Close() }()

	prefix := fmt.Sprintf("aeor-test-%d", time.Now().UnixNano())
	r := New(NewRedisStore(client, prefix)).WithTTL(time.Minute)

	// 1. Lock
	ack, err := r.LockState(ctx, "hash-abc", "dep-1")
	require.NoError(t, err)
	assert.True(t, ack.Success)

	// 2. Second lock is rejected
	ack, err = r.LockState(ctx, "hash-abc", "dep-1")
	require.NoError(t, err)
	assert.False(t, ack.Success)

	// 3. Reverse releases and records history
	ack, err = r.ReverseAndRelease(ctx, "dep-1", "abort")
	require.NoError(t, err)
	assert.True(t, ack.Success)

	history, err := r.History(ctx, "dep-1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, OutcomeReversed, history[0].Outcome)
	assert.Equal(t, "hash-abc", history[0].StateHash)

	// 4. Nothing left to commit
	ack, err = r.CommitAndRelease(ctx, "dep-1")
	require.NoError(t, err)
	assert.False(t, ack.Success)

	_ = client.Del(ctx, NewRedisStore(client, prefix).historyKey("dep-1")).Err()
}
