package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arqonbus/arqonbus/internal/config"
)

// redisBackend dials a local redis for integration coverage and skips the
// test when none is reachable. Every test gets its own stream prefix; the
// cleanup drops whatever the test wrote.
func redisBackend(t *testing.T) *RedisBackend {
	t.Helper()

	cfg := config.RedisConfig{
		Host:         "localhost",
		Port:         6379,
		PoolSize:     2,
		Timeout:      time.Second,
		StreamPrefix: fmt.Sprintf("arqtest_%d", time.Now().UnixNano()),
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	b, err := NewRedisBackend(context.Background(), cfg, 1000, log)
	if err != nil {
		t.Skipf("redis unavailable: %v", err)
	}
	t.Cleanup(func() {
		ctx := context.Background()
		if keys, err := b.client.Keys(ctx, cfg.StreamPrefix+"*").Result(); err == nil && len(keys) > 0 {
			b.client.Del(ctx, keys...)
		}
		b.Close()
	})
	return b
}

func TestRedisHistoryRoomSpansChannels(t *testing.T) {
	b := redisBackend(t)
	ctx := context.Background()

	require.NoError(t, b.Append(ctx, storedMessage(t, "ops", "alerts", "alice", "paging")))
	require.NoError(t, b.Append(ctx, storedMessage(t, "ops", "deploys", "bob", "shipped")))
	require.NoError(t, b.Append(ctx, storedMessage(t, "lobby", "general", "carol", "hi")))

	// A room-level query spans every channel of the room, newest first.
	entries, err := b.History(ctx, HistoryQuery{Room: "ops", Limit: 10})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "shipped", entries[0].Envelope.Payload["text"])
	assert.Equal(t, "paging", entries[1].Envelope.Payload["text"])

	entries, err = b.History(ctx, HistoryQuery{Room: "ops", Limit: 1})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "shipped", entries[0].Envelope.Payload["text"])
}

func TestRedisHistoryTimeBoundsApplyBeforeLimit(t *testing.T) {
	b := redisBackend(t)
	ctx := context.Background()

	require.NoError(t, b.Append(ctx, storedMessage(t, "lobby", "general", "alice", "old")))
	time.Sleep(20 * time.Millisecond)
	cutoff := time.Now()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, b.Append(ctx, storedMessage(t, "lobby", "general", "alice", "new-1")))
	require.NoError(t, b.Append(ctx, storedMessage(t, "lobby", "general", "alice", "new-2")))

	// The bound must see the whole stream: a limit-capped fetch of the two
	// newest records would leave nothing after the Until filter.
	entries, err := b.History(ctx, HistoryQuery{Room: "lobby", Channel: "general", Until: cutoff, Limit: 2})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "old", entries[0].Envelope.Payload["text"])
}

func TestRedisClaimRedeliversUnacked(t *testing.T) {
	b := redisBackend(t)
	ctx := context.Background()
	stream := b.prefix + ":tasks:workers"

	require.NoError(t, b.EnsureGroup(ctx, stream, "workers"))
	id, err := b.EnqueueTask(ctx, stream, map[string]interface{}{"envelope": "{}"})
	require.NoError(t, err)

	// op-a reads the task and dies without acking.
	msgs, err := b.ReadGroup(ctx, stream, "workers", "op-a", 1, 10*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, id, msgs[0].StreamID)

	pending, err := b.Pending(ctx, stream, "workers")
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending)

	// The record is not idle long enough yet; a claim must not steal it.
	early, err := b.Claim(ctx, stream, "workers", "op-b", time.Hour, id)
	require.NoError(t, err)
	assert.Empty(t, early)

	// Once past min-idle, op-b takes the record over and finishes it.
	claimed, err := b.Claim(ctx, stream, "workers", "op-b", 0, id)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, "{}", claimed[0].Values["envelope"])

	acked, err := b.Ack(ctx, stream, "workers", id)
	require.NoError(t, err)
	assert.Equal(t, int64(1), acked)

	pending, err = b.Pending(ctx, stream, "workers")
	require.NoError(t, err)
	assert.Equal(t, int64(0), pending)
}
