// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package projection

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupMiniRedis(t *testing.T) (*miniredis.Miniredis, *RedisRefresher) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	r := newRedisRefresher(client, "lto:projections", zerolog.Nop())
	r.now = func() time.Time { return time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC) }
	t.Cleanup(func() { _ = r.Close() })
	return mr, r
}

func TestRedisRefresherPublishesRefresh(t *testing.T) {
	mr, r := setupMiniRedis(t)
	ctx := context.Background()

	sub := r.client.Subscribe(ctx, "lto:projections")
	defer func() { _ = sub.Close() }()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, r.Refresh(ctx, "sess-1"))

	select {
	case m := <-sub.Channel():
		var msg Message
		require.NoError(t, json.Unmarshal([]byte(m.Payload), &msg))
		assert.Equal(t, OpRefresh, msg.Op)
		assert.Equal(t, "sess-1", msg.SessionID)
	case <-time.After(2 * time.Second):
		t.Fatal("no message published")
	}

	assert.Equal(t, "2025-06-01T10:00:00Z", mr.HGet("lto:projections:dirty", "sess-1"))
}

func TestRedisRefresherRemove(t *testing.T) {
	mr, r := setupMiniRedis(t)
	require.NoError(t, r.Remove(context.Background(), "rec-9"))

	members, err := mr.Members("lto:projections:removed")
	require.NoError(t, err)
	assert.Equal(t, []string{"rec-9"}, members)
}

func TestRedisRefresherReportsOutage(t *testing.T) {
	mr, r := setupMiniRedis(t)
	mr.Close()
	assert.Error(t, r.Refresh(context.Background(), "sess-1"))
}

func TestNewRedisRefresherPing(t *testing.T) {
	mr := miniredis.RunT(t)
	r, err := NewRedisRefresher(context.Background(), RedisConfig{Addr: mr.Addr(), Channel: "c"})
	require.NoError(t, err)
	require.NoError(t, r.Close())
}

func TestNoop(t *testing.T) {
	var r Refresher = Noop{}
	assert.NoError(t, r.Refresh(context.Background(), "s"))
	assert.NoError(t, r.Remove(context.Background(), "r"))
}
