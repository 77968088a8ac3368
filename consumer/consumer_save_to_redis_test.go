package consumer

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/withObsrvr/pareto-event-router/pkg/common/types"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestNewSaveToRedisConfig(t *testing.T) {
	_, err := NewSaveToRedis(RedisConfig{}, nil)
	assert.ErrorContains(t, err, "REDIS_URL")

	_, err = NewSaveToRedis(RedisConfig{URL: "http://not-redis"}, nil)
	assert.ErrorContains(t, err, "invalid REDIS_URL")

	sink, err := NewSaveToRedis(RedisConfig{URL: "redis://localhost:6379/0"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "rtls:tenants:acme:rtls", sink.Channel("acme"))
	assert.Equal(t, "rtls:events", sink.Stream())
	assert.Equal(t, int64(defaultRedisStreamMaxLen), sink.config.StreamMaxLen)
}

func TestSaveToRedisPublishesAndAppends(t *testing.T) {
	mr, client := setupTestRedis(t)
	ctx := context.Background()

	sink, err := NewSaveToRedis(RedisConfig{URL: "redis://" + mr.Addr(), Prefix: "test"}, discardLogger())
	require.NoError(t, err)
	defer sink.Close()

	sub := client.Subscribe(ctx, sink.Channel("acme"))
	defer sub.Close()
	_, err = sub.Receive(ctx)
	require.NoError(t, err)

	events := []types.Event{
		rtlsEvent("acme", "d1", "r1", 1700000000000),
		rtlsEvent("other", "d2", "r1", 1700000000001),
	}
	require.NoError(t, sink.Process(ctx, events))

	select {
	case msg := <-sub.Channel():
		assert.Equal(t, "test:tenants:acme:rtls", msg.Channel)
		assert.Equal(t, "d1", gjson.Get(msg.Payload, "deviceId").String())
	case <-time.After(2 * time.Second):
		t.Fatal("no message on tenant channel")
	}

	entries, err := client.XRange(ctx, "test:events", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, DocumentID(events[0]), entries[0].Values["id"])
	assert.Equal(t, "other", entries[1].Values["tenantId"])
}

func TestSaveToRedisReconnectsAfterReset(t *testing.T) {
	mr, client := setupTestRedis(t)
	ctx := context.Background()

	sink, err := NewSaveToRedis(RedisConfig{URL: "redis://" + mr.Addr()}, discardLogger())
	require.NoError(t, err)
	defer sink.Close()

	events := []types.Event{rtlsEvent("acme", "d1", "r1", 1)}

	mr.SetError("LOADING server is loading")
	assert.Error(t, sink.Process(ctx, events))
	sink.Reset()

	mr.SetError("")
	require.NoError(t, sink.Process(ctx, events))

	n, err := client.XLen(ctx, "rtls:events").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
