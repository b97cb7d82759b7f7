package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisRowLayout(t *testing.T) {
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	key, fields, err := redisRow(TableOrderTickets, Row{Key: "cid-1", Data: map[string]string{"status": "filled"}}, now)
	require.NoError(t, err)
	assert.Equal(t, "kraken-core:order_tickets:cid-1", key)
	assert.Equal(t, `{"status":"filled"}`, fields["data"])
	assert.Equal(t, "2024-01-02T03:04:05Z", fields["updated_at"])

	_, _, err = redisRow(TableOrderTickets, Row{}, now)
	assert.Error(t, err)
}

// Runs against a real server when KRAKEN_CORE_TEST_REDIS is set.
func TestRedisSinkUpsert(t *testing.T) {
	addr := os.Getenv("KRAKEN_CORE_TEST_REDIS")
	if addr == "" {
		t.Skip("KRAKEN_CORE_TEST_REDIS not set")
	}
	sink := NewRedisSink(RedisOptions{Addr: addr, TTLs: map[string]time.Duration{TableTickerScout: time.Minute}})
	ctx := context.Background()
	require.NoError(t, sink.Ping(ctx))
	require.NoError(t, sink.Upsert(ctx, TableTickerScout, []Row{{Key: "BTC/USD", Data: map[string]string{"bid": "1"}}}))

	rdb := sink.rdb
	got, err := rdb.HGet(ctx, redisKey(TableTickerScout, "BTC/USD"), "data").Result()
	require.NoError(t, err)
	assert.JSONEq(t, `{"bid":"1"}`, got)
	ttl, err := rdb.TTL(ctx, redisKey(TableTickerScout, "BTC/USD")).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
}
