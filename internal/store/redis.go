package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "kraken-core"

// RedisSink upserts each row as a hash at kraken-core:<table>:<key>.
type RedisSink struct {
	rdb  redis.Cmdable
	ttls map[string]time.Duration
	now  func() time.Time
}

type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	// TTLs expires rows per table; tables without an entry never expire.
	TTLs map[string]time.Duration
}

func NewRedisSink(opts RedisOptions) *RedisSink {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return NewRedisSinkWithClient(rdb, opts.TTLs)
}

func NewRedisSinkWithClient(rdb redis.Cmdable, ttls map[string]time.Duration) *RedisSink {
	return &RedisSink{rdb: rdb, ttls: ttls, now: time.Now}
}

func (r *RedisSink) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}

func (r *RedisSink) Upsert(ctx context.Context, table string, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}
	ttl := r.ttls[table]
	now := r.now().UTC()
	_, err := r.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, row := range rows {
			key, fields, err := redisRow(table, row, now)
			if err != nil {
				return err
			}
			pipe.HSet(ctx, key, fields)
			if ttl > 0 {
				pipe.Expire(ctx, key, ttl)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis upsert %s: %w", table, err)
	}
	return nil
}

func redisKey(table, key string) string {
	return redisKeyPrefix + ":" + table + ":" + key
}

func redisRow(table string, row Row, now time.Time) (string, map[string]any, error) {
	if row.Key == "" {
		return "", nil, fmt.Errorf("row in %s has empty key", table)
	}
	ts := row.Time
	if ts.IsZero() {
		ts = now
	}
	payload, err := json.Marshal(row.Data)
	if err != nil {
		return "", nil, err
	}
	return redisKey(table, row.Key), map[string]any{
		"data":       string(payload),
		"updated_at": ts.UTC().Format(time.RFC3339Nano),
	}, nil
}
