// Package inflight marks inbound processor events as being worked on so that
// a redelivery arriving at another replica can be told to retry later. It is
// an optimisation: the billing ledger's unique constraint stays the source of
// truth for exactly-once processing.
package inflight

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Guard claims a key for the duration of one unit of work.
type Guard interface {
	// Acquire returns ok=false when another worker holds key. release must be
	// called when ok is true.
	Acquire(ctx context.Context, key string) (release func(), ok bool, err error)
}

// RedisClient is the subset of *redis.Client the guard uses.
type RedisClient interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
	Ping(ctx context.Context) *redis.StatusCmd
}

// releaseScript deletes the key only while it still holds our token, so a
// claim that expired and was taken over is never released by its old owner.
const releaseScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then return redis.call("DEL", KEYS[1]) else return 0 end`

type RedisGuard struct {
	client RedisClient
	prefix string
	ttl    time.Duration
}

func NewRedisGuard(client RedisClient, prefix string, ttl time.Duration) *RedisGuard {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &RedisGuard{client: client, prefix: prefix, ttl: ttl}
}

// NewRedisGuardFromURL parses a redis:// URL and connects.
func NewRedisGuardFromURL(url, prefix string, ttl time.Duration) (*RedisGuard, *redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	return NewRedisGuard(client, prefix, ttl), client, nil
}

func (g *RedisGuard) Acquire(ctx context.Context, key string) (func(), bool, error) {
	full := g.prefix + key
	token := uuid.NewString()

	ok, err := g.client.SetNX(ctx, full, token, g.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("claim %s: %w", full, err)
	}
	if !ok {
		return nil, false, nil
	}

	release := func() {
		// Detached from the request context so a cancelled request still
		// frees its claim.
		rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = g.client.Eval(rctx, releaseScript, []string{full}, token).Err()
	}
	return release, true, nil
}

// Ping checks Redis connectivity for the health endpoint.
func (g *RedisGuard) Ping(ctx context.Context) error {
	return g.client.Ping(ctx).Err()
}

// Noop always grants the claim. Used when REDIS_URL is unset.
type Noop struct{}

func (Noop) Acquire(context.Context, string) (func(), bool, error) {
	return func() {}, true, nil
}
