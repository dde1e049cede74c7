package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLedger implements Ledger on a shared Redis instance. SetNX gives the
// atomicity the contract requires; any transport error fails closed.
type RedisLedger struct {
	client *redis.Client
}

// NewRedisLedger connects to Redis and verifies the connection.
func NewRedisLedger(ctx context.Context, host string, port int, password string, db int, timeout time.Duration) (*RedisLedger, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        fmt.Sprintf("%s:%d", host, port),
		Password:    password,
		DB:          db,
		DialTimeout: timeout,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed (%s:%d): %w", host, port, err)
	}
	return &RedisLedger{client: client}, nil
}

// NewRedisLedgerFromClient wraps an existing client.
func NewRedisLedgerFromClient(client *redis.Client) *RedisLedger {
	return &RedisLedger{client: client}
}

// Reserve attempts to claim key. Exactly one concurrent caller sees Fresh.
func (l *RedisLedger) Reserve(ctx context.Context, key string, ttl time.Duration) (Outcome, error) {
	ok, err := l.client.SetNX(ctx, key, pendingMarker, ttl).Result()
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if ok {
		return Outcome{Fresh: true}, nil
	}
	val, err := l.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		// Entry expired between SetNX and Get. Treat as duplicate with no
		// recorded result rather than racing a second reservation.
		return Outcome{}, nil
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if val == pendingMarker {
		return Outcome{}, nil
	}
	return Outcome{Existing: val}, nil
}

// Complete records the result for a held reservation, keeping its TTL.
func (l *RedisLedger) Complete(ctx context.Context, key string, result string) error {
	if err := l.client.Set(ctx, key, result, redis.KeepTTL).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Release drops the reservation.
func (l *RedisLedger) Release(ctx context.Context, key string) error {
	if err := l.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}
