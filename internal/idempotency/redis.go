package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisPrefix = "idempotency:v1:"

// RedisFront mirrors receipts in Redis for their remaining lifetime.
type RedisFront struct {
	client  *redis.Client
	timeout time.Duration
}

// NewRedisFront wraps client. Each call is bounded by a short timeout so a
// slow Redis never delays a money movement.
func NewRedisFront(client *redis.Client) *RedisFront {
	return &RedisFront{client: client, timeout: 500 * time.Millisecond}
}

// Get fetches a mirrored receipt.
func (f *RedisFront) Get(ctx context.Context, key string) (Record, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	raw, err := f.client.Get(ctx, redisPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}

	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return Record{}, false, fmt.Errorf("decode mirrored receipt: %w", err)
	}
	return rec, true, nil
}

// Put mirrors rec until its expiry. Already expired receipts are skipped.
func (f *RedisFront) Put(ctx context.Context, rec Record, now time.Time) error {
	remaining := rec.ExpiresAt.Sub(now)
	if remaining <= 0 {
		return nil
	}

	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode receipt: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()
	return f.client.Set(ctx, redisPrefix+rec.Key, payload, remaining).Err()
}
