// Package idempotency stores the receipt of every completed money movement
// under the caller's idempotency key so that retransmitted requests are
// answered from the receipt instead of being processed again.
//
// The relational store is authoritative. Receipts are inserted inside the
// same store transaction as the financial write they describe, and the
// store's uniqueness constraint on the key decides races between two first
// attempts. An optional front cache (Redis) mirrors completed receipts for
// cheaper lookups.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"
)

// DefaultTTL is how long a receipt answers retries.
const DefaultTTL = 24 * time.Hour

// ErrConflict is returned by a Writer when a live receipt already holds the key.
var ErrConflict = errors.New("idempotency key already recorded")

// Record is the stored receipt of one completed operation.
type Record struct {
	Key       string          `json:"key"`
	Operation string          `json:"operation"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// Expired reports whether the receipt no longer answers retries at now.
func (r Record) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// Reader looks a receipt up by key. Expired receipts may be returned; the
// Cache filters them.
type Reader interface {
	LookupIdempotency(ctx context.Context, key string) (Record, bool, error)
}

// Writer inserts a receipt, normally inside an open store transaction. An
// expired receipt holding the same key is replaced. A live one yields
// ErrConflict.
type Writer interface {
	InsertIdempotency(ctx context.Context, rec Record) error
}

// Front is a best-effort mirror of completed receipts.
type Front interface {
	Get(ctx context.Context, key string) (Record, bool, error)
	Put(ctx context.Context, rec Record, now time.Time) error
}

// Cache implements lookup and record on top of the store.
type Cache struct {
	store  Reader
	front  Front
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// Option customises a Cache.
type Option func(*Cache)

// WithFront mirrors receipts into f.
func WithFront(f Front) Option {
	return func(c *Cache) { c.front = f }
}

// WithClock overrides the clock used for expiry decisions.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New builds a Cache over store. A non-positive ttl falls back to DefaultTTL.
func New(store Reader, ttl time.Duration, logger *slog.Logger, opts ...Option) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	c := &Cache{
		store:  store,
		ttl:    ttl,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Lookup returns the payload recorded under key. A missing or expired
// receipt is reported as absent.
func (c *Cache) Lookup(ctx context.Context, key string) (json.RawMessage, bool, error) {
	now := c.now()

	if c.front != nil {
		rec, ok, err := c.front.Get(ctx, key)
		switch {
		case err != nil:
			c.logger.Warn("idempotency front lookup failed", slog.String("key", key), slog.Any("error", err))
		case ok && !rec.Expired(now):
			return rec.Payload, true, nil
		}
	}

	rec, ok, err := c.store.LookupIdempotency(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if !ok || rec.Expired(now) {
		return nil, false, nil
	}

	c.Remember(ctx, rec)
	return rec.Payload, true, nil
}

// Record inserts the receipt for key through w, which is expected to be the
// transaction carrying the financial write. The returned record should be
// passed to Remember once that transaction commits.
func (c *Cache) Record(ctx context.Context, w Writer, key, operation string, payload json.RawMessage) (Record, error) {
	now := c.now()
	rec := Record{
		Key:       key,
		Operation: operation,
		Payload:   payload,
		CreatedAt: now,
		ExpiresAt: now.Add(c.ttl),
	}
	if err := w.InsertIdempotency(ctx, rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// Remember mirrors a committed receipt into the front cache, if any.
func (c *Cache) Remember(ctx context.Context, rec Record) {
	if c.front == nil {
		return
	}
	if err := c.front.Put(ctx, rec, c.now()); err != nil {
		c.logger.Warn("idempotency front store failed", slog.String("key", rec.Key), slog.Any("error", err))
	}
}
