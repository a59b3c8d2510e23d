package middleware

import (
	"strings"
	"unicode"

	"github.com/gofiber/fiber/v2"
)

const (
	// IdempotencyKeyHeader carries the caller's idempotency key.
	IdempotencyKeyHeader = "Idempotency-Key"

	idempotencyKeyLocal  = "idempotency_key"
	maxIdempotencyKeyLen = 255
)

// IdempotencyKey requires a well-formed Idempotency-Key header on unsafe
// methods and exposes it to handlers through IdempotencyKeyFrom. Replay
// detection itself happens in the ledger, inside the store transaction.
func IdempotencyKey() fiber.Handler {
	return func(c *fiber.Ctx) error {
		switch strings.ToUpper(c.Method()) {
		case fiber.MethodGet, fiber.MethodHead, fiber.MethodOptions:
			return c.Next()
		}

		key := strings.TrimSpace(c.Get(IdempotencyKeyHeader))
		if key == "" {
			return fiber.NewError(fiber.StatusBadRequest, "missing Idempotency-Key header")
		}
		if len(key) > maxIdempotencyKeyLen {
			return fiber.NewError(fiber.StatusBadRequest, "Idempotency-Key longer than 255 bytes")
		}
		if strings.IndexFunc(key, func(r rune) bool { return !unicode.IsPrint(r) }) >= 0 {
			return fiber.NewError(fiber.StatusBadRequest, "Idempotency-Key contains non-printable characters")
		}

		c.Locals(idempotencyKeyLocal, key)
		return c.Next()
	}
}

// IdempotencyKeyFrom returns the key stored by IdempotencyKey.
func IdempotencyKeyFrom(c *fiber.Ctx) string {
	key, _ := c.Locals(idempotencyKeyLocal).(string)
	return key
}
