package ledger

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SeedBalance funds a subject's wallet through a treasury topup under a fresh
// idempotency key, so seeded balances reconcile with the ledger. Intended for
// tests and local fixtures.
func SeedBalance(ctx context.Context, e *Engine, subject, assetTypeCode string, amount decimal.Decimal) (Result, error) {
	return e.Topup(ctx, TopupRequest{
		IdempotencyKey: "seed-" + uuid.NewString(),
		UserID:         subject,
		AssetTypeCode:  assetTypeCode,
		Amount:         amount,
		Description:    "Seed balance for " + subject,
	})
}
