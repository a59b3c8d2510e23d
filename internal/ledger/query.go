package ledger

import (
	"context"
	"errors"
	"iter"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
)

const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 500
)

// Balance is a point-in-time read of one wallet.
type Balance struct {
	WalletID      int64           `json:"wallet_id,omitempty"`
	Subject       string          `json:"subject"`
	AssetTypeCode string          `json:"asset_type_code"`
	Amount        decimal.Decimal `json:"balance"`
	AsOf          time.Time       `json:"as_of"`
}

// HistoryQuery selects a page of a subject's transactions for one asset.
// A zero Limit selects the default page size.
type HistoryQuery struct {
	Subject       string
	AssetTypeCode string
	Limit         int
	Offset        int
}

// Queries serves read-only views. Reads take no locks and may observe a
// balance that is stale by the time it is returned.
type Queries struct {
	store        Store
	defaultLimit int
	maxLimit     int
	now          func() time.Time
}

// NewQueries builds the read side. Non-positive limits fall back to the
// package defaults.
func NewQueries(store Store, defaultLimit, maxLimit int) *Queries {
	if maxLimit <= 0 {
		maxLimit = MaxHistoryLimit
	}
	if defaultLimit <= 0 || defaultLimit > maxLimit {
		defaultLimit = min(DefaultHistoryLimit, maxLimit)
	}
	return &Queries{
		store:        store,
		defaultLimit: defaultLimit,
		maxLimit:     maxLimit,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// GetBalance returns the subject's balance. A subject without a wallet for
// the asset type has a zero balance; no wallet is created.
func (q *Queries) GetBalance(ctx context.Context, subject, assetTypeCode string) (Balance, error) {
	if subject == "" {
		return Balance{}, newError(KindValidation, "subject is required")
	}
	asset, err := q.activeAssetType(ctx, assetTypeCode)
	if err != nil {
		return Balance{}, err
	}
	out := Balance{Subject: subject, AssetTypeCode: asset.Code, Amount: decimal.Zero, AsOf: q.now()}

	w, err := q.store.WalletBySubject(ctx, subject, asset.ID)
	switch {
	case errors.Is(err, ErrNotFound):
		return out, nil
	case err != nil:
		return Balance{}, storeError(err, "load wallet")
	}
	out.WalletID = w.ID
	out.Amount = w.Balance
	return out, nil
}

// GetHistory returns the requested page of transactions, newest first. The
// sequence is lazy and single-use: the store is queried when it is first
// ranged over, and ranging over it again yields nothing.
func (q *Queries) GetHistory(ctx context.Context, hq HistoryQuery) (iter.Seq2[Transaction, error], error) {
	if hq.Subject == "" {
		return nil, newError(KindValidation, "subject is required")
	}
	if hq.Limit < 0 || hq.Offset < 0 {
		return nil, newError(KindValidation, "limit and offset must not be negative")
	}
	limit := hq.Limit
	switch {
	case limit == 0:
		limit = q.defaultLimit
	case limit > q.maxLimit:
		limit = q.maxLimit
	}

	asset, err := q.activeAssetType(ctx, hq.AssetTypeCode)
	if err != nil {
		return nil, err
	}
	w, err := q.store.WalletBySubject(ctx, hq.Subject, asset.ID)
	switch {
	case errors.Is(err, ErrNotFound):
		return func(func(Transaction, error) bool) {}, nil
	case err != nil:
		return nil, storeError(err, "load wallet")
	}
	return once(q.store.TransactionsForWallet(ctx, w.ID, limit, hq.Offset)), nil
}

// Entries returns the ledger entries of one transaction.
func (q *Queries) Entries(ctx context.Context, transactionID string) ([]LedgerEntry, error) {
	entries, err := q.store.EntriesForTransaction(ctx, transactionID)
	if err != nil {
		return nil, storeError(err, "load ledger entries")
	}
	if len(entries) == 0 {
		return nil, newError(KindNotFound, "transaction %s not found", transactionID)
	}
	return entries, nil
}

// VerifyBalances reports every wallet whose stored balance differs from the
// sum of its ledger entries. An empty result means the ledger reconciles.
func (q *Queries) VerifyBalances(ctx context.Context) ([]Drift, error) {
	drift, err := q.store.BalanceDrift(ctx)
	if err != nil {
		return nil, storeError(err, "reconcile balances")
	}
	return drift, nil
}

// ListAssetTypes returns every asset type, active or not.
func (q *Queries) ListAssetTypes(ctx context.Context) ([]AssetType, error) {
	assets, err := q.store.ListAssetTypes(ctx)
	if err != nil {
		return nil, storeError(err, "list asset types")
	}
	return assets, nil
}

func (q *Queries) activeAssetType(ctx context.Context, code string) (AssetType, error) {
	if code == "" {
		return AssetType{}, newError(KindValidation, "asset type code is required")
	}
	asset, err := q.store.AssetTypeByCode(ctx, code)
	if err != nil {
		return AssetType{}, storeError(err, "load asset type")
	}
	if !asset.Active {
		return AssetType{}, newError(KindNotFound, "asset type %s is not active", code)
	}
	return asset, nil
}

func once[V any](seq iter.Seq2[V, error]) iter.Seq2[V, error] {
	var used atomic.Bool
	return func(yield func(V, error) bool) {
		if used.Swap(true) {
			return
		}
		seq(yield)
	}
}
