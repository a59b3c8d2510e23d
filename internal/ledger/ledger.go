// Package ledger moves closed-loop virtual currency between wallets.
//
// Every movement is one store transaction that locks the participating
// wallet rows in ascending id order, checks funds against the locked
// balances, appends a Transaction with a balanced DEBIT/CREDIT pair of
// LedgerEntry rows, updates the cached wallet balances and inserts the
// idempotency receipt. Either all of it commits or none of it does.
package ledger

import (
	"context"
	"iter"
	"time"

	"github.com/shopspring/decimal"

	"github.com/congo-pay/coinledger/internal/idempotency"
)

// TransactionType identifies the flow of a transaction.
type TransactionType string

const (
	TypeTopup TransactionType = "TOPUP"
	TypeBonus TransactionType = "BONUS"
	TypeSpend TransactionType = "SPEND"
)

// Status of a Transaction. Validation happens before commit, so every stored
// transaction is completed.
type Status string

const StatusCompleted Status = "COMPLETED"

// EntryType is the side of a ledger entry.
type EntryType string

const (
	EntryDebit  EntryType = "DEBIT"
	EntryCredit EntryType = "CREDIT"
)

// AmountScale is the number of decimal places amounts may carry.
const AmountScale = 2

// maxAmount bounds amounts to what NUMERIC(20,2) holds.
var maxAmount = decimal.New(1, 18)

// AssetType is a distinct virtual currency.
type AssetType struct {
	ID          int64     `json:"id"`
	Code        string    `json:"code"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
}

// Wallet holds the balance of one subject for one asset type. Balance is a
// projection of the wallet's ledger entries.
type Wallet struct {
	ID          int64
	Subject     string
	AssetTypeID int64
	Balance     decimal.Decimal
	IsSystem    bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Transaction is one immutable money movement.
type Transaction struct {
	ID                  string            `json:"id"`
	IdempotencyKey      string            `json:"-"`
	Type                TransactionType   `json:"type"`
	Status              Status            `json:"status"`
	SourceWalletID      int64             `json:"source_wallet_id"`
	DestinationWalletID int64             `json:"destination_wallet_id"`
	AssetTypeID         int64             `json:"asset_type_id"`
	Amount              decimal.Decimal   `json:"amount"`
	ExternalReference   string            `json:"external_reference,omitempty"`
	Description         string            `json:"description,omitempty"`
	Metadata            map[string]string `json:"metadata,omitempty"`
	CreatedAt           time.Time         `json:"created_at"`
}

// LedgerEntry is one signed, append-only movement against a wallet.
type LedgerEntry struct {
	ID            int64           `json:"id"`
	TransactionID string          `json:"transaction_id"`
	WalletID      int64           `json:"wallet_id"`
	EntryType     EntryType       `json:"entry_type"`
	Amount        decimal.Decimal `json:"amount"`
	BalanceAfter  decimal.Decimal `json:"balance_after"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Drift reports a wallet whose cached balance disagrees with its entries.
type Drift struct {
	WalletID      int64           `json:"wallet_id"`
	Subject       string          `json:"subject"`
	Balance       decimal.Decimal `json:"balance"`
	LedgerBalance decimal.Decimal `json:"ledger_balance"`
}

// Store is the transactional relational store behind the engine.
type Store interface {
	idempotency.Reader
	idempotency.Purger

	// Begin opens a store transaction. Lock waits inside it are bounded by
	// the store's lock timeout.
	Begin(ctx context.Context) (Tx, error)

	AssetTypeByCode(ctx context.Context, code string) (AssetType, error)
	AssetTypeByID(ctx context.Context, id int64) (AssetType, error)
	CreateAssetType(ctx context.Context, asset AssetType) (AssetType, error)
	SetAssetTypeActive(ctx context.Context, code string, active bool) error
	ListAssetTypes(ctx context.Context) ([]AssetType, error)

	// EnsureWallet returns the wallet for (subject, asset type), creating it
	// with a zero balance when absent. Concurrent callers get the same row.
	EnsureWallet(ctx context.Context, subject string, assetTypeID int64, system bool) (Wallet, error)
	WalletBySubject(ctx context.Context, subject string, assetTypeID int64) (Wallet, error)

	// TransactionsForWallet lazily yields transactions touching the wallet,
	// newest first. The query runs when the sequence is ranged over.
	TransactionsForWallet(ctx context.Context, walletID int64, limit, offset int) iter.Seq2[Transaction, error]
	EntriesForTransaction(ctx context.Context, transactionID string) ([]LedgerEntry, error)
	BalanceDrift(ctx context.Context) ([]Drift, error)
}

// Tx is an open store transaction. Rollback after Commit is a no-op.
type Tx interface {
	idempotency.Writer

	// WalletsByID reads wallets without locking. Missing ids are absent
	// from the result.
	WalletsByID(ctx context.Context, ids []int64) (map[int64]Wallet, error)
	// LockWallets takes exclusive row locks on ids in the order given, with
	// a single locking read, and returns the locked rows.
	LockWallets(ctx context.Context, ids []int64) (map[int64]Wallet, error)
	InsertTransaction(ctx context.Context, txn Transaction) error
	InsertEntries(ctx context.Context, entries []LedgerEntry) error
	// SetBalance overwrites the balance of a wallet locked by this
	// transaction.
	SetBalance(ctx context.Context, walletID int64, balance decimal.Decimal, at time.Time) error

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}
