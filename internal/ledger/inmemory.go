package ledger

import (
	"cmp"
	"context"
	"errors"
	"iter"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/congo-pay/coinledger/internal/idempotency"
)

// DefaultLockTimeout bounds how long a transaction waits for wallet locks.
const DefaultLockTimeout = 3 * time.Second

type walletKey struct {
	subject     string
	assetTypeID int64
}

// MemoryStore is a concurrency-safe in-memory Store with the same locking
// and uniqueness behaviour as the Postgres store. It backs tests and the
// development mode without a database.
type MemoryStore struct {
	mu          sync.Mutex
	lockTimeout time.Duration

	nextAssetID  int64
	nextWalletID int64
	nextEntryID  int64

	assets       map[int64]AssetType
	assetsByCode map[string]int64
	wallets      map[int64]Wallet
	walletIndex  map[walletKey]int64
	rowLocks     map[int64]chan struct{}

	transactions []Transaction
	entries      []LedgerEntry
	receipts     map[string]idempotency.Record
	// pending holds keys inserted by transactions that have not finished.
	pending map[string]chan struct{}
}

// NewInMemory creates an empty MemoryStore. A non-positive lockTimeout falls
// back to DefaultLockTimeout.
func NewInMemory(lockTimeout time.Duration) *MemoryStore {
	if lockTimeout <= 0 {
		lockTimeout = DefaultLockTimeout
	}
	return &MemoryStore{
		lockTimeout:  lockTimeout,
		assets:       make(map[int64]AssetType),
		assetsByCode: make(map[string]int64),
		wallets:      make(map[int64]Wallet),
		walletIndex:  make(map[walletKey]int64),
		rowLocks:     make(map[int64]chan struct{}),
		receipts:     make(map[string]idempotency.Record),
		pending:      make(map[string]chan struct{}),
	}
}

func (s *MemoryStore) Begin(_ context.Context) (Tx, error) {
	return &memoryTx{
		store:    s,
		held:     make(map[int64]bool),
		balances: make(map[int64]stagedBalance),
	}, nil
}

func (s *MemoryStore) AssetTypeByCode(_ context.Context, code string) (AssetType, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.assetsByCode[code]
	if !ok {
		return AssetType{}, newError(KindNotFound, "asset type %s not found", code)
	}
	return s.assets[id], nil
}

func (s *MemoryStore) AssetTypeByID(_ context.Context, id int64) (AssetType, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	asset, ok := s.assets[id]
	if !ok {
		return AssetType{}, newError(KindNotFound, "asset type %d not found", id)
	}
	return asset, nil
}

func (s *MemoryStore) CreateAssetType(_ context.Context, asset AssetType) (AssetType, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.assetsByCode[asset.Code]; exists {
		return AssetType{}, newError(KindConflict, "asset type %s already exists", asset.Code)
	}
	s.nextAssetID++
	asset.ID = s.nextAssetID
	if asset.CreatedAt.IsZero() {
		asset.CreatedAt = time.Now().UTC()
	}
	s.assets[asset.ID] = asset
	s.assetsByCode[asset.Code] = asset.ID
	return asset, nil
}

func (s *MemoryStore) SetAssetTypeActive(_ context.Context, code string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.assetsByCode[code]
	if !ok {
		return newError(KindNotFound, "asset type %s not found", code)
	}
	asset := s.assets[id]
	asset.Active = active
	s.assets[id] = asset
	return nil
}

func (s *MemoryStore) ListAssetTypes(_ context.Context) ([]AssetType, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]AssetType, 0, len(s.assets))
	for _, asset := range s.assets {
		out = append(out, asset)
	}
	slices.SortFunc(out, func(a, b AssetType) int { return strings.Compare(a.Code, b.Code) })
	return out, nil
}

func (s *MemoryStore) EnsureWallet(_ context.Context, subject string, assetTypeID int64, system bool) (Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.assets[assetTypeID]; !ok {
		return Wallet{}, newError(KindNotFound, "asset type %d not found", assetTypeID)
	}
	key := walletKey{subject: subject, assetTypeID: assetTypeID}
	if id, exists := s.walletIndex[key]; exists {
		return s.wallets[id], nil
	}
	now := time.Now().UTC()
	s.nextWalletID++
	w := Wallet{
		ID:          s.nextWalletID,
		Subject:     subject,
		AssetTypeID: assetTypeID,
		Balance:     decimal.Zero,
		IsSystem:    system,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.wallets[w.ID] = w
	s.walletIndex[key] = w.ID
	return w, nil
}

func (s *MemoryStore) WalletBySubject(_ context.Context, subject string, assetTypeID int64) (Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.walletIndex[walletKey{subject: subject, assetTypeID: assetTypeID}]
	if !ok {
		return Wallet{}, newError(KindNotFound, "wallet for %s not found", subject)
	}
	return s.wallets[id], nil
}

func (s *MemoryStore) TransactionsForWallet(_ context.Context, walletID int64, limit, offset int) iter.Seq2[Transaction, error] {
	return func(yield func(Transaction, error) bool) {
		s.mu.Lock()
		var matched []Transaction
		// Newest first; later appends win ties on created_at.
		for i := len(s.transactions) - 1; i >= 0; i-- {
			txn := s.transactions[i]
			if txn.SourceWalletID == walletID || txn.DestinationWalletID == walletID {
				matched = append(matched, txn)
			}
		}
		s.mu.Unlock()

		slices.SortStableFunc(matched, func(a, b Transaction) int { return b.CreatedAt.Compare(a.CreatedAt) })
		if offset >= len(matched) {
			return
		}
		matched = matched[offset:]
		if limit < len(matched) {
			matched = matched[:limit]
		}
		for _, txn := range matched {
			if !yield(txn, nil) {
				return
			}
		}
	}
}

func (s *MemoryStore) EntriesForTransaction(_ context.Context, transactionID string) ([]LedgerEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []LedgerEntry
	for _, e := range s.entries {
		if e.TransactionID == transactionID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *MemoryStore) BalanceDrift(_ context.Context) ([]Drift, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sums := make(map[int64]decimal.Decimal, len(s.wallets))
	for _, e := range s.entries {
		sums[e.WalletID] = sums[e.WalletID].Add(e.Amount)
	}
	var drift []Drift
	for id, w := range s.wallets {
		if !w.Balance.Equal(sums[id]) {
			drift = append(drift, Drift{WalletID: id, Subject: w.Subject, Balance: w.Balance, LedgerBalance: sums[id]})
		}
	}
	slices.SortFunc(drift, func(a, b Drift) int { return cmp.Compare(a.WalletID, b.WalletID) })
	return drift, nil
}

func (s *MemoryStore) LookupIdempotency(_ context.Context, key string) (idempotency.Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.receipts[key]
	return rec, ok, nil
}

func (s *MemoryStore) PurgeExpiredIdempotency(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for key, rec := range s.receipts {
		if rec.Expired(now) {
			delete(s.receipts, key)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) rowLock(id int64) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.rowLocks[id]
	if !ok {
		ch = make(chan struct{}, 1)
		s.rowLocks[id] = ch
	}
	return ch
}

type stagedBalance struct {
	balance decimal.Decimal
	at      time.Time
}

type memoryTx struct {
	store *MemoryStore
	done  bool

	held         map[int64]bool
	lockOrder    []int64
	transactions []Transaction
	entries      []LedgerEntry
	balances     map[int64]stagedBalance
	receipts     []idempotency.Record
	pendingKeys  []string
}

func (t *memoryTx) WalletsByID(_ context.Context, ids []int64) (map[int64]Wallet, error) {
	if t.done {
		return nil, errTxDone
	}
	return t.snapshot(ids), nil
}

func (t *memoryTx) LockWallets(ctx context.Context, ids []int64) (map[int64]Wallet, error) {
	if t.done {
		return nil, errTxDone
	}
	timer := time.NewTimer(t.store.lockTimeout)
	defer timer.Stop()

	for _, id := range ids {
		if t.held[id] {
			continue
		}
		ch := t.store.rowLock(id)
		select {
		case ch <- struct{}{}:
			t.held[id] = true
			t.lockOrder = append(t.lockOrder, id)
		case <-timer.C:
			return nil, newError(KindLockTimeout, "timed out waiting for lock on wallet %d", id)
		case <-ctx.Done():
			return nil, wrapError(KindLockTimeout, ctx.Err(), "waiting for lock on wallet %d", id)
		}
	}
	return t.snapshot(ids), nil
}

func (t *memoryTx) snapshot(ids []int64) map[int64]Wallet {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	out := make(map[int64]Wallet, len(ids))
	for _, id := range ids {
		w, ok := t.store.wallets[id]
		if !ok {
			continue
		}
		if staged, ok := t.balances[id]; ok {
			w.Balance = staged.balance
			w.UpdatedAt = staged.at
		}
		out[id] = w
	}
	return out
}

func (t *memoryTx) InsertTransaction(_ context.Context, txn Transaction) error {
	if t.done {
		return errTxDone
	}
	t.transactions = append(t.transactions, txn)
	return nil
}

func (t *memoryTx) InsertEntries(_ context.Context, entries []LedgerEntry) error {
	if t.done {
		return errTxDone
	}
	t.entries = append(t.entries, entries...)
	return nil
}

func (t *memoryTx) SetBalance(_ context.Context, walletID int64, balance decimal.Decimal, at time.Time) error {
	if t.done {
		return errTxDone
	}
	if !t.held[walletID] {
		return newError(KindStoreFailure, "wallet %d is not locked by this transaction", walletID)
	}
	t.balances[walletID] = stagedBalance{balance: balance, at: at}
	return nil
}

// InsertIdempotency emulates a unique index: a key inserted by an unfinished
// transaction blocks until that transaction commits or rolls back.
func (t *memoryTx) InsertIdempotency(ctx context.Context, rec idempotency.Record) error {
	if t.done {
		return errTxDone
	}
	timer := time.NewTimer(t.store.lockTimeout)
	defer timer.Stop()

	for {
		s := t.store
		s.mu.Lock()
		if existing, ok := s.receipts[rec.Key]; ok && !existing.Expired(rec.CreatedAt) {
			s.mu.Unlock()
			return idempotency.ErrConflict
		}
		wait, busy := s.pending[rec.Key]
		if !busy {
			s.pending[rec.Key] = make(chan struct{})
			s.mu.Unlock()
			t.pendingKeys = append(t.pendingKeys, rec.Key)
			t.receipts = append(t.receipts, rec)
			return nil
		}
		s.mu.Unlock()

		select {
		case <-wait:
		case <-timer.C:
			return newError(KindLockTimeout, "timed out waiting on idempotency key %s", rec.Key)
		case <-ctx.Done():
			return wrapError(KindLockTimeout, ctx.Err(), "waiting on idempotency key %s", rec.Key)
		}
	}
}

func (t *memoryTx) Commit(_ context.Context) error {
	if t.done {
		return errTxDone
	}
	s := t.store
	s.mu.Lock()
	s.transactions = append(s.transactions, t.transactions...)
	for _, e := range t.entries {
		s.nextEntryID++
		e.ID = s.nextEntryID
		s.entries = append(s.entries, e)
	}
	for id, staged := range t.balances {
		w := s.wallets[id]
		w.Balance = staged.balance
		w.UpdatedAt = staged.at
		s.wallets[id] = w
	}
	for _, rec := range t.receipts {
		s.receipts[rec.Key] = rec
	}
	t.releasePendingLocked()
	s.mu.Unlock()

	t.finish()
	return nil
}

func (t *memoryTx) Rollback(_ context.Context) error {
	if t.done {
		return nil
	}
	t.store.mu.Lock()
	t.releasePendingLocked()
	t.store.mu.Unlock()
	t.finish()
	return nil
}

func (t *memoryTx) releasePendingLocked() {
	for _, key := range t.pendingKeys {
		if ch, ok := t.store.pending[key]; ok {
			close(ch)
			delete(t.store.pending, key)
		}
	}
}

func (t *memoryTx) finish() {
	t.done = true
	for _, id := range t.lockOrder {
		<-t.store.rowLock(id)
	}
}

var errTxDone = errors.New("transaction already finished")
