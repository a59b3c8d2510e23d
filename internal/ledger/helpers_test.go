package ledger

import (
	"context"
	"fmt"
	"iter"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/congo-pay/coinledger/internal/idempotency"
	"github.com/congo-pay/coinledger/internal/logging"
	"github.com/congo-pay/coinledger/internal/notification"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	store    *MemoryStore
	cache    *idempotency.Cache
	system   *SystemWallets
	engine   *Engine
	queries  *Queries
	clock    *testClock
	notifier *recordingNotifier
	gold     AssetType
	keys     atomic.Int64
}

func newFixture(t *testing.T) *fixture {
	return newFixtureWith(t, 2*time.Second, nil)
}

// newFixtureWith builds the engine over a store; wrap, when set, replaces the
// store the engine and the idempotency cache see.
func newFixtureWith(t *testing.T, lockTimeout time.Duration, wrap func(*MemoryStore) Store, opts ...EngineOption) *fixture {
	t.Helper()

	f := &fixture{
		store:    NewInMemory(lockTimeout),
		clock:    newTestClock(),
		notifier: &recordingNotifier{},
	}
	var store Store = f.store
	if wrap != nil {
		store = wrap(f.store)
	}

	f.cache = idempotency.New(store, time.Hour, logging.Discard(), idempotency.WithClock(f.clock.Now))
	system, err := NewSystemWallets(store, DefaultSystemSubjects())
	require.NoError(t, err)
	f.system = system

	opts = append([]EngineOption{WithClock(f.clock.Now), WithNotifier(f.notifier)}, opts...)
	f.engine = NewEngine(store, f.cache, system, logging.Discard(), opts...)
	f.queries = NewQueries(store, 0, 0)

	f.gold, err = f.engine.CreateAssetType(context.Background(), "GOLD_COIN", "Gold Coin", "")
	require.NoError(t, err)
	return f
}

func (f *fixture) nextKey() string {
	return fmt.Sprintf("key-%d", f.keys.Add(1))
}

func (f *fixture) topup(t *testing.T, user, amount string) Result {
	t.Helper()
	res, err := f.engine.Topup(context.Background(), TopupRequest{
		IdempotencyKey: f.nextKey(),
		UserID:         user,
		AssetTypeCode:  f.gold.Code,
		Amount:         dec(amount),
	})
	require.NoError(t, err)
	return res
}

func (f *fixture) balance(t *testing.T, user string) decimal.Decimal {
	t.Helper()
	b, err := f.queries.GetBalance(context.Background(), user, f.gold.Code)
	require.NoError(t, err)
	return b.Amount
}

func (f *fixture) wallet(t *testing.T, user string) Wallet {
	t.Helper()
	w, err := f.store.WalletBySubject(context.Background(), user, f.gold.ID)
	require.NoError(t, err)
	return w
}

func (f *fixture) systemWallet(t *testing.T, role Role) Wallet {
	t.Helper()
	return f.wallet(t, f.system.Subject(role))
}

func (f *fixture) history(t *testing.T, user string) []Transaction {
	t.Helper()
	seq, err := f.queries.GetHistory(context.Background(), HistoryQuery{Subject: user, AssetTypeCode: f.gold.Code, Limit: MaxHistoryLimit})
	require.NoError(t, err)
	txns, err := collect(seq)
	require.NoError(t, err)
	return txns
}

func collect(seq iter.Seq2[Transaction, error]) ([]Transaction, error) {
	var out []Transaction
	for txn, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, txn)
	}
	return out, nil
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []notification.Event
	err    error
}

func (n *recordingNotifier) Publish(_ context.Context, event notification.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return n.err
}

func (n *recordingNotifier) Events() []notification.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notification.Event(nil), n.events...)
}

// hookStore lets a test wrap every transaction the engine opens.
type hookStore struct {
	*MemoryStore
	wrap func(Tx) Tx
}

func (s hookStore) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.MemoryStore.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return s.wrap(tx), nil
}

type recordingTx struct {
	Tx
	mu    *sync.Mutex
	locks *[][]int64
}

func (t recordingTx) LockWallets(ctx context.Context, ids []int64) (map[int64]Wallet, error) {
	t.mu.Lock()
	*t.locks = append(*t.locks, append([]int64(nil), ids...))
	t.mu.Unlock()
	return t.Tx.LockWallets(ctx, ids)
}

type conflictingTx struct {
	Tx
	calls *atomic.Int64
}

func (t conflictingTx) InsertIdempotency(context.Context, idempotency.Record) error {
	t.calls.Add(1)
	return idempotency.ErrConflict
}
