package ledger

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/congo-pay/coinledger/internal/idempotency"
)

// SQLSTATE codes the store classifies.
const (
	pgUniqueViolation  = "23505"
	pgLockNotAvailable = "55P03"
	pgDeadlockDetected = "40P01"
)

// PostgresStore persists the ledger in PostgreSQL.
type PostgresStore struct {
	db          *pgxpool.Pool
	lockTimeout time.Duration
}

// NewPostgresStore constructs a Postgres-backed store. Lock waits inside a
// transaction are bounded by lockTimeout.
func NewPostgresStore(db *pgxpool.Pool, lockTimeout time.Duration) *PostgresStore {
	if lockTimeout <= 0 {
		lockTimeout = DefaultLockTimeout
	}
	return &PostgresStore{db: db, lockTimeout: lockTimeout}
}

// classify maps driver errors onto engine kinds.
func classify(err error, op string) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgLockNotAvailable, pgDeadlockDetected:
			return wrapError(KindLockTimeout, err, "%s", op)
		case pgUniqueViolation:
			return wrapError(KindConflict, err, "%s", op)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return wrapError(KindLockTimeout, err, "%s", op)
	}
	return wrapError(KindStoreFailure, err, "%s", op)
}

func (s *PostgresStore) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, classify(err, "begin")
	}
	timeout := fmt.Sprintf("%dms", s.lockTimeout.Milliseconds())
	if _, err := tx.Exec(ctx, `SELECT set_config('lock_timeout', $1, true)`, timeout); err != nil {
		_ = tx.Rollback(ctx)
		return nil, classify(err, "set lock timeout")
	}
	return &pgTx{tx: tx}, nil
}

const assetColumns = `id, code, name, description, is_active, created_at`

func scanAsset(row pgx.Row) (AssetType, error) {
	var a AssetType
	err := row.Scan(&a.ID, &a.Code, &a.Name, &a.Description, &a.Active, &a.CreatedAt)
	return a, err
}

func (s *PostgresStore) AssetTypeByCode(ctx context.Context, code string) (AssetType, error) {
	a, err := scanAsset(s.db.QueryRow(ctx, `SELECT `+assetColumns+` FROM asset_types WHERE code = $1`, code))
	if errors.Is(err, pgx.ErrNoRows) {
		return AssetType{}, newError(KindNotFound, "asset type %s not found", code)
	}
	return a, classify(err, "load asset type")
}

func (s *PostgresStore) AssetTypeByID(ctx context.Context, id int64) (AssetType, error) {
	a, err := scanAsset(s.db.QueryRow(ctx, `SELECT `+assetColumns+` FROM asset_types WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return AssetType{}, newError(KindNotFound, "asset type %d not found", id)
	}
	return a, classify(err, "load asset type")
}

func (s *PostgresStore) CreateAssetType(ctx context.Context, asset AssetType) (AssetType, error) {
	const query = `
        INSERT INTO asset_types (code, name, description, is_active, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $5)
        RETURNING ` + assetColumns
	a, err := scanAsset(s.db.QueryRow(ctx, query, asset.Code, asset.Name, asset.Description, asset.Active, asset.CreatedAt))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return AssetType{}, wrapError(KindConflict, err, "asset type %s already exists", asset.Code)
		}
		return AssetType{}, classify(err, "create asset type")
	}
	return a, nil
}

func (s *PostgresStore) SetAssetTypeActive(ctx context.Context, code string, active bool) error {
	tag, err := s.db.Exec(ctx, `UPDATE asset_types SET is_active = $2, updated_at = now() WHERE code = $1`, code, active)
	if err != nil {
		return classify(err, "update asset type")
	}
	if tag.RowsAffected() == 0 {
		return newError(KindNotFound, "asset type %s not found", code)
	}
	return nil
}

func (s *PostgresStore) ListAssetTypes(ctx context.Context) ([]AssetType, error) {
	rows, err := s.db.Query(ctx, `SELECT `+assetColumns+` FROM asset_types ORDER BY code`)
	if err != nil {
		return nil, classify(err, "list asset types")
	}
	defer rows.Close()

	var out []AssetType
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, classify(err, "scan asset type")
		}
		out = append(out, a)
	}
	return out, classify(rows.Err(), "list asset types")
}

const walletColumns = `id, subject, asset_type_id, balance, is_system, created_at, updated_at`

func scanWallet(row pgx.Row) (Wallet, error) {
	var w Wallet
	err := row.Scan(&w.ID, &w.Subject, &w.AssetTypeID, &w.Balance, &w.IsSystem, &w.CreatedAt, &w.UpdatedAt)
	return w, err
}

// EnsureWallet inserts the wallet if absent. DO NOTHING takes no lock on an
// existing row, so a wallet held FOR UPDATE elsewhere does not block here.
func (s *PostgresStore) EnsureWallet(ctx context.Context, subject string, assetTypeID int64, system bool) (Wallet, error) {
	const insert = `
        INSERT INTO wallets (subject, asset_type_id, balance, is_system)
        VALUES ($1, $2, 0, $3)
        ON CONFLICT (subject, asset_type_id) DO NOTHING
        RETURNING ` + walletColumns
	w, err := scanWallet(s.db.QueryRow(ctx, insert, subject, assetTypeID, system))
	if !errors.Is(err, pgx.ErrNoRows) {
		return w, classify(err, "ensure wallet")
	}
	return s.WalletBySubject(ctx, subject, assetTypeID)
}

func (s *PostgresStore) WalletBySubject(ctx context.Context, subject string, assetTypeID int64) (Wallet, error) {
	const query = `SELECT ` + walletColumns + ` FROM wallets WHERE subject = $1 AND asset_type_id = $2`
	w, err := scanWallet(s.db.QueryRow(ctx, query, subject, assetTypeID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Wallet{}, newError(KindNotFound, "wallet for %s not found", subject)
	}
	return w, classify(err, "load wallet")
}

const transactionColumns = `id, idempotency_key, kind, status, source_wallet_id, destination_wallet_id,
        asset_type_id, amount, external_reference, description, metadata, created_at`

func (s *PostgresStore) TransactionsForWallet(ctx context.Context, walletID int64, limit, offset int) iter.Seq2[Transaction, error] {
	const query = `
        SELECT id::text, idempotency_key, kind, status, source_wallet_id, destination_wallet_id,
            asset_type_id, amount, external_reference, description, metadata, created_at
        FROM transactions
        WHERE source_wallet_id = $1 OR destination_wallet_id = $1
        ORDER BY created_at DESC, id DESC
        LIMIT $2 OFFSET $3`
	return func(yield func(Transaction, error) bool) {
		rows, err := s.db.Query(ctx, query, walletID, limit, offset)
		if err != nil {
			yield(Transaction{}, classify(err, "load history"))
			return
		}
		defer rows.Close()

		for rows.Next() {
			var t Transaction
			if err := rows.Scan(&t.ID, &t.IdempotencyKey, &t.Type, &t.Status, &t.SourceWalletID, &t.DestinationWalletID,
				&t.AssetTypeID, &t.Amount, &t.ExternalReference, &t.Description, &t.Metadata, &t.CreatedAt); err != nil {
				yield(Transaction{}, classify(err, "scan transaction"))
				return
			}
			if !yield(t, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(Transaction{}, classify(err, "load history"))
		}
	}
}

func (s *PostgresStore) EntriesForTransaction(ctx context.Context, transactionID string) ([]LedgerEntry, error) {
	const query = `
        SELECT id, transaction_id::text, wallet_id, entry_type, amount, balance_after, created_at
        FROM ledger_entries
        WHERE transaction_id = $1
        ORDER BY id`
	id, err := uuid.Parse(transactionID)
	if err != nil {
		return nil, nil
	}
	rows, err := s.db.Query(ctx, query, id)
	if err != nil {
		return nil, classify(err, "load ledger entries")
	}
	defer rows.Close()

	var out []LedgerEntry
	for rows.Next() {
		var e LedgerEntry
		if err := rows.Scan(&e.ID, &e.TransactionID, &e.WalletID, &e.EntryType, &e.Amount, &e.BalanceAfter, &e.CreatedAt); err != nil {
			return nil, classify(err, "scan ledger entry")
		}
		out = append(out, e)
	}
	return out, classify(rows.Err(), "load ledger entries")
}

func (s *PostgresStore) BalanceDrift(ctx context.Context) ([]Drift, error) {
	const query = `
        SELECT w.id, w.subject, w.balance, COALESCE(SUM(e.amount), 0) AS ledger_balance
        FROM wallets w
        LEFT JOIN ledger_entries e ON e.wallet_id = w.id
        GROUP BY w.id
        HAVING w.balance <> COALESCE(SUM(e.amount), 0)
        ORDER BY w.id`
	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, classify(err, "reconcile balances")
	}
	defer rows.Close()

	var out []Drift
	for rows.Next() {
		var d Drift
		if err := rows.Scan(&d.WalletID, &d.Subject, &d.Balance, &d.LedgerBalance); err != nil {
			return nil, classify(err, "scan drift")
		}
		out = append(out, d)
	}
	return out, classify(rows.Err(), "reconcile balances")
}

func (s *PostgresStore) LookupIdempotency(ctx context.Context, key string) (idempotency.Record, bool, error) {
	const query = `
        SELECT key, operation, response_body, created_at, expires_at
        FROM idempotency_records WHERE key = $1`
	var (
		rec  idempotency.Record
		body string
	)
	err := s.db.QueryRow(ctx, query, key).Scan(&rec.Key, &rec.Operation, &body, &rec.CreatedAt, &rec.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return idempotency.Record{}, false, nil
	}
	if err != nil {
		return idempotency.Record{}, false, classify(err, "lookup idempotency key")
	}
	rec.Payload = []byte(body)
	return rec, true, nil
}

func (s *PostgresStore) PurgeExpiredIdempotency(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM idempotency_records WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, classify(err, "purge idempotency records")
	}
	return tag.RowsAffected(), nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) WalletsByID(ctx context.Context, ids []int64) (map[int64]Wallet, error) {
	return t.queryWallets(ctx, `SELECT `+walletColumns+` FROM wallets WHERE id = ANY($1)`, ids, "load wallets")
}

// LockWallets issues one locking read. Rows are locked as the ORDER BY
// visits them, so the caller passes ids already in ascending order.
func (t *pgTx) LockWallets(ctx context.Context, ids []int64) (map[int64]Wallet, error) {
	const query = `SELECT ` + walletColumns + ` FROM wallets WHERE id = ANY($1) ORDER BY id FOR UPDATE`
	return t.queryWallets(ctx, query, ids, "lock wallets")
}

func (t *pgTx) queryWallets(ctx context.Context, query string, ids []int64, op string) (map[int64]Wallet, error) {
	rows, err := t.tx.Query(ctx, query, ids)
	if err != nil {
		return nil, classify(err, op)
	}
	defer rows.Close()

	out := make(map[int64]Wallet, len(ids))
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, classify(err, op)
		}
		out[w.ID] = w
	}
	return out, classify(rows.Err(), op)
}

func (t *pgTx) InsertTransaction(ctx context.Context, txn Transaction) error {
	const query = `
        INSERT INTO transactions (` + transactionColumns + `)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
	id, err := uuid.Parse(txn.ID)
	if err != nil {
		return wrapError(KindValidation, err, "transaction id %q", txn.ID)
	}
	metadata := txn.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	_, err = t.tx.Exec(ctx, query, id, txn.IdempotencyKey, string(txn.Type), string(txn.Status), txn.SourceWalletID, txn.DestinationWalletID,
		txn.AssetTypeID, txn.Amount, txn.ExternalReference, txn.Description, metadata, txn.CreatedAt)
	return classify(err, "insert transaction")
}

func (t *pgTx) InsertEntries(ctx context.Context, entries []LedgerEntry) error {
	const query = `
        INSERT INTO ledger_entries (transaction_id, wallet_id, entry_type, amount, balance_after, created_at)
        VALUES ($1, $2, $3, $4, $5, $6)`
	batch := &pgx.Batch{}
	for _, e := range entries {
		id, err := uuid.Parse(e.TransactionID)
		if err != nil {
			return wrapError(KindValidation, err, "transaction id %q", e.TransactionID)
		}
		batch.Queue(query, id, e.WalletID, string(e.EntryType), e.Amount, e.BalanceAfter, e.CreatedAt)
	}
	return classify(t.tx.SendBatch(ctx, batch).Close(), "insert ledger entries")
}

func (t *pgTx) SetBalance(ctx context.Context, walletID int64, balance decimal.Decimal, at time.Time) error {
	tag, err := t.tx.Exec(ctx, `UPDATE wallets SET balance = $2, updated_at = $3 WHERE id = $1`, walletID, balance, at)
	if err != nil {
		return classify(err, "update balance")
	}
	if tag.RowsAffected() != 1 {
		return newError(KindNotFound, "wallet %d not found", walletID)
	}
	return nil
}

// InsertIdempotency replaces an expired receipt in place. A live receipt
// leaves the row untouched and reports ErrConflict. A concurrent insert of
// the same key blocks on the primary key until the other transaction ends.
func (t *pgTx) InsertIdempotency(ctx context.Context, rec idempotency.Record) error {
	const query = `
        INSERT INTO idempotency_records (key, operation, response_body, created_at, expires_at)
        VALUES ($1, $2, $3, $4, $5)
        ON CONFLICT (key) DO UPDATE
            SET operation = EXCLUDED.operation,
                response_body = EXCLUDED.response_body,
                created_at = EXCLUDED.created_at,
                expires_at = EXCLUDED.expires_at
            WHERE idempotency_records.expires_at <= EXCLUDED.created_at`
	tag, err := t.tx.Exec(ctx, query, rec.Key, rec.Operation, string(rec.Payload), rec.CreatedAt, rec.ExpiresAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return idempotency.ErrConflict
		}
		return classify(err, "insert idempotency record")
	}
	if tag.RowsAffected() == 0 {
		return idempotency.ErrConflict
	}
	return nil
}

func (t *pgTx) Commit(ctx context.Context) error {
	return classify(t.tx.Commit(ctx), "commit")
}

func (t *pgTx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback(ctx)
	if errors.Is(err, pgx.ErrTxClosed) {
		return nil
	}
	return classify(err, "rollback")
}
