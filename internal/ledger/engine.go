package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/congo-pay/coinledger/internal/idempotency"
	"github.com/congo-pay/coinledger/internal/lockorder"
	"github.com/congo-pay/coinledger/internal/notification"
)

const (
	maxKeyLength     = 255
	maxSubjectLength = 100

	defaultConflictRetries = 3
)

// Result is the outcome of a committed money movement. It is serialized once
// into the idempotency receipt, and replays decode that same payload.
type Result struct {
	TransactionID           string          `json:"transaction_id"`
	Type                    TransactionType `json:"type"`
	Status                  Status          `json:"status"`
	AssetTypeCode           string          `json:"asset_type_code"`
	Subject                 string          `json:"subject,omitempty"`
	Amount                  decimal.Decimal `json:"amount"`
	SourceWalletID          int64           `json:"source_wallet_id"`
	DestinationWalletID     int64           `json:"destination_wallet_id"`
	SourceBalanceAfter      decimal.Decimal `json:"source_balance_after"`
	DestinationBalanceAfter decimal.Decimal `json:"destination_balance_after"`
	// WalletBalanceAfter is the balance of the caller's wallet: the user
	// wallet for topup, bonus and spend, the source wallet for raw transfers.
	WalletBalanceAfter decimal.Decimal `json:"wallet_balance_after"`
	CreatedAt          time.Time       `json:"created_at"`

	// Replayed is set when the result came from an earlier receipt.
	Replayed bool `json:"-"`
}

// TopupRequest credits a user's wallet from the treasury.
type TopupRequest struct {
	IdempotencyKey   string
	UserID           string
	AssetTypeCode    string
	Amount           decimal.Decimal
	PaymentReference string
	Description      string
}

// BonusRequest credits a user's wallet from the bonus pool.
type BonusRequest struct {
	IdempotencyKey string
	UserID         string
	AssetTypeCode  string
	Amount         decimal.Decimal
	Reason         string
}

// SpendRequest debits a user's wallet into revenue.
type SpendRequest struct {
	IdempotencyKey string
	UserID         string
	AssetTypeCode  string
	Amount         decimal.Decimal
	ItemID         string
	Description    string
}

// Metadata is carried onto the stored Transaction.
type Metadata struct {
	Type              TransactionType
	ExternalReference string
	Description       string
	Attributes        map[string]string
}

// TransferRequest moves Amount between two wallets of the same asset type.
type TransferRequest struct {
	IdempotencyKey      string
	SourceWalletID      int64
	DestinationWalletID int64
	Amount              decimal.Decimal
	Metadata            Metadata
}

// Engine executes money movements against a Store.
type Engine struct {
	store    Store
	receipts *idempotency.Cache
	system   *SystemWallets
	notifier notification.Notifier
	logger   *slog.Logger
	now      func() time.Time
	retries  int
}

// EngineOption customises an Engine.
type EngineOption func(*Engine)

// WithNotifier publishes committed transactions to n.
func WithNotifier(n notification.Notifier) EngineOption {
	return func(e *Engine) { e.notifier = n }
}

// WithClock overrides the transaction timestamp source.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// WithConflictRetries bounds how often a lost idempotency race is retried
// before CONFLICT is surfaced.
func WithConflictRetries(n int) EngineOption {
	return func(e *Engine) { e.retries = n }
}

// NewEngine wires the engine to its collaborators.
func NewEngine(store Store, receipts *idempotency.Cache, system *SystemWallets, logger *slog.Logger, opts ...EngineOption) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		store:    store,
		receipts: receipts,
		system:   system,
		notifier: notification.Nop{},
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		retries:  defaultConflictRetries,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Topup moves amount from the treasury to the user's wallet, creating the
// wallet on first use.
func (e *Engine) Topup(ctx context.Context, req TopupRequest) (Result, error) {
	if err := e.validateUserRequest(req.IdempotencyKey, req.UserID, req.AssetTypeCode, req.Amount); err != nil {
		return Result{}, err
	}
	if res, ok, err := e.replay(ctx, req.IdempotencyKey); err != nil || ok {
		return res, err
	}

	asset, err := e.activeAssetType(ctx, req.AssetTypeCode)
	if err != nil {
		return Result{}, err
	}
	user, err := e.store.EnsureWallet(ctx, req.UserID, asset.ID, false)
	if err != nil {
		return Result{}, storeError(err, "ensure user wallet")
	}
	treasury, err := e.system.Resolve(ctx, RoleTreasury, asset.ID)
	if err != nil {
		return Result{}, err
	}

	description := req.Description
	if description == "" {
		description = "Wallet top-up for " + req.UserID
	}
	attrs := map[string]string{"flow": "topup"}
	if req.PaymentReference != "" {
		attrs["payment_reference"] = req.PaymentReference
	}
	return e.execute(ctx, posting{
		key:    req.IdempotencyKey,
		source: treasury,
		dest:   user.ID,
		caller: user.ID,
		amount: req.Amount,
		asset:  asset,
		meta: Metadata{
			Type:              TypeTopup,
			ExternalReference: req.PaymentReference,
			Description:       description,
			Attributes:        attrs,
		},
		subject: req.UserID,
	})
}

// Bonus moves amount from the bonus pool to the user's wallet, creating the
// wallet on first use.
func (e *Engine) Bonus(ctx context.Context, req BonusRequest) (Result, error) {
	if err := e.validateUserRequest(req.IdempotencyKey, req.UserID, req.AssetTypeCode, req.Amount); err != nil {
		return Result{}, err
	}
	if req.Reason == "" {
		return Result{}, newError(KindValidation, "bonus reason is required")
	}
	if res, ok, err := e.replay(ctx, req.IdempotencyKey); err != nil || ok {
		return res, err
	}

	asset, err := e.activeAssetType(ctx, req.AssetTypeCode)
	if err != nil {
		return Result{}, err
	}
	user, err := e.store.EnsureWallet(ctx, req.UserID, asset.ID, false)
	if err != nil {
		return Result{}, storeError(err, "ensure user wallet")
	}
	pool, err := e.system.Resolve(ctx, RoleBonusPool, asset.ID)
	if err != nil {
		return Result{}, err
	}

	return e.execute(ctx, posting{
		key:    req.IdempotencyKey,
		source: pool,
		dest:   user.ID,
		caller: user.ID,
		amount: req.Amount,
		asset:  asset,
		meta: Metadata{
			Type:        TypeBonus,
			Description: "Bonus: " + req.Reason,
			Attributes:  map[string]string{"flow": "bonus", "bonus_reason": req.Reason},
		},
		subject: req.UserID,
	})
}

// Spend moves amount from the user's wallet to revenue. The wallet must
// already exist and hold at least amount.
func (e *Engine) Spend(ctx context.Context, req SpendRequest) (Result, error) {
	if err := e.validateUserRequest(req.IdempotencyKey, req.UserID, req.AssetTypeCode, req.Amount); err != nil {
		return Result{}, err
	}
	if res, ok, err := e.replay(ctx, req.IdempotencyKey); err != nil || ok {
		return res, err
	}

	asset, err := e.activeAssetType(ctx, req.AssetTypeCode)
	if err != nil {
		return Result{}, err
	}
	user, err := e.store.WalletBySubject(ctx, req.UserID, asset.ID)
	if err != nil {
		return Result{}, storeError(err, "load user wallet")
	}
	revenue, err := e.system.Resolve(ctx, RoleRevenue, asset.ID)
	if err != nil {
		return Result{}, err
	}

	description := req.Description
	if description == "" {
		description = "Purchase by " + req.UserID
	}
	attrs := map[string]string{"flow": "spend"}
	if req.ItemID != "" {
		attrs["item_id"] = req.ItemID
	}
	return e.execute(ctx, posting{
		key:    req.IdempotencyKey,
		source: user.ID,
		dest:   revenue,
		caller: user.ID,
		amount: req.Amount,
		asset:  asset,
		meta: Metadata{
			Type:              TypeSpend,
			ExternalReference: req.ItemID,
			Description:       description,
			Attributes:        attrs,
		},
		subject: req.UserID,
	})
}

// Transfer is the two-party primitive behind every flow. The asset type is
// taken from the source wallet and must match the destination's.
func (e *Engine) Transfer(ctx context.Context, req TransferRequest) (Result, error) {
	if err := validateKey(req.IdempotencyKey); err != nil {
		return Result{}, err
	}
	if err := ValidateAmount(req.Amount); err != nil {
		return Result{}, err
	}
	switch req.Metadata.Type {
	case TypeTopup, TypeBonus, TypeSpend:
	default:
		return Result{}, newError(KindValidation, "unknown transaction type %q", req.Metadata.Type)
	}
	if res, ok, err := e.replay(ctx, req.IdempotencyKey); err != nil || ok {
		return res, err
	}

	return e.execute(ctx, posting{
		key:    req.IdempotencyKey,
		source: req.SourceWalletID,
		dest:   req.DestinationWalletID,
		caller: req.SourceWalletID,
		amount: req.Amount,
		meta:   req.Metadata,
	})
}

// ValidateAmount rejects non-positive amounts, amounts with more than
// AmountScale decimal places, and amounts too large to store.
func ValidateAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return newError(KindValidation, "amount must be positive, got %s", amount.String())
	}
	if !amount.Equal(amount.Round(AmountScale)) {
		return newError(KindValidation, "amount %s has more than %d decimal places", amount.String(), AmountScale)
	}
	if amount.GreaterThanOrEqual(maxAmount) {
		return newError(KindValidation, "amount %s exceeds the maximum", amount.String())
	}
	return nil
}

// checkBalanceBound keeps a post-transfer balance inside NUMERIC(20,2).
// Issuance wallets can run negative, so the bound is on the magnitude.
func checkBalanceBound(walletID int64, after decimal.Decimal) error {
	if after.Abs().GreaterThanOrEqual(maxAmount) {
		return newError(KindValidation, "wallet %d: balance %s would exceed the maximum",
			walletID, after.StringFixed(AmountScale))
	}
	return nil
}

func validateKey(key string) error {
	if key == "" {
		return newError(KindValidation, "idempotency key is required")
	}
	if len(key) > maxKeyLength {
		return newError(KindValidation, "idempotency key longer than %d bytes", maxKeyLength)
	}
	return nil
}

func (e *Engine) validateUserRequest(key, userID, assetCode string, amount decimal.Decimal) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if userID == "" {
		return newError(KindValidation, "user id is required")
	}
	if len(userID) > maxSubjectLength {
		return newError(KindValidation, "user id longer than %d bytes", maxSubjectLength)
	}
	if e.system.IsReserved(userID) {
		return newError(KindValidation, "user id %q is reserved", userID)
	}
	if assetCode == "" {
		return newError(KindValidation, "asset type code is required")
	}
	return ValidateAmount(amount)
}

func (e *Engine) activeAssetType(ctx context.Context, code string) (AssetType, error) {
	asset, err := e.store.AssetTypeByCode(ctx, code)
	if err != nil {
		return AssetType{}, storeError(err, "load asset type")
	}
	if !asset.Active {
		return AssetType{}, newError(KindNotFound, "asset type %s is not active", code)
	}
	return asset, nil
}

// replay returns the stored result for key, if a live receipt exists.
func (e *Engine) replay(ctx context.Context, key string) (Result, bool, error) {
	payload, ok, err := e.receipts.Lookup(ctx, key)
	if err != nil {
		return Result{}, false, storeError(err, "lookup idempotency key")
	}
	if !ok {
		return Result{}, false, nil
	}
	res, err := decodeResult(payload)
	if err != nil {
		return Result{}, false, err
	}
	res.Replayed = true
	e.logger.Debug("idempotent replay", slog.String("key", key), slog.String("transaction_id", res.TransactionID))
	return res, true, nil
}

type posting struct {
	key     string
	source  int64
	dest    int64
	caller  int64
	amount  decimal.Decimal
	asset   AssetType
	meta    Metadata
	subject string
}

// errLostRace marks a post whose idempotency insert hit an existing receipt.
var errLostRace = errors.New("idempotency key taken by a concurrent request")

func (e *Engine) execute(ctx context.Context, p posting) (Result, error) {
	for attempt := 0; ; attempt++ {
		res, err := e.post(ctx, p)
		if !errors.Is(err, errLostRace) {
			if err != nil && KindOf(err) == KindStoreFailure {
				e.logger.Error("transfer failed", slog.String("key", p.key), slog.Any("error", err))
			}
			return res, err
		}

		e.logger.Warn("idempotency conflict, looking up winner", slog.String("key", p.key), slog.Int("attempt", attempt+1))
		if res, ok, err := e.replay(ctx, p.key); err != nil || ok {
			return res, err
		}
		if attempt >= e.retries {
			return Result{}, wrapError(KindConflict, err, "idempotency key %s", p.key)
		}
	}
}

func (e *Engine) post(ctx context.Context, p posting) (Result, error) {
	if p.source == p.dest {
		return Result{}, newError(KindValidation, "source and destination wallet are the same (%d)", p.source)
	}

	tx, err := e.store.Begin(ctx)
	if err != nil {
		return Result{}, storeError(err, "begin transaction")
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	found, err := tx.WalletsByID(ctx, []int64{p.source, p.dest})
	if err != nil {
		return Result{}, storeError(err, "load wallets")
	}
	for _, id := range []int64{p.source, p.dest} {
		if _, ok := found[id]; !ok {
			return Result{}, newError(KindNotFound, "wallet %d not found", id)
		}
	}
	if found[p.source].AssetTypeID != found[p.dest].AssetTypeID {
		return Result{}, newError(KindValidation, "wallets %d and %d hold different asset types", p.source, p.dest)
	}
	if p.asset.ID == 0 {
		asset, err := e.store.AssetTypeByID(ctx, found[p.source].AssetTypeID)
		if err != nil {
			return Result{}, storeError(err, "load asset type")
		}
		p.asset = asset
	} else if p.asset.ID != found[p.source].AssetTypeID {
		return Result{}, newError(KindValidation, "wallet %d does not hold %s", p.source, p.asset.Code)
	}

	locked, err := tx.LockWallets(ctx, lockorder.Order(p.source, p.dest))
	if err != nil {
		return Result{}, storeError(err, "lock wallets")
	}
	source, dest := locked[p.source], locked[p.dest]

	if !source.IsSystem && source.Balance.LessThan(p.amount) {
		return Result{}, newError(KindInsufficientFunds, "wallet %d: available %s, required %s",
			source.ID, source.Balance.StringFixed(AmountScale), p.amount.StringFixed(AmountScale))
	}

	now := e.now().UTC().Truncate(time.Microsecond)
	sourceAfter := source.Balance.Sub(p.amount)
	destAfter := dest.Balance.Add(p.amount)
	if err := checkBalanceBound(source.ID, sourceAfter); err != nil {
		return Result{}, err
	}
	if err := checkBalanceBound(dest.ID, destAfter); err != nil {
		return Result{}, err
	}

	txn := Transaction{
		ID:                  uuid.NewString(),
		IdempotencyKey:      p.key,
		Type:                p.meta.Type,
		Status:              StatusCompleted,
		SourceWalletID:      source.ID,
		DestinationWalletID: dest.ID,
		AssetTypeID:         p.asset.ID,
		Amount:              p.amount,
		ExternalReference:   p.meta.ExternalReference,
		Description:         p.meta.Description,
		Metadata:            p.meta.Attributes,
		CreatedAt:           now,
	}
	if err := tx.InsertTransaction(ctx, txn); err != nil {
		return Result{}, storeError(err, "insert transaction")
	}
	entries := []LedgerEntry{
		{TransactionID: txn.ID, WalletID: source.ID, EntryType: EntryDebit, Amount: p.amount.Neg(), BalanceAfter: sourceAfter, CreatedAt: now},
		{TransactionID: txn.ID, WalletID: dest.ID, EntryType: EntryCredit, Amount: p.amount, BalanceAfter: destAfter, CreatedAt: now},
	}
	if err := tx.InsertEntries(ctx, entries); err != nil {
		return Result{}, storeError(err, "insert ledger entries")
	}
	if err := tx.SetBalance(ctx, source.ID, sourceAfter, now); err != nil {
		return Result{}, storeError(err, "update source balance")
	}
	if err := tx.SetBalance(ctx, dest.ID, destAfter, now); err != nil {
		return Result{}, storeError(err, "update destination balance")
	}

	callerAfter := sourceAfter
	if p.caller == dest.ID {
		callerAfter = destAfter
	}
	payload, err := json.Marshal(Result{
		TransactionID:           txn.ID,
		Type:                    txn.Type,
		Status:                  txn.Status,
		AssetTypeCode:           p.asset.Code,
		Subject:                 p.subject,
		Amount:                  p.amount,
		SourceWalletID:          source.ID,
		DestinationWalletID:     dest.ID,
		SourceBalanceAfter:      sourceAfter,
		DestinationBalanceAfter: destAfter,
		WalletBalanceAfter:      callerAfter,
		CreatedAt:               now,
	})
	if err != nil {
		return Result{}, wrapError(KindStoreFailure, err, "encode result")
	}

	rec, err := e.receipts.Record(ctx, tx, p.key, string(txn.Type), payload)
	if errors.Is(err, idempotency.ErrConflict) {
		return Result{}, errLostRace
	}
	if err != nil {
		return Result{}, storeError(err, "insert idempotency record")
	}

	if err := tx.Commit(ctx); err != nil {
		if errors.Is(err, idempotency.ErrConflict) {
			return Result{}, errLostRace
		}
		return Result{}, storeError(err, "commit")
	}
	e.receipts.Remember(ctx, rec)

	res, err := decodeResult(payload)
	if err != nil {
		return Result{}, err
	}
	e.logger.Info("transfer committed",
		slog.String("transaction_id", res.TransactionID),
		slog.String("type", string(res.Type)),
		slog.Int64("source_wallet_id", res.SourceWalletID),
		slog.Int64("destination_wallet_id", res.DestinationWalletID),
		slog.String("amount", res.Amount.StringFixed(AmountScale)),
	)
	e.publish(ctx, res)
	return res, nil
}

func (e *Engine) publish(ctx context.Context, res Result) {
	event := notification.Event{
		Kind:                notification.KindTransactionCompleted,
		TransactionID:       res.TransactionID,
		Type:                string(res.Type),
		Subject:             res.Subject,
		AssetTypeCode:       res.AssetTypeCode,
		Amount:              res.Amount.StringFixed(AmountScale),
		WalletBalanceAfter:  res.WalletBalanceAfter.StringFixed(AmountScale),
		SourceWalletID:      res.SourceWalletID,
		DestinationWalletID: res.DestinationWalletID,
		OccurredAt:          res.CreatedAt,
	}
	if err := e.notifier.Publish(ctx, event); err != nil {
		e.logger.Warn("publish transaction event failed", slog.String("transaction_id", res.TransactionID), slog.Any("error", err))
	}
}

func decodeResult(payload []byte) (Result, error) {
	var res Result
	if err := json.Unmarshal(payload, &res); err != nil {
		return Result{}, wrapError(KindStoreFailure, err, "decode stored result")
	}
	return res, nil
}
