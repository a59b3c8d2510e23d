package wallet

import (
	"context"

	"github.com/congo-pay/coinledger/internal/ledger"
)

// Service adapts HTTP payloads onto the ledger engine and query layer.
type Service struct {
	engine  *ledger.Engine
	queries *ledger.Queries
}

// NewService builds a wallet service instance.
func NewService(engine *ledger.Engine, queries *ledger.Queries) *Service {
	return &Service{engine: engine, queries: queries}
}

func (s *Service) Topup(ctx context.Context, key string, req TopupRequest) (ledger.Result, error) {
	return s.engine.Topup(ctx, ledger.TopupRequest{
		IdempotencyKey:   key,
		UserID:           req.UserID,
		AssetTypeCode:    req.AssetTypeCode,
		Amount:           req.Amount,
		PaymentReference: req.PaymentReference,
		Description:      req.Description,
	})
}

func (s *Service) Bonus(ctx context.Context, key string, req BonusRequest) (ledger.Result, error) {
	return s.engine.Bonus(ctx, ledger.BonusRequest{
		IdempotencyKey: key,
		UserID:         req.UserID,
		AssetTypeCode:  req.AssetTypeCode,
		Amount:         req.Amount,
		Reason:         req.Reason,
	})
}

func (s *Service) Spend(ctx context.Context, key string, req SpendRequest) (ledger.Result, error) {
	return s.engine.Spend(ctx, ledger.SpendRequest{
		IdempotencyKey: key,
		UserID:         req.UserID,
		AssetTypeCode:  req.AssetTypeCode,
		Amount:         req.Amount,
		ItemID:         req.ItemID,
		Description:    req.Description,
	})
}

// Balance returns the subject's balance for one asset type.
func (s *Service) Balance(ctx context.Context, subject, assetTypeCode string) (ledger.Balance, error) {
	return s.queries.GetBalance(ctx, subject, assetTypeCode)
}

// History drains one page of the subject's history.
func (s *Service) History(ctx context.Context, q ledger.HistoryQuery) ([]ledger.Transaction, error) {
	seq, err := s.queries.GetHistory(ctx, q)
	if err != nil {
		return nil, err
	}
	txns := []ledger.Transaction{}
	for txn, err := range seq {
		if err != nil {
			return nil, err
		}
		txns = append(txns, txn)
	}
	return txns, nil
}

// Entries lists the ledger entries of a transaction.
func (s *Service) Entries(ctx context.Context, transactionID string) ([]ledger.LedgerEntry, error) {
	return s.queries.Entries(ctx, transactionID)
}

// AssetTypes lists the registered asset types.
func (s *Service) AssetTypes(ctx context.Context) ([]ledger.AssetType, error) {
	return s.queries.ListAssetTypes(ctx)
}

// Reconcile reports wallets whose balance drifted from their entries.
func (s *Service) Reconcile(ctx context.Context) ([]ledger.Drift, error) {
	return s.queries.VerifyBalances(ctx)
}

// CreateAssetType registers a new currency and provisions its system wallets.
func (s *Service) CreateAssetType(ctx context.Context, req AssetTypeRequest) (ledger.AssetType, error) {
	return s.engine.CreateAssetType(ctx, req.Code, req.Name, req.Description)
}

// DeactivateAssetType stops new transactions in the given currency.
func (s *Service) DeactivateAssetType(ctx context.Context, code string) error {
	return s.engine.DeactivateAssetType(ctx, code)
}
