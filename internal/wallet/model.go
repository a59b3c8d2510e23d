package wallet

import (
	"github.com/shopspring/decimal"

	"github.com/congo-pay/coinledger/internal/ledger"
)

// TopupRequest is the body of POST /wallets/topup.
type TopupRequest struct {
	UserID           string          `json:"user_id" validate:"required,max=100"`
	AssetTypeCode    string          `json:"asset_type_code" validate:"required,max=50"`
	Amount           decimal.Decimal `json:"amount"`
	PaymentReference string          `json:"payment_reference" validate:"omitempty,max=255"`
	Description      string          `json:"description" validate:"omitempty,max=500"`
}

// BonusRequest is the body of POST /wallets/bonus.
type BonusRequest struct {
	UserID        string          `json:"user_id" validate:"required,max=100"`
	AssetTypeCode string          `json:"asset_type_code" validate:"required,max=50"`
	Amount        decimal.Decimal `json:"amount"`
	Reason        string          `json:"reason" validate:"required,max=255"`
}

// SpendRequest is the body of POST /wallets/spend.
type SpendRequest struct {
	UserID        string          `json:"user_id" validate:"required,max=100"`
	AssetTypeCode string          `json:"asset_type_code" validate:"required,max=50"`
	Amount        decimal.Decimal `json:"amount"`
	ItemID        string          `json:"item_id" validate:"omitempty,max=255"`
	Description   string          `json:"description" validate:"omitempty,max=500"`
}

// HistoryPage is the body returned by the transaction history endpoint.
type HistoryPage struct {
	Subject       string               `json:"subject"`
	AssetTypeCode string               `json:"asset_type_code"`
	Limit         int                  `json:"limit"`
	Offset        int                  `json:"offset"`
	Transactions  []ledger.Transaction `json:"transactions"`
}

// AssetTypeRequest is the body of POST /asset-types.
type AssetTypeRequest struct {
	Code        string `json:"code" validate:"required,max=50"`
	Name        string `json:"name" validate:"required,max=100"`
	Description string `json:"description" validate:"omitempty,max=500"`
}
