package ledger

import (
	"context"
	"regexp"
	"strings"
)

var assetCodePattern = regexp.MustCompile(`^[A-Z][A-Z0-9_]{0,49}$`)

// CreateAssetType registers a new active asset type and provisions its
// system wallets. Codes are upper snake case, e.g. GOLD_COIN.
func (e *Engine) CreateAssetType(ctx context.Context, code, name, description string) (AssetType, error) {
	if !assetCodePattern.MatchString(code) {
		return AssetType{}, newError(KindValidation, "asset type code %q must be upper snake case, at most 50 characters", code)
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return AssetType{}, newError(KindValidation, "asset type name is required")
	}

	asset, err := e.store.CreateAssetType(ctx, AssetType{
		Code:        code,
		Name:        name,
		Description: description,
		Active:      true,
		CreatedAt:   e.now().UTC(),
	})
	if err != nil {
		return AssetType{}, storeError(err, "create asset type")
	}
	if err := e.system.Provision(ctx, asset.ID); err != nil {
		return AssetType{}, err
	}
	return asset, nil
}

// DeactivateAssetType stops new movements of the asset. Existing wallets and
// history are kept.
func (e *Engine) DeactivateAssetType(ctx context.Context, code string) error {
	return storeError(e.store.SetAssetTypeActive(ctx, code, false), "deactivate asset type")
}

// ProvisionSystemWallets resolves every system wallet of every active asset
// type, so the first request for an asset does not pay for the creation.
func (e *Engine) ProvisionSystemWallets(ctx context.Context) error {
	assets, err := e.store.ListAssetTypes(ctx)
	if err != nil {
		return storeError(err, "list asset types")
	}
	for _, asset := range assets {
		if !asset.Active {
			continue
		}
		if err := e.system.Provision(ctx, asset.ID); err != nil {
			return err
		}
	}
	return nil
}

// SeedAssetTypes creates the stock asset types that are missing.
func (e *Engine) SeedAssetTypes(ctx context.Context, assets ...AssetType) error {
	for _, a := range assets {
		if _, err := e.store.AssetTypeByCode(ctx, a.Code); err == nil {
			continue
		} else if KindOf(err) != KindNotFound {
			return storeError(err, "load asset type")
		}
		if _, err := e.CreateAssetType(ctx, a.Code, a.Name, a.Description); err != nil && KindOf(err) != KindConflict {
			return err
		}
	}
	return nil
}

// DefaultAssetTypes are seeded on a fresh store.
func DefaultAssetTypes() []AssetType {
	return []AssetType{
		{Code: "GOLD_COIN", Name: "Gold Coin", Description: "Primary purchasable currency"},
		{Code: "DIAMOND", Name: "Diamond", Description: "Premium currency"},
		{Code: "LOYALTY_POINT", Name: "Loyalty Point", Description: "Reward points earned through activity"},
	}
}
