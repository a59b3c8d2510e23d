package ledger

import (
	"context"
	"fmt"
	"sync"
)

// Role names a system wallet's purpose.
type Role string

const (
	// RoleTreasury issues purchased credits and may run negative.
	RoleTreasury Role = "treasury"
	// RoleBonusPool issues promotional credits and may run negative.
	RoleBonusPool Role = "bonus_pool"
	// RoleRevenue receives spent credits.
	RoleRevenue Role = "revenue"
)

// SystemSubjects maps each role to the subject that owns its wallets.
type SystemSubjects struct {
	Treasury  string
	BonusPool string
	Revenue   string
}

// DefaultSystemSubjects returns the stock subjects for the system roles.
func DefaultSystemSubjects() SystemSubjects {
	return SystemSubjects{
		Treasury:  "treasury",
		BonusPool: "bonus_pool",
		Revenue:   "revenue",
	}
}

type walletEnsurer interface {
	EnsureWallet(ctx context.Context, subject string, assetTypeID int64, system bool) (Wallet, error)
}

type roleKey struct {
	role        Role
	assetTypeID int64
}

// SystemWallets resolves the system wallet of a role for an asset type,
// creating it on first use. Only wallet ids are cached; balances are always
// read under lock.
type SystemWallets struct {
	store    walletEnsurer
	subjects map[Role]string

	mu  sync.RWMutex
	ids map[roleKey]int64
}

// NewSystemWallets validates subjects and returns a registry over store.
func NewSystemWallets(store walletEnsurer, subjects SystemSubjects) (*SystemWallets, error) {
	m := map[Role]string{
		RoleTreasury:  subjects.Treasury,
		RoleBonusPool: subjects.BonusPool,
		RoleRevenue:   subjects.Revenue,
	}
	seen := make(map[string]Role, len(m))
	for role, subject := range m {
		if subject == "" {
			return nil, fmt.Errorf("system subject for %s is empty", role)
		}
		if other, dup := seen[subject]; dup {
			return nil, fmt.Errorf("system subject %q used by both %s and %s", subject, other, role)
		}
		seen[subject] = role
	}
	return &SystemWallets{store: store, subjects: m, ids: make(map[roleKey]int64)}, nil
}

// Subject returns the subject owning the role's wallets.
func (r *SystemWallets) Subject(role Role) string { return r.subjects[role] }

// IsReserved reports whether subject belongs to a system role.
func (r *SystemWallets) IsReserved(subject string) bool {
	for _, s := range r.subjects {
		if s == subject {
			return true
		}
	}
	return false
}

// Resolve returns the id of the role's wallet for the asset type.
func (r *SystemWallets) Resolve(ctx context.Context, role Role, assetTypeID int64) (int64, error) {
	key := roleKey{role: role, assetTypeID: assetTypeID}
	r.mu.RLock()
	id, ok := r.ids[key]
	r.mu.RUnlock()
	if ok {
		return id, nil
	}

	subject, ok := r.subjects[role]
	if !ok {
		return 0, newError(KindValidation, "unknown system role %s", role)
	}
	w, err := r.store.EnsureWallet(ctx, subject, assetTypeID, true)
	if err != nil {
		return 0, storeError(err, "ensure system wallet")
	}

	r.mu.Lock()
	r.ids[key] = w.ID
	r.mu.Unlock()
	return w.ID, nil
}

// Provision creates every role's wallet for the asset type.
func (r *SystemWallets) Provision(ctx context.Context, assetTypeID int64) error {
	for _, role := range []Role{RoleTreasury, RoleBonusPool, RoleRevenue} {
		if _, err := r.Resolve(ctx, role, assetTypeID); err != nil {
			return err
		}
	}
	return nil
}
