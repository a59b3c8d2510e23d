package ledger

import "github.com/shopspring/decimal"

// corruptBalance overwrites a cached balance without a ledger entry.
func (s *MemoryStore) corruptBalance(walletID int64, balance decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w := s.wallets[walletID]
	w.Balance = balance
	s.wallets[walletID] = w
}
