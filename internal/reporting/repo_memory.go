package reporting

import (
	"context"
	"sync"
	"time"

	"leadmarket-platform/internal/leads"
	"leadmarket-platform/internal/wallet"
)

// MemoryRepo is a simple in-memory reporting repository for tests.
type MemoryRepo struct {
	mu sync.Mutex

	Wallets  map[string]wallet.Wallet
	Ledger   []wallet.Transaction
	LeadRows []leads.Lead
}

func NewMemoryRepo() *MemoryRepo { return &MemoryRepo{Wallets: map[string]wallet.Wallet{}} }

func inRange(at, from, to time.Time) bool {
	if !from.IsZero() && at.Before(from) {
		return false
	}
	return to.IsZero() || at.Before(to)
}

func (r *MemoryRepo) Wallet(_ context.Context, userID string) (wallet.Wallet, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.Wallets[userID]
	if !ok {
		return wallet.Wallet{}, wallet.ErrNotFound
	}
	return w, nil
}

func (r *MemoryRepo) Transactions(_ context.Context, userID string, from, to time.Time) ([]wallet.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]wallet.Transaction, 0)
	for _, tx := range r.Ledger {
		if tx.UserID == userID && inRange(tx.CreatedAt, from, to) {
			out = append(out, tx)
		}
	}
	return out, nil
}

func (r *MemoryRepo) Leads(_ context.Context, userID string, from, to time.Time) ([]leads.Lead, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]leads.Lead, 0)
	for _, l := range r.LeadRows {
		if l.UserID == userID && inRange(l.CreatedAt, from, to) {
			out = append(out, l)
		}
	}
	return out, nil
}
