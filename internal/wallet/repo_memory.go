package wallet

import (
	"context"
	"slices"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
)

// MemoryStore is an in-process Store with the same commit semantics as PostgresStore.
type MemoryStore struct {
	mu      sync.Mutex
	wallets map[string]*Wallet
	txs     []Transaction
	byID    map[string]int

	// BeforeCommit, when set, runs before each commit is applied; a non-nil
	// error aborts the commit. Tests use it to inject conflicts.
	BeforeCommit func(c Commit) error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		wallets: map[string]*Wallet{},
		byID:    map[string]int{},
	}
}

// SeedRefundCredit sets a wallet's refund_money pool directly.
func (m *MemoryStore) SeedRefundCredit(userID string, amount decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok := m.wallets[userID]; ok {
		w.RefundMoney = amount
	}
}

// Transactions returns all rows for a user in insertion order.
func (m *MemoryStore) Transactions(userID string) []Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Transaction
	for _, t := range m.txs {
		if t.UserID == userID {
			out = append(out, t)
		}
	}
	return out
}

func (m *MemoryStore) CreateWallet(_ context.Context, w Wallet) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.wallets[w.UserID]; ok {
		return ErrAlreadyExists
	}
	w.PaymentMethods = nil
	m.wallets[w.UserID] = &w
	return nil
}

func (m *MemoryStore) GetWallet(_ context.Context, userID string) (Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.wallets[userID]
	if !ok {
		return Wallet{}, ErrNotFound
	}
	out := *w
	out.PaymentMethods = slices.Clone(w.PaymentMethods)
	return out, nil
}

func (m *MemoryStore) Commit(_ context.Context, c Commit) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.BeforeCommit != nil {
		if err := m.BeforeCommit(c); err != nil {
			return err
		}
	}
	w, ok := m.wallets[c.UserID]
	if !ok {
		return ErrNotFound
	}
	if w.Version != c.ExpectedVersion {
		return ErrConcurrencyConflict
	}
	if c.Transition != nil {
		i, ok := m.byID[c.Transition.ID]
		if !ok {
			return ErrNotFound
		}
		if m.txs[i].Status != StatusPending {
			return ErrConcurrencyConflict
		}
	}
	for _, t := range c.Inserts {
		if _, dup := m.byID[t.ID]; dup {
			return ErrConcurrencyConflict
		}
		if t.IdempotencyKey != "" && m.findKey(t.UserID, t.IdempotencyKey) >= 0 {
			return ErrConcurrencyConflict
		}
		if t.Type == TypeLeadAssignment && t.Status == StatusCompleted && t.LeadID != "" && m.leadCharged(t.LeadID) {
			return ErrIdempotencyViolation
		}
	}
	if tr := c.Transition; tr != nil && tr.To == StatusCompleted {
		pending := m.txs[m.byID[tr.ID]]
		if pending.Type == TypeLeadAssignment && pending.LeadID != "" && m.leadCharged(pending.LeadID) {
			return ErrIdempotencyViolation
		}
	}

	if tr := c.Transition; tr != nil {
		i := m.byID[tr.ID]
		t := m.txs[i]
		t.Status = tr.To
		t.ExternalTransactionID = tr.ExternalTransactionID
		t.BalanceAfter = tr.BalanceAfter
		t.Note = tr.Note
		t.UpdatedAt = c.At
		m.txs[i] = t
	}
	for _, t := range c.Inserts {
		m.byID[t.ID] = len(m.txs)
		m.txs = append(m.txs, t)
	}
	w.Balance = c.Balance
	w.RefundMoney = c.RefundMoney
	w.Version++
	w.UpdatedAt = c.At
	return nil
}

func (m *MemoryStore) findKey(userID, key string) int {
	for i, t := range m.txs {
		if t.UserID == userID && t.IdempotencyKey == key {
			return i
		}
	}
	return -1
}

func (m *MemoryStore) leadCharged(leadID string) bool {
	for _, t := range m.txs {
		if t.LeadID == leadID && t.Type == TypeLeadAssignment && t.Status == StatusCompleted {
			return true
		}
	}
	return false
}

func (m *MemoryStore) GetTransaction(_ context.Context, id string) (Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i, ok := m.byID[id]
	if !ok {
		return Transaction{}, ErrNotFound
	}
	return m.txs[i], nil
}

func (m *MemoryStore) FindByIdempotencyKey(_ context.Context, userID, key string) (Transaction, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := m.findKey(userID, key)
	if i < 0 {
		return Transaction{}, false, nil
	}
	return m.txs[i], true, nil
}

func (m *MemoryStore) ListTransactions(_ context.Context, userID string, f Filter, offset, limit int) ([]Transaction, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var matched []Transaction
	for i := len(m.txs) - 1; i >= 0; i-- {
		t := m.txs[i]
		if t.UserID != userID || !f.matches(t) {
			continue
		}
		matched = append(matched, t)
	}
	total := len(matched)
	if offset >= total {
		return nil, total, nil
	}
	end := min(offset+limit, total)
	return matched[offset:end], total, nil
}

func (f Filter) matches(t Transaction) bool {
	if len(f.Types) > 0 && !slices.Contains(f.Types, t.Type) {
		return false
	}
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, t.Status) {
		return false
	}
	if f.LeadID != "" && t.LeadID != f.LeadID {
		return false
	}
	if !f.From.IsZero() && t.CreatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && t.CreatedAt.After(f.To) {
		return false
	}
	return true
}

func (m *MemoryStore) ListRetryCandidates(_ context.Context, q RetryQuery) ([]Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	first := map[string]Transaction{}
	var rows []Transaction
	for _, t := range m.txs {
		if t.CreatedAt.After(q.OlderThan) || t.CreatedAt.Before(q.NewerThan) {
			continue
		}
		if !m.retryable(t, q.MaxAttempts) {
			continue
		}
		rows = append(rows, t)
		if f, ok := first[t.UserID]; !ok || t.CreatedAt.Before(f.CreatedAt) {
			first[t.UserID] = t
		}
	}
	users := make([]string, 0, len(first))
	for u := range first {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool {
		return first[users[i]].CreatedAt.Before(first[users[j]].CreatedAt)
	})
	if len(users) > q.MaxUsers {
		users = users[:q.MaxUsers]
	}
	var out []Transaction
	for _, t := range rows {
		if slices.Contains(users, t.UserID) {
			out = append(out, t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].UserID != out[j].UserID {
			return out[i].UserID < out[j].UserID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryStore) retryable(t Transaction, maxAttempts int) bool {
	switch t.Status {
	case StatusPending:
		return t.Type == TypeLeadAssignment || t.Type == TypeAddFunds
	case StatusFailed:
		return t.Type == TypeAddFunds && t.FundingMethod == FundingCard &&
			t.Attempt < maxAttempts && !m.hasSuccessor(t.ID)
	}
	return false
}

func (m *MemoryStore) hasSuccessor(id string) bool {
	for _, t := range m.txs {
		if t.RetryOf == id {
			return true
		}
	}
	return false
}

func (m *MemoryStore) HasSuccessor(_ context.Context, txID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hasSuccessor(txID), nil
}

func (m *MemoryStore) SavePaymentMethod(_ context.Context, pm PaymentMethod) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.wallets[pm.UserID]
	if !ok {
		return ErrNotFound
	}
	if pm.IsDefault {
		for i := range w.PaymentMethods {
			w.PaymentMethods[i].IsDefault = false
		}
	}
	for i := range w.PaymentMethods {
		if w.PaymentMethods[i].ID == pm.ID {
			w.PaymentMethods[i] = pm
			return nil
		}
	}
	w.PaymentMethods = append(w.PaymentMethods, pm)
	return nil
}

func (m *MemoryStore) DeletePaymentMethod(_ context.Context, userID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.wallets[userID]
	if !ok {
		return ErrNotFound
	}
	for i := range w.PaymentMethods {
		if w.PaymentMethods[i].ID == id {
			w.PaymentMethods = slices.Delete(w.PaymentMethods, i, i+1)
			return nil
		}
	}
	return ErrNotFound
}

func (m *MemoryStore) SaveAutoTopUp(_ context.Context, userID string, a AutoTopUp) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.wallets[userID]
	if !ok {
		return ErrNotFound
	}
	w.AutoTopUp = a
	return nil
}
