package wallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"leadmarket-platform/pkg/logger"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Service is the only code path that changes a wallet balance.
//
// Money invariants:
// - balance equals the sum of COMPLETED transaction amounts
// - ledger rows are append-only; a PENDING row transitions exactly once
// - every balance change is committed together with its ledger row through a
//   version compare-and-swap, never under a lock held across a gateway call
type Service struct {
	store Store
	log   *slog.Logger
	// clock is injectable for deterministic tests.
	clock func() time.Time

	maxAttempts int
	backoff     time.Duration
}

type Options struct {
	// MaxAttempts bounds commit retries on version conflicts.
	MaxAttempts int
	Backoff     time.Duration
	Logger      *slog.Logger
}

func NewService(store Store, opts Options) *Service {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 20 * time.Millisecond
	}
	return &Service{
		store:       store,
		log:         logger.OrDefault(opts.Logger),
		clock:       time.Now,
		maxAttempts: opts.MaxAttempts,
		backoff:     opts.Backoff,
	}
}

var (
	ErrNotFound             = errors.New("not found")
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrInvalidArgument      = errors.New("invalid argument")
	ErrConcurrencyConflict  = errors.New("concurrent wallet update")
	ErrIdempotencyViolation = errors.New("idempotency key reused with different parameters")
	ErrInvalidTransition    = errors.New("transaction is not pending")
	ErrAlreadyExists        = errors.New("already exists")
)

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

// RecordOptions tunes a single RecordTransaction call.
type RecordOptions struct {
	// AllowNegative lets a debit take the balance below zero (compensating reversals).
	AllowNegative bool
	// Status defaults to COMPLETED. PENDING rows have no balance effect until completed.
	Status                TransactionStatus
	LeadID                string
	ExternalTransactionID string
	IdempotencyKey        string
	Note                  string
	// UseRefundCredit consumes refund_money before balance for debits.
	UseRefundCredit bool
	RetryOf         string
	Attempt         int
	// ID pins the row id; generated when empty.
	ID string
}

// RecordTransaction appends one ledger row and applies its balance effect atomically.
func (s *Service) RecordTransaction(ctx context.Context, userID string, amount decimal.Decimal, typ TransactionType, funding FundingMethod, opts RecordOptions) (Transaction, error) {
	if userID == "" {
		return Transaction{}, invalid("user id is required")
	}
	if !typ.Valid() {
		return Transaction{}, invalid("unknown transaction type %q", typ)
	}
	if !funding.Valid() {
		return Transaction{}, invalid("unknown funding method %q", funding)
	}
	if !typ.SignValid(amount) {
		return Transaction{}, invalid("amount %s has the wrong sign for %s", amount, typ)
	}
	if opts.Status == "" {
		opts.Status = StatusCompleted
	}
	switch opts.Status {
	case StatusCompleted, StatusFailed:
	case StatusPending:
		if opts.IdempotencyKey == "" {
			return Transaction{}, invalid("pending rows require an idempotency key")
		}
	default:
		return Transaction{}, invalid("unknown status %q", opts.Status)
	}
	if opts.UseRefundCredit && typ.IsCredit() {
		return Transaction{}, invalid("refund credit applies to debits only")
	}

	var out Transaction
	err := s.withConflictRetry(ctx, func() error {
		w, err := s.store.GetWallet(ctx, userID)
		if err != nil {
			return err
		}
		if opts.IdempotencyKey != "" {
			existing, ok, err := s.store.FindByIdempotencyKey(ctx, userID, opts.IdempotencyKey)
			if err != nil {
				return err
			}
			if ok {
				if existing.Type != typ || !existing.Gross().Equal(amount) {
					return fmt.Errorf("%w: key %q", ErrIdempotencyViolation, opts.IdempotencyKey)
				}
				out = existing
				return nil
			}
		}

		now := s.clock().UTC()
		tx := Transaction{
			ID:                    opts.ID,
			UserID:                userID,
			Amount:                amount,
			Type:                  typ,
			Status:                opts.Status,
			FundingMethod:         funding,
			ExternalTransactionID: opts.ExternalTransactionID,
			BalanceAfter:          w.Balance,
			LeadID:                opts.LeadID,
			Note:                  opts.Note,
			IdempotencyKey:        opts.IdempotencyKey,
			RetryOf:               opts.RetryOf,
			Attempt:               opts.Attempt,
			CreatedAt:             now,
			UpdatedAt:             now,
		}
		if tx.ID == "" {
			tx.ID = uuid.NewString()
		}

		c := Commit{
			UserID:          userID,
			ExpectedVersion: w.Version,
			Balance:         w.Balance,
			RefundMoney:     w.RefundMoney,
			At:              now,
		}
		if tx.Status == StatusCompleted {
			if err := apply(&c, &tx, opts.UseRefundCredit, opts.AllowNegative); err != nil {
				return err
			}
		}
		c.Inserts = []Transaction{tx}
		if err := s.store.Commit(ctx, c); err != nil {
			return err
		}
		out = tx
		return nil
	})
	if err != nil {
		return Transaction{}, err
	}
	return out, nil
}

// apply computes the balance effect of a COMPLETED row onto c and fills the
// row's balance fields.
func apply(c *Commit, tx *Transaction, useRefundCredit, allowNegative bool) error {
	amount := tx.Amount
	if useRefundCredit && amount.IsNegative() && c.RefundMoney.IsPositive() {
		used := decimal.Min(amount.Neg(), c.RefundMoney)
		c.RefundMoney = c.RefundMoney.Sub(used)
		tx.RefundCreditUsed = used
		amount = amount.Add(used)
		tx.Amount = amount
	}
	next := c.Balance.Add(amount)
	if amount.IsNegative() && next.IsNegative() && !allowNegative {
		return ErrInsufficientFunds
	}
	c.Balance = next
	tx.BalanceAfter = next
	return nil
}

// CompletePending moves a PENDING row to COMPLETED and applies its balance effect.
// A card-funded debit is completed together with a matching ADD_FUNDS card credit so
// its net balance effect is zero. Completing an already COMPLETED row is a no-op.
func (s *Service) CompletePending(ctx context.Context, txID, externalID string) (Transaction, error) {
	if txID == "" {
		return Transaction{}, invalid("transaction id is required")
	}
	var out Transaction
	err := s.withConflictRetry(ctx, func() error {
		tx, err := s.store.GetTransaction(ctx, txID)
		if err != nil {
			return err
		}
		switch tx.Status {
		case StatusCompleted:
			out = tx
			return nil
		case StatusFailed:
			return fmt.Errorf("%w: %s is %s", ErrInvalidTransition, tx.ID, tx.Status)
		}
		w, err := s.store.GetWallet(ctx, tx.UserID)
		if err != nil {
			return err
		}
		now := s.clock().UTC()
		c := Commit{
			UserID:          tx.UserID,
			ExpectedVersion: w.Version,
			Balance:         w.Balance,
			RefundMoney:     w.RefundMoney,
			At:              now,
		}
		if externalID != "" {
			tx.ExternalTransactionID = externalID
		}

		if tx.FundingMethod == FundingCard && !tx.Type.IsCredit() && tx.Amount.IsNegative() {
			credit := Transaction{
				ID:                    uuid.NewString(),
				UserID:                tx.UserID,
				Amount:                tx.Amount.Neg(),
				Type:                  TypeAddFunds,
				Status:                StatusCompleted,
				FundingMethod:         FundingCard,
				ExternalTransactionID: tx.ExternalTransactionID,
				BalanceAfter:          w.Balance.Add(tx.Amount.Neg()),
				LeadID:                tx.LeadID,
				Note:                  "card payment",
				IdempotencyKey:        fundingKey(tx.IdempotencyKey),
				CreatedAt:             now,
				UpdatedAt:             now,
			}
			c.Inserts = []Transaction{credit}
			tx.BalanceAfter = w.Balance
		} else if err := apply(&c, &tx, false, false); err != nil {
			return err
		}

		tx.Status = StatusCompleted
		tx.UpdatedAt = now
		c.Transition = &Transition{
			ID:                    tx.ID,
			To:                    StatusCompleted,
			ExternalTransactionID: tx.ExternalTransactionID,
			BalanceAfter:          tx.BalanceAfter,
			Note:                  tx.Note,
		}
		if err := s.store.Commit(ctx, c); err != nil {
			return err
		}
		out = tx
		return nil
	})
	if err != nil {
		return Transaction{}, err
	}
	return out, nil
}

func fundingKey(key string) string {
	if key == "" {
		return ""
	}
	return key + ":funding"
}

// FailPending moves a PENDING row to FAILED. Failing an already FAILED row is a no-op.
func (s *Service) FailPending(ctx context.Context, txID, note string) (Transaction, error) {
	if txID == "" {
		return Transaction{}, invalid("transaction id is required")
	}
	var out Transaction
	err := s.withConflictRetry(ctx, func() error {
		tx, err := s.store.GetTransaction(ctx, txID)
		if err != nil {
			return err
		}
		switch tx.Status {
		case StatusFailed:
			out = tx
			return nil
		case StatusCompleted:
			return fmt.Errorf("%w: %s is %s", ErrInvalidTransition, tx.ID, tx.Status)
		}
		w, err := s.store.GetWallet(ctx, tx.UserID)
		if err != nil {
			return err
		}
		now := s.clock().UTC()
		if note != "" {
			tx.Note = note
		}
		tx.Status = StatusFailed
		tx.UpdatedAt = now
		err = s.store.Commit(ctx, Commit{
			UserID:          tx.UserID,
			ExpectedVersion: w.Version,
			Balance:         w.Balance,
			RefundMoney:     w.RefundMoney,
			At:              now,
			Transition: &Transition{
				ID:                    tx.ID,
				To:                    StatusFailed,
				ExternalTransactionID: tx.ExternalTransactionID,
				BalanceAfter:          tx.BalanceAfter,
				Note:                  tx.Note,
			},
		})
		if err != nil {
			return err
		}
		out = tx
		return nil
	})
	if err != nil {
		return Transaction{}, err
	}
	return out, nil
}

func (s *Service) withConflictRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		err = fn()
		if !errors.Is(err, ErrConcurrencyConflict) {
			return err
		}
		if attempt == s.maxAttempts {
			break
		}
		wait := s.backoff*time.Duration(attempt) + time.Duration(rand.Int64N(int64(s.backoff)))
		s.log.Debug("wallet commit conflict, retrying", "attempt", attempt, "wait", wait)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return err
}

// GetBalance returns the wallet snapshot used for funding decisions.
func (s *Service) GetBalance(ctx context.Context, userID string) (Snapshot, error) {
	if userID == "" {
		return Snapshot{}, invalid("user id is required")
	}
	w, err := s.store.GetWallet(ctx, userID)
	if err != nil {
		return Snapshot{}, err
	}
	snap := Snapshot{
		UserID:      w.UserID,
		Email:       w.Email,
		Balance:     w.Balance,
		RefundMoney: w.RefundMoney,
		AutoTopUp:   w.AutoTopUp,
	}
	if pm, ok := w.DefaultPaymentMethod(); ok && pm.VaultID != "" {
		snap.HasStoredCard = true
		snap.DefaultPaymentMethod = &pm
	}
	return snap, nil
}

func (s *Service) GetWallet(ctx context.Context, userID string) (Wallet, error) {
	if userID == "" {
		return Wallet{}, invalid("user id is required")
	}
	return s.store.GetWallet(ctx, userID)
}

func (s *Service) GetTransaction(ctx context.Context, txID string) (Transaction, error) {
	if txID == "" {
		return Transaction{}, invalid("transaction id is required")
	}
	return s.store.GetTransaction(ctx, txID)
}

// ListTransactions pages through a user's ledger, newest first. page is 1-based.
func (s *Service) ListTransactions(ctx context.Context, userID string, page, limit int, f Filter) (TransactionPage, error) {
	if userID == "" {
		return TransactionPage{}, invalid("user id is required")
	}
	if page < 1 {
		page = 1
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if !f.From.IsZero() && !f.To.IsZero() && f.To.Before(f.From) {
		return TransactionPage{}, invalid("date range end precedes start")
	}
	items, total, err := s.store.ListTransactions(ctx, userID, f, (page-1)*limit, limit)
	if err != nil {
		return TransactionPage{}, err
	}
	if items == nil {
		items = []Transaction{}
	}
	return TransactionPage{Items: items, Total: total, Page: page, Limit: limit}, nil
}

// FindByKey returns the user's row for an idempotency key, if one exists.
func (s *Service) FindByKey(ctx context.Context, userID, key string) (Transaction, bool, error) {
	if userID == "" || key == "" {
		return Transaction{}, false, invalid("user id and idempotency key are required")
	}
	return s.store.FindByIdempotencyKey(ctx, userID, key)
}

// FindLeadCharges returns COMPLETED LEAD_ASSIGNMENT rows for a lead.
func (s *Service) FindLeadCharges(ctx context.Context, userID, leadID string) ([]Transaction, error) {
	if userID == "" || leadID == "" {
		return nil, invalid("user id and lead id are required")
	}
	items, _, err := s.store.ListTransactions(ctx, userID, Filter{
		Types:    []TransactionType{TypeLeadAssignment},
		Statuses: []TransactionStatus{StatusCompleted},
		LeadID:   leadID,
	}, 0, 100)
	return items, err
}

// FindChargesNear returns COMPLETED LEAD_ASSIGNMENT rows created within window of at.
func (s *Service) FindChargesNear(ctx context.Context, userID string, at time.Time, window time.Duration) ([]Transaction, error) {
	if userID == "" || at.IsZero() || window <= 0 {
		return nil, invalid("user id, time and window are required")
	}
	items, _, err := s.store.ListTransactions(ctx, userID, Filter{
		Types:    []TransactionType{TypeLeadAssignment},
		Statuses: []TransactionStatus{StatusCompleted},
		From:     at.Add(-window),
		To:       at.Add(window),
	}, 0, 100)
	return items, err
}

func (s *Service) ListRetryCandidates(ctx context.Context, q RetryQuery) ([]Transaction, error) {
	if q.OlderThan.IsZero() || q.NewerThan.IsZero() || !q.NewerThan.Before(q.OlderThan) {
		return nil, invalid("retry window is empty")
	}
	if q.MaxUsers <= 0 || q.MaxAttempts <= 0 {
		return nil, invalid("retry bounds must be positive")
	}
	return s.store.ListRetryCandidates(ctx, q)
}

// HasSuccessor reports whether a later attempt already supersedes txID.
func (s *Service) HasSuccessor(ctx context.Context, txID string) (bool, error) {
	return s.store.HasSuccessor(ctx, txID)
}

// RecordCardRefund books money returned to a card as a REFUND/MANUAL_CHARGE pair
// in one commit, so the balance is unchanged. Replays of key return the REFUND row.
func (s *Service) RecordCardRefund(ctx context.Context, userID string, amount decimal.Decimal, leadID, externalID, key string) (Transaction, error) {
	if userID == "" || key == "" || !amount.IsPositive() {
		return Transaction{}, invalid("user id, key and a positive amount are required")
	}
	var out Transaction
	err := s.withConflictRetry(ctx, func() error {
		if existing, ok, err := s.store.FindByIdempotencyKey(ctx, userID, key); err != nil {
			return err
		} else if ok {
			if existing.Type != TypeRefund || !existing.Amount.Equal(amount) {
				return fmt.Errorf("%w: key %q", ErrIdempotencyViolation, key)
			}
			out = existing
			return nil
		}
		w, err := s.store.GetWallet(ctx, userID)
		if err != nil {
			return err
		}
		now := s.clock().UTC()
		refund := Transaction{
			ID:                    uuid.NewString(),
			UserID:                userID,
			Amount:                amount,
			Type:                  TypeRefund,
			Status:                StatusCompleted,
			FundingMethod:         FundingCard,
			ExternalTransactionID: externalID,
			BalanceAfter:          w.Balance.Add(amount),
			LeadID:                leadID,
			Note:                  "refunded to card",
			IdempotencyKey:        key,
			CreatedAt:             now,
			UpdatedAt:             now,
		}
		payout := refund
		payout.ID = uuid.NewString()
		payout.Amount = amount.Neg()
		payout.Type = TypeManualCharge
		payout.BalanceAfter = w.Balance
		payout.Note = "card refund payout"
		payout.IdempotencyKey = key + ":payout"

		if err := s.store.Commit(ctx, Commit{
			UserID:          userID,
			ExpectedVersion: w.Version,
			Balance:         w.Balance,
			RefundMoney:     w.RefundMoney,
			Inserts:         []Transaction{refund, payout},
			At:              now,
		}); err != nil {
			return err
		}
		out = refund
		return nil
	})
	if err != nil {
		return Transaction{}, err
	}
	return out, nil
}
