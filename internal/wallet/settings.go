package wallet

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// CreateWallet opens an empty wallet. An existing wallet is returned unchanged.
func (s *Service) CreateWallet(ctx context.Context, userID, email string) (Wallet, error) {
	if userID == "" {
		return Wallet{}, invalid("user id is required")
	}
	now := s.clock().UTC()
	w := Wallet{
		UserID:      userID,
		Email:       strings.TrimSpace(email),
		Balance:     decimal.Zero,
		RefundMoney: decimal.Zero,
		AutoTopUp:   AutoTopUp{PaymentMode: PaymentModeDefaultCard, Threshold: decimal.Zero, Amount: decimal.Zero},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	err := s.store.CreateWallet(ctx, w)
	if errors.Is(err, ErrAlreadyExists) {
		return s.store.GetWallet(ctx, userID)
	}
	if err != nil {
		return Wallet{}, err
	}
	return w, nil
}

// AddPaymentMethod stores a vault reference. The first card becomes the default.
func (s *Service) AddPaymentMethod(ctx context.Context, userID string, pm PaymentMethod) (PaymentMethod, error) {
	if userID == "" || pm.VaultID == "" {
		return PaymentMethod{}, invalid("user id and vault id are required")
	}
	w, err := s.store.GetWallet(ctx, userID)
	if err != nil {
		return PaymentMethod{}, err
	}
	pm.UserID = userID
	if pm.ID == "" {
		pm.ID = uuid.NewString()
	}
	pm.CreatedAt = s.clock().UTC()
	if len(w.PaymentMethods) == 0 {
		pm.IsDefault = true
	}
	if err := s.store.SavePaymentMethod(ctx, pm); err != nil {
		return PaymentMethod{}, err
	}
	return pm, nil
}

// RemovePaymentMethod deletes a stored card and returns it so the caller can
// release its vault. If it was the default, the newest remaining card is promoted.
func (s *Service) RemovePaymentMethod(ctx context.Context, userID, pmID string) (PaymentMethod, error) {
	if userID == "" || pmID == "" {
		return PaymentMethod{}, invalid("user id and payment method id are required")
	}
	w, err := s.store.GetWallet(ctx, userID)
	if err != nil {
		return PaymentMethod{}, err
	}
	var removed *PaymentMethod
	var next *PaymentMethod
	for i := range w.PaymentMethods {
		pm := w.PaymentMethods[i]
		if pm.ID == pmID {
			removed = &pm
			continue
		}
		if next == nil || pm.CreatedAt.After(next.CreatedAt) {
			next = &pm
		}
	}
	if removed == nil {
		return PaymentMethod{}, ErrNotFound
	}
	if err := s.store.DeletePaymentMethod(ctx, userID, pmID); err != nil {
		return PaymentMethod{}, err
	}
	if removed.IsDefault && next != nil {
		next.IsDefault = true
		if err := s.store.SavePaymentMethod(ctx, *next); err != nil {
			return PaymentMethod{}, err
		}
	}
	return *removed, nil
}

func (s *Service) SetDefaultPaymentMethod(ctx context.Context, userID, pmID string) (PaymentMethod, error) {
	if userID == "" || pmID == "" {
		return PaymentMethod{}, invalid("user id and payment method id are required")
	}
	w, err := s.store.GetWallet(ctx, userID)
	if err != nil {
		return PaymentMethod{}, err
	}
	for _, pm := range w.PaymentMethods {
		if pm.ID == pmID {
			pm.IsDefault = true
			if err := s.store.SavePaymentMethod(ctx, pm); err != nil {
				return PaymentMethod{}, err
			}
			return pm, nil
		}
	}
	return PaymentMethod{}, ErrNotFound
}

// UpdateAutoTopUp replaces the auto top-up settings. Enabling requires a stored card.
func (s *Service) UpdateAutoTopUp(ctx context.Context, userID string, a AutoTopUp) (AutoTopUp, error) {
	if userID == "" {
		return AutoTopUp{}, invalid("user id is required")
	}
	if a.PaymentMode == "" {
		a.PaymentMode = PaymentModeDefaultCard
	}
	if a.PaymentMode != PaymentModeDefaultCard {
		return AutoTopUp{}, invalid("unsupported payment mode %q", a.PaymentMode)
	}
	if a.Threshold.IsNegative() {
		return AutoTopUp{}, invalid("threshold must not be negative")
	}
	if a.Enabled {
		if !a.Amount.IsPositive() {
			return AutoTopUp{}, invalid("top-up amount must be positive")
		}
		snap, err := s.GetBalance(ctx, userID)
		if err != nil {
			return AutoTopUp{}, err
		}
		if !snap.HasStoredCard {
			return AutoTopUp{}, invalid("auto top-up requires a stored card")
		}
	}
	if err := s.store.SaveAutoTopUp(ctx, userID, a); err != nil {
		return AutoTopUp{}, err
	}
	return a, nil
}

// AdminAdjust books an operator correction: ADD_FUNDS for positive amounts,
// MANUAL_CHARGE for negative ones. The idempotency key is mandatory.
func (s *Service) AdminAdjust(ctx context.Context, userID string, amount decimal.Decimal, reason, idempotencyKey string) (Transaction, error) {
	if amount.IsZero() {
		return Transaction{}, invalid("amount must not be zero")
	}
	if strings.TrimSpace(reason) == "" || idempotencyKey == "" {
		return Transaction{}, invalid("reason and idempotency key are required")
	}
	typ := TypeAddFunds
	if amount.IsNegative() {
		typ = TypeManualCharge
	}
	return s.RecordTransaction(ctx, userID, amount, typ, FundingBalance, RecordOptions{
		IdempotencyKey: "admin:" + idempotencyKey,
		Note:           reason,
	})
}
