// Package cards manages stored payment methods: the gateway vault and the
// wallet's reference to it move together.
package cards

import (
	"context"
	"fmt"
	"log/slog"

	"leadmarket-platform/internal/audit"
	"leadmarket-platform/internal/gateway"
	"leadmarket-platform/internal/wallet"
	"leadmarket-platform/pkg/logger"
)

type Wallets interface {
	GetWallet(ctx context.Context, userID string) (wallet.Wallet, error)
	AddPaymentMethod(ctx context.Context, userID string, pm wallet.PaymentMethod) (wallet.PaymentMethod, error)
	RemovePaymentMethod(ctx context.Context, userID, pmID string) (wallet.PaymentMethod, error)
	SetDefaultPaymentMethod(ctx context.Context, userID, pmID string) (wallet.PaymentMethod, error)
	UpdateAutoTopUp(ctx context.Context, userID string, a wallet.AutoTopUp) (wallet.AutoTopUp, error)
}

type Service struct {
	wallets Wallets
	gw      gateway.Gateway
	audit   *audit.Service
	log     *slog.Logger
}

func NewService(wallets Wallets, gw gateway.Gateway, auditSvc *audit.Service, log *slog.Logger) *Service {
	return &Service{wallets: wallets, gw: gw, audit: auditSvc, log: logger.OrDefault(log)}
}

// AddCard vaults the card at the gateway and stores the reference. The CVV
// goes to the gateway only.
func (s *Service) AddCard(ctx context.Context, userID string, card gateway.CardDetails, makeDefault bool) (wallet.PaymentMethod, error) {
	if _, err := s.wallets.GetWallet(ctx, userID); err != nil {
		return wallet.PaymentMethod{}, err
	}
	vaultID, err := s.gw.CreateVault(ctx, card)
	if err != nil {
		return wallet.PaymentMethod{}, err
	}
	pm, err := s.wallets.AddPaymentMethod(ctx, userID, wallet.PaymentMethod{
		VaultID:  vaultID,
		Brand:    card.Brand(),
		Last4:    card.Last4(),
		ExpMonth: card.ExpMonth,
		ExpYear:  card.ExpYear,
	})
	if err != nil {
		if derr := s.gw.DeleteVault(context.WithoutCancel(ctx), vaultID); derr != nil {
			s.log.Error("orphaned vault after failed save", "user_id", userID, "err", derr)
		}
		return wallet.PaymentMethod{}, fmt.Errorf("save payment method: %w", err)
	}
	if makeDefault && !pm.IsDefault {
		if pm, err = s.wallets.SetDefaultPaymentMethod(ctx, userID, pm.ID); err != nil {
			return wallet.PaymentMethod{}, err
		}
	}
	s.log.Info("payment method added", "user_id", userID, "payment_method_id", pm.ID, "brand", pm.Brand)
	s.record(ctx, userID, "added "+pm.Brand+" ending "+pm.Last4)
	return pm, nil
}

// RemoveCard deletes the stored card and its vault. Removing the last card
// turns auto top-up off.
func (s *Service) RemoveCard(ctx context.Context, userID, pmID string) error {
	removed, err := s.wallets.RemovePaymentMethod(ctx, userID, pmID)
	if err != nil {
		return err
	}
	// DeleteVault succeeds for vaults that are already gone.
	if err := s.gw.DeleteVault(ctx, removed.VaultID); err != nil {
		s.log.Warn("vault delete failed", "user_id", userID, "payment_method_id", pmID, "err", err)
		return fmt.Errorf("delete vault: %w", err)
	}

	w, err := s.wallets.GetWallet(ctx, userID)
	if err != nil {
		return err
	}
	if len(w.PaymentMethods) == 0 && w.AutoTopUp.Enabled {
		off := w.AutoTopUp
		off.Enabled = false
		if _, err := s.wallets.UpdateAutoTopUp(ctx, userID, off); err != nil {
			return fmt.Errorf("disable auto top-up: %w", err)
		}
		s.log.Info("auto top-up disabled, no stored card", "user_id", userID)
	}
	s.record(ctx, userID, "removed "+removed.Brand+" ending "+removed.Last4)
	return nil
}

func (s *Service) SetDefault(ctx context.Context, userID, pmID string) (wallet.PaymentMethod, error) {
	pm, err := s.wallets.SetDefaultPaymentMethod(ctx, userID, pmID)
	if err != nil {
		return wallet.PaymentMethod{}, err
	}
	s.record(ctx, userID, "default set to "+pm.Brand+" ending "+pm.Last4)
	return pm, nil
}

func (s *Service) record(ctx context.Context, userID, msg string) {
	if s.audit == nil {
		return
	}
	if err := s.audit.LogSystem(ctx, audit.EventTypePaymentMethod, userID, "", "", msg); err != nil {
		s.log.Warn("audit append failed", "err", err)
	}
}
