package topup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"leadmarket-platform/internal/audit"
	"leadmarket-platform/internal/gateway"
	"leadmarket-platform/internal/notify"
	"leadmarket-platform/internal/wallet"
	"leadmarket-platform/pkg/logger"
	"leadmarket-platform/pkg/utils"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"
)

var (
	ErrNoStoredCard = errors.New("auto top-up needs a stored card")
	ErrDeclined     = errors.New("auto top-up declined")
	ErrPending      = errors.New("auto top-up outcome unknown, left pending")
)

var attempts = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "auto_topup_attempts_total",
	Help: "Auto top-up charge attempts by outcome.",
}, []string{"outcome"})

// Ledger is the wallet surface the top-up flow needs.
type Ledger interface {
	GetBalance(ctx context.Context, userID string) (wallet.Snapshot, error)
	RecordTransaction(ctx context.Context, userID string, amount decimal.Decimal, typ wallet.TransactionType, funding wallet.FundingMethod, opts wallet.RecordOptions) (wallet.Transaction, error)
	CompletePending(ctx context.Context, txID, externalID string) (wallet.Transaction, error)
	FailPending(ctx context.Context, txID, note string) (wallet.Transaction, error)
}

type Deps struct {
	Ledger   Ledger
	Gateway  gateway.Gateway
	Locker   utils.Locker
	LockTTL  time.Duration
	Notifier notify.Notifier
	Audit    *audit.Service
	Logger   *slog.Logger
}

// Service replenishes a wallet from its default card when the balance drops
// below the configured threshold.
//
// At most one top-up runs per user at a time: calls in this process share one
// flight, and instances coordinate through Locker. The lock TTL must exceed the
// gateway timeout.
type Service struct {
	ledger   Ledger
	gw       gateway.Gateway
	locker   utils.Locker
	lockTTL  time.Duration
	notifier notify.Notifier
	audit    *audit.Service
	log      *slog.Logger

	flights singleflight.Group
}

func NewService(d Deps) *Service {
	if d.LockTTL <= 0 {
		d.LockTTL = 2 * time.Minute
	}
	if d.Locker == nil {
		d.Locker = utils.NewMemoryLocker()
	}
	if d.Notifier == nil {
		d.Notifier = notify.Nop{}
	}
	return &Service{
		ledger:   d.Ledger,
		gw:       d.Gateway,
		locker:   d.Locker,
		lockTTL:  d.LockTTL,
		notifier: d.Notifier,
		audit:    d.Audit,
		log:      logger.OrDefault(d.Logger),
	}
}

func lockKey(userID string) string { return "topup:" + userID }

// AfterDebit tops up the wallet if debit left it under the threshold.
// It never undoes the debit. The idempotency key is derived from the debit,
// so one debit triggers at most one top-up charge.
func (s *Service) AfterDebit(ctx context.Context, debit wallet.Transaction) error {
	if debit.Status != wallet.StatusCompleted || debit.FundingMethod != wallet.FundingBalance || debit.Type.IsCredit() {
		return nil
	}
	_, err, _ := s.flights.Do(debit.UserID, func() (any, error) {
		return nil, s.withLock(ctx, debit.UserID, func() error {
			snap, err := s.ledger.GetBalance(ctx, debit.UserID)
			if err != nil {
				return err
			}
			if !needsTopUp(snap) {
				return nil
			}
			if !snap.HasStoredCard {
				s.failed(ctx, snap, decimal.Zero, "", ErrNoStoredCard.Error())
				attempts.WithLabelValues("no_card").Inc()
				return ErrNoStoredCard
			}
			pending, err := s.ledger.RecordTransaction(ctx, snap.UserID, snap.AutoTopUp.Amount, wallet.TypeAddFunds, wallet.FundingCard, wallet.RecordOptions{
				Status:         wallet.StatusPending,
				IdempotencyKey: "topup:" + debit.ID,
				Note:           "auto top-up",
				Attempt:        1,
			})
			if err != nil {
				return err
			}
			if pending.Status != wallet.StatusPending {
				return nil
			}
			return s.charge(ctx, snap, pending)
		})
	})
	return err
}

// Retry books a new attempt for a FAILED top-up if the wallet still needs funds.
// The new row links back through RetryOf.
func (s *Service) Retry(ctx context.Context, failed wallet.Transaction) error {
	if failed.Status != wallet.StatusFailed || failed.Type != wallet.TypeAddFunds {
		return fmt.Errorf("%w: %s is not a failed top-up", wallet.ErrInvalidArgument, failed.ID)
	}
	return s.withLock(ctx, failed.UserID, func() error {
		snap, err := s.ledger.GetBalance(ctx, failed.UserID)
		if err != nil {
			return err
		}
		if !needsTopUp(snap) || !snap.HasStoredCard {
			return nil
		}
		next, err := s.ledger.RecordTransaction(ctx, failed.UserID, failed.Amount, wallet.TypeAddFunds, wallet.FundingCard, wallet.RecordOptions{
			Status:         wallet.StatusPending,
			IdempotencyKey: "retry:" + failed.ID,
			Note:           "auto top-up retry",
			RetryOf:        failed.ID,
			Attempt:        failed.Attempt + 1,
		})
		if err != nil {
			return err
		}
		if next.Status != wallet.StatusPending {
			return nil
		}
		return s.charge(ctx, snap, next)
	})
}

// Resubmit sends a PENDING top-up again under its original key. Callers must
// have confirmed through Lookup that the gateway never saw the first attempt.
func (s *Service) Resubmit(ctx context.Context, pending wallet.Transaction) error {
	if pending.Status != wallet.StatusPending || pending.Type != wallet.TypeAddFunds {
		return fmt.Errorf("%w: %s is not a pending top-up", wallet.ErrInvalidArgument, pending.ID)
	}
	return s.withLock(ctx, pending.UserID, func() error {
		snap, err := s.ledger.GetBalance(ctx, pending.UserID)
		if err != nil {
			return err
		}
		if !snap.HasStoredCard {
			if _, err := s.ledger.FailPending(ctx, pending.ID, ErrNoStoredCard.Error()); err != nil {
				return err
			}
			return ErrNoStoredCard
		}
		return s.charge(ctx, snap, pending)
	})
}

func needsTopUp(snap wallet.Snapshot) bool {
	a := snap.AutoTopUp
	return a.Enabled && a.Amount.IsPositive() && snap.Balance.LessThan(a.Threshold)
}

func (s *Service) withLock(ctx context.Context, userID string, fn func() error) error {
	unlock, ok, err := s.locker.TryLock(ctx, lockKey(userID), s.lockTTL)
	if err != nil {
		return err
	}
	if !ok {
		s.log.Debug("auto top-up already running elsewhere", "user_id", userID)
		attempts.WithLabelValues("skipped").Inc()
		return nil
	}
	defer func() {
		if err := unlock(context.WithoutCancel(ctx)); err != nil {
			s.log.Warn("auto top-up lock release failed", "user_id", userID, "err", err)
		}
	}()
	return fn()
}

// charge sends the card charge for a PENDING ADD_FUNDS row and settles it.
func (s *Service) charge(ctx context.Context, snap wallet.Snapshot, pending wallet.Transaction) error {
	log := s.log.With("user_id", pending.UserID, "tx_id", pending.ID)
	res, err := s.gw.Charge(ctx, gateway.ChargeRequest{
		VaultID:        snap.DefaultPaymentMethod.VaultID,
		Amount:         pending.Amount,
		Description:    "Wallet auto top-up",
		IdempotencyKey: pending.IdempotencyKey,
	})
	if errors.Is(err, gateway.ErrUnreachable) {
		found, ok, lerr := s.gw.Lookup(ctx, pending.IdempotencyKey)
		if lerr != nil || !ok {
			log.Warn("auto top-up outcome unknown, left pending", "err", err)
			attempts.WithLabelValues("pending").Inc()
			return fmt.Errorf("%w: %v", ErrPending, err)
		}
		res, err = found, nil
	}
	if err != nil {
		if _, ferr := s.ledger.FailPending(ctx, pending.ID, err.Error()); ferr != nil {
			log.Error("failed to close pending top-up", "err", ferr)
		}
		attempts.WithLabelValues("error").Inc()
		s.failed(ctx, snap, pending.Amount, pending.ID, err.Error())
		return err
	}
	if !res.Approved {
		if _, ferr := s.ledger.FailPending(ctx, pending.ID, "declined: "+res.Message); ferr != nil {
			log.Error("failed to close declined top-up", "err", ferr)
		}
		attempts.WithLabelValues("declined").Inc()
		s.failed(ctx, snap, pending.Amount, pending.ID, res.Message)
		return fmt.Errorf("%w: %s", ErrDeclined, res.Message)
	}

	done, err := s.ledger.CompletePending(ctx, pending.ID, res.ExternalTransactionID)
	if err != nil {
		attempts.WithLabelValues("error").Inc()
		return fmt.Errorf("record top-up: %w", err)
	}
	attempts.WithLabelValues("approved").Inc()
	log.Info("auto top-up completed", "amount", done.Amount.StringFixed(2), "balance_after", done.BalanceAfter.StringFixed(2))
	s.notifier.Notify(ctx, notify.Event{
		Kind:    notify.KindTopUpSucceeded,
		UserID:  snap.UserID,
		Email:   snap.Email,
		Amount:  done.Amount,
		Message: "wallet topped up",
	})
	return nil
}

func (s *Service) failed(ctx context.Context, snap wallet.Snapshot, amount decimal.Decimal, txID, reason string) {
	s.log.Warn("auto top-up failed", "user_id", snap.UserID, "tx_id", txID, "reason", reason)
	s.notifier.Notify(ctx, notify.Event{
		Kind:    notify.KindTopUpFailed,
		UserID:  snap.UserID,
		Email:   snap.Email,
		Amount:  amount,
		Message: reason,
	})
	if s.audit != nil {
		if err := s.audit.LogSystem(ctx, audit.EventTypeTopUpFailed, snap.UserID, "", txID, reason); err != nil {
			s.log.Warn("audit append failed", "err", err)
		}
	}
}
