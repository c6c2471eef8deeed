package returns

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"leadmarket-platform/internal/audit"
	"leadmarket-platform/internal/leads"
	"leadmarket-platform/internal/notify"
	"leadmarket-platform/internal/wallet"
	"leadmarket-platform/pkg/logger"

	"github.com/shopspring/decimal"
)

var (
	// ErrUnreconciledRefund means the original charge could not be identified
	// with certainty. Nothing is credited; an admin resolves it by hand.
	ErrUnreconciledRefund = errors.New("refund cannot be reconciled to a single charge")
	ErrAlreadyApproved    = errors.New("return already approved")
	ErrInvalidTransition  = errors.New("invalid return status transition")
)

// DefaultMatchWindow bounds the time-window fallback used for legacy leads.
const DefaultMatchWindow = 2 * time.Minute

type Ledger interface {
	GetTransaction(ctx context.Context, id string) (wallet.Transaction, error)
	FindLeadCharges(ctx context.Context, userID, leadID string) ([]wallet.Transaction, error)
	FindChargesNear(ctx context.Context, userID string, at time.Time, window time.Duration) ([]wallet.Transaction, error)
	RecordTransaction(ctx context.Context, userID string, amount decimal.Decimal, typ wallet.TransactionType, funding wallet.FundingMethod, opts wallet.RecordOptions) (wallet.Transaction, error)
}

type LeadStore interface {
	Get(ctx context.Context, id string) (leads.Lead, error)
	TransitionReturn(ctx context.Context, id string, from, to leads.ReturnStatus, u leads.ReturnUpdate) (leads.Lead, bool, error)
}

type Deps struct {
	Ledger      Ledger
	Leads       LeadStore
	Notifier    notify.Notifier
	Audit       *audit.Service
	Logger      *slog.Logger
	MatchWindow time.Duration
}

// Service reconciles lead returns with the ledger.
type Service struct {
	ledger   Ledger
	leads    LeadStore
	notifier notify.Notifier
	audit    *audit.Service
	log      *slog.Logger
	window   time.Duration
	clock    func() time.Time
}

func NewService(d Deps) *Service {
	if d.Notifier == nil {
		d.Notifier = notify.Nop{}
	}
	if d.MatchWindow <= 0 {
		d.MatchWindow = DefaultMatchWindow
	}
	return &Service{
		ledger:   d.Ledger,
		leads:    d.Leads,
		notifier: d.Notifier,
		audit:    d.Audit,
		log:      logger.OrDefault(d.Logger),
		window:   d.MatchWindow,
		clock:    time.Now,
	}
}

func refundKey(leadID string) string { return "return:" + leadID }

// RequestReturn moves a buyer's lead from NOT_RETURNED to PENDING.
func (s *Service) RequestReturn(ctx context.Context, leadID, userID, reason string) (leads.Lead, error) {
	reason = strings.TrimSpace(reason)
	if leadID == "" || userID == "" || reason == "" {
		return leads.Lead{}, fmt.Errorf("%w: lead id, user id and reason are required", wallet.ErrInvalidArgument)
	}
	l, err := s.leads.Get(ctx, leadID)
	if err != nil {
		return leads.Lead{}, err
	}
	if l.UserID != userID {
		return leads.Lead{}, leads.ErrNotFound
	}
	out, err := s.transition(ctx, l, leads.ReturnNotReturned, leads.ReturnPending, leads.ReturnUpdate{Reason: reason})
	if err != nil {
		return leads.Lead{}, err
	}
	decisions.WithLabelValues("requested").Inc()
	s.log.Info("lead return requested", "lead_id", leadID, "user_id", userID)
	return out, nil
}

// ApproveReturn credits the lead's original cost back to the buyer's balance
// and marks the return APPROVED. It is safe to call concurrently: exactly one
// REFUND row exists per approved lead.
func (s *Service) ApproveReturn(ctx context.Context, leadID string, actor audit.Actor) (leads.Lead, error) {
	l, err := s.leads.Get(ctx, leadID)
	if err != nil {
		return leads.Lead{}, err
	}
	if err := checkFrom(l, leads.ReturnPending); err != nil {
		return leads.Lead{}, err
	}
	log := s.log.With("lead_id", l.ID, "user_id", l.UserID)

	amount, chargeID, err := s.resolveCharge(ctx, l)
	if err != nil {
		decisions.WithLabelValues("unreconciled").Inc()
		log.Warn("return approval blocked", "err", err)
		s.record(ctx, audit.EventTypeUnreconciled, l, "", err.Error())
		return leads.Lead{}, err
	}

	var refund wallet.Transaction
	if amount.IsPositive() {
		refund, err = s.ledger.RecordTransaction(ctx, l.UserID, amount, wallet.TypeRefund, wallet.FundingBalance, wallet.RecordOptions{
			LeadID:         l.ID,
			IdempotencyKey: refundKey(l.ID),
			Note:           "lead return, charge " + chargeID,
		})
		if err != nil {
			return leads.Lead{}, fmt.Errorf("credit return: %w", err)
		}
	}

	now := s.clock().UTC()
	out, ok, err := s.leads.TransitionReturn(ctx, l.ID, leads.ReturnPending, leads.ReturnApproved, leads.ReturnUpdate{
		RefundTransactionID: refund.ID,
		At:                  now,
	})
	if err != nil {
		return leads.Lead{}, err
	}
	if !ok {
		return leads.Lead{}, s.lostRace(ctx, l, refund)
	}

	decisions.WithLabelValues("approved").Inc()
	log.Info("lead return approved", "amount", amount.StringFixed(2), "refund_tx_id", refund.ID)
	s.decided(ctx, actor, out, refund.ID, "return approved, refunded "+amount.StringFixed(2))
	s.notifier.Notify(ctx, notify.Event{
		Kind:    notify.KindReturnApproved,
		UserID:  out.UserID,
		LeadID:  out.ID,
		Amount:  amount,
		Message: "lead return approved",
	})
	return out, nil
}

// lostRace handles a lead that left PENDING between the read and the CAS. A
// concurrent approval shares the refund row through its key and keeps it. Any
// other outcome means the credit must be taken back.
func (s *Service) lostRace(ctx context.Context, l leads.Lead, refund wallet.Transaction) error {
	cur, err := s.leads.Get(ctx, l.ID)
	if err != nil {
		return err
	}
	if cur.ReturnStatus == leads.ReturnApproved && cur.RefundTransactionID == refund.ID {
		return ErrAlreadyApproved
	}
	if refund.ID != "" {
		_, rerr := s.ledger.RecordTransaction(ctx, l.UserID, refund.Amount.Neg(), wallet.TypeManualCharge, wallet.FundingBalance, wallet.RecordOptions{
			AllowNegative:  true,
			LeadID:         l.ID,
			IdempotencyKey: refundKey(l.ID) + ":reversal",
			Note:           "reversal of return credit " + refund.ID,
		})
		if rerr != nil {
			s.log.Error("return credit reversal failed", "lead_id", l.ID, "refund_tx_id", refund.ID, "err", rerr)
			return fmt.Errorf("reverse return credit: %w", rerr)
		}
		decisions.WithLabelValues("reversed").Inc()
	}
	if cur.ReturnStatus == leads.ReturnApproved {
		return ErrAlreadyApproved
	}
	return fmt.Errorf("%w: lead is %s", ErrInvalidTransition, cur.ReturnStatus)
}

// RejectReturn closes a PENDING return without moving money.
func (s *Service) RejectReturn(ctx context.Context, leadID string, actor audit.Actor, reason string) (leads.Lead, error) {
	l, err := s.leads.Get(ctx, leadID)
	if err != nil {
		return leads.Lead{}, err
	}
	out, err := s.transition(ctx, l, leads.ReturnPending, leads.ReturnRejected, leads.ReturnUpdate{Reason: strings.TrimSpace(reason)})
	if err != nil {
		return leads.Lead{}, err
	}
	decisions.WithLabelValues("rejected").Inc()
	s.decided(ctx, actor, out, "", "return rejected: "+reason)
	s.notifier.Notify(ctx, notify.Event{
		Kind:    notify.KindReturnRejected,
		UserID:  out.UserID,
		LeadID:  out.ID,
		Message: reason,
	})
	return out, nil
}

// DirectReturn lets an admin return a lead in one step. It runs the same
// request and approval checks, so an APPROVED lead stays terminal.
func (s *Service) DirectReturn(ctx context.Context, leadID string, actor audit.Actor, reason string) (leads.Lead, error) {
	l, err := s.leads.Get(ctx, leadID)
	if err != nil {
		return leads.Lead{}, err
	}
	if l.ReturnStatus == leads.ReturnNotReturned {
		if strings.TrimSpace(reason) == "" {
			reason = "returned by admin"
		}
		if _, err := s.transition(ctx, l, leads.ReturnNotReturned, leads.ReturnPending, leads.ReturnUpdate{Reason: reason}); err != nil {
			return leads.Lead{}, err
		}
	}
	return s.ApproveReturn(ctx, leadID, actor)
}

func checkFrom(l leads.Lead, from leads.ReturnStatus) error {
	switch {
	case l.ReturnStatus == from:
		return nil
	case l.ReturnStatus == leads.ReturnApproved:
		return ErrAlreadyApproved
	default:
		return fmt.Errorf("%w: lead is %s", ErrInvalidTransition, l.ReturnStatus)
	}
}

func (s *Service) transition(ctx context.Context, l leads.Lead, from, to leads.ReturnStatus, u leads.ReturnUpdate) (leads.Lead, error) {
	if err := checkFrom(l, from); err != nil {
		return leads.Lead{}, err
	}
	u.At = s.clock().UTC()
	out, ok, err := s.leads.TransitionReturn(ctx, l.ID, from, to, u)
	if err != nil {
		return leads.Lead{}, err
	}
	if !ok {
		cur, err := s.leads.Get(ctx, l.ID)
		if err != nil {
			return leads.Lead{}, err
		}
		return leads.Lead{}, checkFrom(cur, from)
	}
	return out, nil
}

// resolveCharge finds the amount to refund, in order of trust:
// (a) the lead's own original_cost and transaction_id,
// (b) the charge row by id, then by lead id,
// (c) a single charge of the lead's cost near its creation time.
func (s *Service) resolveCharge(ctx context.Context, l leads.Lead) (decimal.Decimal, string, error) {
	if l.OriginalCost.Valid && l.TransactionID != "" {
		return l.OriginalCost.Decimal, l.TransactionID, nil
	}
	if l.Cost.IsZero() && l.TransactionID != "" {
		return decimal.Zero, l.TransactionID, nil
	}

	if l.TransactionID != "" {
		tx, err := s.ledger.GetTransaction(ctx, l.TransactionID)
		switch {
		case err == nil && isChargeFor(tx, l):
			return tx.Gross().Neg(), tx.ID, nil
		case err != nil && !errors.Is(err, wallet.ErrNotFound):
			return decimal.Zero, "", err
		}
	}

	byLead, err := s.ledger.FindLeadCharges(ctx, l.UserID, l.ID)
	if err != nil {
		return decimal.Zero, "", err
	}
	switch len(byLead) {
	case 1:
		return byLead[0].Gross().Neg(), byLead[0].ID, nil
	case 0:
	default:
		return decimal.Zero, "", fmt.Errorf("%w: %d charges reference lead %s", ErrUnreconciledRefund, len(byLead), l.ID)
	}

	if l.CreatedAt.IsZero() || !l.Cost.IsPositive() {
		return decimal.Zero, "", fmt.Errorf("%w: no charge recorded for lead %s", ErrUnreconciledRefund, l.ID)
	}
	near, err := s.ledger.FindChargesNear(ctx, l.UserID, l.CreatedAt, s.window)
	if err != nil {
		return decimal.Zero, "", err
	}
	var match []wallet.Transaction
	for _, tx := range near {
		if tx.LeadID != "" && tx.LeadID != l.ID {
			continue
		}
		if tx.Gross().Neg().Equal(l.Cost) {
			match = append(match, tx)
		}
	}
	if len(match) != 1 {
		return decimal.Zero, "", fmt.Errorf("%w: %d charges of %s near %s", ErrUnreconciledRefund, len(match), l.Cost.StringFixed(2), l.CreatedAt.Format(time.RFC3339))
	}
	return match[0].Gross().Neg(), match[0].ID, nil
}

func isChargeFor(tx wallet.Transaction, l leads.Lead) bool {
	return tx.UserID == l.UserID &&
		tx.Type == wallet.TypeLeadAssignment &&
		tx.Status == wallet.StatusCompleted &&
		(tx.LeadID == "" || tx.LeadID == l.ID)
}

func (s *Service) decided(ctx context.Context, actor audit.Actor, l leads.Lead, refundTxID, msg string) {
	if s.audit == nil {
		return
	}
	if err := s.audit.LogReturnDecision(ctx, actor, l.UserID, l.ID, refundTxID, msg); err != nil {
		s.log.Warn("audit append failed", "err", err)
	}
}

func (s *Service) record(ctx context.Context, typ audit.EventType, l leads.Lead, txID, msg string) {
	if s.audit == nil {
		return
	}
	if err := s.audit.LogSystem(ctx, typ, l.UserID, l.ID, txID, msg); err != nil {
		s.log.Warn("audit append failed", "err", err)
	}
}
