package reporting

import (
	"context"
	"errors"
	"sort"
	"time"

	"leadmarket-platform/internal/leads"
	"leadmarket-platform/internal/wallet"
)

var ErrInvalidRequest = errors.New("reporting: invalid request")

// Repository abstracts data access for reporting.
//
// Implementations read the immutable ledger; reports never write.
// A zero from/to means unbounded.
type Repository interface {
	Wallet(ctx context.Context, userID string) (wallet.Wallet, error)
	Transactions(ctx context.Context, userID string, from, to time.Time) ([]wallet.Transaction, error)
	Leads(ctx context.Context, userID string, from, to time.Time) ([]leads.Lead, error)
}

type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service { return &Service{repo: repo, clock: time.Now} }

func (s *Service) SpendSummary(ctx context.Context, req SpendSummaryRequest) (SpendSummary, error) {
	if req.UserID == "" || !req.Range.valid() {
		return SpendSummary{}, ErrInvalidRequest
	}
	if s.repo == nil {
		return SpendSummary{}, errors.New("reporting: repository not configured")
	}

	rows, err := s.repo.Transactions(ctx, req.UserID, req.Range.From, req.Range.To)
	if err != nil {
		return SpendSummary{}, err
	}
	out := SpendSummary{UserID: req.UserID, Range: req.Range}
	for _, tx := range rows {
		if tx.Status != wallet.StatusCompleted {
			continue
		}
		out.NetDelta = out.NetDelta.Add(tx.Amount)
		switch tx.Type {
		case wallet.TypeLeadAssignment:
			cost := tx.Gross().Neg()
			out.LeadsPurchased++
			if cost.IsZero() {
				out.FreeLeads++
			}
			out.LeadSpend = out.LeadSpend.Add(cost)
			out.RefundCredit = out.RefundCredit.Add(tx.RefundCreditUsed)
			if tx.FundingMethod == wallet.FundingCard {
				out.CardSpend = out.CardSpend.Add(cost)
			} else {
				out.BalanceSpend = out.BalanceSpend.Add(tx.Amount.Neg())
			}
		case wallet.TypeAddFunds, wallet.TypeAutoTopUp:
			switch {
			case tx.FundingMethod == wallet.FundingCard && tx.LeadID != "":
				// funding leg of a card-paid lead, already counted as card spend
			case tx.FundingMethod == wallet.FundingCard || tx.Type == wallet.TypeAutoTopUp:
				out.CardTopUps = out.CardTopUps.Add(tx.Amount)
			default:
				out.Deposits = out.Deposits.Add(tx.Amount)
			}
		case wallet.TypeRefund:
			out.Refunds = out.Refunds.Add(tx.Amount)
		case wallet.TypeManualCharge:
			out.ManualCharges = out.ManualCharges.Add(tx.Amount.Neg())
		}
	}

	ls, err := s.repo.Leads(ctx, req.UserID, req.Range.From, req.Range.To)
	if err != nil {
		return SpendSummary{}, err
	}
	for _, l := range ls {
		if l.ReturnStatus == leads.ReturnApproved {
			out.LeadsReturned++
		}
	}
	return out, nil
}

// Reconcile checks the money invariants for one wallet over its whole history.
func (s *Service) Reconcile(ctx context.Context, userID string) (Reconciliation, error) {
	if userID == "" {
		return Reconciliation{}, ErrInvalidRequest
	}
	if s.repo == nil {
		return Reconciliation{}, errors.New("reporting: repository not configured")
	}
	w, err := s.repo.Wallet(ctx, userID)
	if err != nil {
		return Reconciliation{}, err
	}
	rows, err := s.repo.Transactions(ctx, userID, time.Time{}, time.Time{})
	if err != nil {
		return Reconciliation{}, err
	}
	ls, err := s.repo.Leads(ctx, userID, time.Time{}, time.Time{})
	if err != nil {
		return Reconciliation{}, err
	}

	out := Reconciliation{UserID: userID, Balance: w.Balance, CheckedAt: s.clock().UTC()}
	byID := make(map[string]wallet.Transaction, len(rows))
	charges := map[string]int{}
	for _, tx := range rows {
		byID[tx.ID] = tx
		switch tx.Status {
		case wallet.StatusCompleted:
			out.LedgerSum = out.LedgerSum.Add(tx.Amount)
			if tx.Type == wallet.TypeLeadAssignment && tx.LeadID != "" {
				charges[tx.LeadID]++
			}
		case wallet.StatusPending:
			out.PendingTransactions = append(out.PendingTransactions, tx.ID)
		}
	}
	out.Drift = w.Balance.Sub(out.LedgerSum)

	known := make(map[string]bool, len(ls))
	for _, l := range ls {
		known[l.ID] = true
		if l.TransactionID == "" {
			continue
		}
		tx, ok := byID[l.TransactionID]
		if !ok || tx.Status != wallet.StatusCompleted {
			out.LeadsWithoutCharge = append(out.LeadsWithoutCharge, l.ID)
		}
	}
	for leadID, n := range charges {
		if !known[leadID] {
			out.ChargesWithoutLead = append(out.ChargesWithoutLead, leadID)
		}
		if n > 1 {
			out.DuplicateCharges = append(out.DuplicateCharges, leadID)
		}
	}
	sort.Strings(out.ChargesWithoutLead)
	sort.Strings(out.DuplicateCharges)

	out.Consistent = out.Drift.IsZero() &&
		len(out.ChargesWithoutLead) == 0 &&
		len(out.LeadsWithoutCharge) == 0 &&
		len(out.DuplicateCharges) == 0
	return out, nil
}

