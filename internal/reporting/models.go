package reporting

import (
	"time"

	"github.com/shopspring/decimal"
)

type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

func (r TimeRange) valid() bool {
	return !r.From.IsZero() && !r.To.IsZero() && r.To.After(r.From)
}

// SpendSummaryRequest requests a buyer's spend over a period.
// Spend is derived from COMPLETED ledger rows only.
type SpendSummaryRequest struct {
	UserID string    `json:"user_id"`
	Range  TimeRange `json:"range"`
}

type SpendSummary struct {
	UserID string    `json:"user_id"`
	Range  TimeRange `json:"range"`

	LeadsPurchased int             `json:"leads_purchased"`
	FreeLeads      int             `json:"free_leads"`
	LeadSpend      decimal.Decimal `json:"lead_spend"`
	BalanceSpend   decimal.Decimal `json:"balance_spend"`
	CardSpend      decimal.Decimal `json:"card_spend"`
	RefundCredit   decimal.Decimal `json:"refund_credit_used"`

	Deposits      decimal.Decimal `json:"deposits"`
	CardTopUps    decimal.Decimal `json:"card_top_ups"`
	Refunds       decimal.Decimal `json:"refunds"`
	ManualCharges decimal.Decimal `json:"manual_charges"`

	// NetDelta is the change in balance over the period.
	NetDelta decimal.Decimal `json:"net_delta"`

	LeadsReturned int `json:"leads_returned"`
}

// Reconciliation compares a wallet against its ledger and its leads.
type Reconciliation struct {
	UserID    string          `json:"user_id"`
	Balance   decimal.Decimal `json:"balance"`
	LedgerSum decimal.Decimal `json:"ledger_sum"`
	Drift     decimal.Decimal `json:"drift"`

	PendingTransactions []string `json:"pending_transactions,omitempty"`
	// ChargesWithoutLead lists COMPLETED lead charges whose lead row is missing.
	ChargesWithoutLead []string `json:"charges_without_lead,omitempty"`
	// LeadsWithoutCharge lists leads whose charge row is missing or not COMPLETED.
	LeadsWithoutCharge []string `json:"leads_without_charge,omitempty"`
	// DuplicateCharges lists leads with more than one COMPLETED charge.
	DuplicateCharges []string `json:"duplicate_charges,omitempty"`

	Consistent bool      `json:"consistent"`
	CheckedAt  time.Time `json:"checked_at"`
}
