package billing

import (
	"leadmarket-platform/internal/pricing"
	"leadmarket-platform/internal/wallet"

	"github.com/shopspring/decimal"
)

// Decision is the funding source chosen for one lead purchase.
type Decision string

const (
	DecisionFree    Decision = "FREE"
	DecisionBalance Decision = "BALANCE"
	DecisionCard    Decision = "CARD"
	DecisionReject  Decision = "REJECT"
)

// Decide is the single funding decision table for lead purchases:
//
//	cost == 0                          -> FREE
//	PREPAID, balance+refund >= cost    -> BALANCE
//	PREPAID, short, stored card        -> CARD
//	PAY_AS_YOU_GO, stored card         -> CARD
//	PAY_AS_YOU_GO, no card, enough     -> BALANCE
//	otherwise                          -> REJECT
func Decide(policy pricing.FundingPolicy, cost decimal.Decimal, snap wallet.Snapshot) Decision {
	if cost.IsZero() {
		return DecisionFree
	}
	sufficient := snap.Available().GreaterThanOrEqual(cost)
	switch policy {
	case pricing.FundingPayAsYouGo:
		if snap.HasStoredCard {
			return DecisionCard
		}
		if sufficient {
			return DecisionBalance
		}
	default:
		if sufficient {
			return DecisionBalance
		}
		if snap.HasStoredCard {
			return DecisionCard
		}
	}
	return DecisionReject
}
