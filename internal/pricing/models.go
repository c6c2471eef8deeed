package pricing

import (
	"time"

	"github.com/shopspring/decimal"
)

// Campaign is a buyer's lead order. Only the fields billing needs are modeled;
// campaign management lives elsewhere.
type Campaign struct {
	ID     string `json:"id" db:"id"`
	UserID string `json:"user_id" db:"user_id"`
	Name   string `json:"name" db:"name"`

	// BidPrice is what one delivered lead costs the buyer.
	BidPrice decimal.Decimal `json:"bid_price" db:"bid_price"`

	FundingPolicy FundingPolicy `json:"funding_policy" db:"funding_policy"`

	// FilterSetID maps inbound exchange leads to this campaign.
	FilterSetID string `json:"filter_set_id,omitempty" db:"filter_set_id"`

	Status CampaignStatus `json:"status" db:"status"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// FundingPolicy decides which funding source a lead purchase tries first.
type FundingPolicy string

const (
	// FundingPrepaid draws on balance and falls back to the stored card.
	FundingPrepaid FundingPolicy = "PREPAID"
	// FundingPayAsYouGo charges the stored card and falls back to balance.
	FundingPayAsYouGo FundingPolicy = "PAY_AS_YOU_GO"
)

func (p FundingPolicy) Valid() bool { return p == FundingPrepaid || p == FundingPayAsYouGo }

type CampaignStatus string

const (
	CampaignActive CampaignStatus = "active"
	CampaignPaused CampaignStatus = "paused"
)
