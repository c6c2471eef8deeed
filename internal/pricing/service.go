package pricing

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// Service resolves what a lead costs and how it is funded.
//
// Contract:
// - Pure lookups; no money moves here.
// - Costs are rounded to cents.
type Service struct {
	repo CampaignRepository
}

func NewService(repo CampaignRepository) *Service {
	return &Service{repo: repo}
}

// CampaignRepository abstracts campaign persistence.
type CampaignRepository interface {
	GetCampaign(ctx context.Context, id string) (Campaign, bool, error)
	FindByFilterSet(ctx context.Context, filterSetID string) (Campaign, bool, error)
}

// Quote is the billing input for one lead.
type Quote struct {
	CampaignID    string
	CampaignName  string
	UserID        string
	Cost          decimal.Decimal
	FundingPolicy FundingPolicy
}

var (
	ErrPricingNotFound   = errors.New("pricing not found")
	ErrInvalidPricingReq = errors.New("invalid pricing request")
	ErrCampaignInactive  = errors.New("campaign is not active")
)

// QuoteLead returns the cost and funding policy for a lead delivered to campaignID.
func (s *Service) QuoteLead(ctx context.Context, campaignID string) (Quote, error) {
	if campaignID == "" {
		return Quote{}, ErrInvalidPricingReq
	}
	c, ok, err := s.repo.GetCampaign(ctx, campaignID)
	if err != nil {
		return Quote{}, err
	}
	if !ok {
		return Quote{}, ErrPricingNotFound
	}
	return quote(c)
}

// QuoteFilterSet resolves an exchange filter set to its campaign and quotes it.
func (s *Service) QuoteFilterSet(ctx context.Context, filterSetID string) (Quote, error) {
	if filterSetID == "" {
		return Quote{}, ErrInvalidPricingReq
	}
	c, ok, err := s.repo.FindByFilterSet(ctx, filterSetID)
	if err != nil {
		return Quote{}, err
	}
	if !ok {
		return Quote{}, ErrPricingNotFound
	}
	return quote(c)
}

func quote(c Campaign) (Quote, error) {
	if c.Status != CampaignActive {
		return Quote{}, fmt.Errorf("%w: %s", ErrCampaignInactive, c.ID)
	}
	if c.BidPrice.IsNegative() {
		return Quote{}, fmt.Errorf("%w: negative bid price", ErrInvalidPricingReq)
	}
	policy := c.FundingPolicy
	if policy == "" {
		policy = FundingPrepaid
	}
	if !policy.Valid() {
		return Quote{}, fmt.Errorf("%w: funding policy %q", ErrInvalidPricingReq, policy)
	}
	return Quote{
		CampaignID:    c.ID,
		CampaignName:  c.Name,
		UserID:        c.UserID,
		Cost:          c.BidPrice.Round(2),
		FundingPolicy: policy,
	}, nil
}
