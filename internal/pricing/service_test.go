package pricing

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func newRepo() *MemoryRepo {
	r := &MemoryRepo{}
	r.Put(Campaign{ID: "c1", UserID: "u1", Name: "Roofing", BidPrice: decimal.RequireFromString("12.345"), FilterSetID: "fs-1", Status: CampaignActive})
	r.Put(Campaign{ID: "c2", UserID: "u1", Name: "Paused", BidPrice: decimal.NewFromInt(5), FilterSetID: "fs-2", Status: CampaignPaused})
	r.Put(Campaign{ID: "c3", UserID: "u2", Name: "Solar", BidPrice: decimal.NewFromInt(30), FundingPolicy: FundingPayAsYouGo, FilterSetID: "fs-2", Status: CampaignActive})
	return r
}

func TestQuoteLead(t *testing.T) {
	s := NewService(newRepo())
	q, err := s.QuoteLead(context.Background(), "c1")
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if !q.Cost.Equal(decimal.RequireFromString("12.35")) {
		t.Fatalf("expected 12.35, got %s", q.Cost)
	}
	if q.FundingPolicy != FundingPrepaid {
		t.Fatalf("expected prepaid default, got %s", q.FundingPolicy)
	}

	if _, err := s.QuoteLead(context.Background(), "c2"); !errors.Is(err, ErrCampaignInactive) {
		t.Fatalf("expected ErrCampaignInactive, got %v", err)
	}
	if _, err := s.QuoteLead(context.Background(), "nope"); !errors.Is(err, ErrPricingNotFound) {
		t.Fatalf("expected ErrPricingNotFound, got %v", err)
	}
	if _, err := s.QuoteLead(context.Background(), ""); !errors.Is(err, ErrInvalidPricingReq) {
		t.Fatalf("expected ErrInvalidPricingReq, got %v", err)
	}
}

func TestQuoteFilterSetPrefersActiveCampaign(t *testing.T) {
	s := NewService(newRepo())
	q, err := s.QuoteFilterSet(context.Background(), "fs-2")
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if q.CampaignID != "c3" || q.FundingPolicy != FundingPayAsYouGo {
		t.Fatalf("expected active pay-as-you-go campaign c3, got %+v", q)
	}
}
