package exchange

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"

	"leadmarket-platform/internal/audit"
	"leadmarket-platform/internal/billing"
	"leadmarket-platform/internal/pricing"
	"leadmarket-platform/internal/wallet"
	"leadmarket-platform/pkg/logger"

	"github.com/gin-gonic/gin"
)

const SecretHeader = "X-Exchange-Secret"

type Biller interface {
	BillLead(ctx context.Context, req billing.Request) (billing.Result, error)
}

type FilterSets interface {
	QuoteFilterSet(ctx context.Context, filterSetID string) (pricing.Quote, error)
}

// WebhookHandler accepts leads pushed by a lead exchange and bills them
// synchronously, so the exchange learns from the status code whether the
// buyer took the lead.
//
// No business logic here: decisions belong to billing.
type WebhookHandler struct {
	Biller     Biller
	FilterSets FilterSets
	Secret     string
}

func (h WebhookHandler) HandleLead(c *gin.Context) {
	log := logger.FromGin(c)

	if h.Biller == nil || h.FilterSets == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "exchange webhook not configured"})
		return
	}
	got := c.GetHeader(SecretHeader)
	if h.Secret == "" || subtle.ConstantTimeCompare([]byte(got), []byte(h.Secret)) != 1 {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid secret"})
		return
	}

	var p LeadPayload
	if err := c.ShouldBindJSON(&p); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if p.FilterSetID == "" && p.CampaignID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "filter_set_id required"})
		return
	}
	if p.empty() {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "lead contact required"})
		return
	}

	ctx := audit.WithClientIP(c.Request.Context(), c.ClientIP())
	campaignID := p.CampaignID
	if campaignID == "" {
		q, err := h.FilterSets.QuoteFilterSet(ctx, p.FilterSetID)
		if err != nil {
			log.Warn("filter set resolution failed", "filter_set_id", p.FilterSetID, "err", err)
			c.AbortWithStatusJSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		campaignID = q.CampaignID
	}

	res, err := h.Biller.BillLead(ctx, billing.Request{
		CampaignID: campaignID,
		LeadID:     p.leadID(campaignID),
		Source:     sourceOr(p.Source),
		Contact:    p.Lead.contact(),
	})
	if err != nil {
		log.Info("exchange lead not billed", "campaign_id", campaignID, "err", err)
		c.AbortWithStatusJSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}

	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	c.JSON(status, gin.H{
		"lead_id":        res.Lead.ID,
		"transaction_id": res.Transaction.ID,
		"decision":       res.Decision,
		"cost":           res.Lead.Cost.StringFixed(2),
	})
}

func sourceOr(s string) string {
	if s == "" {
		return "lead-exchange"
	}
	return s
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, billing.ErrGatewayUnreachable):
		return http.StatusServiceUnavailable
	case errors.Is(err, wallet.ErrInsufficientFunds),
		errors.Is(err, billing.ErrInsufficientFundsAndChargeFailed),
		errors.Is(err, billing.ErrGatewayDeclined):
		return http.StatusPaymentRequired
	case errors.Is(err, pricing.ErrPricingNotFound), errors.Is(err, wallet.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, pricing.ErrCampaignInactive), errors.Is(err, billing.ErrLeadReversed):
		return http.StatusConflict
	case errors.Is(err, pricing.ErrInvalidPricingReq), errors.Is(err, wallet.ErrInvalidArgument):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
