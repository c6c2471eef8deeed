package httpapi

import (
	"net/http"
	"time"

	"leadmarket-platform/internal/billing"
	"leadmarket-platform/internal/leads"
	"leadmarket-platform/internal/reporting"

	"github.com/gin-gonic/gin"
)

type purchaseRequest struct {
	CampaignID string        `json:"campaign_id"`
	LeadID     string        `json:"lead_id,omitempty"`
	Source     string        `json:"source,omitempty"`
	Contact    leads.Contact `json:"contact"`
}

// PurchaseLead bills a lead to one of the caller's campaigns.
func (h Handlers) PurchaseLead(c *gin.Context) {
	if h.Biller == nil {
		notConfigured(c, "billing")
		return
	}
	uid, ok := currentUser(c)
	if !ok {
		return
	}
	var req purchaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.CampaignID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "campaign_id required"})
		return
	}
	source := req.Source
	if source == "" {
		source = "api"
	}
	res, err := h.Biller.BillLead(c.Request.Context(), billing.Request{
		CampaignID: req.CampaignID,
		LeadID:     req.LeadID,
		Source:     source,
		Contact:    req.Contact,
		BuyerID:    uid,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	c.JSON(status, res)
}

func (h Handlers) ListLeads(c *gin.Context) {
	if h.Leads == nil {
		notConfigured(c, "leads")
		return
	}
	uid, ok := currentUser(c)
	if !ok {
		return
	}
	page := max(queryInt(c, "page", 1), 1)
	limit := queryInt(c, "limit", 50)
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	items, total, err := h.Leads.ListByUser(c.Request.Context(), uid, (page-1)*limit, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	if items == nil {
		items = []leads.Lead{}
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "total": total, "page": page, "limit": limit})
}

type returnRequest struct {
	Reason string `json:"reason"`
}

func (h Handlers) RequestReturn(c *gin.Context) {
	if h.Returns == nil {
		notConfigured(c, "returns")
		return
	}
	uid, ok := currentUser(c)
	if !ok {
		return
	}
	var req returnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	l, err := h.Returns.RequestReturn(c.Request.Context(), c.Param("id"), uid, req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, l)
}

// SpendSummary defaults to the last 30 days.
func (h Handlers) SpendSummary(c *gin.Context) {
	if h.Reports == nil {
		notConfigured(c, "reporting")
		return
	}
	uid, ok := currentUser(c)
	if !ok {
		return
	}
	from, ok := queryTime(c, "from")
	if !ok {
		return
	}
	to, ok := queryTime(c, "to")
	if !ok {
		return
	}
	if to.IsZero() {
		to = time.Now().UTC()
	}
	if from.IsZero() {
		from = to.AddDate(0, 0, -30)
	}
	out, err := h.Reports.SpendSummary(c.Request.Context(), reporting.SpendSummaryRequest{
		UserID: uid,
		Range:  reporting.TimeRange{From: from, To: to},
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}
