package httpapi

import (
	"net/http"
	"strings"

	"leadmarket-platform/internal/gateway"
	"leadmarket-platform/internal/wallet"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

// GetWallet returns the caller's balance, stored cards and auto top-up settings.
func (h Handlers) GetWallet(c *gin.Context) {
	if h.Wallet == nil {
		notConfigured(c, "wallet")
		return
	}
	uid, ok := currentUser(c)
	if !ok {
		return
	}
	w, err := h.Wallet.GetWallet(c.Request.Context(), uid)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, w)
}

func (h Handlers) ListTransactions(c *gin.Context) {
	if h.Wallet == nil {
		notConfigured(c, "wallet")
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
	f := wallet.Filter{From: from, To: to, LeadID: c.Query("lead_id")}
	for _, t := range splitList(c.Query("type")) {
		f.Types = append(f.Types, wallet.TransactionType(strings.ToUpper(t)))
	}
	for _, s := range splitList(c.Query("status")) {
		f.Statuses = append(f.Statuses, wallet.TransactionStatus(strings.ToUpper(s)))
	}

	page, err := h.Wallet.ListTransactions(c.Request.Context(), uid, queryInt(c, "page", 1), queryInt(c, "limit", 50), f)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func splitList(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

type addCardRequest struct {
	Card        gateway.CardDetails `json:"card"`
	MakeDefault bool                `json:"make_default"`
}

func (h Handlers) AddPaymentMethod(c *gin.Context) {
	if h.Cards == nil {
		notConfigured(c, "cards")
		return
	}
	uid, ok := currentUser(c)
	if !ok {
		return
	}
	var req addCardRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	pm, err := h.Cards.AddCard(c.Request.Context(), uid, req.Card, req.MakeDefault)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, pm)
}

func (h Handlers) RemovePaymentMethod(c *gin.Context) {
	if h.Cards == nil {
		notConfigured(c, "cards")
		return
	}
	uid, ok := currentUser(c)
	if !ok {
		return
	}
	if err := h.Cards.RemoveCard(c.Request.Context(), uid, c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h Handlers) SetDefaultPaymentMethod(c *gin.Context) {
	if h.Cards == nil {
		notConfigured(c, "cards")
		return
	}
	uid, ok := currentUser(c)
	if !ok {
		return
	}
	pm, err := h.Cards.SetDefault(c.Request.Context(), uid, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, pm)
}

type autoTopUpRequest struct {
	Enabled   bool            `json:"enabled"`
	Threshold decimal.Decimal `json:"threshold"`
	Amount    decimal.Decimal `json:"top_up_amount"`
	Mode      string          `json:"payment_mode,omitempty"`
}

func (h Handlers) UpdateAutoTopUp(c *gin.Context) {
	if h.Wallet == nil {
		notConfigured(c, "wallet")
		return
	}
	uid, ok := currentUser(c)
	if !ok {
		return
	}
	var req autoTopUpRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	out, err := h.Wallet.UpdateAutoTopUp(c.Request.Context(), uid, wallet.AutoTopUp{
		Enabled:     req.Enabled,
		Threshold:   req.Threshold,
		Amount:      req.Amount,
		PaymentMode: wallet.PaymentMode(strings.ToUpper(req.Mode)),
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}
