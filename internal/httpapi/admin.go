package httpapi

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

func (h Handlers) ApproveReturn(c *gin.Context) {
	if h.Returns == nil {
		notConfigured(c, "returns")
		return
	}
	l, err := h.Returns.ApproveReturn(c.Request.Context(), c.Param("id"), actor(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, l)
}

func (h Handlers) RejectReturn(c *gin.Context) {
	if h.Returns == nil {
		notConfigured(c, "returns")
		return
	}
	var req returnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	l, err := h.Returns.RejectReturn(c.Request.Context(), c.Param("id"), actor(c), req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, l)
}

func (h Handlers) DirectReturn(c *gin.Context) {
	if h.Returns == nil {
		notConfigured(c, "returns")
		return
	}
	var req returnRequest
	// body is optional
	_ = c.ShouldBindJSON(&req)
	l, err := h.Returns.DirectReturn(c.Request.Context(), c.Param("id"), actor(c), req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, l)
}

func (h Handlers) ReconcileWallet(c *gin.Context) {
	if h.Reports == nil {
		notConfigured(c, "reporting")
		return
	}
	rec, err := h.Reports.Reconcile(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

type adjustRequest struct {
	Amount         decimal.Decimal `json:"amount"`
	Reason         string          `json:"reason"`
	IdempotencyKey string          `json:"idempotency_key"`
}

// AdminAdjust books an operator correction against a buyer's wallet.
func (h Handlers) AdminAdjust(c *gin.Context) {
	if h.Wallet == nil {
		notConfigured(c, "wallet")
		return
	}
	var req adjustRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	userID := c.Param("user_id")
	tx, err := h.Wallet.AdminAdjust(c.Request.Context(), userID, req.Amount, req.Reason, req.IdempotencyKey)
	if err != nil {
		writeError(c, err)
		return
	}
	if h.Audit != nil {
		msg := fmt.Sprintf("wallet adjusted by %s: %s", req.Amount.StringFixed(2), req.Reason)
		if err := h.Audit.LogAdminAction(c.Request.Context(), actor(c), userID, msg, tx.ID); err != nil {
			_ = c.Error(err)
		}
	}
	c.JSON(http.StatusOK, tx)
}

// RunRetry triggers one scheduler pass now. An overlapping run reports skipped.
func (h Handlers) RunRetry(c *gin.Context) {
	if h.Retry == nil {
		notConfigured(c, "retry scheduler")
		return
	}
	report, err := h.Retry.RunOnce(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}
