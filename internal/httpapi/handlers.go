package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"leadmarket-platform/internal/audit"
	"leadmarket-platform/internal/auth"
	"leadmarket-platform/internal/billing"
	"leadmarket-platform/internal/cards"
	"leadmarket-platform/internal/gateway"
	"leadmarket-platform/internal/leads"
	"leadmarket-platform/internal/pricing"
	"leadmarket-platform/internal/rbac"
	"leadmarket-platform/internal/reporting"
	"leadmarket-platform/internal/retry"
	"leadmarket-platform/internal/returns"
	"leadmarket-platform/internal/wallet"
	"leadmarket-platform/pkg/logger"

	"github.com/gin-gonic/gin"
)

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Auth *auth.Manager
	// DevLogin enables the credential-less token endpoint for local runs.
	DevLogin bool

	Wallet  *wallet.Service
	Biller  *billing.Biller
	Cards   *cards.Service
	Returns *returns.Service
	Leads   leads.Repository
	Reports *reporting.Service
	Retry   *retry.Scheduler
	Audit   *audit.Service
}

// --- Auth ---

type loginRequest struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
}

// Login issues a JWT token pair.
//
// NOTE: dev-only. Real deployments issue tokens from the identity service.
func (h Handlers) Login(c *gin.Context) {
	if h.Auth == nil || !h.DevLogin {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "not found"})
		return
	}
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.UserID == "" || !rbac.Valid(req.Role) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "user_id and a valid role required"})
		return
	}
	pair, err := h.Auth.IssuePair(time.Now(), req.UserID, req.Role)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"access_token": pair.AccessToken, "refresh_token": pair.RefreshToken})
}

func (h Handlers) Me(c *gin.Context) {
	uid, _ := auth.UserID(c.Request.Context())
	role, _ := auth.Role(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"user_id": uid, "role": role})
}

// --- helpers ---

func currentUser(c *gin.Context) (string, bool) {
	uid, err := auth.UserID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "user_id required"})
		return "", false
	}
	return uid, true
}

func actor(c *gin.Context) audit.Actor {
	uid, _ := auth.UserID(c.Request.Context())
	role, _ := auth.Role(c.Request.Context())
	return audit.Actor{UserID: uid, Role: role}
}

func queryInt(c *gin.Context, key string, def int) int {
	v, err := strconv.Atoi(c.Query(key))
	if err != nil {
		return def
	}
	return v
}

func queryTime(c *gin.Context, key string) (time.Time, bool) {
	raw := c.Query(key)
	if raw == "" {
		return time.Time{}, true
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": key + " must be RFC3339"})
		return time.Time{}, false
	}
	return t, true
}

func notConfigured(c *gin.Context, what string) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": what + " not configured"})
}

// writeError maps domain errors to status codes. Unknown errors are logged
// and hidden behind a generic 500.
func writeError(c *gin.Context, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		logger.FromGin(c).Error("request failed", "err", err)
		_ = c.Error(err)
		c.AbortWithStatusJSON(status, gin.H{"error": "internal error"})
		return
	}
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, wallet.ErrInvalidArgument),
		errors.Is(err, gateway.ErrValidation),
		errors.Is(err, pricing.ErrInvalidPricingReq),
		errors.Is(err, reporting.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, wallet.ErrNotFound),
		errors.Is(err, leads.ErrNotFound),
		errors.Is(err, pricing.ErrPricingNotFound):
		return http.StatusNotFound
	case errors.Is(err, wallet.ErrInsufficientFunds),
		errors.Is(err, billing.ErrInsufficientFundsAndChargeFailed),
		errors.Is(err, billing.ErrGatewayDeclined),
		errors.Is(err, gateway.ErrDeclined):
		return http.StatusPaymentRequired
	case errors.Is(err, wallet.ErrConcurrencyConflict),
		errors.Is(err, wallet.ErrIdempotencyViolation),
		errors.Is(err, wallet.ErrInvalidTransition),
		errors.Is(err, returns.ErrAlreadyApproved),
		errors.Is(err, returns.ErrInvalidTransition),
		errors.Is(err, returns.ErrUnreconciledRefund),
		errors.Is(err, pricing.ErrCampaignInactive),
		errors.Is(err, billing.ErrLeadReversed):
		return http.StatusConflict
	case errors.Is(err, billing.ErrGatewayUnreachable),
		errors.Is(err, gateway.ErrUnreachable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
