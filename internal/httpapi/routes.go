package httpapi

import (
	"leadmarket-platform/internal/audit"
	"leadmarket-platform/internal/auth"
	"leadmarket-platform/internal/rbac"

	"github.com/gin-gonic/gin"
)

// ClientIP copies the caller address into the request context for audit rows.
func ClientIP() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request = c.Request.WithContext(audit.WithClientIP(c.Request.Context(), c.ClientIP()))
		c.Next()
	}
}

// Register mounts the public, buyer and admin route groups on r.
func Register(r gin.IRouter, h Handlers) {
	v1 := r.Group("/v1")
	v1.POST("/auth/token", h.Login)

	authed := v1.Group("")
	authed.Use(auth.RequireAccessToken(h.Auth), rbac.RequireUser(), ClientIP())
	authed.GET("/me", h.Me)

	buyer := authed.Group("")
	buyer.Use(rbac.RequireAnyRole(rbac.RoleBuyer))
	{
		buyer.GET("/wallet", h.GetWallet)
		buyer.GET("/wallet/transactions", h.ListTransactions)
		buyer.POST("/wallet/payment-methods", h.AddPaymentMethod)
		buyer.DELETE("/wallet/payment-methods/:id", h.RemovePaymentMethod)
		buyer.PUT("/wallet/payment-methods/:id/default", h.SetDefaultPaymentMethod)
		buyer.PUT("/wallet/auto-top-up", h.UpdateAutoTopUp)

		buyer.POST("/leads/purchase", h.PurchaseLead)
		buyer.GET("/leads", h.ListLeads)
		buyer.POST("/leads/:id/return", h.RequestReturn)

		buyer.GET("/reports/spend", h.SpendSummary)
	}

	admin := authed.Group("/admin")
	admin.Use(rbac.RequireAnyRole(rbac.RoleAdmin))
	{
		admin.POST("/leads/:id/return/approve", h.ApproveReturn)
		admin.POST("/leads/:id/return/reject", h.RejectReturn)
		admin.POST("/leads/:id/return/direct", h.DirectReturn)

		admin.GET("/wallets/:user_id/reconcile", h.ReconcileWallet)
		admin.POST("/wallets/:user_id/adjust", h.AdminAdjust)

		admin.POST("/retry/run", h.RunRetry)
	}
}
