package main

import (
	"database/sql"
	"net/http"
	"time"

	"leadmarket-platform/internal/exchange"
	"leadmarket-platform/internal/httpapi"
	"leadmarket-platform/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// registerRoutes wires health, metrics, the exchange webhook and the v1 API.
func registerRoutes(r *gin.Engine, db *sql.DB, h httpapi.Handlers, webhook exchange.WebhookHandler) {
	r.GET("/healthz", func(c *gin.Context) {
		if err := utils.HealthCheck(c.Request.Context(), db, 2*time.Second); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "postgres": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.POST("/webhooks/lead-exchange", webhook.HandleLead)

	httpapi.Register(r, h)
}
