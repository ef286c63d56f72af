package api

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/rawblock/tradeloop-engine/internal/db"
	"github.com/rawblock/tradeloop-engine/internal/dispatch"
	"github.com/rawblock/tradeloop-engine/internal/tenant"
	"github.com/rawblock/tradeloop-engine/internal/webhook"
)

// RouterConfig carries the API-level knobs from the process config.
type RouterConfig struct {
	AdminAPIKey    string
	AllowedOrigins string
}

func SetupRouter(cfg RouterConfig, registry *tenant.Registry, dispatcher *dispatch.Dispatcher,
	webhooks *webhook.Dispatcher, dbStore *db.PostgresStore, wsHub *Hub) *gin.Engine {
	r := gin.Default()

	// CORS — configurable via ALLOWED_ORIGINS.
	// Production: ALLOWED_ORIGINS=https://app.example.com,https://www.example.com
	// Development: leave empty for *
	allowedOrigins := cfg.AllowedOrigins
	r.Use(func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if allowedOrigins == "" || allowedOrigins == "*" {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		} else {
			for _, allowed := range strings.Split(allowedOrigins, ",") {
				if strings.TrimSpace(allowed) == origin {
					c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
					break
				}
			}
		}
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	})
	r.Use(RequestID())

	handler := &APIHandler{
		registry:   registry,
		dispatcher: dispatcher,
		webhooks:   webhooks,
		dbStore:    dbStore,
		wsHub:      wsHub,
		startedAt:  time.Now(),
	}

	// Pre-auth brute-force guard on credentialed routes.
	guard := NewIPLimiter(600, 120).Middleware()

	api := r.Group("/api/v1")
	{
		api.GET("/health", handler.handleHealth)

		admin := api.Group("/admin", guard, AdminAuth(cfg.AdminAPIKey))
		{
			admin.POST("/tenants", handler.handleCreateTenant)
			admin.GET("/tenants", handler.handleListTenants)
			admin.GET("/tenants/:id", handler.handleGetTenant)
			admin.PUT("/tenants/:id", handler.handleUpdateTenant)
			admin.DELETE("/tenants/:id", handler.handleDeleteTenant)
			admin.POST("/tenants/:id/regenerate-key", handler.handleRegenerateKey)
		}

		authed := api.Group("", guard, TenantAuth(registry))
		{
			authed.POST("/inventory/submit", handler.handleSubmitInventory)
			authed.POST("/wants/submit", handler.handleSubmitWants)
			authed.POST("/discovery/trades", handler.handleDiscoverTrades)

			authed.DELETE("/wallets/:walletId", handler.handleRemoveWallet)
			authed.DELETE("/inventory/:assetId", handler.handleRemoveAsset)
			authed.DELETE("/wants/:walletId/:assetId", handler.handleRemoveWant)

			authed.GET("/status", handler.handleStatus)
			authed.GET("/webhooks/dead-letters", handler.handleDeadLetters)
			authed.GET("/stream", wsHub.Subscribe)
		}
	}

	return r
}
