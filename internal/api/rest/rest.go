package rest

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/feral-file/ff-ecash-ledger/internal/api/middleware"
)

// SetupRoutes configures all REST API routes
func SetupRoutes(router *gin.Engine, handler Handler, authCfg middleware.AuthConfig) {
	// Health and metrics (no auth, no version prefix)
	router.GET("/health", handler.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		// Owner endpoints: a JWT must name the owner, an API key may act for any owner
		owners := v1.Group("/owners/:owner_id", middleware.Auth(authCfg))
		owners.GET("/balances", handler.GetBalances)
		owners.POST("/melt", handler.Melt)
		owners.GET("/journal", handler.GetJournal)

		// Operator endpoints
		ops := v1.Group("", middleware.APIKeyAuth(authCfg))
		ops.POST("/journal/:id/resolve", handler.ResolveJournalEntry)
		ops.GET("/migrations", handler.ListMigrations)
		ops.GET("/migrations/:name", handler.GetMigration)
		ops.GET("/migrations/:name/preview", handler.PreviewMigration)
	}
}
