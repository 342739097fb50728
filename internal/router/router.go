// Package router assembles the gin engines for both binaries.
package router

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"zkpulse-backend/internal/config"
	"zkpulse-backend/internal/handlers"
	"zkpulse-backend/internal/middleware"
)

// corsMiddleware applies the configured origin allowlist. An empty list
// allows every origin.
func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		switch {
		case allowAll:
			c.Header("Access-Control-Allow-Origin", "*")
		case origin != "":
			for _, allowed := range allowedOrigins {
				if strings.TrimSpace(allowed) == origin {
					c.Header("Access-Control-Allow-Origin", origin)
					break
				}
			}
		}

		if c.Request.Method == http.MethodOptions {
			c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
			c.Header("Access-Control-Max-Age", "3600")
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// NewAPIRouter builds the wallet-facing server's routes.
func NewAPIRouter(cfg *config.Config, api *handlers.API, log *logrus.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(corsMiddleware(cfg.CORS.AllowedOrigins))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/ping", func(c *gin.Context) {
		c.String(http.StatusOK, "pong")
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	group := r.Group("/api")
	{
		group.POST("/deposit", api.Deposit)
		group.POST("/withdraw", api.Withdraw)
		group.GET("/relayers", api.Relayers)
		group.GET("/relayer-fee", api.RelayerFee)
	}

	admin := r.Group("/api/cache")
	admin.Use(middleware.NewIPAllowlist(log, cfg.Admin.AllowedIPs).Restrict())
	{
		admin.POST("/refresh", api.RefreshCache)
	}

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "route not found"})
	})
	return r
}

// NewRelayerRouter builds the relayer service's routes.
func NewRelayerRouter(cfg *config.Config, api *handlers.RelayerAPI, log *logrus.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(corsMiddleware(cfg.CORS.AllowedOrigins))

	r.GET("/status", api.Status)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/v1")
	{
		v1.GET("/tornadoFee", api.Fee)
		v1.POST("/tornadoWithdraw", api.Withdraw)
		v1.GET("/jobs/:jobId", api.Job)
	}

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "route not found"})
	})
	return r
}
