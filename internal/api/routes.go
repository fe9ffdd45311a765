package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"relay-gateway/internal/models"
)

// setupRoutes 注册全部路由
func (s *Server) setupRoutes(r *gin.Engine) {
	r.GET("/healthz", s.handleHealthCheck)
	r.GET("/version", s.handleVersion)

	// 转发端点：客户 Key 鉴权 -> 限流 -> 并发计数
	v1 := r.Group("/v1")
	v1.Use(s.requireClientKey(), s.rateLimitMiddleware(), s.concurrencyMiddleware())
	{
		v1.POST("/messages", s.handleRelay(models.FamilyAnthropic))
		v1.POST("/messages/count_tokens", s.handleCountTokens)
		v1.POST("/chat/completions", s.handleRelay(models.FamilyOpenAI))
		v1.POST("/responses", s.handleRelay(models.FamilyOpenAI))
	}

	// 管理端点
	admin := r.Group("/v2")
	admin.Use(s.requireAdmin())
	{
		accounts := admin.Group("/accounts")
		{
			accounts.GET("", s.handleAccountList)
			accounts.POST("", s.handleAccountCreate)
			accounts.GET("/:id", s.handleAccountGet)
			accounts.PUT("/:id", s.handleAccountUpdate)
			accounts.DELETE("/:id", s.handleAccountDelete)
			accounts.POST("/:id/refresh", s.handleAccountRefresh)
			accounts.GET("/:id/pool", s.handlePoolEntryList)
			accounts.POST("/:id/pool", s.handlePoolEntryAdd)
			accounts.DELETE("/:id/pool/:entryId", s.handlePoolEntryDelete)
			accounts.GET("/:id/usage", s.handleAccountUsage)
		}

		keys := admin.Group("/keys")
		{
			keys.GET("", s.handleClientKeyList)
			keys.POST("", s.handleClientKeyCreate)
			keys.GET("/:id", s.handleClientKeyGet)
			keys.PUT("/:id", s.handleClientKeyUpdate)
			keys.DELETE("/:id", s.handleClientKeyDelete)
			keys.GET("/:id/usage", s.handleClientKeyUsage)
		}

		proxies := admin.Group("/proxies")
		{
			proxies.GET("", s.handleProxyList)
			proxies.POST("", s.handleProxyCreate)
			proxies.PUT("/:id", s.handleProxyUpdate)
			proxies.DELETE("/:id", s.handleProxyDelete)
		}

		admin.GET("/stats", s.handleStats)
	}
}

// handleHealthCheck 健康检查
func (s *Server) handleHealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleVersion 返回版本信息
func (s *Server) handleVersion(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"version": s.version})
}
