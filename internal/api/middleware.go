package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"relay-gateway/internal/auth"
	"relay-gateway/internal/logger"
	"relay-gateway/internal/models"
)

const clientKeyContextKey = "client_key"

// extractAPIKey 从请求头提取客户侧 Key
// 兼容 Anthropic 风格（x-api-key）与 OpenAI 风格（Authorization: Bearer）
func extractAPIKey(c *gin.Context) string {
	if key := c.GetHeader("x-api-key"); key != "" {
		return key
	}
	authHeader := c.GetHeader("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimPrefix(authHeader, "Bearer ")
	}
	return ""
}

// requireClientKey 客户 Key 鉴权中间件
func (s *Server) requireClientKey() gin.HandlerFunc {
	return func(c *gin.Context) {
		apiKey := extractAPIKey(c)
		if apiKey == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{"type": "authentication_error", "message": "missing api key"},
			})
			return
		}

		key, err := s.db.GetClientKeyByAPIKey(c.Request.Context(), apiKey)
		if err != nil {
			logger.Error("鉴权: 查询客户Key失败 - %v", err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error": gin.H{"type": "api_error", "message": "internal error"},
			})
			return
		}
		if key == nil || !key.Enabled {
			logger.Warn("鉴权: 客户Key无效或已禁用 - %s", auth.GetAPIKeyPrefix(apiKey))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{"type": "authentication_error", "message": "invalid api key"},
			})
			return
		}

		c.Set(clientKeyContextKey, key)
		c.Next()
	}
}

// clientKeyFromContext 取出鉴权中间件放入的客户 Key
func clientKeyFromContext(c *gin.Context) *models.ClientKey {
	value, ok := c.Get(clientKeyContextKey)
	if !ok {
		return nil
	}
	key, _ := value.(*models.ClientKey)
	return key
}

// rateLimitMiddleware 按客户 Key 做每分钟请求数限流
func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := clientKeyFromContext(c)
		if key == nil {
			c.Next()
			return
		}

		result := s.rateLimiter.Allow(key.ID, key.RateLimitRPM)
		if !result.Allowed {
			logger.Warn("限流: 客户Key超出速率限制 - %s (%d/%d)", key.Name, result.Count, result.Limit)
			c.Header("Retry-After", "60")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": gin.H{"type": "rate_limit_error", "message": "rate limit exceeded"},
			})
			return
		}
		c.Next()
	}
}

// concurrencyMiddleware 维护客户 Key 在途请求计数
// 计数器带兜底 TTL，进程异常退出后自动归零
func (s *Server) concurrencyMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := clientKeyFromContext(c)
		if key == nil {
			c.Next()
			return
		}

		counterKey := "concurrency:" + key.ID
		s.store.Incr(counterKey, s.cfg.ConcurrencyTTL())
		defer s.store.DecrClamp(counterKey)
		c.Next()
	}
}

// requireAdmin 管理端鉴权，密钥未配置时全部拒绝
func (s *Server) requireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		adminKey := s.cfg.Server.AdminKey
		if adminKey == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "admin endpoints disabled",
			})
			return
		}

		authHeader := c.GetHeader("Authorization")
		token := strings.TrimPrefix(authHeader, "Bearer ")
		if token == "" || token != adminKey {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "invalid admin key",
			})
			return
		}
		c.Next()
	}
}
