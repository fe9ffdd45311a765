package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"relay-gateway/internal/models"
	"relay-gateway/internal/tokenizer"
)

// handleRelay 转发入口，按端点协议族调度并转发
func (s *Server) handleRelay(family string) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := clientKeyFromContext(c)
		if key == nil {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{"type": "authentication_error", "message": "missing api key"},
			})
			return
		}
		s.engine.Handle(c, key, family)
	}
}

// handleCountTokens 本地估算请求 token 数，不消耗上游额度
func (s *Server) handleCountTokens(c *gin.Context) {
	var req models.ClaudeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": gin.H{"type": "invalid_request_error", "message": "invalid request body"},
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"input_tokens": tokenizer.CountRequest(&req),
	})
}
