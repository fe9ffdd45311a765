package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"relay-gateway/internal/auth"
	"relay-gateway/internal/logger"
	"relay-gateway/internal/models"
)

// handleClientKeyList 列出全部客户 Key
func (s *Server) handleClientKeyList(c *gin.Context) {
	keys, err := s.db.ListClientKeys(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"keys": keys, "total": len(keys)})
}

// handleClientKeyGet 查询单个客户 Key
func (s *Server) handleClientKeyGet(c *gin.Context) {
	key, err := s.db.GetClientKey(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if key == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "client key not found"})
		return
	}
	c.JSON(http.StatusOK, key)
}

// handleClientKeyCreate 创建客户 Key，密钥服务端生成且仅在创建响应中返回一次
func (s *Server) handleClientKeyCreate(c *gin.Context) {
	var req models.ClientKeyCreate
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	if req.BoundAccountID != nil && req.BoundGroupID != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "bound_account_id and bound_group_id are mutually exclusive"})
		return
	}

	ctx := c.Request.Context()
	if req.BoundAccountID != nil {
		acc, err := s.db.GetAccount(ctx, *req.BoundAccountID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if acc == nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bound account not found"})
			return
		}
	}

	apiKey, err := auth.GenerateAPIKey()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "generate key failed"})
		return
	}

	now := models.CurrentTime()
	key := &models.ClientKey{
		ID:             uuid.New().String(),
		Name:           req.Name,
		APIKey:         apiKey,
		Enabled:        true,
		BoundAccountID: req.BoundAccountID,
		BoundGroupID:   req.BoundGroupID,
		Notes:          req.Notes,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if req.RateLimitRPM != nil {
		key.RateLimitRPM = *req.RateLimitRPM
	}
	if req.Enabled != nil {
		key.Enabled = *req.Enabled
	}

	if err := s.db.CreateClientKey(ctx, key); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	logger.Info("客户Key已创建 - %s (%s)", key.Name, auth.GetAPIKeyPrefix(apiKey))
	c.JSON(http.StatusCreated, gin.H{"key": key, "api_key": apiKey})
}

// handleClientKeyUpdate 更新客户 Key
func (s *Server) handleClientKeyUpdate(c *gin.Context) {
	var req models.ClientKeyUpdate
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	ctx := c.Request.Context()
	key, err := s.db.GetClientKey(ctx, c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if key == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "client key not found"})
		return
	}

	if err := s.db.UpdateClientKey(ctx, key.ID, &req); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	updated, err := s.db.GetClientKey(ctx, key.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, updated)
}

// handleClientKeyDelete 删除客户 Key
func (s *Server) handleClientKeyDelete(c *gin.Context) {
	if err := s.db.DeleteClientKey(c.Request.Context(), c.Param("id")); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

// handleClientKeyUsage 查询客户 Key 近期用量
func (s *Server) handleClientKeyUsage(c *gin.Context) {
	since := time.Now().Add(-usageWindow(c))
	records, err := s.db.ListUsageByClientKey(c.Request.Context(), c.Param("id"), since)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": records, "summary": summarizeUsage(records)})
}
