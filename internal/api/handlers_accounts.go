package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"relay-gateway/internal/logger"
	"relay-gateway/internal/models"
	proxypool "relay-gateway/internal/proxy"
)

// handleAccountList 列出全部账号
func (s *Server) handleAccountList(c *gin.Context) {
	accounts, err := s.db.ListAccounts(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"accounts": accounts, "total": len(accounts)})
}

// handleAccountGet 查询单个账号
func (s *Server) handleAccountGet(c *gin.Context) {
	acc, err := s.db.GetAccount(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if acc == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
		return
	}
	c.JSON(http.StatusOK, acc)
}

// handleAccountCreate 创建账号
// OAuth 账号创建后立即做一次刷新验证凭证，失败则保持 created 状态并返回错误信息
func (s *Server) handleAccountCreate(c *gin.Context) {
	var req models.AccountCreate
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	if models.EndpointFamily(req.EndpointType) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid endpoint_type: " + req.EndpointType})
		return
	}
	if req.Priority != nil && !models.IsPriorityValid(*req.Priority) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "priority must be between 1 and 100"})
		return
	}
	if req.ProxyURL != nil && *req.ProxyURL != "" {
		if err := proxypool.ValidateURL(*req.ProxyURL); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid proxy_url: " + err.Error()})
			return
		}
	}

	now := models.CurrentTime()
	acc := &models.Account{
		ID:           uuid.New().String(),
		Name:         req.Name,
		EndpointType: req.EndpointType,
		AccountType:  models.AccountTypeShared,
		GroupID:      req.GroupID,
		Priority:     50,
		Schedulable:  true,
		IsActive:     true,
		Status:       models.AccountStatusCreated,
		AuthMethod:   req.AuthMethod,
		ProxyURL:     req.ProxyURL,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if req.AccountType != nil {
		acc.AccountType = *req.AccountType
	}
	if req.Priority != nil {
		acc.Priority = *req.Priority
	}
	if acc.AccountType == models.AccountTypeGroup && (acc.GroupID == nil || *acc.GroupID == "") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "group account requires group_id"})
		return
	}

	switch req.AuthMethod {
	case models.AuthMethodOAuth:
		if req.RefreshToken == nil || *req.RefreshToken == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "oauth account requires refresh_token"})
			return
		}
		encRefresh, err := s.creds.EncryptSecret(*req.RefreshToken)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "encrypt failed"})
			return
		}
		acc.RefreshToken = encRefresh
		if req.AccessToken != nil && *req.AccessToken != "" {
			encAccess, err := s.creds.EncryptSecret(*req.AccessToken)
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": "encrypt failed"})
				return
			}
			acc.AccessToken = encAccess
		}
	case models.AuthMethodAPIKeyPool:
		if len(req.APIKeys) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "api_key_pool account requires api_keys"})
			return
		}
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid auth_method: " + req.AuthMethod})
		return
	}

	ctx := c.Request.Context()
	if err := s.db.CreateAccount(ctx, acc); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	if req.AuthMethod == models.AuthMethodAPIKeyPool {
		for _, rawKey := range req.APIKeys {
			encKey, err := s.creds.EncryptSecret(rawKey)
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": "encrypt failed"})
				return
			}
			entry := &models.PoolEntry{
				ID:           uuid.New().String(),
				AccountID:    acc.ID,
				EncryptedKey: encKey,
				CreatedAt:    models.CurrentTime(),
			}
			if err := s.db.CreatePoolEntry(ctx, entry); err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
				return
			}
		}
		// Key 池账号无需上游验证，直接激活
		if err := s.db.UpdateAccount(ctx, acc.ID, map[string]interface{}{
			"status": models.AccountStatusActive,
		}); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		acc.Status = models.AccountStatusActive
	} else {
		// 立即刷新一次，验证 refresh token 有效
		if err := s.creds.RefreshAccount(ctx, acc); err != nil {
			logger.Warn("账号创建: 初始刷新失败 - %s (%s): %v", acc.Name, acc.ID, err)
			created, _ := s.db.GetAccount(ctx, acc.ID)
			c.JSON(http.StatusCreated, gin.H{
				"account": created,
				"warning": "initial token refresh failed: " + err.Error(),
			})
			return
		}
	}

	created, err := s.db.GetAccount(ctx, acc.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	logger.Info("账号已创建 - %s (%s), 类型: %s/%s", acc.Name, acc.ID, acc.EndpointType, acc.AuthMethod)
	c.JSON(http.StatusCreated, gin.H{"account": created})
}

// handleAccountUpdate 更新账号
func (s *Server) handleAccountUpdate(c *gin.Context) {
	var req models.AccountUpdate
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	ctx := c.Request.Context()
	acc, err := s.db.GetAccount(ctx, c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if acc == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
		return
	}

	updates := map[string]interface{}{}
	if req.Name != nil {
		updates["name"] = *req.Name
	}
	if req.AccountType != nil {
		updates["account_type"] = *req.AccountType
	}
	if req.GroupID != nil {
		updates["group_id"] = *req.GroupID
	}
	if req.Priority != nil {
		if !models.IsPriorityValid(*req.Priority) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "priority must be between 1 and 100"})
			return
		}
		updates["priority"] = *req.Priority
	}
	if req.Schedulable != nil {
		updates["schedulable"] = *req.Schedulable
	}
	if req.IsActive != nil {
		updates["is_active"] = *req.IsActive
	}
	if req.Status != nil {
		if !models.IsAccountStatusValid(*req.Status) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid status: " + *req.Status})
			return
		}
		updates["status"] = *req.Status
		// 人工恢复时顺带清掉错误信息
		if *req.Status == models.AccountStatusActive {
			updates["error_message"] = nil
		}
	}
	if req.ProxyURL != nil {
		if *req.ProxyURL != "" {
			if err := proxypool.ValidateURL(*req.ProxyURL); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "invalid proxy_url: " + err.Error()})
				return
			}
		}
		updates["proxy_url"] = *req.ProxyURL
	}
	if len(updates) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no fields to update"})
		return
	}

	if err := s.db.UpdateAccount(ctx, acc.ID, updates); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	updated, err := s.db.GetAccount(ctx, acc.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, updated)
}

// handleAccountDelete 删除账号（连带 Key 池条目）
func (s *Server) handleAccountDelete(c *gin.Context) {
	if err := s.db.DeleteAccount(c.Request.Context(), c.Param("id")); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

// handleAccountRefresh 手动触发 OAuth 刷新
func (s *Server) handleAccountRefresh(c *gin.Context) {
	ctx := c.Request.Context()
	acc, err := s.db.GetAccount(ctx, c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if acc == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
		return
	}
	if acc.AuthMethod != models.AuthMethodOAuth {
		c.JSON(http.StatusBadRequest, gin.H{"error": "account is not oauth"})
		return
	}

	if err := s.creds.RefreshAccount(ctx, acc); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": "refresh failed: " + err.Error()})
		return
	}
	updated, _ := s.db.GetAccount(ctx, acc.ID)
	c.JSON(http.StatusOK, gin.H{"account": updated})
}

// handlePoolEntryList 列出账号的 Key 池条目（不返回密钥明文）
func (s *Server) handlePoolEntryList(c *gin.Context) {
	entries, err := s.db.ListPoolEntries(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "total": len(entries)})
}

// handlePoolEntryAdd 向 Key 池追加条目
func (s *Server) handlePoolEntryAdd(c *gin.Context) {
	var req struct {
		APIKeys []string `json:"api_keys" binding:"required,min=1"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	ctx := c.Request.Context()
	acc, err := s.db.GetAccount(ctx, c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if acc == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
		return
	}
	if acc.AuthMethod != models.AuthMethodAPIKeyPool {
		c.JSON(http.StatusBadRequest, gin.H{"error": "account is not api_key_pool"})
		return
	}

	added := make([]string, 0, len(req.APIKeys))
	for _, rawKey := range req.APIKeys {
		encKey, err := s.creds.EncryptSecret(rawKey)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "encrypt failed"})
			return
		}
		entry := &models.PoolEntry{
			ID:           uuid.New().String(),
			AccountID:    acc.ID,
			EncryptedKey: encKey,
			CreatedAt:    models.CurrentTime(),
		}
		if err := s.db.CreatePoolEntry(ctx, entry); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		added = append(added, entry.ID)
	}

	// 补充条目可让被隔离的空池账号恢复
	if acc.Status == models.AccountStatusError {
		updates := map[string]interface{}{
			"status":        models.AccountStatusActive,
			"schedulable":   true,
			"error_message": nil,
		}
		if err := s.db.UpdateAccount(ctx, acc.ID, updates); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		logger.Info("账号恢复 - %s (%s): 补充 %d 个 Key 池条目", acc.Name, acc.ID, len(added))
	}

	c.JSON(http.StatusCreated, gin.H{"added": added})
}

// handlePoolEntryDelete 删除 Key 池条目
// 走凭证层的移除逻辑，删到池空时账号同步隔离
func (s *Server) handlePoolEntryDelete(c *gin.Context) {
	remaining, err := s.creds.RemovePoolEntry(c.Request.Context(), c.Param("id"), c.Param("entryId"), "管理端移除")
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true, "remaining": remaining})
}

// handleAccountUsage 查询账号近期用量
func (s *Server) handleAccountUsage(c *gin.Context) {
	since := time.Now().Add(-usageWindow(c))
	records, err := s.db.ListUsageByAccount(c.Request.Context(), c.Param("id"), since)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": records, "summary": summarizeUsage(records)})
}
