package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"relay-gateway/internal/logger"
	"relay-gateway/internal/models"
	proxypool "relay-gateway/internal/proxy"
)

// handleProxyList 列出全部上游代理
func (s *Server) handleProxyList(c *gin.Context) {
	proxies, err := s.db.ListProxies(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"proxies": proxies, "total": len(proxies)})
}

// handleProxyCreate 新增上游代理并刷新代理池
func (s *Server) handleProxyCreate(c *gin.Context) {
	var req struct {
		URL     string `json:"url" binding:"required"`
		Name    string `json:"name"`
		Enabled *bool  `json:"enabled"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := proxypool.ValidateURL(req.URL); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid proxy url: " + err.Error()})
		return
	}

	proxy := &models.Proxy{
		URL:     req.URL,
		Name:    req.Name,
		Enabled: true,
	}
	if req.Enabled != nil {
		proxy.Enabled = *req.Enabled
	}
	if err := s.db.CreateProxy(c.Request.Context(), proxy); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	s.reloadProxyPool()
	logger.Info("代理已创建 - %s (#%d)", proxy.URL, proxy.ID)
	c.JSON(http.StatusCreated, proxy)
}

// handleProxyUpdate 更新上游代理并刷新代理池
func (s *Server) handleProxyUpdate(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid proxy id"})
		return
	}

	var req struct {
		URL     *string `json:"url"`
		Name    *string `json:"name"`
		Enabled *bool   `json:"enabled"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	updates := map[string]interface{}{}
	if req.URL != nil {
		if err := proxypool.ValidateURL(*req.URL); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid proxy url: " + err.Error()})
			return
		}
		updates["url"] = *req.URL
	}
	if req.Name != nil {
		updates["name"] = *req.Name
	}
	if req.Enabled != nil {
		updates["enabled"] = *req.Enabled
	}
	if len(updates) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no fields to update"})
		return
	}

	ctx := c.Request.Context()
	proxy, err := s.db.GetProxy(ctx, id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if proxy == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "proxy not found"})
		return
	}
	if err := s.db.UpdateProxy(ctx, id, updates); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	s.reloadProxyPool()
	updated, err := s.db.GetProxy(ctx, id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, updated)
}

// handleProxyDelete 删除上游代理并刷新代理池
func (s *Server) handleProxyDelete(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid proxy id"})
		return
	}
	if err := s.db.DeleteProxy(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	s.reloadProxyPool()
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

// usageWindow 解析用量查询的时间窗口，默认 7 天
func usageWindow(c *gin.Context) time.Duration {
	hours, err := strconv.Atoi(c.DefaultQuery("hours", "168"))
	if err != nil || hours <= 0 {
		hours = 168
	}
	return time.Duration(hours) * time.Hour
}

// usageSummary 用量汇总
type usageSummary struct {
	InputTokens       int64 `json:"input_tokens"`
	OutputTokens      int64 `json:"output_tokens"`
	CacheCreateTokens int64 `json:"cache_create_tokens"`
	CacheReadTokens   int64 `json:"cache_read_tokens"`
	RequestCount      int64 `json:"request_count"`
}

func summarizeUsage(records []*models.UsageRecord) usageSummary {
	var sum usageSummary
	for _, r := range records {
		sum.InputTokens += r.InputTokens
		sum.OutputTokens += r.OutputTokens
		sum.CacheCreateTokens += r.CacheCreateTokens
		sum.CacheReadTokens += r.CacheReadTokens
		sum.RequestCount += r.RequestCount
	}
	return sum
}

// handleStats 运行态统计
func (s *Server) handleStats(c *gin.Context) {
	accounts, err := s.db.ListAccounts(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	active, errored := 0, 0
	for _, acc := range accounts {
		switch acc.Status {
		case models.AccountStatusActive:
			active++
		case models.AccountStatusError:
			errored++
		}
	}

	stats := gin.H{
		"accounts": gin.H{
			"total":  len(accounts),
			"active": active,
			"error":  errored,
		},
		"store":      s.store.Stats(),
		"rate_limit": s.rateLimiter.Stats(),
	}
	if s.proxyPool != nil {
		stats["proxy_pool"] = gin.H{
			"total":   s.proxyPool.Count(),
			"enabled": s.proxyPool.EnabledCount(),
		}
	}
	c.JSON(http.StatusOK, stats)
}
