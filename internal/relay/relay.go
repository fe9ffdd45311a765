package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"relay-gateway/internal/config"
	"relay-gateway/internal/credential"
	"relay-gateway/internal/database"
	"relay-gateway/internal/logger"
	"relay-gateway/internal/models"
	"relay-gateway/internal/scheduler"
	"relay-gateway/internal/store"
	"relay-gateway/internal/stream"
)

const (
	// maxAccountAttempts 凭证获取失败时最多换号重试的次数
	maxAccountAttempts = 3
	// anthropicVersion 默认 API 版本头
	anthropicVersion = "2023-06-01"
	// bookkeepingTimeout 旁路记账操作的超时
	bookkeepingTimeout = 10 * time.Second
)

// Engine 中转引擎，串起调度、凭证、转发和计量
type Engine struct {
	cfg    *config.Config
	db     *database.DB
	store  *store.Store
	creds  *credential.Manager
	sched  *scheduler.Scheduler
	client *Client
}

// NewEngine 创建中转引擎
func NewEngine(cfg *config.Config, db *database.DB, st *store.Store, creds *credential.Manager, sched *scheduler.Scheduler, client *Client) *Engine {
	return &Engine{
		cfg:    cfg,
		db:     db,
		store:  st,
		creds:  creds,
		sched:  sched,
		client: client,
	}
}

// selection 一次调度+取凭证的结果
type selection struct {
	account   *models.Account
	poolEntry *models.PoolEntry // Key 池账号使用的条目，OAuth 账号为 nil
	secret    string            // access token 或池内原始 Key
}

// entryStickyKey 池条目级粘滞映射的键
func (e *Engine) entryStickyKey(family, clientKeyID, sessionHash string) string {
	return fmt.Sprintf("sticky-entry:%s:%s:%s", family, clientKeyID, sessionHash)
}

// Handle 处理一次中转请求，请求体是该协议族的透传 JSON
func (e *Engine) Handle(c *gin.Context, clientKey *models.ClientKey, family string) {
	rawBody, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"type": "invalid_request_error", "message": "读取请求体失败"}})
		return
	}

	var body map[string]interface{}
	if err := json.Unmarshal(rawBody, &body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": gin.H{"type": "invalid_request_error", "message": "请求体不是有效的 JSON"}})
		return
	}

	model, _ := body["model"].(string)
	streamRequested, _ := body["stream"].(bool)
	sessionHash := DeriveSessionHash(c.Request.Header, body)

	schedReq := &scheduler.Request{
		Family:      family,
		ClientKey:   clientKey,
		SessionHash: sessionHash,
	}

	sel, err := e.acquire(c.Request.Context(), schedReq)
	if err != nil {
		if errors.Is(err, scheduler.ErrNoAvailableAccount) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": gin.H{"type": "overloaded_error", "message": "当前没有可用的上游通道"}})
			return
		}
		logger.Error("中转: 获取凭证失败 - %v", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": gin.H{"type": "overloaded_error", "message": "上游通道暂时不可用"}})
		return
	}

	TransformRequest(body, sel.account.EndpointType)
	payload, err := json.Marshal(body)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": gin.H{"type": "api_error", "message": "请求序列化失败"}})
		return
	}

	headers := BuildUpstreamHeaders(c.Request.Header)
	e.setAuthHeaders(headers, sel)

	resp, err := e.client.Send(c.Request.Context(), sel.account, "POST", e.upstreamURL(sel.account), headers, payload)
	if err != nil {
		// 网络层故障走合成状态码，不隔离凭证
		status := ClassifyNetworkError(err)
		logger.Warn("中转: 上游网络故障 - 账号: %s, 合成状态: %d, 错误: %v", sel.account.ID, status, err)
		c.JSON(status, gin.H{"error": gin.H{"type": "api_error", "message": networkErrorMessage(status)}})
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		e.handleUpstreamError(c, resp, sel, schedReq)
		return
	}

	if streamRequested && isEventStream(resp) {
		e.streamResponse(c, resp, sel, clientKey, model, family)
		return
	}
	e.passthroughResponse(c, resp, sel, clientKey, model, family)
}

// acquire 调度账号并取到可用凭证，凭证失败时换号重试
func (e *Engine) acquire(ctx context.Context, schedReq *scheduler.Request) (*selection, error) {
	var lastErr error
	for attempt := 0; attempt < maxAccountAttempts; attempt++ {
		acc, err := e.sched.Pick(ctx, schedReq)
		if err != nil {
			return nil, err
		}

		switch acc.AuthMethod {
		case models.AuthMethodOAuth:
			token, err := e.creds.GetValidAccessToken(ctx, acc)
			if err != nil {
				// 账号已在凭证层被隔离，换号重试
				lastErr = err
				e.sched.ClearSticky(schedReq)
				logger.Warn("中转: 账号 %s 凭证不可用，尝试换号 (%d/%d) - %v", acc.ID, attempt+1, maxAccountAttempts, err)
				continue
			}
			return &selection{account: acc, secret: token}, nil

		case models.AuthMethodAPIKeyPool:
			preferred := ""
			entryKey := ""
			if schedReq.SessionHash != "" {
				entryKey = e.entryStickyKey(schedReq.Family, schedReq.ClientKey.ID, schedReq.SessionHash)
				preferred, _ = e.store.Get(entryKey)
			}
			entry, rawKey, err := e.creds.SelectPoolEntry(ctx, acc, preferred)
			if err != nil {
				lastErr = err
				e.sched.ClearSticky(schedReq)
				logger.Warn("中转: 账号 %s Key 池不可用，尝试换号 (%d/%d) - %v", acc.ID, attempt+1, maxAccountAttempts, err)
				continue
			}
			if entryKey != "" {
				e.store.Set(entryKey, entry.ID, e.cfg.StickyTTL())
			}
			return &selection{account: acc, poolEntry: entry, secret: rawKey}, nil

		default:
			lastErr = fmt.Errorf("账号 %s 凭证形式未知: %s", acc.ID, acc.AuthMethod)
			e.sched.ClearSticky(schedReq)
		}
	}
	if lastErr == nil {
		lastErr = scheduler.ErrNoAvailableAccount
	}
	return nil, lastErr
}

// upstreamURL 按账号端点类型拼出上游地址
func (e *Engine) upstreamURL(acc *models.Account) string {
	switch acc.EndpointType {
	case models.EndpointOpenAI:
		return e.cfg.Upstream.OpenAIBaseURL + "/v1/chat/completions"
	case models.EndpointOpenAIResponses:
		return e.cfg.Upstream.OpenAIBaseURL + "/v1/responses"
	default:
		return e.cfg.Upstream.AnthropicBaseURL + "/v1/messages"
	}
}

// setAuthHeaders 按端点类型设置上游鉴权头
func (e *Engine) setAuthHeaders(headers http.Header, sel *selection) {
	switch sel.account.EndpointType {
	case models.EndpointAnthropic:
		headers.Set("x-api-key", sel.secret)
		if headers.Get("anthropic-version") == "" {
			headers.Set("anthropic-version", anthropicVersion)
		}
	case models.EndpointAnthropicOAuth:
		headers.Set("Authorization", "Bearer "+sel.secret)
		headers.Set("anthropic-beta", "oauth-2025-04-20")
		if headers.Get("anthropic-version") == "" {
			headers.Set("anthropic-version", anthropicVersion)
		}
	default:
		headers.Set("Authorization", "Bearer "+sel.secret)
	}
}

// handleUpstreamError 处理上游的 HTTP 错误响应
// 真实 4xx 触发凭证隔离，5xx 原样转发不隔离
func (e *Engine) handleUpstreamError(c *gin.Context, resp *http.Response, sel *selection, schedReq *scheduler.Request) {
	errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode < 500 {
		logger.Warn("中转: 上游拒绝凭证 - 账号: %s, 状态码: %d, 响应: %s", sel.account.ID, resp.StatusCode, string(errBody))
		// 隔离是旁路动作，不阻塞响应
		go e.quarantine(sel, schedReq, fmt.Sprintf("上游返回 %d", resp.StatusCode))
	} else {
		logger.Warn("中转: 上游服务错误 - 账号: %s, 状态码: %d", sel.account.ID, resp.StatusCode)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/json"
	}
	c.Data(resp.StatusCode, contentType, errBody)
}

// quarantine 隔离本次请求使用的凭证并清理粘滞状态
// Key 池账号只摘除用过的条目，池空才隔离整号；OAuth 账号直接隔离
func (e *Engine) quarantine(sel *selection, schedReq *scheduler.Request, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), bookkeepingTimeout)
	defer cancel()

	if sel.account.AuthMethod == models.AuthMethodAPIKeyPool && sel.poolEntry != nil {
		if _, err := e.creds.RemovePoolEntry(ctx, sel.account.ID, sel.poolEntry.ID, reason); err != nil {
			logger.Error("中转: 摘除池条目失败 - 账号: %s, 条目: %s, 错误: %v", sel.account.ID, sel.poolEntry.ID, err)
		}
		if schedReq.SessionHash != "" {
			e.store.Delete(e.entryStickyKey(schedReq.Family, schedReq.ClientKey.ID, schedReq.SessionHash))
		}
	} else {
		if err := e.db.DisableAccount(ctx, sel.account.ID, reason); err != nil {
			logger.Error("中转: 隔离账号失败 - 账号: %s, 错误: %v", sel.account.ID, err)
		}
	}

	// 账号级粘滞映射同步清理，下个请求重新落点
	e.sched.ClearSticky(schedReq)
}

// passthroughResponse 非流式路径：整体读回、记录用量、原样返回
func (e *Engine) passthroughResponse(c *gin.Context, resp *http.Response, sel *selection, clientKey *models.ClientKey, model, family string) {
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		status := ClassifyNetworkError(err)
		c.JSON(status, gin.H{"error": gin.H{"type": "api_error", "message": networkErrorMessage(status)}})
		return
	}

	var usage models.UsageSnapshot
	var ok bool
	if family == models.FamilyOpenAI {
		usage, ok = stream.ParseOpenAIBody(respBody)
	} else {
		usage, ok = stream.ParseAnthropicBody(respBody)
	}
	if ok && !usage.IsZero() {
		go e.recordUsage(clientKey, sel.account, model, usage)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/json"
	}
	c.Data(resp.StatusCode, contentType, respBody)
}

// streamResponse 流式路径：边转发边旁路解析用量
// 拷贝优先于解析，解析不会拖慢转发
func (e *Engine) streamResponse(c *gin.Context, resp *http.Response, sel *selection, clientKey *models.ClientKey, model, family string) {
	collector := stream.NewCollector(family)
	chunks := make(chan []byte, 64)

	var bytesForwarded int64
	headersSent := false

	g, _ := errgroup.WithContext(c.Request.Context())

	// 拷贝协程：上游字节到达即转发，同时把副本交给解析协程
	g.Go(func() error {
		defer close(chunks)
		buf := make([]byte, 8192)
		for {
			n, readErr := resp.Body.Read(buf)
			if n > 0 {
				if !headersSent {
					writeStreamHeaders(c, resp)
					headersSent = true
				}
				if _, writeErr := c.Writer.Write(buf[:n]); writeErr != nil {
					// 客户端断开，上游连接随请求上下文一起拆除
					return writeErr
				}
				c.Writer.Flush()
				bytesForwarded += int64(n)

				// 解析是尽力而为的，通道满时丢弃副本，不阻塞转发
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				select {
				case chunks <- chunk:
				default:
				}
			}
			if readErr != nil {
				if readErr == io.EOF {
					return nil
				}
				return readErr
			}
		}
	})

	g.Go(func() error {
		for chunk := range chunks {
			collector.Feed(chunk)
		}
		return nil
	})

	streamErr := g.Wait()
	collector.Finish()

	if streamErr != nil {
		switch {
		case collector.Completed() && IsConnectionReset(streamErr):
			// 完成标记之后的对端重置，按成功收尾，避免误隔离
			logger.Debug("中转: 流在完成后被重置，按成功处理 - 账号: %s, 已转发: %d 字节", sel.account.ID, bytesForwarded)
		case collector.Completed() || bytesForwarded > 0:
			// 已有字节送达客户端，响应无法重写，只记录异常
			logger.Warn("中转: 流在转发中断开 - 账号: %s, 已转发: %d 字节, 错误: %v", sel.account.ID, bytesForwarded, streamErr)
		default:
			status := ClassifyNetworkError(streamErr)
			logger.Warn("中转: 流式转发失败 - 账号: %s, 合成状态: %d, 错误: %v", sel.account.ID, status, streamErr)
			if !headersSent {
				c.JSON(status, gin.H{"error": gin.H{"type": "api_error", "message": networkErrorMessage(status)}})
			}
			return
		}
	}

	usage := collector.Usage()
	if !usage.IsZero() {
		go e.recordUsage(clientKey, sel.account, model, usage)
	}
}

// recordUsage 旁路记账：按 Key、账号、模型、小时桶累计用量
// 记账失败只记日志，不影响已返回的响应
func (e *Engine) recordUsage(clientKey *models.ClientKey, acc *models.Account, model string, usage models.UsageSnapshot) {
	ctx, cancel := context.WithTimeout(context.Background(), bookkeepingTimeout)
	defer cancel()

	if err := e.db.RecordUsage(ctx, clientKey.ID, acc.ID, model, usage); err != nil {
		logger.Error("中转: 记录用量失败 - Key: %s, 账号: %s, 错误: %v", clientKey.ID, acc.ID, err)
	}
	if err := e.db.AddClientKeyUsage(ctx, clientKey.ID, usage.InputTokens+usage.CacheCreateTokens+usage.CacheReadTokens, usage.OutputTokens); err != nil {
		logger.Error("中转: 累计 Key 用量失败 - Key: %s, 错误: %v", clientKey.ID, err)
	}
}

// isEventStream 判断上游响应是否为 SSE 流
func isEventStream(resp *http.Response) bool {
	contentType := resp.Header.Get("Content-Type")
	return len(contentType) >= 17 && contentType[:17] == "text/event-stream"
}

// writeStreamHeaders 首个数据块到达时写出流式响应头
func writeStreamHeaders(c *gin.Context, resp *http.Response) {
	c.Writer.Header().Set("Content-Type", resp.Header.Get("Content-Type"))
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(resp.StatusCode)
}
