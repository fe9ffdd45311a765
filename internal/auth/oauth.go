package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"relay-gateway/internal/config"
	"relay-gateway/internal/logger"
)

// OAuthClient 处理身份服务的 refresh_token 授权
type OAuthClient struct {
	httpClient *http.Client
	cfg        *config.Config
}

// NewOAuthClient 创建 OAuth 客户端
func NewOAuthClient(cfg *config.Config) *OAuthClient {
	transport := http.DefaultTransport.(*http.Transport).Clone()

	if cfg.HTTPProxy != "" {
		proxyURL, err := url.Parse(cfg.HTTPProxy)
		if err == nil {
			transport.Proxy = http.ProxyURL(proxyURL)
		}
	}

	return &OAuthClient{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   60 * time.Second,
		},
		cfg: cfg,
	}
}

// RefreshResult Token 刷新结果
type RefreshResult struct {
	AccessToken    string
	RefreshToken   string
	ExpiresAt      time.Time
	Email          string
	Name           string
	UserID         string
	OrganizationID string
}

// RefreshError 身份服务返回的典型错误
// Transient 为 true 表示网络/服务临时问题（凭证未必失效），
// 为 false 表示授权已失效（invalid_grant 等），不应携带旧 token 重试
type RefreshError struct {
	Code      string
	Message   string
	Transient bool
}

func (e *RefreshError) Error() string {
	return fmt.Sprintf("token 刷新失败 [%s]: %s", e.Code, e.Message)
}

// IsTransientRefreshError 检查刷新错误是否为临时错误
func IsTransientRefreshError(err error) bool {
	if re, ok := err.(*RefreshError); ok {
		return re.Transient
	}
	// 非类型化错误按网络问题处理
	return true
}

// refreshResponse 身份服务 Token 端点的响应体
type refreshResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	ExpiresAt    int64  `json:"expires_at"`
	User         struct {
		Email string `json:"email"`
		Name  string `json:"name"`
		ID    string `json:"id"`
	} `json:"user"`
	OrganizationID string `json:"organization_id"`
}

// refreshErrorResponse 身份服务的错误响应体
type refreshErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// Refresh 执行一次 refresh_token 授权
// 区分授权失效（调用方应隔离凭证）和临时错误（可稍后重试）
func (c *OAuthClient) Refresh(ctx context.Context, refreshToken string) (*RefreshResult, error) {
	logger.Debug("OAuth: 开始刷新 Token - 端点: %s", c.cfg.OAuth.TokenURL)

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	form.Set("client_id", c.cfg.OAuth.ClientID)

	req, err := http.NewRequestWithContext(ctx, "POST", c.cfg.OAuth.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("创建请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	startTime := time.Now()
	resp, err := c.httpClient.Do(req)
	duration := time.Since(startTime)

	if err != nil {
		logger.Error("OAuth: Token 刷新请求失败 - 耗时: %v, 错误: %v", duration, err)
		return nil, &RefreshError{Code: "network_error", Message: err.Error(), Transient: true}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &RefreshError{Code: "network_error", Message: err.Error(), Transient: true}
	}

	logger.Debug("OAuth: Token 刷新响应 - 状态码: %d, 耗时: %v", resp.StatusCode, duration)

	if resp.StatusCode >= 400 {
		var errResp refreshErrorResponse
		_ = json.Unmarshal(body, &errResp)
		code := errResp.Error
		if code == "" {
			code = fmt.Sprintf("http_%d", resp.StatusCode)
		}
		// invalid_grant / 401 / 403 视为授权失效，5xx 和 429 视为临时问题
		transient := resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
		if code == "invalid_grant" {
			transient = false
		}
		logger.Error("OAuth: Token 刷新失败 - 状态码: %d, 错误码: %s, 响应: %s", resp.StatusCode, code, string(body))
		return nil, &RefreshError{Code: code, Message: errResp.ErrorDescription, Transient: transient}
	}

	var result refreshResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, &RefreshError{Code: "invalid_response", Message: err.Error(), Transient: true}
	}
	if result.AccessToken == "" {
		return nil, &RefreshError{Code: "invalid_response", Message: "响应缺少 access_token", Transient: true}
	}

	// expires_at 优先，否则按 expires_in 计算
	expiresAt := time.Unix(result.ExpiresAt, 0)
	if result.ExpiresAt == 0 {
		expiresAt = time.Now().Add(time.Duration(result.ExpiresIn) * time.Second)
	}

	logger.Info("OAuth: Token 刷新成功 - 用户: %s, 过期时间: %s", result.User.Email, expiresAt.Format(time.RFC3339))

	return &RefreshResult{
		AccessToken:    result.AccessToken,
		RefreshToken:   result.RefreshToken,
		ExpiresAt:      expiresAt,
		Email:          result.User.Email,
		Name:           result.User.Name,
		UserID:         result.User.ID,
		OrganizationID: result.OrganizationID,
	}, nil
}
