package relay

import (
	"bytes"
	"context"
	"net"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/net/proxy"

	"relay-gateway/internal/config"
	"relay-gateway/internal/logger"
	"relay-gateway/internal/models"
	proxypool "relay-gateway/internal/proxy"
)

// 高并发 HTTP 连接池参数
const (
	maxIdleConns          = 200
	maxIdleConnsPerHost   = 100
	idleConnTimeout       = 120 * time.Second
	responseHeaderTimeout = 60 * time.Second
	tlsHandshakeTimeout   = 15 * time.Second
	upstreamTimeout       = 300 * time.Second
)

// Client 上游 HTTP 客户端
// 代理优先级：账号专属代理 > 代理池 > 全局代理 > 直连
type Client struct {
	httpClient    *http.Client
	cfg           *config.Config
	proxyPool     *proxypool.Pool
	baseTransport *http.Transport
}

// NewClient 创建上游客户端
func NewClient(cfg *config.Config, pool *proxypool.Pool) *Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()

	// 连接池调优，减少高并发下的握手开销
	transport.MaxIdleConns = maxIdleConns
	transport.MaxIdleConnsPerHost = maxIdleConnsPerHost
	transport.MaxConnsPerHost = 0
	transport.IdleConnTimeout = idleConnTimeout
	transport.ResponseHeaderTimeout = responseHeaderTimeout
	transport.ExpectContinueTimeout = 1 * time.Second
	transport.TLSHandshakeTimeout = tlsHandshakeTimeout
	transport.ForceAttemptHTTP2 = true

	baseTransport := transport.Clone()

	if cfg.HTTPProxy != "" && !cfg.ProxyPoolEnabled {
		applyProxy(transport, cfg.HTTPProxy)
	}

	return &Client{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   upstreamTimeout,
		},
		cfg:           cfg,
		proxyPool:     pool,
		baseTransport: baseTransport,
	}
}

// applyProxy 为 Transport 配置代理，支持 http/https/socks5
func applyProxy(transport *http.Transport, proxyAddr string) {
	proxyURL, err := url.Parse(proxyAddr)
	if err != nil {
		logger.Error("代理地址解析失败: %v", err)
		return
	}

	if proxyURL.Scheme == "socks5" {
		dialer, err := proxy.FromURL(proxyURL, proxy.Direct)
		if err != nil {
			logger.Error("SOCKS5 代理配置失败: %v", err)
			return
		}
		transport.Proxy = nil
		transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			return dialer.Dial(network, addr)
		}
		logger.Info("已配置 SOCKS5 代理: %s", proxyAddr)
	} else {
		transport.Proxy = http.ProxyURL(proxyURL)
		logger.Info("已配置 HTTP 代理: %s", proxyAddr)
	}
}

// clientForAccount 返回账号专用的 HTTP 客户端
// 账号自带代理时单独建 Transport，否则按代理池派生，都没有则用默认客户端
func (c *Client) clientForAccount(acc *models.Account) *http.Client {
	proxyAddr := ""
	if acc.ProxyURL != nil && *acc.ProxyURL != "" {
		proxyAddr = proxypool.DeriveURL(*acc.ProxyURL, acc.ID)
	} else if c.cfg.ProxyPoolEnabled && c.proxyPool != nil {
		proxyAddr = c.proxyPool.Get(acc.ID)
	}
	if proxyAddr == "" {
		return c.httpClient
	}

	transport := c.baseTransport.Clone()
	applyProxy(transport, proxyAddr)
	logger.Debug("账号 %s 使用代理: %s", acc.ID, proxyAddr)

	return &http.Client{
		Transport: transport,
		Timeout:   upstreamTimeout,
	}
}

// Send 向上游发送一次请求
// 调用方负责读取并关闭响应体；返回的 error 是网络层错误，
// HTTP 层错误（含 4xx/5xx）以响应形式返回
func (c *Client) Send(ctx context.Context, acc *models.Account, method, targetURL string, headers http.Header, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, targetURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	for key, values := range headers {
		req.Header[key] = values
	}

	httpClient := c.clientForAccount(acc)

	logger.Debug("上游请求 - 账号: %s, 目标: %s, 请求体: %d 字节", acc.ID, targetURL, len(body))
	startTime := time.Now()

	resp, err := httpClient.Do(req)
	duration := time.Since(startTime)

	if err != nil {
		logger.Error("上游请求失败 - 账号: %s, 耗时: %v, 错误: %v", acc.ID, duration, err)
		return nil, err
	}

	logger.Debug("上游响应 - 账号: %s, 状态码: %d, 耗时: %v", acc.ID, resp.StatusCode, duration)
	return resp, nil
}
