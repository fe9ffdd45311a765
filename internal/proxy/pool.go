// Package proxy 提供上游代理池管理
package proxy

import (
	"fmt"
	"hash/fnv"
	"math/rand"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"relay-gateway/internal/models"
)

// Pool 上游代理池
// 账号未单独配置代理时，从池中按策略选取一个
type Pool struct {
	proxies  []*models.Proxy
	mu       sync.RWMutex
	index    uint32
	strategy string
}

// NewPool 创建代理池
// strategy 选择策略: round_robin, random
func NewPool(strategy string) *Pool {
	if strategy == "" {
		strategy = "round_robin"
	}
	return &Pool{strategy: strategy}
}

// Get 按策略选取一个代理地址并做账号派生
// 返回空字符串表示池中无可用代理
func (p *Pool) Get(accountID string) string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var enabled []*models.Proxy
	for _, proxy := range p.proxies {
		if proxy.Enabled {
			enabled = append(enabled, proxy)
		}
	}
	if len(enabled) == 0 {
		return ""
	}

	var selected *models.Proxy
	switch p.strategy {
	case "random":
		selected = enabled[rand.Intn(len(enabled))]
	default: // round_robin
		idx := atomic.AddUint32(&p.index, 1) - 1
		selected = enabled[idx%uint32(len(enabled))]
	}

	return DeriveURL(selected.URL, accountID)
}

// Reload 替换代理列表（启动时和管理端更新后调用）
func (p *Pool) Reload(proxies []*models.Proxy) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.proxies = proxies
}

// Count 池中代理总数
func (p *Pool) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.proxies)
}

// EnabledCount 池中启用的代理数
func (p *Pool) EnabledCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	count := 0
	for _, proxy := range p.proxies {
		if proxy.Enabled {
			count++
		}
	}
	return count
}

// DeriveURL 将代理地址中的 % 占位符替换为账号 ID 的哈希
// 同一账号稳定落到同一条代理隧道，上游侧 IP 不漂移
func DeriveURL(proxyURL, accountID string) string {
	if !strings.Contains(proxyURL, "%") {
		return proxyURL
	}
	h := fnv.New32a()
	h.Write([]byte(accountID))
	return strings.ReplaceAll(proxyURL, "%", strconv.FormatUint(uint64(h.Sum32()), 10))
}

// ValidateURL 验证代理地址格式
func ValidateURL(proxyURL string) error {
	if proxyURL == "" {
		return fmt.Errorf("代理地址不能为空")
	}

	// 先替换占位符再解析
	testURL := strings.ReplaceAll(proxyURL, "%", "session")

	parsed, err := url.Parse(testURL)
	if err != nil {
		return fmt.Errorf("代理地址格式错误: %v", err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" && parsed.Scheme != "socks5" {
		return fmt.Errorf("不支持的代理协议: %s (仅支持 http/https/socks5)", parsed.Scheme)
	}
	if parsed.Hostname() == "" {
		return fmt.Errorf("代理地址缺少主机名")
	}
	if parsed.Port() == "" {
		return fmt.Errorf("代理地址缺少端口")
	}
	return nil
}
