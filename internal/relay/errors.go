// Package relay 实现请求转换、转发、用量计量和凭证隔离
package relay

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
)

// 网络层故障映射的合成状态码
// 只有上游真实返回的 4xx 才触发凭证隔离，网络故障一律走合成状态码
const (
	// StatusUpstreamTimeout 上游超时
	StatusUpstreamTimeout = http.StatusRequestTimeout // 408
	// StatusUpstreamUnreachable 连接被重置或无法建立
	StatusUpstreamUnreachable = http.StatusFailedDependency // 424
)

// ClassifyNetworkError 将网络层错误映射为合成状态码
func ClassifyNetworkError(err error) int {
	if isTimeoutError(err) {
		return StatusUpstreamTimeout
	}
	return StatusUpstreamUnreachable
}

// isTimeoutError 判断是否为超时类错误
func isTimeoutError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(err.Error(), "timeout") ||
		strings.Contains(err.Error(), "deadline exceeded")
}

// IsConnectionReset 判断是否为对端重置类错误
func IsConnectionReset(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "connection reset") ||
		strings.Contains(s, "broken pipe") ||
		strings.Contains(s, "unexpected EOF") ||
		s == "EOF"
}

// networkErrorMessage 合成状态码对应的提示
func networkErrorMessage(status int) string {
	switch status {
	case StatusUpstreamTimeout:
		return "上游服务响应超时，请稍后重试"
	case StatusUpstreamUnreachable:
		return "上游连接中断，请稍后重试"
	}
	return "上游服务异常"
}
