package relay

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"relay-gateway/internal/models"
)

// claudeCodePreamble 上游要求的系统前导，调用方未提供 system 时注入
const claudeCodePreamble = "You are Claude Code, Anthropic's official CLI for Claude."

// sessionHeader 透传给上游的会话标识头，多轮工具调用靠它关联
const sessionHeader = "X-Session-Id"

// modelAliases 轻量别名到实际模型的静态映射
// 别名命中时同时关闭本次请求的推理增强
var modelAliases = map[string]string{
	"claude-3-5-haiku-20241022": "claude-sonnet-4-5-20250929",
	"claude-3-5-haiku-latest":   "claude-sonnet-4-5-20250929",
	"gpt-4o-mini":               "gpt-4o",
}

// reasoningEffort 模型到推理力度的静态映射
// 未列出的模型不附加推理块
var reasoningEffort = map[string]string{
	"claude-opus-4-6":           "high",
	"claude-opus-4-5-20251101":  "high",
	"claude-sonnet-4-5-20250929": "medium",
	"gpt-5":                     "high",
	"o4-mini":                   "medium",
}

// thinkingBudgets 推理力度对应的 Anthropic thinking 预算
var thinkingBudgets = map[string]int{
	"low":    4096,
	"medium": 8192,
	"high":   16384,
}

// strippedHeaders 不允许转发到上游的入站头
var strippedHeaders = []string{
	"Authorization",
	"X-Api-Key",
	"Host",
	"Cookie",
	"X-Forwarded-For",
	"X-Real-Ip",
	"Content-Length",
	"Accept-Encoding",
}

// TransformRequest 在透传 JSON 之上做必要改写
// 只改写别名模型、system 前导和推理块，其余字段原样保留
func TransformRequest(body map[string]interface{}, endpointType string) {
	model, _ := body["model"].(string)

	aliased := false
	if target, ok := modelAliases[model]; ok {
		body["model"] = target
		model = target
		aliased = true
	}

	family := models.EndpointFamily(endpointType)
	if family == models.FamilyAnthropic {
		injectSystemPreamble(body)
	}

	// 别名请求关闭推理增强，其余按静态映射附加
	if aliased {
		stripReasoning(body, endpointType)
		return
	}
	if effort, ok := reasoningEffort[model]; ok {
		attachReasoning(body, endpointType, effort)
	}
}

// injectSystemPreamble 调用方未提供 system 时注入上游要求的前导
func injectSystemPreamble(body map[string]interface{}) {
	if _, exists := body["system"]; exists {
		return
	}
	body["system"] = []interface{}{
		map[string]interface{}{"type": "text", "text": claudeCodePreamble},
	}
}

// attachReasoning 按端点族的线缆格式附加推理块，调用方已显式设置时不覆盖
func attachReasoning(body map[string]interface{}, endpointType, effort string) {
	switch endpointType {
	case models.EndpointAnthropic, models.EndpointAnthropicOAuth:
		if _, exists := body["thinking"]; exists {
			return
		}
		body["thinking"] = map[string]interface{}{
			"type":          "enabled",
			"budget_tokens": thinkingBudgets[effort],
		}
	case models.EndpointOpenAIResponses:
		if _, exists := body["reasoning"]; exists {
			return
		}
		body["reasoning"] = map[string]interface{}{"effort": effort}
	case models.EndpointOpenAI:
		if _, exists := body["reasoning_effort"]; exists {
			return
		}
		body["reasoning_effort"] = effort
	}
}

// stripReasoning 删除推理相关字段（别名模型本次请求禁用推理）
func stripReasoning(body map[string]interface{}, endpointType string) {
	switch endpointType {
	case models.EndpointAnthropic, models.EndpointAnthropicOAuth:
		delete(body, "thinking")
	case models.EndpointOpenAIResponses:
		delete(body, "reasoning")
	case models.EndpointOpenAI:
		delete(body, "reasoning_effort")
	}
}

// BuildUpstreamHeaders 构造上游请求头
// 入站头过滤后透传，鉴权头由凭证层单独设置，会话标识缺失时生成
func BuildUpstreamHeaders(inbound http.Header) http.Header {
	out := make(http.Header)
	for key, values := range inbound {
		if isStrippedHeader(key) {
			continue
		}
		for _, v := range values {
			out.Add(key, v)
		}
	}

	if out.Get("Content-Type") == "" {
		out.Set("Content-Type", "application/json")
	}
	if out.Get(sessionHeader) == "" {
		out.Set(sessionHeader, uuid.New().String())
	}
	return out
}

func isStrippedHeader(key string) bool {
	for _, h := range strippedHeaders {
		if http.CanonicalHeaderKey(key) == h {
			return true
		}
	}
	return false
}

// DeriveSessionHash 计算请求的会话哈希，用于粘性调度
// 优先取调用方显式传入的会话头，否则从请求体的稳定特征派生；
// 无法派生时返回空字符串（该请求不做粘滞）
func DeriveSessionHash(inbound http.Header, body map[string]interface{}) string {
	if sid := inbound.Get(sessionHeader); sid != "" {
		return hashString(sid)
	}

	// metadata.user_id 是客户端侧的稳定会话标识
	if metadata, ok := body["metadata"].(map[string]interface{}); ok {
		if userID, ok := metadata["user_id"].(string); ok && userID != "" {
			return hashString(userID)
		}
	}

	// 退而求其次：会话首条消息在多轮对话中保持不变
	messages, ok := body["messages"].([]interface{})
	if !ok || len(messages) == 0 {
		return ""
	}
	first, err := json.Marshal(messages[0])
	if err != nil {
		return ""
	}
	return hashString(string(first))
}

func hashString(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:16])
}
