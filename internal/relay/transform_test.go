package relay

import (
	"net/http"
	"testing"

	"relay-gateway/internal/models"
)

func TestTransformRequest_AliasRemapDisablesReasoning(t *testing.T) {
	body := map[string]interface{}{
		"model":    "claude-3-5-haiku-20241022",
		"messages": []interface{}{},
		"thinking": map[string]interface{}{"type": "enabled", "budget_tokens": 1024},
		"system":   "调用方自带的系统提示",
	}

	TransformRequest(body, models.EndpointAnthropicOAuth)

	if body["model"] != "claude-sonnet-4-5-20250929" {
		t.Errorf("别名未改写: %v", body["model"])
	}
	if _, exists := body["thinking"]; exists {
		t.Error("别名请求应关闭推理增强")
	}
	if body["system"] != "调用方自带的系统提示" {
		t.Error("调用方的 system 不应被覆盖")
	}
}

func TestTransformRequest_InjectsSystemPreamble(t *testing.T) {
	body := map[string]interface{}{
		"model":    "claude-opus-4-6",
		"messages": []interface{}{},
	}

	TransformRequest(body, models.EndpointAnthropicOAuth)

	blocks, ok := body["system"].([]interface{})
	if !ok || len(blocks) == 0 {
		t.Fatalf("system 前导未注入: %v", body["system"])
	}
	block := blocks[0].(map[string]interface{})
	if block["text"] != claudeCodePreamble {
		t.Errorf("前导内容错误: %v", block["text"])
	}
}

func TestTransformRequest_ReasoningWireFormats(t *testing.T) {
	// Anthropic 族用 thinking 块
	body := map[string]interface{}{"model": "claude-opus-4-6"}
	TransformRequest(body, models.EndpointAnthropicOAuth)
	thinking, ok := body["thinking"].(map[string]interface{})
	if !ok {
		t.Fatal("Anthropic 族应附加 thinking 块")
	}
	if thinking["budget_tokens"] != thinkingBudgets["high"] {
		t.Errorf("thinking 预算错误: %v", thinking["budget_tokens"])
	}

	// Chat Completions 用顶层 reasoning_effort
	body = map[string]interface{}{"model": "gpt-5"}
	TransformRequest(body, models.EndpointOpenAI)
	if body["reasoning_effort"] != "high" {
		t.Errorf("chat completions 推理字段错误: %v", body["reasoning_effort"])
	}

	// Responses 用嵌套 reasoning 对象
	body = map[string]interface{}{"model": "o4-mini"}
	TransformRequest(body, models.EndpointOpenAIResponses)
	reasoning, ok := body["reasoning"].(map[string]interface{})
	if !ok || reasoning["effort"] != "medium" {
		t.Errorf("responses 推理块错误: %v", body["reasoning"])
	}

	// 未映射的模型不附加
	body = map[string]interface{}{"model": "unmapped-model"}
	TransformRequest(body, models.EndpointOpenAI)
	if _, exists := body["reasoning_effort"]; exists {
		t.Error("未映射模型不应附加推理字段")
	}
}

func TestBuildUpstreamHeaders_StripsAuthAndHost(t *testing.T) {
	inbound := http.Header{}
	inbound.Set("Authorization", "Bearer client-key")
	inbound.Set("X-Api-Key", "rg-client")
	inbound.Set("Cookie", "session=abc")
	inbound.Set("Content-Type", "application/json")
	inbound.Set("Anthropic-Version", "2023-06-01")

	out := BuildUpstreamHeaders(inbound)

	for _, h := range []string{"Authorization", "X-Api-Key", "Cookie"} {
		if out.Get(h) != "" {
			t.Errorf("入站 %s 头不应被转发", h)
		}
	}
	if out.Get("Content-Type") != "application/json" {
		t.Error("Content-Type 应被透传")
	}
	if out.Get("Anthropic-Version") != "2023-06-01" {
		t.Error("协议版本头应被透传")
	}
	if out.Get(sessionHeader) == "" {
		t.Error("缺失的会话头应被生成")
	}

	// 调用方自带会话头时保留
	inbound.Set(sessionHeader, "caller-session")
	out = BuildUpstreamHeaders(inbound)
	if out.Get(sessionHeader) != "caller-session" {
		t.Errorf("调用方会话头被覆盖: %s", out.Get(sessionHeader))
	}
}

func TestDeriveSessionHash(t *testing.T) {
	// 显式会话头优先
	h := http.Header{}
	h.Set(sessionHeader, "session-1")
	hash1 := DeriveSessionHash(h, nil)
	if hash1 == "" {
		t.Fatal("显式会话头应产生哈希")
	}
	if DeriveSessionHash(h, nil) != hash1 {
		t.Error("同一会话头哈希应稳定")
	}

	// metadata.user_id 次之
	body := map[string]interface{}{
		"metadata": map[string]interface{}{"user_id": "user-42"},
	}
	hash2 := DeriveSessionHash(http.Header{}, body)
	if hash2 == "" || hash2 == hash1 {
		t.Error("metadata.user_id 应产生独立哈希")
	}

	// 首条消息兜底，多轮对话中保持稳定
	turn1 := map[string]interface{}{
		"messages": []interface{}{
			map[string]interface{}{"role": "user", "content": "第一轮"},
		},
	}
	turn2 := map[string]interface{}{
		"messages": []interface{}{
			map[string]interface{}{"role": "user", "content": "第一轮"},
			map[string]interface{}{"role": "assistant", "content": "回复"},
			map[string]interface{}{"role": "user", "content": "第二轮"},
		},
	}
	if DeriveSessionHash(http.Header{}, turn1) != DeriveSessionHash(http.Header{}, turn2) {
		t.Error("同一会话的多轮请求应派生相同哈希")
	}

	// 无任何特征时返回空（不粘滞）
	if DeriveSessionHash(http.Header{}, map[string]interface{}{}) != "" {
		t.Error("无会话特征时应返回空哈希")
	}
}
