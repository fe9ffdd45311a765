// Package tokenizer 提供请求侧 token 估算
// 用于 count_tokens 端点和上游未上报输入用量时的兜底估算
package tokenizer

import (
	"encoding/json"
	"sync"

	tokenizer "github.com/qhenkart/anthropic-tokenizer-go"

	"relay-gateway/internal/models"
)

var (
	anthropicTokenizer     *tokenizer.Tokenizer
	anthropicTokenizerOnce sync.Once
	anthropicTokenizerErr  error
)

// getAnthropicTokenizer 返回 Anthropic tokenizer 单例
func getAnthropicTokenizer() (*tokenizer.Tokenizer, error) {
	anthropicTokenizerOnce.Do(func() {
		anthropicTokenizer, anthropicTokenizerErr = tokenizer.New()
	})
	return anthropicTokenizer, anthropicTokenizerErr
}

// CountText 计算一段文本的 token 数量
// tokenizer 加载失败时回退到分词估算
func CountText(text string) int {
	if text == "" {
		return 0
	}
	t, err := getAnthropicTokenizer()
	if err != nil {
		return EstimateText(text)
	}
	return t.Tokens(text)
}

// CountRequest 估算一次 Messages 请求的输入 token 总量
// 覆盖 system 提示、消息内容和工具定义
func CountRequest(req *models.ClaudeRequest) int {
	total := 0

	total += countSystem(req.System)

	for _, msg := range req.Messages {
		// 角色本身加少量格式开销
		total += CountText(msg.Role) + 4
		total += countContent(msg.Content)
	}

	if len(req.Tools) > 0 {
		if toolsJSON, err := json.Marshal(req.Tools); err == nil {
			total += CountText(string(toolsJSON))
		}
	}

	return total
}

// countSystem 处理字符串和块数组两种 system 形态
func countSystem(system interface{}) int {
	switch v := system.(type) {
	case string:
		return CountText(v)
	case []interface{}:
		total := 0
		for _, block := range v {
			if m, ok := block.(map[string]interface{}); ok {
				if text, ok := m["text"].(string); ok {
					total += CountText(text)
				}
			}
		}
		return total
	}
	return 0
}

// countContent 处理字符串和内容块数组两种 content 形态
func countContent(content interface{}) int {
	switch v := content.(type) {
	case string:
		return CountText(v)
	case []interface{}:
		total := 0
		for _, block := range v {
			m, ok := block.(map[string]interface{})
			if !ok {
				continue
			}
			switch m["type"] {
			case "text":
				if text, ok := m["text"].(string); ok {
					total += CountText(text)
				}
			case "tool_use", "tool_result":
				// 工具块整体序列化后计数
				if blockJSON, err := json.Marshal(m); err == nil {
					total += CountText(string(blockJSON))
				}
			}
		}
		return total
	}
	return 0
}
