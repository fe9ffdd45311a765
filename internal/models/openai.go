package models

// ChatMessage 表示 OpenAI 聊天消息
type ChatMessage struct {
	Role       string      `json:"role"`
	Content    interface{} `json:"content"` // 通常是字符串，但可以是多部分
	ToolCalls  interface{} `json:"tool_calls,omitempty"`
	ToolCallID string      `json:"tool_call_id,omitempty"`
}

// ChatCompletionRequest 表示 OpenAI 聊天完成请求
// 中转只解析转换所需字段，其余字段原样透传（见 relay 包）
type ChatCompletionRequest struct {
	Model    string        `json:"model"`
	Messages []ChatMessage `json:"messages"`
	Stream   bool          `json:"stream,omitempty"`
}

// OpenAIUsage 表示 OpenAI 系响应中的 usage 对象
// Chat Completions 用 prompt/completion 命名，Responses API 用 input/output 命名，
// 两种命名都可能出现，归一化时取非零者
type OpenAIUsage struct {
	PromptTokens        int                 `json:"prompt_tokens"`
	CompletionTokens    int                 `json:"completion_tokens"`
	InputTokens         int                 `json:"input_tokens"`
	OutputTokens        int                 `json:"output_tokens"`
	TotalTokens         int                 `json:"total_tokens"`
	PromptTokensDetails *OpenAITokenDetails `json:"prompt_tokens_details,omitempty"`
	InputTokensDetails  *OpenAITokenDetails `json:"input_tokens_details,omitempty"`
}

// OpenAITokenDetails 表示 usage 的明细（缓存命中）
type OpenAITokenDetails struct {
	CachedTokens int `json:"cached_tokens"`
}

// Snapshot 将 OpenAI usage 归一化为 UsageSnapshot
func (u *OpenAIUsage) Snapshot() UsageSnapshot {
	if u == nil {
		return UsageSnapshot{}
	}
	input := u.PromptTokens
	if input == 0 {
		input = u.InputTokens
	}
	output := u.CompletionTokens
	if output == 0 {
		output = u.OutputTokens
	}
	cacheRead := 0
	if u.PromptTokensDetails != nil {
		cacheRead = u.PromptTokensDetails.CachedTokens
	}
	if cacheRead == 0 && u.InputTokensDetails != nil {
		cacheRead = u.InputTokensDetails.CachedTokens
	}
	// OpenAI 系的缓存命中量包含在输入量内，扣除后与 Anthropic 口径一致
	if cacheRead > input {
		cacheRead = input
	}
	return UsageSnapshot{
		InputTokens:     input - cacheRead,
		OutputTokens:    output,
		CacheReadTokens: cacheRead,
	}.Normalize()
}
