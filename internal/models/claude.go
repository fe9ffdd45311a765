package models

// ClaudeMessage 表示 Anthropic Messages API 格式的消息
type ClaudeMessage struct {
	Role    string      `json:"role"`
	Content interface{} `json:"content"` // 可以是字符串或 []ContentBlock
}

// ClaudeTool 表示 Anthropic API 中的工具定义
type ClaudeTool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

// ClaudeRequest 表示 Anthropic Messages API 请求
// 中转只解析转换所需字段，其余字段原样透传（见 relay 包）
type ClaudeRequest struct {
	Model       string          `json:"model"`
	Messages    []ClaudeMessage `json:"messages"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	Tools       []ClaudeTool    `json:"tools,omitempty"`
	ToolChoice  interface{}     `json:"tool_choice,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
	System      interface{}     `json:"system,omitempty"` // 可以是字符串或 []SystemBlock
	Thinking    interface{}     `json:"thinking,omitempty"`
}

// SystemBlock 表示系统提示块
type SystemBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ClaudeUsage 表示 Anthropic 系响应中的 usage 块
// 缓存创建量可能以单一总量出现，也可能按 5m/1h 档拆分在 cache_creation 里
type ClaudeUsage struct {
	InputTokens              int                 `json:"input_tokens"`
	OutputTokens             int                 `json:"output_tokens"`
	CacheCreationInputTokens int                 `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int                 `json:"cache_read_input_tokens"`
	CacheCreation            *ClaudeCacheTiering `json:"cache_creation,omitempty"`
}

// ClaudeCacheTiering 表示缓存创建量的分档明细
type ClaudeCacheTiering struct {
	Ephemeral5mInputTokens int `json:"ephemeral_5m_input_tokens"`
	Ephemeral1hInputTokens int `json:"ephemeral_1h_input_tokens"`
}

// Snapshot 将 Anthropic usage 归一化为 UsageSnapshot
// 总量缺失但有分档明细时，将明细求和作为总量
func (u *ClaudeUsage) Snapshot() UsageSnapshot {
	if u == nil {
		return UsageSnapshot{}
	}
	cacheCreate := u.CacheCreationInputTokens
	if cacheCreate == 0 && u.CacheCreation != nil {
		cacheCreate = u.CacheCreation.Ephemeral5mInputTokens + u.CacheCreation.Ephemeral1hInputTokens
	}
	return UsageSnapshot{
		InputTokens:       u.InputTokens,
		OutputTokens:      u.OutputTokens,
		CacheCreateTokens: cacheCreate,
		CacheReadTokens:   u.CacheReadInputTokens,
	}.Normalize()
}
