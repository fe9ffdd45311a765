package stream

import (
	"bytes"
	"encoding/json"

	"relay-gateway/internal/models"
)

// tailWindowSize 尾部窗口大小，用于在解析失败时兜底检测完成标记
const tailWindowSize = 1024

// Collector 从转发的响应流中提取用量和完成状态
// 解析是旁路的：无论解析成功与否，字节都原样转发给客户端
type Collector interface {
	// Feed 送入一段转发给客户端的原始字节
	Feed(p []byte)
	// Finish 流结束时调用，处理缓冲区残留
	Finish()
	// Usage 返回当前累计的用量快照
	Usage() models.UsageSnapshot
	// Completed 响应是否已到达完成标记
	Completed() bool
}

// NewCollector 按协议族创建用量收集器
func NewCollector(family string) Collector {
	if family == models.FamilyOpenAI {
		return &openAICollector{scanner: NewScanner()}
	}
	return &anthropicCollector{scanner: NewScanner()}
}

// appendTail 维护固定大小的尾部窗口
func appendTail(tail, p []byte) []byte {
	tail = append(tail, p...)
	if len(tail) > tailWindowSize {
		tail = tail[len(tail)-tailWindowSize:]
	}
	return tail
}

// anthropicCollector 解析 Anthropic 消息流
// 输入侧用量在 message_start 给出，输出侧在 message_delta 累计，
// message_stop 是完成标记
type anthropicCollector struct {
	scanner   *Scanner
	tail      []byte
	usage     models.UsageSnapshot
	completed bool
}

// anthropicStreamEvent message_start / message_delta 事件的公共字段
type anthropicStreamEvent struct {
	Type    string `json:"type"`
	Message *struct {
		Usage *models.ClaudeUsage `json:"usage"`
	} `json:"message"`
	Usage *models.ClaudeUsage `json:"usage"`
}

func (c *anthropicCollector) Feed(p []byte) {
	c.tail = appendTail(c.tail, p)
	for _, ev := range c.scanner.Feed(p) {
		c.observe(ev)
	}
}

func (c *anthropicCollector) Finish() {
	if ev, ok := c.scanner.Flush(); ok {
		c.observe(ev)
	}
	// 解析路径没抓到完成标记时，从尾部窗口兜底判断
	if !c.completed && bytes.Contains(c.tail, []byte("message_stop")) {
		c.completed = true
	}
}

func (c *anthropicCollector) observe(ev Event) {
	var parsed anthropicStreamEvent
	if err := json.Unmarshal(ev.Data, &parsed); err != nil {
		return
	}
	eventType := parsed.Type
	if eventType == "" {
		eventType = ev.Name
	}

	switch eventType {
	case "message_start":
		if parsed.Message != nil && parsed.Message.Usage != nil {
			snap := parsed.Message.Usage.Snapshot()
			c.usage.InputTokens = snap.InputTokens
			c.usage.CacheCreateTokens = snap.CacheCreateTokens
			c.usage.CacheReadTokens = snap.CacheReadTokens
			if snap.OutputTokens > c.usage.OutputTokens {
				c.usage.OutputTokens = snap.OutputTokens
			}
		}
	case "message_delta":
		if parsed.Usage != nil {
			snap := parsed.Usage.Snapshot()
			// delta 中的 output_tokens 是累计值，取最新的
			if snap.OutputTokens > 0 {
				c.usage.OutputTokens = snap.OutputTokens
			}
			if snap.InputTokens > 0 {
				c.usage.InputTokens = snap.InputTokens
			}
		}
	case "message_stop":
		c.completed = true
	}
}

func (c *anthropicCollector) Usage() models.UsageSnapshot {
	return c.usage.Normalize()
}

func (c *anthropicCollector) Completed() bool {
	return c.completed
}

// openAICollector 解析 OpenAI 系流
// 兼容 chat completions 分块（末块带 usage，[DONE] 收尾）
// 和 responses 流（response.completed 事件内嵌完整 usage）
type openAICollector struct {
	scanner   *Scanner
	tail      []byte
	usage     models.UsageSnapshot
	completed bool
}

// openAIStreamChunk chat completions 流分块
type openAIStreamChunk struct {
	Type    string `json:"type"`
	Choices []struct {
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage    *models.OpenAIUsage `json:"usage"`
	Response *struct {
		Usage *models.OpenAIUsage `json:"usage"`
	} `json:"response"`
}

func (c *openAICollector) Feed(p []byte) {
	c.tail = appendTail(c.tail, p)
	for _, ev := range c.scanner.Feed(p) {
		c.observe(ev)
	}
}

func (c *openAICollector) Finish() {
	if ev, ok := c.scanner.Flush(); ok {
		c.observe(ev)
	}
	if !c.completed {
		if bytes.Contains(c.tail, []byte("[DONE]")) ||
			bytes.Contains(c.tail, []byte("response.completed")) ||
			bytes.Contains(c.tail, []byte(`"finish_reason":"stop"`)) {
			c.completed = true
		}
	}
}

func (c *openAICollector) observe(ev Event) {
	if bytes.Equal(bytes.TrimSpace(ev.Data), []byte("[DONE]")) {
		c.completed = true
		return
	}

	var chunk openAIStreamChunk
	if err := json.Unmarshal(ev.Data, &chunk); err != nil {
		return
	}

	if chunk.Usage != nil {
		c.merge(chunk.Usage.Snapshot())
	}

	// responses 流：response.completed 事件携带最终用量
	eventType := chunk.Type
	if eventType == "" {
		eventType = ev.Name
	}
	if eventType == "response.completed" {
		c.completed = true
		if chunk.Response != nil && chunk.Response.Usage != nil {
			c.merge(chunk.Response.Usage.Snapshot())
		}
	}

	for _, choice := range chunk.Choices {
		if choice.FinishReason != nil && *choice.FinishReason != "" {
			c.completed = true
		}
	}
}

// merge 用更新的快照覆盖，末块的 usage 是整次请求的累计值
func (c *openAICollector) merge(snap models.UsageSnapshot) {
	snap = snap.Normalize()
	if snap.InputTokens > 0 {
		c.usage.InputTokens = snap.InputTokens
	}
	if snap.OutputTokens > 0 {
		c.usage.OutputTokens = snap.OutputTokens
	}
	if snap.CacheCreateTokens > 0 {
		c.usage.CacheCreateTokens = snap.CacheCreateTokens
	}
	if snap.CacheReadTokens > 0 {
		c.usage.CacheReadTokens = snap.CacheReadTokens
	}
}

func (c *openAICollector) Usage() models.UsageSnapshot {
	return c.usage.Normalize()
}

func (c *openAICollector) Completed() bool {
	return c.completed
}

// ParseAnthropicBody 从非流式响应体提取用量
func ParseAnthropicBody(body []byte) (models.UsageSnapshot, bool) {
	var resp struct {
		Usage *models.ClaudeUsage `json:"usage"`
	}
	if err := json.Unmarshal(body, &resp); err != nil || resp.Usage == nil {
		return models.UsageSnapshot{}, false
	}
	return resp.Usage.Snapshot().Normalize(), true
}

// ParseOpenAIBody 从非流式响应体提取用量
func ParseOpenAIBody(body []byte) (models.UsageSnapshot, bool) {
	var resp struct {
		Usage *models.OpenAIUsage `json:"usage"`
	}
	if err := json.Unmarshal(body, &resp); err != nil || resp.Usage == nil {
		return models.UsageSnapshot{}, false
	}
	return resp.Usage.Snapshot().Normalize(), true
}
