package models

// UsageSnapshot 表示单次请求的归一化 token 用量
// 由两种协议族的异构 usage 载荷归一化而来，字段永远非负
type UsageSnapshot struct {
	InputTokens       int `json:"input_tokens"`
	OutputTokens      int `json:"output_tokens"`
	CacheCreateTokens int `json:"cache_create_tokens"`
	CacheReadTokens   int `json:"cache_read_tokens"`
}

// Total 返回快照的 token 总量
func (u UsageSnapshot) Total() int {
	return u.InputTokens + u.OutputTokens + u.CacheCreateTokens + u.CacheReadTokens
}

// IsZero 检查快照是否为空（总量为零的快照不入账，避免污染统计）
func (u UsageSnapshot) IsZero() bool {
	return u.Total() == 0
}

// Normalize 将负数字段钳制为 0
func (u UsageSnapshot) Normalize() UsageSnapshot {
	if u.InputTokens < 0 {
		u.InputTokens = 0
	}
	if u.OutputTokens < 0 {
		u.OutputTokens = 0
	}
	if u.CacheCreateTokens < 0 {
		u.CacheCreateTokens = 0
	}
	if u.CacheReadTokens < 0 {
		u.CacheReadTokens = 0
	}
	return u
}

// UsageRecord 表示按（客户Key, 账号, 模型, 小时桶）聚合的用量记录
type UsageRecord struct {
	ID                string `gorm:"primaryKey;size:36" json:"id"`
	ClientKeyID       string `gorm:"column:client_key_id;size:36;not null;index:idx_usage_key_bucket,priority:1" json:"client_key_id"`
	AccountID         string `gorm:"column:account_id;size:36;not null;index" json:"account_id"`
	Model             string `gorm:"size:100;not null" json:"model"`
	Bucket            string `gorm:"size:13;not null;index:idx_usage_key_bucket,priority:2" json:"bucket"` // YYYY-MM-DD-HH
	InputTokens       int64  `gorm:"column:input_tokens;default:0" json:"input_tokens"`
	OutputTokens      int64  `gorm:"column:output_tokens;default:0" json:"output_tokens"`
	CacheCreateTokens int64  `gorm:"column:cache_create_tokens;default:0" json:"cache_create_tokens"`
	CacheReadTokens   int64  `gorm:"column:cache_read_tokens;default:0" json:"cache_read_tokens"`
	RequestCount      int64  `gorm:"column:request_count;default:0" json:"request_count"`
}

// TableName 指定表名
func (UsageRecord) TableName() string {
	return "usage_records"
}
