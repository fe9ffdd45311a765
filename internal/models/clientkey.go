package models

// ClientKey 表示客户侧 API Key（多租户入口凭证）
// 绑定字段决定调度候选集：bound_account_id 优先于 bound_group_id，
// 两者都为空时使用全部共享账号
type ClientKey struct {
	ID                string  `gorm:"primaryKey;size:36" json:"id"`
	Name              string  `gorm:"size:255;not null" json:"name"`
	APIKey            string  `gorm:"column:api_key;size:255;uniqueIndex;not null" json:"api_key"`
	Enabled           bool    `gorm:"default:true;index" json:"enabled"`
	BoundAccountID    *string `gorm:"column:bound_account_id;size:36" json:"bound_account_id,omitempty"`
	BoundGroupID      *string `gorm:"column:bound_group_id;size:36" json:"bound_group_id,omitempty"`
	RateLimitRPM      int     `gorm:"column:rate_limit_rpm;default:0" json:"rate_limit_rpm"` // 每分钟请求数限制，0表示不限制
	TotalRequests     int64   `gorm:"column:total_requests;default:0" json:"total_requests"`
	TotalInputTokens  int64   `gorm:"column:total_input_tokens;default:0" json:"total_input_tokens"`
	TotalOutputTokens int64   `gorm:"column:total_output_tokens;default:0" json:"total_output_tokens"`
	CreatedAt         string  `gorm:"column:created_at;size:50;not null;index" json:"created_at"`
	UpdatedAt         string  `gorm:"column:updated_at;size:50;not null" json:"updated_at"`
	Notes             *string `gorm:"type:text" json:"notes,omitempty"`
}

// TableName 指定表名
func (ClientKey) TableName() string {
	return "client_keys"
}

// ClientKeyCreate 表示创建客户 Key 的请求体
type ClientKeyCreate struct {
	Name           string  `json:"name" binding:"required"`
	BoundAccountID *string `json:"bound_account_id"`
	BoundGroupID   *string `json:"bound_group_id"`
	RateLimitRPM   *int    `json:"rate_limit_rpm"`
	Enabled        *bool   `json:"enabled"`
	Notes          *string `json:"notes"`
}

// ClientKeyUpdate 表示更新客户 Key 的请求体
type ClientKeyUpdate struct {
	Name           *string `json:"name"`
	BoundAccountID *string `json:"bound_account_id"`
	BoundGroupID   *string `json:"bound_group_id"`
	RateLimitRPM   *int    `json:"rate_limit_rpm"`
	Enabled        *bool   `json:"enabled"`
	Notes          *string `json:"notes"`
}
