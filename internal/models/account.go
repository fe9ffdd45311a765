package models

import (
	"time"
)

// TimeFormat 时间格式（带时区）
const TimeFormat = "2006-01-02T15:04:05Z07:00"

// CurrentTime 返回当前本地时间的格式字符串
func CurrentTime() string {
	return time.Now().Format(TimeFormat)
}

// EndpointType 上游端点类型
const (
	EndpointAnthropic       = "anthropic"
	EndpointAnthropicOAuth  = "anthropic-oauth"
	EndpointOpenAI          = "openai"
	EndpointOpenAIResponses = "openai-responses"
)

// Family 协议族（线缆格式），两个端点类型映射到同一族时才互相兼容
const (
	FamilyAnthropic = "anthropic"
	FamilyOpenAI    = "openai"
)

// EndpointFamily 将端点类型归一化为协议族，未知类型返回空字符串
func EndpointFamily(endpointType string) string {
	switch endpointType {
	case EndpointAnthropic, EndpointAnthropicOAuth:
		return FamilyAnthropic
	case EndpointOpenAI, EndpointOpenAIResponses:
		return FamilyOpenAI
	}
	return ""
}

// AccountType 账号调度类型
const (
	AccountTypeDedicated = "dedicated" // 专属账号，只能被显式绑定使用
	AccountTypeShared    = "shared"    // 共享账号，参与全局调度
	AccountTypeGroup     = "group"     // 分组成员，通过分组绑定使用
)

// AuthMethod 账号凭证形式
const (
	AuthMethodOAuth      = "oauth"        // OAuth refresh token 链
	AuthMethodAPIKeyPool = "api_key_pool" // 原始 API Key 池
)

// AccountStatus 账号状态枚举
const (
	AccountStatusCreated = "created" // 已创建，尚未验证
	AccountStatusActive  = "active"  // 正常可用
	AccountStatusError   = "error"   // 凭证异常，已隔离
)

// Account 表示一套上游凭证（OAuth 账号或 API Key 池）
// 注意：accessToken/refreshToken/池内 rawKey 均加密存储，应用层负责加解密
type Account struct {
	ID             string  `gorm:"primaryKey;size:36" json:"id"`
	Name           string  `gorm:"size:255" json:"name"`
	EndpointType   string  `gorm:"column:endpoint_type;size:50;index" json:"endpoint_type"`
	AccountType    string  `gorm:"column:account_type;size:20;default:'shared';index" json:"account_type"`
	GroupID        *string `gorm:"column:group_id;size:36;index" json:"group_id,omitempty"`
	Priority       int     `gorm:"column:priority;default:50" json:"priority"` // 1-100，数值越小越优先
	Schedulable    bool    `gorm:"column:schedulable;default:true;index" json:"schedulable"`
	IsActive       bool    `gorm:"column:is_active;default:true;index" json:"is_active"`
	Status         string  `gorm:"column:status;size:20;default:'created';index" json:"status"`
	AuthMethod     string  `gorm:"column:auth_method;size:20;default:'oauth'" json:"auth_method"`
	AccessToken    string  `gorm:"column:access_token;type:text" json:"-"`  // 加密存储
	RefreshToken   string  `gorm:"column:refresh_token;type:text" json:"-"` // 加密存储
	ExpiresAt      *string `gorm:"column:expires_at;size:50" json:"expires_at,omitempty"`
	LastRefreshAt  *string `gorm:"column:last_refresh_at;size:50" json:"last_refresh_at,omitempty"`
	LastUsedAt     *string `gorm:"column:last_used_at;size:50;index" json:"last_used_at,omitempty"`
	ErrorMessage   *string `gorm:"column:error_message;size:500" json:"error_message,omitempty"`
	ProxyURL       *string `gorm:"column:proxy_url;type:text" json:"proxy_url,omitempty"` // 账号专属上游代理
	OwnerEmail     *string `gorm:"column:owner_email;size:255" json:"owner_email,omitempty"`
	OwnerName      *string `gorm:"column:owner_name;size:255" json:"owner_name,omitempty"`
	OrganizationID *string `gorm:"column:organization_id;size:255" json:"organization_id,omitempty"`
	CreatedAt      string  `gorm:"column:created_at;size:50;index" json:"created_at"`
	UpdatedAt      string  `gorm:"column:updated_at;size:50" json:"updated_at"`
}

// TableName 指定表名
func (Account) TableName() string {
	return "accounts"
}

// IsSchedulable 检查账号当前是否可参与调度
func (a *Account) IsSchedulable() bool {
	return a.IsActive && a.Schedulable && a.Status != AccountStatusError
}

// PoolEntry 表示 API Key 池中的一个条目
type PoolEntry struct {
	ID           string  `gorm:"primaryKey;size:36" json:"id"`
	AccountID    string  `gorm:"column:account_id;size:36;not null;index" json:"account_id"`
	EncryptedKey string  `gorm:"column:encrypted_key;type:text;not null" json:"-"` // 加密存储的原始 Key
	LastUsedAt   *string `gorm:"column:last_used_at;size:50" json:"last_used_at,omitempty"`
	CreatedAt    string  `gorm:"column:created_at;size:50" json:"created_at"`
}

// TableName 指定表名
func (PoolEntry) TableName() string {
	return "pool_entries"
}

// AccountCreate 表示创建账号的请求体
type AccountCreate struct {
	Name         string   `json:"name" binding:"required"`
	EndpointType string   `json:"endpoint_type" binding:"required"`
	AccountType  *string  `json:"account_type"`
	GroupID      *string  `json:"group_id"`
	Priority     *int     `json:"priority"`
	AuthMethod   string   `json:"auth_method" binding:"required"`
	RefreshToken *string  `json:"refresh_token"` // auth_method=oauth 时必填
	AccessToken  *string  `json:"access_token"`
	APIKeys      []string `json:"api_keys"` // auth_method=api_key_pool 时必填
	ProxyURL     *string  `json:"proxy_url"`
}

// AccountUpdate 表示更新账号的请求体
type AccountUpdate struct {
	Name        *string `json:"name"`
	AccountType *string `json:"account_type"`
	GroupID     *string `json:"group_id"`
	Priority    *int    `json:"priority"`
	Schedulable *bool   `json:"schedulable"`
	IsActive    *bool   `json:"is_active"`
	Status      *string `json:"status"`
	ProxyURL    *string `json:"proxy_url"`
}

// IsPriorityValid 检查调度优先级是否在 1-100 范围内
func IsPriorityValid(priority int) bool {
	return priority >= 1 && priority <= 100
}

// IsAccountStatusValid 检查状态值是否有效
func IsAccountStatusValid(status string) bool {
	switch status {
	case AccountStatusCreated, AccountStatusActive, AccountStatusError:
		return true
	}
	return false
}
