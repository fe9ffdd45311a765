package models

// Proxy 上游转发代理配置
// 账号未设置专属 proxy_url 时，从启用的代理中按策略选取
type Proxy struct {
	ID        int64  `gorm:"primaryKey;autoIncrement" json:"id"`
	URL       string `gorm:"column:url;type:text;not null" json:"url"`
	Name      string `gorm:"column:name;size:100" json:"name"`
	Enabled   bool   `gorm:"column:enabled;default:true" json:"enabled"`
	CreatedAt string `gorm:"column:created_at;size:50" json:"created_at"`
	UpdatedAt string `gorm:"column:updated_at;size:50" json:"updated_at"`
}

// TableName 指定表名
func (Proxy) TableName() string {
	return "proxies"
}
