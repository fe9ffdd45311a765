package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DatabaseType 数据库类型
type DatabaseType string

const (
	DatabaseTypeSQLite DatabaseType = "sqlite"
	DatabaseTypeMySQL  DatabaseType = "mysql"
)

// SQLiteConfig SQLite 数据库配置
type SQLiteConfig struct {
	Path string `yaml:"path" json:"path"`
}

// MySQLConfig MySQL 数据库配置
type MySQLConfig struct {
	Host     string `yaml:"host" json:"host"`
	Port     int    `yaml:"port" json:"port"`
	User     string `yaml:"user" json:"user"`
	Password string `yaml:"password" json:"password"`
	Database string `yaml:"database" json:"database"`
	Charset  string `yaml:"charset" json:"charset"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Type   DatabaseType `yaml:"type" json:"type"`
	SQLite SQLiteConfig `yaml:"sqlite" json:"sqlite"`
	MySQL  MySQLConfig  `yaml:"mysql" json:"mysql"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Host string `yaml:"host" json:"host"`
	Port int    `yaml:"port" json:"port"`
	// AdminKey 管理端鉴权密钥，为空时管理端点全部关闭
	AdminKey string `yaml:"admin_key" json:"admin_key"`
}

// EncryptionConfig 账号密钥加密配置
type EncryptionConfig struct {
	// MasterKey 主密钥，派生后用于 AES-256-GCM 加密账号凭证
	MasterKey string `yaml:"master_key" json:"master_key"`
	// DecryptCacheSize 解密结果 LRU 缓存条目上限
	DecryptCacheSize int `yaml:"decrypt_cache_size" json:"decrypt_cache_size"`
	// DecryptCacheTTL 解密结果缓存有效期（秒）
	DecryptCacheTTLSeconds int `yaml:"decrypt_cache_ttl" json:"decrypt_cache_ttl"`
}

// OAuthConfig 身份服务配置（refresh_token 授权）
type OAuthConfig struct {
	// TokenURL Token 刷新端点
	TokenURL string `yaml:"token_url" json:"token_url"`
	// ClientID 刷新请求携带的 client_id
	ClientID string `yaml:"client_id" json:"client_id"`
	// RefreshIntervalHours 主动刷新间隔（小时），超过间隔的账号在取用时先刷新
	RefreshIntervalHours int `yaml:"refresh_interval_hours" json:"refresh_interval_hours"`
}

// SessionConfig 粘性会话与并发计数配置
type SessionConfig struct {
	// StickyTTLMinutes 粘性会话滑动 TTL（分钟），每次命中时续期
	StickyTTLMinutes int `yaml:"sticky_ttl_minutes" json:"sticky_ttl_minutes"`
	// ConcurrencyTTLMinutes 并发计数器兜底 TTL（分钟），进程崩溃后自愈
	ConcurrencyTTLMinutes int `yaml:"concurrency_ttl_minutes" json:"concurrency_ttl_minutes"`
}

// UpstreamConfig 上游服务端点配置
type UpstreamConfig struct {
	// AnthropicBaseURL Anthropic 系端点
	AnthropicBaseURL string `yaml:"anthropic_base_url" json:"anthropic_base_url"`
	// OpenAIBaseURL OpenAI 系端点
	OpenAIBaseURL string `yaml:"openai_base_url" json:"openai_base_url"`
}

// Config 应用配置
type Config struct {
	// 数据库配置
	Database DatabaseConfig

	// 服务器配置
	Server ServerConfig

	// 加密配置
	Encryption EncryptionConfig

	// OAuth 刷新配置
	OAuth OAuthConfig

	// 会话配置
	Session SessionConfig

	// 上游端点配置
	Upstream UpstreamConfig

	// HTTPProxy 全局上游代理（账号未单独配置代理时生效）
	HTTPProxy string
	// ProxyPoolEnabled 是否启用代理池
	ProxyPoolEnabled bool
	// ProxyPoolStrategy 代理选择策略: round_robin, random
	ProxyPoolStrategy string

	// 调试模式
	Debug bool
}

// Load 返回默认配置
func Load() *Config {
	return &Config{
		Database: DatabaseConfig{
			Type: DatabaseTypeSQLite,
			SQLite: SQLiteConfig{
				Path: "gateway.sqlite3",
			},
			MySQL: MySQLConfig{
				Host:     "localhost",
				Port:     3306,
				User:     "root",
				Password: "",
				Database: "relay-gateway",
				Charset:  "utf8mb4",
			},
		},
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 62317,
		},
		Encryption: EncryptionConfig{
			MasterKey:              "",
			DecryptCacheSize:       512,
			DecryptCacheTTLSeconds: 300,
		},
		OAuth: OAuthConfig{
			TokenURL:             "https://console.anthropic.com/v1/oauth/token",
			ClientID:             "9d1c250a-e61b-44d9-88ed-5944d1962f5e",
			RefreshIntervalHours: 6,
		},
		Session: SessionConfig{
			StickyTTLMinutes:      60,
			ConcurrencyTTLMinutes: 5,
		},
		Upstream: UpstreamConfig{
			AnthropicBaseURL: "https://api.anthropic.com",
			OpenAIBaseURL:    "https://api.openai.com",
		},
		HTTPProxy:         "",
		ProxyPoolEnabled:  false,
		ProxyPoolStrategy: "round_robin",
		Debug:             false,
	}
}

// RefreshInterval 返回 OAuth 主动刷新间隔
func (c *Config) RefreshInterval() time.Duration {
	hours := c.OAuth.RefreshIntervalHours
	if hours <= 0 {
		hours = 6
	}
	return time.Duration(hours) * time.Hour
}

// StickyTTL 返回粘性会话滑动 TTL
func (c *Config) StickyTTL() time.Duration {
	minutes := c.Session.StickyTTLMinutes
	if minutes <= 0 {
		minutes = 60
	}
	return time.Duration(minutes) * time.Minute
}

// ConcurrencyTTL 返回并发计数器兜底 TTL
func (c *Config) ConcurrencyTTL() time.Duration {
	minutes := c.Session.ConcurrencyTTLMinutes
	if minutes <= 0 {
		minutes = 5
	}
	return time.Duration(minutes) * time.Minute
}

// DecryptCacheTTL 返回解密缓存有效期
func (c *Config) DecryptCacheTTL() time.Duration {
	seconds := c.Encryption.DecryptCacheTTLSeconds
	if seconds <= 0 {
		seconds = 300
	}
	return time.Duration(seconds) * time.Second
}

// YAMLFileConfig YAML 配置文件结构
type YAMLFileConfig struct {
	Database   DatabaseConfig   `yaml:"database"`
	Server     ServerConfig     `yaml:"server"`
	Encryption EncryptionConfig `yaml:"encryption"`
	OAuth      OAuthConfig      `yaml:"oauth"`
	Session    SessionConfig    `yaml:"session"`
	Upstream   UpstreamConfig   `yaml:"upstream"`
	HTTPProxy  string           `yaml:"http_proxy"`
	ProxyPool  struct {
		Enabled  bool   `yaml:"enabled"`
		Strategy string `yaml:"strategy"`
	} `yaml:"proxy_pool"`
	Debug bool `yaml:"debug"`
}

// LoadFromYAML 从 YAML 配置文件加载配置
func LoadFromYAML(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var yamlConfig YAMLFileConfig
	if err := yaml.Unmarshal(data, &yamlConfig); err != nil {
		return nil, err
	}

	cfg := Load()

	if yamlConfig.Database.Type != "" {
		cfg.Database.Type = yamlConfig.Database.Type
	}
	if yamlConfig.Database.SQLite.Path != "" {
		cfg.Database.SQLite.Path = yamlConfig.Database.SQLite.Path
	}
	if yamlConfig.Database.MySQL.Host != "" {
		cfg.Database.MySQL.Host = yamlConfig.Database.MySQL.Host
	}
	if yamlConfig.Database.MySQL.Port != 0 {
		cfg.Database.MySQL.Port = yamlConfig.Database.MySQL.Port
	}
	if yamlConfig.Database.MySQL.User != "" {
		cfg.Database.MySQL.User = yamlConfig.Database.MySQL.User
	}
	if yamlConfig.Database.MySQL.Password != "" {
		cfg.Database.MySQL.Password = yamlConfig.Database.MySQL.Password
	}
	if yamlConfig.Database.MySQL.Database != "" {
		cfg.Database.MySQL.Database = yamlConfig.Database.MySQL.Database
	}
	if yamlConfig.Database.MySQL.Charset != "" {
		cfg.Database.MySQL.Charset = yamlConfig.Database.MySQL.Charset
	}
	if yamlConfig.Server.Host != "" {
		cfg.Server.Host = yamlConfig.Server.Host
	}
	if yamlConfig.Server.Port != 0 {
		cfg.Server.Port = yamlConfig.Server.Port
	}
	if yamlConfig.Server.AdminKey != "" {
		cfg.Server.AdminKey = yamlConfig.Server.AdminKey
	}
	if yamlConfig.Encryption.MasterKey != "" {
		cfg.Encryption.MasterKey = yamlConfig.Encryption.MasterKey
	}
	if yamlConfig.Encryption.DecryptCacheSize > 0 {
		cfg.Encryption.DecryptCacheSize = yamlConfig.Encryption.DecryptCacheSize
	}
	if yamlConfig.Encryption.DecryptCacheTTLSeconds > 0 {
		cfg.Encryption.DecryptCacheTTLSeconds = yamlConfig.Encryption.DecryptCacheTTLSeconds
	}
	if yamlConfig.OAuth.TokenURL != "" {
		cfg.OAuth.TokenURL = yamlConfig.OAuth.TokenURL
	}
	if yamlConfig.OAuth.ClientID != "" {
		cfg.OAuth.ClientID = yamlConfig.OAuth.ClientID
	}
	if yamlConfig.OAuth.RefreshIntervalHours > 0 {
		cfg.OAuth.RefreshIntervalHours = yamlConfig.OAuth.RefreshIntervalHours
	}
	if yamlConfig.Session.StickyTTLMinutes > 0 {
		cfg.Session.StickyTTLMinutes = yamlConfig.Session.StickyTTLMinutes
	}
	if yamlConfig.Session.ConcurrencyTTLMinutes > 0 {
		cfg.Session.ConcurrencyTTLMinutes = yamlConfig.Session.ConcurrencyTTLMinutes
	}
	if yamlConfig.Upstream.AnthropicBaseURL != "" {
		cfg.Upstream.AnthropicBaseURL = yamlConfig.Upstream.AnthropicBaseURL
	}
	if yamlConfig.Upstream.OpenAIBaseURL != "" {
		cfg.Upstream.OpenAIBaseURL = yamlConfig.Upstream.OpenAIBaseURL
	}
	if yamlConfig.HTTPProxy != "" {
		cfg.HTTPProxy = yamlConfig.HTTPProxy
	}
	cfg.ProxyPoolEnabled = yamlConfig.ProxyPool.Enabled
	if yamlConfig.ProxyPool.Strategy != "" {
		cfg.ProxyPoolStrategy = yamlConfig.ProxyPool.Strategy
	}
	cfg.Debug = yamlConfig.Debug

	return cfg, nil
}

// LoadConfig 加载配置文件（config.yaml 或 config.yml，找不到则使用默认值）
func LoadConfig() (*Config, error) {
	if _, err := os.Stat("config.yaml"); err == nil {
		return LoadFromYAML("config.yaml")
	}

	if _, err := os.Stat("config.yml"); err == nil {
		return LoadFromYAML("config.yml")
	}

	return Load(), nil
}
