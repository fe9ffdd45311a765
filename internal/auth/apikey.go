package auth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
)

// GenerateAPIKey 生成客户侧 API Key
// 格式: rg-<base64url>，32 字节熵（256 位）
func GenerateAPIKey() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}

	key := base64.RawURLEncoding.EncodeToString(bytes)
	return fmt.Sprintf("rg-%s", key), nil
}

// GetAPIKeyPrefix 返回 Key 的前 16 个字符用于日志，避免整 Key 落日志
func GetAPIKeyPrefix(key string) string {
	if len(key) > 16 {
		return key[:16] + "..."
	}
	return key
}

// IsClientAPIKey 检查是否为客户侧 Key 前缀
func IsClientAPIKey(key string) bool {
	return strings.HasPrefix(key, "rg-") || strings.HasPrefix(key, "sk-")
}
