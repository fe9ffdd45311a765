// Package crypto 提供账号凭证的静态加密
// AES-256-GCM，密钥由主密钥经 scrypt 派生；派生结果和解密结果分别缓存，
// 吸收热路径上的加解密开销
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/crypto/scrypt"
)

// 密钥派生盐，按用途固定（修改会导致存量密文无法解密）
const keyDerivationSalt = "relay-gateway-credential-salt"

// scrypt 参数（N=32768 派生一次约数十毫秒，结果会被缓存）
const (
	scryptN = 32768
	scryptR = 8
	scryptP = 1
)

// ErrInvalidCiphertext 密文格式损坏或认证失败
var ErrInvalidCiphertext = errors.New("密文无效")

// Box 凭证加密器
// 派生密钥在构造时计算一次并常驻内存，绝不落盘；
// 解密结果进入有界 LRU 缓存，短 TTL 过期
type Box struct {
	gcm          cipher.AEAD
	decryptCache *expirable.LRU[string, string]
}

// NewBox 创建加密器
// masterKey 为主密钥；cacheSize/cacheTTL 控制解密结果缓存
func NewBox(masterKey string, cacheSize int, cacheTTL time.Duration) (*Box, error) {
	if masterKey == "" {
		return nil, fmt.Errorf("加密主密钥不能为空")
	}
	if cacheSize <= 0 {
		cacheSize = 512
	}
	if cacheTTL <= 0 {
		cacheTTL = 5 * time.Minute
	}

	// scrypt 慢派生，结果作为 AES-256 密钥
	key, err := scrypt.Key([]byte(masterKey), []byte(keyDerivationSalt), scryptN, scryptR, scryptP, 32)
	if err != nil {
		return nil, fmt.Errorf("派生加密密钥失败: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("初始化 AES 失败: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("初始化 GCM 失败: %w", err)
	}

	return &Box{
		gcm:          gcm,
		decryptCache: expirable.NewLRU[string, string](cacheSize, nil, cacheTTL),
	}, nil
}

// Encrypt 加密明文，每次使用新的随机 nonce，返回 base64(nonce || 密文)
func (b *Box) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	nonce := make([]byte, b.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("生成随机 nonce 失败: %w", err)
	}
	sealed := b.gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt 解密密文
// 损坏的密文返回空串和 ErrInvalidCiphertext，不会 panic 到请求路径
func (b *Box) Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}

	// 命中缓存直接返回
	cacheKey := decryptCacheKey(ciphertext)
	if v, ok := b.decryptCache.Get(cacheKey); ok {
		return v, nil
	}

	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", ErrInvalidCiphertext
	}
	nonceSize := b.gcm.NonceSize()
	if len(raw) < nonceSize {
		return "", ErrInvalidCiphertext
	}
	plaintext, err := b.gcm.Open(nil, raw[:nonceSize], raw[nonceSize:], nil)
	if err != nil {
		return "", ErrInvalidCiphertext
	}

	result := string(plaintext)
	b.decryptCache.Add(cacheKey, result)
	return result, nil
}

// InvalidateCache 清空解密缓存（凭证轮换后调用）
func (b *Box) InvalidateCache() {
	b.decryptCache.Purge()
}

// decryptCacheKey 用密文哈希做缓存键，避免长密文占用内存
func decryptCacheKey(ciphertext string) string {
	sum := sha256.Sum256([]byte(ciphertext))
	return base64.StdEncoding.EncodeToString(sum[:])
}
