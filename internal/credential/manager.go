package credential

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"relay-gateway/internal/auth"
	"relay-gateway/internal/config"
	"relay-gateway/internal/crypto"
	"relay-gateway/internal/database"
	"relay-gateway/internal/logger"
	"relay-gateway/internal/models"
)

// ErrNoUsableCredential 账号不存在可用凭证（OAuth 已失效或池已空）
var ErrNoUsableCredential = errors.New("账号无可用凭证")

// Manager 管理账号凭证的加解密、刷新和 Key 池轮转
type Manager struct {
	db    *database.DB
	box   *crypto.Box
	oauth *auth.OAuthClient
	cfg   *config.Config

	// 每个账号一把刷新锁，防止并发重复刷新
	refreshLocks sync.Map
}

// NewManager 创建凭证管理器
func NewManager(cfg *config.Config, db *database.DB, box *crypto.Box) *Manager {
	return &Manager{
		db:    db,
		box:   box,
		oauth: auth.NewOAuthClient(cfg),
		cfg:   cfg,
	}
}

// EncryptSecret 加密一段凭证明文（存库前调用）
func (m *Manager) EncryptSecret(plaintext string) (string, error) {
	return m.box.Encrypt(plaintext)
}

// DecryptSecret 解密一段凭证密文
func (m *Manager) DecryptSecret(ciphertext string) (string, error) {
	return m.box.Decrypt(ciphertext)
}

func (m *Manager) lockFor(accountID string) *sync.Mutex {
	mu, _ := m.refreshLocks.LoadOrStore(accountID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// needsRefresh 判断 OAuth 账号是否需要刷新
// 从未刷新过、距离上次刷新超过配置间隔、或 access token 即将过期时都需要
func (m *Manager) needsRefresh(acc *models.Account) bool {
	if acc.AccessToken == "" {
		return true
	}
	if acc.LastRefreshAt == nil || *acc.LastRefreshAt == "" {
		return true
	}
	last, err := time.Parse(models.TimeFormat, *acc.LastRefreshAt)
	if err != nil {
		return true
	}
	if time.Since(last) >= m.cfg.RefreshInterval() {
		return true
	}
	if acc.ExpiresAt != nil && *acc.ExpiresAt != "" {
		expires, err := time.Parse(models.TimeFormat, *acc.ExpiresAt)
		if err == nil && time.Until(expires) < time.Minute {
			return true
		}
	}
	return false
}

// GetValidAccessToken 返回 OAuth 账号当前可用的 access token
// 需要时先执行一次 refresh_token 授权并落库；授权已失效的账号会被隔离
func (m *Manager) GetValidAccessToken(ctx context.Context, acc *models.Account) (string, error) {
	if acc.AuthMethod != models.AuthMethodOAuth {
		return "", fmt.Errorf("账号 %s 不是 OAuth 账号", acc.ID)
	}

	mu := m.lockFor(acc.ID)
	mu.Lock()
	defer mu.Unlock()

	// 加锁后重新读取，前一个等锁的请求可能已经刷新过了
	fresh, err := m.db.GetAccount(ctx, acc.ID)
	if err != nil {
		return "", err
	}
	if fresh == nil {
		return "", fmt.Errorf("账号 %s 不存在", acc.ID)
	}

	if !m.needsRefresh(fresh) {
		return m.box.Decrypt(fresh.AccessToken)
	}

	return m.refreshLocked(ctx, fresh)
}

// RefreshAccount 强制刷新一个 OAuth 账号（后台定时任务使用）
func (m *Manager) RefreshAccount(ctx context.Context, acc *models.Account) error {
	if acc.AuthMethod != models.AuthMethodOAuth {
		return nil
	}
	mu := m.lockFor(acc.ID)
	mu.Lock()
	defer mu.Unlock()
	_, err := m.refreshLocked(ctx, acc)
	return err
}

// RefreshIfNeeded 账号到达刷新窗口时才刷新，返回是否执行了刷新
func (m *Manager) RefreshIfNeeded(ctx context.Context, acc *models.Account) (bool, error) {
	if acc.AuthMethod != models.AuthMethodOAuth {
		return false, nil
	}
	mu := m.lockFor(acc.ID)
	mu.Lock()
	defer mu.Unlock()

	fresh, err := m.db.GetAccount(ctx, acc.ID)
	if err != nil {
		return false, err
	}
	if fresh == nil {
		return false, fmt.Errorf("账号 %s 不存在", acc.ID)
	}
	if !m.needsRefresh(fresh) {
		return false, nil
	}
	_, err = m.refreshLocked(ctx, fresh)
	return true, err
}

// refreshLocked 执行刷新并落库，调用方必须已持有账号刷新锁
func (m *Manager) refreshLocked(ctx context.Context, acc *models.Account) (string, error) {
	if acc.RefreshToken == "" {
		return "", fmt.Errorf("%w: 账号 %s 缺少 refresh token", ErrNoUsableCredential, acc.ID)
	}

	refreshToken, err := m.box.Decrypt(acc.RefreshToken)
	if err != nil {
		return "", fmt.Errorf("解密 refresh token 失败: %w", err)
	}

	result, err := m.oauth.Refresh(ctx, refreshToken)
	if err != nil {
		if !auth.IsTransientRefreshError(err) {
			// 授权已失效，隔离账号避免继续参与调度
			logger.Warn("凭证: 账号 %s 授权失效，已隔离 - %v", acc.ID, err)
			if dbErr := m.db.DisableAccount(ctx, acc.ID, err.Error()); dbErr != nil {
				logger.Error("凭证: 隔离账号 %s 失败: %v", acc.ID, dbErr)
			}
			return "", fmt.Errorf("%w: %v", ErrNoUsableCredential, err)
		}
		logger.Warn("凭证: 账号 %s 刷新遇到临时错误: %v", acc.ID, err)
		// 临时错误时旧 token 可能仍然有效，尽量继续服务
		if acc.AccessToken != "" {
			if token, decErr := m.box.Decrypt(acc.AccessToken); decErr == nil {
				return token, nil
			}
		}
		return "", err
	}

	encryptedAccess, err := m.box.Encrypt(result.AccessToken)
	if err != nil {
		return "", fmt.Errorf("加密 access token 失败: %w", err)
	}

	updates := map[string]interface{}{
		"access_token":    encryptedAccess,
		"expires_at":      result.ExpiresAt.Format(models.TimeFormat),
		"last_refresh_at": models.CurrentTime(),
		"status":          models.AccountStatusActive,
		"error_message":   nil,
	}
	// 身份服务可能轮换 refresh token
	if result.RefreshToken != "" {
		encryptedRefresh, err := m.box.Encrypt(result.RefreshToken)
		if err != nil {
			return "", fmt.Errorf("加密 refresh token 失败: %w", err)
		}
		updates["refresh_token"] = encryptedRefresh
	}
	if result.Email != "" {
		updates["owner_email"] = result.Email
	}
	if result.Name != "" {
		updates["owner_name"] = result.Name
	}
	if result.OrganizationID != "" {
		updates["organization_id"] = result.OrganizationID
	}

	if err := m.db.UpdateAccount(ctx, acc.ID, updates); err != nil {
		return "", fmt.Errorf("保存刷新结果失败: %w", err)
	}

	logger.Info("凭证: 账号 %s (%s) token 刷新完成", acc.Name, acc.ID)
	return result.AccessToken, nil
}

// SelectPoolEntry 从账号的 Key 池中选取条目并解密
// preferredEntryID 非空且条目仍在池中时复用（会话粘滞），否则在池内均匀随机选取
// 返回条目（用于失败时定点移除）和解密后的原始 Key
func (m *Manager) SelectPoolEntry(ctx context.Context, acc *models.Account, preferredEntryID string) (*models.PoolEntry, string, error) {
	if acc.AuthMethod != models.AuthMethodAPIKeyPool {
		return nil, "", fmt.Errorf("账号 %s 不是 Key 池账号", acc.ID)
	}

	entries, err := m.db.ListPoolEntries(ctx, acc.ID)
	if err != nil {
		return nil, "", err
	}
	if len(entries) == 0 {
		return nil, "", fmt.Errorf("%w: 账号 %s 的 Key 池为空", ErrNoUsableCredential, acc.ID)
	}

	var selected *models.PoolEntry
	if preferredEntryID != "" {
		for _, e := range entries {
			if e.ID == preferredEntryID {
				selected = e
				break
			}
		}
	}
	if selected == nil {
		selected = entries[rand.Intn(len(entries))]
	}

	rawKey, err := m.box.Decrypt(selected.EncryptedKey)
	if err != nil {
		return nil, "", fmt.Errorf("解密池条目 %s 失败: %w", selected.ID, err)
	}

	if err := m.db.TouchPoolEntryLastUsed(ctx, selected.ID); err != nil {
		logger.Warn("凭证: 更新池条目使用时间失败: %v", err)
	}
	return selected, rawKey, nil
}

// RemovePoolEntry 从账号池中移除一个失效的 Key，幂等，返回剩余条目数
// 池被清空时账号整体隔离
func (m *Manager) RemovePoolEntry(ctx context.Context, accountID, entryID string, reason string) (int, error) {
	remaining, err := m.db.DeletePoolEntry(ctx, accountID, entryID)
	if err != nil {
		return 0, err
	}
	if remaining == 0 {
		logger.Warn("凭证: 账号 %s 的 Key 池已清空，隔离账号", accountID)
		return 0, m.db.DisableAccount(ctx, accountID, fmt.Sprintf("API Key 池已空: %s", reason))
	}
	return remaining, nil
}
