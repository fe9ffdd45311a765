package credential

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/google/uuid"

	"relay-gateway/internal/config"
	"relay-gateway/internal/crypto"
	"relay-gateway/internal/database"
	"relay-gateway/internal/models"
)

func newTestManager(t *testing.T, tokenURL string) (*Manager, *database.DB) {
	t.Helper()

	cfg := config.Load()
	cfg.Database.SQLite.Path = filepath.Join(t.TempDir(), "test.sqlite3")
	cfg.Encryption.MasterKey = "test-master-key"
	if tokenURL != "" {
		cfg.OAuth.TokenURL = tokenURL
	}

	db, err := database.New(cfg)
	if err != nil {
		t.Fatalf("初始化数据库失败: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	box, err := crypto.NewBox(cfg.Encryption.MasterKey, cfg.Encryption.DecryptCacheSize, cfg.DecryptCacheTTL())
	if err != nil {
		t.Fatalf("初始化加密器失败: %v", err)
	}

	return NewManager(cfg, db, box), db
}

func createOAuthAccount(t *testing.T, m *Manager, db *database.DB) *models.Account {
	t.Helper()

	encRefresh, err := m.EncryptSecret("old-refresh-token")
	if err != nil {
		t.Fatalf("加密 refresh token 失败: %v", err)
	}

	acc := &models.Account{
		ID:           uuid.New().String(),
		Name:         "测试 OAuth 账号",
		EndpointType: models.EndpointAnthropicOAuth,
		AccountType:  models.AccountTypeShared,
		AuthMethod:   models.AuthMethodOAuth,
		RefreshToken: encRefresh,
		Schedulable:  true,
		IsActive:     true,
		Status:       models.AccountStatusCreated,
		CreatedAt:    models.CurrentTime(),
		UpdatedAt:    models.CurrentTime(),
	}
	if err := db.CreateAccount(context.Background(), acc); err != nil {
		t.Fatalf("创建账号失败: %v", err)
	}
	return acc
}

func TestManager_RefreshPersistsTokensAndMetadata(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "POST" {
			t.Errorf("刷新请求方法错误: %s", r.Method)
		}
		if err := r.ParseForm(); err != nil {
			t.Fatalf("解析表单失败: %v", err)
		}
		if got := r.PostForm.Get("grant_type"); got != "refresh_token" {
			t.Errorf("grant_type 错误: %s", got)
		}
		if got := r.PostForm.Get("refresh_token"); got != "old-refresh-token" {
			t.Errorf("refresh_token 错误: %s", got)
		}

		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token":  "new-access-token",
			"refresh_token": "new-refresh-token",
			"expires_in":    3600,
			"user": map[string]string{
				"email": "user@example.com",
				"name":  "测试用户",
				"id":    "u-123",
			},
			"organization_id": "org-456",
		})
	}))
	defer server.Close()

	m, db := newTestManager(t, server.URL)
	acc := createOAuthAccount(t, m, db)

	token, err := m.GetValidAccessToken(context.Background(), acc)
	if err != nil {
		t.Fatalf("获取 access token 失败: %v", err)
	}
	if token != "new-access-token" {
		t.Errorf("access token 错误: %s", token)
	}

	// 刷新结果应已落库并加密
	fresh, err := db.GetAccount(context.Background(), acc.ID)
	if err != nil || fresh == nil {
		t.Fatalf("读取账号失败: %v", err)
	}
	if fresh.Status != models.AccountStatusActive {
		t.Errorf("刷新成功后状态应为 active，实际: %s", fresh.Status)
	}
	if fresh.LastRefreshAt == nil || *fresh.LastRefreshAt == "" {
		t.Error("last_refresh_at 未更新")
	}
	if fresh.OwnerEmail == nil || *fresh.OwnerEmail != "user@example.com" {
		t.Error("所有者邮箱未落库")
	}
	if fresh.AccessToken == "new-access-token" {
		t.Error("access token 落库前未加密")
	}
	decrypted, err := m.DecryptSecret(fresh.AccessToken)
	if err != nil || decrypted != "new-access-token" {
		t.Errorf("落库的 access token 解密结果错误: %s, err=%v", decrypted, err)
	}
	newRefresh, err := m.DecryptSecret(fresh.RefreshToken)
	if err != nil || newRefresh != "new-refresh-token" {
		t.Errorf("轮换后的 refresh token 未落库: %s, err=%v", newRefresh, err)
	}

	// 刷新间隔内再次取用不应触发第二次刷新
	token2, err := m.GetValidAccessToken(context.Background(), fresh)
	if err != nil {
		t.Fatalf("二次获取 access token 失败: %v", err)
	}
	if token2 != "new-access-token" {
		t.Errorf("二次获取结果错误: %s", token2)
	}
}

func TestManager_InvalidGrantQuarantinesAccount(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{
			"error":             "invalid_grant",
			"error_description": "refresh token 已吊销",
		})
	}))
	defer server.Close()

	m, db := newTestManager(t, server.URL)
	acc := createOAuthAccount(t, m, db)

	_, err := m.GetValidAccessToken(context.Background(), acc)
	if err == nil {
		t.Fatal("授权失效时应返回错误")
	}

	fresh, _ := db.GetAccount(context.Background(), acc.ID)
	if fresh.Schedulable {
		t.Error("授权失效后账号仍可调度")
	}
	if fresh.Status != models.AccountStatusError {
		t.Errorf("授权失效后状态应为 error，实际: %s", fresh.Status)
	}
	if fresh.ErrorMessage == nil || *fresh.ErrorMessage == "" {
		t.Error("隔离原因未记录")
	}
}

func TestManager_TransientErrorKeepsOldToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	m, db := newTestManager(t, server.URL)
	acc := createOAuthAccount(t, m, db)

	// 预置一个旧的 access token
	encAccess, _ := m.EncryptSecret("stale-but-usable")
	if err := db.UpdateAccount(context.Background(), acc.ID, map[string]interface{}{
		"access_token": encAccess,
	}); err != nil {
		t.Fatalf("预置 access token 失败: %v", err)
	}

	token, err := m.GetValidAccessToken(context.Background(), acc)
	if err != nil {
		t.Fatalf("临时错误时应回退到旧 token: %v", err)
	}
	if token != "stale-but-usable" {
		t.Errorf("回退 token 错误: %s", token)
	}

	// 临时错误不应隔离账号
	fresh, _ := db.GetAccount(context.Background(), acc.ID)
	if !fresh.Schedulable {
		t.Error("临时错误不应导致账号被隔离")
	}
}

func TestManager_PoolSelectionAndRemoval(t *testing.T) {
	m, db := newTestManager(t, "")
	ctx := context.Background()

	acc := &models.Account{
		ID:           uuid.New().String(),
		Name:         "测试 Key 池账号",
		EndpointType: models.EndpointAnthropic,
		AccountType:  models.AccountTypeShared,
		AuthMethod:   models.AuthMethodAPIKeyPool,
		Schedulable:  true,
		IsActive:     true,
		Status:       models.AccountStatusActive,
		CreatedAt:    models.CurrentTime(),
		UpdatedAt:    models.CurrentTime(),
	}
	if err := db.CreateAccount(ctx, acc); err != nil {
		t.Fatalf("创建账号失败: %v", err)
	}

	rawKeys := map[string]string{} // 条目 ID -> 明文 Key
	var entryIDs []string
	for _, raw := range []string{"sk-pool-a", "sk-pool-b"} {
		enc, err := m.EncryptSecret(raw)
		if err != nil {
			t.Fatalf("加密 Key 失败: %v", err)
		}
		entry := &models.PoolEntry{
			ID:           uuid.New().String(),
			AccountID:    acc.ID,
			EncryptedKey: enc,
			CreatedAt:    models.CurrentTime(),
		}
		if err := db.CreatePoolEntry(ctx, entry); err != nil {
			t.Fatalf("创建池条目失败: %v", err)
		}
		rawKeys[entry.ID] = raw
		entryIDs = append(entryIDs, entry.ID)
	}

	// 无粘滞时从池中选取，解密结果应与选中条目一致
	entry, rawKey, err := m.SelectPoolEntry(ctx, acc, "")
	if err != nil {
		t.Fatalf("选取池条目失败: %v", err)
	}
	if rawKeys[entry.ID] != rawKey {
		t.Errorf("解密结果与条目不符: %s", rawKey)
	}

	// 指定粘滞条目时必须复用该条目
	for _, id := range entryIDs {
		e, key, err := m.SelectPoolEntry(ctx, acc, id)
		if err != nil {
			t.Fatalf("粘滞选取失败: %v", err)
		}
		if e.ID != id || key != rawKeys[id] {
			t.Errorf("粘滞条目未复用: 期望 %s，实际 %s", id, e.ID)
		}
	}

	// 粘滞条目已被移除时回退到随机选取
	e, _, err := m.SelectPoolEntry(ctx, acc, "missing-entry-id")
	if err != nil {
		t.Fatalf("粘滞失效时应回退选取: %v", err)
	}
	if e == nil {
		t.Fatal("回退选取结果为空")
	}

	// 移除条目，幂等
	remaining, err := m.RemovePoolEntry(ctx, acc.ID, entryIDs[0], "上游返回 401")
	if err != nil {
		t.Fatalf("移除池条目失败: %v", err)
	}
	if remaining != 1 {
		t.Errorf("移除后剩余条目数应为 1，实际 %d", remaining)
	}
	if _, err := m.RemovePoolEntry(ctx, acc.ID, entryIDs[0], "重复移除"); err != nil {
		t.Fatalf("重复移除应幂等: %v", err)
	}

	// 清空池后账号整体隔离
	if _, err := m.RemovePoolEntry(ctx, acc.ID, entryIDs[1], "上游返回 403"); err != nil {
		t.Fatalf("移除最后一个条目失败: %v", err)
	}
	fresh, _ := db.GetAccount(ctx, acc.ID)
	if fresh.Schedulable || fresh.Status != models.AccountStatusError {
		t.Errorf("池清空后账号应被隔离，schedulable=%v status=%s", fresh.Schedulable, fresh.Status)
	}
}
