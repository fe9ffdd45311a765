package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"

	"relay-gateway/internal/config"
	"relay-gateway/internal/crypto"
	"relay-gateway/internal/database"
	"relay-gateway/internal/models"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const testAdminKey = "admin-secret"

func newTestServer(t *testing.T) (*Server, *gin.Engine) {
	t.Helper()

	cfg := config.Load()
	cfg.Database.SQLite.Path = filepath.Join(t.TempDir(), "test.sqlite3")
	cfg.Encryption.MasterKey = "test-master-key"
	cfg.Server.AdminKey = testAdminKey

	db, err := database.New(cfg)
	if err != nil {
		t.Fatalf("初始化数据库失败: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	box, err := crypto.NewBox(cfg.Encryption.MasterKey, cfg.Encryption.DecryptCacheSize, cfg.DecryptCacheTTL())
	if err != nil {
		t.Fatalf("初始化加密器失败: %v", err)
	}

	server := NewServer(cfg, db, box, "test")
	t.Cleanup(func() { server.Shutdown(context.Background()) })
	return server, server.Router()
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("编码请求体失败: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func adminHeaders() map[string]string {
	return map[string]string{"Authorization": "Bearer " + testAdminKey}
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("解析响应体失败: %v, 原始响应: %s", err, w.Body.String())
	}
	return body
}

// createTestClientKey 通过管理端创建客户 Key，返回 ID 与明文 Key
func createTestClientKey(t *testing.T, router *gin.Engine, name string) (string, string) {
	t.Helper()

	w := doJSON(t, router, http.MethodPost, "/v2/keys", models.ClientKeyCreate{Name: name}, adminHeaders())
	if w.Code != http.StatusCreated {
		t.Fatalf("创建客户Key失败，状态码 %d: %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	apiKey, _ := body["api_key"].(string)
	key, _ := body["key"].(map[string]interface{})
	id, _ := key["id"].(string)
	if id == "" || apiKey == "" {
		t.Fatalf("创建响应缺少 id 或 api_key: %s", w.Body.String())
	}
	return id, apiKey
}

func TestHealthAndVersion(t *testing.T) {
	_, router := newTestServer(t)

	w := doJSON(t, router, http.MethodGet, "/healthz", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("健康检查应返回 200，实际 %d", w.Code)
	}

	w = doJSON(t, router, http.MethodGet, "/version", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("版本接口应返回 200，实际 %d", w.Code)
	}
	if body := decodeBody(t, w); body["version"] != "test" {
		t.Errorf("版本应为 test，实际 %v", body["version"])
	}
}

func TestClientKeyAuth(t *testing.T) {
	_, router := newTestServer(t)

	// 无 Key
	w := doJSON(t, router, http.MethodPost, "/v1/messages", gin.H{"model": "claude-sonnet-4-5-20250929"}, nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("缺少 Key 应返回 401，实际 %d", w.Code)
	}

	// 无效 Key
	w = doJSON(t, router, http.MethodPost, "/v1/messages", gin.H{}, map[string]string{"x-api-key": "rg-bogus"})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("无效 Key 应返回 401，实际 %d", w.Code)
	}
}

func TestClientKeyAuthDisabledKey(t *testing.T) {
	_, router := newTestServer(t)

	id, apiKey := createTestClientKey(t, router, "待禁用")
	enabled := false
	w := doJSON(t, router, http.MethodPut, "/v2/keys/"+id, models.ClientKeyUpdate{Enabled: &enabled}, adminHeaders())
	if w.Code != http.StatusOK {
		t.Fatalf("禁用客户Key失败: %d", w.Code)
	}

	w = doJSON(t, router, http.MethodPost, "/v1/messages", gin.H{}, map[string]string{"x-api-key": apiKey})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("已禁用 Key 应返回 401，实际 %d", w.Code)
	}
}

func TestRateLimitExceeded(t *testing.T) {
	_, router := newTestServer(t)

	id, apiKey := createTestClientKey(t, router, "限流")
	rpm := 2
	w := doJSON(t, router, http.MethodPut, "/v2/keys/"+id, models.ClientKeyUpdate{RateLimitRPM: &rpm}, adminHeaders())
	if w.Code != http.StatusOK {
		t.Fatalf("设置限流失败: %d", w.Code)
	}

	headers := map[string]string{"x-api-key": apiKey}
	body := gin.H{"model": "claude-sonnet-4-5-20250929", "messages": []gin.H{{"role": "user", "content": "hi"}}}
	// 前两次应通过限流（无可用账号返回 503，而不是 429）
	for i := 0; i < 2; i++ {
		w = doJSON(t, router, http.MethodPost, "/v1/messages/count_tokens", body, headers)
		if w.Code == http.StatusTooManyRequests {
			t.Fatalf("第 %d 次请求不应被限流", i+1)
		}
	}
	// 第三次超限
	w = doJSON(t, router, http.MethodPost, "/v1/messages/count_tokens", body, headers)
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("超限请求应返回 429，实际 %d", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("限流响应应带 Retry-After 头")
	}
}

func TestCountTokens(t *testing.T) {
	_, router := newTestServer(t)

	_, apiKey := createTestClientKey(t, router, "计数")
	body := gin.H{
		"model":    "claude-sonnet-4-5-20250929",
		"messages": []gin.H{{"role": "user", "content": "你好，帮我写一个排序函数"}},
	}
	w := doJSON(t, router, http.MethodPost, "/v1/messages/count_tokens", body, map[string]string{"x-api-key": apiKey})
	if w.Code != http.StatusOK {
		t.Fatalf("count_tokens 应返回 200，实际 %d: %s", w.Code, w.Body.String())
	}
	resp := decodeBody(t, w)
	tokens, _ := resp["input_tokens"].(float64)
	if tokens <= 0 {
		t.Errorf("input_tokens 应大于 0，实际 %v", resp["input_tokens"])
	}
}

func TestAdminAuthRequired(t *testing.T) {
	_, router := newTestServer(t)

	w := doJSON(t, router, http.MethodGet, "/v2/accounts", nil, nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("缺少管理密钥应返回 401，实际 %d", w.Code)
	}

	w = doJSON(t, router, http.MethodGet, "/v2/accounts", nil, map[string]string{"Authorization": "Bearer wrong"})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("错误管理密钥应返回 401，实际 %d", w.Code)
	}

	w = doJSON(t, router, http.MethodGet, "/v2/accounts", nil, adminHeaders())
	if w.Code != http.StatusOK {
		t.Errorf("正确管理密钥应返回 200，实际 %d", w.Code)
	}
}

func TestAdminDisabledWithoutKey(t *testing.T) {
	server, _ := newTestServer(t)
	server.cfg.Server.AdminKey = ""
	router := server.Router()

	w := doJSON(t, router, http.MethodGet, "/v2/accounts", nil, adminHeaders())
	if w.Code != http.StatusForbidden {
		t.Errorf("未配置管理密钥时应返回 403，实际 %d", w.Code)
	}
}

func TestAccountCreatePoolAccount(t *testing.T) {
	server, router := newTestServer(t)

	req := models.AccountCreate{
		Name:         "池账号",
		EndpointType: models.EndpointAnthropic,
		AuthMethod:   models.AuthMethodAPIKeyPool,
		APIKeys:      []string{"sk-ant-key-1", "sk-ant-key-2"},
	}
	w := doJSON(t, router, http.MethodPost, "/v2/accounts", req, adminHeaders())
	if w.Code != http.StatusCreated {
		t.Fatalf("创建账号应返回 201，实际 %d: %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	acc, _ := body["account"].(map[string]interface{})
	accID, _ := acc["id"].(string)
	if acc["status"] != models.AccountStatusActive {
		t.Errorf("Key 池账号创建后应为 active，实际 %v", acc["status"])
	}

	// 池条目已落库且密钥加密存储
	entries, err := server.db.ListPoolEntries(context.Background(), accID)
	if err != nil {
		t.Fatalf("查询池条目失败: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("应有 2 个池条目，实际 %d", len(entries))
	}
	for _, e := range entries {
		if e.EncryptedKey == "sk-ant-key-1" || e.EncryptedKey == "sk-ant-key-2" {
			t.Error("池内密钥应加密存储，不应出现明文")
		}
		plain, err := server.creds.DecryptSecret(e.EncryptedKey)
		if err != nil {
			t.Fatalf("解密池条目失败: %v", err)
		}
		if plain != "sk-ant-key-1" && plain != "sk-ant-key-2" {
			t.Errorf("解密结果不是原始密钥: %s", plain)
		}
	}
}

func TestAccountCreateValidation(t *testing.T) {
	_, router := newTestServer(t)

	// 非法端点类型
	w := doJSON(t, router, http.MethodPost, "/v2/accounts", models.AccountCreate{
		Name: "坏账号", EndpointType: "grpc", AuthMethod: models.AuthMethodAPIKeyPool, APIKeys: []string{"k"},
	}, adminHeaders())
	if w.Code != http.StatusBadRequest {
		t.Errorf("非法端点类型应返回 400，实际 %d", w.Code)
	}

	// OAuth 缺 refresh_token
	w = doJSON(t, router, http.MethodPost, "/v2/accounts", models.AccountCreate{
		Name: "缺token", EndpointType: models.EndpointAnthropicOAuth, AuthMethod: models.AuthMethodOAuth,
	}, adminHeaders())
	if w.Code != http.StatusBadRequest {
		t.Errorf("OAuth 账号缺 refresh_token 应返回 400，实际 %d", w.Code)
	}

	// 分组账号缺 group_id
	groupType := models.AccountTypeGroup
	w = doJSON(t, router, http.MethodPost, "/v2/accounts", models.AccountCreate{
		Name: "缺分组", EndpointType: models.EndpointAnthropic, AccountType: &groupType,
		AuthMethod: models.AuthMethodAPIKeyPool, APIKeys: []string{"k"},
	}, adminHeaders())
	if w.Code != http.StatusBadRequest {
		t.Errorf("分组账号缺 group_id 应返回 400，实际 %d", w.Code)
	}

	// Key 池缺 api_keys
	w = doJSON(t, router, http.MethodPost, "/v2/accounts", models.AccountCreate{
		Name: "空池", EndpointType: models.EndpointAnthropic, AuthMethod: models.AuthMethodAPIKeyPool,
	}, adminHeaders())
	if w.Code != http.StatusBadRequest {
		t.Errorf("Key 池账号缺 api_keys 应返回 400，实际 %d", w.Code)
	}

	// 优先级越界
	for _, priority := range []int{-1, 0, 101, 999} {
		p := priority
		w = doJSON(t, router, http.MethodPost, "/v2/accounts", models.AccountCreate{
			Name: "优先级越界", EndpointType: models.EndpointAnthropic, Priority: &p,
			AuthMethod: models.AuthMethodAPIKeyPool, APIKeys: []string{"k"},
		}, adminHeaders())
		if w.Code != http.StatusBadRequest {
			t.Errorf("优先级 %d 应返回 400，实际 %d", priority, w.Code)
		}
	}
}

func TestAccountUpdatePriorityValidation(t *testing.T) {
	server, router := newTestServer(t)

	w := doJSON(t, router, http.MethodPost, "/v2/accounts", models.AccountCreate{
		Name: "改优先级", EndpointType: models.EndpointAnthropic,
		AuthMethod: models.AuthMethodAPIKeyPool, APIKeys: []string{"k"},
	}, adminHeaders())
	if w.Code != http.StatusCreated {
		t.Fatalf("创建账号失败: %d", w.Code)
	}
	accID := decodeBody(t, w)["account"].(map[string]interface{})["id"].(string)

	// 越界值被拒，账号保持原值
	bad := 0
	w = doJSON(t, router, http.MethodPut, "/v2/accounts/"+accID,
		models.AccountUpdate{Priority: &bad}, adminHeaders())
	if w.Code != http.StatusBadRequest {
		t.Errorf("越界优先级更新应返回 400，实际 %d", w.Code)
	}
	acc, _ := server.db.GetAccount(context.Background(), accID)
	if acc.Priority != 50 {
		t.Errorf("被拒更新不应改动优先级，实际 %d", acc.Priority)
	}

	// 合法值生效
	good := 5
	w = doJSON(t, router, http.MethodPut, "/v2/accounts/"+accID,
		models.AccountUpdate{Priority: &good}, adminHeaders())
	if w.Code != http.StatusOK {
		t.Fatalf("合法优先级更新失败: %d", w.Code)
	}
	acc, _ = server.db.GetAccount(context.Background(), accID)
	if acc.Priority != 5 {
		t.Errorf("优先级应更新为 5，实际 %d", acc.Priority)
	}
}

func TestPoolEntryDeleteEmptyingPoolDisablesAccount(t *testing.T) {
	server, router := newTestServer(t)

	req := models.AccountCreate{
		Name:         "逐个删空",
		EndpointType: models.EndpointAnthropic,
		AuthMethod:   models.AuthMethodAPIKeyPool,
		APIKeys:      []string{"sk-key-1", "sk-key-2"},
	}
	w := doJSON(t, router, http.MethodPost, "/v2/accounts", req, adminHeaders())
	if w.Code != http.StatusCreated {
		t.Fatalf("创建账号失败: %d", w.Code)
	}
	acc := decodeBody(t, w)["account"].(map[string]interface{})
	accID := acc["id"].(string)

	ctx := context.Background()
	entries, err := server.db.ListPoolEntries(ctx, accID)
	if err != nil || len(entries) != 2 {
		t.Fatalf("查询池条目失败: %v, 数量 %d", err, len(entries))
	}

	// 删除第一个条目，池里还有 Key，账号照常可用
	w = doJSON(t, router, http.MethodDelete,
		fmt.Sprintf("/v2/accounts/%s/pool/%s", accID, entries[0].ID), nil, adminHeaders())
	if w.Code != http.StatusOK {
		t.Fatalf("删除池条目失败: %d: %s", w.Code, w.Body.String())
	}
	if remaining := decodeBody(t, w)["remaining"].(float64); remaining != 1 {
		t.Errorf("删除后剩余条目数应为 1，实际 %v", remaining)
	}
	mid, _ := server.db.GetAccount(ctx, accID)
	if mid.Status != models.AccountStatusActive || !mid.Schedulable {
		t.Errorf("池未空时账号应保持可用，状态 %s, schedulable=%v", mid.Status, mid.Schedulable)
	}

	// 删除最后一个条目，空池账号必须被隔离
	w = doJSON(t, router, http.MethodDelete,
		fmt.Sprintf("/v2/accounts/%s/pool/%s", accID, entries[1].ID), nil, adminHeaders())
	if w.Code != http.StatusOK {
		t.Fatalf("删除最后一个池条目失败: %d: %s", w.Code, w.Body.String())
	}
	after, _ := server.db.GetAccount(ctx, accID)
	if after.Schedulable || after.Status != models.AccountStatusError {
		t.Errorf("池删空后账号应被隔离，schedulable=%v status=%s", after.Schedulable, after.Status)
	}
}

func TestPoolEntryAddRecoversErroredAccount(t *testing.T) {
	server, router := newTestServer(t)

	req := models.AccountCreate{
		Name:         "待恢复",
		EndpointType: models.EndpointAnthropic,
		AuthMethod:   models.AuthMethodAPIKeyPool,
		APIKeys:      []string{"sk-only-key"},
	}
	w := doJSON(t, router, http.MethodPost, "/v2/accounts", req, adminHeaders())
	if w.Code != http.StatusCreated {
		t.Fatalf("创建账号失败: %d", w.Code)
	}
	acc := decodeBody(t, w)["account"].(map[string]interface{})
	accID := acc["id"].(string)

	// 模拟空池隔离
	ctx := context.Background()
	entries, _ := server.db.ListPoolEntries(ctx, accID)
	if _, err := server.db.DeletePoolEntry(ctx, accID, entries[0].ID); err != nil {
		t.Fatalf("删除池条目失败: %v", err)
	}
	if err := server.db.DisableAccount(ctx, accID, "池已空"); err != nil {
		t.Fatalf("隔离账号失败: %v", err)
	}

	// 补充条目后账号恢复
	w = doJSON(t, router, http.MethodPost, fmt.Sprintf("/v2/accounts/%s/pool", accID),
		gin.H{"api_keys": []string{"sk-new-key"}}, adminHeaders())
	if w.Code != http.StatusCreated {
		t.Fatalf("补充池条目失败: %d: %s", w.Code, w.Body.String())
	}

	recovered, err := server.db.GetAccount(ctx, accID)
	if err != nil || recovered == nil {
		t.Fatalf("查询账号失败: %v", err)
	}
	if recovered.Status != models.AccountStatusActive || !recovered.Schedulable {
		t.Errorf("补充条目后账号应恢复 active 可调度，实际状态 %s, schedulable=%v",
			recovered.Status, recovered.Schedulable)
	}
}

func TestClientKeyCRUD(t *testing.T) {
	_, router := newTestServer(t)

	id, apiKey := createTestClientKey(t, router, "完整流程")
	if len(apiKey) < 10 || apiKey[:3] != "rg-" {
		t.Errorf("生成的 Key 应带 rg- 前缀: %s", apiKey)
	}

	// 列表能看到
	w := doJSON(t, router, http.MethodGet, "/v2/keys", nil, adminHeaders())
	if w.Code != http.StatusOK {
		t.Fatalf("列出客户Key失败: %d", w.Code)
	}

	// 更新名称
	newName := "改名后"
	w = doJSON(t, router, http.MethodPut, "/v2/keys/"+id, models.ClientKeyUpdate{Name: &newName}, adminHeaders())
	if w.Code != http.StatusOK {
		t.Fatalf("更新客户Key失败: %d", w.Code)
	}
	if body := decodeBody(t, w); body["name"] != newName {
		t.Errorf("更新后名称应为 %s，实际 %v", newName, body["name"])
	}

	// 删除后查询 404
	w = doJSON(t, router, http.MethodDelete, "/v2/keys/"+id, nil, adminHeaders())
	if w.Code != http.StatusOK {
		t.Fatalf("删除客户Key失败: %d", w.Code)
	}
	w = doJSON(t, router, http.MethodGet, "/v2/keys/"+id, nil, adminHeaders())
	if w.Code != http.StatusNotFound {
		t.Errorf("删除后查询应返回 404，实际 %d", w.Code)
	}
}

func TestClientKeyBindingValidation(t *testing.T) {
	_, router := newTestServer(t)

	accID := "no-such-account"
	groupID := "g1"
	// 同时绑定账号和分组
	w := doJSON(t, router, http.MethodPost, "/v2/keys", models.ClientKeyCreate{
		Name: "双绑定", BoundAccountID: &accID, BoundGroupID: &groupID,
	}, adminHeaders())
	if w.Code != http.StatusBadRequest {
		t.Errorf("同时绑定账号与分组应返回 400，实际 %d", w.Code)
	}

	// 绑定不存在的账号
	w = doJSON(t, router, http.MethodPost, "/v2/keys", models.ClientKeyCreate{
		Name: "坏绑定", BoundAccountID: &accID,
	}, adminHeaders())
	if w.Code != http.StatusBadRequest {
		t.Errorf("绑定不存在的账号应返回 400，实际 %d", w.Code)
	}
}

func TestProxyCRUD(t *testing.T) {
	_, router := newTestServer(t)

	// 非法 URL 被拒
	w := doJSON(t, router, http.MethodPost, "/v2/proxies", gin.H{"url": "ftp://bad"}, adminHeaders())
	if w.Code != http.StatusBadRequest {
		t.Errorf("非法代理 URL 应返回 400，实际 %d", w.Code)
	}

	w = doJSON(t, router, http.MethodPost, "/v2/proxies", gin.H{"url": "socks5://127.0.0.1:1080", "name": "本地"}, adminHeaders())
	if w.Code != http.StatusCreated {
		t.Fatalf("创建代理失败: %d: %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	id := int64(body["id"].(float64))

	// 禁用
	enabled := false
	w = doJSON(t, router, http.MethodPut, fmt.Sprintf("/v2/proxies/%d", id), gin.H{"enabled": enabled}, adminHeaders())
	if w.Code != http.StatusOK {
		t.Fatalf("更新代理失败: %d", w.Code)
	}
	if updated := decodeBody(t, w); updated["enabled"] != false {
		t.Errorf("代理应已禁用，实际 %v", updated["enabled"])
	}

	// 删除
	w = doJSON(t, router, http.MethodDelete, fmt.Sprintf("/v2/proxies/%d", id), nil, adminHeaders())
	if w.Code != http.StatusOK {
		t.Fatalf("删除代理失败: %d", w.Code)
	}
	w = doJSON(t, router, http.MethodGet, "/v2/proxies", nil, adminHeaders())
	if total := decodeBody(t, w)["total"].(float64); total != 0 {
		t.Errorf("删除后代理数应为 0，实际 %v", total)
	}
}

func TestStatsEndpoint(t *testing.T) {
	_, router := newTestServer(t)

	w := doJSON(t, router, http.MethodGet, "/v2/stats", nil, adminHeaders())
	if w.Code != http.StatusOK {
		t.Fatalf("统计接口应返回 200，实际 %d", w.Code)
	}
	body := decodeBody(t, w)
	if _, ok := body["accounts"]; !ok {
		t.Error("统计响应应包含 accounts 字段")
	}
	if _, ok := body["store"]; !ok {
		t.Error("统计响应应包含 store 字段")
	}
}
