package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"relay-gateway/internal/config"
	"relay-gateway/internal/credential"
	"relay-gateway/internal/crypto"
	"relay-gateway/internal/database"
	"relay-gateway/internal/logger"
	proxypool "relay-gateway/internal/proxy"
	"relay-gateway/internal/ratelimit"
	"relay-gateway/internal/relay"
	"relay-gateway/internal/scheduler"
	"relay-gateway/internal/store"
)

// Server API 服务器，串起网关的全部组件
type Server struct {
	cfg         *config.Config
	db          *database.DB
	store       *store.Store
	creds       *credential.Manager
	sched       *scheduler.Scheduler
	engine      *relay.Engine
	rateLimiter *ratelimit.Limiter
	proxyPool   *proxypool.Pool
	httpServer  *http.Server
	version     string
}

// NewServer 创建 API 服务器
func NewServer(cfg *config.Config, db *database.DB, box *crypto.Box, version string) *Server {
	st := store.New()
	creds := credential.NewManager(cfg, db, box)
	sched := scheduler.New(cfg, db, st)

	var pool *proxypool.Pool
	if cfg.ProxyPoolEnabled {
		pool = proxypool.NewPool(cfg.ProxyPoolStrategy)
	}
	client := relay.NewClient(cfg, pool)

	s := &Server{
		cfg:         cfg,
		db:          db,
		store:       st,
		creds:       creds,
		sched:       sched,
		engine:      relay.NewEngine(cfg, db, st, creds, sched, client),
		rateLimiter: ratelimit.New(),
		proxyPool:   pool,
		version:     version,
	}
	s.reloadProxyPool()
	return s
}

// Credentials 返回凭证管理器（后台刷新任务使用）
func (s *Server) Credentials() *credential.Manager {
	return s.creds
}

// reloadProxyPool 从数据库加载代理池
func (s *Server) reloadProxyPool() {
	if s.proxyPool == nil {
		return
	}
	proxies, err := s.db.ListProxies(context.Background())
	if err != nil {
		logger.Error("加载代理池失败: %v", err)
		return
	}
	s.proxyPool.Reload(proxies)
	logger.Info("代理池已加载，共 %d 个代理，策略: %s", len(proxies), s.cfg.ProxyPoolStrategy)
}

// Router 构建路由
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	s.setupRoutes(r)
	return r
}

// Start 启动 HTTP 服务
func (s *Server) Start() error {
	if !s.cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.Router(),
		// 流式响应常驻连接，不设全局写超时
		ReadHeaderTimeout: 30 * time.Second,
	}

	logger.Info("网关已启动 - 监听: %s", addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown 优雅停机
func (s *Server) Shutdown(ctx context.Context) error {
	s.rateLimiter.Stop()
	s.store.Stop()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
