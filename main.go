package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"relay-gateway/internal/api"
	"relay-gateway/internal/config"
	"relay-gateway/internal/crypto"
	"relay-gateway/internal/database"
	"relay-gateway/internal/logger"
	"relay-gateway/internal/models"

	_ "time/tzdata" // 嵌入时区数据库，解决 Windows 下时区加载失败问题
)

// Version 版本号，通过 ldflags 注入
var Version = "dev"

func main() {
	portFlag := flag.Int("port", 0, "服务器监听端口（0 表示使用配置文件或默认值）")
	flag.IntVar(portFlag, "p", 0, "服务器监听端口（-port 的简写）")
	dataDirFlag := flag.String("data-dir", "", "数据目录路径（存放数据库和日志，不指定则使用当前工作目录）")
	flag.Parse()

	if dataDir := *dataDirFlag; dataDir != "" {
		if err := os.MkdirAll(dataDir, 0755); err != nil {
			log.Fatalf("创建数据目录失败: %v", err)
		}
		if err := os.Chdir(dataDir); err != nil {
			log.Fatalf("切换到数据目录失败: %v", err)
		}
	}

	// 初始化日志系统
	if err := logger.Init(); err != nil {
		log.Fatalf("初始化日志系统失败: %v", err)
	}
	logger.Info("=== Relay Gateway %s 启动中 ===", Version)

	// 加载配置（YAML 配置文件，找不到则使用默认值）
	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Warn("加载配置文件失败，使用默认配置: %v", err)
		cfg = config.Load()
	}
	logger.SetDebugEnabled(cfg.Debug)

	if *portFlag > 0 && *portFlag <= 65535 {
		cfg.Server.Port = *portFlag
		logger.Info("使用命令行指定端口: %d", cfg.Server.Port)
	}

	// 主密钥：配置文件 > 环境变量，缺失则拒绝启动
	if cfg.Encryption.MasterKey == "" {
		cfg.Encryption.MasterKey = os.Getenv("RELAY_MASTER_KEY")
	}
	box, err := crypto.NewBox(cfg.Encryption.MasterKey, cfg.Encryption.DecryptCacheSize, cfg.DecryptCacheTTL())
	if err != nil {
		logger.Error("初始化加密器失败: %v", err)
		log.Fatalf("加密器初始化失败（请配置 encryption.master_key 或 RELAY_MASTER_KEY）: %v", err)
	}

	// 初始化数据库
	db, err := database.New(cfg)
	if err != nil {
		logger.Error("初始化数据库失败: %v", err)
		log.Fatalf("数据库初始化失败: %v", err)
	}
	defer db.Close()
	logger.Info("数据库初始化成功 - 类型: %s", cfg.Database.Type)

	if cfg.Server.AdminKey == "" {
		logger.Warn("未配置管理密钥，管理端点已关闭")
	}

	server := api.NewServer(cfg, db, box, Version)

	// 后台 OAuth 主动刷新：到达刷新间隔的账号提前换新令牌，
	// 避免请求路径上撞到过期边界
	refreshCtx, cancelRefresh := context.WithCancel(context.Background())
	go backgroundRefreshLoop(refreshCtx, cfg, db, server)

	go func() {
		if err := server.Start(); err != nil {
			logger.Error("HTTP 服务器启动失败: %v", err)
			log.Fatalf("服务器启动失败: %v", err)
		}
	}()

	// 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("收到关闭信号，正在优雅关闭服务器...")
	cancelRefresh()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("服务器强制关闭: %v", err)
	}

	logger.Info("=== Relay Gateway %s 已停止 ===", Version)
	logger.Close()
}

// backgroundRefreshLoop 周期性刷新临期的 OAuth 账号
func backgroundRefreshLoop(ctx context.Context, cfg *config.Config, db *database.DB, server *api.Server) {
	// 按刷新间隔的十分之一轮询，保证到期账号及时处理
	interval := cfg.RefreshInterval() / 10
	if interval < time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		accounts, err := db.ListAccounts(ctx)
		if err != nil {
			logger.Warn("后台刷新: 列出账号失败 - %v", err)
			continue
		}
		for _, acc := range accounts {
			if acc.AuthMethod != models.AuthMethodOAuth || !acc.IsSchedulable() {
				continue
			}
			refreshed, err := server.Credentials().RefreshIfNeeded(ctx, acc)
			if err != nil {
				logger.Warn("后台刷新: 账号刷新失败 - %s (%s): %v", acc.Name, acc.ID, err)
			} else if refreshed {
				logger.Info("后台刷新: 账号令牌已更新 - %s (%s)", acc.Name, acc.ID)
			}
		}
	}
}
