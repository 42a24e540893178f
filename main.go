package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"CallAudioRelay/internal/aiclient"
	"CallAudioRelay/internal/config"
	"CallAudioRelay/internal/gateway"
	"CallAudioRelay/internal/logger"
	"CallAudioRelay/internal/relay"
	"CallAudioRelay/internal/store"
)

func main() {
	var (
		configPath = flag.String("config", "", "配置文件路径（YAML），为空时使用默认值和RELAY_*环境变量")
		watch      = flag.Bool("watch", false, "监控配置文件变更")
	)
	flag.Parse()

	logger.InitLogger()

	manager := config.NewManager(config.WithConfigPath(*configPath))
	cfg, err := manager.Load()
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}
	if *watch {
		manager.Watch()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := buildStore(ctx, cfg)
	if err != nil {
		log.Fatalf("连接业务库失败: %v", err)
	}
	defer st.Close()

	providerCfg := aiclient.DefaultProviderConfig(cfg.Provider.URL, cfg.Provider.APIKey)
	providerCfg.HandshakeTimeout = cfg.Provider.HandshakeTimeout
	factory := aiclient.NewFactory(providerCfg)

	registry := relay.NewRegistry()
	server := gateway.New(cfg, registry, st, factory)

	if err := server.Start(); err != nil {
		log.Fatalf("启动网关失败: %v", err)
	}
	log.Printf("呼叫音频中继已启动: ws://%s%s?callSid=<sid>", cfg.Server.Addr, cfg.Server.MediaPath)

	<-ctx.Done()
	log.Printf("收到退出信号，开始关停")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("关停网关出错: %v", err)
		os.Exit(1)
	}

	log.Printf("关停完成")
}

// buildStore 按配置选择业务库实现：有DSN用PostgreSQL，
// 否则退回内存实现（仅本地开发）。
func buildStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	if cfg.Database.DSN == "" {
		log.Printf("database.dsn为空，使用内存Store（仅限本地开发）")
		return store.NewMemoryStore(), nil
	}

	pgxCfg := store.DefaultPgxConfig(cfg.Database.DSN)
	pgxCfg.MaxConns = cfg.Database.MaxConns
	pgxCfg.MinConns = cfg.Database.MinConns
	pgxCfg.ConnectTimeout = cfg.Database.ConnectTimeout
	pgxCfg.ConnectRetries = cfg.Database.ConnectRetries

	return store.ConnectPgx(ctx, pgxCfg)
}
