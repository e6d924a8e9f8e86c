package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"

	"liuproxy_checker/internal/service/web"
	"liuproxy_checker/internal/shared/config"
	"liuproxy_checker/internal/shared/logger"
	"liuproxy_checker/proxypool/manager"
	"liuproxy_checker/proxypool/scraper"
	"liuproxy_checker/proxypool/storage"
	"liuproxy_checker/proxypool/validator"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to config file (.yaml or .ini)")
	flag.Parse()

	// 1. 加载配置
	cfg, err := config.Load(*configPath)
	if err != nil {
		// Use standard fmt before logger is initialized.
		fmt.Fprintf(os.Stderr, "Fatal: Failed to load config file '%s': %v\n", *configPath, err)
		os.Exit(1)
	}

	// 1.1 初始化日志系统
	logCloser, err := logger.Init(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Fatal: Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	clk := clock.New()

	// 2. 打开存储
	store, err := storage.OpenBadger(cfg.Database.File, clk)
	if err != nil {
		logger.Fatal().Err(err).Msgf("Failed to open database '%s'", cfg.Database.File)
	}
	defer store.Close()

	gcStop := make(chan struct{})
	go store.RunGC(cfg.Database.GCInterval(), gcStop)
	defer close(gcStop)

	// 3. Web 服务与进度广播
	hub := web.NewHub()
	go hub.Run(ctx)

	geo := validator.NewIPAPI(cfg.Proxy.GeoURL, cfg.Proxy.IPAPIConcurrency, cfg.Proxy.IPAPIRatePerMinute, cfg.Proxy.RequestTimeout())
	checker := validator.NewValidator(cfg.Proxy, geo, clk)
	defer checker.Close()

	mgr := manager.NewManager(
		store,
		checker,
		scraper.FromConfig(cfg.Scraper),
		scraper.NewBackupList(cfg.BackupProxies.File),
		manager.Options{
			TTL:      cfg.Proxy.TTL(),
			Interval: cfg.Proxy.CheckInterval(),
			Clock:    clk,
			Sink:     hub,
			Notifier: hub,
		},
	)

	var webServer *web.Server
	if cfg.Web.Port > 0 {
		handler := web.NewHandler(store, mgr, hub, clk)
		webServer, err = web.NewServer(cfg.Web, handler, hub)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to start Web UI")
		}
		webServer.Start()
	} else {
		logger.Info().Msg("Web UI is disabled (web.port is 0).")
	}

	// 4. 启动周期性检查
	mgr.Start(ctx)

	<-ctx.Done()
	logger.Info().Msg("Shutdown signal received.")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if webServer != nil {
		if err := webServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("Web server shutdown error")
		}
	}
	mgr.Stop()
	logger.Info().Msg("Proxy checker stopped.")
}
