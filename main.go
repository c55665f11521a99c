package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	glog "github.com/Laisky/go-utils/v5/log"
	"github.com/Laisky/zap"

	"github.com/kirobridge/kirobridge/common/config"
	"github.com/kirobridge/kirobridge/common/graceful"
	"github.com/kirobridge/kirobridge/common/logger"
	"github.com/kirobridge/kirobridge/controller"
	"github.com/kirobridge/kirobridge/credential"
	"github.com/kirobridge/kirobridge/dispatch"
	"github.com/kirobridge/kirobridge/kiro"
	"github.com/kirobridge/kirobridge/monitor"
	"github.com/kirobridge/kirobridge/router"
	"github.com/kirobridge/kirobridge/token"
)

const shutdownTimeout = 15 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("c", "config.json", "path to the bridge config file")
	credentialsPath := flag.String("credentials", "credentials.json", "path to the credentials file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Logger.Error("failed to load config", zap.Error(err))
		return 1
	}
	logger.Init(cfg.Debug)
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		if err := logger.Logger.ChangeLevel(glog.Level(level)); err != nil {
			logger.Logger.Warn("invalid LOG_LEVEL, ignoring", zap.String("level", level), zap.Error(err))
		}
	}
	logger.LogDir = cfg.LogDir
	logger.SetupLogger()

	retentionCtx, stopRetention := context.WithCancel(context.Background())
	defer stopRetention()
	logger.StartLogRetentionCleaner(retentionCtx, cfg.LogRetentionDays, cfg.LogDir)

	entries, isArray, err := credential.Load(*credentialsPath)
	if err != nil {
		logger.Logger.Error("failed to load credentials", zap.Error(err))
		return 1
	}

	store := credential.NewStore(*credentialsPath)
	pool := credential.NewPool(entries, isArray, cfg.DisableThreshold, store)
	pool.SetMode(credential.LoadBalancingMode(cfg.LoadBalancingMode))
	pool.SetHooks(credential.Hooks{
		OnDisable:  monitor.DisableCredential,
		OnEnable:   monitor.EnableCredential,
		OnAutoHeal: monitor.AutoHeal,
	})

	httpClient := &http.Client{Timeout: 0}
	tokens := token.NewManager(pool, cfg.Region, cfg.KiroVersion, cfg.SystemVersion, cfg.NodeVersion, cfg.MachineID, httpClient)
	client := kiro.NewClient(httpClient)
	dispatcher := dispatch.New(pool, tokens, client)

	deps := &controller.Deps{
		Pool:       pool,
		Tokens:     tokens,
		Client:     client,
		Dispatcher: dispatcher,
		Config:     cfg,
		HTTPClient: httpClient,
	}
	admin := controller.NewAdminDeps(pool, tokens, cfg)

	engine := router.New(cfg, deps, admin)

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	srv := &http.Server{Addr: addr, Handler: engine}

	serveErrc := make(chan error, 1)
	go func() {
		logger.Logger.Info("kirobridge listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErrc <- err
		}
		close(serveErrc)
	}()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serveErrc:
		if err != nil {
			logger.Logger.Error("server failed", zap.Error(err))
			return 1
		}
	case sig := <-sigc:
		logger.Logger.Info("shutting down", zap.String("signal", sig.String()))
		graceful.SetDraining()

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			logger.Logger.Error("server shutdown error", zap.Error(err))
		}
		if err := graceful.Drain(ctx); err != nil {
			logger.Logger.Error("graceful drain incomplete", zap.Error(err))
			return 1
		}
	}

	logger.Logger.Info("kirobridge stopped cleanly")
	return 0
}
