package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"tempmail/client/internal/config"
	"tempmail/client/internal/devserver"
	"tempmail/client/internal/logger"
)

// main 启动本地开发服务器。
//
// 提供 REST API、WebSocket 推送与开发专用的邮件注入端点，
// 供 CLI 和端到端测试使用。
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	log, err := logger.NewLogger(logger.Config{
		Level:       cfg.Log.Level,
		Development: cfg.Log.Development,
		LogFile:     cfg.Log.File,
		MaxSize:     100,
		MaxBackups:  3,
		MaxAge:      28,
		Compress:    true,
	})
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer log.Sync()

	log.Info("starting tempmail dev server",
		zap.String("log_level", cfg.Log.Level),
		zap.Strings("domains", cfg.Mailbox.AllowedDomains),
		zap.Duration("mailbox_ttl", cfg.Mailbox.DefaultTTL),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := devserver.New(cfg, log)
	if err := srv.Run(ctx); err != nil {
		log.Fatal("dev server error", zap.Error(err))
	}

	log.Info("dev server exited cleanly")
}
