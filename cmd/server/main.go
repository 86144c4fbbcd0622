package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/den/gmail-workflow-connect/internal/app"
	"github.com/den/gmail-workflow-connect/internal/config"
	"github.com/den/gmail-workflow-connect/internal/logger"
	"github.com/den/gmail-workflow-connect/internal/web"
	"go.uber.org/zap"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Init(logger.Config{Env: os.Getenv("LOG_ENV")}).Fatal("failed to load configuration", zap.Error(err))
	}

	log := logger.Init(logger.Config{Env: cfg.LogEnv, Level: cfg.LogLevel, ServiceName: "gmail-workflow-connect"})
	defer logger.Sync()

	log.Info("starting Gmail workflow connect")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		log.Fatal("failed to start", zap.Error(err))
	}
	defer a.Close()

	server := web.NewServer(web.Deps{
		Config:      cfg,
		OAuthConfig: a.OAuthConfig,
		Exchanger:   a.Exchanger,
		Connector:   a.Connector,
		Sessions:    a.Sessions,
		Cookies:     a.Cookies,
		Tracker:     a.Tracker,
		Executions:  a.DB,
		Health:      a.DB,
	})

	go func() {
		if err := <-a.FeedDone(); err != nil && ctx.Err() == nil {
			log.Error("execution feed stopped, shutting down", zap.Error(err))
			stop()
		}
	}()

	if err := server.Start(ctx); err != nil {
		log.Error("web server stopped with error", zap.Error(err))
		return
	}
	log.Info("shut down cleanly")
}
