// Package app wires the connect service's components from configuration.
package app

import (
	"context"
	"fmt"

	"github.com/den/gmail-workflow-connect/internal/config"
	"github.com/den/gmail-workflow-connect/internal/connect"
	"github.com/den/gmail-workflow-connect/internal/correlator"
	"github.com/den/gmail-workflow-connect/internal/database"
	"github.com/den/gmail-workflow-connect/internal/logger"
	"github.com/den/gmail-workflow-connect/internal/oauth"
	"github.com/den/gmail-workflow-connect/internal/session"
	"github.com/den/gmail-workflow-connect/internal/tracker"
	"github.com/den/gmail-workflow-connect/internal/watcher"
	"github.com/den/gmail-workflow-connect/internal/workflow"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

// App holds the running components. Close releases them in reverse order.
type App struct {
	Config      *config.Config
	DB          *database.DB
	Feed        *database.Feed
	OAuthConfig *oauth2.Config
	Exchanger   *oauth.Exchanger
	Sessions    *session.Store
	Cookies     *session.CookiePersistence
	Tracker     *tracker.Tracker
	Connector   *connect.Connector

	feedDone chan error
}

// CorrelatorOptions maps configuration onto correlator options.
func CorrelatorOptions(cfg *config.Config) correlator.Options {
	opts := correlator.DefaultOptions()
	opts.SettleDelay = cfg.CorrelationSettleDelay
	opts.Attempts = cfg.CorrelationAttempts
	opts.Delay = cfg.CorrelationDelay
	opts.MaxDelay = cfg.CorrelationMaxDelay
	opts.BatchSize = cfg.CorrelationBatch
	opts.AllowUnverified = cfg.CorrelationAllowUnverified
	return opts
}

// New connects to the database, runs migrations, starts the execution feed
// and builds the connect pipeline. Watches and the feed stop with ctx.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	log := logger.L()

	db, err := database.New(ctx, cfg.DatabaseURL, database.PoolConfig{
		MaxOpenConns:    cfg.DatabaseMaxOpen,
		MaxIdleConns:    cfg.DatabaseMaxIdle,
		ConnMaxIdleTime: cfg.DatabaseConnMaxIdle,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	log.Info("✓ database connected")

	if err := db.RunMigrations(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	feed, err := database.NewFeed(cfg.DatabaseURL)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to start execution feed: %w", err)
	}

	a := &App{
		Config:   cfg,
		DB:       db,
		Feed:     feed,
		feedDone: make(chan error, 1),
	}
	go func() {
		a.feedDone <- feed.Run(ctx)
	}()

	a.OAuthConfig = oauth.GetOAuthConfig(cfg.GoogleClientID, cfg.GoogleClientSecret, cfg.GoogleRedirectURL)
	a.Exchanger = oauth.NewExchanger(a.OAuthConfig)
	if cfg.FastPathEnabled() {
		log.Warn("fast-path code exchange enabled: the workflow receives an already redeemed code " +
			"and must rely on the forwarded email")
	} else {
		log.Info("GOOGLE_CLIENT_SECRET not set, fast-path email lookup disabled")
	}

	a.Sessions = session.NewStore(cfg.SessionTTL)
	a.Cookies = session.NewCookiePersistence(
		cfg.SessionSecret,
		int(cfg.SessionTTL.Seconds()),
		cfg.SessionSecret != config.DefaultSessionSecret,
	)

	a.Tracker = tracker.New(ctx, db, watcher.FromFeed(feed), a.Sessions)

	corr := correlator.New(db, CorrelatorOptions(cfg))
	log.Info("✓ correlator ready", zap.Duration("budget", corr.Budget()))

	trigger := workflow.NewTrigger(cfg.WorkflowWebhookURL, cfg.WorkflowTimeout)
	a.Connector = connect.New(a.Exchanger, trigger, corr, a.Sessions, a.Tracker, db)

	return a, nil
}

// Close stops the watches, the feed and the database pool.
func (a *App) Close() {
	a.Tracker.Shutdown()
	if err := a.Feed.Close(); err != nil {
		logger.L().Warn("failed to close execution feed", zap.Error(err))
	}
	if err := a.DB.Close(); err != nil {
		logger.L().Warn("failed to close database", zap.Error(err))
	}
}

// FeedDone reports the feed's exit error once it stops.
func (a *App) FeedDone() <-chan error {
	return a.feedDone
}
