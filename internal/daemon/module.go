// Package daemon composes the sync engine, the CRM client, and the
// notification watcher into a running process.
package daemon

import (
	"context"

	"github.com/zapdesk/zapdesk/internal/bus"
	"github.com/zapdesk/zapdesk/internal/config"
	"github.com/zapdesk/zapdesk/internal/crm"
	"github.com/zapdesk/zapdesk/internal/engine"
	"github.com/zapdesk/zapdesk/internal/lock"
	"github.com/zapdesk/zapdesk/internal/logging"
	"github.com/zapdesk/zapdesk/internal/notify"
	"github.com/zapdesk/zapdesk/internal/send"
	"github.com/zapdesk/zapdesk/internal/session"
	"github.com/zapdesk/zapdesk/internal/store"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	Profile string
}

// Module returns the fx module for the daemon, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideConfig,
			provideBus,
			provideLock,
			provideStore,
			provideClient,
			providePipeline,
			provideEngine,
			provideWatcher,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.Profile), p.Profile)
}

func provideConfig(logger *zap.Logger) (*config.Config, error) {
	cfg, err := config.Load(session.ConfigPath())
	if err != nil {
		return nil, err
	}
	logger.Info("config loaded",
		zap.String("api_base_url", cfg.APIBaseURL),
		zap.String("tenant", cfg.Tenant))
	return cfg, nil
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.Profile); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.Profile))
	l, err := lock.Acquire(session.Dir(p.Profile))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.DBPath(p.Profile)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideClient(cfg *config.Config, logger *zap.Logger) *crm.Client {
	return crm.NewClient(cfg, logger)
}

func providePipeline(client *crm.Client, db *store.DB, b *bus.Bus, logger *zap.Logger) *send.Pipeline {
	return send.NewPipeline(client, db, b, logger)
}

func provideEngine(cfg *config.Config, client *crm.Client, pipeline *send.Pipeline, db *store.DB, b *bus.Bus, logger *zap.Logger) *engine.Engine {
	return engine.New(cfg, client, pipeline, db, b, logger)
}

func provideWatcher(cfg *config.Config, client *crm.Client, db *store.DB, b *bus.Bus, e *engine.Engine, logger *zap.Logger) *notify.Watcher {
	return notify.NewWatcher(client, db, b, cfg,
		e.Visible,
		e.Surfaced,
		func() bool { return true }, // capability comes from the embedding app
		func() config.NotificationPrefs { return cfg.Notifications },
		logger)
}

func registerLifecycle(lc fx.Lifecycle, lk *lock.Lock, e *engine.Engine, w *notify.Watcher, db *store.DB, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			e.Start(context.Background())
			w.Start(context.Background())
			logger.Info("daemon started")
			return nil
		},
		OnStop: func(context.Context) error {
			w.Stop()
			e.Stop()
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
