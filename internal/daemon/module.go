package daemon

import (
	"context"
	"os"

	"github.com/matheus3301/warelay/internal/bus"
	"github.com/matheus3301/warelay/internal/config"
	"github.com/matheus3301/warelay/internal/format"
	"github.com/matheus3301/warelay/internal/gateway"
	"github.com/matheus3301/warelay/internal/hydrate"
	"github.com/matheus3301/warelay/internal/lock"
	"github.com/matheus3301/warelay/internal/logging"
	"github.com/matheus3301/warelay/internal/outbox"
	"github.com/matheus3301/warelay/internal/relay"
	"github.com/matheus3301/warelay/internal/session"
	"github.com/matheus3301/warelay/internal/status"
	"github.com/matheus3301/warelay/internal/store"
	"github.com/robfig/cron/v3"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved configuration passed to the fx module.
type Params struct {
	SessionName string
	Config      *config.Config
}

// Module returns the fx module for the daemon, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideController,
			provideHydrateEngine,
			provideSender,
			provideFormatter,
			provideHub,
			provideGateway,
			provideCron,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) *config.Config {
	return p.Config
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.Dir(p.SessionName))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.ProjectionDBPath(p.SessionName)
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

func provideController(p Params, machine *status.Machine, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *relay.Controller {
	return relay.NewController(p.SessionName, machine, b, cfg, relay.DefaultFactory, logger)
}

func provideHydrateEngine(db *store.DB, b *bus.Bus, logger *zap.Logger) *hydrate.Engine {
	return hydrate.NewEngine(db, b, logger)
}

func provideSender(controller *relay.Controller, b *bus.Bus, logger *zap.Logger) *outbox.Sender {
	source := func() outbox.Transport {
		if adapter := controller.Adapter(); adapter != nil {
			return adapter
		}
		return nil
	}
	return outbox.NewSender(source, b, logger)
}

func provideFormatter(db *store.DB, machine *status.Machine, cfg *config.Config, controller *relay.Controller, logger *zap.Logger) *format.Formatter {
	return format.NewFormatter(db, machine, cfg, controller, logger)
}

func provideHub(logger *zap.Logger) *gateway.Hub {
	return gateway.NewHub(logger)
}

func provideGateway(hub *gateway.Hub, controller *relay.Controller, formatter *format.Formatter, sender *outbox.Sender, b *bus.Bus, machine *status.Machine, cfg *config.Config, logger *zap.Logger) *gateway.Gateway {
	return gateway.NewGateway(hub, controller, formatter, sender, b, machine, cfg, logger)
}

func provideCron() *cron.Cron {
	return cron.New(cron.WithSeconds())
}

func registerLifecycle(lc fx.Lifecycle, p Params, srv *Server, lk *lock.Lock, controller *relay.Controller, engine *hydrate.Engine, sender *outbox.Sender, gw *gateway.Gateway, c *cron.Cron, hub *gateway.Hub, machine *status.Machine, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			engine.Start(context.Background())
			sender.Start(context.Background())
			gw.Start(context.Background())
			controller.Start(context.Background())

			registerHealthRoutine(c, controller, machine, hub, logger)
			c.Start()

			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("HTTP server error", zap.Error(err))
				}
			}()

			// Returning user: credentials on disk mean we can connect
			// without waiting for a start-session request.
			if _, err := os.Stat(session.CredentialsDBPath(p.SessionName)); err == nil {
				go func() {
					if err := controller.EnsureInitialized(context.Background()); err != nil {
						logger.Error("auto-connect failed", zap.Error(err))
					}
				}()
			} else {
				logger.Info("no credentials found, waiting for start-session")
			}

			return nil
		},
		OnStop: func(ctx context.Context) error {
			<-c.Stop().Done()
			gw.Stop()
			sender.Stop()
			engine.Stop()
			controller.Stop()
			srv.Stop(ctx)
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
