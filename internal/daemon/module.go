// Package daemon composes the sync engine: cache, store, transport
// supervisor, unread accounting and the outbox, wired through fx with
// lifecycle hooks.
package daemon

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/pveiga/loopd/internal/api"
	"github.com/pveiga/loopd/internal/bus"
	"github.com/pveiga/loopd/internal/cache"
	"github.com/pveiga/loopd/internal/config"
	"github.com/pveiga/loopd/internal/lock"
	"github.com/pveiga/loopd/internal/logging"
	"github.com/pveiga/loopd/internal/outbox"
	"github.com/pveiga/loopd/internal/session"
	"github.com/pveiga/loopd/internal/status"
	"github.com/pveiga/loopd/internal/store"
	"github.com/pveiga/loopd/internal/transport"
	"github.com/pveiga/loopd/internal/unread"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
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
			provideStateMachine,
			provideLock,
			provideCache,
			provideStore,
			provideAPIClient,
			provideDialer,
			provideSupervisor,
			provideTracker,
			provideSender,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName)
}

func provideConfig() (*config.Config, error) {
	return config.Load(session.ConfigPath())
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

func provideCache(p Params, logger *zap.Logger) (*cache.Cache, error) {
	path := session.CacheDBPath(p.SessionName)
	c, err := cache.Open(path)
	if err != nil {
		return nil, err
	}
	result, err := c.Migrate()
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("cache migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("cache migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("cache initialized", zap.String("path", path))
	return c, nil
}

func provideStore(c *cache.Cache, b *bus.Bus, logger *zap.Logger) *store.Store {
	return store.New(c, b, logger)
}

func provideAPIClient(cfg *config.Config) *api.Client {
	return api.NewClient(cfg.APIBaseURL, cfg.Token)
}

func provideDialer(cfg *config.Config) transport.Dialer {
	return &transport.WSDialer{URL: cfg.SocketURL, Token: cfg.Token}
}

func provideSupervisor(d transport.Dialer, m *status.Machine, st *store.Store, client *api.Client, b *bus.Bus, logger *zap.Logger) *transport.Supervisor {
	return transport.NewSupervisor(d, m, st, client, b, logger, transport.Options{})
}

func provideTracker(cfg *config.Config, client *api.Client, c *cache.Cache, b *bus.Bus, logger *zap.Logger) *unread.Tracker {
	return unread.NewTracker(client, c, b, logger, cfg.UserID, 0)
}

func provideSender(st *store.Store, client *api.Client, cfg *config.Config, b *bus.Bus, logger *zap.Logger) *outbox.Sender {
	return outbox.NewSender(st, client, b, logger, cfg.UserID)
}

func registerLifecycle(lc fx.Lifecycle, lk *lock.Lock, c *cache.Cache, st *store.Store, sup *transport.Supervisor, tracker *unread.Tracker, sender *outbox.Sender, b *bus.Bus, logger *zap.Logger) {
	var stopSignals context.CancelFunc

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Every store mutation schedules an unread recomputation.
			st.SetNotify(func(string) { tracker.RequestRefresh() })

			tracker.Hydrate()
			tracker.RequestRefresh()

			sender.Start(context.Background())
			sup.Start(context.Background())

			// The app shell signals a background→foreground transition with
			// SIGUSR1; the supervisor treats it as a reconnect trigger.
			sigCtx, cancel := context.WithCancel(context.Background())
			stopSignals = cancel
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGUSR1)
			go func() {
				defer signal.Stop(sigCh)
				for {
					select {
					case <-sigCh:
						logger.Info("foreground signal received")
						b.Publish(bus.Now(bus.KindAppForeground, nil))
					case <-sigCtx.Done():
						return
					}
				}
			}()

			logger.Info("daemon started")
			return nil
		},
		OnStop: func(_ context.Context) error {
			if stopSignals != nil {
				stopSignals()
			}
			sup.Stop()
			sender.Stop()
			if err := c.Close(); err != nil {
				logger.Warn("error closing cache", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
