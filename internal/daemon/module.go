// Package daemon composes the delivery subsystem: store, token provider,
// connection manager, delivery coordinator, retry scheduler and chat summary
// aggregator, wired through fx with a process-scoped lifecycle.
package daemon

import (
	"context"

	"github.com/jamie/blinkchat/internal/bus"
	"github.com/jamie/blinkchat/internal/config"
	"github.com/jamie/blinkchat/internal/conn"
	"github.com/jamie/blinkchat/internal/delivery"
	"github.com/jamie/blinkchat/internal/lock"
	"github.com/jamie/blinkchat/internal/logging"
	"github.com/jamie/blinkchat/internal/rest"
	"github.com/jamie/blinkchat/internal/retry"
	"github.com/jamie/blinkchat/internal/session"
	"github.com/jamie/blinkchat/internal/store"
	"github.com/jamie/blinkchat/internal/summary"
	"github.com/jamie/blinkchat/internal/token"
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
			provideConfig,
			provideLogger,
			provideBus,
			provideLock,
			provideTokenStore,
			provideStore,
			provideRESTClient,
			provideConnManager,
			provideAggregator,
			provideScheduler,
			provideCoordinator,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig() (*config.Config, error) {
	return config.Load(session.ConfigPath())
}

func provideLogger(p Params) (*zap.Logger, error) {
	if err := session.EnsureDir(p.Profile); err != nil {
		return nil, err
	}
	return logging.New(session.LogPath(p.Profile), p.Profile)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	logger.Info("acquiring profile lock", zap.String("profile", p.Profile))
	l, err := lock.Acquire(session.Dir(p.Profile))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

func provideTokenStore(p Params, logger *zap.Logger) (*token.Store, error) {
	ts, err := token.NewStore(session.TokenPath(p.Profile))
	if err != nil {
		return nil, err
	}
	if _, ok := ts.Current(); !ok {
		logger.Info("no auth token stored, waiting for login")
	}
	return ts, nil
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

func provideRESTClient(cfg *config.Config, tokens *token.Store, logger *zap.Logger) *rest.Client {
	return rest.NewClient(cfg.RESTBaseURL, tokens, logger)
}

func provideConnManager(cfg *config.Config, tokens *token.Store, b *bus.Bus, logger *zap.Logger) *conn.Manager {
	return conn.NewManager(cfg.WebSocketBaseURL, tokens, b, logger)
}

func provideAggregator(db *store.DB, api *rest.Client, b *bus.Bus, logger *zap.Logger) *summary.Aggregator {
	return summary.NewAggregator(db, api, b, logger)
}

// schedulerHandle breaks the coordinator/scheduler cycle: the coordinator
// only needs Enqueue, which is safe before the scheduler starts.
type schedulerHandle struct {
	s *retry.Scheduler
}

func (h *schedulerHandle) Enqueue() {
	h.s.Enqueue()
}

func provideScheduler() *schedulerHandle {
	return &schedulerHandle{}
}

func provideCoordinator(db *store.DB, agg *summary.Aggregator, mgr *conn.Manager, api *rest.Client, sched *schedulerHandle, tokens *token.Store, b *bus.Bus, logger *zap.Logger) *delivery.Coordinator {
	c := delivery.NewCoordinator(db, agg, mgr, api, sched, b, logger)
	gate := func() bool {
		_, ok := tokens.Current()
		return ok && mgr.State() != conn.StateConnecting
	}
	sched.s = retry.NewScheduler(c, gate, logger)
	return c
}

func registerLifecycle(lc fx.Lifecycle, lk *lock.Lock, mgr *conn.Manager, coord *delivery.Coordinator, sched *schedulerHandle, agg *summary.Aggregator, tokens *token.Store, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			ctx := context.Background()

			sched.s.Start(ctx)
			coord.Start(ctx)
			mgr.Start(ctx)

			if _, ok := tokens.Current(); ok {
				// Seed the chat list and flush anything left over from the
				// previous run, then bring the real-time channel up.
				go func() {
					if err := agg.RefreshFromServer(ctx); err != nil {
						logger.Warn("initial chat list refresh failed", zap.Error(err))
					}
				}()
				sched.s.Enqueue()
				mgr.Connect()
			}

			logger.Info("daemon started")
			return nil
		},
		OnStop: func(context.Context) error {
			mgr.Stop()
			sched.s.Stop()
			coord.Stop()
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
