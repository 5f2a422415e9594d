package daemon

import (
	"context"

	"github.com/jonboulle/clockwork"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/matheus3301/chirp/internal/bus"
	"github.com/matheus3301/chirp/internal/config"
	"github.com/matheus3301/chirp/internal/feed"
	"github.com/matheus3301/chirp/internal/lock"
	"github.com/matheus3301/chirp/internal/logging"
	"github.com/matheus3301/chirp/internal/outbox"
	"github.com/matheus3301/chirp/internal/presence"
	"github.com/matheus3301/chirp/internal/remote"
	"github.com/matheus3301/chirp/internal/runstate"
	"github.com/matheus3301/chirp/internal/session"
	"github.com/matheus3301/chirp/internal/store"
	intsync "github.com/matheus3301/chirp/internal/sync"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName    string
	UserID         string        // account id this session syncs as
	SocketPath     string        // optional override for testing; empty = session default
	FeedSocketPath string        // optional override for testing; empty = session default
	ConfigPath     string        // optional override for testing; empty = global config
	Client         remote.Client // optional backend; nil = standalone in-memory store
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideClock,
			provideBus,
			provideMachine,
			provideLock,
			provideStore,
			provideClient,
			provideGateway,
			provideEngine,
			provideOutbox,
			providePresence,
			provideFeed,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	path := p.ConfigPath
	if path == "" {
		path = session.ConfigPath()
	}
	return config.Load(path)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName)
}

func provideClock() clockwork.Clock {
	return clockwork.NewRealClock()
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideMachine(b *bus.Bus) *runstate.Machine {
	return runstate.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.Dir(p.SessionName), p.SessionName)
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.DBPath(p.SessionName)
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
	chats, _ := db.ChatCount()
	msgs, _ := db.MessageCount()
	queued, _ := db.OutboxCount()
	logger.Info("store initialized",
		zap.String("path", dbPath),
		zap.Int64("chats", chats),
		zap.Int64("messages", msgs),
		zap.Int64("queued", queued))
	return db, nil
}

func provideClient(p Params, logger *zap.Logger) (remote.Client, error) {
	if p.Client != nil {
		return p.Client, nil
	}
	// Standalone mode starts from nothing; seed the account so the
	// catch-up pass has a profile to download.
	logger.Info("no remote backend supplied, running against an in-memory store")
	m := remote.NewMemory()
	doc := remote.UserDoc{DisplayName: p.UserID}
	if err := m.Write(context.Background(), remote.UserPath(p.UserID), doc); err != nil {
		return nil, err
	}
	return m, nil
}

func provideGateway(client remote.Client, db *store.DB, clock clockwork.Clock, cfg *config.Config, logger *zap.Logger) *remote.Gateway {
	return remote.NewGateway(client, db, clock, cfg.Gateway.CoalesceDelay.Std(), logger)
}

func provideEngine(db *store.DB, gw *remote.Gateway, b *bus.Bus, machine *runstate.Machine, clock clockwork.Clock, cfg *config.Config, logger *zap.Logger) (*intsync.Engine, error) {
	return intsync.NewEngine(db, gw, b, machine, nil, clock, intsync.Config{
		SyncWorkers:    cfg.Sync.Workers,
		BackfillLimit:  cfg.Sync.BackfillLimit,
		DedupCacheSize: cfg.Sync.DedupCache,
	}, logger)
}

func provideOutbox(db *store.DB, gw *remote.Gateway, b *bus.Bus, clock clockwork.Clock, cfg *config.Config, logger *zap.Logger) *outbox.Processor {
	return outbox.NewProcessor(db, gw, b, clock, outbox.Config{
		BaseDelay:    cfg.Outbox.BaseDelay.Std(),
		MaxAttempts:  cfg.Outbox.MaxAttempts,
		PollInterval: cfg.Outbox.PollInterval.Std(),
	}, logger)
}

func providePresence(gw *remote.Gateway, clock clockwork.Clock, cfg *config.Config, logger *zap.Logger) *presence.Manager {
	return presence.NewManager(gw, clock, presence.Config{
		Throttle:  cfg.Presence.Throttle.Std(),
		AutoClear: cfg.Presence.AutoClear.Std(),
	}, logger)
}

func provideFeed(p Params, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *feed.Server {
	return feed.NewServer(p.SessionName, b, feed.Config{
		ClientBuffer: cfg.Feed.ClientBuffer,
		WriteTimeout: cfg.Feed.WriteTimeout.Std(),
	}, logger)
}

func registerLifecycle(lc fx.Lifecycle, p Params, srv *Server, feedSrv *feed.Server, lk *lock.Lock, db *store.DB, gw *remote.Gateway, engine *intsync.Engine, proc *outbox.Processor, pres *presence.Manager, machine *runstate.Machine, logger *zap.Logger) {
	feedPath := p.FeedSocketPath
	if feedPath == "" {
		feedPath = session.FeedSocketPath(p.SessionName)
	}

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Control and feed sockets come up first so tooling can
			// observe the catch-up phase.
			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("control server error", zap.Error(err))
				}
			}()
			feedLis, err := listenUnix(feedPath)
			if err != nil {
				return err
			}
			go func() {
				if err := feedSrv.Serve(feedLis); err != nil {
					logger.Error("feed server error", zap.Error(err))
				}
			}()

			proc.Start(context.Background())

			if err := machine.Transition(runstate.InitialSync); err != nil {
				return err
			}
			// Catch-up runs off the start path; the sockets answer while
			// it downloads.
			go func() {
				ctx := context.Background()
				if err := engine.InitialSync(ctx, p.UserID); err != nil {
					logger.Error("initial sync failed", zap.Error(err))
					_ = machine.Transition(runstate.Error)
					return
				}
				if err := engine.StartRealtime(ctx, p.UserID); err != nil {
					logger.Error("realtime start failed", zap.Error(err))
					_ = machine.Transition(runstate.Error)
					return
				}
				if err := machine.Transition(runstate.Live); err != nil {
					logger.Warn("live transition rejected", zap.Error(err))
				}
				if err := pres.SetOnline(ctx, p.UserID, true); err != nil {
					logger.Warn("presence announce failed", zap.Error(err))
				}
			}()

			return nil
		},
		OnStop: func(ctx context.Context) error {
			_ = machine.Transition(runstate.Stopped)
			pres.Close()
			engine.StopRealtime()
			proc.Stop()
			// Flush coalesced acks before the store goes away.
			gw.Close()
			_ = feedSrv.Close()
			removeSocket(feedPath)
			srv.Stop(ctx)
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
