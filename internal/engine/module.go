package engine

import (
	"context"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/pengpengno/Group-IM-sub000/internal/bus"
	"github.com/pengpengno/Group-IM-sub000/internal/config"
	"github.com/pengpengno/Group-IM-sub000/internal/filecache"
	"github.com/pengpengno/Group-IM-sub000/internal/lock"
	"github.com/pengpengno/Group-IM-sub000/internal/logging"
	"github.com/pengpengno/Group-IM-sub000/internal/outbox"
	"github.com/pengpengno/Group-IM-sub000/internal/router"
	"github.com/pengpengno/Group-IM-sub000/internal/session"
	"github.com/pengpengno/Group-IM-sub000/internal/status"
	"github.com/pengpengno/Group-IM-sub000/internal/store"
	"github.com/pengpengno/Group-IM-sub000/internal/syncer"
	"github.com/pengpengno/Group-IM-sub000/internal/transport/ws"
)

// Params holds the resolved startup configuration passed to the fx module.
type Params struct {
	SessionName string
	ServerURL   string // optional override; empty = use config
}

// Module returns the fx module composing all engine providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("engine",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideClient,
			provideRouter,
			provideFileCache,
			provideSyncer,
			provideSender,
			providePipeline,
			New,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) *config.Config {
	// A missing or malformed config must not brick the engine; defaults
	// keep the session usable.
	cfg, err := config.Load(session.ConfigPath())
	if err != nil {
		cfg = config.Default()
	}
	if p.ServerURL != "" {
		cfg.ServerURL = p.ServerURL
	}
	return cfg
}

func provideLogger(p Params) (*zap.Logger, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	return logging.New(session.LogPath(p.SessionName), p.SessionName)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.Dir(p.SessionName))
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
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideClient(cfg *config.Config, b *bus.Bus, logger *zap.Logger) (*ws.Client, error) {
	return ws.New(cfg.ServerURL, b, logger)
}

func provideRouter(cfg *config.Config, logger *zap.Logger) *router.Router {
	return router.New(cfg.RouterBuffer, logger)
}

func provideFileCache(p Params, db *store.DB, client *ws.Client, b *bus.Bus, logger *zap.Logger) *filecache.Manager {
	return filecache.NewManager(db, session.FilesDir(p.SessionName), client, b, logger)
}

func provideSyncer(db *store.DB, client *ws.Client, b *bus.Bus, logger *zap.Logger) *syncer.Coordinator {
	return syncer.New(db, client, b, logger)
}

func provideSender(cfg *config.Config, db *store.DB, client *ws.Client, b *bus.Bus, logger *zap.Logger) *outbox.Sender {
	resendAfter := time.Duration(cfg.ResendAfterMs) * time.Millisecond
	return outbox.NewSender(db, client, client, b, logger, resendAfter)
}

func providePipeline(cfg *config.Config, db *store.DB, client *ws.Client, files *filecache.Manager,
	sender *outbox.Sender, b *bus.Bus, logger *zap.Logger) *outbox.Pipeline {
	return outbox.NewPipeline(db, client, client, files, b, logger, cfg.MaxRetry, sender.Kick)
}

func registerLifecycle(lc fx.Lifecycle, eng *Engine, client *ws.Client, sender *outbox.Sender,
	machine *status.Machine, lk *lock.Lock, db *store.DB, cfg *config.Config, b *bus.Bus, logger *zap.Logger) {
	ctx, cancel := context.WithCancel(context.Background())

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			client.SetInbound(eng)
			sender.Start(ctx)
			go superviseConnection(ctx, eng, client, machine, b, logger)
			go cleanupLoop(ctx, eng, cfg.RetentionDays, logger)
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			sender.Stop()
			client.Close()
			if err := db.Close(); err != nil {
				logger.Warn("store close failed", zap.Error(err))
			}
			_ = lk.Release()
			logger.Info("engine stopped")
			_ = logger.Sync()
			return nil
		},
	})
}

// superviseConnection drives the state machine from transport events and
// keeps dialing until the context ends. The engine stays fully usable in
// Offline; sends queue and drain after the next successful connect.
func superviseConnection(ctx context.Context, eng *Engine, client *ws.Client,
	machine *status.Machine, b *bus.Bus, logger *zap.Logger) {
	events, unsub := b.Subscribe("transport.", 16)
	defer unsub()

	_ = machine.Transition(status.Connecting)
	if err := client.Connect(ctx); err != nil {
		logger.Warn("initial connect failed, staying offline", zap.Error(err))
		_ = machine.Transition(status.Offline)
		go redial(ctx, client, logger)
	}

	for {
		select {
		case evt := <-events:
			switch evt.Kind {
			case bus.KindConnected:
				if machine.Current() != status.Connecting {
					_ = machine.Transition(status.Connecting)
				}
				_ = machine.Transition(status.Syncing)
				syncAll(ctx, eng, logger)
				_ = machine.Transition(status.Ready)
			case bus.KindDisconnected:
				_ = machine.Transition(status.Reconnecting)
				go redial(ctx, client, logger)
			}
		case <-ctx.Done():
			return
		}
	}
}

func redial(ctx context.Context, client *ws.Client, logger *zap.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(5 * time.Second):
		}
		if err := client.Connect(ctx); err != nil {
			logger.Debug("redial failed", zap.Error(err))
			continue
		}
		return
	}
}

// syncAll pulls every known conversation up to the server's high-water
// mark after a (re)connect.
func syncAll(ctx context.Context, eng *Engine, logger *zap.Logger) {
	convs, err := eng.Conversations(500, 0)
	if err != nil {
		logger.Error("conversation list failed", zap.Error(err))
		return
	}
	for _, conv := range convs {
		if _, err := eng.Sync(ctx, conv.ID); err != nil {
			logger.Warn("sync failed", zap.String("conversation_id", conv.ID), zap.Error(err))
		}
	}
}

func cleanupLoop(ctx context.Context, eng *Engine, retentionDays int, logger *zap.Logger) {
	ticker := time.NewTicker(12 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			removed, err := eng.CleanupFiles(retentionDays)
			if err != nil {
				logger.Error("file cache cleanup failed", zap.Error(err))
				continue
			}
			if removed > 0 {
				logger.Info("file cache cleanup", zap.Int("removed", removed))
			}
		case <-ctx.Done():
			return
		}
	}
}
