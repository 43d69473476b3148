// Package daemon assembles a session daemon with fx: config, logging, the
// local store, the backend, the realtime stream, signaling, the loop-bound
// components and the control API.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/matheus3301/duet/internal/api"
	"github.com/matheus3301/duet/internal/app"
	"github.com/matheus3301/duet/internal/backend"
	"github.com/matheus3301/duet/internal/bus"
	"github.com/matheus3301/duet/internal/call"
	"github.com/matheus3301/duet/internal/config"
	"github.com/matheus3301/duet/internal/lock"
	"github.com/matheus3301/duet/internal/logging"
	"github.com/matheus3301/duet/internal/loop"
	"github.com/matheus3301/duet/internal/media"
	"github.com/matheus3301/duet/internal/outbox"
	"github.com/matheus3301/duet/internal/presence"
	"github.com/matheus3301/duet/internal/realtime"
	"github.com/matheus3301/duet/internal/session"
	"github.com/matheus3301/duet/internal/signaling"
	"github.com/matheus3301/duet/internal/status"
	"github.com/matheus3301/duet/internal/store"
	intsync "github.com/matheus3301/duet/internal/sync"
	"github.com/matheus3301/duet/internal/unread"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	SocketPath  string         // optional override for testing; empty = use default
	Config      *config.Config // optional; nil = load the global config file
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
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
			provideBackend,
			provideLoop,
			provideSessionContext,
			provideDevices,
			provideSignaling,
			provideSource,
			provideStream,
			provideSender,
			provideEngine,
			provideUnread,
			providePresence,
			provideCalls,
			provideApp,
			provideService,
			NewServer,
		),
		fx.Invoke(wireChangeFeed, registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	cfg := p.Config
	if cfg == nil {
		loaded, err := config.Load(session.ConfigPath())
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("no config at %s; run duetctl init first", session.ConfigPath())
		}
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}
	cfg.ApplyDefaults()
	if err := session.ValidateUserID(cfg.UserID); err != nil {
		return nil, err
	}
	if cfg.Backend.DSN == "" {
		return nil, errors.New("backend.dsn is not configured")
	}
	if cfg.Stream.Transport == config.TransportLocal && !backend.IsLocal(cfg.Backend.DSN) {
		return nil, fmt.Errorf("stream.transport %q needs a %s backend", config.TransportLocal, backend.SQLitePrefix)
	}
	return cfg, nil
}

func provideLogger(p Params, cfg *config.Config) (*zap.Logger, error) {
	return logging.New(cfg.Log, session.LogPath(p.SessionName), p.SessionName, cfg.UserID)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, cfg *config.Config, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.LockPath(p.SessionName), cfg.UserID)
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

// provideStore opens the local app database. It depends on the lock so two
// daemons never migrate the same file.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.AppDBPath(p.SessionName)
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
		logger.Info("migrations applied", zap.Uint("from", result.From), zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideBackend(cfg *config.Config, logger *zap.Logger) (*backend.Store, error) {
	be, err := backend.Open(cfg.Backend.DSN, logger)
	if err != nil {
		return nil, err
	}
	if backend.IsLocal(cfg.Backend.DSN) {
		if err := be.AutoMigrate(); err != nil {
			_ = be.Close()
			return nil, fmt.Errorf("migrate local backend: %w", err)
		}
	}
	return be, nil
}

func provideLoop(logger *zap.Logger) *loop.Loop {
	return loop.New(0, logger.Named("loop"))
}

func provideSessionContext(cfg *config.Config) *session.Context {
	return session.NewContext(cfg.UserID)
}

func provideDevices(cfg *config.Config, logger *zap.Logger) *media.Devices {
	return media.NewDevices(cfg.Media.Audio, cfg.Media.Video, logger.Named("media"))
}

func provideSignaling(cfg *config.Config, logger *zap.Logger) *signaling.Client {
	return signaling.NewClient(cfg.Signaling.URL, cfg.UserID, logger.Named("signaling"))
}

func provideSource(cfg *config.Config) (realtime.Source, error) {
	switch cfg.Stream.Transport {
	case config.TransportWebSocket:
		return &realtime.WebSocketSource{URL: cfg.Stream.URL}, nil
	case config.TransportRedis:
		return realtime.NewRedisSource(cfg.Stream.RedisAddr, cfg.Stream.RedisPassword), nil
	case config.TransportLocal:
		return realtime.NewLocalSource(), nil
	}
	return nil, fmt.Errorf("unknown stream transport %q", cfg.Stream.Transport)
}

// wireChangeFeed makes a local backend announce its own message changes
// on the stream transport. The hosted backend has its own change feed.
func wireChangeFeed(cfg *config.Config, be *backend.Store, src realtime.Source, logger *zap.Logger) {
	if !backend.IsLocal(cfg.Backend.DSN) {
		return
	}
	p, ok := src.(realtime.Publisher)
	if !ok {
		logger.Warn("local backend on a read-only stream transport, message changes will not be streamed",
			zap.String("transport", cfg.Stream.Transport))
		return
	}
	be.OnChange(realtime.Notifier(p, logger.Named("changes")))
	logger.Debug("local change feed enabled", zap.String("transport", cfg.Stream.Transport))
}

func provideStream(src realtime.Source, cfg *config.Config, m *status.Machine, b *bus.Bus, logger *zap.Logger) *realtime.Client {
	return realtime.NewClient(src, cfg.UserID, m, b, cfg.Stream.Backoff.Duration, cfg.Stream.MaxBackoff.Duration, logger.Named("stream"))
}

func provideSender(db *store.DB, be *backend.Store, b *bus.Bus, logger *zap.Logger) *outbox.Sender {
	return outbox.NewSender(db, be, b, logger.Named("outbox"))
}

func provideEngine(be *backend.Store, sender *outbox.Sender, sess *session.Context, l *loop.Loop, b *bus.Bus, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(be, sender, sess, l, b, logger.Named("sync"))
}

func provideUnread(sess *session.Context, be *backend.Store, l *loop.Loop, b *bus.Bus, logger *zap.Logger) *unread.Tracker {
	return unread.NewTracker(sess, be, l, b, logger.Named("unread"))
}

func providePresence(b *bus.Bus, logger *zap.Logger) *presence.Tracker {
	return presence.NewTracker(b, logger.Named("presence"))
}

func provideCalls(sess *session.Context, devices *media.Devices, sig *signaling.Client, db *store.DB, l *loop.Loop, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *call.Manager {
	return call.NewManager(sess, devices, sig, db, l, b, cfg.Call.DeclineDelay.Duration, logger.Named("call"))
}

// components groups the loop-bound parts for provideApp.
type components struct {
	fx.In

	Session  *session.Context
	Engine   *intsync.Engine
	Unread   *unread.Tracker
	Presence *presence.Tracker
	Calls    *call.Manager
}

func provideApp(l *loop.Loop, b *bus.Bus, m *status.Machine, c components, be *backend.Store, db *store.DB, stream *realtime.Client, sig *signaling.Client, logger *zap.Logger) *app.App {
	return app.New(l, b, m, app.Components{
		Session:  c.Session,
		Engine:   c.Engine,
		Unread:   c.Unread,
		Presence: c.Presence,
		Calls:    c.Calls,
	}, be, db, stream.Events(), sig.Offers(), logger.Named("app"))
}

func provideService(a *app.App, b *bus.Bus, logger *zap.Logger) *api.Service {
	return api.NewService(a, b, logger.Named("api"))
}

// services groups what the lifecycle hooks start and stop.
type services struct {
	fx.In

	Server    *Server
	Lock      *lock.Lock
	Store     *store.DB
	Backend   *backend.Store
	Source    realtime.Source
	Stream    *realtime.Client
	Signaling *signaling.Client
	Sender    *outbox.Sender
	App       *app.App
	Config    *config.Config
	Logger    *zap.Logger
}

func registerLifecycle(lc fx.Lifecycle, s services) {
	logger := s.Logger
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := s.Sender.Recover(); err != nil {
				logger.Warn("outbox recovery failed", zap.Error(err))
			}

			if p, err := s.Backend.EnsureProfile(ctx, s.Config.UserID, s.Config.Email); err != nil {
				logger.Warn("could not ensure profile", zap.Error(err))
			} else {
				logger.Info("profile ready", zap.String("username", p.Username))
			}

			s.App.Start(context.Background())
			s.Stream.Start(context.Background())
			if s.Config.Signaling.URL != "" {
				s.Signaling.Start(context.Background())
			} else {
				logger.Info("signaling not configured, calls disabled")
			}

			// Start gRPC server in background.
			go func() {
				if err := s.Server.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			s.Server.Stop(ctx)
			s.App.Stop()
			s.Signaling.Stop()
			s.Stream.Stop()
			if c, ok := s.Source.(io.Closer); ok {
				_ = c.Close()
			}
			if err := s.Backend.Close(); err != nil {
				logger.Warn("error closing backend", zap.Error(err))
			}
			if err := s.Store.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := s.Lock.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
