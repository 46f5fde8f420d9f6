package daemon

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/campus/internal/api"
	"github.com/matheus3301/campus/internal/bus"
	"github.com/matheus3301/campus/internal/catalog"
	"github.com/matheus3301/campus/internal/config"
	"github.com/matheus3301/campus/internal/dispatch"
	"github.com/matheus3301/campus/internal/game"
	"github.com/matheus3301/campus/internal/lock"
	"github.com/matheus3301/campus/internal/logging"
	"github.com/matheus3301/campus/internal/outbox"
	"github.com/matheus3301/campus/internal/realtime"
	"github.com/matheus3301/campus/internal/restapi"
	"github.com/matheus3301/campus/internal/session"
	"github.com/matheus3301/campus/internal/status"
	"github.com/matheus3301/campus/internal/store"
	"github.com/matheus3301/campus/internal/subscription"
	intsync "github.com/matheus3301/campus/internal/sync"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	SocketPath  string         // optional override for testing; empty = use default
	Config      *config.Config // optional; nil = resolve from ~/.campus
	Dialer      realtime.Dialer
	Logger      *zap.Logger // optional; nil = session log file
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
			provideRESTClient,
			provideCatalog,
			provideTracker,
			provideConnection,
			provideSyncEngine,
			provideDispatcher,
			provideSubscriptions,
			provideSender,
			provideHealth,
			provideCommands,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	cfg := p.Config
	if cfg == nil {
		var err error
		cfg, err = config.Resolve(session.ConfigPath(), session.EnvPath())
		if err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	// Tokens issued by the platform carry the user id; an explicit user.id wins.
	if cfg.User.ID == "" && cfg.Token != "" {
		if info, err := config.InspectToken(cfg.Token); err == nil {
			cfg.User.ID = info.UserID
		}
	}
	return cfg, nil
}

func provideLogger(p Params, cfg *config.Config) (*zap.Logger, error) {
	if p.Logger != nil {
		return p.Logger, nil
	}
	return logging.New(session.LogPath(p.SessionName), p.SessionName, cfg.LogLevel)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus, cfg *config.Config) *status.Machine {
	return status.NewMachine(b, cfg.Realtime.Reconnect)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.Dir(p.SessionName), uuid.NewString())
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired", zap.String("instance", l.Holder().Instance))
	return l, nil
}

// provideStore depends on the lock so the database is never opened by a
// second daemon.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
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

func provideRESTClient(cfg *config.Config) *restapi.Client {
	return restapi.New(cfg.API.BaseURL, cfg.Token)
}

func provideCatalog(db *store.DB, client *restapi.Client, logger *zap.Logger) *catalog.Catalog {
	return catalog.New(db, client, logger)
}

func provideTracker(b *bus.Bus, logger *zap.Logger) *game.Tracker {
	return game.NewTracker(b, logger)
}

func provideConnection(p Params, cfg *config.Config, machine *status.Machine, b *bus.Bus, logger *zap.Logger) *realtime.Manager {
	dialer := p.Dialer
	if dialer == nil {
		dialer = &realtime.WebsocketDialer{TokenIn: cfg.Realtime.TokenIn}
	}
	return realtime.NewManager(realtime.Options{
		Dialer:     dialer,
		Machine:    machine,
		Bus:        b,
		Logger:     logger,
		RetryDelay: cfg.Realtime.ReconnectDelay.Std(),
	})
}

func provideSyncEngine(db *store.DB, b *bus.Bus, conn *realtime.Manager, cfg *config.Config, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(db, b, conn, cfg.User.ID, logger)
}

func provideDispatcher(engine *intsync.Engine, tracker *game.Tracker, logger *zap.Logger) *dispatch.Dispatcher {
	return dispatch.New(engine, tracker, logger)
}

func provideSubscriptions(db *store.DB, conn *realtime.Manager, cat *catalog.Catalog, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *subscription.Manager {
	return subscription.NewManager(db, conn, cat, b, logger, cfg.Realtime.FetchHistoryOnJoin)
}

func provideSender(db *store.DB, conn *realtime.Manager, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *outbox.Sender {
	return outbox.NewSender(db, conn, b, logger, outbox.Options{
		ConfirmTimeout: cfg.Realtime.ConfirmTimeout.Std(),
		Rate:           cfg.Realtime.SendRate,
	})
}

func provideHealth(machine *status.Machine, b *bus.Bus, logger *zap.Logger) *api.HealthService {
	return api.NewHealthService(machine, b, logger)
}

func provideCommands(db *store.DB, b *bus.Bus, subs *subscription.Manager, cat *catalog.Catalog, cfg *config.Config, logger *zap.Logger) *api.CommandService {
	return api.NewCommandService(db, b, subs, cat, api.Identity{ID: cfg.User.ID, Name: cfg.User.Name}, logger)
}

type lifecycleParams struct {
	fx.In

	Config     *config.Config
	Server     *Server
	Lock       *lock.Lock
	DB         *store.DB
	Conn       *realtime.Manager
	Dispatcher *dispatch.Dispatcher
	Subs       *subscription.Manager
	Sender     *outbox.Sender
	Health     *api.HealthService
	Logger     *zap.Logger
}

func registerLifecycle(lc fx.Lifecycle, p lifecycleParams) {
	ctx, cancel := context.WithCancel(context.Background())
	logger := p.Logger

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			p.Conn.SetHandler(p.Dispatcher.HandleFrame)
			p.Health.Start(ctx)
			p.Subs.Start(ctx)
			p.Sender.Start(ctx)

			go func() {
				if err := p.Server.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			endpoint, token := p.Config.Realtime.Endpoint, p.Config.Token
			if endpoint == "" || token == "" {
				logger.Warn("realtime endpoint or CAMPUS_TOKEN not set, staying offline")
				return nil
			}
			if info, err := config.InspectToken(token); err == nil && info.Expired(time.Now()) {
				logger.Warn("access token looks expired", zap.Time("expired_at", info.ExpiresAt))
			}
			go func() {
				err := p.Conn.Connect(ctx, endpoint, token)
				var authErr *realtime.AuthError
				switch {
				case err == nil:
				case errors.As(err, &authErr):
					logger.Error("token rejected, not retrying", zap.Int("status", authErr.Status), zap.Int("code", authErr.Code))
				default:
					logger.Warn("initial connect failed", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			// Close first so no frame reaches the store after it is shut.
			if err := p.Conn.Close(); err != nil {
				logger.Warn("closing connection", zap.Error(err))
			}
			cancel()
			p.Subs.Stop()
			p.Sender.Stop()
			p.Health.Stop()
			p.Server.Stop(stopCtx)
			if err := p.DB.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := p.Lock.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
