package daemon

import (
	"context"

	"github.com/matheus3301/nostrdm/internal/api"
	"github.com/matheus3301/nostrdm/internal/bus"
	"github.com/matheus3301/nostrdm/internal/cache"
	"github.com/matheus3301/nostrdm/internal/config"
	"github.com/matheus3301/nostrdm/internal/lock"
	"github.com/matheus3301/nostrdm/internal/logging"
	"github.com/matheus3301/nostrdm/internal/messaging"
	"github.com/matheus3301/nostrdm/internal/profile"
	"github.com/matheus3301/nostrdm/internal/relay"
	"github.com/matheus3301/nostrdm/internal/session"
	"github.com/matheus3301/nostrdm/internal/status"
	"github.com/matheus3301/nostrdm/internal/upload"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	SocketPath  string // optional override for testing; empty = use default
	ConfigPath  string // optional override; empty = ~/.nostrdm/config.toml
	CacheDir    string // optional override; empty = session cache dir

	// Transport replaces the relay pool when set. Tests use an in-memory relay.
	Transport relay.Transport
	// Logger replaces the file logger when set.
	Logger *zap.Logger
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
			providePool,
			provideTransport,
			provideAccount,
			provideProfiles,
			provideUploader,
			provideCaches,
			provideMessaging,
			provideSessionService,
			provideSyncService,
			provideMessagingService,
			newSignIn,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	if err := config.LoadDotEnv(session.EnvPath(p.SessionName)); err != nil {
		return nil, err
	}
	path := p.ConfigPath
	if path == "" {
		path = session.ConfigPath()
	}
	return config.LoadOrDefault(path)
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

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.LockPath(p.SessionName), p.SessionName)
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

func providePool(cfg *config.Config, logger *zap.Logger) *relay.Pool {
	urls := cfg.RelayURLs()
	logger.Info("relays configured", zap.Strings("relays", urls))
	return relay.NewPool(urls, logger.Named("relay"))
}

func provideTransport(p Params, pool *relay.Pool) relay.Transport {
	if p.Transport != nil {
		return p.Transport
	}
	return pool
}

func provideAccount() *api.Account {
	return &api.Account{}
}

func provideProfiles(transport relay.Transport, logger *zap.Logger) *profile.Service {
	return profile.NewService(transport, logger.Named("profile"))
}

func provideUploader(cfg *config.Config, logger *zap.Logger) upload.Uploader {
	if cfg.Upload.Server == "" {
		return nil
	}
	return upload.NewBlossomUploader(cfg.Upload.Server, logger.Named("upload"))
}

func provideCaches(p Params, cfg *config.Config, logger *zap.Logger) *cache.Manager {
	dir := p.CacheDir
	if dir == "" {
		dir = session.CacheDir(p.SessionName)
	}
	return cache.NewManager(dir, cache.Options{TTL: cfg.Cache.TTL.Duration, Logger: logger.Named("cache")})
}

func provideMessaging(cfg *config.Config, transport relay.Transport, caches *cache.Manager, profiles *profile.Service, uploader upload.Uploader, b *bus.Bus, logger *zap.Logger) *messaging.Service {
	return messaging.New(messaging.Deps{
		Transport: transport,
		Caches:    caches,
		Profiles:  profiles,
		Uploader:  uploader,
		Bus:       b,
		Logger:    logger.Named("messaging"),
	}, messaging.Config{
		Backoff: messaging.BackoffConfig{
			Min:    cfg.Sync.MinInterval.Duration,
			Max:    cfg.Sync.MaxInterval.Duration,
			Factor: cfg.Sync.Factor,
		},
	})
}

func provideSessionService(p Params, cfg *config.Config, m *status.Machine, account *api.Account, svc *messaging.Service, caches *cache.Manager, logger *zap.Logger) *api.SessionService {
	return api.NewSessionService(p.SessionName, cfg.RelayURLs(), m, account, svc, caches, logger)
}

func provideSyncService(svc *messaging.Service, account *api.Account) *api.SyncService {
	return api.NewSyncService(svc.Syncer(), account)
}

func provideMessagingService(svc *messaging.Service, account *api.Account, b *bus.Bus, logger *zap.Logger) *api.MessagingService {
	return api.NewMessagingService(svc, account, b, logger)
}

func registerLifecycle(lc fx.Lifecycle, srv *Server, lk *lock.Lock, in *signIn, svc *messaging.Service, pool *relay.Pool, caches *cache.Manager, machine *status.Machine, b *bus.Bus, logger *zap.Logger) {
	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Start gRPC server in background.
			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			go watchSync(runCtx, b, machine, logger)
			go func() {
				defer close(done)
				in.run(runCtx)
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			select {
			case <-done:
			case <-ctx.Done():
				logger.Warn("sign-in still running at shutdown")
			}
			in.close()
			svc.Close()
			pool.Close()
			if err := caches.Close(); err != nil {
				logger.Warn("error closing cache", zap.Error(err))
			}
			srv.Stop(ctx)
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}

// watchSync flips the session between Ready and Degraded as sync cycles
// succeed or fail. Leaving Syncing is up to signIn.
func watchSync(ctx context.Context, b *bus.Bus, machine *status.Machine, logger *zap.Logger) {
	ch, unsub := b.Subscribe(bus.KindSyncCycle, 16)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-ch:
			st, ok := evt.Payload.(messaging.SyncStatus)
			if !ok {
				continue
			}
			switch machine.Current() {
			case status.Ready, status.Degraded:
			default:
				continue
			}
			target := status.Ready
			if st.LastError != "" {
				target = status.Degraded
			}
			if err := machine.Settle(target); err != nil {
				logger.Debug("sync status transition", zap.Error(err))
			}
		}
	}
}
