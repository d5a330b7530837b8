package daemon

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"convo/internal/auth"
	"convo/internal/bus"
	"convo/internal/cache"
	"convo/internal/config"
	"convo/internal/lock"
	"convo/internal/logging"
	"convo/internal/profile"
	"convo/internal/repository"
	"convo/internal/status"
	"convo/internal/transport"
	"convo/internal/transport/memory"
)

// Params holds the resolved profile configuration passed to the fx module.
type Params struct {
	ProfileName string
	Listen      string // optional override for testing; empty = use config
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
			provideCache,
			provideClaims,
			provideTransport,
			provideRepository,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) *config.Config {
	cfg, err := config.Load(profile.ConfigPath())
	if err != nil {
		cfg = config.Default()
	}
	cfg.ApplyEnv()
	if p.Listen != "" {
		cfg.Listen = p.Listen
	}
	return cfg
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.ProfileName), p.ProfileName)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.ProfileName); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.ProfileName))
	l, err := lock.Acquire(profile.Dir(p.ProfileName))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

func provideCache(p Params, logger *zap.Logger) (*cache.DB, error) {
	dbPath := profile.CacheDBPath(p.ProfileName)
	db, err := cache.Open(dbPath)
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
	logger.Info("cache initialized", zap.String("path", dbPath))
	return db, nil
}

func provideClaims(cfg *config.Config) (*auth.Claims, error) {
	if cfg.AccessToken == "" {
		return nil, fmt.Errorf("no access token configured (set access_token in config.toml or CONVO_ACCESS_TOKEN)")
	}
	return auth.ParseToken(cfg.AccessToken, time.Now())
}

// provideTransport builds the in-memory demo service, pre-seeded so a fresh
// profile has something to look at.
func provideTransport(claims *auth.Claims) transport.Client {
	client := memory.New(claims.Identity)
	client.SeedDemo()
	return client
}

func provideRepository(db *cache.DB, client transport.Client, b *bus.Bus, machine *status.Machine, logger *zap.Logger, claims *auth.Claims, cfg *config.Config) *repository.Repository {
	return repository.New(db, client, b, machine, logger, claims.Identity, cfg.PageSize)
}

func registerLifecycle(lc fx.Lifecycle, srv *Server, lk *lock.Lock, client transport.Client, repo *repository.Repository, machine *status.Machine, cfg *config.Config, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// The receive loop must be running before Open so the initial
			// connection event is not lost.
			repo.Subscribe()

			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("http server error", zap.Error(err))
				}
			}()

			_ = machine.Transition(status.Connecting)
			go func() {
				if err := client.Open(context.Background(), cfg.AccessToken); err != nil {
					logger.Error("transport open failed", zap.Error(err))
					_ = machine.Transition(status.Error)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			srv.Stop(ctx)
			repo.Close()
			if err := client.Close(); err != nil {
				logger.Warn("error closing transport", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
