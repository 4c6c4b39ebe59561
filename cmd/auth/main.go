package main

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"

	cacheadapter "github.com/ereffner/stimma/internal/adapter/cache"
	mailadapter "github.com/ereffner/stimma/internal/adapter/mail"
	"github.com/ereffner/stimma/internal/bootstrap"
	"github.com/ereffner/stimma/internal/config"
	httptransport "github.com/ereffner/stimma/internal/http"
	"github.com/ereffner/stimma/internal/http/handler"
	httpmiddleware "github.com/ereffner/stimma/internal/http/middleware"
	"github.com/ereffner/stimma/internal/repository"
	"github.com/ereffner/stimma/internal/server"
	"github.com/ereffner/stimma/internal/service"
	"github.com/ereffner/stimma/internal/telemetry"
)

func main() {
	app := fx.New(
		fx.Provide(
			newConfig,
			newLogger,
			newTelemetry,
			newSnowflake,
			newPGXPool,
			newRedisClient,
			newUserRepository,
			newLoginTokenRepository,
			newRememberTokenRepository,
			newDomainRepository,
			newActivityLogRepository,
			newSessionStore,
			newRateLimitStore,
			newLoginRateLimiter,
			newSessionManager,
			newMailer,
			service.NewAuthService,
			newSessionMiddleware,
			newThrottle,
			handler.NewAuthHandler,
			handler.NewAdminHandler,
			httptransport.NewRouter,
			server.NewHTTPServer,
		),
		fx.Invoke(useTelemetry, bootstrap.Seed, startHTTPServer),
	)

	app.Run()
}

func newConfig() (config.Config, error) {
	return config.Load()
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	var (
		logger *zap.Logger
		err    error
	)
	if cfg.Environment == "development" {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return nil, err
	}
	zap.ReplaceGlobals(logger)
	return logger, nil
}

func newTelemetry(lc fx.Lifecycle, cfg config.Config, logger *zap.Logger) (*telemetry.Provider, error) {
	provider, err := telemetry.New(context.Background(), cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("telemetry init: %w", err)
	}

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			return provider.Shutdown(stopCtx)
		},
	})

	return provider, nil
}

func newSnowflake() (*snowflake.Node, error) {
	return snowflake.NewNode(1)
}

func newPGXPool(lc fx.Lifecycle, cfg config.Config) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			pool.Close()
			return nil
		},
	})

	return pool, nil
}

func newRedisClient(lc fx.Lifecycle, cfg config.Config) (redis.UniversalClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})
	return client, nil
}

func newUserRepository(pool *pgxpool.Pool) repository.UserRepository {
	return repository.NewPostgresUserRepo(pool)
}

func newLoginTokenRepository(pool *pgxpool.Pool) repository.LoginTokenRepository {
	return repository.NewPostgresLoginTokenRepo(pool)
}

func newRememberTokenRepository(pool *pgxpool.Pool) repository.RememberTokenRepository {
	return repository.NewPostgresRememberTokenRepo(pool)
}

func newDomainRepository(pool *pgxpool.Pool) repository.DomainRepository {
	return repository.NewPostgresDomainRepo(pool)
}

func newActivityLogRepository(pool *pgxpool.Pool) repository.ActivityLogRepository {
	return repository.NewPostgresActivityLogRepo(pool)
}

func newSessionStore(client redis.UniversalClient) repository.SessionStore {
	return cacheadapter.NewRedisSessionStore(client)
}

func newRateLimitStore(client redis.UniversalClient) repository.RateLimitStore {
	return cacheadapter.NewRedisRateLimitStore(client)
}

func newLoginRateLimiter(store repository.RateLimitStore, cfg config.Config) *service.LoginRateLimiter {
	return service.NewLoginRateLimiter(store, cfg.RateLimitWindow, cfg.RateLimitMaxAttempts)
}

func newSessionManager(store repository.SessionStore, cfg config.Config, logger *zap.Logger) *service.SessionManager {
	return service.NewSessionManager(store, cfg.SessionLifetime, cfg.AdminSessionLifetime, cfg.SessionRegenInterval, logger)
}

func newMailer(cfg config.Config) mailadapter.Mailer {
	return mailadapter.NewSMTPMailer(cfg)
}

func newSessionMiddleware(manager *service.SessionManager, auth *service.AuthService, cfg config.Config, logger *zap.Logger) *httpmiddleware.Sessions {
	return &httpmiddleware.Sessions{Manager: manager, Auth: auth, Cfg: cfg, Logger: logger}
}

func newThrottle(cfg config.Config) *httpmiddleware.Throttle {
	return httpmiddleware.NewThrottle(cfg.ThrottleRPM)
}

func startHTTPServer(lc fx.Lifecycle, srv *server.HTTPServer, cfg config.Config, logger *zap.Logger) {
	addr := ":" + cfg.HTTPPort
	var (
		cancel context.CancelFunc
		done   chan struct{}
	)

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			runCtx, stop := context.WithCancel(context.Background())
			cancel = stop
			done = make(chan struct{})

			go func() {
				if err := srv.Run(runCtx, addr); err != nil {
					logger.Error("http server stopped", zap.Error(err))
				}
				close(done)
			}()

			return nil
		},
		OnStop: func(ctx context.Context) error {
			if cancel != nil {
				cancel()
			}
			if done == nil {
				return nil
			}
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})
}

func useTelemetry(*telemetry.Provider) {}
