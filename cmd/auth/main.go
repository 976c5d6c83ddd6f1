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

	cacheadapter "github.com/smallbiznis/valora-session/internal/adapter/cache"
	"github.com/smallbiznis/valora-session/internal/audit"
	"github.com/smallbiznis/valora-session/internal/bootstrap"
	"github.com/smallbiznis/valora-session/internal/config"
	"github.com/smallbiznis/valora-session/internal/db/migrate"
	httptransport "github.com/smallbiznis/valora-session/internal/http"
	"github.com/smallbiznis/valora-session/internal/http/handler"
	httpmiddleware "github.com/smallbiznis/valora-session/internal/http/middleware"
	"github.com/smallbiznis/valora-session/internal/jwt"
	"github.com/smallbiznis/valora-session/internal/metrics"
	apimiddleware "github.com/smallbiznis/valora-session/internal/middleware"
	"github.com/smallbiznis/valora-session/internal/ratelimit"
	"github.com/smallbiznis/valora-session/internal/repository"
	"github.com/smallbiznis/valora-session/internal/rotation"
	"github.com/smallbiznis/valora-session/internal/security"
	"github.com/smallbiznis/valora-session/internal/server"
	"github.com/smallbiznis/valora-session/internal/service"
	"github.com/smallbiznis/valora-session/internal/telemetry"
	"github.com/smallbiznis/valora-session/internal/worker"
)

func main() {
	app := fx.New(
		fx.Provide(
			newConfig,
			newLogger,
			newTelemetry,
			metrics.New,
			newSnowflake,
			newPGXPool,
			newUserRepository,
			newRoleRepository,
			newRefreshTokenRepository,
			newRedisClient,
			newSessionStore,
			fx.Annotate(cacheadapter.NewRedisRateCounter, fx.As(new(repository.RateCounter))),
			newHasher,
			newIssuer,
			newRotationEngine,
			newAuditSink,
			ratelimit.NewPolicies,
			ratelimit.NewLimiter,
			newThrottle,
			service.NewAuthService,
			handler.NewAuthHandler,
			newHealth,
			newAuthMiddleware,
			newPermissions,
			newRouterParams,
			httptransport.NewRouter,
			server.NewHTTPServer,
			newCleanup,
		),
		fx.Invoke(useTelemetry, bootstrap.EnsureAdmin, worker.Register, startHTTPServer),
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

func newPGXPool(lc fx.Lifecycle, cfg config.Config, logger *zap.Logger) (*pgxpool.Pool, error) {
	if cfg.MigrateOnStart {
		if err := migrate.Run(cfg.DatabaseURL, "up"); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
		logger.Info("schema migrated")
	}

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

func newUserRepository(pool *pgxpool.Pool, cfg config.Config) repository.UserRepository {
	return repository.NewPostgresUserRepo(pool, cfg.StoreTimeout)
}

func newRoleRepository(pool *pgxpool.Pool, cfg config.Config) repository.RoleRepository {
	return repository.NewPostgresRoleRepo(pool, cfg.StoreTimeout)
}

func newRefreshTokenRepository(pool *pgxpool.Pool, cfg config.Config) repository.RefreshTokenRepository {
	return repository.NewPostgresRefreshTokenRepo(pool, cfg.StoreTimeout)
}

func newRedisClient(lc fx.Lifecycle, cfg config.Config) (redis.UniversalClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		DialTimeout:  cfg.StoreTimeout,
		ReadTimeout:  cfg.StoreTimeout,
		WriteTimeout: cfg.StoreTimeout,
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

func newSessionStore(client redis.UniversalClient) (*cacheadapter.RedisSessionStore, repository.SessionStore) {
	store := cacheadapter.NewRedisSessionStore(client)
	return store, store
}

func newHasher(cfg config.Config) (*security.Hasher, error) {
	return security.NewHasher(cfg.TokenHashSecret)
}

func newIssuer(cfg config.Config, sessions repository.SessionStore, m *metrics.Metrics) (*jwt.Issuer, error) {
	key, err := jwt.NewSigningKey(cfg.JWTSecret)
	if err != nil {
		return nil, err
	}
	return jwt.NewIssuer(key, cfg.JWTIssuer, cfg.AccessTokenTTL, sessions, jwt.WithMetrics(m))
}

func newRotationEngine(cfg config.Config, tokens repository.RefreshTokenRepository, hasher *security.Hasher, node *snowflake.Node, m *metrics.Metrics, logger *zap.Logger) *rotation.Engine {
	return rotation.NewEngine(tokens, hasher, node,
		rotation.Settings{RefreshTTL: cfg.RefreshTokenTTL, MaxSessions: cfg.MaxSessions},
		logger,
		rotation.WithMetrics(m),
	)
}

func newAuditSink(lc fx.Lifecycle, cfg config.Config, logger *zap.Logger) audit.Sink {
	sinks := audit.New(logger, cfg.AuditKafkaBrokers, cfg.AuditKafkaTopic)
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return sinks.Close()
		},
	})
	return sinks
}

func newThrottle(cfg config.Config, m *metrics.Metrics) *apimiddleware.Throttle {
	return apimiddleware.NewThrottle(cfg.RateLimitRPM, m)
}

func newHealth(pool *pgxpool.Pool, sessions *cacheadapter.RedisSessionStore) *handler.Health {
	return &handler.Health{Checks: map[string]func(context.Context) error{
		"postgres": pool.Ping,
		"redis":    sessions.Ping,
	}}
}

func newAuthMiddleware(authService *service.AuthService) *httpmiddleware.Auth {
	return &httpmiddleware.Auth{AuthService: authService}
}

func newPermissions(roles repository.RoleRepository, logger *zap.Logger) *httpmiddleware.Permissions {
	return &httpmiddleware.Permissions{Roles: roles, Logger: logger}
}

type routerDeps struct {
	fx.In

	Config      config.Config
	Logger      *zap.Logger
	Handler     *handler.AuthHandler
	Health      *handler.Health
	Auth        *httpmiddleware.Auth
	Permissions *httpmiddleware.Permissions
	Limiter     *ratelimit.Limiter
	Policies    ratelimit.Policies
	Audit       audit.Sink
	Throttle    *apimiddleware.Throttle
	Metrics     *metrics.Metrics
}

func newRouterParams(d routerDeps) httptransport.RouterParams {
	return httptransport.RouterParams{
		Config:      d.Config,
		Logger:      d.Logger,
		Handler:     d.Handler,
		Health:      d.Health,
		Auth:        d.Auth,
		Permissions: d.Permissions,
		Limiter:     d.Limiter,
		Policies:    d.Policies,
		Audit:       d.Audit,
		Throttle:    d.Throttle,
		Metrics:     d.Metrics,
	}
}

func newCleanup(cfg config.Config, engine *rotation.Engine, logger *zap.Logger) (*worker.Cleanup, error) {
	return worker.NewCleanup(engine, cfg.CleanupSchedule, cfg.RefreshRetention, logger)
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
				logger.Info("http server listening", zap.String("addr", addr))
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
