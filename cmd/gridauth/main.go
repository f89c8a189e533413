package main

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/smallbiznis/gridauth/internal/adapter/cache"
	"github.com/smallbiznis/gridauth/internal/adapter/idp"
	"github.com/smallbiznis/gridauth/internal/adapter/queue"
	"github.com/smallbiznis/gridauth/internal/bootstrap"
	"github.com/smallbiznis/gridauth/internal/config"
	httptransport "github.com/smallbiznis/gridauth/internal/http"
	"github.com/smallbiznis/gridauth/internal/http/handler"
	httpmiddleware "github.com/smallbiznis/gridauth/internal/http/middleware"
	"github.com/smallbiznis/gridauth/internal/jwt"
	apimiddleware "github.com/smallbiznis/gridauth/internal/middleware"
	"github.com/smallbiznis/gridauth/internal/registry"
	"github.com/smallbiznis/gridauth/internal/repository"
	"github.com/smallbiznis/gridauth/internal/server"
	"github.com/smallbiznis/gridauth/internal/service"
	"github.com/smallbiznis/gridauth/internal/service/flow"
	"github.com/smallbiznis/gridauth/internal/service/pilot"
	"github.com/smallbiznis/gridauth/internal/statecrypt"
	"github.com/smallbiznis/gridauth/internal/telemetry"
)

func main() {
	app := fx.New(
		fx.Provide(
			newConfig,
			newLogger,
			newTelemetry,
			newMetrics,
			newGatherer,
			newSnowflake,
			newStore,
			newRedisClient,
			newPollLimiter,
			newJobSource,
			newRegistry,
			newResolver,
			newSealer,
			newIdPClient,
			newRateLimiter,
			newKeyManager,
			newTokenGenerator,
			newTokenIssuer,
			newRefreshManager,
			newLegacyExchange,
			newMaintenance,
			newDiscoveryService,
			newOrchestrator,
			newPipeline,
			handler.NewAuthHandler,
			newAuthMiddleware,
			httptransport.NewRouter,
			server.NewHTTPServer,
		),
		fx.Invoke(useTelemetry, bootstrap.EnsureSigningKeys, bootstrap.ScheduleMaintenance, startHTTPServer),
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
	logger = logger.With(zap.String("service", cfg.ServiceName))
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

func newMetrics(cfg config.Config) *telemetry.Metrics {
	if !cfg.MetricsEnabled {
		return nil
	}
	return telemetry.NewMetrics(prometheus.DefaultRegisterer)
}

func newGatherer(cfg config.Config) prometheus.Gatherer {
	if !cfg.MetricsEnabled {
		return nil
	}
	return prometheus.DefaultGatherer
}

func newSnowflake(cfg config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}

func newStore(lc fx.Lifecycle, cfg config.Config, logger *zap.Logger) (repository.Store, error) {
	if cfg.StorageBackend == config.StorageMemory {
		logger.Warn("using in-memory storage; state is lost on restart and not shared between instances")
		return repository.NewMemoryStore(), nil
	}

	if cfg.MigrateOnStart {
		if err := repository.Migrate(cfg.DatabaseURL, logger); err != nil {
			return nil, fmt.Errorf("migrate database: %w", err)
		}
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

	return repository.NewPostgresStore(pool), nil
}

// newRedisClient returns nil when REDIS_ADDR is unset; the poll limiter and
// job source then fall back to their in-process versions.
func newRedisClient(lc fx.Lifecycle, cfg config.Config) (redis.UniversalClient, error) {
	if cfg.RedisAddr == "" {
		return nil, nil
	}
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

func newPollLimiter(client redis.UniversalClient) flow.PollLimiter {
	if client == nil {
		return cache.NewMemoryPollLimiter()
	}
	return cache.NewRedisPollLimiter(client)
}

func newJobSource(client redis.UniversalClient) pilot.JobSource {
	if client == nil {
		return queue.NewMemoryJobQueue()
	}
	return queue.NewRedisJobQueue(client)
}

func newRegistry(cfg config.Config) (*registry.Registry, error) {
	reg, err := registry.Load(cfg.RegistryFile)
	if err != nil {
		return nil, fmt.Errorf("load registry: %w", err)
	}
	return reg, nil
}

func newResolver(reg *registry.Registry) registry.Resolver {
	return reg
}

func newSealer(cfg config.Config) (*statecrypt.Sealer, error) {
	maxAge := cfg.AuthorizationFlowTTL
	if cfg.DeviceFlowTTL > maxAge {
		maxAge = cfg.DeviceFlowTTL
	}
	return statecrypt.NewFromBase64(cfg.StateKey, maxAge)
}

func newIdPClient(resolver registry.Resolver, cfg config.Config, logger *zap.Logger) idp.Client {
	return idp.NewOIDCClient(resolver, nil, cfg.IdPTimeout, logger)
}

func newRateLimiter(cfg config.Config) *apimiddleware.RateLimiter {
	return apimiddleware.NewRateLimiter(cfg.RateLimitRPM, "/.well-known", "/metrics")
}

func newKeyManager(store repository.Store, cfg config.Config, logger *zap.Logger) *jwt.KeyManager {
	return jwt.NewKeyManager(store, jwt.RetirementWindow(cfg.MaxAccessTokenTTL(), cfg.KeyReloadInterval), logger)
}

func newTokenGenerator(manager *jwt.KeyManager, cfg config.Config) *jwt.Generator {
	return jwt.NewGenerator(manager, cfg.Issuer, cfg.Audience)
}

func newTokenIssuer(keys *jwt.KeyManager, generator *jwt.Generator, store repository.Store, cfg config.Config, metrics *telemetry.Metrics, logger *zap.Logger) *service.TokenIssuer {
	return service.NewTokenIssuer(keys, generator, store, cfg, metrics, logger)
}

func newRefreshManager(issuer *service.TokenIssuer, store repository.Store, resolver registry.Resolver, metrics *telemetry.Metrics, logger *zap.Logger) *service.RefreshManager {
	return service.NewRefreshManager(issuer, store, resolver, metrics, logger)
}

func newLegacyExchange(issuer *service.TokenIssuer, resolver registry.Resolver, cfg config.Config, logger *zap.Logger) *service.LegacyExchange {
	return service.NewLegacyExchange(issuer, resolver, cfg.LegacyExchangeKeyHash, logger)
}

func newMaintenance(store repository.Store, issuer *service.TokenIssuer, logger *zap.Logger) *service.Maintenance {
	return service.NewMaintenance(store, issuer, logger)
}

func newDiscoveryService(cfg config.Config, resolver registry.Resolver) *service.DiscoveryService {
	return service.NewDiscoveryService(cfg.PublicURL, cfg.Issuer, resolver)
}

func newOrchestrator(
	store repository.Store,
	idpClient idp.Client,
	limiter flow.PollLimiter,
	sealer *statecrypt.Sealer,
	issuer *service.TokenIssuer,
	resolver registry.Resolver,
	cfg config.Config,
	metrics *telemetry.Metrics,
	logger *zap.Logger,
) flow.Orchestrator {
	return flow.NewOrchestrator(store, idpClient, limiter, sealer, issuer, resolver, cfg, metrics, logger)
}

func newPipeline(
	store repository.Store,
	source pilot.JobSource,
	issuer *service.TokenIssuer,
	resolver registry.Resolver,
	node *snowflake.Node,
	cfg config.Config,
	metrics *telemetry.Metrics,
	logger *zap.Logger,
) pilot.Pipeline {
	return pilot.NewPipeline(store, store, store, source, issuer, resolver, node, cfg, metrics, logger)
}

func newAuthMiddleware(issuer *service.TokenIssuer) *httpmiddleware.Auth {
	return httpmiddleware.NewAuth(issuer)
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
