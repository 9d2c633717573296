package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/vyrodovalexey/apigw/internal/auth"
	"github.com/vyrodovalexey/apigw/internal/auth/apikey"
	authjwt "github.com/vyrodovalexey/apigw/internal/auth/jwt"
	"github.com/vyrodovalexey/apigw/internal/auth/oauth"
	"github.com/vyrodovalexey/apigw/internal/cache"
	"github.com/vyrodovalexey/apigw/internal/config"
	"github.com/vyrodovalexey/apigw/internal/gateway"
	"github.com/vyrodovalexey/apigw/internal/observability"
	"github.com/vyrodovalexey/apigw/internal/proxy"
	"github.com/vyrodovalexey/apigw/internal/ratelimit"
	"github.com/vyrodovalexey/apigw/internal/ratelimit/store"
	"github.com/vyrodovalexey/apigw/internal/responsecache"
	"github.com/vyrodovalexey/apigw/internal/router"
)

// application holds the wired gateway components.
type application struct {
	cfg      *config.Config
	logger   observability.Logger
	server   *gateway.Server
	registry *router.FileRegistry
	cache    cache.Cache
	rlStore  store.Store
}

// newApplication builds the full pipeline from configuration.
func newApplication(cfg *config.Config, logger observability.Logger) (*application, error) {
	sharedCache, err := buildCache(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("cache: %w", err)
	}

	registry, err := router.NewFileRegistry(cfg.Routes.File,
		router.WithFileRegistryLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("routes: %w", err)
	}

	resolver := router.NewResolver(registry,
		router.WithResolverLogger(logger),
		router.WithRouteCache(sharedCache),
		router.WithResolveTTL(cfg.Routes.CacheTTL.OrDefault(5*time.Minute)))

	guard, err := buildGuard(cfg, sharedCache, logger)
	if err != nil {
		return nil, fmt.Errorf("auth: %w", err)
	}

	limiter, rlStore, err := buildLimiter(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}

	forwarder := proxy.NewForwarder(
		proxy.WithForwarderLogger(logger),
		proxy.WithForwardTimeout(cfg.Forward.Timeout.Duration()))

	policies := buildPolicies(cfg)

	pipelineOpts := []gateway.PipelineOption{
		gateway.WithPipelineLogger(logger),
		gateway.WithRateLimitPolicies(policies),
	}

	var respCache *responsecache.ResponseCache
	if cfg.ResponseCache.Enabled {
		rcOpts := []responsecache.Option{
			responsecache.WithLogger(logger),
			responsecache.WithDefaultTTL(cfg.ResponseCache.DefaultTTL.Duration()),
		}
		if len(cfg.ResponseCache.VaryHeaders) > 0 {
			rcOpts = append(rcOpts, responsecache.WithVaryHeaders(cfg.ResponseCache.VaryHeaders))
		}
		respCache = responsecache.New(sharedCache, rcOpts...)
		pipelineOpts = append(pipelineOpts, gateway.WithResponseCache(respCache))
	}

	pipeline := gateway.NewPipeline(resolver, guard, limiter, forwarder, pipelineOpts...)

	serverOpts := []gateway.ServerOption{
		gateway.WithServerLogger(logger),
		gateway.WithServerConfig(&gateway.ServerConfig{
			Address:        cfg.Server.Address,
			ReadTimeout:    cfg.Server.ReadTimeout.Duration(),
			WriteTimeout:   cfg.Server.WriteTimeout.Duration(),
			IdleTimeout:    cfg.Server.IdleTimeout.Duration(),
			MaxHeaderBytes: cfg.Server.MaxHeaderBytes,
		}),
		gateway.WithAdminRateLimiter(limiter, policies),
	}
	if respCache != nil {
		serverOpts = append(serverOpts, gateway.WithAdminResponseCache(respCache))
	}

	return &application{
		cfg:      cfg,
		logger:   logger,
		server:   gateway.NewServer(pipeline, serverOpts...),
		registry: registry,
		cache:    sharedCache,
		rlStore:  rlStore,
	}, nil
}

// Run serves until the context is cancelled.
func (a *application) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if a.cfg.Routes.Watch {
		g.Go(func() error {
			return a.registry.Watch(ctx)
		})
	}

	g.Go(func() error {
		return a.server.Start(ctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Close releases backend connections.
func (a *application) Close() {
	if err := a.cache.Close(); err != nil {
		a.logger.Warn("cache close failed", observability.Error(err))
	}
	if a.rlStore != nil {
		if err := a.rlStore.Close(); err != nil {
			a.logger.Warn("rate limit store close failed", observability.Error(err))
		}
	}
}

func buildCache(cfg *config.Config, logger observability.Logger) (cache.Cache, error) {
	if cfg.Cache.Backend == "redis" {
		rc := cfg.Cache.Redis
		return cache.NewRedisCache(cache.RedisConfig{
			URL:            rc.URL,
			KeyPrefix:      rc.KeyPrefix,
			PoolSize:       rc.PoolSize,
			ConnectTimeout: rc.ConnectTimeout.Duration(),
			ReadTimeout:    rc.ReadTimeout.Duration(),
			WriteTimeout:   rc.WriteTimeout.Duration(),
		}, cache.WithRedisLogger(logger))
	}
	return cache.NewMemoryCache(cache.WithMemoryLogger(logger)), nil
}

func buildGuard(cfg *config.Config, sharedCache cache.Cache, logger observability.Logger) (*auth.Guard, error) {
	opts := []auth.GuardOption{auth.WithGuardLogger(logger)}

	if len(cfg.Auth.APIKeys) > 0 {
		credStore := apikey.NewMemoryCredentialStore()
		for _, key := range cfg.Auth.APIKeys {
			credStore.Add(&apikey.Record{
				ID:           key.ID,
				HashedSecret: key.HashedSecret,
				IsActive:     key.Active,
				ExpiresAt:    key.ExpiresAt,
				Permissions:  key.Permissions,
			})
		}
		opts = append(opts, auth.WithAPIKeyValidator(apikey.NewValidator(credStore,
			apikey.WithValidatorLogger(logger),
			apikey.WithValidityCache(sharedCache))))
	}

	if cfg.Auth.JWT != nil {
		validator, err := authjwt.NewValidator(authjwt.Config{
			Secret:    cfg.Auth.JWT.Secret,
			Algorithm: cfg.Auth.JWT.Algorithm,
			ClockSkew: cfg.Auth.JWT.ClockSkew.Duration(),
			Issuer:    cfg.Auth.JWT.Issuer,
		}, authjwt.WithValidatorLogger(logger))
		if err != nil {
			return nil, err
		}
		opts = append(opts, auth.WithJWTValidator(validator))
	}

	if cfg.Auth.OAuth != nil {
		client, err := oauth.NewClient(oauth.Config{
			Endpoint:     cfg.Auth.OAuth.Endpoint,
			ClientID:     cfg.Auth.OAuth.ClientID,
			ClientSecret: cfg.Auth.OAuth.ClientSecret,
			Timeout:      cfg.Auth.OAuth.Timeout.Duration(),
		}, oauth.WithClientLogger(logger))
		if err != nil {
			return nil, err
		}
		opts = append(opts, auth.WithOAuthValidator(client))
	}

	return auth.NewGuard(opts...), nil
}

func buildLimiter(cfg *config.Config, logger observability.Logger) (ratelimit.Limiter, store.Store, error) {
	if len(cfg.RateLimit.Policies) == 0 {
		return ratelimit.NewNoopLimiter(), nil, nil
	}

	var limitStore store.Store
	if cfg.RateLimit.Backend == "redis" {
		redisOpts, err := redis.ParseURL(cfg.RateLimit.Redis.URL)
		if err != nil {
			return nil, nil, err
		}
		client := redis.NewClient(redisOpts)
		limitStore = store.NewRedisStoreFromClient(client, cfg.RateLimit.Redis.KeyPrefix)
	} else {
		limitStore = store.NewMemoryStore()
	}

	opts := []ratelimit.Option{ratelimit.WithLimiterLogger(logger)}
	if cfg.RateLimit.FailClosed {
		opts = append(opts, ratelimit.WithFailClosed())
	}
	if cfg.RateLimit.CountOnlyAdmitted {
		opts = append(opts, ratelimit.WithCountOnlyAdmitted())
	}

	return ratelimit.NewFixedWindowLimiter(limitStore, opts...), limitStore, nil
}

func buildPolicies(cfg *config.Config) map[string]ratelimit.Policy {
	policies := make(map[string]ratelimit.Policy, len(cfg.RateLimit.Policies))
	for _, p := range cfg.RateLimit.Policies {
		policies[p.Tier] = ratelimit.Policy{
			ID:            p.Tier,
			MaxRequests:   p.MaxRequests,
			WindowSeconds: p.WindowSeconds,
		}
	}
	return policies
}
