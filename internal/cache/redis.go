package cache

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyrodovalexey/apigw/internal/observability"
)

const cacheTracerName = "apigw/cache"

// RedisConfig holds the Redis cache configuration.
type RedisConfig struct {
	URL            string        `yaml:"url"`
	KeyPrefix      string        `yaml:"keyPrefix"`
	DefaultTTL     time.Duration `yaml:"defaultTTL"`
	PoolSize       int           `yaml:"poolSize"`
	ConnectTimeout time.Duration `yaml:"connectTimeout"`
	ReadTimeout    time.Duration `yaml:"readTimeout"`
	WriteTimeout   time.Duration `yaml:"writeTimeout"`
}

// redisCache implements Cache on top of a Redis server.
type redisCache struct {
	logger     observability.Logger
	client     redis.UniversalClient
	keyPrefix  string
	defaultTTL time.Duration

	hits   int64
	misses int64
}

// RedisOption is a functional option for the Redis cache.
type RedisOption func(*redisCache)

// WithRedisLogger sets the logger for the Redis cache.
func WithRedisLogger(logger observability.Logger) RedisOption {
	return func(c *redisCache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewRedisCache creates a new Redis-backed cache and verifies the
// connection with a ping.
func NewRedisCache(cfg RedisConfig, opts ...RedisOption) (Cache, error) {
	if cfg.URL == "" {
		return nil, ErrInvalidConfig
	}

	redisOpts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, errors.New("invalid redis URL: " + err.Error())
	}

	if cfg.PoolSize > 0 {
		redisOpts.PoolSize = cfg.PoolSize
	}
	if cfg.ConnectTimeout > 0 {
		redisOpts.DialTimeout = cfg.ConnectTimeout
	}
	if cfg.ReadTimeout > 0 {
		redisOpts.ReadTimeout = cfg.ReadTimeout
	}
	if cfg.WriteTimeout > 0 {
		redisOpts.WriteTimeout = cfg.WriteTimeout
	}

	client := redis.NewClient(redisOpts)

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.New("redis connection failed: " + err.Error())
	}

	c := &redisCache{
		logger:     observability.NopLogger(),
		client:     client,
		keyPrefix:  cfg.KeyPrefix,
		defaultTTL: cfg.DefaultTTL,
	}
	if c.keyPrefix == "" {
		c.keyPrefix = "apigw:"
	}

	for _, opt := range opts {
		opt(c)
	}

	c.logger.Info("redis cache initialized",
		observability.String("keyPrefix", c.keyPrefix),
		observability.Duration("defaultTTL", c.defaultTTL))

	return c, nil
}

// NewRedisCacheFromClient wraps an existing client. Used by tests and
// by callers that manage the client lifecycle themselves.
func NewRedisCacheFromClient(client redis.UniversalClient, keyPrefix string, opts ...RedisOption) Cache {
	c := &redisCache{
		logger:    observability.NopLogger(),
		client:    client,
		keyPrefix: keyPrefix,
	}
	if c.keyPrefix == "" {
		c.keyPrefix = "apigw:"
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

func (c *redisCache) resolveKey(key string) string {
	return c.keyPrefix + key
}

// Get retrieves a value from the cache.
func (c *redisCache) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, span := otel.Tracer(cacheTracerName).Start(ctx, "cache.Get",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("cache.backend", "redis"),
			attribute.String("cache.key", key),
		),
	)
	defer span.End()

	start := time.Now()
	defer func() {
		cacheOperationDuration.WithLabelValues("redis", "get").Observe(time.Since(start).Seconds())
	}()

	val, err := c.client.Get(ctx, c.resolveKey(key)).Bytes()
	if err == nil {
		atomic.AddInt64(&c.hits, 1)
		cacheHitsTotal.WithLabelValues("redis").Inc()
		span.SetAttributes(
			attribute.Bool("cache.hit", true),
			attribute.Int("cache.value_size", len(val)),
		)
		return val, nil
	}

	if errors.Is(err, redis.Nil) {
		atomic.AddInt64(&c.misses, 1)
		cacheMissesTotal.WithLabelValues("redis").Inc()
		span.SetAttributes(attribute.Bool("cache.hit", false))
		return nil, ErrCacheMiss
	}

	cacheErrorsTotal.WithLabelValues("redis", "get").Inc()
	span.SetStatus(codes.Error, err.Error())
	span.RecordError(err)
	c.logger.Error("redis get failed",
		observability.String("key", key),
		observability.Error(err))
	return nil, err
}

// Set stores a value in the cache.
func (c *redisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, span := otel.Tracer(cacheTracerName).Start(ctx, "cache.Set",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("cache.backend", "redis"),
			attribute.String("cache.key", key),
			attribute.Int("cache.value_size", len(value)),
		),
	)
	defer span.End()

	start := time.Now()
	defer func() {
		cacheOperationDuration.WithLabelValues("redis", "set").Observe(time.Since(start).Seconds())
	}()

	if ttl == 0 {
		ttl = c.defaultTTL
	}

	err := c.client.Set(ctx, c.resolveKey(key), value, ttl).Err()
	if err != nil {
		cacheErrorsTotal.WithLabelValues("redis", "set").Inc()
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		c.logger.Error("redis set failed",
			observability.String("key", key),
			observability.Error(err))
		return err
	}

	c.logger.Debug("cache set",
		observability.String("key", key),
		observability.Duration("ttl", ttl),
		observability.Int("size", len(value)))
	return nil
}

// Delete removes keys from the cache.
func (c *redisCache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}

	ctx, span := otel.Tracer(cacheTracerName).Start(ctx, "cache.Delete",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("cache.backend", "redis"),
			attribute.Int("cache.key_count", len(keys)),
		),
	)
	defer span.End()

	start := time.Now()
	defer func() {
		cacheOperationDuration.WithLabelValues("redis", "delete").Observe(time.Since(start).Seconds())
	}()

	fullKeys := make([]string, len(keys))
	for i, k := range keys {
		fullKeys[i] = c.resolveKey(k)
	}

	if err := c.client.Del(ctx, fullKeys...).Err(); err != nil {
		cacheErrorsTotal.WithLabelValues("redis", "delete").Inc()
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		c.logger.Error("redis delete failed", observability.Error(err))
		return err
	}

	return nil
}

// AddToSet adds a member to the set stored at key. A positive ttl
// extends the set's expiry to at least ttl from now so the set does
// not outlive its longest-lived member.
func (c *redisCache) AddToSet(ctx context.Context, key, member string, ttl time.Duration) error {
	ctx, span := otel.Tracer(cacheTracerName).Start(ctx, "cache.AddToSet",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("cache.backend", "redis"),
			attribute.String("cache.key", key),
		),
	)
	defer span.End()

	fullKey := c.resolveKey(key)

	if err := c.client.SAdd(ctx, fullKey, member).Err(); err != nil {
		cacheErrorsTotal.WithLabelValues("redis", "sadd").Inc()
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		c.logger.Error("redis sadd failed",
			observability.String("key", key),
			observability.Error(err))
		return err
	}

	if ttl > 0 {
		// Only extend, never shorten. A negative TTL means no expiry
		// is set yet.
		cur, err := c.client.TTL(ctx, fullKey).Result()
		if err == nil && (cur < 0 || cur < ttl) {
			if err := c.client.Expire(ctx, fullKey, ttl).Err(); err != nil {
				c.logger.Warn("redis expire failed",
					observability.String("key", key),
					observability.Error(err))
			}
		}
	}

	return nil
}

// SetMembers returns all members of the set stored at key.
func (c *redisCache) SetMembers(ctx context.Context, key string) ([]string, error) {
	ctx, span := otel.Tracer(cacheTracerName).Start(ctx, "cache.SetMembers",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("cache.backend", "redis"),
			attribute.String("cache.key", key),
		),
	)
	defer span.End()

	members, err := c.client.SMembers(ctx, c.resolveKey(key)).Result()
	if err != nil {
		cacheErrorsTotal.WithLabelValues("redis", "smembers").Inc()
		span.SetStatus(codes.Error, err.Error())
		span.RecordError(err)
		c.logger.Error("redis smembers failed",
			observability.String("key", key),
			observability.Error(err))
		return nil, err
	}

	span.SetAttributes(attribute.Int("cache.member_count", len(members)))
	return members, nil
}

// Close closes the Redis connection.
func (c *redisCache) Close() error {
	c.logger.Info("redis cache closing")
	return c.client.Close()
}

// Stats returns cache statistics.
func (c *redisCache) Stats() Stats {
	return Stats{
		Hits:   atomic.LoadInt64(&c.hits),
		Misses: atomic.LoadInt64(&c.misses),
	}
}
