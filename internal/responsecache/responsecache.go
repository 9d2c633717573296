package responsecache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyrodovalexey/apigw/internal/cache"
	"github.com/vyrodovalexey/apigw/internal/observability"
)

const tracerName = "apigw/responsecache"

// defaultTTL applies when the response carries no max-age directive.
const defaultTTL = time.Hour

const patternIndexPrefix = "cache:pattern:"

var responseCacheEventsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "apigw_response_cache_events_total",
		Help: "Total number of response cache lookups and stores by outcome",
	},
	[]string{"event"},
)

// Entry is a serialized backend response.
type Entry struct {
	StatusCode int               `json:"status_code"`
	Headers    map[string]string `json:"headers"`
	Body       []byte            `json:"body"`
}

// ResponseCache stores and retrieves serialized responses. Every cache
// failure is swallowed: a broken cache degrades to pass-through, it
// never fails a request.
type ResponseCache struct {
	cache       cache.Cache
	logger      observability.Logger
	ttl         time.Duration
	varyHeaders []string
}

// Option is a functional option for the response cache.
type Option func(*ResponseCache)

// WithLogger sets the logger for the response cache.
func WithLogger(logger observability.Logger) Option {
	return func(rc *ResponseCache) {
		if logger != nil {
			rc.logger = logger
		}
	}
}

// WithDefaultTTL sets the TTL used when a response has no max-age.
func WithDefaultTTL(ttl time.Duration) Option {
	return func(rc *ResponseCache) {
		if ttl > 0 {
			rc.ttl = ttl
		}
	}
}

// WithVaryHeaders replaces the vary header allowlist.
func WithVaryHeaders(headers []string) Option {
	return func(rc *ResponseCache) {
		if len(headers) > 0 {
			rc.varyHeaders = headers
		}
	}
}

// New creates a new response cache on top of the given backend.
func New(c cache.Cache, opts ...Option) *ResponseCache {
	rc := &ResponseCache{
		cache:       c,
		logger:      observability.NopLogger(),
		ttl:         defaultTTL,
		varyHeaders: DefaultVaryHeaders,
	}

	for _, opt := range opts {
		opt(rc)
	}

	return rc
}

// VaryHeaders returns the configured vary allowlist.
func (rc *ResponseCache) VaryHeaders() []string {
	return rc.varyHeaders
}

// TTLFor derives the storage TTL from a response's Cache-Control value,
// falling back to the configured default.
func (rc *ResponseCache) TTLFor(cacheControl string) time.Duration {
	return TTLFromCacheControl(cacheControl, rc.ttl)
}

// Lookup retrieves a cached response. The second return value reports
// a hit; misses and cache failures are indistinguishable by design.
func (rc *ResponseCache) Lookup(ctx context.Context, key string) (*Entry, bool) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "responsecache.Lookup",
		trace.WithAttributes(attribute.String("cache.key", key)),
	)
	defer span.End()

	data, err := rc.cache.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, cache.ErrCacheMiss) {
			rc.logger.Warn("response cache lookup failed",
				observability.String("key", key),
				observability.Error(err))
		}
		responseCacheEventsTotal.WithLabelValues("miss").Inc()
		span.SetAttributes(attribute.Bool("cache.hit", false))
		return nil, false
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		rc.logger.Debug("response cache deserialization failed, treating as miss",
			observability.String("key", key))
		responseCacheEventsTotal.WithLabelValues("miss").Inc()
		span.SetAttributes(attribute.Bool("cache.hit", false))
		return nil, false
	}

	responseCacheEventsTotal.WithLabelValues("hit").Inc()
	span.SetAttributes(attribute.Bool("cache.hit", true))
	return &entry, true
}

// Store persists a response under the key and tags it with the route's
// invalidation pattern. The TTL comes from the response's max-age when
// present, else the configured default.
func (rc *ResponseCache) Store(ctx context.Context, key, pattern string, entry *Entry) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "responsecache.Store",
		trace.WithAttributes(
			attribute.String("cache.key", key),
			attribute.String("cache.pattern", pattern),
		),
	)
	defer span.End()

	ttl := TTLFromCacheControl(entry.Headers["Cache-Control"], rc.ttl)

	data, err := json.Marshal(entry)
	if err != nil {
		return
	}

	if err := rc.cache.Set(ctx, key, data, ttl); err != nil {
		responseCacheEventsTotal.WithLabelValues("store_error").Inc()
		rc.logger.Warn("response cache store failed",
			observability.String("key", key),
			observability.Error(err))
		return
	}

	// Membership is tracked at store time: the backing cache has no
	// pattern-scan guarantee in all deployments. The index inherits the
	// entry's TTL so it expires with its last member instead of growing
	// without bound.
	if pattern != "" {
		if err := rc.cache.AddToSet(ctx, patternIndexPrefix+pattern, key, ttl); err != nil {
			rc.logger.Warn("pattern index update failed",
				observability.String("pattern", pattern),
				observability.Error(err))
		}
	}

	responseCacheEventsTotal.WithLabelValues("store").Inc()
}

// Invalidate removes every entry previously tagged under the pattern.
// Returns the number of entries removed.
func (rc *ResponseCache) Invalidate(ctx context.Context, pattern string) (int, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "responsecache.Invalidate",
		trace.WithAttributes(attribute.String("cache.pattern", pattern)),
	)
	defer span.End()

	indexKey := patternIndexPrefix + pattern

	keys, err := rc.cache.SetMembers(ctx, indexKey)
	if err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}

	if err := rc.cache.Delete(ctx, append(keys, indexKey)...); err != nil {
		return 0, err
	}

	responseCacheEventsTotal.WithLabelValues("invalidate").Inc()
	rc.logger.Info("response cache invalidated",
		observability.String("pattern", pattern),
		observability.Int("entries", len(keys)))

	return len(keys), nil
}
