package router

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/vyrodovalexey/apigw/internal/cache"
	"github.com/vyrodovalexey/apigw/internal/observability"
)

// defaultResolveTTL is how long resolved routes are cached. Admin
// changes invalidate eagerly, so the TTL only bounds staleness from
// out-of-band registry writes.
const defaultResolveTTL = 5 * time.Minute

const (
	routeCacheKeyPrefix = "route:"
	activeRoutesKey     = "routes:active"
)

var routeResolutionsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "apigw_route_resolutions_total",
		Help: "Total number of route resolutions",
	},
	[]string{"source", "result"},
)

// Resolver resolves (path, method) pairs to route definitions with a
// short-lived cache in front of the registry.
type Resolver struct {
	registry RouteRegistry
	cache    cache.Cache
	ttl      time.Duration
	logger   observability.Logger
}

// ResolverOption is a functional option for the resolver.
type ResolverOption func(*Resolver)

// WithResolverLogger sets the logger for the resolver.
func WithResolverLogger(logger observability.Logger) ResolverOption {
	return func(r *Resolver) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithResolveTTL sets the route cache TTL.
func WithResolveTTL(ttl time.Duration) ResolverOption {
	return func(r *Resolver) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

// WithRouteCache sets the cache for resolved routes. Without a cache
// every resolution hits the registry.
func WithRouteCache(c cache.Cache) ResolverOption {
	return func(r *Resolver) {
		r.cache = c
	}
}

// NewResolver creates a new route resolver. When the registry supports
// change notification the resolver subscribes for write-through
// invalidation.
func NewResolver(registry RouteRegistry, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		registry: registry,
		ttl:      defaultResolveTTL,
		logger:   observability.NopLogger(),
	}

	for _, opt := range opts {
		opt(r)
	}

	type subscriber interface {
		Subscribe(fn func(route *RouteDefinition))
	}
	if s, ok := registry.(subscriber); ok {
		s.Subscribe(func(route *RouteDefinition) {
			r.Invalidate(context.Background(), route.Path, route.Method)
		})
	}

	return r
}

// Resolve returns the active route for an exact (path, method) match.
// Inactive and unknown routes both yield ErrRouteNotFound.
func (r *Resolver) Resolve(ctx context.Context, path, method string) (*RouteDefinition, error) {
	cacheKey := routeCacheKeyPrefix + routeKey(path, method)

	if route := r.cachedRoute(ctx, cacheKey); route != nil {
		routeResolutionsTotal.WithLabelValues("cache", resultLabel(route.IsActive)).Inc()
		return activeOrNotFound(route)
	}

	route, err := r.registry.Find(ctx, path, method)
	if err != nil {
		if errors.Is(err, ErrRouteNotFound) {
			routeResolutionsTotal.WithLabelValues("registry", "not_found").Inc()
		}
		return nil, err
	}

	r.cacheRoute(ctx, cacheKey, route)
	routeResolutionsTotal.WithLabelValues("registry", resultLabel(route.IsActive)).Inc()

	return activeOrNotFound(route)
}

// ListActive returns all active routes, cached like single lookups.
func (r *Resolver) ListActive(ctx context.Context) ([]*RouteDefinition, error) {
	if r.cache != nil {
		if data, err := r.cache.Get(ctx, activeRoutesKey); err == nil {
			var routes []*RouteDefinition
			if err := json.Unmarshal(data, &routes); err == nil {
				return routes, nil
			}
		}
	}

	all, err := r.registry.List(ctx)
	if err != nil {
		return nil, err
	}

	active := make([]*RouteDefinition, 0, len(all))
	for _, route := range all {
		if route.IsActive {
			active = append(active, route)
		}
	}

	if r.cache != nil {
		if data, err := json.Marshal(active); err == nil {
			if err := r.cache.Set(ctx, activeRoutesKey, data, r.ttl); err != nil {
				r.logger.Warn("route list cache write failed", observability.Error(err))
			}
		}
	}

	return active, nil
}

// Invalidate removes a cached route and the cached active list. Called
// on every route create, update or delete so admin changes take effect
// immediately instead of after TTL expiry.
func (r *Resolver) Invalidate(ctx context.Context, path, method string) {
	if r.cache == nil {
		return
	}

	cacheKey := routeCacheKeyPrefix + routeKey(path, method)
	if err := r.cache.Delete(ctx, cacheKey, activeRoutesKey); err != nil {
		r.logger.Warn("route cache invalidation failed",
			observability.String("path", path),
			observability.String("method", method),
			observability.Error(err))
	}
}

// cachedRoute fetches and decodes a cached route, or nil.
func (r *Resolver) cachedRoute(ctx context.Context, cacheKey string) *RouteDefinition {
	if r.cache == nil {
		return nil
	}

	data, err := r.cache.Get(ctx, cacheKey)
	if err != nil {
		if !errors.Is(err, cache.ErrCacheMiss) {
			r.logger.Warn("route cache lookup failed", observability.Error(err))
		}
		return nil
	}

	var route RouteDefinition
	if err := json.Unmarshal(data, &route); err != nil {
		return nil
	}
	return &route
}

// cacheRoute stores a resolved route. Failures are logged and ignored.
func (r *Resolver) cacheRoute(ctx context.Context, cacheKey string, route *RouteDefinition) {
	if r.cache == nil {
		return
	}

	data, err := json.Marshal(route)
	if err != nil {
		return
	}
	if err := r.cache.Set(ctx, cacheKey, data, r.ttl); err != nil {
		r.logger.Warn("route cache write failed", observability.Error(err))
	}
}

func activeOrNotFound(route *RouteDefinition) (*RouteDefinition, error) {
	if !route.IsActive {
		return nil, ErrRouteNotFound
	}
	return route, nil
}

func resultLabel(active bool) string {
	if active {
		return "found"
	}
	return "inactive"
}
