// Package router maps (path, method) pairs to backend targets. Route
// definitions live in a registry; the Resolver caches lookups for a
// short TTL and invalidates eagerly on route changes.
package router

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Common routing errors.
var (
	// ErrRouteNotFound indicates no active route matches the request.
	ErrRouteNotFound = errors.New("route not found")

	// ErrInvalidRoute indicates a route definition that fails validation.
	ErrInvalidRoute = errors.New("invalid route definition")
)

// RouteDefinition describes a single gateway route.
type RouteDefinition struct {
	// Path is the exact request path to match.
	Path string `json:"path" yaml:"path"`

	// Method is the HTTP method to match.
	Method string `json:"method" yaml:"method"`

	// TargetURL is the backend base URL requests are forwarded to.
	TargetURL string `json:"target_url" yaml:"targetUrl"`

	// IsActive controls whether the route is served.
	IsActive bool `json:"is_active" yaml:"isActive"`

	// RequiresAuth controls whether the authentication guard runs.
	RequiresAuth bool `json:"requires_auth" yaml:"requiresAuth"`

	// Tier names the rate limit policy applied to this route. Empty
	// means the default policy.
	Tier string `json:"tier,omitempty" yaml:"tier,omitempty"`

	// CachePattern tags cached responses for pattern invalidation.
	CachePattern string `json:"cache_pattern,omitempty" yaml:"cachePattern,omitempty"`
}

// Validate checks the route definition.
func (r *RouteDefinition) Validate() error {
	if r.Path == "" || !strings.HasPrefix(r.Path, "/") {
		return fmt.Errorf("%w: path must start with /", ErrInvalidRoute)
	}
	if r.Method == "" {
		return fmt.Errorf("%w: method is required", ErrInvalidRoute)
	}
	if r.TargetURL == "" {
		return fmt.Errorf("%w: target URL is required", ErrInvalidRoute)
	}
	if _, err := url.ParseRequestURI(r.TargetURL); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRoute, err)
	}
	return nil
}

// Key returns the registry lookup key for the route.
func (r *RouteDefinition) Key() string {
	return routeKey(r.Path, r.Method)
}

// routeKey builds the canonical lookup key for a (path, method) pair.
func routeKey(path, method string) string {
	return strings.ToUpper(method) + " " + path
}
