package router

import (
	"context"
	"sync"
)

// RouteRegistry is the authoritative source of route definitions.
type RouteRegistry interface {
	// Find retrieves the route for an exact (path, method) pair,
	// whether active or not. Returns ErrRouteNotFound otherwise.
	Find(ctx context.Context, path, method string) (*RouteDefinition, error)

	// List returns all route definitions.
	List(ctx context.Context) ([]*RouteDefinition, error)
}

// MemoryRegistry is an in-memory RouteRegistry with mutation support.
// Route changes notify subscribers so resolver caches can invalidate
// eagerly instead of waiting for TTL expiry.
type MemoryRegistry struct {
	mu        sync.RWMutex
	routes    map[string]*RouteDefinition
	listeners []func(route *RouteDefinition)
}

// NewMemoryRegistry creates a registry holding the given routes.
func NewMemoryRegistry(routes ...*RouteDefinition) (*MemoryRegistry, error) {
	r := &MemoryRegistry{
		routes: make(map[string]*RouteDefinition, len(routes)),
	}
	for _, route := range routes {
		if err := route.Validate(); err != nil {
			return nil, err
		}
		r.routes[route.Key()] = route
	}
	return r, nil
}

// Subscribe registers a callback invoked on every route change.
func (r *MemoryRegistry) Subscribe(fn func(route *RouteDefinition)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

// Find implements RouteRegistry.
func (r *MemoryRegistry) Find(_ context.Context, path, method string) (*RouteDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	route, ok := r.routes[routeKey(path, method)]
	if !ok {
		return nil, ErrRouteNotFound
	}
	return route, nil
}

// List implements RouteRegistry.
func (r *MemoryRegistry) List(_ context.Context) ([]*RouteDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	routes := make([]*RouteDefinition, 0, len(r.routes))
	for _, route := range r.routes {
		routes = append(routes, route)
	}
	return routes, nil
}

// Upsert creates or replaces a route and notifies subscribers.
func (r *MemoryRegistry) Upsert(route *RouteDefinition) error {
	if err := route.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	r.routes[route.Key()] = route
	listeners := r.listeners
	r.mu.Unlock()

	for _, fn := range listeners {
		fn(route)
	}
	return nil
}

// Delete removes a route and notifies subscribers.
func (r *MemoryRegistry) Delete(path, method string) error {
	key := routeKey(path, method)

	r.mu.Lock()
	route, ok := r.routes[key]
	if !ok {
		r.mu.Unlock()
		return ErrRouteNotFound
	}
	delete(r.routes, key)
	listeners := r.listeners
	r.mu.Unlock()

	for _, fn := range listeners {
		fn(route)
	}
	return nil
}

// Replace swaps the whole route table and notifies subscribers once
// per removed or changed route.
func (r *MemoryRegistry) Replace(routes []*RouteDefinition) error {
	next := make(map[string]*RouteDefinition, len(routes))
	for _, route := range routes {
		if err := route.Validate(); err != nil {
			return err
		}
		next[route.Key()] = route
	}

	r.mu.Lock()
	previous := r.routes
	r.routes = next
	listeners := r.listeners
	r.mu.Unlock()

	for _, fn := range listeners {
		for key, route := range previous {
			if _, kept := next[key]; !kept {
				fn(route)
			}
		}
		for _, route := range next {
			fn(route)
		}
	}
	return nil
}

// Ensure MemoryRegistry implements RouteRegistry.
var _ RouteRegistry = (*MemoryRegistry)(nil)
