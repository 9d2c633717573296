package router

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const routesYAML = `routes:
  - path: /orders
    method: GET
    targetUrl: http://orders.internal:8080
    isActive: true
    requiresAuth: true
    tier: default
    cachePattern: orders
  - path: /health
    method: GET
    targetUrl: http://orders.internal:8080
    isActive: false
`

func writeRouteFile(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "routes.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestFileRegistry_Load(t *testing.T) {
	path := writeRouteFile(t, t.TempDir(), routesYAML)

	registry, err := NewFileRegistry(path)
	require.NoError(t, err)

	route, err := registry.Find(context.Background(), "/orders", "GET")
	require.NoError(t, err)
	assert.Equal(t, "http://orders.internal:8080", route.TargetURL)
	assert.True(t, route.RequiresAuth)
	assert.Equal(t, "orders", route.CachePattern)

	routes, err := registry.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, routes, 2)
}

func TestFileRegistry_MissingFile(t *testing.T) {
	_, err := NewFileRegistry(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestFileRegistry_InvalidYAML(t *testing.T) {
	path := writeRouteFile(t, t.TempDir(), "routes: [not valid")
	_, err := NewFileRegistry(path)
	assert.Error(t, err)
}

func TestFileRegistry_InvalidRoute(t *testing.T) {
	path := writeRouteFile(t, t.TempDir(), "routes:\n  - path: missing-slash\n    method: GET\n    targetUrl: http://x\n")
	_, err := NewFileRegistry(path)
	assert.ErrorIs(t, err, ErrInvalidRoute)
}

func TestFileRegistry_WatchReload(t *testing.T) {
	dir := t.TempDir()
	path := writeRouteFile(t, dir, routesYAML)

	registry, err := NewFileRegistry(path)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() { _ = registry.Watch(ctx) }()

	// Give the watcher a moment to register.
	time.Sleep(50 * time.Millisecond)

	updated := `routes:
  - path: /orders
    method: GET
    targetUrl: http://orders-v2.internal:8080
    isActive: true
`
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o600))

	assert.Eventually(t, func() bool {
		route, err := registry.Find(context.Background(), "/orders", "GET")
		return err == nil && route.TargetURL == "http://orders-v2.internal:8080"
	}, 2*time.Second, 20*time.Millisecond)
}
