// Package integration exercises the full gateway stack against
// redis-backed caches and counter stores.
package integration

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/apigw/internal/auth"
	"github.com/vyrodovalexey/apigw/internal/auth/apikey"
	"github.com/vyrodovalexey/apigw/internal/cache"
	"github.com/vyrodovalexey/apigw/internal/gateway"
	"github.com/vyrodovalexey/apigw/internal/proxy"
	"github.com/vyrodovalexey/apigw/internal/ratelimit"
	"github.com/vyrodovalexey/apigw/internal/ratelimit/store"
	"github.com/vyrodovalexey/apigw/internal/responsecache"
	"github.com/vyrodovalexey/apigw/internal/router"
)

const rawAPIKey = "i9876543abcdefghabcdefghabcdefgh"

// newRedisGateway stands up the pipeline with every shared-state
// component on a single miniredis, the way a clustered deployment
// shares one redis.
func newRedisGateway(t *testing.T, backendURL string) (*gateway.Server, *router.FileRegistry) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	sharedCache := cache.NewRedisCacheFromClient(client, "apigw:")
	limitStore := store.NewRedisStoreFromClient(client, "ratelimit:")

	routesPath := filepath.Join(t.TempDir(), "routes.yaml")
	routesYAML := fmt.Sprintf(`routes:
  - path: /orders
    method: GET
    targetUrl: %s
    isActive: true
    tier: standard
    cachePattern: orders
  - path: /orders
    method: POST
    targetUrl: %s
    isActive: true
    requiresAuth: true
    tier: standard
`, backendURL, backendURL)
	require.NoError(t, os.WriteFile(routesPath, []byte(routesYAML), 0o600))

	registry, err := router.NewFileRegistry(routesPath)
	require.NoError(t, err)

	resolver := router.NewResolver(registry, router.WithRouteCache(sharedCache))

	credStore := apikey.NewMemoryCredentialStore(&apikey.Record{
		ID:           apikey.KeyID(rawAPIKey),
		HashedSecret: apikey.HashKey(rawAPIKey),
		IsActive:     true,
	})
	guard := auth.NewGuard(auth.WithAPIKeyValidator(
		apikey.NewValidator(credStore, apikey.WithValidityCache(sharedCache))))

	limiter := ratelimit.NewFixedWindowLimiter(limitStore)
	policies := map[string]ratelimit.Policy{
		"standard": {ID: "standard", MaxRequests: 10, WindowSeconds: 3600},
	}

	respCache := responsecache.New(sharedCache)

	pipeline := gateway.NewPipeline(resolver, guard, limiter,
		proxy.NewForwarder(proxy.WithForwardTimeout(2*time.Second)),
		gateway.WithRateLimitPolicies(policies),
		gateway.WithResponseCache(respCache),
	)

	server := gateway.NewServer(pipeline,
		gateway.WithAdminResponseCache(respCache),
		gateway.WithAdminRateLimiter(limiter, policies),
	)

	return server, registry
}

func get(server *gateway.Server, target string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for name, value := range headers {
		req.Header.Set(name, value)
	}
	w := httptest.NewRecorder()
	server.Engine().ServeHTTP(w, req)
	return w
}

func TestGateway_RedisBackedPipeline(t *testing.T) {
	hits := 0
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"orders":[]}`)
	}))
	defer backend.Close()

	server, _ := newRedisGateway(t, backend.URL)

	w := get(server, "/orders", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "MISS", w.Header().Get("X-Cache"))
	assert.Equal(t, "10", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "9", w.Header().Get("X-RateLimit-Remaining"))

	w = get(server, "/orders", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "HIT", w.Header().Get("X-Cache"))
	assert.Equal(t, 1, hits)
}

func TestGateway_RedisBackedRateLimit(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	server, _ := newRedisGateway(t, backend.URL)

	for i := 0; i < 10; i++ {
		w := get(server, "/orders", map[string]string{"Accept": fmt.Sprintf("v%d", i)})
		require.Equal(t, http.StatusOK, w.Code, "request %d", i)
	}

	w := get(server, "/orders", map[string]string{"Accept": "v11"})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
}

func TestGateway_AuthenticatedWriteInvalidatesNothing(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			w.WriteHeader(http.StatusCreated)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"orders":[]}`)
	}))
	defer backend.Close()

	server, _ := newRedisGateway(t, backend.URL)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/orders", nil)
	server.Engine().ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/orders", nil)
	req.Header.Set("Authorization", "Bearer "+rawAPIKey)
	server.Engine().ServeHTTP(w, req)
	assert.Equal(t, http.StatusCreated, w.Code)
}

func TestGateway_RouteReloadPicksUpChanges(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	server, registry := newRedisGateway(t, backend.URL)

	w := get(server, "/orders", nil)
	require.Equal(t, http.StatusOK, w.Code)

	// Deactivating the route invalidates the resolver cache through the
	// registry subscription.
	require.NoError(t, registry.Upsert(&router.RouteDefinition{
		Path:      "/orders",
		Method:    http.MethodGet,
		TargetURL: backend.URL,
		IsActive:  false,
		Tier:      "standard",
	}))

	w = get(server, "/orders", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
