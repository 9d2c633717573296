package proxy

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Forward Tests
// ============================================================================

func newInbound(t *testing.T, method, target string, body string) *http.Request {
	t.Helper()
	var reader *strings.Reader
	if body != "" {
		reader = strings.NewReader(body)
	} else {
		reader = strings.NewReader("")
	}
	req := httptest.NewRequest(method, target, reader)
	return req
}

func TestForwarder_Success(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/orders", r.URL.Path)
		assert.Equal(t, "page=2", r.URL.RawQuery)
		assert.Equal(t, "application/json", r.Header.Get("Accept"))

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, `{"orders":[]}`)
	}))
	defer backend.Close()

	f := NewForwarder()
	inbound := newInbound(t, http.MethodGet, "http://gateway/orders?page=2", "")
	inbound.Header.Set("Accept", "application/json")

	resp := f.Forward(context.Background(), backend.URL, inbound)

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []byte(`{"orders":[]}`), resp.Body)
	assert.Equal(t, "application/json", resp.Headers.Get("Content-Type"))
	assert.False(t, resp.Synthetic())
}

func TestForwarder_TargetTrailingSlash(t *testing.T) {
	var gotPath string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	f := NewForwarder()
	resp := f.Forward(context.Background(), backend.URL+"/", newInbound(t, http.MethodGet, "http://gateway/users", ""))

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "/users", gotPath)
}

func TestForwarder_BackendErrorStatusPassesThrough(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer backend.Close()

	f := NewForwarder()
	resp := f.Forward(context.Background(), backend.URL, newInbound(t, http.MethodGet, "http://gateway/orders", ""))

	// A backend that answers, even with a 5xx, is not a forward failure.
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.False(t, resp.Synthetic())
}

func TestForwarder_UnreachableBackend(t *testing.T) {
	f := NewForwarder()
	resp := f.Forward(context.Background(), "http://127.0.0.1:1", newInbound(t, http.MethodGet, "http://gateway/orders", ""))

	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.JSONEq(t, `{"error":"Service unavailable"}`, string(resp.Body))
	assert.True(t, resp.Synthetic())
}

func TestForwarder_SlowBackendTimesOut(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	}))
	defer backend.Close()

	f := NewForwarder(WithForwardTimeout(50 * time.Millisecond))

	start := time.Now()
	resp := f.Forward(context.Background(), backend.URL, newInbound(t, http.MethodGet, "http://gateway/slow", ""))

	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Less(t, time.Since(start), time.Second)
}

func TestForwarder_ClientDisconnectCancels(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	}))
	defer backend.Close()

	f := NewForwarder()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	resp := f.Forward(ctx, backend.URL, newInbound(t, http.MethodGet, "http://gateway/slow", ""))

	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Less(t, time.Since(start), time.Second)
}

func TestForwarder_BreakerOpensAfterRepeatedFailures(t *testing.T) {
	f := NewForwarder(WithForwardTimeout(100 * time.Millisecond))

	for i := 0; i < 6; i++ {
		resp := f.Forward(context.Background(), "http://127.0.0.1:1", newInbound(t, http.MethodGet, "http://gateway/orders", ""))
		assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	}

	// The breaker for this target is now open and rejects immediately.
	start := time.Now()
	resp := f.Forward(context.Background(), "http://127.0.0.1:1", newInbound(t, http.MethodGet, "http://gateway/orders", ""))
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestForwarder_BreakersIsolatedPerTarget(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer healthy.Close()

	f := NewForwarder(WithForwardTimeout(100 * time.Millisecond))

	for i := 0; i < 6; i++ {
		f.Forward(context.Background(), "http://127.0.0.1:1", newInbound(t, http.MethodGet, "http://gateway/orders", ""))
	}

	// A tripped breaker for one target does not affect others.
	resp := f.Forward(context.Background(), healthy.URL, newInbound(t, http.MethodGet, "http://gateway/orders", ""))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestForwarder_RequestBodyForwarded(t *testing.T) {
	var gotBody string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data := make([]byte, 64)
		n, _ := r.Body.Read(data)
		gotBody = string(data[:n])
		w.WriteHeader(http.StatusCreated)
	}))
	defer backend.Close()

	f := NewForwarder()
	inbound := newInbound(t, http.MethodPost, "http://gateway/orders", `{"sku":"a-1"}`)

	resp := f.Forward(context.Background(), backend.URL, inbound)

	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, `{"sku":"a-1"}`, gotBody)
}

func TestForwarder_HopByHopHeadersStripped(t *testing.T) {
	var gotConnection string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotConnection = r.Header.Get("Proxy-Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	f := NewForwarder()
	inbound := newInbound(t, http.MethodGet, "http://gateway/orders", "")
	inbound.Header.Set("Proxy-Authorization", "secret")

	f.Forward(context.Background(), backend.URL, inbound)

	assert.Empty(t, gotConnection)
}

// ============================================================================
// Helper Tests
// ============================================================================

func TestBuildBackendURL(t *testing.T) {
	inbound := newInbound(t, http.MethodGet, "http://gateway/orders/42?fields=id", "")

	assert.Equal(t, "http://backend:8080/orders/42?fields=id",
		buildBackendURL("http://backend:8080", inbound))
	assert.Equal(t, "http://backend:8080/orders/42?fields=id",
		buildBackendURL("http://backend:8080/", inbound))
}

func TestTargetHost(t *testing.T) {
	assert.Equal(t, "backend:8080", targetHost("http://backend:8080/api"))
	assert.Equal(t, "backend", targetHost("https://backend"))
}
