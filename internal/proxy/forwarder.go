// Package proxy forwards admitted requests to backend targets with a
// bounded timeout and per-target circuit breaking.
package proxy

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sony/gobreaker"

	"github.com/vyrodovalexey/apigw/internal/observability"
)

// defaultForwardTimeout bounds a single backend call.
const defaultForwardTimeout = 30 * time.Second

// maxResponseBodySize bounds buffered backend responses.
const maxResponseBodySize = 10 << 20 // 10MB

// serviceUnavailableBody is the synthetic body returned when a backend
// cannot be reached. A single unreachable backend degrades gracefully
// instead of propagating the raw transport error.
var serviceUnavailableBody = []byte(`{"error":"Service unavailable"}`)

var (
	forwardRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apigw_forward_requests_total",
			Help: "Total number of forwarded backend requests",
		},
		[]string{"target", "outcome"},
	)

	forwardDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "apigw_forward_duration_seconds",
			Help:    "Duration of backend forward calls in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"target"},
	)
)

// hopByHopHeaders are stripped before forwarding in either direction.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Response is a buffered backend response.
type Response struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
}

// Synthetic reports whether the response was fabricated by the
// forwarder instead of coming from a backend.
func (r *Response) Synthetic() bool {
	return r.StatusCode == http.StatusBadGateway && string(r.Body) == string(serviceUnavailableBody)
}

// Forwarder issues backend requests with per-target circuit breakers.
type Forwarder struct {
	httpClient *http.Client
	timeout    time.Duration
	logger     observability.Logger

	breakers sync.Map // target -> *gobreaker.CircuitBreaker
}

// ForwarderOption is a functional option for the forwarder.
type ForwarderOption func(*Forwarder)

// WithForwarderLogger sets the logger for the forwarder.
func WithForwarderLogger(logger observability.Logger) ForwarderOption {
	return func(f *Forwarder) {
		if logger != nil {
			f.logger = logger
		}
	}
}

// WithForwardTimeout sets the per-call backend timeout.
func WithForwardTimeout(timeout time.Duration) ForwarderOption {
	return func(f *Forwarder) {
		if timeout > 0 {
			f.timeout = timeout
		}
	}
}

// WithTransport sets the HTTP transport used for backend calls.
func WithTransport(rt http.RoundTripper) ForwarderOption {
	return func(f *Forwarder) {
		if rt != nil {
			f.httpClient.Transport = rt
		}
	}
}

// NewForwarder creates a new forwarder.
func NewForwarder(opts ...ForwarderOption) *Forwarder {
	f := &Forwarder{
		httpClient: &http.Client{},
		timeout:    defaultForwardTimeout,
		logger:     observability.NopLogger(),
	}

	for _, opt := range opts {
		opt(f)
	}

	return f
}

// Forward issues the backend request for targetURL and buffers the
// response. Transport failures, timeouts and an open circuit all yield
// a synthetic 502 response with a nil error.
//
// The inbound request context is threaded through so a client
// disconnect cancels the in-flight backend call.
func (f *Forwarder) Forward(ctx context.Context, targetURL string, inbound *http.Request) *Response {
	start := time.Now()
	target := targetHost(targetURL)
	defer func() {
		forwardDuration.WithLabelValues(target).Observe(time.Since(start).Seconds())
	}()

	breaker := f.breakerFor(target)

	result, err := breaker.Execute(func() (interface{}, error) {
		return f.roundTrip(ctx, targetURL, inbound)
	})
	if err != nil {
		forwardRequestsTotal.WithLabelValues(target, "error").Inc()
		f.logger.Warn("backend forward failed",
			observability.String("target", targetURL),
			observability.Error(err))
		return &Response{
			StatusCode: http.StatusBadGateway,
			Headers:    http.Header{"Content-Type": []string{"application/json"}},
			Body:       serviceUnavailableBody,
		}
	}

	forwardRequestsTotal.WithLabelValues(target, "ok").Inc()
	return result.(*Response)
}

// roundTrip performs a single backend call under the forward timeout.
func (f *Forwarder) roundTrip(ctx context.Context, targetURL string, inbound *http.Request) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	backendURL := buildBackendURL(targetURL, inbound)

	req, err := http.NewRequestWithContext(ctx, inbound.Method, backendURL, inbound.Body)
	if err != nil {
		return nil, err
	}

	copyHeaders(req.Header, inbound.Header)

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil {
		return nil, err
	}

	headers := make(http.Header, len(resp.Header))
	copyHeaders(headers, resp.Header)

	return &Response{
		StatusCode: resp.StatusCode,
		Headers:    headers,
		Body:       body,
	}, nil
}

// breakerFor returns the circuit breaker for a target, creating it on
// first use.
func (f *Forwarder) breakerFor(target string) *gobreaker.CircuitBreaker {
	if cb, ok := f.breakers.Load(target); ok {
		return cb.(*gobreaker.CircuitBreaker)
	}

	settings := gobreaker.Settings{
		Name:    target,
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			f.logger.Info("circuit breaker state change",
				observability.String("target", name),
				observability.String("from", from.String()),
				observability.String("to", to.String()))
		},
	}

	cb, _ := f.breakers.LoadOrStore(target, gobreaker.NewCircuitBreaker(settings))
	return cb.(*gobreaker.CircuitBreaker)
}

// buildBackendURL joins the route target with the inbound path and query.
func buildBackendURL(targetURL string, inbound *http.Request) string {
	base := strings.TrimSuffix(targetURL, "/")
	url := base + inbound.URL.Path
	if inbound.URL.RawQuery != "" {
		url += "?" + inbound.URL.RawQuery
	}
	return url
}

// copyHeaders copies all but hop-by-hop headers.
func copyHeaders(dst, src http.Header) {
	for name, values := range src {
		if isHopByHop(name) {
			continue
		}
		for _, v := range values {
			dst.Add(name, v)
		}
	}
}

func isHopByHop(name string) bool {
	for _, h := range hopByHopHeaders {
		if strings.EqualFold(name, h) {
			return true
		}
	}
	return false
}

func targetHost(targetURL string) string {
	trimmed := strings.TrimPrefix(strings.TrimPrefix(targetURL, "https://"), "http://")
	if idx := strings.IndexByte(trimmed, '/'); idx >= 0 {
		trimmed = trimmed[:idx]
	}
	return trimmed
}
