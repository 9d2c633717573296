// Package gateway orchestrates the request pipeline: route resolution,
// authentication, rate limiting, response caching and backend
// forwarding, in that order.
package gateway

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vyrodovalexey/apigw/internal/auth"
	"github.com/vyrodovalexey/apigw/internal/observability"
	"github.com/vyrodovalexey/apigw/internal/proxy"
	"github.com/vyrodovalexey/apigw/internal/ratelimit"
	"github.com/vyrodovalexey/apigw/internal/responsecache"
	"github.com/vyrodovalexey/apigw/internal/router"
)

const pipelineTracerName = "apigw/gateway"

var (
	pipelineRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apigw_pipeline_requests_total",
			Help: "Total number of pipeline executions by terminal stage",
		},
		[]string{"stage", "status"},
	)

	pipelineDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "apigw_pipeline_duration_seconds",
			Help:    "End-to-end pipeline duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage"},
	)
)

// Cache status values surfaced on the X-Cache response header.
const (
	CacheHit  = "HIT"
	CacheMiss = "MISS"
)

// Result is the terminal outcome of a pipeline run, ready to be
// written to the client.
type Result struct {
	StatusCode  int
	Headers     http.Header
	Body        []byte
	CacheStatus string
	RateLimit   *ratelimit.Result
	Principal   *auth.Principal
}

// Pipeline wires the gateway stages together.
type Pipeline struct {
	resolver  *router.Resolver
	guard     *auth.Guard
	limiter   ratelimit.Limiter
	policies  map[string]ratelimit.Policy
	respCache *responsecache.ResponseCache
	forwarder *proxy.Forwarder
	logger    observability.Logger
}

// PipelineOption is a functional option for the pipeline.
type PipelineOption func(*Pipeline)

// WithPipelineLogger sets the logger for the pipeline.
func WithPipelineLogger(logger observability.Logger) PipelineOption {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithRateLimitPolicies maps route tiers to rate limit policies.
// Routes whose tier has no policy are not rate limited.
func WithRateLimitPolicies(policies map[string]ratelimit.Policy) PipelineOption {
	return func(p *Pipeline) {
		p.policies = policies
	}
}

// WithResponseCache enables response caching for cacheable responses.
func WithResponseCache(rc *responsecache.ResponseCache) PipelineOption {
	return func(p *Pipeline) {
		p.respCache = rc
	}
}

// NewPipeline creates a pipeline over the given stages.
func NewPipeline(resolver *router.Resolver, guard *auth.Guard, limiter ratelimit.Limiter, forwarder *proxy.Forwarder, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		resolver:  resolver,
		guard:     guard,
		limiter:   limiter,
		policies:  make(map[string]ratelimit.Policy),
		forwarder: forwarder,
		logger:    observability.NopLogger(),
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Process runs one request through the pipeline. The stage order is
// fixed: resolve, authenticate, rate limit, cache lookup, forward,
// cache store. Resolution comes first so unknown paths are rejected
// before any credential work, and auth precedes rate limiting so
// counters attach to an authenticated identity rather than a spoofable
// header.
func (p *Pipeline) Process(ctx context.Context, r *http.Request, clientIP string) *Result {
	start := time.Now()
	stage := "forward"
	defer func() {
		pipelineDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
	}()

	ctx, span := otel.Tracer(pipelineTracerName).Start(ctx, "gateway.Process",
		trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("http.path", r.URL.Path),
		),
	)
	defer span.End()

	route, err := p.resolver.Resolve(ctx, r.URL.Path, r.Method)
	if err != nil {
		stage = "resolve"
		return p.failure(stage, err)
	}

	principal, err := p.guard.ValidateRequest(ctx,
		r.Header.Get("Authorization"), r.Header.Get("X-API-Key"), route.RequiresAuth)
	if err != nil {
		stage = "auth"
		return p.failure(stage, err)
	}

	rlResult, err := p.admit(ctx, route, principal, clientIP)
	if err != nil {
		stage = "ratelimit"
		return p.failure(stage, err)
	}
	if rlResult != nil && !rlResult.Allowed {
		stage = "ratelimit"
		pipelineRequestsTotal.WithLabelValues(stage, "429").Inc()
		return &Result{
			StatusCode: http.StatusTooManyRequests,
			Headers:    http.Header{"Content-Type": []string{"application/json"}},
			Body:       errorBody("Rate limit exceeded"),
			RateLimit:  rlResult,
			Principal:  principal,
		}
	}

	cacheKey := p.cacheKey(r)
	if cacheKey != "" {
		if entry, hit := p.respCache.Lookup(ctx, cacheKey); hit {
			stage = "cache"
			pipelineRequestsTotal.WithLabelValues(stage, strconv.Itoa(entry.StatusCode)).Inc()
			span.SetAttributes(attribute.Bool("cache.hit", true))
			return &Result{
				StatusCode:  entry.StatusCode,
				Headers:     entryHeaders(entry),
				Body:        entry.Body,
				CacheStatus: CacheHit,
				RateLimit:   rlResult,
				Principal:   principal,
			}
		}
	}

	resp := p.forwarder.Forward(ctx, route.TargetURL, r)
	pipelineRequestsTotal.WithLabelValues(stage, strconv.Itoa(resp.StatusCode)).Inc()

	result := &Result{
		StatusCode: resp.StatusCode,
		Headers:    resp.Headers,
		Body:       resp.Body,
		RateLimit:  rlResult,
		Principal:  principal,
	}

	if cacheKey != "" {
		result.CacheStatus = CacheMiss
		p.maybeStore(ctx, cacheKey, r.Method, route, resp)
	}

	return result
}

// admit applies the route tier's rate limit policy, if any.
func (p *Pipeline) admit(ctx context.Context, route *router.RouteDefinition, principal *auth.Principal, clientIP string) (*ratelimit.Result, error) {
	policy, ok := p.policies[route.Tier]
	if !ok {
		return nil, nil
	}
	return p.limiter.Admit(ctx, clientKey(principal, clientIP), policy)
}

// cacheKey returns the response cache key, or "" when caching does not
// apply to this request.
func (p *Pipeline) cacheKey(r *http.Request) string {
	if p.respCache == nil {
		return ""
	}
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		return ""
	}
	return responsecache.KeyForRequest(r, p.respCache.VaryHeaders())
}

// maybeStore persists a cacheable backend response.
func (p *Pipeline) maybeStore(ctx context.Context, key, method string, route *router.RouteDefinition, resp *proxy.Response) {
	if resp.Synthetic() {
		return
	}
	if !responsecache.IsCacheable(method, resp.StatusCode, resp.Headers.Get("Cache-Control")) {
		return
	}

	// Advertise cacheability on the stored response so downstream
	// caches and clients see the same freshness window.
	ttl := p.respCache.TTLFor(resp.Headers.Get("Cache-Control"))
	resp.Headers.Set("Cache-Control", "public, max-age="+strconv.Itoa(int(ttl.Seconds())))
	resp.Headers.Set("Expires", time.Now().Add(ttl).UTC().Format(http.TimeFormat))
	resp.Headers.Set("Vary", "Accept-Encoding")

	headers := make(map[string]string, len(resp.Headers))
	for name := range resp.Headers {
		headers[name] = resp.Headers.Get(name)
	}

	p.respCache.Store(ctx, key, route.CachePattern, &responsecache.Entry{
		StatusCode: resp.StatusCode,
		Headers:    headers,
		Body:       resp.Body,
	})
}

func (p *Pipeline) failure(stage string, err error) *Result {
	status, body := statusForError(err)
	pipelineRequestsTotal.WithLabelValues(stage, strconv.Itoa(status)).Inc()

	if status >= http.StatusInternalServerError {
		p.logger.Error("pipeline stage failed",
			observability.String("stage", stage),
			observability.Error(err))
	} else {
		p.logger.Debug("request rejected",
			observability.String("stage", stage),
			observability.Error(err))
	}

	return &Result{
		StatusCode: status,
		Headers:    http.Header{"Content-Type": []string{"application/json"}},
		Body:       body,
	}
}

// clientKey derives the rate limit identity: the authenticated
// principal when present, else the client address.
func clientKey(principal *auth.Principal, clientIP string) string {
	if principal != nil && !principal.IsAnonymous() {
		return "principal:" + principal.ID
	}
	return "ip:" + clientIP
}

func entryHeaders(entry *responsecache.Entry) http.Header {
	headers := make(http.Header, len(entry.Headers))
	for name, value := range entry.Headers {
		headers.Set(name, value)
	}
	return headers
}
