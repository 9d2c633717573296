// Package oauth validates OAuth tokens by delegating to an external
// RFC 7662 token introspection endpoint.
package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/vyrodovalexey/apigw/internal/auth"
	"github.com/vyrodovalexey/apigw/internal/observability"
)

// Common errors for the introspection client.
var (
	ErrMissingEndpoint = errors.New("missing introspection endpoint")
	ErrInvalidResponse = errors.New("invalid introspection response")
)

// Metrics for introspection requests.
var (
	introspectionRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "apigw_oauth_introspection_requests_total",
			Help: "Total number of OAuth introspection requests",
		},
		[]string{"result"},
	)

	introspectionRequestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "apigw_oauth_introspection_request_duration_seconds",
			Help:    "Duration of OAuth introspection requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)
)

// IntrospectionResponse represents an RFC 7662 introspection response.
type IntrospectionResponse struct {
	Active    bool   `json:"active"`
	Subject   string `json:"sub,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	Scope     string `json:"scope,omitempty"`
	ExpiresAt int64  `json:"exp,omitempty"`
	Username  string `json:"username,omitempty"`
}

// Config holds configuration for the introspection client.
type Config struct {
	// Endpoint is the token introspection endpoint URL.
	Endpoint string `yaml:"endpoint"`

	// ClientID authenticates the gateway to the introspection endpoint.
	ClientID string `yaml:"clientId"`

	// ClientSecret authenticates the gateway to the introspection endpoint.
	ClientSecret string `yaml:"clientSecret"`

	// Timeout is the timeout for introspection requests.
	Timeout time.Duration `yaml:"timeout"`
}

// Client delegates token validation to an introspection endpoint.
type Client struct {
	endpoint     string
	clientID     string
	clientSecret string
	httpClient   *http.Client
	logger       observability.Logger
}

// ClientOption is a functional option for the client.
type ClientOption func(*Client)

// WithClientLogger sets the logger for the client.
func WithClientLogger(logger observability.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithHTTPClient sets the HTTP client used for introspection requests.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

// NewClient creates a new introspection client.
func NewClient(cfg Config, opts ...ClientOption) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, ErrMissingEndpoint
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	c := &Client{
		endpoint:     cfg.Endpoint,
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		httpClient:   &http.Client{Timeout: timeout},
		logger:       observability.NopLogger(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

// Validate implements auth.Validator. It introspects the token and
// builds a principal from the response.
func (c *Client) Validate(ctx context.Context, token string) (*auth.Principal, error) {
	resp, err := c.Introspect(ctx, token)
	if err != nil {
		return nil, auth.WrapAuthError(auth.ErrIntrospectionFailed, string(auth.SchemeOAuth))
	}

	if !resp.Active {
		return nil, auth.ErrInvalidToken
	}

	principal := &auth.Principal{
		ID:     resp.Subject,
		Scheme: auth.SchemeOAuth,
	}
	if principal.ID == "" {
		principal.ID = resp.ClientID
	}
	if resp.Scope != "" {
		principal.Permissions = strings.Fields(resp.Scope)
	}
	if resp.ExpiresAt > 0 {
		principal.ExpiresAt = time.Unix(resp.ExpiresAt, 0)
		if principal.IsExpired() {
			return nil, auth.ErrTokenExpired
		}
	}

	return principal, nil
}

// Introspect posts the token to the introspection endpoint.
func (c *Client) Introspect(ctx context.Context, token string) (*IntrospectionResponse, error) {
	start := time.Now()
	defer func() {
		introspectionRequestDuration.Observe(time.Since(start).Seconds())
	}()

	form := url.Values{}
	form.Set("token", token)
	form.Set("token_type_hint", "access_token")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		introspectionRequestsTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if c.clientID != "" {
		req.SetBasicAuth(c.clientID, c.clientSecret)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		introspectionRequestsTotal.WithLabelValues("error").Inc()
		c.logger.Warn("introspection request failed", observability.Error(err))
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		introspectionRequestsTotal.WithLabelValues("error").Inc()
		return nil, ErrInvalidResponse
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		introspectionRequestsTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	var result IntrospectionResponse
	if err := json.Unmarshal(body, &result); err != nil {
		introspectionRequestsTotal.WithLabelValues("error").Inc()
		return nil, ErrInvalidResponse
	}

	if result.Active {
		introspectionRequestsTotal.WithLabelValues("active").Inc()
	} else {
		introspectionRequestsTotal.WithLabelValues("inactive").Inc()
	}

	return &result, nil
}

// Ensure Client implements auth.Validator.
var _ auth.Validator = (*Client)(nil)
