package auth

import (
	"context"
	"strings"

	"github.com/vyrodovalexey/apigw/internal/observability"
)

// apiKeyLength is the fixed length of issued API keys. Fixed-length
// tokens distinguish keys from JWTs in the same Bearer header.
const apiKeyLength = 32

const (
	bearerPrefix = "Bearer "
	oauthPrefix  = "OAuth "
)

// Validator validates a raw credential and produces a principal.
type Validator interface {
	Validate(ctx context.Context, token string) (*Principal, error)
}

// Credentials holds a classified credential extracted from a request.
type Credentials struct {
	// Scheme is the classified authentication scheme.
	Scheme Scheme

	// Token is the raw credential value with the scheme prefix stripped.
	Token string
}

// ClassifyAuthorization classifies the Authorization header value into
// a scheme and raw token.
func ClassifyAuthorization(header string) (*Credentials, error) {
	if header == "" {
		return nil, ErrMissingCredentials
	}

	switch {
	case strings.HasPrefix(header, bearerPrefix):
		token := strings.TrimSpace(header[len(bearerPrefix):])
		if token == "" {
			return nil, ErrMissingCredentials
		}
		if len(token) == apiKeyLength {
			return &Credentials{Scheme: SchemeAPIKey, Token: token}, nil
		}
		return &Credentials{Scheme: SchemeJWT, Token: token}, nil

	case strings.HasPrefix(header, oauthPrefix):
		token := strings.TrimSpace(header[len(oauthPrefix):])
		if token == "" {
			return nil, ErrMissingCredentials
		}
		return &Credentials{Scheme: SchemeOAuth, Token: token}, nil

	default:
		return nil, ErrUnknownScheme
	}
}

// Guard authenticates requests by dispatching classified credentials to
// scheme-specific validators.
type Guard struct {
	logger observability.Logger

	apiKeyValidator Validator
	jwtValidator    Validator
	oauthValidator  Validator
}

// GuardOption is a functional option for the guard.
type GuardOption func(*Guard)

// WithGuardLogger sets the logger for the guard.
func WithGuardLogger(logger observability.Logger) GuardOption {
	return func(g *Guard) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithAPIKeyValidator sets the api_key scheme validator.
func WithAPIKeyValidator(v Validator) GuardOption {
	return func(g *Guard) {
		g.apiKeyValidator = v
	}
}

// WithJWTValidator sets the jwt scheme validator.
func WithJWTValidator(v Validator) GuardOption {
	return func(g *Guard) {
		g.jwtValidator = v
	}
}

// WithOAuthValidator sets the oauth scheme validator.
func WithOAuthValidator(v Validator) GuardOption {
	return func(g *Guard) {
		g.oauthValidator = v
	}
}

// NewGuard creates a new authentication guard.
func NewGuard(opts ...GuardOption) *Guard {
	g := &Guard{
		logger: observability.NopLogger(),
	}

	for _, opt := range opts {
		opt(g)
	}

	return g
}

// ValidateRequest authenticates using the Authorization header, or the
// X-API-Key header as an alternate transport for the api_key scheme.
// The dedicated header always classifies as api_key regardless of
// token shape; Authorization wins when both are present.
func (g *Guard) ValidateRequest(ctx context.Context, authorization, apiKeyHeader string, routeRequiresAuth bool) (*Principal, error) {
	if !routeRequiresAuth {
		return AnonymousPrincipal(), nil
	}

	if authorization == "" && apiKeyHeader != "" {
		return g.dispatch(ctx, &Credentials{Scheme: SchemeAPIKey, Token: apiKeyHeader})
	}

	return g.Validate(ctx, authorization, routeRequiresAuth)
}

// Validate authenticates a request given its Authorization header.
//
// When the route does not require authentication the header is not
// inspected at all and an anonymous principal is returned.
func (g *Guard) Validate(ctx context.Context, authorization string, routeRequiresAuth bool) (*Principal, error) {
	if !routeRequiresAuth {
		return AnonymousPrincipal(), nil
	}

	creds, err := ClassifyAuthorization(authorization)
	if err != nil {
		authAttemptsTotal.WithLabelValues("none", "rejected").Inc()
		return nil, WrapAuthError(err, "none")
	}

	return g.dispatch(ctx, creds)
}

// dispatch routes classified credentials to the scheme's validator.
func (g *Guard) dispatch(ctx context.Context, creds *Credentials) (*Principal, error) {
	validator := g.validatorFor(creds.Scheme)
	if validator == nil {
		authAttemptsTotal.WithLabelValues(string(creds.Scheme), "rejected").Inc()
		return nil, WrapAuthError(ErrUnknownScheme, string(creds.Scheme))
	}

	principal, err := validator.Validate(ctx, creds.Token)
	if err != nil {
		authAttemptsTotal.WithLabelValues(string(creds.Scheme), "rejected").Inc()
		g.logger.Debug("authentication rejected",
			observability.String("scheme", string(creds.Scheme)),
			observability.Error(err))
		return nil, WrapAuthError(err, string(creds.Scheme))
	}

	authAttemptsTotal.WithLabelValues(string(creds.Scheme), "accepted").Inc()
	return principal, nil
}

// validatorFor returns the validator for the given scheme, or nil.
func (g *Guard) validatorFor(scheme Scheme) Validator {
	switch scheme {
	case SchemeAPIKey:
		return g.apiKeyValidator
	case SchemeJWT:
		return g.jwtValidator
	case SchemeOAuth:
		return g.oauthValidator
	default:
		return nil
	}
}
