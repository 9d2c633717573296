// Package jwt validates JWT bearer tokens against a configured
// symmetric secret.
package jwt

import (
	"context"
	"errors"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/vyrodovalexey/apigw/internal/auth"
	"github.com/vyrodovalexey/apigw/internal/observability"
)

// Config holds JWT validation configuration.
type Config struct {
	// Secret is the shared signing secret.
	Secret string `yaml:"secret"`

	// Algorithm is the expected signing algorithm. Defaults to HS256.
	Algorithm string `yaml:"algorithm"`

	// ClockSkew is the acceptable clock skew when checking expiry.
	ClockSkew time.Duration `yaml:"clockSkew"`

	// Issuer, when set, must match the token's iss claim.
	Issuer string `yaml:"issuer"`
}

// Validator validates JWT credentials.
type Validator struct {
	secret    []byte
	algorithm jwa.SignatureAlgorithm
	clockSkew time.Duration
	issuer    string
	logger    observability.Logger
}

// ValidatorOption is a functional option for the validator.
type ValidatorOption func(*Validator)

// WithValidatorLogger sets the logger for the validator.
func WithValidatorLogger(logger observability.Logger) ValidatorOption {
	return func(v *Validator) {
		if logger != nil {
			v.logger = logger
		}
	}
}

// NewValidator creates a new JWT validator.
func NewValidator(cfg Config, opts ...ValidatorOption) (*Validator, error) {
	if cfg.Secret == "" {
		return nil, errors.New("jwt secret is required")
	}

	algorithm := jwa.HS256
	if cfg.Algorithm != "" {
		var alg jwa.SignatureAlgorithm
		if err := alg.Accept(cfg.Algorithm); err != nil {
			return nil, errors.New("unsupported jwt algorithm: " + cfg.Algorithm)
		}
		algorithm = alg
	}

	v := &Validator{
		secret:    []byte(cfg.Secret),
		algorithm: algorithm,
		clockSkew: cfg.ClockSkew,
		issuer:    cfg.Issuer,
		logger:    observability.NopLogger(),
	}

	for _, opt := range opts {
		opt(v)
	}

	return v, nil
}

// Validate implements auth.Validator. It verifies the signature and
// standard time claims, then builds a principal from the token.
func (v *Validator) Validate(_ context.Context, token string) (*auth.Principal, error) {
	parseOpts := []jwt.ParseOption{
		jwt.WithKey(v.algorithm, v.secret),
		jwt.WithValidate(true),
		jwt.WithAcceptableSkew(v.clockSkew),
	}
	if v.issuer != "" {
		parseOpts = append(parseOpts, jwt.WithIssuer(v.issuer))
	}

	tok, err := jwt.Parse([]byte(token), parseOpts...)
	if err != nil {
		switch {
		case errors.Is(err, jwt.ErrTokenExpired()):
			return nil, auth.ErrTokenExpired
		case errors.Is(err, jwt.ErrInvalidIssuer()):
			return nil, auth.ErrInvalidToken
		default:
			v.logger.Debug("jwt parse failed", observability.Error(err))
			return nil, auth.ErrInvalidToken
		}
	}

	return principalFromToken(tok), nil
}

// principalFromToken maps verified token claims onto a principal.
func principalFromToken(tok jwt.Token) *auth.Principal {
	claims := tok.PrivateClaims()

	principal := &auth.Principal{
		ID:        tok.Subject(),
		Scheme:    auth.SchemeJWT,
		ExpiresAt: tok.Expiration(),
		Claims:    claims,
	}

	if perms, ok := claims["permissions"]; ok {
		principal.Permissions = toStringSlice(perms)
	}

	return principal
}

// toStringSlice converts a decoded JSON claim to a string slice.
func toStringSlice(v interface{}) []string {
	switch val := v.(type) {
	case []string:
		return val
	case []interface{}:
		result := make([]string, 0, len(val))
		for _, item := range val {
			if s, ok := item.(string); ok {
				result = append(result, s)
			}
		}
		return result
	default:
		return nil
	}
}

// Ensure Validator implements auth.Validator.
var _ auth.Validator = (*Validator)(nil)
