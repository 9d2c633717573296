// Package auth provides request authentication for the gateway. The
// Guard classifies the credential scheme from the Authorization header
// and dispatches to the scheme-specific validator.
package auth

import (
	"context"
	"time"
)

// Scheme represents the authentication scheme used.
type Scheme string

// Authentication schemes.
const (
	SchemeAPIKey    Scheme = "api_key"
	SchemeJWT       Scheme = "jwt"
	SchemeOAuth     Scheme = "oauth"
	SchemeAnonymous Scheme = "anonymous"
)

// Principal represents the authenticated identity of a request. It is
// constructed per-request and never persisted.
type Principal struct {
	// ID is the unique identifier of the identity.
	ID string `json:"id"`

	// Scheme is the authentication scheme that produced this principal.
	Scheme Scheme `json:"scheme"`

	// Permissions contains the permissions granted to the identity.
	Permissions []string `json:"permissions,omitempty"`

	// ExpiresAt is when the identity expires. Zero means no expiry.
	ExpiresAt time.Time `json:"expires_at,omitempty"`

	// Claims contains additional claims from the credential.
	Claims map[string]interface{} `json:"claims,omitempty"`
}

// IsExpired returns true if the principal has expired.
func (p *Principal) IsExpired() bool {
	if p.ExpiresAt.IsZero() {
		return false
	}
	return time.Now().After(p.ExpiresAt)
}

// IsAnonymous returns true for principals of unauthenticated requests.
func (p *Principal) IsAnonymous() bool {
	return p.Scheme == SchemeAnonymous
}

// HasPermission checks if the principal has a specific permission.
func (p *Principal) HasPermission(permission string) bool {
	for _, perm := range p.Permissions {
		if perm == permission {
			return true
		}
	}
	return false
}

// AnonymousPrincipal returns the principal for routes that do not
// require authentication.
func AnonymousPrincipal() *Principal {
	return &Principal{
		ID:     "anonymous",
		Scheme: SchemeAnonymous,
	}
}

// principalContextKey is the context key type for principals.
type principalContextKey struct{}

// ContextWithPrincipal adds a principal to the context.
func ContextWithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, p)
}

// PrincipalFromContext extracts the principal from the context.
func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalContextKey{}).(*Principal)
	return p, ok && p != nil
}
