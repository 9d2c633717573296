package auth

import (
	"errors"
	"fmt"
)

// Sentinel errors for authentication operations.
var (
	// ErrMissingCredentials indicates that no credentials were provided.
	ErrMissingCredentials = errors.New("missing credentials")

	// ErrUnknownScheme indicates an unrecognized authorization scheme.
	ErrUnknownScheme = errors.New("unknown authorization scheme")

	// ErrInvalidCredentials indicates that the provided credentials are invalid.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrAuthenticationFailed indicates that authentication failed.
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrTokenExpired indicates that the token or key has expired.
	ErrTokenExpired = errors.New("token expired")

	// ErrInvalidToken indicates that the token is malformed or unverifiable.
	ErrInvalidToken = errors.New("invalid token")

	// ErrInvalidSignature indicates that the token signature is invalid.
	ErrInvalidSignature = errors.New("invalid signature")

	// ErrAPIKeyNotFound indicates that the API key was not found.
	ErrAPIKeyNotFound = errors.New("API key not found")

	// ErrAPIKeyRevoked indicates that the API key has been deactivated.
	ErrAPIKeyRevoked = errors.New("API key revoked")

	// ErrIntrospectionFailed indicates that token introspection failed.
	ErrIntrospectionFailed = errors.New("token introspection failed")
)

// AuthError represents an authentication error with scheme context.
type AuthError struct {
	Scheme  string
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *AuthError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("auth error (%s): %s: %v", e.Scheme, e.Message, e.Cause)
	}
	return fmt.Sprintf("auth error (%s): %s", e.Scheme, e.Message)
}

// Unwrap returns the underlying error.
func (e *AuthError) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target.
func (e *AuthError) Is(target error) bool {
	if errors.Is(target, ErrAuthenticationFailed) {
		return true
	}
	_, ok := target.(*AuthError)
	return ok || errors.Is(e.Cause, target)
}

// NewAuthError creates a new AuthError.
func NewAuthError(scheme, message string) *AuthError {
	return &AuthError{
		Scheme:  scheme,
		Message: message,
	}
}

// WrapAuthError wraps an error with scheme context.
func WrapAuthError(err error, scheme string) error {
	if err == nil {
		return nil
	}
	return &AuthError{
		Scheme:  scheme,
		Message: err.Error(),
		Cause:   err,
	}
}

// IsAuthError checks if an error is an authentication error.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}
