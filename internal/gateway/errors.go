package gateway

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/vyrodovalexey/apigw/internal/auth"
	"github.com/vyrodovalexey/apigw/internal/ratelimit"
	"github.com/vyrodovalexey/apigw/internal/router"
)

// errorBody renders the uniform JSON error envelope.
func errorBody(message string) []byte {
	return []byte(fmt.Sprintf(`{"error":%q}`, message))
}

// statusForError maps pipeline errors to an HTTP status and body.
// Internal failure detail never reaches the client.
func statusForError(err error) (int, []byte) {
	switch {
	case errors.Is(err, router.ErrRouteNotFound):
		return http.StatusNotFound, errorBody("Route not found")
	case errors.Is(err, ratelimit.ErrStoreUnavailable):
		return http.StatusServiceUnavailable, errorBody("Service temporarily unavailable")
	case errors.Is(err, auth.ErrAuthenticationFailed):
		return http.StatusUnauthorized, errorBody(authMessage(err))
	default:
		return http.StatusInternalServerError, errorBody("Internal server error")
	}
}

// authMessage picks a client-safe message for an authentication failure.
func authMessage(err error) string {
	switch {
	case errors.Is(err, auth.ErrMissingCredentials):
		return "Missing credentials"
	case errors.Is(err, auth.ErrTokenExpired):
		return "Token expired"
	case errors.Is(err, auth.ErrUnknownScheme):
		return "Unsupported authorization scheme"
	default:
		return "Invalid credentials"
	}
}
