package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubValidator returns a fixed principal or error.
type stubValidator struct {
	principal *Principal
	err       error
	calls     int
	lastToken string
}

func (s *stubValidator) Validate(_ context.Context, token string) (*Principal, error) {
	s.calls++
	s.lastToken = token
	return s.principal, s.err
}

// ============================================================================
// Classification Tests
// ============================================================================

func TestClassifyAuthorization(t *testing.T) {
	apiKey := "abcdefghabcdefghabcdefghabcdefgh" // 32 chars

	tests := []struct {
		name       string
		header     string
		wantScheme Scheme
		wantToken  string
		wantErr    error
	}{
		{
			name:       "bearer with 32-char token is an api key",
			header:     "Bearer " + apiKey,
			wantScheme: SchemeAPIKey,
			wantToken:  apiKey,
		},
		{
			name:       "bearer with other token is a jwt",
			header:     "Bearer eyJhbGciOiJIUzI1NiJ9.eyJzdWIiOiIxIn0.sig",
			wantScheme: SchemeJWT,
			wantToken:  "eyJhbGciOiJIUzI1NiJ9.eyJzdWIiOiIxIn0.sig",
		},
		{
			name:       "oauth prefix",
			header:     "OAuth opaque-token",
			wantScheme: SchemeOAuth,
			wantToken:  "opaque-token",
		},
		{
			name:    "empty header",
			header:  "",
			wantErr: ErrMissingCredentials,
		},
		{
			name:    "bearer with empty token",
			header:  "Bearer ",
			wantErr: ErrMissingCredentials,
		},
		{
			name:    "basic scheme is not supported",
			header:  "Basic dXNlcjpwYXNz",
			wantErr: ErrUnknownScheme,
		},
		{
			name:    "bare token without scheme",
			header:  "some-token",
			wantErr: ErrUnknownScheme,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			creds, err := ClassifyAuthorization(tt.header)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantScheme, creds.Scheme)
			assert.Equal(t, tt.wantToken, creds.Token)
		})
	}
}

// ============================================================================
// Guard Tests
// ============================================================================

func TestGuard_AuthNotRequired(t *testing.T) {
	apiKeyValidator := &stubValidator{}
	g := NewGuard(WithAPIKeyValidator(apiKeyValidator))

	// Even a garbage header is never inspected.
	principal, err := g.Validate(context.Background(), "garbage !!!", false)
	require.NoError(t, err)
	assert.True(t, principal.IsAnonymous())
	assert.Zero(t, apiKeyValidator.calls)
}

func TestGuard_DispatchesByScheme(t *testing.T) {
	apiKey := "abcdefghabcdefghabcdefghabcdefgh"

	apiKeyValidator := &stubValidator{principal: &Principal{ID: "key-1", Scheme: SchemeAPIKey}}
	jwtValidator := &stubValidator{principal: &Principal{ID: "user-1", Scheme: SchemeJWT}}
	oauthValidator := &stubValidator{principal: &Principal{ID: "svc-1", Scheme: SchemeOAuth}}

	g := NewGuard(
		WithAPIKeyValidator(apiKeyValidator),
		WithJWTValidator(jwtValidator),
		WithOAuthValidator(oauthValidator),
	)
	ctx := context.Background()

	principal, err := g.Validate(ctx, "Bearer "+apiKey, true)
	require.NoError(t, err)
	assert.Equal(t, "key-1", principal.ID)
	assert.Equal(t, apiKey, apiKeyValidator.lastToken)

	principal, err = g.Validate(ctx, "Bearer header.payload.signature", true)
	require.NoError(t, err)
	assert.Equal(t, "user-1", principal.ID)

	principal, err = g.Validate(ctx, "OAuth opaque", true)
	require.NoError(t, err)
	assert.Equal(t, "svc-1", principal.ID)
}

func TestGuard_APIKeyHeader(t *testing.T) {
	apiKeyValidator := &stubValidator{principal: &Principal{ID: "key-1", Scheme: SchemeAPIKey}}
	jwtValidator := &stubValidator{principal: &Principal{ID: "user-1", Scheme: SchemeJWT}}
	g := NewGuard(WithAPIKeyValidator(apiKeyValidator), WithJWTValidator(jwtValidator))
	ctx := context.Background()

	// The dedicated header classifies as api_key regardless of length.
	principal, err := g.ValidateRequest(ctx, "", "short-key", true)
	require.NoError(t, err)
	assert.Equal(t, "key-1", principal.ID)
	assert.Equal(t, "short-key", apiKeyValidator.lastToken)

	// Authorization wins when both headers are present.
	principal, err = g.ValidateRequest(ctx, "Bearer header.payload.signature", "short-key", true)
	require.NoError(t, err)
	assert.Equal(t, "user-1", principal.ID)

	// No inspection when the route does not require auth.
	apiKeyValidator.calls = 0
	principal, err = g.ValidateRequest(ctx, "", "short-key", false)
	require.NoError(t, err)
	assert.True(t, principal.IsAnonymous())
	assert.Zero(t, apiKeyValidator.calls)
}

func TestGuard_MissingHeader(t *testing.T) {
	g := NewGuard()

	_, err := g.Validate(context.Background(), "", true)
	assert.ErrorIs(t, err, ErrMissingCredentials)
}

func TestGuard_ValidatorRejects(t *testing.T) {
	jwtValidator := &stubValidator{err: ErrInvalidToken}
	g := NewGuard(WithJWTValidator(jwtValidator))

	_, err := g.Validate(context.Background(), "Bearer header.payload.signature", true)
	assert.ErrorIs(t, err, ErrInvalidToken)
	assert.True(t, IsAuthError(err))
}

func TestGuard_SchemeWithoutValidator(t *testing.T) {
	g := NewGuard() // no validators configured

	_, err := g.Validate(context.Background(), "OAuth opaque", true)
	assert.ErrorIs(t, err, ErrUnknownScheme)
}

// ============================================================================
// Principal Tests
// ============================================================================

func TestPrincipal_Context(t *testing.T) {
	ctx := context.Background()

	_, ok := PrincipalFromContext(ctx)
	assert.False(t, ok)

	p := &Principal{ID: "user-1", Scheme: SchemeJWT}
	ctx = ContextWithPrincipal(ctx, p)

	got, ok := PrincipalFromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, p, got)
}

func TestAuthError_Unwrap(t *testing.T) {
	err := WrapAuthError(ErrTokenExpired, "jwt")
	assert.ErrorIs(t, err, ErrTokenExpired)
	assert.ErrorIs(t, err, ErrAuthenticationFailed)
	assert.Contains(t, err.Error(), "jwt")
}
