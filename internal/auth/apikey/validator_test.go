package apikey

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/vyrodovalexey/apigw/internal/auth"
	"github.com/vyrodovalexey/apigw/internal/cache"
)

// ============================================================================
// Test Helpers
// ============================================================================

// countingStore wraps a CredentialStore and counts lookups.
type countingStore struct {
	inner CredentialStore
	calls int
}

func (s *countingStore) FindByID(ctx context.Context, keyID string) (*Record, error) {
	s.calls++
	return s.inner.FindByID(ctx, keyID)
}

// testKey is a fixed-length raw key as issued by the gateway.
const testKey = "k1234567abcdefghabcdefghabcdefgh"

func validRecord() *Record {
	return &Record{
		ID:           KeyID(testKey),
		HashedSecret: HashKey(testKey),
		IsActive:     true,
		Permissions:  []string{"orders:read"},
	}
}

// ============================================================================
// Validator Tests
// ============================================================================

func TestValidator_ValidKey(t *testing.T) {
	store := NewMemoryCredentialStore(validRecord())
	v := NewValidator(store)

	principal, err := v.Validate(context.Background(), testKey)
	require.NoError(t, err)
	assert.Equal(t, KeyID(testKey), principal.ID)
	assert.Equal(t, auth.SchemeAPIKey, principal.Scheme)
	assert.True(t, principal.HasPermission("orders:read"))
}

func TestValidator_UnknownKey(t *testing.T) {
	v := NewValidator(NewMemoryCredentialStore())

	_, err := v.Validate(context.Background(), testKey)
	assert.ErrorIs(t, err, auth.ErrInvalidCredentials)
}

func TestValidator_WrongSecret(t *testing.T) {
	record := validRecord()
	record.HashedSecret = HashKey("some-other-key-entirely-32-chars")
	v := NewValidator(NewMemoryCredentialStore(record))

	_, err := v.Validate(context.Background(), testKey)
	assert.ErrorIs(t, err, auth.ErrInvalidCredentials)
}

func TestValidator_RevokedKey(t *testing.T) {
	record := validRecord()
	record.IsActive = false
	v := NewValidator(NewMemoryCredentialStore(record))

	_, err := v.Validate(context.Background(), testKey)
	assert.ErrorIs(t, err, auth.ErrAPIKeyRevoked)
}

func TestValidator_ExpiredKey(t *testing.T) {
	record := validRecord()
	record.ExpiresAt = time.Now().Add(-time.Hour)
	v := NewValidator(NewMemoryCredentialStore(record))

	_, err := v.Validate(context.Background(), testKey)
	assert.ErrorIs(t, err, auth.ErrTokenExpired)
}

func TestValidator_PositiveOutcomeCached(t *testing.T) {
	store := &countingStore{inner: NewMemoryCredentialStore(validRecord())}
	c := cache.NewMemoryCache()
	defer c.Close()

	v := NewValidator(store, WithValidityCache(c))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		principal, err := v.Validate(ctx, testKey)
		require.NoError(t, err)
		assert.Equal(t, KeyID(testKey), principal.ID)
	}

	// Only the first validation hit the store.
	assert.Equal(t, 1, store.calls)
}

func TestValidator_NegativeOutcomeCached(t *testing.T) {
	store := &countingStore{inner: NewMemoryCredentialStore()}
	c := cache.NewMemoryCache()
	defer c.Close()

	v := NewValidator(store, WithValidityCache(c))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := v.Validate(ctx, testKey)
		assert.ErrorIs(t, err, auth.ErrInvalidCredentials)
	}

	// Repeated probes with the same bogus key never reach the store
	// again within the TTL.
	assert.Equal(t, 1, store.calls)
}

func TestValidator_CacheFailureFallsThrough(t *testing.T) {
	store := &countingStore{inner: NewMemoryCredentialStore(validRecord())}

	// A closed cache errors on every operation path that matters here
	// by missing all lookups.
	c := cache.NewMemoryCache()
	require.NoError(t, c.Close())

	v := NewValidator(store, WithValidityCache(c))

	principal, err := v.Validate(context.Background(), testKey)
	require.NoError(t, err)
	assert.NotNil(t, principal)
}

func TestValidator_BcryptSecrets(t *testing.T) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(testKey), bcrypt.MinCost)
	require.NoError(t, err)

	record := validRecord()
	record.HashedSecret = string(hashed)

	v := NewValidator(NewMemoryCredentialStore(record), WithBcryptSecrets())

	principal, err := v.Validate(context.Background(), testKey)
	require.NoError(t, err)
	assert.Equal(t, KeyID(testKey), principal.ID)

	_, err = v.Validate(context.Background(), "wrong-key-of-equal-length-32ch!!")
	assert.ErrorIs(t, err, auth.ErrInvalidCredentials)
}

func TestHashKey_NeverRaw(t *testing.T) {
	digest := HashKey(testKey)
	assert.Len(t, digest, 64)
	assert.False(t, strings.Contains(digest, testKey))
}

func TestKeyID(t *testing.T) {
	assert.Equal(t, "k1234567", KeyID(testKey))
	assert.Equal(t, "short", KeyID("short"))
}

func TestRecord_Usable(t *testing.T) {
	tests := []struct {
		name   string
		record Record
		want   bool
	}{
		{
			name:   "active without expiry",
			record: Record{IsActive: true},
			want:   true,
		},
		{
			name:   "active not yet expired",
			record: Record{IsActive: true, ExpiresAt: time.Now().Add(time.Hour)},
			want:   true,
		},
		{
			name:   "inactive",
			record: Record{IsActive: false},
			want:   false,
		},
		{
			name:   "expired",
			record: Record{IsActive: true, ExpiresAt: time.Now().Add(-time.Hour)},
			want:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.record.Usable())
		})
	}
}
