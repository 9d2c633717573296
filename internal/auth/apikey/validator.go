package apikey

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/vyrodovalexey/apigw/internal/auth"
	"github.com/vyrodovalexey/apigw/internal/cache"
	"github.com/vyrodovalexey/apigw/internal/observability"
)

// defaultValidityTTL is how long validation outcomes, including
// negative ones, are cached. Negative caching blunts key-enumeration
// load on the credential store.
const defaultValidityTTL = 300 * time.Second

const cacheKeyPrefix = "auth:apikey:"

// validityRecord is the cached outcome of a key validation. Only the
// key hash ever appears in cache keys; the raw key is never stored or
// logged.
type validityRecord struct {
	Valid       bool      `json:"valid"`
	KeyID       string    `json:"key_id,omitempty"`
	Permissions []string  `json:"permissions,omitempty"`
	ExpiresAt   time.Time `json:"expires_at,omitempty"`
}

// Validator validates API keys against a CredentialStore with a
// write-through validity cache.
type Validator struct {
	store  CredentialStore
	cache  cache.Cache
	logger observability.Logger
	ttl    time.Duration

	// bcryptSecrets selects bcrypt comparison for stores that hash
	// secrets with bcrypt instead of SHA-256.
	bcryptSecrets bool
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

// WithValidityTTL sets the TTL for cached validation outcomes.
func WithValidityTTL(ttl time.Duration) ValidatorOption {
	return func(v *Validator) {
		if ttl > 0 {
			v.ttl = ttl
		}
	}
}

// WithValidityCache sets the cache for validation outcomes. Without a
// cache every validation hits the credential store.
func WithValidityCache(c cache.Cache) ValidatorOption {
	return func(v *Validator) {
		v.cache = c
	}
}

// WithBcryptSecrets makes the validator compare secrets with bcrypt.
func WithBcryptSecrets() ValidatorOption {
	return func(v *Validator) {
		v.bcryptSecrets = true
	}
}

// NewValidator creates a new API key validator.
func NewValidator(store CredentialStore, opts ...ValidatorOption) *Validator {
	v := &Validator{
		store:  store,
		logger: observability.NopLogger(),
		ttl:    defaultValidityTTL,
	}

	for _, opt := range opts {
		opt(v)
	}

	return v
}

// Validate implements auth.Validator.
func (v *Validator) Validate(ctx context.Context, rawKey string) (*auth.Principal, error) {
	keyHash := HashKey(rawKey)
	cacheKey := cacheKeyPrefix + keyHash

	if principal, err, ok := v.lookupCached(ctx, cacheKey); ok {
		return principal, err
	}

	record, err := v.store.FindByID(ctx, KeyID(rawKey))
	if err != nil {
		if errors.Is(err, auth.ErrAPIKeyNotFound) {
			v.cacheNegative(ctx, cacheKey)
			return nil, auth.ErrInvalidCredentials
		}
		// Store errors are not cached: the key may well be valid.
		return nil, err
	}

	if !v.secretMatches(record, rawKey, keyHash) {
		v.cacheNegative(ctx, cacheKey)
		return nil, auth.ErrInvalidCredentials
	}

	if record.Expired() {
		v.cacheNegative(ctx, cacheKey)
		return nil, auth.ErrTokenExpired
	}

	if !record.IsActive {
		v.cacheNegative(ctx, cacheKey)
		return nil, auth.ErrAPIKeyRevoked
	}

	v.cachePositive(ctx, cacheKey, record)

	return principalFromRecord(record), nil
}

// lookupCached resolves a validation outcome from the cache. The third
// return value reports whether a cached outcome was found.
func (v *Validator) lookupCached(ctx context.Context, cacheKey string) (*auth.Principal, error, bool) {
	if v.cache == nil {
		return nil, nil, false
	}

	data, err := v.cache.Get(ctx, cacheKey)
	if err != nil {
		if !errors.Is(err, cache.ErrCacheMiss) {
			v.logger.Warn("validity cache lookup failed", observability.Error(err))
		}
		return nil, nil, false
	}

	var rec validityRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, nil, false
	}

	if !rec.Valid {
		return nil, auth.ErrInvalidCredentials, true
	}

	// A key may expire while its positive outcome is still cached.
	if !rec.ExpiresAt.IsZero() && time.Now().After(rec.ExpiresAt) {
		return nil, auth.ErrTokenExpired, true
	}

	return &auth.Principal{
		ID:          rec.KeyID,
		Scheme:      auth.SchemeAPIKey,
		Permissions: rec.Permissions,
		ExpiresAt:   rec.ExpiresAt,
	}, nil, true
}

// secretMatches compares the presented key against the stored hash in
// constant time.
func (v *Validator) secretMatches(record *Record, rawKey, keyHash string) bool {
	if v.bcryptSecrets {
		return bcrypt.CompareHashAndPassword([]byte(record.HashedSecret), []byte(rawKey)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(record.HashedSecret), []byte(keyHash)) == 1
}

func (v *Validator) cacheNegative(ctx context.Context, cacheKey string) {
	v.writeValidity(ctx, cacheKey, validityRecord{Valid: false})
}

func (v *Validator) cachePositive(ctx context.Context, cacheKey string, record *Record) {
	v.writeValidity(ctx, cacheKey, validityRecord{
		Valid:       true,
		KeyID:       record.ID,
		Permissions: record.Permissions,
		ExpiresAt:   record.ExpiresAt,
	})
}

// writeValidity stores a validation outcome. Cache failures are logged
// and swallowed: validation still succeeded or failed on its own.
func (v *Validator) writeValidity(ctx context.Context, cacheKey string, rec validityRecord) {
	if v.cache == nil {
		return
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return
	}

	if err := v.cache.Set(ctx, cacheKey, data, v.ttl); err != nil {
		v.logger.Warn("validity cache write failed", observability.Error(err))
	}
}

func principalFromRecord(record *Record) *auth.Principal {
	return &auth.Principal{
		ID:          record.ID,
		Scheme:      auth.SchemeAPIKey,
		Permissions: record.Permissions,
		ExpiresAt:   record.ExpiresAt,
	}
}

// Ensure Validator implements auth.Validator.
var _ auth.Validator = (*Validator)(nil)
