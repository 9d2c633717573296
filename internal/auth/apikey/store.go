// Package apikey validates API key credentials against a credential
// store, caching validation outcomes to absorb repeated lookups.
package apikey

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/vyrodovalexey/apigw/internal/auth"
)

// keyIDLength is the number of leading key characters used as the
// public lookup handle.
const keyIDLength = 8

// Record represents a provisioned API key. The raw secret is never
// stored, only its hash.
type Record struct {
	// ID is the public key identifier (the key prefix).
	ID string `json:"id" yaml:"id"`

	// HashedSecret is the hash of the full raw key.
	HashedSecret string `json:"hashed_secret" yaml:"hashedSecret"`

	// IsActive indicates whether the key is usable.
	IsActive bool `json:"is_active" yaml:"isActive"`

	// ExpiresAt is when the key expires. Zero means no expiry.
	ExpiresAt time.Time `json:"expires_at,omitempty" yaml:"expiresAt,omitempty"`

	// Permissions granted to the key.
	Permissions []string `json:"permissions,omitempty" yaml:"permissions,omitempty"`
}

// Usable reports whether the key is active and not expired.
func (r *Record) Usable() bool {
	if !r.IsActive {
		return false
	}
	if r.ExpiresAt.IsZero() {
		return true
	}
	return time.Now().Before(r.ExpiresAt)
}

// Expired reports whether the key has an expiry in the past.
func (r *Record) Expired() bool {
	return !r.ExpiresAt.IsZero() && time.Now().After(r.ExpiresAt)
}

// CredentialStore looks up provisioned API keys.
type CredentialStore interface {
	// FindByID retrieves the record for the given key ID. Returns
	// auth.ErrAPIKeyNotFound when no such key exists.
	FindByID(ctx context.Context, keyID string) (*Record, error)
}

// KeyID derives the public lookup handle from a raw key.
func KeyID(rawKey string) string {
	if len(rawKey) < keyIDLength {
		return rawKey
	}
	return rawKey[:keyIDLength]
}

// HashKey returns the SHA-256 hex digest of a raw key.
func HashKey(rawKey string) string {
	sum := sha256.Sum256([]byte(rawKey))
	return hex.EncodeToString(sum[:])
}

// MemoryCredentialStore is an in-memory CredentialStore, used for
// config-provisioned keys and in tests.
type MemoryCredentialStore struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewMemoryCredentialStore creates a store holding the given records.
func NewMemoryCredentialStore(records ...*Record) *MemoryCredentialStore {
	s := &MemoryCredentialStore{
		records: make(map[string]*Record, len(records)),
	}
	for _, r := range records {
		s.records[r.ID] = r
	}
	return s
}

// Add inserts or replaces a record.
func (s *MemoryCredentialStore) Add(record *Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[record.ID] = record
}

// Remove deletes a record by key ID.
func (s *MemoryCredentialStore) Remove(keyID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, keyID)
}

// FindByID implements CredentialStore.
func (s *MemoryCredentialStore) FindByID(_ context.Context, keyID string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.records[keyID]
	if !ok {
		return nil, auth.ErrAPIKeyNotFound
	}
	return record, nil
}

// Ensure MemoryCredentialStore implements CredentialStore.
var _ CredentialStore = (*MemoryCredentialStore)(nil)
