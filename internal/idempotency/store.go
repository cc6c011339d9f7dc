package idempotency

import (
	"context"
	"errors"
	"time"

	"github.com/patrickmn/go-cache"
)

// ErrKeyReuse means an idempotency key was replayed with a different request.
var ErrKeyReuse = errors.New("idempotency key reused with a different request")

// Record holds a stored response.
type Record struct {
	StatusCode int    `json:"statusCode"`
	Response   []byte `json:"response"`

	// Fingerprint identifies the request that produced the response.
	Fingerprint string    `json:"fingerprint"`
	CreatedAt   time.Time `json:"createdAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// Store abstracts idempotency persistence. Get returns nil, nil for a
// missing or expired key.
type Store interface {
	Get(ctx context.Context, key string) (*Record, error)
	Save(ctx context.Context, key string, record Record) error
}

// MemoryStore keeps records in a process-local TTL cache.
type MemoryStore struct {
	cache *cache.Cache
}

func NewMemoryStore(cleanupInterval time.Duration) *MemoryStore {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}
	return &MemoryStore{
		cache: cache.New(cache.NoExpiration, cleanupInterval),
	}
}

func (m *MemoryStore) Get(_ context.Context, key string) (*Record, error) {
	v, ok := m.cache.Get(key)
	if !ok {
		return nil, nil
	}
	rec := v.(Record)
	if time.Now().After(rec.ExpiresAt) {
		m.cache.Delete(key)
		return nil, nil
	}
	return &rec, nil
}

func (m *MemoryStore) Save(_ context.Context, key string, record Record) error {
	ttl := time.Until(record.ExpiresAt)
	if ttl <= 0 {
		return nil
	}
	m.cache.Set(key, record, ttl)
	return nil
}
