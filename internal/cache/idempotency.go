package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// ErrKeyReused is returned when an idempotency key is replayed with a
// different request body.
var ErrKeyReused = errors.New("idempotency key reused with a different request")

// StoredResponse is a response kept for replay.
type StoredResponse struct {
	StatusCode  int             `json:"statusCode"`
	Body        json.RawMessage `json:"body"`
	RequestHash string          `json:"requestHash"`
	StoredAt    time.Time       `json:"storedAt"`
}

// IdempotencyStore replays responses for repeated Idempotency-Key headers.
type IdempotencyStore struct {
	cache domain.Cache
	ttl   time.Duration
}

// NewIdempotencyStore wraps a cache. A zero ttl keeps responses for 24h.
func NewIdempotencyStore(c domain.Cache, ttl time.Duration) *IdempotencyStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &IdempotencyStore{cache: c, ttl: ttl}
}

// HashRequest fingerprints a request body.
func HashRequest(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

func idempotencyKey(key string) string {
	return "idempotency:" + key
}

// Lookup returns the stored response for key, or nil when none exists.
// A stored response for a different request hash yields ErrKeyReused.
func (s *IdempotencyStore) Lookup(ctx context.Context, key, requestHash string) (*StoredResponse, error) {
	raw, err := s.cache.Get(ctx, idempotencyKey(key))
	if err != nil {
		return nil, fmt.Errorf("idempotency lookup: %w", err)
	}
	if raw == nil {
		return nil, nil
	}

	var stored StoredResponse
	if err := json.Unmarshal(raw, &stored); err != nil {
		// Unreadable entries are dropped and the request evaluated afresh.
		_ = s.cache.Delete(ctx, idempotencyKey(key))
		return nil, nil
	}
	if stored.RequestHash != requestHash {
		return nil, ErrKeyReused
	}
	return &stored, nil
}

// Store keeps a response for replay.
func (s *IdempotencyStore) Store(ctx context.Context, key string, resp *StoredResponse) error {
	if resp.StoredAt.IsZero() {
		resp.StoredAt = time.Now().UTC()
	}
	raw, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return s.cache.Set(ctx, idempotencyKey(key), raw, s.ttl)
}
