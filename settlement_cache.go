package x402

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"
)

// SettlementCache makes Settle idempotent. A signed payment hashes to a
// stable key (the payload covers the signature and nonce), so a client
// retrying after a timeout reuses the original settlement instead of
// submitting the transfer twice. In-flight settlements are tracked so a
// concurrent retry waits for the first attempt rather than racing it.
type SettlementCache struct {
	mu       sync.Mutex
	results  map[string]*SettleResponse
	expiry   map[string]time.Time
	inFlight map[string]chan struct{}
	ttl      time.Duration
}

// DefaultSettlementTTL is how long a settled result is remembered.
const DefaultSettlementTTL = 10 * time.Minute

// NewSettlementCache creates a settlement cache with the given TTL.
func NewSettlementCache(ttl time.Duration) *SettlementCache {
	if ttl <= 0 {
		ttl = DefaultSettlementTTL
	}
	return &SettlementCache{
		results:  make(map[string]*SettleResponse),
		expiry:   make(map[string]time.Time),
		inFlight: make(map[string]chan struct{}),
		ttl:      ttl,
	}
}

// SettlementKey derives the cache key for a payment payload.
func SettlementKey(payload *PaymentPayload) (string, error) {
	buf, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(buf)
	return hex.EncodeToString(sum[:]), nil
}

// SettlementStatus is the outcome of a cache lookup.
type SettlementStatus int

const (
	// StatusNotFound means the caller should settle; the key is now marked
	// in-flight.
	StatusNotFound SettlementStatus = iota
	// StatusCached means a previous settlement result was returned.
	StatusCached
	// StatusInFlight means another settlement for this key is running.
	StatusInFlight
)

// CheckAndMark atomically looks up the key and, when absent, marks it
// in-flight. The returned channel is the done channel to pass to Complete
// or Fail (StatusNotFound), or the channel to wait on (StatusInFlight).
func (c *SettlementCache) CheckAndMark(key string) (SettlementStatus, *SettleResponse, chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if expiry, ok := c.expiry[key]; ok {
		if time.Now().Before(expiry) {
			if result, ok := c.results[key]; ok {
				return StatusCached, result, nil
			}
		}
		delete(c.results, key)
		delete(c.expiry, key)
	}

	if done, ok := c.inFlight[key]; ok {
		return StatusInFlight, nil, done
	}

	done := make(chan struct{})
	c.inFlight[key] = done
	return StatusNotFound, nil, done
}

// WaitForResult blocks until the in-flight settlement finishes or the
// context is cancelled. A nil result means the original attempt failed and
// the caller may retry.
func (c *SettlementCache) WaitForResult(ctx context.Context, key string, done chan struct{}) (*SettleResponse, error) {
	select {
	case <-done:
		return c.Get(key), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Get returns the cached result for a key, or nil.
func (c *SettlementCache) Get(key string) *SettleResponse {
	c.mu.Lock()
	defer c.mu.Unlock()

	expiry, ok := c.expiry[key]
	if !ok {
		return nil
	}
	if time.Now().After(expiry) {
		delete(c.results, key)
		delete(c.expiry, key)
		return nil
	}
	return c.results[key]
}

// Complete records a settlement result and releases waiters.
func (c *SettlementCache) Complete(key string, response *SettleResponse, done chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.results[key] = response
	c.expiry[key] = time.Now().Add(c.ttl)
	delete(c.inFlight, key)
	close(done)

	now := time.Now()
	for k, exp := range c.expiry {
		if now.After(exp) {
			delete(c.results, k)
			delete(c.expiry, k)
		}
	}
}

// Fail releases the in-flight marker without caching, so the settlement can
// be retried.
func (c *SettlementCache) Fail(key string, done chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.inFlight, key)
	close(done)
}
