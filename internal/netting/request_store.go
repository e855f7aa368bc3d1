package netting

import (
	"errors"
	"sync"

	"github.com/shopspring/decimal"
)

// ErrIndexOutOfRange means a bucket was accessed with a stale or
// invalid index. Unreachable under correct bucket-lifetime discipline;
// callers treat it as fatal, never retried.
var ErrIndexOutOfRange = errors.New("netting: request index out of range")

// bucket holds one leg's pending requests. Entries are appended during
// the queue phase and walked in insertion order during the batch phase.
// Fully netted entries are marked absent rather than compacted, so
// indices stay stable for the rest of the pass.
type bucket struct {
	mu      sync.Mutex
	entries []TradeRequest
	live    []bool
}

// RequestStore maps bucket keys to their pending request buckets.
type RequestStore struct {
	mu      sync.RWMutex
	buckets map[BucketKey]*bucket
}

// NewRequestStore creates an empty store.
func NewRequestStore() *RequestStore {
	return &RequestStore{buckets: make(map[BucketKey]*bucket)}
}

func (s *RequestStore) bucketFor(key BucketKey) *bucket {
	s.mu.RLock()
	b, ok := s.buckets[key]
	s.mu.RUnlock()
	if ok {
		return b
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok = s.buckets[key]; ok {
		return b
	}
	b = &bucket{}
	s.buckets[key] = b
	return b
}

// Push appends a request and returns its stable index within the bucket.
func (s *RequestStore) Push(key BucketKey, req TradeRequest) int {
	b := s.bucketFor(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = append(b.entries, req)
	b.live = append(b.live, true)
	return len(b.entries) - 1
}

// Get returns the request at index.
func (s *RequestStore) Get(key BucketKey, index int) (TradeRequest, error) {
	b := s.bucketFor(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	if index < 0 || index >= len(b.entries) {
		return TradeRequest{}, ErrIndexOutOfRange
	}
	return b.entries[index], nil
}

// AmendAmountIn replaces the request's amount in, preserving all other
// fields. Used exactly once per request, to record the residual after a
// partial net.
func (s *RequestStore) AmendAmountIn(key BucketKey, index int, newAmountIn decimal.Decimal) error {
	b := s.bucketFor(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	if index < 0 || index >= len(b.entries) {
		return ErrIndexOutOfRange
	}
	b.entries[index].AmountIn = newAmountIn
	return nil
}

// Consume marks the request at index as fully settled. The index stays
// valid; Exists reports false for it afterwards.
func (s *RequestStore) Consume(key BucketKey, index int) error {
	b := s.bucketFor(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	if index < 0 || index >= len(b.live) {
		return ErrIndexOutOfRange
	}
	b.live[index] = false
	return nil
}

// Exists reports whether the entry at index is still live.
func (s *RequestStore) Exists(key BucketKey, index int) bool {
	b := s.bucketFor(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	return index >= 0 && index < len(b.live) && b.live[index]
}

// Len returns the number of entries ever pushed this batch, live or not.
func (s *RequestStore) Len(key BucketKey) int {
	b := s.bucketFor(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Clear drops all entries for the key. Idempotent.
func (s *RequestStore) Clear(key BucketKey) {
	b := s.bucketFor(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = nil
	b.live = nil
}
