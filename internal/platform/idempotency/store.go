// Package idempotency replays the stored response of a mutating request when a client retries it
// with the same Idempotency-Key.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"sync"
	"time"
)

// DefaultTTL is how long a completed response stays replayable.
const DefaultTTL = 24 * time.Hour

// Outcome is the result of claiming a key.
type Outcome int

const (
	// OutcomeClaimed means the caller owns the key and must run the request.
	OutcomeClaimed Outcome = iota
	// OutcomeReplay means a completed response is available.
	OutcomeReplay
	// OutcomeInFlight means another request holds the key.
	OutcomeInFlight
)

// ErrFingerprintMismatch is returned when a key is reused for a different request.
var ErrFingerprintMismatch = errors.New("idempotency: key already used for a different request")

// Response is a captured HTTP response.
type Response struct {
	Status  int
	Headers http.Header
	Body    []byte
}

// Store persists claims and completed responses. Keys are already scoped to the caller.
type Store interface {
	Claim(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Outcome, Response, error)
	Complete(ctx context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error
	Release(ctx context.Context, key string) error
	DeleteExpired(ctx context.Context, now time.Time, limit int) (int, error)
}

// entry is the storage-agnostic view of one key.
type entry struct {
	Fingerprint string
	Completed   bool
	Response    Response
	ExpiresAt   time.Time
}

// decide applies the claim rules to an existing entry. ok is false when the key is free to claim.
func decide(existing entry, found bool, fingerprint string, now time.Time) (Outcome, Response, bool, error) {
	if !found || !now.Before(existing.ExpiresAt) {
		return OutcomeClaimed, Response{}, false, nil
	}
	if existing.Fingerprint != fingerprint {
		return 0, Response{}, true, ErrFingerprintMismatch
	}
	if existing.Completed {
		return OutcomeReplay, existing.Response, true, nil
	}
	return OutcomeInFlight, Response{}, true, nil
}

func documentID(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

var hopByHop = map[string]struct{}{
	"Connection": {}, "Content-Length": {}, "Date": {}, "Keep-Alive": {},
	"Transfer-Encoding": {}, "Upgrade": {}, "Trailer": {}, "Te": {},
}

func storableHeaders(h http.Header) map[string][]string {
	out := make(map[string][]string, len(h))
	for name, values := range h {
		name = http.CanonicalHeaderKey(name)
		if _, skip := hopByHop[name]; skip {
			continue
		}
		out[name] = append([]string(nil), values...)
	}
	return out
}

// MemoryStore keeps records in process. It backs tests and single-instance development.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]entry
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]entry)}
}

func (s *MemoryStore) Claim(_ context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Outcome, Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, found := s.entries[key]
	outcome, resp, held, err := decide(existing, found, fingerprint, now)
	if err != nil || held {
		return outcome, resp, err
	}
	s.entries[key] = entry{Fingerprint: fingerprint, ExpiresAt: now.Add(ttl)}
	return OutcomeClaimed, Response{}, nil
}

func (s *MemoryStore) Complete(_ context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.entries[key]; ok && existing.Fingerprint != fingerprint {
		return ErrFingerprintMismatch
	}
	s.entries[key] = entry{
		Fingerprint: fingerprint,
		Completed:   true,
		Response:    Response{Status: resp.Status, Headers: storableHeaders(resp.Headers), Body: append([]byte(nil), resp.Body...)},
		ExpiresAt:   now.Add(ttl),
	}
	return nil
}

func (s *MemoryStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

func (s *MemoryStore) DeleteExpired(_ context.Context, now time.Time, limit int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for key, e := range s.entries {
		if limit > 0 && removed >= limit {
			break
		}
		if !now.Before(e.ExpiresAt) {
			delete(s.entries, key)
			removed++
		}
	}
	return removed, nil
}
