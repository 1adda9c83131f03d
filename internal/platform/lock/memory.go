package lock

import (
	"context"
	"errors"
	"sync"
	"time"
)

// MemoryLocker is a process-local locker for single-replica deployments and tests.
type MemoryLocker struct {
	mu     sync.Mutex
	leases map[string]lease
	seq    uint64
	now    func() time.Time
}

type lease struct {
	id        uint64
	expiresAt time.Time
}

// NewMemoryLocker returns an empty in-process locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{leases: map[string]lease{}, now: time.Now}
}

func (l *MemoryLocker) TryLock(_ context.Context, key string, ttl time.Duration) (func(context.Context) error, bool, error) {
	if key == "" || ttl <= 0 {
		return nil, false, errors.New("memory locker: key and positive ttl are required")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if current, ok := l.leases[key]; ok && now.Before(current.expiresAt) {
		return nil, false, nil
	}
	l.seq++
	id := l.seq
	l.leases[key] = lease{id: id, expiresAt: now.Add(ttl)}
	return func(context.Context) error {
		l.mu.Lock()
		defer l.mu.Unlock()
		if current, ok := l.leases[key]; ok && current.id == id {
			delete(l.leases, key)
		}
		return nil
	}, true, nil
}

// Ping always succeeds.
func (l *MemoryLocker) Ping(context.Context) error { return nil }
