package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only while it still holds our token, so an expired lease
// re-acquired by another replica is never released by the previous holder.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker grants short leases with SET NX PX.
type RedisLocker struct {
	client redis.UniversalClient
	token  func() (string, error)
}

// NewRedisLocker wraps an existing client. The caller owns the client lifecycle.
func NewRedisLocker(client redis.UniversalClient) (*RedisLocker, error) {
	if client == nil {
		return nil, errors.New("redis locker: client is required")
	}
	return &RedisLocker{client: client, token: randomToken}, nil
}

// TryLock attempts to take key for ttl. It does not block when the key is held.
func (l *RedisLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, false, errors.New("redis locker: key is required")
	}
	if ttl <= 0 {
		return nil, false, errors.New("redis locker: ttl must be positive")
	}
	token, err := l.token()
	if err != nil {
		return nil, false, fmt.Errorf("redis locker: token: %w", err)
	}
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("redis locker: acquire %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}
	release := func(ctx context.Context) error {
		if err := releaseScript.Run(ctx, l.client, []string{key}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("redis locker: release %s: %w", key, err)
		}
		return nil
	}
	return release, true, nil
}

// Ping reports whether the lock store is reachable. Used as a health probe.
func (l *RedisLocker) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

func randomToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
