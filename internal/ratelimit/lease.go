package ratelimit

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	redis "github.com/redis/go-redis/v9"
)

var (
	// ErrLockHeld means another worker owns the key.
	ErrLockHeld = errors.New("lock_held")
	// ErrLeaseLost means the lease expired or was taken over before release.
	ErrLeaseLost = errors.New("lease_lost")

	errNoClient = errors.New("redis client not configured")
)

// Releases and extensions only touch the key while it still carries our token.
var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) ~= ARGV[1] then
  return 0
end
return redis.call("DEL", KEYS[1])
`)
	extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) ~= ARGV[1] then
  return 0
end
return redis.call("PEXPIRE", KEYS[1], ARGV[2])
`)
)

// Lease is an owned Redis key. The token is a ULID so leases sort by acquisition.
type Lease struct {
	Key       string
	Token     string
	ExpiresAt time.Time
}

type Locker struct {
	client *redis.Client
	now    func() time.Time

	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

func NewLocker(client *redis.Client) *Locker {
	if client == nil {
		return nil
	}
	return &Locker{
		client:  client,
		now:     time.Now,
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
}

func (l *Locker) newToken() (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	id, err := ulid.New(ulid.Timestamp(l.now()), l.entropy)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// Acquire sets key for ttl when nobody holds it. A held key returns ErrLockHeld.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	if l == nil || l.client == nil {
		return nil, errNoClient
	}
	if key == "" {
		return nil, errors.New("lock key is empty")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("lock ttl must be positive, got %s", ttl)
	}

	token, err := l.newToken()
	if err != nil {
		return nil, fmt.Errorf("lock token: %w", err)
	}
	acquired, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, err
	}
	if !acquired {
		return nil, ErrLockHeld
	}
	return &Lease{Key: key, Token: token, ExpiresAt: l.now().Add(ttl)}, nil
}

// Extend pushes the lease expiry out by ttl from now.
func (l *Locker) Extend(ctx context.Context, lease *Lease, ttl time.Duration) error {
	if l == nil || l.client == nil {
		return errNoClient
	}
	if lease == nil || ttl <= 0 {
		return errors.New("invalid lease extension")
	}
	n, err := extendScript.Run(ctx, l.client, []string{lease.Key}, lease.Token, ttl.Milliseconds()).Int64()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLeaseLost
	}
	lease.ExpiresAt = l.now().Add(ttl)
	return nil
}

// Release drops the key if the lease still owns it.
func (l *Locker) Release(ctx context.Context, lease *Lease) error {
	if l == nil || l.client == nil || lease == nil {
		return nil
	}
	n, err := releaseScript.Run(ctx, l.client, []string{lease.Key}, lease.Token).Int64()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}
