package scheduler

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Lock kinds accepted by NewLock.
const (
	LockLocal = "local"
	LockRedis = "redis"
)

// LeaderLock elects the instance allowed to run a job for one tick.
type LeaderLock interface {
	// Acquire takes the lock for ttl. It reports false when another holder owns it.
	Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error)
	// Release gives the lock up early if this holder still owns it.
	Release(ctx context.Context, name string) error
}

// NewLock builds the lock of the given kind. The redis lock needs redisURL;
// there is no default kind.
func NewLock(kind, redisURL string, logger *zap.Logger) (LeaderLock, error) {
	switch kind {
	case LockRedis:
		if redisURL == "" {
			return nil, fmt.Errorf("redis lock requires a redis URL")
		}
		opts, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis URL: %w", err)
		}
		return NewRedisLock(redis.NewClient(opts), "authz:lock:")
	case LockLocal:
		return NewLocalLock(logger), nil
	default:
		return nil, fmt.Errorf("unknown lock kind %q", kind)
	}
}

// LocalLock only excludes jobs within this process. Every instance of a
// multi-instance deployment runs its own jobs.
type LocalLock struct {
	lock    sync.Mutex
	holders map[string]time.Time
	now     func() time.Time
}

// NewLocalLock creates a process-local lock
func NewLocalLock(logger *zap.Logger) *LocalLock {
	logger.Warn("Using a local scheduler lock: every instance runs the scheduled jobs, use the redis lock when running more than one instance")
	return &LocalLock{holders: map[string]time.Time{}, now: time.Now}
}

func (l *LocalLock) Acquire(_ context.Context, name string, ttl time.Duration) (bool, error) {
	l.lock.Lock()
	defer l.lock.Unlock()

	now := l.now()
	if expiry, ok := l.holders[name]; ok && now.Before(expiry) {
		return false, nil
	}
	l.holders[name] = now.Add(ttl)
	return true, nil
}

func (l *LocalLock) Release(_ context.Context, name string) error {
	l.lock.Lock()
	defer l.lock.Unlock()
	delete(l.holders, name)
	return nil
}

// releaseScript deletes the lock only when it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisLock is a lease shared by every instance using the same redis.
type RedisLock struct {
	client redis.UniversalClient
	prefix string
	token  string
}

// NewRedisLock creates a lock on client. Keys are namespaced with prefix.
func NewRedisLock(client redis.UniversalClient, prefix string) (*RedisLock, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("failed to generate lock token: %w", err)
	}
	return &RedisLock{client: client, prefix: prefix, token: hex.EncodeToString(buf)}, nil
}

func (l *RedisLock) Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.prefix+name, l.token, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock %s: %w", name, err)
	}
	return ok, nil
}

func (l *RedisLock) Release(ctx context.Context, name string) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.prefix + name}, l.token).Err(); err != nil {
		return fmt.Errorf("failed to release lock %s: %w", name, err)
	}
	return nil
}

// Close closes the redis client.
func (l *RedisLock) Close() error {
	return l.client.Close()
}
