package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var (
	// ErrRunInProgress is returned when another run holds the lease.
	ErrRunInProgress = errors.New("run already in progress")
	// ErrLeaseLost means the lease expired or was taken over while held.
	ErrLeaseLost = errors.New("run lease lost")
)

// Lease is a held run lock.
type Lease interface {
	// Extend resets the lease lifetime to ttl. It returns ErrLeaseLost if
	// the lease is no longer ours.
	Extend(ctx context.Context, ttl time.Duration) error
	Release(ctx context.Context) error
}

// Locker grants at most one active run per key.
type Locker interface {
	// Acquire returns ErrRunInProgress if the key is held.
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}

// LocalLocker guards runs within one process.
type LocalLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

// NewLocalLocker creates an in-process locker
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[string]bool)}
}

// Acquire takes key. ttl is ignored; the lease lives until released.
func (l *LocalLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return nil, ErrRunInProgress
	}
	l.held[key] = true
	return &localLease{locker: l, key: key}, nil
}

type localLease struct {
	locker *LocalLocker
	key    string
	once   sync.Once
}

func (l *localLease) Extend(ctx context.Context, ttl time.Duration) error {
	return nil
}

func (l *localLease) Release(ctx context.Context) error {
	l.once.Do(func() {
		l.locker.mu.Lock()
		delete(l.locker.held, l.key)
		l.locker.mu.Unlock()
	})
	return nil
}

// releaseScript deletes the key only if it still holds our token, so an
// expired lease never frees a lock another run has since taken.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// extendScript resets the TTL only while the key still holds our token.
var extendScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLocker guards runs across processes with SET NX PX.
type RedisLocker struct {
	client redis.Cmdable
	logger *zap.Logger
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Addr     string // Redis server address (host:port)
	Password string // Redis password (optional)
	DB       int    // Redis database number
}

// NewRedisLocker connects to Redis and verifies it with a ping.
func NewRedisLocker(ctx context.Context, cfg RedisConfig, logger *zap.Logger) (*RedisLocker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	logger.Info("connected to Redis run lock",
		zap.String("addr", cfg.Addr),
		zap.Int("db", cfg.DB))

	return &RedisLocker{client: client, logger: logger}, nil
}

// Acquire sets key to a fresh token if it is unset.
func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire run lock %s: %w", key, err)
	}
	if !ok {
		return nil, ErrRunInProgress
	}
	return &redisLease{client: l.client, key: key, token: token, logger: l.logger}, nil
}

// Close closes the Redis connection if the locker owns one.
func (l *RedisLocker) Close() error {
	if c, ok := l.client.(*redis.Client); ok {
		return c.Close()
	}
	return nil
}

type redisLease struct {
	client redis.Cmdable
	key    string
	token  string
	logger *zap.Logger
}

func (l *redisLease) Extend(ctx context.Context, ttl time.Duration) error {
	n, err := extendScript.Run(ctx, l.client, []string{l.key}, l.token, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("extend run lock %s: %w", l.key, err)
	}
	if n == 0 {
		return fmt.Errorf("extend run lock %s: %w", l.key, ErrLeaseLost)
	}
	return nil
}

func (l *redisLease) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Int()
	if err != nil {
		return fmt.Errorf("release run lock %s: %w", l.key, err)
	}
	if n == 0 {
		l.logger.Warn("run lock expired before release", zap.String("key", l.key))
	}
	return nil
}
