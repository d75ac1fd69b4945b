// Package userlock serializes work per user. The in-process Local locker
// fits a single replica; Redis extends the guarantee across replicas.
package userlock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Defaults for the Redis locker.
const (
	DefaultTTL       = 2 * time.Minute
	DefaultRetry     = 50 * time.Millisecond
	DefaultKeyPrefix = "pacemate:lock:"
)

// Locker acquires an exclusive lock for a key. The returned func releases it.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

type entry struct {
	ch   chan struct{}
	refs int
}

// Local is a keyed mutex. Entries are dropped once no goroutine holds or
// waits for them.
type Local struct {
	mu    sync.Mutex
	locks map[string]*entry
}

// NewLocal creates a Local locker.
func NewLocal() *Local {
	return &Local{locks: make(map[string]*entry)}
}

// Lock blocks until key is free or ctx is done.
func (l *Local) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	e, ok := l.locks[key]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		l.locks[key] = e
	}
	e.refs++
	l.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(key, e, false)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() { once.Do(func() { l.release(key, e, true) }) }, nil
}

func (l *Local) release(key string, e *entry, held bool) {
	if held {
		<-e.ch
	}
	l.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(l.locks, key)
	}
	l.mu.Unlock()
}

// size reports the number of live entries.
func (l *Local) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

// releaseScript deletes the key only when it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisClient is the subset of go-redis the locker uses.
type RedisClient interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	redis.Scripter
}

// RedisOpts holds configuration for the Redis locker.
type RedisOpts struct {
	TTL       time.Duration
	Retry     time.Duration
	KeyPrefix string
}

// RedisOption configures the Redis locker.
type RedisOption func(*RedisOpts)

// WithTTL bounds how long a crashed holder blocks the key.
func WithTTL(ttl time.Duration) RedisOption {
	return func(o *RedisOpts) { o.TTL = ttl }
}

// WithRetry sets the polling interval while waiting.
func WithRetry(d time.Duration) RedisOption {
	return func(o *RedisOpts) { o.Retry = d }
}

// WithKeyPrefix namespaces lock keys.
func WithKeyPrefix(p string) RedisOption {
	return func(o *RedisOpts) { o.KeyPrefix = p }
}

// Redis is a SET NX PX lock with compare-and-delete release.
type Redis struct {
	client RedisClient
	opts   RedisOpts
}

// NewRedis creates a Redis locker on client.
func NewRedis(client RedisClient, opts ...RedisOption) *Redis {
	cfg := RedisOpts{TTL: DefaultTTL, Retry: DefaultRetry, KeyPrefix: DefaultKeyPrefix}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Redis{client: client, opts: cfg}
}

// NewRedisFromURL parses a redis:// URL and pings the server.
func NewRedisFromURL(ctx context.Context, url string, opts ...RedisOption) (*Redis, *redis.Client, error) {
	o, err := redis.ParseURL(url)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(o)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return NewRedis(client, opts...), client, nil
}

// Lock polls SET NX until acquired or ctx is done.
func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	k := r.opts.KeyPrefix + key
	token := uuid.NewString()
	for {
		ok, err := r.client.SetNX(ctx, k, token, r.opts.TTL).Result()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("redis lock %s: %w", k, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(r.opts.Retry):
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// The turn's context may already be cancelled; release on a fresh one.
			relCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			err := releaseScript.Run(relCtx, r.client, []string{k}, token).Err()
			if err != nil && !errors.Is(err, redis.Nil) {
				slog.Warn("Redis.Lock: release failed, key expires by TTL", "key", k, "error", err)
			}
		})
	}, nil
}
