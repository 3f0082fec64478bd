// Package redislock provides an ftpfs.LockFactory whose locks live in
// Redis, so that processes on different hosts exclude each other.
//
// A lock is a key set with NX and an expiry. Its value is a random token
// owned by the handle that set it; Unlock only deletes the key while it
// still holds that token. A held lock is refreshed in the background so
// long transfers do not outlive it.
package redislock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/gonzalop/ftpfs"
)

const (
	// DefaultTTL is how long a lock survives its holder.
	DefaultTTL = 30 * time.Second

	// DefaultPollInterval is how often a blocking Lock retries.
	DefaultPollInterval = 100 * time.Millisecond

	// DefaultPrefix is prepended to every key.
	DefaultPrefix = "ftpfs:lock:"
)

var (
	unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

	refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

// Factory creates Redis-backed locks.
type Factory struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
	poll   time.Duration
}

var _ ftpfs.LockFactory = (*Factory)(nil)

// Option configures a Factory.
type Option func(*Factory)

// WithPrefix sets the key prefix. Factories sharing a prefix share locks.
func WithPrefix(prefix string) Option {
	return func(f *Factory) {
		f.prefix = prefix
	}
}

// WithTTL sets how long a lock outlives a holder that stopped refreshing
// it, for example because its process died.
func WithTTL(ttl time.Duration) Option {
	return func(f *Factory) {
		if ttl > 0 {
			f.ttl = ttl
		}
	}
}

// WithPollInterval sets how often Lock retries while waiting.
func WithPollInterval(d time.Duration) Option {
	return func(f *Factory) {
		if d > 0 {
			f.poll = d
		}
	}
}

// New returns a Factory using rdb.
func New(rdb redis.UniversalClient, opts ...Option) *Factory {
	f := &Factory{
		rdb:    rdb,
		prefix: DefaultPrefix,
		ttl:    DefaultTTL,
		poll:   DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// NewLock returns an unlocked handle for key.
func (f *Factory) NewLock(key string) ftpfs.Lock {
	return &lock{factory: f, key: f.prefix + key}
}

type lock struct {
	factory *Factory
	key     string

	mu    sync.Mutex
	token string
	stop  chan struct{}
	done  chan struct{}
}

func (l *lock) TryLock(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.token != "" {
		return false, nil
	}

	token := uuid.NewString()
	ok, err := l.factory.rdb.SetNX(ctx, l.key, token, l.factory.ttl).Result()
	if err != nil {
		return false, errors.Wrapf(err, "redislock: acquire %s", l.key)
	}
	if !ok {
		return false, nil
	}
	l.token = token
	l.stop = make(chan struct{})
	l.done = make(chan struct{})
	go l.refresh(token, l.stop, l.done)
	return true, nil
}

func (l *lock) Lock(ctx context.Context) error {
	l.mu.Lock()
	held := l.token != ""
	l.mu.Unlock()
	if held {
		return errors.Errorf("redislock: %s already held by this handle", l.key)
	}

	ticker := time.NewTicker(l.factory.poll)
	defer ticker.Stop()
	for {
		ok, err := l.TryLock(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (l *lock) Unlock(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.token == "" {
		return ftpfs.ErrLockNotHeld
	}

	close(l.stop)
	<-l.done
	token := l.token
	l.token = ""

	n, err := unlockScript.Run(ctx, l.factory.rdb, []string{l.key}, token).Int()
	if err != nil {
		return errors.Wrapf(err, "redislock: release %s", l.key)
	}
	if n == 0 {
		// expired and possibly taken by someone else
		return ftpfs.ErrLockNotHeld
	}
	return nil
}

// refresh extends the key's expiry every third of the TTL until stop is
// closed or the key no longer holds token.
func (l *lock) refresh(token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ttl := l.factory.ttl
	ticker := time.NewTicker(ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), ttl/3)
			n, err := refreshScript.Run(ctx, l.factory.rdb, []string{l.key}, token, ttl.Milliseconds()).Int()
			cancel()
			if err == nil && n == 0 {
				return
			}
		}
	}
}
