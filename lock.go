package ftpfs

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ErrLockNotHeld is returned by Unlock when the caller does not own the lock.
var ErrLockNotHeld = errors.New("ftpfs: lock not held")

// Lock is an advisory lock. It only excludes other users of the same
// LockFactory; the server knows nothing about it.
type Lock interface {
	// TryLock acquires the lock if it is free and reports whether it did.
	TryLock(ctx context.Context) (bool, error)

	// Lock blocks until the lock is acquired or ctx is done.
	Lock(ctx context.Context) error

	Unlock(ctx context.Context) error
}

// LockFactory hands out locks by key. Two locks with the same key exclude
// each other.
type LockFactory interface {
	NewLock(key string) Lock
}

// memoryLocks is the default in-process LockFactory.
type memoryLocks struct {
	mu    sync.Mutex
	slots map[string]*memorySlot
}

type memorySlot struct {
	ch   chan struct{}
	refs int
}

// NewMemoryLockFactory returns a LockFactory whose locks are shared by all
// FileSystems of this process that use it.
func NewMemoryLockFactory() LockFactory {
	return &memoryLocks{slots: make(map[string]*memorySlot)}
}

func (m *memoryLocks) NewLock(key string) Lock {
	return &memoryLock{factory: m, key: key}
}

// acquireSlot returns the slot for key, creating it on first use. Slots
// are reference counted so idle keys do not accumulate.
func (m *memoryLocks) acquireSlot(key string) *memorySlot {
	m.mu.Lock()
	defer m.mu.Unlock()
	slot, ok := m.slots[key]
	if !ok {
		slot = &memorySlot{ch: make(chan struct{}, 1)}
		m.slots[key] = slot
	}
	slot.refs++
	return slot
}

func (m *memoryLocks) releaseSlot(key string, slot *memorySlot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	slot.refs--
	if slot.refs == 0 {
		delete(m.slots, key)
	}
}

type memoryLock struct {
	factory *memoryLocks
	key     string

	mu   sync.Mutex
	slot *memorySlot
}

func (l *memoryLock) TryLock(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.slot != nil {
		return false, nil
	}

	slot := l.factory.acquireSlot(l.key)
	select {
	case slot.ch <- struct{}{}:
		l.slot = slot
		return true, nil
	default:
		l.factory.releaseSlot(l.key, slot)
		return false, nil
	}
}

func (l *memoryLock) Lock(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.slot != nil {
		return errors.Errorf("ftpfs: lock %q already held by this handle", l.key)
	}

	slot := l.factory.acquireSlot(l.key)
	select {
	case slot.ch <- struct{}{}:
		l.slot = slot
		return nil
	case <-ctx.Done():
		l.factory.releaseSlot(l.key, slot)
		return ctx.Err()
	}
}

func (l *memoryLock) Unlock(context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.slot == nil {
		return ErrLockNotHeld
	}
	<-l.slot.ch
	l.factory.releaseSlot(l.key, l.slot)
	l.slot = nil
	return nil
}

// lockKey names the lock for path on the server fs talks to, so that
// FileSystems with different base directories share locks.
func (fs *FileSystem) lockKey(kind, p string) string {
	return kind + ":" + fs.cfg.Identity + p
}

// acquireFileLock takes the keyed lock for p, trying up to LockAttempts
// times, and returns the function that releases it.
func (fs *FileSystem) acquireFileLock(ctx context.Context, op, p string) (func(), error) {
	lock := fs.locks.NewLock(fs.lockKey("file", p))

	attempts := max(fs.cfg.LockAttempts, 1)
	for attempt := 1; ; attempt++ {
		ok, err := lock.TryLock(ctx)
		if err != nil {
			return nil, errors.Wrapf(err, "lock %s", p)
		}
		if ok {
			break
		}
		if attempt >= attempts {
			return nil, newError(Locked, op, p,
				"could not acquire lock after %d attempt(s): held by another caller", attempt)
		}
		if err := sleepCtx(ctx, fs.cfg.LockRetryInterval); err != nil {
			return nil, err
		}
	}

	return func() {
		// Unlock with a fresh context so a cancelled caller still releases.
		if err := lock.Unlock(context.Background()); err != nil {
			fs.logger.Warn("failed to release lock", zap.String("path", p), zap.Error(err))
		}
	}, nil
}

// withNamedLock runs fn while holding the named lock, waiting for it as
// long as ctx allows.
func (fs *FileSystem) withNamedLock(ctx context.Context, name string, fn func() error) error {
	lock := fs.locks.NewLock(name)
	if err := lock.Lock(ctx); err != nil {
		return errors.Wrapf(err, "acquire %s", name)
	}
	defer func() {
		if err := lock.Unlock(context.Background()); err != nil {
			fs.logger.Warn("failed to release lock", zap.String("lock", name), zap.Error(err))
		}
	}()
	return fn()
}

// sleepCtx sleeps for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
