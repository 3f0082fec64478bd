package ftpfs

import (
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Config is the per-FileSystem configuration.
type Config struct {
	// BaseDir anchors relative paths. Defaults to "/".
	BaseDir string

	// TimeBetweenSizeCheck enables the read stability check when positive.
	TimeBetweenSizeCheck time.Duration

	// LockAttempts is how many times a file lock is tried before Locked is
	// returned. Defaults to 1.
	LockAttempts int

	// LockRetryInterval is the pause between lock attempts.
	LockRetryInterval time.Duration

	// MaxConnections bounds the pool. Defaults to 4.
	MaxConnections int

	// IdleTimeout is how long a pooled connection may sit unused before it
	// must answer NOOP to be reused. Defaults to 30s; 0 checks every reuse.
	IdleTimeout time.Duration

	// Identity names the server, "user@host:port". Moves between
	// FileSystems with the same Identity are renames, and locks are keyed
	// by it.
	Identity string
}

// Option is a functional option for configuring a FileSystem.
type Option func(*FileSystem) error

// WithBaseDir sets the directory relative paths are resolved against.
func WithBaseDir(dir string) Option {
	return func(fs *FileSystem) error {
		if isBlank(dir) {
			return errors.New("base directory must not be blank")
		}
		fs.cfg.BaseDir = Resolve("/", dir)
		return nil
	}
}

// WithTimeBetweenSizeCheck enables the read stability check: before a read,
// the file's size is sampled d apart until two samples agree.
func WithTimeBetweenSizeCheck(d time.Duration) Option {
	return func(fs *FileSystem) error {
		if d < 0 {
			return errors.Errorf("time between size checks must not be negative: %s", d)
		}
		fs.cfg.TimeBetweenSizeCheck = d
		return nil
	}
}

// WithLockFactory sets where advisory locks live. The default is an
// in-process factory private to this FileSystem.
func WithLockFactory(f LockFactory) Option {
	return func(fs *FileSystem) error {
		if f == nil {
			return errors.New("lock factory must not be nil")
		}
		fs.locks = f
		return nil
	}
}

// WithLockAttempts makes file locks retry n times, interval apart, before
// giving up with Locked.
func WithLockAttempts(n int, interval time.Duration) Option {
	return func(fs *FileSystem) error {
		if n < 1 {
			return errors.Errorf("lock attempts must be at least 1, got %d", n)
		}
		fs.cfg.LockAttempts = n
		fs.cfg.LockRetryInterval = interval
		return nil
	}
}

// WithMaxConnections bounds the number of open connections. Copy and move
// hold two at once, so n must be at least 2.
func WithMaxConnections(n int) Option {
	return func(fs *FileSystem) error {
		if n < 2 {
			return errors.Errorf("max connections must be at least 2, got %d", n)
		}
		fs.cfg.MaxConnections = n
		return nil
	}
}

// WithIdleTimeout sets how long a pooled connection may stay unused before
// it is checked with NOOP. Connections the server has dropped are then
// replaced instead of failing the next operation.
func WithIdleTimeout(d time.Duration) Option {
	return func(fs *FileSystem) error {
		if d < 0 {
			return errors.Errorf("idle timeout must not be negative: %s", d)
		}
		fs.cfg.IdleTimeout = d
		return nil
	}
}

// WithIdentity names the server the dialer connects to.
func WithIdentity(identity string) Option {
	return func(fs *FileSystem) error {
		fs.cfg.Identity = identity
		return nil
	}
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *zap.Logger) Option {
	return func(fs *FileSystem) error {
		if logger == nil {
			return errors.New("logger must not be nil")
		}
		fs.logger = logger
		return nil
	}
}

// WithMetricsCollector sets a metrics collector.
func WithMetricsCollector(m MetricsCollector) Option {
	return func(fs *FileSystem) error {
		fs.metrics = m
		return nil
	}
}
