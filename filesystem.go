package ftpfs

import (
	"context"
	"io"
	"path"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// FileSystem is a remote directory tree reached over pooled FTP connections.
// It is safe for concurrent use; every call takes its own connection.
type FileSystem struct {
	cfg     Config
	pool    *pool
	locks   LockFactory
	logger  *zap.Logger
	metrics MetricsCollector
}

// ListOptions controls List.
type ListOptions struct {
	// Recursive descends into subdirectories.
	Recursive bool

	// Filter selects the returned entries. Directories are descended
	// whether or not they pass. nil accepts everything.
	Filter func(*FileAttributes) bool
}

// WriteOptions controls Write.
type WriteOptions struct {
	Mode WriteMode

	// Lock holds the file's advisory lock for the whole write.
	Lock bool

	// CreateParentDirectories creates a missing parent instead of failing
	// with IllegalPath.
	CreateParentDirectories bool
}

// ReadOptions controls Read.
type ReadOptions struct {
	// Lock holds the file's advisory lock until the stream is closed.
	Lock bool
}

// CopyOptions controls Copy and Move.
type CopyOptions struct {
	// Overwrite replaces existing targets.
	Overwrite bool

	// CreateParentDirectories creates the target's missing parent.
	CreateParentDirectories bool

	// RenameTo names the copy when the target is an existing directory.
	// It must not contain a separator.
	RenameTo string

	// Destination is the FileSystem the target path belongs to. nil means
	// the source FileSystem.
	Destination *FileSystem
}

// New returns a FileSystem whose connections are opened by dial.
func New(dial Dialer, opts ...Option) (*FileSystem, error) {
	if dial == nil {
		return nil, errors.New("ftpfs: dialer must not be nil")
	}

	fs := &FileSystem{
		cfg: Config{
			BaseDir:        "/",
			LockAttempts:   1,
			MaxConnections: 4,
			IdleTimeout:    30 * time.Second,
		},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		if err := opt(fs); err != nil {
			return nil, errors.Wrap(err, "ftpfs")
		}
	}
	if fs.locks == nil {
		fs.locks = NewMemoryLockFactory()
	}
	fs.pool = newPool(dial, fs.cfg.MaxConnections, fs.cfg.IdleTimeout, fs.logger, fs.metrics)
	return fs, nil
}

// Config returns the effective configuration.
func (fs *FileSystem) Config() Config {
	return fs.cfg
}

// Close closes idle connections. Connections still in use are closed when
// their operation ends; later calls fail.
func (fs *FileSystem) Close() error {
	return fs.pool.close()
}

// Stat returns the attributes of p.
func (fs *FileSystem) Stat(ctx context.Context, p string) (attrs *FileAttributes, err error) {
	defer fs.observe("stat", time.Now(), &err)

	p, err = fs.resolve("stat", p)
	if err != nil {
		return nil, err
	}
	err = fs.withSession(ctx, "stat", p, func(s *Session) error {
		attrs, err = s.stat("stat", p)
		return err
	})
	return attrs, err
}

// List returns the entries of directory p in server order. p may be
// relative to the base directory, so "." lists the base directory itself.
func (fs *FileSystem) List(ctx context.Context, p string, opts ListOptions) (entries []*FileAttributes, err error) {
	defer fs.observe("list", time.Now(), &err)

	p, err = fs.resolve("list", p)
	if err != nil {
		return nil, err
	}
	err = fs.withSession(ctx, "list", p, func(s *Session) error {
		entries, err = s.list(p, opts.Recursive, opts.Filter)
		return err
	})
	return entries, err
}

// Read opens file p for reading. The stream holds a connection, and the
// lock when requested, until it is closed.
func (fs *FileSystem) Read(ctx context.Context, p string, opts ReadOptions) (rs *ReadStream, err error) {
	defer fs.observe("read", time.Now(), &err)

	p, err = fs.resolve("read", p)
	if err != nil {
		return nil, err
	}
	s, err := fs.acquire(ctx, "read", p)
	if err != nil {
		return nil, err
	}

	var unlock func()
	defer func() {
		if err == nil {
			return
		}
		if unlock != nil {
			unlock()
		}
		fs.pool.put(s)
	}()

	attrs, err := s.stat("read", p)
	if err != nil {
		return nil, err
	}
	if attrs.IsDirectory {
		return nil, newError(IllegalPath, "read", p, "path is a directory, not a file")
	}
	if opts.Lock {
		if unlock, err = fs.acquireFileLock(ctx, "read", p); err != nil {
			return nil, err
		}
	}
	if attrs, err = fs.awaitStable(ctx, s, attrs); err != nil {
		return nil, err
	}
	return fs.openRead(s, attrs, unlock, fs.pool.put)
}

// Write stores the content of r at p according to opts.Mode.
func (fs *FileSystem) Write(ctx context.Context, p string, r io.Reader, opts WriteOptions) (err error) {
	defer fs.observe("write", time.Now(), &err)

	p, err = fs.resolve("write", p)
	if err != nil {
		return err
	}
	if p == "/" {
		return newError(IllegalPath, "write", p, "path is a directory")
	}
	return fs.withSession(ctx, "write", p, func(s *Session) error {
		return fs.write(ctx, s, p, r, opts)
	})
}

// Delete removes p. Directories are removed with everything in them.
func (fs *FileSystem) Delete(ctx context.Context, p string) (err error) {
	defer fs.observe("delete", time.Now(), &err)

	p, err = fs.resolve("delete", p)
	if err != nil {
		return err
	}
	return fs.withSession(ctx, "delete", p, func(s *Session) error {
		attrs, err := s.stat("delete", p)
		if err != nil {
			return err
		}
		return fs.deleteTree(ctx, s, attrs)
	})
}

// Rename gives p the name newName in the same directory. An existing
// target is replaced only when overwrite is set.
func (fs *FileSystem) Rename(ctx context.Context, p, newName string, overwrite bool) (err error) {
	defer fs.observe("rename", time.Now(), &err)

	p, err = fs.resolve("rename", p)
	if err != nil {
		return err
	}
	if err := checkName("rename", p, newName); err != nil {
		return err
	}
	return fs.withSession(ctx, "rename", p, func(s *Session) error {
		source, err := s.stat("rename", p)
		if err != nil {
			return err
		}
		return fs.renamePath(ctx, s, "rename", source, path.Join(path.Dir(p), newName), overwrite)
	})
}

// CreateDirectory creates directory p and any missing parents. It fails
// with AlreadyExists when p exists.
func (fs *FileSystem) CreateDirectory(ctx context.Context, p string) (err error) {
	defer fs.observe("mkdir", time.Now(), &err)

	p, err = fs.resolve("mkdir", p)
	if err != nil {
		return err
	}
	return fs.withNamedLock(ctx, fs.lockKey("mkdir", p), func() error {
		return fs.withSession(ctx, "mkdir", p, func(s *Session) error {
			attrs, err := s.lookup(p)
			if err != nil {
				return err
			}
			if attrs != nil {
				return newError(AlreadyExists, "mkdir", p, "path already exists")
			}
			return s.makeDirs(p)
		})
	})
}

// createDirectories creates dir and its missing parents for another
// operation. Existing directories are fine.
func (fs *FileSystem) createDirectories(ctx context.Context, s *Session, dir string) error {
	return fs.withNamedLock(ctx, fs.lockKey("mkdir", dir), func() error {
		return s.makeDirs(dir)
	})
}

// renamePath renames source to target on s, first deleting an existing
// target when overwrite is set.
func (fs *FileSystem) renamePath(ctx context.Context, s *Session, op string, source *FileAttributes, target string, overwrite bool) error {
	if target == source.Path {
		return nil
	}
	existing, err := s.lookup(target)
	if err != nil {
		return err
	}
	if existing != nil {
		if !overwrite {
			return newError(AlreadyExists, op, target, "target already exists")
		}
		if err := fs.deleteTree(ctx, s, existing); err != nil {
			return err
		}
	}
	if err := s.conn.Rename(source.Path, target); err != nil {
		return s.fail(op, source.Path, err)
	}
	s.logger.Debug("renamed", zap.String("from", source.Path), zap.String("to", target))
	return nil
}

// resolve turns a caller's path into an absolute one.
func (fs *FileSystem) resolve(op, p string) (string, error) {
	if isBlank(p) {
		return "", newError(IllegalPath, op, p, "path cannot be blank")
	}
	return Resolve(fs.cfg.BaseDir, p), nil
}

// checkName validates a bare file name used as a rename target.
func checkName(op, p, name string) error {
	switch {
	case isBlank(name):
		return newError(IllegalPath, op, p, "new name cannot be blank")
	case strings.ContainsAny(name, `/\`):
		return newError(IllegalPath, op, p, "new name %q must not contain a path separator", name)
	case name == "." || name == "..":
		return newError(IllegalPath, op, p, "new name %q is not a file name", name)
	}
	return nil
}

// withSession runs fn on a pooled session. op and p name the operation
// when no session can be had.
func (fs *FileSystem) withSession(ctx context.Context, op, p string, fn func(*Session) error) error {
	s, err := fs.acquire(ctx, op, p)
	if err != nil {
		return err
	}
	defer fs.pool.put(s)
	return fn(s)
}

// acquire takes a session from the pool for op on p.
func (fs *FileSystem) acquire(ctx context.Context, op, p string) (*Session, error) {
	s, err := fs.pool.get(ctx)
	if err != nil {
		return nil, acquireError(op, p, err)
	}
	return s, nil
}

// acquireError reports a failure to get a connection as a ConnectionFailure
// of op on p. The cause stays reachable through errors.Is and errors.As.
func acquireError(op, p string, err error) error {
	var fe *Error
	if errors.As(err, &fe) && fe.Err != nil {
		err = fe.Err
	}
	return &Error{Kind: ConnectionFailure, Op: op, Path: p, Err: err}
}

func (fs *FileSystem) observe(op string, start time.Time, err *error) {
	if *err != nil {
		fs.logger.Debug("operation failed", zap.String("op", op), zap.Error(*err))
	}
	if fs.metrics != nil {
		fs.metrics.RecordOperation(op, *err == nil, time.Since(start))
	}
}
