package ftpfs

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var errStreamClosed = errors.New("ftpfs: read from closed stream")

// sizeCheckRetries is how many more size comparisons are made after the
// first one before a file is declared still being written.
const sizeCheckRetries = 2

// stabilityWarning is logged once per process, the first time a read
// sleeps between size checks.
var stabilityWarning sync.Once

// awaitStable samples the size of attrs.Path every TimeBetweenSizeCheck
// until two consecutive samples agree.
func (fs *FileSystem) awaitStable(ctx context.Context, s *Session, attrs *FileAttributes) (*FileAttributes, error) {
	interval := fs.cfg.TimeBetweenSizeCheck
	if interval <= 0 {
		return attrs, nil
	}

	previous := attrs
	for retry := 0; retry <= sizeCheckRetries; retry++ {
		stabilityWarning.Do(func() {
			fs.logger.Warn("read is waiting for the file size to settle; the calling goroutine sleeps between checks",
				zap.Duration("time_between_size_check", interval))
		})
		if err := sleepCtx(ctx, interval); err != nil {
			return nil, err
		}

		current, err := s.lookup(previous.Path)
		if err != nil {
			return nil, err
		}
		if current == nil {
			return nil, newError(DeletedWhileRead, "read", attrs.Path,
				"file was deleted while waiting for it to be fully written")
		}
		if current.Size == previous.Size {
			return current, nil
		}
		s.logger.Debug("file size changed",
			zap.String("path", attrs.Path), zap.Int64("before", previous.Size), zap.Int64("after", current.Size))
		previous = current
	}
	return nil, newError(StillBeingWritten, "read", attrs.Path,
		"file size still changing after %d retries", sizeCheckRetries)
}

// ReadStream is the content of a remote file. Closing it finishes the
// transfer and returns the connection to the pool; it must be closed even
// when it is not read to the end.
type ReadStream struct {
	// Attributes describes the file as it was when the read started.
	Attributes *FileAttributes

	session *Session
	release func(*Session)
	rc      io.ReadCloser

	// restoreDir is the working directory to go back to once the transfer
	// completed, when the transfer needed a different one.
	restoreDir string
	unlock     func()

	start   time.Time
	n       int64
	drained bool
	once    sync.Once
	err     error
}

func (r *ReadStream) Read(p []byte) (int, error) {
	if r.rc == nil {
		return 0, errStreamClosed
	}
	n, err := r.rc.Read(p)
	r.n += int64(n)
	if err == io.EOF {
		r.drained = true
		return n, err
	}
	if err != nil {
		return n, r.session.fail("read", r.Attributes.Path, err)
	}
	return n, nil
}

// Close releases everything the read holds. Only the first call does
// anything; later calls return the first call's result.
func (r *ReadStream) Close() error {
	r.once.Do(func() {
		s, p := r.session, r.Attributes.Path

		closeErr := r.rc.Close()
		doneErr := s.completeTransfer("read", p)
		if doneErr != nil && !r.drained && KindOf(doneErr) != ConnectionFailure {
			// Servers answer 426 or 451 to a download closed early.
			s.logger.Debug("transfer aborted by early close", zap.String("path", p), zap.Error(doneErr))
			doneErr = nil
		}

		var restoreErr error
		if r.restoreDir != "" && !s.broken {
			if err := s.conn.ChangeDir(r.restoreDir); err != nil {
				restoreErr = s.fail("cwd", r.restoreDir, err)
			}
		}
		r.err = multierr.Combine(doneErr, restoreErr)
		if closeErr != nil && r.drained {
			r.err = multierr.Append(r.err, s.fail("read", p, closeErr))
		}

		if r.unlock != nil {
			r.unlock()
		}
		if r.err == nil && s.metrics != nil {
			s.metrics.RecordTransfer("download", r.n, time.Since(r.start))
		}
		if r.release != nil {
			r.release(s)
		}
		r.session = nil
		r.rc = nil
	})
	return r.err
}

// openRead starts the download of attrs.Path on s. On success the returned
// stream owns unlock, and hands s to release when closed.
func (fs *FileSystem) openRead(s *Session, attrs *FileAttributes, unlock func(), release func(*Session)) (*ReadStream, error) {
	p := attrs.Path
	target := transferPath(p)

	var restoreDir string
	if target != p {
		cwd, err := s.conn.CurrentDir()
		if err != nil {
			return nil, s.fail("pwd", "", err)
		}
		if err := s.conn.ChangeDir("/"); err != nil {
			return nil, s.fail("cwd", "/", err)
		}
		restoreDir = cwd
	}

	rc, err := s.conn.RetrieveStream(target)
	if err != nil {
		if restoreDir != "" && !s.broken {
			if cerr := s.conn.ChangeDir(restoreDir); cerr != nil {
				restoreErr := s.fail("cwd", restoreDir, cerr)
				s.logger.Debug("could not restore working directory after failed download",
					zap.String("path", p), zap.String("dir", restoreDir), zap.Error(restoreErr))
				return nil, multierr.Append(s.fail("read", p, err), restoreErr)
			}
		}
		return nil, fs.openReadFailed(s, p, err)
	}

	return &ReadStream{
		Attributes: attrs,
		session:    s,
		release:    release,
		rc:         rc,
		restoreDir: restoreDir,
		unlock:     unlock,
		start:      time.Now(),
	}, nil
}

// openReadFailed tells a file deleted since it was looked up apart from
// other RETR failures.
func (fs *FileSystem) openReadFailed(s *Session, p string, err error) error {
	if _, ok := rejected(err); !ok {
		return s.fail("read", p, err)
	}
	attrs, lookupErr := s.lookup(p)
	if lookupErr == nil && attrs == nil {
		return &Error{Kind: DeletedWhileRead, Op: "read", Path: p, Err: err}
	}
	return s.fail("read", p, err)
}
