package ftpfs

import (
	"context"
	"io"
	"path"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// WriteMode selects what Write does with an existing file.
type WriteMode int

const (
	// Overwrite replaces the file's content.
	Overwrite WriteMode = iota
	// Append adds to the end of the file. Whether a missing file is
	// created is up to the server.
	Append
	// CreateNew fails with AlreadyExists when the file exists.
	CreateNew
)

func (m WriteMode) String() string {
	switch m {
	case Append:
		return "append"
	case CreateNew:
		return "create_new"
	default:
		return "overwrite"
	}
}

// write stores r at p. Unless mode is CreateNew it first tries to open the
// upload straight away, which costs no lookup when the parent exists and p
// is not a directory. Otherwise, or when the server refuses, the target is
// validated before uploading.
func (fs *FileSystem) write(ctx context.Context, s *Session, p string, r io.Reader, opts WriteOptions) error {
	if opts.Lock {
		unlock, err := fs.acquireFileLock(ctx, "write", p)
		if err != nil {
			return err
		}
		defer unlock()
	}

	if opts.Mode != CreateNew {
		done, err := s.writeDirect(p, r, opts.Mode)
		if done || err != nil {
			return err
		}
	}

	if err := fs.validateWriteTarget(ctx, s, p, opts); err != nil {
		return err
	}
	return s.atTransferPath(p, func(target string) error {
		w, err := s.openWriter(target, opts.Mode)
		if err != nil {
			return s.fail("write", p, err)
		}
		return s.upload(p, w, r)
	})
}

// writeDirect attempts the upload without a lookup. done is false when the
// caller must take the validated path instead.
func (s *Session) writeDirect(p string, r io.Reader, mode WriteMode) (done bool, err error) {
	var eligible bool
	err = s.withWorkingDir(func() error {
		ok, err := s.tryChangeDir(path.Dir(p))
		if err != nil || !ok {
			return err
		}
		isDir, err := s.tryChangeDir(p)
		eligible = err == nil && !isDir
		return err
	})
	if err != nil || !eligible {
		return false, err
	}

	err = s.atTransferPath(p, func(target string) error {
		w, err := s.openWriter(target, mode)
		if err != nil {
			if _, ok := rejected(err); ok {
				s.logger.Debug("direct write refused, validating target",
					zap.String("path", p), zap.Error(err))
				return nil
			}
			return s.fail("write", p, err)
		}
		done = true
		return s.upload(p, w, r)
	})
	return done, err
}

// validateWriteTarget checks p against mode and prepares missing parents.
func (fs *FileSystem) validateWriteTarget(ctx context.Context, s *Session, p string, opts WriteOptions) error {
	attrs, err := s.lookup(p)
	if err != nil {
		return err
	}
	if attrs != nil {
		switch {
		case opts.Mode == CreateNew:
			return newError(AlreadyExists, "write", p,
				"file already exists and the write mode is %s", opts.Mode)
		case attrs.IsDirectory:
			return newError(IllegalPath, "write", p, "path is a directory")
		}
		return nil
	}

	parent := path.Dir(p)
	exists, err := s.isDirectory(parent)
	if err != nil || exists {
		return err
	}
	if !opts.CreateParentDirectories {
		return newError(IllegalPath, "write", p,
			"parent directory %s doesn't exist; consider enabling CreateParentDirectories", parent)
	}
	return fs.createDirectories(ctx, s, parent)
}

func (s *Session) openWriter(target string, mode WriteMode) (io.WriteCloser, error) {
	if mode == Append {
		return s.conn.AppendStream(target)
	}
	return s.conn.StoreStream(target)
}

// upload copies r into w and waits for the server to confirm the transfer,
// also when the copy failed.
func (s *Session) upload(p string, w io.WriteCloser, r io.Reader) error {
	start := time.Now()
	n, copyErr := io.Copy(w, r)
	closeErr := w.Close()
	doneErr := s.completeTransfer("write", p)

	if copyErr != nil {
		copyErr = s.fail("write", p, copyErr)
	}
	if closeErr != nil {
		closeErr = s.fail("write", p, closeErr)
	}
	err := multierr.Combine(copyErr, closeErr, doneErr)
	if err == nil && s.metrics != nil {
		s.metrics.RecordTransfer("upload", n, time.Since(start))
	}
	s.logger.Debug("upload finished", zap.String("path", p), zap.Int64("bytes", n), zap.Error(err))
	return err
}
