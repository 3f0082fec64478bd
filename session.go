package ftpfs

import (
	"path"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/gonzalop/ftpfs/client"
)

// Session is one pooled connection together with the state that belongs to
// it: the capability cache and, through the server, the working directory.
// A Session is used by one operation at a time.
type Session struct {
	id         int64
	conn       Conn
	capability capabilityCache
	logger     *zap.Logger
	metrics    MetricsCollector

	// broken is set once the connection failed; the pool discards it
	broken bool

	// idleSince is when the session was last returned to the pool
	idleSince time.Time
}

func newSession(id int64, conn Conn, logger *zap.Logger, metrics MetricsCollector) *Session {
	return &Session{
		id:      id,
		conn:    conn,
		logger:  logger.With(zap.Int64("session", id)),
		metrics: metrics,
	}
}

// Capability returns the single-file LIST capability learned so far.
func (s *Session) Capability() Capability {
	return s.capability.get()
}

// fail classifies err and remembers a broken connection.
func (s *Session) fail(op, p string, err error) error {
	err = classify(op, p, err)
	if KindOf(err) == ConnectionFailure {
		s.broken = true
	}
	return err
}

// withWorkingDir runs fn and then navigates back to the directory that was
// current on entry, whatever fn did.
func (s *Session) withWorkingDir(fn func() error) (err error) {
	cwd, err := s.conn.CurrentDir()
	if err != nil {
		return s.fail("pwd", "", err)
	}
	defer func() {
		if s.broken {
			return
		}
		if rerr := s.conn.ChangeDir(cwd); rerr != nil {
			err = multierr.Append(err, s.fail("cwd", cwd, rerr))
		}
	}()
	return fn()
}

// tryChangeDir changes into dir. A negative reply is reported as false;
// only transport failures are errors.
func (s *Session) tryChangeDir(dir string) (bool, error) {
	err := s.conn.ChangeDir(dir)
	if err == nil {
		return true, nil
	}
	if _, ok := rejected(err); ok {
		return false, nil
	}
	return false, s.fail("cwd", dir, err)
}

// isDirectory tests dir with CWD, leaving the working directory unchanged.
func (s *Session) isDirectory(dir string) (bool, error) {
	if dir == "/" {
		return true, nil
	}
	var ok bool
	err := s.withWorkingDir(func() error {
		var err error
		ok, err = s.tryChangeDir(dir)
		return err
	})
	return ok, err
}

// listEntries lists dir (the working directory when empty), preferring
// MLSD. LIST is used when MLSD is not advertised or the server botches it.
func (s *Session) listEntries(dir string) ([]*client.Entry, error) {
	if s.conn.HasFeature("MLST") {
		entries, err := s.conn.MLList(dir)
		if err == nil {
			return entries, nil
		}
		pe, isReply := rejected(err)
		if !isMalformed(err) && !(isReply && pe.NotImplemented()) {
			return nil, s.fail("mlsd", dir, err)
		}
		s.logger.Debug("MLSD failed, falling back to LIST", zap.String("dir", dir), zap.Error(err))
	}

	entries, err := s.conn.List(dir)
	if err != nil {
		return nil, s.fail("list", dir, err)
	}
	return entries, nil
}

// completeTransfer reads the final reply of the transfer in progress. A
// server that already answered 2xx leaves nothing to read.
func (s *Session) completeTransfer(op, p string) error {
	err := s.conn.CompletePendingCommand()
	if err == nil || errors.Is(err, client.ErrNoPendingCommand) {
		return nil
	}
	return s.fail(op, p, err)
}

// atTransferPath runs fn with the name to hand to a transfer command,
// switching to "/" for the duration when the bare-name form is used.
func (s *Session) atTransferPath(p string, fn func(target string) error) error {
	target := transferPath(p)
	if target == p {
		return fn(p)
	}
	return s.withWorkingDir(func() error {
		if err := s.conn.ChangeDir("/"); err != nil {
			return s.fail("cwd", "/", err)
		}
		return fn(target)
	})
}

// makeDirs creates dir and any missing parents, one segment at a time, and
// restores the working directory.
func (s *Session) makeDirs(dir string) error {
	if dir == "/" {
		return nil
	}
	return s.withWorkingDir(func() error {
		current := "/"
		for _, segment := range splitPath(dir) {
			current = path.Join(current, segment)
			ok, err := s.tryChangeDir(current)
			if err != nil {
				return err
			}
			if ok {
				continue
			}
			if err := s.conn.MakeDir(current); err != nil {
				return s.fail("mkdir", current, err)
			}
			s.logger.Debug("created directory", zap.String("path", current))
		}
		return nil
	})
}
