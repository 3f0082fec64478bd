package ftpfs

import (
	"context"
	"path"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// list returns the entries of dir, descending into subdirectories when
// recursive is set. Directories are always descended, whether or not
// filter accepts them. Entries come in server order.
func (s *Session) list(dir string, recursive bool, filter func(*FileAttributes) bool) ([]*FileAttributes, error) {
	var out []*FileAttributes
	err := s.withWorkingDir(func() error {
		ok, err := s.tryChangeDir(dir)
		if err != nil {
			return err
		}
		if !ok {
			return s.notADirectory("list", dir)
		}
		return s.walkDir(dir, recursive, filter, &out)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// walkDir lists the working directory, which is dir.
func (s *Session) walkDir(dir string, recursive bool, filter func(*FileAttributes) bool, out *[]*FileAttributes) error {
	entries, err := s.listEntries("")
	if err != nil {
		return err
	}

	for _, e := range entries {
		if isVirtual(e) {
			continue
		}
		attrs := newAttributes(path.Join(dir, e.Name), e)
		if filter == nil || filter(attrs) {
			*out = append(*out, attrs)
		}
		if !recursive || !attrs.IsDirectory {
			continue
		}
		err := s.descend(dir, attrs.Path, func() error {
			return s.walkDir(attrs.Path, recursive, filter, out)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// descend runs fn inside child and changes back to parent once fn returns,
// whether or not it failed.
func (s *Session) descend(parent, child string, fn func() error) (err error) {
	if err := s.conn.ChangeDir(child); err != nil {
		return s.fail("cwd", child, err)
	}
	defer func() {
		if s.broken {
			return
		}
		if rerr := s.conn.ChangeDir(parent); rerr != nil {
			err = multierr.Append(err, s.fail("cwd", parent, rerr))
		}
	}()
	return fn()
}

// notADirectory explains why CWD into dir failed.
func (s *Session) notADirectory(op, dir string) error {
	code, reply := s.conn.ReplyCode(), s.conn.ReplyString()
	attrs, err := s.lookup(dir)
	switch {
	case err != nil:
		return err
	case attrs == nil:
		return newError(NotFound, op, dir, "no such directory")
	case !attrs.IsDirectory:
		return newError(IllegalPath, op, dir, "path is a file, not a directory")
	}
	return &Error{
		Kind:  Protocol,
		Op:    op,
		Path:  dir,
		Code:  code,
		Reply: reply,
		Err:   errors.Errorf("directory unreachable: %s", reply),
	}
}

// deleteTree removes p: files directly, directories depth first.
func (fs *FileSystem) deleteTree(ctx context.Context, s *Session, attrs *FileAttributes) error {
	if !attrs.IsDirectory {
		return fs.deleteFile(ctx, s, attrs.Path)
	}
	return fs.deleteDir(ctx, s, attrs.Path)
}

func (fs *FileSystem) deleteDir(ctx context.Context, s *Session, dir string) error {
	if dir == "/" {
		return newError(IllegalPath, "delete", dir, "refusing to delete the root directory")
	}
	return s.withWorkingDir(func() error {
		ok, err := s.tryChangeDir(dir)
		if err != nil {
			return err
		}
		if !ok {
			return s.notADirectory("delete", dir)
		}
		entries, err := s.listEntries("")
		if err != nil {
			return err
		}

		for _, e := range entries {
			if isVirtual(e) {
				continue
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			child := path.Join(dir, e.Name)
			if e.IsDir() {
				err = fs.deleteDir(ctx, s, child)
			} else {
				err = fs.deleteFile(ctx, s, child)
			}
			if err != nil {
				return err
			}
		}

		// Some servers refuse to remove the working directory.
		if err := s.conn.ChangeDir(path.Dir(dir)); err != nil {
			return s.fail("cwd", path.Dir(dir), err)
		}
		if err := s.conn.RemoveDir(dir); err != nil {
			return s.fail("rmdir", dir, err)
		}
		s.logger.Debug("removed directory", zap.String("path", dir))
		return nil
	})
}

// deleteFile removes one file unless another caller holds its lock.
func (fs *FileSystem) deleteFile(ctx context.Context, s *Session, p string) error {
	unlock, err := fs.acquireFileLock(ctx, "delete", p)
	if err != nil {
		return err
	}
	defer unlock()

	if err := s.conn.Delete(p); err != nil {
		return s.fail("delete", p, err)
	}
	s.logger.Debug("deleted file", zap.String("path", p))
	return nil
}
