package ftpfs

import (
	"context"
	"path"
	"strings"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// copyPlan is the resolved form of one Copy or Move call.
type copyPlan struct {
	source    *FileAttributes
	target    string
	overwrite bool
}

// Copy copies src, a file or a whole directory, to dst. dst belongs to
// opts.Destination when set. When dst is an existing directory the copy is
// placed inside it.
func (fs *FileSystem) Copy(ctx context.Context, src, dst string, opts CopyOptions) (err error) {
	defer fs.observe("copy", time.Now(), &err)
	return fs.transfer(ctx, "copy", src, dst, opts, false)
}

// Move is Copy followed by deleting src. On the same server it is a
// rename instead.
func (fs *FileSystem) Move(ctx context.Context, src, dst string, opts CopyOptions) (err error) {
	defer fs.observe("move", time.Now(), &err)
	return fs.transfer(ctx, "move", src, dst, opts, true)
}

func (fs *FileSystem) transfer(ctx context.Context, op, src, dst string, opts CopyOptions, move bool) error {
	dest := opts.Destination
	if dest == nil {
		dest = fs
	}
	src, err := fs.resolve(op, src)
	if err != nil {
		return err
	}
	dst, err = dest.resolve(op, dst)
	if err != nil {
		return err
	}
	if opts.RenameTo != "" {
		if err := checkName(op, src, opts.RenameTo); err != nil {
			return err
		}
	}

	if move && fs.sameServer(dest) {
		return fs.withSession(ctx, op, src, func(s *Session) error {
			plan, err := fs.planCopy(ctx, op, s, dest, s, src, dst, opts)
			if err != nil {
				return err
			}
			return fs.renamePath(ctx, s, op, plan.source, plan.target, plan.overwrite)
		})
	}

	s, d, release, err := fs.sessionPair(ctx, op, src, dst, dest)
	if err != nil {
		return err
	}
	defer release()

	return s.withWorkingDir(func() error {
		plan, err := fs.planCopy(ctx, op, s, dest, d, src, dst, opts)
		if err != nil {
			return err
		}
		if err := fs.copyTree(ctx, s, dest, d, plan.source, plan.target, plan.overwrite); err != nil {
			return err
		}
		if move {
			return fs.deleteTree(ctx, s, plan.source)
		}
		return nil
	})
}

// sessionPair returns a source session from fs and a target session from
// dest, and the function that returns both.
func (fs *FileSystem) sessionPair(ctx context.Context, op, src, dst string, dest *FileSystem) (*Session, *Session, func(), error) {
	if dest == fs {
		s, d, err := fs.pool.getPair(ctx)
		if err != nil {
			return nil, nil, nil, acquireError(op, src, err)
		}
		return s, d, func() { fs.pool.put(d); fs.pool.put(s) }, nil
	}

	s, err := fs.acquire(ctx, op, src)
	if err != nil {
		return nil, nil, nil, err
	}
	d, err := dest.acquire(ctx, op, dst)
	if err != nil {
		fs.pool.put(s)
		return nil, nil, nil, err
	}
	return s, d, func() { dest.pool.put(d); fs.pool.put(s) }, nil
}

// sameServer reports whether dest talks to the same server as fs.
func (fs *FileSystem) sameServer(dest *FileSystem) bool {
	return dest == fs || (fs.cfg.Identity != "" && fs.cfg.Identity == dest.cfg.Identity)
}

// planCopy looks up the source on s and works out the effective target on
// d, creating the target's parent when allowed.
func (fs *FileSystem) planCopy(ctx context.Context, op string, s *Session, dest *FileSystem, d *Session, src, dst string, opts CopyOptions) (*copyPlan, error) {
	source, err := s.stat(op, src)
	if err != nil {
		return nil, err
	}
	plan := &copyPlan{source: source, target: dst, overwrite: opts.Overwrite}

	targetIsDir, err := d.isDirectory(dst)
	if err != nil {
		return nil, err
	}

	var existing *FileAttributes
	switch {
	case targetIsDir:
		if source.IsDirectory && !opts.Overwrite && path.Base(dst) == source.Name {
			return nil, newError(AlreadyExists, op, dst, "directory already exists")
		}
		name := source.Name
		if opts.RenameTo != "" {
			name = opts.RenameTo
		}
		plan.target = path.Join(dst, name)
		if existing, err = d.lookup(plan.target); err != nil {
			return nil, err
		}

	default:
		if existing, err = d.lookup(dst); err != nil {
			return nil, err
		}
		if existing != nil {
			break
		}
		parent := path.Dir(dst)
		ok, err := d.isDirectory(parent)
		if err != nil {
			return nil, err
		}
		if !ok {
			if !opts.CreateParentDirectories {
				return nil, newError(IllegalPath, op, dst,
					"parent directory %s doesn't exist; consider enabling CreateParentDirectories", parent)
			}
			if err := dest.createDirectories(ctx, d, parent); err != nil {
				return nil, err
			}
		}
	}

	if fs.sameServer(dest) {
		if plan.target == source.Path {
			return nil, newError(IllegalPath, op, dst, "source and target are the same")
		}
		if source.IsDirectory && strings.HasPrefix(plan.target, strings.TrimSuffix(source.Path, "/")+"/") {
			return nil, newError(IllegalPath, op, dst, "cannot copy a directory into itself")
		}
	}

	if existing != nil {
		switch {
		case source.IsDirectory && !existing.IsDirectory:
			return nil, newError(IllegalPath, op, plan.target, "cannot replace a file with a directory")
		case !source.IsDirectory && existing.IsDirectory:
			return nil, newError(IllegalPath, op, plan.target, "cannot replace a directory with a file")
		case !opts.Overwrite:
			return nil, newError(AlreadyExists, op, plan.target, "target already exists")
		}
	}
	return plan, nil
}

// copyTree copies source from s to target on d, recreating directories
// level by level.
func (fs *FileSystem) copyTree(ctx context.Context, s *Session, dest *FileSystem, d *Session, source *FileAttributes, target string, overwrite bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !source.IsDirectory {
		return fs.copyFile(ctx, s, dest, d, source, target, overwrite)
	}

	if err := d.makeDirs(target); err != nil {
		return err
	}
	children, err := s.list(source.Path, false, nil)
	if err != nil {
		return err
	}
	for _, child := range children {
		if err := fs.copyTree(ctx, s, dest, d, child, path.Join(target, child.Name), overwrite); err != nil {
			return err
		}
	}
	return nil
}

// copyFile streams one file from s into d. The download stays open on s
// while d uploads.
func (fs *FileSystem) copyFile(ctx context.Context, s *Session, dest *FileSystem, d *Session, source *FileAttributes, target string, overwrite bool) error {
	existing, err := d.lookup(target)
	if err != nil {
		return err
	}
	mode := CreateNew
	if existing != nil {
		if !overwrite {
			return newError(AlreadyExists, "copy", target, "target already exists")
		}
		if err := dest.deleteFile(ctx, d, target); err != nil {
			return err
		}
		mode = Overwrite
	}

	rs, err := fs.openRead(s, source, nil, nil)
	if err != nil {
		return err
	}
	writeErr := dest.write(ctx, d, target, rs, WriteOptions{Mode: mode})
	err = multierr.Append(writeErr, rs.Close())
	if err == nil {
		s.logger.Debug("copied file", zap.String("from", source.Path), zap.String("to", target))
	}
	return err
}
