package ftpfs

import (
	"path"
	"time"

	"github.com/gonzalop/ftpfs/client"
)

// FileAttributes is a snapshot of one remote file or directory. A new value
// is produced by every lookup.
type FileAttributes struct {
	// Path is absolute, uses forward slashes and never carries a drive letter
	Path string
	Name string
	Size int64

	IsDirectory    bool
	IsRegularFile  bool
	IsSymbolicLink bool

	// ModTime is zero when the server did not report it
	ModTime time.Time
}

func newAttributes(p string, e *client.Entry) *FileAttributes {
	return &FileAttributes{
		Path:           p,
		Name:           path.Base(p),
		Size:           e.Size,
		IsDirectory:    e.IsDir(),
		IsRegularFile:  e.Type == "file",
		IsSymbolicLink: e.Type == "link",
		ModTime:        e.ModTime,
	}
}

func rootAttributes() *FileAttributes {
	return &FileAttributes{Path: "/", Name: "/", IsDirectory: true}
}

// isVirtual reports "." and ".." entries, by name or by MLSx type.
func isVirtual(e *client.Entry) bool {
	return e.Name == "." || e.Name == ".." || e.Type == "cdir" || e.Type == "pdir"
}
