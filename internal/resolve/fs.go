package resolve

import (
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"
)

// File is an open, read-only file handle.
type File interface {
	io.ReaderAt
	io.Closer
	Stat() (fs.FileInfo, error)
}

// FileSystem is the set of read-only filesystem calls the server makes.
// Tests substitute an in-memory implementation.
type FileSystem interface {
	Stat(name string) (fs.FileInfo, error)
	EvalSymlinks(name string) (string, error)
	ReadDir(name string) ([]fs.DirEntry, error)
	Open(name string) (File, error)
}

// OSFileSystem implements FileSystem on the host filesystem.
type OSFileSystem struct{}

func (OSFileSystem) Stat(name string) (fs.FileInfo, error) {
	return os.Stat(name)
}

// EvalSymlinks reports a symlink loop as ELOOP; filepath.EvalSymlinks
// returns a bare error for it.
func (OSFileSystem) EvalSymlinks(name string) (string, error) {
	p, err := filepath.EvalSymlinks(name)
	if err != nil {
		var pathErr *fs.PathError
		if !errors.As(err, &pathErr) {
			return "", &fs.PathError{Op: "evalsymlinks", Path: name, Err: syscall.ELOOP}
		}
		return "", err
	}
	return p, nil
}

func (OSFileSystem) ReadDir(name string) ([]fs.DirEntry, error) {
	return os.ReadDir(name)
}

func (OSFileSystem) Open(name string) (File, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	return f, nil
}
