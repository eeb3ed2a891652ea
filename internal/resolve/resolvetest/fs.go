// Package resolvetest provides an in-memory resolve.FileSystem with
// symbolic links, for exercising path containment without touching disk.
package resolvetest

import (
	"bytes"
	"io/fs"
	"path"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fruitsalade/dirserve/internal/resolve"
)

const maxLinkHops = 16

// FS is a slash-rooted in-memory filesystem. Paths are absolute and
// slash-separated. The zero value holds only "/".
type FS struct {
	mu    sync.Mutex
	nodes map[string]*node
	opens int
}

type node struct {
	dir     bool
	data    []byte
	link    string
	modTime time.Time
	mode    fs.FileMode
}

// New returns an empty filesystem.
func New() *FS {
	return &FS{nodes: map[string]*node{"/": {dir: true, modTime: time.Unix(0, 0)}}}
}

// Dir creates a directory and any missing parents.
func (f *FS) Dir(name string) *FS {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mkdirAll(path.Clean(name))
	return f
}

// File creates a regular file with the given content and parents.
func (f *FS) File(name string, data []byte, modTime time.Time) *FS {
	f.mu.Lock()
	defer f.mu.Unlock()
	name = path.Clean(name)
	f.mkdirAll(path.Dir(name))
	f.nodes[name] = &node{data: data, modTime: modTime}
	return f
}

// Symlink creates a symbolic link at name pointing to target, which may be
// relative to the link's directory.
func (f *FS) Symlink(target, name string) *FS {
	f.mu.Lock()
	defer f.mu.Unlock()
	name = path.Clean(name)
	f.mkdirAll(path.Dir(name))
	f.nodes[name] = &node{link: target, modTime: time.Unix(0, 0)}
	return f
}

// Special creates a non-regular file such as a named pipe.
func (f *FS) Special(name string, mode fs.FileMode) *FS {
	f.mu.Lock()
	defer f.mu.Unlock()
	name = path.Clean(name)
	f.mkdirAll(path.Dir(name))
	f.nodes[name] = &node{mode: mode, modTime: time.Unix(0, 0)}
	return f
}

// Remove deletes name and everything beneath it.
func (f *FS) Remove(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name = path.Clean(name)
	for p := range f.nodes {
		if p == name || strings.HasPrefix(p, name+"/") {
			delete(f.nodes, p)
		}
	}
}

// OpenCount returns the number of handles currently open.
func (f *FS) OpenCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens
}

func (f *FS) mkdirAll(name string) {
	for p := name; ; p = path.Dir(p) {
		if _, ok := f.nodes[p]; !ok {
			f.nodes[p] = &node{dir: true, modTime: time.Unix(0, 0)}
		}
		if p == "/" || p == "." {
			return
		}
	}
}

func (f *FS) EvalSymlinks(name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.eval(name, 0)
}

func (f *FS) eval(name string, hops int) (string, error) {
	if hops > maxLinkHops {
		return "", &fs.PathError{Op: "evalsymlinks", Path: name, Err: syscall.ELOOP}
	}
	parts := strings.Split(strings.TrimPrefix(path.Clean(name), "/"), "/")
	cur := "/"
	for i, p := range parts {
		if p == "" {
			continue
		}
		next := path.Join(cur, p)
		n, ok := f.nodes[next]
		if !ok {
			return "", &fs.PathError{Op: "lstat", Path: next, Err: fs.ErrNotExist}
		}
		if n.link != "" {
			target := n.link
			if !path.IsAbs(target) {
				target = path.Join(cur, target)
			}
			rest := append([]string{target}, parts[i+1:]...)
			return f.eval(path.Join(rest...), hops+1)
		}
		if !n.dir && i < len(parts)-1 {
			return "", &fs.PathError{Op: "lstat", Path: next, Err: syscall.ENOTDIR}
		}
		cur = next
	}
	return cur, nil
}

func (f *FS) Stat(name string) (fs.FileInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	real, err := f.eval(name, 0)
	if err != nil {
		return nil, err
	}
	return f.info(real), nil
}

func (f *FS) ReadDir(name string) ([]fs.DirEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	real, err := f.eval(name, 0)
	if err != nil {
		return nil, err
	}
	if n := f.nodes[real]; !n.dir {
		return nil, &fs.PathError{Op: "readdir", Path: name, Err: syscall.ENOTDIR}
	}

	var entries []fs.DirEntry
	for p := range f.nodes {
		if p != real && path.Dir(p) == real {
			entries = append(entries, fs.FileInfoToDirEntry(f.info(p)))
		}
	}
	// Reverse order so callers cannot rely on it.
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() > entries[j].Name() })
	return entries, nil
}

func (f *FS) Open(name string) (resolve.File, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	real, err := f.eval(name, 0)
	if err != nil {
		return nil, err
	}
	n := f.nodes[real]
	if n.dir {
		return nil, &fs.PathError{Op: "open", Path: name, Err: syscall.EISDIR}
	}
	f.opens++
	return &file{fs: f, info: f.info(real), r: bytes.NewReader(n.data)}, nil
}

// info describes the node at p without following a final symlink.
func (f *FS) info(p string) *fileInfo {
	n := f.nodes[p]
	fi := &fileInfo{name: path.Base(p), size: int64(len(n.data)), modTime: n.modTime}
	switch {
	case n.dir:
		fi.mode = fs.ModeDir | 0o755
		fi.size = 0
	case n.link != "":
		fi.mode = fs.ModeSymlink | 0o777
		fi.size = int64(len(n.link))
	case n.mode != 0:
		fi.mode = n.mode
	default:
		fi.mode = 0o644
	}
	return fi
}

type file struct {
	fs     *FS
	info   *fileInfo
	r      *bytes.Reader
	closed bool
}

func (h *file) ReadAt(p []byte, off int64) (int, error) { return h.r.ReadAt(p, off) }

func (h *file) Stat() (fs.FileInfo, error) { return h.info, nil }

func (h *file) Close() error {
	h.fs.mu.Lock()
	defer h.fs.mu.Unlock()
	if h.closed {
		return fs.ErrClosed
	}
	h.closed = true
	h.fs.opens--
	return nil
}

type fileInfo struct {
	name    string
	size    int64
	mode    fs.FileMode
	modTime time.Time
}

func (fi *fileInfo) Name() string       { return fi.name }
func (fi *fileInfo) Size() int64        { return fi.size }
func (fi *fileInfo) Mode() fs.FileMode  { return fi.mode }
func (fi *fileInfo) ModTime() time.Time { return fi.modTime }
func (fi *fileInfo) IsDir() bool        { return fi.mode.IsDir() }
func (fi *fileInfo) Sys() any           { return nil }
