// Package resolve maps request paths onto the served directory tree and
// guarantees that nothing outside that tree is ever reached.
package resolve

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"path/filepath"
	"strings"
	"syscall"
	"unicode/utf8"

	"github.com/fruitsalade/dirserve/internal/logging"
	"github.com/fruitsalade/dirserve/internal/metrics"
)

// ErrMalformedPath is returned for request paths that cannot be decoded.
var ErrMalformedPath = errors.New("malformed request path")

// Kind classifies a resolved target.
type Kind int

const (
	NotFound Kind = iota
	Directory
	RegularFile
)

func (k Kind) String() string {
	switch k {
	case Directory:
		return "directory"
	case RegularFile:
		return "file"
	default:
		return "not_found"
	}
}

// Target is the result of resolving a request path.
type Target struct {
	Kind Kind
	// Path is the absolute on-disk path with symlinks evaluated.
	Path string
	// Rel is the cleaned, slash-separated request path relative to the
	// root. Empty for the root itself.
	Rel  string
	Info fs.FileInfo
}

// IsRoot reports whether the target is the served root directory.
func (t Target) IsRoot() bool {
	return t.Kind == Directory && t.Rel == ""
}

// Resolver confines request paths to a root directory.
type Resolver struct {
	root string
	fsys FileSystem
}

// NewResolver canonicalizes root and checks that it is a directory.
// A nil fsys means the host filesystem.
func NewResolver(root string, fsys FileSystem) (*Resolver, error) {
	if fsys == nil {
		fsys = OSFileSystem{}
	}

	absPath, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve path: %w", err)
	}
	realPath, err := fsys.EvalSymlinks(absPath)
	if err != nil {
		return nil, fmt.Errorf("root directory error: %w", err)
	}
	info, err := fsys.Stat(realPath)
	if err != nil {
		return nil, fmt.Errorf("root directory error: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("not a directory: %s", realPath)
	}
	return &Resolver{root: realPath, fsys: fsys}, nil
}

// Root returns the canonical served root.
func (r *Resolver) Root() string { return r.root }

// FS returns the filesystem the resolver reads from.
func (r *Resolver) FS() FileSystem { return r.fsys }

// CleanPath percent-decodes a raw URL path once and normalizes it into a
// slash-separated path relative to the root. "." segments are dropped and
// ".." removes the previous segment; at the root it does nothing.
func CleanPath(raw string) (string, error) {
	decoded, err := url.PathUnescape(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedPath, err)
	}
	if !utf8.ValidString(decoded) || strings.IndexByte(decoded, 0) >= 0 {
		return "", ErrMalformedPath
	}

	segments := make([]string, 0, strings.Count(decoded, "/")+1)
	for _, seg := range strings.Split(decoded, "/") {
		switch seg {
		case "", ".":
			continue
		case "..":
			if len(segments) > 0 {
				segments = segments[:len(segments)-1]
			}
			continue
		}
		if filepath.Separator != '/' && strings.ContainsRune(seg, filepath.Separator) {
			return "", ErrMalformedPath
		}
		segments = append(segments, seg)
	}
	return strings.Join(segments, "/"), nil
}

// Resolve maps a raw (still percent-encoded) request path to a target
// inside the root. Paths that do not exist, are not regular files or
// directories, or lead outside the root through a symlink resolve to
// NotFound with a nil error.
func (r *Resolver) Resolve(requestPath string) (Target, error) {
	rel, err := CleanPath(requestPath)
	if err != nil {
		return Target{}, err
	}

	full := r.root
	if rel != "" {
		full = filepath.Join(r.root, filepath.FromSlash(rel))
	}

	realPath, err := r.fsys.EvalSymlinks(full)
	if err != nil {
		if IsNotExist(err) {
			return Target{Kind: NotFound, Rel: rel}, nil
		}
		return Target{}, fmt.Errorf("resolve %q: %w", rel, err)
	}
	if !r.Contains(realPath) {
		logging.Warn("path escapes served root",
			logging.String("path", rel),
		)
		metrics.RecordTraversalBlocked()
		return Target{Kind: NotFound, Rel: rel}, nil
	}

	info, err := r.fsys.Stat(realPath)
	if err != nil {
		if IsNotExist(err) {
			return Target{Kind: NotFound, Rel: rel}, nil
		}
		return Target{}, fmt.Errorf("stat %q: %w", rel, err)
	}

	t := Target{Path: realPath, Rel: rel, Info: info}
	switch {
	case info.IsDir():
		t.Kind = Directory
	case info.Mode().IsRegular():
		t.Kind = RegularFile
	default:
		t.Kind = NotFound
	}
	return t, nil
}

// Contains reports whether path, which must already have its symlinks
// evaluated, is the root or lies beneath it.
func (r *Resolver) Contains(path string) bool {
	if path == r.root {
		return true
	}
	prefix := r.root
	if !strings.HasSuffix(prefix, string(filepath.Separator)) {
		prefix += string(filepath.Separator)
	}
	return strings.HasPrefix(path, prefix)
}

// IsNotExist reports whether err means the path is absent, including a
// non-directory used as a path component and symlink loops.
func IsNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist) ||
		errors.Is(err, syscall.ENOTDIR) ||
		errors.Is(err, syscall.ELOOP)
}
