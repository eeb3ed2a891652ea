// Package listing builds ordered directory listings inside the served root.
package listing

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"time"

	"github.com/fruitsalade/dirserve/internal/logging"
	"github.com/fruitsalade/dirserve/internal/metrics"
	"github.com/fruitsalade/dirserve/internal/resolve"
)

// SizeUnknown marks an entry whose metadata could not be read.
const SizeUnknown int64 = -1

// ParentName is the name of the synthetic parent-directory entry.
const ParentName = ".."

// ErrNotFound is returned when the directory vanished after resolution.
var ErrNotFound = errors.New("directory not found")

// Entry is one row of a directory listing.
type Entry struct {
	Name    string
	IsDir   bool
	Size    int64 // 0 for directories, SizeUnknown if unreadable
	ModTime time.Time
}

// IsParent reports whether e is the synthetic ".." entry.
func (e Entry) IsParent() bool {
	return e.Name == ParentName
}

// Builder lists directories through a resolver's filesystem.
type Builder struct {
	res *resolve.Resolver
}

// New creates a listing builder.
func New(res *resolve.Resolver) *Builder {
	return &Builder{res: res}
}

// Build returns the immediate children of dir, directories first and then
// files, each group in byte-wise name order. Non-root directories start
// with a ".." entry. Symlinks that lead outside the root are left out.
func (b *Builder) Build(dir resolve.Target) ([]Entry, error) {
	if dir.Kind != resolve.Directory {
		return nil, fmt.Errorf("list %q: %w", dir.Rel, ErrNotFound)
	}
	start := time.Now()

	fsys := b.res.FS()
	dirEntries, err := fsys.ReadDir(dir.Path)
	if err != nil {
		if resolve.IsNotExist(err) {
			return nil, fmt.Errorf("list %q: %w", dir.Rel, ErrNotFound)
		}
		return nil, fmt.Errorf("list %q: %w", dir.Rel, err)
	}

	entries := make([]Entry, 0, len(dirEntries)+1)
	for _, de := range dirEntries {
		e, ok := b.entry(dir.Path, de)
		if ok {
			entries = append(entries, e)
		}
	}
	Sort(entries)

	if !dir.IsRoot() {
		parent := Entry{Name: ParentName, IsDir: true}
		if dir.Info != nil {
			parent.ModTime = dir.Info.ModTime()
		}
		entries = append([]Entry{parent}, entries...)
	}

	metrics.RecordListing(time.Since(start), len(entries))
	return entries, nil
}

// entry describes one child. Symlinks are followed so the row shows what
// the link points at; broken or unreadable ones stay with SizeUnknown.
func (b *Builder) entry(dirPath string, de fs.DirEntry) (Entry, bool) {
	name := de.Name()
	full := filepath.Join(dirPath, name)
	fsys := b.res.FS()

	if de.Type()&fs.ModeSymlink != 0 {
		target, err := fsys.EvalSymlinks(full)
		if err != nil {
			return Entry{Name: name, Size: SizeUnknown}, true
		}
		if !b.res.Contains(target) {
			logging.Debug("omitting symlink outside root", logging.String("name", name))
			return Entry{}, false
		}
	}

	info, err := fsys.Stat(full)
	if err != nil {
		return Entry{Name: name, Size: SizeUnknown}, true
	}
	e := Entry{Name: name, IsDir: info.IsDir(), ModTime: info.ModTime()}
	if !e.IsDir {
		e.Size = info.Size()
	}
	return e, true
}

// Sort orders entries directories first, then by name.
func Sort(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].IsDir != entries[j].IsDir {
			return entries[i].IsDir
		}
		return entries[i].Name < entries[j].Name
	})
}
