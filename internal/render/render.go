// Package render turns directory listings into HTML pages.
package render

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"net/url"
	"path"
	"strings"

	"github.com/fruitsalade/dirserve/internal/listing"
	"github.com/fruitsalade/dirserve/internal/units"
)

//go:embed listing.html
var templates embed.FS

var listingTmpl = template.Must(template.ParseFS(templates, "listing.html"))

// Crumb is one link of the page heading.
type Crumb struct {
	Name string
	Href string
}

// Row is one rendered listing entry.
type Row struct {
	Name         string
	Href         string
	DownloadHref string
	Size         string
	Modified     string
	IsDir        bool
	IsParent     bool
}

// Page is the data handed to the listing template.
type Page struct {
	Path   string
	Crumbs []Crumb
	Rows   []Row
	Count  int
}

// Listing renders the page for the directory at rel, a cleaned
// slash-separated path relative to the root ("" for the root).
func Listing(rel string, entries []listing.Entry) ([]byte, error) {
	page := NewPage(rel, entries)
	var buf bytes.Buffer
	if err := listingTmpl.Execute(&buf, page); err != nil {
		return nil, fmt.Errorf("render listing: %w", err)
	}
	return buf.Bytes(), nil
}

// NewPage builds template data. Links are absolute and every path segment
// is percent-encoded.
func NewPage(rel string, entries []listing.Entry) Page {
	base := DirHref(rel)
	page := Page{
		Path:   "/" + rel,
		Crumbs: crumbs(rel),
		Rows:   make([]Row, 0, len(entries)),
	}

	for _, e := range entries {
		row := Row{
			Name:     e.Name,
			IsDir:    e.IsDir,
			IsParent: e.IsParent(),
		}
		switch {
		case row.IsParent:
			row.Href = DirHref(parent(rel))
		case e.IsDir:
			row.Href = base + url.PathEscape(e.Name) + "/"
		default:
			row.Href = base + url.PathEscape(e.Name)
			row.DownloadHref = row.Href + "?download"
		}

		switch {
		case e.IsDir:
			row.Size = "-"
		case e.Size == listing.SizeUnknown:
			row.Size = "?"
		default:
			row.Size = units.Bytes(e.Size)
		}
		if !e.ModTime.IsZero() {
			row.Modified = e.ModTime.Format("2006-01-02 15:04:05")
		}
		page.Rows = append(page.Rows, row)
		if !row.IsParent {
			page.Count++
		}
	}
	return page
}

// DirHref returns the escaped URL path of a directory, with trailing slash.
func DirHref(rel string) string {
	if rel == "" {
		return "/"
	}
	segs := strings.Split(rel, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return "/" + strings.Join(segs, "/") + "/"
}

func parent(rel string) string {
	p := path.Dir(rel)
	if p == "." {
		return ""
	}
	return p
}

func crumbs(rel string) []Crumb {
	out := []Crumb{{Name: "/", Href: "/"}}
	if rel == "" {
		return out
	}
	segs := strings.Split(rel, "/")
	for i, s := range segs {
		name := s
		if i < len(segs)-1 {
			name += "/"
		}
		out = append(out, Crumb{Name: name, Href: DirHref(strings.Join(segs[:i+1], "/"))})
	}
	return out
}
