package render

import (
	"strings"
	"testing"
	"time"

	"github.com/fruitsalade/dirserve/internal/listing"
)

func TestListing(t *testing.T) {
	mod := time.Date(2024, 2, 3, 4, 5, 6, 0, time.UTC)
	entries := []listing.Entry{
		{Name: "..", IsDir: true},
		{Name: "b", IsDir: true, ModTime: mod},
		{Name: "a.txt", Size: 10, ModTime: mod},
		{Name: "my file.txt", Size: 2048},
		{Name: "<script>.txt", Size: 1},
		{Name: "broken", Size: listing.SizeUnknown},
	}

	out, err := Listing("sub dir", entries)
	if err != nil {
		t.Fatalf("Listing: %v", err)
	}
	body := string(out)

	for _, want := range []string{
		`<title>Index of /sub dir</title>`,
		`href="/sub%20dir/b/"`,
		`href="/sub%20dir/a.txt"`,
		`href="/sub%20dir/a.txt?download"`,
		`href="/sub%20dir/my%20file.txt"`,
		`href="/"`,
		`&lt;script&gt;.txt`,
		`2.0 KiB`,
		`10 B`,
		`2024-02-03 04:05:06`,
		`5 entries`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("body missing %q", want)
		}
	}
	if strings.Contains(body, "<script>.txt") {
		t.Error("entry names must be HTML-escaped")
	}

	// Directory rows come in the order given.
	if strings.Index(body, `href="/sub%20dir/b/"`) > strings.Index(body, `href="/sub%20dir/a.txt"`) {
		t.Error("b should be rendered before a.txt")
	}
}

func TestNewPage(t *testing.T) {
	page := NewPage("a/b c", []listing.Entry{
		{Name: "..", IsDir: true},
		{Name: "d", IsDir: true},
		{Name: "f", Size: 1},
		{Name: "x", Size: listing.SizeUnknown},
	})

	want := []Row{
		{Name: "..", Href: "/a/", Size: "-", IsDir: true, IsParent: true},
		{Name: "d", Href: "/a/b%20c/d/", Size: "-", IsDir: true},
		{Name: "f", Href: "/a/b%20c/f", DownloadHref: "/a/b%20c/f?download", Size: "1 B"},
		{Name: "x", Href: "/a/b%20c/x", DownloadHref: "/a/b%20c/x?download", Size: "?"},
	}
	if len(page.Rows) != len(want) {
		t.Fatalf("got %d rows, want %d", len(page.Rows), len(want))
	}
	for i := range want {
		if page.Rows[i] != want[i] {
			t.Errorf("row %d = %+v, want %+v", i, page.Rows[i], want[i])
		}
	}
	if page.Count != 3 {
		t.Errorf("Count = %d, want 3", page.Count)
	}

	wantCrumbs := []Crumb{{"/", "/"}, {"a/", "/a/"}, {"b c", "/a/b%20c/"}}
	for i, c := range wantCrumbs {
		if page.Crumbs[i] != c {
			t.Errorf("crumb %d = %+v, want %+v", i, page.Crumbs[i], c)
		}
	}
}

func TestNewPage_ParentOfTopLevel(t *testing.T) {
	page := NewPage("docs", []listing.Entry{{Name: "..", IsDir: true}})
	if page.Rows[0].Href != "/" {
		t.Errorf("parent of /docs/ = %q, want /", page.Rows[0].Href)
	}
}

func TestDirHref(t *testing.T) {
	tests := []struct {
		rel  string
		want string
	}{
		{"", "/"},
		{"a", "/a/"},
		{"a/b", "/a/b/"},
		{"100%", "/100%25/"},
		{"q?x", "/q%3Fx/"},
		{"#hash", "/%23hash/"},
	}
	for _, tt := range tests {
		if got := DirHref(tt.rel); got != tt.want {
			t.Errorf("DirHref(%q) = %q, want %q", tt.rel, got, tt.want)
		}
	}
}
