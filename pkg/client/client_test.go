package client

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fruitsalade/dirserve/internal/logging"
	"github.com/fruitsalade/dirserve/internal/resolve"
	"github.com/fruitsalade/dirserve/internal/server"
	"github.com/fruitsalade/dirserve/internal/transfer"
	"github.com/fruitsalade/dirserve/pkg/retry"
)

func init() {
	logging.InitNop()
}

const fileSize = 3<<20 + 17

func content() []byte {
	b := make([]byte, fileSize)
	for i := range b {
		b[i] = byte(i*7 + i/251)
	}
	return b
}

// fileServer serves a temp dir holding "data/file name.bin".
func fileServer(t *testing.T) http.Handler {
	t.Helper()
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "data"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "data", "file name.bin"), content(), 0o644); err != nil {
		t.Fatal(err)
	}
	res, err := resolve.NewResolver(root, nil)
	if err != nil {
		t.Fatal(err)
	}
	return server.New(res, transfer.New(transfer.Config{}), nil, server.Options{}).Handler()
}

func testClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	ts := httptest.NewServer(handler)
	c, err := New(Config{
		BaseURL: ts.URL,
		RetryConfig: retry.Config{
			MaxAttempts: 3,
			InitialWait: time.Millisecond,
			MaxWait:     time.Millisecond,
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	return c, ts
}

func tempFile(t *testing.T) *os.File {
	t.Helper()
	f, err := os.Create(filepath.Join(t.TempDir(), "out"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { f.Close() })
	return f
}

func readBack(t *testing.T, f *os.File) []byte {
	t.Helper()
	data, err := os.ReadFile(f.Name())
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func TestStat(t *testing.T) {
	c, ts := testClient(t, fileServer(t))
	defer ts.Close()

	info, err := c.Stat(context.Background(), "/data/file name.bin")
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Size != fileSize || !info.AcceptRanges {
		t.Errorf("Stat = %+v", info)
	}
	if info.ModTime.IsZero() {
		t.Error("expected Last-Modified to be parsed")
	}
}

func TestDownload_Parallel(t *testing.T) {
	c, ts := testClient(t, fileServer(t))
	defer ts.Close()

	for _, parts := range []int{1, 2, 7, 16} {
		f := tempFile(t)
		n, err := c.Download(context.Background(), "/data/file name.bin", f, DownloadOptions{Parts: parts, Concurrency: 4})
		if err != nil {
			t.Fatalf("parts=%d: Download: %v", parts, err)
		}
		if n != fileSize {
			t.Errorf("parts=%d: size = %d", parts, n)
		}
		if !bytes.Equal(readBack(t, f), content()) {
			t.Errorf("parts=%d: reassembled file differs", parts)
		}
	}
}

// cutWriter aborts the connection after limit body bytes.
type cutWriter struct {
	http.ResponseWriter
	remaining int
}

func (w *cutWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

func (w *cutWriter) Write(p []byte) (int, error) {
	if len(p) > w.remaining {
		n, _ := w.ResponseWriter.Write(p[:w.remaining])
		w.remaining -= n
		http.NewResponseController(w.ResponseWriter).Flush()
		panic(http.ErrAbortHandler)
	}
	w.remaining -= len(p)
	return w.ResponseWriter.Write(p)
}

func TestFetchRange_ResumesAfterDisconnect(t *testing.T) {
	inner := fileServer(t)

	var mu sync.Mutex
	var seen []string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen = append(seen, r.Header.Get("Range"))
		first := len(seen) == 1
		mu.Unlock()
		if first {
			w = &cutWriter{ResponseWriter: w, remaining: 1000}
		}
		inner.ServeHTTP(w, r)
	})
	c, ts := testClient(t, handler)
	defer ts.Close()

	f := tempFile(t)
	n, err := c.FetchRange(context.Background(), "/data/file name.bin", 100, 99_999, f)
	if err != nil {
		t.Fatalf("FetchRange: %v", err)
	}
	if n != 99_900 {
		t.Errorf("written = %d, want 99900", n)
	}

	want := []string{"bytes=100-99999", "bytes=1100-99999"}
	mu.Lock()
	defer mu.Unlock()
	if !reflect.DeepEqual(seen, want) {
		t.Errorf("requests = %v, want %v", seen, want)
	}

	got := readBack(t, f)
	if !bytes.Equal(got[100:100000], content()[100:100000]) {
		t.Error("resumed range has wrong bytes")
	}
}

func TestFetch_RetriesServerErrors(t *testing.T) {
	inner := fileServer(t)
	var calls atomic.Int32
	c, ts := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		inner.ServeHTTP(w, r)
	}))
	defer ts.Close()

	var buf bytes.Buffer
	n, err := c.Fetch(context.Background(), "/data/file name.bin", &buf)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if n != fileSize || calls.Load() != 3 {
		t.Errorf("n = %d after %d calls", n, calls.Load())
	}
}

func TestFetch_NotFoundIsPermanent(t *testing.T) {
	var calls atomic.Int32
	inner := fileServer(t)
	c, ts := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		inner.ServeHTTP(w, r)
	}))
	defer ts.Close()

	_, err := c.Fetch(context.Background(), "/missing.bin", io.Discard)
	if err == nil || retry.IsRetryable(err) {
		t.Errorf("expected permanent error, got %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("expected 1 call, got %d", calls.Load())
	}
}

func TestDownload_FallsBackWithoutRanges(t *testing.T) {
	data := []byte(strings.Repeat("no ranges here ", 1000))
	c, ts := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Range") != "" {
			t.Error("client should not send Range to a server without Accept-Ranges")
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.WriteHeader(http.StatusOK)
		if r.Method == http.MethodGet {
			w.Write(data)
		}
	}))
	defer ts.Close()

	f := tempFile(t)
	n, err := c.Download(context.Background(), "/x", f, DownloadOptions{Parts: 8})
	if err != nil {
		t.Fatal(err)
	}
	if n != int64(len(data)) || !bytes.Equal(readBack(t, f), data) {
		t.Errorf("fallback download wrote %d bytes", n)
	}
}

func TestFetchRange_RangeIgnored(t *testing.T) {
	c, ts := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("whole body"))
	}))
	defer ts.Close()

	_, err := c.FetchRange(context.Background(), "/x", 0, 3, tempFile(t))
	if !errors.Is(err, ErrRangeNotSupported) {
		t.Errorf("expected ErrRangeNotSupported, got %v", err)
	}
}

func TestFetchConcurrent(t *testing.T) {
	c, ts := testClient(t, fileServer(t))
	defer ts.Close()

	const n = 8
	seen := make(map[int]bool)
	for res := range c.FetchConcurrent(context.Background(), "/data/file name.bin", n, nil) {
		if res.Err != nil {
			t.Errorf("client %d: %v", res.Client, res.Err)
		}
		if res.Bytes != fileSize {
			t.Errorf("client %d: %d bytes", res.Client, res.Bytes)
		}
		seen[res.Client] = true
	}
	if len(seen) != n {
		t.Errorf("got %d results, want %d", len(seen), n)
	}
}

func TestSplit(t *testing.T) {
	tests := []struct {
		size int64
		k    int
		want []Part
	}{
		{10, 3, []Part{{0, 0, 3}, {1, 4, 6}, {2, 7, 9}}},
		{10, 1, []Part{{0, 0, 9}}},
		{2, 5, []Part{{0, 0, 0}, {1, 1, 1}}},
		{5, 0, []Part{{0, 0, 4}}},
		{0, 4, nil},
	}
	for _, tt := range tests {
		got := Split(tt.size, tt.k)
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("Split(%d, %d) = %v, want %v", tt.size, tt.k, got, tt.want)
		}
	}

	// Parts always cover the file exactly once, in order.
	for _, size := range []int64{1, 99, 1 << 20} {
		for k := 1; k <= 13; k++ {
			var next int64
			for _, p := range Split(size, k) {
				if p.Start != next || p.Length() <= 0 {
					t.Fatalf("Split(%d, %d): bad part %+v", size, k, p)
				}
				next = p.End + 1
			}
			if next != size {
				t.Fatalf("Split(%d, %d) covers %d bytes", size, k, next)
			}
		}
	}
}

func TestParseContentRange(t *testing.T) {
	start, end, err := parseContentRange("bytes 5-9/10")
	if err != nil || start != 5 || end != 9 {
		t.Errorf("parseContentRange = %d, %d, %v", start, end, err)
	}
	for _, bad := range []string{"", "bytes */10", "items 0-1/2", "bytes 1-2"} {
		if _, _, err := parseContentRange(bad); err == nil {
			t.Errorf("parseContentRange(%q) should fail", bad)
		}
	}
}

func TestNew_BadURL(t *testing.T) {
	if _, err := New(Config{BaseURL: "ftp://example.com"}); err == nil {
		t.Error("expected error for unsupported scheme")
	}
}
