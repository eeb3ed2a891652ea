// Package client downloads files from a dirserve server, splitting large
// files into byte ranges fetched in parallel.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fruitsalade/dirserve/internal/logging"
	"github.com/fruitsalade/dirserve/pkg/retry"
)

// ErrRangeNotSupported is returned when the server ignores a Range request.
var ErrRangeNotSupported = errors.New("server does not support byte ranges")

// Client fetches files over HTTP with retries.
type Client struct {
	baseURL     *url.URL
	httpClient  *http.Client
	retryConfig retry.Config
}

// Config holds client configuration.
type Config struct {
	BaseURL     string
	Timeout     time.Duration // per request, including the body; 0 = none
	RetryConfig retry.Config
}

// New creates a new client.
func New(cfg Config) (*Client, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("unsupported URL scheme %q", base.Scheme)
	}
	if cfg.RetryConfig.MaxAttempts == 0 {
		cfg.RetryConfig = retry.DefaultConfig()
	}

	return &Client{
		baseURL: base,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 32,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
				// Byte offsets refer to the identity encoding.
				DisableCompression: true,
			},
		},
		retryConfig: cfg.RetryConfig,
	}, nil
}

// FileInfo describes a remote file.
type FileInfo struct {
	Size         int64
	AcceptRanges bool
	ContentType  string
	ModTime      time.Time
}

func (c *Client) fileURL(path string) string {
	return c.baseURL.JoinPath(path).String()
}

// Stat issues a HEAD request for path.
func (c *Client) Stat(ctx context.Context, path string) (*FileInfo, error) {
	return retry.DoWithResult(ctx, c.retryConfig, func(int) (*FileInfo, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.fileURL(path), nil)
		if err != nil {
			return nil, err
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, retry.Retryable(err)
		}
		resp.Body.Close()

		if err := statusError(resp, http.StatusOK); err != nil {
			return nil, err
		}
		if resp.ContentLength < 0 {
			return nil, fmt.Errorf("HEAD %s: no Content-Length", path)
		}
		info := &FileInfo{
			Size:         resp.ContentLength,
			AcceptRanges: strings.EqualFold(resp.Header.Get("Accept-Ranges"), "bytes"),
			ContentType:  resp.Header.Get("Content-Type"),
		}
		if lm := resp.Header.Get("Last-Modified"); lm != "" {
			info.ModTime, _ = http.ParseTime(lm)
		}
		return info, nil
	})
}

// statusError maps an unexpected status to an error. 5xx is retryable.
func statusError(resp *http.Response, want int) error {
	if resp.StatusCode == want {
		return nil
	}
	err := fmt.Errorf("%s %s: server returned %d", resp.Request.Method, resp.Request.URL.Path, resp.StatusCode)
	if resp.StatusCode >= 500 {
		return retry.Retryable(err)
	}
	return err
}

// FetchRange writes bytes [start, end] of path into dst at the same
// offsets. A failed attempt is resumed from the first byte not yet
// received. It returns the number of bytes written.
func (c *Client) FetchRange(ctx context.Context, path string, start, end int64, dst io.WriterAt) (int64, error) {
	if end < start {
		return 0, fmt.Errorf("invalid range %d-%d", start, end)
	}
	next := start

	err := retry.Do(ctx, c.retryConfig, func(attempt int) error {
		if attempt > 1 {
			logging.Debug("resuming range",
				logging.String("path", path),
				logging.Int64("from", next),
				logging.Int64("to", end),
				logging.Int("attempt", attempt),
			)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.fileURL(path), nil)
		if err != nil {
			return err
		}
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", next, end))

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return retry.Retryable(err)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusOK {
			return ErrRangeNotSupported
		}
		if err := statusError(resp, http.StatusPartialContent); err != nil {
			return err
		}
		gotStart, gotEnd, err := parseContentRange(resp.Header.Get("Content-Range"))
		if err != nil {
			return err
		}
		if gotStart != next || gotEnd != end {
			return fmt.Errorf("server sent bytes %d-%d, asked for %d-%d", gotStart, gotEnd, next, end)
		}

		n, err := io.Copy(io.NewOffsetWriter(dst, next), resp.Body)
		next += n
		if err != nil {
			return retry.Retryable(err)
		}
		if next != end+1 {
			return retry.Retryable(fmt.Errorf("short body: got %d of %d bytes", next-start, end-start+1))
		}
		return nil
	})
	return next - start, err
}

// parseContentRange parses "bytes start-end/size".
func parseContentRange(v string) (start, end int64, err error) {
	rest, ok := strings.CutPrefix(v, "bytes ")
	if !ok {
		return 0, 0, fmt.Errorf("bad Content-Range %q", v)
	}
	rng, _, ok := strings.Cut(rest, "/")
	if !ok {
		return 0, 0, fmt.Errorf("bad Content-Range %q", v)
	}
	first, last, ok := strings.Cut(rng, "-")
	if !ok {
		return 0, 0, fmt.Errorf("bad Content-Range %q", v)
	}
	if start, err = strconv.ParseInt(first, 10, 64); err != nil {
		return 0, 0, fmt.Errorf("bad Content-Range %q", v)
	}
	if end, err = strconv.ParseInt(last, 10, 64); err != nil {
		return 0, 0, fmt.Errorf("bad Content-Range %q", v)
	}
	return start, end, nil
}

// Fetch streams the whole of path into dst. Only failures before the first
// body byte are retried.
func (c *Client) Fetch(ctx context.Context, path string, dst io.Writer) (int64, error) {
	return retry.DoWithResult(ctx, c.retryConfig, func(int) (int64, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.fileURL(path), nil)
		if err != nil {
			return 0, err
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return 0, retry.Retryable(err)
		}
		defer resp.Body.Close()

		if err := statusError(resp, http.StatusOK); err != nil {
			return 0, err
		}
		n, err := io.Copy(dst, resp.Body)
		if err != nil {
			return n, err
		}
		if resp.ContentLength >= 0 && n != resp.ContentLength {
			return n, fmt.Errorf("short body: got %d of %d bytes", n, resp.ContentLength)
		}
		return n, nil
	})
}

// Part is one contiguous slice of a file.
type Part struct {
	Index int
	Start int64
	End   int64 // inclusive
}

// Length returns the number of bytes in the part.
func (p Part) Length() int64 { return p.End - p.Start + 1 }

// Split divides size bytes into at most k contiguous parts of near-equal
// length that together cover the file in order.
func Split(size int64, k int) []Part {
	if size <= 0 {
		return nil
	}
	if k < 1 {
		k = 1
	}
	if int64(k) > size {
		k = int(size)
	}

	parts := make([]Part, k)
	base, extra := size/int64(k), size%int64(k)
	var off int64
	for i := range parts {
		n := base
		if int64(i) < extra {
			n++
		}
		parts[i] = Part{Index: i, Start: off, End: off + n - 1}
		off += n
	}
	return parts
}

// DownloadOptions controls a parallel download.
type DownloadOptions struct {
	Parts       int // number of ranges; <= 1 means a single request
	Concurrency int // simultaneous requests; 0 means Parts
}

// Download fetches path into dst, splitting it into ranges fetched
// concurrently when the server supports them. It returns the file size.
func (c *Client) Download(ctx context.Context, path string, dst io.WriterAt, opts DownloadOptions) (int64, error) {
	info, err := c.Stat(ctx, path)
	if err != nil {
		return 0, err
	}

	if info.Size == 0 {
		return 0, nil
	}
	if opts.Parts <= 1 || !info.AcceptRanges {
		n, err := c.Fetch(ctx, path, io.NewOffsetWriter(dst, 0))
		if err != nil {
			return n, err
		}
		if n != info.Size {
			return n, fmt.Errorf("downloaded %d bytes, expected %d", n, info.Size)
		}
		return n, nil
	}

	parts := Split(info.Size, opts.Parts)
	limit := opts.Concurrency
	if limit <= 0 {
		limit = len(parts)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, p := range parts {
		g.Go(func() error {
			n, err := c.FetchRange(ctx, path, p.Start, p.End, dst)
			if err != nil {
				return fmt.Errorf("part %d (%d-%d): %w", p.Index, p.Start, p.End, err)
			}
			if n != p.Length() {
				return fmt.Errorf("part %d: got %d of %d bytes", p.Index, n, p.Length())
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	return info.Size, nil
}

// FetchResult holds the outcome of one concurrent fetch.
type FetchResult struct {
	Client   int
	Bytes    int64
	Duration time.Duration
	Err      error
}

// FetchConcurrent downloads path n times at once, discarding the bodies
// through newSink. It is meant for load testing a server.
func (c *Client) FetchConcurrent(ctx context.Context, path string, n int, newSink func() io.Writer) <-chan FetchResult {
	results := make(chan FetchResult, n)
	if newSink == nil {
		newSink = func() io.Writer { return io.Discard }
	}

	go func() {
		defer close(results)

		var g errgroup.Group
		for i := 0; i < n; i++ {
			g.Go(func() error {
				start := time.Now()
				written, err := c.Fetch(ctx, path, newSink())
				results <- FetchResult{
					Client:   i,
					Bytes:    written,
					Duration: time.Since(start),
					Err:      err,
				}
				return nil
			})
		}
		g.Wait()
	}()

	return results
}
