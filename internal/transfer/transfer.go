// Package transfer streams file bytes to HTTP clients according to a
// range plan, holding at most one bounded buffer per transfer.
package transfer

import (
	"context"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"path/filepath"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/fruitsalade/dirserve/internal/metrics"
	"github.com/fruitsalade/dirserve/internal/ranges"
)

// Source is the file being sent.
type Source struct {
	Reader  io.ReaderAt
	Size    int64
	Name    string // base name; drives Content-Type and download filename
	ModTime time.Time
}

// Options vary the response without changing the plan.
type Options struct {
	Head     bool // headers only
	Download bool // add Content-Disposition: attachment
	InMemory bool // source is served from memory; not rate limited
}

// Config controls transfer pacing.
type Config struct {
	// RateLimit is the per-transfer byte rate. 0 disables throttling.
	RateLimit int64
	// WriteStallTimeout bounds how long a single chunk write may block.
	// 0 disables the deadline.
	WriteStallTimeout time.Duration
}

// Engine writes file responses.
type Engine struct {
	cfg Config
}

// New creates a transfer engine.
func New(cfg Config) *Engine {
	return &Engine{cfg: cfg}
}

// ContentType guesses a MIME type from the file extension.
func ContentType(name string) string {
	if ct := mime.TypeByExtension(filepath.Ext(name)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

// Transfer writes the status, headers and body for plan. All headers,
// including an exact Content-Length, are set before the first body byte.
// It returns the number of file bytes written. A non-nil error after the
// header was sent means the body is incomplete and the connection should
// be abandoned.
func (e *Engine) Transfer(ctx context.Context, w http.ResponseWriter, src Source, plan ranges.Plan, opts Options) (written int64, err error) {
	h := w.Header()
	h.Set("Accept-Ranges", "bytes")
	if !src.ModTime.IsZero() {
		h.Set("Last-Modified", src.ModTime.UTC().Format(http.TimeFormat))
	}
	if opts.Download {
		h.Set("Content-Disposition", attachment(src.Name))
	}
	contentType := ContentType(src.Name)

	var (
		status   int
		body     []ranges.ByteRange
		boundary string
		length   int64
	)
	switch plan.Kind {
	case ranges.Unsatisfiable:
		h.Set("Content-Range", plan.UnsatisfiedRange())
		h.Set("Content-Length", "0")
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
		return 0, nil

	case ranges.SingleRange:
		rng := plan.Ranges[0]
		status = http.StatusPartialContent
		body = plan.Ranges
		length = rng.Length()
		h.Set("Content-Type", contentType)
		h.Set("Content-Range", rng.ContentRange(src.Size))

	case ranges.MultiRange:
		status = http.StatusPartialContent
		body = plan.Ranges
		boundary = multipart.NewWriter(io.Discard).Boundary()
		length, err = multipartLength(boundary, contentType, src.Size, plan.Ranges)
		if err != nil {
			return 0, err
		}
		h.Set("Content-Type", "multipart/byteranges; boundary="+boundary)

	default:
		status = http.StatusOK
		length = src.Size
		if src.Size > 0 {
			body = []ranges.ByteRange{{Start: 0, End: src.Size - 1}}
		}
		h.Set("Content-Type", contentType)
	}
	h.Set("Content-Length", strconv.FormatInt(length, 10))
	w.WriteHeader(status)

	if opts.Head || len(body) == 0 {
		return 0, nil
	}

	metrics.TransferStarted()
	defer func() {
		metrics.TransferFinished(plan.Kind.String(), written, err)
	}()

	out := e.newWriter(ctx, w, !opts.InMemory)
	defer out.release()

	buf, put := getBuffer(src.Size)
	defer put()

	if plan.Kind != ranges.MultiRange {
		return out.copyRange(src.Reader, body[0], *buf)
	}

	mw := multipart.NewWriter(out)
	if err := mw.SetBoundary(boundary); err != nil {
		return 0, err
	}
	for _, rng := range body {
		part, err := mw.CreatePart(partHeader(contentType, rng, src.Size))
		if err != nil {
			return written, err
		}
		n, err := out.copyRangeTo(part, src.Reader, rng, *buf)
		written += n
		if err != nil {
			return written, err
		}
	}
	return written, mw.Close()
}

func partHeader(contentType string, rng ranges.ByteRange, size int64) textproto.MIMEHeader {
	return textproto.MIMEHeader{
		"Content-Type":  {contentType},
		"Content-Range": {rng.ContentRange(size)},
	}
}

// multipartLength runs the same multipart framing over a counting writer
// so the declared Content-Length matches the body byte for byte.
func multipartLength(boundary, contentType string, size int64, rs []ranges.ByteRange) (int64, error) {
	var cw countingWriter
	mw := multipart.NewWriter(&cw)
	if err := mw.SetBoundary(boundary); err != nil {
		return 0, err
	}
	for _, rng := range rs {
		if _, err := mw.CreatePart(partHeader(contentType, rng, size)); err != nil {
			return 0, err
		}
		cw.n += rng.Length()
	}
	if err := mw.Close(); err != nil {
		return 0, err
	}
	return cw.n, nil
}

type countingWriter struct {
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	c.n += int64(len(p))
	return len(p), nil
}

func attachment(name string) string {
	if v := mime.FormatMediaType("attachment", map[string]string{"filename": name}); v != "" {
		return v
	}
	return "attachment"
}

// responseWriter paces and deadlines every write to the client.
type responseWriter struct {
	ctx     context.Context
	w       http.ResponseWriter
	rc      *http.ResponseController
	limiter *rate.Limiter
	stall   time.Duration
}

func (e *Engine) newWriter(ctx context.Context, w http.ResponseWriter, throttle bool) *responseWriter {
	rw := &responseWriter{
		ctx:   ctx,
		w:     w,
		rc:    http.NewResponseController(w),
		stall: e.cfg.WriteStallTimeout,
	}
	if throttle && e.cfg.RateLimit > 0 {
		burst := e.cfg.RateLimit / 5
		if burst < MaxBufferSize {
			burst = MaxBufferSize
		}
		rw.limiter = rate.NewLimiter(rate.Limit(e.cfg.RateLimit), int(burst))
	}
	return rw
}

func (rw *responseWriter) Write(p []byte) (int, error) {
	if err := rw.ctx.Err(); err != nil {
		return 0, err
	}
	if rw.limiter != nil {
		if err := rw.limiter.WaitN(rw.ctx, len(p)); err != nil {
			return 0, err
		}
	}
	if rw.stall > 0 {
		if err := rw.rc.SetWriteDeadline(time.Now().Add(rw.stall)); err != nil && !errors.Is(err, http.ErrNotSupported) {
			return 0, err
		}
	}
	return rw.w.Write(p)
}

// release clears the deadline so a kept-alive connection is not cut off
// while serving its next request.
func (rw *responseWriter) release() {
	if rw.stall > 0 {
		_ = rw.rc.SetWriteDeadline(time.Time{})
	}
}

func (rw *responseWriter) copyRange(r io.ReaderAt, rng ranges.ByteRange, buf []byte) (int64, error) {
	return rw.copyRangeTo(rw, r, rng, buf)
}

// copyRangeTo streams rng into dst chunk by chunk. A failed write stops the
// read loop immediately.
func (rw *responseWriter) copyRangeTo(dst io.Writer, r io.ReaderAt, rng ranges.ByteRange, buf []byte) (int64, error) {
	adviseSequential(r, rng.Start, rng.Length())

	var written int64
	for chunk, err := range Chunks(r, rng, buf) {
		if err != nil {
			return written, err
		}
		n, err := dst.Write(chunk)
		written += int64(n)
		if err != nil {
			return written, err
		}
	}
	return written, nil
}
