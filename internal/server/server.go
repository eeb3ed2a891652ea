// Package server dispatches HTTP requests to directory listings and file
// transfers.
package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"path"
	"strconv"
	"time"

	"github.com/rs/cors"

	"github.com/fruitsalade/dirserve/internal/cache"
	"github.com/fruitsalade/dirserve/internal/listing"
	"github.com/fruitsalade/dirserve/internal/logging"
	"github.com/fruitsalade/dirserve/internal/metrics"
	"github.com/fruitsalade/dirserve/internal/ranges"
	"github.com/fruitsalade/dirserve/internal/render"
	"github.com/fruitsalade/dirserve/internal/resolve"
	"github.com/fruitsalade/dirserve/internal/transfer"
)

// ErrorResponse is the JSON body of every error response.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      int    `json:"code"`
	RequestID string `json:"request_id,omitempty"`
}

// Options toggles optional behavior.
type Options struct {
	CORS bool
}

// Server serves a directory tree read-only.
type Server struct {
	resolver *resolve.Resolver
	lister   *listing.Builder
	engine   *transfer.Engine
	cache    *cache.Cache // nil disables the small-file cache
	opts     Options
}

// New creates a server. fileCache may be nil.
func New(res *resolve.Resolver, engine *transfer.Engine, fileCache *cache.Cache, opts Options) *Server {
	return &Server{
		resolver: res,
		lister:   listing.New(res),
		engine:   engine,
		cache:    fileCache,
		opts:     opts,
	}
}

// Handler returns the HTTP handler with access logging, metrics and,
// if enabled, CORS.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s
	if s.opts.CORS {
		h = cors.New(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{http.MethodGet, http.MethodHead},
			AllowedHeaders: []string{"Range"},
			ExposedHeaders: []string{"Accept-Ranges", "Content-Disposition", "Content-Length", "Content-Range", "X-Request-ID"},
		}).Handler(h)
	}
	return metrics.Middleware(logging.Middleware(h))
}

// ServeHTTP resolves the request path, then lists a directory or
// transfers a file. The status is always decided before any body byte.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		s.sendError(w, r, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	target, err := s.resolver.Resolve(r.URL.EscapedPath())
	if err != nil {
		if errors.Is(err, resolve.ErrMalformedPath) {
			s.sendError(w, r, http.StatusBadRequest, "malformed path")
			return
		}
		logging.WithContext(r.Context()).Error("resolve failed", logging.Err(err))
		s.sendError(w, r, http.StatusInternalServerError, "internal server error")
		return
	}

	switch target.Kind {
	case resolve.Directory:
		s.serveDirectory(w, r, target)
	case resolve.RegularFile:
		s.serveFile(w, r, target)
	default:
		s.sendError(w, r, http.StatusNotFound, "not found")
	}
}

func (s *Server) serveDirectory(w http.ResponseWriter, r *http.Request, dir resolve.Target) {
	logger := logging.WithContext(r.Context())

	entries, err := s.lister.Build(dir)
	if err != nil {
		if errors.Is(err, listing.ErrNotFound) {
			s.sendError(w, r, http.StatusNotFound, "not found")
			return
		}
		logger.Error("list directory failed", logging.Err(err))
		s.sendError(w, r, http.StatusInternalServerError, "internal server error")
		return
	}

	body, err := render.Listing(dir.Rel, entries)
	if err != nil {
		logger.Error("render listing failed", logging.Err(err))
		s.sendError(w, r, http.StatusInternalServerError, "internal server error")
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	w.Write(body)
}

func (s *Server) serveFile(w http.ResponseWriter, r *http.Request, file resolve.Target) {
	logger := logging.WithContext(r.Context())
	head := r.Method == http.MethodHead
	started := time.Now()

	f, err := s.resolver.FS().Open(file.Path)
	if err != nil {
		s.fileError(w, r, err)
		return
	}
	defer f.Close()

	// The file may have changed since it was resolved; send what the open
	// handle sees.
	info, err := f.Stat()
	if err != nil {
		s.fileError(w, r, err)
		return
	}
	if !info.Mode().IsRegular() {
		s.sendError(w, r, http.StatusNotFound, "not found")
		return
	}

	src := transfer.Source{
		Reader:  f,
		Size:    info.Size(),
		Name:    path.Base(file.Rel),
		ModTime: info.ModTime(),
	}
	var cached bool
	if !head && s.cache.Cacheable(info.Size()) {
		data, err := s.cache.Get(file.Path, info.ModTime(), info.Size(), func() ([]byte, error) {
			return readAll(f, info.Size())
		})
		switch {
		case err == nil:
			src.Reader = bytes.NewReader(data)
			cached = true
		case errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, io.EOF):
			// Truncated while loading; stream what is left.
			logger.Debug("cache load raced a write", logging.String("path", file.Rel), logging.Err(err))
			if info, err = f.Stat(); err != nil {
				s.fileError(w, r, err)
				return
			}
			src.Size, src.ModTime = info.Size(), info.ModTime()
		default:
			s.fileError(w, r, err)
			return
		}
	}

	plan := ranges.Parse(r.Header.Get("Range"), src.Size)
	opts := transfer.Options{
		Head:     head,
		Download: r.URL.Query().Has("download"),
		InMemory: cached,
	}

	written, err := s.engine.Transfer(r.Context(), w, src, plan, opts)
	if err != nil {
		// Headers are gone; the client sees a short body and a closed
		// connection.
		logger.Debug("transfer aborted",
			logging.String("path", file.Rel),
			logging.String("plan", plan.Kind.String()),
			logging.Int64("written", written),
			logging.Duration("elapsed", time.Since(started)),
			logging.Err(err),
		)
	}
}

func (s *Server) fileError(w http.ResponseWriter, r *http.Request, err error) {
	if resolve.IsNotExist(err) {
		s.sendError(w, r, http.StatusNotFound, "not found")
		return
	}
	logging.WithContext(r.Context()).Error("open file failed", logging.Err(err))
	s.sendError(w, r, http.StatusInternalServerError, "internal server error")
}

func readAll(f io.ReaderAt, size int64) ([]byte, error) {
	buf := make([]byte, size)
	if _, err := io.ReadFull(io.NewSectionReader(f, 0, size), buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func (s *Server) sendError(w http.ResponseWriter, r *http.Request, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:     message,
		Code:      code,
		RequestID: logging.GetRequestID(r.Context()),
	})
}
