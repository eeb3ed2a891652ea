// dirserve serves a directory tree over HTTP.
//
// Features:
// - HTML directory listings
// - Single and multi-range downloads (RFC 7233)
// - Small-file memory cache
// - Per-transfer rate limiting
// - Prometheus metrics & structured logging (zap)
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/dirserve/internal/cache"
	"github.com/fruitsalade/dirserve/internal/config"
	"github.com/fruitsalade/dirserve/internal/logging"
	"github.com/fruitsalade/dirserve/internal/metrics"
	"github.com/fruitsalade/dirserve/internal/resolve"
	"github.com/fruitsalade/dirserve/internal/server"
	"github.com/fruitsalade/dirserve/internal/sysutil"
	"github.com/fruitsalade/dirserve/internal/transfer"
)

func main() {
	cfg, err := config.Load(os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(2)
	}

	if err := logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "logging init error: %v\n", err)
		os.Exit(2)
	}
	defer logging.Sync()

	if limit, err := sysutil.OpenFileLimit(); err != nil {
		logging.Debug("open file limit unavailable", zap.Error(err))
	} else if limit.Low() {
		logging.S().Warnf("open file limit is %d (hard %d); each transfer holds two descriptors, raise it with ulimit -n",
			limit.Soft, limit.Hard)
	} else {
		logging.Info("open file limit", zap.Uint64("soft", limit.Soft), zap.Uint64("hard", limit.Hard))
	}

	res, err := resolve.NewResolver(cfg.RootDir, nil)
	if err != nil {
		logging.Fatal("root directory", zap.Error(err))
	}

	fileCache := cache.New(cache.Config{
		MaxEntries:  cfg.CacheMaxEntries,
		MaxFileSize: cfg.CacheMaxFileSize,
		TTL:         cfg.CacheTTL,
	})
	engine := transfer.New(transfer.Config{
		RateLimit:         cfg.RateLimitBytes,
		WriteStallTimeout: cfg.WriteStallTimeout,
	})
	srv := server.New(res, engine, fileCache, server.Options{CORS: cfg.CORSEnabled})

	// Kept off the file listener, where every path names a file.
	var metricsServer *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", metrics.Handler())
		mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.Write([]byte("ok\n"))
		})
		metricsServer = &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logging.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
			if err := metricsServer.ListenAndServe(); err != http.ErrServerClosed {
				logging.Error("metrics server error", zap.Error(err))
			}
		}()
	}

	// No WriteTimeout: large transfers are bounded per chunk by the
	// engine's write stall timeout instead.
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	printBanner(cfg, time.Now())

	errCh := make(chan error, 1)
	go func() {
		logging.Info("server listening",
			zap.String("addr", cfg.ListenAddr()),
			zap.String("root", res.Root()))
		errCh <- httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			logging.Fatal("server error", zap.Error(err))
		}
	case sig := <-sigCh:
		logging.Info("shutting down...", zap.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logging.Warn("server shutdown incomplete, closing connections", zap.Error(err))
		httpServer.Close()
	}
	if metricsServer != nil {
		metricsServer.Close()
	}
	logging.Info("server stopped")
}

func printBanner(cfg *config.Config, started time.Time) {
	lines := []string{
		"dirserve",
		"",
		"Serving:    " + cfg.RootDir,
		"Binding:    http://" + cfg.ListenAddr(),
		"Started at: " + started.Format(time.RFC3339),
	}
	if cfg.MetricsAddr != "" {
		lines = append(lines, "Metrics:    http://"+cfg.MetricsAddr+"/metrics")
	}

	width := 0
	for _, l := range lines {
		width = max(width, len(l))
	}
	border := strings.Repeat("═", width+4)
	fmt.Println("╔" + border + "╗")
	for _, l := range lines {
		fmt.Printf("║  %-*s  ║\n", width, l)
	}
	fmt.Println("╚" + border + "╝")
	fmt.Println()
}
