// Package config loads configuration from environment variables and flags.
package config

import (
	"flag"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all server configuration. It is fixed once Load returns.
type Config struct {
	// Server
	BindAddr    string
	Port        int
	RootDir     string
	MetricsAddr string

	// Logging
	LogLevel  string
	LogFormat string

	// Small-file cache
	CacheMaxEntries  int
	CacheMaxFileSize int64
	CacheTTL         time.Duration

	// Transfers
	RateLimitBytes    int64 // per transfer, bytes/sec; 0 = unlimited
	WriteStallTimeout time.Duration

	CORSEnabled bool
}

// Load reads configuration from environment variables with defaults, then
// applies command-line flags from args (without the program name).
func Load(args []string) (*Config, error) {
	cfg := &Config{
		BindAddr:          envOr("BIND_ADDR", "0.0.0.0"),
		Port:              envInt("PORT", 8000),
		RootDir:           envOr("ROOT_DIR", "."),
		MetricsAddr:       envOr("METRICS_ADDR", ""),
		LogLevel:          envOr("LOG_LEVEL", "info"),
		LogFormat:         envOr("LOG_FORMAT", "console"),
		CacheMaxEntries:   envInt("CACHE_MAX_ENTRIES", 128),
		CacheMaxFileSize:  envInt64("CACHE_MAX_FILE_SIZE", 4*1024*1024),
		CacheTTL:          envDuration("CACHE_TTL", 2*time.Hour),
		RateLimitBytes:    envInt64("RATE_LIMIT_BYTES", 100*1024*1024),
		WriteStallTimeout: envDuration("WRITE_STALL_TIMEOUT", 60*time.Second),
		CORSEnabled:       envBool("CORS_ENABLED", true),
	}

	fs := flag.NewFlagSet("dirserve", flag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: dirserve [flags] [directory]\n\n")
		fmt.Fprintf(fs.Output(), "A simple HTTP file server with byte-range support.\n\n")
		fs.PrintDefaults()
	}
	fs.StringVar(&cfg.BindAddr, "bind", cfg.BindAddr, "Address to bind to")
	fs.StringVar(&cfg.BindAddr, "b", cfg.BindAddr, "Shorthand for -bind")
	fs.IntVar(&cfg.Port, "port", cfg.Port, "Port to listen on")
	fs.IntVar(&cfg.Port, "p", cfg.Port, "Shorthand for -port")
	fs.StringVar(&cfg.MetricsAddr, "metrics", cfg.MetricsAddr, "Metrics/health listen address (empty disables)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level: debug, info, warn, error")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format: console or json")
	fs.BoolVar(&cfg.CORSEnabled, "cors", cfg.CORSEnabled, "Send permissive CORS headers")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	switch fs.NArg() {
	case 0:
	case 1:
		cfg.RootDir = fs.Arg(0)
	default:
		return nil, fmt.Errorf("expected at most one directory argument, got %d", fs.NArg())
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}

	abs, err := filepath.Abs(c.RootDir)
	if err != nil {
		return fmt.Errorf("resolve root directory: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return fmt.Errorf("root directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("not a directory: %s", abs)
	}
	c.RootDir = abs

	if c.CacheMaxEntries < 0 || c.CacheMaxFileSize < 0 {
		return fmt.Errorf("cache limits must not be negative")
	}
	if c.RateLimitBytes < 0 {
		return fmt.Errorf("RATE_LIMIT_BYTES must not be negative")
	}
	return nil
}

// ListenAddr returns the host:port the file server binds to.
func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.BindAddr, strconv.Itoa(c.Port))
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
