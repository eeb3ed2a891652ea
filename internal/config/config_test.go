package config

import (
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	dir := t.TempDir()

	cfg, err := Load([]string{dir})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Port != 8000 {
		t.Errorf("expected port 8000, got %d", cfg.Port)
	}
	if cfg.BindAddr != "0.0.0.0" {
		t.Errorf("expected bind 0.0.0.0, got %s", cfg.BindAddr)
	}
	if cfg.ListenAddr() != "0.0.0.0:8000" {
		t.Errorf("unexpected listen addr %s", cfg.ListenAddr())
	}
	if cfg.CacheMaxEntries != 128 || cfg.CacheMaxFileSize != 4*1024*1024 || cfg.CacheTTL != 2*time.Hour {
		t.Errorf("unexpected cache defaults: %+v", cfg)
	}
	if !filepath.IsAbs(cfg.RootDir) {
		t.Errorf("root dir should be absolute, got %s", cfg.RootDir)
	}
}

func TestLoad_EnvAndFlags(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("PORT", "9001")
	t.Setenv("BIND_ADDR", "127.0.0.1")
	t.Setenv("RATE_LIMIT_BYTES", "0")
	t.Setenv("CACHE_TTL", "5m")
	t.Setenv("ROOT_DIR", dir)

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != 9001 || cfg.BindAddr != "127.0.0.1" {
		t.Errorf("env not applied: %+v", cfg)
	}
	if cfg.RateLimitBytes != 0 {
		t.Errorf("expected unlimited rate, got %d", cfg.RateLimitBytes)
	}
	if cfg.CacheTTL != 5*time.Minute {
		t.Errorf("expected 5m TTL, got %s", cfg.CacheTTL)
	}

	// Flags win over env.
	cfg, err = Load([]string{"-p", "9100", "-b", "::1", dir})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr() != "[::1]:9100" {
		t.Errorf("unexpected listen addr %s", cfg.ListenAddr())
	}
}

func TestLoad_Invalid(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name string
		args []string
	}{
		{"bad port", []string{"-port", "70000", dir}},
		{"missing dir", []string{filepath.Join(dir, "nope")}},
		{"two dirs", []string{dir, dir}},
		{"unknown flag", []string{"-nope", dir}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Load(tt.args); err == nil {
				t.Error("expected error")
			}
		})
	}
}
