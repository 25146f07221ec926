// Package config loads zipcasd's environment-driven configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Server holds HTTP listener configuration.
type Server struct {
	Host string
	Port int
}

// Addr returns the host:port listen address.
func (s Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Store holds CAS persistence configuration.
type Store struct {
	Dir       string
	KeepSpool bool
}

// Limits holds the upload caps from spec §6.
type Limits struct {
	MaxEntries    int
	MaxFileBytes  int64
	MaxTotalBytes int64
	MaxZipBytes   int64
}

// Config is the complete process configuration.
type Config struct {
	Server Server
	Store  Store
	Limits Limits
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: Server{
			Host: "127.0.0.1",
			Port: 8787,
		},
		Store: Store{
			Dir:       "./store",
			KeepSpool: false,
		},
		Limits: Limits{
			MaxEntries:    8000,
			MaxFileBytes:  500 * 1024 * 1024,
			MaxTotalBytes: 2 * 1024 * 1024 * 1024,
			MaxZipBytes:   300 * 1024 * 1024,
		},
	}
}

// Load builds a Config from DefaultConfig with environment overrides applied.
func Load() (*Config, error) {
	cfg := DefaultConfig()
	if err := cfg.applyEnvironmentOverrides(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnvironmentOverrides() error {
	if v := os.Getenv("HOST"); v != "" {
		c.Server.Host = v
	}
	if v := os.Getenv("PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid PORT %q: %w", v, err)
		}
		c.Server.Port = p
	}
	if v := os.Getenv("STORE_DIR"); v != "" {
		c.Store.Dir = v
	}
	if v := os.Getenv("KEEP_SPOOL"); v != "" {
		c.Store.KeepSpool = isTruthy(v)
	}

	if err := overrideInt(&c.Limits.MaxEntries, "MAX_ENTRIES"); err != nil {
		return err
	}
	if err := overrideInt64(&c.Limits.MaxFileBytes, "MAX_FILE_BYTES"); err != nil {
		return err
	}
	if err := overrideInt64(&c.Limits.MaxTotalBytes, "MAX_TOTAL_BYTES"); err != nil {
		return err
	}
	if err := overrideInt64(&c.Limits.MaxZipBytes, "MAX_ZIP_BYTES"); err != nil {
		return err
	}
	return nil
}

func overrideInt(dst *int, env string) error {
	v := os.Getenv(env)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", env, v, err)
	}
	*dst = n
	return nil
}

func overrideInt64(dst *int64, env string) error {
	v := os.Getenv(env)
	if v == "" {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", env, v, err)
	}
	*dst = n
	return nil
}

func isTruthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "t", "true", "yes", "y", "on":
		return true
	default:
		return false
	}
}
