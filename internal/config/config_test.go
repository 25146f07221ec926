package config

import "testing"

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("expected default host 127.0.0.1, got %s", cfg.Server.Host)
	}
	if cfg.Server.Port != 8787 {
		t.Errorf("expected default port 8787, got %d", cfg.Server.Port)
	}
	if cfg.Store.Dir != "./store" {
		t.Errorf("expected default store dir ./store, got %s", cfg.Store.Dir)
	}
	if cfg.Limits.MaxEntries != 8000 {
		t.Errorf("expected default max entries 8000, got %d", cfg.Limits.MaxEntries)
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("HOST", "0.0.0.0")
	t.Setenv("PORT", "9000")
	t.Setenv("STORE_DIR", "/tmp/zipcas-store")
	t.Setenv("KEEP_SPOOL", "true")
	t.Setenv("MAX_ENTRIES", "10")
	t.Setenv("MAX_FILE_BYTES", "1024")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("Host = %s, want 0.0.0.0", cfg.Server.Host)
	}
	if cfg.Server.Port != 9000 {
		t.Errorf("Port = %d, want 9000", cfg.Server.Port)
	}
	if cfg.Store.Dir != "/tmp/zipcas-store" {
		t.Errorf("Store.Dir = %s, want /tmp/zipcas-store", cfg.Store.Dir)
	}
	if !cfg.Store.KeepSpool {
		t.Error("KeepSpool = false, want true")
	}
	if cfg.Limits.MaxEntries != 10 {
		t.Errorf("MaxEntries = %d, want 10", cfg.Limits.MaxEntries)
	}
	if cfg.Limits.MaxFileBytes != 1024 {
		t.Errorf("MaxFileBytes = %d, want 1024", cfg.Limits.MaxFileBytes)
	}
}

func TestInvalidPort(t *testing.T) {
	t.Setenv("PORT", "not-a-number")
	if _, err := Load(); err == nil {
		t.Error("expected error for invalid PORT")
	}
}

func TestAddr(t *testing.T) {
	s := Server{Host: "127.0.0.1", Port: 8787}
	if s.Addr() != "127.0.0.1:8787" {
		t.Errorf("Addr() = %s, want 127.0.0.1:8787", s.Addr())
	}
}
