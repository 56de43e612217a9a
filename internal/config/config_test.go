package config

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Listen != defaultListen {
		t.Errorf("Listen = %q, want %q", cfg.Listen, defaultListen)
	}
	if cfg.Tmux.ClientPrefix != defaultClientPrefix {
		t.Errorf("ClientPrefix = %q, want %q", cfg.Tmux.ClientPrefix, defaultClientPrefix)
	}
	if got := cfg.IdleTimeoutDuration(); got != defaultIdleTimeout {
		t.Errorf("IdleTimeoutDuration = %v, want %v", got, defaultIdleTimeout)
	}
}

func TestLoad_EmptyPathFails(t *testing.T) {
	t.Parallel()

	if _, err := Load(""); err == nil {
		t.Fatal("Load(\"\") succeeded")
	}
}

func TestLoad_ParsesFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	raw := `
listen: "0.0.0.0:9000"
log_level: debug
idle_timeout: 5m
session_log_path: /tmp/cchub.db
auth:
  tokens:
    - "super-secret-token"
  jwt_secret: "hub-jwt-secret"
tmux:
  bin: /opt/homebrew/bin/tmux
  socket: cchub
  client_prefix: "myhub-"
`
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Listen != "0.0.0.0:9000" {
		t.Errorf("Listen = %q", cfg.Listen)
	}
	if cfg.SlogLevel().String() != "DEBUG" {
		t.Errorf("SlogLevel = %v", cfg.SlogLevel())
	}
	if cfg.IdleTimeoutDuration() != 5*time.Minute {
		t.Errorf("IdleTimeoutDuration = %v", cfg.IdleTimeoutDuration())
	}
	if len(cfg.Auth.Tokens) != 1 || cfg.Auth.Tokens[0] != "super-secret-token" {
		t.Errorf("Tokens = %v", cfg.Auth.Tokens)
	}
	if cfg.Tmux.Socket != "cchub" || cfg.Tmux.ClientPrefix != "myhub-" {
		t.Errorf("Tmux = %+v", cfg.Tmux)
	}
	// Unset command_timeout falls back to the default.
	if cfg.CommandTimeoutDuration() != defaultCommandTimeout {
		t.Errorf("CommandTimeoutDuration = %v", cfg.CommandTimeoutDuration())
	}
}

func TestLoad_Validation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		raw  string
	}{
		{name: "BadIdleTimeout", raw: "idle_timeout: banana"},
		{name: "ShortToken", raw: "auth:\n  tokens:\n    - short"},
		{name: "QuotedClientPrefix", raw: "tmux:\n  client_prefix: \"a b\""},
		{name: "MalformedYAML", raw: "listen: [unclosed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			path := filepath.Join(t.TempDir(), "config.yaml")
			if err := os.WriteFile(path, []byte(tt.raw), 0o600); err != nil {
				t.Fatalf("WriteFile: %v", err)
			}
			if _, err := Load(path); err == nil {
				t.Errorf("Load accepted %q", tt.raw)
			}
		})
	}
}

func TestLoad_EmptyTokensSkipped(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	raw := "auth:\n  tokens:\n    - \"\"\n    - \"valid-token-1\"\n"
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Auth.Tokens) != 1 || cfg.Auth.Tokens[0] != "valid-token-1" {
		t.Errorf("Tokens = %v, want the empty entry dropped", cfg.Auth.Tokens)
	}
}

func TestSave_RoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := DefaultConfig()
	cfg.Listen = "0.0.0.0:8080"
	cfg.Auth.Tokens = []string{"roundtrip-token"}

	saved, err := Save(path, cfg)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if saved.Listen != "0.0.0.0:8080" {
		t.Errorf("saved.Listen = %q", saved.Listen)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load after Save: %v", err)
	}
	if loaded.Listen != cfg.Listen || len(loaded.Auth.Tokens) != 1 {
		t.Errorf("round trip = %+v", loaded)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("config file mode = %v, want 0600 (holds credentials)", info.Mode().Perm())
	}
}

func TestEnsureFile_CreatesDefaults(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	if _, err := EnsureFile(path); err != nil {
		t.Fatalf("EnsureFile: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("config file not created: %v", err)
	}
}

func TestLoad_OversizedFileRejected(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	big := "# " + strings.Repeat("x", int(maxConfigFileBytes))
	if err := os.WriteFile(path, []byte(big), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("Load accepted an oversized file")
	}
}

func TestWatch_ReloadsOnChange(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if _, err := Save(path, DefaultConfig()); err != nil {
		t.Fatalf("Save: %v", err)
	}

	var mu sync.Mutex
	var got []Config
	w, err := Watch(path, func(cfg Config) {
		mu.Lock()
		got = append(got, cfg)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer w.Close()

	next := DefaultConfig()
	next.LogLevel = "debug"
	if _, err := Save(path, next); err != nil {
		t.Fatalf("Save update: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		mu.Lock()
		n := len(got)
		var last Config
		if n > 0 {
			last = got[n-1]
		}
		mu.Unlock()
		if n > 0 && last.LogLevel == "debug" {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("reload callback never observed the updated config")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
