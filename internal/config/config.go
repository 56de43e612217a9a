// Package config loads and watches the hub's YAML configuration file.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.yaml.in/yaml/v3"
)

const (
	// maxConfigFileBytes caps the config read; anything larger is a mistake.
	maxConfigFileBytes int64 = 1 << 20 // 1MB

	defaultListen         = "127.0.0.1:7653"
	defaultIdleTimeout    = time.Minute
	defaultCommandTimeout = 5 * time.Second
	defaultClientPrefix   = "cchub-"
)

// userHomeDirFn is a test seam for home directory resolution.
var userHomeDirFn = os.UserHomeDir

// AuthConfig holds the credential material handed to the auth validator.
type AuthConfig struct {
	// Tokens are static bearer tokens accepted on the WebSocket upgrade.
	Tokens []string `yaml:"tokens,omitempty" json:"tokens,omitempty"`
	// JWTSecret enables CLI-minted JWT credentials when non-empty.
	JWTSecret string `yaml:"jwt_secret,omitempty" json:"jwt_secret,omitempty"`
}

// TmuxConfig locates the multiplexer.
type TmuxConfig struct {
	// Bin is the tmux executable; empty means "tmux" on PATH.
	Bin string `yaml:"bin,omitempty" json:"bin,omitempty"`
	// Socket selects a tmux server socket name (-L); empty uses the default.
	Socket string `yaml:"socket,omitempty" json:"socket,omitempty"`
	// ClientPrefix names control clients created by this hub. The orphan
	// sweep only ever detaches clients carrying this prefix.
	ClientPrefix string `yaml:"client_prefix,omitempty" json:"client_prefix,omitempty"`
}

// Config is the hub runtime configuration.
type Config struct {
	// Listen is the HTTP/WebSocket listen address.
	Listen string `yaml:"listen" json:"listen"`
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level" json:"log_level"`
	// IdleTimeout is how long a session controller survives without clients
	// before detaching ("60s", "5m"). Parsed as a Go duration.
	IdleTimeout string `yaml:"idle_timeout,omitempty" json:"idle_timeout,omitempty"`
	// CommandTimeout bounds the wait for a tmux command reply.
	CommandTimeout string `yaml:"command_timeout,omitempty" json:"command_timeout,omitempty"`
	// SessionLogPath is the SQLite session event log. Empty disables it.
	SessionLogPath string `yaml:"session_log_path,omitempty" json:"session_log_path,omitempty"`

	Auth AuthConfig `yaml:"auth" json:"auth"`
	Tmux TmuxConfig `yaml:"tmux" json:"tmux"`
}

// DefaultConfig returns the built-in defaults: loopback listen, no
// credentials (every upgrade rejected until the user configures some).
func DefaultConfig() Config {
	return Config{
		Listen:         defaultListen,
		LogLevel:       "info",
		IdleTimeout:    defaultIdleTimeout.String(),
		CommandTimeout: defaultCommandTimeout.String(),
		Tmux: TmuxConfig{
			ClientPrefix: defaultClientPrefix,
		},
	}
}

// DefaultPath resolves the config file location under the user config dir,
// falling back to the temp dir when no home directory resolves.
func DefaultPath() string {
	base := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME"))
	if base == "" {
		home, err := userHomeDirFn()
		if err != nil {
			slog.Warn("[WARN-CONFIG] using temp dir as config path fallback", "error", err)
			base = os.TempDir()
		} else {
			base = filepath.Join(home, ".config")
		}
	}
	return filepath.Join(base, "cc-hub", "config.yaml")
}

// Load reads the config file. A missing file returns defaults; a malformed
// one returns defaults plus the error so the caller can refuse to start.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, errors.New("config path required")
	}

	raw, err := readLimitedFile(path, maxConfigFileBytes)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return cfg, err
	}
	if len(raw) == 0 {
		return cfg, nil
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		slog.Warn("[WARN-CONFIG] failed to parse config", "path", path, "error", err)
		return DefaultConfig(), fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := applyDefaultsAndValidate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Save validates cfg, fills defaults, and atomically writes it to path via
// temp-file + rename. Returns the normalized config actually written.
func Save(path string, cfg Config) (Config, error) {
	if strings.TrimSpace(path) == "" {
		return cfg, errors.New("config path required")
	}
	if err := applyDefaultsAndValidate(&cfg); err != nil {
		return cfg, fmt.Errorf("save config: %w", err)
	}
	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return cfg, fmt.Errorf("save config: marshal: %w", err)
	}
	if err := atomicWrite(path, raw); err != nil {
		return cfg, err
	}
	slog.Debug("[DEBUG-CONFIG] config saved", "path", path)
	return cfg, nil
}

// EnsureFile writes default config if missing and returns the loaded config.
func EnsureFile(path string) (Config, error) {
	cfg, err := Load(path)
	if err != nil {
		return cfg, err
	}
	if _, statErr := os.Stat(path); errors.Is(statErr, os.ErrNotExist) {
		if _, err := Save(path, cfg); err != nil {
			return cfg, err
		}
	}
	return cfg, nil
}

// IdleTimeoutDuration returns the parsed idle timeout; validation guarantees
// it parses after Load/Save.
func (c Config) IdleTimeoutDuration() time.Duration {
	d, err := time.ParseDuration(c.IdleTimeout)
	if err != nil || d <= 0 {
		return defaultIdleTimeout
	}
	return d
}

// CommandTimeoutDuration returns the parsed command timeout.
func (c Config) CommandTimeoutDuration() time.Duration {
	d, err := time.ParseDuration(c.CommandTimeout)
	if err != nil || d <= 0 {
		return defaultCommandTimeout
	}
	return d
}

// SlogLevel maps LogLevel onto a slog.Level, defaulting to Info.
func (c Config) SlogLevel() slog.Level {
	switch strings.ToLower(strings.TrimSpace(c.LogLevel)) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// applyDefaultsAndValidate fills missing defaults and validates cfg in place.
// Used by both Load and Save so both paths normalize identically.
func applyDefaultsAndValidate(cfg *Config) error {
	defaults := DefaultConfig()
	if strings.TrimSpace(cfg.Listen) == "" {
		cfg.Listen = defaults.Listen
	}
	if strings.TrimSpace(cfg.LogLevel) == "" {
		cfg.LogLevel = defaults.LogLevel
	}
	if strings.TrimSpace(cfg.IdleTimeout) == "" {
		cfg.IdleTimeout = defaults.IdleTimeout
	}
	if _, err := time.ParseDuration(cfg.IdleTimeout); err != nil {
		return fmt.Errorf("config: idle_timeout: %w", err)
	}
	if strings.TrimSpace(cfg.CommandTimeout) == "" {
		cfg.CommandTimeout = defaults.CommandTimeout
	}
	if _, err := time.ParseDuration(cfg.CommandTimeout); err != nil {
		return fmt.Errorf("config: command_timeout: %w", err)
	}
	if strings.TrimSpace(cfg.Tmux.ClientPrefix) == "" {
		cfg.Tmux.ClientPrefix = defaults.Tmux.ClientPrefix
	}
	if strings.ContainsAny(cfg.Tmux.ClientPrefix, " \t'\"") {
		return fmt.Errorf("config: tmux.client_prefix %q must not contain spaces or quotes", cfg.Tmux.ClientPrefix)
	}
	if cfg.Tmux.Bin != "" && strings.ContainsRune(cfg.Tmux.Bin, '\x00') {
		return errors.New("config: tmux.bin contains invalid null byte")
	}

	tokens := make([]string, 0, len(cfg.Auth.Tokens))
	for i, t := range cfg.Auth.Tokens {
		t = strings.TrimSpace(t)
		if t == "" {
			slog.Warn("[WARN-CONFIG] auth.tokens entry is empty, skipping", "index", i)
			continue
		}
		if len(t) < 8 {
			return fmt.Errorf("config: auth.tokens[%d] shorter than 8 characters", i)
		}
		tokens = append(tokens, t)
	}
	if len(tokens) == 0 {
		tokens = nil
	}
	cfg.Auth.Tokens = tokens
	return nil
}

// atomicWrite writes data via temp file + rename in the target directory, so
// a crash never leaves a half-written config behind.
func atomicWrite(path string, data []byte) (err error) {
	dir := filepath.Dir(path)
	if err = os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("save config: mkdir: %w", err)
	}
	tmpFile, err := os.CreateTemp(dir, ".config.yaml.tmp.*")
	if err != nil {
		return fmt.Errorf("save config: create temp: %w", err)
	}
	tmpPath := tmpFile.Name()
	defer func() {
		if tmpFile != nil {
			if closeErr := tmpFile.Close(); closeErr != nil && !errors.Is(closeErr, os.ErrClosed) {
				slog.Warn("[WARN-CONFIG] failed to close temp file", "path", tmpPath, "error", closeErr)
			}
		}
		if err != nil {
			if removeErr := os.Remove(tmpPath); removeErr != nil && !errors.Is(removeErr, os.ErrNotExist) {
				slog.Warn("[WARN-CONFIG] failed to remove temp file", "path", tmpPath, "error", removeErr)
			}
		}
	}()

	if err = tmpFile.Chmod(0o600); err != nil {
		return fmt.Errorf("save config: chmod temp: %w", err)
	}
	if _, err = tmpFile.Write(data); err != nil {
		return fmt.Errorf("save config: write: %w", err)
	}
	if err = tmpFile.Sync(); err != nil {
		return fmt.Errorf("save config: sync: %w", err)
	}
	err = tmpFile.Close()
	tmpFile = nil
	if err != nil {
		return fmt.Errorf("save config: close: %w", err)
	}
	if err = os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("save config: rename: %w", err)
	}
	return nil
}

func readLimitedFile(path string, maxBytes int64) ([]byte, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	limited := io.LimitReader(file, maxBytes+1)
	raw, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}
	if int64(len(raw)) > maxBytes {
		return nil, fmt.Errorf("config file exceeds %d bytes", maxBytes)
	}
	return raw, nil
}
