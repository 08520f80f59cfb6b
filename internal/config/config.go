// Package config loads jagc configuration from the environment with an
// optional config.yaml overlay in the workspace directory.
package config

import (
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/default-anton/jagc/internal/telemetry"
)

const (
	DefaultHost = "127.0.0.1"
	DefaultPort = 31415

	// RunnerPi drives the external pi coding agent; RunnerEcho is the
	// in-process echo session used for tests and smoke runs.
	RunnerPi   = "pi"
	RunnerEcho = "echo"
)

var logLevels = map[string]bool{
	"fatal": true, "error": true, "warn": true, "info": true,
	"debug": true, "trace": true, "silent": true,
}

// TelegramConfig holds the Telegram ingress settings.
type TelegramConfig struct {
	Token string `yaml:"token"`
	// AllowedUserIDs is the canonicalized numeric allowlist. Empty means
	// the Telegram adapter stays disabled.
	AllowedUserIDs []string `yaml:"allowed_user_ids"`
}

// Enabled reports whether the Telegram adapter should start.
func (t TelegramConfig) Enabled() bool {
	return t.Token != "" && len(t.AllowedUserIDs) > 0
}

// Config is the resolved process configuration.
type Config struct {
	WorkspaceDir string `yaml:"workspace_dir"`
	DatabasePath string `yaml:"database_path"`
	Runner       string `yaml:"runner"`
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	LogLevel     string `yaml:"log_level"`

	Telegram TelegramConfig `yaml:"telegram"`

	// SchedulerInterval is the scheduled-task poll interval.
	SchedulerInterval time.Duration `yaml:"-"`
	// SchedulerCatchupGrace bounds how far in the past a due task may be
	// before its missed occurrences are coalesced into one catch-up run.
	SchedulerCatchupGrace time.Duration `yaml:"-"`

	Otel telemetry.OtelConfig `yaml:"otel"`
}

// Addr returns the host:port the HTTP API binds to.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Load resolves configuration: defaults, then a config.yaml overlay in the
// workspace (if present), then environment variables on top.
func Load() (*Config, error) {
	cfg := &Config{
		Runner:                RunnerPi,
		Host:                  DefaultHost,
		Port:                  DefaultPort,
		LogLevel:              "info",
		SchedulerInterval:     15 * time.Second,
		SchedulerCatchupGrace: 5 * time.Minute,
	}

	workspace := os.Getenv("WORKSPACE_DIR")
	if workspace == "" {
		workspace = "~/.jagc"
	}
	workspace, err := expandHome(workspace)
	if err != nil {
		return nil, fmt.Errorf("resolve WORKSPACE_DIR: %w", err)
	}
	cfg.WorkspaceDir = workspace

	if err := applyYAMLOverlay(cfg, filepath.Join(workspace, "config.yaml")); err != nil {
		return nil, err
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	dbPath := cfg.DatabasePath
	if dbPath == "" {
		dbPath = filepath.Join(cfg.WorkspaceDir, "jagc.sqlite")
	} else {
		dbPath, err = expandHome(dbPath)
		if err != nil {
			return nil, fmt.Errorf("resolve DATABASE_PATH: %w", err)
		}
		if !filepath.IsAbs(dbPath) {
			dbPath = filepath.Join(cfg.WorkspaceDir, dbPath)
		}
	}
	cfg.DatabasePath = dbPath

	if cfg.Runner != RunnerPi && cfg.Runner != RunnerEcho {
		return nil, fmt.Errorf("invalid RUNNER %q (want pi or echo)", cfg.Runner)
	}
	if !logLevels[cfg.LogLevel] {
		return nil, fmt.Errorf("invalid LOG_LEVEL %q", cfg.LogLevel)
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid PORT %d", cfg.Port)
	}
	return cfg, nil
}

func applyYAMLOverlay(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv("DATABASE_PATH"); v != "" {
		cfg.DatabasePath = v
	}
	if v := os.Getenv("RUNNER"); v != "" {
		cfg.Runner = v
	}
	if v := os.Getenv("HOST"); v != "" {
		cfg.Host = v
	}
	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid PORT %q: %w", v, err)
		}
		cfg.Port = port
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(strings.TrimSpace(v))
	}
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.Telegram.Token = v
	}
	if v, ok := os.LookupEnv("TELEGRAM_ALLOWED_USER_IDS"); ok {
		ids, err := ParseAllowedUserIDs(v)
		if err != nil {
			return err
		}
		cfg.Telegram.AllowedUserIDs = ids
	}
	if v := os.Getenv("SCHEDULER_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid SCHEDULER_INTERVAL %q: %w", v, err)
		}
		cfg.SchedulerInterval = d
	}
	if v := os.Getenv("SCHEDULER_CATCHUP_GRACE"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid SCHEDULER_CATCHUP_GRACE %q: %w", v, err)
		}
		cfg.SchedulerCatchupGrace = d
	}
	if v := os.Getenv("OTEL_ENABLED"); v != "" {
		cfg.Otel.Enabled = v == "1" || strings.EqualFold(v, "true")
	}
	if v := os.Getenv("OTEL_EXPORTER"); v != "" {
		cfg.Otel.Exporter = v
	}
	if v := os.Getenv("OTEL_ENDPOINT"); v != "" {
		cfg.Otel.Endpoint = v
	}
	return nil
}

// ParseAllowedUserIDs canonicalizes a comma-separated list of decimal
// Telegram user ids. Leading zeros are stripped and duplicates removed via
// big-integer parsing; any non-decimal entry is a configuration error.
func ParseAllowedUserIDs(raw string) ([]string, error) {
	var out []string
	seen := make(map[string]bool)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, ok := new(big.Int).SetString(part, 10)
		if !ok || n.Sign() < 0 {
			return nil, fmt.Errorf("invalid TELEGRAM_ALLOWED_USER_IDS entry %q", part)
		}
		id := n.String()
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out, nil
}

func expandHome(path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if path == "~" {
			return home, nil
		}
		return filepath.Join(home, path[2:]), nil
	}
	return path, nil
}
