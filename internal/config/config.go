// Package config loads and hot-reloads the orchestration core's runtime
// configuration: listen addresses, auth tokens, queue backpressure limits,
// timeout knobs, and the capability default/fallback provider table.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/memoryd/memoryd/internal/otel"
)

// CapabilityRule names the default worker capability to try for a task type
// and an ordered list of capabilities to fall back to when the default is
// unavailable or repeatedly fails.
type CapabilityRule struct {
	DefaultProvider   string   `yaml:"default_provider"`
	FallbackProviders []string `yaml:"fallback_providers"`
}

// Config is the orchestration core's runtime configuration.
type Config struct {
	HomeDir string `yaml:"-"`

	// HubBindAddr is the listen address for the Worker Hub's websocket
	// endpoint (/ws/worker).
	HubBindAddr string `yaml:"hub_bind_addr"`

	// FederationBindAddr is the listen address for the Federation Handler's
	// websocket endpoint (/ws/hub).
	FederationBindAddr string `yaml:"federation_bind_addr"`

	LogLevel string `yaml:"log_level"`

	// AuthToken gates Worker Hub connections. Empty means no auth required.
	AuthToken string `yaml:"auth_token"`

	// FederationAuthToken gates Federation Handler connections. Empty means
	// no auth required.
	FederationAuthToken string `yaml:"federation_auth_token"`

	// AllowOrigins controls which Origin headers are accepted on websocket
	// upgrades. Empty means local-only (no browser Origin required).
	AllowOrigins []string `yaml:"allow_origins"`

	// MaxQueueDepth caps pending tasks before create()/createIfNotExists()
	// return ErrQueueFull. 0 means unlimited.
	MaxQueueDepth int `yaml:"max_queue_depth"`

	AuthTimeoutSeconds       int `yaml:"auth_timeout_seconds"`
	HeartbeatIntervalSeconds int `yaml:"heartbeat_interval_seconds"`
	MaxMissedHeartbeats      int `yaml:"max_missed_heartbeats"`
	TaskTimeoutMs            int `yaml:"task_timeout_ms"`

	// DispatchIntervalMs is the tick period of the Task Dispatcher's main
	// dispatch-cycle loop.
	DispatchIntervalMs int `yaml:"dispatch_interval_ms"`

	// CleanupCronExpr drives the TaskQueue Repository's janitor sweep.
	CleanupCronExpr  string `yaml:"cleanup_cron_expr"`
	CleanupOlderThanMs int64 `yaml:"cleanup_older_than_ms"`

	// Capabilities maps a task type to its default/fallback provider rule.
	Capabilities map[string]CapabilityRule `yaml:"capabilities"`

	Otel otel.Config `yaml:"otel"`

	NeedsGenesis bool `yaml:"-"`
}

// defaultCapabilities matches the priority/fallback defaults named for the
// Task Service's public operations.
func defaultCapabilities() map[string]CapabilityRule {
	return map[string]CapabilityRule{
		"observation": {
			DefaultProvider:   "mistral",
			FallbackProviders: []string{"gemini", "openrouter", "openai", "sdk"},
		},
		"context-generate": {
			DefaultProvider:   "mistral",
			FallbackProviders: []string{"gemini", "openrouter", "openai", "sdk"},
		},
		"summarize": {
			DefaultProvider:   "mistral",
			FallbackProviders: []string{"gemini", "openrouter", "openai", "sdk"},
		},
		"embedding": {
			DefaultProvider:   "mistral",
			FallbackProviders: []string{"gemini", "openrouter", "openai", "sdk"},
		},
		"claude-md": {
			DefaultProvider:   "mistral",
			FallbackProviders: []string{"gemini", "openrouter", "openai", "sdk"},
		},
		"semantic-search": {
			DefaultProvider:   "mistral",
			FallbackProviders: []string{"gemini", "openrouter", "openai", "sdk"},
		},
	}
}

func defaultConfig() Config {
	return Config{
		HubBindAddr:              "127.0.0.1:18790",
		FederationBindAddr:       "127.0.0.1:18791",
		LogLevel:                 "info",
		MaxQueueDepth:            500,
		AuthTimeoutSeconds:       10,
		HeartbeatIntervalSeconds: 30,
		MaxMissedHeartbeats:      3,
		TaskTimeoutMs:            300000,
		DispatchIntervalMs:       250,
		CleanupCronExpr:          "*/10 * * * *",
		CleanupOlderThanMs:       int64((7 * 24 * time.Hour) / time.Millisecond),
		Capabilities:             defaultCapabilities(),
		Otel: otel.Config{
			Enabled:     false,
			Exporter:    "otlp-http",
			ServiceName: "memoryd",
			SampleRate:  1.0,
		},
	}
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// HomeDir resolves the directory holding config.yaml and runtime state.
// MEMORYD_HOME overrides the default of ~/.memoryd.
func HomeDir() string {
	if override := os.Getenv("MEMORYD_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".memoryd")
}

// Load reads config.yaml from HomeDir(), applies environment overrides, and
// fills in defaults for anything left unset.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create memoryd home: %w", err)
	}

	configPath := ConfigPath(cfg.HomeDir)
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.HubBindAddr == "" {
		cfg.HubBindAddr = "127.0.0.1:18790"
	}
	if cfg.FederationBindAddr == "" {
		cfg.FederationBindAddr = "127.0.0.1:18791"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.AuthTimeoutSeconds <= 0 {
		cfg.AuthTimeoutSeconds = 10
	}
	if cfg.HeartbeatIntervalSeconds <= 0 {
		cfg.HeartbeatIntervalSeconds = 30
	}
	if cfg.MaxMissedHeartbeats <= 0 {
		cfg.MaxMissedHeartbeats = 3
	}
	if cfg.TaskTimeoutMs <= 0 {
		cfg.TaskTimeoutMs = 300000
	}
	if cfg.DispatchIntervalMs <= 0 {
		cfg.DispatchIntervalMs = 250
	}
	if cfg.CleanupCronExpr == "" {
		cfg.CleanupCronExpr = "*/10 * * * *"
	}
	if cfg.Capabilities == nil {
		cfg.Capabilities = defaultCapabilities()
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("MEMORYD_HUB_BIND_ADDR"); raw != "" {
		cfg.HubBindAddr = raw
	}
	if raw := os.Getenv("MEMORYD_FEDERATION_BIND_ADDR"); raw != "" {
		cfg.FederationBindAddr = raw
	}
	if raw := os.Getenv("MEMORYD_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("MEMORYD_AUTH_TOKEN"); raw != "" {
		cfg.AuthToken = raw
	}
	if raw := os.Getenv("MEMORYD_FEDERATION_AUTH_TOKEN"); raw != "" {
		cfg.FederationAuthToken = raw
	}
	if raw := os.Getenv("MEMORYD_MAX_QUEUE_DEPTH"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.MaxQueueDepth = v
		}
	}
	if raw := os.Getenv("MEMORYD_TASK_TIMEOUT_MS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.TaskTimeoutMs = v
		}
	}
}

// Fingerprint returns a stable hash of the active config, used to detect
// whether a running process needs restarting after a hot-reload.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "hub=%s|fed=%s|log=%s|maxq=%d|origins=%v",
		c.HubBindAddr, c.FederationBindAddr, c.LogLevel, c.MaxQueueDepth, c.AllowOrigins)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

// CapabilityChain returns the ordered default-then-fallback capability list
// for the given task type. Returns nil if the type has no configured rule.
func (c Config) CapabilityChain(taskType string) []string {
	rule, ok := c.Capabilities[taskType]
	if !ok || rule.DefaultProvider == "" {
		return nil
	}
	chain := make([]string, 0, 1+len(rule.FallbackProviders))
	chain = append(chain, rule.DefaultProvider)
	chain = append(chain, rule.FallbackProviders...)
	return chain
}
