// Package config loads the daemon's runtime configuration from the
// environment variables enumerated in the service's external interface
// contract, layered over an optional YAML file for settings operators
// prefer not to put in the environment (symbol servers, plugin search
// roots). Environment variables always win; the YAML file only supplies
// nested/multi-valued settings with no natural env-var shape.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the daemon's resolved runtime configuration.
type Config struct {
	DumpStoragePath    string
	SymbolStoragePath  string
	SessionStoragePath string

	MaxSessionsPerUser int
	MaxTotalSessions   int
	SessionInactivity  time.Duration

	MaxRequestBodyBytes int64

	RateLimitPerMinute int
	CORSAllowedOrigins []string
	APIKey             string // empty disables auth

	SOSPluginPath string // override for the runtime-debug plugin binary

	SymbolDownloadTimeout time.Duration

	Port int

	Static StaticConfig
}

// StaticConfig holds settings an operator configures once via a YAML file
// rather than the environment: symbol server lists and plugin search
// roots, both naturally multi-valued.
type StaticConfig struct {
	SymbolServers       []SymbolServer `yaml:"symbol_servers,omitempty"`
	PluginSearchRoots   []string       `yaml:"plugin_search_roots,omitempty"`
	RuntimeInstallRoots []string       `yaml:"runtime_install_roots,omitempty"`
}

// SymbolServer is one entry in the ordered list of symbol servers used by
// symbol acquisition and by the runtime-debug plugin's symbol-server
// configuration. The acquisition server-path replaces the default list
// entirely — callers must include every server they want used.
type SymbolServer struct {
	Name     string        `yaml:"name"`
	URL      string        `yaml:"url"`
	CacheDir string        `yaml:"cache_dir,omitempty"`
	Timeout  time.Duration `yaml:"timeout,omitempty"`
}

const (
	defaultMaxSessionsPerUser       = 10
	defaultMaxTotalSessions         = 50
	defaultSessionInactivityMinutes = 1440
	defaultMaxRequestBodyGB         = 5
	defaultSymbolDownloadTimeoutMin = 20
	defaultPort                     = 8080
)

// FromEnv resolves Config from the process environment, applying the
// documented defaults for anything unset, then merges in a YAML static
// config file if staticConfigPath exists. A missing file is not an error.
func FromEnv(staticConfigPath string) (*Config, error) {
	cfg := &Config{
		DumpStoragePath:    envOr("DUMP_STORAGE_PATH", filepath.Join(os.TempDir(), "postmortem-dumps")),
		SymbolStoragePath:  envOr("SYMBOL_STORAGE_PATH", filepath.Join(os.TempDir(), "postmortem-symbols")),
		SessionStoragePath: envOr("SESSION_STORAGE_PATH", filepath.Join(os.TempDir(), "postmortem-sessions")),
		RateLimitPerMinute: envInt("RATE_LIMIT_PER_MINUTE", 0),
		APIKey:             os.Getenv("API_KEY"),
		SOSPluginPath:      os.Getenv("SOS_PLUGIN_PATH"),
		Port:               envInt("PORT", defaultPort),

		MaxSessionsPerUser: envInt("MAX_SESSIONS_PER_USER", defaultMaxSessionsPerUser),
		MaxTotalSessions:   envInt("MAX_TOTAL_SESSIONS", defaultMaxTotalSessions),
	}

	cfg.SessionInactivity = time.Duration(envInt("SESSION_INACTIVITY_THRESHOLD_MINUTES", defaultSessionInactivityMinutes)) * time.Minute

	maxBodyGB := envInt("MAX_REQUEST_BODY_SIZE_GB", defaultMaxRequestBodyGB)
	cfg.MaxRequestBodyBytes = int64(maxBodyGB) * 1024 * 1024 * 1024

	cfg.SymbolDownloadTimeout = time.Duration(envInt("SYMBOL_DOWNLOAD_TIMEOUT_MINUTES", defaultSymbolDownloadTimeoutMin)) * time.Minute

	if origins := os.Getenv("CORS_ALLOWED_ORIGINS"); origins != "" {
		cfg.CORSAllowedOrigins = splitComma(origins)
	}

	static, err := loadStatic(staticConfigPath)
	if err != nil {
		return nil, fmt.Errorf("config: load static config: %w", err)
	}
	cfg.Static = static

	return cfg, nil
}

func loadStatic(path string) (StaticConfig, error) {
	var sc StaticConfig
	if path == "" {
		return sc, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return sc, nil
		}
		return sc, err
	}
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return sc, fmt.Errorf("parse %s: %w", path, err)
	}
	return sc, nil
}

// AuthEnabled reports whether the API key gate is active.
func (c *Config) AuthEnabled() bool {
	return c.APIKey != ""
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func splitComma(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, trimSpace(s[start:i]))
			}
			start = i + 1
		}
	}
	return out
}

func trimSpace(s string) string {
	for len(s) > 0 && (s[0] == ' ' || s[0] == '\t') {
		s = s[1:]
	}
	for len(s) > 0 && (s[len(s)-1] == ' ' || s[len(s)-1] == '\t') {
		s = s[:len(s)-1]
	}
	return s
}
