package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFromEnvDefaults(t *testing.T) {
	for _, k := range []string{
		"DUMP_STORAGE_PATH", "MAX_SESSIONS_PER_USER", "MAX_TOTAL_SESSIONS",
		"SESSION_INACTIVITY_THRESHOLD_MINUTES", "MAX_REQUEST_BODY_SIZE_GB",
		"API_KEY", "PORT",
	} {
		os.Unsetenv(k)
	}

	cfg, err := FromEnv("")
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if cfg.MaxSessionsPerUser != defaultMaxSessionsPerUser {
		t.Errorf("MaxSessionsPerUser = %d, want %d", cfg.MaxSessionsPerUser, defaultMaxSessionsPerUser)
	}
	if cfg.MaxTotalSessions != defaultMaxTotalSessions {
		t.Errorf("MaxTotalSessions = %d, want %d", cfg.MaxTotalSessions, defaultMaxTotalSessions)
	}
	if cfg.SessionInactivity != defaultSessionInactivityMinutes*time.Minute {
		t.Errorf("SessionInactivity = %v", cfg.SessionInactivity)
	}
	if cfg.AuthEnabled() {
		t.Error("AuthEnabled() = true with no API_KEY set")
	}
	if cfg.Port != defaultPort {
		t.Errorf("Port = %d, want %d", cfg.Port, defaultPort)
	}
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("MAX_SESSIONS_PER_USER", "3")
	t.Setenv("API_KEY", "secret")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example, https://b.example")

	cfg, err := FromEnv("")
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if cfg.MaxSessionsPerUser != 3 {
		t.Errorf("MaxSessionsPerUser = %d, want 3", cfg.MaxSessionsPerUser)
	}
	if !cfg.AuthEnabled() {
		t.Error("AuthEnabled() = false with API_KEY set")
	}
	if len(cfg.CORSAllowedOrigins) != 2 || cfg.CORSAllowedOrigins[0] != "https://a.example" {
		t.Errorf("CORSAllowedOrigins = %v", cfg.CORSAllowedOrigins)
	}
}

func TestLoadStaticMissingFileIsNotError(t *testing.T) {
	sc, err := loadStatic(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("loadStatic: %v", err)
	}
	if len(sc.SymbolServers) != 0 {
		t.Errorf("expected empty static config, got %+v", sc)
	}
}

func TestLoadStaticParsesYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "postmortem.yaml")
	body := []byte(`
symbol_servers:
  - name: corp
    url: https://symbols.example/corp
    timeout: 5m
plugin_search_roots:
  - /opt/sos
`)
	if err := os.WriteFile(path, body, 0644); err != nil {
		t.Fatal(err)
	}
	sc, err := loadStatic(path)
	if err != nil {
		t.Fatalf("loadStatic: %v", err)
	}
	if len(sc.SymbolServers) != 1 || sc.SymbolServers[0].Name != "corp" {
		t.Errorf("SymbolServers = %+v", sc.SymbolServers)
	}
	if sc.SymbolServers[0].Timeout != 5*time.Minute {
		t.Errorf("Timeout = %v, want 5m", sc.SymbolServers[0].Timeout)
	}
	if len(sc.PluginSearchRoots) != 1 || sc.PluginSearchRoots[0] != "/opt/sos" {
		t.Errorf("PluginSearchRoots = %v", sc.PluginSearchRoots)
	}
}
