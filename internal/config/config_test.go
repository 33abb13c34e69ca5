package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_DefaultWhenMissing(t *testing.T) {
	tmpDir := t.TempDir()

	cfg, err := Load(tmpDir)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BatchSize != 10 {
		t.Errorf("BatchSize = %d, want 10", cfg.BatchSize)
	}
	if cfg.FlushInterval() != 5*time.Second {
		t.Errorf("FlushInterval() = %v, want 5s", cfg.FlushInterval())
	}
	if cfg.SessionTTL() != 30*24*time.Hour {
		t.Errorf("SessionTTL() = %v, want 720h", cfg.SessionTTL())
	}
	if cfg.ScrollDebounce() != 150*time.Millisecond {
		t.Errorf("ScrollDebounce() = %v, want 150ms", cfg.ScrollDebounce())
	}
}

func TestLoad_OverridesFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.json")

	if err := os.WriteFile(configPath, []byte(`{"batch_size": 25, "collector_url": "https://collect.example.org"}`), 0600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	cfg, err := Load(tmpDir)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BatchSize != 25 {
		t.Errorf("BatchSize = %d, want 25", cfg.BatchSize)
	}
	if cfg.CollectorURL != "https://collect.example.org" {
		t.Errorf("CollectorURL = %q", cfg.CollectorURL)
	}
	// Untouched defaults survive
	if cfg.FlushIntervalMs != 5000 {
		t.Errorf("FlushIntervalMs = %d, want 5000", cfg.FlushIntervalMs)
	}
}

func TestLoad_InvalidJSON(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.json")

	if err := os.WriteFile(configPath, []byte(`{not json}`), 0600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	if _, err := Load(tmpDir); err == nil {
		t.Fatalf("Load() expected error, got nil")
	}
}

func TestLoad_RejectsNonPositiveValues(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"negative rapid click count", `{"rapid_click_count": -1}`},
		{"negative session ttl", `{"session_ttl_days": -1}`},
		{"negative batch size", `{"batch_size": -5}`},
		{"negative send timeout", `{"send_timeout_ms": -100}`},
		{"negative pool size", `{"db_max_open_conns": -1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpDir := t.TempDir()
			if err := os.WriteFile(filepath.Join(tmpDir, "config.json"), []byte(tt.body), 0600); err != nil {
				t.Fatalf("WriteFile() error = %v", err)
			}
			if _, err := Load(tmpDir); err == nil {
				t.Errorf("Load() accepted %s", tt.body)
			}
			if _, err := LoadWithRepo(tmpDir, t.TempDir()); err == nil {
				t.Errorf("LoadWithRepo() accepted %s", tt.body)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("DefaultConfig().Validate() error = %v", err)
	}

	cfg := DefaultConfig()
	cfg.FormAbandonMs = 0
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() accepted form_abandon_ms = 0")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("CASETRACK_COLLECTOR_URL", "http://10.0.0.5:9000")
	t.Setenv("CASETRACK_BATCH_SIZE", "3")
	t.Setenv("CASETRACK_DEBUG", "true")

	cfg, err := Load(tmpDir)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.CollectorURL != "http://10.0.0.5:9000" {
		t.Errorf("CollectorURL = %q", cfg.CollectorURL)
	}
	if cfg.BatchSize != 3 {
		t.Errorf("BatchSize = %d, want 3", cfg.BatchSize)
	}
	if !cfg.Debug {
		t.Error("Debug should be true")
	}
}

func TestLoad_EnvInvalidInt(t *testing.T) {
	t.Setenv("CASETRACK_FLUSH_INTERVAL_MS", "soon")

	if _, err := Load(t.TempDir()); err == nil {
		t.Fatal("Load() expected error for non-numeric interval")
	}
}

func TestLoadDotEnv(t *testing.T) {
	tmpDir := t.TempDir()
	envPath := filepath.Join(tmpDir, ".env")
	if err := os.WriteFile(envPath, []byte("CASETRACK_MAX_QUEUE_SIZE=42\n"), 0600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	// Registers cleanup of the variable godotenv is about to set.
	t.Setenv("CASETRACK_MAX_QUEUE_SIZE", "")
	os.Unsetenv("CASETRACK_MAX_QUEUE_SIZE")

	if err := LoadDotEnv(envPath); err != nil {
		t.Fatalf("LoadDotEnv() error = %v", err)
	}
	cfg, err := Load(tmpDir)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.MaxQueueSize != 42 {
		t.Errorf("MaxQueueSize = %d, want 42", cfg.MaxQueueSize)
	}
}

func TestLoadDotEnv_MissingFile(t *testing.T) {
	if err := LoadDotEnv(filepath.Join(t.TempDir(), ".env")); err != nil {
		t.Fatalf("LoadDotEnv() error = %v, want nil for missing file", err)
	}
}

func TestLoad_DisabledTools(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.json")

	if err := os.WriteFile(configPath, []byte(`{"disabled_tools": ["tracker_flag", "tracker_flush"]}`), 0600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	cfg, err := Load(tmpDir)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if len(cfg.DisabledTools) != 2 {
		t.Fatalf("DisabledTools length = %d, want 2", len(cfg.DisabledTools))
	}
	if cfg.DisabledTools[0] != "tracker_flag" {
		t.Errorf("DisabledTools[0] = %q, want %q", cfg.DisabledTools[0], "tracker_flag")
	}
}

func TestLoadWithRepo_SiteOverridesGlobal(t *testing.T) {
	globalDir := t.TempDir()
	siteRoot := t.TempDir()

	globalConfig := `{"batch_size": 20, "reserved_subdomains": ["cdn"]}`
	if err := os.WriteFile(filepath.Join(globalDir, "config.json"), []byte(globalConfig), 0600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	siteDir := filepath.Join(siteRoot, ".casetrack")
	if err := os.MkdirAll(siteDir, 0755); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}
	siteConfig := `{"batch_size": 5, "reserved_subdomains": ["status"]}`
	if err := os.WriteFile(filepath.Join(siteDir, "config.json"), []byte(siteConfig), 0600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	nested := filepath.Join(siteRoot, "pages", "case")
	if err := os.MkdirAll(nested, 0755); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}

	cfg, err := LoadWithRepo(globalDir, nested)
	if err != nil {
		t.Fatalf("LoadWithRepo() error = %v", err)
	}

	if cfg.BatchSize != 5 {
		t.Errorf("BatchSize = %d, want 5 (site override)", cfg.BatchSize)
	}
	has := make(map[string]bool)
	for _, s := range cfg.ReservedSubdomains {
		has[s] = true
	}
	for _, want := range []string{"www", "cdn", "status"} {
		if !has[want] {
			t.Errorf("ReservedSubdomains missing %q: %v", want, cfg.ReservedSubdomains)
		}
	}
}

func TestFindRepoConfig_NotFound(t *testing.T) {
	if found := FindRepoConfig(t.TempDir()); found != "" {
		t.Errorf("FindRepoConfig() = %q, want empty string", found)
	}
}

func TestMerge_ScalarOverride(t *testing.T) {
	base := &Config{BatchSize: 10, DBMaxOpenConns: 5}
	overlay := &Config{BatchSize: 4}

	result := Merge(base, overlay)

	if result.BatchSize != 4 {
		t.Errorf("BatchSize = %d, want 4 (overlay)", result.BatchSize)
	}
	if result.DBMaxOpenConns != 5 {
		t.Errorf("DBMaxOpenConns = %d, want 5 (base, overlay is zero)", result.DBMaxOpenConns)
	}
}

func TestMerge_BooleanOr(t *testing.T) {
	result := Merge(&Config{Debug: true}, &Config{Debug: false})
	if !result.Debug {
		t.Error("Debug should be true (base OR overlay)")
	}
}

func TestMerge_ArrayMergeDedup(t *testing.T) {
	base := &Config{DisabledTools: []string{"tracker_flag", "tracker_flush"}}
	overlay := &Config{DisabledTools: []string{" tracker_flush ", "tracker_status"}}

	result := Merge(base, overlay)

	if len(result.DisabledTools) != 3 {
		t.Errorf("DisabledTools = %v, want 3 entries (merged, deduped)", result.DisabledTools)
	}
}

func TestLocation(t *testing.T) {
	cfg := &Config{Timezone: "Europe/Berlin"}
	if got := cfg.Location().String(); got != "Europe/Berlin" {
		t.Errorf("Location() = %q, want Europe/Berlin", got)
	}

	cfg.Timezone = "Not/AZone"
	if cfg.Location() != time.Local {
		t.Error("unknown zone should fall back to time.Local")
	}
}
