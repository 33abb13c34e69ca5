package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds tracker configuration.
type Config struct {
	// CollectorURL is the base URL of the collector. Batches are posted to
	// CollectorURL + "/track/batch".
	CollectorURL string `json:"collector_url"`

	// BatchSize is the queue length that triggers an immediate flush.
	BatchSize int `json:"batch_size"`

	// FlushIntervalMs is the period of the flush timer.
	FlushIntervalMs int `json:"flush_interval_ms"`

	// MaxQueueSize caps the queue under sustained delivery failure.
	// Beyond it the oldest non-urgent events are dropped.
	MaxQueueSize int `json:"max_queue_size"`

	// SessionTTLDays is the lifetime of the session id in the durable tier.
	SessionTTLDays int `json:"session_ttl_days"`

	// ScrollDebounceMs is the scroll inactivity before a scroll event is emitted.
	ScrollDebounceMs int `json:"scroll_debounce_ms"`

	// RapidScrollPxPerSec is the scroll speed above which rapid_scroll is emitted.
	RapidScrollPxPerSec int `json:"rapid_scroll_px_per_sec"`

	// RapidClickCount is the number of clicks within RapidClickWindowMs that
	// must be exceeded to emit rapid_click.
	RapidClickCount    int `json:"rapid_click_count"`
	RapidClickWindowMs int `json:"rapid_click_window_ms"`

	// FormAbandonMs is the input inactivity on a focused field after which
	// leaving the field counts as abandonment.
	FormAbandonMs int `json:"form_abandon_ms"`

	// FingerprintTimeoutMs bounds the fingerprint probe before falling back.
	FingerprintTimeoutMs int `json:"fingerprint_timeout_ms"`

	// SendTimeoutMs bounds a single delivery attempt.
	SendTimeoutMs int `json:"send_timeout_ms"`

	// Timezone is the IANA zone used for local timestamps and the
	// unusual-hour heuristic. Empty means the host's local zone.
	Timezone string `json:"timezone,omitempty"`

	// ReservedSubdomains are host labels that never name a case.
	ReservedSubdomains []string `json:"reserved_subdomains,omitempty"`

	// Debug enables diagnostic logging to stderr.
	Debug bool `json:"debug,omitempty"`

	// DBMaxOpenConns limits the maximum number of open database connections.
	// 0 means use sql.DB default (unlimited).
	DBMaxOpenConns int `json:"db_max_open_conns,omitempty"`

	// DBMaxIdleConns limits the maximum number of idle database connections.
	DBMaxIdleConns int `json:"db_max_idle_conns,omitempty"`

	// DisabledTools is a list of MCP tool names to exclude from registration.
	// Unknown tool names are logged as warnings.
	DisabledTools []string `json:"disabled_tools,omitempty"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		CollectorURL:         "http://localhost:8080",
		BatchSize:            10,
		FlushIntervalMs:      5000,
		MaxQueueSize:         1000,
		SessionTTLDays:       30,
		ScrollDebounceMs:     150,
		RapidScrollPxPerSec:  5000,
		RapidClickCount:      10,
		RapidClickWindowMs:   1000,
		FormAbandonMs:        30000,
		FingerprintTimeoutMs: 2000,
		SendTimeoutMs:        10000,
		ReservedSubdomains:   []string{"www", "app", "api", "admin", "dashboard", "staging"},
	}
}

// FlushInterval returns FlushIntervalMs as a duration.
func (c *Config) FlushInterval() time.Duration { return ms(c.FlushIntervalMs) }

// SessionTTL returns SessionTTLDays as a duration.
func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.SessionTTLDays) * 24 * time.Hour
}

// ScrollDebounce returns ScrollDebounceMs as a duration.
func (c *Config) ScrollDebounce() time.Duration { return ms(c.ScrollDebounceMs) }

// RapidClickWindow returns RapidClickWindowMs as a duration.
func (c *Config) RapidClickWindow() time.Duration { return ms(c.RapidClickWindowMs) }

// FormAbandon returns FormAbandonMs as a duration.
func (c *Config) FormAbandon() time.Duration { return ms(c.FormAbandonMs) }

// FingerprintTimeout returns FingerprintTimeoutMs as a duration.
func (c *Config) FingerprintTimeout() time.Duration { return ms(c.FingerprintTimeoutMs) }

// SendTimeout returns SendTimeoutMs as a duration.
func (c *Config) SendTimeout() time.Duration { return ms(c.SendTimeoutMs) }

// Location resolves Timezone, falling back to time.Local when it is empty or unknown.
func (c *Config) Location() *time.Location {
	if c.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// Validate rejects settings that would break the tracker's thresholds or
// identity lifetime. Every duration, size and threshold must be positive.
func (c *Config) Validate() error {
	positive := []struct {
		key string
		val int
	}{
		{"batch_size", c.BatchSize},
		{"flush_interval_ms", c.FlushIntervalMs},
		{"max_queue_size", c.MaxQueueSize},
		{"session_ttl_days", c.SessionTTLDays},
		{"scroll_debounce_ms", c.ScrollDebounceMs},
		{"rapid_scroll_px_per_sec", c.RapidScrollPxPerSec},
		{"rapid_click_count", c.RapidClickCount},
		{"rapid_click_window_ms", c.RapidClickWindowMs},
		{"form_abandon_ms", c.FormAbandonMs},
		{"fingerprint_timeout_ms", c.FingerprintTimeoutMs},
		{"send_timeout_ms", c.SendTimeoutMs},
	}
	for _, p := range positive {
		if p.val <= 0 {
			return fmt.Errorf("%s must be a positive integer, got %d", p.key, p.val)
		}
	}
	if c.DBMaxOpenConns < 0 || c.DBMaxIdleConns < 0 {
		return fmt.Errorf("db_max_open_conns and db_max_idle_conns must not be negative")
	}
	return nil
}

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

// Load loads configuration from baseDir/config.json, then applies environment
// overrides (see ApplyEnv). Returns default config if the file doesn't exist.
// The baseDir parameter allows tests to use t.TempDir() instead of ~/.casetrack.
func Load(baseDir string) (*Config, error) {
	cfg, err := loadFile(filepath.Join(baseDir, "config.json"))
	if err != nil {
		return nil, err
	}
	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadWithRepo loads configuration from both global (~/.casetrack) and site
// (.casetrack) directories, then applies environment overrides.
// Site config is found by walking upward from startDir to find the nearest
// .casetrack/config.json. Site config takes precedence for scalar values;
// arrays are merged (deduplicated). Either or both configs may be missing.
func LoadWithRepo(globalDir, startDir string) (*Config, error) {
	global, err := loadFileRaw(filepath.Join(globalDir, "config.json"))
	if err != nil {
		return nil, err
	}

	repo, err := loadFileRaw(FindRepoConfig(startDir))
	if err != nil {
		return nil, err
	}

	cfg := Merge(Merge(DefaultConfig(), global), repo)
	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FindRepoConfig walks upward from startDir to find the nearest .casetrack/config.json.
// Returns the path if found, or empty string if not found.
func FindRepoConfig(startDir string) string {
	dir := startDir
	for {
		configPath := filepath.Join(dir, ".casetrack", "config.json")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// LoadDotEnv loads a .env file into the process environment if one exists.
// Variables already set in the environment are not overwritten.
func LoadDotEnv(path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return godotenv.Load(path)
}

// ApplyEnv overrides cfg fields from CASETRACK_* environment variables.
func ApplyEnv(cfg *Config) error {
	if v := os.Getenv("CASETRACK_COLLECTOR_URL"); v != "" {
		cfg.CollectorURL = v
	}
	if v := os.Getenv("CASETRACK_TIMEZONE"); v != "" {
		cfg.Timezone = v
	}
	if v := os.Getenv("CASETRACK_DEBUG"); v != "" {
		cfg.Debug = v == "1" || strings.EqualFold(v, "true")
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"CASETRACK_BATCH_SIZE", &cfg.BatchSize},
		{"CASETRACK_FLUSH_INTERVAL_MS", &cfg.FlushIntervalMs},
		{"CASETRACK_MAX_QUEUE_SIZE", &cfg.MaxQueueSize},
		{"CASETRACK_SESSION_TTL_DAYS", &cfg.SessionTTLDays},
		{"CASETRACK_SEND_TIMEOUT_MS", &cfg.SendTimeoutMs},
	}
	for _, e := range ints {
		v := os.Getenv(e.key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return fmt.Errorf("%s must be a positive integer, got %q", e.key, v)
		}
		*e.dst = n
	}
	return nil
}

// loadFileRaw loads configuration from a specific file path.
// Returns zero-valued config if the file doesn't exist (not defaults).
func loadFileRaw(configPath string) (*Config, error) {
	if configPath == "" {
		return &Config{}, nil
	}
	data, err := os.ReadFile(configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Config{}, nil
		}
		return nil, err
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadFile loads configuration from a specific file path.
// Returns default config if the file doesn't exist.
func loadFile(configPath string) (*Config, error) {
	cfg, err := loadFileRaw(configPath)
	if err != nil {
		return nil, err
	}
	return Merge(DefaultConfig(), cfg), nil
}

// Merge combines base and overlay configs.
// Overlay values take precedence for scalars; arrays are merged and deduplicated.
func Merge(base, overlay *Config) *Config {
	result := &Config{}

	// Scalars: overlay wins if non-zero, else base
	result.CollectorURL = pickString(overlay.CollectorURL, base.CollectorURL)
	result.Timezone = pickString(overlay.Timezone, base.Timezone)
	result.BatchSize = pickInt(overlay.BatchSize, base.BatchSize)
	result.FlushIntervalMs = pickInt(overlay.FlushIntervalMs, base.FlushIntervalMs)
	result.MaxQueueSize = pickInt(overlay.MaxQueueSize, base.MaxQueueSize)
	result.SessionTTLDays = pickInt(overlay.SessionTTLDays, base.SessionTTLDays)
	result.ScrollDebounceMs = pickInt(overlay.ScrollDebounceMs, base.ScrollDebounceMs)
	result.RapidScrollPxPerSec = pickInt(overlay.RapidScrollPxPerSec, base.RapidScrollPxPerSec)
	result.RapidClickCount = pickInt(overlay.RapidClickCount, base.RapidClickCount)
	result.RapidClickWindowMs = pickInt(overlay.RapidClickWindowMs, base.RapidClickWindowMs)
	result.FormAbandonMs = pickInt(overlay.FormAbandonMs, base.FormAbandonMs)
	result.FingerprintTimeoutMs = pickInt(overlay.FingerprintTimeoutMs, base.FingerprintTimeoutMs)
	result.SendTimeoutMs = pickInt(overlay.SendTimeoutMs, base.SendTimeoutMs)
	result.DBMaxOpenConns = pickInt(overlay.DBMaxOpenConns, base.DBMaxOpenConns)
	result.DBMaxIdleConns = pickInt(overlay.DBMaxIdleConns, base.DBMaxIdleConns)

	// Booleans: overlay wins if true, else base
	result.Debug = base.Debug || overlay.Debug

	// Arrays: merge and deduplicate
	result.ReservedSubdomains = mergeStringSlice(base.ReservedSubdomains, overlay.ReservedSubdomains)
	result.DisabledTools = mergeStringSlice(base.DisabledTools, overlay.DisabledTools)

	return result
}

func pickInt(overlay, base int) int {
	if overlay != 0 {
		return overlay
	}
	return base
}

func pickString(overlay, base string) string {
	if strings.TrimSpace(overlay) != "" {
		return overlay
	}
	return base
}

// mergeStringSlice combines two slices, trims whitespace, and removes duplicates.
func mergeStringSlice(a, b []string) []string {
	seen := make(map[string]bool)
	result := make([]string, 0, len(a)+len(b))

	for _, s := range a {
		s = strings.TrimSpace(s)
		if s != "" && !seen[s] {
			seen[s] = true
			result = append(result, s)
		}
	}
	for _, s := range b {
		s = strings.TrimSpace(s)
		if s != "" && !seen[s] {
			seen[s] = true
			result = append(result, s)
		}
	}

	if len(result) == 0 {
		return nil
	}
	return result
}
