package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/crewdash/internal/otel"
)

// CORSConfig controls the browser-origin allow list on the HTTP surface.
type CORSConfig struct {
	Enabled        bool     `yaml:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
	MaxAge         int      `yaml:"max_age"`
}

// RateLimitConfig throttles event ingestion per remote address.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	BurstSize         int  `yaml:"burst_size"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`

	// ProjectPaths are directories containing .claude/changesets.
	ProjectPaths     []string `yaml:"project_paths"`
	DiscoverProjects bool     `yaml:"discover_projects"`
	// ClaudeHome is the root holding projects/<escaped-path>/<session>.jsonl.
	ClaudeHome string `yaml:"claude_home"`

	WatchIntervalMS    int    `yaml:"watch_interval_ms"`
	TailIntervalMS     int    `yaml:"tail_interval_ms"`
	RescanSchedule     string `yaml:"rescan_schedule"`
	MaxEvents          int    `yaml:"max_events"`
	ClientQueueSize    int    `yaml:"client_queue_size"`
	HeartbeatSeconds   int    `yaml:"heartbeat_seconds"`
	ActivityDebounceMS int    `yaml:"activity_debounce_ms"`
	ToolResultLimit    int    `yaml:"tool_result_limit"`

	// AllowOrigins is shorthand for cors.allowed_origins with cors enabled.
	AllowOrigins []string   `yaml:"allow_origins"`
	CORS         CORSConfig `yaml:"cors"`

	IngestRateLimit RateLimitConfig `yaml:"ingest_rate_limit"`

	Telemetry otel.Config `yaml:"telemetry"`

	// FileMissing is set when config.yaml did not exist at load time.
	FileMissing bool `yaml:"-"`
}

// ConfigPath returns the path to config.yaml within homeDir.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

func (c Config) WatchInterval() time.Duration {
	return time.Duration(c.WatchIntervalMS) * time.Millisecond
}

func (c Config) TailInterval() time.Duration {
	return time.Duration(c.TailIntervalMS) * time.Millisecond
}

func (c Config) Heartbeat() time.Duration {
	return time.Duration(c.HeartbeatSeconds) * time.Second
}

func (c Config) ActivityDebounce() time.Duration {
	return time.Duration(c.ActivityDebounceMS) * time.Millisecond
}

// Fingerprint returns a stable hash of the settings that matter at runtime.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|paths=%v|discover=%t|claude=%s|watch=%d|tail=%d|rescan=%s|origins=%v",
		c.BindAddr, c.LogLevel, c.ProjectPaths, c.DiscoverProjects, c.ClaudeHome,
		c.WatchIntervalMS, c.TailIntervalMS, c.RescanSchedule, c.CORS.AllowedOrigins)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		BindAddr:           "127.0.0.1:5050",
		LogLevel:           "info",
		DiscoverProjects:   true,
		WatchIntervalMS:    500,
		TailIntervalMS:     500,
		RescanSchedule:     "@every 5s",
		MaxEvents:          10000,
		ClientQueueSize:    100,
		HeartbeatSeconds:   3,
		ActivityDebounceMS: 500,
		ToolResultLimit:    2000,
		IngestRateLimit:    RateLimitConfig{RequestsPerMinute: 600, BurstSize: 50},
	}
}

// Default returns the built-in settings for homeDir, without reading
// config.yaml or the environment.
func Default(homeDir string) Config {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir
	normalize(&cfg)
	return cfg
}

func HomeDir() string {
	if override := os.Getenv("CREWDASH_HOME"); override != "" {
		return override
	}
	return filepath.Join(userHome(), ".crewdash")
}

func userHome() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return "."
	}
	return home
}

// Load reads config.yaml from HomeDir over the defaults and applies
// CREWDASH_* environment overrides.
func Load() (Config, error) {
	home := HomeDir()
	if err := os.MkdirAll(home, 0o755); err != nil {
		return defaultConfig(), fmt.Errorf("create crewdash home: %w", err)
	}
	return LoadFrom(home)
}

// LoadFrom is Load with an explicit home directory.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	data, err := os.ReadFile(ConfigPath(homeDir))
	switch {
	case os.IsNotExist(err):
		cfg.FileMissing = true
	case err != nil:
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	case len(data) > 0:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	def := defaultConfig()
	if strings.TrimSpace(cfg.BindAddr) == "" {
		cfg.BindAddr = def.BindAddr
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	positive := func(v *int, fallback int) {
		if *v <= 0 {
			*v = fallback
		}
	}
	positive(&cfg.WatchIntervalMS, def.WatchIntervalMS)
	positive(&cfg.TailIntervalMS, def.TailIntervalMS)
	positive(&cfg.MaxEvents, def.MaxEvents)
	positive(&cfg.ClientQueueSize, def.ClientQueueSize)
	positive(&cfg.HeartbeatSeconds, def.HeartbeatSeconds)
	positive(&cfg.ActivityDebounceMS, def.ActivityDebounceMS)
	positive(&cfg.ToolResultLimit, def.ToolResultLimit)
	if strings.TrimSpace(cfg.RescanSchedule) == "" {
		cfg.RescanSchedule = def.RescanSchedule
	}

	if cfg.ClaudeHome == "" {
		cfg.ClaudeHome = filepath.Join(userHome(), ".claude")
	}
	cfg.ClaudeHome = expandHome(cfg.ClaudeHome)

	seen := make(map[string]bool, len(cfg.ProjectPaths))
	paths := cfg.ProjectPaths[:0]
	for _, p := range cfg.ProjectPaths {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		p = filepath.Clean(expandHome(p))
		if seen[p] {
			continue
		}
		seen[p] = true
		paths = append(paths, p)
	}
	cfg.ProjectPaths = paths

	if len(cfg.AllowOrigins) > 0 {
		cfg.CORS.Enabled = true
		cfg.CORS.AllowedOrigins = appendMissing(cfg.CORS.AllowedOrigins, cfg.AllowOrigins...)
	}
}

func expandHome(p string) string {
	if p == "~" {
		return userHome()
	}
	if strings.HasPrefix(p, "~/") {
		return filepath.Join(userHome(), p[2:])
	}
	return p
}

func appendMissing(dst []string, values ...string) []string {
	for _, v := range values {
		found := false
		for _, d := range dst {
			if d == v {
				found = true
				break
			}
		}
		if !found {
			dst = append(dst, v)
		}
	}
	return dst
}

func envInt(name string, dst *int) {
	if raw := os.Getenv(name); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			*dst = v
		}
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("CREWDASH_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("CREWDASH_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("CREWDASH_PROJECT_PATHS"); raw != "" {
		cfg.ProjectPaths = append(cfg.ProjectPaths, filepath.SplitList(raw)...)
	}
	if raw := os.Getenv("CREWDASH_DISCOVER_PROJECTS"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.DiscoverProjects = v
		}
	}
	if raw := os.Getenv("CREWDASH_CLAUDE_HOME"); raw != "" {
		cfg.ClaudeHome = raw
	}
	if raw := os.Getenv("CREWDASH_RESCAN_SCHEDULE"); raw != "" {
		cfg.RescanSchedule = raw
	}
	envInt("CREWDASH_WATCH_INTERVAL_MS", &cfg.WatchIntervalMS)
	envInt("CREWDASH_TAIL_INTERVAL_MS", &cfg.TailIntervalMS)
	envInt("CREWDASH_MAX_EVENTS", &cfg.MaxEvents)
	envInt("CREWDASH_CLIENT_QUEUE_SIZE", &cfg.ClientQueueSize)
	envInt("CREWDASH_HEARTBEAT_SECONDS", &cfg.HeartbeatSeconds)
	envInt("CREWDASH_TOOL_RESULT_LIMIT", &cfg.ToolResultLimit)
	if raw := os.Getenv("CREWDASH_OTEL_EXPORTER"); raw != "" {
		cfg.Telemetry.Enabled = true
		cfg.Telemetry.Exporter = raw
	}
}
