package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// Config holds application configuration.
type Config struct {
	// TimelineCap is the maximum number of timeline events admitted into a
	// bundle. Admission is oldest-first; exceeding the cap marks the bundle
	// truncated.
	TimelineCap int `json:"timeline_cap"`

	// LogCap is the maximum number of log events admitted into a bundle.
	LogCap int `json:"log_cap"`

	// DiagnosticCap is the maximum number of diagnostic events admitted into
	// a bundle.
	DiagnosticCap int `json:"diagnostic_cap"`

	// MetricCap is the maximum number of metric snapshots admitted into a
	// bundle.
	MetricCap int `json:"metric_cap"`

	// RedactTextMaxChars is the length threshold above which free-text
	// payload fields are truncated by the redactor.
	RedactTextMaxChars int `json:"redact_text_max_chars"`

	// AllowedPaths is an allowlist of directories for bundle destinations.
	// Paths outside ~/.keydeck/exports require either being in this list or
	// AllowUnsafePaths=true. Paths should be absolute (relative paths are
	// ignored).
	AllowedPaths []string `json:"allowed_paths,omitempty"`

	// AllowUnsafePaths disables directory restrictions for bundle
	// destinations. When true, any directory is allowed (but symlink and
	// extension checks still apply).
	AllowUnsafePaths bool `json:"allow_unsafe_paths,omitempty"`

	// DBMaxOpenConns limits the maximum number of open database connections.
	// If set to 1, all database access is serialized (reduces "database is
	// locked" errors). 0 means use sql.DB default (unlimited).
	DBMaxOpenConns int `json:"db_max_open_conns,omitempty"`

	// DBMaxIdleConns limits the maximum number of idle database connections.
	// 0 means use sql.DB default. Typically set equal to DBMaxOpenConns.
	DBMaxIdleConns int `json:"db_max_idle_conns,omitempty"`

	// DisabledTools is a list of MCP tool names to exclude from registration.
	// Unknown tool names are logged as warnings.
	DisabledTools []string `json:"disabled_tools,omitempty"`

	// LogFile is the path of the JSON log file. Empty means stderr only.
	LogFile string `json:"log_file,omitempty"`

	// LogLevel is one of debug, info, warn, error. Empty means info.
	LogLevel string `json:"log_level,omitempty"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		TimelineCap:        2000,
		LogCap:             5000,
		DiagnosticCap:      1000,
		MetricCap:          1000,
		RedactTextMaxChars: 2048,
	}
}

// Cap returns the configured per-kind record cap for the given kind name.
// Unknown kinds return 0 (no records admitted).
func (c *Config) Cap(kind string) int {
	switch kind {
	case "timeline":
		return c.TimelineCap
	case "logs":
		return c.LogCap
	case "diagnostics":
		return c.DiagnosticCap
	case "metrics":
		return c.MetricCap
	}
	return 0
}

// Load loads configuration from baseDir/config.json.
// Returns default config if the file doesn't exist.
// The baseDir parameter allows tests to use t.TempDir() instead of ~/.keydeck.
func Load(baseDir string) (*Config, error) {
	return loadFile(filepath.Join(baseDir, "config.json"))
}

// LoadWithRepo loads configuration from both global (~/.keydeck) and repo
// (.keydeck) directories. Repo config is found by walking upward from
// startDir to find the nearest .keydeck/config.json. Repo config takes
// precedence for scalar values; arrays are merged (deduplicated). Either or
// both configs may be missing.
func LoadWithRepo(globalDir, startDir string) (*Config, error) {
	global, err := loadFileRaw(filepath.Join(globalDir, "config.json"))
	if err != nil {
		return nil, err
	}

	repoConfigPath := FindRepoConfig(startDir)
	repo, err := loadFileRaw(repoConfigPath)
	if err != nil {
		return nil, err
	}

	// Apply defaults, then global, then repo
	return Merge(Merge(DefaultConfig(), global), repo), nil
}

// FindRepoConfig walks upward from startDir to find the nearest
// .keydeck/config.json. Returns the path if found, or empty string if not.
func FindRepoConfig(startDir string) string {
	dir := startDir
	for {
		configPath := filepath.Join(dir, ".keydeck", "config.json")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root, not found
			return ""
		}
		dir = parent
	}
}

// loadFileRaw loads configuration from a specific file path.
// Returns zero-valued config if the file doesn't exist (not defaults).
func loadFileRaw(configPath string) (*Config, error) {
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
// Overlay values take precedence for scalars; arrays are merged and
// deduplicated.
func Merge(base, overlay *Config) *Config {
	result := &Config{}

	result.TimelineCap = scalar(base.TimelineCap, overlay.TimelineCap)
	result.LogCap = scalar(base.LogCap, overlay.LogCap)
	result.DiagnosticCap = scalar(base.DiagnosticCap, overlay.DiagnosticCap)
	result.MetricCap = scalar(base.MetricCap, overlay.MetricCap)
	result.RedactTextMaxChars = scalar(base.RedactTextMaxChars, overlay.RedactTextMaxChars)
	result.DBMaxOpenConns = scalar(base.DBMaxOpenConns, overlay.DBMaxOpenConns)
	result.DBMaxIdleConns = scalar(base.DBMaxIdleConns, overlay.DBMaxIdleConns)

	result.LogFile = overlay.LogFile
	if result.LogFile == "" {
		result.LogFile = base.LogFile
	}
	result.LogLevel = overlay.LogLevel
	if result.LogLevel == "" {
		result.LogLevel = base.LogLevel
	}

	// Booleans: overlay wins if true, else base
	result.AllowUnsafePaths = base.AllowUnsafePaths || overlay.AllowUnsafePaths

	// Arrays: merge and deduplicate
	result.AllowedPaths = mergeStringSlice(base.AllowedPaths, overlay.AllowedPaths)
	result.DisabledTools = mergeStringSlice(base.DisabledTools, overlay.DisabledTools)

	return result
}

// scalar returns overlay if non-zero, else base.
func scalar(base, overlay int) int {
	if overlay != 0 {
		return overlay
	}
	return base
}

// mergeStringSlice combines two slices, trims whitespace, and removes
// duplicates.
func mergeStringSlice(a, b []string) []string {
	seen := make(map[string]bool)
	result := make([]string, 0, len(a)+len(b))

	for _, s := range append(append([]string{}, a...), b...) {
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
