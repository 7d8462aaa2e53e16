// Package config loads the daemon's YAML configuration, following the
// teacher's layered Load/LoadWithRoot/mergeConfigs idiom: a hardcoded
// default, merged with an optional project-level config file, merged with
// environment variable overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// AutoInit controls whether a project is implicitly initialized the first
// time GetContext/NotifyFileChange is called against an uninitialized root
// (spec.md §4.B CheckInit/InitProject).
type AutoInit struct {
	Enabled        bool     `yaml:"enabled"`
	MinFiles       int      `yaml:"min_files"`
	ExcludePatterns []string `yaml:"exclude_patterns"`
}

// ContextConfig bounds what GetContext/PrepareContext may render.
type ContextConfig struct {
	MaxRenderBytes int `yaml:"max_render_bytes"`
	AutoLoadedCap  int `yaml:"auto_loaded_cap"`
}

// MemorySearchConfig tunes the lexical/recency scoring weights used by
// memory.search (spec.md §4.J).
type MemorySearchConfig struct {
	Weights map[string]float64 `yaml:"weights"`
	TauDays float64            `yaml:"tau_days"`
}

type MemoryConfig struct {
	Search MemorySearchConfig `yaml:"search"`
}

// CacheConfig bounds the per-project context cache (spec.md §4.L).
type CacheConfig struct {
	PerProjectEntries int `yaml:"per_project_entries"`
	PerProjectBytes   int `yaml:"per_project_bytes"`
}

// Config is the full set of recognized options from spec.md §6.
type Config struct {
	SocketPath  string   `yaml:"socket_path"`
	DataDir     string   `yaml:"data_dir"`
	MaxMemory   int64    `yaml:"max_memory"`
	MaxProjects int      `yaml:"max_projects"`
	LogLevel    string   `yaml:"log_level"`
	AutoInit    AutoInit `yaml:"auto_init"`
	Context     ContextConfig `yaml:"context"`
	Memory      MemoryConfig  `yaml:"memory"`
	Cache       CacheConfig   `yaml:"cache"`

	// Exclude holds doublestar glob patterns applied by the scanner and
	// file watcher in addition to AutoInit.ExcludePatterns; it is not part
	// of the wire-visible recognized options table but is the project-level
	// analogue of the teacher's hardcoded exclude list.
	Exclude []string `yaml:"exclude"`
}

// defaultSocketPath mirrors spec.md §6: "${TMPDIR:-/tmp}/engram.sock".
func defaultSocketPath() string {
	tmp := os.Getenv("TMPDIR")
	if tmp == "" {
		tmp = "/tmp"
	}
	return filepath.Join(tmp, "engram.sock")
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".engram")
}

// defaultExclude mirrors the teacher's hardcoded default exclude list,
// trimmed to directories/kinds a structural scanner cares about (VCS,
// package manager caches, build artifacts, binary/media, editor temp, OS
// cruft) rather than the teacher's full search-index exclusion surface.
func defaultExclude() []string {
	return []string{
		"**/.git/**",
		"**/.hg/**",
		"**/.svn/**",
		"**/node_modules/**",
		"**/vendor/**",
		"**/.venv/**",
		"**/venv/**",
		"**/__pycache__/**",
		"**/dist/**",
		"**/build/**",
		"**/target/**",
		"**/.next/**",
		"**/bin/**",
		"**/obj/**",
		"**/*.min.js",
		"**/*.min.css",
		"**/*.map",
		"**/.DS_Store",
		"**/Thumbs.db",
		"**/*.log",
		"**/.idea/**",
		"**/.vscode/**",
	}
}

// Default returns the hardcoded configuration baseline.
func Default() *Config {
	return &Config{
		SocketPath:  defaultSocketPath(),
		DataDir:     defaultDataDir(),
		MaxMemory:   100 * 1024 * 1024,
		MaxProjects: 3,
		LogLevel:    "info",
		AutoInit: AutoInit{
			Enabled:  false,
			MinFiles: 10,
		},
		Context: ContextConfig{
			MaxRenderBytes: 60 * 1024,
			AutoLoadedCap:  20,
		},
		Memory: MemoryConfig{
			Search: MemorySearchConfig{
				// Keys match spec.md §6's recognized option
				// memory.search.weights exactly: recency, kind, tags, lex.
				Weights: map[string]float64{
					"recency": 0.4,
					"kind":    0.2,
					"tags":    0.2,
					"lex":     0.2,
				},
				TauDays: 7,
			},
		},
		Cache: CacheConfig{
			PerProjectEntries: 64,
			PerProjectBytes:   4 * 1024 * 1024,
		},
		Exclude: defaultExclude(),
	}
}

// Load reads the daemon-level config file (if present) from its
// conventional location under the user's config directory, then applies
// environment overrides.
func Load() (*Config, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = "."
	}
	return LoadWithRoot(filepath.Join(dir, "engram", "config.yaml"))
}

// LoadWithRoot reads the config file at path (if it exists), merges it over
// the default, then applies environment overrides. A missing file is not an
// error: the default configuration is used as-is.
func LoadWithRoot(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			var fileCfg Config
			if err := yaml.Unmarshal(data, &fileCfg); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", path, err)
			}
			mergeConfigs(cfg, &fileCfg)
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

// mergeConfigs overlays non-zero fields of override onto base, in place.
// Slices/maps replace rather than append, matching the teacher's
// "last config file wins per field" merge semantics.
func mergeConfigs(base, override *Config) {
	if override.SocketPath != "" {
		base.SocketPath = override.SocketPath
	}
	if override.DataDir != "" {
		base.DataDir = override.DataDir
	}
	if override.MaxMemory != 0 {
		base.MaxMemory = override.MaxMemory
	}
	if override.MaxProjects != 0 {
		base.MaxProjects = override.MaxProjects
	}
	if override.LogLevel != "" {
		base.LogLevel = override.LogLevel
	}
	if override.Context.MaxRenderBytes != 0 {
		base.Context.MaxRenderBytes = override.Context.MaxRenderBytes
	}
	if override.Context.AutoLoadedCap != 0 {
		base.Context.AutoLoadedCap = override.Context.AutoLoadedCap
	}
	if override.Memory.Search.Weights != nil {
		base.Memory.Search.Weights = override.Memory.Search.Weights
	}
	if override.Memory.Search.TauDays != 0 {
		base.Memory.Search.TauDays = override.Memory.Search.TauDays
	}
	if override.Cache.PerProjectEntries != 0 {
		base.Cache.PerProjectEntries = override.Cache.PerProjectEntries
	}
	if override.Cache.PerProjectBytes != 0 {
		base.Cache.PerProjectBytes = override.Cache.PerProjectBytes
	}
	if override.Exclude != nil {
		base.Exclude = override.Exclude
	}
	if override.AutoInit.ExcludePatterns != nil {
		base.AutoInit.ExcludePatterns = override.AutoInit.ExcludePatterns
	}
	// AutoInit.Enabled/MinFiles have meaningful zero values that cannot be
	// told apart from an absent key, so only enabled: true and a non-zero
	// min_files override the defaults.
	if override.AutoInit.Enabled {
		base.AutoInit.Enabled = true
	}
	if override.AutoInit.MinFiles != 0 {
		base.AutoInit.MinFiles = override.AutoInit.MinFiles
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ENGRAM_SOCKET"); v != "" {
		cfg.SocketPath = v
	}
	if v := os.Getenv("ENGRAM_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("ENGRAM_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}

// MemoryPressureThresholds returns the soft (evict LRU tail) and hard
// (evict down to one project) fractions of MaxMemory, per spec.md §4.G.
func (c *Config) MemoryPressureThresholds() (soft, hard int64) {
	soft = int64(float64(c.MaxMemory) * 0.70)
	hard = int64(float64(c.MaxMemory) * 0.90)
	return soft, hard
}

// DebounceWindow and ForceFlushCap are the file watcher's fixed timing
// constants (spec.md §4.H); they are not operator-configurable, matching
// the teacher's watcher which also hardcodes its debounce interval.
const (
	DebounceWindow = 500 * time.Millisecond
	ForceFlushCap  = 2 * time.Second
)
