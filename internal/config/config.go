package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents the complete pawlette configuration
type Config struct {
	Paths    PathsConfig              `yaml:"paths"`
	Backups  BackupsConfig            `yaml:"backups"`
	Handlers map[string]HandlerConfig `yaml:"handlers"`
	// GlobalTargets overrides where entries of a theme's global/ tree land.
	// Keys are top-level names inside global/ (e.g. "wallpapers"), values are
	// absolute destination directories.
	GlobalTargets map[string]string `yaml:"global_targets"`
}

// PathsConfig configures local filesystem paths
type PathsConfig struct {
	// ConfigRoot is the live configuration tree themes are applied to.
	ConfigRoot string `yaml:"config_root"`
	// DataDir holds the backup store, lock file and transaction records.
	DataDir string `yaml:"data_dir"`
	// ThemesDir is the user-writable theme directory.
	ThemesDir string `yaml:"themes_dir"`
	// SystemThemesDir is the read-only distribution theme directory. Themes
	// found here shadow user themes with the same name.
	SystemThemesDir string `yaml:"system_themes_dir"`
	// AssetsRoot is where global theme assets land unless overridden in
	// global_targets. Defaults to $XDG_DATA_HOME.
	AssetsRoot string `yaml:"assets_root"`
}

// BackupsConfig configures backup retention behavior
type BackupsConfig struct {
	// MaxPerFile caps the per-path version history. Zero means use the default.
	MaxPerFile int `yaml:"max_per_file"`
	// Ignore lists doublestar globs (relative to the config root) excluded
	// from system backups and verification.
	Ignore []string `yaml:"ignore"`
}

// HandlerConfig describes the post-apply hook for one application
type HandlerConfig struct {
	ReloadCommand string `yaml:"reload_command"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	// Expand environment variables in path
	path = os.ExpandEnv(path)

	// Read file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Parse YAML
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Expand environment variables in string fields
	cfg.expandEnv()

	// Apply defaults
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}

	// Validate
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Default returns the configuration used when no config file exists.
func Default() (*Config, error) {
	cfg := &Config{}
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// expandEnv expands environment variables in all string fields
func (c *Config) expandEnv() {
	c.Paths.ConfigRoot = os.ExpandEnv(c.Paths.ConfigRoot)
	c.Paths.DataDir = os.ExpandEnv(c.Paths.DataDir)
	c.Paths.ThemesDir = os.ExpandEnv(c.Paths.ThemesDir)
	c.Paths.SystemThemesDir = os.ExpandEnv(c.Paths.SystemThemesDir)
	c.Paths.AssetsRoot = os.ExpandEnv(c.Paths.AssetsRoot)
	for name, dest := range c.GlobalTargets {
		c.GlobalTargets[name] = os.ExpandEnv(dest)
	}
}

// applyDefaults fills in zero-value fields following the XDG base directory
// specification.
func (c *Config) applyDefaults() error {
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to determine home directory: %w", err)
	}

	configHome := os.Getenv("XDG_CONFIG_HOME")
	if configHome == "" {
		configHome = filepath.Join(home, ".config")
	}
	dataHome := os.Getenv("XDG_DATA_HOME")
	if dataHome == "" {
		dataHome = filepath.Join(home, ".local", "share")
	}

	if c.Paths.ConfigRoot == "" {
		c.Paths.ConfigRoot = configHome
	}
	if c.Paths.DataDir == "" {
		c.Paths.DataDir = filepath.Join(dataHome, "pawlette")
	}
	if c.Paths.ThemesDir == "" {
		c.Paths.ThemesDir = filepath.Join(c.Paths.DataDir, "themes")
	}
	if c.Paths.SystemThemesDir == "" {
		c.Paths.SystemThemesDir = "/usr/share/pawlette"
	}
	if c.Paths.AssetsRoot == "" {
		c.Paths.AssetsRoot = dataHome
	}
	if c.Backups.MaxPerFile == 0 {
		c.Backups.MaxPerFile = 10
	}
	if c.Backups.Ignore == nil {
		c.Backups.Ignore = []string{"**/.git", "**/.git/**", "**/*.sock", "**/*.lock"}
	}
	if c.GlobalTargets == nil {
		c.GlobalTargets = map[string]string{}
	}
	return nil
}

// GlobalTarget resolves the destination directory for a top-level entry of
// a theme's global/ tree.
func (c *Config) GlobalTarget(name string) string {
	if dest, ok := c.GlobalTargets[name]; ok {
		return dest
	}
	return filepath.Join(c.Paths.AssetsRoot, name)
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if !filepath.IsAbs(c.Paths.ConfigRoot) {
		return fmt.Errorf("paths.config_root must be absolute, got %q", c.Paths.ConfigRoot)
	}
	if !filepath.IsAbs(c.Paths.DataDir) {
		return fmt.Errorf("paths.data_dir must be absolute, got %q", c.Paths.DataDir)
	}
	if !filepath.IsAbs(c.Paths.ThemesDir) {
		return fmt.Errorf("paths.themes_dir must be absolute, got %q", c.Paths.ThemesDir)
	}
	if !filepath.IsAbs(c.Paths.AssetsRoot) {
		return fmt.Errorf("paths.assets_root must be absolute, got %q", c.Paths.AssetsRoot)
	}

	// The backup store must live outside the tree it protects, otherwise a
	// rollback could overwrite its own snapshots.
	if isInside(c.Paths.ConfigRoot, c.Paths.DataDir) {
		return fmt.Errorf("paths.data_dir %q must not be inside paths.config_root %q", c.Paths.DataDir, c.Paths.ConfigRoot)
	}

	for app := range c.Handlers {
		if app == "" {
			return fmt.Errorf("handlers must be keyed by application name")
		}
	}
	for name, dest := range c.GlobalTargets {
		if !filepath.IsAbs(dest) {
			return fmt.Errorf("global_targets.%s must be absolute, got %q", name, dest)
		}
	}
	return nil
}

// BackupDir returns the location of the backup store.
func (c *Config) BackupDir() string {
	return filepath.Join(c.Paths.DataDir, "backups")
}

// TransactionsDir returns the location of persisted transaction records.
func (c *Config) TransactionsDir() string {
	return filepath.Join(c.Paths.DataDir, "transactions")
}

// LockPath returns the lock file guarding the configuration root.
func (c *Config) LockPath() string {
	return filepath.Join(c.Paths.DataDir, "pawlette.lock")
}

// isInside reports whether path is lexically contained in root.
func isInside(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
