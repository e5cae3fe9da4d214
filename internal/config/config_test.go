package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `
paths:
  config_root: /home/user/.config
  data_dir: /home/user/.local/share/pawlette
  themes_dir: /home/user/.local/share/pawlette/themes
  system_themes_dir: /usr/share/pawlette
  assets_root: /home/user/.local/share
backups:
  max_per_file: 5
  ignore:
    - "**/.git/**"
handlers:
  kitty:
    reload_command: pkill -SIGUSR1 kitty
global_targets:
  wallpapers: /home/user/pictures/walls
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/home/user/.config", cfg.Paths.ConfigRoot)
	assert.Equal(t, 5, cfg.Backups.MaxPerFile)
	assert.Equal(t, []string{"**/.git/**"}, cfg.Backups.Ignore)
	assert.Equal(t, "pkill -SIGUSR1 kitty", cfg.Handlers["kitty"].ReloadCommand)
	assert.Equal(t, "/home/user/pictures/walls", cfg.GlobalTarget("wallpapers"))
	// Unlisted global entries land under the assets root.
	assert.Equal(t, "/home/user/.local/share/gtk", cfg.GlobalTarget("gtk"))
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `
paths:
  config_root: /tmp/cfgroot
  data_dir: /tmp/pawdata
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join("/tmp/pawdata", "themes"), cfg.Paths.ThemesDir)
	assert.Equal(t, "/usr/share/pawlette", cfg.Paths.SystemThemesDir)
	assert.Equal(t, 10, cfg.Backups.MaxPerFile)
	assert.NotEmpty(t, cfg.Backups.Ignore)
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("PAW_TEST_ROOT", "/tmp/pawtest")
	path := writeConfig(t, `
paths:
  config_root: ${PAW_TEST_ROOT}/config
  data_dir: ${PAW_TEST_ROOT}/data
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/pawtest/config", cfg.Paths.ConfigRoot)
	assert.Equal(t, "/tmp/pawtest/data", cfg.Paths.DataDir)
}

func TestLoadRejectsDataDirInsideConfigRoot(t *testing.T) {
	path := writeConfig(t, `
paths:
  config_root: /home/user/.config
  data_dir: /home/user/.config/pawlette-data
`)

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must not be inside")
}

func TestLoadRejectsRelativePaths(t *testing.T) {
	path := writeConfig(t, `
paths:
  config_root: relative/path
`)

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoadInvalidYAML(t *testing.T) {
	path := writeConfig(t, "paths: [not a mapping")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestDerivedPaths(t *testing.T) {
	path := writeConfig(t, `
paths:
  config_root: /tmp/cfgroot
  data_dir: /tmp/pawdata
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/pawdata/backups", cfg.BackupDir())
	assert.Equal(t, "/tmp/pawdata/transactions", cfg.TransactionsDir())
	assert.Equal(t, "/tmp/pawdata/pawlette.lock", cfg.LockPath())
}

func TestDefault(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/tmp/xdg-config")
	t.Setenv("XDG_DATA_HOME", "/tmp/xdg-data")

	cfg, err := Default()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/xdg-config", cfg.Paths.ConfigRoot)
	assert.Equal(t, "/tmp/xdg-data/pawlette", cfg.Paths.DataDir)
	assert.Equal(t, "/tmp/xdg-data/wallpapers", cfg.GlobalTarget("wallpapers"))
}
