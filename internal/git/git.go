// Package git installs themes from git repositories into the user theme
// directory.
package git

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	cp "github.com/otiai10/copy"
)

// ErrNotATheme is returned when a cloned repository carries neither a
// configs nor a global tree.
var ErrNotATheme = errors.New("repository is not a pawlette theme")

// Client provides the git operations the installer needs.
type Client interface {
	// Clone checks out the default branch of url into destDir and returns
	// the head commit hash.
	Clone(ctx context.Context, url, destDir string) (string, error)
}

// ShellClient implements Client by shelling out to the git command
type ShellClient struct{}

// NewShellClient creates a new git client that uses the git command
func NewShellClient() *ShellClient {
	return &ShellClient{}
}

// Clone performs a shallow clone of url into destDir.
func (c *ShellClient) Clone(ctx context.Context, url, destDir string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", "clone", "--depth", "1", url, destDir)
	if out, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("git clone failed: %w (output: %s)", err, strings.TrimSpace(string(out)))
	}

	cmd = exec.CommandContext(ctx, "git", "-C", destDir, "rev-parse", "HEAD")
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git rev-parse failed: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}

// Installer clones theme repositories and stages them into the theme
// directory.
type Installer struct {
	client    Client
	themesDir string
	logger    *slog.Logger
}

// NewInstaller creates an installer writing into themesDir.
func NewInstaller(client Client, themesDir string, logger *slog.Logger) *Installer {
	return &Installer{client: client, themesDir: themesDir, logger: logger}
}

// ThemeNameFromURL derives the installed theme name from a repository URL.
func ThemeNameFromURL(url string) string {
	base := filepath.Base(strings.TrimSuffix(strings.TrimRight(url, "/"), ".git"))
	return base
}

// Install clones url into a staging directory, validates it looks like a
// theme and moves it into place, replacing any previous version of the same
// theme. Returns the installed theme name.
func (i *Installer) Install(ctx context.Context, url string) (string, error) {
	name := ThemeNameFromURL(url)
	if name == "" || name == "." || name == string(filepath.Separator) {
		return "", fmt.Errorf("cannot derive theme name from %q", url)
	}

	staging, err := os.MkdirTemp("", "pawlette-install-*")
	if err != nil {
		return "", fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer func() {
		_ = os.RemoveAll(staging)
	}()

	checkout := filepath.Join(staging, "checkout")
	commit, err := i.client.Clone(ctx, url, checkout)
	if err != nil {
		return "", err
	}
	i.logger.Info("cloned theme repository", "url", url, "commit", commit)

	if err := validateThemeDir(checkout); err != nil {
		return "", err
	}

	if err := os.MkdirAll(i.themesDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create themes directory: %w", err)
	}

	// Stage next to the final destination so the final rename is atomic on
	// the same filesystem.
	next := filepath.Join(i.themesDir, "."+name+".new")
	_ = os.RemoveAll(next)
	err = cp.Copy(checkout, next, cp.Options{
		Skip: func(info os.FileInfo, src, dest string) (bool, error) {
			return info.IsDir() && info.Name() == ".git", nil
		},
	})
	if err != nil {
		_ = os.RemoveAll(next)
		return "", fmt.Errorf("failed to stage theme %s: %w", name, err)
	}

	dest := filepath.Join(i.themesDir, name)
	if err := os.RemoveAll(dest); err != nil {
		_ = os.RemoveAll(next)
		return "", fmt.Errorf("failed to replace theme %s: %w", name, err)
	}
	if err := os.Rename(next, dest); err != nil {
		_ = os.RemoveAll(next)
		return "", fmt.Errorf("failed to install theme %s: %w", name, err)
	}

	i.logger.Info("installed theme", "name", name, "path", dest)
	return name, nil
}

// validateThemeDir requires at least one of the two theme sub-trees.
func validateThemeDir(dir string) error {
	for _, sub := range []string{"configs", "global"} {
		if info, err := os.Stat(filepath.Join(dir, sub)); err == nil && info.IsDir() {
			return nil
		}
	}
	return fmt.Errorf("%w: %s has neither configs/ nor global/", ErrNotATheme, dir)
}
