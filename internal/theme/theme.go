// Package theme discovers installed themes and classifies the entries of
// their configs trees.
package theme

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/meowrch/pawlette/internal/patch"
)

// Filename suffixes marking patch fragments inside a theme's configs tree.
const (
	SuffixPre  = ".pre_pawlette"
	SuffixPost = ".post_pawlette"
)

// Sub-tree names inside a theme directory.
const (
	ConfigsDirName = "configs"
	GlobalDirName  = "global"
)

// ErrNotFound is returned when no installed theme matches the requested name.
var ErrNotFound = errors.New("theme not found")

// ErrAmbiguousPatchTarget is returned when a theme carries both a plain file
// and a patch fragment for the same target name.
var ErrAmbiguousPatchTarget = errors.New("ambiguous patch target")

// Theme is one discovered, read-only theme directory.
type Theme struct {
	Name string
	Path string
}

// ConfigsDir returns the theme's configs sub-tree (may not exist).
func (t Theme) ConfigsDir() string {
	return filepath.Join(t.Path, ConfigsDirName)
}

// GlobalDir returns the theme's global asset sub-tree (may not exist).
func (t Theme) GlobalDir() string {
	return filepath.Join(t.Path, GlobalDirName)
}

// Role describes how one configs entry is applied to its target.
type Role int

const (
	// RolePlain replaces or creates the target verbatim.
	RolePlain Role = iota
	// RolePatchPre injects the entry's content before the target's content.
	RolePatchPre
	// RolePatchPost injects the entry's content after the target's content.
	RolePatchPost
)

// PatchRole converts a patch role to the patch package's representation.
// It must only be called for RolePatchPre and RolePatchPost.
func (r Role) PatchRole() patch.Role {
	if r == RolePatchPre {
		return patch.Pre
	}
	return patch.Post
}

func (r Role) String() string {
	switch r {
	case RolePlain:
		return "plain"
	case RolePatchPre:
		return "patch-pre"
	case RolePatchPost:
		return "patch-post"
	}
	return "unknown"
}

// Classify derives the role and target file name from a configs entry name.
// For patch fragments the returned name has the pawlette suffix stripped.
func Classify(name string) (target string, role Role) {
	switch {
	case strings.HasSuffix(name, SuffixPre):
		return strings.TrimSuffix(name, SuffixPre), RolePatchPre
	case strings.HasSuffix(name, SuffixPost):
		return strings.TrimSuffix(name, SuffixPost), RolePatchPost
	default:
		return name, RolePlain
	}
}

// Discover lists every theme found in dirs. Later directories win on name
// collision, so callers pass the user directory first and the system
// directory last. Results are sorted by name.
func Discover(dirs ...string) ([]Theme, error) {
	byName := make(map[string]Theme)

	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("failed to read theme directory %s: %w", dir, err)
		}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			byName[e.Name()] = Theme{Name: e.Name(), Path: filepath.Join(dir, e.Name())}
		}
	}

	themes := make([]Theme, 0, len(byName))
	for _, t := range byName {
		themes = append(themes, t)
	}
	sort.Slice(themes, func(i, j int) bool { return themes[i].Name < themes[j].Name })
	return themes, nil
}

// Find locates a single theme by name across dirs, with the same precedence
// rules as Discover.
func Find(name string, dirs ...string) (Theme, error) {
	found := Theme{}
	ok := false
	for _, dir := range dirs {
		p := filepath.Join(dir, name)
		info, err := os.Stat(p)
		if err != nil || !info.IsDir() {
			continue
		}
		found = Theme{Name: name, Path: p}
		ok = true
	}
	if !ok {
		return Theme{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return found, nil
}

// Validate walks the theme's configs tree and rejects themes that provide
// both a plain file and a patch fragment for the same target.
func (t Theme) Validate() error {
	configs := t.ConfigsDir()
	seen := make(map[string]Role)

	err := filepath.WalkDir(configs, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == configs && os.IsNotExist(err) {
				return filepath.SkipAll
			}
			return err
		}
		if d.IsDir() {
			return nil
		}

		target, role := Classify(d.Name())
		rel, err := filepath.Rel(configs, filepath.Join(filepath.Dir(path), target))
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)

		if prev, dup := seen[key]; dup && (prev == RolePlain) != (role == RolePlain) {
			return fmt.Errorf("%w: theme %s provides both plain and patch entries for %s", ErrAmbiguousPatchTarget, t.Name, key)
		}
		// A pre and a post fragment for the same target are allowed.
		if _, dup := seen[key]; !dup || role == RolePlain {
			seen[key] = role
		}
		return nil
	})
	if err != nil {
		return err
	}
	return nil
}
