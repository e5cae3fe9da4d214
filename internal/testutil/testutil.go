// Package testutil provides filesystem fixtures shared by the package
// tests.
package testutil

import (
	"os"
	"path/filepath"
	"testing"
)

// WriteFile creates a file (and its parents) under root with the given
// relative path and content.
func WriteFile(t *testing.T, root, rel, content string) string {
	t.Helper()
	path := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

// ReadFile returns the content of path, failing the test on error.
func ReadFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

// MakeTheme lays out a theme directory named name under themesDir from a
// map of slash-relative paths (within the theme root) to file contents.
func MakeTheme(t *testing.T, themesDir, name string, files map[string]string) string {
	t.Helper()
	root := filepath.Join(themesDir, name)
	for rel, content := range files {
		WriteFile(t, root, rel, content)
	}
	if len(files) == 0 {
		if err := os.MkdirAll(root, 0755); err != nil {
			t.Fatal(err)
		}
	}
	return root
}
