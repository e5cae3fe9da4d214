// Package hashing provides the content digests used for backup addressing
// and integrity verification.
package hashing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
)

// EntryKind distinguishes tree entries.
type EntryKind string

const (
	KindFile    EntryKind = "file"
	KindDir     EntryKind = "dir"
	KindSymlink EntryKind = "symlink"
)

// TreeEntry is one entry of a tree digest. Only regular files carry a
// content digest; directories and symlinks are structural.
type TreeEntry struct {
	Kind   EntryKind `json:"kind"`
	Digest string    `json:"digest,omitempty"`
}

// Bytes returns the hex SHA-256 digest of b.
func Bytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// File returns the hex SHA-256 digest of the file at path.
func File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer func() {
		_ = f.Close()
	}()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Tree digests every regular file below root and records directories and
// symlinks as structural entries. Keys are slash-separated paths relative to
// root. File digesting is parallelized; the walk itself is sequential so the
// entry set is deterministic.
func Tree(ctx context.Context, root string) (map[string]TreeEntry, error) {
	entries := make(map[string]TreeEntry)
	var files []string

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == root {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		switch {
		case d.IsDir():
			entries[rel] = TreeEntry{Kind: KindDir}
		case d.Type()&fs.ModeSymlink != 0:
			entries[rel] = TreeEntry{Kind: KindSymlink}
		case d.Type().IsRegular():
			entries[rel] = TreeEntry{Kind: KindFile}
			files = append(files, rel)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", root, err)
	}

	sort.Strings(files)

	var mu sync.Mutex
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())

	for _, rel := range files {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			digest, err := File(filepath.Join(root, filepath.FromSlash(rel)))
			if err != nil {
				return err
			}
			mu.Lock()
			entries[rel] = TreeEntry{Kind: KindFile, Digest: digest}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return entries, nil
}
