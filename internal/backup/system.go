package backup

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/meowrch/pawlette/internal/fsutil"
	"github.com/meowrch/pawlette/internal/hashing"
)

// SystemBackup is a named snapshot of an entire configuration root. Files
// are stored as digest references into the shared blob arena, so unchanged
// files across snapshots share storage.
type SystemBackup struct {
	ID        string                `json:"id"`
	Comment   string                `json:"comment,omitempty"`
	Timestamp time.Time             `json:"timestamp"`
	Root      string                `json:"root"`
	Files     map[string]FileRecord `json:"files"`
	Dirs      []string              `json:"dirs,omitempty"`
}

// FileRecord pins one file of a system backup to its stored content.
type FileRecord struct {
	Digest string `json:"digest"`
	Mode   uint32 `json:"mode"`
}

func (s *Store) systemPath(id string) string {
	return filepath.Join(s.dir, "system", id+".json")
}

// CreateSystem snapshots every file under root (minus ignore globs) into the
// blob arena and records the set as a named system backup. File hashing and
// blob writes run in parallel; the record itself is written last.
func (s *Store) CreateSystem(ctx context.Context, root, comment string, ignore []string) (SystemBackup, error) {
	sb := SystemBackup{
		ID:        fmt.Sprintf("system_%s_%s", time.Now().UTC().Format("20060102_150405"), uuid.NewString()[:8]),
		Comment:   comment,
		Timestamp: time.Now().UTC(),
		Root:      root,
		Files:     make(map[string]FileRecord),
	}

	files, dirs, err := collectTree(root, ignore)
	if err != nil {
		return SystemBackup{}, err
	}
	sb.Dirs = dirs

	var mu sync.Mutex
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())

	for _, rel := range files {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			abs := filepath.Join(root, filepath.FromSlash(rel))
			content, err := os.ReadFile(abs)
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", abs, err)
			}
			info, err := os.Stat(abs)
			if err != nil {
				return fmt.Errorf("failed to stat %s: %w", abs, err)
			}
			digest := hashing.Bytes(content)
			if err := s.storeBlob(digest, content); err != nil {
				return fmt.Errorf("failed to store blob for %s: %w", abs, err)
			}
			mu.Lock()
			sb.Files[rel] = FileRecord{Digest: digest, Mode: uint32(info.Mode().Perm())}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return SystemBackup{}, err
	}

	data, err := json.MarshalIndent(&sb, "", "  ")
	if err != nil {
		return SystemBackup{}, err
	}
	if err := fsutil.WriteFileAtomic(s.systemPath(sb.ID), data, 0644); err != nil {
		return SystemBackup{}, fmt.Errorf("failed to save system backup record: %w", err)
	}

	s.logger.Info("created system backup", "id", sb.ID, "files", len(sb.Files))
	return sb, nil
}

// GetSystem loads one system backup record by id.
func (s *Store) GetSystem(id string) (SystemBackup, error) {
	data, err := os.ReadFile(s.systemPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return SystemBackup{}, fmt.Errorf("%w: system backup %s", ErrNoBackup, id)
		}
		return SystemBackup{}, fmt.Errorf("failed to read system backup %s: %w", id, err)
	}
	var sb SystemBackup
	if err := json.Unmarshal(data, &sb); err != nil {
		return SystemBackup{}, fmt.Errorf("%w: system backup %s: %v", ErrCorruptRecord, id, err)
	}
	return sb, nil
}

// ListSystem returns every system backup, newest first.
func (s *Store) ListSystem() ([]SystemBackup, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, "system"))
	if err != nil {
		return nil, fmt.Errorf("failed to list system backups: %w", err)
	}

	var backups []SystemBackup
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		sb, err := s.GetSystem(strings.TrimSuffix(e.Name(), ".json"))
		if err != nil {
			// Diagnostic listing stays best-effort over corrupt records.
			s.logger.Warn("skipping unreadable system backup record", "file", e.Name(), "error", err)
			continue
		}
		backups = append(backups, sb)
	}
	sort.Slice(backups, func(i, j int) bool { return backups[i].Timestamp.After(backups[j].Timestamp) })
	return backups, nil
}

// RestoreSystem restores every path recorded in the backup, directories
// included, and deletes files and now-empty directories that exist under
// root but were absent at snapshot time. The restore is
// all-or-nothing: every touched path is snapshotted first under an implicit
// transaction, and any failure rolls the partially restored tree back.
func (s *Store) RestoreSystem(ctx context.Context, id, root string, ignore []string) error {
	sb, err := s.GetSystem(id)
	if err != nil {
		return err
	}

	currentFiles, currentDirs, err := collectTree(root, ignore)
	if err != nil {
		return err
	}

	txID := "restore-" + uuid.NewString()
	var touched []string

	restoreAll := func() error {
		// Recorded directories come back first, so empty ones survive the
		// round trip.
		for _, rel := range sb.Dirs {
			if err := os.MkdirAll(filepath.Join(root, filepath.FromSlash(rel)), 0755); err != nil {
				return fmt.Errorf("failed to recreate directory %s: %w", rel, err)
			}
		}

		// Deterministic order: recorded files next (sorted), then deletions.
		recorded := make([]string, 0, len(sb.Files))
		for rel := range sb.Files {
			recorded = append(recorded, rel)
		}
		sort.Strings(recorded)

		for _, rel := range recorded {
			if err := ctx.Err(); err != nil {
				return err
			}
			rec := sb.Files[rel]
			abs := filepath.Join(root, filepath.FromSlash(rel))
			if _, err := s.Snapshot(txID, abs); err != nil {
				return err
			}
			touched = append(touched, abs)

			content, err := os.ReadFile(s.blobPath(rec.Digest))
			if err != nil {
				return fmt.Errorf("failed to read blob for %s: %w", abs, err)
			}
			if hashing.Bytes(content) != rec.Digest {
				return fmt.Errorf("%w: blob for %s does not match digest %s", ErrCorruptRecord, abs, rec.Digest)
			}
			if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
				return fmt.Errorf("failed to create parent directory for %s: %w", abs, err)
			}
			if err := fsutil.WriteFileAtomic(abs, content, fs.FileMode(rec.Mode)); err != nil {
				return fmt.Errorf("failed to restore %s: %w", abs, err)
			}
		}

		for _, rel := range currentFiles {
			if _, keep := sb.Files[rel]; keep {
				continue
			}
			abs := filepath.Join(root, filepath.FromSlash(rel))
			if _, err := s.Snapshot(txID, abs); err != nil {
				return err
			}
			touched = append(touched, abs)
			if err := os.Remove(abs); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("failed to remove %s: %w", abs, err)
			}
		}

		// Directories absent at snapshot time are pruned innermost first.
		// Any that still hold files stay.
		recordedDirs := make(map[string]bool, len(sb.Dirs))
		for _, rel := range sb.Dirs {
			recordedDirs[rel] = true
		}
		for i := len(currentDirs) - 1; i >= 0; i-- {
			if recordedDirs[currentDirs[i]] {
				continue
			}
			_ = os.Remove(filepath.Join(root, filepath.FromSlash(currentDirs[i])))
		}
		return nil
	}

	if err := restoreAll(); err != nil {
		s.logger.Error("system restore failed, rolling back", "id", id, "error", err)
		for i := len(touched) - 1; i >= 0; i-- {
			entry, ok := s.EntryForTransaction(touched[i], txID)
			if !ok {
				continue
			}
			if rbErr := s.Restore(touched[i], entry); rbErr != nil {
				s.logger.Error("rollback failed for path", "path", touched[i], "error", rbErr)
			}
		}
		return err
	}

	s.logger.Info("restored system backup", "id", id, "files", len(sb.Files))
	return nil
}

// collectTree lists regular files (slash-relative, sorted) and directories
// under root, skipping ignore globs. A missing root yields empty results.
func collectTree(root string, ignore []string) (files, dirs []string, err error) {
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root && os.IsNotExist(err) {
				return filepath.SkipAll
			}
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

		for _, pattern := range ignore {
			if ok, _ := doublestar.Match(pattern, rel); ok {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
		}

		switch {
		case d.IsDir():
			dirs = append(dirs, rel)
		case d.Type().IsRegular():
			files = append(files, rel)
		}
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to walk %s: %w", root, err)
	}
	sort.Strings(files)
	sort.Strings(dirs)
	return files, dirs, nil
}
