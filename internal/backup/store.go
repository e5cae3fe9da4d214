// Package backup persists pre-mutation versions of configuration files,
// addressed by content digest, and restores them on demand. It is the only
// component that owns backup records; everything else goes through the Store.
package backup

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/meowrch/pawlette/internal/fsutil"
	"github.com/meowrch/pawlette/internal/hashing"
)

// ErrCorruptRecord is returned when a stored blob no longer matches the
// digest recorded for it.
var ErrCorruptRecord = errors.New("corrupt backup record")

// ErrNoBackup is returned when no backup entry matches a lookup.
var ErrNoBackup = errors.New("no backup found")

// Entry is an immutable record of one file's content prior to a mutation.
// A tombstone entry records that the path did not exist at snapshot time.
type Entry struct {
	Path          string    `json:"path"`
	Digest        string    `json:"digest,omitempty"`
	Mode          uint32    `json:"mode,omitempty"`
	Tombstone     bool      `json:"tombstone,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	TransactionID string    `json:"transaction_id,omitempty"`
}

// Meta is the store-level metadata maintained by the transaction
// coordinator: which theme is live and which transactions recorded it.
type Meta struct {
	CurrentTheme      string `json:"current_theme,omitempty"`
	LastTransactionID string `json:"last_transaction_id,omitempty"`
	// PristineTransactionID is the transaction whose snapshots hold the
	// pre-theme content of the current theme streak. Re-applying the same
	// theme patches against these snapshots, which keeps re-apply
	// idempotent.
	PristineTransactionID string `json:"pristine_transaction_id,omitempty"`
	// ActiveTransactionID is set while a transaction is open and cleared
	// on commit or rollback. A non-empty value after a crash marks the
	// transaction revert must complete.
	ActiveTransactionID string `json:"active_transaction_id,omitempty"`
}

// Store is a content-addressed backup store rooted at a data directory.
// Blobs are shared between per-file history and system backups: two backups
// of identical content reference the same stored bytes.
type Store struct {
	dir    string
	logger *slog.Logger
	index  map[string][]Entry // target path -> entries, oldest first
	meta   Meta
}

// Open loads (or initializes) the store at dir.
func Open(dir string, logger *slog.Logger) (*Store, error) {
	for _, sub := range []string{"", "blobs", "system"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0755); err != nil {
			return nil, fmt.Errorf("failed to create backup directory: %w", err)
		}
	}

	s := &Store{
		dir:    dir,
		logger: logger,
		index:  make(map[string][]Entry),
	}
	if err := s.loadJSON(s.indexPath(), &s.index); err != nil {
		return nil, fmt.Errorf("failed to load backup index: %w", err)
	}
	if err := s.loadJSON(s.metaPath(), &s.meta); err != nil {
		return nil, fmt.Errorf("failed to load backup metadata: %w", err)
	}
	return s, nil
}

func (s *Store) indexPath() string { return filepath.Join(s.dir, "index.json") }
func (s *Store) metaPath() string  { return filepath.Join(s.dir, "meta.json") }

func (s *Store) blobPath(digest string) string {
	return filepath.Join(s.dir, "blobs", digest[:2], digest)
}

func (s *Store) loadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return json.Unmarshal(data, v)
}

func (s *Store) saveJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(path, data, 0644)
}

// storeBlob persists content under its digest, deduplicating by digest.
func (s *Store) storeBlob(digest string, content []byte) error {
	path := s.blobPath(digest)
	if _, err := os.Stat(path); err == nil {
		return nil // already stored
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(path, content, 0644)
}

// Snapshot records the current content of path as a backup entry belonging
// to txID. Snapshotting the same path twice within one transaction returns
// the entry already taken, preserving the oldest pre-transaction state.
func (s *Store) Snapshot(txID, path string) (Entry, error) {
	if e, ok := s.EntryForTransaction(path, txID); ok {
		return e, nil
	}

	entry := Entry{
		Path:          path,
		Timestamp:     time.Now().UTC(),
		TransactionID: txID,
	}

	content, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		entry.Tombstone = true
	case err != nil:
		return Entry{}, fmt.Errorf("failed to read %s for backup: %w", path, err)
	default:
		info, err := os.Stat(path)
		if err != nil {
			return Entry{}, fmt.Errorf("failed to stat %s for backup: %w", path, err)
		}
		entry.Digest = hashing.Bytes(content)
		entry.Mode = uint32(info.Mode().Perm())
		if err := s.storeBlob(entry.Digest, content); err != nil {
			return Entry{}, fmt.Errorf("failed to store backup blob for %s: %w", path, err)
		}
	}

	s.index[path] = append(s.index[path], entry)
	if err := s.saveJSON(s.indexPath(), s.index); err != nil {
		return Entry{}, fmt.Errorf("failed to save backup index: %w", err)
	}

	s.logger.Debug("snapshot taken", "path", path, "tombstone", entry.Tombstone, "digest", entry.Digest)
	return entry, nil
}

// List returns the version history for path, newest first.
func (s *Store) List(path string) []Entry {
	history := s.index[path]
	out := make([]Entry, len(history))
	for i, e := range history {
		out[len(history)-1-i] = e
	}
	return out
}

// Latest returns the most recent entry for path.
func (s *Store) Latest(path string) (Entry, bool) {
	history := s.index[path]
	if len(history) == 0 {
		return Entry{}, false
	}
	return history[len(history)-1], true
}

// FindByDigest returns the most recent entry for path whose digest equals
// digest (or matches it as an unambiguous prefix).
func (s *Store) FindByDigest(path, digest string) (Entry, bool) {
	history := s.index[path]
	for i := len(history) - 1; i >= 0; i-- {
		e := history[i]
		if e.Digest == digest || (len(digest) >= 8 && len(e.Digest) > len(digest) && e.Digest[:len(digest)] == digest) {
			return e, true
		}
	}
	return Entry{}, false
}

// EntryForTransaction returns the entry recorded for path by txID, if any.
func (s *Store) EntryForTransaction(path, txID string) (Entry, bool) {
	for _, e := range s.index[path] {
		if e.TransactionID == txID {
			return e, true
		}
	}
	return Entry{}, false
}

// Content returns the stored bytes of a non-tombstone entry, verifying them
// against the recorded digest.
func (s *Store) Content(e Entry) ([]byte, error) {
	if e.Tombstone {
		return nil, fmt.Errorf("%w: entry for %s is a tombstone", ErrNoBackup, e.Path)
	}
	content, err := os.ReadFile(s.blobPath(e.Digest))
	if err != nil {
		return nil, fmt.Errorf("failed to read backup blob for %s: %w", e.Path, err)
	}
	if hashing.Bytes(content) != e.Digest {
		return nil, fmt.Errorf("%w: blob for %s does not match digest %s", ErrCorruptRecord, e.Path, e.Digest)
	}
	return content, nil
}

// Restore writes the entry's content back to its path, or deletes the path
// if the entry is a tombstone. Writes are atomic.
func (s *Store) Restore(path string, e Entry) error {
	if e.Tombstone {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove %s: %w", path, err)
		}
		return nil
	}

	content, err := s.Content(e)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create parent directory for %s: %w", path, err)
	}
	mode := fs.FileMode(e.Mode)
	if mode == 0 {
		mode = 0644
	}
	if err := fsutil.WriteFileAtomic(path, content, mode); err != nil {
		return fmt.Errorf("failed to restore %s: %w", path, err)
	}
	s.logger.Info("restored file from backup", "path", path, "digest", e.Digest)
	return nil
}

// Meta returns the current store metadata.
func (s *Store) Meta() Meta {
	return s.meta
}

// SetMeta records the live theme and the transaction that applied it.
func (s *Store) SetMeta(m Meta) error {
	s.meta = m
	if err := s.saveJSON(s.metaPath(), &s.meta); err != nil {
		return fmt.Errorf("failed to save backup metadata: %w", err)
	}
	return nil
}

// Prune caps every path's history at maxPerFile entries (oldest dropped) and
// deletes blobs no longer referenced by any entry or system backup. Entries
// belonging to the transactions named in the store metadata are never
// dropped; rollback and idempotent re-apply depend on them.
func (s *Store) Prune(maxPerFile int) error {
	if maxPerFile > 0 {
		for path, history := range s.index {
			if len(history) <= maxPerFile {
				continue
			}
			cut := len(history) - maxPerFile
			kept := make([]Entry, 0, maxPerFile)
			for i, e := range history {
				if i >= cut || s.protectedTx(e.TransactionID) {
					kept = append(kept, e)
				}
			}
			s.index[path] = kept
		}
		if err := s.saveJSON(s.indexPath(), s.index); err != nil {
			return fmt.Errorf("failed to save backup index: %w", err)
		}
	}

	referenced := make(map[string]bool)
	for _, history := range s.index {
		for _, e := range history {
			if e.Digest != "" {
				referenced[e.Digest] = true
			}
		}
	}
	systems, err := s.ListSystem()
	if err != nil {
		return err
	}
	for _, sb := range systems {
		for _, rec := range sb.Files {
			referenced[rec.Digest] = true
		}
	}

	blobRoot := filepath.Join(s.dir, "blobs")
	return filepath.WalkDir(blobRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		if !referenced[d.Name()] {
			s.logger.Debug("pruning unreferenced blob", "digest", d.Name())
			return os.Remove(path)
		}
		return nil
	})
}

// protectedTx reports whether entries of this transaction must survive
// pruning.
func (s *Store) protectedTx(id string) bool {
	return id != "" && (id == s.meta.LastTransactionID ||
		id == s.meta.PristineTransactionID ||
		id == s.meta.ActiveTransactionID)
}

// Paths returns every target path with recorded history, sorted.
func (s *Store) Paths() []string {
	paths := make([]string, 0, len(s.index))
	for p := range s.index {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}
