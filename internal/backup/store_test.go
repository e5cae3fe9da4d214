package backup

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meowrch/pawlette/internal/hashing"
	"github.com/meowrch/pawlette/internal/testutil"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "backups"), testLogger())
	require.NoError(t, err)
	return s
}

func TestSnapshotAndRestore(t *testing.T) {
	s := openStore(t)
	target := testutil.WriteFile(t, t.TempDir(), "app/app.conf", "original")

	entry, err := s.Snapshot("tx1", target)
	require.NoError(t, err)
	assert.False(t, entry.Tombstone)
	assert.Equal(t, hashing.Bytes([]byte("original")), entry.Digest)

	// Mutate the live file, then restore the snapshot.
	require.NoError(t, os.WriteFile(target, []byte("mutated"), 0644))
	require.NoError(t, s.Restore(target, entry))
	assert.Equal(t, "original", testutil.ReadFile(t, target))
}

func TestSnapshotIdempotentWithinTransaction(t *testing.T) {
	s := openStore(t)
	target := testutil.WriteFile(t, t.TempDir(), "app.conf", "oldest")

	first, err := s.Snapshot("tx1", target)
	require.NoError(t, err)

	// A later snapshot in the same transaction must return the already
	// taken entry, preserving the oldest pre-transaction state.
	require.NoError(t, os.WriteFile(target, []byte("newer"), 0644))
	second, err := s.Snapshot("tx1", target)
	require.NoError(t, err)
	assert.Equal(t, first.Digest, second.Digest)
	assert.Len(t, s.List(target), 1)

	// A different transaction records a fresh version.
	third, err := s.Snapshot("tx2", target)
	require.NoError(t, err)
	assert.NotEqual(t, first.Digest, third.Digest)
	assert.Len(t, s.List(target), 2)
}

func TestSnapshotTombstone(t *testing.T) {
	s := openStore(t)
	target := filepath.Join(t.TempDir(), "missing.conf")

	entry, err := s.Snapshot("tx1", target)
	require.NoError(t, err)
	assert.True(t, entry.Tombstone)
	assert.Empty(t, entry.Digest)

	// Restoring a tombstone deletes whatever exists at the path now.
	require.NoError(t, os.WriteFile(target, []byte("created later"), 0644))
	require.NoError(t, s.Restore(target, entry))
	_, statErr := os.Stat(target)
	assert.True(t, os.IsNotExist(statErr))
}

func TestListNewestFirst(t *testing.T) {
	s := openStore(t)
	target := testutil.WriteFile(t, t.TempDir(), "f", "v1")

	_, err := s.Snapshot("tx1", target)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(target, []byte("v2"), 0644))
	_, err = s.Snapshot("tx2", target)
	require.NoError(t, err)

	entries := s.List(target)
	require.Len(t, entries, 2)
	assert.Equal(t, hashing.Bytes([]byte("v2")), entries[0].Digest)
	assert.Equal(t, hashing.Bytes([]byte("v1")), entries[1].Digest)
}

func TestRestoreByDigest(t *testing.T) {
	s := openStore(t)
	target := testutil.WriteFile(t, t.TempDir(), "f", "v1")

	_, err := s.Snapshot("tx1", target)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(target, []byte("v2"), 0644))
	_, err = s.Snapshot("tx2", target)
	require.NoError(t, err)

	wantDigest := hashing.Bytes([]byte("v1"))
	entry, ok := s.FindByDigest(target, wantDigest)
	require.True(t, ok)
	require.NoError(t, s.Restore(target, entry))

	// Recompute the digest after restore to prove exact content.
	got, err := hashing.File(target)
	require.NoError(t, err)
	assert.Equal(t, wantDigest, got)
}

func TestFindByDigestPrefix(t *testing.T) {
	s := openStore(t)
	target := testutil.WriteFile(t, t.TempDir(), "f", "content")

	entry, err := s.Snapshot("tx1", target)
	require.NoError(t, err)

	found, ok := s.FindByDigest(target, entry.Digest[:12])
	require.True(t, ok)
	assert.Equal(t, entry.Digest, found.Digest)

	_, ok = s.FindByDigest(target, "feed")
	assert.False(t, ok)
}

func TestContentDetectsCorruption(t *testing.T) {
	s := openStore(t)
	target := testutil.WriteFile(t, t.TempDir(), "f", "v1")

	entry, err := s.Snapshot("tx1", target)
	require.NoError(t, err)

	// Tamper with the stored blob.
	require.NoError(t, os.WriteFile(s.blobPath(entry.Digest), []byte("tampered"), 0644))

	_, err = s.Content(entry)
	assert.True(t, errors.Is(err, ErrCorruptRecord))
	assert.True(t, errors.Is(s.Restore(target, entry), ErrCorruptRecord))
}

func TestDeduplicationByDigest(t *testing.T) {
	s := openStore(t)
	dir := t.TempDir()
	a := testutil.WriteFile(t, dir, "a.conf", "same content")
	b := testutil.WriteFile(t, dir, "b.conf", "same content")

	ea, err := s.Snapshot("tx1", a)
	require.NoError(t, err)
	eb, err := s.Snapshot("tx1", b)
	require.NoError(t, err)
	assert.Equal(t, ea.Digest, eb.Digest)

	// One blob on disk for both entries.
	info, err := os.Stat(s.blobPath(ea.Digest))
	require.NoError(t, err)
	assert.True(t, info.Mode().IsRegular())
}

func TestPersistenceAcrossReopen(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "backups")
	target := testutil.WriteFile(t, t.TempDir(), "f", "v1")

	s, err := Open(dir, testLogger())
	require.NoError(t, err)
	_, err = s.Snapshot("tx1", target)
	require.NoError(t, err)
	require.NoError(t, s.SetMeta(Meta{CurrentTheme: "mocha", LastTransactionID: "tx1"}))

	reopened, err := Open(dir, testLogger())
	require.NoError(t, err)
	assert.Len(t, reopened.List(target), 1)
	assert.Equal(t, "mocha", reopened.Meta().CurrentTheme)
	assert.Equal(t, "tx1", reopened.Meta().LastTransactionID)
}

func TestPrune(t *testing.T) {
	s := openStore(t)
	target := testutil.WriteFile(t, t.TempDir(), "f", "v1")

	var digests []string
	for i, content := range []string{"v1", "v2", "v3", "v4"} {
		require.NoError(t, os.WriteFile(target, []byte(content), 0644))
		e, err := s.Snapshot("tx"+string(rune('a'+i)), target)
		require.NoError(t, err)
		digests = append(digests, e.Digest)
	}

	require.NoError(t, s.Prune(2))

	entries := s.List(target)
	require.Len(t, entries, 2)
	assert.Equal(t, digests[3], entries[0].Digest)
	assert.Equal(t, digests[2], entries[1].Digest)

	// Pruned blobs are gone, retained ones still verify.
	_, err := os.Stat(s.blobPath(digests[0]))
	assert.True(t, os.IsNotExist(err))
	_, err = s.Content(entries[0])
	assert.NoError(t, err)
}
