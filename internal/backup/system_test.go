package backup

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meowrch/pawlette/internal/hashing"
	"github.com/meowrch/pawlette/internal/testutil"
)

func seedRoot(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	testutil.WriteFile(t, root, "kitty/kitty.conf", "font_size 12\n")
	testutil.WriteFile(t, root, "dunst/dunstrc", "[global]\n")
	testutil.WriteFile(t, root, "hypr/hyprland.conf", "monitor=,preferred\n")
	return root
}

func TestSystemBackupRoundTrip(t *testing.T) {
	s := openStore(t)
	root := seedRoot(t)
	require.NoError(t, os.MkdirAll(filepath.Join(root, "empty-dir"), 0755))
	ctx := context.Background()

	before, err := hashing.Tree(ctx, root)
	require.NoError(t, err)

	sb, err := s.CreateSystem(ctx, root, "before experiment", nil)
	require.NoError(t, err)
	assert.Len(t, sb.Files, 3)
	assert.Equal(t, "before experiment", sb.Comment)

	// Mutate, create and delete files and directories.
	testutil.WriteFile(t, root, "kitty/kitty.conf", "font_size 99\n")
	testutil.WriteFile(t, root, "waybar/config", "{}\n")
	require.NoError(t, os.Remove(filepath.Join(root, "dunst", "dunstrc")))
	require.NoError(t, os.Remove(filepath.Join(root, "empty-dir")))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "late-dir"), 0755))

	require.NoError(t, s.RestoreSystem(ctx, sb.ID, root, nil))

	// Byte-for-byte round trip: same files, same digests, same directory
	// structure, nothing stray left over.
	after, err := hashing.Tree(ctx, root)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	_, err = os.Stat(filepath.Join(root, "waybar", "config"))
	assert.True(t, os.IsNotExist(err))
	info, err := os.Stat(filepath.Join(root, "empty-dir"))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestSystemBackupIgnoreGlobs(t *testing.T) {
	s := openStore(t)
	root := seedRoot(t)
	testutil.WriteFile(t, root, ".git/HEAD", "ref: refs/heads/main\n")
	testutil.WriteFile(t, root, "app/session.sock", "")

	sb, err := s.CreateSystem(context.Background(), root, "", []string{"**/.git", "**/.git/**", "**/*.sock"})
	require.NoError(t, err)

	assert.Len(t, sb.Files, 3)
	assert.NotContains(t, sb.Files, ".git/HEAD")
	assert.NotContains(t, sb.Files, "app/session.sock")
}

func TestSystemBackupDeduplicatesAcrossSnapshots(t *testing.T) {
	s := openStore(t)
	root := seedRoot(t)
	ctx := context.Background()

	first, err := s.CreateSystem(ctx, root, "", nil)
	require.NoError(t, err)
	second, err := s.CreateSystem(ctx, root, "", nil)
	require.NoError(t, err)

	// Unchanged files across snapshots reference identical blobs.
	for rel, rec := range first.Files {
		assert.Equal(t, rec.Digest, second.Files[rel].Digest, rel)
	}
}

func TestListSystemNewestFirst(t *testing.T) {
	s := openStore(t)
	root := seedRoot(t)
	ctx := context.Background()

	a, err := s.CreateSystem(ctx, root, "first", nil)
	require.NoError(t, err)
	b, err := s.CreateSystem(ctx, root, "second", nil)
	require.NoError(t, err)

	backups, err := s.ListSystem()
	require.NoError(t, err)
	require.Len(t, backups, 2)
	assert.Equal(t, b.ID, backups[0].ID)
	assert.Equal(t, a.ID, backups[1].ID)
}

func TestRestoreSystemUnknownID(t *testing.T) {
	s := openStore(t)
	err := s.RestoreSystem(context.Background(), "system_nope", t.TempDir(), nil)
	assert.True(t, errors.Is(err, ErrNoBackup))
}

func TestRestoreSystemRollsBackOnCorruptBlob(t *testing.T) {
	s := openStore(t)
	root := seedRoot(t)
	ctx := context.Background()

	sb, err := s.CreateSystem(ctx, root, "", nil)
	require.NoError(t, err)

	// Corrupt the blob backing one recorded file, then drift the live tree.
	corrupted := sb.Files["kitty/kitty.conf"]
	require.NoError(t, os.WriteFile(s.blobPath(corrupted.Digest), []byte("garbage"), 0644))
	testutil.WriteFile(t, root, "dunst/dunstrc", "[global]\nfont = Changed\n")

	err = s.RestoreSystem(ctx, sb.ID, root, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCorruptRecord))

	// The failed restore rolled the tree back to its pre-restore state.
	assert.Equal(t, "[global]\nfont = Changed\n", testutil.ReadFile(t, filepath.Join(root, "dunst", "dunstrc")))
}
