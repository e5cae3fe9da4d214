package verify

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meowrch/pawlette/internal/hashing"
	"github.com/meowrch/pawlette/internal/testutil"
)

func TestRun(t *testing.T) {
	root := t.TempDir()
	okPath := testutil.WriteFile(t, root, "ok.conf", "stable")
	driftPath := testutil.WriteFile(t, root, "drift.conf", "changed since apply")
	missingPath := filepath.Join(root, "missing.conf")

	targets := []Target{
		{Path: okPath, Want: hashing.Bytes([]byte("stable"))},
		{Path: driftPath, Want: hashing.Bytes([]byte("as applied"))},
		{Path: missingPath, Want: hashing.Bytes([]byte("whatever"))},
	}

	reports, err := Run(context.Background(), targets)
	require.NoError(t, err)
	require.Len(t, reports, 3)

	byPath := make(map[string]Report, len(reports))
	for _, r := range reports {
		byPath[r.Path] = r
	}

	assert.True(t, byPath[okPath].OK)
	assert.True(t, byPath[driftPath].Drifted)
	assert.Equal(t, hashing.Bytes([]byte("changed since apply")), byPath[driftPath].Got)
	assert.True(t, byPath[missingPath].Missing)
}

func TestRunContinuesPastErrors(t *testing.T) {
	if os.Getuid() == 0 {
		t.Skip("permission checks do not apply to root")
	}
	root := t.TempDir()
	unreadable := testutil.WriteFile(t, root, "secret.conf", "x")
	require.NoError(t, os.Chmod(unreadable, 0000))
	okPath := testutil.WriteFile(t, root, "ok.conf", "fine")

	reports, err := Run(context.Background(), []Target{
		{Path: unreadable, Want: "irrelevant"},
		{Path: okPath, Want: hashing.Bytes([]byte("fine"))},
	})
	require.NoError(t, err)
	require.Len(t, reports, 2)

	// Checking is best-effort: the unreadable path reports an error while
	// the healthy one still verifies.
	byPath := make(map[string]Report, len(reports))
	for _, r := range reports {
		byPath[r.Path] = r
	}
	assert.Error(t, byPath[unreadable].Err)
	assert.True(t, byPath[okPath].OK)
}

func TestRunEmpty(t *testing.T) {
	reports, err := Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, reports)
}

func TestRunCancelledContext(t *testing.T) {
	root := t.TempDir()
	path := testutil.WriteFile(t, root, "ok.conf", "stable")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// Cancellation surfaces as an error instead of half-filled reports.
	_, err := Run(ctx, []Target{{Path: path, Want: hashing.Bytes([]byte("stable"))}})
	assert.ErrorIs(t, err, context.Canceled)
}
