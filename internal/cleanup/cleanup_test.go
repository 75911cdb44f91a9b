package cleanup

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeleteExpiredFiles(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()

	stale := filepath.Join(dir, "job-1")
	require.NoError(t, os.MkdirAll(stale, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(stale, "scene.tif"), []byte("x"), 0o644))
	require.NoError(t, os.Chtimes(stale, now.Add(-2*time.Hour), now.Add(-2*time.Hour)))

	fresh := filepath.Join(dir, "job-2")
	require.NoError(t, os.MkdirAll(fresh, 0o755))

	strayFile := filepath.Join(dir, "leftover.part")
	require.NoError(t, os.WriteFile(strayFile, []byte("x"), 0o644))
	require.NoError(t, os.Chtimes(strayFile, now.Add(-3*time.Hour), now.Add(-3*time.Hour)))

	removed, err := DeleteExpiredFiles(context.Background(), dir, time.Hour, now)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	assert.NoDirExists(t, stale)
	assert.NoFileExists(t, strayFile)
	assert.DirExists(t, fresh)
}

func TestDeleteExpiredFiles_MissingDir(t *testing.T) {
	removed, err := DeleteExpiredFiles(context.Background(), filepath.Join(t.TempDir(), "nope"), time.Hour, time.Now())
	require.NoError(t, err)
	assert.Zero(t, removed)
}
