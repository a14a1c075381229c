package artifact

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSweepStaging(t *testing.T) {
	dir := t.TempDir()
	old := time.Now().Add(-2 * time.Hour)

	stale := StagingPath(filepath.Join(dir, "stale.gguf"))
	fresh := StagingPath(filepath.Join(dir, "fresh.gguf"))
	busy := StagingPath(filepath.Join(dir, "busy.gguf"))
	artifactPath := filepath.Join(dir, "model.gguf")

	for _, p := range []string{stale, fresh, busy, artifactPath} {
		require.NoError(t, os.WriteFile(p, []byte("partial"), 0o644))
	}
	for _, p := range []string{stale, busy, artifactPath} {
		require.NoError(t, os.Chtimes(p, old, old))
	}

	lock, err := tryLock(LockPath(filepath.Join(dir, "busy.gguf")))
	require.NoError(t, err)
	defer lock.release()

	removed, err := SweepStaging(dir, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, []string{stale}, removed)

	assert.NoFileExists(t, stale)
	assert.FileExists(t, fresh)
	assert.FileExists(t, busy, "owned by a running acquisition")
	assert.FileExists(t, artifactPath)
}

func TestSweepStaging_MissingDir(t *testing.T) {
	removed, err := SweepStaging(filepath.Join(t.TempDir(), "absent"), time.Hour)
	require.NoError(t, err)
	assert.Empty(t, removed)
}
