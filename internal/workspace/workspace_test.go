package workspace

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitialize_CreatesAllDirectories(t *testing.T) {
	dataDir := filepath.Join(t.TempDir(), ".pmnet")

	layout, err := Initialize(dataDir)
	require.NoError(t, err)
	assert.Equal(t, dataDir, layout.Root)

	for _, dir := range []string{layout.Events(), layout.Transcripts(), layout.Sessions()} {
		info, err := os.Stat(dir)
		require.NoError(t, err, "directory %s should exist", dir)
		assert.True(t, info.IsDir())
		assert.Equal(t, os.FileMode(0700), info.Mode().Perm(), "directory %s should be 0700", dir)
	}
}

func TestInitialize_Idempotent(t *testing.T) {
	dataDir := t.TempDir()

	_, err := Initialize(dataDir)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, SessionsDir, "keep.json"), []byte("{}"), 0600))

	_, err = Initialize(dataDir)
	require.NoError(t, err, "second initialize should be idempotent")
	assert.FileExists(t, filepath.Join(dataDir, SessionsDir, "keep.json"))
}

func TestInitialize_BlockedByFile(t *testing.T) {
	dataDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, EventsDir), []byte("x"), 0600))

	_, err := Initialize(dataDir)
	assert.Error(t, err)
}

func TestIsInitialized(t *testing.T) {
	dataDir := t.TempDir()

	ok, err := IsInitialized(dataDir)
	require.NoError(t, err)
	assert.False(t, ok)

	// Partially initialized
	require.NoError(t, os.Mkdir(filepath.Join(dataDir, EventsDir), 0700))
	ok, err = IsInitialized(dataDir)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = Initialize(dataDir)
	require.NoError(t, err)
	ok, err = IsInitialized(dataDir)
	require.NoError(t, err)
	assert.True(t, ok)
}
