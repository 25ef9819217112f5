package checkpoint

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteFile_AndRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seg.nxa.idx")

	require.NoError(t, WriteFile(path, []byte("first")))
	_, err := os.Stat(TempPath(path))
	require.True(t, os.IsNotExist(err), "temp file should not exist after a successful write")

	data, found, err := ReadFile(path)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("first"), data)

	require.NoError(t, WriteFile(path, []byte("second")))
	data, _, err = ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), data)
}

func TestReadFile_NonExistent(t *testing.T) {
	data, found, err := ReadFile(filepath.Join(t.TempDir(), "missing"))
	require.NoError(t, err, "a missing file is not an error")
	assert.False(t, found)
	assert.Nil(t, data)
}

func TestWriteFile_LeftoverTempIsReplaced(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seg.nxa.idx")
	require.NoError(t, os.WriteFile(TempPath(path), []byte("garbage from a crash"), 0644))

	require.NoError(t, WriteFile(path, []byte("ok")))
	data, _, err := ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("ok"), data)
}

func TestRemove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x")
	require.NoError(t, WriteFile(path, []byte("x")))
	require.NoError(t, Remove(path))
	require.NoError(t, Remove(path), "removing twice is fine")
	_, found, err := ReadFile(path)
	require.NoError(t, err)
	assert.False(t, found)
}
