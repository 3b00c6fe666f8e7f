package logging

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func stepClock() func() time.Time {
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time {
		ts = ts.Add(time.Second)
		return ts
	}
}

func listDir(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestRotatingFile_RotatesBySize(t *testing.T) {
	dir := t.TempDir()
	rf, err := NewRotatingFile(RotationConfig{
		Filename:   filepath.Join(dir, "reqcache.log"),
		MaxSizeMB:  1,
		MaxBackups: 2,
	})
	require.NoError(t, err)
	rf.now = stepClock()
	defer rf.Close()

	chunk := []byte(strings.Repeat("x", 600*1024))
	for i := 0; i < 4; i++ {
		_, err := rf.Write(chunk)
		require.NoError(t, err)
	}

	names := listDir(t, dir)
	assert.Contains(t, names, "reqcache.log")
	assert.Len(t, names, 3, "current file plus MaxBackups: %v", names)
	for _, name := range names {
		if name != "reqcache.log" {
			assert.True(t, strings.HasPrefix(name, "reqcache-2024-03-01T12-00-"), name)
		}
	}
}

func TestRotatingFile_Compress(t *testing.T) {
	dir := t.TempDir()
	rf, err := NewRotatingFile(RotationConfig{
		Filename: filepath.Join(dir, "app.log"),
		Compress: true,
	})
	require.NoError(t, err)
	rf.now = stepClock()
	defer rf.Close()

	_, err = rf.Write([]byte("before rotation\n"))
	require.NoError(t, err)
	require.NoError(t, rf.Rotate())
	_, err = rf.Write([]byte("after rotation\n"))
	require.NoError(t, err)

	var archive string
	for _, name := range listDir(t, dir) {
		if strings.HasSuffix(name, ".log.gz") {
			archive = name
		}
	}
	require.NotEmpty(t, archive, "rotated file should be gzipped")

	f, err := os.Open(filepath.Join(dir, archive))
	require.NoError(t, err)
	defer f.Close()
	zr, err := gzip.NewReader(f)
	require.NoError(t, err)
	data, err := io.ReadAll(zr)
	require.NoError(t, err)
	assert.Equal(t, "before rotation\n", string(data))

	current, err := os.ReadFile(filepath.Join(dir, "app.log"))
	require.NoError(t, err)
	assert.Equal(t, "after rotation\n", string(current))
}

func TestRotatingFile_WriteAfterClose(t *testing.T) {
	rf, err := NewRotatingFile(RotationConfig{Filename: filepath.Join(t.TempDir(), "a.log")})
	require.NoError(t, err)
	require.NoError(t, rf.Close())
	require.NoError(t, rf.Close())

	_, err = rf.Write([]byte("late"))
	assert.ErrorIs(t, err, os.ErrClosed)
}

func TestNewRotatingFile_RequiresFilename(t *testing.T) {
	_, err := NewRotatingFile(RotationConfig{})
	assert.Error(t, err)
}
