package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unisearch/reqcache/pkg/errors"
	"github.com/unisearch/reqcache/pkg/types"
)

func newStores(t *testing.T, quota int64) map[string]types.Storage {
	t.Helper()
	f, err := NewFile(t.TempDir(), quota, nil)
	require.NoError(t, err)
	return map[string]types.Storage{
		"memory": NewMemory(quota),
		"file":   f,
	}
}

func TestStorage_SetGetRemove(t *testing.T) {
	ctx := context.Background()
	for name, s := range newStores(t, 0) {
		t.Run(name, func(t *testing.T) {
			_, ok, err := s.GetItem(ctx, "cache:missing")
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, s.SetItem(ctx, "cache:a", []byte("1")))
			require.NoError(t, s.SetItem(ctx, "cache:a", []byte("22")))

			v, ok, err := s.GetItem(ctx, "cache:a")
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, "22", string(v))

			require.NoError(t, s.RemoveItem(ctx, "cache:a"))
			require.NoError(t, s.RemoveItem(ctx, "cache:a"), "removing twice is not an error")

			_, ok, err = s.GetItem(ctx, "cache:a")
			require.NoError(t, err)
			assert.False(t, ok)

			usage, err := s.Usage(ctx)
			require.NoError(t, err)
			assert.Zero(t, usage.Bytes)
		})
	}
}

func TestStorage_KeysByPrefix(t *testing.T) {
	ctx := context.Background()
	for name, s := range newStores(t, 0) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.SetItem(ctx, "cache:b", []byte("x")))
			require.NoError(t, s.SetItem(ctx, "cache:a", []byte("x")))
			require.NoError(t, s.SetItem(ctx, "theme", []byte("dark")))

			keys, err := s.Keys(ctx, "cache:")
			require.NoError(t, err)
			assert.Equal(t, []string{"cache:a", "cache:b"}, keys)
		})
	}
}

func TestStorage_QuotaExceeded(t *testing.T) {
	ctx := context.Background()
	for name, s := range newStores(t, 64) {
		t.Run(name, func(t *testing.T) {
			err := s.SetItem(ctx, "cache:big", make([]byte, 128))
			require.Error(t, err)
			assert.Equal(t, errors.ErrCodeQuotaExceeded, errors.CodeOf(err))

			_, ok, err := s.GetItem(ctx, "cache:big")
			require.NoError(t, err)
			assert.False(t, ok, "rejected writes leave nothing behind")

			require.NoError(t, s.SetItem(ctx, "cache:s", []byte("ok")))
			usage, err := s.Usage(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(64), usage.Quota)
			assert.Positive(t, usage.Bytes)
		})
	}
}

func TestFile_ReopenRestoresIndex(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	f, err := NewFile(dir, 0, nil)
	require.NoError(t, err)
	require.NoError(t, f.SetItem(ctx, "cache:/api/universities", []byte(`{"v":1}`)))

	// Debris from an interrupted write and a corrupt item are cleaned up.
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".tmp-123"), []byte("partial"), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "deadbeef.item"), []byte("{"), 0600))

	reopened, err := NewFile(dir, 0, nil)
	require.NoError(t, err)

	v, ok, err := reopened.GetItem(ctx, "cache:/api/universities")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, `{"v":1}`, string(v))

	keys, err := reopened.Keys(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"cache:/api/universities"}, keys)

	_, err = os.Stat(filepath.Join(dir, ".tmp-123"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(dir, "deadbeef.item"))
	assert.True(t, os.IsNotExist(err))
}

func TestFile_CorruptItemIsSerializationFailure(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	f, err := NewFile(dir, 0, nil)
	require.NoError(t, err)
	require.NoError(t, f.SetItem(ctx, "cache:k", []byte(`"v"`)))
	require.NoError(t, os.WriteFile(filepath.Join(dir, fileName("cache:k")), []byte("{"), 0600))

	_, ok, err := f.GetItem(ctx, "cache:k")
	assert.False(t, ok)
	assert.Equal(t, errors.ErrCodeSerializationFailed, errors.CodeOf(err))

	require.NoError(t, f.RemoveItem(ctx, "cache:k"))
	_, ok, err = f.GetItem(ctx, "cache:k")
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestNewFile_EmptyDir(t *testing.T) {
	_, err := NewFile("", 0, nil)
	assert.Error(t, err)
}

func TestMemory_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(0)
	buf := []byte("abc")
	require.NoError(t, m.SetItem(ctx, "k", buf))
	buf[0] = 'z'

	v, _, _ := m.GetItem(ctx, "k")
	assert.Equal(t, "abc", string(v))
	v[1] = 'z'

	v2, _, _ := m.GetItem(ctx, "k")
	assert.Equal(t, "abc", string(v2))
	assert.Equal(t, 1, m.Len())
}
