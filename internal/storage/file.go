package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/zeebo/xxh3"

	"github.com/unisearch/reqcache/pkg/errors"
	"github.com/unisearch/reqcache/pkg/types"
)

const itemExt = ".item"

// File is a durable store keeping one file per key in a directory. Writes go
// through a temp file and rename so a crash never leaves a torn item behind.
type File struct {
	mu     sync.RWMutex
	dir    string
	quota  int64
	index  map[string]fileItem
	bytes  int64
	logger *slog.Logger
}

type fileItem struct {
	name string
	size int64
}

// fileRecord is the on-disk format; the original key is kept because file
// names are hashes.
type fileRecord struct {
	Key   string `json:"key"`
	Value []byte `json:"value"`
}

var _ types.Storage = (*File)(nil)

// NewFile opens or creates a file store in dir. quota <= 0 means unlimited.
func NewFile(dir string, quota int64, logger *slog.Logger) (*File, error) {
	if dir == "" {
		return nil, fmt.Errorf("file store directory cannot be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	f := &File{
		dir:    dir,
		quota:  quota,
		index:  make(map[string]fileItem),
		logger: logger.With("component", "file-store", "dir", dir),
	}
	if err := f.loadIndex(); err != nil {
		return nil, fmt.Errorf("failed to load store index: %w", err)
	}
	return f, nil
}

// loadIndex rebuilds the key index from the directory, dropping leftovers
// from interrupted writes and unreadable items.
func (f *File) loadIndex() error {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return err
	}
	for _, de := range entries {
		if de.IsDir() {
			continue
		}
		name := de.Name()
		path := filepath.Join(f.dir, name)
		if strings.HasPrefix(name, ".tmp-") {
			_ = os.Remove(path)
			continue
		}
		if !strings.HasSuffix(name, itemExt) {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		var rec fileRecord
		if err := json.Unmarshal(data, &rec); err != nil || fileName(rec.Key) != name {
			f.logger.Warn("removing unreadable store item", "file", name, "error", err)
			_ = os.Remove(path)
			continue
		}
		f.index[rec.Key] = fileItem{name: name, size: int64(len(data))}
		f.bytes += int64(len(data))
	}
	return nil
}

// GetItem reads key from disk
func (f *File) GetItem(_ context.Context, key string) ([]byte, bool, error) {
	f.mu.RLock()
	item, ok := f.index[key]
	f.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}

	data, err := os.ReadFile(filepath.Join(f.dir, item.name))
	if err != nil {
		if os.IsNotExist(err) {
			f.forget(key)
			return nil, false, nil
		}
		return nil, false, errors.Wrap(errors.ErrCodeStorageRead, "failed to read store item", err).
			WithComponent("file-store").WithContext("key", key)
	}

	var rec fileRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, false, errors.Wrap(errors.ErrCodeSerializationFailed, "corrupt store item", err).
			WithComponent("file-store").WithContext("key", key)
	}
	return rec.Value, true, nil
}

// SetItem writes key atomically
func (f *File) SetItem(_ context.Context, key string, value []byte) error {
	data, err := json.Marshal(fileRecord{Key: key, Value: value})
	if err != nil {
		return errors.Wrap(errors.ErrCodeSerializationFailed, "failed to encode store item", err).
			WithComponent("file-store")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	size := int64(len(data))
	delta := size
	if old, ok := f.index[key]; ok {
		delta -= old.size
	}
	if f.quota > 0 && f.bytes+delta > f.quota {
		return quotaError(key, f.bytes+delta, f.quota)
	}

	name := fileName(key)
	if err := f.writeAtomic(name, data); err != nil {
		return errors.Wrap(errors.ErrCodeStorageWrite, "failed to write store item", err).
			WithComponent("file-store").WithContext("key", key)
	}

	f.index[key] = fileItem{name: name, size: size}
	f.bytes += delta
	return nil
}

func (f *File) writeAtomic(name string, data []byte) error {
	tmp, err := os.CreateTemp(f.dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, filepath.Join(f.dir, name)); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}

// RemoveItem deletes key from disk if present
func (f *File) RemoveItem(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	item, ok := f.index[key]
	if !ok {
		return nil
	}
	if err := os.Remove(filepath.Join(f.dir, item.name)); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(errors.ErrCodeStorageWrite, "failed to remove store item", err).
			WithComponent("file-store").WithContext("key", key)
	}
	delete(f.index, key)
	f.bytes -= item.size
	return nil
}

// Keys lists keys with the given prefix in sorted order
func (f *File) Keys(_ context.Context, prefix string) ([]string, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	keys := make([]string, 0, len(f.index))
	for k := range f.index {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Usage reports bytes on disk against the quota
func (f *File) Usage(_ context.Context) (types.StorageUsage, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return types.StorageUsage{Bytes: f.bytes, Quota: f.quota}, nil
}

func (f *File) forget(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if item, ok := f.index[key]; ok {
		f.bytes -= item.size
		delete(f.index, key)
	}
}

func fileName(key string) string {
	sum := xxh3.HashString128(key).Bytes()
	return fmt.Sprintf("%x%s", sum[:], itemExt)
}
