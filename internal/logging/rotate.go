package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
)

// RotationConfig holds configuration for log rotation
type RotationConfig struct {
	// Filename is the file to write logs to
	Filename string

	// MaxSizeMB is the size in megabytes that triggers rotation (0 = never)
	MaxSizeMB int64

	// MaxBackups is the number of rotated files to keep (0 = keep all)
	MaxBackups int

	// Compress gzips rotated files
	Compress bool
}

// RotatingFile is an io.WriteCloser that rotates Filename by size
type RotatingFile struct {
	mu sync.Mutex

	config RotationConfig
	file   *os.File
	size   int64
	now    func() time.Time
}

// NewRotatingFile opens config.Filename for appending.
func NewRotatingFile(config RotationConfig) (*RotatingFile, error) {
	if config.Filename == "" {
		return nil, fmt.Errorf("filename is required")
	}

	rf := &RotatingFile{config: config, now: time.Now}
	if err := rf.openFile(); err != nil {
		return nil, err
	}
	return rf, nil
}

// Write implements io.Writer
func (rf *RotatingFile) Write(p []byte) (int, error) {
	rf.mu.Lock()
	defer rf.mu.Unlock()

	if rf.file == nil {
		return 0, os.ErrClosed
	}
	if rf.shouldRotate(int64(len(p))) {
		if err := rf.rotate(); err != nil {
			return 0, fmt.Errorf("failed to rotate log: %w", err)
		}
	}

	n, err := rf.file.Write(p)
	rf.size += int64(n)
	return n, err
}

// Close closes the current file
func (rf *RotatingFile) Close() error {
	rf.mu.Lock()
	defer rf.mu.Unlock()

	if rf.file == nil {
		return nil
	}
	err := rf.file.Close()
	rf.file = nil
	return err
}

// Rotate forces an immediate rotation
func (rf *RotatingFile) Rotate() error {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	return rf.rotate()
}

func (rf *RotatingFile) shouldRotate(n int64) bool {
	if rf.config.MaxSizeMB <= 0 || rf.size == 0 {
		return false
	}
	return rf.size+n > rf.config.MaxSizeMB*1024*1024
}

func (rf *RotatingFile) rotate() error {
	if rf.file != nil {
		if err := rf.file.Close(); err != nil {
			return fmt.Errorf("failed to close current log file: %w", err)
		}
		rf.file = nil
	}

	backup := rf.backupName(rf.now().UTC())
	if err := os.Rename(rf.config.Filename, backup); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to rename log file: %w", err)
	}

	// Compression and cleanup failures leave extra files behind but must
	// not stop logging.
	if rf.config.Compress {
		if err := compressFile(backup); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to compress log file %s: %v\n", backup, err)
		}
	}
	if err := rf.cleanup(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to clean up old log files: %v\n", err)
	}

	return rf.openFile()
}

func (rf *RotatingFile) openFile() error {
	if err := os.MkdirAll(filepath.Dir(rf.config.Filename), 0750); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	f, err := os.OpenFile(rf.config.Filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to stat log file: %w", err)
	}

	rf.file = f
	rf.size = info.Size()
	return nil
}

// prefixAndExt splits app.log into "app" and ".log"
func (rf *RotatingFile) prefixAndExt() (string, string) {
	name := filepath.Base(rf.config.Filename)
	ext := filepath.Ext(name)
	return strings.TrimSuffix(name, ext), ext
}

func (rf *RotatingFile) backupName(ts time.Time) string {
	prefix, ext := rf.prefixAndExt()
	name := fmt.Sprintf("%s-%s%s", prefix, ts.Format("2006-01-02T15-04-05.000"), ext)
	return filepath.Join(filepath.Dir(rf.config.Filename), name)
}

// backups lists rotated files, oldest first
func (rf *RotatingFile) backups() ([]string, error) {
	dir := filepath.Dir(rf.config.Filename)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	prefix, ext := rf.prefixAndExt()
	var names []string
	for _, entry := range entries {
		name := entry.Name()
		if name == filepath.Base(rf.config.Filename) || !strings.HasPrefix(name, prefix+"-") {
			continue
		}
		if strings.HasSuffix(name, ext) || strings.HasSuffix(name, ext+".gz") {
			names = append(names, name)
		}
	}
	// Timestamps sort lexically.
	sort.Strings(names)
	return names, nil
}

func (rf *RotatingFile) cleanup() error {
	if rf.config.MaxBackups <= 0 {
		return nil
	}
	names, err := rf.backups()
	if err != nil {
		return err
	}
	dir := filepath.Dir(rf.config.Filename)
	for len(names) > rf.config.MaxBackups {
		if err := os.Remove(filepath.Join(dir, names[0])); err != nil {
			return err
		}
		names = names[1:]
	}
	return nil
}

func compressFile(filename string) error {
	src, err := os.Open(filename)
	if err != nil {
		return err
	}
	defer func() { _ = src.Close() }()

	dst, err := os.Create(filename + ".gz")
	if err != nil {
		return err
	}

	zw := gzip.NewWriter(dst)
	if _, err := io.Copy(zw, src); err != nil {
		_ = dst.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		_ = dst.Close()
		return err
	}
	if err := dst.Close(); err != nil {
		return err
	}
	return os.Remove(filename)
}
