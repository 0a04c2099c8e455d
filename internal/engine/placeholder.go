package engine

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/bamsammich/backupq/internal/platform"
)

// DefaultPlaceholderSize is the number of zero bytes in a placeholder.
const DefaultPlaceholderSize = 1024

// tmpSuffix marks in-flight placeholder files.
const tmpSuffix = ".bq-tmp"

// materialize ensures dst holds a placeholder. In incremental mode an
// existing destination counts as done and is left untouched; otherwise the
// placeholder is written to a temp file in the same directory and renamed
// over dst, so dst is either the old file or a complete placeholder.
func materialize(dst string, size int, mode Mode) error {
	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create parent dir %s: %w", dir, err)
	}

	if mode == ModeIncremental {
		if _, err := os.Lstat(dst); err == nil {
			return nil
		} else if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("stat %s: %w", dst, err)
		}
	}

	tmpPath := filepath.Join(dir, fmt.Sprintf(".%s.%s%s", filepath.Base(dst), uuid.New().String()[:8], tmpSuffix))

	inflight.add(tmpPath)
	defer func() {
		inflight.remove(tmpPath)
		_ = os.Remove(tmpPath) // no-op if rename succeeded
	}()

	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("create tmp %s: %w", tmpPath, err)
	}
	if size > 0 {
		platform.Preallocate(f, int64(size))
		if _, err := f.Write(make([]byte, size)); err != nil {
			f.Close()
			return fmt.Errorf("write tmp %s: %w", tmpPath, err)
		}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync tmp %s: %w", tmpPath, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close tmp %s: %w", tmpPath, err)
	}

	if err := os.Rename(tmpPath, dst); err != nil {
		return fmt.Errorf("rename %s -> %s: %w", tmpPath, dst, err)
	}
	return nil
}
