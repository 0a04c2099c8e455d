package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bamsammich/backupq/internal/event"
	"github.com/bamsammich/backupq/internal/index"
)

// recorder is a Publisher that keeps every line in memory.
type recorder struct {
	mu    sync.Mutex
	lines []string
}

func (r *recorder) Publishf(tag event.Tag, format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, fmt.Sprintf("[%s] %s", tag, fmt.Sprintf(format, args...)))
}

func (r *recorder) tagged(tag event.Tag) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	prefix := "[" + tag.String() + "] "
	var out []string
	for _, l := range r.lines {
		if strings.HasPrefix(l, prefix) {
			out = append(out, strings.TrimPrefix(l, prefix))
		}
	}
	return out
}

// failingIndex wraps an Index and fails lookups.
type failingIndex struct {
	index.Index
}

func (failingIndex) ContainsBatch(context.Context, []string) (map[string]struct{}, error) {
	return nil, fmt.Errorf("disk on fire")
}

func openIndex(t *testing.T) index.Index {
	t.Helper()
	idx, err := index.Open(context.Background(), index.DefaultOptions(t.TempDir()))
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })
	return idx
}

// writeTree creates the given files (relative paths) under root.
func writeTree(t *testing.T, root string, files ...string) {
	t.Helper()
	for _, rel := range files {
		p := filepath.Join(root, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte("content of "+rel), 0o644))
	}
}

// listTree returns every regular file under root as a slash path, sorted.
func listTree(t *testing.T, root string) []string {
	t.Helper()
	var out []string
	err := filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			rel, _ := filepath.Rel(root, p)
			out = append(out, filepath.ToSlash(rel))
		}
		return nil
	})
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)
	return out
}

// canonicalTemp returns a resolved temp dir so index keys are predictable
// on systems where TMPDIR is a symlink.
func canonicalTemp(t *testing.T) string {
	t.Helper()
	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	return dir
}
