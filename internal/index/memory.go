package index

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"
)

// LogFileName is the memory backend's durable log inside the data dir.
const LogFileName = "backup_log.txt"

// avgLineBytes sizes the tail read when hydrating from the log.
const avgLineBytes = 100

// MemoryIndex keeps the set resident and appends each flushed batch to a
// log file in arrival order. The log only grows; entries are never rewritten.
type MemoryIndex struct {
	path      string
	flushSize int

	mu      sync.RWMutex
	set     map[string]struct{}
	pending []string // accepted keys not yet on disk, in arrival order
	closed  bool

	flushMu  sync.Mutex // serializes log appends
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

var _ Index = (*MemoryIndex)(nil)

// OpenMemory hydrates the set from the tail of the log and starts the
// background flusher.
func OpenMemory(opts Options) (*MemoryIndex, error) {
	if opts.FlushSize <= 0 {
		opts.FlushSize = 100
	}
	m := &MemoryIndex{
		path:      filepath.Join(opts.Dir, LogFileName),
		flushSize: opts.FlushSize,
		set:       make(map[string]struct{}),
		done:      make(chan struct{}),
	}

	keys, err := readTail(m.path, opts.TailEntries)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", m.path, err)
	}
	for _, k := range keys {
		m.set[k] = struct{}{}
	}

	if opts.FlushInterval > 0 {
		m.wg.Add(1)
		go m.flushLoop(opts.FlushInterval)
	}
	return m, nil
}

func (m *MemoryIndex) Contains(_ context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return false, ErrClosed
	}
	_, ok := m.set[key]
	return ok, nil
}

func (m *MemoryIndex) ContainsBatch(_ context.Context, keys []string) (map[string]struct{}, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	present := make(map[string]struct{})
	for _, k := range keys {
		if _, ok := m.set[k]; ok {
			present[k] = struct{}{}
		}
	}
	return present, nil
}

func (m *MemoryIndex) InsertBatch(ctx context.Context, keys []string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	for _, k := range keys {
		if k == "" {
			continue
		}
		if _, ok := m.set[k]; ok {
			continue
		}
		m.set[k] = struct{}{}
		m.pending = append(m.pending, k)
	}
	full := len(m.pending) >= m.flushSize
	m.mu.Unlock()

	if full {
		return m.Flush(ctx)
	}
	return nil
}

func (m *MemoryIndex) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.set)
}

// Flush appends pending inserts to the log and syncs it. On failure the
// batch stays pending for the next attempt.
func (m *MemoryIndex) Flush(_ context.Context) error {
	m.flushMu.Lock()
	defer m.flushMu.Unlock()

	m.mu.RLock()
	batch := slices.Clone(m.pending)
	m.mu.RUnlock()
	if len(batch) == 0 {
		return nil
	}

	if err := appendLines(m.path, batch); err != nil {
		return fmt.Errorf("persist %s: %w", m.path, err)
	}

	// Inserts that arrived during the append stay queued behind the batch.
	m.mu.Lock()
	m.pending = slices.Delete(m.pending, 0, len(batch))
	m.mu.Unlock()
	return nil
}

func (m *MemoryIndex) flushLoop(interval time.Duration) {
	defer m.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			if err := m.Flush(context.Background()); err != nil {
				slog.Warn("index flush failed", "error", err)
			}
		}
	}
}

// Close stops the flusher and persists pending inserts.
func (m *MemoryIndex) Close() error {
	var err error
	m.stopOnce.Do(func() {
		close(m.done)
		m.wg.Wait()
		err = m.Flush(context.Background())

		m.mu.Lock()
		m.closed = true
		m.mu.Unlock()
	})
	return err
}

// readTail returns up to maxLines trailing non-empty lines of path. Only the
// last maxLines*avgLineBytes bytes are read; a partial first line is dropped.
func readTail(path string, maxLines int) ([]string, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}

	var start int64
	if maxLines > 0 {
		window := int64(maxLines) * avgLineBytes
		if info.Size() > window {
			start = info.Size() - window
		}
	}
	if _, err := f.Seek(start, io.SeekStart); err != nil {
		return nil, err
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var lines []string
	first := start > 0
	for scanner.Scan() {
		line := scanner.Bytes()
		if first {
			first = false
			continue
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		lines = append(lines, string(line))
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	if maxLines > 0 && len(lines) > maxLines {
		lines = lines[len(lines)-maxLines:]
	}
	return lines, nil
}

// appendLines appends one key per line to path with O_APPEND and syncs it.
// A failed append is truncated away so a retry does not duplicate lines.
func appendLines(path string, keys []string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return err
	}

	w := bufio.NewWriter(f)
	for _, k := range keys {
		w.WriteString(k)
		w.WriteByte('\n')
	}
	err = w.Flush()
	if err == nil {
		err = f.Sync()
	}
	if err != nil {
		f.Truncate(info.Size()) //nolint:errcheck // already failing
		f.Close()
		return err
	}
	return f.Close()
}
