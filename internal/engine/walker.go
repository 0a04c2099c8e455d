package engine

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"golang.org/x/time/rate"

	"github.com/bamsammich/backupq/internal/authz"
	"github.com/bamsammich/backupq/internal/event"
	"github.com/bamsammich/backupq/internal/filter"
	"github.com/bamsammich/backupq/internal/index"
	"github.com/bamsammich/backupq/internal/stats"
)

// Publisher receives progress lines.
type Publisher interface {
	Publishf(tag event.Tag, format string, args ...any)
}

// WalkerConfig holds the collaborators shared by every walk.
type WalkerConfig struct {
	Index    index.Index
	Progress Publisher
	// Filter carries the configured glob excludes. Per-job extension filters
	// are layered on top of it.
	Filter *filter.Chain
	// Limiter paces placeholder writes. Nil disables throttling.
	Limiter *rate.Limiter
	// PlaceholderSize defaults to DefaultPlaceholderSize when zero.
	PlaceholderSize int
}

// Job describes one tree to materialize.
type Job struct {
	Src          string
	DestRoot     string
	Mode         Mode
	FilterImages bool
	FilterNfo    bool
	// Stats receives live counters. A fresh collector is used when nil.
	Stats *stats.Collector
}

// Walker materializes placeholders for a source tree, one job at a time.
type Walker struct {
	cfg WalkerConfig
}

// NewWalker creates a Walker.
func NewWalker(cfg WalkerConfig) *Walker {
	if cfg.PlaceholderSize == 0 {
		cfg.PlaceholderSize = DefaultPlaceholderSize
	}
	return &Walker{cfg: cfg}
}

type walk struct {
	*Walker
	job   Job
	chain *filter.Chain
	stats *stats.Collector
	ctx   context.Context
	// flushCtx outlives cancellation so accepted keys are still recorded.
	flushCtx context.Context
}

// Walk visits job.Src depth-first in sorted order and returns the final
// counters. Per-file failures are reported as [ERROR] lines and counted, never
// returned. When ctx is cancelled the current file finishes and the walk
// stops; keys for files already materialized are still inserted.
func (w *Walker) Walk(ctx context.Context, job Job) stats.Snapshot {
	if job.Stats == nil {
		job.Stats = stats.NewCollector()
	}
	if job.Mode == "" {
		job.Mode = ModeIncremental
	}
	wk := &walk{
		Walker:   w,
		job:      job,
		chain:    w.cfg.Filter.WithExtensions(job.FilterImages, job.FilterNfo),
		stats:    job.Stats,
		ctx:      ctx,
		flushCtx: context.WithoutCancel(ctx),
	}
	wk.dir(filepath.Clean(job.Src), filepath.Clean(job.DestRoot))
	return job.Stats.Snapshot()
}

type candidate struct {
	src string
	dst string
	key string
}

// dir processes the files of one directory, then recurses into its
// subdirectories. It returns false once the walk should stop.
func (wk *walk) dir(srcDir, dstDir string) bool {
	if wk.ctx.Err() != nil {
		return false
	}
	entries, err := os.ReadDir(srcDir)
	if err != nil {
		wk.publish(event.Error, "cannot read %s: %v", srcDir, err)
		return true
	}
	wk.stats.AddDirsScanned(1)

	var files []candidate
	var subdirs []string
	for _, e := range entries {
		src := filepath.Join(srcDir, e.Name())
		isDir, err := wk.isDir(e, src)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			wk.publish(event.Error, "cannot stat %s: %v", src, err)
			wk.stats.AddFilesScanned(1)
			wk.stats.AddFilesFailed(1)
			continue
		}
		rel, _ := filepath.Rel(wk.job.Src, src)

		if isDir {
			if e.Type()&fs.ModeSymlink != 0 {
				continue
			}
			if wk.chain.Match(rel, true) {
				subdirs = append(subdirs, e.Name())
			}
			continue
		}

		wk.stats.AddFilesScanned(1)
		if !wk.chain.Match(rel, false) {
			wk.stats.AddFilesFiltered(1)
			continue
		}
		key, err := authz.Canonical(src)
		if err != nil {
			wk.publish(event.Error, "cannot resolve %s: %v", src, err)
			wk.stats.AddFilesFailed(1)
			continue
		}
		files = append(files, candidate{src: src, dst: filepath.Join(dstDir, e.Name()), key: key})
	}

	if !wk.files(files) {
		return false
	}
	for _, name := range subdirs {
		if !wk.dir(filepath.Join(srcDir, name), filepath.Join(dstDir, name)) {
			return false
		}
	}
	return true
}

// isDir reports whether the entry is a directory, resolving symlinks so a
// link to a directory is recognized (and later skipped) rather than
// materialized as a file.
func (wk *walk) isDir(e fs.DirEntry, path string) (bool, error) {
	if e.Type()&fs.ModeSymlink == 0 {
		return e.IsDir(), nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return false, err
	}
	return info.IsDir(), nil
}

// files materializes one directory's candidates and records the successful
// keys with a single index insert.
func (wk *walk) files(files []candidate) bool {
	if len(files) == 0 {
		return true
	}

	var present map[string]struct{}
	if wk.job.Mode == ModeIncremental {
		keys := make([]string, len(files))
		for i, f := range files {
			keys[i] = f.key
		}
		var err error
		present, err = wk.cfg.Index.ContainsBatch(wk.ctx, keys)
		if err != nil {
			// Treat as not present: rewriting is safe, skipping is not.
			slog.Warn("index lookup failed", "dir", filepath.Dir(files[0].src), "error", err)
			present = nil
		}
	}

	hits := 0
	for _, f := range files {
		if _, ok := present[f.key]; ok {
			hits++
		}
	}
	if hits > 0 {
		wk.publish(event.Skipped, "%s: %d already backed up", filepath.Dir(files[0].src), hits)
	}

	var backed []string
	defer func() {
		if len(backed) == 0 {
			return
		}
		if err := wk.cfg.Index.InsertBatch(wk.flushCtx, backed); err != nil {
			slog.Error("index insert failed", "count", len(backed), "error", err)
			wk.publish(event.Error, "index update failed for %d files: %v", len(backed), err)
		}
	}()

	for _, f := range files {
		if wk.ctx.Err() != nil {
			return false
		}
		if _, ok := present[f.key]; ok {
			wk.stats.AddFilesSkipped(1)
			continue
		}

		if err := materialize(f.dst, wk.cfg.PlaceholderSize, wk.job.Mode); err != nil {
			wk.publish(event.Error, "%s: %v", f.src, err)
			wk.stats.AddFilesFailed(1)
		} else {
			backed = append(backed, f.key)
			wk.stats.AddFilesBacked(1)
			wk.publish(event.OK, "%s -> %s", f.src, f.dst)
		}

		if wk.cfg.Limiter != nil {
			if err := wk.cfg.Limiter.Wait(wk.ctx); err != nil {
				return false
			}
		}
	}
	return true
}

func (wk *walk) publish(tag event.Tag, format string, args ...any) {
	if wk.cfg.Progress != nil {
		wk.cfg.Progress.Publishf(tag, format, args...)
	}
}

// String is used in debug logging of a job.
func (j Job) String() string {
	return fmt.Sprintf("%s -> %s (%s)", j.Src, j.DestRoot, j.Mode)
}
