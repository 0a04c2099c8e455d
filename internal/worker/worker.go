// Package worker runs backup tasks one at a time from a FIFO queue.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bamsammich/backupq/internal/authz"
	"github.com/bamsammich/backupq/internal/engine"
	"github.com/bamsammich/backupq/internal/event"
	"github.com/bamsammich/backupq/internal/index"
	"github.com/bamsammich/backupq/internal/stats"
)

// Mode is the task mode. See engine.Mode.
type Mode = engine.Mode

const (
	ModeIncremental = engine.ModeIncremental
	ModeFull        = engine.ModeFull
)

// State is a task's position in its lifecycle.
type State string

const (
	StateIdle        State = "idle"
	StateReceived    State = "received"
	StateAuthorizing State = "authorizing"
	StateWalking     State = "walking"
	StateDone        State = "done"
	StateRejected    State = "rejected"
	StateFailed      State = "failed"
)

// Request is a submitter's backup request before validation.
type Request struct {
	Src          string
	Dst          string
	FilterImages bool
	FilterNfo    bool
	Mirror       bool
	Mode         string
}

// Task is an accepted request. It is immutable once queued.
type Task struct {
	ID           string    `json:"id"`
	Src          string    `json:"src"`
	Dst          string    `json:"dst"`
	FilterImages bool      `json:"filter_images"`
	FilterNfo    bool      `json:"filter_nfo"`
	Mirror       bool      `json:"mirror"`
	Mode         Mode      `json:"mode"`
	Submitted    time.Time `json:"submitted"`
}

// DestRoot is the directory the source tree is materialized into.
func (t Task) DestRoot() string {
	return engine.DestRoot(t.Src, t.Dst, t.Mirror)
}

// RejectError explains why a task was not accepted or not run.
type RejectError struct {
	Reason string
}

func (e *RejectError) Error() string { return e.Reason }

func reject(format string, args ...any) *RejectError {
	return &RejectError{Reason: fmt.Sprintf(format, args...)}
}

// Progress is the sink for task progress lines.
type Progress interface {
	engine.Publisher
	Flush() error
}

// Config wires the worker's collaborators.
type Config struct {
	Queue      *Queue
	Authorizer *authz.Authorizer
	Index      index.Index
	Progress   Progress
	Walker     *engine.Walker
	// IdleFlush bounds how long Run waits on an empty queue before flushing
	// the index and progress log (default 1s).
	IdleFlush time.Duration
}

// Status is a point-in-time view of the worker.
type Status struct {
	State  State          `json:"state"`
	Task   *Task          `json:"task,omitempty"`
	Stats  stats.Snapshot `json:"stats"`
	Queued int            `json:"queued"`
}

// Worker validates submissions and drains the queue on a single goroutine.
type Worker struct {
	cfg Config

	mu      sync.Mutex
	state   State
	current *Task
	stats   *stats.Collector
}

// New creates a Worker.
func New(cfg Config) *Worker {
	if cfg.IdleFlush <= 0 {
		cfg.IdleFlush = time.Second
	}
	if cfg.Queue == nil {
		cfg.Queue = NewQueue()
	}
	return &Worker{cfg: cfg, state: StateIdle}
}

// Queue returns the worker's queue.
func (w *Worker) Queue() *Queue { return w.cfg.Queue }

// Queued returns the tasks waiting to run, in order.
func (w *Worker) Queued() []Task { return w.cfg.Queue.Snapshot() }

// Submit validates req and, if acceptable, queues it. Rejections are
// returned as *RejectError and nothing is queued.
func (w *Worker) Submit(req Request) (Task, error) {
	mode, err := engine.ParseMode(req.Mode)
	if err != nil {
		return Task{}, reject("invalid mode %q", req.Mode)
	}
	t := Task{
		Src:          req.Src,
		Dst:          req.Dst,
		FilterImages: req.FilterImages,
		FilterNfo:    req.FilterNfo,
		Mirror:       req.Mirror,
		Mode:         mode,
	}
	if t.Src == "" || t.Dst == "" {
		return Task{}, reject("src and dst required")
	}
	if !filepath.IsAbs(t.Src) || !filepath.IsAbs(t.Dst) {
		return Task{}, reject("src and dst must be absolute paths")
	}
	t.Src = filepath.Clean(t.Src)
	t.Dst = filepath.Clean(t.Dst)

	if rerr := w.authorize(t); rerr != nil {
		return Task{}, rerr
	}

	t.ID = uuid.NewString()
	t.Submitted = time.Now()
	w.cfg.Queue.Push(t)
	w.publish(event.Queued, "%s -> %s (id=%s, mode=%s)", t.Src, t.Dst, t.ID[:8], t.Mode)
	return t, nil
}

// authorize runs the checks shared by submission and dequeue. It never
// touches the filesystem beyond stat and symlink resolution.
func (w *Worker) authorize(t Task) *RejectError {
	if !w.cfg.Authorizer.IsAllowed(t.Src) {
		return reject("Source not allowed: %s", t.Src)
	}
	if !w.cfg.Authorizer.IsAllowed(t.Dst) {
		return reject("Destination not allowed: %s", t.Dst)
	}
	info, err := os.Stat(t.Src)
	if err != nil || !info.IsDir() {
		return reject("Source missing or not a directory: %s", t.Src)
	}
	if sameDir(t.Src, t.Dst) {
		return reject("Source and destination are the same: %s", t.Src)
	}
	destRoot := t.DestRoot()
	if err := engine.CheckNesting(t.Src, destRoot); err != nil {
		if errors.Is(err, engine.ErrDestInsideSource) {
			return reject("Computed destination would be same as or inside source, skipping: %s", destRoot)
		}
		return reject("Could not resolve paths safely for %s -> %s", t.Src, destRoot)
	}
	return nil
}

func sameDir(a, b string) bool {
	ca, err := authz.CanonicalOrAbs(a)
	if err != nil {
		return a == b
	}
	cb, err := authz.CanonicalOrAbs(b)
	if err != nil {
		return a == b
	}
	return ca == cb
}

// Run drains the queue until ctx is cancelled. On shutdown the current file
// finishes, buffered index and log writes are flushed and leftover temp
// files are removed.
func (w *Worker) Run(ctx context.Context) error {
	if n := w.cfg.Index.Len(); n > 0 {
		w.publish(event.Info, "Loaded %d entries from backup index.", n)
	} else {
		w.publish(event.Info, "No existing backup index entries loaded or empty index.")
	}

	defer w.shutdown()

	for {
		if ctx.Err() != nil {
			return nil
		}
		t, ok := w.cfg.Queue.Pop(ctx, w.cfg.IdleFlush)
		if !ok {
			w.flushIdle()
			continue
		}
		w.process(ctx, t)
	}
}

func (w *Worker) process(ctx context.Context, t Task) {
	col := stats.NewCollector()
	w.setState(StateReceived, &t, col)
	slog.Debug("task received", "id", t.ID, "src", t.Src, "dst", t.Dst)

	w.publish(event.Started, "%s -> %s (filter_images=%t, filter_nfo=%t, mirror=%t, mode=%s)",
		t.Src, t.Dst, t.FilterImages, t.FilterNfo, t.Mirror, t.Mode)

	w.setState(StateAuthorizing, &t, col)
	if rerr := w.authorize(t); rerr != nil {
		w.rejectTask(t, rerr)
		return
	}
	destRoot := t.DestRoot()
	// destRoot is dst itself or a child of it; creating it creates both.
	if err := os.MkdirAll(destRoot, 0o755); err != nil {
		w.rejectTask(t, reject("Cannot create destination %s: %v", destRoot, err))
		return
	}

	w.setState(StateWalking, &t, col)
	job := engine.Job{
		Src:          t.Src,
		DestRoot:     destRoot,
		Mode:         t.Mode,
		FilterImages: t.FilterImages,
		FilterNfo:    t.FilterNfo,
		Stats:        col,
	}
	slog.Debug("walking", "id", t.ID, "job", job.String())
	snap := w.cfg.Walker.Walk(ctx, job)

	final := StateDone
	if err := w.cfg.Index.Flush(context.WithoutCancel(ctx)); err != nil {
		slog.Error("index flush failed", "id", t.ID, "error", err)
		w.publish(event.Error, "Failed to save backup index: %v", err)
		final = StateFailed
	}
	w.publish(event.Done, "%s -> %s (backed=%d, skipped=%d)", t.Src, destRoot, snap.FilesBacked, snap.FilesSkipped)
	slog.Info("task finished", "id", t.ID, "state", final, "stats", snap.String(),
		"files_per_sec", snap.FilesPerSec())
	w.setState(final, nil, nil)
}

func (w *Worker) rejectTask(t Task, rerr *RejectError) {
	w.publish(event.Warn, "%s", rerr.Reason)
	slog.Info("task rejected", "id", t.ID, "reason", rerr.Reason)
	w.setState(StateRejected, nil, nil)
}

func (w *Worker) flushIdle() {
	if err := w.cfg.Index.Flush(context.Background()); err != nil {
		slog.Warn("idle index flush failed", "error", err)
	}
	if w.cfg.Progress == nil {
		return
	}
	if err := w.cfg.Progress.Flush(); err != nil {
		slog.Warn("idle progress flush failed", "error", err)
	}
}

func (w *Worker) shutdown() {
	w.flushIdle()
	if n := engine.CleanupTmpFiles(); n > 0 {
		slog.Info("removed leftover placeholder temp files", "count", n)
	}
	w.setState(StateIdle, nil, nil)
}

func (w *Worker) setState(s State, t *Task, col *stats.Collector) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.state = s
	w.current = t
	w.stats = col
}

// State reports the current task and its state. After a task completes the
// last terminal state is reported with no task until the next one starts.
func (w *Worker) State() Status {
	w.mu.Lock()
	s := Status{State: w.state, Queued: w.cfg.Queue.Len()}
	if w.current != nil {
		t := *w.current
		s.Task = &t
	}
	if w.stats != nil {
		s.Stats = w.stats.Snapshot()
	}
	w.mu.Unlock()
	return s
}

func (w *Worker) publish(tag event.Tag, format string, args ...any) {
	if w.cfg.Progress != nil {
		w.cfg.Progress.Publishf(tag, format, args...)
	}
}
