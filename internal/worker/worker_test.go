package worker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bamsammich/backupq/internal/authz"
	"github.com/bamsammich/backupq/internal/engine"
	"github.com/bamsammich/backupq/internal/index"
	"github.com/bamsammich/backupq/internal/progress"
)

type fixture struct {
	root     string
	data     string
	backup   string
	idx      index.Index
	progress *progress.Broadcaster
	worker   *Worker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)

	f := &fixture{
		root:   root,
		data:   filepath.Join(root, "data"),
		backup: filepath.Join(root, "backup"),
	}
	require.NoError(t, os.MkdirAll(f.data, 0o755))
	require.NoError(t, os.MkdirAll(f.backup, 0o755))

	f.idx, err = index.Open(context.Background(), index.DefaultOptions(filepath.Join(root, "state")))
	require.NoError(t, err)
	t.Cleanup(func() { f.idx.Close() })

	f.progress = progress.New(progress.Options{})
	t.Cleanup(func() { f.progress.Close() })

	f.worker = f.newWorker(f.idx)
	return f
}

func (f *fixture) newWorker(idx index.Index) *Worker {
	return New(Config{
		Queue:      NewQueue(),
		Authorizer: authz.New([]string{f.data, f.backup}),
		Index:      idx,
		Progress:   f.progress,
		Walker:     engine.NewWalker(engine.WalkerConfig{Index: idx, Progress: f.progress}),
		IdleFlush:  20 * time.Millisecond,
	})
}

func (f *fixture) writeFiles(t *testing.T, rels ...string) {
	t.Helper()
	for _, rel := range rels {
		p := filepath.Join(f.data, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(rel), 0o644))
	}
}

// run starts the worker and returns a stop function that waits for Run to
// return.
func (f *fixture) run(t *testing.T, w *Worker) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- w.Run(ctx) }()
	stopped := false
	stop := func() {
		if stopped {
			return
		}
		stopped = true
		cancel()
		select {
		case err := <-errc:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("worker did not stop")
		}
	}
	t.Cleanup(stop)
	return stop
}

func (f *fixture) lines(tag string) []string {
	var out []string
	for _, l := range f.progress.Recent(10_000) {
		if i := strings.Index(l, "["+tag+"] "); i >= 0 {
			out = append(out, l[i+len(tag)+3:])
		}
	}
	return out
}

func (f *fixture) waitFor(t *testing.T, tag string, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return len(f.lines(tag)) >= n },
		5*time.Second, 10*time.Millisecond, "waiting for %d [%s] lines", n, tag)
}

func TestSubmit_Rejects(t *testing.T) {
	f := newFixture(t)
	f.writeFiles(t, "movie.mkv")
	outside := filepath.Join(f.root, "outside")
	require.NoError(t, os.MkdirAll(outside, 0o755))

	tests := []struct {
		name   string
		req    Request
		reason string
	}{
		{name: "empty", req: Request{Src: "", Dst: f.backup}, reason: "src and dst required"},
		{name: "relative", req: Request{Src: "data", Dst: f.backup}, reason: "must be absolute"},
		{name: "src not allowed", req: Request{Src: outside, Dst: f.backup}, reason: "Source not allowed"},
		{name: "dst not allowed", req: Request{Src: f.data, Dst: outside}, reason: "Destination not allowed"},
		{name: "src missing", req: Request{Src: filepath.Join(f.data, "nope"), Dst: f.backup}, reason: "Source missing"},
		{name: "src is file", req: Request{Src: filepath.Join(f.data, "movie.mkv"), Dst: f.backup}, reason: "Source missing"},
		{name: "same dir", req: Request{Src: f.data, Dst: f.data, Mirror: true}, reason: "same"},
		{name: "nested", req: Request{Src: f.data, Dst: filepath.Join(f.data, "sub")}, reason: "inside source"},
		{name: "nested after mirror", req: Request{Src: f.data, Dst: filepath.Join(f.data, "x"), Mirror: true}, reason: "inside source"},
		{name: "bad mode", req: Request{Src: f.data, Dst: f.backup, Mode: "sync"}, reason: "invalid mode"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.worker.Submit(tt.req)
			var rerr *RejectError
			require.ErrorAs(t, err, &rerr)
			assert.Contains(t, rerr.Reason, tt.reason)
		})
	}
	assert.Zero(t, f.worker.Queue().Len(), "rejected tasks are never queued")
	assert.Empty(t, f.lines("QUEUE"))
}

func TestSubmit_Accepts(t *testing.T) {
	f := newFixture(t)

	task, err := f.worker.Submit(Request{Src: f.data + "/", Dst: f.backup, Mirror: true})
	require.NoError(t, err)
	assert.NotEmpty(t, task.ID)
	assert.Equal(t, ModeIncremental, task.Mode)
	assert.Equal(t, f.data, task.Src)
	assert.Equal(t, filepath.Join(f.backup, "data"), task.DestRoot())

	snap := f.worker.Queue().Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, task.ID, snap[0].ID)
	require.Len(t, f.lines("QUEUE"), 1)
	assert.Contains(t, f.lines("QUEUE")[0], task.ID[:8])
}

func TestRun_ProcessesTask(t *testing.T) {
	f := newFixture(t)
	f.writeFiles(t, "a.mkv", "poster.jpg", "sub/b.mkv")

	_, err := f.worker.Submit(Request{Src: f.data, Dst: f.backup, Mirror: true, FilterImages: true, FilterNfo: true})
	require.NoError(t, err)
	f.run(t, f.worker)
	f.waitFor(t, "DONE", 1)

	destRoot := filepath.Join(f.backup, "data")
	assert.FileExists(t, filepath.Join(destRoot, "a.mkv"))
	assert.FileExists(t, filepath.Join(destRoot, "sub", "b.mkv"))
	assert.NoFileExists(t, filepath.Join(destRoot, "poster.jpg"))

	assert.Equal(t, []string{f.data + " -> " + destRoot + " (backed=2, skipped=1)"}, f.lines("DONE"))
	assert.Len(t, f.lines("START"), 1)
	assert.Len(t, f.lines("OK"), 2)

	assert.Eventually(t, func() bool {
		st := f.worker.State()
		return st.State == StateDone && st.Task == nil
	}, time.Second, 10*time.Millisecond)
}

func TestRun_SecondRunSkipsEverything(t *testing.T) {
	f := newFixture(t)
	f.writeFiles(t, "a.mkv", "b.mkv")
	f.run(t, f.worker)

	req := Request{Src: f.data, Dst: f.backup, Mirror: true}
	_, err := f.worker.Submit(req)
	require.NoError(t, err)
	_, err = f.worker.Submit(req)
	require.NoError(t, err)
	f.waitFor(t, "DONE", 2)

	done := f.lines("DONE")
	assert.Contains(t, done[0], "(backed=2, skipped=0)")
	assert.Contains(t, done[1], "(backed=0, skipped=2)")
}

func TestRun_ProcessesInSubmitOrder(t *testing.T) {
	f := newFixture(t)
	for _, name := range []string{"one", "two", "three"} {
		require.NoError(t, os.MkdirAll(filepath.Join(f.data, name), 0o755))
		_, err := f.worker.Submit(Request{Src: filepath.Join(f.data, name), Dst: f.backup, Mirror: true})
		require.NoError(t, err)
	}
	f.run(t, f.worker)
	f.waitFor(t, "DONE", 3)

	done := f.lines("DONE")
	for i, name := range []string{"one", "two", "three"} {
		assert.True(t, strings.HasPrefix(done[i], filepath.Join(f.data, name)+" -> "), done[i])
	}
}

func TestRun_RevalidatesAtDequeue(t *testing.T) {
	f := newFixture(t)
	src := filepath.Join(f.data, "vanishing")
	require.NoError(t, os.MkdirAll(src, 0o755))

	_, err := f.worker.Submit(Request{Src: src, Dst: f.backup})
	require.NoError(t, err)
	require.NoError(t, os.RemoveAll(src))

	f.run(t, f.worker)
	f.waitFor(t, "WARN", 1)

	assert.Contains(t, f.lines("WARN")[0], "Source missing or not a directory")
	assert.Empty(t, f.lines("DONE"))
	assert.Eventually(t, func() bool { return f.worker.State().State == StateRejected },
		time.Second, 10*time.Millisecond)
}

func TestRun_RejectsWhenDestRootCannotBeCreated(t *testing.T) {
	f := newFixture(t)
	f.writeFiles(t, "a.mkv", "b.mkv", "sub/c.mkv")
	// The mirrored destination root is occupied by a regular file.
	require.NoError(t, os.WriteFile(filepath.Join(f.backup, "data"), []byte("x"), 0o644))

	_, err := f.worker.Submit(Request{Src: f.data, Dst: f.backup, Mirror: true})
	require.NoError(t, err)
	f.run(t, f.worker)
	f.waitFor(t, "WARN", 1)

	assert.Contains(t, f.lines("WARN")[0], "Cannot create destination "+filepath.Join(f.backup, "data"))
	assert.Empty(t, f.lines("ERROR"), "no per-file errors once the task is rejected")
	assert.Empty(t, f.lines("DONE"))
	assert.Eventually(t, func() bool { return f.worker.State().State == StateRejected },
		time.Second, 10*time.Millisecond)
}

type flushFailIndex struct {
	index.Index
}

func (flushFailIndex) Flush(context.Context) error { return errors.New("disk full") }

func TestRun_IndexFlushFailureMarksFailed(t *testing.T) {
	f := newFixture(t)
	f.writeFiles(t, "a.mkv")
	w := f.newWorker(flushFailIndex{f.idx})

	_, err := w.Submit(Request{Src: f.data, Dst: f.backup, Mirror: true})
	require.NoError(t, err)
	f.run(t, w)
	f.waitFor(t, "DONE", 1)

	require.NotEmpty(t, f.lines("ERROR"))
	assert.Contains(t, f.lines("ERROR")[0], "disk full")
	assert.Eventually(t, func() bool { return w.State().State == StateFailed },
		time.Second, 10*time.Millisecond)
}

func TestRun_ShutdownFlushesIndex(t *testing.T) {
	f := newFixture(t)
	f.writeFiles(t, "a.mkv")
	stop := f.run(t, f.worker)

	_, err := f.worker.Submit(Request{Src: f.data, Dst: f.backup, Mirror: true})
	require.NoError(t, err)
	f.waitFor(t, "DONE", 1)
	stop()

	data, err := os.ReadFile(filepath.Join(f.root, "state", index.LogFileName))
	require.NoError(t, err)
	assert.Contains(t, string(data), filepath.Join(f.data, "a.mkv"))
	assert.Equal(t, StateIdle, f.worker.State().State)
}

func TestRun_AnnouncesLoadedIndex(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.idx.InsertBatch(context.Background(), []string{"/x", "/y"}))
	f.run(t, f.worker)
	f.waitFor(t, "INFO", 1)

	assert.Contains(t, f.lines("INFO")[0], "Loaded 2 entries")
}
