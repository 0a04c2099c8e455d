package stats

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Collector tracks per-task walk statistics using lock-free atomic counters.
// The worker owns one Collector per task; HTTP status handlers read it
// concurrently through Snapshot.
type Collector struct {
	filesScanned  atomic.Int64
	filesBacked   atomic.Int64
	filesSkipped  atomic.Int64
	filesFiltered atomic.Int64
	filesFailed   atomic.Int64
	dirsScanned   atomic.Int64
	startTime     time.Time
}

// NewCollector creates a Collector with startTime set to now.
func NewCollector() *Collector {
	return &Collector{startTime: time.Now()}
}

// Snapshot is a point-in-time read of all counters.
//
// FilesSkipped includes filtered, already-indexed and failed files, matching
// the skipped count reported in the [DONE] line.
type Snapshot struct {
	FilesScanned  int64         `json:"files_scanned"`
	FilesBacked   int64         `json:"files_backed"`
	FilesSkipped  int64         `json:"files_skipped"`
	FilesFiltered int64         `json:"files_filtered"`
	FilesFailed   int64         `json:"files_failed"`
	DirsScanned   int64         `json:"dirs_scanned"`
	Elapsed       time.Duration `json:"elapsed_ns"`
}

func (c *Collector) AddFilesScanned(n int64)  { c.filesScanned.Add(n) }
func (c *Collector) AddFilesBacked(n int64)   { c.filesBacked.Add(n) }
func (c *Collector) AddFilesSkipped(n int64)  { c.filesSkipped.Add(n) }
func (c *Collector) AddDirsScanned(n int64)   { c.dirsScanned.Add(n) }

// AddFilesFiltered counts a file rejected by the extension filter. It is
// also counted as skipped.
func (c *Collector) AddFilesFiltered(n int64) {
	c.filesFiltered.Add(n)
	c.filesSkipped.Add(n)
}

// AddFilesFailed counts a file whose placeholder could not be written. It is
// also counted as skipped.
func (c *Collector) AddFilesFailed(n int64) {
	c.filesFailed.Add(n)
	c.filesSkipped.Add(n)
}

// Snapshot returns a point-in-time read of all counters.
func (c *Collector) Snapshot() Snapshot {
	return Snapshot{
		FilesScanned:  c.filesScanned.Load(),
		FilesBacked:   c.filesBacked.Load(),
		FilesSkipped:  c.filesSkipped.Load(),
		FilesFiltered: c.filesFiltered.Load(),
		FilesFailed:   c.filesFailed.Load(),
		DirsScanned:   c.dirsScanned.Load(),
		Elapsed:       c.Elapsed(),
	}
}

// Elapsed returns time since collector creation.
func (c *Collector) Elapsed() time.Duration {
	if c.startTime.IsZero() {
		return 0
	}
	return time.Since(c.startTime)
}

// FilesPerSec returns the average placeholder rate since creation.
func (s Snapshot) FilesPerSec() float64 {
	if s.Elapsed <= 0 {
		return 0
	}
	return float64(s.FilesBacked) / s.Elapsed.Seconds()
}

func (s Snapshot) String() string {
	return fmt.Sprintf(
		"scanned=%d backed=%d skipped=%d filtered=%d failed=%d dirs=%d",
		s.FilesScanned, s.FilesBacked, s.FilesSkipped,
		s.FilesFiltered, s.FilesFailed, s.DirsScanned,
	)
}
