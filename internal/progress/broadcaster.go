// Package progress fans human-readable status lines out to live observers,
// keeps a bounded replay ring for late subscribers and persists every line
// to a size-bounded log file.
package progress

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/bamsammich/backupq/internal/event"
)

// Options tunes a Broadcaster. Zero values select the defaults.
type Options struct {
	// LogPath is the durable log file. Empty disables persistence.
	LogPath string
	// ReplaySize is the replay ring capacity (default 2000).
	ReplaySize int
	// MailboxSize is each subscriber's buffered capacity (default 1000).
	MailboxSize int
	// FlushLines triggers a log flush once this many lines are pending (default 50).
	FlushLines int
	// FlushInterval is the background log flush period (default 1s).
	FlushInterval time.Duration
	// MaxLogBytes is the trailing window kept on rotation (default 1_000_000).
	// Rotation happens once the file exceeds twice this size.
	MaxLogBytes int64
	// Echo, if set, receives a copy of every line (typically stdout).
	Echo io.Writer
	// Now overrides the clock in tests.
	Now func() time.Time
}

func (o *Options) applyDefaults() {
	if o.ReplaySize <= 0 {
		o.ReplaySize = 2000
	}
	if o.MailboxSize <= 0 {
		o.MailboxSize = 1000
	}
	if o.FlushLines <= 0 {
		o.FlushLines = 50
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = time.Second
	}
	if o.MaxLogBytes <= 0 {
		o.MaxLogBytes = 1_000_000
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Broadcaster is an append-only multi-subscriber line bus. Publish never
// blocks on subscribers: a full mailbox drops the line for that subscriber
// only.
type Broadcaster struct {
	opts Options
	ring *ring
	log  *diskLog

	mu      sync.Mutex
	subs    map[*Subscription]struct{}
	pending []string
	closed  bool

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a Broadcaster and starts its background log flusher.
func New(opts Options) *Broadcaster {
	opts.applyDefaults()
	b := &Broadcaster{
		opts: opts,
		ring: newRing(opts.ReplaySize),
		subs: make(map[*Subscription]struct{}),
		done: make(chan struct{}),
	}
	if opts.LogPath != "" {
		b.log = &diskLog{path: opts.LogPath, maxBytes: opts.MaxLogBytes}
		b.wg.Add(1)
		go b.flushLoop()
	}
	return b
}

// Publish records a line with the given tag.
func (b *Broadcaster) Publish(tag event.Tag, text string) {
	b.PublishLine(event.Line{Time: b.opts.Now(), Tag: tag, Text: text})
}

// Publishf is Publish with fmt.Sprintf formatting.
func (b *Broadcaster) Publishf(tag event.Tag, format string, args ...any) {
	b.Publish(tag, fmt.Sprintf(format, args...))
}

// PublishLine records a prepared line. A zero Time is stamped with now.
// Disk order, replay order and delivery order all match call order.
func (b *Broadcaster) PublishLine(l event.Line) {
	if l.Time.IsZero() {
		l.Time = b.opts.Now()
	}
	text := l.String()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.ring.add(text)
	if b.log != nil {
		b.pending = append(b.pending, text)
	}
	for sub := range b.subs {
		select {
		case sub.ch <- text:
		default:
			sub.dropped++
		}
	}
	if b.opts.Echo != nil {
		fmt.Fprintln(b.opts.Echo, text)
	}
	full := b.log != nil && len(b.pending) >= b.opts.FlushLines
	b.mu.Unlock()

	if full {
		if err := b.Flush(); err != nil {
			slog.Warn("progress log flush failed", "error", err)
		}
	}
}

// Subscribe attaches a new observer. Its mailbox is pre-loaded with a
// greeting and then the replay ring, oldest first, before any live line.
func (b *Broadcaster) Subscribe() *Subscription {
	sub := &Subscription{
		ch: make(chan string, b.opts.MailboxSize),
		b:  b,
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(sub.ch)
		sub.detached = true
		return sub
	}

	sub.ch <- event.Line{Time: b.opts.Now(), Tag: event.Info, Text: "connected"}.String()
	// Keep the newest lines when the ring is larger than the mailbox.
	for _, line := range b.ring.last(b.opts.MailboxSize - 1) {
		sub.ch <- line
	}
	b.subs[sub] = struct{}{}
	return sub
}

// Unsubscribe detaches and closes the subscription. It is idempotent.
func (b *Broadcaster) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub.detached {
		return
	}
	sub.detached = true
	delete(b.subs, sub)
	close(sub.ch)
}

// Subscribers returns the number of attached observers.
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Recent returns up to n of the most recent lines, oldest first.
func (b *Broadcaster) Recent(n int) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ring.last(n)
}

// Flush appends pending lines to the log file and rotates it if needed.
func (b *Broadcaster) Flush() error {
	if b.log == nil {
		return nil
	}
	// Holding the file lock across the swap keeps batches in publish order.
	b.log.mu.Lock()
	defer b.log.mu.Unlock()

	b.mu.Lock()
	batch := b.pending
	b.pending = nil
	b.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}
	if err := b.log.appendLocked(batch); err != nil {
		b.mu.Lock()
		b.pending = append(batch, b.pending...)
		b.mu.Unlock()
		return err
	}
	return b.log.rotateLocked()
}

func (b *Broadcaster) flushLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.opts.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.done:
			return
		case <-ticker.C:
			if err := b.Flush(); err != nil {
				slog.Warn("progress log flush failed", "error", err)
			}
		}
	}
}

// Close stops the flusher, persists pending lines and detaches every
// subscriber. Later publishes are discarded.
func (b *Broadcaster) Close() error {
	var err error
	b.stopOnce.Do(func() {
		close(b.done)
		b.wg.Wait()
		err = b.Flush()

		b.mu.Lock()
		b.closed = true
		for sub := range b.subs {
			sub.detached = true
			close(sub.ch)
		}
		b.subs = nil
		b.mu.Unlock()
	})
	return err
}

// Subscription is one observer's bounded mailbox.
type Subscription struct {
	ch       chan string
	b        *Broadcaster
	detached bool // guarded by b.mu
	dropped  int  // guarded by b.mu
}

// Lines returns the mailbox. It is closed on Unsubscribe or Close.
func (s *Subscription) Lines() <-chan string { return s.ch }

// Close is shorthand for Unsubscribe.
func (s *Subscription) Close() { s.b.Unsubscribe(s) }

// Dropped returns how many lines were discarded because the mailbox was full.
func (s *Subscription) Dropped() int {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	return s.dropped
}
