// Package memthrottle holds a scan back until the heap has room for the
// resource about to be loaded.
package memthrottle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"runtime"
	"runtime/debug"
	"sync"
	"time"
)

// ErrMemoryExhausted is returned when headroom did not appear before the
// timeout.
var ErrMemoryExhausted = errors.New("insufficient heap for resource")

// Probe reports heap figures in bytes.
type Probe interface {
	// Max is the heap ceiling. math.MaxUint64 means unlimited.
	Max() uint64
	Used() uint64
}

// RuntimeProbe reads the Go runtime. The ceiling is the soft memory limit
// (GOMEMLIMIT / debug.SetMemoryLimit) unless MaxHeap overrides it.
type RuntimeProbe struct {
	MaxHeap uint64
}

func (p RuntimeProbe) Max() uint64 {
	if p.MaxHeap > 0 {
		return p.MaxHeap
	}
	limit := debug.SetMemoryLimit(-1)
	if limit <= 0 || limit == math.MaxInt64 {
		return math.MaxUint64
	}
	return uint64(limit)
}

func (p RuntimeProbe) Used() uint64 {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ms.HeapAlloc
}

// Option configures a Throttle.
type Option func(*Throttle)

var WithProbe = func(p Probe) Option {
	return func(t *Throttle) {
		t.probe = p
	}
}

var WithTimeout = func(d time.Duration) Option {
	return func(t *Throttle) {
		t.timeout = d
	}
}

var WithInterval = func(d time.Duration) Option {
	return func(t *Throttle) {
		t.interval = d
	}
}

var WithLog = func(log *slog.Logger) Option {
	return func(t *Throttle) {
		t.log = log
	}
}

// WithGC replaces the garbage collection hint issued between checks.
var WithGC = func(gc func()) Option {
	return func(t *Throttle) {
		t.gc = gc
	}
}

// Throttle waits for heap headroom.
type Throttle struct {
	probe    Probe
	timeout  time.Duration
	interval time.Duration
	gc       func()
	log      *slog.Logger
}

// New creates a Throttle. Defaults: runtime probe, 30s timeout, 100ms interval.
func New(opts ...Option) *Throttle {
	t := &Throttle{
		probe:    RuntimeProbe{},
		timeout:  30 * time.Second,
		interval: 100 * time.Millisecond,
		gc:       runtime.GC,
		log:      slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Available returns the current headroom.
func (t *Throttle) Available() uint64 {
	maxHeap := t.probe.Max()
	if maxHeap == math.MaxUint64 {
		return math.MaxUint64
	}
	used := t.probe.Used()
	if used >= maxHeap {
		return 0
	}
	return maxHeap - used
}

// Await returns once size bytes fit into the heap. Between checks it hints
// the garbage collector and sleeps. It fails with ErrMemoryExhausted once the
// timeout passes; failing the walk is preferred over running out of memory
// in the middle of it.
func (t *Throttle) Await(ctx context.Context, size int64) error {
	if size <= 0 || t.Available() >= uint64(size) {
		return nil
	}

	deadline := time.Now().Add(t.timeout)
	waited := false
	for {
		avail := t.Available()
		if avail >= uint64(size) {
			if waited {
				t.log.Debug("Memory available", "size", size, "available", avail)
			}
			return nil
		}
		if !time.Now().Before(deadline) {
			return fmt.Errorf("%w: resource of %d bytes, %d available after waiting %s", ErrMemoryExhausted, size, avail, t.timeout)
		}
		if !waited {
			t.log.Warn("Waiting for memory", "size", size, "available", avail, "timeout", t.timeout)
			waited = true
		}

		t.gc()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(t.interval):
		}
	}
}

// LineThrottle applies the throttle per line, estimating each line by the
// running average of the lines seen so far.
type LineThrottle struct {
	throttle *Throttle
	initial  int64

	mu    sync.Mutex
	lines int64
	bytes int64
}

// NewLineThrottle creates a LineThrottle. initial is the estimate used before
// any line was observed.
func NewLineThrottle(t *Throttle, initial int64) *LineThrottle {
	return &LineThrottle{throttle: t, initial: initial}
}

// Estimate returns the current per-line size estimate.
func (l *LineThrottle) Estimate() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.lines == 0 {
		return l.initial
	}
	return l.bytes / l.lines
}

// Await waits for room for one more line.
func (l *LineThrottle) Await(ctx context.Context) error {
	return l.throttle.Await(ctx, l.Estimate())
}

// Observe records the size of a line that was read.
func (l *LineThrottle) Observe(n int) {
	l.mu.Lock()
	l.lines++
	l.bytes += int64(n)
	l.mu.Unlock()
}
