package docflow

import (
	"log/slog"
	"time"

	"github.com/birdayz/docflow/kdoc"
	"github.com/birdayz/docflow/kstate"
)

const (
	// DefaultBatchSize is the queue capacity of a step that does not set one.
	DefaultBatchSize = 50

	// DefaultIdleWait is how long an idle worker sleeps before polling again.
	DefaultIdleWait = 10 * time.Millisecond

	// DefaultScanInterval is the time between scan starts.
	DefaultScanInterval = 30 * time.Second
)

type planConfig struct {
	log      *slog.Logger
	store    kstate.Store
	overflow Overflow
	idField  string
	idleWait time.Duration
	helper   bool
}

// Option configures a plan.
type Option func(*planConfig)

// WithLog sets the logger for the plan and all of its steps.
var WithLog = func(log *slog.Logger) Option {
	return func(c *planConfig) {
		c.log = log
	}
}

// WithStatusStore sets the store scanners consult and steps report to. The
// plan owns it and closes it on Close. Defaults to an in-memory store.
var WithStatusStore = func(store kstate.Store) Option {
	return func(c *planConfig) {
		c.store = store
	}
}

// WithOverflow sets the channel that takes documents a full successor
// cannot. Only steps behind an AlwaysOverflow step, which helpers execute,
// receive overflow. Forwarding to any other full step blocks.
var WithOverflow = func(o Overflow) Option {
	return func(c *planConfig) {
		c.overflow = o
	}
}

// WithIDField sets the field that mirrors document ids.
var WithIDField = func(field string) Option {
	return func(c *planConfig) {
		c.idField = field
	}
}

// WithIdleWait sets the poll interval of idle workers.
var WithIdleWait = func(d time.Duration) Option {
	return func(c *planConfig) {
		c.idleWait = d
	}
}

// WithHelper makes the plan run only the steps behind overflow boundaries.
// Scanners and everything in front of a boundary stay inactive.
var WithHelper = func(helper bool) Option {
	return func(c *planConfig) {
		c.helper = helper
	}
}

func defaultPlanConfig() planConfig {
	return planConfig{
		log:      NullLogger(),
		idField:  kdoc.DefaultIDField,
		idleWait: DefaultIdleWait,
	}
}

// NullLogger returns a logger that discards everything.
func NullLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}
