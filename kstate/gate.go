package kstate

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// GateState is the boot state of a Gate.
type GateState int

const (
	GateNotReady GateState = iota
	GateDraining
	GateReady
)

func (s GateState) String() string {
	switch s {
	case GateNotReady:
		return "NOT_READY"
	case GateDraining:
		return "DRAINING"
	case GateReady:
		return "READY"
	default:
		return "UNKNOWN"
	}
}

// Gate queues writes issued before the underlying store is ready and flushes
// them exactly once, in order, when Boot is called. Writes issued while the
// queue drains are appended behind it. Reads pass through.
type Gate struct {
	store Store
	log   *slog.Logger

	mu    sync.Mutex
	state GateState
	queue []Record
}

// NewGate wraps store. The gate starts NotReady.
func NewGate(store Store, log *slog.Logger) *Gate {
	return &Gate{store: store, log: log}
}

// State returns the current boot state.
func (g *Gate) State() GateState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Pending returns the number of queued writes.
func (g *Gate) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.queue)
}

// Boot drains the queue into the store and opens the gate. A failed write
// leaves it and everything behind it queued and returns the gate to
// NotReady, so Boot can be retried. Calling Boot on an open gate is a no-op.
func (g *Gate) Boot(ctx context.Context) error {
	g.mu.Lock()
	if g.state != GateNotReady {
		g.mu.Unlock()
		return nil
	}
	g.state = GateDraining
	drained := 0

	for len(g.queue) > 0 {
		r := g.queue[0]
		g.mu.Unlock()

		err := g.store.Upsert(ctx, r)

		g.mu.Lock()
		if err != nil {
			g.state = GateNotReady
			g.mu.Unlock()
			return fmt.Errorf("%w: flush queued status for %s: %w", ErrPersistence, r.ID, err)
		}
		g.queue = g.queue[1:]
		drained++
	}

	g.state = GateReady
	g.queue = nil
	g.mu.Unlock()

	g.log.Info("Status store ready", "flushed", drained)
	return nil
}

func (g *Gate) Upsert(ctx context.Context, r Record) error {
	g.mu.Lock()
	if g.state != GateReady {
		g.queue = append(g.queue, r)
		g.mu.Unlock()
		return nil
	}
	g.mu.Unlock()
	return g.store.Upsert(ctx, r)
}

func (g *Gate) Lookup(ctx context.Context, scanner, id string) ([]Record, error) {
	return g.store.Lookup(ctx, scanner, id)
}

func (g *Gate) Get(ctx context.Context, scanner, id, destination string) (Record, bool, error) {
	return g.store.Get(ctx, scanner, id, destination)
}

func (g *Gate) Close() error {
	return g.store.Close()
}

var _ Store = (*Gate)(nil)
