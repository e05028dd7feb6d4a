package docflow

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"time"

	"github.com/birdayz/docflow/kdoc"
	"github.com/birdayz/docflow/kstate"
	"go.uber.org/multierr"
)

// environment is what steps need to know about their plan.
type environment struct {
	ctx    context.Context
	cancel context.CancelFunc

	log      *slog.Logger
	store    kstate.Store
	overflow Overflow
	idField  string
	idleWait time.Duration
	reporter *reporter

	// booted is when the plan was built. Rows left PROCESSING before it
	// belong to an earlier process.
	booted time.Time
}

func (e *environment) report(ctx context.Context, log *slog.Logger, doc *kdoc.Document) {
	e.reporter.report(ctx, log, doc)
}

// Plan is a built DAG of steps. Its structure does not change after Build.
type Plan struct {
	env        *environment
	steps      map[string]*Step
	order      []*Step
	scanners   []*Scanner
	executable []*Step
}

// FindStep returns the step with the given name.
func (p *Plan) FindStep(name string) (*Step, bool) {
	s, ok := p.steps[name]
	return s, ok
}

// Steps returns all steps in declaration order.
func (p *Plan) Steps() []*Step {
	return append([]*Step(nil), p.order...)
}

// ExecutableSteps returns the steps this process runs. In a helper plan
// these are the steps behind overflow boundaries, otherwise all others.
func (p *Plan) ExecutableSteps() []*Step {
	return append([]*Step(nil), p.executable...)
}

func (p *Plan) Scanners() []*Scanner {
	return append([]*Scanner(nil), p.scanners...)
}

// Destinations returns the terminal steps.
func (p *Plan) Destinations() []string {
	var out []string
	for _, s := range p.order {
		if s.terminal() {
			out = append(out, s.name)
		}
	}
	return out
}

// Store returns the status store of the plan.
func (p *Plan) Store() kstate.Store { return p.env.store }

// Activate activates every executable step.
func (p *Plan) Activate() {
	for _, s := range p.executable {
		s.Activate()
	}
	p.env.log.Info("Plan activated", "steps", len(p.executable))
}

// Deactivate deactivates every step.
func (p *Plan) Deactivate() {
	for _, s := range p.order {
		s.Deactivate()
	}
	p.env.log.Info("Plan deactivated")
}

// Inject hands a document to a step, waiting for room. Overflow consumers
// use it to feed documents produced elsewhere.
func (p *Plan) Inject(ctx context.Context, step string, doc *kdoc.Document) error {
	s, ok := p.steps[step]
	if !ok {
		return fmt.Errorf("%w: %s", ErrStepNotFound, step)
	}
	if s.scanner != nil {
		return fmt.Errorf("%w: cannot inject into scanner %s", ErrUnsupportedOperation, step)
	}
	if !slices.Contains(p.executable, s) {
		return fmt.Errorf("%w: step %s is not executed by this plan", ErrUnsupportedOperation, step)
	}
	return s.Put(ctx, doc)
}

// Close stops all workers and closes the sources, the overflow channel and
// the status store.
func (p *Plan) Close() error {
	p.env.cancel()
	for _, s := range p.order {
		s.close()
	}

	var errs error
	for _, sc := range p.scanners {
		if c, ok := sc.source.(io.Closer); ok {
			errs = multierr.Append(errs, c.Close())
		}
	}
	if c, ok := p.env.overflow.(io.Closer); ok {
		errs = multierr.Append(errs, c.Close())
	}
	errs = multierr.Append(errs, p.env.store.Close())

	p.env.log.Info("Plan closed")
	return errs
}
