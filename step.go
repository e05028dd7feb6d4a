package docflow

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/birdayz/docflow/kdag"
	"github.com/birdayz/docflow/kdoc"
	"github.com/birdayz/docflow/kprocessor"
	"github.com/birdayz/docflow/krouter"
	"golang.org/x/sync/errgroup"
)

// StepConfig declares a processing step.
type StepConfig struct {
	Name         string
	Predecessors []string

	// Processor defaults to kprocessor.Identity.
	Processor kprocessor.Processor

	// Router picks successors when more than one is eligible. Defaults to
	// krouter.ByField.
	Router krouter.Router

	// BatchSize is the queue capacity and the most documents processed
	// concurrently. Defaults to DefaultBatchSize.
	BatchSize int

	// AlwaysOverflow makes the step hand every result to the overflow
	// channel instead of its successors. It marks the boundary of a helper
	// topology.
	AlwaysOverflow bool
}

func (c StepConfig) validate() error {
	if c.BatchSize < 0 {
		return fmt.Errorf("%w: step %s has negative batch size %d", kdag.ErrConfiguration, c.Name, c.BatchSize)
	}
	return nil
}

// Step is a named queue drained by a worker goroutine. The worker runs the
// processor on every document and forwards the results to successors.
type Step struct {
	name           string
	processor      kprocessor.Processor
	router         krouter.Router
	successors     []*Step
	scope          []string
	alwaysOverflow bool
	// offloaded steps run on helpers and may receive overflow.
	offloaded bool

	// set for scanners, which have no queue
	scanner *Scanner

	queue  chan *kdoc.Document
	active atomic.Bool

	env *environment
	log *slog.Logger

	started   atomic.Bool
	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

func newStep(env *environment, cfg StepConfig, successors []*Step, scope []string) (*Step, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.AlwaysOverflow && env.overflow == nil {
		return nil, fmt.Errorf("%w: step %s always overflows but the plan has no overflow channel", kdag.ErrConfiguration, cfg.Name)
	}

	size := cfg.BatchSize
	if size == 0 {
		size = DefaultBatchSize
	}
	s := baseStep(env, cfg.Name, cfg.Router, successors, scope)
	s.processor = cfg.Processor
	if s.processor == nil {
		s.processor = kprocessor.Identity()
	}
	s.alwaysOverflow = cfg.AlwaysOverflow
	s.queue = make(chan *kdoc.Document, size)
	return s, nil
}

func baseStep(env *environment, name string, router krouter.Router, successors []*Step, scope []string) *Step {
	if router == nil {
		router = krouter.ByField{}
	}
	return &Step{
		name:       name,
		router:     router,
		successors: successors,
		scope:      scope,
		env:        env,
		log:        env.log.With("step", name),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

func (s *Step) Name() string { return s.name }

// Successors returns the successor names in declaration order.
func (s *Step) Successors() []string {
	return stepNames(s.successors)
}

// Destinations returns the terminal steps reachable from this step.
func (s *Step) Destinations() []string {
	return slices.Clone(s.scope)
}

// Scanner returns the scanner behind this step, or nil.
func (s *Step) Scanner() *Scanner { return s.scanner }

func (s *Step) Active() bool { return s.active.Load() }

// Len returns the number of queued documents.
func (s *Step) Len() int { return len(s.queue) }

func (s *Step) terminal() bool { return len(s.successors) == 0 }

// Activate starts processing. The worker goroutine is started on first
// activation.
func (s *Step) Activate() {
	if s.active.Swap(true) {
		return
	}
	s.start()
	s.log.Info("Step activated")
}

// Deactivate stops processing once the worker notices, which takes up to the
// idle wait of the plan. Queued documents stay queued.
func (s *Step) Deactivate() {
	if s.active.Swap(false) {
		s.log.Info("Step deactivated")
	}
}

// Offer enqueues doc if there is room and reports whether it did.
func (s *Step) Offer(doc *kdoc.Document) bool {
	s.mustHaveQueue("Offer")
	select {
	case s.queue <- doc:
		return true
	default:
		return false
	}
}

// Put enqueues doc, waiting for room until ctx is done.
func (s *Step) Put(ctx context.Context, doc *kdoc.Document) error {
	s.mustHaveQueue("Put")
	select {
	case s.queue <- doc:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Step) mustHaveQueue(op string) {
	if s.scanner != nil {
		panic(fmt.Errorf("%w: %s on scanner %s", ErrUnsupportedOperation, op, s.name))
	}
}

func (s *Step) start() {
	s.startOnce.Do(func() {
		select {
		case <-s.stop:
			return
		default:
		}
		s.started.Store(true)
		go s.run()
	})
}

// close stops the worker and waits for it to exit.
func (s *Step) close() {
	s.active.Store(false)
	s.stopOnce.Do(func() { close(s.stop) })
	s.startOnce.Do(func() {})
	if s.started.Load() {
		<-s.done
	}
}

func (s *Step) run() {
	defer close(s.done)

	if s.scanner != nil {
		s.scanner.loop()
		return
	}

	for {
		select {
		case <-s.stop:
			return
		default:
		}

		if !s.active.Load() || len(s.queue) == 0 {
			if !s.idle(s.env.idleWait) {
				return
			}
			continue
		}
		s.drain(s.env.ctx)
	}
}

// idle waits for d. It returns false if the step was stopped meanwhile.
func (s *Step) idle(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-s.stop:
		return false
	case <-t.C:
		return true
	}
}

// drain processes what is queued right now. Only the worker receives from
// the queue, so the length can only grow while draining.
func (s *Step) drain(ctx context.Context) {
	n := len(s.queue)
	batch := make([]*kdoc.Document, 0, n)
	for range n {
		batch = append(batch, <-s.queue)
	}

	if len(batch) == 1 {
		s.handle(ctx, batch[0])
		return
	}

	var g errgroup.Group
	for _, doc := range batch {
		g.Go(func() error {
			s.handle(ctx, doc)
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Step) handle(ctx context.Context, doc *kdoc.Document) {
	log := s.log.With("doc_id", doc.ID())
	pending := slices.DeleteFunc(doc.Incomplete(), func(dest string) bool {
		return !slices.Contains(s.scope, dest)
	})

	results := s.process(ctx, log, doc)
	if !slices.Contains(results, doc) {
		s.consumed(ctx, log, doc, pending)
	}
	for _, out := range results {
		if len(out.Destinations()) == 0 {
			out.InitDestinations(pending...)
		}
		s.complete(ctx, log, out)
	}
}

// consumed finishes a document the processor did not return. The
// destinations it was on its way to are DROPPED.
func (s *Step) consumed(ctx context.Context, log *slog.Logger, doc *kdoc.Document, pending []string) {
	doc.ExitStep()
	for _, dest := range pending {
		if e, _ := doc.Status(dest); e.Status == kdoc.StatusProcessing {
			doc.MarkDestination(dest, kdoc.StatusDropped, "consumed by %s", s.name)
		}
	}
	log.Debug("Document consumed")
	s.env.report(ctx, log, doc)
}

// process runs the processor. Errors and panics become ERROR status on the
// input document.
func (s *Step) process(ctx context.Context, log *slog.Logger, doc *kdoc.Document) (out []*kdoc.Document) {
	doc.EnterStep(s.scope, s.processor.Properties().Safe)
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("%w: step %s panicked: %v", ErrProcessing, s.name, r)
			log.Error("Processor panicked", "error", err)
			doc.SetStatus(kdoc.StatusError, err.Error())
			out = []*kdoc.Document{doc}
		}
	}()

	results, err := s.processor.Process(ctx, doc)
	if err != nil {
		err = fmt.Errorf("%w: step %s: %w", ErrProcessing, s.name, err)
		log.Warn("Processing failed", "error", err)
		doc.SetStatus(kdoc.StatusError, err.Error())
		return []*kdoc.Document{doc}
	}
	return results
}

// complete finishes doc in this step: a terminal step marks its destination
// INDEXED if nothing else was set.
func (s *Step) complete(ctx context.Context, log *slog.Logger, doc *kdoc.Document) bool {
	doc.ExitStep()
	if s.terminal() {
		if e, ok := doc.Status(s.name); ok && e.Status == kdoc.StatusProcessing {
			doc.MarkDestination(s.name, kdoc.StatusIndexed, "")
		}
	}
	return s.dispatch(ctx, log, doc)
}

// dispatch routes doc, reports its status changes and hands it to the
// chosen successors. Reporting happens before the handoff because doc
// belongs to the successor afterwards. It returns true once every chosen
// successor has the document, or right away for a terminal step.
func (s *Step) dispatch(ctx context.Context, log *slog.Logger, doc *kdoc.Document) (sent bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("Forwarding panicked", "panic", r)
			sent = false
		}
	}()

	var next *NextSteps
	if !s.terminal() && doc.ProcessingFor(s.scope) {
		ns, err := s.route(doc)
		if err != nil {
			log.Warn("Routing failed", "error", err)
			doc.SetStatus(kdoc.StatusError, err.Error())
		}
		next = ns
	}

	s.env.report(ctx, log, doc)
	if next == nil {
		return s.terminal()
	}
	return s.deliver(ctx, log, next)
}

// eligible returns the successors leading to a destination doc still
// waits for.
func (s *Step) eligible(doc *kdoc.Document) []*Step {
	var out []*Step
	for _, succ := range s.successors {
		if doc.ProcessingFor(succ.scope) {
			out = append(out, succ)
		}
	}
	return out
}

func (s *Step) route(doc *kdoc.Document) (*NextSteps, error) {
	eligible := s.eligible(doc)
	switch len(eligible) {
	case 0:
		return nil, fmt.Errorf("%w: no successor of %s leads to an incomplete destination", krouter.ErrNoRoute, s.name)
	case 1:
		return NewNextSteps(doc, eligible...), nil
	}

	names := stepNames(eligible)
	selected, err := s.router.Route(doc, names)
	excluded := doc.TakeExcluded()
	if err != nil {
		return nil, fmt.Errorf("step %s: %w", s.name, err)
	}
	if len(selected) == 0 {
		return nil, fmt.Errorf("%w: router of %s selected no successor", krouter.ErrNoRoute, s.name)
	}

	targets := make([]*Step, 0, len(selected))
	for _, name := range selected {
		i := slices.Index(names, name)
		if i < 0 {
			return nil, fmt.Errorf("%w: router of %s selected %q which is not eligible", krouter.ErrNoRoute, s.name, name)
		}
		if !slices.Contains(targets, eligible[i]) {
			targets = append(targets, eligible[i])
		}
	}

	s.dropExcluded(doc, excluded, targets)
	return NewNextSteps(doc, targets...), nil
}

// dropExcluded marks the destinations that only excluded successors lead to
// as DROPPED, so that nothing waits for them.
func (s *Step) dropExcluded(doc *kdoc.Document, excluded []string, targets []*Step) {
	if len(excluded) == 0 {
		return
	}
	var reached []string
	for _, t := range targets {
		reached = append(reached, t.scope...)
	}
	for _, succ := range s.successors {
		if !slices.Contains(excluded, succ.name) {
			continue
		}
		for _, dest := range succ.scope {
			if slices.Contains(reached, dest) {
				continue
			}
			if e, ok := doc.Status(dest); ok && e.Status == kdoc.StatusProcessing {
				doc.MarkDestination(dest, kdoc.StatusDropped, "not selected by router")
			}
		}
	}
}

func (s *Step) deliver(ctx context.Context, log *slog.Logger, ns *NextSteps) bool {
	for _, d := range ns.Remaining() {
		err := s.send(ctx, d)
		if err == nil {
			d.State = SendSent
			continue
		}

		d.State = SendFail
		if ctx.Err() != nil {
			log.Info("Forwarding interrupted", "to", d.Step.name)
			continue
		}
		log.Warn("Forwarding failed", "to", d.Step.name, "error", err)
		for _, dest := range d.Step.scope {
			if e, ok := d.Doc.Status(dest); ok && e.Status == kdoc.StatusProcessing {
				d.Doc.MarkDestination(dest, kdoc.StatusError, "forwarding to %s failed: %s", d.Step.name, err.Error())
			}
		}
		s.env.report(ctx, log, d.Doc)
	}
	return ns.Sent()
}

// send tries the successor queue without blocking first. A full queue
// overflows if the plan has an overflow channel and blocks otherwise.
func (s *Step) send(ctx context.Context, d *Delivery) error {
	overflow := s.env.overflow
	if s.alwaysOverflow {
		return overflow.Offer(ctx, d.Step.name, d.Doc)
	}
	if d.Step.Offer(d.Doc) {
		return nil
	}

	d.State = SendRetry
	if overflow == nil || !d.Step.offloaded {
		return d.Step.Put(ctx, d.Doc)
	}
	if err := overflow.Offer(ctx, d.Step.name, d.Doc); err != nil {
		return fmt.Errorf("overflow for %s: %w", d.Step.name, err)
	}
	return nil
}

func stepNames(steps []*Step) []string {
	out := make([]string, len(steps))
	for i, s := range steps {
		out[i] = s.name
	}
	return out
}
