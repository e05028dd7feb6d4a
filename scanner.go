package docflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/birdayz/docflow/internal/memthrottle"
	"github.com/birdayz/docflow/kdag"
	"github.com/birdayz/docflow/kdoc"
	"github.com/birdayz/docflow/krouter"
	"github.com/birdayz/docflow/kstate"
	"github.com/google/uuid"
)

// ScannerConfig declares a scanner.
type ScannerConfig struct {
	Name   string
	Source Source

	// Interval is the time between scan starts. Defaults to
	// DefaultScanInterval.
	Interval time.Duration

	// Pause is the minimum time between the end of a scan and the start of
	// the next one.
	Pause time.Duration

	// Hashing compares content hashes to decide whether a known resource
	// changed.
	Hashing bool

	// Remember stores the content hash once a document was handed to the
	// successors of the scanner.
	Remember bool

	// NormalizeID maps resource ids to document ids.
	NormalizeID func(string) string

	Router krouter.Router
}

func (c ScannerConfig) validate() error {
	if c.Source == nil {
		return fmt.Errorf("%w: scanner %s has no source", kdag.ErrConfiguration, c.Name)
	}
	if c.Interval < 0 || c.Pause < 0 {
		return fmt.Errorf("%w: scanner %s has a negative schedule", kdag.ErrConfiguration, c.Name)
	}
	return nil
}

// ScanResult counts what one scan did.
type ScanResult struct {
	Emitted int
	Skipped int
}

// Scanner is a step without a queue. It walks its source on a schedule and
// emits the resources that are new or changed according to the status
// store.
type Scanner struct {
	step      *Step
	source    Source
	interval  time.Duration
	pause     time.Duration
	hashing   bool
	remember  bool
	normalize func(string) string

	// unreplayable names a step whose processor must not run twice for
	// the same document, empty if replaying is safe.
	unreplayable string

	scanning atomic.Bool
	log      *slog.Logger
}

func newScannerStep(env *environment, cfg ScannerConfig, successors []*Step, scope []string) (*Step, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	s := baseStep(env, cfg.Name, cfg.Router, successors, scope)
	sc := &Scanner{
		step:      s,
		source:    cfg.Source,
		interval:  cfg.Interval,
		pause:     cfg.Pause,
		hashing:   cfg.Hashing,
		remember:  cfg.Remember,
		normalize: cfg.NormalizeID,
		log:       s.log,
	}
	if sc.interval == 0 {
		sc.interval = DefaultScanInterval
	}
	if sc.normalize == nil {
		sc.normalize = func(id string) string { return id }
	}
	sc.unreplayable = unreplayableStep(successors)
	s.scanner = sc
	return s, nil
}

// unreplayableStep returns the first step reachable from steps whose
// processor has cumulative side effects and is not idempotent.
func unreplayableStep(steps []*Step) string {
	seen := make(map[*Step]bool)
	var walk func([]*Step) string
	walk = func(steps []*Step) string {
		for _, s := range steps {
			if seen[s] {
				continue
			}
			seen[s] = true
			if props := s.processor.Properties(); props.Potent && !props.Idempotent {
				return s.name
			}
			if name := walk(s.successors); name != "" {
				return name
			}
		}
		return ""
	}
	return walk(steps)
}

func (sc *Scanner) Name() string { return sc.step.name }

// Step returns the step the scanner runs as.
func (sc *Scanner) Step() *Step { return sc.step }

// Source returns the source the scanner walks.
func (sc *Scanner) Source() Source { return sc.source }

// Scanning reports whether a scan is running.
func (sc *Scanner) Scanning() bool { return sc.scanning.Load() }

// loop runs scans while the step is active. Triggers from the source start
// a scan right away; triggers that arrive while scanning are dropped.
func (sc *Scanner) loop() {
	var triggers <-chan struct{}
	if t, ok := sc.source.(Triggered); ok {
		triggers = t.Triggers()
	}

	var due time.Time
	for {
		active := sc.step.active.Load()
		if active && !time.Now().Before(due) {
			start := time.Now()
			sc.scheduled()
			due = sc.nextDue(start, time.Now())
			drain(triggers)
			continue
		}

		wait := sc.step.env.idleWait
		if d := time.Until(due); active && d < wait {
			wait = d
		}
		t := time.NewTimer(wait)
		select {
		case <-sc.step.stop:
			t.Stop()
			return
		case _, ok := <-triggers:
			if !ok {
				triggers = nil
			} else if active {
				sc.log.Debug("Scan triggered")
				due = time.Time{}
			}
		case <-t.C:
		}
		t.Stop()
	}
}

func (sc *Scanner) nextDue(start, end time.Time) time.Time {
	due := start.Add(sc.interval)
	if p := end.Add(sc.pause); p.After(due) {
		due = p
	}
	return due
}

func (sc *Scanner) scheduled() {
	_, err := sc.Scan(sc.step.env.ctx)
	switch {
	case err == nil, errors.Is(err, ErrScanInProgress), errors.Is(err, context.Canceled):
	case errors.Is(err, ErrDataIntegrity):
		sc.log.Error("Status store is corrupt, deactivating scanner", "error", err)
		sc.step.Deactivate()
	default:
		sc.log.Error("Scan failed", "error", err)
	}
}

// Scan walks the source once. It returns ErrScanInProgress if another scan
// of this scanner is running.
func (sc *Scanner) Scan(ctx context.Context) (ScanResult, error) {
	var res ScanResult
	if !sc.scanning.CompareAndSwap(false, true) {
		return res, fmt.Errorf("%w: %s", ErrScanInProgress, sc.Name())
	}
	defer sc.scanning.Store(false)

	log := sc.log.With("scan_id", uuid.NewString())
	start := time.Now()
	log.Debug("Scan started")

	err := sc.source.Scan(ctx, func(r Resource) error {
		emitted, err := sc.visit(ctx, log, r, start)
		if err != nil {
			return err
		}
		if emitted {
			res.Emitted++
		} else {
			res.Skipped++
		}
		return nil
	})
	if err != nil {
		return res, fmt.Errorf("scanner %s: %w", sc.Name(), err)
	}

	log.Info("Scan finished", "emitted", res.Emitted, "skipped", res.Skipped, "took", time.Since(start))
	return res, nil
}

func (sc *Scanner) visit(ctx context.Context, log *slog.Logger, r Resource, scanned time.Time) (bool, error) {
	env := sc.step.env
	id := sc.normalize(r.ID())

	rows, err := env.store.Lookup(ctx, sc.Name(), id)
	if err != nil {
		return false, fmt.Errorf("%w: lookup %s: %w", kstate.ErrPersistence, id, err)
	}
	modified, hasModified := r.Modified()
	v, err := decide(rows, env.booted, sc.hashing, modified, hasModified)
	if err != nil {
		return false, err
	}
	switch v {
	case verdictSkip:
		return false, nil
	case verdictInterrupted:
		if !sc.restart(ctx, log, id, rows[0]) {
			return false, nil
		}
	}

	doc := kdoc.New(id, env.idField, sc.Name())
	if err := r.Load(ctx, doc); err != nil {
		if errors.Is(err, memthrottle.ErrMemoryExhausted) || ctx.Err() != nil {
			return false, err
		}
		log.Warn("Failed to load resource", "id", id, "error", err)
		return false, nil
	}
	doc.SetID(id)

	hash := doc.Hash()
	if v == verdictCompareHash && rows[0].Hash == hash {
		return false, nil
	}
	if !sc.remember {
		hash = ""
	}

	doc.SetOperation(kdoc.OpNew)
	if len(rows) > 0 {
		doc.SetOperation(kdoc.OpUpdate)
		doc.SetForce(rows[0].Status == kdoc.StatusForce)
	}
	doc.InitDestinations(sc.step.scope...)

	dlog := log.With("doc_id", id)
	if sc.step.complete(ctx, dlog, doc) {
		if err := env.reporter.confirm(ctx, sc.Name(), id, scanned, hash); err != nil {
			dlog.Error("Failed to confirm emission", "error", err)
		}
	}
	return true, nil
}

// restart handles a document that was in flight when an earlier process
// stopped. Its rows become RESTART and it is emitted again, unless it was
// already handed over and a step on its way must not process it twice. Then
// its rows become ERROR and it waits for an operator to FORCE it.
func (sc *Scanner) restart(ctx context.Context, log *slog.Logger, id string, rec kstate.Record) bool {
	status, message := kdoc.StatusRestart, "interrupted by restart"
	replay := sc.unreplayable == "" || rec.Scanned.IsZero()
	if !replay {
		status = kdoc.StatusError
		message = fmt.Sprintf("interrupted by restart, not replayed because step %s is not idempotent", sc.unreplayable)
	}

	if err := sc.step.env.reporter.interrupted(ctx, sc.Name(), id, sc.step.scope, status, message); err != nil {
		log.Error("Failed to record interrupted document", "doc_id", id, "error", err)
	}
	if replay {
		log.Info("Replaying interrupted document", "doc_id", id)
	} else {
		log.Warn("Not replaying interrupted document", "doc_id", id, "step", sc.unreplayable)
	}
	return replay
}

func drain(ch <-chan struct{}) {
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		default:
			return
		}
	}
}
