package docflow

import (
	"context"
	"fmt"
	"time"

	"github.com/birdayz/docflow/kdag"
	"github.com/birdayz/docflow/kstate"
)

// PlanBuilder collects scanners and steps. Predecessors may be declared
// after the steps that name them; they are resolved by Build.
type PlanBuilder struct {
	graph    *kdag.Graph
	steps    map[string]StepConfig
	scanners map[string]ScannerConfig
	opts     []Option
}

func NewPlanBuilder(opts ...Option) *PlanBuilder {
	return &PlanBuilder{
		graph:    kdag.NewGraph(),
		steps:    make(map[string]StepConfig),
		scanners: make(map[string]ScannerConfig),
		opts:     opts,
	}
}

// AddScanner declares a scanner. Scanners have no predecessors.
func (b *PlanBuilder) AddScanner(cfg ScannerConfig) error {
	if err := cfg.validate(); err != nil {
		return err
	}
	if err := b.graph.AddNode(kdag.NodeID(cfg.Name), kdag.NodeTypeScanner); err != nil {
		return err
	}
	b.scanners[cfg.Name] = cfg
	return nil
}

// AddStep declares a step. A step without predecessors is rejected: only
// scanners start a plan.
func (b *PlanBuilder) AddStep(cfg StepConfig) error {
	if err := cfg.validate(); err != nil {
		return err
	}
	parents := make([]kdag.NodeID, len(cfg.Predecessors))
	for i, p := range cfg.Predecessors {
		parents[i] = kdag.NodeID(p)
	}
	if err := b.graph.AddNode(kdag.NodeID(cfg.Name), kdag.NodeTypeStep, parents...); err != nil {
		return err
	}
	b.steps[cfg.Name] = cfg
	return nil
}

// MustAddStep is AddStep for static plans. It panics on error.
func (b *PlanBuilder) MustAddStep(cfg StepConfig) *PlanBuilder {
	if err := b.AddStep(cfg); err != nil {
		panic(err)
	}
	return b
}

// Build resolves predecessors, rejects cycles and builds every step after
// its successors, so that steps hold their successors from the start.
func (b *PlanBuilder) Build() (*Plan, error) {
	cfg := defaultPlanConfig()
	for _, opt := range b.opts {
		opt(&cfg)
	}
	if cfg.store == nil {
		cfg.store = kstate.NewMemoryStore()
	}

	order, err := b.graph.ConstructionOrder()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	env := &environment{
		ctx:      ctx,
		cancel:   cancel,
		log:      cfg.log,
		store:    cfg.store,
		overflow: cfg.overflow,
		idField:  cfg.idField,
		idleWait: cfg.idleWait,
		reporter: newReporter(cfg.store),
		booted:   time.Now(),
	}

	built := make(map[string]*Step, len(order))
	for _, id := range order {
		node := b.graph.Nodes[id]
		name := string(id)

		successors := make([]*Step, 0, len(node.Children))
		for _, child := range node.Children {
			successors = append(successors, built[string(child)])
		}
		scope := nodeNames(b.graph.Destinations(id))

		var step *Step
		if node.Type == kdag.NodeTypeScanner {
			step, err = newScannerStep(env, b.scanners[name], successors, scope)
		} else {
			step, err = newStep(env, b.steps[name], successors, scope)
		}
		if err != nil {
			cancel()
			return nil, fmt.Errorf("build %s: %w", name, err)
		}
		built[name] = step
	}

	p := &Plan{
		env:   env,
		steps: built,
	}
	for _, id := range b.graph.NodeOrder {
		step := built[string(id)]
		p.order = append(p.order, step)
		if step.scanner != nil {
			p.scanners = append(p.scanners, step.scanner)
		}
	}
	p.executable = executableSteps(p.order, cfg.helper)

	cfg.log.Info("Plan built", "steps", len(p.order), "scanners", len(p.scanners), "executable", len(p.executable))
	return p, nil
}

// executableSteps splits the plan at overflow boundaries. Everything
// reachable from a boundary runs on helpers, the rest locally.
func executableSteps(steps []*Step, helper bool) []*Step {
	offloaded := make(map[*Step]bool)
	var mark func(*Step)
	mark = func(s *Step) {
		if offloaded[s] {
			return
		}
		offloaded[s] = true
		for _, succ := range s.successors {
			mark(succ)
		}
	}
	for _, s := range steps {
		if s.alwaysOverflow {
			for _, succ := range s.successors {
				mark(succ)
			}
		}
	}

	var out []*Step
	for _, s := range steps {
		s.offloaded = offloaded[s]
		if offloaded[s] == helper {
			out = append(out, s)
		}
	}
	return out
}

func nodeNames(ids []kdag.NodeID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = string(id)
	}
	return out
}
