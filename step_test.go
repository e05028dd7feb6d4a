package docflow

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/alecthomas/assert/v2"
	"github.com/birdayz/docflow/kdoc"
	"github.com/birdayz/docflow/kprocessor"
	"github.com/birdayz/docflow/krouter"
)

type observation struct {
	id      string
	idField []string
	status  kdoc.Status
}

func TestScannerToChain(t *testing.T) {
	src := &fakeSource{}
	src.set(fakeResource{id: "doc1", content: "hello"})
	seen := make(chan observation, 1)

	p := buildPlan(t, func(b *PlanBuilder) {
		assert.NoError(t, b.AddScanner(ScannerConfig{Name: "S", Source: src, Interval: time.Hour}))
		assert.NoError(t, b.AddStep(StepConfig{Name: "A", Predecessors: []string{"S"}}))
		assert.NoError(t, b.AddStep(StepConfig{
			Name:         "B",
			Predecessors: []string{"A"},
			Processor: kprocessor.Func{Fn: func(_ context.Context, doc *kdoc.Document) ([]*kdoc.Document, error) {
				e, _ := doc.Status("B")
				seen <- observation{id: doc.ID(), idField: doc.Get("id"), status: e.Status}
				return []*kdoc.Document{doc}, nil
			}},
		}))
	})
	p.Activate()

	obs := receive(t, seen)
	assert.Equal(t, "doc1", obs.id)
	assert.Equal(t, []string{"doc1"}, obs.idField)
	assert.Equal(t, kdoc.StatusProcessing, obs.status)

	eventually(t, hasStatus(p.Store(), "S", "doc1", "B", kdoc.StatusIndexed))
	eventually(t, hasStatus(p.Store(), "S", "doc1", "", kdoc.StatusIndexed))
}

func TestDuplicateToAll(t *testing.T) {
	atB := make(chan *kdoc.Document, 4)
	atC := make(chan *kdoc.Document, 4)

	p := buildPlan(t, func(b *PlanBuilder) {
		assert.NoError(t, b.AddScanner(ScannerConfig{Name: "S", Source: &fakeSource{}, Interval: time.Hour}))
		assert.NoError(t, b.AddStep(StepConfig{Name: "A", Predecessors: []string{"S"}, Router: krouter.DuplicateToAll{}}))
		assert.NoError(t, b.AddStep(StepConfig{Name: "B", Predecessors: []string{"A"}, Processor: capture(atB)}))
		assert.NoError(t, b.AddStep(StepConfig{Name: "C", Predecessors: []string{"A"}, Processor: capture(atC)}))
	})
	for _, name := range []string{"A", "B", "C"} {
		mustStep(t, p, name).Activate()
	}

	assert.NoError(t, p.Inject(context.Background(), "A", newDoc("doc1", "B", "C")))
	b := receive(t, atB)
	c := receive(t, atC)
	assert.True(t, b != c, "C must receive a clone")

	store := p.Store()
	eventually(t, hasStatus(store, "S", "doc1", "B", kdoc.StatusIndexed))
	eventually(t, hasStatus(store, "S", "doc1", "C", kdoc.StatusIndexed))
	eventually(t, hasStatus(store, "S", "doc1", "", kdoc.StatusIndexed))

	assert.NoError(t, p.Close())
	assert.Equal(t, 0, len(atB))
	assert.Equal(t, 0, len(atC))

	status := func(doc *kdoc.Document, dest string) kdoc.Status {
		e, _ := doc.Status(dest)
		return e.Status
	}
	assert.Equal(t, kdoc.StatusIndexed, status(b, "B"))
	assert.Equal(t, kdoc.StatusProcessing, status(b, "C"))
	assert.Equal(t, kdoc.StatusIndexed, status(c, "C"))
	assert.Equal(t, kdoc.StatusProcessing, status(c, "B"))
}

func TestRoundRobinDropsUnselected(t *testing.T) {
	p := buildPlan(t, func(b *PlanBuilder) {
		assert.NoError(t, b.AddScanner(ScannerConfig{Name: "S", Source: &fakeSource{}, Interval: time.Hour}))
		assert.NoError(t, b.AddStep(StepConfig{Name: "A", Predecessors: []string{"S"}, Router: krouter.NewRoundRobin()}))
		assert.NoError(t, b.AddStep(StepConfig{Name: "B", Predecessors: []string{"A"}}))
		assert.NoError(t, b.AddStep(StepConfig{Name: "C", Predecessors: []string{"A"}}))
	})
	for _, name := range []string{"A", "B", "C"} {
		mustStep(t, p, name).Activate()
	}
	store := p.Store()
	ctx := context.Background()

	assert.NoError(t, p.Inject(ctx, "A", newDoc("doc1", "B", "C")))
	eventually(t, hasStatus(store, "S", "doc1", "B", kdoc.StatusIndexed))
	dropped := row(t, store, "S", "doc1", "C")
	assert.Equal(t, kdoc.StatusDropped, dropped.Status)
	assert.Equal(t, "not selected by router", dropped.Message)

	assert.NoError(t, p.Inject(ctx, "A", newDoc("doc2", "B", "C")))
	eventually(t, hasStatus(store, "S", "doc2", "C", kdoc.StatusIndexed))
	assert.Equal(t, kdoc.StatusDropped, row(t, store, "S", "doc2", "B").Status)
	eventually(t, hasStatus(store, "S", "doc2", "", kdoc.StatusIndexed))
}

func TestRoutingFailure(t *testing.T) {
	p := buildPlan(t, func(b *PlanBuilder) {
		assert.NoError(t, b.AddScanner(ScannerConfig{Name: "S", Source: &fakeSource{}, Interval: time.Hour}))
		assert.NoError(t, b.AddStep(StepConfig{Name: "A", Predecessors: []string{"S"}}))
		assert.NoError(t, b.AddStep(StepConfig{Name: "B", Predecessors: []string{"A"}}))
		assert.NoError(t, b.AddStep(StepConfig{Name: "C", Predecessors: []string{"A"}}))
	})
	p.Activate()
	store := p.Store()
	ctx := context.Background()

	t.Run("missing route field", func(t *testing.T) {
		assert.NoError(t, p.Inject(ctx, "A", newDoc("lost", "B", "C")))
		eventually(t, hasStatus(store, "S", "lost", "B", kdoc.StatusError))
		eventually(t, hasStatus(store, "S", "lost", "C", kdoc.StatusError))
		assert.True(t, strings.Contains(row(t, store, "S", "lost", "B").Message, "no route"))
	})

	t.Run("route field picks successor", func(t *testing.T) {
		doc := newDoc("routed", "B", "C")
		doc.Set(krouter.DefaultRouteField, "C")
		assert.NoError(t, p.Inject(ctx, "A", doc))
		eventually(t, hasStatus(store, "S", "routed", "C", kdoc.StatusIndexed))
		assert.Equal(t, kdoc.StatusDropped, row(t, store, "S", "routed", "B").Status)
	})
}

func TestProcessorFailures(t *testing.T) {
	p := buildPlan(t, func(b *PlanBuilder) {
		assert.NoError(t, b.AddScanner(ScannerConfig{Name: "S", Source: &fakeSource{}, Interval: time.Hour}))
		assert.NoError(t, b.AddStep(StepConfig{
			Name:         "A",
			Predecessors: []string{"S"},
			Processor: kprocessor.Func{Fn: func(_ context.Context, doc *kdoc.Document) ([]*kdoc.Document, error) {
				switch doc.ID() {
				case "fails":
					return nil, errBoom
				case "panics":
					panic("kaputt")
				}
				return []*kdoc.Document{doc}, nil
			}},
		}))
	})
	p.Activate()
	store := p.Store()
	ctx := context.Background()

	for _, tc := range []struct {
		id      string
		message string
	}{
		{id: "fails", message: "boom"},
		{id: "panics", message: "kaputt"},
	} {
		t.Run(tc.id, func(t *testing.T) {
			assert.NoError(t, p.Inject(ctx, "A", newDoc(tc.id, "A")))
			eventually(t, hasStatus(store, "S", tc.id, "A", kdoc.StatusError))
			msg := row(t, store, "S", tc.id, "A").Message
			assert.True(t, strings.Contains(msg, "processing failed"), msg)
			assert.True(t, strings.Contains(msg, tc.message), msg)
		})
	}

	t.Run("worker survives", func(t *testing.T) {
		assert.NoError(t, p.Inject(ctx, "A", newDoc("fine", "A")))
		eventually(t, hasStatus(store, "S", "fine", "A", kdoc.StatusIndexed))
	})
}

func TestSafeProcessorPropagation(t *testing.T) {
	indexed := func(safe bool) kprocessor.Processor {
		return kprocessor.Func{
			Fn: func(_ context.Context, doc *kdoc.Document) ([]*kdoc.Document, error) {
				doc.SetStatus(kdoc.StatusIndexed, "done early")
				return []*kdoc.Document{doc}, nil
			},
			Props: kprocessor.Properties{Safe: safe},
		}
	}

	for _, tc := range []struct {
		name  string
		safe  bool
		other kdoc.Status
	}{
		{name: "unsafe stays in scope", safe: false, other: kdoc.StatusProcessing},
		{name: "safe applies everywhere", safe: true, other: kdoc.StatusIndexed},
	} {
		t.Run(tc.name, func(t *testing.T) {
			p := buildPlan(t, func(b *PlanBuilder) {
				assert.NoError(t, b.AddScanner(ScannerConfig{Name: "S", Source: &fakeSource{}, Interval: time.Hour}))
				assert.NoError(t, b.AddStep(StepConfig{Name: "A", Predecessors: []string{"S"}, Router: krouter.DuplicateToAll{}}))
				assert.NoError(t, b.AddStep(StepConfig{Name: "B", Predecessors: []string{"A"}, Processor: indexed(tc.safe)}))
				assert.NoError(t, b.AddStep(StepConfig{Name: "C", Predecessors: []string{"A"}}))
			})
			// C stays inactive, so its row only changes through B
			mustStep(t, p, "A").Activate()
			mustStep(t, p, "B").Activate()

			assert.NoError(t, p.Inject(context.Background(), "A", newDoc("doc1", "B", "C")))
			eventually(t, hasStatus(p.Store(), "S", "doc1", "B", kdoc.StatusIndexed))
			eventually(t, hasStatus(p.Store(), "S", "doc1", "C", tc.other))
		})
	}
}

func TestBackpressure(t *testing.T) {
	declare := func(alwaysOverflow bool) func(b *PlanBuilder) {
		return func(b *PlanBuilder) {
			assert.NoError(t, b.AddScanner(ScannerConfig{Name: "S", Source: &fakeSource{}, Interval: time.Hour}))
			assert.NoError(t, b.AddStep(StepConfig{Name: "A", Predecessors: []string{"S"}, AlwaysOverflow: alwaysOverflow}))
			assert.NoError(t, b.AddStep(StepConfig{Name: "B", Predecessors: []string{"A"}, BatchSize: 1}))
		}
	}
	ctx := context.Background()

	t.Run("blocks without overflow", func(t *testing.T) {
		p := buildPlan(t, declare(false))
		a, b := mustStep(t, p, "A"), mustStep(t, p, "B")
		a.Activate()

		assert.NoError(t, p.Inject(ctx, "A", newDoc("doc1", "B")))
		eventually(t, func() bool { return b.Len() == 1 })
		assert.NoError(t, p.Inject(ctx, "A", newDoc("doc2", "B")))
		eventually(t, func() bool { return a.Len() == 0 })
		time.Sleep(10 * time.Millisecond)
		assert.Equal(t, 1, b.Len())

		b.Activate()
		eventually(t, hasStatus(p.Store(), "S", "doc1", "B", kdoc.StatusIndexed))
		eventually(t, hasStatus(p.Store(), "S", "doc2", "B", kdoc.StatusIndexed))
	})

	t.Run("local step blocks despite overflow", func(t *testing.T) {
		overflow := &fakeOverflow{}
		p := buildPlan(t, declare(false), WithOverflow(overflow))
		a, b := mustStep(t, p, "A"), mustStep(t, p, "B")
		a.Activate()

		assert.NoError(t, p.Inject(ctx, "A", newDoc("doc1", "B")))
		eventually(t, func() bool { return b.Len() == 1 })
		assert.NoError(t, p.Inject(ctx, "A", newDoc("doc2", "B")))
		eventually(t, func() bool { return a.Len() == 0 })
		time.Sleep(10 * time.Millisecond)
		assert.Equal(t, 0, len(overflow.snapshot()))
		assert.Equal(t, 1, b.Len())

		b.Activate()
		eventually(t, hasStatus(p.Store(), "S", "doc2", "B", kdoc.StatusIndexed))
	})

	t.Run("helper step overflows when full", func(t *testing.T) {
		overflow := &fakeOverflow{}
		p := buildPlan(t, func(b *PlanBuilder) {
			declare(true)(b)
			assert.NoError(t, b.AddStep(StepConfig{Name: "C", Predecessors: []string{"B"}, BatchSize: 1}))
		}, WithOverflow(overflow), WithHelper(true))
		b, c := mustStep(t, p, "B"), mustStep(t, p, "C")
		b.Activate()

		assert.NoError(t, p.Inject(ctx, "B", newDoc("doc1", "C")))
		eventually(t, func() bool { return c.Len() == 1 })
		assert.NoError(t, p.Inject(ctx, "B", newDoc("doc2", "C")))
		eventually(t, func() bool { return len(overflow.snapshot()) == 1 })
		assert.Equal(t, []offered{{step: "C", id: "doc2"}}, overflow.snapshot())
		assert.Equal(t, 1, c.Len())
	})

	t.Run("helper boundary always overflows", func(t *testing.T) {
		overflow := &fakeOverflow{}
		p := buildPlan(t, declare(true), WithOverflow(overflow))
		mustStep(t, p, "A").Activate()

		assert.NoError(t, p.Inject(ctx, "A", newDoc("doc1", "B")))
		eventually(t, func() bool { return len(overflow.snapshot()) == 1 })
		assert.Equal(t, []offered{{step: "B", id: "doc1"}}, overflow.snapshot())
		assert.Equal(t, 0, mustStep(t, p, "B").Len())
	})
}

func TestBatchFanOut(t *testing.T) {
	const n = 20
	atB := make(chan *kdoc.Document, n)
	p := buildPlan(t, func(b *PlanBuilder) {
		assert.NoError(t, b.AddScanner(ScannerConfig{Name: "S", Source: &fakeSource{}, Interval: time.Hour}))
		assert.NoError(t, b.AddStep(StepConfig{Name: "A", Predecessors: []string{"S"}, BatchSize: n}))
		assert.NoError(t, b.AddStep(StepConfig{Name: "B", Predecessors: []string{"A"}, BatchSize: n, Processor: capture(atB)}))
	})
	ctx := context.Background()
	for i := range n {
		assert.NoError(t, p.Inject(ctx, "A", newDoc(fmt.Sprintf("doc%d", i), "B")))
	}
	assert.Equal(t, n, mustStep(t, p, "A").Len())

	p.Activate()
	seen := make(map[string]bool)
	for range n {
		seen[receive(t, atB).ID()] = true
	}
	assert.Equal(t, n, len(seen))
}

func TestActivation(t *testing.T) {
	p := buildPlan(t, func(b *PlanBuilder) {
		assert.NoError(t, b.AddScanner(ScannerConfig{Name: "S", Source: &fakeSource{}, Interval: time.Hour}))
		assert.NoError(t, b.AddStep(StepConfig{Name: "A", Predecessors: []string{"S"}}))
	})
	a := mustStep(t, p, "A")

	assert.NoError(t, p.Inject(context.Background(), "A", newDoc("doc1", "A")))
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 1, a.Len())
	assert.False(t, a.Active())

	p.Activate()
	assert.True(t, a.Active())
	eventually(t, hasStatus(p.Store(), "S", "doc1", "A", kdoc.StatusIndexed))

	p.Deactivate()
	for _, s := range p.Steps() {
		assert.False(t, s.Active())
	}
}

func TestScannerRejectsQueueOperations(t *testing.T) {
	p := buildPlan(t, func(b *PlanBuilder) {
		assert.NoError(t, b.AddScanner(ScannerConfig{Name: "S", Source: &fakeSource{}, Interval: time.Hour}))
		assert.NoError(t, b.AddStep(StepConfig{Name: "A", Predecessors: []string{"S"}}))
	})
	s := mustStep(t, p, "S")
	doc := newDoc("doc1", "A")

	assert.Panics(t, func() { s.Offer(doc) })
	assert.Panics(t, func() { _ = s.Put(context.Background(), doc) })

	err := p.Inject(context.Background(), "S", doc)
	assert.IsError(t, err, ErrUnsupportedOperation)

	err = p.Inject(context.Background(), "nope", doc)
	assert.IsError(t, err, ErrStepNotFound)
}

func TestInjectRespectsHelperSplit(t *testing.T) {
	declare := func(b *PlanBuilder) {
		assert.NoError(t, b.AddScanner(ScannerConfig{Name: "S", Source: &fakeSource{}, Interval: time.Hour}))
		assert.NoError(t, b.AddStep(StepConfig{Name: "A", Predecessors: []string{"S"}, AlwaysOverflow: true}))
		assert.NoError(t, b.AddStep(StepConfig{Name: "B", Predecessors: []string{"A"}}))
	}
	ctx := context.Background()

	helper := buildPlan(t, declare, WithOverflow(&fakeOverflow{}), WithHelper(true))
	err := helper.Inject(ctx, "A", newDoc("doc1", "B"))
	assert.IsError(t, err, ErrUnsupportedOperation)
	assert.Contains(t, err.Error(), "not executed by this plan")
	assert.NoError(t, helper.Inject(ctx, "B", newDoc("doc1", "B")))

	local := buildPlan(t, declare, WithOverflow(&fakeOverflow{}))
	assert.IsError(t, local.Inject(ctx, "B", newDoc("doc1", "B")), ErrUnsupportedOperation)
	assert.NoError(t, local.Inject(ctx, "A", newDoc("doc1", "B")))
}

func TestConsumedDocuments(t *testing.T) {
	ctx := context.Background()
	declare := func(fn func(context.Context, *kdoc.Document) ([]*kdoc.Document, error)) func(b *PlanBuilder) {
		return func(b *PlanBuilder) {
			assert.NoError(t, b.AddScanner(ScannerConfig{Name: "S", Source: &fakeSource{}, Interval: time.Hour}))
			assert.NoError(t, b.AddStep(StepConfig{Name: "A", Predecessors: []string{"S"}, Processor: kprocessor.Func{Fn: fn}}))
			assert.NoError(t, b.AddStep(StepConfig{Name: "B", Predecessors: []string{"A"}}))
		}
	}

	t.Run("no results", func(t *testing.T) {
		p := buildPlan(t, declare(func(context.Context, *kdoc.Document) ([]*kdoc.Document, error) {
			return nil, nil
		}))
		p.Activate()
		assert.NoError(t, p.Inject(ctx, "A", newDoc("doc1", "B")))

		eventually(t, hasStatus(p.Store(), "S", "doc1", "B", kdoc.StatusDropped))
		assert.Equal(t, "consumed by A", row(t, p.Store(), "S", "doc1", "B").Message)
		fti := row(t, p.Store(), "S", "doc1", "")
		assert.Equal(t, kdoc.StatusDropped, fti.Status)
		assert.Equal(t, "consumed by A", fti.Message)
	})

	t.Run("replaced by a new document", func(t *testing.T) {
		p := buildPlan(t, declare(func(_ context.Context, doc *kdoc.Document) ([]*kdoc.Document, error) {
			part := kdoc.New(doc.ID()+"-part", kdoc.DefaultIDField, doc.Scanner())
			return []*kdoc.Document{part}, nil
		}))
		p.Activate()
		assert.NoError(t, p.Inject(ctx, "A", newDoc("doc1", "B")))

		eventually(t, hasStatus(p.Store(), "S", "doc1-part", "B", kdoc.StatusIndexed))
		eventually(t, hasStatus(p.Store(), "S", "doc1", "B", kdoc.StatusDropped))
	})

	t.Run("destinations already finished stay", func(t *testing.T) {
		p := buildPlan(t, declare(func(_ context.Context, doc *kdoc.Document) ([]*kdoc.Document, error) {
			return nil, nil
		}))
		doc := newDoc("doc1", "B")
		doc.MarkDestination("B", kdoc.StatusIndexed, "")
		mustStep(t, p, "A").consumed(ctx, mustStep(t, p, "A").log, doc, []string{"B"})
		e, _ := doc.Status("B")
		assert.Equal(t, kdoc.StatusIndexed, e.Status)
	})
}
