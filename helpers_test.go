package docflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alecthomas/assert/v2"
	"github.com/birdayz/docflow/kdoc"
	"github.com/birdayz/docflow/kprocessor"
	"github.com/birdayz/docflow/kstate"
)

type fakeResource struct {
	id       string
	content  string
	modified time.Time
	loadErr  error
}

func (r fakeResource) ID() string { return r.id }

func (r fakeResource) Modified() (time.Time, bool) {
	return r.modified, !r.modified.IsZero()
}

func (r fakeResource) Load(_ context.Context, doc *kdoc.Document) error {
	if r.loadErr != nil {
		return r.loadErr
	}
	doc.Set("content", r.content)
	doc.SetRaw([]byte(r.content))
	return nil
}

type fakeSource struct {
	mu        sync.Mutex
	resources []fakeResource
	started   chan struct{}
	release   chan struct{}
	closeErr  error
}

func (s *fakeSource) set(resources ...fakeResource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resources = resources
}

func (s *fakeSource) Scan(ctx context.Context, visit func(Resource) error) error {
	s.mu.Lock()
	resources := append([]fakeResource(nil), s.resources...)
	s.mu.Unlock()

	if s.started != nil {
		s.started <- struct{}{}
	}
	if s.release != nil {
		<-s.release
	}
	for _, r := range resources {
		if err := visit(r); err != nil {
			return err
		}
	}
	return nil
}

func (s *fakeSource) Close() error { return s.closeErr }

type offered struct {
	step string
	id   string
}

type fakeOverflow struct {
	mu       sync.Mutex
	offers   []offered
	closeErr error
}

func (o *fakeOverflow) Offer(_ context.Context, step string, doc *kdoc.Document) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.offers = append(o.offers, offered{step: step, id: doc.ID()})
	return nil
}

func (o *fakeOverflow) Close() error { return o.closeErr }

func (o *fakeOverflow) snapshot() []offered {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]offered(nil), o.offers...)
}

// capture sends every document it processes to ch.
func capture(ch chan<- *kdoc.Document) kprocessor.Processor {
	return kprocessor.Func{Fn: func(_ context.Context, doc *kdoc.Document) ([]*kdoc.Document, error) {
		ch <- doc
		return []*kdoc.Document{doc}, nil
	}}
}

func buildPlan(t *testing.T, declare func(b *PlanBuilder), opts ...Option) *Plan {
	t.Helper()
	b := NewPlanBuilder(append([]Option{WithIdleWait(time.Millisecond)}, opts...)...)
	declare(b)
	p, err := b.Build()
	assert.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func mustStep(t *testing.T, p *Plan, name string) *Step {
	t.Helper()
	s, ok := p.FindStep(name)
	assert.True(t, ok, "step %s not found", name)
	return s
}

func receive[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for value")
	}
	var zero T
	return zero
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(time.Millisecond)
	}
}

// hasStatus reports whether the store row has the given status.
func hasStatus(store kstate.Store, scanner, id, dest string, status kdoc.Status) func() bool {
	return func() bool {
		r, ok, err := store.Get(context.Background(), scanner, id, dest)
		return err == nil && ok && r.Status == status
	}
}

func row(t *testing.T, store kstate.Store, scanner, id, dest string) kstate.Record {
	t.Helper()
	r, ok, err := store.Get(context.Background(), scanner, id, dest)
	assert.NoError(t, err)
	assert.True(t, ok, "no row for %s/%s/%s", scanner, id, dest)
	return r
}

func newDoc(id string, dests ...string) *kdoc.Document {
	doc := kdoc.New(id, kdoc.DefaultIDField, "S")
	doc.InitDestinations(dests...)
	return doc
}

var errBoom = errors.New("boom")
