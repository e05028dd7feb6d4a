// Package krouter selects the successor steps a document is sent to.
//
// A router only ever sees the eligible successors of a document: the
// successors that still lead to a destination the document has not
// completed. It must pick at least one of them and nothing else.
package krouter

import (
	"errors"
	"fmt"
	"slices"
	"sync/atomic"

	"github.com/birdayz/docflow/kdoc"
)

// ErrNoRoute is returned when a router cannot pick a destination.
var ErrNoRoute = errors.New("no route")

// DefaultRouteField is the field ByField reads when none is configured.
const DefaultRouteField = "_route"

// Router picks destinations among eligible successors.
type Router interface {
	Route(doc *kdoc.Document, eligible []string) ([]string, error)

	// Deterministic reports whether the same document content always maps
	// to the same destinations, independent of feed order.
	Deterministic() bool

	// ConstantOutputs reports whether every call yields the same number of
	// documents.
	ConstantOutputs() bool

	// OutputCopies is the number of documents produced for one input.
	OutputCopies(eligible []string) int
}

// ByField routes to the successor named by a field of the document.
type ByField struct {
	Field string
}

func (r ByField) field() string {
	if r.Field == "" {
		return DefaultRouteField
	}
	return r.Field
}

func (r ByField) Route(doc *kdoc.Document, eligible []string) ([]string, error) {
	name, ok := doc.First(r.field())
	if !ok {
		return nil, fmt.Errorf("%w: document %s has no %q field", ErrNoRoute, doc.ID(), r.field())
	}
	if !slices.Contains(eligible, name) {
		return nil, fmt.Errorf("%w: %q is not an eligible successor of document %s", ErrNoRoute, name, doc.ID())
	}
	exclude(doc, eligible, name)
	return []string{name}, nil
}

func (r ByField) Deterministic() bool { return true }
func (r ByField) ConstantOutputs() bool { return true }
func (r ByField) OutputCopies(eligible []string) int { return 1 }

// DuplicateToAll sends a copy to every eligible successor.
type DuplicateToAll struct{}

func (DuplicateToAll) Route(doc *kdoc.Document, eligible []string) ([]string, error) {
	if len(eligible) == 0 {
		return nil, fmt.Errorf("%w: no eligible successors for document %s", ErrNoRoute, doc.ID())
	}
	return slices.Clone(eligible), nil
}

func (DuplicateToAll) Deterministic() bool { return true }
func (DuplicateToAll) ConstantOutputs() bool { return true }
func (DuplicateToAll) OutputCopies(eligible []string) int { return len(eligible) }

// RoundRobin cycles through the eligible successors. The destination
// depends on arrival order, so it is not deterministic.
type RoundRobin struct {
	next atomic.Uint64
}

// NewRoundRobin creates a RoundRobin router.
func NewRoundRobin() *RoundRobin {
	return &RoundRobin{}
}

func (r *RoundRobin) Route(doc *kdoc.Document, eligible []string) ([]string, error) {
	if len(eligible) == 0 {
		return nil, fmt.Errorf("%w: no eligible successors for document %s", ErrNoRoute, doc.ID())
	}
	i := (r.next.Add(1) - 1) % uint64(len(eligible))
	selected := eligible[i]
	exclude(doc, eligible, selected)
	return []string{selected}, nil
}

func (r *RoundRobin) Deterministic() bool { return false }
func (r *RoundRobin) ConstantOutputs() bool { return true }
func (r *RoundRobin) OutputCopies(eligible []string) int { return 1 }

// exclude marks every non-selected successor on the document so that status
// bookkeeping does not wait on destinations it will never reach.
func exclude(doc *kdoc.Document, eligible []string, selected string) {
	for _, name := range eligible {
		if name != selected {
			doc.Exclude(name)
		}
	}
}
