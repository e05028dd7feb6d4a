package kprocessor

import (
	"context"

	"github.com/birdayz/docflow/kdoc"
)

// Processor transforms a document. It returns the documents to continue with,
// usually the input itself; returning none ends the path for this document.
//
// A returned error is a per-document failure: the document is marked ERROR and
// the worker continues. Processors must not panic except for unrecoverable
// faults.
type Processor interface {
	Process(ctx context.Context, doc *kdoc.Document) ([]*kdoc.Document, error)
	Properties() Properties
}

// Properties describe the side effects of a processor. They decide how
// step specific statuses propagate and which processors may be retried after
// a crash.
type Properties struct {
	// Safe processors have no external side effects.
	Safe bool
	// Idempotent processors may run any number of times with the same result.
	Idempotent bool
	// Potent processors have cumulative external side effects.
	Potent bool
}

// Func adapts a function to a Processor.
type Func struct {
	Fn    func(ctx context.Context, doc *kdoc.Document) ([]*kdoc.Document, error)
	Props Properties
}

func (f Func) Process(ctx context.Context, doc *kdoc.Document) ([]*kdoc.Document, error) {
	return f.Fn(ctx, doc)
}

func (f Func) Properties() Properties {
	return f.Props
}

var _ Processor = Func{}
