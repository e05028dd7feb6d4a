package kprocessor

import (
	"context"
	"log/slog"

	"github.com/birdayz/docflow/kdoc"
)

var safe = Properties{Safe: true, Idempotent: true}

// Identity passes documents through unchanged.
func Identity() Processor {
	return Func{
		Fn: func(_ context.Context, doc *kdoc.Document) ([]*kdoc.Document, error) {
			return []*kdoc.Document{doc}, nil
		},
		Props: safe,
	}
}

// Filter keeps documents matching the predicate. Rejected documents are
// marked DROPPED.
//
// Example:
//
//	docflow.StepConfig{
//	    Name:         "pdf_only",
//	    Predecessors: []string{"files"},
//	    Processor: kprocessor.Filter(func(d *kdoc.Document) bool {
//	        ext, _ := d.First("extension")
//	        return ext == "pdf"
//	    }),
//	}
func Filter(predicate func(doc *kdoc.Document) bool) Processor {
	return Func{
		Fn: func(_ context.Context, doc *kdoc.Document) ([]*kdoc.Document, error) {
			if !predicate(doc) {
				doc.SetStatus(kdoc.StatusDropped, "rejected by filter")
			}
			return []*kdoc.Document{doc}, nil
		},
		Props: safe,
	}
}

// Drop marks every document DROPPED.
func Drop(reason string) Processor {
	return Func{
		Fn: func(_ context.Context, doc *kdoc.Document) ([]*kdoc.Document, error) {
			doc.SetStatus(kdoc.StatusDropped, reason)
			return []*kdoc.Document{doc}, nil
		},
		Props: safe,
	}
}

// SetField replaces a field with constant values.
func SetField(field string, values ...string) Processor {
	return Func{
		Fn: func(_ context.Context, doc *kdoc.Document) ([]*kdoc.Document, error) {
			doc.Set(field, values...)
			return []*kdoc.Document{doc}, nil
		},
		Props: safe,
	}
}

// Log writes each document to the logger.
func Log(log *slog.Logger, level slog.Level) Processor {
	return Func{
		Fn: func(ctx context.Context, doc *kdoc.Document) ([]*kdoc.Document, error) {
			log.Log(ctx, level, "document",
				"id", doc.ID(),
				"scanner", doc.Scanner(),
				"operation", doc.Operation(),
				"fields", doc.FieldNames(),
				"bytes", len(doc.Raw()))
			return []*kdoc.Document{doc}, nil
		},
		Props: safe,
	}
}
