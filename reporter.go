package docflow

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/birdayz/docflow/kdoc"
	"github.com/birdayz/docflow/kstate"
	"go.uber.org/multierr"
)

// reporter writes status changes to the status store: one row per changed
// destination plus the scanner row, which holds the aggregate status.
//
// Clones of a document carry independent status maps, so the aggregate is
// computed from the stored rows of the destinations a document did not
// change itself. Writes are serialized to keep that read consistent.
type reporter struct {
	store kstate.Store
	now   func() time.Time

	mu sync.Mutex
}

func newReporter(store kstate.Store) *reporter {
	return &reporter{store: store, now: time.Now}
}

func (r *reporter) report(ctx context.Context, log *slog.Logger, doc *kdoc.Document) {
	changed := doc.TakeChanges()
	if len(changed) == 0 {
		return
	}
	if err := r.write(ctx, doc, changed); err != nil {
		log.Error("Failed to report status", "error", err)
	}
}

func (r *reporter) write(ctx context.Context, doc *kdoc.Document, changed []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	var errs error
	for _, dest := range changed {
		e, _ := doc.Status(dest)
		errs = multierr.Append(errs, r.store.Upsert(ctx, kstate.Record{
			ID:          doc.ID(),
			Scanner:     doc.Scanner(),
			Destination: dest,
			Status:      e.Status,
			Message:     e.Text(),
			Updated:     now,
		}))
	}

	agg, err := r.aggregate(ctx, doc, changed)
	if err != nil {
		return multierr.Append(errs, err)
	}
	agg.Updated = now
	return multierr.Append(errs, r.store.Upsert(ctx, agg))
}

// aggregate is PROCESSING while any destination is, else the status of the
// most recently changed destination.
func (r *reporter) aggregate(ctx context.Context, doc *kdoc.Document, changed []string) (kstate.Record, error) {
	last, _ := doc.Status(changed[len(changed)-1])
	rec := kstate.Record{
		ID:      doc.ID(),
		Scanner: doc.Scanner(),
		Status:  last.Status,
		Message: last.Text(),
	}

	for _, dest := range doc.Destinations() {
		e, _ := doc.Status(dest)
		status := e.Status
		if !slices.Contains(changed, dest) {
			row, ok, err := r.store.Get(ctx, doc.Scanner(), doc.ID(), dest)
			if err != nil {
				return rec, err
			}
			if ok {
				status = row.Status
			}
		}
		if status == kdoc.StatusProcessing {
			rec.Status = kdoc.StatusProcessing
			rec.Message = ""
			return rec, nil
		}
	}
	return rec, nil
}

// confirm records on the scanner row that the scan started at scanned
// handed the document over. A non-empty hash is remembered.
func (r *reporter) confirm(ctx context.Context, scanner, id string, scanned time.Time, hash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok, err := r.store.Get(ctx, scanner, id, "")
	if err != nil {
		return err
	}
	if !ok {
		rec = kstate.Record{ID: id, Scanner: scanner, Status: kdoc.StatusProcessing, Updated: r.now()}
	}
	rec.Scanned = scanned
	if hash != "" {
		rec.Hash = hash
	}
	return r.store.Upsert(ctx, rec)
}

// interrupted rewrites the rows a document left PROCESSING when an earlier
// process stopped: the destinations in dests and the scanner row.
func (r *reporter) interrupted(ctx context.Context, scanner, id string, dests []string, status kdoc.Status, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	var errs error
	for _, dest := range dests {
		row, ok, err := r.store.Get(ctx, scanner, id, dest)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		if !ok || row.Status != kdoc.StatusProcessing {
			continue
		}
		row.Status = status
		row.Message = message
		row.Updated = now
		errs = multierr.Append(errs, r.store.Upsert(ctx, row))
	}
	return multierr.Append(errs, r.store.Upsert(ctx, kstate.Record{
		ID:      id,
		Scanner: scanner,
		Status:  status,
		Message: message,
		Updated: now,
	}))
}
