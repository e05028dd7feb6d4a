// Package kstate records the per-document, per-destination processing status
// that scanners consult to decide whether a resource must be re-emitted.
//
// Two kinds of rows are kept, both keyed by scanner and document id:
//
//   - the scanner row (empty Destination): aggregate status and content hash,
//     one live row per (id, scanner)
//   - destination rows: the status of the document for one destination
//
// Writes are last-write-wins.
package kstate

import (
	"context"
	"errors"
	"time"

	"github.com/birdayz/docflow/kdoc"
)

var (
	// ErrPersistence means the store could not be reached.
	ErrPersistence = errors.New("status store unavailable")
	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("status store closed")
)

// Record is one status row.
type Record struct {
	ID          string      `json:"id"`
	Scanner     string      `json:"scanner"`
	Destination string      `json:"destination,omitempty"`
	Status      kdoc.Status `json:"status"`
	Message     string      `json:"message,omitempty"`
	Hash        string      `json:"hash,omitempty"`
	Updated     time.Time   `json:"updated"`
	// Scanned is the start of the scan that last emitted the document.
	// Only scanner rows carry it.
	Scanned time.Time `json:"scanned"`
}

// Merge returns r with an empty Hash and a zero Scanned taken from stored,
// the way Upsert applies it.
func (r Record) Merge(stored Record) Record {
	if r.Hash == "" {
		r.Hash = stored.Hash
	}
	if r.Scanned.IsZero() {
		r.Scanned = stored.Scanned
	}
	return r
}

// Store is the status store contract.
type Store interface {
	// Lookup returns the scanner rows for (scanner, id). A healthy store
	// returns at most one.
	Lookup(ctx context.Context, scanner, id string) ([]Record, error)

	// Get returns the row for (scanner, id, destination).
	Get(ctx context.Context, scanner, id, destination string) (Record, bool, error)

	// Upsert writes a row. An empty Hash or a zero Scanned keeps the stored
	// value.
	Upsert(ctx context.Context, r Record) error

	Close() error
}
