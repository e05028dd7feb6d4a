package docflow

import (
	"fmt"
	"time"

	"github.com/birdayz/docflow/kdoc"
	"github.com/birdayz/docflow/kstate"
)

// verdict is what a scanner does with a discovered resource.
type verdict int

const (
	verdictSkip verdict = iota
	verdictEmit
	// emit only if the content hash differs from the stored one
	verdictCompareHash
	// the document was in flight when an earlier process stopped
	verdictInterrupted
)

func (v verdict) String() string {
	switch v {
	case verdictSkip:
		return "skip"
	case verdictEmit:
		return "emit"
	case verdictCompareHash:
		return "compare-hash"
	case verdictInterrupted:
		return "interrupted"
	}
	return "unknown"
}

// decide applies the fault tolerance rules to the scanner rows found for a
// resource:
//
//   - no row: the resource is new
//   - PROCESSING written before booted: interrupted by a restart
//   - DIRTY, FORCE or RESTART: reprocess unconditionally
//   - hashing enabled: emit if there is no stored hash or it differs
//   - otherwise the modification time heuristic decides, if the source
//     provides one: emit if the resource changed after the scan that last
//     emitted it
//   - without hash and heuristic the resource is treated as new
//
// More than one row is corruption and returns ErrDataIntegrity.
func decide(rows []kstate.Record, booted time.Time, hashing bool, modified time.Time, hasModified bool) (verdict, error) {
	switch len(rows) {
	case 0:
		return verdictEmit, nil
	case 1:
	default:
		return verdictSkip, fmt.Errorf("%w: %d status rows for %s in scanner %s", ErrDataIntegrity, len(rows), rows[0].ID, rows[0].Scanner)
	}

	rec := rows[0]
	switch {
	case rec.Status == kdoc.StatusProcessing && rec.Updated.Before(booted):
		return verdictInterrupted, nil
	case rec.Status.Replay():
		return verdictEmit, nil
	case hashing:
		if rec.Hash == "" {
			return verdictEmit, nil
		}
		return verdictCompareHash, nil
	case hasModified:
		if rec.Scanned.IsZero() || modified.After(rec.Scanned) {
			return verdictEmit, nil
		}
		return verdictSkip, nil
	default:
		return verdictEmit, nil
	}
}
