// Package pebble is a persistent kstate.Store on an embedded Pebble database.
package pebble

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/birdayz/docflow/kstate"
	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
)

const (
	scannerRowPrefix     = "fti"
	destinationRowPrefix = "dst"
	sep                  = byte(0)
)

// Option configures the store.
type Option func(*options)

type options struct {
	fs   vfs.FS
	sync bool
}

// WithFS sets the filesystem, e.g. vfs.NewMem() in tests.
var WithFS = func(fs vfs.FS) Option {
	return func(o *options) {
		o.fs = fs
	}
}

// WithSync controls whether every write is synced to disk. Default true.
var WithSync = func(sync bool) Option {
	return func(o *options) {
		o.sync = sync
	}
}

// Store is a Pebble backed status store.
type Store struct {
	db        *pebble.DB
	writeOpts *pebble.WriteOptions

	// serializes read-modify-write in Upsert
	mu sync.Mutex
}

// Open opens or creates the database in dir/status.
func Open(dir string, opts ...Option) (*Store, error) {
	o := options{sync: true}
	for _, opt := range opts {
		opt(&o)
	}

	pebbleOpts := &pebble.Options{}
	if o.fs != nil {
		pebbleOpts.FS = o.fs
	}

	db, err := pebble.Open(filepath.Join(dir, "status"), pebbleOpts)
	if err != nil {
		return nil, fmt.Errorf("%w: open pebble in %s: %w", kstate.ErrPersistence, dir, err)
	}

	writeOpts := pebble.NoSync
	if o.sync {
		writeOpts = pebble.Sync
	}
	return &Store{db: db, writeOpts: writeOpts}, nil
}

func key(prefix, scanner, id, destination string) []byte {
	var b bytes.Buffer
	b.WriteString(prefix)
	b.WriteByte(sep)
	b.WriteString(scanner)
	b.WriteByte(sep)
	b.WriteString(id)
	b.WriteByte(sep)
	b.WriteString(destination)
	return b.Bytes()
}

func rowKey(r kstate.Record) []byte {
	if r.Destination == "" {
		return key(scannerRowPrefix, r.Scanner, r.ID, "")
	}
	return key(destinationRowPrefix, r.Scanner, r.ID, r.Destination)
}

// prefixEnd returns the smallest key greater than every key with prefix.
func prefixEnd(prefix []byte) []byte {
	end := bytes.Clone(prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

// Lookup scans every scanner row under (scanner, id). Pebble keys are unique,
// so more than one row means keys were written outside this store.
func (s *Store) Lookup(_ context.Context, scanner, id string) ([]kstate.Record, error) {
	prefix := key(scannerRowPrefix, scanner, id, "")
	it := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixEnd(prefix),
	})
	defer it.Close()

	var out []kstate.Record
	for it.First(); it.Valid(); it.Next() {
		var r kstate.Record
		if err := json.Unmarshal(it.Value(), &r); err != nil {
			return nil, fmt.Errorf("decode status row %q: %w", it.Key(), err)
		}
		out = append(out, r)
	}
	if err := it.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", kstate.ErrPersistence, err)
	}
	return out, nil
}

func (s *Store) Get(_ context.Context, scanner, id, destination string) (kstate.Record, bool, error) {
	return s.get(rowKey(kstate.Record{Scanner: scanner, ID: id, Destination: destination}))
}

func (s *Store) get(k []byte) (kstate.Record, bool, error) {
	value, closer, err := s.db.Get(k)
	if errors.Is(err, pebble.ErrNotFound) {
		return kstate.Record{}, false, nil
	}
	if err != nil {
		return kstate.Record{}, false, fmt.Errorf("%w: pebble get: %w", kstate.ErrPersistence, err)
	}
	defer closer.Close()

	var r kstate.Record
	if err := json.Unmarshal(value, &r); err != nil {
		return kstate.Record{}, false, fmt.Errorf("decode status row %q: %w", k, err)
	}
	return r, true, nil
}

func (s *Store) Upsert(_ context.Context, r kstate.Record) error {
	k := rowKey(r)

	s.mu.Lock()
	defer s.mu.Unlock()

	if r.Hash == "" || r.Scanned.IsZero() {
		existing, ok, err := s.get(k)
		if err != nil {
			return err
		}
		if ok {
			r = r.Merge(existing)
		}
	}

	value, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode status row: %w", err)
	}
	if err := s.db.Set(k, value, s.writeOpts); err != nil {
		return fmt.Errorf("%w: pebble set: %w", kstate.ErrPersistence, err)
	}
	return nil
}

func (s *Store) Close() error {
	if err := s.db.Flush(); err != nil {
		return err
	}
	return s.db.Close()
}

var _ kstate.Store = (*Store)(nil)
