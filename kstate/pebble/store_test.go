package pebble

import (
	"context"
	"testing"
	"time"

	"github.com/alecthomas/assert/v2"
	"github.com/birdayz/docflow/kdoc"
	"github.com/birdayz/docflow/kstate"
	"github.com/cockroachdb/pebble/vfs"
)

func openMem(t *testing.T) *Store {
	t.Helper()
	s, err := Open("", WithFS(vfs.NewMem()), WithSync(false))
	assert.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	t.Run("missing rows", func(t *testing.T) {
		s := openMem(t)
		rows, err := s.Lookup(ctx, "files", "doc1")
		assert.NoError(t, err)
		assert.Equal(t, 0, len(rows))

		_, ok, err := s.Get(ctx, "files", "doc1", "solr")
		assert.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("scanner and destination rows are separate", func(t *testing.T) {
		s := openMem(t)
		assert.NoError(t, s.Upsert(ctx, kstate.Record{ID: "doc1", Scanner: "files", Status: kdoc.StatusProcessing, Hash: "abc", Updated: now}))
		assert.NoError(t, s.Upsert(ctx, kstate.Record{ID: "doc1", Scanner: "files", Destination: "solr", Status: kdoc.StatusIndexed, Message: "ok", Updated: now}))

		rows, err := s.Lookup(ctx, "files", "doc1")
		assert.NoError(t, err)
		assert.Equal(t, 1, len(rows))
		assert.Equal(t, kdoc.StatusProcessing, rows[0].Status)
		assert.Equal(t, "abc", rows[0].Hash)
		assert.True(t, rows[0].Updated.Equal(now))

		r, ok, err := s.Get(ctx, "files", "doc1", "solr")
		assert.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, kdoc.StatusIndexed, r.Status)
		assert.Equal(t, "ok", r.Message)
	})

	t.Run("ids sharing a prefix do not collide", func(t *testing.T) {
		s := openMem(t)
		assert.NoError(t, s.Upsert(ctx, kstate.Record{ID: "doc1", Scanner: "files", Status: kdoc.StatusIndexed}))
		assert.NoError(t, s.Upsert(ctx, kstate.Record{ID: "doc10", Scanner: "files", Status: kdoc.StatusError}))

		rows, err := s.Lookup(ctx, "files", "doc1")
		assert.NoError(t, err)
		assert.Equal(t, 1, len(rows))
		assert.Equal(t, kdoc.StatusIndexed, rows[0].Status)
	})

	t.Run("empty hash keeps stored hash", func(t *testing.T) {
		s := openMem(t)
		assert.NoError(t, s.Upsert(ctx, kstate.Record{ID: "doc1", Scanner: "files", Status: kdoc.StatusProcessing, Hash: "h1"}))
		assert.NoError(t, s.Upsert(ctx, kstate.Record{ID: "doc1", Scanner: "files", Status: kdoc.StatusIndexed}))
		rows, err := s.Lookup(ctx, "files", "doc1")
		assert.NoError(t, err)
		assert.Equal(t, "h1", rows[0].Hash)
		assert.Equal(t, kdoc.StatusIndexed, rows[0].Status)
	})

	t.Run("zero scan time keeps stored scan time", func(t *testing.T) {
		s := openMem(t)
		assert.NoError(t, s.Upsert(ctx, kstate.Record{ID: "doc1", Scanner: "files", Status: kdoc.StatusProcessing, Hash: "h1", Scanned: now}))
		assert.NoError(t, s.Upsert(ctx, kstate.Record{ID: "doc1", Scanner: "files", Status: kdoc.StatusIndexed, Updated: now.Add(time.Minute)}))
		rows, err := s.Lookup(ctx, "files", "doc1")
		assert.NoError(t, err)
		assert.True(t, rows[0].Scanned.Equal(now))
		assert.Equal(t, "h1", rows[0].Hash)
	})

	t.Run("stray rows under the same id are reported", func(t *testing.T) {
		s := openMem(t)
		assert.NoError(t, s.Upsert(ctx, kstate.Record{ID: "doc1", Scanner: "files", Status: kdoc.StatusIndexed}))
		stray := append(key(scannerRowPrefix, "files", "doc1", ""), "legacy"...)
		assert.NoError(t, s.db.Set(stray, []byte(`{"id":"doc1","scanner":"files","status":"PROCESSING"}`), nil))

		rows, err := s.Lookup(ctx, "files", "doc1")
		assert.NoError(t, err)
		assert.Equal(t, 2, len(rows))
	})
}

func TestPrefixEnd(t *testing.T) {
	assert.Equal(t, []byte("ab\x01"), prefixEnd([]byte("ab\x00")))
	assert.Equal(t, []byte("b"), prefixEnd([]byte("a\xff")))
}
