// Package sqldb is a database source: every row of a query becomes a
// document, with one field per non-null column.
package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/birdayz/docflow"
	"github.com/birdayz/docflow/kdoc"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// ErrMissingColumn is returned when the query does not select a configured
// column.
var ErrMissingColumn = errors.New("column not in result")

// Config describes the query to scan.
type Config struct {
	// Driver is "postgres" or "sqlite3".
	Driver string
	DSN    string

	Query string

	// IDColumn identifies rows. Defaults to "id".
	IDColumn string

	// ModifiedColumn, if set, holds the last change time used as change
	// heuristic.
	ModifiedColumn string
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// Option configures a Source.
type Option func(*Source)

var WithLog = func(log *slog.Logger) Option {
	return func(s *Source) {
		s.log = log
	}
}

// Source runs a query on every scan.
type Source struct {
	db     *sql.DB
	cfg    Config
	ownsDB bool
	log    *slog.Logger
}

// Open connects to the configured database. The Source owns the
// connection pool and closes it on Close.
func Open(ctx context.Context, cfg Config, opts ...Option) (*Source, error) {
	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Driver, err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", cfg.Driver, err)
	}
	s := New(db, cfg, opts...)
	s.ownsDB = true
	return s, nil
}

// New creates a Source on an existing pool.
func New(db *sql.DB, cfg Config, opts ...Option) *Source {
	if cfg.IDColumn == "" {
		cfg.IDColumn = "id"
	}
	s := &Source{
		db:  db,
		cfg: cfg,
		log: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Source) Scan(ctx context.Context, visit func(docflow.Resource) error) error {
	rows, err := s.db.QueryContext(ctx, s.cfg.Query)
	if err != nil {
		return fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return fmt.Errorf("columns: %w", err)
	}
	idIdx := slices.Index(cols, s.cfg.IDColumn)
	if idIdx < 0 {
		return fmt.Errorf("%w: %s", ErrMissingColumn, s.cfg.IDColumn)
	}
	modIdx := -1
	if s.cfg.ModifiedColumn != "" {
		if modIdx = slices.Index(cols, s.cfg.ModifiedColumn); modIdx < 0 {
			return fmt.Errorf("%w: %s", ErrMissingColumn, s.cfg.ModifiedColumn)
		}
	}

	for rows.Next() {
		values := make([]sql.NullString, len(cols))
		dest := make([]any, len(cols))
		for i := range values {
			dest[i] = &values[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return fmt.Errorf("scan row: %w", err)
		}
		if !values[idIdx].Valid {
			s.log.Warn("Skipping row without id", "column", s.cfg.IDColumn)
			continue
		}

		r := &row{cols: cols, values: values, id: values[idIdx].String}
		if modIdx >= 0 && values[modIdx].Valid {
			r.modified, r.hasModified = parseTime(values[modIdx].String)
		}
		if err := visit(r); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Close closes the pool if the Source opened it.
func (s *Source) Close() error {
	if !s.ownsDB {
		return nil
	}
	return s.db.Close()
}

func parseTime(v string) (time.Time, bool) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

type row struct {
	cols        []string
	values      []sql.NullString
	id          string
	modified    time.Time
	hasModified bool
}

func (r *row) ID() string { return r.id }

func (r *row) Modified() (time.Time, bool) { return r.modified, r.hasModified }

func (r *row) Load(_ context.Context, doc *kdoc.Document) error {
	for i, col := range r.cols {
		if r.values[i].Valid {
			doc.Set(col, r.values[i].String)
		}
	}
	return nil
}

var _ docflow.Source = (*Source)(nil)
