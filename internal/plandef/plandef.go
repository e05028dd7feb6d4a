// Package plandef declares plans in YAML.
//
//	scanners:
//	  - name: files
//	    interval: 1m
//	    hashing: true
//	    remember: true
//	    fs: {root: ./docs, pattern: "*.md", watch: true}
//	steps:
//	  - name: index
//	    predecessors: [files]
//	    processor: {type: set_field, field: source, values: [docs]}
package plandef

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"

	"github.com/birdayz/docflow"
	"github.com/birdayz/docflow/kdag"
	"github.com/birdayz/docflow/kdoc"
	"github.com/birdayz/docflow/kprocessor"
	"github.com/birdayz/docflow/krouter"
	"github.com/birdayz/docflow/source/fs"
	"github.com/birdayz/docflow/source/s3"
	"github.com/birdayz/docflow/source/sqldb"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

type Definition struct {
	Scanners []Scanner `yaml:"scanners"`
	Steps    []Step    `yaml:"steps"`

	base string
}

type Scanner struct {
	Name     string    `yaml:"name"`
	Interval Duration  `yaml:"interval,omitempty"`
	Pause    Duration  `yaml:"pause,omitempty"`
	Hashing  bool      `yaml:"hashing,omitempty"`
	Remember bool      `yaml:"remember,omitempty"`
	Router   *Router   `yaml:"router,omitempty"`
	FS       *FSSource `yaml:"fs,omitempty"`
	SQL      *SQL      `yaml:"sql,omitempty"`
	S3       *S3       `yaml:"s3,omitempty"`
}

type FSSource struct {
	Root    string `yaml:"root"`
	Pattern string `yaml:"pattern,omitempty"`
	Lines   bool   `yaml:"lines,omitempty"`
	Watch   bool   `yaml:"watch,omitempty"`
	MaxLine int    `yaml:"max_line,omitempty"`
}

type SQL struct {
	Driver         string `yaml:"driver"`
	DSN            string `yaml:"dsn"`
	Query          string `yaml:"query"`
	IDColumn       string `yaml:"id_column,omitempty"`
	ModifiedColumn string `yaml:"modified_column,omitempty"`
}

type S3 struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl,omitempty"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix,omitempty"`
}

type Step struct {
	Name           string     `yaml:"name"`
	Predecessors   []string   `yaml:"predecessors"`
	Processor      *Processor `yaml:"processor,omitempty"`
	Router         *Router    `yaml:"router,omitempty"`
	BatchSize      int        `yaml:"batch_size,omitempty"`
	AlwaysOverflow bool       `yaml:"always_overflow,omitempty"`
}

// Processor selects one of the kprocessor reference processors.
type Processor struct {
	// Type is identity, drop, set_field, filter or log.
	Type   string   `yaml:"type"`
	Field  string   `yaml:"field,omitempty"`
	Values []string `yaml:"values,omitempty"`
	Reason string   `yaml:"reason,omitempty"`
	Level  string   `yaml:"level,omitempty"`
}

type Router struct {
	// Type is field, duplicate or round_robin.
	Type  string `yaml:"type"`
	Field string `yaml:"field,omitempty"`
}

// Load reads a definition file. Relative filesystem roots are resolved
// against the directory of the file.
func Load(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan: %w", err)
	}
	def, err := Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	def.base = filepath.Dir(path)
	return def, nil
}

// Parse decodes a definition. Unknown keys are rejected.
func Parse(r io.Reader) (*Definition, error) {
	var def Definition
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil {
		return nil, fmt.Errorf("%w: parse plan: %w", kdag.ErrConfiguration, err)
	}
	if len(def.Scanners) == 0 {
		return nil, fmt.Errorf("%w: plan has no scanners", kdag.ErrConfiguration)
	}
	return &def, nil
}

// Apply opens the sources of every scanner and adds scanners and steps to b.
// On error the sources opened so far are closed.
func (d *Definition) Apply(ctx context.Context, b *docflow.PlanBuilder, log *slog.Logger) (err error) {
	var opened []docflow.Source
	defer func() {
		if err == nil {
			return
		}
		for _, src := range opened {
			if c, ok := src.(io.Closer); ok {
				err = multierr.Append(err, c.Close())
			}
		}
	}()

	for _, sc := range d.Scanners {
		src, err := d.source(ctx, sc, log.With("scanner", sc.Name))
		if err != nil {
			return fmt.Errorf("scanner %s: %w", sc.Name, err)
		}
		opened = append(opened, src)

		router, err := sc.Router.build()
		if err != nil {
			return fmt.Errorf("scanner %s: %w", sc.Name, err)
		}
		if err := b.AddScanner(docflow.ScannerConfig{
			Name:     sc.Name,
			Source:   src,
			Interval: sc.Interval.Duration(),
			Pause:    sc.Pause.Duration(),
			Hashing:  sc.Hashing,
			Remember: sc.Remember,
			Router:   router,
		}); err != nil {
			return err
		}
	}

	for _, st := range d.Steps {
		proc, err := st.Processor.build(log.With("step", st.Name))
		if err != nil {
			return fmt.Errorf("step %s: %w", st.Name, err)
		}
		router, err := st.Router.build()
		if err != nil {
			return fmt.Errorf("step %s: %w", st.Name, err)
		}
		if err := b.AddStep(docflow.StepConfig{
			Name:           st.Name,
			Predecessors:   st.Predecessors,
			Processor:      proc,
			Router:         router,
			BatchSize:      st.BatchSize,
			AlwaysOverflow: st.AlwaysOverflow,
		}); err != nil {
			return err
		}
	}
	return nil
}

func (d *Definition) source(ctx context.Context, sc Scanner, log *slog.Logger) (docflow.Source, error) {
	n := 0
	for _, set := range []bool{sc.FS != nil, sc.SQL != nil, sc.S3 != nil} {
		if set {
			n++
		}
	}
	if n != 1 {
		return nil, fmt.Errorf("%w: exactly one of fs, sql or s3 is required", kdag.ErrConfiguration)
	}

	switch {
	case sc.FS != nil:
		root := sc.FS.Root
		if !filepath.IsAbs(root) && d.base != "" {
			root = filepath.Join(d.base, root)
		}
		opts := []fs.Option{
			fs.WithLog(log),
			fs.WithPattern(sc.FS.Pattern),
			fs.WithWatch(sc.FS.Watch),
		}
		if sc.FS.Lines {
			opts = append(opts, fs.WithMode(fs.ModeLines))
		}
		if sc.FS.MaxLine > 0 {
			opts = append(opts, fs.WithMaxLine(sc.FS.MaxLine))
		}
		src, err := fs.New(root, opts...)
		if err != nil {
			return nil, err
		}
		return src, nil
	case sc.SQL != nil:
		src, err := sqldb.Open(ctx, sqldb.Config{
			Driver:         sc.SQL.Driver,
			DSN:            sc.SQL.DSN,
			Query:          sc.SQL.Query,
			IDColumn:       sc.SQL.IDColumn,
			ModifiedColumn: sc.SQL.ModifiedColumn,
		}, sqldb.WithLog(log))
		if err != nil {
			return nil, err
		}
		return src, nil
	default:
		bucket, err := s3.Connect(s3.Config{
			Endpoint:  sc.S3.Endpoint,
			AccessKey: sc.S3.AccessKey,
			SecretKey: sc.S3.SecretKey,
			UseSSL:    sc.S3.UseSSL,
			Bucket:    sc.S3.Bucket,
		})
		if err != nil {
			return nil, err
		}
		return s3.New(bucket, s3.WithLog(log), s3.WithPrefix(sc.S3.Prefix)), nil
	}
}

func (p *Processor) build(log *slog.Logger) (kprocessor.Processor, error) {
	if p == nil {
		return nil, nil
	}
	switch p.Type {
	case "", "identity":
		return kprocessor.Identity(), nil
	case "drop":
		return kprocessor.Drop(p.Reason), nil
	case "set_field":
		if p.Field == "" {
			return nil, fmt.Errorf("%w: set_field needs a field", kdag.ErrConfiguration)
		}
		return kprocessor.SetField(p.Field, p.Values...), nil
	case "filter":
		if p.Field == "" {
			return nil, fmt.Errorf("%w: filter needs a field", kdag.ErrConfiguration)
		}
		field, values := p.Field, p.Values
		return kprocessor.Filter(func(doc *kdoc.Document) bool {
			if len(values) == 0 {
				return doc.Has(field)
			}
			return slices.ContainsFunc(doc.Get(field), func(v string) bool {
				return slices.Contains(values, v)
			})
		}), nil
	case "log":
		var level slog.Level
		if p.Level != "" {
			if err := level.UnmarshalText([]byte(p.Level)); err != nil {
				return nil, fmt.Errorf("%w: %w", kdag.ErrConfiguration, err)
			}
		}
		return kprocessor.Log(log, level), nil
	default:
		return nil, fmt.Errorf("%w: unknown processor %q", kdag.ErrConfiguration, p.Type)
	}
}

func (r *Router) build() (krouter.Router, error) {
	if r == nil {
		return nil, nil
	}
	switch r.Type {
	case "", "field":
		return krouter.ByField{Field: r.Field}, nil
	case "duplicate":
		return krouter.DuplicateToAll{}, nil
	case "round_robin":
		return krouter.NewRoundRobin(), nil
	default:
		return nil, fmt.Errorf("%w: unknown router %q", kdag.ErrConfiguration, r.Type)
	}
}
