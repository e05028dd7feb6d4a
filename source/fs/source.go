// Package fs is a filesystem source. It emits either one document per file
// or one document per line, and can watch the tree to trigger scans.
package fs

import (
	"bufio"
	"context"
	"fmt"
	iofs "io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/birdayz/docflow"
	"github.com/birdayz/docflow/internal/memthrottle"
	"github.com/birdayz/docflow/kdoc"
	"github.com/fsnotify/fsnotify"
)

// Mode selects how files become documents.
type Mode int

const (
	ModeFile Mode = iota
	ModeLines
)

const (
	FieldPath     = "path"
	FieldName     = "name"
	FieldSize     = "size"
	FieldModified = "modified"
	FieldLine     = "line"
	FieldContent  = "content"
)

// Option configures a Source.
type Option func(*Source)

var WithLog = func(log *slog.Logger) Option {
	return func(s *Source) {
		s.log = log
	}
}

var WithMode = func(m Mode) Option {
	return func(s *Source) {
		s.mode = m
	}
}

// WithPattern only emits files whose base name matches a filepath.Match
// pattern.
var WithPattern = func(pattern string) Option {
	return func(s *Source) {
		s.pattern = pattern
	}
}

// WithThrottle sets the memory throttle applied before reading content.
var WithThrottle = func(t *memthrottle.Throttle) Option {
	return func(s *Source) {
		s.throttle = t
	}
}

// WithWatch watches the tree and triggers a scan on every change.
var WithWatch = func(watch bool) Option {
	return func(s *Source) {
		s.watch = watch
	}
}

// WithMaxLine sets the longest line accepted in lines mode.
var WithMaxLine = func(n int) Option {
	return func(s *Source) {
		s.maxLine = n
	}
}

// Source walks a directory tree.
type Source struct {
	root     string
	mode     Mode
	pattern  string
	maxLine  int
	watch    bool
	throttle *memthrottle.Throttle
	lines    *memthrottle.LineThrottle
	log      *slog.Logger

	watcher  *fsnotify.Watcher
	triggers chan struct{}
	wg       sync.WaitGroup
}

// New creates a Source for root.
func New(root string, opts ...Option) (*Source, error) {
	s := &Source{
		root:     filepath.Clean(root),
		maxLine:  1 << 20,
		log:      slog.New(slog.DiscardHandler),
		triggers: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.throttle == nil {
		s.throttle = memthrottle.New(memthrottle.WithLog(s.log))
	}
	s.lines = memthrottle.NewLineThrottle(s.throttle, 256)

	if _, err := os.Stat(s.root); err != nil {
		return nil, fmt.Errorf("source root: %w", err)
	}
	if s.pattern != "" {
		if _, err := filepath.Match(s.pattern, ""); err != nil {
			return nil, fmt.Errorf("source pattern %q: %w", s.pattern, err)
		}
	}

	if s.watch {
		if err := s.startWatch(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Triggers fires after changes below root when watching.
func (s *Source) Triggers() <-chan struct{} {
	return s.triggers
}

func (s *Source) startWatch() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	s.watcher = w

	err = filepath.WalkDir(s.root, func(path string, d iofs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.Add(path)
		}
		return nil
	})
	if err != nil {
		_ = w.Close()
		return fmt.Errorf("watch %s: %w", s.root, err)
	}

	s.wg.Add(1)
	go s.watchLoop()
	return nil
}

func (s *Source) watchLoop() {
	defer s.wg.Done()
	for {
		select {
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			// fsnotify does not recurse
			if ev.Has(fsnotify.Create) {
				if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
					if err := s.watcher.Add(ev.Name); err != nil {
						s.log.Warn("Failed to watch directory", "dir", ev.Name, "error", err)
					}
				}
			}
			s.log.Debug("Change detected", "path", ev.Name, "op", ev.Op.String())
			select {
			case s.triggers <- struct{}{}:
			default:
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.log.Warn("Watch error", "error", err)
		}
	}
}

// Close stops watching.
func (s *Source) Close() error {
	if s.watcher == nil {
		return nil
	}
	err := s.watcher.Close()
	s.wg.Wait()
	return err
}

func (s *Source) Scan(ctx context.Context, visit func(docflow.Resource) error) error {
	return filepath.WalkDir(s.root, func(path string, d iofs.DirEntry, err error) error {
		if err != nil {
			if path == s.root {
				return err
			}
			s.log.Warn("Skipping unreadable path", "path", path, "error", err)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if s.pattern != "" {
			if ok, _ := filepath.Match(s.pattern, d.Name()); !ok {
				return nil
			}
		}
		info, err := d.Info()
		if err != nil {
			s.log.Warn("Skipping file", "path", path, "error", err)
			return nil
		}

		if s.mode == ModeLines {
			return s.scanLines(ctx, path, info, visit)
		}
		return visit(&file{throttle: s.throttle, path: path, info: info})
	})
}

func (s *Source) scanLines(ctx context.Context, path string, info iofs.FileInfo, visit func(docflow.Resource) error) error {
	f, err := os.Open(path)
	if err != nil {
		s.log.Warn("Skipping file", "path", path, "error", err)
		return nil
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), s.maxLine)
	for n := 1; ; n++ {
		if err := s.lines.Await(ctx); err != nil {
			return fmt.Errorf("%s line %d: %w", path, n, err)
		}
		if !sc.Scan() {
			break
		}
		text := sc.Text()
		s.lines.Observe(len(text))
		err := visit(&line{path: path, n: n, text: text, modified: info.ModTime()})
		if err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil {
		s.log.Warn("Stopped reading file", "path", path, "error", err)
	}
	return nil
}

type file struct {
	throttle *memthrottle.Throttle
	path     string
	info     iofs.FileInfo
}

func (f *file) ID() string { return f.path }

func (f *file) Modified() (time.Time, bool) { return f.info.ModTime(), true }

func (f *file) Load(ctx context.Context, doc *kdoc.Document) error {
	if err := f.throttle.Await(ctx, f.info.Size()); err != nil {
		return fmt.Errorf("%s: %w", f.path, err)
	}
	data, err := os.ReadFile(f.path)
	if err != nil {
		return err
	}
	doc.Set(FieldPath, f.path)
	doc.Set(FieldName, filepath.Base(f.path))
	doc.Set(FieldSize, strconv.FormatInt(f.info.Size(), 10))
	doc.SetVolatile(FieldModified, f.info.ModTime().UTC().Format(time.RFC3339Nano))
	doc.SetRaw(data)
	return nil
}

type line struct {
	path     string
	n        int
	text     string
	modified time.Time
}

func (l *line) ID() string { return fmt.Sprintf("%s#%d", l.path, l.n) }

func (l *line) Modified() (time.Time, bool) { return l.modified, true }

func (l *line) Load(_ context.Context, doc *kdoc.Document) error {
	doc.Set(FieldPath, l.path)
	doc.Set(FieldLine, strconv.Itoa(l.n))
	doc.Set(FieldContent, l.text)
	return nil
}

var (
	_ docflow.Source    = (*Source)(nil)
	_ docflow.Triggered = (*Source)(nil)
)
