package docflow

import (
	"context"
	"time"

	"github.com/birdayz/docflow/kdoc"
)

// Source discovers resources for a scanner.
type Source interface {
	// Scan calls visit for every resource found. An error returned by visit
	// stops the walk and is returned.
	Scan(ctx context.Context, visit func(Resource) error) error
}

// Resource is a discovered item that has not been loaded yet.
type Resource interface {
	// ID identifies the resource within its source.
	ID() string

	// Modified returns the last change time if the source knows it. It
	// serves as the change heuristic when hashing is disabled.
	Modified() (time.Time, bool)

	// Load reads the content into doc. Sources that may hold large
	// resources wait for heap headroom first.
	Load(ctx context.Context, doc *kdoc.Document) error
}

// Triggered is implemented by sources that can ask for an immediate scan.
type Triggered interface {
	Triggers() <-chan struct{}
}
