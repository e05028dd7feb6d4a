package docflow

import (
	"context"

	"github.com/birdayz/docflow/kdoc"
)

// Overflow takes documents that cannot be handed to a local step, either
// because its queue is full or because the sending step is a helper
// boundary. Implementations deliver them to Plan.Inject of a plan, usually
// in another process.
type Overflow interface {
	// Offer hands doc over for the named step. After a nil return the
	// caller no longer owns doc.
	Offer(ctx context.Context, step string, doc *kdoc.Document) error
}
