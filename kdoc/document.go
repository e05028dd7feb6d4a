package kdoc

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"slices"
)

// DefaultIDField is the field that mirrors the document id when a plan does
// not configure another name.
const DefaultIDField = "id"

// Named is implemented by anything that must be referred to by name inside a
// status message instead of by reference.
type Named interface {
	Name() string
}

// StatusEntry is the status of a document for one destination.
type StatusEntry struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
	Args    []any  `json:"args,omitempty"`
}

// Text renders the message with its arguments.
func (e StatusEntry) Text() string {
	if len(e.Args) == 0 {
		return e.Message
	}
	return fmt.Sprintf(e.Message, e.Args...)
}

// Document is the unit of work moving through a plan.
//
// A document is owned by one step at a time and is not safe for concurrent
// use. Fan-out hands each extra destination its own clone.
type Document struct {
	id       string
	idField  string
	fields   *Fields
	raw      []byte
	op       Operation
	scanner  string
	force    bool
	statuses map[string]StatusEntry
	dests    []string
	volatile []string

	// per-step processing scope, never serialized
	scope    []string
	safe     bool
	excluded []string
	changed  []string
}

// New creates a document. The id is mirrored into the field map under idField.
func New(id, idField, scanner string) *Document {
	if idField == "" {
		idField = DefaultIDField
	}
	d := &Document{
		idField:  idField,
		fields:   NewFields(),
		scanner:  scanner,
		statuses: make(map[string]StatusEntry),
	}
	d.SetID(id)
	return d
}

func (d *Document) ID() string { return d.id }
func (d *Document) IDField() string { return d.idField }
func (d *Document) Scanner() string { return d.scanner }

// SetID changes the identity of the document and its mirrored field.
func (d *Document) SetID(id string) {
	d.id = id
	d.fields.Set(d.idField, id)
}

// Add appends a value to a field. Writes to the id field update the identity.
func (d *Document) Add(field, value string) {
	if field == d.idField {
		d.SetID(value)
		return
	}
	d.fields.Add(field, value)
}

// Set replaces the values of a field. Writes to the id field update the
// identity using the first value.
func (d *Document) Set(field string, values ...string) {
	if field == d.idField {
		if len(values) > 0 {
			d.SetID(values[0])
		}
		return
	}
	d.fields.Set(field, values...)
}

// Remove deletes a field. The id field cannot be removed.
func (d *Document) Remove(field string) {
	if field == d.idField {
		return
	}
	d.fields.Remove(field)
}

func (d *Document) Get(field string) []string { return d.fields.Get(field) }
func (d *Document) First(field string) (string, bool) { return d.fields.First(field) }
func (d *Document) Has(field string) bool { return d.fields.Has(field) }
func (d *Document) FieldNames() []string { return d.fields.Keys() }
func (d *Document) Raw() []byte { return d.raw }
func (d *Document) SetRaw(raw []byte) { d.raw = raw }
func (d *Document) Operation() Operation { return d.op }
func (d *Document) SetOperation(op Operation) { d.op = op }
func (d *Document) Force() bool { return d.force }
func (d *Document) SetForce(force bool) { d.force = force }

// SetVolatile sets a field that describes the resource rather than its
// content, such as a modification time. Volatile fields are left out of Hash.
func (d *Document) SetVolatile(field string, values ...string) {
	d.Set(field, values...)
	if field != d.idField && !slices.Contains(d.volatile, field) {
		d.volatile = append(d.volatile, field)
	}
}

// Hash is the hex sha256 of the non-volatile fields and the raw payload.
func (d *Document) Hash() string {
	h := sha256.New()
	for _, k := range d.fields.keys {
		if slices.Contains(d.volatile, k) {
			continue
		}
		h.Write([]byte(k))
		h.Write([]byte{0})
		for _, v := range d.fields.values[k] {
			h.Write([]byte(v))
			h.Write([]byte{0})
		}
		h.Write([]byte{1})
	}
	h.Write(d.raw)
	return hex.EncodeToString(h.Sum(nil))
}

// InitDestinations sets every destination to PROCESSING.
func (d *Document) InitDestinations(dests ...string) {
	for _, dest := range dests {
		d.mark(dest, StatusEntry{Status: StatusProcessing})
	}
}

// Destinations returns the destination names in the order they were added.
func (d *Document) Destinations() []string {
	return slices.Clone(d.dests)
}

// Status returns the status for a destination.
func (d *Document) Status(dest string) (StatusEntry, bool) {
	e, ok := d.statuses[dest]
	return e, ok
}

// Incomplete returns the destinations still PROCESSING.
func (d *Document) Incomplete() []string {
	var out []string
	for _, dest := range d.dests {
		if d.statuses[dest].Status == StatusProcessing {
			out = append(out, dest)
		}
	}
	return out
}

// ProcessingFor reports whether any of dests is still PROCESSING.
func (d *Document) ProcessingFor(dests []string) bool {
	for _, dest := range dests {
		if e, ok := d.statuses[dest]; ok && e.Status == StatusProcessing {
			return true
		}
	}
	return false
}

// SetStatus records a status set by a processor.
//
// Step specific statuses (BATCHED, INDEXED) apply to the destinations of the
// current step, unless the current processor is safe, in which case they
// apply to every incomplete destination like all other statuses do.
func (d *Document) SetStatus(status Status, message string, args ...any) {
	entry := StatusEntry{Status: status, Message: message, Args: sanitize(args)}

	targets := d.Incomplete()
	if status.StepSpecific() && !d.safe && d.scope != nil {
		targets = slices.DeleteFunc(targets, func(dest string) bool {
			return !slices.Contains(d.scope, dest)
		})
	}
	for _, dest := range targets {
		d.mark(dest, entry)
	}
}

// MarkDestination sets the status of one destination directly.
func (d *Document) MarkDestination(dest string, status Status, message string, args ...any) {
	d.mark(dest, StatusEntry{Status: status, Message: message, Args: sanitize(args)})
}

func (d *Document) mark(dest string, e StatusEntry) {
	if _, ok := d.statuses[dest]; !ok {
		d.dests = append(d.dests, dest)
	}
	d.statuses[dest] = e
	if !slices.Contains(d.changed, dest) {
		d.changed = append(d.changed, dest)
	}
}

// TakeChanges returns the destinations whose status changed since the last
// call and resets the change set.
func (d *Document) TakeChanges() []string {
	out := d.changed
	d.changed = nil
	return out
}

// EnterStep sets the processing scope: the destinations reachable from the
// step about to process the document and whether its processor is safe.
func (d *Document) EnterStep(scope []string, safe bool) {
	d.scope = scope
	d.safe = safe
	d.excluded = nil
}

// ExitStep clears the processing scope.
func (d *Document) ExitStep() {
	d.scope = nil
	d.safe = false
}

// Exclude records successor steps that a router chose not to send this
// document to.
func (d *Document) Exclude(steps ...string) {
	d.excluded = append(d.excluded, steps...)
}

// TakeExcluded returns and clears the excluded successors.
func (d *Document) TakeExcluded() []string {
	out := d.excluded
	d.excluded = nil
	return out
}

// Clone returns an independent deep copy, including the status map.
func (d *Document) Clone() *Document {
	c := &Document{
		id:       d.id,
		idField:  d.idField,
		fields:   d.fields.Clone(),
		raw:      slices.Clone(d.raw),
		op:       d.op,
		scanner:  d.scanner,
		force:    d.force,
		statuses: make(map[string]StatusEntry, len(d.statuses)),
		dests:    slices.Clone(d.dests),
		volatile: slices.Clone(d.volatile),
		scope:    d.scope,
		safe:     d.safe,
	}
	for k, v := range d.statuses {
		v.Args = slices.Clone(v.Args)
		c.statuses[k] = v
	}
	return c
}

func (d *Document) String() string {
	return fmt.Sprintf("Document(%s, scanner=%s, op=%s)", d.id, d.scanner, d.op)
}

// sanitize replaces documents and named components by their identifiers so
// status messages never hold references into the plan.
func sanitize(args []any) []any {
	if len(args) == 0 {
		return nil
	}
	out := make([]any, len(args))
	for i, a := range args {
		switch v := a.(type) {
		case *Document:
			out[i] = v.ID()
		case Named:
			out[i] = v.Name()
		default:
			out[i] = a
		}
	}
	return out
}

type wireDocument struct {
	ID           string                 `json:"id"`
	IDField      string                 `json:"id_field"`
	Fields       *Fields                `json:"fields"`
	Raw          []byte                 `json:"raw,omitempty"`
	Operation    Operation              `json:"operation"`
	Scanner      string                 `json:"scanner"`
	Force        bool                   `json:"force,omitempty"`
	Destinations []string               `json:"destinations"`
	Statuses     map[string]StatusEntry `json:"statuses"`
}

func (d *Document) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireDocument{
		ID:           d.id,
		IDField:      d.idField,
		Fields:       d.fields,
		Raw:          d.raw,
		Operation:    d.op,
		Scanner:      d.scanner,
		Force:        d.force,
		Destinations: d.dests,
		Statuses:     d.statuses,
	})
}

func (d *Document) UnmarshalJSON(b []byte) error {
	var w wireDocument
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	if w.Fields == nil {
		w.Fields = NewFields()
	}
	if w.Statuses == nil {
		w.Statuses = make(map[string]StatusEntry)
	}
	*d = Document{
		id:       w.ID,
		idField:  w.IDField,
		fields:   w.Fields,
		raw:      w.Raw,
		op:       w.Operation,
		scanner:  w.Scanner,
		force:    w.Force,
		statuses: w.Statuses,
		dests:    w.Destinations,
	}
	if d.idField == "" {
		d.idField = DefaultIDField
	}
	d.fields.Set(d.idField, d.id)
	return nil
}
