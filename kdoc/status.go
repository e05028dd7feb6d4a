package kdoc

import (
	"fmt"
	"strings"
)

// Status is the processing state of a document with respect to one destination.
type Status int

const (
	// StatusForce requests unconditional reprocessing on the next scan.
	StatusForce Status = iota
	// StatusRestart marks documents that were in flight when the process stopped.
	StatusRestart
	// StatusDirty marks documents whose source changed out of band.
	StatusDirty
	// StatusProcessing means the document is moving through the plan.
	StatusProcessing
	// StatusError means a processor failed for this document.
	StatusError
	// StatusBatched means a sink accepted the document into a pending batch.
	StatusBatched
	// StatusIndexed means a sink durably committed the document.
	StatusIndexed
	// StatusDropped means the document was intentionally discarded.
	StatusDropped
	// StatusDead means the document exhausted its retries.
	StatusDead
	// StatusErrorDoc means the document itself is malformed and will never succeed.
	StatusErrorDoc
)

var statusNames = [...]string{
	StatusForce:      "FORCE",
	StatusRestart:    "RESTART",
	StatusDirty:      "DIRTY",
	StatusProcessing: "PROCESSING",
	StatusError:      "ERROR",
	StatusBatched:    "BATCHED",
	StatusIndexed:    "INDEXED",
	StatusDropped:    "DROPPED",
	StatusDead:       "DEAD",
	StatusErrorDoc:   "ERROR_DOC",
}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return fmt.Sprintf("Status(%d)", int(s))
	}
	return statusNames[s]
}

// StepSpecific reports whether the status describes the outcome for the
// destinations of the current step only. BATCHED and INDEXED are delivery
// outcomes and must not be conflated across sinks; every other status
// applies to all remaining destinations.
func (s Status) StepSpecific() bool {
	return s == StatusBatched || s == StatusIndexed
}

// Replay reports whether a scanner must re-emit a resource recorded with this
// status regardless of change detection.
func (s Status) Replay() bool {
	return s == StatusDirty || s == StatusForce || s == StatusRestart
}

// ParseStatus parses the upper case name produced by String.
func ParseStatus(name string) (Status, error) {
	name = strings.ToUpper(strings.TrimSpace(name))
	for i, n := range statusNames {
		if n == name {
			return Status(i), nil
		}
	}
	return 0, fmt.Errorf("unknown status %q", name)
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	parsed, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Operation tags what happened to the source resource.
type Operation int

const (
	OpNew Operation = iota
	OpUpdate
	OpDelete
)

func (o Operation) String() string {
	switch o {
	case OpNew:
		return "NEW"
	case OpUpdate:
		return "UPDATE"
	case OpDelete:
		return "DELETE"
	default:
		return "UNKNOWN"
	}
}

func (o Operation) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

func (o *Operation) UnmarshalText(b []byte) error {
	switch string(b) {
	case "NEW":
		*o = OpNew
	case "UPDATE":
		*o = OpUpdate
	case "DELETE":
		*o = OpDelete
	default:
		return fmt.Errorf("unknown operation %q", string(b))
	}
	return nil
}
