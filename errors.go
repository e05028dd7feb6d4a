package docflow

import "errors"

var (
	// ErrProcessing wraps the error or panic of a processor. It is recorded as
	// ERROR status on the document and never stops a worker.
	ErrProcessing = errors.New("processing failed")

	// ErrDataIntegrity means the status store holds more than one scanner
	// row for a document. It is not repaired; the scan aborts.
	ErrDataIntegrity = errors.New("data integrity violation")

	// ErrUnsupportedOperation signals a wiring bug, such as pushing
	// documents into a scanner.
	ErrUnsupportedOperation = errors.New("unsupported operation")

	// ErrStepNotFound is returned when a plan has no step of a given name.
	ErrStepNotFound = errors.New("step not found")
)

// ErrScanInProgress is returned by Scan while another scan of the same
// scanner runs.
var ErrScanInProgress = errors.New("scan in progress")
