package kdag

import (
	"errors"
	"fmt"
)

// Sentinel errors for plan structure problems.
var (
	ErrConfiguration = errors.New("configuration error")
	ErrCycleDetected = errors.New("cyclic graph")
)

var (
	ErrInvalidStepName     = fmt.Errorf("%w: invalid step name", ErrConfiguration)
	ErrDuplicateStep       = fmt.Errorf("%w: duplicate step", ErrConfiguration)
	ErrPredecessorNotFound = fmt.Errorf("%w: predecessor not found", ErrConfiguration)
)
