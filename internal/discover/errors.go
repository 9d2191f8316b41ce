package discover

import (
	"errors"
	"fmt"
)

// ErrProcessNotFound is returned by single-pass lookups when no process
// carries the target name. Find never returns it; it keeps polling instead.
var ErrProcessNotFound = errors.New("process not found")

// Kind categorizes discovery errors
type Kind int

const (
	KindUnknown     Kind = iota
	KindEnumeration      // Process table could not be read (permissions, transient OS error)
	KindLiveness         // Liveness probe for a known PID failed
)

func (k Kind) String() string {
	switch k {
	case KindEnumeration:
		return "enumeration"
	case KindLiveness:
		return "liveness"
	default:
		return "unknown"
	}
}

// DiscoveryError wraps errors with context and categorization
type DiscoveryError struct {
	Kind      Kind
	Operation string // "snapshot", "exists"
	PID       int32
	Err       error
}

// Error implements error interface
func (e *DiscoveryError) Error() string {
	if e.PID != 0 {
		return fmt.Sprintf("%s failed for PID %d: %v", e.Operation, e.PID, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Operation, e.Err)
}

// Unwrap implements error unwrapping
func (e *DiscoveryError) Unwrap() error {
	return e.Err
}

// IsEnumeration reports whether err is a process table enumeration failure
func IsEnumeration(err error) bool {
	var de *DiscoveryError
	return errors.As(err, &de) && de.Kind == KindEnumeration
}
