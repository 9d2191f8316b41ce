package inject

import (
	"errors"
	"fmt"
)

// Stage is one discrete step of an injection attempt
type Stage int

const (
	StageOpen    Stage = iota + 1 // open the target process
	StageAlloc                    // allocate remote memory for the path
	StageWrite                    // write the path into the target
	StageResolve                  // resolve the loader entry point
	StageThread                   // start the remote thread
	StageClose                    // release a handle (never fails an attempt)
)

func (s Stage) String() string {
	switch s {
	case StageOpen:
		return "open"
	case StageAlloc:
		return "alloc"
	case StageWrite:
		return "write"
	case StageResolve:
		return "resolve"
	case StageThread:
		return "thread"
	case StageClose:
		return "close"
	default:
		return "unknown"
	}
}

// Kind returns the failure kind reported when this stage fails
func (s Stage) Kind() string {
	switch s {
	case StageOpen:
		return "process_open_failed"
	case StageAlloc:
		return "memory_allocation_failed"
	case StageWrite:
		return "memory_write_failed"
	case StageResolve:
		return "symbol_resolution_failed"
	case StageThread:
		return "thread_creation_failed"
	default:
		return "unknown"
	}
}

// InjectionError reports which stage of an attempt failed. The attempt is
// aborted and the process handle is already released when it is returned.
type InjectionError struct {
	Stage Stage
	PID   int32
	Err   error
}

// Sentinels for errors.Is matching on the failed stage.
var (
	ErrProcessOpenFailed      = &InjectionError{Stage: StageOpen}
	ErrMemoryAllocationFailed = &InjectionError{Stage: StageAlloc}
	ErrMemoryWriteFailed      = &InjectionError{Stage: StageWrite}
	ErrSymbolResolutionFailed = &InjectionError{Stage: StageResolve}
	ErrThreadCreationFailed   = &InjectionError{Stage: StageThread}
)

// ErrUnsupportedPlatform is returned by the system control layer on
// platforms without remote thread support.
var ErrUnsupportedPlatform = errors.New("remote injection is only supported on windows")

// ErrInvalidRequest is returned by NewRequest
var ErrInvalidRequest = errors.New("invalid injection request")

func (e *InjectionError) Error() string {
	if e.Err == nil {
		return e.Stage.Kind()
	}
	return fmt.Sprintf("%s (pid %d): %v", e.Stage.Kind(), e.PID, e.Err)
}

// Unwrap implements error unwrapping
func (e *InjectionError) Unwrap() error {
	return e.Err
}

// Is matches any InjectionError of the same stage
func (e *InjectionError) Is(target error) bool {
	t, ok := target.(*InjectionError)
	return ok && t.Stage == e.Stage
}

// Kind returns the failure kind name
func (e *InjectionError) Kind() string {
	return e.Stage.Kind()
}

// KindOf returns the failure kind of err, or "" if err is not an InjectionError
func KindOf(err error) string {
	var ie *InjectionError
	if errors.As(err, &ie) {
		return ie.Kind()
	}
	return ""
}
