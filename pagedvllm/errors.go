package pagedvllm

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrOutOfMemory is returned by allocators when the request cannot be served
	// from the free blocks above the watermark. It never reaches callers of the
	// engine; the scheduler resolves it through preemption.
	ErrOutOfMemory = errors.New("not enough free kv cache blocks")

	// ErrDoubleFree is returned when a block is released more often than it was
	// referenced. The free list is left untouched.
	ErrDoubleFree = errors.New("kv cache block is already free")

	ErrRequestNotFound  = errors.New("request not found")
	ErrDuplicateRequest = errors.New("request id is already in use")
	ErrEngineClosed     = errors.New("engine is closed")
	ErrMalformedResult  = errors.New("malformed executor result")
)

// CapacityError reports a request that can never be scheduled, even with the
// whole device pool free.
type CapacityError struct {
	RequestID string
	Reason    string
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("request %s exceeds capacity: %s", e.RequestID, e.Reason)
}

// ValidationError reports a request that violates a configured ceiling or
// carries invalid sampling parameters.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func validationErrorf(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// ExecutorError wraps a failed or malformed executor call. Every request in
// the affected batch has been failed and its blocks released.
type ExecutorError struct {
	Step       uint64
	RequestIDs []string
	Err        error
}

func (e *ExecutorError) Error() string {
	return fmt.Sprintf("executor failed at step %d for requests [%s]: %v", e.Step, strings.Join(e.RequestIDs, ","), e.Err)
}

func (e *ExecutorError) Unwrap() error {
	return e.Err
}
