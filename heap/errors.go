// Package heap provides a paged heap for concurrent allocators
package heap

import (
	"errors"
	"fmt"
)

// Error definitions
var (
	// ErrInvalidConfig is returned when a heap configuration is rejected
	ErrInvalidConfig = errors.New("invalid heap config")
	// ErrInvalidAddress is raised for an address outside of the heap
	ErrInvalidAddress = errors.New("invalid address")
	// ErrNotIterable is returned by Verify when a page cannot be walked
	ErrNotIterable = errors.New("heap is not iterable")
	// ErrHandlerReturned is raised when an out of memory handler returns
	ErrHandlerReturned = errors.New("out of memory handler returned")
)

// OutOfMemoryError carries the reason passed to FatalOutOfMemory.
type OutOfMemoryError struct {
	Reason string
}

func (e *OutOfMemoryError) Error() string {
	return fmt.Sprintf("fatal process out of memory: %s", e.Reason)
}
