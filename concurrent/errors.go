package concurrent

import "errors"

// Error definitions. All of these signal programming errors and are raised with
// panic; transient exhaustion is reported through Result instead.
var (
	// ErrInvalidSize is raised for zero, unaligned or oversized requests
	ErrInvalidSize = errors.New("invalid allocation size")
	// ErrNullAddress is raised when a null address is wrapped as a success
	ErrNullAddress = errors.New("null address")
	// ErrRetryAddress is raised when the address of a Retry result is read
	ErrRetryAddress = errors.New("address of retry result")
	// ErrCorruptedBuffer is raised when a buffer's top passed its limit
	ErrCorruptedBuffer = errors.New("linear allocation buffer top exceeds limit")
	// ErrRefillTooSmall is raised when a fresh buffer cannot fit the request it was refilled for
	ErrRefillTooSmall = errors.New("refilled buffer cannot fit request")
	// ErrFatalOutOfMemory is raised if the out-of-memory handler returns
	ErrFatalOutOfMemory = errors.New("fatal out of memory handler returned")
	// ErrInvalidConfig is returned when allocator sizing does not validate
	ErrInvalidConfig = errors.New("invalid allocator config")
)
