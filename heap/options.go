package heap

import "github.com/shenjiangwei/concAllocator/logger"

type options struct {
	oom func(reason string)
}

// Option configures a Heap.
type Option func(o *options)

// WithOutOfMemoryHandler replaces the handler run on a fatal out of memory.
// The handler must not return; a returning handler is turned into a panic.
func WithOutOfMemoryHandler(handler func(reason string)) Option {
	return func(o *options) {
		o.oom = handler
	}
}

func defaultOutOfMemoryHandler(reason string) {
	logger.Fatal("Fatal process out of memory: %s", reason)
}
