// Package stress runs allocation-heavy workers against a heap.
package stress

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/shenjiangwei/concAllocator/concurrent"
	"github.com/shenjiangwei/concAllocator/heap"
	"github.com/shenjiangwei/concAllocator/logger"
	"github.com/shenjiangwei/concAllocator/mpool"
)

const (
	DefaultWorkers           = 4
	DefaultIterations        = 2000
	DefaultObjectSize        = 10 * concurrent.WordSize
	DefaultLargeObjectSize   = 8 * concurrent.KB
	DefaultSafepointInterval = 10
)

// ErrInvalidConfig is returned for a rejected task config.
var ErrInvalidConfig = errors.New("invalid stress config")

// Config describes one stress task.
type Config struct {
	Workers           int    `toml:"workers" json:"workers" validate:"min=1"`
	Iterations        int    `toml:"iterations" json:"iterations" validate:"min=1"`
	ObjectSize        uint64 `toml:"object_size" json:"object_size" validate:"required"`
	LargeObjectSize   uint64 `toml:"large_object_size" json:"large_object_size" validate:"required,gtefield=ObjectSize"`
	SafepointInterval int    `toml:"safepoint_interval" json:"safepoint_interval" validate:"min=1"`
	// KeepEvery roots every n-th allocated object in the pool; the others become
	// fillers right away. Zero keeps nothing.
	KeepEvery int `toml:"keep_every" json:"keep_every" validate:"min=0"`
}

// DefaultConfig allocates a ten word object and then an 8KB object in each of
// 2000 iterations per worker, with a safepoint every 10 iterations.
func DefaultConfig() Config {
	return Config{
		Workers:           DefaultWorkers,
		Iterations:        DefaultIterations,
		ObjectSize:        DefaultObjectSize,
		LargeObjectSize:   DefaultLargeObjectSize,
		SafepointInterval: DefaultSafepointInterval,
	}
}

var validate = validator.New()

// Validate checks the task config.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// Observer sees every allocation of a worker.
type Observer func(worker int, addr, size uint64)

// Result stores the outcome of a task
type Result struct {
	Workers  int           `json:"workers"`
	Objects  uint64        `json:"objects"`
	Bytes    uint64        `json:"bytes"`
	Kept     uint64        `json:"kept"`
	Duration time.Duration `json:"duration"`
	// Allocators sums the counters of every worker's allocator.
	Allocators concurrent.Stats `json:"allocators"`
	Heap       heap.Stats       `json:"heap"`
}

type workerResult struct {
	objects, bytes, kept uint64
	allocator            concurrent.Stats
}

// Run starts config.Workers workers on h and waits for them. pool may be nil
// when nothing is kept. A fatal out of memory raised as *heap.OutOfMemoryError
// by the heap's handler is returned as an error.
func Run(h *heap.Heap, pool *mpool.MemoryPool, config Config, observe Observer) (Result, error) {
	if err := config.Validate(); err != nil {
		return Result{}, err
	}
	if config.KeepEvery > 0 && pool == nil {
		return Result{}, fmt.Errorf("%w: keep_every needs a pool", ErrInvalidConfig)
	}

	begin := time.Now()
	results := make([]workerResult, config.Workers)
	errs := make(chan error, config.Workers)
	var wg sync.WaitGroup
	for w := 0; w < config.Workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			result, err := runWorker(h, pool, config, w, observe)
			results[w] = result
			if err != nil {
				errs <- err
			}
		}(w)
	}
	wg.Wait()
	close(errs)

	result := Result{Workers: config.Workers, Duration: time.Since(begin)}
	for _, r := range results {
		result.Objects += r.objects
		result.Bytes += r.bytes
		result.Kept += r.kept
		result.Allocators.Add(r.allocator)
	}
	result.Heap = h.Stats()

	var err error
	for e := range errs {
		err = errors.Join(err, e)
	}
	return result, err
}

func runWorker(h *heap.Heap, pool *mpool.MemoryPool, config Config, w int, observe Observer) (result workerResult, err error) {
	lh := h.NewLocalHeap()
	defer func() {
		result.allocator = lh.Allocator().Stats()
		lh.Close()
	}()
	defer func() {
		if r := recover(); r != nil {
			oom, ok := r.(*heap.OutOfMemoryError)
			if !ok {
				panic(r)
			}
			err = fmt.Errorf("worker %d: %w", w, oom)
		}
	}()

	var n int
	allocate := func(size uint64) {
		addr := lh.AllocateOrFail(size, concurrent.WordAligned, concurrent.OriginRuntime)
		if config.KeepEvery > 0 && n%config.KeepEvery == 0 {
			h.CreateObject(addr, size)
			pool.Keep(addr, size)
			result.kept++
		} else {
			h.CreateFiller(addr, size)
		}
		if observe != nil {
			observe(w, addr, size)
		}
		n++
		result.objects++
		result.bytes += size
	}

	for i := 0; i < config.Iterations; i++ {
		allocate(config.ObjectSize)
		allocate(config.LargeObjectSize)
		if i%config.SafepointInterval == 0 {
			lh.Safepoint()
		}
	}
	logger.Debug("Worker %d allocated %d objects", w, result.objects)
	return result, nil
}
