package stress

import (
	"errors"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shenjiangwei/concAllocator/concurrent"
	"github.com/shenjiangwei/concAllocator/heap"
	"github.com/shenjiangwei/concAllocator/mpool"
)

const (
	KB = concurrent.KB
	MB = heap.MB
)

func newTestHeap(t *testing.T, capacity uint64, opts ...heap.Option) *heap.Heap {
	config := heap.Config{
		Capacity:  capacity,
		PageSize:  64 * KB,
		BlockSize: KB,
		Verify:    true,
		LogLevel:  "error",
		Allocator: concurrent.DefaultConfig(),
	}
	config.Allocator.MaxObjectSize = heap.MaxObjectSize(config.PageSize)
	h, err := heap.New(config, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })
	return h
}

func panicOnOOM(reason string) {
	panic(&heap.OutOfMemoryError{Reason: reason})
}

// recorder collects every allocation of a run.
type recorder struct {
	mu    sync.Mutex
	areas []concurrent.LinearArea
}

func (r *recorder) observe(worker int, addr, size uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.areas = append(r.areas, concurrent.LinearArea{Start: addr, Size: size})
}

func (r *recorder) overlapping() (concurrent.LinearArea, concurrent.LinearArea, bool) {
	sort.Slice(r.areas, func(i, j int) bool { return r.areas[i].Start < r.areas[j].Start })
	for i := 1; i < len(r.areas); i++ {
		if r.areas[i-1].End() > r.areas[i].Start {
			return r.areas[i-1], r.areas[i], true
		}
	}
	return concurrent.LinearArea{}, concurrent.LinearArea{}, false
}

func TestRunWithoutCollection(t *testing.T) {
	h := newTestHeap(t, 16*MB)
	config := DefaultConfig()
	config.Iterations = 200

	rec := &recorder{}
	result, err := Run(h, nil, config, rec.observe)
	require.NoError(t, err)

	assert.Equal(t, uint64(2*config.Workers*config.Iterations), result.Objects)
	assert.Equal(t, uint64(config.Workers*config.Iterations)*(DefaultObjectSize+DefaultLargeObjectSize), result.Bytes)
	assert.Equal(t, uint64(0), result.Heap.Collector.Cycles)
	assert.Len(t, rec.areas, 2*config.Workers*config.Iterations)
	if a, b, ok := rec.overlapping(); ok {
		t.Fatalf("Overlapping objects [%#x, %#x) and [%#x, %#x)", a.Start, a.End(), b.Start, b.End())
	}
	for _, area := range rec.areas {
		if area.Size == DefaultLargeObjectSize {
			continue
		}
		assert.True(t, concurrent.IsAligned(area.Start, concurrent.WordAligned))
	}
	require.NoError(t, h.Verify())
}

func TestRunIterationShape(t *testing.T) {
	h := newTestHeap(t, 4*MB)
	config := DefaultConfig()
	config.Workers = 1
	config.Iterations = 50

	var sizes []uint64
	result, err := Run(h, nil, config, func(worker int, addr, size uint64) {
		sizes = append(sizes, size)
	})
	require.NoError(t, err)
	require.Len(t, sizes, 2*config.Iterations)
	for i := 0; i < config.Iterations; i++ {
		assert.Equal(t, uint64(DefaultObjectSize), sizes[2*i], "iteration %d", i)
		assert.Equal(t, uint64(DefaultLargeObjectSize), sizes[2*i+1], "iteration %d", i)
	}
	assert.Equal(t, uint64(config.Iterations)*(DefaultObjectSize+DefaultLargeObjectSize), result.Bytes)
	assert.Equal(t, uint64(config.Iterations), result.Allocators.OutsideAllocations)
}

func TestRunFullTask(t *testing.T) {
	h := newTestHeap(t, 64*MB, heap.WithOutOfMemoryHandler(panicOnOOM))
	config := DefaultConfig()
	config.Workers = 1
	require.Equal(t, 2000, config.Iterations)
	require.Equal(t, 10, config.SafepointInterval)

	rec := &recorder{}
	result, err := Run(h, nil, config, rec.observe)
	require.NoError(t, err)
	assert.Equal(t, uint64(2*config.Iterations), result.Objects)
	assert.Len(t, rec.areas, 2*config.Iterations)
	if a, b, ok := rec.overlapping(); ok {
		t.Fatalf("Overlapping objects [%#x, %#x) and [%#x, %#x)", a.Start, a.End(), b.Start, b.End())
	}
	assert.Equal(t, uint64(0), result.Heap.Collector.Cycles)
	assert.Equal(t, uint64(0), result.Allocators.Collections)
	require.NoError(t, h.Verify())
}

func TestRunUnderPressure(t *testing.T) {
	h := newTestHeap(t, 4*MB, heap.WithOutOfMemoryHandler(panicOnOOM))

	result, err := Run(h, nil, DefaultConfig(), nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(2*DefaultWorkers*DefaultIterations), result.Objects)
	assert.Greater(t, result.Heap.Collector.Cycles, uint64(0))
	assert.Greater(t, result.Allocators.Refills, uint64(0))
	assert.Greater(t, result.Allocators.Collections, uint64(0))
	assert.Equal(t, 0, result.Heap.LocalHeaps)
	require.NoError(t, h.Verify())
}

func TestRunKeepsWorkingSet(t *testing.T) {
	h := newTestHeap(t, 8*MB, heap.WithOutOfMemoryHandler(panicOnOOM))
	pool := mpool.NewMemoryPoolWithSizes(h, 1, 32, 0, 16)

	config := DefaultConfig()
	config.KeepEvery = 3
	result, err := Run(h, pool, config, nil)
	require.NoError(t, err)
	assert.Greater(t, result.Kept, uint64(0))
	assert.Greater(t, result.Heap.Collector.Cycles, uint64(0))

	stats := pool.Stats()
	assert.Greater(t, stats.Evictions, uint64(0))
	assert.Equal(t, 48, stats.Retained)
	assert.Equal(t, stats.Retained, h.Stats().Roots)
	require.NoError(t, h.Verify())

	require.NoError(t, pool.Close())
	assert.Equal(t, 0, h.Stats().Roots)
}

func TestRunOutOfMemory(t *testing.T) {
	h := newTestHeap(t, 256*KB, heap.WithOutOfMemoryHandler(panicOnOOM))
	pool := mpool.NewMemoryPool(h, 1)

	config := DefaultConfig()
	config.Workers = 2
	config.KeepEvery = 1
	_, err := Run(h, pool, config, nil)

	var oom *heap.OutOfMemoryError
	require.True(t, errors.As(err, &oom), "unexpected error %v", err)
	assert.Contains(t, oom.Reason, "allocation failed")
	require.NoError(t, pool.Close())
}

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	cases := map[string]func(c *Config){
		"No workers":             func(c *Config) { c.Workers = 0 },
		"No iterations":          func(c *Config) { c.Iterations = 0 },
		"Large below small":      func(c *Config) { c.LargeObjectSize = 8 },
		"No safepoints":          func(c *Config) { c.SafepointInterval = 0 },
		"Negative keep interval": func(c *Config) { c.KeepEvery = -1 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			config := DefaultConfig()
			mutate(&config)
			assert.ErrorIs(t, config.Validate(), ErrInvalidConfig)
		})
	}

	h := newTestHeap(t, MB)
	config := DefaultConfig()
	config.KeepEvery = 2
	_, err := Run(h, nil, config, nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}
