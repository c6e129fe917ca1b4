package heap

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shenjiangwei/concAllocator/concurrent"
)

func testConfig(capacity uint64) Config {
	return Config{
		Capacity:  capacity,
		PageSize:  testPage,
		BlockSize: KB,
		Verify:    true,
		LogLevel:  "error",
		Allocator: concurrent.Config{
			MinLabSize:       4 * KB,
			MaxLabSize:       16 * KB,
			MaxLabObjectSize: 2 * KB,
			MaxObjectSize:    MaxObjectSize(testPage),
		},
	}
}

func newTestHeap(t testing.TB, capacity uint64, opts ...Option) *Heap {
	h, err := New(testConfig(capacity), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })
	return h
}

func allocate(lh *LocalHeap, size uint64) uint64 {
	addr := lh.AllocateOrFail(size, concurrent.WordAligned, concurrent.OriginRuntime)
	lh.Heap().CreateObject(addr, size)
	return addr
}

// whileParked runs fn, which stops the world, with lh parked.
func whileParked(lh *LocalHeap, fn func()) {
	exit := lh.EnterParkedScope()
	defer exit()
	fn()
}

func panicOnOOM(reason string) {
	panic(&OutOfMemoryError{Reason: reason})
}

func TestHeapAllocate(t *testing.T) {
	h := newTestHeap(t, 4*testPage)
	lh := h.NewLocalHeap()
	defer lh.Close()

	prev := uint64(0)
	for i := 0; i < 100; i++ {
		addr := allocate(lh, 64)
		assert.True(t, h.Space().Contains(addr))
		assert.Greater(t, addr, prev)
		prev = addr
	}
	whileParked(lh, func() { require.NoError(t, h.Verify()) })

	stats := h.Stats()
	assert.Equal(t, 1, stats.LocalHeaps)
	assert.Equal(t, uint64(100), stats.Allocators.LabAllocations)
	assert.Equal(t, uint64(0), stats.Collector.Cycles)
	assert.Contains(t, stats.String(), "1 local heaps")
}

func TestHeapDisjointAllocations(t *testing.T) {
	h := newTestHeap(t, 64*testPage)
	const workers, objects = 4, 500

	ranges := make([][]concurrent.LinearArea, workers)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			lh := h.NewLocalHeap()
			defer lh.Close()
			for i := 0; i < objects; i++ {
				size := uint64(16 + 8*(i%8))
				if i%50 == 0 {
					size = 4 * KB
				}
				addr := allocate(lh, size)
				ranges[w] = append(ranges[w], concurrent.LinearArea{Start: addr, Size: size})
				lh.Safepoint()
			}
		}(w)
	}
	wg.Wait()

	var all []concurrent.LinearArea
	for _, r := range ranges {
		all = append(all, r...)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Start < all[j].Start })
	for i := 1; i < len(all); i++ {
		if all[i-1].End() > all[i].Start {
			t.Fatalf("Overlapping objects [%#x, %#x) and [%#x, %#x)",
				all[i-1].Start, all[i-1].End(), all[i].Start, all[i].End())
		}
	}
	assert.Len(t, all, workers*objects)
	assert.Equal(t, uint64(0), h.Stats().Collector.Cycles)
	require.NoError(t, h.Verify())
}

func TestHeapRoots(t *testing.T) {
	h := newTestHeap(t, 2*testPage)
	lh := h.NewLocalHeap()
	defer lh.Close()

	var kept []uint64
	for i := 0; i < 64; i++ {
		addr := allocate(lh, 256)
		if i%2 == 0 {
			h.Retain(addr)
			kept = append(kept, addr)
		}
	}

	lh.CollectGarbage()
	last := h.Stats().Collector.Last
	assert.Equal(t, 32, last.LiveObjects)
	assert.Equal(t, 32, last.DeadObjects)
	assert.Equal(t, 32, h.Stats().Roots)
	whileParked(lh, func() { require.NoError(t, h.Verify()) })

	t.Run("Nested retain", func(t *testing.T) {
		h.Retain(kept[0])
		assert.True(t, h.Release(kept[0]))
		assert.Equal(t, 32, h.Stats().Roots)
	})

	for _, addr := range kept {
		assert.True(t, h.Release(addr))
	}
	assert.False(t, h.Release(kept[0]))

	lh.CollectGarbage()
	last = h.Stats().Collector.Last
	assert.Equal(t, 0, last.LiveObjects)
	assert.Equal(t, 32, last.DeadObjects)
	assert.Equal(t, uint64(2*KB), h.Space().Used(), "only page headers remain")

	assert.Panics(t, func() { h.Retain(1) })
}

func TestHeapCollectionReclaims(t *testing.T) {
	h := newTestHeap(t, 2*testPage, WithOutOfMemoryHandler(panicOnOOM))
	lh := h.NewLocalHeap()
	defer lh.Close()

	// Four times the capacity, none of it retained.
	for i := 0; i < 1024; i++ {
		size := uint64(512)
		if i%16 == 0 {
			size = 8 * KB
		}
		allocate(lh, size)
	}

	stats := h.Stats()
	assert.Greater(t, stats.Collector.Cycles, uint64(0))
	assert.Greater(t, stats.Collector.FreedBytes, uint64(0))
	assert.Greater(t, stats.Allocators.Collections, uint64(0))
	assert.False(t, lh.AllocationFailed())
	whileParked(lh, func() { require.NoError(t, h.Verify()) })
}

func TestHeapOutOfMemory(t *testing.T) {
	h := newTestHeap(t, 2*testPage, WithOutOfMemoryHandler(panicOnOOM))
	lh := h.NewLocalHeap()
	defer lh.Close()

	var oom *OutOfMemoryError
	func() {
		defer func() {
			err, ok := recover().(error)
			require.True(t, ok)
			require.True(t, errors.As(err, &oom))
		}()
		for i := 0; i < 1000; i++ {
			h.Retain(allocate(lh, KB))
		}
		t.Fatal("Retained more than the heap holds")
	}()

	assert.Contains(t, oom.Reason, "allocation failed")
	assert.True(t, lh.AllocationFailed())
	assert.False(t, lh.IsParked())
	assert.Equal(t, concurrent.StateFatalOOM, lh.Allocator().State())
	assert.GreaterOrEqual(t, h.Stats().Collector.Cycles, uint64(concurrent.MaxCollectionAttempts))
}

func TestOutOfMemoryHandlerReturns(t *testing.T) {
	h := newTestHeap(t, testPage, WithOutOfMemoryHandler(func(string) {}))
	assert.PanicsWithError(t, "out of memory handler returned: test", func() {
		h.Collector().FatalOutOfMemory("test")
	})
}

func TestHeapBlackAllocation(t *testing.T) {
	h := newTestHeap(t, 8*testPage)
	lh := h.NewLocalHeap()
	defer lh.Close()

	before := allocate(lh, 64)
	whileParked(lh, h.StartIncrementalMarking)
	assert.True(t, h.IsMarking())
	inLab := allocate(lh, 64)
	outside := allocate(lh, 4*KB)
	assert.False(t, h.IsMarked(before))
	assert.True(t, h.IsMarked(inLab))
	assert.True(t, h.IsMarked(outside))

	whileParked(lh, h.AbortIncrementalMarking)
	assert.False(t, h.IsMarking())
	assert.False(t, h.IsMarked(inLab))
	assert.False(t, h.IsMarked(outside))

	whileParked(lh, func() {
		h.StartIncrementalMarking()
		h.StartIncrementalMarking()
	})
	// Enough to refill the buffer while marking.
	for i := 0; i < 100; i++ {
		addr := allocate(lh, 256)
		require.True(t, h.IsMarked(addr), "object %d at %#x is white", i, addr)
	}
	assert.Greater(t, lh.Allocator().Stats().Refills, uint64(1))

	lh.CollectGarbage()
	assert.False(t, h.IsMarking())
	last := h.Stats().Collector.Last
	assert.Equal(t, 100, last.LiveObjects)
	assert.Equal(t, 3, last.DeadObjects)
	whileParked(lh, func() { require.NoError(t, h.Verify()) })
}

func TestSafepoint(t *testing.T) {
	h := newTestHeap(t, 16*testPage)

	t.Run("Running worker", func(t *testing.T) {
		stop, ready := make(chan struct{}), make(chan struct{})
		done := make(chan int)
		go func() {
			lh := h.NewLocalHeap()
			n := 0
			for {
				select {
				case <-stop:
					lh.Close()
					done <- n
					return
				default:
				}
				allocate(lh, 32)
				n++
				if n == 1 {
					close(ready)
				}
				lh.Safepoint()
			}
		}()
		<-ready

		stops := h.Safepoint().Stops()
		for i := 0; i < 5; i++ {
			require.NoError(t, h.Verify())
		}
		assert.GreaterOrEqual(t, h.Safepoint().Stops(), stops+5)
		close(stop)
		assert.Greater(t, <-done, 0)
	})

	t.Run("Parked worker", func(t *testing.T) {
		lh := h.NewLocalHeap()
		defer lh.Close()

		exit := lh.EnterParkedScope()
		assert.True(t, lh.IsParked())
		nested := lh.EnterParkedScope()
		require.NoError(t, h.Verify())
		nested()
		assert.True(t, lh.IsParked())

		h.Safepoint().StopTheWorld()
		unparked := make(chan struct{})
		go func() {
			exit()
			close(unparked)
		}()
		select {
		case <-unparked:
			t.Fatal("Unparked while the world is stopped")
		case <-time.After(50 * time.Millisecond):
		}
		h.Safepoint().ResumeWorld()
		<-unparked
		assert.False(t, lh.IsParked())
	})
}

func TestMarkRegionBlack(t *testing.T) {
	h := newTestHeap(t, 2*testPage)
	lh := h.NewLocalHeap()
	defer lh.Close()

	first := allocate(lh, 64)
	second := allocate(lh, 64)
	h.Collector().MarkRegionBlack(first, 64)
	assert.True(t, h.IsMarked(first))
	assert.False(t, h.IsMarked(second))

	lh.CollectGarbage()
	last := h.Stats().Collector.Last
	assert.Equal(t, 1, last.LiveObjects)
	assert.Equal(t, 1, last.DeadObjects)
	assert.False(t, h.IsMarked(first))
}

func BenchmarkLocalHeapAllocate(b *testing.B) {
	sizes := []uint64{16, 80, 512, 2 * KB, 8 * KB}
	for _, size := range sizes {
		b.Run(fmt.Sprintf("Size_%dB", size), func(b *testing.B) {
			h := newTestHeap(b, 64*testPage, WithOutOfMemoryHandler(panicOnOOM))
			lh := h.NewLocalHeap()
			defer lh.Close()

			b.ResetTimer()
			for i := 0; i < b.N; i++ {
				addr := lh.AllocateOrFail(size, concurrent.WordAligned, concurrent.OriginRuntime)
				h.CreateFiller(addr, size)
			}
			b.StopTimer()
		})
	}
}
