package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/shenjiangwei/concAllocator/heap"
	"github.com/shenjiangwei/concAllocator/logger"
	"github.com/shenjiangwei/concAllocator/mpool"
	"github.com/shenjiangwei/concAllocator/rpc"
	"github.com/shenjiangwei/concAllocator/status"
	"github.com/shenjiangwei/concAllocator/stress"
)

const TestIteration = 3

// TestResult stores test round results
type TestResult struct {
	Round       int
	Objects     uint64
	Bytes       uint64
	Kept        uint64
	Collections uint64
	Freed       uint64
	Used        uint64
	Refills     uint64
	Merges      uint64
	Duration    time.Duration
}

func runTest(h *heap.Heap, pool *mpool.MemoryPool, config stress.Config, round int, marking bool) (TestResult, error) {
	before := h.Stats().Collector
	if marking {
		h.StartIncrementalMarking()
	}

	result, err := stress.Run(h, pool, config, nil)
	if err != nil {
		return TestResult{}, err
	}

	after := result.Heap.Collector
	return TestResult{
		Round:       round,
		Objects:     result.Objects,
		Bytes:       result.Bytes,
		Kept:        result.Kept,
		Collections: after.Cycles - before.Cycles,
		Freed:       after.FreedBytes - before.FreedBytes,
		Used:        result.Heap.Space.Used,
		Refills:     result.Allocators.Refills,
		Merges:      result.Allocators.Merges,
		Duration:    result.Duration,
	}, nil
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flags := flag.NewFlagSet("concAllocator", flag.ContinueOnError)
	configPath := flags.String("config", "", "heap config file (TOML)")
	rounds := flags.Int("rounds", TestIteration, "number of stress rounds")
	workers := flags.Int("workers", stress.DefaultWorkers, "workers per round")
	iterations := flags.Int("iterations", stress.DefaultIterations, "iterations per worker, each allocating a small and a large object")
	keepEvery := flags.Int("keep", 0, "keep every n-th object alive in the pool (0 keeps none)")
	marking := flags.Bool("marking", false, "start incremental marking before every other round")
	statusAddr := flags.String("status", "", "serve heap status over HTTP on this address")
	useH2C := flags.Bool("h2c", false, "accept cleartext HTTP/2 on the status address")
	rpcAddr := flags.String("rpc", "", "serve the heap over net/rpc on this address")
	if err := flags.Parse(args); err != nil {
		return err
	}

	config := heap.DefaultConfig()
	if *configPath != "" {
		var err error
		if config, err = heap.LoadConfig(*configPath); err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
	}

	h, err := heap.New(config)
	if err != nil {
		return fmt.Errorf("failed to create heap: %w", err)
	}
	defer h.Close()

	pool := mpool.NewMemoryPool(h, time.Now().UnixNano())
	defer pool.Close()

	if *statusAddr != "" {
		server := status.NewServer(*statusAddr, h, pool, *useH2C)
		go func() {
			if err := server.ListenAndServe(); err != nil {
				logger.Error("Status server failed: %v", err)
			}
		}()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			server.Shutdown(ctx)
		}()
	}
	if *rpcAddr != "" {
		server, err := rpc.NewServer(h)
		if err != nil {
			return fmt.Errorf("failed to create rpc server: %w", err)
		}
		defer server.Close()
		listener, err := net.Listen("tcp", *rpcAddr)
		if err != nil {
			return fmt.Errorf("failed to listen for rpc: %w", err)
		}
		defer listener.Close()
		go func() {
			if err := server.Serve(listener); err != nil && !errors.Is(err, net.ErrClosed) {
				logger.Error("RPC server failed: %v", err)
			}
		}()
	}

	stressConfig := stress.DefaultConfig()
	stressConfig.Workers = *workers
	stressConfig.Iterations = *iterations
	stressConfig.KeepEvery = *keepEvery

	fmt.Printf("Starting allocation stress test with %d rounds\n", *rounds)
	fmt.Println("Heap capacity:", humanize.Bytes(config.Capacity))
	fmt.Println("Page size:", humanize.Bytes(config.PageSize))
	fmt.Printf("Buffer size: %s-%s, objects above %s bypass it\n",
		humanize.Bytes(config.Allocator.MinLabSize), humanize.Bytes(config.Allocator.MaxLabSize),
		humanize.Bytes(config.Allocator.MaxLabObjectSize))
	fmt.Printf("Workers: %d x %d allocations\n", stressConfig.Workers, stressConfig.Iterations)
	fmt.Println()

	var results []TestResult
	for i := 0; i < *rounds; i++ {
		fmt.Printf("Running round %d...\n", i+1)
		result, err := runTest(h, pool, stressConfig, i+1, *marking && i%2 == 1)
		if err != nil {
			return fmt.Errorf("round %d failed: %w", i+1, err)
		}
		results = append(results, result)

		fmt.Printf("Round %d results:\n", i+1)
		fmt.Printf("  Objects: %d (%s)\n", result.Objects, humanize.Bytes(result.Bytes))
		fmt.Printf("  Kept: %d\n", result.Kept)
		fmt.Printf("  Refills: %d (%d merged)\n", result.Refills, result.Merges)
		fmt.Printf("  Collections: %d, freed %s\n", result.Collections, humanize.Bytes(result.Freed))
		fmt.Printf("  Heap used: %s\n", humanize.Bytes(result.Used))
		fmt.Printf("  Duration: %v\n", result.Duration)
		fmt.Println()
	}

	if err := h.Verify(); err != nil {
		return fmt.Errorf("heap verification failed: %w", err)
	}
	if len(results) == 0 {
		return nil
	}

	// Calculate averages
	var avgBytes, avgCollections, avgDuration float64
	for _, r := range results {
		avgBytes += float64(r.Bytes)
		avgCollections += float64(r.Collections)
		avgDuration += r.Duration.Seconds()
	}
	avgBytes /= float64(len(results))
	avgCollections /= float64(len(results))
	avgDuration /= float64(len(results))

	fmt.Println("Average results:")
	fmt.Printf("  Average allocated: %s\n", humanize.Bytes(uint64(avgBytes)))
	fmt.Printf("  Average collections: %.2f\n", avgCollections)
	fmt.Printf("  Average duration: %.2f seconds\n", avgDuration)
	fmt.Printf("  Throughput: %s/s\n", humanize.Bytes(uint64(avgBytes/avgDuration)))
	fmt.Println()
	fmt.Println(h.Stats())
	return nil
}
