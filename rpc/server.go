// Package rpc exposes a heap over net/rpc.
package rpc

import (
	"errors"
	"fmt"
	"net"
	"net/rpc"
	"sync"

	"github.com/dustin/go-humanize"

	"github.com/shenjiangwei/concAllocator/concurrent"
	"github.com/shenjiangwei/concAllocator/heap"
	"github.com/shenjiangwei/concAllocator/logger"
)

// ServiceName is the name the heap service is registered under.
const ServiceName = "Heap"

// Error definitions
var (
	// ErrInvalidSize is returned for sizes the allocator rejects
	ErrInvalidSize = errors.New("invalid object size")
	// ErrNotRetained is returned when releasing an unknown address
	ErrNotRetained = errors.New("address is not retained")
)

// AllocRequest represents an allocation request
type AllocRequest struct {
	Client    int
	Size      uint64
	Alignment concurrent.Alignment
}

// AllocResponse represents an allocation response
type AllocResponse struct {
	Address uint64
	Error   string
}

// ReleaseRequest represents a release request
type ReleaseRequest struct {
	Client  int
	Address uint64
}

// ReleaseResponse represents a release response
type ReleaseResponse struct {
	Error string
}

// CollectRequest asks for a full collection
type CollectRequest struct {
	Client int
}

// CollectResponse carries the collector counters after the collection
type CollectResponse struct {
	Collector heap.CollectorStats
}

// StatsRequest asks for a heap snapshot
type StatsRequest struct {
	Client int
}

// StatsResponse carries a heap snapshot
type StatsResponse struct {
	Stats heap.Stats
}

// VerifyRequest asks for a heap walk
type VerifyRequest struct {
	Client int
}

// VerifyResponse carries the walk outcome
type VerifyResponse struct {
	Error string
}

// Service is the receiver registered with net/rpc. Objects it allocates stay
// rooted until released.
type Service struct {
	heap  *heap.Heap
	local *heap.LocalHeap // used under mu, parked between requests
	mu    sync.Mutex
}

// Allocate allocates and roots an object.
func (s *Service) Allocate(req *AllocRequest, resp *AllocResponse) error {
	limit := s.heap.Config().Allocator.MaxObjectSize
	if req.Size == 0 || req.Size%concurrent.WordSize != 0 || req.Size > limit {
		resp.Error = fmt.Errorf("%w: %d", ErrInvalidSize, req.Size).Error()
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.local.Unpark()
	defer s.local.Park()

	addr := s.local.AllocateOrFail(req.Size, req.Alignment, concurrent.OriginRuntime)
	s.heap.CreateObject(addr, req.Size)
	s.heap.Retain(addr)
	resp.Address = addr
	return nil
}

// Release drops the root of an object.
func (s *Service) Release(req *ReleaseRequest, resp *ReleaseResponse) error {
	if !s.heap.Release(req.Address) {
		resp.Error = fmt.Errorf("%w: %#x", ErrNotRetained, req.Address).Error()
	}
	return nil
}

// Collect runs a full collection.
func (s *Service) Collect(req *CollectRequest, resp *CollectResponse) error {
	logger.Debug("Client %d requested a collection", req.Client)
	s.heap.CollectGarbage()
	resp.Collector = s.heap.Collector().Stats()
	return nil
}

// Stats returns a heap snapshot.
func (s *Service) Stats(req *StatsRequest, resp *StatsResponse) error {
	resp.Stats = s.heap.Stats()
	return nil
}

// Verify walks the heap.
func (s *Service) Verify(req *VerifyRequest, resp *VerifyResponse) error {
	if err := s.heap.Verify(); err != nil {
		logger.Error("Heap verification for client %d failed: %v", req.Client, err)
		resp.Error = err.Error()
	}
	return nil
}

// Server represents the heap server
type Server struct {
	service *Service
	rpc     *rpc.Server

	mu       sync.Mutex
	listener net.Listener
	closed   bool
}

// NewServer creates a server for h.
func NewServer(h *heap.Heap) (*Server, error) {
	service := &Service{heap: h, local: h.NewLocalHeap()}
	service.local.Park()

	server := &Server{
		service: service,
		rpc:     rpc.NewServer(),
	}
	if err := server.rpc.RegisterName(ServiceName, service); err != nil {
		service.local.Close()
		return nil, fmt.Errorf("failed to register service: %w", err)
	}
	return server, nil
}

// Start listens on address and serves until Close.
func (s *Server) Start(address string) error {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return s.Serve(listener)
}

// Serve accepts connections on listener until Close.
func (s *Server) Serve(listener net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		listener.Close()
		return net.ErrClosed
	}
	s.listener = listener
	s.mu.Unlock()

	logger.Info("Server listening on %s", listener.Addr())
	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			logger.Warn("Failed to accept connection: %v", err)
			continue
		}
		go s.rpc.ServeConn(conn)
	}
}

// Close stops accepting connections and releases the server's local heap.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	listener := s.listener
	s.mu.Unlock()

	var err error
	if listener != nil {
		err = listener.Close()
	}

	s.service.mu.Lock()
	defer s.service.mu.Unlock()
	s.service.local.Close()
	logger.Info("Server closed, heap at %s", humanize.Bytes(s.service.heap.Space().Used()))
	return err
}
