package rpc

import (
	"fmt"
	"net/rpc"
	"sync"

	"github.com/shenjiangwei/concAllocator/concurrent"
	"github.com/shenjiangwei/concAllocator/heap"
)

// Client represents a heap client
type Client struct {
	id        int
	client    *rpc.Client
	allocated map[uint64]uint64 // address -> size
	mu        sync.Mutex
}

// NewClient creates a new heap client
func NewClient(id int, address string) (*Client, error) {
	client, err := rpc.Dial("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to server: %w", err)
	}

	return &Client{
		id:        id,
		client:    client,
		allocated: make(map[uint64]uint64),
	}, nil
}

func (c *Client) call(method string, req, resp interface{}) error {
	if err := c.client.Call(ServiceName+"."+method, req, resp); err != nil {
		return fmt.Errorf("RPC call failed: %w", err)
	}
	return nil
}

// Allocate allocates a rooted object through the server
func (c *Client) Allocate(size uint64, alignment concurrent.Alignment) (uint64, error) {
	resp := &AllocResponse{}
	if err := c.call("Allocate", &AllocRequest{Client: c.id, Size: size, Alignment: alignment}, resp); err != nil {
		return 0, err
	}
	if resp.Error != "" {
		return 0, fmt.Errorf("server error: %s", resp.Error)
	}

	c.mu.Lock()
	c.allocated[resp.Address] = size
	c.mu.Unlock()
	return resp.Address, nil
}

// Release drops the root of an object allocated through the server
func (c *Client) Release(addr uint64) error {
	resp := &ReleaseResponse{}
	if err := c.call("Release", &ReleaseRequest{Client: c.id, Address: addr}, resp); err != nil {
		return err
	}
	if resp.Error != "" {
		return fmt.Errorf("server error: %s", resp.Error)
	}

	c.mu.Lock()
	delete(c.allocated, addr)
	c.mu.Unlock()
	return nil
}

// Allocated returns how many objects the client holds
func (c *Client) Allocated() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.allocated)
}

// Collect runs a full collection on the server
func (c *Client) Collect() (heap.CollectorStats, error) {
	resp := &CollectResponse{}
	err := c.call("Collect", &CollectRequest{Client: c.id}, resp)
	return resp.Collector, err
}

// Stats returns a heap snapshot
func (c *Client) Stats() (heap.Stats, error) {
	resp := &StatsResponse{}
	err := c.call("Stats", &StatsRequest{Client: c.id}, resp)
	return resp.Stats, err
}

// Verify walks the server heap
func (c *Client) Verify() error {
	resp := &VerifyResponse{}
	if err := c.call("Verify", &VerifyRequest{Client: c.id}, resp); err != nil {
		return err
	}
	if resp.Error != "" {
		return fmt.Errorf("server error: %s", resp.Error)
	}
	return nil
}

// Close releases every object the client holds and closes the connection
func (c *Client) Close() error {
	c.mu.Lock()
	addrs := make([]uint64, 0, len(c.allocated))
	for addr := range c.allocated {
		addrs = append(addrs, addr)
	}
	c.mu.Unlock()

	for _, addr := range addrs {
		if err := c.Release(addr); err != nil {
			return err
		}
	}
	return c.client.Close()
}
