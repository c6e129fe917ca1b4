// Package status serves heap statistics and controls over HTTP.
package status

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/shenjiangwei/concAllocator/heap"
	"github.com/shenjiangwei/concAllocator/logger"
	"github.com/shenjiangwei/concAllocator/mpool"
)

const (
	defaultInterval = time.Second
	minInterval     = 10 * time.Millisecond
)

type handlers struct {
	heap *heap.Heap
	pool *mpool.MemoryPool
}

// StatsResponse is the body of GET /stats.
type StatsResponse struct {
	Heap heap.Stats       `json:"heap"`
	Pool *mpool.PoolStats `json:"pool,omitempty"`
}

func (s *handlers) snapshot() StatsResponse {
	resp := StatsResponse{Heap: s.heap.Stats()}
	if s.pool != nil {
		stats := s.pool.Stats()
		resp.Pool = &stats
	}
	return resp
}

// NewRouter builds the status routes for h. pool may be nil.
func NewRouter(h *heap.Heap, pool *mpool.MemoryPool) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	s := &handlers{heap: h, pool: pool}

	router := gin.New()
	router.Use(gin.Recovery(), logRequests)
	router.GET("/stats", s.stats)
	router.GET("/events", s.events)
	router.GET("/verify", s.verify)
	router.POST("/gc", s.collect)
	marking := router.Group("/marking")
	{
		marking.POST("/start", s.startMarking)
		marking.POST("/abort", s.abortMarking)
	}
	return router
}

func logRequests(c *gin.Context) {
	begin := time.Now()
	c.Next()
	logger.Debug("%s %s %d %v", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(begin))
}

func (s *handlers) stats(c *gin.Context) {
	c.JSON(http.StatusOK, s.snapshot())
}

func (s *handlers) collect(c *gin.Context) {
	s.heap.CollectGarbage()
	c.JSON(http.StatusOK, s.heap.Collector().Stats())
}

func (s *handlers) startMarking(c *gin.Context) {
	s.heap.StartIncrementalMarking()
	c.JSON(http.StatusOK, gin.H{"marking": s.heap.IsMarking()})
}

func (s *handlers) abortMarking(c *gin.Context) {
	s.heap.AbortIncrementalMarking()
	c.JSON(http.StatusOK, gin.H{"marking": s.heap.IsMarking()})
}

func (s *handlers) verify(c *gin.Context) {
	if err := s.heap.Verify(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// events streams a stats snapshot every interval, count times or until the
// client goes away.
func (s *handlers) events(c *gin.Context) {
	count, err := strconv.Atoi(c.DefaultQuery("count", "0"))
	if err != nil || count < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid count"})
		return
	}
	interval, err := time.ParseDuration(c.DefaultQuery("interval", defaultInterval.String()))
	if err != nil || interval < minInterval {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid interval"})
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	sent := 0
	c.Stream(func(w io.Writer) bool {
		c.Render(-1, sse.Event{
			Event: "stats",
			Id:    strconv.Itoa(sent),
			Data:  s.snapshot(),
		})
		sent++
		if count > 0 && sent >= count {
			return false
		}
		select {
		case <-ticker.C:
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

// Server is the HTTP server around the status routes.
type Server struct {
	http *http.Server
}

// NewServer creates a status server on address. With useH2C the server also
// speaks cleartext HTTP/2.
func NewServer(address string, h *heap.Heap, pool *mpool.MemoryPool, useH2C bool) *Server {
	return &Server{http: &http.Server{
		Addr:              address,
		Handler:           Handler(NewRouter(h, pool), useH2C),
		ReadHeaderTimeout: 5 * time.Second,
	}}
}

// Handler wraps router for cleartext HTTP/2 when useH2C is set.
func Handler(router *gin.Engine, useH2C bool) http.Handler {
	if !useH2C {
		return router
	}
	return h2c.NewHandler(router, &http2.Server{})
}

// ListenAndServe serves until Shutdown.
func (s *Server) ListenAndServe() error {
	logger.Info("Status server listening on %s", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server, waiting for requests in flight.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
