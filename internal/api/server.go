// Package api exposes the HTTP surface: job enqueueing, status lookups and
// the observability endpoints.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"post-queue/internal/metrics"
	"post-queue/internal/queue"
	"post-queue/internal/store"
)

var timeNow = time.Now

// Server wires the queue components behind a gin router.
type Server struct {
	apiKey   string
	store    *queue.Store
	status   *store.Store
	factory  *queue.Factory
	limiter  *queue.RateLimiter
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer
	log      *zap.Logger
}

// NewServer builds the API server.
func NewServer(apiKey string, st *queue.Store, status *store.Store, factory *queue.Factory, limiter *queue.RateLimiter, m *metrics.Metrics, gatherer prometheus.Gatherer, log *zap.Logger) *Server {
	return &Server{
		apiKey:   apiKey,
		store:    st,
		status:   status,
		factory:  factory,
		limiter:  limiter,
		metrics:  m,
		gatherer: gatherer,
		log:      log,
	}
}

// Router returns the configured gin engine.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", s.health)
	r.GET("/metrics", s.serveMetrics)

	authed := r.Group("/", s.requireAPIKey)
	authed.POST("/jobs", s.enqueueJob)
	authed.GET("/jobs/:id", s.getJob)
	authed.GET("/stats", s.getStats)
	authed.GET("/dlq", s.getDeadLetters)

	return r
}

func (s *Server) requireAPIKey(c *gin.Context) {
	if s.apiKey != "" && c.GetHeader("X-API-Key") != s.apiKey {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid api key"})
		return
	}
	c.Next()
}

func (s *Server) health(c *gin.Context) {
	if err := s.store.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type enqueueRequest struct {
	Type     string          `json:"type" binding:"required"`
	Payload  json.RawMessage `json:"payload" binding:"required"`
	Priority int             `json:"priority"`
}

func (s *Server) enqueueJob(c *gin.Context) {
	var req enqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if req.Priority == 0 {
		req.Priority = int(queue.PriorityNormal)
	}
	priority := queue.Priority(req.Priority)
	if !priority.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "priority must be between 1 and 4"})
		return
	}

	// Eager validation: producers get a synchronous rejection instead of
	// discovering a dead-lettered job later.
	if err := s.factory.Validate(req.Type, req.Payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	rec := queue.NewJobRecord(req.Type, req.Payload, priority, timeNow())
	id, err := s.store.Enqueue(c.Request.Context(), rec)
	if err != nil {
		s.log.Error("enqueue failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "queue store unavailable"})
		return
	}

	if err := s.status.SetStatus(c.Request.Context(), id, store.StatusQueued, map[string]any{
		"type":     req.Type,
		"priority": req.Priority,
	}); err != nil {
		s.log.Warn("status write failed", zap.Error(err))
	}

	c.JSON(http.StatusAccepted, gin.H{"id": id, "status": "accepted"})
}

func (s *Server) getJob(c *gin.Context) {
	data, err := s.status.GetJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	if len(data) == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	c.JSON(http.StatusOK, data)
}

func (s *Server) getStats(c *gin.Context) {
	ctx := c.Request.Context()

	stats, err := s.store.Stats(ctx)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	snaps, err := s.limiter.Snapshots(ctx)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"queues":        stats,
		"rate_limiters": snaps,
	})
}

func (s *Server) getDeadLetters(c *gin.Context) {
	limit, err := strconv.ParseInt(c.DefaultQuery("limit", "50"), 10, 64)
	if err != nil || limit < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
		return
	}

	entries, err := s.store.DeadLetters(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, entries)
}

// serveMetrics refreshes the queue-depth gauges, then serves the registry.
func (s *Server) serveMetrics(c *gin.Context) {
	if stats, err := s.store.Stats(c.Request.Context()); err != nil {
		s.log.Warn("stats refresh failed", zap.Error(err))
	} else {
		for lane, depth := range stats.Lanes {
			s.metrics.QueueDepth.WithLabelValues(lane).Set(float64(depth))
		}
		s.metrics.RetrySetSize.Set(float64(stats.RetrySet))
		s.metrics.DeadLetters.Set(float64(stats.DeadLetter))
	}

	promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}).ServeHTTP(c.Writer, c.Request)
}
