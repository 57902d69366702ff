// Package server exposes the read-only HTTP surface over the store: list
// and get endpoints for the four entities, plus health and metrics. It only
// reads through the store gateway's query helpers.
package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/uetsymphonique/checking-engine-pplab/internal/domain"
	"github.com/uetsymphonique/checking-engine-pplab/internal/metrics"
	"github.com/uetsymphonique/checking-engine-pplab/internal/store"
)

// Router provides the embeddable read-only handlers.
// Endpoints under /api/v1:
//
//	GET /operations
//	GET /operations/:id
//	GET /operations/:id/executions
//	GET /executions/:id
//	GET /executions/:id/detections
//	GET /detections?status=...&operation_id=...
//	GET /detections/:id
//	GET /detections/:id/results
//
// plus GET /health and GET /metrics at the root.
type Router struct {
	store store.Store
}

// NewRouter constructs a Router over st.
func NewRouter(st store.Store) *Router {
	return &Router{store: st}
}

// Handler returns an http.Handler powered by gin that can be mounted in any
// server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())

	g.GET("/health", r.handleHealth)
	g.GET("/metrics", gin.WrapH(metrics.Handler()))

	api := g.Group("/api/v1")
	api.GET("/operations", r.handleListOperations)
	api.GET("/operations/:id", r.handleGetOperation)
	api.GET("/operations/:id/executions", r.handleListExecutions)
	api.GET("/executions/:id", r.handleGetExecution)
	api.GET("/executions/:id/detections", r.handleListDetectionsByExecution)
	api.GET("/detections", r.handleListDetections)
	api.GET("/detections/:id", r.handleGetDetection)
	api.GET("/detections/:id/results", r.handleListResults)
	return g
}

// NewServer builds a standalone HTTP server for addr with this router; the
// caller starts it.
func NewServer(addr string, st store.Store) *http.Server {
	r := NewRouter(st)
	return &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

func (r *Router) handleHealth(c *gin.Context) {
	if err := r.store.Ping(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
		return
	}
	counts, err := r.store.CountDetectionsByStatus(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "detections": counts})
}

func (r *Router) handleListOperations(c *gin.Context) {
	limit, offset := pagination(c)
	ops, err := r.store.ListOperations(c.Request.Context(), limit, offset)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toOperationViews(ops))
}

func (r *Router) handleGetOperation(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	// Operations are addressed by their upstream id; fall back to the
	// internal id for convenience.
	op, err := r.store.GetOperationByExternalID(c.Request.Context(), id)
	if errors.Is(err, domain.ErrNotFound) {
		op, err = r.store.GetOperation(c.Request.Context(), id)
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toOperationView(op))
}

func (r *Router) handleListExecutions(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	limit, offset := pagination(c)
	exs, err := r.store.ListExecutionsByOperation(c.Request.Context(), id, limit, offset)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toExecutionViews(exs))
}

func (r *Router) handleGetExecution(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	ex, err := r.store.GetExecution(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toExecutionView(ex))
}

func (r *Router) handleListDetectionsByExecution(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	limit, offset := pagination(c)
	rows, err := r.store.ListDetectionExecutions(c.Request.Context(), store.DetectionExecutionFilter{
		ExecutionID: id,
		Limit:       limit,
		Offset:      offset,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toDetectionViews(rows))
}

func (r *Router) handleListDetections(c *gin.Context) {
	limit, offset := pagination(c)
	filter := store.DetectionExecutionFilter{Limit: limit, Offset: offset}
	if s := c.Query("status"); s != "" {
		status := domain.DetectionStatus(s)
		if !status.Valid() {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown status " + s})
			return
		}
		filter.Statuses = []domain.DetectionStatus{status}
	}
	if s := c.Query("operation_id"); s != "" {
		id, err := uuid.Parse(s)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid operation_id"})
			return
		}
		filter.OperationExternalID = id
	}
	rows, err := r.store.ListDetectionExecutions(c.Request.Context(), filter)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toDetectionViews(rows))
}

func (r *Router) handleGetDetection(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	row, err := r.store.GetDetectionExecution(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toDetectionView(row))
}

func (r *Router) handleListResults(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	rows, err := r.store.ListDetectionResults(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toResultViews(rows))
}

func pathID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return uuid.Nil, false
	}
	return id, true
}

func pagination(c *gin.Context) (limit, offset int) {
	limit = 100
	if v, err := strconv.Atoi(c.Query("limit")); err == nil && v > 0 && v <= 1000 {
		limit = v
	}
	if v, err := strconv.Atoi(c.Query("offset")); err == nil && v >= 0 {
		offset = v
	}
	return limit, offset
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, domain.ErrTransient):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
