package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/tokensentry/internal/assessments"
	"github.com/mbd888/tokensentry/internal/circuitbreaker"
	"github.com/mbd888/tokensentry/internal/health"
	"github.com/mbd888/tokensentry/internal/logging"
	"github.com/mbd888/tokensentry/internal/realtime"
	"github.com/mbd888/tokensentry/internal/risk"
	"github.com/mbd888/tokensentry/internal/validation"
)

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	LastBlock uint64          `json:"lastBlock"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, checks := s.health.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   s.version,
		Checks:    checks,
		LastBlock: s.scanner.LastBlock(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// StatusResponse describes the running engine.
type StatusResponse struct {
	Factors           []risk.Factor  `json:"factors"`
	Weights           risk.Weights   `json:"weights"`
	HighRiskThreshold int            `json:"highRiskThreshold"`
	LastBlock         uint64         `json:"lastBlock"`
	Assessed          int64          `json:"assessed"`
	Realtime          realtime.Stats `json:"realtime"`

	// Upstreams lists the circuit state of every price or explorer
	// upstream that has failed at least once.
	Upstreams map[string]circuitbreaker.State `json:"upstreams"`
}

func (s *Server) statusHandler(c *gin.Context) {
	c.JSON(http.StatusOK, StatusResponse{
		Factors:           s.aggregator.Factors(),
		Weights:           s.aggregator.Weights(),
		HighRiskThreshold: s.alerts.Threshold(),
		LastBlock:         s.scanner.LastBlock(),
		Assessed:          s.monitor.Assessed(),
		Realtime:          s.hub.Stats(),
		Upstreams:         s.breaker.Snapshot(),
	})
}

func (s *Server) listAssessmentsHandler(c *gin.Context) {
	addr, _ := validation.Address(c)

	limit, ok := validation.Limit(c, assessments.DefaultListLimit)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_limit",
			"message": "limit must be between 1 and 100",
		})
		return
	}

	list, err := s.assessments.ListByToken(c.Request.Context(), addr, limit)
	if err != nil {
		logging.L(c.Request.Context()).Error("failed to list assessments", logging.Token(addr), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to list assessments",
		})
		return
	}
	if list == nil {
		list = []*risk.Assessment{}
	}

	c.JSON(http.StatusOK, gin.H{
		"token":       addr.Hex(),
		"assessments": list,
		"count":       len(list),
	})
}
