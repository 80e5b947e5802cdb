package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"crypto-paper-trader/internal/database"
	"crypto-paper-trader/internal/executor"
)

func (s *Server) handleHealth(c *gin.Context) {
	if err := s.repo.HealthCheck(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleOpportunities(c *gin.Context) {
	forceRefresh := c.Query("refresh") == "true"
	opps, err := s.engine.FindOpportunities(c.Request.Context(), forceRefresh)
	if err != nil {
		s.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, opps)
}

func (s *Server) handleCandidates(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
		return
	}
	candidates, err := s.engine.LatestCandidates(c.Request.Context(), limit)
	if err != nil {
		s.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"candidates": candidates})
}

func (s *Server) handleRecommendations(c *gin.Context) {
	recs, err := s.engine.ActiveRecommendations(c.Request.Context())
	if err != nil {
		s.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"recommendations": recs})
}

func (s *Server) handleGenerateRecommendations(c *gin.Context) {
	var req struct {
		MaxBuy  int `json:"max_buy"`
		MaxSell int `json:"max_sell"`
	}
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	batch, err := s.engine.GenerateRecommendations(c.Request.Context(), req.MaxBuy, req.MaxSell)
	if err != nil {
		s.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, batch)
}

func (s *Server) handleListApprovals(c *gin.Context) {
	approvals, err := s.engine.ListPendingApprovals(c.Request.Context())
	if err != nil {
		s.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"approvals": approvals})
}

func (s *Server) handleApprove(c *gin.Context) {
	disposition, err := s.engine.Approve(c.Request.Context(), c.Param("id"))
	if err != nil {
		if err == database.ErrApprovalNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": "approval not found"})
			return
		}
		s.internalError(c, err)
		return
	}
	c.JSON(dispositionStatus(disposition), disposition)
}

func (s *Server) handleReject(c *gin.Context) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	disposition, err := s.engine.Reject(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		if err == database.ErrApprovalNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": "approval not found"})
			return
		}
		s.internalError(c, err)
		return
	}
	c.JSON(dispositionStatus(disposition), disposition)
}

func (s *Server) handlePositions(c *gin.Context) {
	positions, err := s.repo.ListPositions(c.Request.Context())
	if err != nil {
		s.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"positions": positions})
}

func (s *Server) handleExecutionStats(c *gin.Context) {
	stats, err := s.engine.GetExecutionStats(c.Request.Context())
	if err != nil {
		s.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) handleMonitoringStats(c *gin.Context) {
	stats, err := s.engine.GetMonitoringStats(c.Request.Context())
	if err != nil {
		s.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) handleBreakers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"breakers": s.breakers.Snapshots()})
}

// dispositionStatus maps executor outcomes onto HTTP codes so callers can
// tell risk-denied apart from expiry and from plain success.
func dispositionStatus(d *executor.Disposition) int {
	switch d.Status {
	case executor.StatusDenied:
		return http.StatusUnprocessableEntity
	case executor.StatusExpired:
		return http.StatusGone
	case executor.StatusBlocked:
		return http.StatusServiceUnavailable
	default:
		return http.StatusOK
	}
}

func (s *Server) internalError(c *gin.Context, err error) {
	s.logger.Error("request failed",
		"path", c.Request.URL.Path, "error", err.Error())
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}
