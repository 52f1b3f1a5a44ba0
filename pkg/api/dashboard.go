package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/qa-toolchain/testflow/pkg/agent"
	"github.com/qa-toolchain/testflow/pkg/store"
)

func (s *Server) listReports(c *gin.Context) {
	rows, err := s.stores.TestReports.ListRecent(c.Request.Context(), limitParam(c, 50))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"reports": rows})
}

func (s *Server) listRecommendations(c *gin.Context) {
	rows, err := s.stores.Recommendations.ListRecent(c.Request.Context(), limitParam(c, 50))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"recommendations": rows})
}

func (s *Server) searchLogs(c *gin.Context) {
	rows, err := s.stores.Logs.Search(c.Request.Context(), store.LogQuery{
		Level: c.Query("level"),
		Query: c.Query("q"),
		Limit: limitParam(c, 100),
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"logs": rows})
}

// dashboard aggregates bus stats and per-agent health snapshots.
func (s *Server) dashboard(c *gin.Context) {
	stats, err := s.bus.Stats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}

	snapshots := []agent.Snapshot{}
	if s.agents != nil {
		for _, rt := range s.agents.Agents() {
			snapshots = append(snapshots, rt.Snapshot())
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"bus":    stats,
		"agents": snapshots,
	})
}

func (s *Server) audit(c *gin.Context) {
	entries, err := s.bus.Audit(c.Request.Context(), int64(limitParam(c, 100)))
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"audit": entries})
}
