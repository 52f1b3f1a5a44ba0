package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/qa-toolchain/testflow/pkg/store"
)

// CreateWatcherRequest is the body for POST /api/watchers.
type CreateWatcherRequest struct {
	Repo    string   `json:"repo" binding:"required"`
	Branch  string   `json:"branch,omitempty"`
	Paths   []string `json:"paths,omitempty"`
	Enabled *bool    `json:"enabled,omitempty"`
}

// UpdateWatcherRequest is the body for PATCH /api/watchers/:id.
type UpdateWatcherRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

func (s *Server) listWatchers(c *gin.Context) {
	rows, err := s.stores.Watchers.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"watchers": rows})
}

func (s *Server) createWatcher(c *gin.Context) {
	var req CreateWatcherRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	w := &store.Watcher{
		Repo:    req.Repo,
		Branch:  req.Branch,
		Paths:   req.Paths,
		Enabled: enabled,
	}
	if err := s.stores.Watchers.Create(c.Request.Context(), w); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, w)
}

func (s *Server) updateWatcher(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid watcher id"})
		return
	}

	var req UpdateWatcherRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.stores.Watchers.SetEnabled(c.Request.Context(), id, *req.Enabled); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "watcher not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "enabled": *req.Enabled})
}

func (s *Server) deleteWatcher(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid watcher id"})
		return
	}

	if err := s.stores.Watchers.Delete(c.Request.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "watcher not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}
