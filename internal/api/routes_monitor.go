package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mclisten-project/mclisten/internal/protocol"
	"github.com/mclisten-project/mclisten/internal/util"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// handleStats returns the traffic counters.
func (s *Server) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.stats.Snapshot())
}

// handleProcess returns resource usage of the proxy process.
func (s *Server) handleProcess(c *gin.Context) {
	c.JSON(http.StatusOK, util.GetProcessUsage())
}

// handleSessions lists running sessions and recently closed ones.
func (s *Server) handleSessions(c *gin.Context) {
	active := s.sessions.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"active": active,
		"recent": s.stats.Recent(),
		"total":  len(active),
	})
}

// handleSession returns one running or recently closed session.
func (s *Server) handleSession(c *gin.Context) {
	id := c.Param("id")
	if sess, ok := s.sessions.Get(id); ok {
		c.JSON(http.StatusOK, gin.H{"state": "active", "session": sess.Info()})
		return
	}
	if sum, ok := s.stats.RecentSession(id); ok {
		c.JSON(http.StatusOK, gin.H{"state": "closed", "session": sum})
		return
	}
	c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
}

// handleRegistryLookup resolves a packet name. The id accepts decimal or
// 0x-prefixed hex.
func (s *Server) handleRegistryLookup(c *gin.Context) {
	phase, err := protocol.ParsePhase(c.Param("phase"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	dir, err := protocol.ParseDirection(c.Param("direction"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	id, err := strconv.ParseUint(c.Param("id"), 0, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid packet id"})
		return
	}

	resp := gin.H{
		"phase":     phase,
		"direction": dir,
		"id":        id,
		"id_hex":    fmt.Sprintf("0x%02X", id),
	}
	name, ok := "", false
	if s.names != nil {
		name, ok = s.names.Lookup(phase, dir, uint32(id))
	}
	if !ok {
		resp["error"] = "packet not in registry"
		c.JSON(http.StatusNotFound, resp)
		return
	}
	resp["name"] = name
	c.JSON(http.StatusOK, resp)
}

// handleHealth returns the latest upstream and disk check results.
func (s *Server) handleHealth(c *gin.Context) {
	if s.health == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "health checks are disabled"})
		return
	}
	c.JSON(http.StatusOK, s.health.Status())
}

// handleCaptureSessions lists captured sessions, newest first.
func (s *Server) handleCaptureSessions(c *gin.Context) {
	if s.capture == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "capture is disabled"})
		return
	}
	limit, ok := queryLimit(c)
	if !ok {
		return
	}
	sessions, err := s.capture.RecentSessions(limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("capture query failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "capture query failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions, "total": len(sessions)})
}

// handleCapturePackets lists captured packets of one session.
func (s *Server) handleCapturePackets(c *gin.Context) {
	if s.capture == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "capture is disabled"})
		return
	}
	limit, ok := queryLimit(c)
	if !ok {
		return
	}
	packets, err := s.capture.SessionPackets(c.Param("id"), limit)
	if err != nil {
		s.logger.Error().Err(err).Msg("capture query failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "capture query failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"packets": packets, "total": len(packets)})
}

// queryLimit parses ?limit=, writing a 400 response when it is invalid.
func queryLimit(c *gin.Context) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return defaultListLimit, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
		return 0, false
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return limit, true
}
