package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mclisten-project/mclisten/internal/config"
	"github.com/mclisten-project/mclisten/internal/protocol"
	"github.com/mclisten-project/mclisten/internal/util"
)

// handlePing returns a simple health check response.
func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "mclisten",
		"version": config.Version,
	})
}

// handleInfo describes the proxy and its host.
func (s *Server) handleInfo(c *gin.Context) {
	proxy := s.cfg.GetProxy()
	sysInfo := util.GetSystemInfo()

	registrySize := 0
	if s.names != nil {
		registrySize = s.names.Len()
	}

	c.JSON(http.StatusOK, gin.H{
		"version":          config.Version,
		"protocol_version": protocol.ProtocolVersion,
		"listen":           proxy.ListenAddr(),
		"upstream":         proxy.UpstreamAddr(),
		"registry_entries": registrySize,
		"capture_enabled":  s.capture != nil,
		"system":           sysInfo,
	})
}
