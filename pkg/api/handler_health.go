package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/dialtone-ai/rtbroker/pkg/version"
)

// healthHandler handles GET /health.
// Returns a minimal, safe response suitable for unauthenticated access. The
// broker carries no external dependency checks here: upstream availability is
// per-session, not a process health concern.
func (s *Server) healthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":          "healthy",
		"version":         version.GitCommit,
		"active_sessions": s.SessionCount(),
	})
}
