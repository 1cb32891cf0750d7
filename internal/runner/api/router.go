package api

import (
	"github.com/gin-gonic/gin"

	"github.com/ai-village/villaged/internal/common/logger"
	"github.com/ai-village/villaged/internal/provider"
	"github.com/ai-village/villaged/internal/pty"
	"github.com/ai-village/villaged/internal/session"
)

// SetupRoutes configures the runner API routes.
// router should be the /api/v1 group.
func SetupRoutes(router *gin.RouterGroup, sessions *session.Manager, registry *provider.Registry, ptys *pty.Manager, log *logger.Logger) {
	handler := NewHandler(sessions, registry, ptys, log)

	s := router.Group("/sessions")
	{
		s.GET("", handler.ListSessions)
		s.POST("", handler.StartSession)
		s.GET("/:sessionId", handler.GetSession)
		s.POST("/:sessionId/input", handler.SendInput)
		s.POST("/:sessionId/pause", handler.PauseSession)
		s.POST("/:sessionId/resume", handler.ResumeSession)
		s.POST("/:sessionId/stop", handler.StopSession)
		s.POST("/:sessionId/approvals/:approvalId", handler.ResolveApproval)
		s.GET("/:sessionId/buffer", handler.GetBuffer)
	}
}
