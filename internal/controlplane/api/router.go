package api

import (
	"github.com/gin-gonic/gin"

	"github.com/ai-village/villaged/internal/common/logger"
	"github.com/ai-village/villaged/internal/controlplane/fleet"
	"github.com/ai-village/villaged/internal/controlplane/sessions"
)

// SetupRoutes configures the control plane API routes on the engine root.
func SetupRoutes(router *gin.Engine, sessionHandler *sessions.Handler, fleetHandler *fleet.Handler, auth sessions.AuthorizationProvider, log *logger.Logger) {
	handler := NewHandler(sessionHandler, fleetHandler, auth, log)

	s := router.Group("/runner/sessions")
	{
		s.GET("", handler.ListSessions)
		s.POST("", handler.CreateSession)
		s.GET("/:sessionId", handler.GetSession)
		s.POST("/:sessionId/input", handler.SendInput)
		s.POST("/:sessionId/pause", handler.PauseSession)
		s.POST("/:sessionId/resume", handler.ResumeSession)
		s.POST("/:sessionId/stop", handler.StopSession)
		s.POST("/:sessionId/approvals/:approvalId", handler.ResolveApproval)
		s.GET("/:sessionId/buffer", handler.GetBuffer)
	}

	r := router.Group("/runners")
	{
		r.POST("/register", handler.RegisterRunner)
		r.POST("/:runnerId/heartbeat", handler.Heartbeat)
		r.POST("/:runnerId/drain", handler.DrainRunner)
		r.DELETE("/:runnerId", handler.RemoveRunner)
		r.GET("", handler.ListRunners)
		r.GET("/capacity", handler.GetCapacity)
	}
}
