// Package api exposes the runner's local session operations over HTTP for
// the control plane.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/ai-village/villaged/internal/common/errors"
	"github.com/ai-village/villaged/internal/common/logger"
	"github.com/ai-village/villaged/internal/provider"
	"github.com/ai-village/villaged/internal/pty"
	"github.com/ai-village/villaged/internal/session"
)

// Handler contains the runner's HTTP handlers.
type Handler struct {
	sessions *session.Manager
	registry *provider.Registry
	ptys     *pty.Manager
	logger   *logger.Logger
}

// NewHandler creates a runner API handler.
func NewHandler(sessions *session.Manager, registry *provider.Registry, ptys *pty.Manager, log *logger.Logger) *Handler {
	return &Handler{
		sessions: sessions,
		registry: registry,
		ptys:     ptys,
		logger:   log.WithFields(zap.String("component", "runner-api")),
	}
}

// StartSession starts a session and attaches its provider adapter.
// POST /api/v1/sessions
func (h *Handler) StartSession(c *gin.Context) {
	var cfg session.Config
	if err := c.ShouldBindJSON(&cfg); err != nil {
		writeError(c, apperrors.BadRequest("invalid request body: "+err.Error()))
		return
	}
	if cfg.SessionID == "" {
		writeError(c, apperrors.ValidationError("session_id", "is required"))
		return
	}

	adapter, err := h.registry.Create(cfg.ProviderID)
	if err != nil {
		writeError(c, apperrors.UnsupportedProvider(cfg.ProviderID))
		return
	}

	state, err := h.sessions.StartSession(c.Request.Context(), cfg)
	if err != nil {
		h.logger.Error("failed to start session",
			zap.String("session_id", cfg.SessionID),
			zap.Error(err))
		writeError(c, err)
		return
	}

	if err := h.sessions.SetProviderAdapter(cfg.SessionID, adapter); err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, state)
}

// GetSession returns the session's runtime state.
// GET /api/v1/sessions/:sessionId
func (h *Handler) GetSession(c *gin.Context) {
	state, err := h.sessions.GetSessionState(c.Param("sessionId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

// SendInput forwards input bytes to the provider.
// POST /api/v1/sessions/:sessionId/input
func (h *Handler) SendInput(c *gin.Context) {
	var req InputRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apperrors.BadRequest("invalid request body: "+err.Error()))
		return
	}
	if err := h.sessions.SendInput(c.Request.Context(), c.Param("sessionId"), []byte(req.Data)); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// PauseSession pauses the session.
// POST /api/v1/sessions/:sessionId/pause
func (h *Handler) PauseSession(c *gin.Context) {
	if err := h.sessions.PauseSession(c.Param("sessionId")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// ResumeSession resumes the session.
// POST /api/v1/sessions/:sessionId/resume
func (h *Handler) ResumeSession(c *gin.Context) {
	if err := h.sessions.ResumeSession(c.Param("sessionId")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// StopSession initiates the STOPPING transition.
// POST /api/v1/sessions/:sessionId/stop
func (h *Handler) StopSession(c *gin.Context) {
	req := StopRequest{Graceful: true}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, apperrors.BadRequest("invalid request body: "+err.Error()))
			return
		}
	}
	if err := h.sessions.StopSession(c.Param("sessionId"), req.Graceful); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// ResolveApproval resolves a pending approval.
// POST /api/v1/sessions/:sessionId/approvals/:approvalId
func (h *Handler) ResolveApproval(c *gin.Context) {
	var req ApprovalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apperrors.BadRequest("invalid request body: "+err.Error()))
		return
	}
	decision := session.ApprovalDecision(req.Decision)
	if decision != session.DecisionAllow && decision != session.DecisionDeny {
		writeError(c, apperrors.ValidationError("decision", "must be allow or deny"))
		return
	}
	if err := h.sessions.ResolveApproval(c.Param("sessionId"), c.Param("approvalId"), decision, req.Note); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// GetBuffer returns the PTY ring buffer for diagnostics.
// GET /api/v1/sessions/:sessionId/buffer
func (h *Handler) GetBuffer(c *gin.Context) {
	sessionID := c.Param("sessionId")
	if _, err := h.sessions.GetSessionState(sessionID); err != nil {
		writeError(c, err)
		return
	}
	chunks := h.ptys.GetBuffer(sessionID)
	out := make([]BufferChunk, 0, len(chunks))
	for _, chunk := range chunks {
		out = append(out, BufferChunk{
			Data:      string(chunk.Data),
			Timestamp: chunk.Timestamp,
		})
	}
	c.JSON(http.StatusOK, gin.H{"chunks": out})
}

// ListSessions lists active session ids.
// GET /api/v1/sessions
func (h *Handler) ListSessions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"session_ids": h.sessions.SessionIDs()})
}

func writeError(c *gin.Context, err error) {
	if appErr, ok := err.(*apperrors.AppError); ok {
		c.JSON(appErr.HTTPStatus, gin.H{"error": appErr})
		return
	}
	appErr := apperrors.InternalError("internal error", err)
	c.JSON(appErr.HTTPStatus, gin.H{"error": appErr})
}
