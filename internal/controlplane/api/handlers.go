// Package api exposes the control plane's HTTP/JSON API.
package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/ai-village/villaged/internal/common/errors"
	"github.com/ai-village/villaged/internal/common/logger"
	"github.com/ai-village/villaged/internal/controlplane/fleet"
	"github.com/ai-village/villaged/internal/controlplane/sessions"
	"github.com/ai-village/villaged/internal/session"
)

// Handler contains the control plane's HTTP handlers.
type Handler struct {
	sessions *sessions.Handler
	fleet    *fleet.Handler
	auth     sessions.AuthorizationProvider
	logger   *logger.Logger
}

// NewHandler creates an API handler.
func NewHandler(sessionHandler *sessions.Handler, fleetHandler *fleet.Handler, auth sessions.AuthorizationProvider, log *logger.Logger) *Handler {
	if auth == nil {
		auth = sessions.AllowAll{}
	}
	return &Handler{
		sessions: sessionHandler,
		fleet:    fleetHandler,
		auth:     auth,
		logger:   log.WithFields(zap.String("component", "controlplane-api")),
	}
}

// CreateSession creates a new agent session.
// POST /runner/sessions
func (h *Handler) CreateSession(c *gin.Context) {
	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apperrors.BadRequest("invalid request body: "+err.Error()))
		return
	}

	if err := h.auth.Authorize(c.Request.Context(), req.UserID, "session.create", req.VillageID); err != nil {
		writeError(c, apperrors.Forbidden(err.Error()))
		return
	}

	sessionID, agentID, err := h.sessions.CreateSession(c.Request.Context(), req.ToSessionConfig())
	if err != nil {
		h.logger.Error("failed to create session", zap.Error(err))
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, CreateSessionResponse{SessionID: sessionID, AgentID: agentID})
}

// GetSession returns the session runtime state.
// GET /runner/sessions/:sessionId
func (h *Handler) GetSession(c *gin.Context) {
	state, err := h.sessions.GetSession(c.Request.Context(), c.Param("sessionId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

// ListSessions returns stored session records.
// GET /runner/sessions
func (h *Handler) ListSessions(c *gin.Context) {
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeError(c, apperrors.ValidationError("limit", "must be a positive integer"))
			return
		}
		limit = parsed
	}
	records, err := h.sessions.ListSessions(c.Request.Context(), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": records})
}

// SendInput forwards input to the session's provider.
// POST /runner/sessions/:sessionId/input
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
// POST /runner/sessions/:sessionId/pause
func (h *Handler) PauseSession(c *gin.Context) {
	if err := h.sessions.PauseSession(c.Request.Context(), c.Param("sessionId")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// ResumeSession resumes the session.
// POST /runner/sessions/:sessionId/resume
func (h *Handler) ResumeSession(c *gin.Context) {
	if err := h.sessions.ResumeSession(c.Request.Context(), c.Param("sessionId")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// StopSession stops the session.
// POST /runner/sessions/:sessionId/stop
func (h *Handler) StopSession(c *gin.Context) {
	graceful := true
	if c.Request.ContentLength > 0 {
		var req StopRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, apperrors.BadRequest("invalid request body: "+err.Error()))
			return
		}
		if req.Graceful != nil {
			graceful = *req.Graceful
		}
	}
	if err := h.sessions.StopSession(c.Request.Context(), c.Param("sessionId"), graceful); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// ResolveApproval resolves a pending approval.
// POST /runner/sessions/:sessionId/approvals/:approvalId
func (h *Handler) ResolveApproval(c *gin.Context) {
	var req ApprovalDecisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apperrors.BadRequest("invalid request body: "+err.Error()))
		return
	}
	decision := session.ApprovalDecision(req.Decision)
	if decision != session.DecisionAllow && decision != session.DecisionDeny {
		writeError(c, apperrors.ValidationError("decision", "must be allow or deny"))
		return
	}
	if err := h.sessions.ResolveApproval(c.Request.Context(), c.Param("sessionId"), c.Param("approvalId"), decision, req.Note); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// GetBuffer returns the session's terminal ring buffer.
// GET /runner/sessions/:sessionId/buffer
func (h *Handler) GetBuffer(c *gin.Context) {
	chunks, err := h.sessions.GetBuffer(c.Request.Context(), c.Param("sessionId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"chunks": chunks})
}

// --- fleet endpoints (typically internal) ---

// RegisterRunner registers or refreshes a runner.
// POST /runners/register
func (h *Handler) RegisterRunner(c *gin.Context) {
	var req fleet.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apperrors.BadRequest("invalid request body: "+err.Error()))
		return
	}
	runner, err := h.fleet.RegisterRunner(req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, runner)
}

// Heartbeat processes a runner heartbeat.
// POST /runners/:runnerId/heartbeat
func (h *Handler) Heartbeat(c *gin.Context) {
	var hb fleet.Heartbeat
	if err := c.ShouldBindJSON(&hb); err != nil {
		writeError(c, apperrors.BadRequest("invalid request body: "+err.Error()))
		return
	}
	hb.RunnerID = c.Param("runnerId")
	if err := h.fleet.ProcessHeartbeat(hb); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// DrainRunner marks a runner as draining.
// POST /runners/:runnerId/drain
func (h *Handler) DrainRunner(c *gin.Context) {
	if err := h.fleet.DrainRunner(c.Param("runnerId")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// RemoveRunner deletes a runner without active sessions.
// DELETE /runners/:runnerId
func (h *Handler) RemoveRunner(c *gin.Context) {
	if err := h.fleet.RemoveRunner(c.Param("runnerId")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// ListRunners lists runners with filtering and pagination.
// GET /runners?status=&providerId=&page=&pageSize=
func (h *Handler) ListRunners(c *gin.Context) {
	page, pageSize := 1, 50
	if raw := c.Query("page"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeError(c, apperrors.ValidationError("page", "must be an integer"))
			return
		}
		page = parsed
	}
	if raw := c.Query("pageSize"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeError(c, apperrors.ValidationError("pageSize", "must be an integer"))
			return
		}
		pageSize = parsed
	}

	filters := &fleet.ListFilters{
		Status:     fleet.RunnerStatus(c.Query("status")),
		ProviderID: c.Query("providerId"),
	}

	runners, total, err := h.fleet.ListRunners(fleet.Pagination{Page: page, PageSize: pageSize}, filters)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"runners":  runners,
		"total":    total,
		"page":     page,
		"pageSize": pageSize,
	})
}

// GetCapacity returns fleet-wide session capacity.
// GET /runners/capacity
func (h *Handler) GetCapacity(c *gin.Context) {
	c.JSON(http.StatusOK, h.fleet.GetCapacity())
}

func writeError(c *gin.Context, err error) {
	if appErr, ok := err.(*apperrors.AppError); ok {
		c.JSON(appErr.HTTPStatus, gin.H{"error": appErr})
		return
	}
	appErr := apperrors.InternalError("internal error", err)
	c.JSON(appErr.HTTPStatus, gin.H{"error": appErr})
}
