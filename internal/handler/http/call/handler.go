package call

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"duocall-backend/internal/call"
	"duocall-backend/internal/domain"
	"duocall-backend/pkg/audit"
	apperrors "duocall-backend/pkg/errors"
	"duocall-backend/pkg/logger"
	"duocall-backend/pkg/pagination"
	"duocall-backend/pkg/response"
)

// Controller is the call machine surface driven over HTTP
type Controller interface {
	State() call.State
	RequestCall(ctx context.Context, kind domain.CallKind) error
	CancelPermission(ctx context.Context) error
	StartCall(ctx context.Context, kind domain.CallKind) error
	AnswerCall(ctx context.Context, callID string, rec *domain.CallRecord) error
	RejectCall(ctx context.Context, callID string) error
	EndCall(ctx context.Context) error
	ToggleAudio(ctx context.Context) error
	ToggleVideo(ctx context.Context) error
	ToggleSpeaker(ctx context.Context) error
}

// HistoryLister reads finished calls, newest first
type HistoryLister interface {
	List(ctx context.Context, ownerID string, limit, offset int) ([]*domain.CallLog, error)
}

// AuditReader reads the call audit journal, newest first
type AuditReader interface {
	GetEvents(ctx context.Context, userID string, limit, offset int) ([]*audit.Event, error)
}

// Handler handles call control HTTP requests
type Handler struct {
	calls   Controller
	history HistoryLister
	audit   AuditReader
}

// NewHandler creates a new call handler. history may be nil when call
// history is not persisted.
func NewHandler(calls Controller, history HistoryLister) *Handler {
	return &Handler{
		calls:   calls,
		history: history,
	}
}

// WithAudit exposes the audit journal under /v1/call/audit
func (h *Handler) WithAudit(r AuditReader) *Handler {
	h.audit = r
	return h
}

// RegisterRoutes mounts the call control endpoints on v1
func (h *Handler) RegisterRoutes(v1 *gin.RouterGroup) {
	calls := v1.Group("/call")
	{
		calls.GET("/state", h.GetState)
		calls.POST("/request", h.RequestCall)
		calls.POST("/permission/cancel", h.CancelPermission)
		calls.POST("/start", h.StartCall)
		calls.POST("/answer", h.AnswerCall)
		calls.POST("/reject", h.RejectCall)
		calls.POST("/end", h.EndCall)
		calls.POST("/toggle/:what", h.Toggle)
		calls.GET("/history", h.GetHistory)
		if h.audit != nil {
			calls.GET("/audit", h.GetAudit)
		}
	}
}

// KindRequest selects the media kind of an outgoing call
type KindRequest struct {
	Kind domain.CallKind `json:"kind" binding:"required,oneof=audio video"`
}

// CallIDRequest names the incoming call to act on
type CallIDRequest struct {
	CallID string `json:"call_id" binding:"required"`
}

// GetState returns the current call state
// GET /v1/call/state
func (h *Handler) GetState(c *gin.Context) {
	response.Success(c, http.StatusOK, h.calls.State())
}

// RequestCall asks for media permission ahead of an outgoing call
// POST /v1/call/request
func (h *Handler) RequestCall(c *gin.Context) {
	var req KindRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}
	h.run(c, "request", func(ctx context.Context) error {
		return h.calls.RequestCall(ctx, req.Kind)
	})
}

// CancelPermission abandons a pending permission request
// POST /v1/call/permission/cancel
func (h *Handler) CancelPermission(c *gin.Context) {
	h.run(c, "cancel_permission", h.calls.CancelPermission)
}

// StartCall rings the partner
// POST /v1/call/start
func (h *Handler) StartCall(c *gin.Context) {
	var req KindRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}
	h.run(c, "start", func(ctx context.Context) error {
		return h.calls.StartCall(ctx, req.Kind)
	})
}

// AnswerCall accepts the ringing call
// POST /v1/call/answer
func (h *Handler) AnswerCall(c *gin.Context) {
	var req CallIDRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}
	h.run(c, "answer", func(ctx context.Context) error {
		return h.calls.AnswerCall(ctx, req.CallID, nil)
	})
}

// RejectCall declines the ringing call
// POST /v1/call/reject
func (h *Handler) RejectCall(c *gin.Context) {
	var req CallIDRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}
	h.run(c, "reject", func(ctx context.Context) error {
		return h.calls.RejectCall(ctx, req.CallID)
	})
}

// EndCall hangs up the current call
// POST /v1/call/end
func (h *Handler) EndCall(c *gin.Context) {
	h.run(c, "end", h.calls.EndCall)
}

// Toggle flips the microphone, camera or speaker
// POST /v1/call/toggle/:what
func (h *Handler) Toggle(c *gin.Context) {
	var fn func(context.Context) error
	switch c.Param("what") {
	case "audio":
		fn = h.calls.ToggleAudio
	case "video":
		fn = h.calls.ToggleVideo
	case "speaker":
		fn = h.calls.ToggleSpeaker
	default:
		response.ValidationError(c, "Toggle must be one of audio, video or speaker")
		return
	}
	h.run(c, "toggle_"+c.Param("what"), fn)
}

// GetHistory lists finished calls of the authenticated user
// GET /v1/call/history?page=1&limit=20
func (h *Handler) GetHistory(c *gin.Context) {
	if h.history == nil {
		response.AppError(c, apperrors.ServiceUnavailableError("call history is disabled"))
		return
	}

	params, err := pagination.Parse(c.Query("page"), c.Query("limit"))
	if err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	userID := c.GetString("user_id")
	logs, err := h.history.List(c.Request.Context(), userID, params.Limit+1, params.Offset)
	if err != nil {
		logger.FromContext(c.Request.Context()).Error("Failed to list call history",
			zap.String("user_id", userID),
			zap.Error(err))
		response.AppError(c, apperrors.DatabaseError(err))
		return
	}
	if logs == nil {
		logs = []*domain.CallLog{}
	}

	response.Success(c, http.StatusOK, pagination.Build(params, logs))
}

// GetAudit lists recent call lifecycle events of the authenticated user
// GET /v1/call/audit?page=1&limit=20
func (h *Handler) GetAudit(c *gin.Context) {
	params, err := pagination.Parse(c.Query("page"), c.Query("limit"))
	if err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	events, err := h.audit.GetEvents(c.Request.Context(), c.GetString("user_id"), params.Limit+1, params.Offset)
	if err != nil {
		logger.FromContext(c.Request.Context()).Warn("Failed to read audit journal", zap.Error(err))
		response.AppError(c, apperrors.ServiceUnavailableError("Audit journal unavailable"))
		return
	}

	response.Success(c, http.StatusOK, pagination.Build(params, events))
}

// run executes a machine operation and answers with the resulting state
func (h *Handler) run(c *gin.Context, name string, fn func(context.Context) error) {
	if err := fn(c.Request.Context()); err != nil {
		appErr := call.ToAppError(err)
		log := logger.FromContext(c.Request.Context()).With(zap.String("operation", name))
		if appErr.StatusCode >= http.StatusInternalServerError {
			log.Error("Call operation failed", zap.Error(err))
		} else {
			log.Info("Call operation refused", zap.String("code", string(appErr.Code)), zap.Error(err))
		}
		response.AppError(c, appErr)
		return
	}
	response.Success(c, http.StatusOK, h.calls.State())
}
