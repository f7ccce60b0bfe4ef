package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/health-assessment-client/internal/service"
	"github.com/noah-isme/health-assessment-client/pkg/response"
)

// SessionHandler serves session snapshots and report downloads.
type SessionHandler struct {
	sessions *service.SessionService
	exports  *service.ExportService
}

// NewSessionHandler constructs handler.
func NewSessionHandler(sessions *service.SessionService, exports *service.ExportService) *SessionHandler {
	return &SessionHandler{sessions: sessions, exports: exports}
}

// Register mounts session routes on the group.
func (h *SessionHandler) Register(group *gin.RouterGroup) {
	group.GET("/sessions/:sessionId", h.Get)
	group.GET("/sessions/:sessionId/export", h.Export)
}

// Get returns the latest snapshot of a session.
func (h *SessionHandler) Get(c *gin.Context) {
	session, cached, err := h.sessions.Get(c.Request.Context(), c.Param("sessionId"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, session, map[string]interface{}{"cached": cached})
}

// Export renders the session as a CSV or PDF attachment.
func (h *SessionHandler) Export(c *gin.Context) {
	format, err := service.ParseReportFormat(c.Query("format"))
	if err != nil {
		response.Error(c, err)
		return
	}
	session, _, err := h.sessions.Get(c.Request.Context(), c.Param("sessionId"))
	if err != nil {
		response.Error(c, err)
		return
	}
	report, err := h.exports.Render(session, format)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Attachment(c, report.Filename, report.ContentType, report.Data)
}
