package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/health-assessment-client/internal/dto"
	"github.com/noah-isme/health-assessment-client/internal/models"
	"github.com/noah-isme/health-assessment-client/internal/service"
	appErrors "github.com/noah-isme/health-assessment-client/pkg/errors"
	"github.com/noah-isme/health-assessment-client/pkg/response"
)

// ConsoleHandler exposes console state and actions to browser clients.
type ConsoleHandler struct {
	workspace *service.WorkspaceService
}

// NewConsoleHandler constructs handler.
func NewConsoleHandler(workspace *service.WorkspaceService) *ConsoleHandler {
	return &ConsoleHandler{workspace: workspace}
}

// Register mounts console routes on the group.
func (h *ConsoleHandler) Register(group *gin.RouterGroup) {
	consoles := group.Group("/consoles")
	consoles.POST("", h.Create)
	consoles.GET("/:id", h.Get)
	consoles.PUT("/:id/form", h.UpdateForm)
	consoles.POST("/:id/submit", h.Submit)
	consoles.POST("/:id/refresh", h.Refresh)
	consoles.POST("/:id/decision", h.Decide)
	consoles.POST("/:id/reset", h.Reset)
	consoles.DELETE("/:id", h.Delete)
}

// Create opens a new console.
func (h *ConsoleHandler) Create(c *gin.Context) {
	console := h.workspace.Create()
	response.Created(c, dto.NewConsoleResponse(console.State()))
}

// Get returns the console state.
func (h *ConsoleHandler) Get(c *gin.Context) {
	console, ok := h.console(c)
	if !ok {
		return
	}
	response.JSON(c, http.StatusOK, dto.NewConsoleResponse(console.State()))
}

// UpdateForm replaces the intake form while no session is open.
func (h *ConsoleHandler) UpdateForm(c *gin.Context) {
	console, ok := h.console(c)
	if !ok {
		return
	}
	var form models.IntakeForm
	if err := c.ShouldBindJSON(&form); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid payload"))
		return
	}
	state, err := console.UpdateForm(form)
	h.respond(c, state, err)
}

// Submit sends the intake form to the assessment service.
func (h *ConsoleHandler) Submit(c *gin.Context) {
	console, ok := h.console(c)
	if !ok {
		return
	}
	state, err := console.Submit(c.Request.Context())
	h.respond(c, state, err)
}

// Refresh fetches the open session's status once.
func (h *ConsoleHandler) Refresh(c *gin.Context) {
	console, ok := h.console(c)
	if !ok {
		return
	}
	state, err := console.Refresh(c.Request.Context())
	h.respond(c, state, err)
}

// Decide approves or rejects the open session.
func (h *ConsoleHandler) Decide(c *gin.Context) {
	console, ok := h.console(c)
	if !ok {
		return
	}
	var req dto.DecisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid payload"))
		return
	}
	decision, valid := models.ParseDecision(req.Decision)
	if !valid {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "decision must be APPROVED or REJECTED"))
		return
	}
	state, err := console.Decide(c.Request.Context(), decision, req.Comments)
	h.respond(c, state, err)
}

// Reset starts a new assessment on the console.
func (h *ConsoleHandler) Reset(c *gin.Context) {
	console, ok := h.console(c)
	if !ok {
		return
	}
	response.JSON(c, http.StatusOK, dto.NewConsoleResponse(console.NewAssessment()))
}

// Delete closes the console.
func (h *ConsoleHandler) Delete(c *gin.Context) {
	if err := h.workspace.Delete(c.Param("id")); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

func (h *ConsoleHandler) console(c *gin.Context) (*service.ConsoleService, bool) {
	console, err := h.workspace.Get(c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return nil, false
	}
	return console, true
}

func (h *ConsoleHandler) respond(c *gin.Context, state models.ConsoleState, err error) {
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, dto.NewConsoleResponse(state))
}
