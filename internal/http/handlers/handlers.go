package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/deskrelay/backend/internal/compliance"
	"github.com/deskrelay/backend/internal/http/middleware"
	"github.com/deskrelay/backend/internal/models"
	"github.com/deskrelay/backend/internal/presence"
	"github.com/deskrelay/backend/internal/service"
	"github.com/deskrelay/backend/internal/tenant"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

type Handler struct {
	Store      Pinger
	Router     *service.Router
	Sweeper    *service.Sweeper
	Presence   *presence.Manager
	Validator  *validator.Validate
	Logger     zerolog.Logger
	Upgrader   websocket.Upgrader
	SendBuffer int
}

func (h *Handler) Healthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()
	if err := h.Store.Ping(ctx); err != nil {
		writeError(c, http.StatusServiceUnavailable, "DB_UNAVAILABLE", "Database unavailable", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "connections": h.Presence.ConnectionCount()})
}

type IngestRequest struct {
	ClientID string `json:"client_id"`
	Text     string `json:"text" validate:"required,max=8000"`
	Origin   string `json:"origin" validate:"max=64"`
}

// @Summary Ingest a client message
// @Description Opens or reuses the caller's ticket and routes the message
// @Tags messages
// @Accept json
// @Produce json
// @Param request body IngestRequest true "message"
// @Success 202 {object} map[string]any
// @Failure 400 {object} map[string]any
// @Router /api/messages [post]
func (h *Handler) IngestMessage(c *gin.Context) {
	var req IngestRequest
	if !h.bind(c, &req) {
		return
	}
	scope, _ := middleware.ScopeFrom(c)
	ticketID, err := h.Router.IngestClientMessage(c.Request.Context(), scope, service.IngestRequest{
		ClientID: req.ClientID,
		Text:     req.Text,
		Origin:   req.Origin,
	})
	if err != nil {
		h.serviceError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"ticket_id": ticketID})
}

// @Summary List departments
// @Tags departments
// @Produce json
// @Param origin query string false "channel"
// @Success 200 {object} map[string]any
// @Router /api/departments [get]
func (h *Handler) ListDepartments(c *gin.Context) {
	scope, _ := middleware.ScopeFrom(c)
	items, err := h.Router.ListDepartments(c.Request.Context(), scope, strings.TrimSpace(c.Query("origin")))
	if err != nil {
		h.serviceError(c, err)
		return
	}
	if items == nil {
		items = []models.Department{}
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

type SelectDepartmentRequest struct {
	DepartmentID string `json:"department_id" validate:"required"`
}

// @Summary Select a department for a ticket
// @Tags tickets
// @Accept json
// @Produce json
// @Param id path string true "Ticket ID"
// @Param request body SelectDepartmentRequest true "department"
// @Success 200 {object} map[string]any
// @Router /api/tickets/{id}/department [post]
func (h *Handler) SelectDepartment(c *gin.Context) {
	var req SelectDepartmentRequest
	if !h.bind(c, &req) {
		return
	}
	scope, _ := middleware.ScopeFrom(c)
	if err := h.Router.SelectDepartment(c.Request.Context(), scope, c.Param("id"), req.DepartmentID); err != nil {
		h.serviceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type AgentMessageRequest struct {
	AgentID string `json:"agent_id"`
	Text    string `json:"text" validate:"required,max=8000"`
}

// @Summary Send an agent message
// @Tags tickets
// @Accept json
// @Produce json
// @Param id path string true "Ticket ID"
// @Param request body AgentMessageRequest true "message"
// @Success 201 {object} models.Message
// @Failure 422 {object} map[string]any
// @Router /api/tickets/{id}/messages [post]
func (h *Handler) SendAgentMessage(c *gin.Context) {
	var req AgentMessageRequest
	if !h.bind(c, &req) {
		return
	}
	scope, _ := middleware.ScopeFrom(c)
	msg, err := h.Router.SendAgentMessage(c.Request.Context(), scope, c.Param("id"), req.AgentID, req.Text)
	if err != nil {
		h.serviceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, msg)
}

func (h *Handler) ListMessages(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))
	scope, _ := middleware.ScopeFrom(c)
	items, err := h.Router.ListMessages(c.Request.Context(), scope, c.Param("id"), limit)
	if err != nil {
		h.serviceError(c, err)
		return
	}
	if items == nil {
		items = []models.Message{}
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

type StatusRequest struct {
	Status string `json:"status" validate:"required"`
}

// @Summary Change ticket status
// @Tags tickets
// @Accept json
// @Produce json
// @Param id path string true "Ticket ID"
// @Param request body StatusRequest true "status"
// @Success 200 {object} map[string]any
// @Router /api/tickets/{id}/status [post]
func (h *Handler) SetStatus(c *gin.Context) {
	var req StatusRequest
	if !h.bind(c, &req) {
		return
	}
	status := models.TicketStatus(strings.ToUpper(strings.TrimSpace(req.Status)))
	scope, _ := middleware.ScopeFrom(c)
	if err := h.Router.SetStatus(c.Request.Context(), scope, c.Param("id"), status); err != nil {
		h.serviceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type AssignRequest struct {
	AgentID string `json:"agent_id" validate:"required"`
}

func (h *Handler) AssignAgent(c *gin.Context) {
	var req AssignRequest
	if !h.bind(c, &req) {
		return
	}
	scope, _ := middleware.ScopeFrom(c)
	if err := h.Router.AssignAgent(c.Request.Context(), scope, c.Param("id"), req.AgentID); err != nil {
		h.serviceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type AIModeRequest struct {
	Mode string `json:"mode"`
}

// @Summary Override AI for a ticket
// @Description mode is one of default, on, off
// @Tags tickets
// @Accept json
// @Produce json
// @Param id path string true "Ticket ID"
// @Param request body AIModeRequest true "mode"
// @Success 200 {object} map[string]any
// @Router /api/tickets/{id}/ai [post]
func (h *Handler) SetAIMode(c *gin.Context) {
	var req AIModeRequest
	if !h.bind(c, &req) {
		return
	}
	mode, err := models.ParseAIMode(req.Mode)
	if err != nil {
		writeError(c, http.StatusBadRequest, "VALIDATION_ERROR", "mode must be default, on or off", err.Error())
		return
	}
	scope, _ := middleware.ScopeFrom(c)
	if err := h.Router.SetAIMode(c.Request.Context(), scope, c.Param("id"), mode); err != nil {
		h.serviceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "ai_enabled": mode})
}

// @Summary Run one sweep iteration
// @Tags admin
// @Produce json
// @Param name path string true "department-timeout or ai-reenable"
// @Success 200 {object} map[string]any
// @Router /api/admin/sweeps/{name} [post]
func (h *Handler) RunSweep(c *gin.Context) {
	var pass func(context.Context) (int, error)
	switch c.Param("name") {
	case "department-timeout":
		pass = h.Sweeper.DepartmentTimeoutSweep
	case "ai-reenable":
		pass = h.Sweeper.AIReenableSweep
	default:
		writeError(c, http.StatusNotFound, "NOT_FOUND", "Unknown sweep", c.Param("name"))
		return
	}
	n, err := pass(c.Request.Context())
	if err != nil {
		h.Logger.Error().Err(err).Str("sweep", c.Param("name")).Msg("manual sweep failed")
		writeError(c, http.StatusInternalServerError, "SWEEP_FAILED", "Sweep failed", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"sweep": c.Param("name"), "updated": n})
}

func (h *Handler) bind(c *gin.Context, req any) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "Invalid payload", err.Error())
		return false
	}
	if err := h.Validator.Struct(req); err != nil {
		writeError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Validation failed", err.Error())
		return false
	}
	return true
}

func (h *Handler) serviceError(c *gin.Context, err error) {
	var violation *compliance.Violation
	switch {
	case errors.As(err, &violation):
		writeError(c, http.StatusUnprocessableEntity, "COMPLIANCE_VIOLATION", "Message blocked by compliance rules", gin.H{
			"category": violation.Category,
			"reason":   violation.Reason,
		})
	case errors.Is(err, service.ErrNotFound), errors.Is(err, tenant.ErrTenantMismatch):
		writeError(c, http.StatusNotFound, "NOT_FOUND", "Ticket not found", nil)
	case errors.Is(err, service.ErrUnknownDepartment):
		writeError(c, http.StatusBadRequest, "UNKNOWN_DEPARTMENT", "Department not found for this tenant", nil)
	case errors.Is(err, service.ErrTicketClosed):
		writeError(c, http.StatusConflict, "TICKET_CLOSED", "Ticket is closed", nil)
	case errors.Is(err, service.ErrInvalidTransition):
		writeError(c, http.StatusBadRequest, "INVALID_TRANSITION", "Invalid status transition", err.Error())
	case errors.Is(err, service.ErrInvalidInput):
		writeError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid input", err.Error())
	case errors.Is(err, service.ErrForbidden):
		writeError(c, http.StatusForbidden, "FORBIDDEN", "Not allowed for this credential", nil)
	case errors.Is(err, tenant.ErrUnknownTenant):
		writeError(c, http.StatusForbidden, "UNKNOWN_TENANT", "Unknown tenant", nil)
	case errors.Is(err, tenant.ErrMissingCredential):
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "Credential required", nil)
	default:
		h.Logger.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
		writeError(c, http.StatusInternalServerError, "INTERNAL", "Internal error", nil)
	}
}

func writeError(c *gin.Context, status int, code string, message string, details any) {
	c.JSON(status, gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
			"details": details,
		},
	})
}
