package service

import (
	"context"
	"errors"
	"time"

	"github.com/deskrelay/backend/internal/compliance"
	"github.com/deskrelay/backend/internal/kafka"
	"github.com/deskrelay/backend/internal/models"
	"github.com/deskrelay/backend/internal/tenant"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrUnknownDepartment = errors.New("unknown department")
	ErrTicketClosed      = errors.New("ticket is closed")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrInvalidInput      = errors.New("invalid input")
	ErrForbidden         = errors.New("not allowed for this credential")
)

// Store is the persistence the router, dispatcher and sweeps need. Reads and
// writes take the caller's scope; the two sweep queries are unscoped.
type Store interface {
	TicketByID(ctx context.Context, scope tenant.Scope, id string) (models.Ticket, error)
	OpenTicketForClient(ctx context.Context, scope tenant.Scope, clientID string) (models.Ticket, error)
	CreateTicket(ctx context.Context, t models.Ticket) error
	UpdateTicket(ctx context.Context, scope tenant.Scope, id string, patch models.TicketPatch) (models.Ticket, error)
	AssignDepartmentIfAwaiting(ctx context.Context, scope tenant.Scope, id, departmentID string, now time.Time) (models.Ticket, bool, error)
	ListAwaitingDepartment(ctx context.Context) ([]models.Ticket, error)
	ReenableExpiredAI(ctx context.Context, now time.Time) ([]models.Ticket, error)

	AppendMessage(ctx context.Context, m models.Message) (models.Message, error)
	ListMessages(ctx context.Context, scope tenant.Scope, ticketID string, limit int) ([]models.Message, error)

	DepartmentByID(ctx context.Context, scope tenant.Scope, id string) (models.Department, error)
	ListDepartments(ctx context.Context, scope tenant.Scope, origin string) ([]models.Department, error)
	CreateDepartment(ctx context.Context, d models.Department) error

	AIAgentByID(ctx context.Context, scope tenant.Scope, id string) (models.AIAgent, error)
	TenantSettings(ctx context.Context, tenantID *string) (models.TenantSettings, bool, error)
}

// Delivery is the slice of the presence manager the service writes to.
type Delivery interface {
	SendToTenantUser(tenantID *string, userID string, env models.Envelope) int
	BroadcastToTenantAgents(tenantID *string, env models.Envelope) int
}

type ComplianceChecker interface {
	Check(ctx context.Context, tenantID *string, text string) (*compliance.Violation, error)
}

// notifier fans ticket traffic out to the client and the tenant's agents and
// mirrors it to the event feed.
type notifier struct {
	presence Delivery
	events   kafka.TicketEventProducer
}

func (n notifier) message(t models.Ticket, m models.Message, extra []models.DepartmentOption) {
	env := models.MessageEnvelope(m, t.Status == models.StatusClosed)
	env.Departments = extra
	n.presence.SendToTenantUser(t.TenantID, t.ClientID, env)
	n.presence.BroadcastToTenantAgents(t.TenantID, env)
}

func (n notifier) status(t models.Ticket) {
	env := models.TicketStatusEnvelope(t)
	n.presence.SendToTenantUser(t.TenantID, t.ClientID, env)
	n.presence.BroadcastToTenantAgents(t.TenantID, env)
}

func (n notifier) publish(ctx context.Context, event string, t models.Ticket, at time.Time, mutate ...func(*kafka.TicketEvent)) {
	if n.events == nil {
		return
	}
	e := kafka.TicketEvent{
		Event:        event,
		TicketID:     t.ID,
		TenantID:     t.TenantID,
		ClientID:     t.ClientID,
		Status:       string(t.Status),
		DepartmentID: t.DepartmentID,
		At:           at,
	}
	for _, m := range mutate {
		m(&e)
	}
	n.events.Publish(ctx, e)
}

func withMessage(m models.Message) func(*kafka.TicketEvent) {
	return func(e *kafka.TicketEvent) {
		e.MessageID = m.ID
		e.SenderKind = string(m.SenderKind)
	}
}

func withReason(reason string) func(*kafka.TicketEvent) {
	return func(e *kafka.TicketEvent) { e.Reason = reason }
}

func utcNow() time.Time {
	return time.Now().UTC()
}
