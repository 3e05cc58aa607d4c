package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/deskrelay/backend/internal/db"
	"github.com/deskrelay/backend/internal/kafka"
	"github.com/deskrelay/backend/internal/models"
	"github.com/deskrelay/backend/internal/tenant"
	"github.com/deskrelay/backend/internal/utils"
)

const clientLockStripes = 64

type IngestRequest struct {
	ClientID string
	Text     string
	Origin   string
}

// Router owns the ticket lifecycle: creation, department choice, status
// changes and agent replies.
type Router struct {
	Store      Store
	Presence   Delivery
	Compliance ComplianceChecker
	Dispatcher *Dispatcher
	Events     kafka.TicketEventProducer
	Logger     zerolog.Logger

	Clock func() time.Time
	// Spawn runs AI dispatch off the request path.
	Spawn func(func())

	clientLocks [clientLockStripes]sync.Mutex
}

func (r *Router) now() time.Time {
	if r.Clock != nil {
		return r.Clock()
	}
	return utcNow()
}

func (r *Router) notify() notifier {
	return notifier{presence: r.Presence, events: r.Events}
}

// clientLock serialises find-or-create for one client inside this process.
// Across processes the unique index decides.
func (r *Router) clientLock(tenantID *string, clientID string) *sync.Mutex {
	return &r.clientLocks[utils.Stripe(models.TenantKey(tenantID)+"|"+clientID, clientLockStripes)]
}

func (r *Router) IngestClientMessage(ctx context.Context, scope tenant.Scope, req IngestRequest) (string, error) {
	if !scope.Resolved() {
		return "", tenant.ErrUnknownTenant
	}
	if !scope.Authenticated() {
		return "", tenant.ErrMissingCredential
	}
	clientID := strings.TrimSpace(req.ClientID)
	switch scope.Role {
	case models.RoleClient:
		if clientID == "" {
			clientID = scope.UserID
		}
		if clientID != scope.UserID {
			return "", ErrForbidden
		}
	case models.RoleIntegration:
	default:
		return "", ErrForbidden
	}
	text := strings.TrimSpace(req.Text)
	if clientID == "" || text == "" {
		return "", ErrInvalidInput
	}

	now := r.now()
	mu := r.clientLock(scope.TenantID, clientID)
	mu.Lock()
	t, created, err := r.openOrCreate(ctx, scope, clientID, req.Origin, text, now)
	if err != nil {
		mu.Unlock()
		return "", err
	}
	msg, err := r.Store.AppendMessage(ctx, models.Message{
		ID:         uuid.NewString(),
		TicketID:   t.ID,
		TenantID:   t.TenantID,
		SenderKind: models.SenderClient,
		SenderID:   clientID,
		Body:       text,
		CreatedAt:  now,
	})
	if err != nil {
		mu.Unlock()
		return "", fmt.Errorf("append client message: %w", err)
	}

	var choice *models.Department
	if !created {
		patch := models.TicketPatch{UnreadDelta: 1, LastMessage: &text}
		if t.AwaitingDepartmentChoice {
			choice = r.numericChoice(ctx, t, text)
		}
		if choice == nil {
			patch.LastClientMessage = &text
		}
		if t.Status == models.StatusInProgress {
			patch.Status = models.Ptr(models.StatusWaiting)
		}
		t, err = r.Store.UpdateTicket(ctx, tenant.ForTicket(t), t.ID, patch)
		if err != nil {
			mu.Unlock()
			return "", fmt.Errorf("update ticket: %w", err)
		}
	}
	mu.Unlock()

	n := r.notify()
	n.message(t, msg, nil)
	n.publish(ctx, kafka.EventMessageCreated, t, now, withMessage(msg))

	switch {
	case created:
		n.publish(ctx, kafka.EventTicketCreated, t, now)
		r.sendDepartmentPrompt(ctx, t)
	case choice != nil:
		if _, err := r.applyDepartment(ctx, t, *choice); err != nil {
			return "", err
		}
	case t.DepartmentID != nil && !t.AwaitingDepartmentChoice:
		r.dispatch(ctx, t, text)
	}
	return t.ID, nil
}

// openOrCreate returns the client's open ticket, creating it if needed. A
// lost creation race falls back to the winner's ticket.
func (r *Router) openOrCreate(ctx context.Context, scope tenant.Scope, clientID, origin, text string, now time.Time) (models.Ticket, bool, error) {
	t, err := r.Store.OpenTicketForClient(ctx, scope, clientID)
	if err == nil {
		return t, false, nil
	}
	if !errors.Is(err, db.ErrNotFound) {
		return models.Ticket{}, false, fmt.Errorf("find open ticket: %w", err)
	}

	t = models.Ticket{
		ID:                       uuid.NewString(),
		TenantID:                 scope.TenantID,
		ClientID:                 clientID,
		Origin:                   origin,
		Status:                   models.StatusAwaitingDepartment,
		AwaitingDepartmentChoice: true,
		DepartmentChoiceSentAt:   &now,
		UnreadCount:              1,
		LastMessage:              text,
		LastClientMessage:        text,
		CreatedAt:                now,
		UpdatedAt:                now,
	}
	err = r.Store.CreateTicket(ctx, t)
	if errors.Is(err, db.ErrDuplicateTicket) {
		r.Logger.Debug().Str("client_id", clientID).Str("tenant_id", scope.String()).Msg("ticket creation race lost, reusing open ticket")
		t, err = r.Store.OpenTicketForClient(ctx, scope, clientID)
		if err != nil {
			return models.Ticket{}, false, fmt.Errorf("find open ticket after race: %w", err)
		}
		return t, false, nil
	}
	if err != nil {
		return models.Ticket{}, false, fmt.Errorf("create ticket: %w", err)
	}
	return t, true, nil
}

func (r *Router) sendDepartmentPrompt(ctx context.Context, t models.Ticket) {
	deps, err := r.Store.ListDepartments(ctx, tenant.ForTicket(t), t.Origin)
	if err != nil {
		r.Logger.Error().Err(err).Str("ticket_id", t.ID).Msg("list departments for prompt")
		return
	}
	if len(deps) == 0 {
		r.Logger.Warn().Str("ticket_id", t.ID).Str("tenant_id", models.TenantKey(t.TenantID)).Msg("no departments to offer")
		return
	}
	opts := departmentOptions(deps)
	msg, err := r.Store.AppendMessage(ctx, models.Message{
		ID:         uuid.NewString(),
		TicketID:   t.ID,
		TenantID:   t.TenantID,
		SenderKind: models.SenderSystem,
		Body:       departmentPrompt(opts),
		CreatedAt:  r.now(),
	})
	if err != nil {
		r.Logger.Error().Err(err).Str("ticket_id", t.ID).Msg("append department prompt")
		return
	}
	r.notify().message(t, msg, opts)
}

func (r *Router) numericChoice(ctx context.Context, t models.Ticket, text string) *models.Department {
	deps, err := r.Store.ListDepartments(ctx, tenant.ForTicket(t), t.Origin)
	if err != nil {
		r.Logger.Error().Err(err).Str("ticket_id", t.ID).Msg("list departments for choice")
		return nil
	}
	i, ok := parseChoice(text, len(deps))
	if !ok {
		return nil
	}
	return &deps[i]
}

// ticketFor loads a ticket the caller may see. Clients only see their own.
func (r *Router) ticketFor(ctx context.Context, scope tenant.Scope, ticketID string) (models.Ticket, error) {
	if !scope.Resolved() {
		return models.Ticket{}, ErrNotFound
	}
	t, err := r.Store.TicketByID(ctx, scope, ticketID)
	if errors.Is(err, db.ErrNotFound) {
		return models.Ticket{}, ErrNotFound
	}
	if err != nil {
		return models.Ticket{}, err
	}
	if scope.Role == models.RoleClient && t.ClientID != scope.UserID {
		return models.Ticket{}, ErrNotFound
	}
	return t, nil
}

func (r *Router) SelectDepartment(ctx context.Context, scope tenant.Scope, ticketID, departmentID string) error {
	if !scope.Authenticated() {
		return ErrForbidden
	}
	t, err := r.ticketFor(ctx, scope, ticketID)
	if err != nil {
		return err
	}
	if t.Status == models.StatusClosed {
		return ErrTicketClosed
	}
	dep, err := r.Store.DepartmentByID(ctx, tenant.ForTicket(t), departmentID)
	if errors.Is(err, db.ErrNotFound) {
		return ErrUnknownDepartment
	}
	if err != nil {
		return err
	}
	_, err = r.applyDepartment(ctx, t, dep)
	return err
}

func (r *Router) applyDepartment(ctx context.Context, t models.Ticket, dep models.Department) (models.Ticket, error) {
	patch := models.TicketPatch{
		DepartmentID:             &dep.ID,
		AwaitingDepartmentChoice: models.Ptr(false),
	}
	if t.Status == models.StatusAwaitingDepartment {
		patch.Status = models.Ptr(models.StatusWaiting)
	}
	updated, err := r.Store.UpdateTicket(ctx, tenant.ForTicket(t), t.ID, patch)
	if err != nil {
		return models.Ticket{}, fmt.Errorf("assign department: %w", err)
	}
	r.departmentAssigned(ctx, updated, dep, t.AwaitingDepartmentChoice)
	return updated, nil
}

// departmentAssigned confirms the routing to the client. When the ticket was
// still waiting for a choice, an AI-bound department answers the message that
// was held back; a re-route of an answered ticket dispatches nothing.
func (r *Router) departmentAssigned(ctx context.Context, t models.Ticket, dep models.Department, answerPending bool) {
	now := r.now()
	n := r.notify()
	msg, err := r.Store.AppendMessage(ctx, models.Message{
		ID:         uuid.NewString(),
		TicketID:   t.ID,
		TenantID:   t.TenantID,
		SenderKind: models.SenderSystem,
		Body:       departmentConfirmation(dep),
		CreatedAt:  now,
	})
	if err != nil {
		r.Logger.Error().Err(err).Str("ticket_id", t.ID).Msg("append department confirmation")
	} else {
		n.message(t, msg, nil)
	}
	n.status(t)
	n.publish(ctx, kafka.EventDepartmentAssigned, t, now)

	if answerPending && t.LastClientMessage != "" {
		r.dispatch(ctx, t, t.LastClientMessage)
	}
}

func (r *Router) dispatch(ctx context.Context, t models.Ticket, text string) {
	if r.Dispatcher == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	run := func() { r.Dispatcher.MaybeRespond(ctx, t, text) }
	if r.Spawn != nil {
		r.Spawn(run)
		return
	}
	go run()
}

func (r *Router) SendAgentMessage(ctx context.Context, scope tenant.Scope, ticketID, agentID, text string) (*models.Message, error) {
	if !scope.IsAgent() {
		return nil, ErrForbidden
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrInvalidInput
	}
	if agentID == "" {
		agentID = scope.UserID
	}
	t, err := r.ticketFor(ctx, scope, ticketID)
	if err != nil {
		return nil, err
	}
	if t.Status == models.StatusClosed {
		return nil, ErrTicketClosed
	}
	if r.Compliance != nil {
		violation, err := r.Compliance.Check(ctx, t.TenantID, text)
		if err != nil {
			return nil, err
		}
		if violation != nil {
			return nil, violation
		}
	}

	now := r.now()
	msg, err := r.Store.AppendMessage(ctx, models.Message{
		ID:         uuid.NewString(),
		TicketID:   t.ID,
		TenantID:   t.TenantID,
		SenderKind: models.SenderAgent,
		SenderID:   agentID,
		Body:       text,
		CreatedAt:  now,
	})
	if err != nil {
		return nil, fmt.Errorf("append agent message: %w", err)
	}
	updated, err := r.Store.UpdateTicket(ctx, tenant.ForTicket(t), t.ID, models.TicketPatch{
		Status:      models.Ptr(models.StatusInProgress),
		ResetUnread: true,
		LastMessage: &text,
	})
	if err != nil {
		r.Logger.Error().Err(err).Str("ticket_id", t.ID).Msg("update ticket after agent message")
		updated = t
	}

	n := r.notify()
	n.message(updated, msg, nil)
	if updated.Status != t.Status {
		n.status(updated)
	}
	n.publish(ctx, kafka.EventMessageCreated, updated, now, withMessage(msg))
	return &msg, nil
}

func (r *Router) SetStatus(ctx context.Context, scope tenant.Scope, ticketID string, status models.TicketStatus) error {
	if !scope.IsAgent() {
		return ErrForbidden
	}
	if !status.Valid() || status == models.StatusAwaitingDepartment {
		return fmt.Errorf("%w: %q", ErrInvalidTransition, status)
	}
	t, err := r.ticketFor(ctx, scope, ticketID)
	if err != nil {
		return err
	}
	if t.Status == models.StatusClosed {
		return fmt.Errorf("%w: ticket is closed", ErrInvalidTransition)
	}
	if t.Status == status {
		return nil
	}

	now := r.now()
	patch := models.TicketPatch{Status: &status}
	if status == models.StatusClosed {
		patch.ClosedAt = &now
	}
	updated, err := r.Store.UpdateTicket(ctx, tenant.ForTicket(t), t.ID, patch)
	if err != nil {
		return fmt.Errorf("set status: %w", err)
	}
	r.Logger.Info().Str("ticket_id", t.ID).Str("from", string(t.Status)).Str("to", string(updated.Status)).Msg("ticket status changed")
	n := r.notify()
	n.status(updated)
	n.publish(ctx, kafka.EventStatusChanged, updated, now)
	return nil
}

func (r *Router) AssignAgent(ctx context.Context, scope tenant.Scope, ticketID, agentID string) error {
	if !scope.IsAgent() {
		return ErrForbidden
	}
	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		return ErrInvalidInput
	}
	t, err := r.ticketFor(ctx, scope, ticketID)
	if err != nil {
		return err
	}
	if t.Status == models.StatusClosed {
		return ErrTicketClosed
	}
	updated, err := r.Store.UpdateTicket(ctx, tenant.ForTicket(t), t.ID, models.TicketPatch{AssignedAgentID: &agentID})
	if err != nil {
		return fmt.Errorf("assign agent: %w", err)
	}
	n := r.notify()
	n.status(updated)
	n.publish(ctx, kafka.EventStatusChanged, updated, r.now(), withReason("agent_assigned"))
	return nil
}

// SetAIMode puts the ticket under manual AI control, or hands it back to the
// tenant default with AIModeDefault.
func (r *Router) SetAIMode(ctx context.Context, scope tenant.Scope, ticketID string, mode models.AIMode) error {
	if !scope.IsAgent() {
		return ErrForbidden
	}
	t, err := r.ticketFor(ctx, scope, ticketID)
	if err != nil {
		return err
	}
	if t.Status == models.StatusClosed {
		return ErrTicketClosed
	}
	patch := models.TicketPatch{
		AIManuallyControlled: models.Ptr(mode != models.AIModeDefault),
		AIMode:               &mode,
	}
	if mode == models.AIModeForceOn {
		patch.ClearAIDisabledUntil = true
	}
	updated, err := r.Store.UpdateTicket(ctx, tenant.ForTicket(t), t.ID, patch)
	if err != nil {
		return fmt.Errorf("set ai mode: %w", err)
	}
	n := r.notify()
	n.status(updated)
	n.publish(ctx, kafka.EventStatusChanged, updated, r.now(), withReason("ai_mode_"+mode.String()))
	return nil
}

const maxMessagePage = 500

func (r *Router) ListMessages(ctx context.Context, scope tenant.Scope, ticketID string, limit int) ([]models.Message, error) {
	t, err := r.ticketFor(ctx, scope, ticketID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = db.DefaultMessageLimit
	}
	if limit > maxMessagePage {
		limit = maxMessagePage
	}
	return r.Store.ListMessages(ctx, tenant.ForTicket(t), t.ID, limit)
}

func (r *Router) ListDepartments(ctx context.Context, scope tenant.Scope, origin string) ([]models.Department, error) {
	if !scope.Resolved() {
		return nil, ErrNotFound
	}
	return r.Store.ListDepartments(ctx, scope, origin)
}
