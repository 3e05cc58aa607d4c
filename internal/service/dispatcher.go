package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/deskrelay/backend/internal/ai"
	"github.com/deskrelay/backend/internal/db"
	"github.com/deskrelay/backend/internal/kafka"
	"github.com/deskrelay/backend/internal/models"
	"github.com/deskrelay/backend/internal/tenant"
)

const (
	FallbackTimeout = "timeout"
	FallbackEmpty   = "empty_reply"
	FallbackError   = "generator_error"
)

type DispatchResult struct {
	Responded bool   `json:"responded"`
	FellBack  bool   `json:"fell_back"`
	Reason    string `json:"reason,omitempty"`
}

// Dispatcher decides whether an AI agent answers a client message and hands
// the ticket to a human when the generator fails.
type Dispatcher struct {
	Store     Store
	Presence  Delivery
	Generator ai.Generator
	Events    kafka.TicketEventProducer
	Logger    zerolog.Logger
	Clock     func() time.Time

	Deadline          time.Duration
	DisableFor        time.Duration
	HistoryLimit      int
	MaxChars          int
	DefaultReplyDelay time.Duration
	MasterAIEnabled   bool
}

func (d *Dispatcher) now() time.Time {
	if d.Clock != nil {
		return d.Clock()
	}
	return utcNow()
}

func (d *Dispatcher) notify() notifier {
	return notifier{presence: d.Presence, events: d.Events}
}

func (d *Dispatcher) MaybeRespond(ctx context.Context, t models.Ticket, text string) DispatchResult {
	log := d.Logger.With().Str("ticket_id", t.ID).Str("tenant_id", models.TenantKey(t.TenantID)).Logger()

	enabled, err := d.aiEnabled(ctx, t)
	if err != nil {
		log.Error().Err(err).Msg("load tenant ai settings")
		return DispatchResult{Reason: "settings_unavailable"}
	}
	if !enabled {
		return DispatchResult{Reason: "ai_disabled"}
	}
	if t.DepartmentID == nil {
		return DispatchResult{Reason: "no_department"}
	}

	scope := tenant.ForTicket(t)
	dep, err := d.Store.DepartmentByID(ctx, scope, *t.DepartmentID)
	if err != nil {
		if !errors.Is(err, db.ErrNotFound) {
			log.Error().Err(err).Msg("load department")
		}
		return DispatchResult{Reason: "no_department"}
	}
	if dep.AIAgentID == nil {
		return DispatchResult{Reason: "no_ai_agent"}
	}
	agent, err := d.Store.AIAgentByID(ctx, scope, *dep.AIAgentID)
	if err != nil {
		if !errors.Is(err, db.ErrNotFound) {
			log.Error().Err(err).Msg("load ai agent")
		}
		return DispatchResult{Reason: "no_ai_agent"}
	}
	if !agent.IsActive {
		return DispatchResult{Reason: "ai_agent_inactive"}
	}

	history := d.history(ctx, t, text)
	reply, reason := d.generate(ctx, agent, history, ai.Truncate(text, d.MaxChars))
	if reason != "" {
		d.fallback(ctx, t, reason)
		return DispatchResult{FellBack: true, Reason: reason}
	}

	delay := agent.ReplyDelay
	if delay <= 0 {
		delay = d.DefaultReplyDelay
	}
	if delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return DispatchResult{Reason: "cancelled"}
		case <-timer.C:
		}
	}

	if err := d.deliverReply(ctx, t, agent, reply); err != nil {
		log.Error().Err(err).Msg("deliver ai reply")
		return DispatchResult{Reason: "delivery_failed"}
	}
	return DispatchResult{Responded: true}
}

// aiEnabled resolves the tri-state flag: a manual override wins, then an
// active disable window, then the tenant toggle.
func (d *Dispatcher) aiEnabled(ctx context.Context, t models.Ticket) (bool, error) {
	if t.AIManuallyControlled {
		switch t.AIMode {
		case models.AIModeForceOn:
			return true, nil
		case models.AIModeForceOff:
			return false, nil
		}
	}
	if t.AIDisabledUntil != nil && t.AIDisabledUntil.After(d.now()) {
		return false, nil
	}
	settings, ok, err := d.Store.TenantSettings(ctx, t.TenantID)
	if err != nil {
		return false, err
	}
	if !ok {
		return t.TenantID == nil && d.MasterAIEnabled, nil
	}
	return settings.AIEnabled, nil
}

// history loads the tail of the conversation without the triggering client
// message, which is passed separately.
func (d *Dispatcher) history(ctx context.Context, t models.Ticket, text string) []ai.ChatMessage {
	limit := d.HistoryLimit
	if limit <= 0 {
		limit = 20
	}
	msgs, err := d.Store.ListMessages(ctx, tenant.ForTicket(t), t.ID, limit+1)
	if err != nil {
		d.Logger.Warn().Err(err).Str("ticket_id", t.ID).Msg("load history for ai")
		return nil
	}
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].SenderKind == models.SenderClient && msgs[i].Body == text {
			msgs = append(msgs[:i:i], msgs[i+1:]...)
			break
		}
	}
	return ai.BuildHistory(msgs, limit, d.MaxChars)
}

type generation struct {
	reply string
	err   error
}

// generate runs the generator under the deadline. On expiry the call is
// abandoned; its result, if any, lands in a buffered channel nobody reads.
func (d *Dispatcher) generate(ctx context.Context, agent models.AIAgent, history []ai.ChatMessage, message string) (string, string) {
	deadline := d.Deadline
	if deadline <= 0 {
		deadline = 120 * time.Second
	}
	gctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	done := make(chan generation, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- generation{err: fmt.Errorf("generator panic: %v", rec)}
			}
		}()
		reply, err := d.Generator.Generate(gctx, agent.Config, history, message)
		done <- generation{reply: reply, err: err}
	}()

	select {
	case <-gctx.Done():
		return "", FallbackTimeout
	case res := <-done:
		switch {
		case errors.Is(res.err, context.DeadlineExceeded):
			return "", FallbackTimeout
		case errors.Is(res.err, ai.ErrEmptyReply):
			return "", FallbackEmpty
		case res.err != nil:
			d.Logger.Warn().Err(res.err).Str("agent_id", agent.ID).Msg("ai generator failed")
			return "", FallbackError
		case strings.TrimSpace(res.reply) == "":
			return "", FallbackEmpty
		}
		return res.reply, ""
	}
}

func (d *Dispatcher) deliverReply(ctx context.Context, t models.Ticket, agent models.AIAgent, reply string) error {
	scope := tenant.ForTicket(t)
	if current, err := d.Store.TicketByID(ctx, scope, t.ID); err == nil {
		t = current
	}
	now := d.now()
	msg, err := d.Store.AppendMessage(ctx, models.Message{
		ID:         uuid.NewString(),
		TicketID:   t.ID,
		TenantID:   t.TenantID,
		SenderKind: models.SenderAI,
		SenderID:   agent.ID,
		Body:       reply,
		CreatedAt:  now,
	})
	if err != nil {
		return fmt.Errorf("append ai reply: %w", err)
	}
	updated, err := d.Store.UpdateTicket(ctx, scope, t.ID, models.TicketPatch{
		Status:      models.Ptr(models.StatusInProgress),
		LastMessage: &reply,
	})
	if err != nil {
		d.Logger.Error().Err(err).Str("ticket_id", t.ID).Msg("update ticket after ai reply")
		updated = t
	}

	n := d.notify()
	n.message(updated, msg, nil)
	if updated.Status != t.Status {
		n.status(updated)
	}
	n.publish(ctx, kafka.EventMessageCreated, updated, now, withMessage(msg))
	if updated.Status == models.StatusClosed {
		d.Logger.Info().Str("ticket_id", t.ID).Msg("ai reply landed on a closed ticket")
	}
	return nil
}

// fallback hands the ticket to humans. It always emits exactly one system
// message, even when the store writes around it fail.
func (d *Dispatcher) fallback(ctx context.Context, t models.Ticket, reason string) {
	ctx = context.WithoutCancel(ctx)
	now := d.now()
	until := now.Add(d.disableWindow())

	d.Logger.Warn().
		Str("ticket_id", t.ID).
		Str("tenant_id", models.TenantKey(t.TenantID)).
		Str("reason", reason).
		Msg("ai generation failed, handing ticket to a human")

	patch := models.TicketPatch{
		Status:          models.Ptr(models.StatusWaiting),
		AIDisabledUntil: &until,
		FallbackReason:  &reason,
	}
	if support, err := d.supportDepartment(ctx, t); err != nil {
		d.Logger.Error().Err(err).Str("ticket_id", t.ID).Msg("resolve support department")
	} else {
		patch.DepartmentID = &support.ID
		patch.AwaitingDepartmentChoice = models.Ptr(false)
	}
	updated, err := d.Store.UpdateTicket(ctx, tenant.ForTicket(t), t.ID, patch)
	if err != nil {
		d.Logger.Error().Err(err).Str("ticket_id", t.ID).Msg("apply fallback to ticket")
		updated = t
		patch.Apply(&updated, now)
	}

	msg := models.Message{
		ID:         uuid.NewString(),
		TicketID:   t.ID,
		TenantID:   t.TenantID,
		SenderKind: models.SenderSystem,
		Body:       fallbackApology,
		CreatedAt:  now,
	}
	if stored, err := d.Store.AppendMessage(ctx, msg); err != nil {
		d.Logger.Error().Err(err).Str("ticket_id", t.ID).Msg("persist fallback message")
	} else {
		msg = stored
	}

	n := d.notify()
	n.message(updated, msg, nil)
	n.status(updated)
	n.publish(ctx, kafka.EventAIFallback, updated, now, withReason(reason))
}

func (d *Dispatcher) disableWindow() time.Duration {
	if d.DisableFor > 0 {
		return d.DisableFor
	}
	return 24 * time.Hour
}

// supportDepartment finds the tenant's support desk for the ticket's origin,
// creating it when missing.
func (d *Dispatcher) supportDepartment(ctx context.Context, t models.Ticket) (models.Department, error) {
	deps, err := d.Store.ListDepartments(ctx, tenant.ForTicket(t), t.Origin)
	if err != nil {
		return models.Department{}, err
	}
	for _, dep := range deps {
		if isSupportDepartment(dep.Name) {
			return dep, nil
		}
	}
	dep := models.Department{
		ID:        uuid.NewString(),
		TenantID:  t.TenantID,
		Name:      supportDepartmentName,
		Origin:    t.Origin,
		CreatedAt: d.now(),
	}
	if err := d.Store.CreateDepartment(ctx, dep); err != nil {
		return models.Department{}, fmt.Errorf("create support department: %w", err)
	}
	d.Logger.Info().Str("tenant_id", models.TenantKey(t.TenantID)).Str("origin", t.Origin).Msg("created support department")
	return dep, nil
}
