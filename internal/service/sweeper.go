package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/deskrelay/backend/internal/kafka"
	"github.com/deskrelay/backend/internal/models"
	"github.com/deskrelay/backend/internal/tenant"
)

// Sweeper runs the two periodic ticket maintenance passes. Each pass reads
// its work from the store, so a pass can be run on its own at any time.
type Sweeper struct {
	Router *Router
	Store  Store
	Logger zerolog.Logger
	Clock  func() time.Time

	DefaultTimeout     time.Duration
	DepartmentInterval time.Duration
	AIInterval         time.Duration
}

func (s *Sweeper) now() time.Time {
	if s.Clock != nil {
		return s.Clock()
	}
	return utcNow()
}

// DepartmentTimeoutSweep routes tickets whose department prompt went
// unanswered for longer than the tenant's default department timeout.
func (s *Sweeper) DepartmentTimeoutSweep(ctx context.Context) (int, error) {
	tickets, err := s.Store.ListAwaitingDepartment(ctx)
	if err != nil {
		return 0, fmt.Errorf("list awaiting tickets: %w", err)
	}
	now := s.now()

	type tenantDefault struct {
		dep models.Department
		ok  bool
	}
	defaults := map[string]tenantDefault{}
	var (
		assigned int
		firstErr error
	)
	for _, t := range tickets {
		scope := tenant.ForTicket(t)
		key := models.TenantKey(t.TenantID)
		def, seen := defaults[key]
		if !seen {
			deps, err := s.Store.ListDepartments(ctx, scope, "")
			if err != nil {
				s.Logger.Error().Err(err).Str("tenant_id", key).Msg("list departments for timeout sweep")
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			def.dep, def.ok = defaultDepartment(deps)
			defaults[key] = def
			if !def.ok {
				s.Logger.Warn().Str("tenant_id", key).Msg("tenant has no default department, tickets stay unrouted")
			}
		}
		if !def.ok {
			continue
		}

		timeout := time.Duration(def.dep.DefaultTimeoutSeconds) * time.Second
		if timeout <= 0 {
			timeout = s.DefaultTimeout
		}
		sentAt := t.CreatedAt
		if t.DepartmentChoiceSentAt != nil {
			sentAt = *t.DepartmentChoiceSentAt
		}
		if now.Sub(sentAt) <= timeout {
			continue
		}

		updated, applied, err := s.Store.AssignDepartmentIfAwaiting(ctx, scope, t.ID, def.dep.ID, now)
		if err != nil {
			s.Logger.Error().Err(err).Str("ticket_id", t.ID).Msg("assign default department")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if !applied {
			continue
		}
		assigned++
		s.Logger.Info().Str("ticket_id", t.ID).Str("department_id", def.dep.ID).Msg("department choice timed out, default assigned")
		if s.Router != nil {
			s.Router.departmentAssigned(ctx, updated, def.dep, true)
		}
	}
	return assigned, firstErr
}

// AIReenableSweep clears expired AI disable windows. Tickets a human forced
// off are left alone.
func (s *Sweeper) AIReenableSweep(ctx context.Context) (int, error) {
	now := s.now()
	cleared, err := s.Store.ReenableExpiredAI(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("reenable ai: %w", err)
	}
	if s.Router != nil {
		n := s.Router.notify()
		for _, t := range cleared {
			n.status(t)
			n.publish(ctx, kafka.EventAIReenabled, t, now)
		}
	}
	return len(cleared), nil
}

func (s *Sweeper) RunDepartmentTimeoutSweep(ctx context.Context) error {
	return s.loop(ctx, "department_timeout", s.DepartmentInterval, s.DepartmentTimeoutSweep)
}

func (s *Sweeper) RunAIReenableSweep(ctx context.Context) error {
	return s.loop(ctx, "ai_reenable", s.AIInterval, s.AIReenableSweep)
}

// loop runs pass immediately and then on every tick until ctx ends. A failed
// or panicking pass is logged and the loop carries on.
func (s *Sweeper) loop(ctx context.Context, name string, interval time.Duration, pass func(context.Context) (int, error)) error {
	if interval <= 0 {
		return fmt.Errorf("sweep %s: interval must be positive", name)
	}
	log := s.Logger.With().Str("sweep", name).Logger()
	log.Info().Dur("interval", interval).Msg("sweep started")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.runPass(ctx, log, pass)
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("sweep stopped")
			return nil
		case <-ticker.C:
			s.runPass(ctx, log, pass)
		}
	}
}

func (s *Sweeper) runPass(ctx context.Context, log zerolog.Logger, pass func(context.Context) (int, error)) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().Interface("panic", rec).Msg("sweep pass panicked")
		}
	}()
	n, err := pass(ctx)
	if err != nil {
		log.Error().Err(err).Msg("sweep pass failed")
		return
	}
	if n > 0 {
		log.Info().Int("updated", n).Msg("sweep pass done")
	}
}
