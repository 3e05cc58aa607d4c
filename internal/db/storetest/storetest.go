// Package storetest holds behaviour shared by every Store implementation.
// Tenants "t1" and "t2" must exist in the store under test.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deskrelay/backend/internal/db"
	"github.com/deskrelay/backend/internal/models"
	"github.com/deskrelay/backend/internal/tenant"
)

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
}

func newTicket(tenantID *string, clientID string, now time.Time) models.Ticket {
	return models.Ticket{
		ID:                       uuid.NewString(),
		TenantID:                 tenantID,
		ClientID:                 clientID,
		Status:                   models.StatusAwaitingDepartment,
		AwaitingDepartmentChoice: true,
		DepartmentChoiceSentAt:   &now,
		CreatedAt:                now,
		UpdatedAt:                now,
	}
}

func Run(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()
	t1, t2 := models.Ptr("t1"), models.Ptr("t2")
	scope1 := tenant.NewScope(t1, "a", models.RoleAgent)
	scope2 := tenant.NewScope(t2, "a", models.RoleAgent)
	now := time.Now().UTC().Truncate(time.Microsecond)

	t.Run("one open ticket per client", func(t *testing.T) {
		s := newStore(t)
		client := "c-" + uuid.NewString()
		require.NoError(t, s.CreateTicket(ctx, newTicket(t1, client, now)))
		err := s.CreateTicket(ctx, newTicket(t1, client, now))
		assert.True(t, errors.Is(err, db.ErrDuplicateTicket))

		require.NoError(t, s.CreateTicket(ctx, newTicket(t2, client, now)), "other tenant is independent")
		require.NoError(t, s.CreateTicket(ctx, newTicket(nil, client, now)), "master is independent")
		assert.ErrorIs(t, s.CreateTicket(ctx, newTicket(nil, client, now)), db.ErrDuplicateTicket)

		open, err := s.OpenTicketForClient(ctx, scope1, client)
		require.NoError(t, err)
		_, err = s.UpdateTicket(ctx, scope1, open.ID, models.TicketPatch{Status: models.Ptr(models.StatusClosed)})
		require.NoError(t, err)
		assert.NoError(t, s.CreateTicket(ctx, newTicket(t1, client, now)), "closing frees the slot")
	})

	t.Run("concurrent creates leave one winner", func(t *testing.T) {
		s := newStore(t)
		client := "c-" + uuid.NewString()
		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			wins int
		)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := s.CreateTicket(ctx, newTicket(t1, client, now)); err == nil {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, wins)
	})

	t.Run("tenant isolation", func(t *testing.T) {
		s := newStore(t)
		tk := newTicket(t1, "c-"+uuid.NewString(), now)
		require.NoError(t, s.CreateTicket(ctx, tk))

		_, err := s.TicketByID(ctx, scope2, tk.ID)
		assert.ErrorIs(t, err, db.ErrNotFound)
		_, err = s.TicketByID(ctx, tenant.NewScope(nil, "root", models.RoleAgent), tk.ID)
		assert.ErrorIs(t, err, db.ErrNotFound, "master does not see sub-tenant rows")
		_, err = s.TicketByID(ctx, tenant.Scope{}, tk.ID)
		assert.ErrorIs(t, err, db.ErrNotFound, "unresolved scope sees nothing")
		_, err = s.UpdateTicket(ctx, scope2, tk.ID, models.TicketPatch{UnreadDelta: 1})
		assert.ErrorIs(t, err, db.ErrNotFound)
		_, err = s.ListMessages(ctx, scope2, tk.ID, 10)
		assert.ErrorIs(t, err, db.ErrNotFound)

		dep := models.Department{ID: uuid.NewString(), TenantID: t2, Name: "Vendas", CreatedAt: now}
		require.NoError(t, s.CreateDepartment(ctx, dep))
		_, err = s.DepartmentByID(ctx, scope1, dep.ID)
		assert.ErrorIs(t, err, db.ErrNotFound)
		deps, err := s.ListDepartments(ctx, scope1, "")
		require.NoError(t, err)
		for _, d := range deps {
			assert.Equal(t, "t1", models.TenantKey(d.TenantID))
		}
	})

	t.Run("partial updates do not clobber", func(t *testing.T) {
		s := newStore(t)
		tk := newTicket(t1, "c-"+uuid.NewString(), now)
		tk.AIDisabledUntil = models.Ptr(now.Add(time.Hour))
		require.NoError(t, s.CreateTicket(ctx, tk))

		_, err := s.UpdateTicket(ctx, scope1, tk.ID, models.TicketPatch{Status: models.Ptr(models.StatusClosed), ClosedAt: &now})
		require.NoError(t, err)
		_, err = s.UpdateTicket(ctx, scope1, tk.ID, models.TicketPatch{ClearAIDisabledUntil: true, UnreadDelta: 2})
		require.NoError(t, err)
		got, err := s.UpdateTicket(ctx, scope1, tk.ID, models.TicketPatch{Status: models.Ptr(models.StatusWaiting)})
		require.NoError(t, err)

		assert.Equal(t, models.StatusClosed, got.Status, "closed is terminal")
		assert.Nil(t, got.AIDisabledUntil)
		assert.Equal(t, 2, got.UnreadCount)
		assert.True(t, got.AwaitingDepartmentChoice)
	})

	t.Run("conditional department assignment", func(t *testing.T) {
		s := newStore(t)
		dep := models.Department{ID: uuid.NewString(), TenantID: t1, Name: "Geral", IsDefault: true, CreatedAt: now}
		require.NoError(t, s.CreateDepartment(ctx, dep))
		tk := newTicket(t1, "c-"+uuid.NewString(), now)
		require.NoError(t, s.CreateTicket(ctx, tk))

		got, applied, err := s.AssignDepartmentIfAwaiting(ctx, scope1, tk.ID, dep.ID, now)
		require.NoError(t, err)
		assert.True(t, applied)
		assert.Equal(t, dep.ID, *got.DepartmentID)
		assert.False(t, got.AwaitingDepartmentChoice)
		assert.Equal(t, models.StatusWaiting, got.Status)

		_, applied, err = s.AssignDepartmentIfAwaiting(ctx, scope1, tk.ID, dep.ID, now)
		require.NoError(t, err)
		assert.False(t, applied)

		awaiting, err := s.ListAwaitingDepartment(ctx)
		require.NoError(t, err)
		for _, a := range awaiting {
			assert.NotEqual(t, tk.ID, a.ID)
		}
	})

	t.Run("ai reenable respects manual off", func(t *testing.T) {
		s := newStore(t)
		past := now.Add(-time.Minute)
		expired := newTicket(t1, "c-"+uuid.NewString(), now)
		expired.AIDisabledUntil = &past
		forcedOff := newTicket(t1, "c-"+uuid.NewString(), now)
		forcedOff.AIDisabledUntil = &past
		forcedOff.AIManuallyControlled = true
		forcedOff.AIMode = models.AIModeForceOff
		future := newTicket(t1, "c-"+uuid.NewString(), now)
		future.AIDisabledUntil = models.Ptr(now.Add(time.Hour))
		for _, tk := range []models.Ticket{expired, forcedOff, future} {
			require.NoError(t, s.CreateTicket(ctx, tk))
		}

		cleared, err := s.ReenableExpiredAI(ctx, now)
		require.NoError(t, err)
		var ids []string
		for _, c := range cleared {
			ids = append(ids, c.ID)
		}
		assert.Contains(t, ids, expired.ID)
		assert.NotContains(t, ids, forcedOff.ID)
		assert.NotContains(t, ids, future.ID)

		again, err := s.ReenableExpiredAI(ctx, now)
		require.NoError(t, err)
		for _, c := range again {
			assert.NotEqual(t, expired.ID, c.ID)
		}
	})

	t.Run("messages append in order", func(t *testing.T) {
		s := newStore(t)
		tk := newTicket(t1, "c-"+uuid.NewString(), now)
		require.NoError(t, s.CreateTicket(ctx, tk))

		var stored []models.Message
		for _, body := range []string{"a", "b", "c"} {
			m, err := s.AppendMessage(ctx, models.Message{TicketID: tk.ID, TenantID: t1, SenderKind: models.SenderClient, Body: body, CreatedAt: now})
			require.NoError(t, err)
			stored = append(stored, m)
		}
		assert.True(t, stored[1].CreatedAt.After(stored[0].CreatedAt))
		assert.True(t, stored[2].CreatedAt.After(stored[1].CreatedAt))

		got, err := s.ListMessages(ctx, scope1, tk.ID, 2)
		require.NoError(t, err)
		require.Len(t, got, 2)
		assert.Equal(t, "b", got[0].Body)
		assert.Equal(t, "c", got[1].Body)
	})
}
