package service

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deskrelay/backend/internal/compliance"
	"github.com/deskrelay/backend/internal/kafka"
	"github.com/deskrelay/backend/internal/models"
	"github.com/deskrelay/backend/internal/presence"
	"github.com/deskrelay/backend/internal/tenant"
)

func TestFirstMessageCreatesTicketAndPromptsTenantDepartments(t *testing.T) {
	h := newHarness(t)
	fin := h.department(t, models.Department{ID: "d-fin", TenantID: t1, Name: "Financeiro"})
	sup := h.department(t, models.Department{ID: "d-sup", TenantID: t1, Name: "Suporte"})
	h.department(t, models.Department{ID: "d-other", TenantID: t2, Name: "Vendas"})
	h.department(t, models.Department{ID: "d-master", Name: "Geral"})

	id, err := h.router.IngestClientMessage(h.ctx, h.clientScope, IngestRequest{Text: "oi"})
	require.NoError(t, err)

	tk := h.ticket(t, id)
	assert.True(t, tk.AwaitingDepartmentChoice)
	assert.Equal(t, models.StatusAwaitingDepartment, tk.Status)
	require.NotNil(t, tk.DepartmentChoiceSentAt)
	assert.Equal(t, "c1", tk.ClientID)

	prompts := h.client.messages(models.SenderSystem)
	require.Len(t, prompts, 1)
	var ids []string
	for _, o := range prompts[0].Departments {
		ids = append(ids, o.ID)
	}
	assert.Equal(t, []string{fin.ID, sup.ID}, ids)
	assert.Contains(t, prompts[0].Message.Body, "1 - Financeiro")

	assert.Len(t, h.agent1.messages(models.SenderClient), 1)
	assert.Empty(t, h.agent2.all(), "other tenant's agents see nothing")
	assert.Equal(t, 0, h.gen.callCount())
	assert.Contains(t, h.events.names(), kafka.EventTicketCreated)
}

func TestFollowUpReusesOpenTicket(t *testing.T) {
	h := newHarness(t)
	first, err := h.router.IngestClientMessage(h.ctx, h.clientScope, IngestRequest{Text: "oi"})
	require.NoError(t, err)
	second, err := h.router.IngestClientMessage(h.ctx, h.clientScope, IngestRequest{Text: "alguém aí?"})
	require.NoError(t, err)

	assert.Equal(t, first, second)
	tk := h.ticket(t, first)
	assert.Equal(t, 2, tk.UnreadCount)
	assert.Equal(t, "alguém aí?", tk.LastClientMessage)
	assert.Len(t, h.store.Tickets(), 1)
}

func TestConcurrentFirstMessagesShareOneTicket(t *testing.T) {
	h := newHarness(t)
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		ids = map[string]struct{}{}
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := h.router.IngestClientMessage(h.ctx, h.clientScope, IngestRequest{Text: fmt.Sprintf("msg %d", i)})
			if assert.NoError(t, err) {
				mu.Lock()
				ids[id] = struct{}{}
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	assert.Len(t, ids, 1)
	assert.Len(t, h.store.Tickets(), 1)
	assert.Equal(t, 20, h.ticket(t, h.store.Tickets()[0].ID).UnreadCount)
}

func TestClosedTicketIsNotReused(t *testing.T) {
	h := newHarness(t)
	first, err := h.router.IngestClientMessage(h.ctx, h.clientScope, IngestRequest{Text: "oi"})
	require.NoError(t, err)
	require.NoError(t, h.router.SetStatus(h.ctx, h.agentScope, first, models.StatusClosed))

	second, err := h.router.IngestClientMessage(h.ctx, h.clientScope, IngestRequest{Text: "voltei"})
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
	assert.Equal(t, models.StatusClosed, h.ticket(t, first).Status)
}

func TestIngestRejectsBadCallers(t *testing.T) {
	h := newHarness(t)
	_, err := h.router.IngestClientMessage(h.ctx, tenant.Scope{}, IngestRequest{ClientID: "c1", Text: "oi"})
	assert.ErrorIs(t, err, tenant.ErrUnknownTenant)

	_, err = h.router.IngestClientMessage(h.ctx, tenant.NewScope(t1, "", ""), IngestRequest{ClientID: "c1", Text: "oi"})
	assert.ErrorIs(t, err, tenant.ErrMissingCredential)

	_, err = h.router.IngestClientMessage(h.ctx, h.clientScope, IngestRequest{ClientID: "someone-else", Text: "oi"})
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = h.router.IngestClientMessage(h.ctx, h.agentScope, IngestRequest{ClientID: "c1", Text: "oi"})
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = h.router.IngestClientMessage(h.ctx, h.clientScope, IngestRequest{Text: "   "})
	assert.ErrorIs(t, err, ErrInvalidInput)

	gateway := tenant.NewScope(t1, "gw", models.RoleIntegration)
	id, err := h.router.IngestClientMessage(h.ctx, gateway, IngestRequest{ClientID: "c9", Text: "oi", Origin: "whatsapp"})
	require.NoError(t, err)
	assert.Equal(t, "whatsapp", h.ticket(t, id).Origin)
}

func TestClientDeliveryStaysInTicketTenant(t *testing.T) {
	h := newHarness(t)
	h.department(t, models.Department{ID: "d-ven", TenantID: t1, Name: "Vendas"})
	own, foreign := &recConn{}, &recConn{}
	h.presence.Register(presence.Principal{UserID: "shared-id", TenantID: t2, Role: models.RoleClient}, "s-t2", foreign)
	h.presence.Register(presence.Principal{UserID: "shared-id", TenantID: t1, Role: models.RoleClient}, "s-t1", own)

	gateway := tenant.NewScope(t1, "gw", models.RoleIntegration)
	id, err := h.router.IngestClientMessage(h.ctx, gateway, IngestRequest{ClientID: "shared-id", Text: "oi"})
	require.NoError(t, err)
	require.NoError(t, h.router.SetStatus(h.ctx, h.agentScope, id, models.StatusInProgress))

	assert.Len(t, own.messages(models.SenderClient), 1)
	assert.Len(t, own.messages(models.SenderSystem), 1)
	var statuses int
	for _, e := range own.all() {
		if e.Type == models.EnvelopeTicketStatus {
			statuses++
		}
	}
	assert.Equal(t, 1, statuses)
	assert.Empty(t, foreign.all(), "a t2 connection with the same user id sees nothing of a t1 ticket")
}

func TestNumericReplySelectsDepartmentAndDispatches(t *testing.T) {
	h := newHarness(t)
	h.aiAgent("a1", t1, true)
	h.department(t, models.Department{ID: "d-fin", TenantID: t1, Name: "Financeiro"})
	h.department(t, models.Department{ID: "d-sup", TenantID: t1, Name: "Suporte", AIAgentID: models.Ptr("a1")})

	id, err := h.router.IngestClientMessage(h.ctx, h.clientScope, IngestRequest{Text: "oi, tudo bem?"})
	require.NoError(t, err)
	_, err = h.router.IngestClientMessage(h.ctx, h.clientScope, IngestRequest{Text: "2"})
	require.NoError(t, err)

	tk := h.ticket(t, id)
	require.NotNil(t, tk.DepartmentID)
	assert.Equal(t, "d-sup", *tk.DepartmentID)
	assert.False(t, tk.AwaitingDepartmentChoice)
	assert.Equal(t, models.StatusInProgress, tk.Status, "ai answered")

	assert.Equal(t, 1, h.gen.callCount())
	assert.Equal(t, "oi, tudo bem?", h.gen.message)
	for _, m := range h.gen.history {
		assert.NotEqual(t, "oi, tudo bem?", m.Content)
	}
	assert.Len(t, h.client.messages(models.SenderAI), 1)
	assert.Contains(t, h.events.names(), kafka.EventDepartmentAssigned)
}

func TestReselectingRoutedTicketDoesNotAnswerAgain(t *testing.T) {
	h := newHarness(t)
	h.aiAgent("a1", t1, true)
	h.department(t, models.Department{ID: "d-fin", TenantID: t1, Name: "Financeiro", AIAgentID: models.Ptr("a1")})
	h.department(t, models.Department{ID: "d-sup", TenantID: t1, Name: "Suporte", AIAgentID: models.Ptr("a1")})

	id, err := h.router.IngestClientMessage(h.ctx, h.clientScope, IngestRequest{Text: "meu boleto venceu"})
	require.NoError(t, err)
	require.NoError(t, h.router.SelectDepartment(h.ctx, h.clientScope, id, "d-fin"))
	require.Equal(t, 1, h.gen.callCount())

	require.NoError(t, h.router.SelectDepartment(h.ctx, h.agentScope, id, "d-sup"))
	tk := h.ticket(t, id)
	assert.Equal(t, "d-sup", *tk.DepartmentID)
	assert.Equal(t, 1, h.gen.callCount(), "the held message was already answered")
	assert.Len(t, h.client.messages(models.SenderAI), 1)
}

func TestOutOfRangeNumberIsOrdinaryText(t *testing.T) {
	h := newHarness(t)
	h.department(t, models.Department{ID: "d-fin", TenantID: t1, Name: "Financeiro"})
	id, _ := h.router.IngestClientMessage(h.ctx, h.clientScope, IngestRequest{Text: "oi"})
	_, err := h.router.IngestClientMessage(h.ctx, h.clientScope, IngestRequest{Text: "7"})
	require.NoError(t, err)

	tk := h.ticket(t, id)
	assert.True(t, tk.AwaitingDepartmentChoice)
	assert.Nil(t, tk.DepartmentID)
	assert.Equal(t, "7", tk.LastClientMessage)
}

func TestSelectDepartment(t *testing.T) {
	h := newHarness(t)
	h.department(t, models.Department{ID: "d-fin", TenantID: t1, Name: "Financeiro"})
	h.department(t, models.Department{ID: "d-t2", TenantID: t2, Name: "Vendas"})
	id, _ := h.router.IngestClientMessage(h.ctx, h.clientScope, IngestRequest{Text: "oi"})

	err := h.router.SelectDepartment(h.ctx, h.clientScope, id, "d-t2")
	assert.ErrorIs(t, err, ErrUnknownDepartment)
	tk := h.ticket(t, id)
	assert.True(t, tk.AwaitingDepartmentChoice, "ticket unchanged")
	assert.Nil(t, tk.DepartmentID)

	err = h.router.SelectDepartment(h.ctx, h.clientScope, id, "missing")
	assert.ErrorIs(t, err, ErrUnknownDepartment)

	other := tenant.NewScope(t2, "agent2", models.RoleAgent)
	err = h.router.SelectDepartment(h.ctx, other, id, "d-fin")
	assert.ErrorIs(t, err, ErrNotFound, "cross-tenant access looks like a missing ticket")

	require.NoError(t, h.router.SelectDepartment(h.ctx, h.clientScope, id, "d-fin"))
	tk = h.ticket(t, id)
	assert.Equal(t, "d-fin", *tk.DepartmentID)
	assert.False(t, tk.AwaitingDepartmentChoice)
	assert.Equal(t, models.StatusWaiting, tk.Status)

	var confirmed bool
	for _, e := range h.client.messages(models.SenderSystem) {
		if e.Departments == nil && e.Message.Body == departmentConfirmation(models.Department{Name: "Financeiro"}) {
			confirmed = true
		}
	}
	assert.True(t, confirmed)
	assert.Equal(t, 0, h.gen.callCount(), "department has no ai agent")
}

func TestSendAgentMessage(t *testing.T) {
	h := newHarness(t)
	h.store.AddAllowlist(t1, models.AllowPhone, "11987654321")
	h.store.AddAllowlist(t1, models.AllowExact, "Nosso WhatsApp: 11 91234-5678")
	id, _ := h.router.IngestClientMessage(h.ctx, h.clientScope, IngestRequest{Text: "oi"})

	msg, err := h.router.SendAgentMessage(h.ctx, h.agentScope, id, "", "Pode ligar em 11 98765-4321")
	require.NoError(t, err)
	assert.Equal(t, "agent1", msg.SenderID)
	tk := h.ticket(t, id)
	assert.Equal(t, models.StatusInProgress, tk.Status)
	assert.Equal(t, 0, tk.UnreadCount)
	assert.Len(t, h.client.messages(models.SenderAgent), 1)

	_, err = h.router.SendAgentMessage(h.ctx, h.agentScope, id, "", "Nosso WhatsApp: 11 91234-5678")
	assert.NoError(t, err, "exact allowlist entry wins over the phone pattern")

	before := h.countMessages(t, id, models.SenderAgent)
	_, err = h.router.SendAgentMessage(h.ctx, h.agentScope, id, "", "me escreve em joao@example.com")
	var v *compliance.Violation
	require.True(t, errors.As(err, &v))
	assert.Equal(t, compliance.CategoryEmail, v.Category)
	assert.Equal(t, before, h.countMessages(t, id, models.SenderAgent), "rejected text is never stored")

	_, err = h.router.SendAgentMessage(h.ctx, h.clientScope, id, "", "olá")
	assert.ErrorIs(t, err, ErrForbidden)

	require.NoError(t, h.router.SetStatus(h.ctx, h.agentScope, id, models.StatusClosed))
	_, err = h.router.SendAgentMessage(h.ctx, h.agentScope, id, "", "olá")
	assert.ErrorIs(t, err, ErrTicketClosed)
}

func TestSetStatusTransitions(t *testing.T) {
	h := newHarness(t)
	id, _ := h.router.IngestClientMessage(h.ctx, h.clientScope, IngestRequest{Text: "oi"})

	assert.ErrorIs(t, h.router.SetStatus(h.ctx, h.agentScope, id, models.StatusAwaitingDepartment), ErrInvalidTransition)
	assert.ErrorIs(t, h.router.SetStatus(h.ctx, h.agentScope, id, "BOGUS"), ErrInvalidTransition)
	assert.ErrorIs(t, h.router.SetStatus(h.ctx, h.clientScope, id, models.StatusClosed), ErrForbidden)

	require.NoError(t, h.router.SetStatus(h.ctx, h.agentScope, id, models.StatusInProgress))
	require.NoError(t, h.router.SetStatus(h.ctx, h.agentScope, id, models.StatusClosed))
	tk := h.ticket(t, id)
	assert.Equal(t, models.StatusClosed, tk.Status)
	assert.NotNil(t, tk.ClosedAt)

	assert.ErrorIs(t, h.router.SetStatus(h.ctx, h.agentScope, id, models.StatusWaiting), ErrInvalidTransition)

	var statuses int
	for _, e := range h.agent1.all() {
		if e.Type == models.EnvelopeTicketStatus {
			statuses++
		}
	}
	assert.Equal(t, 2, statuses)
}

func TestAssignAgentAndAIMode(t *testing.T) {
	h := newHarness(t)
	id, _ := h.router.IngestClientMessage(h.ctx, h.clientScope, IngestRequest{Text: "oi"})
	_, err := h.store.UpdateTicket(h.ctx, h.agentScope, id, models.TicketPatch{AIDisabledUntil: models.Ptr(h.clock.Now().Add(time.Hour))})
	require.NoError(t, err)

	require.NoError(t, h.router.AssignAgent(h.ctx, h.agentScope, id, "agent1"))
	assert.Equal(t, "agent1", *h.ticket(t, id).AssignedAgentID)
	assert.ErrorIs(t, h.router.AssignAgent(h.ctx, h.agentScope, id, ""), ErrInvalidInput)

	require.NoError(t, h.router.SetAIMode(h.ctx, h.agentScope, id, models.AIModeForceOn))
	tk := h.ticket(t, id)
	assert.True(t, tk.AIManuallyControlled)
	assert.Equal(t, models.AIModeForceOn, tk.AIMode)
	assert.Nil(t, tk.AIDisabledUntil)

	require.NoError(t, h.router.SetAIMode(h.ctx, h.agentScope, id, models.AIModeDefault))
	tk = h.ticket(t, id)
	assert.False(t, tk.AIManuallyControlled)
	assert.Equal(t, models.AIModeDefault, tk.AIMode)
}

func TestListMessagesIsScoped(t *testing.T) {
	h := newHarness(t)
	id, _ := h.router.IngestClientMessage(h.ctx, h.clientScope, IngestRequest{Text: "oi"})
	_, _ = h.router.IngestClientMessage(h.ctx, h.clientScope, IngestRequest{Text: "tem alguém?"})

	msgs, err := h.router.ListMessages(h.ctx, h.clientScope, id, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "oi", msgs[0].Body)
	assert.True(t, msgs[1].CreatedAt.After(msgs[0].CreatedAt))

	_, err = h.router.ListMessages(h.ctx, tenant.NewScope(t1, "c2", models.RoleClient), id, 0)
	assert.ErrorIs(t, err, ErrNotFound, "clients only read their own tickets")
	_, err = h.router.ListMessages(h.ctx, tenant.NewScope(t2, "agent2", models.RoleAgent), id, 0)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = h.router.ListMessages(h.ctx, tenant.NewScope(nil, "root", models.RoleAgent), id, 0)
	assert.ErrorIs(t, err, ErrNotFound)
}
