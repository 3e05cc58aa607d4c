package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/deskrelay/backend/internal/ai"
	"github.com/deskrelay/backend/internal/compliance"
	"github.com/deskrelay/backend/internal/db/memstore"
	"github.com/deskrelay/backend/internal/kafka"
	"github.com/deskrelay/backend/internal/models"
	"github.com/deskrelay/backend/internal/presence"
	"github.com/deskrelay/backend/internal/tenant"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recConn struct {
	mu   sync.Mutex
	envs []models.Envelope
}

func (c *recConn) Send(env models.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.envs = append(c.envs, env)
	return nil
}

func (c *recConn) Close() error { return nil }

func (c *recConn) all() []models.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.Envelope(nil), c.envs...)
}

func (c *recConn) messages(kind models.SenderKind) []models.Envelope {
	var out []models.Envelope
	for _, e := range c.all() {
		if e.Type == models.EnvelopeMessage && e.Message.SenderKind == kind {
			out = append(out, e)
		}
	}
	return out
}

type eventRecorder struct {
	mu     sync.Mutex
	events []kafka.TicketEvent
}

func (r *eventRecorder) Publish(_ context.Context, e kafka.TicketEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *eventRecorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		out = append(out, e.Event)
	}
	return out
}

type fakeGen struct {
	mu      sync.Mutex
	reply   string
	err     error
	block   bool
	hook    func()
	calls   int
	history []ai.ChatMessage
	message string
}

func (g *fakeGen) Generate(ctx context.Context, _ models.AIAgentConfig, history []ai.ChatMessage, message string) (string, error) {
	g.mu.Lock()
	g.calls++
	g.history = history
	g.message = message
	reply, err, block, hook := g.reply, g.err, g.block, g.hook
	g.mu.Unlock()
	if hook != nil {
		hook()
	}
	if block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return reply, err
}

func (g *fakeGen) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

var (
	t1 = models.Ptr("t1")
	t2 = models.Ptr("t2")
)

type harness struct {
	ctx      context.Context
	clock    *testClock
	store    *memstore.Store
	gen      *fakeGen
	events   *eventRecorder
	router   *Router
	disp     *Dispatcher
	sweeper  *Sweeper
	presence *presence.Manager

	client *recConn
	agent1 *recConn
	agent2 *recConn

	clientScope tenant.Scope
	agentScope  tenant.Scope
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clock := &testClock{now: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
	store := memstore.New()
	store.Now = clock.Now
	store.PutTenant("t1", true)
	store.PutTenant("t2", true)

	pm := presence.NewManager(zerolog.Nop())
	events := &eventRecorder{}
	gen := &fakeGen{reply: "Olá! Como posso ajudar?"}

	disp := &Dispatcher{
		Store:           store,
		Presence:        pm,
		Generator:       gen,
		Events:          events,
		Logger:          zerolog.Nop(),
		Clock:           clock.Now,
		Deadline:        time.Second,
		DisableFor:      24 * time.Hour,
		HistoryLimit:    20,
		MaxChars:        1000,
		MasterAIEnabled: true,
	}
	router := &Router{
		Store:      store,
		Presence:   pm,
		Compliance: &compliance.Filter{Store: store, Logger: zerolog.Nop()},
		Dispatcher: disp,
		Events:     events,
		Logger:     zerolog.Nop(),
		Clock:      clock.Now,
		Spawn:      func(f func()) { f() },
	}
	sweeper := &Sweeper{
		Router:             router,
		Store:              store,
		Logger:             zerolog.Nop(),
		Clock:              clock.Now,
		DefaultTimeout:     120 * time.Second,
		DepartmentInterval: 10 * time.Millisecond,
		AIInterval:         10 * time.Millisecond,
	}

	h := &harness{
		ctx:         context.Background(),
		clock:       clock,
		store:       store,
		gen:         gen,
		events:      events,
		router:      router,
		disp:        disp,
		sweeper:     sweeper,
		presence:    pm,
		client:      &recConn{},
		agent1:      &recConn{},
		agent2:      &recConn{},
		clientScope: tenant.NewScope(t1, "c1", models.RoleClient),
		agentScope:  tenant.NewScope(t1, "agent1", models.RoleAgent),
	}
	pm.Register(presence.Principal{UserID: "c1", TenantID: t1, Role: models.RoleClient}, "s", h.client)
	pm.Register(presence.Principal{UserID: "agent1", TenantID: t1, Role: models.RoleAgent}, "s", h.agent1)
	pm.Register(presence.Principal{UserID: "agent2", TenantID: t2, Role: models.RoleAgent}, "s", h.agent2)
	return h
}

func (h *harness) department(t *testing.T, d models.Department) models.Department {
	t.Helper()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = h.clock.Now()
	}
	require.NoError(t, h.store.CreateDepartment(h.ctx, d))
	return d
}

func (h *harness) aiAgent(id string, tenantID *string, active bool) {
	h.store.PutAIAgent(models.AIAgent{
		ID:       id,
		TenantID: tenantID,
		Config:   models.AIAgentConfig{Provider: "fake", Model: "m"},
		IsActive: active,
	})
}

// routedTicket creates an open ticket already sitting in departmentID.
func (h *harness) routedTicket(t *testing.T, clientID, departmentID string) models.Ticket {
	t.Helper()
	now := h.clock.Now()
	tk := models.Ticket{
		ID:                "tk-" + clientID,
		TenantID:          t1,
		ClientID:          clientID,
		DepartmentID:      models.Ptr(departmentID),
		Status:            models.StatusWaiting,
		LastClientMessage: "preciso de ajuda",
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	require.NoError(t, h.store.CreateTicket(h.ctx, tk))
	_, err := h.store.AppendMessage(h.ctx, models.Message{
		TicketID: tk.ID, TenantID: t1, SenderKind: models.SenderClient, SenderID: clientID, Body: "preciso de ajuda", CreatedAt: now,
	})
	require.NoError(t, err)
	return tk
}

func (h *harness) ticket(t *testing.T, id string) models.Ticket {
	t.Helper()
	tk, err := h.store.TicketByID(h.ctx, tenant.NewScope(t1, "", models.RoleAgent), id)
	require.NoError(t, err)
	return tk
}

func (h *harness) countMessages(t *testing.T, ticketID string, kind models.SenderKind) int {
	t.Helper()
	msgs, err := h.store.ListMessages(h.ctx, tenant.NewScope(t1, "", models.RoleAgent), ticketID, 500)
	require.NoError(t, err)
	n := 0
	for _, m := range msgs {
		if m.SenderKind == kind {
			n++
		}
	}
	return n
}
