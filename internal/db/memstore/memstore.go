// Package memstore is an in-process Store with the same contract as the
// Postgres store. It backs tests and DATABASE_URL=memory://.
package memstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/deskrelay/backend/internal/db"
	"github.com/deskrelay/backend/internal/models"
	"github.com/deskrelay/backend/internal/tenant"
)

type Store struct {
	mu sync.Mutex

	tickets     map[string]models.Ticket
	messages    map[string][]models.Message
	departments map[string]models.Department
	agents      map[string]models.AIAgent
	tenants     map[string]models.TenantSettings
	domains     map[string]*string
	credentials map[string]models.Credential
	allowlists  map[string]models.Allowlist

	Now func() time.Time
}

func New() *Store {
	return &Store{
		tickets:     map[string]models.Ticket{},
		messages:    map[string][]models.Message{},
		departments: map[string]models.Department{},
		agents:      map[string]models.AIAgent{},
		tenants:     map[string]models.TenantSettings{},
		domains:     map[string]*string{},
		credentials: map[string]models.Credential{},
		allowlists:  map[string]models.Allowlist{},
		Now:         time.Now,
	}
}

func (s *Store) Ping(ctx context.Context) error { return ctx.Err() }

func (s *Store) Close() {}

// visible mirrors Scope.Clause for an in-memory row.
func visible(scope tenant.Scope, tenantID *string) bool {
	return scope.Owns(tenantID)
}

func (s *Store) TicketByID(ctx context.Context, scope tenant.Scope, id string) (models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tickets[id]
	if !ok || !visible(scope, t.TenantID) {
		return models.Ticket{}, db.ErrNotFound
	}
	return t, nil
}

func (s *Store) OpenTicketForClient(ctx context.Context, scope tenant.Scope, clientID string) (models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.openTicketLocked(scope.TenantID, clientID); ok && visible(scope, t.TenantID) {
		return t, nil
	}
	return models.Ticket{}, db.ErrNotFound
}

func (s *Store) openTicketLocked(tenantID *string, clientID string) (models.Ticket, bool) {
	for _, t := range s.tickets {
		if t.ClientID == clientID && t.Status != models.StatusClosed && models.SameTenant(t.TenantID, tenantID) {
			return t, true
		}
	}
	return models.Ticket{}, false
}

func (s *Store) CreateTicket(ctx context.Context, t models.Ticket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.openTicketLocked(t.TenantID, t.ClientID); ok {
		return db.ErrDuplicateTicket
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	s.tickets[t.ID] = t
	return nil
}

func (s *Store) UpdateTicket(ctx context.Context, scope tenant.Scope, id string, patch models.TicketPatch) (models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tickets[id]
	if !ok || !visible(scope, t.TenantID) {
		return models.Ticket{}, db.ErrNotFound
	}
	patch.Apply(&t, s.Now())
	s.tickets[id] = t
	return t, nil
}

func (s *Store) AssignDepartmentIfAwaiting(ctx context.Context, scope tenant.Scope, id, departmentID string, now time.Time) (models.Ticket, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tickets[id]
	if !ok || !visible(scope, t.TenantID) {
		return models.Ticket{}, false, db.ErrNotFound
	}
	if !t.AwaitingDepartmentChoice || t.Status == models.StatusClosed {
		return t, false, nil
	}
	t.DepartmentID = models.Ptr(departmentID)
	t.AwaitingDepartmentChoice = false
	if t.Status == models.StatusAwaitingDepartment {
		t.Status = models.StatusWaiting
	}
	t.UpdatedAt = now
	s.tickets[id] = t
	return t, true, nil
}

func (s *Store) ListAwaitingDepartment(ctx context.Context) ([]models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Ticket
	for _, t := range s.tickets {
		if t.AwaitingDepartmentChoice && t.Status != models.StatusClosed {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) ReenableExpiredAI(ctx context.Context, now time.Time) ([]models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Ticket
	for id, t := range s.tickets {
		if t.AIDisabledUntil == nil || t.AIDisabledUntil.After(now) {
			continue
		}
		if t.AIManuallyControlled && t.AIMode == models.AIModeForceOff {
			continue
		}
		t.AIDisabledUntil = nil
		t.UpdatedAt = now
		s.tickets[id] = t
		out = append(out, t)
	}
	return out, nil
}

func (s *Store) AppendMessage(ctx context.Context, m models.Message) (models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tickets[m.TicketID]; !ok {
		return models.Message{}, db.ErrNotFound
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.Now()
	}
	history := s.messages[m.TicketID]
	if n := len(history); n > 0 && !m.CreatedAt.After(history[n-1].CreatedAt) {
		m.CreatedAt = history[n-1].CreatedAt.Add(time.Microsecond)
	}
	s.messages[m.TicketID] = append(history, m)
	return m, nil
}

func (s *Store) ListMessages(ctx context.Context, scope tenant.Scope, ticketID string, limit int) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tickets[ticketID]
	if !ok || !visible(scope, t.TenantID) {
		return nil, db.ErrNotFound
	}
	if limit <= 0 {
		limit = db.DefaultMessageLimit
	}
	history := s.messages[ticketID]
	if len(history) > limit {
		history = history[len(history)-limit:]
	}
	return append([]models.Message(nil), history...), nil
}

func (s *Store) DepartmentByID(ctx context.Context, scope tenant.Scope, id string) (models.Department, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.departments[id]
	if !ok || !visible(scope, d.TenantID) {
		return models.Department{}, db.ErrNotFound
	}
	return d, nil
}

// ListDepartments returns the scope's departments for origin, ordered by
// name. Departments without an origin serve every channel; an empty origin
// lists all of them.
func (s *Store) ListDepartments(ctx context.Context, scope tenant.Scope, origin string) ([]models.Department, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Department
	for _, d := range s.departments {
		if !visible(scope, d.TenantID) {
			continue
		}
		if origin != "" && d.Origin != "" && !strings.EqualFold(d.Origin, origin) {
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) CreateDepartment(ctx context.Context, d models.Department) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = s.Now()
	}
	s.departments[d.ID] = d
	return nil
}

func (s *Store) AIAgentByID(ctx context.Context, scope tenant.Scope, id string) (models.AIAgent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok || !visible(scope, a.TenantID) {
		return models.AIAgent{}, db.ErrNotFound
	}
	return a, nil
}

func (s *Store) PutAIAgent(a models.AIAgent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[a.ID] = a
}

// TenantSettings has no row for the master tenant.
func (s *Store) TenantSettings(ctx context.Context, tenantID *string) (models.TenantSettings, bool, error) {
	if tenantID == nil {
		return models.TenantSettings{}, false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ts, ok := s.tenants[*tenantID]
	return ts, ok, nil
}

func (s *Store) PutTenant(id string, aiEnabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tenants[id] = models.TenantSettings{TenantID: models.Ptr(id), AIEnabled: aiEnabled}
}

func (s *Store) PutDomain(host string, tenantID *string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.domains[tenant.NormalizeHost(host)] = tenantID
}

func (s *Store) TenantByDomain(ctx context.Context, host string) (*string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.domains[host]
	return id, ok, nil
}

// PutCredential stores the credential under the hash of token.
func (s *Store) PutCredential(token string, c models.Credential) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.TokenHash = tenant.HashToken(token)
	s.credentials[c.TokenHash] = c
}

func (s *Store) CredentialByTokenHash(ctx context.Context, hash string) (models.Credential, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.credentials[hash]
	return c, ok, nil
}

func (s *Store) AddAllowlist(tenantID *string, category models.AllowlistCategory, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := models.TenantKey(tenantID)
	list := s.allowlists[key]
	list.Add(category, value)
	s.allowlists[key] = list
}

func (s *Store) Allowlist(ctx context.Context, tenantID *string) (models.Allowlist, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.allowlists[models.TenantKey(tenantID)], nil
}

// Tickets returns a snapshot of every ticket, for assertions.
func (s *Store) Tickets() []models.Ticket {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Ticket, 0, len(s.tickets))
	for _, t := range s.tickets {
		out = append(out, t)
	}
	return out
}
