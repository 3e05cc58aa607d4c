package presence

import (
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/deskrelay/backend/internal/models"
	"github.com/deskrelay/backend/internal/utils"
)

const shardCount = 32

// Conn is one live channel to a user. Send must not block.
type Conn interface {
	Send(env models.Envelope) error
	Close() error
}

type Principal struct {
	UserID   string
	TenantID *string
	Role     models.Role
}

type Handle struct {
	ID       string
	UserID   string
	TenantID *string
}

// userKey identifies a registration. User ids are only unique inside a
// tenant, so the same id under two tenants is two users.
type userKey struct {
	tenant string
	master bool
	userID string
}

func keyFor(tenantID *string, userID string) userKey {
	return userKey{tenant: models.TenantKey(tenantID), master: tenantID == nil, userID: userID}
}

type userConns struct {
	sessionID string
	principal Principal
	conns     map[string]Conn
}

type shard struct {
	mu    sync.Mutex
	users map[userKey]*userConns
}

// Manager owns the process-wide connection registry. Users are striped over
// shards by user id so unrelated users never contend on the same lock.
type Manager struct {
	shards [shardCount]shard
	logger zerolog.Logger
}

func NewManager(logger zerolog.Logger) *Manager {
	m := &Manager{logger: logger}
	for i := range m.shards {
		m.shards[i].users = map[userKey]*userConns{}
	}
	return m
}

func (m *Manager) shardFor(userID string) *shard {
	return &m.shards[utils.Stripe(userID, shardCount)]
}

// Register adds conn under the user's session. A different session evicts
// every connection of the previous one; the same session is additive.
func (m *Manager) Register(p Principal, sessionID string, conn Conn) Handle {
	h := Handle{ID: uuid.NewString(), UserID: p.UserID, TenantID: p.TenantID}
	key := keyFor(p.TenantID, p.UserID)
	s := m.shardFor(p.UserID)

	s.mu.Lock()
	var evicted []Conn
	u := s.users[key]
	if u != nil && u.sessionID != sessionID {
		for _, c := range u.conns {
			evicted = append(evicted, c)
		}
		u = nil
	}
	if u == nil {
		u = &userConns{sessionID: sessionID, conns: map[string]Conn{}}
		s.users[key] = u
	}
	u.principal = p
	u.conns[h.ID] = conn
	s.mu.Unlock()

	if len(evicted) > 0 {
		m.logger.Info().
			Str("user_id", p.UserID).
			Str("tenant_id", models.TenantKey(p.TenantID)).
			Int("evicted", len(evicted)).
			Msg("session replaced")
	}
	for _, c := range evicted {
		_ = c.Send(models.SessionReplacedEnvelope())
		_ = c.Close()
	}
	return h
}

// Unregister is a no-op for handles that were already evicted.
func (m *Manager) Unregister(h Handle) bool {
	key := keyFor(h.TenantID, h.UserID)
	s := m.shardFor(h.UserID)
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.users[key]
	if u == nil {
		return false
	}
	if _, ok := u.conns[h.ID]; !ok {
		return false
	}
	delete(u.conns, h.ID)
	if len(u.conns) == 0 {
		delete(s.users, key)
	}
	return true
}

type target struct {
	handle Handle
	conn   Conn
}

func (u *userConns) targets(out []target) []target {
	for id, c := range u.conns {
		out = append(out, target{handle: Handle{ID: id, UserID: u.principal.UserID, TenantID: u.principal.TenantID}, conn: c})
	}
	return out
}

// SendToUser delivers best-effort to userID under every tenant it is
// registered in and returns how many connections accepted the payload.
// Offline users are silently skipped.
func (m *Manager) SendToUser(userID string, env models.Envelope) int {
	s := m.shardFor(userID)
	s.mu.Lock()
	var targets []target
	for key, u := range s.users {
		if key.userID == userID {
			targets = u.targets(targets)
		}
	}
	s.mu.Unlock()
	return m.deliver(targets, env)
}

// SendToTenantUser reaches userID only as registered under exactly tenantID.
func (m *Manager) SendToTenantUser(tenantID *string, userID string, env models.Envelope) int {
	s := m.shardFor(userID)
	s.mu.Lock()
	var targets []target
	if u := s.users[keyFor(tenantID, userID)]; u != nil {
		targets = u.targets(targets)
	}
	s.mu.Unlock()
	return m.deliver(targets, env)
}

// BroadcastToTenantAgents reaches agent connections of exactly tenantID.
func (m *Manager) BroadcastToTenantAgents(tenantID *string, env models.Envelope) int {
	var targets []target
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.Lock()
		for _, u := range s.users {
			if u.principal.Role != models.RoleAgent || !models.SameTenant(u.principal.TenantID, tenantID) {
				continue
			}
			targets = u.targets(targets)
		}
		s.mu.Unlock()
	}
	return m.deliver(targets, env)
}

func (m *Manager) deliver(targets []target, env models.Envelope) int {
	delivered := 0
	for _, t := range targets {
		if err := t.conn.Send(env); err != nil {
			m.logger.Debug().Err(err).Str("user_id", t.handle.UserID).Msg("dropping dead connection")
			m.Unregister(t.handle)
			_ = t.conn.Close()
			continue
		}
		delivered++
	}
	return delivered
}

func (m *Manager) Online(userID string) bool {
	s := m.shardFor(userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.users {
		if key.userID == userID {
			return true
		}
	}
	return false
}

func (m *Manager) ConnectionCount() int {
	n := 0
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.Lock()
		for _, u := range s.users {
			n += len(u.conns)
		}
		s.mu.Unlock()
	}
	return n
}
