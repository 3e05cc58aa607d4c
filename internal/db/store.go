package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/deskrelay/backend/internal/models"
	"github.com/deskrelay/backend/internal/tenant"
)

type Store struct {
	Pool *pgxpool.Pool
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &Store{Pool: pool}, nil
}

func (s *Store) Close() {
	s.Pool.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.Pool.Ping(ctx)
}

func (s *Store) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

const ticketColumns = `id, tenant_id, client_id, origin, department_id, status,
	awaiting_department_choice, department_choice_sent_at, ai_manually_controlled, ai_enabled,
	ai_disabled_until, assigned_agent_id, unread_count, last_message, last_client_message,
	fallback_reason, created_at, updated_at, closed_at`

func scanTicket(row pgx.Row) (models.Ticket, error) {
	var (
		t         models.Ticket
		aiEnabled *bool
	)
	err := row.Scan(&t.ID, &t.TenantID, &t.ClientID, &t.Origin, &t.DepartmentID, &t.Status,
		&t.AwaitingDepartmentChoice, &t.DepartmentChoiceSentAt, &t.AIManuallyControlled, &aiEnabled,
		&t.AIDisabledUntil, &t.AssignedAgentID, &t.UnreadCount, &t.LastMessage, &t.LastClientMessage,
		&t.FallbackReason, &t.CreatedAt, &t.UpdatedAt, &t.ClosedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, ErrNotFound
		}
		return models.Ticket{}, err
	}
	t.AIMode = models.AIModeFromNullable(aiEnabled)
	return t, nil
}

func collectTickets(rows pgx.Rows) ([]models.Ticket, error) {
	defer rows.Close()
	var out []models.Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// scoped appends the tenant predicate for column to wheres/args.
func scoped(scope tenant.Scope, column string, wheres []string, args []any) ([]string, []any) {
	clause, extra := scope.Clause(column, len(args)+1)
	return append(wheres, clause), append(args, extra...)
}

func (s *Store) TicketByID(ctx context.Context, scope tenant.Scope, id string) (models.Ticket, error) {
	args := []any{id}
	wheres, args := scoped(scope, "tenant_id", []string{"id = $1"}, args)
	query := `SELECT ` + ticketColumns + ` FROM tickets WHERE ` + strings.Join(wheres, " AND ")
	return scanTicket(s.Pool.QueryRow(ctx, query, args...))
}

func (s *Store) OpenTicketForClient(ctx context.Context, scope tenant.Scope, clientID string) (models.Ticket, error) {
	args := []any{clientID}
	wheres, args := scoped(scope, "tenant_id", []string{"client_id = $1", "status <> 'CLOSED'"}, args)
	query := `SELECT ` + ticketColumns + ` FROM tickets WHERE ` + strings.Join(wheres, " AND ") +
		` ORDER BY created_at ASC LIMIT 1`
	return scanTicket(s.Pool.QueryRow(ctx, query, args...))
}

// CreateTicket relies on the partial unique index over open tickets; losing
// the race yields ErrDuplicateTicket.
func (s *Store) CreateTicket(ctx context.Context, t models.Ticket) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	tag, err := s.Pool.Exec(ctx, `
		INSERT INTO tickets (id, tenant_id, client_id, origin, department_id, status,
			awaiting_department_choice, department_choice_sent_at, ai_manually_controlled, ai_enabled,
			ai_disabled_until, assigned_agent_id, unread_count, last_message, last_client_message,
			fallback_reason, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
		ON CONFLICT DO NOTHING
	`, t.ID, t.TenantID, t.ClientID, t.Origin, t.DepartmentID, t.Status,
		t.AwaitingDepartmentChoice, t.DepartmentChoiceSentAt, t.AIManuallyControlled, t.AIMode.Nullable(),
		t.AIDisabledUntil, t.AssignedAgentID, t.UnreadCount, t.LastMessage, t.LastClientMessage,
		t.FallbackReason, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrDuplicateTicket
	}
	return nil
}

// UpdateTicket writes only the fields set in patch. A closed ticket keeps
// its status.
func (s *Store) UpdateTicket(ctx context.Context, scope tenant.Scope, id string, patch models.TicketPatch) (models.Ticket, error) {
	var (
		sets []string
		args []any
	)
	set := func(expr string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf(expr, len(args)))
	}
	if patch.Status != nil {
		set("status = CASE WHEN status = 'CLOSED' THEN status ELSE $%d END", string(*patch.Status))
	}
	if patch.DepartmentID != nil {
		set("department_id = $%d", *patch.DepartmentID)
	}
	if patch.AwaitingDepartmentChoice != nil {
		set("awaiting_department_choice = $%d", *patch.AwaitingDepartmentChoice)
	}
	if patch.DepartmentChoiceSentAt != nil {
		set("department_choice_sent_at = $%d", *patch.DepartmentChoiceSentAt)
	}
	if patch.AIManuallyControlled != nil {
		set("ai_manually_controlled = $%d", *patch.AIManuallyControlled)
	}
	if patch.AIMode != nil {
		set("ai_enabled = $%d", patch.AIMode.Nullable())
	}
	if patch.ClearAIDisabledUntil {
		sets = append(sets, "ai_disabled_until = NULL")
	} else if patch.AIDisabledUntil != nil {
		set("ai_disabled_until = $%d", *patch.AIDisabledUntil)
	}
	if patch.AssignedAgentID != nil {
		set("assigned_agent_id = $%d", *patch.AssignedAgentID)
	}
	if patch.ResetUnread {
		set("unread_count = $%d", patch.UnreadDelta)
	} else if patch.UnreadDelta != 0 {
		set("unread_count = unread_count + $%d", patch.UnreadDelta)
	}
	if patch.LastMessage != nil {
		set("last_message = $%d", *patch.LastMessage)
	}
	if patch.LastClientMessage != nil {
		set("last_client_message = $%d", *patch.LastClientMessage)
	}
	if patch.FallbackReason != nil {
		set("fallback_reason = $%d", *patch.FallbackReason)
	}
	if patch.ClosedAt != nil {
		set("closed_at = $%d", *patch.ClosedAt)
	}
	sets = append(sets, "updated_at = NOW()")

	args = append(args, id)
	wheres, args := scoped(scope, "tenant_id", []string{fmt.Sprintf("id = $%d", len(args))}, args)
	query := `UPDATE tickets SET ` + strings.Join(sets, ", ") +
		` WHERE ` + strings.Join(wheres, " AND ") + ` RETURNING ` + ticketColumns
	return scanTicket(s.Pool.QueryRow(ctx, query, args...))
}

// AssignDepartmentIfAwaiting only touches tickets still waiting for a choice,
// so a sweep racing an explicit selection changes nothing.
func (s *Store) AssignDepartmentIfAwaiting(ctx context.Context, scope tenant.Scope, id, departmentID string, now time.Time) (models.Ticket, bool, error) {
	args := []any{departmentID, now, id}
	wheres, args := scoped(scope, "tenant_id",
		[]string{"id = $3", "awaiting_department_choice", "status <> 'CLOSED'"}, args)
	query := `UPDATE tickets SET department_id = $1, awaiting_department_choice = FALSE,
		status = CASE WHEN status = 'AWAITING_DEPARTMENT' THEN 'WAITING' ELSE status END,
		updated_at = $2
		WHERE ` + strings.Join(wheres, " AND ") + ` RETURNING ` + ticketColumns
	t, err := scanTicket(s.Pool.QueryRow(ctx, query, args...))
	if errors.Is(err, ErrNotFound) {
		current, err := s.TicketByID(ctx, scope, id)
		return current, false, err
	}
	if err != nil {
		return models.Ticket{}, false, err
	}
	return t, true, nil
}

func (s *Store) ListAwaitingDepartment(ctx context.Context) ([]models.Ticket, error) {
	rows, err := s.Pool.Query(ctx, `SELECT `+ticketColumns+` FROM tickets
		WHERE awaiting_department_choice AND status <> 'CLOSED'
		ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	return collectTickets(rows)
}

// ReenableExpiredAI clears expired disable windows, except where a human
// forced AI off.
func (s *Store) ReenableExpiredAI(ctx context.Context, now time.Time) ([]models.Ticket, error) {
	rows, err := s.Pool.Query(ctx, `UPDATE tickets SET ai_disabled_until = NULL, updated_at = $1
		WHERE ai_disabled_until IS NOT NULL AND ai_disabled_until <= $1
		AND NOT (ai_manually_controlled AND ai_enabled IS NOT DISTINCT FROM FALSE)
		RETURNING `+ticketColumns, now)
	if err != nil {
		return nil, err
	}
	return collectTickets(rows)
}

// AppendMessage serialises appends per ticket with a row lock and bumps the
// timestamp past the ticket's latest message.
func (s *Store) AppendMessage(ctx context.Context, m models.Message) (models.Message, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	err := s.WithTx(ctx, func(tx pgx.Tx) error {
		var locked string
		if err := tx.QueryRow(ctx, `SELECT id FROM tickets WHERE id = $1 FOR UPDATE`, m.TicketID).Scan(&locked); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}
		return tx.QueryRow(ctx, `
			INSERT INTO messages (id, ticket_id, tenant_id, sender_kind, sender_id, body, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, GREATEST($7::timestamptz,
				COALESCE((SELECT MAX(created_at) + INTERVAL '1 microsecond' FROM messages WHERE ticket_id = $2), $7::timestamptz)))
			RETURNING created_at
		`, m.ID, m.TicketID, m.TenantID, string(m.SenderKind), m.SenderID, m.Body, m.CreatedAt).Scan(&m.CreatedAt)
	})
	if err != nil {
		return models.Message{}, err
	}
	return m, nil
}

// ListMessages returns the newest limit messages in append order.
func (s *Store) ListMessages(ctx context.Context, scope tenant.Scope, ticketID string, limit int) ([]models.Message, error) {
	if limit <= 0 {
		limit = DefaultMessageLimit
	}
	if _, err := s.TicketByID(ctx, scope, ticketID); err != nil {
		return nil, err
	}
	rows, err := s.Pool.Query(ctx, `
		SELECT id, ticket_id, tenant_id, sender_kind, sender_id, body, created_at FROM (
			SELECT * FROM messages WHERE ticket_id = $1 ORDER BY created_at DESC LIMIT $2
		) recent ORDER BY created_at ASC
	`, ticketID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Message
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(&m.ID, &m.TicketID, &m.TenantID, &m.SenderKind, &m.SenderID, &m.Body, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

const departmentColumns = `id, tenant_id, name, origin, ai_agent_id, default_timeout_seconds, is_default, created_at`

func scanDepartment(row pgx.Row) (models.Department, error) {
	var d models.Department
	err := row.Scan(&d.ID, &d.TenantID, &d.Name, &d.Origin, &d.AIAgentID, &d.DefaultTimeoutSeconds, &d.IsDefault, &d.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Department{}, ErrNotFound
	}
	return d, err
}

func (s *Store) DepartmentByID(ctx context.Context, scope tenant.Scope, id string) (models.Department, error) {
	wheres, args := scoped(scope, "tenant_id", []string{"id = $1"}, []any{id})
	return scanDepartment(s.Pool.QueryRow(ctx,
		`SELECT `+departmentColumns+` FROM departments WHERE `+strings.Join(wheres, " AND "), args...))
}

// ListDepartments: departments with an empty origin serve every channel, and
// an empty origin argument lists all of them.
func (s *Store) ListDepartments(ctx context.Context, scope tenant.Scope, origin string) ([]models.Department, error) {
	wheres, args := scoped(scope, "tenant_id",
		[]string{"($1 = '' OR origin = '' OR lower(origin) = lower($1))"}, []any{origin})
	rows, err := s.Pool.Query(ctx, `SELECT `+departmentColumns+` FROM departments WHERE `+
		strings.Join(wheres, " AND ")+` ORDER BY name ASC, id ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Department
	for rows.Next() {
		d, err := scanDepartment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *Store) CreateDepartment(ctx context.Context, d models.Department) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO departments (id, tenant_id, name, origin, ai_agent_id, default_timeout_seconds, is_default, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, d.ID, d.TenantID, d.Name, d.Origin, d.AIAgentID, d.DefaultTimeoutSeconds, d.IsDefault, d.CreatedAt)
	return err
}

func (s *Store) AIAgentByID(ctx context.Context, scope tenant.Scope, id string) (models.AIAgent, error) {
	wheres, args := scoped(scope, "tenant_id", []string{"id = $1"}, []any{id})
	var (
		a       models.AIAgent
		params  []byte
		delayMS int
	)
	err := s.Pool.QueryRow(ctx, `SELECT id, tenant_id, provider, model, params, is_active, reply_delay_ms
		FROM ai_agents WHERE `+strings.Join(wheres, " AND "), args...).
		Scan(&a.ID, &a.TenantID, &a.Config.Provider, &a.Config.Model, &params, &a.IsActive, &delayMS)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.AIAgent{}, ErrNotFound
		}
		return models.AIAgent{}, err
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &a.Config.Params); err != nil {
			return models.AIAgent{}, fmt.Errorf("decode ai agent params: %w", err)
		}
	}
	a.ReplyDelay = time.Duration(delayMS) * time.Millisecond
	return a, nil
}

// TenantSettings reports ok=false when the tenant has no row; the master
// tenant never has one.
func (s *Store) TenantSettings(ctx context.Context, tenantID *string) (models.TenantSettings, bool, error) {
	if tenantID == nil {
		return models.TenantSettings{}, false, nil
	}
	ts := models.TenantSettings{TenantID: tenantID}
	err := s.Pool.QueryRow(ctx, `SELECT ai_enabled FROM tenants WHERE id = $1`, *tenantID).Scan(&ts.AIEnabled)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.TenantSettings{}, false, nil
	}
	if err != nil {
		return models.TenantSettings{}, false, err
	}
	return ts, true, nil
}

func (s *Store) TenantByDomain(ctx context.Context, host string) (*string, bool, error) {
	var id *string
	err := s.Pool.QueryRow(ctx, `SELECT tenant_id FROM tenant_domains WHERE host = $1`, host).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return id, true, nil
}

func (s *Store) CredentialByTokenHash(ctx context.Context, hash string) (models.Credential, bool, error) {
	c := models.Credential{TokenHash: hash}
	err := s.Pool.QueryRow(ctx, `SELECT user_id, tenant_id, role FROM credentials WHERE token_hash = $1`, hash).
		Scan(&c.UserID, &c.TenantID, &c.Role)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Credential{}, false, nil
	}
	if err != nil {
		return models.Credential{}, false, err
	}
	return c, true, nil
}

func (s *Store) Allowlist(ctx context.Context, tenantID *string) (models.Allowlist, error) {
	wheres, args := scoped(tenant.NewScope(tenantID, "", ""), "tenant_id", nil, nil)
	rows, err := s.Pool.Query(ctx, `SELECT category, value FROM compliance_allowlist WHERE `+
		strings.Join(wheres, " AND "), args...)
	if err != nil {
		return models.Allowlist{}, err
	}
	defer rows.Close()

	var list models.Allowlist
	for rows.Next() {
		var (
			category string
			value    string
		)
		if err := rows.Scan(&category, &value); err != nil {
			return models.Allowlist{}, err
		}
		list.Add(models.AllowlistCategory(category), value)
	}
	return list, rows.Err()
}
