package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type TicketStatus string

const (
	StatusAwaitingDepartment TicketStatus = "AWAITING_DEPARTMENT"
	StatusWaiting            TicketStatus = "WAITING"
	StatusInProgress         TicketStatus = "IN_PROGRESS"
	StatusClosed             TicketStatus = "CLOSED"
)

func (s TicketStatus) Valid() bool {
	switch s {
	case StatusAwaitingDepartment, StatusWaiting, StatusInProgress, StatusClosed:
		return true
	}
	return false
}

type SenderKind string

const (
	SenderClient SenderKind = "client"
	SenderAgent  SenderKind = "agent"
	SenderAI     SenderKind = "ai"
	SenderSystem SenderKind = "system"
)

// AIMode is the per-ticket AI override. It is only consulted while the
// ticket is under manual control.
type AIMode int

const (
	AIModeDefault AIMode = iota
	AIModeForceOn
	AIModeForceOff
)

func (m AIMode) String() string {
	switch m {
	case AIModeForceOn:
		return "on"
	case AIModeForceOff:
		return "off"
	default:
		return "default"
	}
}

func ParseAIMode(value string) (AIMode, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "default":
		return AIModeDefault, nil
	case "on", "true", "enabled":
		return AIModeForceOn, nil
	case "off", "false", "disabled":
		return AIModeForceOff, nil
	}
	return AIModeDefault, fmt.Errorf("unknown ai mode %q", value)
}

// Nullable maps the mode onto the tri-state column: nil follows the tenant default.
func (m AIMode) Nullable() *bool {
	switch m {
	case AIModeForceOn:
		v := true
		return &v
	case AIModeForceOff:
		v := false
		return &v
	}
	return nil
}

func AIModeFromNullable(v *bool) AIMode {
	if v == nil {
		return AIModeDefault
	}
	if *v {
		return AIModeForceOn
	}
	return AIModeForceOff
}

func (m AIMode) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.Nullable())
}

func (m *AIMode) UnmarshalJSON(b []byte) error {
	var v *bool
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*m = AIModeFromNullable(v)
	return nil
}

type Ticket struct {
	ID                       string       `json:"id"`
	TenantID                 *string      `json:"tenant_id"`
	ClientID                 string       `json:"client_id"`
	Origin                   string       `json:"origin"`
	DepartmentID             *string      `json:"department_id"`
	Status                   TicketStatus `json:"status"`
	AwaitingDepartmentChoice bool         `json:"awaiting_department_choice"`
	DepartmentChoiceSentAt   *time.Time   `json:"department_choice_sent_at"`
	AIManuallyControlled     bool         `json:"ai_manually_controlled"`
	AIMode                   AIMode       `json:"ai_enabled"`
	AIDisabledUntil          *time.Time   `json:"ai_disabled_until"`
	AssignedAgentID          *string      `json:"assigned_agent_id"`
	UnreadCount              int          `json:"unread_count"`
	LastMessage              string       `json:"last_message"`
	LastClientMessage        string       `json:"-"`
	FallbackReason           string       `json:"fallback_reason,omitempty"`
	CreatedAt                time.Time    `json:"created_at"`
	UpdatedAt                time.Time    `json:"updated_at"`
	ClosedAt                 *time.Time   `json:"closed_at,omitempty"`
}

// TicketPatch carries a partial update; nil fields are left untouched.
type TicketPatch struct {
	Status                   *TicketStatus
	DepartmentID             *string
	AwaitingDepartmentChoice *bool
	DepartmentChoiceSentAt   *time.Time
	AIManuallyControlled     *bool
	AIMode                   *AIMode
	AIDisabledUntil          *time.Time
	ClearAIDisabledUntil     bool
	AssignedAgentID          *string
	UnreadDelta              int
	ResetUnread              bool
	LastMessage              *string
	LastClientMessage        *string
	FallbackReason           *string
	ClosedAt                 *time.Time
}

func (p TicketPatch) Empty() bool {
	return p.Status == nil && p.DepartmentID == nil && p.AwaitingDepartmentChoice == nil &&
		p.DepartmentChoiceSentAt == nil && p.AIManuallyControlled == nil && p.AIMode == nil &&
		p.AIDisabledUntil == nil && !p.ClearAIDisabledUntil && p.AssignedAgentID == nil &&
		p.UnreadDelta == 0 && !p.ResetUnread && p.LastMessage == nil && p.LastClientMessage == nil &&
		p.FallbackReason == nil && p.ClosedAt == nil
}

// Apply mirrors the SQL update on an in-memory copy. CLOSED is terminal:
// a status change on a closed ticket is ignored.
func (p TicketPatch) Apply(t *Ticket, now time.Time) {
	if p.Status != nil && t.Status != StatusClosed {
		t.Status = *p.Status
	}
	if p.DepartmentID != nil {
		t.DepartmentID = Ptr(*p.DepartmentID)
	}
	if p.AwaitingDepartmentChoice != nil {
		t.AwaitingDepartmentChoice = *p.AwaitingDepartmentChoice
	}
	if p.DepartmentChoiceSentAt != nil {
		t.DepartmentChoiceSentAt = Ptr(*p.DepartmentChoiceSentAt)
	}
	if p.AIManuallyControlled != nil {
		t.AIManuallyControlled = *p.AIManuallyControlled
	}
	if p.AIMode != nil {
		t.AIMode = *p.AIMode
	}
	if p.ClearAIDisabledUntil {
		t.AIDisabledUntil = nil
	} else if p.AIDisabledUntil != nil {
		t.AIDisabledUntil = Ptr(*p.AIDisabledUntil)
	}
	if p.AssignedAgentID != nil {
		t.AssignedAgentID = Ptr(*p.AssignedAgentID)
	}
	if p.ResetUnread {
		t.UnreadCount = 0
	}
	t.UnreadCount += p.UnreadDelta
	if p.LastMessage != nil {
		t.LastMessage = *p.LastMessage
	}
	if p.LastClientMessage != nil {
		t.LastClientMessage = *p.LastClientMessage
	}
	if p.FallbackReason != nil {
		t.FallbackReason = *p.FallbackReason
	}
	if p.ClosedAt != nil {
		t.ClosedAt = Ptr(*p.ClosedAt)
	}
	t.UpdatedAt = now
}

type Message struct {
	ID         string     `json:"id"`
	TicketID   string     `json:"ticket_id"`
	TenantID   *string    `json:"tenant_id"`
	SenderKind SenderKind `json:"sender_kind"`
	SenderID   string     `json:"sender_id"`
	Body       string     `json:"body"`
	CreatedAt  time.Time  `json:"created_at"`
}

type Department struct {
	ID                    string    `json:"id"`
	TenantID              *string   `json:"tenant_id"`
	Name                  string    `json:"name"`
	Origin                string    `json:"origin"`
	AIAgentID             *string   `json:"ai_agent_id"`
	DefaultTimeoutSeconds int       `json:"default_timeout_seconds"`
	IsDefault             bool      `json:"is_default"`
	CreatedAt             time.Time `json:"created_at"`
}

// AIAgentConfig is passed opaquely to the generator; only the generator
// registry looks at Provider.
type AIAgentConfig struct {
	Provider string         `json:"provider"`
	Model    string         `json:"model"`
	Params   map[string]any `json:"params,omitempty"`
}

type AIAgent struct {
	ID         string        `json:"id"`
	TenantID   *string       `json:"tenant_id"`
	Config     AIAgentConfig `json:"config"`
	IsActive   bool          `json:"is_active"`
	ReplyDelay time.Duration `json:"reply_delay"`
}

type TenantSettings struct {
	TenantID  *string `json:"tenant_id"`
	AIEnabled bool    `json:"ai_enabled"`
}

type AllowlistCategory string

const (
	AllowExact AllowlistCategory = "exact"
	AllowCPF   AllowlistCategory = "cpf"
	AllowEmail AllowlistCategory = "email"
	AllowPhone AllowlistCategory = "phone"
	AllowPix   AllowlistCategory = "pix"
)

type Allowlist struct {
	Exact []string `json:"exact"`
	CPF   []string `json:"cpf"`
	Email []string `json:"email"`
	Phone []string `json:"phone"`
	Pix   []string `json:"pix"`
}

func (a *Allowlist) Add(category AllowlistCategory, value string) {
	switch category {
	case AllowExact:
		a.Exact = append(a.Exact, value)
	case AllowCPF:
		a.CPF = append(a.CPF, value)
	case AllowEmail:
		a.Email = append(a.Email, value)
	case AllowPhone:
		a.Phone = append(a.Phone, value)
	case AllowPix:
		a.Pix = append(a.Pix, value)
	}
}

type Role string

const (
	RoleAgent       Role = "agent"
	RoleClient      Role = "client"
	RoleIntegration Role = "integration"
)

type Credential struct {
	TokenHash string  `json:"-"`
	UserID    string  `json:"user_id"`
	TenantID  *string `json:"tenant_id"`
	Role      Role    `json:"role"`
}

// SameTenant compares nullable tenant ids; nil only equals nil.
func SameTenant(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func TenantKey(id *string) string {
	if id == nil {
		return ""
	}
	return *id
}

func Ptr[T any](v T) *T {
	return &v
}
