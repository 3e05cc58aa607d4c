package models

import "time"

type EnvelopeType string

const (
	EnvelopeMessage         EnvelopeType = "message"
	EnvelopeTicketStatus    EnvelopeType = "ticket_status"
	EnvelopeSessionReplaced EnvelopeType = "session_replaced"
)

// Envelope is the tagged payload written to live connections.
type Envelope struct {
	Type        EnvelopeType         `json:"type"`
	Message     *MessagePayload      `json:"message,omitempty"`
	Ticket      *TicketStatusPayload `json:"ticket,omitempty"`
	Departments []DepartmentOption   `json:"departments,omitempty"`
	Reason      string               `json:"reason,omitempty"`
}

type MessagePayload struct {
	ID           string     `json:"id"`
	TicketID     string     `json:"ticket_id"`
	SenderKind   SenderKind `json:"sender_kind"`
	SenderID     string     `json:"sender_id"`
	Body         string     `json:"body"`
	CreatedAt    time.Time  `json:"created_at"`
	TicketClosed bool       `json:"ticket_closed,omitempty"`
}

type TicketStatusPayload struct {
	TicketID                 string       `json:"ticket_id"`
	Status                   TicketStatus `json:"status"`
	DepartmentID             *string      `json:"department_id"`
	AssignedAgentID          *string      `json:"assigned_agent_id"`
	AwaitingDepartmentChoice bool         `json:"awaiting_department_choice"`
	AIManuallyControlled     bool         `json:"ai_manually_controlled"`
	AIMode                   AIMode       `json:"ai_enabled"`
	AIDisabledUntil          *time.Time   `json:"ai_disabled_until"`
	UnreadCount              int          `json:"unread_count"`
}

type DepartmentOption struct {
	Index int    `json:"index"`
	ID    string `json:"id"`
	Name  string `json:"name"`
}

func MessageEnvelope(m Message, ticketClosed bool) Envelope {
	return Envelope{
		Type: EnvelopeMessage,
		Message: &MessagePayload{
			ID:           m.ID,
			TicketID:     m.TicketID,
			SenderKind:   m.SenderKind,
			SenderID:     m.SenderID,
			Body:         m.Body,
			CreatedAt:    m.CreatedAt,
			TicketClosed: ticketClosed,
		},
	}
}

func TicketStatusEnvelope(t Ticket) Envelope {
	return Envelope{
		Type: EnvelopeTicketStatus,
		Ticket: &TicketStatusPayload{
			TicketID:                 t.ID,
			Status:                   t.Status,
			DepartmentID:             t.DepartmentID,
			AssignedAgentID:          t.AssignedAgentID,
			AwaitingDepartmentChoice: t.AwaitingDepartmentChoice,
			AIManuallyControlled:     t.AIManuallyControlled,
			AIMode:                   t.AIMode,
			AIDisabledUntil:          t.AIDisabledUntil,
			UnreadCount:              t.UnreadCount,
		},
	}
}

func SessionReplacedEnvelope() Envelope {
	return Envelope{Type: EnvelopeSessionReplaced, Reason: "session replaced by a newer login"}
}
