package kafka

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

const (
	EventTicketCreated      = "ticket.created"
	EventDepartmentAssigned = "ticket.department_assigned"
	EventStatusChanged      = "ticket.status_changed"
	EventAIFallback         = "ticket.ai_fallback"
	EventAIReenabled        = "ticket.ai_reenabled"
	EventMessageCreated     = "message.created"
)

type TicketEvent struct {
	Event        string    `json:"event"`
	TicketID     string    `json:"ticket_id"`
	TenantID     *string   `json:"tenant_id"`
	ClientID     string    `json:"client_id,omitempty"`
	Status       string    `json:"status,omitempty"`
	DepartmentID *string   `json:"department_id,omitempty"`
	MessageID    string    `json:"message_id,omitempty"`
	SenderKind   string    `json:"sender_kind,omitempty"`
	Reason       string    `json:"reason,omitempty"`
	At           time.Time `json:"at"`
}

// TicketEventProducer is implemented by Producer and by test recorders.
type TicketEventProducer interface {
	Publish(ctx context.Context, e TicketEvent)
}

// Producer writes ticket events to one topic. It is best-effort: failures
// are logged and never returned. Without brokers every call is a no-op.
type Producer struct {
	writer  *kafka.Writer
	timeout time.Duration
	logger  zerolog.Logger
}

func NewProducer(brokers []string, topic string, logger zerolog.Logger) *Producer {
	if len(brokers) == 0 || topic == "" {
		return &Producer{logger: logger}
	}
	return &Producer{
		logger:  logger,
		timeout: 5 * time.Second,
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			BatchTimeout: 10 * time.Millisecond,
		},
	}
}

func (p *Producer) Enabled() bool {
	return p.writer != nil
}

// Publish keys by ticket id so one ticket's events stay on one partition.
func (p *Producer) Publish(ctx context.Context, e TicketEvent) {
	if p.writer == nil {
		return
	}
	body, err := json.Marshal(e)
	if err != nil {
		p.logger.Error().Err(err).Str("event", e.Event).Msg("kafka: marshal ticket event")
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()
	if err := p.writer.WriteMessages(ctx, kafka.Message{Key: []byte(e.TicketID), Value: body}); err != nil {
		p.logger.Warn().Err(err).Str("event", e.Event).Str("ticket_id", e.TicketID).Msg("kafka: write ticket event")
	}
}

func (p *Producer) Close() error {
	if p.writer == nil {
		return nil
	}
	return p.writer.Close()
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, TicketEvent) {}
