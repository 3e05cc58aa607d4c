package kafka

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestProducerWithoutBrokersIsNoop(t *testing.T) {
	p := NewProducer(nil, "deskrelay.tickets", zerolog.Nop())
	assert.False(t, p.Enabled())
	p.Publish(context.Background(), TicketEvent{Event: EventTicketCreated, TicketID: "t1", At: time.Now()})
	assert.NoError(t, p.Close())

	p = NewProducer([]string{"localhost:9092"}, "", zerolog.Nop())
	assert.False(t, p.Enabled())
}

func TestProducerWithBrokersIsEnabled(t *testing.T) {
	p := NewProducer([]string{"localhost:9092"}, "deskrelay.tickets", zerolog.Nop())
	assert.True(t, p.Enabled())
	assert.NoError(t, p.Close())
}
