package events

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sokoni/ledger/internal/config"
)

// Event types consumed by the notification and order-management collaborators.
const (
	TypeOrderCreated    = "order.created"
	TypeCashoutSettled  = "cashout.settled"
	TypeCashoutReleased = "cashout.released"
	TypeTopupCompleted  = "topup.completed"
)

// Event is the envelope published for every settled ledger outcome.
type Event struct {
	Type          string    `json:"type"`
	CorrelationID string    `json:"correlation_id"`
	WalletID      string    `json:"wallet_id,omitempty"`
	Amount        int64     `json:"amount,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
	Detail        any       `json:"detail,omitempty"`
}

// Producer publishes ledger events to Kafka. A nil Producer is valid and
// drops events, so the ledger core never depends on the broker being up.
type Producer struct {
	writer *kafka.Writer
	topic  string
}

func NewProducer(cfg *config.EventsConfig) *Producer {
	if len(cfg.Brokers) == 0 {
		log.Println("[EVENTS] No Kafka brokers configured, events disabled")
		return nil
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     &kafka.LeastBytes{},
		Async:        true,
		RequiredAcks: kafka.RequireOne,
	}
	return &Producer{writer: writer, topic: cfg.Topic}
}

// Publish sends one event keyed by its correlation id so all records for an
// order or cashout land on the same partition, in order.
func (p *Producer) Publish(ctx context.Context, event Event) {
	if p == nil {
		return
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}

	value, err := json.Marshal(event)
	if err != nil {
		log.Printf("[EVENTS] Failed to marshal %s event for %s: %v", event.Type, event.CorrelationID, err)
		return
	}

	msg := kafka.Message{
		Topic: p.topic,
		Key:   []byte(event.CorrelationID),
		Value: value,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		log.Printf("[EVENTS] Failed to publish %s event for %s: %v", event.Type, event.CorrelationID, err)
	}
}

func (p *Producer) Close() error {
	if p == nil {
		return nil
	}
	return p.writer.Close()
}
