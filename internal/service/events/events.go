package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/nkiryanov/medhub/internal/logger"
	"github.com/nkiryanov/medhub/internal/models"
)

const (
	TopicAccounts = "medhub.accounts"

	TypeAccountRegistered = "account.registered"
	TypeAccountLinked     = "account.linked"
)

// Account lifecycle event
type Event struct {
	Type       string             `json:"type"`
	AccountID  string             `json:"accountId"`
	Kind       models.AccountKind `json:"kind"`
	Email      string             `json:"email"`
	OccurredAt time.Time          `json:"occurredAt"`
}

func NewEvent(eventType string, account models.Account, at time.Time) Event {
	return Event{
		Type:       eventType,
		AccountID:  account.ID.String(),
		Kind:       account.Kind,
		Email:      account.Email,
		OccurredAt: at.UTC(),
	}
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Config struct {
	Brokers      []string
	Topic        string
	BatchTimeout time.Duration
}

// Publisher sends account events to kafka
// Delivery is best effort: failures are logged and never fail the caller
type Publisher struct {
	writer messageWriter
	topic  string
	logger logger.Logger
}

func NewPublisher(cfg Config, l logger.Logger) *Publisher {
	if cfg.Topic == "" {
		cfg.Topic = TopicAccounts
	}
	if cfg.BatchTimeout == 0 {
		cfg.BatchTimeout = 10 * time.Millisecond
	}

	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		BatchTimeout:           cfg.BatchTimeout,
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}

	return newPublisher(w, cfg.Topic, l)
}

func newPublisher(w messageWriter, topic string, l logger.Logger) *Publisher {
	if l == nil {
		l = logger.NewNoOpLogger()
	}
	return &Publisher{writer: w, topic: topic, logger: l}
}

// Publish event keyed by account id, so events of one account keep their order
func (p *Publisher) Publish(ctx context.Context, event Event) {
	data, err := json.Marshal(event)
	if err != nil {
		p.logger.Error("Failed to marshal event", "type", event.Type, "error", err)
		return
	}

	msg := kafka.Message{
		Key:   []byte(event.AccountID),
		Value: data,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.Type)},
		},
	}

	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.Error("Failed to publish event", "topic", p.topic, "type", event.Type, "error", err)
		return
	}

	p.logger.Debug("Event published", "topic", p.topic, "type", event.Type, "account_id", event.AccountID)
}

func (p *Publisher) Close() error {
	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("failed to close kafka writer. Err: %w", err)
	}
	return nil
}

// Publisher used when no brokers configured
type Nop struct{}

func (Nop) Publish(context.Context, Event) {}
func (Nop) Close() error                   { return nil }
