package external

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/sirupsen/logrus"

	"economy-api/internal/models"
)

// EventPublisher pushes economy events to RabbitMQ for downstream consumers
// (quest progress, notifications, analytics). Publishing is best-effort; a
// failed publish never rolls back the committed state it describes.
type EventPublisher interface {
	PublishTradeEvent(ctx context.Context, event *TradeEvent) error
	PublishLedgerEvent(ctx context.Context, event *LedgerEvent) error
	Close() error
}

type eventPublisher struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	config  *PublisherConfig
}

type PublisherConfig struct {
	URL           string
	ExchangeName  string
	RetryAttempts int
	RetryDelay    time.Duration
}

// TradeEvent mirrors a trade state transition.
type TradeEvent struct {
	EventID        string    `json:"event_id"`
	EventType      string    `json:"event_type"` // "proposed", "completed", "cancelled", "expired", "failed"
	TradeID        string    `json:"trade_id"`
	ProposerID     int64     `json:"proposer_id"`
	CounterpartyID int64     `json:"counterparty_id"`
	Status         string    `json:"status"`
	FailureReason  string    `json:"failure_reason,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// LedgerEvent mirrors an appended audit entry.
type LedgerEvent struct {
	EventID     string    `json:"event_id"`
	EntryID     string    `json:"entry_id"`
	UserID      int64     `json:"user_id"`
	CurrencyID  string    `json:"currency_id"`
	Delta       int64     `json:"delta"`
	Reason      string    `json:"reason"`
	ReferenceID string    `json:"reference_id,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

func NewEventPublisher(config *PublisherConfig) (EventPublisher, error) {
	if config.ExchangeName == "" {
		config.ExchangeName = "economy.events"
	}
	if config.RetryAttempts == 0 {
		config.RetryAttempts = 3
	}
	if config.RetryDelay == 0 {
		config.RetryDelay = 2 * time.Second
	}

	p := &eventPublisher{config: config}
	if err := p.connect(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *eventPublisher) connect() error {
	var err error
	p.conn, err = amqp.Dial(p.config.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	p.channel, err = p.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}

	err = p.channel.ExchangeDeclare(
		p.config.ExchangeName,
		"topic",
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}
	return nil
}

func (p *eventPublisher) PublishTradeEvent(ctx context.Context, event *TradeEvent) error {
	routingKey := fmt.Sprintf("trade.%s", event.EventType)
	return p.publish(ctx, routingKey, event)
}

func (p *eventPublisher) PublishLedgerEvent(ctx context.Context, event *LedgerEvent) error {
	routingKey := fmt.Sprintf("ledger.%s", event.Reason)
	return p.publish(ctx, routingKey, event)
}

func (p *eventPublisher) publish(ctx context.Context, routingKey string, message interface{}) error {
	body, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	publishing := amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		Timestamp:    time.Now(),
		DeliveryMode: amqp.Persistent,
	}

	var publishErr error
	for attempt := 0; attempt < p.config.RetryAttempts; attempt++ {
		publishErr = p.channel.PublishWithContext(ctx,
			p.config.ExchangeName,
			routingKey,
			false, // mandatory
			false, // immediate
			publishing,
		)
		if publishErr == nil {
			return nil
		}

		if p.conn.IsClosed() {
			if reconnectErr := p.connect(); reconnectErr != nil {
				logrus.WithError(reconnectErr).Warn("Failed to reconnect to RabbitMQ")
			}
		}
		if attempt < p.config.RetryAttempts-1 {
			time.Sleep(p.config.RetryDelay * time.Duration(attempt+1))
		}
	}
	return fmt.Errorf("failed to publish event after %d attempts: %w", p.config.RetryAttempts, publishErr)
}

func (p *eventPublisher) Close() error {
	if p.channel != nil {
		if err := p.channel.Close(); err != nil {
			return fmt.Errorf("failed to close channel: %w", err)
		}
	}
	if p.conn != nil {
		if err := p.conn.Close(); err != nil {
			return fmt.Errorf("failed to close connection: %w", err)
		}
	}
	return nil
}

// NewTradeEvent builds the event for a trade's current state.
func NewTradeEvent(trade *models.Trade, eventType string) *TradeEvent {
	return &TradeEvent{
		EventID:        fmt.Sprintf("trade_event_%s_%d", trade.TradeID, time.Now().UnixNano()),
		EventType:      eventType,
		TradeID:        trade.TradeID,
		ProposerID:     trade.ProposerID,
		CounterpartyID: trade.CounterpartyID,
		Status:         string(trade.Status),
		FailureReason:  trade.FailureReason,
		Timestamp:      time.Now().UTC(),
	}
}

// NewLedgerEvent builds the event for an appended entry.
func NewLedgerEvent(entry *models.LedgerEntry) *LedgerEvent {
	return &LedgerEvent{
		EventID:     fmt.Sprintf("ledger_event_%s_%d", entry.EntryID, time.Now().UnixNano()),
		EntryID:     entry.EntryID,
		UserID:      entry.UserID,
		CurrencyID:  entry.CurrencyID,
		Delta:       entry.Delta,
		Reason:      string(entry.Reason),
		ReferenceID: entry.ReferenceID,
		Timestamp:   time.Now().UTC(),
	}
}
