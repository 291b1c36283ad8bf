package persist

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS subjects for conversation persistence events.
const (
	SubjectExchangeCommitted  = "voxloop.chat.exchange_committed"
	SubjectPersistenceFailure = "voxloop.chat.persistence_failure"
)

// ExchangeCommittedEvent is emitted after an exchange is durably stored.
type ExchangeCommittedEvent struct {
	ConversationID string    `json:"conversation_id"`
	OwnerID        string    `json:"owner_id"`
	FirstExchange  bool      `json:"first_exchange"`
	Truncated      bool      `json:"truncated"`
	Timestamp      time.Time `json:"timestamp"`
}

// PersistenceFailureEvent is emitted when a store write fails after
// generation succeeded, the silent-data-loss case.
type PersistenceFailureEvent struct {
	ConversationID string    `json:"conversation_id"`
	Error          string    `json:"error"`
	Timestamp      time.Time `json:"timestamp"`
}

// Publisher publishes persistence events to NATS. A nil Publisher is
// valid and publishes nothing.
type Publisher struct {
	conn   *nats.Conn
	logger *slog.Logger
}

// NewPublisher connects to NATS with reconnect enabled.
func NewPublisher(url string, logger *slog.Logger) (*Publisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(60),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return &Publisher{conn: conn, logger: logger}, nil
}

// Close drains the connection.
func (p *Publisher) Close() {
	if p == nil || p.conn == nil {
		return
	}
	p.conn.Close()
}

func (p *Publisher) publish(subject string, event any) {
	if p == nil || p.conn == nil {
		return
	}
	payload, err := json.Marshal(event)
	if err != nil {
		p.logger.Warn("marshal event", "subject", subject, "error", err)
		return
	}
	if err := p.conn.Publish(subject, payload); err != nil {
		p.logger.Warn("publish event", "subject", subject, "error", err)
	}
}

// PublishCommitted emits an exchange-committed event.
func (p *Publisher) PublishCommitted(ex Exchange) {
	p.publish(SubjectExchangeCommitted, ExchangeCommittedEvent{
		ConversationID: ex.ConversationID,
		OwnerID:        ex.OwnerID,
		FirstExchange:  ex.IsFirstExchange,
		Truncated:      ex.Truncated,
		Timestamp:      time.Now().UTC(),
	})
}

// PublishFailure emits a persistence-failure event.
func (p *Publisher) PublishFailure(conversationID string, cause error) {
	p.publish(SubjectPersistenceFailure, PersistenceFailureEvent{
		ConversationID: conversationID,
		Error:          cause.Error(),
		Timestamp:      time.Now().UTC(),
	})
}
