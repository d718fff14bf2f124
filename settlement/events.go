package settlement

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// DefaultEventSubject is the NATS subject settlement outcomes are published
// on.
const DefaultEventSubject = "cardapio.settlement.outcomes"

// SettlementEvent describes the result of one settlement attempt for
// downstream consumers.
type SettlementEvent struct {
	ID        string    `json:"id"`
	PaymentID string    `json:"payment_id"`
	Outcome   Outcome   `json:"outcome"`
	UserEmail string    `json:"user_email,omitempty"`
	Credits   int64     `json:"credits,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error,omitempty"`
}

// OutcomePublisher fans settlement results out to interested consumers.
// Publishing is best effort: failures are logged, never propagated into
// the settlement outcome.
type OutcomePublisher interface {
	PublishOutcome(ctx context.Context, ev SettlementEvent) error
	Close()
}

// NATSPublisher publishes settlement events to a NATS subject.
type NATSPublisher struct {
	conn    *nats.Conn
	subject string
}

// NewNATSPublisher connects to NATS and returns a publisher on the given
// subject; empty means DefaultEventSubject.
func NewNATSPublisher(url, subject string) (*NATSPublisher, error) {
	if subject == "" {
		subject = DefaultEventSubject
	}
	conn, err := nats.Connect(url,
		nats.Name("cardapio-settlement"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", url, err)
	}
	logger.Infof("connected to NATS at %s, publishing on %s", url, subject)
	return &NATSPublisher{conn: conn, subject: subject}, nil
}

// PublishOutcome sends the event as JSON. A missing event id is filled in.
func (p *NATSPublisher) PublishOutcome(ctx context.Context, ev SettlementEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding settlement event: %w", err)
	}
	if err := p.conn.Publish(p.subject, data); err != nil {
		return fmt.Errorf("publishing settlement event: %w", err)
	}
	return nil
}

// Close drains the connection.
func (p *NATSPublisher) Close() {
	if err := p.conn.Drain(); err != nil {
		logger.Warnf("draining NATS connection: %s", err)
	}
}
