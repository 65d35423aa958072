// Package events relays committed outbox rows to the message broker.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"qms/barberline/internal/store"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher delivers one outbox event. Implementations must be safe to call
// from a single relay goroutine.
type Publisher interface {
	Publish(ctx context.Context, event store.OutboxEvent) error
	Close() error
}

// AMQPPublisher publishes to a durable topic exchange, using the event type
// as the routing key.
type AMQPPublisher struct {
	mu       sync.Mutex
	url      string
	exchange string
	conn     *amqp.Connection
	channel  *amqp.Channel
	logger   *slog.Logger
}

func NewAMQPPublisher(url, exchange string, logger *slog.Logger) (*AMQPPublisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	p := &AMQPPublisher{url: url, exchange: exchange, logger: logger}
	if err := p.connect(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *AMQPPublisher) connect() error {
	conn, err := amqp.Dial(p.url)
	if err != nil {
		return fmt.Errorf("amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("amqp channel: %w", err)
	}
	if err := ch.ExchangeDeclare(p.exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("declare exchange %s: %w", p.exchange, err)
	}
	p.conn = conn
	p.channel = ch
	return nil
}

func (p *AMQPPublisher) ensureConnection() error {
	if p.conn != nil && !p.conn.IsClosed() && p.channel != nil && !p.channel.IsClosed() {
		return nil
	}
	p.logger.Warn("amqp connection lost, reconnecting", "exchange", p.exchange)
	p.closeLocked()
	return p.connect()
}

func (p *AMQPPublisher) Publish(ctx context.Context, event store.OutboxEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.ensureConnection(); err != nil {
		return err
	}
	return p.channel.PublishWithContext(ctx, p.exchange, event.Type, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    event.EventID,
		Type:         event.Type,
		Timestamp:    event.CreatedAt,
		Body:         event.Payload,
	})
}

func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closeLocked()
}

func (p *AMQPPublisher) closeLocked() error {
	var err error
	if p.channel != nil {
		err = p.channel.Close()
		p.channel = nil
	}
	if p.conn != nil {
		if cerr := p.conn.Close(); err == nil {
			err = cerr
		}
		p.conn = nil
	}
	return err
}

// LogPublisher writes events to the logger. Used when no broker is configured.
type LogPublisher struct {
	Logger *slog.Logger
}

func (p LogPublisher) Publish(_ context.Context, event store.OutboxEvent) error {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Debug("outbox event", "seq", event.Seq, "type", event.Type, "event_id", event.EventID)
	return nil
}

func (LogPublisher) Close() error { return nil }
