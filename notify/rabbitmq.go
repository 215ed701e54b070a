/*
Package notify delivers generic.Notification values outside the process.

PURPOSE:
  The engine only knows the generic.Notifier interface and calls it after
  commit. This package provides the implementations wired in cmd/server:

    RabbitPublisher  JSON message on a durable topic exchange
    LogNotifier      structured log line, used when no broker is configured
    Multi            fans one notification out to several notifiers

ROUTING:
  Routing key = "savings." + notification type, e.g.
    savings.payment.received
    savings.payout.completed
  so consumers can bind "savings.payout.*" or "savings.#".

SEE ALSO:
  - generic/notify.go: Notifier, Dispatch
*/
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"

	"github.com/kotize/savings-engine/generic"
)

// DefaultExchange is used when no exchange name is configured.
const DefaultExchange = "savings.notifications"

// channel is the part of *amqp091.Channel the publisher uses.
type channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp091.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
	Close() error
}

// RabbitPublisher publishes notifications to a RabbitMQ topic exchange.
type RabbitPublisher struct {
	mu       sync.Mutex
	conn     *amqp091.Connection
	ch       channel
	exchange string
	logger   *slog.Logger
}

var _ generic.Notifier = (*RabbitPublisher)(nil)

// NewRabbitPublisher dials amqpURL and declares the exchange.
func NewRabbitPublisher(amqpURL, exchange string, logger *slog.Logger) (*RabbitPublisher, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}
	conn, err := amqp091.DialConfig(cleanURL, amqp091.Config{
		Heartbeat: 10 * time.Second,
		Locale:    "en_US",
		Properties: amqp091.Table{
			"connection_name": "savings-engine",
		},
	})
	if err != nil {
		return nil, fmt.Errorf("notify: dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("notify: open channel: %w", err)
	}

	p, err := newRabbitPublisher(ch, exchange, logger)
	if err != nil {
		conn.Close()
		return nil, err
	}
	p.conn = conn
	return p, nil
}

func newRabbitPublisher(ch channel, exchange string, logger *slog.Logger) (*RabbitPublisher, error) {
	if exchange == "" {
		exchange = DefaultExchange
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		return nil, fmt.Errorf("notify: declare exchange %s: %w", exchange, err)
	}
	return &RabbitPublisher{ch: ch, exchange: exchange, logger: logger}, nil
}

// Notify publishes n as a persistent JSON message.
func (p *RabbitPublisher) Notify(ctx context.Context, n generic.Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("notify: marshal: %w", err)
	}
	key := RoutingKey(n.Type)

	// amqp channels are not safe for concurrent publishers
	p.mu.Lock()
	defer p.mu.Unlock()
	err = p.ch.PublishWithContext(ctx, p.exchange, key, false, false, amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		MessageId:    generic.NewID(),
		Timestamp:    n.OccurredAt,
		Type:         string(n.Type),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("notify: publish %s: %w", key, err)
	}
	p.logger.Debug("notification published", "exchange", p.exchange, "routing_key", key, "user_id", n.UserID)
	return nil
}

// Close closes the channel and the connection.
func (p *RabbitPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var errs []error
	if p.ch != nil {
		errs = append(errs, p.ch.Close())
	}
	if p.conn != nil {
		errs = append(errs, p.conn.Close())
	}
	return errors.Join(errs...)
}

// RoutingKey returns the topic routing key for a notification type.
func RoutingKey(t generic.NotificationType) string {
	return "savings." + string(t)
}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.Trim(strings.TrimSpace(raw), "\"'")
	if !strings.HasSuffix(clean, "/") {
		clean += "/"
	}
	u, err := url.Parse(clean)
	if err != nil {
		return "", fmt.Errorf("notify: parse AMQP URL: %w", err)
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("notify: AMQP scheme must be amqp:// or amqps://")
	}
	return clean, nil
}
