package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/rl1809/ticket-inventory/internal/core/domain"
)

// RabbitAlertSink puts operator alerts on a durable queue. Alerts are rare,
// so each one gets its own connection.
type RabbitAlertSink struct {
	url    string
	queue  string
	logger *slog.Logger
}

func NewRabbitAlertSink(url, queue string, logger *slog.Logger) *RabbitAlertSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &RabbitAlertSink{url: url, queue: queue, logger: logger}
}

func (s *RabbitAlertSink) Raise(ctx context.Context, alert domain.Alert) error {
	pub, err := alertPublishing(alert)
	if err != nil {
		return err
	}

	conn, err := amqp.Dial(s.url)
	if err != nil {
		s.logger.Error("rabbitmq dial failed", slog.Any("error", err))
		return fmt.Errorf("dial rabbitmq: %w", err)
	}
	defer func() { _ = conn.Close() }()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if _, err := ch.QueueDeclare(s.queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", s.queue, err)
	}

	if err := ch.PublishWithContext(ctx, "", s.queue, false, false, pub); err != nil {
		s.logger.Error("rabbitmq publish failed",
			slog.String("queue", s.queue),
			slog.String("kind", string(alert.Kind)),
			slog.Any("error", err))
		return fmt.Errorf("publish alert: %w", err)
	}
	return nil
}

func alertPublishing(alert domain.Alert) (amqp.Publishing, error) {
	body, err := json.Marshal(alert)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("marshal alert: %w", err)
	}
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Type:         string(alert.Kind),
		Body:         body,
	}, nil
}
