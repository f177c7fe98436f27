package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ExchangeName is the topic exchange outcome events are published to.
// Routing keys are "booking.<outcome>".
const ExchangeName = "courtsched.booking.events"

// AMQPPublisher mirrors outcome events onto a RabbitMQ topic exchange so
// other systems (dashboards, bots) can react without polling the store.
type AMQPPublisher struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	logger  *slog.Logger
	mu      sync.Mutex
}

func NewAMQPPublisher(url string, logger *slog.Logger) (*AMQPPublisher, error) {
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		ExchangeName, // name
		"topic",      // type
		true,         // durable
		false,        // auto-deleted
		false,        // internal
		false,        // no-wait
		nil,          // arguments
	)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}

	logger.Info("AMQP publisher connected", "exchange", ExchangeName)
	return &AMQPPublisher{conn: conn, channel: ch, logger: logger}, nil
}

func (p *AMQPPublisher) Notify(ctx context.Context, ev Event) error {
	body, err := json.Marshal(map[string]any{
		"request_id":  ev.RequestID.String(),
		"outcome":     ev.Outcome,
		"target_date": ev.TargetDate.Format("2006-01-02"),
		"slot_time":   ev.SlotTime,
		"court_name":  ev.CourtName,
		"detail":      ev.Detail,
		"at":          time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.channel.PublishWithContext(ctx,
		ExchangeName,
		"booking."+string(ev.Outcome), // routing key
		false,                         // mandatory
		false,                         // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
			Body:         body,
		})
}

func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.channel.Close(); err != nil {
		return err
	}
	return p.conn.Close()
}
