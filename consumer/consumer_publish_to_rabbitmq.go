package consumer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/withObsrvr/pareto-event-router/pkg/common/types"
)

type RabbitMQConfig struct {
	URL   string
	Queue string
}

// QueuePublisher is the narrow queue capability the sink needs.
type QueuePublisher interface {
	Publish(ctx context.Context, body []byte) error
	Close() error
}

// PublishToRabbitMQ publishes every event to one durable queue through the
// default exchange.
type PublishToRabbitMQ struct {
	config RabbitMQConfig
	logger *slog.Logger
	dial   func(RabbitMQConfig) (QueuePublisher, error)

	mu     sync.Mutex
	client QueuePublisher
}

func NewPublishToRabbitMQ(config RabbitMQConfig, logger *slog.Logger) (*PublishToRabbitMQ, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("missing environment RABBITMQ_URL")
	}
	if config.Queue == "" {
		return nil, fmt.Errorf("missing environment RABBITMQ_QUEUE")
	}
	return &PublishToRabbitMQ{
		config: config,
		logger: loggerOrDefault(logger),
		dial:   newAMQPPublisher,
	}, nil
}

func (p *PublishToRabbitMQ) Name() string { return NameRabbitMQ }

func (p *PublishToRabbitMQ) Process(ctx context.Context, events []types.Event) error {
	client, err := p.connection()
	if err != nil {
		return err
	}

	p.logger.Info(fmt.Sprintf("Processing %d messages", len(events)))
	for _, event := range events {
		body, err := encodeEvent(event)
		if err != nil {
			return err
		}
		p.logger.Info(fmt.Sprintf("Publishing event to %s queue", p.config.Queue))
		if err := client.Publish(ctx, body); err != nil {
			return fmt.Errorf("error publishing to queue %s: %w", p.config.Queue, err)
		}
	}
	return nil
}

func (p *PublishToRabbitMQ) connection() (QueuePublisher, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client == nil {
		client, err := p.dial(p.config)
		if err != nil {
			return nil, err
		}
		p.client = client
	}
	return p.client, nil
}

func (p *PublishToRabbitMQ) Reset() {
	p.mu.Lock()
	client := p.client
	p.client = nil
	p.mu.Unlock()

	if client != nil {
		go client.Close()
	}
}

func (p *PublishToRabbitMQ) Close() error {
	p.mu.Lock()
	client := p.client
	p.client = nil
	p.mu.Unlock()

	if client == nil {
		return nil
	}
	return client.Close()
}

type amqpPublisher struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	queue   string
}

func newAMQPPublisher(config RabbitMQConfig) (QueuePublisher, error) {
	conn, err := amqp.Dial(config.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	q, err := ch.QueueDeclare(config.Queue, true, false, false, false, nil)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to declare queue %s: %w", config.Queue, err)
	}
	return &amqpPublisher{conn: conn, channel: ch, queue: q.Name}, nil
}

func (a *amqpPublisher) Publish(ctx context.Context, body []byte) error {
	return a.channel.PublishWithContext(ctx, "", a.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
}

func (a *amqpPublisher) Close() error {
	if err := a.channel.Close(); err != nil && err != amqp.ErrClosed {
		a.conn.Close()
		return err
	}
	return a.conn.Close()
}
