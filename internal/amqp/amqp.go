// Package amqp carries outbox entries to RabbitMQ and consumes them on the
// other side for queue-triggered dispatch.
package amqp

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/metrics"
	"github.com/lalithlochan/herald/internal/queue"
)

type Config struct {
	URL         string
	Exchange    string
	Queue       string
	Concurrency int
}

func (c Config) withDefaults() Config {
	if c.Exchange == "" {
		c.Exchange = "herald.notifications"
	}
	if c.Queue == "" {
		c.Queue = "herald.email"
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 5
	}
	return c
}

// Channel is the subset of *amqp.Channel used here.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Client owns one broker connection.
type Client struct {
	conn   *amqp.Connection
	config Config
	logger *zap.Logger
}

func Dial(cfg Config, logger *zap.Logger) (*Client, error) {
	cfg = cfg.withDefaults()
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}

	logger.Info("rabbitmq connection established",
		zap.String("exchange", cfg.Exchange),
		zap.String("queue", cfg.Queue),
	)
	return &Client{conn: conn, config: cfg, logger: logger}, nil
}

// Publisher opens a dedicated channel for outbox publishing.
func (c *Client) Publisher() (*Publisher, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	return NewPublisher(ch, c.config, c.logger)
}

// Consumer opens a dedicated channel for queue dispatch.
func (c *Client) Consumer() (*Consumer, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	return NewConsumer(ch, c.config, c.logger), nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func declareTopology(ch Channel, cfg Config) error {
	if err := ch.ExchangeDeclare(cfg.Exchange, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}
	if _, err := ch.QueueDeclare(cfg.Queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}
	if err := ch.QueueBind(cfg.Queue, cfg.Queue, cfg.Exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue: %w", err)
	}
	return nil
}

// Publisher publishes outbox entries to the exchange, routed to the email
// queue.
type Publisher struct {
	ch     Channel
	config Config
	logger *zap.Logger
}

func NewPublisher(ch Channel, cfg Config, logger *zap.Logger) (*Publisher, error) {
	cfg = cfg.withDefaults()
	if err := declareTopology(ch, cfg); err != nil {
		return nil, err
	}
	return &Publisher{ch: ch, config: cfg, logger: logger}, nil
}

func (p *Publisher) Publish(ctx context.Context, eventType string, payload []byte) error {
	err := p.ch.PublishWithContext(ctx, p.config.Exchange, p.config.Queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		Body:         payload,
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Type:         eventType,
		Timestamp:    time.Now().UTC(),
		AppId:        "herald",
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", eventType, err)
	}
	return nil
}

func (p *Publisher) Close() error {
	return p.ch.Close()
}

// Consumer hands queued deliveries to a handler with at most Concurrency in
// flight, acknowledging every delivery once handled.
type Consumer struct {
	ch     Channel
	config Config
	logger *zap.Logger
}

func NewConsumer(ch Channel, cfg Config, logger *zap.Logger) *Consumer {
	return &Consumer{ch: ch, config: cfg.withDefaults(), logger: logger}
}

// Run consumes until ctx is cancelled or the channel closes, then waits for
// in-flight handlers.
func (c *Consumer) Run(ctx context.Context, handle queue.Handler) error {
	if err := declareTopology(c.ch, c.config); err != nil {
		return err
	}
	if err := c.ch.Qos(c.config.Concurrency, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}

	msgs, err := c.ch.Consume(c.config.Queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", c.config.Queue, err)
	}

	c.logger.Info("consumer started",
		zap.String("queue", c.config.Queue),
		zap.Int("prefetch", c.config.Concurrency),
	)

	work := context.WithoutCancel(ctx)

	var wg sync.WaitGroup
	for i := 0; i < c.config.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case d, ok := <-msgs:
					if !ok {
						return
					}
					metrics.AddQueueInFlight(1)
					handle(work, d.Body)
					if err := d.Ack(false); err != nil {
						c.logger.Warn("ack failed", zap.Error(err))
					}
					metrics.AddQueueInFlight(-1)
				}
			}
		}()
	}
	wg.Wait()

	if err := c.ch.Close(); err != nil && ctx.Err() == nil {
		c.logger.Warn("close channel", zap.Error(err))
	}
	if ctx.Err() == nil {
		return fmt.Errorf("delivery channel for %s closed", c.config.Queue)
	}
	return nil
}
