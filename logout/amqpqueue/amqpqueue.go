// Package amqpqueue is a RabbitMQ-backed logout.Queue. Deliveries survive a
// provider restart: a job is acknowledged only after the handler returns.
package amqpqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/giantswarm/oidc-provider/logout"
)

// DefaultQueueName is used when Config.Queue is empty.
const DefaultQueueName = "oidc-provider.backchannel-logout"

// Config configures the queue.
type Config struct {
	URL      string
	Queue    string
	Prefetch int // default 8
	Logger   *slog.Logger
}

// Channel is the subset of *amqp.Channel the queue uses.
type Channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Qos(prefetchCount, prefetchSize int, global bool) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	ConsumeWithContext(ctx context.Context, queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Close() error
}

// Queue publishes logout jobs to a durable RabbitMQ queue.
type Queue struct {
	conn     *amqp.Connection
	ch       Channel
	name     string
	prefetch int
	logger   *slog.Logger

	mu sync.Mutex
}

var _ logout.Queue = (*Queue)(nil)

// Dial connects to RabbitMQ and declares the queue.
func Dial(cfg Config) (*Queue, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	q, err := New(ch, cfg)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	q.conn = conn
	return q, nil
}

// New declares the queue on an existing channel.
func New(ch Channel, cfg Config) (*Queue, error) {
	if cfg.Queue == "" {
		cfg.Queue = DefaultQueueName
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 8
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if _, err := ch.QueueDeclare(cfg.Queue, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("failed to declare queue %s: %w", cfg.Queue, err)
	}
	return &Queue{ch: ch, name: cfg.Queue, prefetch: cfg.Prefetch, logger: cfg.Logger}, nil
}

// Enqueue publishes job as a persistent message.
func (q *Queue) Enqueue(ctx context.Context, job logout.Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return err
	}
	// amqp channels are not safe for concurrent publishing.
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ch.PublishWithContext(ctx, "", q.name, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
}

// Consume delivers messages to handler until ctx is cancelled. Each message
// is acknowledged after the handler returns, whatever its result: the
// handler already retried. Malformed messages are rejected.
func (q *Queue) Consume(ctx context.Context, handler logout.Handler) error {
	if err := q.ch.Qos(q.prefetch, 0, false); err != nil {
		return fmt.Errorf("failed to set prefetch: %w", err)
	}
	msgs, err := q.ch.ConsumeWithContext(ctx, q.name, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to consume %s: %w", q.name, err)
	}

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-msgs:
			if !ok {
				return errors.New("delivery channel closed")
			}
			wg.Add(1)
			go func(d amqp.Delivery) {
				defer wg.Done()
				q.handle(ctx, d, handler)
			}(d)
		}
	}
}

func (q *Queue) handle(ctx context.Context, d amqp.Delivery, handler logout.Handler) {
	var job logout.Job
	if err := json.Unmarshal(d.Body, &job); err != nil {
		q.logger.Warn("Dropping malformed logout job", "error", err)
		_ = d.Reject(false)
		return
	}
	if err := handler(ctx, job); err != nil {
		q.logger.Debug("Logout job finished with error", "client_id", job.ClientID, "error", err)
	}
	if err := d.Ack(false); err != nil {
		q.logger.Warn("Failed to acknowledge logout job", "error", err)
	}
}

// Close closes the channel and, when Dial opened it, the connection.
func (q *Queue) Close() error {
	err := q.ch.Close()
	if q.conn != nil {
		err = errors.Join(err, q.conn.Close())
	}
	return err
}
