package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/cuongbtq/pixelhive/shared/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
)

// RabbitMQTransport carries entries over RabbitMQ. Delays use per-delay TTL
// holding queues that dead-letter back into the work queue.
type RabbitMQTransport struct {
	client *rabbitmq.Client
	logger *slog.Logger
}

// NewRabbitMQTransport wraps a connected client
func NewRabbitMQTransport(client *rabbitmq.Client, logger *slog.Logger) *RabbitMQTransport {
	return &RabbitMQTransport{client: client, logger: logger}
}

func (t *RabbitMQTransport) Declare(_ context.Context, name string) error {
	return t.client.DeclareQueue(name)
}

func (t *RabbitMQTransport) Publish(ctx context.Context, name string, body []byte, delay time.Duration) error {
	return t.client.PublishWithRetry(ctx, name, body, delay)
}

func (t *RabbitMQTransport) Consume(ctx context.Context, name, consumerTag string, prefetch int) (<-chan Message, error) {
	consumer, err := t.client.Consume(name, consumerTag, prefetch)
	if err != nil {
		return nil, err
	}

	out := make(chan Message)
	go func() {
		defer close(out)
		defer func() {
			if err := consumer.Cancel(); err != nil {
				t.logger.Warn("Failed to cancel RabbitMQ consumer",
					slog.String("consumer_tag", consumerTag),
					slog.Any("error", err),
				)
			}
		}()

		for {
			select {
			case <-ctx.Done():
				t.logger.Info("RabbitMQ consumer stopped - context canceled",
					slog.String("queue", name),
					slog.String("consumer_tag", consumerTag),
				)
				return
			case d, ok := <-consumer.Deliveries:
				if !ok {
					t.logger.Warn("RabbitMQ delivery channel closed",
						slog.String("queue", name),
					)
					return
				}
				select {
				case out <- amqpMessage{d}:
				case <-ctx.Done():
					_ = d.Nack(false, true)
					return
				}
			}
		}
	}()
	return out, nil
}

func (t *RabbitMQTransport) Close() error {
	return t.client.Close()
}

type amqpMessage struct {
	d amqp.Delivery
}

func (m amqpMessage) Body() []byte { return m.d.Body }

func (m amqpMessage) Ack() error { return m.d.Ack(false) }

func (m amqpMessage) Nack(requeue bool) error { return m.d.Nack(false, requeue) }
