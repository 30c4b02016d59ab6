package dispatch

import (
	"context"
	"fmt"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"atelier/internal/domain"
)

const (
	taskExchange = "atelier.tasks"
	taskQueue    = "atelier.tasks.work"
	// waitQueue holds delayed tasks; expired messages dead-letter back into
	// the work queue, giving InvokeAfter without a broker plugin.
	waitQueue  = "atelier.tasks.wait"
	routingKey = "task"
)

// Rabbit is the production Invoker: durable topic exchange, at-least-once
// delivery, per-message TTL for delayed self-rescheduling.
type Rabbit struct {
	channel *amqp.Channel
	logger  zerolog.Logger
}

// NewRabbit declares the task topology on a fresh channel of conn.
func NewRabbit(conn *amqp.Connection, logger zerolog.Logger) (*Rabbit, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(taskExchange, "topic", true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	if _, err := ch.QueueDeclare(taskQueue, true, false, false, false, nil); err != nil {
		return nil, fmt.Errorf("declare work queue: %w", err)
	}
	if err := ch.QueueBind(taskQueue, routingKey, taskExchange, false, nil); err != nil {
		return nil, fmt.Errorf("bind work queue: %w", err)
	}
	if _, err := ch.QueueDeclare(waitQueue, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    taskExchange,
		"x-dead-letter-routing-key": routingKey,
	}); err != nil {
		return nil, fmt.Errorf("declare wait queue: %w", err)
	}
	return &Rabbit{channel: ch, logger: logger}, nil
}

// Invoke publishes the task to the work queue.
func (r *Rabbit) Invoke(ctx context.Context, task Task) error {
	err := r.channel.PublishWithContext(ctx,
		taskExchange,
		routingKey,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         task.Encode(),
		},
	)
	if err != nil {
		r.logger.Warn().Err(err).Str("job_id", task.JobID).Str("kind", string(task.Kind)).Msg("dispatch: publish failed")
		return fmt.Errorf("%w: %v", domain.ErrDispatchUnavailable, err)
	}
	return nil
}

// InvokeAfter parks the task on the wait queue with a per-message TTL; the
// dead-letter binding delivers it to the work queue after the delay.
func (r *Rabbit) InvokeAfter(ctx context.Context, task Task, delay time.Duration) error {
	if delay <= 0 {
		return r.Invoke(ctx, task)
	}
	err := r.channel.PublishWithContext(ctx,
		"",
		waitQueue,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Expiration:   strconv.FormatInt(delay.Milliseconds(), 10),
			Body:         task.Encode(),
		},
	)
	if err != nil {
		r.logger.Warn().Err(err).Str("job_id", task.JobID).Msg("dispatch: delayed publish failed")
		return fmt.Errorf("%w: %v", domain.ErrDispatchUnavailable, err)
	}
	return nil
}

// Consume delivers work-queue tasks to handler until ctx is done. Messages
// are acked after handling; handler failures are logged and acked anyway,
// because the job row already records the outcome and the watchdog recovers
// anything that stalled.
func (r *Rabbit) Consume(ctx context.Context, handler Handler) error {
	deliveries, err := r.channel.Consume(taskQueue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery channel closed")
			}
			task, err := DecodeTask(d.Body)
			if err != nil {
				r.logger.Error().Err(err).Msg("dispatch: undecodable task dropped")
				_ = d.Ack(false)
				continue
			}
			if err := handler(ctx, task); err != nil {
				r.logger.Error().Err(err).Str("job_id", task.JobID).Str("kind", string(task.Kind)).Msg("dispatch: task handler failed")
			}
			_ = d.Ack(false)
		}
	}
}

// Close releases the channel.
func (r *Rabbit) Close() error {
	return r.channel.Close()
}

var _ Invoker = (*Rabbit)(nil)
