package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const dlqRoutingKey = "dlq"

// Topology names the task queue and its dead-letter pair.
type Topology struct {
	TaskQueue          string
	DeadLetterExchange string
	DeadLetterQueue    string
}

// Connect dials RabbitMQ, retrying while the broker starts up.
func Connect(url string, maxRetries int, retryDelay time.Duration, logger *zap.Logger) (*amqp.Connection, error) {
	var conn *amqp.Connection
	var err error
	for i := 0; i < maxRetries; i++ {
		conn, err = amqp.Dial(url)
		if err == nil {
			logger.Info("Connected to RabbitMQ", zap.Int("attempt", i+1))
			return conn, nil
		}
		logger.Warn("Failed to connect to RabbitMQ", zap.Int("attempt", i+1), zap.Int("max_retries", maxRetries), zap.Error(err))
		time.Sleep(retryDelay)
	}
	return nil, fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", maxRetries, err)
}

// DeclareTopology declares the dead-letter exchange and queue and the task
// queue routing rejected tasks to them.
func DeclareTopology(ch *amqp.Channel, t Topology) error {
	if err := ch.ExchangeDeclare(t.DeadLetterExchange, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare DLX '%s': %w", t.DeadLetterExchange, err)
	}
	if _, err := ch.QueueDeclare(t.DeadLetterQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare DLQ '%s': %w", t.DeadLetterQueue, err)
	}
	if err := ch.QueueBind(t.DeadLetterQueue, dlqRoutingKey, t.DeadLetterExchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind DLQ '%s': %w", t.DeadLetterQueue, err)
	}
	args := amqp.Table{
		"x-dead-letter-exchange":    t.DeadLetterExchange,
		"x-dead-letter-routing-key": dlqRoutingKey,
	}
	if _, err := ch.QueueDeclare(t.TaskQueue, true, false, false, false, args); err != nil {
		return fmt.Errorf("failed to declare queue '%s': %w", t.TaskQueue, err)
	}
	return nil
}

// TaskPublisher dispatches generation tasks through a RabbitMQ queue.
type TaskPublisher struct {
	ch     *amqp.Channel
	queue  string
	logger *zap.Logger
}

func NewTaskPublisher(conn *amqp.Connection, topology Topology, logger *zap.Logger) (*TaskPublisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}
	if err := DeclareTopology(ch, topology); err != nil {
		_ = ch.Close()
		return nil, err
	}
	return &TaskPublisher{ch: ch, queue: topology.TaskQueue, logger: logger.Named("TaskPublisher")}, nil
}

func (p *TaskPublisher) Dispatch(ctx context.Context, task GenerationTask) error {
	body, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal generation task: %w", err)
	}
	err = p.ch.PublishWithContext(ctx,
		"",      // default exchange
		p.queue, // routing key
		false,   // mandatory
		false,   // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    task.TaskID,
			Body:         body,
			Timestamp:    time.Now(),
		},
	)
	if err != nil {
		p.logger.Error("Failed to publish generation task", zap.String("task_id", task.TaskID), zap.Error(err))
		return fmt.Errorf("failed to publish generation task: %w", err)
	}
	p.logger.Debug("Generation task published",
		zap.String("task_id", task.TaskID),
		zap.String("story_id", task.StoryID.String()),
		zap.String("kind", string(task.Kind)),
		zap.Int("attempt", task.Attempt),
	)
	return nil
}

func (p *TaskPublisher) Close() error {
	return p.ch.Close()
}

// TaskConsumer feeds tasks from the queue to a handler. Failed tasks are
// rejected without requeue and end up in the dead-letter queue; a generation
// is never retried by the transport.
type TaskConsumer struct {
	ch       *amqp.Channel
	topology Topology
	handler  TaskHandler
	prefetch int
	logger   *zap.Logger
	done     chan struct{}
}

func NewTaskConsumer(conn *amqp.Connection, topology Topology, prefetch int, handler TaskHandler, logger *zap.Logger) (*TaskConsumer, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}
	if err := DeclareTopology(ch, topology); err != nil {
		_ = ch.Close()
		return nil, err
	}
	if prefetch <= 0 {
		prefetch = 1
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("failed to set QoS: %w", err)
	}
	return &TaskConsumer{
		ch:       ch,
		topology: topology,
		handler:  handler,
		prefetch: prefetch,
		logger:   logger.Named("TaskConsumer"),
		done:     make(chan struct{}),
	}, nil
}

// Run consumes until ctx is cancelled or the channel closes. Up to prefetch
// deliveries are handled concurrently.
func (c *TaskConsumer) Run(ctx context.Context) error {
	msgs, err := c.ch.Consume(c.topology.TaskQueue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}
	defer close(c.done)

	c.logger.Info("Task consumer started", zap.String("queue", c.topology.TaskQueue), zap.Int("prefetch", c.prefetch))
	// In-flight tasks finish after cancellation; only new deliveries stop.
	taskCtx := context.WithoutCancel(ctx)
	sem := make(chan struct{}, c.prefetch)
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Context cancelled, stopping task consumer")
			for i := 0; i < cap(sem); i++ {
				sem <- struct{}{}
			}
			return nil
		case msg, ok := <-msgs:
			if !ok {
				c.logger.Info("Delivery channel closed, stopping task consumer")
				return nil
			}
			sem <- struct{}{}
			go func(msg amqp.Delivery) {
				defer func() { <-sem }()
				c.handle(taskCtx, msg)
			}(msg)
		}
	}
}

func (c *TaskConsumer) handle(ctx context.Context, msg amqp.Delivery) {
	tasksReceived.Inc()

	var task GenerationTask
	if err := json.Unmarshal(msg.Body, &task); err != nil {
		c.logger.Error("Failed to unmarshal generation task, rejecting", zap.Error(err), zap.ByteString("body", msg.Body))
		tasksFailed.WithLabelValues("deserialization").Inc()
		_ = msg.Nack(false, false)
		return
	}

	log := c.logger.With(zap.String("task_id", task.TaskID), zap.String("story_id", task.StoryID.String()))
	defer func() {
		if r := recover(); r != nil {
			log.Error("Panic recovered while handling task", zap.Any("panic", r))
			tasksFailed.WithLabelValues("panic").Inc()
			_ = msg.Nack(false, false)
		}
	}()

	if err := c.handler(ctx, task); err != nil {
		log.Error("Generation task failed, rejecting", zap.Error(err))
		tasksFailed.WithLabelValues("handler").Inc()
		_ = msg.Nack(false, false)
		return
	}
	tasksSucceeded.Inc()
	_ = msg.Ack(false)
}

// Close cancels the channel, waiting briefly for in-flight handling.
func (c *TaskConsumer) Close() error {
	select {
	case <-c.done:
	case <-time.After(5 * time.Second):
		c.logger.Warn("Timeout waiting for task consumer to stop")
	}
	return c.ch.Close()
}
