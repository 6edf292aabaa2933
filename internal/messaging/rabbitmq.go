package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

func connectToRabbitMQ(ctx context.Context, url string) (*amqp.Connection, error) {
	var conn *amqp.Connection
	var err error
	for i := 0; i < MaxConnectRetry; i++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		conn, err = amqp.Dial(url)
		if err == nil {
			slog.Info("connected to rabbitmq")
			return conn, nil
		}
		slog.Warn("failed to connect to rabbitmq", "attempt", i+1, "max_attempts", MaxConnectRetry, "error", err)
		if i == MaxConnectRetry-1 {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(RetryDelay):
		}
	}
	slog.Error("failed to connect to rabbitmq", "attempts", MaxConnectRetry, "error", err)
	return nil, fmt.Errorf("failed to connect after %d attempts: %w", MaxConnectRetry, err)
}

type rabbitMQLease struct {
	delivery amqp.Delivery
	timer    *time.Timer
}

// queueArgs declares a quorum queue. Only quorum queues carry the
// x-delivery-count header that deliveryCount relies on past the second
// delivery.
func queueArgs() amqp.Table {
	return amqp.Table{"x-queue-type": "quorum"}
}

// RabbitMQQueue pulls deliveries one at a time with basic.get and keeps them
// unacknowledged while leased. When the lease timer fires before Delete the
// delivery is nacked with requeue, which makes it visible to receivers again.
type RabbitMQQueue struct {
	connLock   sync.Mutex
	conn       *amqp.Connection
	channel    *amqp.Channel
	generation int
	url        string
	queue      string

	leaseLock sync.Mutex
	leases    map[string]*rabbitMQLease

	destructor sync.Once
}

var _ Queue = (*RabbitMQQueue)(nil)

func NewRabbitMQQueue(rabbitMQURL, queue string) (*RabbitMQQueue, error) {
	q := &RabbitMQQueue{
		url:    rabbitMQURL,
		queue:  queue,
		leases: make(map[string]*rabbitMQLease),
	}

	q.connLock.Lock()
	defer q.connLock.Unlock()

	if err := q.connect(context.Background()); err != nil {
		return nil, err
	}
	return q, nil
}

// connect must be called with connLock held.
func (q *RabbitMQQueue) connect(ctx context.Context) error {
	conn, err := connectToRabbitMQ(ctx, q.url)
	if err != nil {
		return err
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		slog.Error("failed to open rabbitmq channel", "error", err)
		return fmt.Errorf("failed to open rabbitmq channel: %w", err)
	}

	if _, err := channel.QueueDeclare(q.queue, true, false, false, false, queueArgs()); err != nil {
		conn.Close()
		return fmt.Errorf("failed to declare rabbitmq queue %s: %w", q.queue, err)
	}

	q.dropLeases()

	q.conn = conn
	q.channel = channel
	q.generation++

	slog.Info("rabbitmq channel opened and queue declared", "queue", q.queue)

	return nil
}

// dropLeases forgets leases from a previous channel. The broker requeues
// unacked deliveries itself when their channel goes away.
func (q *RabbitMQQueue) dropLeases() {
	q.leaseLock.Lock()
	defer q.leaseLock.Unlock()

	for receipt, lease := range q.leases {
		lease.timer.Stop()
		delete(q.leases, receipt)
	}
}

func (q *RabbitMQQueue) ensureChannel(ctx context.Context) (*amqp.Channel, int, error) {
	q.connLock.Lock()
	defer q.connLock.Unlock()

	if q.channel == nil || q.channel.IsClosed() || q.conn.IsClosed() {
		slog.Warn("rabbitmq channel is closed, attempting to reconnect", "queue", q.queue)
		if q.conn != nil {
			q.conn.Close()
		}
		q.channel = nil
		q.conn = nil
		if err := q.connect(ctx); err != nil {
			return nil, 0, fmt.Errorf("failed to reconnect to rabbitmq: %w", err)
		}
	}

	return q.channel, q.generation, nil
}

func (q *RabbitMQQueue) Publish(ctx context.Context, body []byte) error {
	channel, _, err := q.ensureChannel(ctx)
	if err != nil {
		return err
	}

	err = channel.PublishWithContext(ctx,
		"",      // exchange (default)
		q.queue, // routing key (queue name)
		false,   // mandatory
		false,   // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    uuid.NewString(),
			Timestamp:    time.Now().UTC(),
			Body:         body,
		})
	if err != nil {
		slog.Error("failed to publish message", "queue", q.queue, "error", err)
		return fmt.Errorf("failed to publish to %s: %w", q.queue, err)
	}

	return nil
}

func (q *RabbitMQQueue) Receive(ctx context.Context, visibility time.Duration) (Message, bool, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, false, err
	}

	channel, generation, err := q.ensureChannel(ctx)
	if err != nil {
		return Message{}, false, err
	}

	d, ok, err := channel.Get(q.queue, false)
	if err != nil {
		return Message{}, false, fmt.Errorf("failed to get message from %s: %w", q.queue, err)
	}
	if !ok {
		return Message{}, false, nil
	}

	receipt := fmt.Sprintf("%d-%d", generation, d.DeliveryTag)

	q.leaseLock.Lock()
	q.leases[receipt] = &rabbitMQLease{
		delivery: d,
		timer:    time.AfterFunc(visibility, func() { q.expire(receipt) }),
	}
	q.leaseLock.Unlock()

	id := d.MessageId
	if id == "" {
		id = q.queue + "-" + receipt
	}

	return Message{ID: id, Receipt: receipt, Body: d.Body, DeliveryCount: deliveryCount(d)}, true, nil
}

func (q *RabbitMQQueue) expire(receipt string) {
	q.leaseLock.Lock()
	lease, ok := q.leases[receipt]
	delete(q.leases, receipt)
	q.leaseLock.Unlock()

	if !ok {
		return
	}

	slog.Warn("message lease expired, requeueing", "queue", q.queue, "message_id", lease.delivery.MessageId)
	if err := lease.delivery.Nack(false, true); err != nil {
		slog.Error("error requeueing expired message", "queue", q.queue, "error", err)
	}
}

func (q *RabbitMQQueue) Delete(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	q.leaseLock.Lock()
	lease, ok := q.leases[msg.Receipt]
	if !ok || !lease.timer.Stop() {
		q.leaseLock.Unlock()
		return fmt.Errorf("failed to delete message %s: %w", msg.ID, ErrLeaseExpired)
	}
	delete(q.leases, msg.Receipt)
	q.leaseLock.Unlock()

	if err := lease.delivery.Ack(false); err != nil {
		return fmt.Errorf("failed to ack message %s: %w", msg.ID, err)
	}

	return nil
}

func (q *RabbitMQQueue) Close() {
	q.destructor.Do(func() {
		q.dropLeases()

		q.connLock.Lock()
		defer q.connLock.Unlock()

		if q.conn == nil {
			return
		}
		if err := q.conn.Close(); err != nil {
			slog.Error("error closing rabbitmq connection", "error", err)
		}
	})
}

// deliveryCount uses the x-delivery-count header that quorum queues maintain.
// Without it only the redelivered flag is known and the count saturates at 2.
func deliveryCount(d amqp.Delivery) int {
	switch v := d.Headers["x-delivery-count"].(type) {
	case int64:
		return int(v) + 1
	case int32:
		return int(v) + 1
	case int:
		return v + 1
	}
	if d.Redelivered {
		return 2
	}
	return 1
}
