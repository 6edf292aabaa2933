package messaging

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

type inMemoryMessage struct {
	id            string
	body          []byte
	visibleAt     time.Time
	receipt       string
	deliveryCount int
}

// InMemoryQueue is a process-local queue with the same lease semantics as the
// cloud backends. It is used for local runs and tests.
type InMemoryQueue struct {
	mu       sync.Mutex
	messages []*inMemoryMessage
	closed   bool
	now      func() time.Time
}

var _ Queue = (*InMemoryQueue)(nil)

func NewInMemoryQueue() *InMemoryQueue {
	return &InMemoryQueue{now: time.Now}
}

// NewInMemoryQueueWithClock is NewInMemoryQueue with a custom time source so
// that lease expiry can be driven by tests.
func NewInMemoryQueueWithClock(now func() time.Time) *InMemoryQueue {
	return &InMemoryQueue{now: now}
}

func (q *InMemoryQueue) Publish(ctx context.Context, body []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueClosed
	}

	data := make([]byte, len(body))
	copy(data, body)

	q.messages = append(q.messages, &inMemoryMessage{id: uuid.NewString(), body: data, visibleAt: q.now()})

	return nil
}

func (q *InMemoryQueue) Receive(ctx context.Context, visibility time.Duration) (Message, bool, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, false, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return Message{}, false, ErrQueueClosed
	}

	now := q.now()
	for _, m := range q.messages {
		if now.Before(m.visibleAt) {
			continue
		}

		m.visibleAt = now.Add(visibility)
		m.receipt = uuid.NewString()
		m.deliveryCount++

		return Message{ID: m.id, Receipt: m.receipt, Body: m.body, DeliveryCount: m.deliveryCount}, true, nil
	}

	return Message{}, false, nil
}

func (q *InMemoryQueue) Delete(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	for i, m := range q.messages {
		if m.id != msg.ID {
			continue
		}
		if m.receipt != msg.Receipt || !q.now().Before(m.visibleAt) {
			return fmt.Errorf("failed to delete message %s: %w", msg.ID, ErrLeaseExpired)
		}
		q.messages = append(q.messages[:i], q.messages[i+1:]...)
		return nil
	}

	return fmt.Errorf("failed to delete message %s: %w", msg.ID, ErrLeaseExpired)
}

// Len reports the number of messages not yet deleted, visible or not.
func (q *InMemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.messages)
}

func (q *InMemoryQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
}
