package messaging

import (
	"context"
	"errors"
	"time"
)

const (
	RetryDelay      = 5 * time.Second
	MaxConnectRetry = 5

	DefaultVisibilityTimeout = time.Minute
)

var (
	// ErrLeaseExpired is returned by Delete when the message was not deleted
	// before its visibility timeout ran out and may already be redelivered.
	ErrLeaseExpired = errors.New("message lease expired")

	ErrQueueClosed = errors.New("queue is closed")
)

// Message is one claimed delivery. Receipt identifies this particular lease
// and changes every time the message is received.
type Message struct {
	ID            string
	Receipt       string
	Body          []byte
	DeliveryCount int
}

// Receiver claims messages under a lease and deletes them once they are fully
// processed. A message that is received but never deleted becomes visible to
// receivers again after the visibility timeout.
type Receiver interface {
	// Receive returns ok=false with a nil error when no message is visible.
	Receive(ctx context.Context, visibility time.Duration) (msg Message, ok bool, err error)

	Delete(ctx context.Context, msg Message) error

	Close()
}

type Publisher interface {
	Publish(ctx context.Context, body []byte) error

	Close()
}

type Queue interface {
	Receiver
	Publisher
}
