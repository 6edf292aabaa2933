package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"experiment-worker/internal/awsutil"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// sqsAPI is the subset of the SQS client used by SQSQueue.
type sqsAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

type SQSConfig struct {
	awsutil.ClientConfig

	// QueueURL takes precedence over QueueName when set.
	QueueURL  string
	QueueName string

	// WaitTime enables long polling, capped at 20s by SQS.
	WaitTime time.Duration
}

// SQSQueue maps the lease directly onto the SQS visibility timeout.
type SQSQueue struct {
	client   sqsAPI
	queueURL string
	waitTime time.Duration
}

var _ Queue = (*SQSQueue)(nil)

func NewSQSQueue(ctx context.Context, cfg SQSConfig) (*SQSQueue, error) {
	awsCfg, err := awsutil.LoadConfig(cfg.ClientConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize sqs client: %w", err)
	}

	client := sqs.NewFromConfig(awsCfg)

	queueURL := cfg.QueueURL
	if queueURL == "" {
		out, err := client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{QueueName: aws.String(cfg.QueueName)})
		if err != nil {
			return nil, fmt.Errorf("failed to resolve url of sqs queue %s: %w", cfg.QueueName, err)
		}
		queueURL = aws.ToString(out.QueueUrl)
	}

	slog.Info("using sqs queue", "queue_url", queueURL)

	return newSQSQueue(client, queueURL, cfg.WaitTime), nil
}

func newSQSQueue(client sqsAPI, queueURL string, waitTime time.Duration) *SQSQueue {
	return &SQSQueue{client: client, queueURL: queueURL, waitTime: min(waitTime, 20*time.Second)}
}

func (q *SQSQueue) Publish(ctx context.Context, body []byte) error {
	_, err := q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.queueURL),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		return fmt.Errorf("failed to send message to %s: %w", q.queueURL, err)
	}
	return nil
}

// visibilitySeconds rounds up to whole seconds, with a minimum of one. SQS
// treats zero as "visible again immediately".
func visibilitySeconds(visibility time.Duration) int32 {
	secs := int32((visibility + time.Second - 1) / time.Second)
	if secs < 1 {
		return 1
	}
	return secs
}

func (q *SQSQueue) Receive(ctx context.Context, visibility time.Duration) (Message, bool, error) {
	out, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:                    aws.String(q.queueURL),
		MaxNumberOfMessages:         1,
		VisibilityTimeout:           visibilitySeconds(visibility),
		WaitTimeSeconds:             int32(q.waitTime / time.Second),
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{types.MessageSystemAttributeNameApproximateReceiveCount},
	})
	if err != nil {
		return Message{}, false, fmt.Errorf("failed to receive message from %s: %w", q.queueURL, err)
	}

	if len(out.Messages) == 0 {
		return Message{}, false, nil
	}

	m := out.Messages[0]

	count := 1
	if raw, ok := m.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)]; ok {
		if n, err := strconv.Atoi(raw); err == nil {
			count = n
		}
	}

	return Message{
		ID:            aws.ToString(m.MessageId),
		Receipt:       aws.ToString(m.ReceiptHandle),
		Body:          []byte(aws.ToString(m.Body)),
		DeliveryCount: count,
	}, true, nil
}

func (q *SQSQueue) Delete(ctx context.Context, msg Message) error {
	_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.queueURL),
		ReceiptHandle: aws.String(msg.Receipt),
	})
	if err != nil {
		return fmt.Errorf("failed to delete message %s from %s: %w", msg.ID, q.queueURL, err)
	}
	return nil
}

func (q *SQSQueue) Close() {}
