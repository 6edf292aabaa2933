package messaging

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSQS struct {
	receiveInput *sqs.ReceiveMessageInput
	deleteInput  *sqs.DeleteMessageInput
	sendInput    *sqs.SendMessageInput

	messages []types.Message
	err      error
}

func (f *fakeSQS) ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	f.receiveInput = params
	if f.err != nil {
		return nil, f.err
	}
	return &sqs.ReceiveMessageOutput{Messages: f.messages}, nil
}

func (f *fakeSQS) DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.deleteInput = params
	return &sqs.DeleteMessageOutput{}, f.err
}

func (f *fakeSQS) SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.sendInput = params
	return &sqs.SendMessageOutput{}, f.err
}

const testQueueURL = "http://localhost:4566/000000000000/experiments"

func TestSQSQueue_ReceiveEmpty(t *testing.T) {
	fake := &fakeSQS{}
	q := newSQSQueue(fake, testQueueURL, 30*time.Second)

	_, ok, err := q.Receive(context.Background(), time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Equal(t, testQueueURL, aws.ToString(fake.receiveInput.QueueUrl))
	assert.Equal(t, int32(1), fake.receiveInput.MaxNumberOfMessages)
	assert.Equal(t, int32(60), fake.receiveInput.VisibilityTimeout)
	assert.Equal(t, int32(20), fake.receiveInput.WaitTimeSeconds, "wait time is capped at 20s")
}

func TestSQSQueue_Receive(t *testing.T) {
	fake := &fakeSQS{messages: []types.Message{{
		MessageId:     aws.String("msg-1"),
		ReceiptHandle: aws.String("receipt-1"),
		Body:          aws.String(`{"inputFile":"a.csv"}`),
		Attributes:    map[string]string{"ApproximateReceiveCount": "3"},
	}}}
	q := newSQSQueue(fake, testQueueURL, 0)

	msg, ok, err := q.Receive(context.Background(), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, Message{ID: "msg-1", Receipt: "receipt-1", Body: []byte(`{"inputFile":"a.csv"}`), DeliveryCount: 3}, msg)

	require.NoError(t, q.Delete(context.Background(), msg))
	assert.Equal(t, "receipt-1", aws.ToString(fake.deleteInput.ReceiptHandle))
}

func TestSQSQueue_Errors(t *testing.T) {
	fake := &fakeSQS{err: errors.New("connection refused")}
	q := newSQSQueue(fake, testQueueURL, 0)

	_, ok, err := q.Receive(context.Background(), time.Minute)
	assert.Error(t, err)
	assert.False(t, ok)

	assert.Error(t, q.Delete(context.Background(), Message{ID: "msg-1", Receipt: "r"}))
	assert.Error(t, q.Publish(context.Background(), []byte("{}")))
}

func TestSQSQueue_Publish(t *testing.T) {
	fake := &fakeSQS{}
	q := newSQSQueue(fake, testQueueURL, 0)

	require.NoError(t, q.Publish(context.Background(), []byte(`{"inputFile":"a.csv"}`)))
	assert.Equal(t, `{"inputFile":"a.csv"}`, aws.ToString(fake.sendInput.MessageBody))
}

func TestSQSQueue_VisibilityRoundsUp(t *testing.T) {
	for visibility, want := range map[time.Duration]int32{
		200 * time.Millisecond:  1,
		time.Second:             1,
		1500 * time.Millisecond: 2,
		time.Minute:             60,
		0:                       1,
	} {
		fake := &fakeSQS{}
		q := newSQSQueue(fake, testQueueURL, 0)

		_, _, err := q.Receive(context.Background(), visibility)
		require.NoError(t, err)
		assert.Equal(t, want, fake.receiveInput.VisibilityTimeout, "visibility %s", visibility)
	}
}
