package awsstore

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"querycheck/internal/domain"
)

// SQS receive limits.
const (
	maxReceiveMessages = 10
	maxWaitSeconds     = 20
)

// SQSSource receives work items from an SQS queue. Messages stay invisible
// for the visibility timeout and are redelivered unless acknowledged.
type SQSSource struct {
	client     SQSAPI
	queueURL   string
	batch      int32
	wait       time.Duration
	visibility time.Duration
}

// SQSOptions configures an SQSSource.
type SQSOptions struct {
	// BatchSize is the maximum messages per receive (1-10). Zero means 1.
	BatchSize int
	// Wait is the long-poll duration, capped at 20s.
	Wait time.Duration
	// Visibility is how long a received message stays hidden.
	Visibility time.Duration
}

// NewSQSSource creates an SQSSource on queueURL.
func NewSQSSource(client SQSAPI, queueURL string, opts SQSOptions) *SQSSource {
	batch := int32(min(max(opts.BatchSize, 1), maxReceiveMessages)) //nolint:gosec // bounded above
	return &SQSSource{
		client:     client,
		queueURL:   queueURL,
		batch:      batch,
		wait:       min(opts.Wait, maxWaitSeconds*time.Second),
		visibility: opts.Visibility,
	}
}

// Receive long-polls the queue once.
func (s *SQSSource) Receive(ctx context.Context) ([]domain.Message, error) {
	in := &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(s.queueURL),
		MaxNumberOfMessages: s.batch,
		WaitTimeSeconds:     int32(s.wait / time.Second),
	}
	if s.visibility > 0 {
		in.VisibilityTimeout = int32(s.visibility / time.Second)
	}

	out, err := s.client.ReceiveMessage(ctx, in)
	if err != nil {
		return nil, fmt.Errorf("receive from %s: %w", s.queueURL, err)
	}

	msgs := make([]domain.Message, 0, len(out.Messages))
	for _, m := range out.Messages {
		msgs = append(msgs, domain.Message{
			ID:      aws.ToString(m.MessageId),
			Body:    []byte(aws.ToString(m.Body)),
			Receipt: aws.ToString(m.ReceiptHandle),
		})
	}
	return msgs, nil
}

// Ack deletes the message from the queue.
func (s *SQSSource) Ack(ctx context.Context, m domain.Message) error {
	_, err := s.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(s.queueURL),
		ReceiptHandle: aws.String(m.Receipt),
	})
	if err != nil {
		return fmt.Errorf("delete message %s: %w", m.ID, err)
	}
	return nil
}

var _ domain.WorkItemSource = (*SQSSource)(nil)
