package awsstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/sethvargo/go-retry"

	"querycheck/internal/domain"
)

// maxBatchWrite is the DynamoDB BatchWriteItem request limit.
const maxBatchWrite = 25

// sampleItem is the DynamoDB item layout of a sample record.
type sampleItem struct {
	TaskID    string `dynamodbav:"task_id"`
	SQLHash   string `dynamodbav:"sql_hash"`
	SQLMask   string `dynamodbav:"sql_mask"`
	SQLSample string `dynamodbav:"sql_sample"`
	Database  string `dynamodbav:"database"`
}

// SampleRepo stores samples in a DynamoDB table keyed by (task_id, sql_hash).
type SampleRepo struct {
	client  DynamoDBAPI
	table   string
	backoff func() retry.Backoff
}

// NewSampleRepo creates a SampleRepo on table.
func NewSampleRepo(client DynamoDBAPI, table string) *SampleRepo {
	return &SampleRepo{
		client: client,
		table:  table,
		backoff: func() retry.Backoff {
			b := retry.NewExponential(100 * time.Millisecond)
			b = retry.WithCappedDuration(5*time.Second, b)
			return retry.WithMaxRetries(8, b)
		},
	}
}

// PutSamples writes samples in batches of 25. PutRequests overwrite, so a
// repeated write of the same (task_id, sql_hash) is idempotent. Unprocessed
// items are retried with exponential backoff.
func (r *SampleRepo) PutSamples(ctx context.Context, samples []domain.SampleRecord) error {
	for start := 0; start < len(samples); start += maxBatchWrite {
		end := min(start+maxBatchWrite, len(samples))

		reqs := make([]types.WriteRequest, 0, end-start)
		for _, s := range samples[start:end] {
			item, err := attributevalue.MarshalMap(sampleItem{
				TaskID:    s.TaskID,
				SQLHash:   s.SQLHash,
				SQLMask:   s.SQLMask,
				SQLSample: s.RawQuery,
				Database:  s.Database,
			})
			if err != nil {
				return fmt.Errorf("marshal sample %s: %w", s.SQLHash, err)
			}
			reqs = append(reqs, types.WriteRequest{PutRequest: &types.PutRequest{Item: item}})
		}

		if err := r.writeBatch(ctx, reqs); err != nil {
			return err
		}
	}
	return nil
}

func (r *SampleRepo) writeBatch(ctx context.Context, reqs []types.WriteRequest) error {
	pending := map[string][]types.WriteRequest{r.table: reqs}
	err := retry.Do(ctx, r.backoff(), func(ctx context.Context) error {
		out, err := r.client.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{RequestItems: pending})
		if err != nil {
			var throttled *types.ProvisionedThroughputExceededException
			if errors.As(err, &throttled) {
				return retry.RetryableError(err)
			}
			return err
		}
		if left := out.UnprocessedItems[r.table]; len(left) > 0 {
			pending = map[string][]types.WriteRequest{r.table: left}
			return retry.RetryableError(fmt.Errorf("%d unprocessed sample writes", len(left)))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("batch write samples: %w", err)
	}
	return nil
}

// ListSamples returns every sample of a task.
func (r *SampleRepo) ListSamples(ctx context.Context, taskID string) ([]domain.SampleRecord, error) {
	p := dynamodb.NewQueryPaginator(r.client, &dynamodb.QueryInput{
		TableName:              aws.String(r.table),
		KeyConditionExpression: aws.String("task_id = :task_id"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":task_id": &types.AttributeValueMemberS{Value: taskID},
		},
	})

	var out []domain.SampleRecord
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("query samples %s: %w", taskID, err)
		}
		var items []sampleItem
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &items); err != nil {
			return nil, fmt.Errorf("unmarshal samples: %w", err)
		}
		for _, it := range items {
			out = append(out, domain.SampleRecord{
				TaskID:   it.TaskID,
				SQLHash:  it.SQLHash,
				SQLMask:  it.SQLMask,
				RawQuery: it.SQLSample,
				Database: it.Database,
			})
		}
	}
	return out, nil
}

var _ domain.SampleRepository = (*SampleRepo)(nil)
