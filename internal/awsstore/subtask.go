package awsstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"querycheck/internal/domain"
)

// subtaskItem is the DynamoDB item layout of a subtask record.
type subtaskItem struct {
	TaskID       string `dynamodbav:"task_id"`
	ObjectKey    string `dynamodbav:"s3_object_key"`
	Status       string `dynamodbav:"status"`
	TotalCount   int64  `dynamodbav:"total_count"`
	ErrorCount   int64  `dynamodbav:"error_count"`
	WarningCount int64  `dynamodbav:"warning_count"`
	UpdateTime   string `dynamodbav:"update_time"`
}

// SubtaskRepo stores subtask records in a DynamoDB table keyed by
// (task_id, s3_object_key). update_time is wall-clock time in the process
// time zone, the form the other readers of the table expect.
type SubtaskRepo struct {
	client DynamoDBAPI
	table  string
	loc    *time.Location
}

// NewSubtaskRepo creates a SubtaskRepo on table using time.Local.
func NewSubtaskRepo(client DynamoDBAPI, table string) *SubtaskRepo {
	return &SubtaskRepo{client: client, table: table, loc: time.Local}
}

// WithLocation sets the time zone of update_time.
func (r *SubtaskRepo) WithLocation(loc *time.Location) *SubtaskRepo {
	r.loc = loc
	return r
}

func subtaskKey(k domain.SubtaskKey) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"task_id":       &types.AttributeValueMemberS{Value: k.TaskID},
		"s3_object_key": &types.AttributeValueMemberS{Value: k.ObjectKey},
	}
}

func (r *SubtaskRepo) formatTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.In(r.loc).Format(domain.UpdateTimeLayout)
}

// Create puts a new record unless one exists for the key.
func (r *SubtaskRepo) Create(ctx context.Context, s *domain.SubtaskState) error {
	status := s.Status
	if status == "" {
		status = domain.SubtaskStatusCreated
	}
	item, err := attributevalue.MarshalMap(subtaskItem{
		TaskID:       s.TaskID,
		ObjectKey:    s.ObjectKey,
		Status:       string(status),
		TotalCount:   s.TotalCount,
		ErrorCount:   s.ErrorCount,
		WarningCount: s.WarningCount,
		UpdateTime:   r.formatTime(s.UpdateTime),
	})
	if err != nil {
		return fmt.Errorf("marshal subtask: %w", err)
	}

	_, err = r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(r.table),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(task_id)"),
	})
	if isConditionFailed(err) {
		return domain.ErrConflict("subtask %s already exists", s.SubtaskKey)
	}
	if err != nil {
		return fmt.Errorf("put subtask %s: %w", s.SubtaskKey, err)
	}
	return nil
}

// Get reads the record for key with a strongly consistent read.
func (r *SubtaskRepo) Get(ctx context.Context, key domain.SubtaskKey) (*domain.SubtaskState, error) {
	out, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(r.table),
		Key:            subtaskKey(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get subtask %s: %w", key, err)
	}
	if len(out.Item) == 0 {
		return nil, domain.ErrNotFound("subtask %s not found", key)
	}

	var item subtaskItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return nil, fmt.Errorf("unmarshal subtask %s: %w", key, err)
	}
	status, err := domain.ParseSubtaskStatus(item.Status)
	if err != nil {
		return nil, fmt.Errorf("subtask %s: %w", key, err)
	}
	updated, _ := time.ParseInLocation(domain.UpdateTimeLayout, item.UpdateTime, r.loc)
	return &domain.SubtaskState{
		SubtaskKey:   key,
		Status:       status,
		TotalCount:   item.TotalCount,
		ErrorCount:   item.ErrorCount,
		WarningCount: item.WarningCount,
		UpdateTime:   updated,
	}, nil
}

// Transition updates the record conditioned on its current status.
func (r *SubtaskRepo) Transition(ctx context.Context, t domain.Transition) error {
	if err := t.Validate(); err != nil {
		return err
	}

	_, err := r.client.UpdateItem(ctx, r.transitionInput(t))
	if isConditionFailed(err) {
		return domain.ErrConflict("subtask %s is not %s", t.Key, t.From)
	}
	if err != nil {
		return fmt.Errorf("update subtask %s: %w", t.Key, err)
	}
	return nil
}

func (r *SubtaskRepo) transitionInput(t domain.Transition) *dynamodb.UpdateItemInput {
	update := "SET #status = :status, update_time = :update_time"
	values := map[string]types.AttributeValue{
		":status":      &types.AttributeValueMemberS{Value: string(t.To)},
		":condition":   &types.AttributeValueMemberS{Value: string(t.From)},
		":update_time": &types.AttributeValueMemberS{Value: r.formatTime(t.At)},
	}
	if t.To.Terminal() {
		update += ", total_count = :total_count, error_count = :error_count, warning_count = :warning_count"
		values[":total_count"] = number(t.Counts.TotalCount)
		values[":error_count"] = number(t.Counts.ErrorCount)
		values[":warning_count"] = number(t.Counts.WarningCount)
	}
	return &dynamodb.UpdateItemInput{
		TableName:                 aws.String(r.table),
		Key:                       subtaskKey(t.Key),
		UpdateExpression:          aws.String(update),
		ConditionExpression:       aws.String("#status = :condition"),
		ExpressionAttributeNames:  map[string]string{"#status": "status"},
		ExpressionAttributeValues: values,
	}
}

func number(n int64) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(n, 10)}
}

func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

var _ domain.SubtaskRepository = (*SubtaskRepo)(nil)
