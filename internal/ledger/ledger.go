package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/DevVarma19/medlaunch-AWS-challenge/internal/apperr"
)

type DynamoClient interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
}

var _ DynamoClient = (*dynamodb.Client)(nil)

const (
	StatusRunning   = "RUNNING"
	StatusSucceeded = "SUCCEEDED"
	StatusFailed    = "FAILED"

	retention = 30 * 24 * time.Hour
)

// ErrAlreadySucceeded means a previous invocation with the same run id finished.
var ErrAlreadySucceeded = errors.New("run already succeeded")

// Run is one pipeline invocation as stored in the runs table.
type Run struct {
	PK               string `dynamodbav:"PK"`
	RunID            string `dynamodbav:"RunID"`
	Component        string `dynamodbav:"Component"`
	Status           string `dynamodbav:"Status"`
	Source           string `dynamodbav:"Source,omitempty"`
	QueryExecutionID string `dynamodbav:"QueryExecutionID,omitempty"`
	ResultPath       string `dynamodbav:"ResultPath,omitempty"`
	ErrorType        string `dynamodbav:"ErrorType,omitempty"`
	Reason           string `dynamodbav:"Reason,omitempty"`
	StartedAt        string `dynamodbav:"StartedAt"`
	UpdatedAt        string `dynamodbav:"UpdatedAt"`
	ExpiresAt        int64  `dynamodbav:"ExpiresAt"`
}

func RunPK(component, runID string) string {
	return fmt.Sprintf("RUN#%s#%s", component, runID)
}

// Store records runs in DynamoDB. A Store with an empty table name is a no-op so
// local runs and tests work without the table.
type Store struct {
	client DynamoClient
	table  string
	now    func() time.Time
}

func New(client DynamoClient, table string) *Store {
	return &Store{client: client, table: strings.TrimSpace(table), now: time.Now}
}

func (s *Store) Enabled() bool { return s != nil && s.table != "" && s.client != nil }

// Begin records the run as RUNNING. A run that previously failed or is still
// marked running may begin again (the orchestrator retries with the same run
// id); a run that succeeded may not, and ErrAlreadySucceeded is returned.
func (s *Store) Begin(ctx context.Context, component, runID, source string) error {
	if !s.Enabled() {
		return nil
	}
	now := s.now().UTC()
	run := Run{
		PK:        RunPK(component, runID),
		RunID:     runID,
		Component: component,
		Status:    StatusRunning,
		Source:    source,
		StartedAt: now.Format(time.RFC3339),
		UpdatedAt: now.Format(time.RFC3339),
		ExpiresAt: now.Add(retention).Unix(),
	}
	item, err := attributevalue.MarshalMap(run)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.table),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(PK) OR #status <> :succeeded"),
		ExpressionAttributeNames: map[string]string{
			"#status": "Status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":succeeded": &types.AttributeValueMemberS{Value: StatusSucceeded},
		},
	})
	if err != nil {
		var cfe *types.ConditionalCheckFailedException
		if errors.As(err, &cfe) {
			return ErrAlreadySucceeded
		}
		return apperr.IO("dynamodb PutItem", s.table, err)
	}
	return nil
}

func (s *Store) Complete(ctx context.Context, component, runID, queryExecutionID, resultPath string) error {
	return s.finish(ctx, component, runID, map[string]types.AttributeValue{
		":status": &types.AttributeValueMemberS{Value: StatusSucceeded},
		":qid":    &types.AttributeValueMemberS{Value: queryExecutionID},
		":path":   &types.AttributeValueMemberS{Value: resultPath},
		":etype":  &types.AttributeValueMemberS{Value: ""},
		":reason": &types.AttributeValueMemberS{Value: ""},
	})
}

func (s *Store) Fail(ctx context.Context, component, runID, queryExecutionID string, cause error) error {
	reason := ""
	if cause != nil {
		reason = cause.Error()
	}
	return s.finish(ctx, component, runID, map[string]types.AttributeValue{
		":status": &types.AttributeValueMemberS{Value: StatusFailed},
		":qid":    &types.AttributeValueMemberS{Value: queryExecutionID},
		":path":   &types.AttributeValueMemberS{Value: ""},
		":etype":  &types.AttributeValueMemberS{Value: apperr.Name(cause)},
		":reason": &types.AttributeValueMemberS{Value: reason},
	})
}

func (s *Store) finish(ctx context.Context, component, runID string, values map[string]types.AttributeValue) error {
	if !s.Enabled() {
		return nil
	}
	values[":now"] = &types.AttributeValueMemberS{Value: s.now().UTC().Format(time.RFC3339)}
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.table),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: RunPK(component, runID)},
		},
		UpdateExpression: aws.String("SET #status = :status, QueryExecutionID = :qid, ResultPath = :path, ErrorType = :etype, Reason = :reason, UpdatedAt = :now"),
		ExpressionAttributeNames: map[string]string{
			"#status": "Status",
		},
		ExpressionAttributeValues: values,
	})
	if err != nil {
		return apperr.IO("dynamodb UpdateItem", s.table, err)
	}
	return nil
}

// Get returns the stored run, or nil when none exists.
func (s *Store) Get(ctx context.Context, component, runID string) (*Run, error) {
	if !s.Enabled() {
		return nil, nil
	}
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.table),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: RunPK(component, runID)},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, apperr.IO("dynamodb GetItem", s.table, err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var run Run
	if err := attributevalue.UnmarshalMap(out.Item, &run); err != nil {
		return nil, fmt.Errorf("unmarshal run: %w", err)
	}
	return &run, nil
}
