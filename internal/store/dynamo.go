package store

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/rs/zerolog/log"

	"github.com/FourTwoN/demeter-vision/internal/aggregation"
)

// DynamoDB key constants for the single-table design.
const (
	pkPrefix  = "SESSION#"
	skMeta    = "META"
	skSegTask = "SEGTASK#"
	skResult  = "RESULT"
)

// DynamoStore implements SessionStore using AWS DynamoDB.
type DynamoStore struct {
	client    *dynamodb.Client
	tableName string
}

// Compile-time interface check.
var _ SessionStore = (*DynamoStore)(nil)

// NewDynamoStore creates a DynamoStore for the given table.
// The client should be initialized from the shared AWS config.
func NewDynamoStore(client *dynamodb.Client, tableName string) *DynamoStore {
	return &DynamoStore{
		client:    client,
		tableName: tableName,
	}
}

// sessionPK returns the partition key for a session.
func sessionPK(sessionID string) string {
	return pkPrefix + sessionID
}

// expiresAt returns the Unix epoch timestamp for record expiration.
func expiresAt() int64 {
	return time.Now().Add(SessionTTL).Unix()
}

// putItem marshals a domain object and writes it to DynamoDB with PK,
// SK, and TTL. Domain objects use dynamodbav:"-" for fields derived
// from PK/SK.
func (s *DynamoStore) putItem(ctx context.Context, pk, sk string, data interface{}) error {
	item, err := attributevalue.MarshalMap(data)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	item["PK"] = &types.AttributeValueMemberS{Value: pk}
	item["SK"] = &types.AttributeValueMemberS{Value: sk}
	item["expiresAt"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(expiresAt(), 10)}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: &s.tableName,
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("PutItem PK=%s SK=%s: %w", pk, sk, err)
	}
	return nil
}

// getItem reads a single item and unmarshals it into out.
// Returns false if the item does not exist (out is not modified).
func (s *DynamoStore) getItem(ctx context.Context, pk, sk string, out interface{}) (bool, error) {
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: pk},
			"SK": &types.AttributeValueMemberS{Value: sk},
		},
	})
	if err != nil {
		return false, fmt.Errorf("GetItem PK=%s SK=%s: %w", pk, sk, err)
	}
	if result.Item == nil {
		return false, nil
	}
	if err := attributevalue.UnmarshalMap(result.Item, out); err != nil {
		return false, fmt.Errorf("unmarshal PK=%s SK=%s: %w", pk, sk, err)
	}
	return true, nil
}

// PutSession creates or replaces a session metadata record.
func (s *DynamoStore) PutSession(ctx context.Context, session *Session) error {
	if session.ID == "" {
		return fmt.Errorf("session has no id")
	}
	return s.putItem(ctx, sessionPK(session.ID), skMeta, session)
}

// GetSession retrieves session metadata. Returns nil, nil if not found.
func (s *DynamoStore) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	var session Session
	found, err := s.getItem(ctx, sessionPK(sessionID), skMeta, &session)
	if err != nil || !found {
		return nil, err
	}
	session.ID = sessionID
	return &session, nil
}

// UpdateSessionStatus updates status, error, and updatedAt without
// overwriting other fields. Uses DynamoDB UpdateItem.
func (s *DynamoStore) UpdateSessionStatus(ctx context.Context, sessionID, status, errMsg string) error {
	update := "SET #status = :status, updatedAt = :now"
	names := map[string]string{"#status": "status"}
	values := map[string]types.AttributeValue{
		":status": &types.AttributeValueMemberS{Value: status},
		":now":    &types.AttributeValueMemberN{Value: strconv.FormatInt(time.Now().Unix(), 10)},
	}
	if errMsg != "" {
		update += ", #error = :error"
		names["#error"] = "error"
		values[":error"] = &types.AttributeValueMemberS{Value: errMsg}
	}

	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: &s.tableName,
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: sessionPK(sessionID)},
			"SK": &types.AttributeValueMemberS{Value: skMeta},
		},
		UpdateExpression:          aws.String(update),
		ExpressionAttributeNames:  names,
		ExpressionAttributeValues: values,
	})
	if err != nil {
		return fmt.Errorf("UpdateItem session %s: %w", sessionID, err)
	}

	log.Debug().Str("sessionId", sessionID).Str("status", status).Msg("Session status updated")
	return nil
}

// PutSegmentTask creates or replaces a segment task record.
func (s *DynamoStore) PutSegmentTask(ctx context.Context, sessionID string, task *SegmentTask) error {
	if task.SegmentID == "" {
		return fmt.Errorf("segment task has no segment id")
	}
	return s.putItem(ctx, sessionPK(sessionID), skSegTask+task.SegmentID, task)
}

// ListSegmentTasks retrieves all segment task records for a session.
func (s *DynamoStore) ListSegmentTasks(ctx context.Context, sessionID string) ([]*SegmentTask, error) {
	result, err := s.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              &s.tableName,
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: sessionPK(sessionID)},
			":prefix": &types.AttributeValueMemberS{Value: skSegTask},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("Query segment tasks for %s: %w", sessionID, err)
	}

	tasks := make([]*SegmentTask, 0, len(result.Items))
	for _, item := range result.Items {
		var task SegmentTask
		if err := attributevalue.UnmarshalMap(item, &task); err != nil {
			return nil, fmt.Errorf("unmarshal segment task: %w", err)
		}
		if sk, ok := item["SK"].(*types.AttributeValueMemberS); ok {
			task.SegmentID = strings.TrimPrefix(sk.Value, skSegTask)
		}
		task.SessionID = sessionID
		tasks = append(tasks, &task)
	}
	return tasks, nil
}

// PutResult stores the session's aggregated result.
func (s *DynamoStore) PutResult(ctx context.Context, sessionID string, result *aggregation.AggregatedResult) error {
	return s.putItem(ctx, sessionPK(sessionID), skResult, result)
}

// GetResult retrieves the aggregated result. Returns nil, nil if not found.
func (s *DynamoStore) GetResult(ctx context.Context, sessionID string) (*aggregation.AggregatedResult, error) {
	var result aggregation.AggregatedResult
	found, err := s.getItem(ctx, sessionPK(sessionID), skResult, &result)
	if err != nil || !found {
		return nil, err
	}
	return &result, nil
}
