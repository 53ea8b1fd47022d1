package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"slackmcp/pkg/logging"
)

// dynamoItem is the table schema. The table is keyed by storage_key and uses
// expires_at as its TTL attribute, so DynamoDB collects expired records
// server-side instead of a sweep goroutine.
type dynamoItem struct {
	StorageKey string `dynamodbav:"storage_key"`
	Record     []byte `dynamodbav:"record"`
	ExpiresAt  int64  `dynamodbav:"expires_at,omitempty"`
}

// dynamoAPI is the subset of the DynamoDB client used by the backend.
// Narrowing the dependency keeps tests free of real AWS credentials.
type dynamoAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// DynamoDBBackend persists records in a DynamoDB table. TTL expiry on the
// expires_at attribute substitutes for the memory backend's sweep; because
// DynamoDB TTL collection is lazy, reads still filter expired items.
type DynamoDBBackend struct {
	client dynamoAPI
	table  string
}

// NewDynamoDBBackend connects to the given table in the given region using
// the ambient AWS credential chain (IAM task role on Fargate).
func NewDynamoDBBackend(ctx context.Context, table, region string) (*DynamoDBBackend, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("%w: loading AWS config: %v", ErrUnavailable, err)
	}

	db := &DynamoDBBackend{
		client: dynamodb.NewFromConfig(awsCfg),
		table:  table,
	}
	logging.Info("Storage", "Using DynamoDB table %q in %s", table, region)
	return db, nil
}

// newDynamoDBBackendWithClient is the test seam.
func newDynamoDBBackendWithClient(client dynamoAPI, table string) *DynamoDBBackend {
	return &DynamoDBBackend{client: client, table: table}
}

// Get retrieves a record. Items past their expires_at that TTL has not yet
// collected are treated as absent.
func (db *DynamoDBBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	out, err := db.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(db.table),
		Key:            keyAttr(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if out.Item == nil {
		return nil, false, nil
	}

	var item dynamoItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		logging.Warn("Storage", "Unreadable item for key=%s: %v", logging.TruncateID(key), err)
		return nil, false, nil
	}
	if item.ExpiresAt > 0 && time.Now().Unix() >= item.ExpiresAt {
		return nil, false, nil
	}
	return item.Record, true, nil
}

// Put stores a record, converting the ttl to an absolute expires_at epoch.
func (db *DynamoDBBackend) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	item := dynamoItem{StorageKey: key, Record: value}
	if ttl > NoTTL {
		item.ExpiresAt = time.Now().Add(ttl).Unix()
	}

	attrs, err := attributevalue.MarshalMap(item)
	if err != nil {
		return fmt.Errorf("marshaling item: %w", err)
	}

	if _, err := db.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(db.table),
		Item:      attrs,
	}); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Take deletes a record and returns its previous value in one DynamoDB call,
// so concurrent Take calls across processes hand the value to a single caller.
func (db *DynamoDBBackend) Take(ctx context.Context, key string) ([]byte, bool, error) {
	out, err := db.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:    aws.String(db.table),
		Key:          keyAttr(key),
		ReturnValues: types.ReturnValueAllOld,
	})
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if out.Attributes == nil {
		return nil, false, nil
	}

	var item dynamoItem
	if err := attributevalue.UnmarshalMap(out.Attributes, &item); err != nil {
		logging.Warn("Storage", "Unreadable item for key=%s: %v", logging.TruncateID(key), err)
		return nil, false, nil
	}
	if item.ExpiresAt > 0 && time.Now().Unix() >= item.ExpiresAt {
		return nil, false, nil
	}
	return item.Record, true, nil
}

// Delete removes a record. Deleting a missing key succeeds.
func (db *DynamoDBBackend) Delete(ctx context.Context, key string) error {
	if _, err := db.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(db.table),
		Key:       keyAttr(key),
	}); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// ListKeys scans the table for live keys with the given prefix. The token
// tables stay small (one record per user), so a paginated scan is acceptable.
func (db *DynamoDBBackend) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	now := time.Now().Unix()

	var startKey map[string]types.AttributeValue
	for {
		in := &dynamodb.ScanInput{
			TableName:            aws.String(db.table),
			ProjectionExpression: aws.String("storage_key, expires_at"),
			ExclusiveStartKey:    startKey,
		}
		out, err := db.client.Scan(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}

		for _, raw := range out.Items {
			var item dynamoItem
			if err := attributevalue.UnmarshalMap(raw, &item); err != nil {
				continue
			}
			if item.ExpiresAt > 0 && now >= item.ExpiresAt {
				continue
			}
			if strings.HasPrefix(item.StorageKey, prefix) {
				keys = append(keys, item.StorageKey)
			}
		}

		if out.LastEvaluatedKey == nil {
			break
		}
		startKey = out.LastEvaluatedKey
	}
	return keys, nil
}

func keyAttr(key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"storage_key": &types.AttributeValueMemberS{Value: key},
	}
}
