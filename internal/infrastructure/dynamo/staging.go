package dynamo

import (
	"context"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/go-chem-api/internal/domain"
	"github.com/go-chem-api/internal/staging"
)

var _ staging.Store = (*StagingRepo)(nil)

// stagingItem is one staged entry. DynamoDB's TTL sweeper works on
// expires_at (seconds) and may lag; reads filter on expires_ms so an
// expired item is never returned.
type stagingItem struct {
	Key       string `dynamodbav:"staging_key"`
	Payload   []byte `dynamodbav:"payload"`
	ExpiresAt int64  `dynamodbav:"expires_at"`
	ExpiresMs int64  `dynamodbav:"expires_ms"`
}

// StagingRepo implements staging.Store on a table keyed by staging_key.
type StagingRepo struct {
	client    API
	tableName string
	now       func() time.Time
}

func NewStagingRepo(client API, tableName string) *StagingRepo {
	return &StagingRepo{client: client, tableName: tableName, now: time.Now}
}

func (r *StagingRepo) item(key string, value []byte, ttl time.Duration) (map[string]types.AttributeValue, error) {
	exp := r.now().Add(ttl)
	return attributevalue.MarshalMap(stagingItem{
		Key:       key,
		Payload:   value,
		ExpiresAt: exp.Unix() + 1,
		ExpiresMs: exp.UnixMilli(),
	})
}

func (r *StagingRepo) nowMs() types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(r.now().UnixMilli(), 10)}
}

func (r *StagingRepo) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	item, err := r.item(key, value, ttl)
	if err != nil {
		return err
	}
	if _, err := r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(r.tableName),
		Item:      item,
	}); err != nil {
		return domain.Unavailable("staging put", err)
	}
	return nil
}

func (r *StagingRepo) Get(ctx context.Context, key string) ([]byte, bool, error) {
	out, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(r.tableName),
		Key:            strKey("staging_key", key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, false, domain.Unavailable("staging get", err)
	}
	if out.Item == nil {
		return nil, false, nil
	}
	var it stagingItem
	if err := attributevalue.UnmarshalMap(out.Item, &it); err != nil {
		return nil, false, err
	}
	if it.ExpiresMs <= r.now().UnixMilli() {
		return nil, false, nil
	}
	return it.Payload, true, nil
}

func (r *StagingRepo) Delete(ctx context.Context, key string) error {
	if _, err := r.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(r.tableName),
		Key:       strKey("staging_key", key),
	}); err != nil {
		return domain.Unavailable("staging delete", err)
	}
	return nil
}

func (r *StagingRepo) PutIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	item, err := r.item(key, value, ttl)
	if err != nil {
		return false, err
	}
	_, err = r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                aws.String(r.tableName),
		Item:                     item,
		ConditionExpression:      aws.String("attribute_not_exists(staging_key) OR #exp <= :now"),
		ExpressionAttributeNames: map[string]string{"#exp": "expires_ms"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now": r.nowMs(),
		},
	})
	if isConditionFailed(err) {
		return false, nil
	}
	if err != nil {
		return false, domain.Unavailable("staging put-if-absent", err)
	}
	return true, nil
}

func (r *StagingRepo) DeleteIfEqual(ctx context.Context, key string, value []byte) (bool, error) {
	_, err := r.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:                aws.String(r.tableName),
		Key:                      strKey("staging_key", key),
		ConditionExpression:      aws.String("payload = :v AND #exp > :now"),
		ExpressionAttributeNames: map[string]string{"#exp": "expires_ms"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":v":   &types.AttributeValueMemberB{Value: value},
			":now": r.nowMs(),
		},
	})
	if isConditionFailed(err) {
		return false, nil
	}
	if err != nil {
		return false, domain.Unavailable("staging delete-if-equal", err)
	}
	return true, nil
}
