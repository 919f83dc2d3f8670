package dynamo

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/go-chem-api/internal/domain"
)

// UserRepo provides typed DynamoDB operations for the users table.
// Uniqueness of username and email is enforced by one guard item per value
// in the user_keys table, written in the same transaction as the user.
type UserRepo struct {
	client        API
	tableName     string
	keysTableName string
}

func NewUserRepo(client API, tableName, keysTableName string) *UserRepo {
	return &UserRepo{client: client, tableName: tableName, keysTableName: keysTableName}
}

// uniqueKey is the guard item key for a unique user field.
func uniqueKey(field, value string) string {
	return field + "#" + strings.ToLower(value)
}

// Create inserts u if neither its username nor its email is taken. A lost
// race surfaces as *domain.ConflictError naming the colliding field.
func (r *UserRepo) Create(ctx context.Context, u *domain.User) error {
	item, err := attributevalue.MarshalMap(u)
	if err != nil {
		return fmt.Errorf("marshal user: %w", err)
	}
	guard := func(field, value string) types.TransactWriteItem {
		return types.TransactWriteItem{Put: &types.Put{
			TableName: aws.String(r.keysTableName),
			Item: map[string]types.AttributeValue{
				"unique_key": &types.AttributeValueMemberS{Value: uniqueKey(field, value)},
				"user_id":    &types.AttributeValueMemberS{Value: u.UserID},
			},
			ConditionExpression: aws.String("attribute_not_exists(unique_key)"),
		}}
	}
	_, err = r.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{Put: &types.Put{
				TableName:           aws.String(r.tableName),
				Item:                item,
				ConditionExpression: aws.String("attribute_not_exists(user_id)"),
			}},
			guard("username", u.Username),
			guard("email", u.Email),
		},
	})
	if err == nil {
		return nil
	}
	if isConditionFailed(err) {
		for _, i := range cancelledAt(err) {
			switch i {
			case 1:
				return &domain.ConflictError{Field: "username"}
			case 2:
				return &domain.ConflictError{Field: "email"}
			}
		}
		return fmt.Errorf("user %s already exists: %w", u.UserID, domain.ErrConflict)
	}
	return domain.Unavailable("create user", err)
}

func (r *UserRepo) Get(ctx context.Context, userID string) (*domain.User, error) {
	out, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(r.tableName),
		Key:       strKey("user_id", userID),
	})
	if err != nil {
		return nil, domain.Unavailable("get user", err)
	}
	if out.Item == nil {
		return nil, fmt.Errorf("user not found: %w", domain.ErrNotFound)
	}
	var u domain.User
	if err := attributevalue.UnmarshalMap(out.Item, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// GetByUsername resolves through the guard table with a consistent read,
// so a user committed a moment ago is already visible.
func (r *UserRepo) GetByUsername(ctx context.Context, username string) (*domain.User, error) {
	return r.getByUnique(ctx, "username", username)
}

func (r *UserRepo) GetByEmail(ctx context.Context, email string) (*domain.User, error) {
	return r.getByUnique(ctx, "email", email)
}

func (r *UserRepo) GetByPhone(ctx context.Context, phone string) (*domain.User, error) {
	out, err := r.client.Query(ctx, &dynamodb.QueryInput{
		TableName:                 aws.String(r.tableName),
		IndexName:                 aws.String("phone-index"),
		KeyConditionExpression:    aws.String("#a = :v"),
		ExpressionAttributeNames:  map[string]string{"#a": "phone"},
		ExpressionAttributeValues: map[string]types.AttributeValue{":v": &types.AttributeValueMemberS{Value: phone}},
		Limit:                     aws.Int32(1),
	})
	if err != nil {
		return nil, domain.Unavailable("query user by phone", err)
	}
	if len(out.Items) == 0 {
		return nil, fmt.Errorf("user not found: %w", domain.ErrNotFound)
	}
	var u domain.User
	if err := attributevalue.UnmarshalMap(out.Items[0], &u); err != nil {
		return nil, err
	}
	return &u, nil
}

func (r *UserRepo) Update(ctx context.Context, userID string, updates map[string]interface{}) error {
	updates[fieldUpdatedAt] = time.Now().UTC()
	ue, err := buildUpdateExpr(updates)
	if err != nil {
		return err
	}
	_, err = r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(r.tableName),
		Key:                       strKey("user_id", userID),
		UpdateExpression:          aws.String(ue.Expr),
		ExpressionAttributeNames:  ue.Names,
		ExpressionAttributeValues: ue.Values,
		ConditionExpression:       aws.String("attribute_exists(user_id)"),
	})
	if isConditionFailed(err) {
		return fmt.Errorf("user not found: %w", domain.ErrNotFound)
	}
	if err != nil {
		return domain.Unavailable("update user", err)
	}
	return nil
}

func (r *UserRepo) getByUnique(ctx context.Context, field, value string) (*domain.User, error) {
	out, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(r.keysTableName),
		Key:            strKey("unique_key", uniqueKey(field, value)),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, domain.Unavailable("get user by "+field, err)
	}
	if out.Item == nil {
		return nil, fmt.Errorf("user not found: %w", domain.ErrNotFound)
	}
	uid, ok := out.Item["user_id"].(*types.AttributeValueMemberS)
	if !ok {
		return nil, fmt.Errorf("user key %s has no user_id", uniqueKey(field, value))
	}
	return r.Get(ctx, uid.Value)
}
