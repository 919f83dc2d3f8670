package dynamo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/go-chem-api/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newUser() *domain.User {
	now := time.Now().UTC()
	return &domain.User{UserID: "u1", Username: "Alice", Email: "Alice@Example.com", Role: domain.RoleUser, Enable: true, CreatedAt: now, UpdatedAt: now}
}

func TestUserRepo_Create_WritesGuards(t *testing.T) {
	api := &mockAPI{}
	api.On("TransactWriteItems", mock.Anything, mock.MatchedBy(func(in *dynamodb.TransactWriteItemsInput) bool {
		if len(in.TransactItems) != 3 {
			return false
		}
		un, _ := in.TransactItems[1].Put.Item["unique_key"].(*types.AttributeValueMemberS)
		em, _ := in.TransactItems[2].Put.Item["unique_key"].(*types.AttributeValueMemberS)
		return un.Value == "username#alice" && em.Value == "email#alice@example.com"
	})).Return(&dynamodb.TransactWriteItemsOutput{}, nil)

	require.NoError(t, NewUserRepo(api, "users", "user_keys").Create(context.Background(), newUser()))
	api.AssertExpectations(t)
}

func TestUserRepo_Create_EmailTaken(t *testing.T) {
	api := &mockAPI{}
	none, ccf := "None", "ConditionalCheckFailed"
	api.On("TransactWriteItems", mock.Anything, mock.Anything).Return(nil, &types.TransactionCanceledException{
		CancellationReasons: []types.CancellationReason{{Code: &none}, {Code: &none}, {Code: &ccf}},
	})

	err := NewUserRepo(api, "users", "user_keys").Create(context.Background(), newUser())
	var ce *domain.ConflictError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "email", ce.Field)
	assert.True(t, errors.Is(err, domain.ErrConflict))
}

func TestUserRepo_Create_StorageDown(t *testing.T) {
	api := &mockAPI{}
	api.On("TransactWriteItems", mock.Anything, mock.Anything).Return(nil, errors.New("throttled"))

	err := NewUserRepo(api, "users", "user_keys").Create(context.Background(), newUser())
	assert.True(t, errors.Is(err, domain.ErrStorageUnavailable))
}

func TestUserRepo_GetByEmail_NotFound(t *testing.T) {
	api := &mockAPI{}
	api.On("GetItem", mock.Anything, mock.MatchedBy(func(in *dynamodb.GetItemInput) bool {
		k, _ := in.Key["unique_key"].(*types.AttributeValueMemberS)
		return *in.TableName == "user_keys" && k.Value == "email#a@b.com" && *in.ConsistentRead
	})).Return(&dynamodb.GetItemOutput{}, nil)

	_, err := NewUserRepo(api, "users", "user_keys").GetByEmail(context.Background(), "A@b.com")
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}
