package dynamo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/go-chem-api/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var frozen = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newStagingRepo(api *mockAPI) *StagingRepo {
	r := NewStagingRepo(api, "staging")
	r.now = func() time.Time { return frozen }
	return r
}

func stagedItem(t *testing.T, payload string, expires time.Time) map[string]types.AttributeValue {
	t.Helper()
	item, err := attributevalue.MarshalMap(stagingItem{
		Key: "k", Payload: []byte(payload), ExpiresAt: expires.Unix(), ExpiresMs: expires.UnixMilli(),
	})
	require.NoError(t, err)
	return item
}

func TestStagingRepo_Get_Live(t *testing.T) {
	api := &mockAPI{}
	api.On("GetItem", mock.Anything, mock.MatchedBy(func(in *dynamodb.GetItemInput) bool {
		return *in.ConsistentRead
	})).Return(&dynamodb.GetItemOutput{Item: stagedItem(t, "v", frozen.Add(time.Second))}, nil)

	v, ok, err := newStagingRepo(api).Get(context.Background(), "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("v"), v)
}

func TestStagingRepo_Get_ExpiredNotYetSwept(t *testing.T) {
	api := &mockAPI{}
	api.On("GetItem", mock.Anything, mock.Anything).
		Return(&dynamodb.GetItemOutput{Item: stagedItem(t, "v", frozen)}, nil)

	v, ok, err := newStagingRepo(api).Get(context.Background(), "k")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, v)
}

func TestStagingRepo_Get_Unavailable(t *testing.T) {
	api := &mockAPI{}
	api.On("GetItem", mock.Anything, mock.Anything).Return(nil, errors.New("connection reset"))

	_, _, err := newStagingRepo(api).Get(context.Background(), "k")
	assert.True(t, errors.Is(err, domain.ErrStorageUnavailable))
}

func TestStagingRepo_Put_WritesBothExpiries(t *testing.T) {
	api := &mockAPI{}
	api.On("PutItem", mock.Anything, mock.MatchedBy(func(in *dynamodb.PutItemInput) bool {
		var it stagingItem
		if err := attributevalue.UnmarshalMap(in.Item, &it); err != nil {
			return false
		}
		return it.ExpiresMs == frozen.Add(5*time.Minute).UnixMilli() &&
			it.ExpiresAt > frozen.Unix() && in.ConditionExpression == nil
	})).Return(&dynamodb.PutItemOutput{}, nil)

	require.NoError(t, newStagingRepo(api).Put(context.Background(), "k", []byte("v"), 5*time.Minute))
	api.AssertExpectations(t)
}

func TestStagingRepo_PutIfAbsent_Held(t *testing.T) {
	api := &mockAPI{}
	api.On("PutItem", mock.Anything, mock.Anything).Return(nil, &types.ConditionalCheckFailedException{})

	ok, err := newStagingRepo(api).PutIfAbsent(context.Background(), "lease", []byte("x"), time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStagingRepo_DeleteIfEqual(t *testing.T) {
	api := &mockAPI{}
	api.On("DeleteItem", mock.Anything, mock.MatchedBy(func(in *dynamodb.DeleteItemInput) bool {
		v, _ := in.ExpressionAttributeValues[":v"].(*types.AttributeValueMemberB)
		return v != nil && string(v.Value) == "123456"
	})).Return(&dynamodb.DeleteItemOutput{}, nil).Once()
	api.On("DeleteItem", mock.Anything, mock.Anything).Return(nil, &types.ConditionalCheckFailedException{})

	r := newStagingRepo(api)
	ok, err := r.DeleteIfEqual(context.Background(), "code", []byte("123456"))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.DeleteIfEqual(context.Background(), "code", []byte("123456"))
	require.NoError(t, err)
	assert.False(t, ok)
}
