package dynamo

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/go-chem-api/internal/domain"
)

// JobRepo stores prediction jobs. The job_keys table holds one pointer item
// per (owner, domain key) naming the job currently representing that pair;
// moving the pointer is what makes Submit idempotent across processes.
type JobRepo struct {
	client        API
	tableName     string
	keysTableName string
}

func NewJobRepo(client API, tableName, keysTableName string) *JobRepo {
	return &JobRepo{client: client, tableName: tableName, keysTableName: keysTableName}
}

// FindLatest returns the job the (owner, key) pointer names, or ErrNotFound.
func (r *JobRepo) FindLatest(ctx context.Context, ownerID, domainKey string) (*domain.Job, error) {
	out, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(r.keysTableName),
		Key:            strKey("job_key", domain.JobKey(ownerID, domainKey)),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, domain.Unavailable("get job key", err)
	}
	if out.Item == nil {
		return nil, fmt.Errorf("no job for %s: %w", domain.JobKey(ownerID, domainKey), domain.ErrNotFound)
	}
	jid, ok := out.Item["job_id"].(*types.AttributeValueMemberS)
	if !ok {
		return nil, fmt.Errorf("job key %s has no job_id", domain.JobKey(ownerID, domainKey))
	}
	return r.Get(ctx, jid.Value)
}

// CreateIfIdle writes j and points its key at it, provided the key is unused
// or still points at supersedes. When another writer got there first the
// job it created is returned with created == false.
func (r *JobRepo) CreateIfIdle(ctx context.Context, j *domain.Job, supersedes string) (*domain.Job, bool, error) {
	item, err := attributevalue.MarshalMap(j)
	if err != nil {
		return nil, false, fmt.Errorf("marshal job: %w", err)
	}
	pointer := &types.Put{
		TableName: aws.String(r.keysTableName),
		Item: map[string]types.AttributeValue{
			"job_key": &types.AttributeValueMemberS{Value: j.Key()},
			"job_id":  &types.AttributeValueMemberS{Value: j.JobID},
		},
		ConditionExpression: aws.String("attribute_not_exists(job_key)"),
	}
	if supersedes != "" {
		pointer.ConditionExpression = aws.String("job_id = :prev")
		pointer.ExpressionAttributeValues = map[string]types.AttributeValue{
			":prev": &types.AttributeValueMemberS{Value: supersedes},
		}
	}
	_, err = r.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{Put: pointer},
			{Put: &types.Put{
				TableName:           aws.String(r.tableName),
				Item:                item,
				ConditionExpression: aws.String("attribute_not_exists(job_id)"),
			}},
		},
	})
	if err == nil {
		return j, true, nil
	}
	if !isConditionFailed(err) {
		return nil, false, domain.Unavailable("create job", err)
	}
	existing, err := r.FindLatest(ctx, j.OwnerID, j.DomainKey)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (r *JobRepo) Get(ctx context.Context, jobID string) (*domain.Job, error) {
	out, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(r.tableName),
		Key:            strKey("job_id", jobID),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, domain.Unavailable("get job", err)
	}
	if out.Item == nil {
		return nil, fmt.Errorf("job %s: %w", jobID, domain.ErrNotFound)
	}
	var j domain.Job
	if err := attributevalue.UnmarshalMap(out.Item, &j); err != nil {
		return nil, err
	}
	return &j, nil
}

// Transition applies t only if the stored status still equals t.From.
// Losing that race yields ErrInvalidTransition.
func (r *JobRepo) Transition(ctx context.Context, jobID string, t domain.JobTransition) (*domain.Job, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}
	updates := map[string]interface{}{
		fieldStatus:    t.To,
		fieldUpdatedAt: t.At,
	}
	switch t.To {
	case domain.JobCompleted:
		updates["completed_at"] = t.At
		if t.Result != nil {
			updates["result"] = []byte(t.Result)
		}
		if t.ResultURL != nil {
			updates["result_url"] = *t.ResultURL
		}
	case domain.JobFailed:
		updates["error"] = *t.Error
	}
	ue, err := buildUpdateExpr(updates)
	if err != nil {
		return nil, err
	}
	ue.Names["#cur"] = fieldStatus
	from, err := attributevalue.Marshal(t.From)
	if err != nil {
		return nil, err
	}
	ue.Values[":from"] = from

	out, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(r.tableName),
		Key:                       strKey("job_id", jobID),
		UpdateExpression:          aws.String(ue.Expr),
		ConditionExpression:       aws.String("attribute_exists(job_id) AND #cur = :from"),
		ExpressionAttributeNames:  ue.Names,
		ExpressionAttributeValues: ue.Values,
		ReturnValues:              types.ReturnValueAllNew,
	})
	if isConditionFailed(err) {
		return nil, fmt.Errorf("job %s not %s: %w", jobID, t.From, domain.ErrInvalidTransition)
	}
	if err != nil {
		return nil, domain.Unavailable("transition job", err)
	}
	var j domain.Job
	if err := attributevalue.UnmarshalMap(out.Attributes, &j); err != nil {
		return nil, err
	}
	return &j, nil
}

// ListByOwner returns up to limit of the owner's jobs, newest first.
// The GSI is sorted by ULID job_id, which orders by creation time.
func (r *JobRepo) ListByOwner(ctx context.Context, ownerID string, limit int) ([]domain.Job, error) {
	if limit <= 0 {
		return nil, errors.New("limit must be positive")
	}
	out, err := r.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(r.tableName),
		IndexName:              aws.String("owner_id-job_id-index"),
		KeyConditionExpression: aws.String("owner_id = :o"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":o": &types.AttributeValueMemberS{Value: ownerID},
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(int32(limit)),
	})
	if err != nil {
		return nil, domain.Unavailable("list jobs", err)
	}
	jobs := make([]domain.Job, 0, len(out.Items))
	if err := attributevalue.UnmarshalListOfMaps(out.Items, &jobs); err != nil {
		return nil, err
	}
	sort.SliceStable(jobs, func(a, b int) bool { return jobs[a].CreatedAt.After(jobs[b].CreatedAt) })
	return jobs, nil
}
