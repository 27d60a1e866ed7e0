package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// DynamoAPI is the subset of the DynamoDB client the repository uses.
type DynamoAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// DynamoRepository implements Repository on a DynamoDB table keyed by id.
// push_id-index is sparse: only payments with a push handle appear in it.
type DynamoRepository struct {
	client    DynamoAPI
	tableName string
}

// NewDynamoRepository builds a DynamoDB-backed payment repository.
func NewDynamoRepository(client DynamoAPI, tableName string) *DynamoRepository {
	return &DynamoRepository{client: client, tableName: tableName}
}

// Create stores a new payment; ids are never overwritten.
func (r *DynamoRepository) Create(ctx context.Context, p Payment) error {
	item, err := attributevalue.MarshalMap(p)
	if err != nil {
		return fmt.Errorf("marshal payment: %w", err)
	}
	item["created_at"] = timeValue(p.CreatedAt)
	item["updated_at"] = timeValue(p.UpdatedAt)
	_, err = r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(r.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(id)"),
	})
	if isConditionFailed(err) {
		return fmt.Errorf("payment %s exists: %w", p.ID, ErrInvalidPayment)
	}
	return err
}

// Get fetches a payment with a strongly consistent read.
func (r *DynamoRepository) Get(ctx context.Context, id string) (Payment, error) {
	out, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(r.tableName),
		Key:            idKey(id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return Payment{}, err
	}
	if out.Item == nil {
		return Payment{}, ErrNotFound
	}
	var p Payment
	if err := attributevalue.UnmarshalMap(out.Item, &p); err != nil {
		return Payment{}, fmt.Errorf("unmarshal payment: %w", err)
	}
	return p, nil
}

// FindByPushID resolves a push handle through the push_id-index GSI, then
// re-reads the item consistently since GSIs are eventually consistent.
func (r *DynamoRepository) FindByPushID(ctx context.Context, pushID string) (Payment, error) {
	if pushID == "" {
		return Payment{}, ErrNotFound
	}
	out, err := r.client.Query(ctx, &dynamodb.QueryInput{
		TableName:                 aws.String(r.tableName),
		IndexName:                 aws.String("push_id-index"),
		KeyConditionExpression:    aws.String("push_id = :v"),
		ExpressionAttributeValues: map[string]types.AttributeValue{":v": &types.AttributeValueMemberS{Value: pushID}},
		Limit:                     aws.Int32(1),
	})
	if err != nil {
		return Payment{}, err
	}
	if len(out.Items) == 0 {
		return Payment{}, ErrNotFound
	}
	var p Payment
	if err := attributevalue.UnmarshalMap(out.Items[0], &p); err != nil {
		return Payment{}, fmt.Errorf("unmarshal payment: %w", err)
	}
	return r.Get(ctx, p.ID)
}

// ListByOwner pages through provider_id-created_at-index, newest first.
func (r *DynamoRepository) ListByOwner(ctx context.Context, providerID string) ([]Payment, error) {
	input := &dynamodb.QueryInput{
		TableName:                 aws.String(r.tableName),
		IndexName:                 aws.String("provider_id-created_at-index"),
		KeyConditionExpression:    aws.String("provider_id = :v"),
		ExpressionAttributeValues: map[string]types.AttributeValue{":v": &types.AttributeValueMemberS{Value: providerID}},
		ScanIndexForward:          aws.Bool(false),
	}
	var out []Payment
	for {
		page, err := r.client.Query(ctx, input)
		if err != nil {
			return nil, err
		}
		var batch []Payment
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &batch); err != nil {
			return nil, fmt.Errorf("unmarshal payments: %w", err)
		}
		out = append(out, batch...)
		if len(page.LastEvaluatedKey) == 0 {
			return out, nil
		}
		input.ExclusiveStartKey = page.LastEvaluatedKey
	}
}

// AttachPushID sets push_id only while the payment is pending and has none.
func (r *DynamoRepository) AttachPushID(ctx context.Context, id, pushID string, at time.Time) (bool, error) {
	_, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(r.tableName),
		Key:                 idKey(id),
		UpdateExpression:    aws.String("SET push_id = :p, updated_at = :u"),
		ConditionExpression: aws.String("attribute_exists(id) AND attribute_not_exists(push_id) AND #s = :pending"),
		ExpressionAttributeNames: map[string]string{
			"#s": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":p":       &types.AttributeValueMemberS{Value: pushID},
			":u":       timeValue(at),
			":pending": &types.AttributeValueMemberS{Value: string(StatusPending)},
		},
	})
	if isConditionFailed(err) {
		return false, nil
	}
	return err == nil, err
}

// CompareAndSetStatus is a conditional UpdateItem on the current status.
func (r *DynamoRepository) CompareAndSetStatus(ctx context.Context, id string, from, to Status, at time.Time) (bool, error) {
	_, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(r.tableName),
		Key:                 idKey(id),
		UpdateExpression:    aws.String("SET #s = :to, updated_at = :u"),
		ConditionExpression: aws.String("attribute_exists(id) AND #s = :from"),
		ExpressionAttributeNames: map[string]string{
			"#s": "status",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":to":   &types.AttributeValueMemberS{Value: string(to)},
			":from": &types.AttributeValueMemberS{Value: string(from)},
			":u":    timeValue(at),
		},
	})
	if isConditionFailed(err) {
		return false, nil
	}
	return err == nil, err
}

// Ping checks that the payments table is reachable.
func (r *DynamoRepository) Ping(ctx context.Context) error {
	_, err := r.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(r.tableName)})
	return err
}

func idKey(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"id": &types.AttributeValueMemberS{Value: id},
	}
}

// sortableTime is fixed width so created_at orders correctly as a GSI sort key.
const sortableTime = "2006-01-02T15:04:05.000000000Z07:00"

func timeValue(t time.Time) types.AttributeValue {
	return &types.AttributeValueMemberS{Value: t.UTC().Format(sortableTime)}
}

func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}
