package identity

import (
	"context"
	"errors"
	"fmt"

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

// DynamoRepository implements Repository on a DynamoDB table keyed by id,
// with email-index, phone-index and provider_id-index GSIs.
type DynamoRepository struct {
	client    DynamoAPI
	tableName string
}

// NewDynamoRepository builds a DynamoDB-backed identity repository.
func NewDynamoRepository(client DynamoAPI, tableName string) *DynamoRepository {
	return &DynamoRepository{client: client, tableName: tableName}
}

// Create stores a new user. Uniqueness of email and phone is checked via
// their GSIs before the conditional put.
func (r *DynamoRepository) Create(ctx context.Context, user User) error {
	for index, value := range map[string]string{"email-index": user.Email, "phone-index": user.Phone} {
		attr := index[:len(index)-len("-index")]
		if _, err := r.queryGSI(ctx, index, attr, value); err == nil {
			return ErrConflict
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}
	}

	item, err := attributevalue.MarshalMap(user)
	if err != nil {
		return fmt.Errorf("marshal user: %w", err)
	}
	_, err = r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(r.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(id)"),
	})
	if isConditionFailed(err) {
		return ErrConflict
	}
	return err
}

// FindByID fetches a user by primary key.
func (r *DynamoRepository) FindByID(ctx context.Context, id string) (User, error) {
	out, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(r.tableName),
		Key:            idKey(id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return User{}, err
	}
	if out.Item == nil {
		return User{}, ErrNotFound
	}
	var user User
	if err := attributevalue.UnmarshalMap(out.Item, &user); err != nil {
		return User{}, fmt.Errorf("unmarshal user: %w", err)
	}
	return user, nil
}

// FindByEmail fetches a user through the email-index GSI.
func (r *DynamoRepository) FindByEmail(ctx context.Context, email string) (User, error) {
	return r.queryGSI(ctx, "email-index", "email", email)
}

// FindByProviderID fetches a user through the sparse provider_id-index GSI.
func (r *DynamoRepository) FindByProviderID(ctx context.Context, providerID string) (User, error) {
	if providerID == "" {
		return User{}, ErrNotFound
	}
	return r.queryGSI(ctx, "provider_id-index", "provider_id", providerID)
}

// SetProviderID stores the provider handle once using a conditional update.
func (r *DynamoRepository) SetProviderID(ctx context.Context, id, providerID string) error {
	_, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                aws.String(r.tableName),
		Key:                      idKey(id),
		UpdateExpression:         aws.String("SET #p = :p"),
		ConditionExpression:      aws.String("attribute_exists(id) AND attribute_not_exists(#p)"),
		ExpressionAttributeNames: map[string]string{"#p": "provider_id"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":p": &types.AttributeValueMemberS{Value: providerID},
		},
	})
	if !isConditionFailed(err) {
		return err
	}
	if _, err := r.FindByID(ctx, id); err != nil {
		return err
	}
	return ErrAlreadyEnrolled
}

// Ping checks that the users table is reachable.
func (r *DynamoRepository) Ping(ctx context.Context) error {
	_, err := r.client.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(r.tableName)})
	return err
}

func (r *DynamoRepository) queryGSI(ctx context.Context, index, attr, value string) (User, error) {
	out, err := r.client.Query(ctx, &dynamodb.QueryInput{
		TableName:                 aws.String(r.tableName),
		IndexName:                 aws.String(index),
		KeyConditionExpression:    aws.String("#a = :v"),
		ExpressionAttributeNames:  map[string]string{"#a": attr},
		ExpressionAttributeValues: map[string]types.AttributeValue{":v": &types.AttributeValueMemberS{Value: value}},
		Limit:                     aws.Int32(1),
	})
	if err != nil {
		return User{}, err
	}
	if len(out.Items) == 0 {
		return User{}, ErrNotFound
	}
	var user User
	if err := attributevalue.UnmarshalMap(out.Items[0], &user); err != nil {
		return User{}, fmt.Errorf("unmarshal user: %w", err)
	}
	return user, nil
}

func idKey(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"id": &types.AttributeValueMemberS{Value: id},
	}
}

func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}
