package infra

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/sns"

	"github.com/payfriend/payfriend/internal/config"
)

// NewAWSConfig loads the shared AWS configuration. Static credentials are
// used when configured, otherwise the default provider chain applies.
func NewAWSConfig(ctx context.Context, cfg config.Config) (aws.Config, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.AWSRegion),
	}
	if cfg.AWSAccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AWSAccessKeyID, cfg.AWSSecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load aws config: %w", err)
	}
	return awsCfg, nil
}

// NewDynamoClient builds a DynamoDB client. AWSEndpointURL (LocalStack)
// overrides the endpoint when set.
func NewDynamoClient(awsCfg aws.Config, cfg config.Config) *dynamodb.Client {
	return dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.AWSEndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.AWSEndpointURL)
		}
	})
}

// NewSNSClient builds an SNS client honouring the same endpoint override.
func NewSNSClient(awsCfg aws.Config, cfg config.Config) *sns.Client {
	return sns.NewFromConfig(awsCfg, func(o *sns.Options) {
		if cfg.AWSEndpointURL != "" {
			o.BaseEndpoint = aws.String(cfg.AWSEndpointURL)
		}
	})
}

// BootstrapDynamo creates the users and payments tables with their GSIs if
// they don't already exist.
func BootstrapDynamo(ctx context.Context, client *dynamodb.Client, tables config.DynamoTables, logger *slog.Logger) error {
	inputs := []*dynamodb.CreateTableInput{
		{
			TableName:   aws.String(tables.Users),
			BillingMode: types.BillingModePayPerRequest,
			AttributeDefinitions: []types.AttributeDefinition{
				{AttributeName: aws.String("id"), AttributeType: types.ScalarAttributeTypeS},
				{AttributeName: aws.String("email"), AttributeType: types.ScalarAttributeTypeS},
				{AttributeName: aws.String("phone"), AttributeType: types.ScalarAttributeTypeS},
				{AttributeName: aws.String("provider_id"), AttributeType: types.ScalarAttributeTypeS},
			},
			KeySchema: []types.KeySchemaElement{
				{AttributeName: aws.String("id"), KeyType: types.KeyTypeHash},
			},
			GlobalSecondaryIndexes: []types.GlobalSecondaryIndex{
				gsi("email-index", "email", ""),
				gsi("phone-index", "phone", ""),
				gsi("provider_id-index", "provider_id", ""),
			},
		},
		{
			TableName:   aws.String(tables.Payments),
			BillingMode: types.BillingModePayPerRequest,
			AttributeDefinitions: []types.AttributeDefinition{
				{AttributeName: aws.String("id"), AttributeType: types.ScalarAttributeTypeS},
				{AttributeName: aws.String("push_id"), AttributeType: types.ScalarAttributeTypeS},
				{AttributeName: aws.String("provider_id"), AttributeType: types.ScalarAttributeTypeS},
				{AttributeName: aws.String("created_at"), AttributeType: types.ScalarAttributeTypeS},
			},
			KeySchema: []types.KeySchemaElement{
				{AttributeName: aws.String("id"), KeyType: types.KeyTypeHash},
			},
			GlobalSecondaryIndexes: []types.GlobalSecondaryIndex{
				gsi("push_id-index", "push_id", ""),
				gsi("provider_id-created_at-index", "provider_id", "created_at"),
			},
		},
	}

	for _, input := range inputs {
		_, err := client.CreateTable(ctx, input)
		if err == nil {
			logger.Info("created table", "table", *input.TableName)
			continue
		}
		var inUse *types.ResourceInUseException
		if !errors.As(err, &inUse) {
			return fmt.Errorf("create table %s: %w", *input.TableName, err)
		}
	}
	return nil
}

// gsi builds a GSI descriptor. If sortKey is empty, only a hash key is added.
func gsi(indexName, hashKey, sortKey string) types.GlobalSecondaryIndex {
	ks := []types.KeySchemaElement{
		{AttributeName: aws.String(hashKey), KeyType: types.KeyTypeHash},
	}
	if sortKey != "" {
		ks = append(ks, types.KeySchemaElement{
			AttributeName: aws.String(sortKey), KeyType: types.KeyTypeRange,
		})
	}
	return types.GlobalSecondaryIndex{
		IndexName:  aws.String(indexName),
		KeySchema:  ks,
		Projection: &types.Projection{ProjectionType: types.ProjectionTypeAll},
	}
}
