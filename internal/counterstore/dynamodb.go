package counterstore

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// DynamoDBStore is an alternate counter-store backend demonstrating that §6
// treats the counter store as opaque: any backend that supports an atomic
// increment and a per-key TTL conforms. Increments use DynamoDB's atomic
// ADD update expression; expiry is DynamoDB's native item TTL attribute.
type DynamoDBStore struct {
	client    *dynamodb.Client
	tableName string
	timeout   time.Duration
}

type hitItem struct {
	HitKey    string `dynamodbav:"hit_key"`
	Counter   int64  `dynamodbav:"counter"`
	ExpiresAt int64  `dynamodbav:"expires_at"`
}

func NewDynamoDBStore(ctx context.Context, region, tableName string, callTimeout time.Duration) (*DynamoDBStore, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("counterstore(dynamodb): load aws config: %w", err)
	}
	timeout := callTimeout
	if timeout <= 0 {
		timeout = time.Second
	}
	return &DynamoDBStore{
		client:    dynamodb.NewFromConfig(cfg),
		tableName: tableName,
		timeout:   timeout,
	}, nil
}

func (s *DynamoDBStore) CounterRead(ctx context.Context, key string) (int64, error) {
	var val int64
	err := withTimeout(ctx, s.timeout, func(cctx context.Context) error {
		out, err := s.client.GetItem(cctx, &dynamodb.GetItemInput{
			TableName: aws.String(s.tableName),
			Key: map[string]types.AttributeValue{
				"hit_key": &types.AttributeValueMemberS{Value: key},
			},
		})
		if err != nil {
			return fmt.Errorf("counterstore(dynamodb): get %q: %w", key, err)
		}
		if out.Item == nil {
			val = 0
			return nil
		}
		var item hitItem
		if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
			return fmt.Errorf("counterstore(dynamodb): unmarshal %q: %w", key, err)
		}
		if item.ExpiresAt > 0 && item.ExpiresAt <= time.Now().Unix() {
			// DynamoDB's TTL sweep is best-effort and can lag; treat an
			// already-expired item as absent rather than waiting on it.
			val = 0
			return nil
		}
		val = item.Counter
		return nil
	})
	return val, err
}

func (s *DynamoDBStore) CounterIncr(ctx context.Context, key string, ttl time.Duration) error {
	return withTimeout(ctx, s.timeout, func(cctx context.Context) error {
		expiresAt := time.Now().Add(ttl).Unix()
		_, err := s.client.UpdateItem(cctx, &dynamodb.UpdateItemInput{
			TableName: aws.String(s.tableName),
			Key: map[string]types.AttributeValue{
				"hit_key": &types.AttributeValueMemberS{Value: key},
			},
			UpdateExpression: aws.String("ADD counter :incr SET expires_at = :exp"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":incr": &types.AttributeValueMemberN{Value: "1"},
				":exp":  &types.AttributeValueMemberN{Value: fmt.Sprintf("%d", expiresAt)},
			},
		})
		if err != nil {
			return fmt.Errorf("counterstore(dynamodb): incr %q: %w", key, err)
		}
		return nil
	})
}
