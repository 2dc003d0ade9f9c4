package shard

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/hupe1980/vecmesh/codec"
)

// DDBClient is the subset of the DynamoDB API used by DynamoMapStore.
type DDBClient interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// DynamoMapStore keeps the map history in a DynamoDB table. Each version
// is its own item, written with a conditional put, so two writers racing
// for the same successor version cannot both win.
//
// Table schema:
//
//   - Partition key: cluster (string)
//   - Sort key: version (number)
//
// Create table with:
//
//	aws dynamodb create-table \
//	  --table-name vecmesh-shardmap \
//	  --attribute-definitions AttributeName=cluster,AttributeType=S AttributeName=version,AttributeType=N \
//	  --key-schema AttributeName=cluster,KeyType=HASH AttributeName=version,KeyType=RANGE \
//	  --billing-mode PAY_PER_REQUEST
type DynamoMapStore struct {
	client  DDBClient
	table   string
	cluster string
	framer  codec.Framer
}

// NewDynamoMapStore returns a map store for cluster in table.
func NewDynamoMapStore(client DDBClient, table, cluster string) *DynamoMapStore {
	return &DynamoMapStore{
		client:  client,
		table:   table,
		cluster: cluster,
		framer:  codec.Framer{Compression: codec.CompressionZSTD},
	}
}

// Load implements MapStore.
func (s *DynamoMapStore) Load(ctx context.Context) (*Map, error) {
	resp, err := s.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.table),
		KeyConditionExpression: aws.String("cluster = :c"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":c": &types.AttributeValueMemberS{Value: s.cluster},
		},
		ScanIndexForward: aws.Bool(false), // latest first
		Limit:            aws.Int32(1),
		ConsistentRead:   aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("shard: query DynamoDB: %w", err)
	}
	if len(resp.Items) == 0 {
		return nil, ErrNoMap
	}

	item := resp.Items[0]
	data, ok := item["map"].(*types.AttributeValueMemberB)
	if !ok {
		return nil, errors.New("shard: invalid map attribute in DynamoDB")
	}
	var m Map
	if err := s.framer.Decode(data.Value, &m); err != nil {
		return nil, fmt.Errorf("shard: decode map: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// CompareAndSwap implements MapStore.
func (s *DynamoMapStore) CompareAndSwap(ctx context.Context, old uint64, m *Map) error {
	if err := checkSuccessor(old, m); err != nil {
		return err
	}

	switch cur, err := s.Load(ctx); {
	case errors.Is(err, ErrNoMap):
		if old != 0 {
			return fmt.Errorf("%w: store empty, expected %d", ErrVersionConflict, old)
		}
	case err != nil:
		return err
	case cur.Version != old:
		return fmt.Errorf("%w: stored %d, expected %d", ErrVersionConflict, cur.Version, old)
	}

	data, err := s.framer.Encode(m)
	if err != nil {
		return err
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item: map[string]types.AttributeValue{
			"cluster": &types.AttributeValueMemberS{Value: s.cluster},
			"version": &types.AttributeValueMemberN{Value: strconv.FormatUint(m.Version, 10)},
			"map":     &types.AttributeValueMemberB{Value: data},
		},
		ConditionExpression: aws.String("attribute_not_exists(version)"),
	})
	if err != nil {
		var condErr *types.ConditionalCheckFailedException
		if errors.As(err, &condErr) {
			return fmt.Errorf("%w: version %d already written", ErrVersionConflict, m.Version)
		}
		return fmt.Errorf("shard: commit map to DynamoDB: %w", err)
	}
	return nil
}
