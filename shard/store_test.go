package shard

import (
	"context"
	"slices"
	"strconv"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/hupe1980/vecmesh/blobstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockDDBClient is an in-memory DynamoDB mock for testing.
type mockDDBClient struct {
	mu    sync.RWMutex
	items map[string]map[string]types.AttributeValue // cluster:version -> item
}

func newMockDDBClient() *mockDDBClient {
	return &mockDDBClient{
		items: make(map[string]map[string]types.AttributeValue),
	}
}

func itemVersion(item map[string]types.AttributeValue) uint64 {
	v, _ := strconv.ParseUint(item["version"].(*types.AttributeValueMemberN).Value, 10, 64)
	return v
}

func (m *mockDDBClient) PutItem(_ context.Context, params *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cluster := params.Item["cluster"].(*types.AttributeValueMemberS).Value
	key := cluster + ":" + params.Item["version"].(*types.AttributeValueMemberN).Value

	if params.ConditionExpression != nil && *params.ConditionExpression == "attribute_not_exists(version)" {
		if _, exists := m.items[key]; exists {
			return nil, &types.ConditionalCheckFailedException{Message: aws.String("condition failed")}
		}
	}
	m.items[key] = params.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (m *mockDDBClient) Query(_ context.Context, params *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cluster := params.ExpressionAttributeValues[":c"].(*types.AttributeValueMemberS).Value

	var items []map[string]types.AttributeValue
	for _, item := range m.items {
		if item["cluster"].(*types.AttributeValueMemberS).Value == cluster {
			items = append(items, item)
		}
	}
	slices.SortFunc(items, func(a, b map[string]types.AttributeValue) int {
		va, vb := itemVersion(a), itemVersion(b)
		switch {
		case va > vb:
			return -1
		case va < vb:
			return 1
		}
		return 0
	})
	if params.Limit != nil && int(*params.Limit) < len(items) {
		items = items[:*params.Limit]
	}
	return &dynamodb.QueryOutput{Items: items}, nil
}

func testMapStoreCAS(t *testing.T, store MapStore) {
	t.Helper()
	ctx := context.Background()

	_, err := store.Load(ctx)
	require.ErrorIs(t, err, ErrNoMap)

	m1, err := NewEvenMap(2, []NodeID{"a", "b"}, 1)
	require.NoError(t, err)
	require.NoError(t, store.CompareAndSwap(ctx, 0, m1))

	got, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, m1.Version, got.Version)
	assert.Equal(t, m1.Ranges, got.Ranges)

	// A second bootstrap loses.
	assert.ErrorIs(t, store.CompareAndSwap(ctx, 0, m1), ErrVersionConflict)

	m2, err := m1.Transfer(0, "b")
	require.NoError(t, err)
	require.NoError(t, store.CompareAndSwap(ctx, 1, m2))

	// Racing writers derived from version 1 both lose now.
	m2b, err := m1.Transfer(1, "a")
	require.NoError(t, err)
	assert.ErrorIs(t, store.CompareAndSwap(ctx, 1, m2b), ErrVersionConflict)

	// Versions must be consecutive.
	m4 := &Map{Version: 4, Ranges: m2.Ranges, NextID: m2.NextID}
	assert.ErrorIs(t, store.CompareAndSwap(ctx, 2, m4), ErrVersionConflict)

	got, err = store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), got.Version)
	r, _ := got.Get(0)
	assert.Equal(t, NodeID("b"), r.Owner)
}

func TestMemoryMapStore(t *testing.T) {
	testMapStoreCAS(t, NewMemoryMapStore())
}

func TestBlobMapStore(t *testing.T) {
	blobs := blobstore.NewMemoryStore()
	testMapStoreCAS(t, NewBlobMapStore(blobs, "maps"))

	names, err := blobs.List(context.Background(), "maps/")
	require.NoError(t, err)
	assert.Contains(t, names, "maps/CURRENT")
	assert.Contains(t, names, "maps/00000000000000000001")
	assert.Contains(t, names, "maps/00000000000000000002")
}

func TestDynamoMapStore(t *testing.T) {
	ddb := newMockDDBClient()
	testMapStoreCAS(t, NewDynamoMapStore(ddb, "vecmesh-shardmap", "test"))

	// Clusters do not see each other's maps.
	_, err := NewDynamoMapStore(ddb, "vecmesh-shardmap", "other").Load(context.Background())
	assert.ErrorIs(t, err, ErrNoMap)
}

func TestDynamoMapStore_ConditionalPut(t *testing.T) {
	ctx := context.Background()
	ddb := newMockDDBClient()
	a := NewDynamoMapStore(ddb, "t", "c")
	b := NewDynamoMapStore(ddb, "t", "c")

	m1, err := NewEvenMap(1, []NodeID{"a"}, 1)
	require.NoError(t, err)
	require.NoError(t, a.CompareAndSwap(ctx, 0, m1))

	m2, err := m1.Transfer(0, "b")
	require.NoError(t, err)

	// Another writer stores version 2 directly.
	data, err := b.framer.Encode(m2)
	require.NoError(t, err)
	_, err = ddb.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String("t"),
		Item: map[string]types.AttributeValue{
			"cluster": &types.AttributeValueMemberS{Value: "c"},
			"version": &types.AttributeValueMemberN{Value: "2"},
			"map":     &types.AttributeValueMemberB{Value: data},
		},
	})
	require.NoError(t, err)

	assert.ErrorIs(t, a.CompareAndSwap(ctx, 1, m2), ErrVersionConflict)
}
