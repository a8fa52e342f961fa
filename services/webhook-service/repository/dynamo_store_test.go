package repository_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yashrajoria/commerce-webhooks/services/webhook-service/repository"
)

// fakeDynamo understands the two condition expressions the store issues.
type fakeDynamo struct {
	mu        sync.Mutex
	items     map[string]map[string]types.AttributeValue
	beforePut func()
	putErr    error
	puts      int
}

func newFakeDynamo() *fakeDynamo {
	return &fakeDynamo{items: map[string]map[string]types.AttributeValue{}}
}

func idOf(key map[string]types.AttributeValue) string {
	return key["_id"].(*types.AttributeValueMemberS).Value
}

func (f *fakeDynamo) GetItem(ctx context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &dynamodb.GetItemOutput{Item: f.items[idOf(in.Key)]}, nil
}

func (f *fakeDynamo) PutItem(ctx context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	if hook := f.beforePut; hook != nil {
		f.beforePut = nil
		hook()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts++
	if f.putErr != nil {
		return nil, f.putErr
	}
	id := idOf(in.Item)
	existing, exists := f.items[id]
	if in.ConditionExpression != nil {
		switch *in.ConditionExpression {
		case "attribute_not_exists(#id)":
			if exists {
				return nil, &types.ConditionalCheckFailedException{Message: aws.String("exists")}
			}
		case "#rev = :rev":
			want := in.ExpressionAttributeValues[":rev"].(*types.AttributeValueMemberS).Value
			rev, _ := existing["_rev"].(*types.AttributeValueMemberS)
			if !exists || rev == nil || rev.Value != want {
				return nil, &types.ConditionalCheckFailedException{Message: aws.String("rev")}
			}
		}
	}
	f.items[id] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.items, idOf(in.Key))
	return &dynamodb.DeleteItemOutput{}, nil
}

func (f *fakeDynamo) Scan(ctx context.Context, in *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := &dynamodb.ScanOutput{}
	for _, it := range f.items {
		out.Items = append(out.Items, it)
	}
	return out, nil
}

func TestDynamoStore_CreateAndGet(t *testing.T) {
	store := repository.NewDynamoStore(newFakeDynamo(), "Documents")
	ctx := context.Background()

	_, err := store.Create(ctx, repository.Document{"_id": "order.1", "_type": "order", "totalAmount": 50.0,
		"cart": []any{map[string]any{"_key": "k1", "quantity": 2}}})
	require.NoError(t, err)

	doc, err := store.Get(ctx, "order.1")
	require.NoError(t, err)
	assert.Equal(t, 50.0, doc["totalAmount"])
	assert.NotEmpty(t, doc.Rev())
	cart := doc["cart"].([]any)
	assert.Equal(t, float64(2), cart[0].(map[string]any)["quantity"])

	_, err = store.Create(ctx, repository.Document{"_id": "order.1", "_type": "order"})
	assert.ErrorIs(t, err, repository.ErrConflict)

	_, err = store.Get(ctx, "order.2")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestDynamoStore_PatchRetriesAfterLostRace(t *testing.T) {
	fake := newFakeDynamo()
	store := repository.NewDynamoStore(fake, "Documents")
	ctx := context.Background()
	_, err := store.Create(ctx, repository.Document{"_id": "order.1", "_type": "order"})
	require.NoError(t, err)

	// another writer commits between our read and our write
	fake.beforePut = func() {
		_, err := repository.NewDynamoStore(fake, "Documents").Patch("order.1").
			Set(map[string]any{"paymentStatus": "refunded"}).
			Commit(ctx, repository.CommitOptions{})
		require.NoError(t, err)
	}

	doc, err := store.Patch("order.1").
		Set(map[string]any{"fulfillment.trackingNumber": "TRK"}).
		Commit(ctx, repository.CommitOptions{})
	require.NoError(t, err)
	assert.Equal(t, "TRK", doc.String("fulfillment.trackingNumber"))
	assert.Equal(t, "refunded", doc.String("paymentStatus"))
}

func TestDynamoStore_IfRevisionConflict(t *testing.T) {
	fake := newFakeDynamo()
	store := repository.NewDynamoStore(fake, "Documents")
	ctx := context.Background()
	created, err := store.Create(ctx, repository.Document{"_id": "order.1", "_type": "order"})
	require.NoError(t, err)

	_, err = store.Patch("order.1").Set(map[string]any{"a": 1}).Commit(ctx, repository.CommitOptions{})
	require.NoError(t, err)

	_, err = store.Patch("order.1").IfRevision(created.Rev()).Set(map[string]any{"a": 2}).Commit(ctx, repository.CommitOptions{})
	assert.ErrorIs(t, err, repository.ErrRevisionMismatch)
}

func TestDynamoStore_FetchAppliesFilters(t *testing.T) {
	store := repository.NewDynamoStore(newFakeDynamo(), "Documents")
	ctx := context.Background()
	for _, d := range []repository.Document{
		{"_id": "order.1", "_type": "order", "paymentIntentId": "pi_1"},
		{"_id": "order.2", "_type": "order", "paymentIntentId": "pi_2"},
		{"_id": "invoice.1", "_type": "invoice", "paymentIntentId": "pi_1"},
	} {
		_, err := store.Create(ctx, d)
		require.NoError(t, err)
	}

	docs, err := store.Fetch(ctx, repository.Query{Type: "order"}.Where("paymentIntentId", "pi_1"))
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "order.1", docs[0].ID())
}

func TestDynamoStore_PutErrorSurfaces(t *testing.T) {
	fake := newFakeDynamo()
	fake.putErr = errors.New("throttled")
	store := repository.NewDynamoStore(fake, "Documents")

	_, err := store.Create(context.Background(), repository.Document{"_id": "order.1", "_type": "order"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, repository.ErrConflict)
	assert.True(t, repository.IsTransient(err))
}
