package repository

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

// casAttempts bounds the read-modify-write loop of a patch that lost a race
// with a concurrent writer.
const casAttempts = 5

// DynamoAPI is the subset of the DynamoDB client the store uses.
type DynamoAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// DynamoStore keeps every document as one item of a single table whose
// partition key is `_id`. Patches are applied read-modify-write and written
// back with a condition on `_rev`.
type DynamoStore struct {
	client DynamoAPI
	table  string
	now    func() time.Time
}

func NewDynamoStore(client DynamoAPI, table string) *DynamoStore {
	return &DynamoStore{client: client, table: table, now: time.Now}
}

func (d *DynamoStore) key(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{FieldID: &types.AttributeValueMemberS{Value: id}}
}

func (d *DynamoStore) Get(ctx context.Context, id string) (Document, error) {
	out, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      &d.table,
		Key:            d.key(id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("dynamodb GetItem %s failed: %w", id, err)
	}
	if len(out.Item) == 0 {
		return nil, fmt.Errorf("get %s: %w", id, ErrNotFound)
	}
	return unmarshalItem(out.Item)
}

func (d *DynamoStore) Create(ctx context.Context, doc Document) (Document, error) {
	stamped, err := stampCreate(doc, d.now())
	if err != nil {
		return nil, err
	}
	if err := d.put(ctx, stamped, "attribute_not_exists(#id)", map[string]string{"#id": FieldID}, nil); err != nil {
		if isConditionFailed(err) {
			return nil, fmt.Errorf("create %s: %w", stamped.ID(), ErrConflict)
		}
		return nil, err
	}
	return stamped, nil
}

func (d *DynamoStore) CreateIfNotExists(ctx context.Context, doc Document) (bool, error) {
	_, err := d.Create(ctx, doc)
	return createdOrExisting(err)
}

func (d *DynamoStore) CreateOrReplace(ctx context.Context, doc Document) (Document, error) {
	stamped, err := stampCreate(doc, d.now())
	if err != nil {
		return nil, err
	}
	if prev, err := d.Get(ctx, stamped.ID()); err == nil {
		stamped[FieldCreatedAt] = prev[FieldCreatedAt]
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if err := d.put(ctx, stamped, "", nil, nil); err != nil {
		return nil, err
	}
	return stamped, nil
}

func (d *DynamoStore) Delete(ctx context.Context, id string) error {
	_, err := d.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{TableName: &d.table, Key: d.key(id)})
	if err != nil {
		return fmt.Errorf("dynamodb DeleteItem %s failed: %w", id, err)
	}
	return nil
}

// Fetch scans the table with a server-side filter on _type and exact-match
// fields. Case-insensitive filters, ordering and limit are applied to the
// scanned page set.
func (d *DynamoStore) Fetch(ctx context.Context, q Query) ([]Document, error) {
	names := map[string]string{}
	values := map[string]types.AttributeValue{}
	expr := ""
	and := func(clause string) {
		if expr != "" {
			expr += " AND "
		}
		expr += clause
	}
	if q.Type != "" {
		names["#type"] = FieldType
		values[":type"] = &types.AttributeValueMemberS{Value: q.Type}
		and("#type = :type")
	}
	for i, f := range q.Filters {
		if f.Fold {
			continue
		}
		av, err := attributevalue.Marshal(f.Value)
		if err != nil {
			return nil, fmt.Errorf("marshal filter %s: %w", f.Field, err)
		}
		path := ""
		for j, seg := range splitPath(f.Field) {
			n := fmt.Sprintf("#f%d_%d", i, j)
			names[n] = seg
			if j > 0 {
				path += "."
			}
			path += n
		}
		v := fmt.Sprintf(":f%d", i)
		values[v] = av
		and(path + " = " + v)
	}

	input := &dynamodb.ScanInput{TableName: &d.table, ConsistentRead: aws.Bool(true)}
	if expr != "" {
		input.FilterExpression = &expr
		input.ExpressionAttributeNames = names
		input.ExpressionAttributeValues = values
	}

	var docs []Document
	paginator := dynamodb.NewScanPaginator(d.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("scan page failed: %w", err)
		}
		for _, it := range page.Items {
			doc, err := unmarshalItem(it)
			if err != nil {
				return nil, err
			}
			docs = append(docs, doc)
		}
	}
	return q.apply(docs), nil
}

func (d *DynamoStore) Patch(id string) *Patch {
	return NewPatch(id, d)
}

func (d *DynamoStore) CommitPatch(ctx context.Context, p *Patch, opts CommitOptions) (Document, error) {
	for attempt := 0; attempt < casAttempts; attempt++ {
		current, err := d.Get(ctx, p.ID())
		if err != nil {
			return nil, fmt.Errorf("patch: %w", err)
		}
		if rev := p.ExpectedRevision(); rev != "" && rev != current.Rev() {
			return nil, fmt.Errorf("patch %s: %w", p.ID(), ErrRevisionMismatch)
		}
		next, changed, err := applyPatch(current, p, opts)
		if err != nil {
			return nil, err
		}
		if !changed {
			return next, nil
		}
		stampUpdate(next, d.now())
		err = d.put(ctx, next, "#rev = :rev",
			map[string]string{"#rev": FieldRev},
			map[string]types.AttributeValue{":rev": &types.AttributeValueMemberS{Value: current.Rev()}})
		if err == nil {
			return next, nil
		}
		if !isConditionFailed(err) {
			return nil, err
		}
		if p.ExpectedRevision() != "" {
			return nil, fmt.Errorf("patch %s: %w", p.ID(), ErrRevisionMismatch)
		}
	}
	return nil, fmt.Errorf("patch %s: %w", p.ID(), ErrContention)
}

func (d *DynamoStore) put(ctx context.Context, doc Document, cond string, names map[string]string, values map[string]types.AttributeValue) error {
	item, err := attributevalue.MarshalMap(map[string]any(doc))
	if err != nil {
		return fmt.Errorf("marshal document %s: %w", doc.ID(), err)
	}
	input := &dynamodb.PutItemInput{TableName: &d.table, Item: item}
	if cond != "" {
		input.ConditionExpression = &cond
		input.ExpressionAttributeNames = names
		input.ExpressionAttributeValues = values
	}
	if _, err := d.client.PutItem(ctx, input); err != nil {
		return fmt.Errorf("dynamodb PutItem %s failed: %w", doc.ID(), err)
	}
	return nil
}

func unmarshalItem(item map[string]types.AttributeValue) (Document, error) {
	var doc map[string]any
	if err := attributevalue.UnmarshalMap(item, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal item: %w", err)
	}
	return Document(doc), nil
}

func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}
