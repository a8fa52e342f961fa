package repository

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoStore keeps documents in one collection keyed by `_id`.
type MongoStore struct {
	coll *mongo.Collection
	now  func() time.Time
}

func NewMongoStore(coll *mongo.Collection) *MongoStore {
	return &MongoStore{coll: coll, now: time.Now}
}

// ConnectMongo opens a client and returns the named collection.
func ConnectMongo(ctx context.Context, uri, dbName, collection string) (*mongo.Client, *mongo.Collection, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, nil, fmt.Errorf("mongo connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, nil, fmt.Errorf("mongo ping: %w", err)
	}
	return client, client.Database(dbName).Collection(collection), nil
}

func (m *MongoStore) Get(ctx context.Context, id string) (Document, error) {
	var raw bson.M
	err := m.coll.FindOne(ctx, bson.M{FieldID: id}).Decode(&raw)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("get %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("mongo FindOne %s failed: %w", id, err)
	}
	return fromBSON(raw)
}

func (m *MongoStore) Create(ctx context.Context, doc Document) (Document, error) {
	stamped, err := stampCreate(doc, m.now())
	if err != nil {
		return nil, err
	}
	if _, err := m.coll.InsertOne(ctx, map[string]any(stamped)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nil, fmt.Errorf("create %s: %w", stamped.ID(), ErrConflict)
		}
		return nil, fmt.Errorf("mongo InsertOne %s failed: %w", stamped.ID(), err)
	}
	return stamped, nil
}

func (m *MongoStore) CreateIfNotExists(ctx context.Context, doc Document) (bool, error) {
	_, err := m.Create(ctx, doc)
	return createdOrExisting(err)
}

func (m *MongoStore) CreateOrReplace(ctx context.Context, doc Document) (Document, error) {
	stamped, err := stampCreate(doc, m.now())
	if err != nil {
		return nil, err
	}
	if prev, err := m.Get(ctx, stamped.ID()); err == nil {
		stamped[FieldCreatedAt] = prev[FieldCreatedAt]
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	_, err = m.coll.ReplaceOne(ctx, bson.M{FieldID: stamped.ID()}, map[string]any(stamped), options.Replace().SetUpsert(true))
	if err != nil {
		return nil, fmt.Errorf("mongo ReplaceOne %s failed: %w", stamped.ID(), err)
	}
	return stamped, nil
}

func (m *MongoStore) Delete(ctx context.Context, id string) error {
	if _, err := m.coll.DeleteOne(ctx, bson.M{FieldID: id}); err != nil {
		return fmt.Errorf("mongo DeleteOne %s failed: %w", id, err)
	}
	return nil
}

func (m *MongoStore) Fetch(ctx context.Context, q Query) ([]Document, error) {
	filter := bson.M{}
	if q.Type != "" {
		filter[FieldType] = q.Type
	}
	for _, f := range q.Filters {
		if f.Fold {
			s, _ := f.Value.(string)
			filter[f.Field] = primitive.Regex{Pattern: "^" + regexp.QuoteMeta(s) + "$", Options: "i"}
			continue
		}
		filter[f.Field] = f.Value
	}
	opts := options.Find()
	if q.OrderBy != "" {
		dir := 1
		if q.Descending {
			dir = -1
		}
		opts.SetSort(bson.D{{Key: q.OrderBy, Value: dir}, {Key: FieldID, Value: 1}})
	}
	if q.Limit > 0 {
		opts.SetLimit(int64(q.Limit))
	}

	cur, err := m.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("mongo find: %w", err)
	}
	defer cur.Close(ctx)

	var docs []Document
	for cur.Next(ctx) {
		var raw bson.M
		if err := cur.Decode(&raw); err != nil {
			return nil, fmt.Errorf("decode document: %w", err)
		}
		doc, err := fromBSON(raw)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("cursor error: %w", err)
	}
	return docs, nil
}

func (m *MongoStore) Patch(id string) *Patch {
	return NewPatch(id, m)
}

func (m *MongoStore) CommitPatch(ctx context.Context, p *Patch, opts CommitOptions) (Document, error) {
	for attempt := 0; attempt < casAttempts; attempt++ {
		current, err := m.Get(ctx, p.ID())
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
		stampUpdate(next, m.now())
		res, err := m.coll.ReplaceOne(ctx, bson.M{FieldID: p.ID(), FieldRev: current.Rev()}, map[string]any(next))
		if err != nil {
			return nil, fmt.Errorf("mongo ReplaceOne %s failed: %w", p.ID(), err)
		}
		if res.MatchedCount == 1 {
			return next, nil
		}
		if p.ExpectedRevision() != "" {
			return nil, fmt.Errorf("patch %s: %w", p.ID(), ErrRevisionMismatch)
		}
	}
	return nil, fmt.Errorf("patch %s: %w", p.ID(), ErrContention)
}

// fromBSON flattens driver types (primitive.M, primitive.A, int32/int64)
// into the JSON shapes every backend returns.
func fromBSON(raw bson.M) (Document, error) {
	v, err := normalize(map[string]any(raw))
	if err != nil {
		return nil, err
	}
	m, _ := v.(map[string]any)
	return Document(m), nil
}
