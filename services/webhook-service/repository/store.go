package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrNotFound         = errors.New("document not found")
	ErrConflict         = errors.New("document already exists")
	ErrRevisionMismatch = errors.New("document revision mismatch")
	ErrContention       = errors.New("document changed concurrently; patch not applied")
	ErrInvalidPatch     = errors.New("invalid patch")
)

// System fields maintained by every backend.
const (
	FieldID        = "_id"
	FieldType      = "_type"
	FieldRev       = "_rev"
	FieldCreatedAt = "_createdAt"
	FieldUpdatedAt = "_updatedAt"
	FieldKey       = "_key"
)

// Document is a schemaless record. Numbers are float64, arrays []any and
// nested objects map[string]any, whichever backend produced it.
type Document map[string]any

func (d Document) ID() string   { s, _ := d[FieldID].(string); return s }
func (d Document) Type() string { s, _ := d[FieldType].(string); return s }
func (d Document) Rev() string  { s, _ := d[FieldRev].(string); return s }

// String returns the string at a dotted path, or "".
func (d Document) String(path string) string {
	v, ok := lookup(map[string]any(d), splitPath(path))
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// Filter matches Field == Value. Fold compares strings case-insensitively.
type Filter struct {
	Field string
	Value any
	Fold  bool
}

// Query selects documents of one type.
type Query struct {
	Type       string
	Filters    []Filter
	OrderBy    string
	Descending bool
	Limit      int
}

func (q Query) Where(field string, value any) Query {
	q.Filters = append(append([]Filter(nil), q.Filters...), Filter{Field: field, Value: value})
	return q
}

func (q Query) WhereFold(field, value string) Query {
	q.Filters = append(append([]Filter(nil), q.Filters...), Filter{Field: field, Value: value, Fold: true})
	return q
}

type CommitOptions struct {
	// AutoGenerateArrayKeys assigns a _key to appended objects that lack one.
	AutoGenerateArrayKeys bool
}

// DocumentStore is the record store contract consumed by the reconciler.
// Implementations must be safe for concurrent use; a patch is applied to a
// single document atomically.
type DocumentStore interface {
	Get(ctx context.Context, id string) (Document, error)
	Create(ctx context.Context, doc Document) (Document, error)
	// CreateIfNotExists returns created=false, and no error, when a document
	// with the same ID already exists.
	CreateIfNotExists(ctx context.Context, doc Document) (created bool, err error)
	CreateOrReplace(ctx context.Context, doc Document) (Document, error)
	Delete(ctx context.Context, id string) error
	Fetch(ctx context.Context, q Query) ([]Document, error)
	Patch(id string) *Patch
	CommitPatch(ctx context.Context, p *Patch, opts CommitOptions) (Document, error)
}

// ToDocument converts a tagged struct into a Document.
func ToDocument(v any) (Document, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal document: %w", err)
	}
	var doc Document
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal document: %w", err)
	}
	return doc, nil
}

// ToFields is ToDocument for patch field sets.
func ToFields(v any) (map[string]any, error) {
	doc, err := ToDocument(v)
	return map[string]any(doc), err
}

// FromDocument decodes doc into a tagged struct.
func FromDocument(doc Document, v any) error {
	b, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal document: %w", err)
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("decode document %s: %w", doc.ID(), err)
	}
	return nil
}

func validateNew(doc Document) error {
	if doc.ID() == "" {
		return fmt.Errorf("%w: document has no _id", ErrInvalidPatch)
	}
	if doc.Type() == "" {
		return fmt.Errorf("%w: document %s has no _type", ErrInvalidPatch, doc.ID())
	}
	return nil
}

func isConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}
