package repository

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore is an in-process DocumentStore for local runs and tests.
type MemoryStore struct {
	mu   sync.Mutex
	docs map[string]Document
	now  func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string]Document), now: time.Now}
}

func (s *MemoryStore) Get(ctx context.Context, id string) (Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[id]
	if !ok {
		return nil, fmt.Errorf("get %s: %w", id, ErrNotFound)
	}
	return cloneDocument(doc)
}

func (s *MemoryStore) Create(ctx context.Context, doc Document) (Document, error) {
	stamped, err := stampCreate(doc, s.now())
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.docs[stamped.ID()]; exists {
		return nil, fmt.Errorf("create %s: %w", stamped.ID(), ErrConflict)
	}
	s.docs[stamped.ID()] = stamped
	return cloneDocument(stamped)
}

func (s *MemoryStore) CreateIfNotExists(ctx context.Context, doc Document) (bool, error) {
	_, err := s.Create(ctx, doc)
	return createdOrExisting(err)
}

func (s *MemoryStore) CreateOrReplace(ctx context.Context, doc Document) (Document, error) {
	stamped, err := stampCreate(doc, s.now())
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.docs[stamped.ID()]; ok {
		stamped[FieldCreatedAt] = prev[FieldCreatedAt]
	}
	s.docs[stamped.ID()] = stamped
	return cloneDocument(stamped)
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.docs, id)
	return nil
}

func (s *MemoryStore) Fetch(ctx context.Context, q Query) ([]Document, error) {
	s.mu.Lock()
	all := make([]Document, 0, len(s.docs))
	for _, d := range s.docs {
		c, err := cloneDocument(d)
		if err != nil {
			s.mu.Unlock()
			return nil, err
		}
		all = append(all, c)
	}
	s.mu.Unlock()
	// map iteration order is random; make results deterministic before sorting
	all = Query{OrderBy: FieldID}.apply(all)
	return q.apply(all), nil
}

func (s *MemoryStore) Patch(id string) *Patch {
	return NewPatch(id, s)
}

func (s *MemoryStore) CommitPatch(ctx context.Context, p *Patch, opts CommitOptions) (Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.docs[p.ID()]
	if !ok {
		return nil, fmt.Errorf("patch %s: %w", p.ID(), ErrNotFound)
	}
	if rev := p.ExpectedRevision(); rev != "" && rev != current.Rev() {
		return nil, fmt.Errorf("patch %s: %w", p.ID(), ErrRevisionMismatch)
	}
	next, changed, err := applyPatch(current, p, opts)
	if err != nil {
		return nil, err
	}
	if changed {
		stampUpdate(next, s.now())
		s.docs[p.ID()] = next
	}
	return cloneDocument(next)
}

// Len reports how many documents are stored.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.docs)
}

func createdOrExisting(err error) (bool, error) {
	switch {
	case err == nil:
		return true, nil
	case isConflict(err):
		return false, nil
	default:
		return false, err
	}
}
