package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/google/uuid"
)

type opKind int

const (
	opSet opKind = iota
	opSetIfMissing
	opUnset
	opAppend
	opAppendIfAbsent
)

type patchOp struct {
	kind     opKind
	fields   map[string]any
	paths    []string
	path     string
	keyField string
	items    []any
}

type patchCommitter interface {
	CommitPatch(ctx context.Context, p *Patch, opts CommitOptions) (Document, error)
}

// Patch accumulates operations against one document. Operations are applied
// in the order they were added, so SetIfMissing defaults placed before a Set
// never clobber the Set.
type Patch struct {
	id         string
	ops        []patchOp
	ifRevision string
	store      patchCommitter
}

// NewPatch starts a patch that commits through store.
func NewPatch(id string, store patchCommitter) *Patch {
	return &Patch{id: id, store: store}
}

func (p *Patch) ID() string { return p.id }

func (p *Patch) Set(fields map[string]any) *Patch {
	p.ops = append(p.ops, patchOp{kind: opSet, fields: fields})
	return p
}

func (p *Patch) SetIfMissing(fields map[string]any) *Patch {
	p.ops = append(p.ops, patchOp{kind: opSetIfMissing, fields: fields})
	return p
}

func (p *Patch) Unset(paths ...string) *Patch {
	p.ops = append(p.ops, patchOp{kind: opUnset, paths: paths})
	return p
}

// Append adds items to the end of the array at path, creating it if needed.
func (p *Patch) Append(path string, items ...any) *Patch {
	p.ops = append(p.ops, patchOp{kind: opAppend, path: path, items: items})
	return p
}

// AppendIfAbsent appends only the items whose keyField value is not already
// present in the array at path.
func (p *Patch) AppendIfAbsent(path, keyField string, items ...any) *Patch {
	p.ops = append(p.ops, patchOp{kind: opAppendIfAbsent, path: path, keyField: keyField, items: items})
	return p
}

// IfRevision makes the commit fail with ErrRevisionMismatch unless the
// stored document is still at rev.
func (p *Patch) IfRevision(rev string) *Patch {
	p.ifRevision = rev
	return p
}

func (p *Patch) ExpectedRevision() string { return p.ifRevision }

func (p *Patch) Empty() bool { return len(p.ops) == 0 }

// Commit applies the patch through the store it was created from.
func (p *Patch) Commit(ctx context.Context, opts CommitOptions) (Document, error) {
	if p.store == nil {
		return nil, fmt.Errorf("%w: patch for %s is not bound to a store", ErrInvalidPatch, p.id)
	}
	return p.store.CommitPatch(ctx, p, opts)
}

// Rebind returns a copy of the patch that commits through store.
func (p *Patch) Rebind(store patchCommitter) *Patch {
	cp := *p
	cp.ops = append([]patchOp(nil), p.ops...)
	cp.store = store
	return &cp
}

// Paths lists every top-level field the patch may write.
func (p *Patch) Paths() []string {
	seen := map[string]bool{}
	var out []string
	add := func(path string) {
		top := splitPath(path)[0]
		if !seen[top] {
			seen[top] = true
			out = append(out, top)
		}
	}
	for _, op := range p.ops {
		for k := range op.fields {
			add(k)
		}
		for _, k := range op.paths {
			add(k)
		}
		if op.path != "" {
			add(op.path)
		}
	}
	return out
}

func newArrayKey() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

func newRevision() string {
	return uuid.NewString()
}

// applyPatch returns the result of applying p to a copy of current and
// whether any non-system field changed.
func applyPatch(current Document, p *Patch, opts CommitOptions) (Document, bool, error) {
	next, err := cloneDocument(current)
	if err != nil {
		return nil, false, err
	}
	for _, op := range p.ops {
		if err := op.apply(next, opts); err != nil {
			return nil, false, fmt.Errorf("patch %s: %w", p.id, err)
		}
	}
	return next, !sameContent(current, next), nil
}

func (op patchOp) apply(doc Document, opts CommitOptions) error {
	switch op.kind {
	case opSet, opSetIfMissing:
		for path, value := range op.fields {
			if err := checkWritable(path); err != nil {
				return err
			}
			v, err := normalize(value)
			if err != nil {
				return err
			}
			segs := splitPath(path)
			if op.kind == opSetIfMissing {
				if existing, ok := lookup(doc, segs); ok && existing != nil {
					continue
				}
			}
			assign(doc, segs, v)
		}
	case opUnset:
		for _, path := range op.paths {
			if err := checkWritable(path); err != nil {
				return err
			}
			remove(doc, splitPath(path))
		}
	case opAppend, opAppendIfAbsent:
		if err := checkWritable(op.path); err != nil {
			return err
		}
		segs := splitPath(op.path)
		var arr []any
		if existing, ok := lookup(doc, segs); ok && existing != nil {
			a, isArr := existing.([]any)
			if !isArr {
				return fmt.Errorf("%w: %s is not an array", ErrInvalidPatch, op.path)
			}
			arr = a
		}
		for _, item := range op.items {
			v, err := normalize(item)
			if err != nil {
				return err
			}
			if op.kind == opAppendIfAbsent {
				key := keyOf(v, op.keyField)
				if key == "" {
					return fmt.Errorf("%w: item appended to %s has no %s", ErrInvalidPatch, op.path, op.keyField)
				}
				if containsKey(arr, op.keyField, key) {
					continue
				}
			}
			if m, ok := v.(map[string]any); ok && opts.AutoGenerateArrayKeys {
				if k, _ := m[FieldKey].(string); k == "" {
					m[FieldKey] = newArrayKey()
				}
			}
			arr = append(arr, v)
		}
		if arr == nil {
			arr = []any{}
		}
		assign(doc, segs, arr)
	}
	return nil
}

// stampCreate fills the system fields of a new document.
func stampCreate(doc Document, now time.Time) (Document, error) {
	if err := validateNew(doc); err != nil {
		return nil, err
	}
	out, err := cloneDocument(doc)
	if err != nil {
		return nil, err
	}
	ts := now.UTC().Format(time.RFC3339Nano)
	out[FieldRev] = newRevision()
	out[FieldCreatedAt] = ts
	out[FieldUpdatedAt] = ts
	return out, nil
}

func stampUpdate(doc Document, now time.Time) {
	doc[FieldRev] = newRevision()
	doc[FieldUpdatedAt] = now.UTC().Format(time.RFC3339Nano)
}

func checkWritable(path string) error {
	switch splitPath(path)[0] {
	case "":
		return fmt.Errorf("%w: empty path", ErrInvalidPatch)
	case FieldID, FieldType, FieldRev, FieldCreatedAt, FieldUpdatedAt:
		return fmt.Errorf("%w: %s is a system field", ErrInvalidPatch, path)
	}
	return nil
}

func splitPath(path string) []string {
	return strings.Split(path, ".")
}

func lookup(m map[string]any, segs []string) (any, bool) {
	var cur any = m
	for _, s := range segs {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = obj[s]; !ok {
			return nil, false
		}
	}
	return cur, true
}

func assign(m map[string]any, segs []string, v any) {
	for _, s := range segs[:len(segs)-1] {
		next, ok := m[s].(map[string]any)
		if !ok {
			next = map[string]any{}
			m[s] = next
		}
		m = next
	}
	m[segs[len(segs)-1]] = v
}

func remove(m map[string]any, segs []string) {
	for _, s := range segs[:len(segs)-1] {
		next, ok := m[s].(map[string]any)
		if !ok {
			return
		}
		m = next
	}
	delete(m, segs[len(segs)-1])
}

func keyOf(v any, field string) string {
	m, ok := v.(map[string]any)
	if !ok {
		return ""
	}
	s, _ := m[field].(string)
	return s
}

func containsKey(arr []any, field, key string) bool {
	for _, item := range arr {
		if keyOf(item, field) == key {
			return true
		}
	}
	return false
}

// normalize converts an arbitrary value (structs, typed slices, ints) into
// the JSON-shaped form documents hold.
func normalize(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPatch, err)
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPatch, err)
	}
	return out, nil
}

func cloneDocument(doc Document) (Document, error) {
	if doc == nil {
		return Document{}, nil
	}
	v, err := normalize(map[string]any(doc))
	if err != nil {
		return nil, err
	}
	m, _ := v.(map[string]any)
	return Document(m), nil
}

// sameContent compares documents ignoring _rev and _updatedAt.
func sameContent(a, b Document) bool {
	strip := func(d Document) map[string]any {
		out := make(map[string]any, len(d))
		for k, v := range d {
			if k == FieldRev || k == FieldUpdatedAt {
				continue
			}
			out[k] = v
		}
		return out
	}
	return reflect.DeepEqual(strip(a), strip(b))
}
