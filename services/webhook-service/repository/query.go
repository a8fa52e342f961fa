package repository

import (
	"fmt"
	"sort"
	"strings"
)

// matches reports whether doc satisfies every filter of q.
func (q Query) matches(doc Document) bool {
	if q.Type != "" && doc.Type() != q.Type {
		return false
	}
	for _, f := range q.Filters {
		v, ok := lookup(doc, splitPath(f.Field))
		if !ok {
			return false
		}
		if f.Fold {
			s, isStr := v.(string)
			want, _ := f.Value.(string)
			if !isStr || !strings.EqualFold(s, want) {
				return false
			}
			continue
		}
		want, err := normalize(f.Value)
		if err != nil || fmt.Sprint(v) != fmt.Sprint(want) {
			return false
		}
	}
	return true
}

// apply filters, orders and limits docs in memory.
func (q Query) apply(docs []Document) []Document {
	out := make([]Document, 0, len(docs))
	for _, d := range docs {
		if q.matches(d) {
			out = append(out, d)
		}
	}
	if q.OrderBy != "" {
		sort.SliceStable(out, func(i, j int) bool {
			c := compareValues(out[i], out[j], q.OrderBy)
			if q.Descending {
				return c > 0
			}
			return c < 0
		})
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

func compareValues(a, b Document, field string) int {
	va, _ := lookup(a, splitPath(field))
	vb, _ := lookup(b, splitPath(field))
	fa, aNum := va.(float64)
	fb, bNum := vb.(float64)
	if aNum && bNum {
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		}
		return 0
	}
	return strings.Compare(fmt.Sprint(orEmpty(va)), fmt.Sprint(orEmpty(vb)))
}

func orEmpty(v any) any {
	if v == nil {
		return ""
	}
	return v
}
