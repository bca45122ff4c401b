package inventory

import (
	"fmt"

	"github.com/rogerhu/gdb-heap/query"
)

// UsageRecord adapts one Usage to the query language. The category
// attributes (domain, kind, detail) force categorization of the block
// on first use, so "heap select size > 1000" stays cheap when no
// category attribute appears in the query.
type UsageRecord struct {
	engine *Engine
	scan   *Scan
	usage  *Usage
}

// Record wraps u for querying.
func (e *Engine) Record(s *Scan, u *Usage) *UsageRecord {
	return &UsageRecord{engine: e, scan: s, usage: u}
}

// Usage returns the underlying usage.
func (r *UsageRecord) Usage() *Usage { return r.usage }

// Attr implements query.Record.
func (r *UsageRecord) Attr(name string) (any, error) {
	switch name {
	case "addr", "start":
		return r.usage.Start, nil
	case "size":
		return r.usage.Size, nil
	case "domain":
		r.engine.EnsureCategory(r.scan, r.usage)
		return r.usage.Category.Domain, nil
	case "kind":
		r.engine.EnsureCategory(r.scan, r.usage)
		return r.usage.Category.Kind, nil
	case "detail":
		r.engine.EnsureCategory(r.scan, r.usage)
		return r.usage.Category.Detail, nil
	}
	return nil, fmt.Errorf("unknown attribute %q", name)
}

// Select returns the usages matching expr, in ascending start order.
func (e *Engine) Select(s *Scan, expr query.Expr) ([]*Usage, error) {
	var out []*Usage
	for _, u := range s.Usages.All() {
		ok, err := expr.Eval(e.Record(s, u))
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, u)
		}
	}
	return out, nil
}
