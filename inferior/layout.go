package inferior

import "fmt"

// Field describes one field of a struct layout.
type Field struct {
	Name   string
	Offset uint64
	Size   uint64
}

// Layout describes the memory layout of one inferior type: its total
// size and the offset and size of each field. Layouts are read-only
// once constructed.
type Layout struct {
	Name   string
	Size   uint64
	Fields []Field

	byName map[string]int
}

// NewLayout constructs a Layout from a field list.
func NewLayout(name string, size uint64, fields []Field) *Layout {
	l := &Layout{Name: name, Size: size, Fields: fields}
	l.byName = make(map[string]int, len(fields))
	for i, f := range fields {
		l.byName[f.Name] = i
	}
	return l
}

// Field returns the named field.
func (l *Layout) Field(name string) (Field, bool) {
	i, ok := l.byName[name]
	if !ok {
		return Field{}, false
	}
	return l.Fields[i], true
}

// Offset returns the offset of the named field, failing if the layout
// has no such field (typically truncated debug metadata).
func (l *Layout) Offset(name string) (uint64, error) {
	f, ok := l.Field(name)
	if !ok {
		return 0, fmt.Errorf("type %s has no field %q", l.Name, name)
	}
	return f.Offset, nil
}

// CachingResolver wraps a TypeResolver with a lookup cache. Negative
// results (including errors) are cached too, so repeated lookups of a
// type the inferior does not have stay cheap.
//
// Layout lookups can be expensive (a DWARF walk per call), and the
// categorization engine looks up the same handful of types for every
// allocation, so callers are expected to wrap their resolver in one of
// these.
type CachingResolver struct {
	inner TypeResolver
	cache map[string]cachedLayout
}

type cachedLayout struct {
	layout *Layout
	err    error
}

// NewCachingResolver wraps inner with a cache.
func NewCachingResolver(inner TypeResolver) *CachingResolver {
	return &CachingResolver{
		inner: inner,
		cache: make(map[string]cachedLayout),
	}
}

// LookupType implements TypeResolver.
func (r *CachingResolver) LookupType(name string) (*Layout, error) {
	if c, ok := r.cache[name]; ok {
		return c.layout, c.err
	}
	l, err := r.inner.LookupType(name)
	r.cache[name] = cachedLayout{l, err}
	return l, err
}

// Invalidate drops all cached entries. Call when the inferior changes
// (new shared library loaded, different process attached).
func (r *CachingResolver) Invalidate() {
	r.cache = make(map[string]cachedLayout)
}
