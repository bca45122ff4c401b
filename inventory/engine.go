package inventory

import (
	"iter"

	"github.com/rogerhu/gdb-heap/glibc"
	"github.com/rogerhu/gdb-heap/inferior"
)

// A Categorizer inspects one block of used memory and, when it
// recognizes the contents, claims it. Categorizers run in priority
// order; the first to return true ends the chain for that block. A
// categorizer may additionally classify blocks referenced by the one
// it claimed, through Scan.SetAddrCategory.
type Categorizer interface {
	// Name identifies the categorizer in debug logs.
	Name() string

	// Categorize reports whether it recognized and claimed u.
	Categorize(s *Scan, u *Usage) bool
}

// A PostScanner runs once after every block has been categorized, for
// classifications that need the full inventory (e.g. finding the table
// behind a well-known global).
type PostScanner interface {
	PostScan(s *Scan)
}

// An Expander decomposes one allocation into finer-grained usages
// before categorization, e.g. a pymalloc arena into its blocks.
type Expander interface {
	// Expand returns the replacement usages and true, or nil and false
	// when u is not its kind of allocation.
	Expand(u *Usage) ([]*Usage, bool)
}

// Scan is the result of one pass over the heap: every live allocation,
// plus the bookkeeping categorization needs.
type Scan struct {
	Proc   inferior.Process
	Usages *UsageSet
}

// SetAddrCategory classifies the block starting at addr at the given
// refinement level, subject to the strictly-higher level rule. A
// categorizer that recursively chases references should instead call
// UsageSet.SetAddrCategory with its own visited set, to survive cyclic
// object graphs.
func (s *Scan) SetAddrCategory(addr uint64, cat Category, level int) bool {
	return s.Usages.SetAddrCategory(addr, cat, level, nil)
}

// claim marks u as recognized, with an optional domain object. The
// refinement level is left alone: a claim can still be superseded by a
// refinement from another block's categorization.
func (s *Scan) claim(u *Usage, cat Category, obj any) {
	u.Category = cat
	u.Obj = obj
}

// Engine drives scanning and categorization against one inferior.
type Engine struct {
	proc inferior.Process
	heap *glibc.Heap

	categorizers []Categorizer
	expanders    []Expander
	cache        *Cache
}

// NewEngine builds an engine with the default categorizer chain:
// CPython objects, GType instances, C++ objects by vtable, string
// data, and the uncategorized fallback. Categorizers whose runtime is
// not present in the inferior stay registered and simply never match.
func NewEngine(p inferior.Process, h *glibc.Heap) *Engine {
	e := &Engine{proc: p, heap: h, cache: NewCache()}
	resolver := inferior.NewCachingResolver(p)

	py := NewPythonCategorizer(p, resolver)
	e.categorizers = []Categorizer{
		py,
		NewGTypeCategorizer(p, resolver),
		NewCPlusPlusCategorizer(p),
		stringCategorizer{},
		fallbackCategorizer{},
	}
	if arena := NewPymallocExpander(p, resolver); arena != nil {
		e.expanders = append(e.expanders, arena)
	}
	return e
}

// AddCategorizer inserts c at the front of the chain, giving it
// priority over the defaults.
func (e *Engine) AddCategorizer(c Categorizer) {
	e.categorizers = append([]Categorizer{c}, e.categorizers...)
}

// Scan walks the heap and returns the live-allocation inventory.
// Results are cached against the inferior's state fingerprint when the
// process supports one, so repeated queries while the inferior is
// stopped do not re-walk.
func (e *Engine) Scan() (*Scan, error) {
	key, keyed := stateKey(e.proc)
	if keyed {
		if s, ok := e.cache.Lookup(key); ok {
			verbosef("scan cache hit (key %016x)", key)
			return s, nil
		}
	}

	var usages []*Usage
	for u := range e.rawUsages() {
		usages = append(usages, e.expand(u)...)
	}
	s := &Scan{
		Proc:   e.proc,
		Usages: NewUsageSet(usages),
	}
	logf("scan found %d used blocks", s.Usages.Len())
	if keyed {
		e.cache.Store(key, s)
	}
	return s, nil
}

// InvalidateCache drops any cached scan. Call after the inferior has
// been resumed and stopped again without a usable state fingerprint.
func (e *Engine) InvalidateCache() {
	e.cache.Invalidate()
}

// rawUsages yields one usage per in-use chunk, before expansion. The
// recorded size is the full chunk size, so totals account for the
// allocator's rounding.
func (e *Engine) rawUsages() iter.Seq[*Usage] {
	return func(yield func(*Usage) bool) {
		for c := range e.heap.Chunks() {
			inuse, err := c.InUse()
			if err != nil || !inuse {
				continue
			}
			if !yield(NewUsage(c.Mem(), c.Size())) {
				return
			}
		}
	}
}

func (e *Engine) expand(u *Usage) []*Usage {
	for _, x := range e.expanders {
		if sub, ok := x.Expand(u); ok {
			return sub
		}
	}
	return []*Usage{u}
}

// EnsureCategory categorizes u if nothing has claimed it yet.
func (e *Engine) EnsureCategory(s *Scan, u *Usage) {
	if u.Categorized() {
		return
	}
	for _, c := range e.categorizers {
		if c.Categorize(s, u) {
			verbosef("%s claimed 0x%x as %v", c.Name(), u.Start, u.Category)
			return
		}
	}
	// The fallback claims everything; reaching here is a bug.
	s.claim(u, Uncategorized(u.Size), nil)
}

// CategorizeAll categorizes every block in the scan, then runs the
// post-scan passes. Categorizing one block may refine others; blocks
// already claimed by such a refinement are left alone (refinement does
// not re-trigger categorization of the blocks it touches).
func (e *Engine) CategorizeAll(s *Scan) {
	for _, u := range s.Usages.All() {
		e.EnsureCategory(s, u)
	}
	for _, c := range e.categorizers {
		if p, ok := c.(PostScanner); ok {
			p.PostScan(s)
		}
	}
}

// HydrateHexdumps fills in the Hexdump field of every usage, reading
// up to 20 leading bytes of each block.
func (e *Engine) HydrateHexdumps(s *Scan) {
	for _, u := range s.Usages.All() {
		if u.Hexdump != "" {
			continue
		}
		n := u.Size
		if n > hexdumpWidth {
			n = hexdumpWidth
		}
		b, err := e.proc.ReadBytes(u.Start, n)
		if err != nil {
			continue
		}
		u.Hexdump = FormatHexdump(b)
	}
}
