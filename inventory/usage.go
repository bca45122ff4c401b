package inventory

import (
	"fmt"
	"sort"
	"strings"
)

// Category classifies one allocation. Domain is the broad owner
// ("python", "C++", "GType", "C", "pyarena", "uncategorized"), Kind the
// type within that domain, Detail an optional free-form refinement.
type Category struct {
	Domain string
	Kind   string
	Detail string
}

// Uncategorized returns the fallback category for a block of n bytes
// that no categorizer recognized.
func Uncategorized(n uint64) Category {
	return Category{Domain: "uncategorized", Detail: fmt.Sprintf("%d bytes", n)}
}

func (c Category) String() string {
	if c.Detail == "" {
		return fmt.Sprintf("%s:%s", c.Domain, c.Kind)
	}
	return fmt.Sprintf("%s:%s:%s", c.Domain, c.Kind, c.Detail)
}

// Usage records one region of used memory: where it starts, how large
// it is, and what it holds. Size is the full chunk size, including the
// allocator's rounding, so that totals account for every byte the
// allocator handed out.
type Usage struct {
	Start uint64
	Size  uint64

	// Category is set by categorization. Level is the refinement level:
	// -1 until a refinement writes one, so a plain claim can still be
	// overridden by a level-0 refinement, but a refinement is only
	// replaced by one with a strictly higher level.
	Category Category
	Level    int

	// Hexdump caches a rendering of the block's leading bytes, for
	// reports that show raw content.
	Hexdump string

	// Obj optionally holds a domain object produced by the categorizer
	// that recognized the block (e.g. a CPython object wrapper).
	Obj any
}

// NewUsage returns an uncategorized Usage for [start, start+size).
func NewUsage(start, size uint64) *Usage {
	return &Usage{Start: start, Size: size, Level: -1}
}

// Categorized reports whether any categorizer has claimed the block.
func (u *Usage) Categorized() bool { return u.Category != Category{} }

// End returns the first address past the block.
func (u *Usage) End() uint64 { return u.Start + u.Size }

func (u *Usage) String() string {
	if !u.Categorized() {
		return fmt.Sprintf("0x%x -> 0x%x %d bytes", u.Start, u.End()-1, u.Size)
	}
	return fmt.Sprintf("0x%x -> 0x%x %d bytes %v", u.Start, u.End()-1, u.Size, u.Category)
}

// UsageSet indexes Usage records by start address.
type UsageSet struct {
	byStart map[uint64]*Usage
}

// NewUsageSet builds a set from a slice of usages.
func NewUsageSet(usages []*Usage) *UsageSet {
	s := &UsageSet{byStart: make(map[uint64]*Usage, len(usages))}
	for _, u := range usages {
		s.byStart[u.Start] = u
	}
	return s
}

// Get returns the usage starting exactly at addr, or nil.
func (s *UsageSet) Get(addr uint64) *Usage {
	return s.byStart[addr]
}

// Len returns the number of usages in the set.
func (s *UsageSet) Len() int { return len(s.byStart) }

// All returns the usages in ascending start order.
func (s *UsageSet) All() []*Usage {
	out := make([]*Usage, 0, len(s.byStart))
	for _, u := range s.byStart {
		out = append(out, u)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Start < out[k].Start })
	return out
}

// SetAddrCategory categorizes the block starting at addr, if one
// exists. The write is accepted only when level is strictly higher
// than the block's current level, so earlier (more specific) claims at
// the same level win. When visited is non-nil, an address already in
// it is refused and otherwise recorded, which keeps cyclic object
// graphs from recursing forever. Returns whether the write took
// effect.
func (s *UsageSet) SetAddrCategory(addr uint64, cat Category, level int, visited map[uint64]bool) bool {
	if visited != nil {
		if visited[addr] {
			return false
		}
		visited[addr] = true
	}
	u := s.byStart[addr]
	if u == nil {
		return false
	}
	if level <= u.Level {
		return false
	}
	u.Category = cat
	u.Level = level
	return true
}

// hexdumpWidth is how many leading bytes of a block reports show.
const hexdumpWidth = 20

// FormatHexdump renders up to hexdumpWidth bytes as hex pairs followed
// by a |chars| gutter, with '.' standing in for non-printable bytes.
func FormatHexdump(b []byte) string {
	if len(b) > hexdumpWidth {
		b = b[:hexdumpWidth]
	}
	var hex, chars strings.Builder
	for i, c := range b {
		if i > 0 {
			hex.WriteByte(' ')
		}
		fmt.Fprintf(&hex, "%02x", c)
		if c >= 0x20 && c < 0x7f {
			chars.WriteByte(c)
		} else {
			chars.WriteByte('.')
		}
	}
	return fmt.Sprintf("%-*s |%s|", hexdumpWidth*3-1, hex.String(), chars.String())
}
