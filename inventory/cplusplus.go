package inventory

import (
	"strings"

	"github.com/rogerhu/gdb-heap/inferior"
)

// CPlusPlusCategorizer recognizes C++ objects with virtual methods:
// the first word of such an object points into its class's vtable,
// whose symbol the toolchain names "vtable for <class>".
type CPlusPlusCategorizer struct {
	proc inferior.Process
}

// NewCPlusPlusCategorizer returns a vtable-based categorizer.
func NewCPlusPlusCategorizer(p inferior.Process) *CPlusPlusCategorizer {
	return &CPlusPlusCategorizer{proc: p}
}

func (c *CPlusPlusCategorizer) Name() string { return "C++" }

func (c *CPlusPlusCategorizer) Categorize(s *Scan, u *Usage) bool {
	if u.Size < uint64(c.proc.PointerSize()) {
		return false
	}
	vptr, err := inferior.ReadWord(c.proc, u.Start)
	if err != nil || vptr == 0 || !inferior.LooksLikePointer(vptr) {
		return false
	}
	sym, err := c.proc.SymbolAt(vptr)
	if err != nil {
		return false
	}
	class, ok := strings.CutPrefix(sym, "vtable for ")
	if !ok {
		return false
	}
	s.claim(u, Category{Domain: "C++", Kind: class}, nil)
	return true
}
