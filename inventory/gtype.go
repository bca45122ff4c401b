package inventory

import (
	"github.com/rogerhu/gdb-heap/inferior"
)

// GTypeCategorizer recognizes GObject/GType instances. A GTypeInstance
// starts with a pointer to its class, whose first word is the GType: a
// TypeNode address for registered types, or a small fundamental-type
// ID resolved through GLib's static_fundamental_type_nodes table. The
// type's name is the quark string stored in the node's qname field.
type GTypeCategorizer struct {
	proc  inferior.Process
	types inferior.TypeResolver
}

// NewGTypeCategorizer returns a categorizer using GLib's type registry
// in the inferior. It matches nothing when the inferior is not linked
// against GLib.
func NewGTypeCategorizer(p inferior.Process, types inferior.TypeResolver) *GTypeCategorizer {
	return &GTypeCategorizer{proc: p, types: types}
}

func (g *GTypeCategorizer) Name() string { return "GType" }

// GLib reserves fundamental type IDs below (255 << 2); anything above
// is a TypeNode address (gtype.c: G_TYPE_FUNDAMENTAL_MAX).
const maxFundamentalGType = 255 << 2

func (g *GTypeCategorizer) Categorize(s *Scan, u *Usage) bool {
	ptrSize := uint64(g.proc.PointerSize())
	if u.Size < ptrSize {
		return false
	}
	klass, err := inferior.ReadWord(g.proc, u.Start)
	if err != nil || klass == 0 || !inferior.LooksLikePointer(klass) {
		return false
	}
	gtype, err := inferior.ReadWord(g.proc, klass)
	if err != nil {
		return false
	}
	node, ok := g.typeNode(gtype)
	if !ok {
		return false
	}
	name, ok := g.typeName(node)
	if !ok {
		return false
	}
	s.claim(u, Category{Domain: "GType", Kind: name}, nil)
	return true
}

// typeNode maps a GType value to its TypeNode address. The low two
// bits carry flags and are masked off.
func (g *GTypeCategorizer) typeNode(gtype uint64) (uint64, bool) {
	node := gtype &^ 3
	if node > maxFundamentalGType {
		return node, true
	}
	base, err := g.proc.LookupGlobal("static_fundamental_type_nodes")
	if err != nil {
		return 0, false
	}
	node, err = inferior.ReadWord(g.proc, base+(node>>2)*uint64(g.proc.PointerSize()))
	if err != nil || node == 0 {
		return 0, false
	}
	return node, true
}

// typeName reads the quark name of a TypeNode, validating the quark
// against GLib's quark table bounds. A random buffer misread as a node
// almost never passes both the bound check and the string read.
func (g *GTypeCategorizer) typeName(node uint64) (string, bool) {
	layout, err := g.types.LookupType("TypeNode")
	if err != nil {
		return "", false
	}
	qnameField, ok := layout.Field("qname")
	if !ok {
		return "", false
	}
	qname, err := inferior.ReadUint(g.proc, node+qnameField.Offset, qnameField.Size)
	if err != nil || qname == 0 {
		return "", false
	}

	seqAddr, err := g.proc.LookupGlobal("quark_seq_id")
	if err != nil {
		return "", false
	}
	seq, err := inferior.ReadUint(g.proc, seqAddr, 4)
	if err != nil || qname >= seq {
		return "", false
	}
	quarksAddr, err := g.proc.LookupGlobal("quarks")
	if err != nil {
		return "", false
	}
	table, err := inferior.ReadWord(g.proc, quarksAddr)
	if err != nil || table == 0 {
		return "", false
	}
	strPtr, err := inferior.ReadWord(g.proc, table+qname*uint64(g.proc.PointerSize()))
	if err != nil || strPtr == 0 {
		return "", false
	}
	name, err := inferior.ReadCString(g.proc, strPtr, 256)
	if err != nil || name == "" {
		return "", false
	}
	return name, true
}
