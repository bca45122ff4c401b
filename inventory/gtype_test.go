package inventory_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rogerhu/gdb-heap/inferior"
	"github.com/rogerhu/gdb-heap/internal/heaptest"
	"github.com/rogerhu/gdb-heap/inventory"
)

// gtypeFixture is a synthetic GLib inferior: the glibc heap fixture
// plus a static segment holding the type registry (TypeNodes, the
// quark string table, and the fundamental-type node array).
type gtypeFixture struct {
	*heaptest.Fixture
	next uint64

	quarkTable uint64
	seqAddr    uint64
	nextQuark  uint64
}

const gtypeStaticBase = 0x406000

func newGTypeFixture() *gtypeFixture {
	f := heaptest.New(1 << 20)
	p := f.Proc
	p.AddMemory(gtypeStaticBase, 0x10000)
	p.AddType(inferior.NewLayout("TypeNode", 24, []inferior.Field{
		{Name: "ref_count", Offset: 0, Size: 4},
		{Name: "qname", Offset: 8, Size: 4},
	}))

	g := &gtypeFixture{Fixture: f, next: gtypeStaticBase, nextQuark: 1}
	g.quarkTable = g.static(64 * 8)
	quarksGlobal := g.static(8)
	p.PutWord(quarksGlobal, g.quarkTable) // quarks: GQuark -> char*
	p.AddGlobal("quarks", quarksGlobal)
	g.seqAddr = g.static(8)
	p.PutUint(g.seqAddr, 4, 1) // quark_seq_id: quark 0 is reserved
	p.AddGlobal("quark_seq_id", g.seqAddr)
	return g
}

func (g *gtypeFixture) static(n uint64) uint64 {
	addr := g.next
	g.next += (n + 15) &^ 15
	return addr
}

// registerQuark interns a name and returns its quark.
func (g *gtypeFixture) registerQuark(name string) uint64 {
	str := g.static(uint64(len(name)) + 1)
	g.Proc.PutCString(str, name)
	q := g.nextQuark
	g.nextQuark++
	g.Proc.PutWord(g.quarkTable+q*8, str)
	g.Proc.PutUint(g.seqAddr, 4, g.nextQuark)
	return q
}

// typeNode writes a TypeNode whose qname resolves to name, returning
// the node's address (which doubles as the registered GType value).
func (g *gtypeFixture) typeNode(name string) uint64 {
	node := g.static(24)
	g.Proc.PutUint(node+8, 4, g.registerQuark(name))
	return node
}

// instance allocates a heap block whose first word points at a class
// structure carrying the given GType.
func (g *gtypeFixture) instance(gtype, size uint64) uint64 {
	klass := g.static(32)
	g.Proc.PutWord(klass, gtype)
	obj := g.Malloc(size)
	g.Proc.PutWord(obj, klass)
	return obj
}

func TestGTypeInstanceCategorization(t *testing.T) {
	g := newGTypeFixture()
	node := g.typeNode("GtkWindow")
	obj := g.instance(node, 128)
	g.Commit()

	e := newEngine(t, g.Fixture)
	s := scanAll(t, e)

	u := s.Usages.Get(obj)
	require.NotNil(t, u)
	assert.Equal(t, inventory.Category{Domain: "GType", Kind: "GtkWindow"}, u.Category)
}

func TestGTypeFundamentalTypeID(t *testing.T) {
	g := newGTypeFixture()
	node := g.typeNode("GObject")

	// Fundamental types carry a small ID, not a node address; the node
	// comes from static_fundamental_type_nodes[id >> 2].
	const gTypeObject = 20 << 2
	table := g.static(64 * 8)
	g.Proc.PutWord(table+(gTypeObject>>2)*8, node)
	g.Proc.AddGlobal("static_fundamental_type_nodes", table)

	obj := g.instance(gTypeObject, 64)
	g.Commit()

	e := newEngine(t, g.Fixture)
	s := scanAll(t, e)

	u := s.Usages.Get(obj)
	require.NotNil(t, u)
	assert.Equal(t, inventory.Category{Domain: "GType", Kind: "GObject"}, u.Category)
}

func TestGTypeRejectsOutOfRangeQuark(t *testing.T) {
	g := newGTypeFixture()
	// A node whose qname is past quark_seq_id is garbage that happened
	// to point into the registry, not a registered type.
	node := g.static(24)
	g.Proc.PutUint(node+8, 4, 57)
	obj := g.instance(node, 64)
	g.Commit()

	e := newEngine(t, g.Fixture)
	s := scanAll(t, e)

	u := s.Usages.Get(obj)
	require.NotNil(t, u)
	assert.Equal(t, "uncategorized", u.Category.Domain)
}
