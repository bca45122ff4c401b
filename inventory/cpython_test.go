package inventory_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rogerhu/gdb-heap/inferior"
	"github.com/rogerhu/gdb-heap/internal/heaptest"
	"github.com/rogerhu/gdb-heap/inventory"
)

// pyFixture is a synthetic CPython inferior: the glibc heap fixture
// plus libpython's type layouts and a static segment holding type
// objects and their name strings.
type pyFixture struct {
	*heaptest.Fixture
	next uint64 // bump allocator within the static segment
}

const pyStaticBase = 0x404000

// Field offsets used when writing objects in tests (matching the
// layouts registered below).
const (
	pyOffObType      = 8
	pyOffDictMaTable = 16
	pyOffListObItem  = 24
	pyOffCodeCoCode  = 16
	pyGCHeadSize     = 24
)

func newPyFixture() *pyFixture {
	f := heaptest.New(1 << 20)
	p := f.Proc
	p.AddMemory(pyStaticBase, 0x10000)

	field := func(name string, off, size uint64) inferior.Field {
		return inferior.Field{Name: name, Offset: off, Size: size}
	}
	obj := []inferior.Field{field("ob_refcnt", 0, 8), field("ob_type", 8, 8)}
	p.AddType(inferior.NewLayout("PyObject", 16, obj))
	p.AddType(inferior.NewLayout("PyVarObject", 24, append(obj[:2:2], field("ob_size", 16, 8))))
	p.AddType(inferior.NewLayout("PyTypeObject", 96, []inferior.Field{
		field("ob_refcnt", 0, 8), field("ob_type", 8, 8), field("ob_size", 16, 8),
		field("tp_name", 24, 8), field("tp_basicsize", 32, 8), field("tp_itemsize", 40, 8),
		field("tp_flags", 48, 8), field("tp_dictoffset", 56, 8),
		field("tp_del", 64, 8), field("tp_mro", 72, 8), field("tp_init", 80, 8), field("tp_getset", 88, 8),
	}))
	p.AddType(inferior.NewLayout("PyGC_Head", pyGCHeadSize, []inferior.Field{
		field("gc_next", 0, 8), field("gc_prev", 8, 8), field("gc_refs", 16, 8),
	}))
	p.AddType(inferior.NewLayout("PyDictObject", 48, append(obj[:2:2], field("ma_table", pyOffDictMaTable, 8))))
	p.AddType(inferior.NewLayout("PyListObject", 32, []inferior.Field{
		field("ob_refcnt", 0, 8), field("ob_type", 8, 8), field("ob_size", 16, 8),
		field("ob_item", pyOffListObItem, 8),
	}))
	p.AddType(inferior.NewLayout("PySetObject", 32, append(obj[:2:2], field("table", 16, 8))))
	p.AddType(inferior.NewLayout("PyCodeObject", 48, append(obj[:2:2], field("co_code", pyOffCodeCoCode, 8))))
	p.AddType(inferior.NewLayout("PyStringObject", 40, []inferior.Field{
		field("ob_refcnt", 0, 8), field("ob_type", 8, 8), field("ob_size", 16, 8),
		field("ob_sval", 24, 8),
	}))
	p.AddType(inferior.NewLayout("PyUnicodeObject", 32, append(obj[:2:2], field("str", 16, 8))))
	p.AddType(inferior.NewLayout("PyInstanceObject", 32, []inferior.Field{
		field("ob_refcnt", 0, 8), field("ob_type", 8, 8),
		field("in_class", 16, 8), field("in_dict", 24, 8),
	}))
	p.AddType(inferior.NewLayout("PyClassObject", 48, append(obj[:2:2], field("cl_name", 16, 8))))

	return &pyFixture{Fixture: f, next: pyStaticBase}
}

func (f *pyFixture) static(n uint64) uint64 {
	addr := f.next
	f.next += (n + 15) &^ 15
	return addr
}

func (f *pyFixture) cstring(s string) uint64 {
	addr := f.static(uint64(len(s)) + 1)
	f.Proc.PutCString(addr, s)
	return addr
}

// typeObject writes a plausible PyTypeObject into the static segment.
// The pointer-validity slots (tp_del etc) are left NULL, which passes
// the sniffer's checks.
func (f *pyFixture) typeObject(name string, flags uint64) uint64 {
	addr := f.static(96)
	f.Proc.PutWord(addr, 1)                    // ob_refcnt
	f.Proc.PutWord(addr+24, f.cstring(name))   // tp_name
	f.Proc.PutUint(addr+48, 8, flags)          // tp_flags
	return addr
}

// object allocates a heap block holding a PyObject of the given type.
func (f *pyFixture) object(typeAddr, size uint64) uint64 {
	mem := f.Malloc(size)
	f.Proc.PutWord(mem, 1) // ob_refcnt
	f.Proc.PutWord(mem+pyOffObType, typeAddr)
	return mem
}

// gcObject allocates a heap block holding PyGC_Head + PyObject,
// returning (block start, object address).
func (f *pyFixture) gcObject(typeAddr, size uint64) (uint64, uint64) {
	mem := f.Malloc(size + pyGCHeadSize)
	f.Proc.PutUint(mem+16, 8, uint64(0xfffffffffffffffd)) // gc_refs = -3, reachable
	obj := mem + pyGCHeadSize
	f.Proc.PutWord(obj, 1)
	f.Proc.PutWord(obj+pyOffObType, typeAddr)
	return mem, obj
}

func TestPythonObjectCategorization(t *testing.T) {
	f := newPyFixture()
	strType := f.typeObject("str", 0)
	s1 := f.object(strType, 40)
	s2 := f.object(strType, 56)
	f.Commit()

	e := newEngine(t, f.Fixture)
	s := scanAll(t, e)

	for _, addr := range []uint64{s1, s2} {
		u := s.Usages.Get(addr)
		require.NotNil(t, u)
		assert.Equal(t, inventory.Category{Domain: "python", Kind: "str"}, u.Category)
		obj, ok := u.Obj.(*inventory.PyObject)
		require.True(t, ok)
		assert.Equal(t, addr, obj.Addr)
		assert.Equal(t, "str", obj.TypeName)
	}
}

func TestPythonGCTrackedObject(t *testing.T) {
	f := newPyFixture()
	tupleType := f.typeObject("tuple", 0)
	block, obj := f.gcObject(tupleType, 64)
	f.Commit()

	e := newEngine(t, f.Fixture)
	s := scanAll(t, e)

	u := s.Usages.Get(block)
	require.NotNil(t, u)
	assert.Equal(t, "python", u.Category.Domain)
	assert.Equal(t, "tuple", u.Category.Kind)
	pyobj := u.Obj.(*inventory.PyObject)
	assert.Equal(t, obj, pyobj.Addr, "the PyObject sits after the GC header")
}

func TestPythonDictRefinesEntryTable(t *testing.T) {
	f := newPyFixture()
	dictType := f.typeObject("dict", 1<<29) // Py_TPFLAGS_DICT_SUBCLASS
	table := f.Malloc(256)
	dict := f.object(dictType, 48)
	f.Commit()
	f.Proc.PutWord(dict+pyOffDictMaTable, table)

	e := newEngine(t, f.Fixture)
	s := scanAll(t, e)

	u := s.Usages.Get(dict)
	require.NotNil(t, u)
	assert.Equal(t, "dict", u.Category.Kind)

	// The entry table was claimed through the dict, not by sniffing.
	tu := s.Usages.Get(table)
	require.NotNil(t, tu)
	assert.Equal(t, inventory.Category{Domain: "cpython", Kind: "PyDictEntry table"}, tu.Category)
	assert.Equal(t, 0, tu.Level)
}

func TestPythonListRefinesItemTable(t *testing.T) {
	f := newPyFixture()
	listType := f.typeObject("list", 0)
	items := f.Malloc(512)
	list := f.object(listType, 40)
	f.Commit()
	f.Proc.PutWord(list+pyOffListObItem, items)

	e := newEngine(t, f.Fixture)
	s := scanAll(t, e)

	iu := s.Usages.Get(items)
	require.NotNil(t, iu)
	assert.Equal(t, "PyListObject ob_item table", iu.Category.Kind)
}

func TestPythonCodeBytecode(t *testing.T) {
	f := newPyFixture()
	codeType := f.typeObject("code", 0)
	bytecode := f.Malloc(128)
	code := f.object(codeType, 48)
	f.Commit()
	f.Proc.PutWord(code+pyOffCodeCoCode, bytecode)

	e := newEngine(t, f.Fixture)
	s := scanAll(t, e)

	bu := s.Usages.Get(bytecode)
	require.NotNil(t, bu)
	assert.Equal(t, inventory.Category{Domain: "python", Kind: "str", Detail: "bytecode"}, bu.Category)
	assert.Equal(t, 1, bu.Level)
}

func TestInternedDictPostScan(t *testing.T) {
	f := newPyFixture()
	dictType := f.typeObject("dict", 1<<29)
	table := f.Malloc(4096)
	dict := f.object(dictType, 48)
	f.Commit()
	f.Proc.PutWord(dict+pyOffDictMaTable, table)

	// The global points at the interned-strings dict.
	global := f.static(8)
	f.Proc.PutWord(global, dict)
	f.Proc.AddGlobal("interned", global)

	e := newEngine(t, f.Fixture)
	s := scanAll(t, e)

	// The post-scan pass upgrades the generic entry-table category
	// (level 0) with the interned detail (level 1).
	tu := s.Usages.Get(table)
	require.NotNil(t, tu)
	assert.Equal(t, "interned", tu.Category.Detail)
	assert.Equal(t, 1, tu.Level)
}

func TestOldStyleInstanceRefinement(t *testing.T) {
	f := newPyFixture()
	instType := f.typeObject("instance", 0)
	dictType := f.typeObject("dict", 1<<29)

	// The class lives in static memory; its cl_name is a PyString.
	clName := f.static(40)
	f.Proc.PutCString(clName+24, "Widget") // ob_sval
	class := f.static(48)
	f.Proc.PutWord(class+16, clName)

	table := f.Malloc(256)
	dictBlock, dictObj := f.gcObject(dictType, 48)
	inst := f.object(instType, 48)
	f.Commit()
	f.Proc.PutWord(dictObj+pyOffDictMaTable, table)
	f.Proc.PutWord(inst+16, class)   // in_class
	f.Proc.PutWord(inst+24, dictObj) // in_dict

	e := newEngine(t, f.Fixture)
	s := scanAll(t, e)

	// The instance reports its class name, not the generic "instance".
	u := s.Usages.Get(inst)
	require.NotNil(t, u)
	assert.Equal(t, inventory.Category{Domain: "python", Kind: "Widget", Detail: "old-style"}, u.Category)

	// Its in_dict was upgraded from the sniffer's plain "dict" claim,
	// and the dict's entry table sits one level above that.
	du := s.Usages.Get(dictBlock)
	require.NotNil(t, du)
	assert.Equal(t, inventory.Category{Domain: "cpython", Kind: "PyDictObject", Detail: "Widget.__dict__"}, du.Category)
	assert.Equal(t, 1, du.Level)

	tu := s.Usages.Get(table)
	require.NotNil(t, tu)
	assert.Equal(t, inventory.Category{Domain: "cpython", Kind: "PyDictEntry table", Detail: "Widget.__dict__"}, tu.Category)
	assert.Equal(t, 2, tu.Level)
}

func TestIntBlockListPostScan(t *testing.T) {
	f := newPyFixture()
	f.Proc.AddType(inferior.NewLayout("PyIntBlock", 1000, []inferior.Field{
		{Name: "next", Offset: 0, Size: 8},
	}))

	b1 := f.Malloc(1000)
	b2 := f.Malloc(1000)
	f.Commit()
	// block_list -> b2 -> b1 -> b2: the list head plus a cycle, which
	// the walk must survive.
	f.Proc.PutWord(b2, b1)
	f.Proc.PutWord(b1, b2)
	global := f.static(8)
	f.Proc.PutWord(global, b2)
	f.Proc.AddGlobal("block_list", global)

	e := newEngine(t, f.Fixture)
	s := scanAll(t, e)

	for _, addr := range []uint64{b1, b2} {
		u := s.Usages.Get(addr)
		require.NotNil(t, u)
		assert.Equal(t, inventory.Category{Domain: "cpython", Kind: "_intblock"}, u.Category)
	}
}

func TestMutuallyReferencingObjectsTerminate(t *testing.T) {
	f := newPyFixture()
	dictType := f.typeObject("dict", 1<<29)
	a := f.object(dictType, 48)
	b := f.object(dictType, 48)
	f.Commit()
	// Each dict's entry table points at the other dict's block.
	f.Proc.PutWord(a+pyOffDictMaTable, b)
	f.Proc.PutWord(b+pyOffDictMaTable, a)

	e := newEngine(t, f.Fixture)
	s := scanAll(t, e)

	// Categorization terminates and both blocks are categorized: the
	// lower block is sniffed first, its refinement claims the other,
	// and refinement does not re-trigger from a refined block.
	au := s.Usages.Get(a)
	require.NotNil(t, au)
	assert.Equal(t, "dict", au.Category.Kind)
	bu := s.Usages.Get(b)
	require.NotNil(t, bu)
	assert.Equal(t, inventory.Category{Domain: "cpython", Kind: "PyDictEntry table"}, bu.Category)
}

func TestNonPythonBlocksAreNotClaimed(t *testing.T) {
	f := newPyFixture()
	// A block whose first word is a huge value fails the refcount
	// check; one pointing at unreadable "type" memory fails too.
	junk := f.Malloc(64)
	f.Commit()
	f.Proc.PutWord(junk, 0xdeadbeefdeadbeef)

	e := newEngine(t, f.Fixture)
	s := scanAll(t, e)

	u := s.Usages.Get(junk)
	require.NotNil(t, u)
	assert.Equal(t, "uncategorized", u.Category.Domain)
}
