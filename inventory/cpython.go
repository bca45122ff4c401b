package inventory

import (
	"fmt"

	"github.com/rogerhu/gdb-heap/inferior"
)

// CPython type flags (Include/object.h).
const (
	pyTPFlagsHeapType        = 1 << 9
	pyTPFlagsUnicodeSubclass = 1 << 28
	pyTPFlagsDictSubclass    = 1 << 29
)

// gc_refs value of a tracked, reachable object (Modules/gcmodule.c).
const pyGCRefsReachable = -3

// PyObject describes a CPython object recognized inside an allocation.
// Addr is the PyObject's own address, which is past the block start
// when the allocation begins with a PyGC_Head.
type PyObject struct {
	Addr     uint64
	TypeName string
}

func (o *PyObject) String() string {
	return fmt.Sprintf("<%s at 0x%x>", o.TypeName, o.Addr)
}

// PythonCategorizer recognizes CPython objects by sanity-checking the
// candidate's ob_refcnt and ob_type fields, and refines the buffers
// well-known object kinds point at (a dict's entry table, a list's
// ob_item array, a code object's bytecode string, and so on).
type PythonCategorizer struct {
	proc  inferior.Process
	types inferior.TypeResolver
}

// NewPythonCategorizer returns a categorizer for CPython inferiors. It
// matches nothing when the inferior is not linked against libpython.
func NewPythonCategorizer(p inferior.Process, types inferior.TypeResolver) *PythonCategorizer {
	return &PythonCategorizer{proc: p, types: types}
}

func (pc *PythonCategorizer) Name() string { return "python" }

func (pc *PythonCategorizer) Categorize(s *Scan, u *Usage) bool {
	obj := pc.asPythonObject(u.Start)
	if obj == nil {
		return false
	}
	switch {
	case obj.TypeName == "instance":
		// Old-style class instance: the class name is more useful than
		// the generic type name.
		clName, ok := pc.oldStyleClassName(obj.Addr)
		if !ok {
			s.claim(u, Category{Domain: "python", Kind: obj.TypeName}, obj)
			return true
		}
		s.claim(u, Category{Domain: "python", Kind: clName, Detail: "old-style"}, obj)
		pc.refineOldStyleInstance(s, obj.Addr, clName)
	default:
		s.claim(u, Category{Domain: "python", Kind: obj.TypeName}, obj)
		pc.refineRefs(s, obj)
	}
	return true
}

// refineRefs classifies the auxiliary buffers owned by the recognized
// object.
func (pc *PythonCategorizer) refineRefs(s *Scan, obj *PyObject) {
	flags, ok := pc.typeFlags(obj.Addr)
	if ok && flags&pyTPFlagsHeapType != 0 {
		pc.refineHeapTypeInstance(s, obj)
		return
	}
	switch {
	case ok && flags&pyTPFlagsDictSubclass != 0:
		pc.refineDict(s, obj.Addr, "", 0)
	case ok && flags&pyTPFlagsUnicodeSubclass != 0:
		if str, err := pc.readPtrField(obj.Addr, "PyUnicodeObject", "str"); err == nil {
			s.SetAddrCategory(str, Category{Domain: "cpython", Kind: "PyUnicodeObject buffer"}, 0)
		}
	case obj.TypeName == "list":
		if items, err := pc.readPtrField(obj.Addr, "PyListObject", "ob_item"); err == nil {
			s.SetAddrCategory(items, Category{Domain: "cpython", Kind: "PyListObject ob_item table"}, 0)
		}
	case obj.TypeName == "set" || obj.TypeName == "frozenset":
		if table, err := pc.readPtrField(obj.Addr, "PySetObject", "table"); err == nil {
			s.SetAddrCategory(table, Category{Domain: "cpython", Kind: "PySetObject setentry table"}, 0)
		}
	case obj.TypeName == "code":
		if code, err := pc.readPtrField(obj.Addr, "PyCodeObject", "co_code"); err == nil {
			s.SetAddrCategory(code, Category{Domain: "python", Kind: "str", Detail: "bytecode"}, 1)
		}
	}
}

// refineDict classifies a dict's PyDictEntry table at the given level.
func (pc *PythonCategorizer) refineDict(s *Scan, dictAddr uint64, detail string, level int) {
	table, err := pc.readPtrField(dictAddr, "PyDictObject", "ma_table")
	if err != nil {
		return
	}
	s.SetAddrCategory(table, Category{Domain: "cpython", Kind: "PyDictEntry table", Detail: detail}, level)
}

// refineHeapTypeInstance classifies the attribute dict of an instance
// of a heap-allocated type, plus that dict's entry table. The dict is
// marked at its allocation address (the PyGC_Head in front of it).
func (pc *PythonCategorizer) refineHeapTypeInstance(s *Scan, obj *PyObject) {
	dict, ok := pc.attrDict(obj.Addr)
	if !ok {
		return
	}
	detail := obj.TypeName + ".__dict__"
	gcAddr, ok := pc.objAddrToGCAddr(dict)
	if ok {
		s.SetAddrCategory(gcAddr, Category{Domain: "python", Kind: "dict", Detail: detail}, 1)
	}
	pc.refineDict(s, dict, detail, 1)
}

// refineOldStyleInstance classifies the instance's in_dict (at its
// allocation address) and the dict's entry table.
func (pc *PythonCategorizer) refineOldStyleInstance(s *Scan, objAddr uint64, clName string) {
	inDict, err := pc.readPtrField(objAddr, "PyInstanceObject", "in_dict")
	if err != nil || inDict == 0 {
		return
	}
	detail := clName + ".__dict__"
	if gcAddr, ok := pc.objAddrToGCAddr(inDict); ok {
		s.SetAddrCategory(gcAddr, Category{Domain: "cpython", Kind: "PyDictObject", Detail: detail}, 1)
	}
	pc.refineDict(s, inDict, detail, 2)
}

// PostScan handles classifications keyed off well-known globals: the
// interned-strings dict's entry table, and intobject.c's block_list of
// arena blocks for the small-int allocator.
func (pc *PythonCategorizer) PostScan(s *Scan) {
	if addr, err := pc.proc.LookupGlobal("interned"); err == nil {
		if dict, err := inferior.ReadWord(pc.proc, addr); err == nil && dict != 0 {
			if table, err := pc.readPtrField(dict, "PyDictObject", "ma_table"); err == nil {
				s.SetAddrCategory(table, Category{Domain: "cpython", Kind: "PyDictEntry table", Detail: "interned"}, 1)
			}
		}
	}

	if _, err := pc.types.LookupType("PyIntBlock"); err == nil {
		if addr, err := pc.proc.LookupGlobal("block_list"); err == nil {
			nextOff := uint64(0) // PyIntBlock.next is its first member
			if l, err := pc.types.LookupType("PyIntBlock"); err == nil {
				if f, ok := l.Field("next"); ok {
					nextOff = f.Offset
				}
			}
			seen := make(map[uint64]bool)
			block, err := inferior.ReadWord(pc.proc, addr)
			for err == nil && block != 0 && !seen[block] {
				seen[block] = true
				s.SetAddrCategory(block, Category{Domain: "cpython", Kind: "_intblock"}, 0)
				block, err = inferior.ReadWord(pc.proc, block+nextOff)
			}
		}
	}
}

// asPythonObject decides whether the allocation at addr holds a
// PyObject, either directly or behind a PyGC_Head.
func (pc *PythonCategorizer) asPythonObject(addr uint64) *PyObject {
	gcHead, err := pc.types.LookupType("PyGC_Head")
	if err != nil {
		return nil // not linked against python
	}
	if obj := pc.asPyObjectPtr(addr); obj != nil {
		return obj
	}
	// Maybe a GC-tracked type: a PyGC_Head in front of the object.
	refs, err := pc.readGCRefs(addr, gcHead)
	if err != nil || refs != pyGCRefsReachable {
		return nil
	}
	return pc.asPyObjectPtr(addr + gcHead.Size)
}

// readGCRefs reads PyGC_Head.gc.gc_refs as a signed value.
func (pc *PythonCategorizer) readGCRefs(addr uint64, gcHead *inferior.Layout) (int64, error) {
	off := 2 * uint64(pc.proc.PointerSize()) // after gc_next, gc_prev
	if f, ok := gcHead.Field("gc_refs"); ok {
		off = f.Offset
	}
	v, err := inferior.ReadWord(pc.proc, addr+off)
	if err != nil {
		return 0, err
	}
	return asSigned(v, pc.proc.PointerSize()), nil
}

// asPyObjectPtr sanity-checks addr as a PyObject*: a small
// non-negative refcount, an ob_type whose own refcount and ob_size are
// small, and plausible pointers in a handful of the type's slots. A
// random buffer essentially never passes all of these.
func (pc *PythonCategorizer) asPyObjectPtr(addr uint64) *PyObject {
	pyObject, err := pc.types.LookupType("PyObject")
	if err != nil {
		return nil
	}
	typeLayout, err := pc.types.LookupType("PyTypeObject")
	if err != nil {
		return nil
	}
	varLayout, err := pc.types.LookupType("PyVarObject")
	if err != nil {
		return nil
	}

	refcnt, err := pc.readSignedField(addr, pyObject, "ob_refcnt")
	if err != nil || refcnt < 0 || refcnt >= 0xffff {
		return nil
	}
	obType, err := pc.readPtrFieldL(addr, pyObject, "ob_type")
	if err != nil || obType == 0 {
		return nil
	}
	typeRefcnt, err := pc.readSignedField(obType, pyObject, "ob_refcnt")
	if err != nil || typeRefcnt <= 0 || typeRefcnt >= 0xffff {
		return nil
	}
	typeObSize, err := pc.readSignedField(obType, varLayout, "ob_size")
	if err != nil || typeObSize > 0xffff {
		return nil
	}
	for _, slot := range []string{"tp_del", "tp_mro", "tp_init", "tp_getset"} {
		v, err := pc.readPtrFieldL(obType, typeLayout, slot)
		if err != nil || !inferior.LooksLikePointer(v) {
			return nil
		}
	}

	name, err := pc.tpName(obType, typeLayout)
	if err != nil {
		return nil
	}
	return &PyObject{Addr: addr, TypeName: name}
}

// tpName reads a type object's tp_name string.
func (pc *PythonCategorizer) tpName(typeAddr uint64, typeLayout *inferior.Layout) (string, error) {
	ptr, err := pc.readPtrFieldL(typeAddr, typeLayout, "tp_name")
	if err != nil {
		return "", err
	}
	if ptr == 0 {
		return "", fmt.Errorf("null tp_name")
	}
	return inferior.ReadCString(pc.proc, ptr, 256)
}

// typeFlags reads an object's ob_type->tp_flags.
func (pc *PythonCategorizer) typeFlags(objAddr uint64) (uint64, bool) {
	obType, err := pc.readPtrField(objAddr, "PyObject", "ob_type")
	if err != nil || obType == 0 {
		return 0, false
	}
	flags, err := pc.readPtrField(obType, "PyTypeObject", "tp_flags")
	if err != nil {
		return 0, false
	}
	return flags, true
}

// oldStyleClassName reads instance->in_class->cl_name, a PyString.
func (pc *PythonCategorizer) oldStyleClassName(objAddr uint64) (string, bool) {
	inClass, err := pc.readPtrField(objAddr, "PyInstanceObject", "in_class")
	if err != nil || inClass == 0 {
		return "", false
	}
	clName, err := pc.readPtrField(inClass, "PyClassObject", "cl_name")
	if err != nil || clName == 0 {
		return "", false
	}
	str, err := pc.pyStringValue(clName)
	if err != nil {
		return "", false
	}
	return str, true
}

// pyStringValue reads the character data of a PyStringObject.
func (pc *PythonCategorizer) pyStringValue(addr uint64) (string, error) {
	l, err := pc.types.LookupType("PyStringObject")
	if err != nil {
		return "", err
	}
	sval, ok := l.Field("ob_sval")
	if !ok {
		return "", fmt.Errorf("PyStringObject has no ob_sval")
	}
	return inferior.ReadCString(pc.proc, addr+sval.Offset, 256)
}

// attrDict locates the attribute dict of a heap-type instance via
// tp_dictoffset, handling negative offsets (variable-sized objects
// that store the dict pointer at the end).
func (pc *PythonCategorizer) attrDict(objAddr uint64) (uint64, bool) {
	obType, err := pc.readPtrField(objAddr, "PyObject", "ob_type")
	if err != nil || obType == 0 {
		return 0, false
	}
	typeLayout, err := pc.types.LookupType("PyTypeObject")
	if err != nil {
		return 0, false
	}
	dictoffset, err := pc.readSignedField(obType, typeLayout, "tp_dictoffset")
	if err != nil || dictoffset == 0 {
		return 0, false
	}
	if dictoffset < 0 {
		obSize, err := pc.readPtrField(objAddr, "PyVarObject", "ob_size")
		if err != nil {
			return 0, false
		}
		nitems := asSigned(obSize, pc.proc.PointerSize())
		if nitems < 0 {
			nitems = -nitems
		}
		size, ok := pc.varSize(obType, typeLayout, nitems)
		if !ok {
			return 0, false
		}
		dictoffset += int64(size)
		if dictoffset <= 0 || dictoffset%int64(pc.proc.PointerSize()) != 0 {
			return 0, false
		}
	}
	dict, err := inferior.ReadWord(pc.proc, objAddr+uint64(dictoffset))
	if err != nil || dict == 0 {
		return 0, false
	}
	return dict, true
}

// varSize computes _PyObject_VAR_SIZE: the rounded size of a
// variable-length object with nitems items.
func (pc *PythonCategorizer) varSize(typeAddr uint64, typeLayout *inferior.Layout, nitems int64) (uint64, bool) {
	basic, err := pc.readSignedField(typeAddr, typeLayout, "tp_basicsize")
	if err != nil {
		return 0, false
	}
	item, err := pc.readSignedField(typeAddr, typeLayout, "tp_itemsize")
	if err != nil {
		return 0, false
	}
	align := int64(pc.proc.PointerSize())
	size := (basic + nitems*item + align - 1) &^ (align - 1)
	if size <= 0 {
		return 0, false
	}
	return uint64(size), true
}

// objAddrToGCAddr converts a PyObject address to the address of the
// allocation that holds it (the PyGC_Head in front).
func (pc *PythonCategorizer) objAddrToGCAddr(objAddr uint64) (uint64, bool) {
	gcHead, err := pc.types.LookupType("PyGC_Head")
	if err != nil {
		return 0, false
	}
	return objAddr - gcHead.Size, true
}

// readPtrField reads a pointer-sized field of the named type at base.
func (pc *PythonCategorizer) readPtrField(base uint64, typeName, fieldName string) (uint64, error) {
	l, err := pc.types.LookupType(typeName)
	if err != nil {
		return 0, err
	}
	return pc.readPtrFieldL(base, l, fieldName)
}

func (pc *PythonCategorizer) readPtrFieldL(base uint64, l *inferior.Layout, fieldName string) (uint64, error) {
	f, ok := l.Field(fieldName)
	if !ok {
		return 0, fmt.Errorf("type %s has no field %q", l.Name, fieldName)
	}
	return inferior.ReadWord(pc.proc, base+f.Offset)
}

func (pc *PythonCategorizer) readSignedField(base uint64, l *inferior.Layout, fieldName string) (int64, error) {
	v, err := pc.readPtrFieldL(base, l, fieldName)
	if err != nil {
		return 0, err
	}
	return asSigned(v, pc.proc.PointerSize()), nil
}

// asSigned reinterprets a pointer-width value as signed.
func asSigned(v uint64, ptrSize int) int64 {
	if ptrSize == 4 {
		return int64(int32(uint32(v)))
	}
	return int64(v)
}
