package proc

import (
	"debug/dwarf"
	"debug/elf"
	"fmt"
	"sort"
	"strings"

	"github.com/rogerhu/gdb-heap/inferior"
)

// debugInfo aggregates type layouts, global addresses and symbol
// ranges from the executable and every file-backed shared object in
// the address space. Addresses from position-independent files are
// rebased to their load address.
type debugInfo struct {
	layouts map[string]*inferior.Layout
	globals map[string]uint64
	symbols []symRange // sorted by Start

	// modules that mapped in but carried no DWARF data, for the
	// missing-debuginfo hint.
	noDwarf []string
}

type symRange struct {
	Start, End uint64
	Name       string
}

// loadDebugInfo reads debug data from the main executable (exePath)
// and from each distinct file-backed mapping. Files that cannot be
// opened as ELF (e.g. device mappings) are skipped.
func loadDebugInfo(exePath string, regions []inferior.Region) (*debugInfo, error) {
	d := &debugInfo{
		layouts: make(map[string]*inferior.Layout),
		globals: make(map[string]uint64),
	}

	// Load bias per file: lowest mapped address of that file. ET_EXEC
	// files are linked at their load address and get bias 0 later.
	base := make(map[string]uint64)
	var order []string
	for _, r := range regions {
		if r.Path == "" || strings.HasPrefix(r.Path, "[") {
			continue
		}
		if _, ok := base[r.Path]; !ok {
			base[r.Path] = r.Start
			order = append(order, r.Path)
		}
	}

	if err := d.loadFile(exePath, 0); err != nil {
		return nil, fmt.Errorf("loading %s: %w", exePath, err)
	}
	for _, path := range order {
		// Best effort for libraries; a module we cannot open just
		// contributes nothing.
		d.loadFile(path, base[path])
	}

	sort.Slice(d.symbols, func(i, j int) bool { return d.symbols[i].Start < d.symbols[j].Start })
	return d, nil
}

func (d *debugInfo) loadFile(path string, bias uint64) error {
	f, err := elf.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if f.Type == elf.ET_EXEC {
		bias = 0
	}

	d.loadSymbols(f, bias)

	dw, err := f.DWARF()
	if err != nil {
		d.noDwarf = append(d.noDwarf, path)
		return nil
	}
	return d.loadDwarf(dw, bias)
}

func (d *debugInfo) loadSymbols(f *elf.File, bias uint64) {
	add := func(syms []elf.Symbol) {
		for _, s := range syms {
			if s.Value == 0 || s.Name == "" {
				continue
			}
			switch elf.ST_TYPE(s.Info) {
			case elf.STT_OBJECT, elf.STT_FUNC:
			default:
				continue
			}
			addr := s.Value + bias
			if _, ok := d.globals[s.Name]; !ok && elf.ST_TYPE(s.Info) == elf.STT_OBJECT {
				d.globals[s.Name] = addr
			}
			end := addr + s.Size
			if s.Size == 0 {
				end = addr + 1
			}
			d.symbols = append(d.symbols, symRange{Start: addr, End: end, Name: demangle(s.Name)})
		}
	}
	if syms, err := f.Symbols(); err == nil {
		add(syms)
	}
	if syms, err := f.DynamicSymbols(); err == nil {
		add(syms)
	}
}

func (d *debugInfo) loadDwarf(dw *dwarf.Data, bias uint64) error {
	r := dw.Reader()
	for {
		ent, err := r.Next()
		if err != nil {
			return err
		}
		if ent == nil {
			return nil
		}
		switch ent.Tag {
		case dwarf.TagStructType:
			d.addStruct(dw, ent)
			r.SkipChildren()
		case dwarf.TagTypedef:
			d.addTypedef(dw, ent)
		case dwarf.TagVariable:
			d.addVariable(ent, bias)
			r.SkipChildren()
		case dwarf.TagSubprogram, dwarf.TagUnionType, dwarf.TagClassType, dwarf.TagEnumerationType:
			r.SkipChildren()
		}
	}
}

func (d *debugInfo) addStruct(dw *dwarf.Data, ent *dwarf.Entry) {
	name, _ := ent.Val(dwarf.AttrName).(string)
	if name == "" {
		return
	}
	if _, ok := d.layouts[name]; ok {
		return
	}
	layout := layoutFromDwarf(dw, ent.Offset, name)
	if layout != nil {
		d.layouts[name] = layout
	}
}

// addTypedef records "typedef struct {...} name" aliases, so lookups
// by either spelling succeed.
func (d *debugInfo) addTypedef(dw *dwarf.Data, ent *dwarf.Entry) {
	name, _ := ent.Val(dwarf.AttrName).(string)
	if name == "" {
		return
	}
	if _, ok := d.layouts[name]; ok {
		return
	}
	ref, ok := ent.Val(dwarf.AttrType).(dwarf.Offset)
	if !ok {
		return
	}
	layout := layoutFromDwarf(dw, ref, name)
	if layout != nil {
		d.layouts[name] = layout
	}
}

// layoutFromDwarf builds a layout from the struct DIE at off, chasing
// typedef chains. Bitfield members and members with indirect location
// expressions are skipped.
func layoutFromDwarf(dw *dwarf.Data, off dwarf.Offset, name string) *inferior.Layout {
	typ, err := dw.Type(off)
	if err != nil {
		return nil
	}
	for {
		td, ok := typ.(*dwarf.TypedefType)
		if !ok {
			break
		}
		typ = td.Type
	}
	st, ok := typ.(*dwarf.StructType)
	if !ok || st.Incomplete {
		return nil
	}
	fields := make([]inferior.Field, 0, len(st.Field))
	for _, m := range st.Field {
		if m.BitSize != 0 || m.Type == nil || m.Type.Size() < 0 {
			continue
		}
		fields = append(fields, inferior.Field{
			Name:   m.Name,
			Offset: uint64(m.ByteOffset),
			Size:   uint64(m.Type.Size()),
		})
	}
	return inferior.NewLayout(name, uint64(st.ByteSize), fields)
}

// addVariable records a global's address from a DW_OP_addr location.
func (d *debugInfo) addVariable(ent *dwarf.Entry, bias uint64) {
	name, _ := ent.Val(dwarf.AttrName).(string)
	if name == "" {
		return
	}
	if _, ok := d.globals[name]; ok {
		return
	}
	loc, ok := ent.Val(dwarf.AttrLocation).([]byte)
	if !ok || len(loc) == 0 {
		return
	}
	const dwOpAddr = 0x03
	if loc[0] != dwOpAddr || len(loc) < 1+8 {
		return
	}
	var addr uint64
	for i := 0; i < 8; i++ {
		addr |= uint64(loc[1+i]) << (8 * i)
	}
	if addr != 0 {
		d.globals[name] = addr + bias
	}
}

func (d *debugInfo) lookupType(name string) (*inferior.Layout, error) {
	if l, ok := d.layouts[name]; ok {
		return l, nil
	}
	if rest, ok := strings.CutPrefix(name, "struct "); ok {
		if l, ok := d.layouts[rest]; ok {
			return l, nil
		}
	}
	if len(d.layouts) == 0 && len(d.noDwarf) > 0 {
		return nil, &inferior.MissingDebugInfoError{Module: d.noDwarf[0]}
	}
	return nil, &inferior.NoSuchTypeError{Name: name}
}

func (d *debugInfo) lookupGlobal(name string) (uint64, error) {
	if addr, ok := d.globals[name]; ok {
		return addr, nil
	}
	return 0, &inferior.NoSuchSymbolError{Name: name}
}

func (d *debugInfo) symbolAt(addr uint64) (string, error) {
	// First range starting at or before addr, scanning back over
	// overlapping zero-size entries.
	i := sort.Search(len(d.symbols), func(i int) bool { return d.symbols[i].Start > addr })
	for j := i - 1; j >= 0 && j >= i-8; j-- {
		s := d.symbols[j]
		if addr >= s.Start && addr < s.End {
			return s.Name, nil
		}
	}
	return "", &inferior.NoSuchSymbolError{Addr: addr}
}

// demangle decodes the narrow slice of the Itanium C++ ABI mangling
// that heap inspection cares about: vtable symbols. Everything else is
// returned as-is.
func demangle(name string) string {
	rest, ok := strings.CutPrefix(name, "_ZTV")
	if !ok {
		return name
	}
	qualified, ok := demangleTypeName(rest)
	if !ok {
		return name
	}
	return "vtable for " + qualified
}

// demangleTypeName handles <length><name> and N<parts>E nested names,
// enough for plain classes and namespace-qualified classes without
// template arguments.
func demangleTypeName(s string) (string, bool) {
	if strings.HasPrefix(s, "N") {
		var parts []string
		s = s[1:]
		for !strings.HasPrefix(s, "E") {
			part, rest, ok := cutSourceName(s)
			if !ok {
				return "", false
			}
			parts = append(parts, part)
			s = rest
		}
		if len(parts) == 0 || s != "E" {
			return "", false
		}
		return strings.Join(parts, "::"), true
	}
	part, rest, ok := cutSourceName(s)
	if !ok || rest != "" {
		return "", false
	}
	return part, true
}

func cutSourceName(s string) (name, rest string, ok bool) {
	n := 0
	i := 0
	for ; i < len(s) && s[i] >= '0' && s[i] <= '9'; i++ {
		n = n*10 + int(s[i]-'0')
	}
	if i == 0 || n == 0 || i+n > len(s) {
		return "", "", false
	}
	return s[i : i+n], s[i+n:], true
}
