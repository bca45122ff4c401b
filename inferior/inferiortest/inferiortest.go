// Package inferiortest provides a synthetic in-memory implementation
// of inferior.Process for tests. A test builds up segments, type
// layouts, globals and symbols describing a fictitious inferior, then
// runs the real inspection pipeline against it.
package inferiortest

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/rogerhu/gdb-heap/inferior"
)

type segment struct {
	addr uint64
	data []byte
}

func (s *segment) contains(addr uint64) bool {
	return s.addr <= addr && addr < s.addr+uint64(len(s.data))
}

type symbol struct {
	name string
	addr uint64
	size uint64
}

// Process is a synthetic inferior. The zero value is not usable; call New.
type Process struct {
	ptrSize  int
	order    binary.ByteOrder
	segments []*segment
	types    map[string]*inferior.Layout
	typeErrs map[string]error
	globals  map[string]uint64
	symbols  []symbol
	regions  []inferior.Region
	fpr      []byte
}

var _ inferior.Process = (*Process)(nil)

// New returns an empty little-endian synthetic inferior with the given
// pointer size (4 or 8).
func New(ptrSize int) *Process {
	if ptrSize != 4 && ptrSize != 8 {
		panic(fmt.Sprintf("bad pointer size %d", ptrSize))
	}
	return &Process{
		ptrSize:  ptrSize,
		order:    binary.LittleEndian,
		types:    make(map[string]*inferior.Layout),
		typeErrs: make(map[string]error),
		globals:  make(map[string]uint64),
	}
}

// AddMemory maps size bytes of zeroed memory at addr, without creating
// a /proc/maps-style region entry.
func (p *Process) AddMemory(addr, size uint64) {
	p.segments = append(p.segments, &segment{addr: addr, data: make([]byte, size)})
	sort.Slice(p.segments, func(i, k int) bool {
		return p.segments[i].addr < p.segments[k].addr
	})
}

// AddRegion records a mapped-region entry. The underlying memory must
// be added separately with AddMemory.
func (p *Process) AddRegion(r inferior.Region) {
	p.regions = append(p.regions, r)
	sort.Slice(p.regions, func(i, k int) bool {
		return p.regions[i].Start < p.regions[k].Start
	})
}

// AddAnonRegion maps zeroed memory at addr and records it as a
// private, writable, anonymous region, the kind the mmap sub-walk
// considers.
func (p *Process) AddAnonRegion(addr, size uint64) {
	p.AddMemory(addr, size)
	p.AddRegion(inferior.Region{Start: addr, End: addr + size, Perms: "rw-p"})
}

// AddType registers a type layout.
func (p *Process) AddType(l *inferior.Layout) {
	p.types[l.Name] = l
}

// SetTypeError forces LookupType(name) to fail with err, e.g. an
// *inferior.MissingDebugInfoError.
func (p *Process) SetTypeError(name string, err error) {
	p.typeErrs[name] = err
}

// AddGlobal registers a global variable address.
func (p *Process) AddGlobal(name string, addr uint64) {
	p.globals[name] = addr
}

// AddSymbol registers a symbol covering [addr, addr+size).
func (p *Process) AddSymbol(name string, addr, size uint64) {
	p.symbols = append(p.symbols, symbol{name, addr, size})
}

func (p *Process) findSegment(addr uint64) *segment {
	k := sort.Search(len(p.segments), func(k int) bool {
		return addr < p.segments[k].addr
	})
	k--
	if k >= 0 && p.segments[k].contains(addr) {
		return p.segments[k]
	}
	return nil
}

// PutBytes writes b into previously added memory. Panics if the range
// is unmapped: that is a bug in the test fixture, not a condition under
// test.
func (p *Process) PutBytes(addr uint64, b []byte) {
	s := p.findSegment(addr)
	if s == nil || !s.contains(addr+uint64(len(b))-1) {
		panic(fmt.Sprintf("PutBytes(0x%x, %d bytes): unmapped", addr, len(b)))
	}
	copy(s.data[addr-s.addr:], b)
}

// PutWord writes one pointer-sized word at addr.
func (p *Process) PutWord(addr, val uint64) {
	b := make([]byte, p.ptrSize)
	if p.ptrSize == 4 {
		p.order.PutUint32(b, uint32(val))
	} else {
		p.order.PutUint64(b, val)
	}
	p.PutBytes(addr, b)
}

// PutUint writes an unsigned integer of the given byte width at addr.
func (p *Process) PutUint(addr, width, val uint64) {
	b := make([]byte, width)
	switch width {
	case 1:
		b[0] = byte(val)
	case 2:
		p.order.PutUint16(b, uint16(val))
	case 4:
		p.order.PutUint32(b, uint32(val))
	case 8:
		p.order.PutUint64(b, val)
	default:
		panic(fmt.Sprintf("bad width %d", width))
	}
	p.PutBytes(addr, b)
}

// PutCString writes s followed by a NUL byte at addr.
func (p *Process) PutCString(addr uint64, s string) {
	p.PutBytes(addr, append([]byte(s), 0))
}

// ReadBytes implements inferior.Memory.
func (p *Process) ReadBytes(addr, n uint64) ([]byte, error) {
	s := p.findSegment(addr)
	if s == nil || n > 0 && !s.contains(addr+n-1) {
		return nil, &inferior.UnreadableError{Addr: addr, Len: n}
	}
	off := addr - s.addr
	return s.data[off : off+n : off+n], nil
}

// PointerSize implements inferior.Memory.
func (p *Process) PointerSize() int { return p.ptrSize }

// ByteOrder implements inferior.Memory.
func (p *Process) ByteOrder() binary.ByteOrder { return p.order }

// LookupType implements inferior.TypeResolver.
func (p *Process) LookupType(name string) (*inferior.Layout, error) {
	if err, ok := p.typeErrs[name]; ok {
		return nil, err
	}
	if l, ok := p.types[name]; ok {
		return l, nil
	}
	return nil, &inferior.NoSuchTypeError{Name: name}
}

// LookupGlobal implements inferior.SymbolResolver.
func (p *Process) LookupGlobal(name string) (uint64, error) {
	if addr, ok := p.globals[name]; ok {
		return addr, nil
	}
	return 0, fmt.Errorf("no global named %q", name)
}

// SymbolAt implements inferior.SymbolResolver.
func (p *Process) SymbolAt(addr uint64) (string, error) {
	for _, s := range p.symbols {
		if s.addr <= addr && addr < s.addr+s.size {
			return s.name, nil
		}
	}
	return "", fmt.Errorf("no symbol covers 0x%x", addr)
}

// SetFingerprint sets the state fingerprint returned by
// StateFingerprint. Tests bump it to model the inferior having run.
func (p *Process) SetFingerprint(b []byte) {
	p.fpr = append([]byte(nil), b...)
}

// StateFingerprint implements inferior.StateFingerprinter. It fails
// until SetFingerprint has been called.
func (p *Process) StateFingerprint() ([]byte, error) {
	if p.fpr == nil {
		return nil, fmt.Errorf("no fingerprint configured")
	}
	return p.fpr, nil
}

// MappedRegions implements inferior.Process.
func (p *Process) MappedRegions() ([]inferior.Region, error) {
	out := make([]inferior.Region, len(p.regions))
	copy(out, p.regions)
	return out, nil
}
