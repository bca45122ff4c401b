package inferior

import (
	"encoding/binary"
	"fmt"
)

// Memory provides raw typed reads of inferior memory.
type Memory interface {
	// ReadBytes reads n bytes starting at addr. A failure to read any
	// part of the range is reported as an *UnreadableError.
	ReadBytes(addr, n uint64) ([]byte, error)

	// PointerSize reports the pointer width of the inferior in bytes
	// (4 or 8).
	PointerSize() int

	// ByteOrder reports the byte order of the inferior.
	ByteOrder() binary.ByteOrder
}

// TypeResolver looks up type layouts by name from the inferior's debug
// metadata.
type TypeResolver interface {
	// LookupType returns the layout of the named type. It fails with
	// *NoSuchTypeError if the type does not exist, or with
	// *MissingDebugInfoError if debug metadata for the module that
	// would define it is absent.
	LookupType(name string) (*Layout, error)
}

// SymbolResolver resolves symbols in both directions: global variable
// name to address, and address back to the covering symbol's name.
type SymbolResolver interface {
	// LookupGlobal returns the address of the named global variable.
	LookupGlobal(name string) (uint64, error)

	// SymbolAt returns the name of the symbol covering addr, e.g.
	// "vtable for Foo" for an address inside a C++ vtable.
	SymbolAt(addr uint64) (string, error)
}

// Region describes one mapped memory region of the inferior, as
// reported by the OS (one line of /proc/PID/maps on Linux).
type Region struct {
	Start, End uint64
	Perms      string // e.g. "rw-p"
	Offset     uint64 // file offset for file-backed mappings
	Inode      uint64 // 0 for anonymous mappings
	Path       string // backing file, empty for anonymous mappings
}

// Size reports the size of the region in bytes.
func (r Region) Size() uint64 { return r.End - r.Start }

// IsPrivateAnon reports whether the region is private, writable,
// anonymous memory with no backing file and zero offset, the only kind
// of region malloc obtains directly from mmap.
func (r Region) IsPrivateAnon() bool {
	return r.Perms == "rw-p" && r.Offset == 0 && r.Inode == 0 && r.Path == ""
}

func (r Region) String() string {
	return fmt.Sprintf("region{0x%x-0x%x %s %s}", r.Start, r.End, r.Perms, r.Path)
}

// Process bundles everything the inspector needs from one inferior.
type Process interface {
	Memory
	TypeResolver
	SymbolResolver

	// MappedRegions lists the inferior's mapped memory regions in
	// ascending address order.
	MappedRegions() ([]Region, error)
}

// ReadWord reads one pointer-sized unsigned integer at addr.
func ReadWord(m Memory, addr uint64) (uint64, error) {
	b, err := m.ReadBytes(addr, uint64(m.PointerSize()))
	if err != nil {
		return 0, err
	}
	if m.PointerSize() == 4 {
		return uint64(m.ByteOrder().Uint32(b)), nil
	}
	return m.ByteOrder().Uint64(b), nil
}

// ReadUint reads an unsigned integer of the given byte width at addr.
// Widths 1, 2, 4 and 8 are supported.
func ReadUint(m Memory, addr, width uint64) (uint64, error) {
	b, err := m.ReadBytes(addr, width)
	if err != nil {
		return 0, err
	}
	switch width {
	case 1:
		return uint64(b[0]), nil
	case 2:
		return uint64(m.ByteOrder().Uint16(b)), nil
	case 4:
		return uint64(m.ByteOrder().Uint32(b)), nil
	case 8:
		return m.ByteOrder().Uint64(b), nil
	}
	panic(fmt.Sprintf("bad width %d for ReadUint", width))
}

// ReadCString reads a NUL-terminated string of at most max bytes
// starting at addr. It fails if the terminator is not found within max
// bytes or the memory cannot be read.
func ReadCString(m Memory, addr, max uint64) (string, error) {
	// Byte-at-a-time, so a string ending just before an unmapped page
	// does not fail on the bytes past its terminator.
	var buf []byte
	for off := uint64(0); off < max; off++ {
		b, err := m.ReadBytes(addr+off, 1)
		if err != nil {
			return "", err
		}
		if b[0] == 0 {
			return string(buf), nil
		}
		buf = append(buf, b[0])
	}
	return "", fmt.Errorf("no NUL within %d bytes of 0x%x", max, addr)
}

// LooksLikePointer reports whether val is plausible as a pointer into
// the inferior. For use when sniffing a block of memory as a structure
// with pointer fields: NULL is acceptable, values inside the bottom
// 1MB of the address space are not.
func LooksLikePointer(val uint64) bool {
	if val == 0 {
		return true
	}
	return val >= 1024*1024
}
