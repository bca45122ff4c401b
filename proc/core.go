package proc

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/rogerhu/gdb-heap/inferior"
)

// Core is a dead process: an ELF core dump plus the executable it was
// dumped from. It implements inferior.Process like the live Process
// does, with memory reads served from the core's PT_LOAD segments, so
// every inspection that works on a live target works post-mortem.
type Core struct {
	file *elf.File

	segments []coreSegment // sorted by start
	regions  []inferior.Region
	exePath  string

	ptrSize     int
	order       binary.ByteOrder
	fingerprint []byte

	dbg    *debugInfo
	dbgErr error
}

var _ inferior.Process = (*Core)(nil)
var _ inferior.StateFingerprinter = (*Core)(nil)

type coreSegment struct {
	start    uint64
	memSize  uint64
	fileSize uint64 // bytes actually present; the rest reads as zero
	data     io.ReaderAt
}

// fileMapping is one entry of the core's NT_FILE note: the original
// path behind a file-backed mapping.
type fileMapping struct {
	start, end uint64
	offset     uint64
	path       string
}

// OpenCore opens a core dump. exePath names the executable the core
// was dumped from; its debug data (and that of the shared objects
// recorded in the core's NT_FILE note) drives type and symbol lookup.
func OpenCore(corePath, exePath string) (*Core, error) {
	f, err := elf.Open(corePath)
	if err != nil {
		return nil, err
	}
	if f.Type != elf.ET_CORE {
		f.Close()
		return nil, fmt.Errorf("%s is not a core file (ELF type %s)", corePath, f.Type)
	}

	c := &Core{file: f, exePath: exePath, ptrSize: 8, order: binary.LittleEndian}
	if f.Class == elf.ELFCLASS32 {
		c.ptrSize = 4
	}
	if f.Data == elf.ELFDATA2MSB {
		c.order = binary.BigEndian
	}

	mappings, err := readFileNote(f, c.order, c.ptrSize)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("reading core notes: %w", err)
	}
	c.buildSegments(mappings)

	// A core is immutable; key the scan cache on its identity.
	if fi, err := os.Stat(corePath); err == nil {
		c.fingerprint = []byte(fmt.Sprintf("%s %d %d", corePath, fi.Size(), fi.ModTime().UnixNano()))
	}
	return c, nil
}

// Close releases the core file.
func (c *Core) Close() error { return c.file.Close() }

func (c *Core) buildSegments(mappings []fileMapping) {
	for _, p := range c.file.Progs {
		if p.Type != elf.PT_LOAD || p.Memsz == 0 {
			continue
		}
		c.segments = append(c.segments, coreSegment{
			start:    p.Vaddr,
			memSize:  p.Memsz,
			fileSize: p.Filesz,
			data:     p.ReaderAt,
		})

		r := inferior.Region{
			Start: p.Vaddr,
			End:   p.Vaddr + p.Memsz,
			Perms: progPerms(p.Flags),
		}
		for _, m := range mappings {
			if m.start == p.Vaddr {
				r.Path = m.path
				r.Offset = m.offset
				r.Inode = 1 // unknown, but nonzero marks it file-backed
				break
			}
		}
		c.regions = append(c.regions, r)
	}
	sort.Slice(c.segments, func(i, j int) bool { return c.segments[i].start < c.segments[j].start })
	sort.Slice(c.regions, func(i, j int) bool { return c.regions[i].Start < c.regions[j].Start })
}

// progPerms renders PT_LOAD flags in maps notation. Core segments are
// snapshots of private memory, hence the "p".
func progPerms(f elf.ProgFlag) string {
	perms := []byte("---p")
	if f&elf.PF_R != 0 {
		perms[0] = 'r'
	}
	if f&elf.PF_W != 0 {
		perms[1] = 'w'
	}
	if f&elf.PF_X != 0 {
		perms[2] = 'x'
	}
	return string(perms)
}

// ReadBytes implements inferior.Memory. Bytes the kernel truncated
// from the dump (Filesz < Memsz) read as zero, as they were in the
// process.
func (c *Core) ReadBytes(addr, n uint64) ([]byte, error) {
	if n == 0 {
		return nil, nil
	}
	i := sort.Search(len(c.segments), func(i int) bool { return c.segments[i].start > addr })
	if i == 0 {
		return nil, &inferior.UnreadableError{Addr: addr, Len: n}
	}
	seg := c.segments[i-1]
	off := addr - seg.start
	if off+n > seg.memSize {
		return nil, &inferior.UnreadableError{Addr: addr, Len: n}
	}

	buf := make([]byte, n)
	if off < seg.fileSize {
		present := seg.fileSize - off
		if present > n {
			present = n
		}
		if _, err := seg.data.ReadAt(buf[:present], int64(off)); err != nil {
			return nil, &inferior.UnreadableError{Addr: addr, Len: n}
		}
	}
	return buf, nil
}

// PointerSize implements inferior.Memory.
func (c *Core) PointerSize() int { return c.ptrSize }

// ByteOrder implements inferior.Memory.
func (c *Core) ByteOrder() binary.ByteOrder { return c.order }

// MappedRegions implements inferior.Process.
func (c *Core) MappedRegions() ([]inferior.Region, error) {
	return c.regions, nil
}

// StateFingerprint implements inferior.StateFingerprinter.
func (c *Core) StateFingerprint() ([]byte, error) {
	if c.fingerprint == nil {
		return nil, fmt.Errorf("core file could not be stat'd")
	}
	return c.fingerprint, nil
}

func (c *Core) debug() (*debugInfo, error) {
	if c.dbg == nil && c.dbgErr == nil {
		c.dbg, c.dbgErr = loadDebugInfo(c.exePath, c.regions)
	}
	return c.dbg, c.dbgErr
}

// LookupType implements inferior.TypeResolver.
func (c *Core) LookupType(name string) (*inferior.Layout, error) {
	dbg, err := c.debug()
	if err != nil {
		return nil, err
	}
	return dbg.lookupType(name)
}

// LookupGlobal implements inferior.SymbolResolver.
func (c *Core) LookupGlobal(name string) (uint64, error) {
	dbg, err := c.debug()
	if err != nil {
		return 0, err
	}
	return dbg.lookupGlobal(name)
}

// SymbolAt implements inferior.SymbolResolver.
func (c *Core) SymbolAt(addr uint64) (string, error) {
	dbg, err := c.debug()
	if err != nil {
		return "", err
	}
	return dbg.symbolAt(addr)
}

const ntFile = 0x46494c45 // "FILE"

// readFileNote extracts the NT_FILE note, which records the path and
// file offset of every file-backed mapping at dump time. Note headers
// and names are padded to 4-byte boundaries.
func readFileNote(f *elf.File, order binary.ByteOrder, ptrSize int) ([]fileMapping, error) {
	for _, p := range f.Progs {
		if p.Type != elf.PT_NOTE {
			continue
		}
		r := p.Open()
		for {
			var hdr struct{ Namesz, Descsz, Ntype uint32 }
			if err := binary.Read(r, order, &hdr); err == io.EOF {
				break
			} else if err != nil {
				return nil, err
			}
			namesz := (hdr.Namesz + 3) &^ 3
			descsz := (hdr.Descsz + 3) &^ 3
			if _, err := r.Seek(int64(namesz), io.SeekCurrent); err != nil {
				return nil, err
			}
			desc := make([]byte, descsz)
			if _, err := io.ReadFull(r, desc); err != nil {
				return nil, err
			}
			if hdr.Ntype == ntFile {
				return parseFileNote(desc[:hdr.Descsz], order, ptrSize)
			}
		}
	}
	return nil, nil // old kernels omit the note; paths just stay unknown
}

// parseFileNote decodes the NT_FILE descriptor: count and page size,
// count (start, end, page offset) triples, then the NUL-terminated
// paths back to back.
func parseFileNote(desc []byte, order binary.ByteOrder, ptrSize int) ([]fileMapping, error) {
	word := func(i int) uint64 {
		off := i * ptrSize
		if ptrSize == 4 {
			return uint64(order.Uint32(desc[off:]))
		}
		return order.Uint64(desc[off:])
	}
	if len(desc) < 2*ptrSize {
		return nil, fmt.Errorf("short NT_FILE note (%d bytes)", len(desc))
	}
	count := word(0)
	pageSize := word(1)
	headerWords := 2 + 3*int(count)
	if len(desc) < headerWords*ptrSize {
		return nil, fmt.Errorf("NT_FILE note truncated: %d mappings in %d bytes", count, len(desc))
	}

	names := desc[headerWords*ptrSize:]
	mappings := make([]fileMapping, 0, count)
	for i := 0; i < int(count); i++ {
		k := bytes.IndexByte(names, 0)
		if k < 0 {
			return nil, fmt.Errorf("NT_FILE note: missing path for mapping %d", i)
		}
		mappings = append(mappings, fileMapping{
			start:  word(2 + 3*i),
			end:    word(3 + 3*i),
			offset: word(4 + 3*i) * pageSize,
			path:   string(names[:k]),
		})
		names = names[k+1:]
	}
	return mappings, nil
}
