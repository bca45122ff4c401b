// Package heaptest builds synthetic glibc heaps inside an
// inferiortest.Process, for tests that need a walkable arena without a
// real inferior. The layouts mirror a 64-bit glibc build.
package heaptest

import (
	"github.com/rogerhu/gdb-heap/inferior"
	"github.com/rogerhu/gdb-heap/inferior/inferiortest"
)

// Well-known addresses used by the fixtures. Arbitrary, but stable so
// tests can assert against them.
const (
	MainArenaAddr = 0x7f5000000000
	MallocParAddr = 0x7f5000010000
	HeapBase      = 0x602000 // typical sbrk start
)

// 64-bit malloc geometry.
const (
	sizeSz       = 8
	mallocAlign  = 16
	minChunkSize = 32
	nFastbins    = 10
)

// Struct offsets within the synthetic malloc_state.
const (
	msFastbinsOff = 8
	msTopOff      = msFastbinsOff + nFastbins*8
	msBinsOff     = msTopOff + 16 // top, last_remainder, then bins
	msBinsLen     = 254 * 8
	msNextOff     = msBinsOff + msBinsLen
	msSize        = msNextOff + 8
)

type entry struct {
	size  uint64 // chunk size, aligned
	inuse bool
}

// Fixture is a synthetic inferior with one glibc main arena and any
// number of mmapped allocations. Build it up with Malloc/Free/AddMmap,
// then call Commit to write the chunk headers.
type Fixture struct {
	Proc *inferiortest.Process

	heapBase uint64
	heapCap  uint64
	entries  []entry
}

// New returns a 64-bit fixture with malloc's types and globals
// registered and an empty sbrk heap of the given capacity.
func New(heapCap uint64) *Fixture {
	p := inferiortest.New(8)

	p.AddType(inferior.NewLayout("malloc_chunk", 6*8, []inferior.Field{
		{Name: "prev_size", Offset: 0, Size: 8},
		{Name: "size", Offset: 8, Size: 8},
		{Name: "fd", Offset: 16, Size: 8},
		{Name: "bk", Offset: 24, Size: 8},
		{Name: "fd_nextsize", Offset: 32, Size: 8},
		{Name: "bk_nextsize", Offset: 40, Size: 8},
	}))
	p.AddType(inferior.NewLayout("malloc_state", msSize, []inferior.Field{
		{Name: "mutex", Offset: 0, Size: 4},
		{Name: "flags", Offset: 4, Size: 4},
		{Name: "fastbinsY", Offset: msFastbinsOff, Size: nFastbins * 8},
		{Name: "top", Offset: msTopOff, Size: 8},
		{Name: "last_remainder", Offset: msTopOff + 8, Size: 8},
		{Name: "bins", Offset: msBinsOff, Size: msBinsLen},
		{Name: "next", Offset: msNextOff, Size: 8},
	}))
	p.AddType(inferior.NewLayout("malloc_par", 128, []inferior.Field{
		{Name: "trim_threshold", Offset: 0, Size: 8},
		{Name: "top_pad", Offset: 8, Size: 8},
		{Name: "mmap_threshold", Offset: 16, Size: 8},
		{Name: "sbrk_base", Offset: 72, Size: 8},
	}))

	p.AddGlobal("main_arena", MainArenaAddr)
	p.AddGlobal("mp_", MallocParAddr)
	p.AddMemory(MainArenaAddr, msSize)
	p.AddMemory(MallocParAddr, 128)

	f := &Fixture{Proc: p, heapBase: HeapBase, heapCap: heapCap}
	// The sbrk heap appears in /proc/PID/maps as "[heap]", which the
	// mmap sub-walk must not mistake for an mmapped allocation.
	p.AddMemory(HeapBase, heapCap)
	p.AddRegion(inferior.Region{
		Start: HeapBase, End: HeapBase + heapCap, Perms: "rw-p", Path: "[heap]",
	})
	return f
}

// ChunkSize returns the chunk size malloc would use for a request of n
// bytes on this build: 16-byte aligned, minimum 32.
func ChunkSize(n uint64) uint64 {
	size := (n + sizeSz + mallocAlign - 1) &^ (mallocAlign - 1)
	if size < minChunkSize {
		size = minChunkSize
	}
	return size
}

// Malloc appends an in-use chunk for a request of n bytes and returns
// the application-visible address.
func (f *Fixture) Malloc(n uint64) uint64 {
	return f.append(ChunkSize(n), true)
}

// MallocChunk appends an in-use chunk with an exact chunk size.
func (f *Fixture) MallocChunk(chunkSize uint64) uint64 {
	return f.append(chunkSize, true)
}

// FreeChunk appends a chunk that has already been freed.
func (f *Fixture) FreeChunk(chunkSize uint64) uint64 {
	return f.append(chunkSize, false)
}

func (f *Fixture) append(chunkSize uint64, inuse bool) uint64 {
	var off uint64
	for _, e := range f.entries {
		off += e.size
	}
	if off+chunkSize > f.heapCap {
		panic("heaptest: sbrk heap capacity exceeded")
	}
	f.entries = append(f.entries, entry{size: chunkSize, inuse: inuse})
	return f.heapBase + off + 2*sizeSz
}

// Free marks the chunk with the given application address as freed.
// Panics if no such chunk exists.
func (f *Fixture) Free(mem uint64) {
	off := f.heapBase
	for i := range f.entries {
		if off+2*sizeSz == mem {
			f.entries[i].inuse = false
			return
		}
		off += f.entries[i].size
	}
	panic("heaptest: Free of unknown address")
}

// Reuse replaces the freed chunk at mem with an in-use chunk of the
// same chunk size, modeling malloc reusing the space.
func (f *Fixture) Reuse(mem uint64) {
	off := f.heapBase
	for i := range f.entries {
		if off+2*sizeSz == mem {
			f.entries[i].inuse = true
			return
		}
		off += f.entries[i].size
	}
	panic("heaptest: Reuse of unknown address")
}

// AddMmap maps an anonymous region at addr holding a single mmapped
// chunk that spans the whole region, returning the application
// address. Mmapped chunk headers are written immediately; they do not
// depend on neighbours.
func (f *Fixture) AddMmap(addr, regionSize uint64) uint64 {
	f.Proc.AddAnonRegion(addr, regionSize)
	f.Proc.PutUint(addr+sizeSz, sizeSz, regionSize|2) // IS_MMAPPED
	return addr + 2*sizeSz
}

// Commit writes the sbrk chunk headers, the top chunk, main_arena.top
// and mp_.sbrk_base. Call after the last Malloc/Free and before
// walking. Commit may be called repeatedly.
func (f *Fixture) Commit() {
	p := f.Proc
	addr := f.heapBase
	prevInuse := true // the first chunk always has PREV_INUSE set
	var prevSize uint64
	for _, e := range f.entries {
		raw := e.size
		if prevInuse {
			raw |= 1
		} else {
			p.PutUint(addr, sizeSz, prevSize)
		}
		p.PutUint(addr+sizeSz, sizeSz, raw)
		addr += e.size
		prevInuse = e.inuse
		prevSize = e.size
	}
	// Top: the wilderness chunk, spanning the rest of the heap.
	topRaw := f.heapCap - (addr - f.heapBase)
	if prevInuse {
		topRaw |= 1
	} else {
		p.PutUint(addr, sizeSz, prevSize)
	}
	p.PutUint(addr+sizeSz, sizeSz, topRaw)

	p.PutWord(MainArenaAddr+msTopOff, addr)
	p.PutWord(MallocParAddr+72, f.heapBase)
	p.PutWord(MainArenaAddr+msNextOff, MainArenaAddr)
}

// TopAddr returns the committed top chunk address.
func (f *Fixture) TopAddr() uint64 {
	addr := f.heapBase
	for _, e := range f.entries {
		addr += e.size
	}
	return addr
}

// SetFastbin threads the given chunk addresses (allocator view, not
// application view) into fastbin i.
func (f *Fixture) SetFastbin(i int, chunks ...uint64) {
	p := f.Proc
	slot := uint64(MainArenaAddr + msFastbinsOff + i*8)
	if len(chunks) == 0 {
		p.PutWord(slot, 0)
		return
	}
	p.PutWord(slot, chunks[0])
	for k := 0; k < len(chunks); k++ {
		next := uint64(0)
		if k+1 < len(chunks) {
			next = chunks[k+1]
		}
		p.PutWord(chunks[k]+16, next) // fd
	}
}

// SetBin threads the given chunk addresses into regular bin i as a
// circular doubly-linked list rooted at the synthetic bin head.
func (f *Fixture) SetBin(i int, chunks ...uint64) {
	p := f.Proc
	head := uint64(MainArenaAddr+msBinsOff) + uint64(i-1)*2*8 - 16 // minus offsetof(fd)
	ring := append([]uint64{head}, chunks...)
	n := len(ring)
	for k, addr := range ring {
		fd := ring[(k+1)%n]
		bk := ring[(k+n-1)%n]
		p.PutWord(addr+16, fd) // fd
		p.PutWord(addr+24, bk) // bk
	}
}
