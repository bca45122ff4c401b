package glibc

import (
	"errors"
	"fmt"
	"iter"

	"github.com/rogerhu/gdb-heap/inferior"
)

// NBins is the number of regular bins in a malloc_state. glibc defines
// this as a compile-time constant that is not recoverable from debug
// metadata, so it is mirrored here (malloc.c: NBINS).
const NBins = 128

// Heap provides access to the glibc malloc bookkeeping of one
// inferior. All structure offsets are resolved from debug metadata at
// construction time.
type Heap struct {
	proc inferior.Process

	sizeSz uint64 // sizeof(INTERNAL_SIZE_T), from the chunk size field

	// struct malloc_chunk offsets.
	prevSizeOff uint64
	sizeOff     uint64
	fdOff       uint64
	bkOff       uint64

	// main_arena (struct malloc_state) address and field offsets.
	mainArena   uint64
	topOff      uint64
	fastbinsOff uint64
	nfastbins   uint64
	nextOff     uint64
	binsOff     uint64

	// Address of mp_.sbrk_base (struct malloc_par).
	sbrkBaseAddr uint64
}

// NewHeap resolves the malloc structures of the given inferior. It
// fails with *inferior.MissingDebugInfoError for module "glibc" when
// the allocator's types or globals cannot be resolved.
func NewHeap(p inferior.Process) (*Heap, error) {
	h := &Heap{proc: p}

	chunk, err := lookupGlibcType(p, "malloc_chunk")
	if err != nil {
		return nil, err
	}
	sizeField, err := glibcField(chunk, "size", "mchunk_size")
	if err != nil {
		return nil, err
	}
	prevSizeField, err := glibcField(chunk, "prev_size", "mchunk_prev_size")
	if err != nil {
		return nil, err
	}
	fdField, err := glibcField(chunk, "fd")
	if err != nil {
		return nil, err
	}
	bkField, err := glibcField(chunk, "bk")
	if err != nil {
		return nil, err
	}
	h.sizeSz = sizeField.Size
	h.prevSizeOff = prevSizeField.Offset
	h.sizeOff = sizeField.Offset
	h.fdOff = fdField.Offset
	h.bkOff = bkField.Offset

	state, err := lookupGlibcType(p, "malloc_state")
	if err != nil {
		return nil, err
	}
	topField, err := glibcField(state, "top")
	if err != nil {
		return nil, err
	}
	fastbinsField, err := glibcField(state, "fastbinsY")
	if err != nil {
		return nil, err
	}
	binsField, err := glibcField(state, "bins")
	if err != nil {
		return nil, err
	}
	nextField, err := glibcField(state, "next")
	if err != nil {
		return nil, err
	}
	h.topOff = topField.Offset
	h.fastbinsOff = fastbinsField.Offset
	h.nfastbins = fastbinsField.Size / uint64(p.PointerSize())
	h.binsOff = binsField.Offset
	h.nextOff = nextField.Offset

	par, err := lookupGlibcType(p, "malloc_par")
	if err != nil {
		return nil, err
	}
	sbrkField, err := glibcField(par, "sbrk_base")
	if err != nil {
		return nil, err
	}

	h.mainArena, err = p.LookupGlobal("main_arena")
	if err != nil {
		return nil, &inferior.MissingDebugInfoError{Module: "glibc"}
	}
	mp, err := p.LookupGlobal("mp_")
	if err != nil {
		return nil, &inferior.MissingDebugInfoError{Module: "glibc"}
	}
	h.sbrkBaseAddr = mp + sbrkField.Offset

	return h, nil
}

// lookupGlibcType looks up one of malloc's structs, trying both the
// bare and "struct "-prefixed spellings, and reports a missing type as
// missing glibc debug metadata.
func lookupGlibcType(p inferior.Process, name string) (*inferior.Layout, error) {
	l, err := p.LookupType(name)
	var notFound *inferior.NoSuchTypeError
	if errors.As(err, &notFound) {
		l, err = p.LookupType("struct " + name)
	}
	if errors.As(err, &notFound) {
		return nil, &inferior.MissingDebugInfoError{Module: "glibc"}
	}
	return l, err
}

// glibcField returns the first of the named fields present in l. The
// alternates cover field renames across glibc versions.
func glibcField(l *inferior.Layout, names ...string) (inferior.Field, error) {
	for _, name := range names {
		if f, ok := l.Field(name); ok {
			return f, nil
		}
	}
	return inferior.Field{}, fmt.Errorf("type %s has none of the fields %q: truncated debug info?", l.Name, names)
}

// chunkAt interprets addr as a chunk header.
func (h *Heap) chunkAt(addr uint64) (Chunk, error) {
	rawSize, err := inferior.ReadUint(h.proc, addr+h.sizeOff, h.sizeSz)
	if err != nil {
		return Chunk{}, err
	}
	return Chunk{heap: h, addr: addr, rawSize: rawSize}, nil
}

// SbrkBase returns the current value of mp_.sbrk_base: the low-water
// mark of the main arena. Zero when the process has made no small
// allocations yet.
func (h *Heap) SbrkBase() (uint64, error) {
	return inferior.ReadWord(h.proc, h.sbrkBaseAddr)
}

// Top returns the main arena's wilderness chunk.
func (h *Heap) Top() (Chunk, error) {
	top, err := inferior.ReadWord(h.proc, h.mainArena+h.topOff)
	if err != nil {
		return Chunk{}, err
	}
	return h.chunkAt(top)
}

// Chunks yields every chunk of memory in the heap (both used and
// free), in ascending address order: first the chunks of mmapped
// regions, then the chunks of the main (sbrk) arena. Each call
// re-walks from scratch.
func (h *Heap) Chunks() iter.Seq[Chunk] {
	return func(yield func(Chunk) bool) {
		for c := range h.MmapChunks() {
			if !yield(c) {
				return
			}
		}
		for c := range h.SbrkChunks() {
			if !yield(c) {
				return
			}
		}
	}
}

// MmapChunks yields the chunks that malloc obtained directly from
// mmap. Candidate regions come from the OS's mapping list; a region
// that does not parse as a chunk sequence is silently skipped (it
// belongs to someone else, e.g. a thread stack).
func (h *Heap) MmapChunks() iter.Seq[Chunk] {
	return func(yield func(Chunk) bool) {
		regions, err := h.proc.MappedRegions()
		if err != nil {
			logf("cannot list mapped regions: %v", err)
			return
		}
		for _, r := range regions {
			if !r.IsPrivateAnon() {
				continue
			}
			c, err := h.chunkAt(r.Start)
			if err != nil {
				continue
			}
			// Does this look like the first chunk within a range of
			// mmap address space?
			if c.NonMainArena() || !c.IsMmapped() || c.addr+c.Size() > r.End {
				continue
			}
			verbosef("mmap region 0x%x-0x%x looks like malloc chunks", r.Start, r.End)
			for c.addr < r.End && c.IsMmapped() {
				if c.Size() < 2*h.sizeSz {
					break // corrupt header; stop before looping forever
				}
				if !yield(c) {
					return
				}
				c, err = c.Next()
				if err != nil {
					break
				}
			}
		}
	}
}

// SbrkChunks yields the chunks of the main arena, from sbrk_base
// upwards, stopping at (and excluding) the top chunk. Yields nothing
// when sbrk_base is null. A chunk that cannot be read, or bookkeeping
// that never reaches top, terminates the walk early: partial results
// are preferred over none.
func (h *Heap) SbrkChunks() iter.Seq[Chunk] {
	return func(yield func(Chunk) bool) {
		base, err := h.SbrkBase()
		if err != nil || base == 0 {
			return
		}
		top, err := inferior.ReadWord(h.proc, h.mainArena+h.topOff)
		if err != nil {
			return
		}
		c, err := h.chunkAt(base)
		if err != nil {
			return
		}
		for c.addr != top {
			if c.addr > top || c.Size() < 2*h.sizeSz {
				logf("sbrk walk lost at 0x%x (top=0x%x): corrupt bookkeeping?", c.addr, top)
				return
			}
			if !yield(c) {
				return
			}
			c, err = c.Next()
			if err != nil {
				return
			}
		}
	}
}

// FreeChunks yields the allocator's free chunks: the top chunk, the
// fastbin chains, and the regular bins. This is a diagnostic view; the
// used-memory inventory derives "free" relationally from PREV_INUSE
// instead. Cycles in corrupt lists are detected and terminate the
// affected bin.
func (h *Heap) FreeChunks() iter.Seq[Chunk] {
	return func(yield func(Chunk) bool) {
		if top, err := h.Top(); err == nil {
			if !yield(top) {
				return
			}
		}

		// Fastbins: singly-linked through fd.
		for i := uint64(0); i < h.nfastbins; i++ {
			seen := make(map[uint64]bool)
			p, err := inferior.ReadWord(h.proc, h.mainArena+h.fastbinsOff+i*uint64(h.proc.PointerSize()))
			if err != nil {
				continue
			}
			for p != 0 && !seen[p] {
				seen[p] = true
				c, err := h.chunkAt(p)
				if err != nil {
					break
				}
				if !yield(c) {
					return
				}
				p, err = inferior.ReadWord(h.proc, p+h.fdOff)
				if err != nil {
					break
				}
			}
		}

		// Regular bins: doubly-linked circular lists. The list head is
		// a synthetic chunk overlaid on the bins array: bin_at(i) is
		// &bins[(i-1)*2] minus the offset of fd within malloc_chunk.
		ptrSize := uint64(h.proc.PointerSize())
		for i := uint64(1); i < NBins; i++ {
			head := h.mainArena + h.binsOff + (i-1)*2*ptrSize - h.fdOff
			seen := make(map[uint64]bool)
			p, err := inferior.ReadWord(h.proc, head+h.bkOff)
			if err != nil {
				continue
			}
			for p != head && !seen[p] {
				seen[p] = true
				c, err := h.chunkAt(p)
				if err != nil {
					break
				}
				if !yield(c) {
					return
				}
				p, err = inferior.ReadWord(h.proc, p+h.bkOff)
				if err != nil {
					break
				}
			}
		}
	}
}

// Arenas returns the addresses of all malloc arenas, starting with
// main_arena and following the malloc_state.next links until the list
// cycles back.
func (h *Heap) Arenas() ([]uint64, error) {
	var arenas []uint64
	seen := make(map[uint64]bool)
	addr := h.mainArena
	for !seen[addr] {
		seen[addr] = true
		arenas = append(arenas, addr)
		next, err := inferior.ReadWord(h.proc, addr+h.nextOff)
		if err != nil {
			return arenas, err
		}
		if next == h.mainArena || next == 0 {
			break
		}
		addr = next
	}
	return arenas, nil
}
