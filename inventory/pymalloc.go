package inventory

import (
	"errors"

	"github.com/rogerhu/gdb-heap/inferior"
)

// pymalloc geometry (Objects/obmalloc.c). The arena and pool sizes are
// compile-time constants in CPython; only struct layouts come from
// debug metadata.
const (
	pymallocAlignment = 8
	pymallocArenaSize = 256 << 10
	pymallocPoolSize  = 4 << 10
)

func pymallocRoundup(n uint64) uint64 {
	return (n + pymallocAlignment - 1) &^ (pymallocAlignment - 1)
}

type pymallocArena struct {
	address     uint64 // the 256KB buffer obtained from malloc
	poolAddress uint64 // high-water mark; pools beyond are untouched
}

// PymallocExpander decomposes the 256KB buffers backing CPython's
// small-object allocator into their pools and blocks: the allocator's
// own overhead and freed blocks are classified under "pyarena", and
// each live block becomes an uncategorized usage for the sniffers.
type PymallocExpander struct {
	proc   inferior.Process
	arenas []pymallocArena

	poolOverhead  uint64
	szidxField    inferior.Field
	freeblockOff  uint64
	nextoffsetOff uint64
	nextoffSize   uint64
}

// NewPymallocExpander reads CPython's arena registry from the
// inferior. It returns nil when the inferior does not embed CPython
// (or lacks its debug metadata); the caller then simply has no
// expansion to do.
func NewPymallocExpander(p inferior.Process, types inferior.TypeResolver) *PymallocExpander {
	arenaLayout, err := lookupStructType(types, "arena_object")
	if err != nil {
		return nil
	}
	poolLayout, err := lookupStructType(types, "pool_header")
	if err != nil {
		return nil
	}
	addrField, ok1 := arenaLayout.Field("address")
	poolAddrField, ok2 := arenaLayout.Field("pool_address")
	szidxField, ok3 := poolLayout.Field("szidx")
	freeblockField, ok4 := poolLayout.Field("freeblock")
	nextoffsetField, ok5 := poolLayout.Field("nextoffset")
	if !ok1 || !ok2 || !ok3 || !ok4 || !ok5 {
		return nil
	}

	arenasAddr, err := p.LookupGlobal("arenas")
	if err != nil {
		return nil
	}
	maxarenasAddr, err := p.LookupGlobal("maxarenas")
	if err != nil {
		return nil
	}
	arenasPtr, err := inferior.ReadWord(p, arenasAddr)
	if err != nil || arenasPtr == 0 {
		return nil
	}
	maxarenas, err := inferior.ReadUint(p, maxarenasAddr, 4)
	if err != nil {
		return nil
	}

	x := &PymallocExpander{
		proc:          p,
		poolOverhead:  pymallocRoundup(poolLayout.Size),
		szidxField:    szidxField,
		freeblockOff:  freeblockField.Offset,
		nextoffsetOff: nextoffsetField.Offset,
		nextoffSize:   nextoffsetField.Size,
	}
	for i := uint64(0); i < maxarenas; i++ {
		entry := arenasPtr + i*arenaLayout.Size
		address, err := inferior.ReadWord(p, entry+addrField.Offset)
		if err != nil {
			break
		}
		if address == 0 {
			continue // unused slot in the arenas array
		}
		poolAddress, err := inferior.ReadWord(p, entry+poolAddrField.Offset)
		if err != nil {
			break
		}
		x.arenas = append(x.arenas, pymallocArena{address: address, poolAddress: poolAddress})
	}
	logf("pymalloc: %d live arenas of %d slots", len(x.arenas), maxarenas)
	return x
}

func lookupStructType(types inferior.TypeResolver, name string) (*inferior.Layout, error) {
	l, err := types.LookupType(name)
	var notFound *inferior.NoSuchTypeError
	if errors.As(err, &notFound) {
		return types.LookupType("struct " + name)
	}
	return l, err
}

// Expand implements Expander.
func (x *PymallocExpander) Expand(u *Usage) ([]*Usage, bool) {
	if u.Size < pymallocArenaSize {
		return nil, false // too small to back an arena
	}
	for _, a := range x.arenas {
		if a.address == u.Start {
			return x.expandArena(a), true
		}
	}
	return nil, false
}

func (x *PymallocExpander) expandArena(a pymallocArena) []*Usage {
	var out []*Usage
	arenaCat := func(start, size uint64, kind string) {
		u := NewUsage(start, size)
		u.Category = Category{Domain: "pyarena", Kind: kind}
		out = append(out, u)
	}

	// The first pool is aligned up to a pool boundary; the skipped
	// bytes are pure wastage.
	poolAddr := a.address
	numPools := uint64(pymallocArenaSize / pymallocPoolSize)
	if excess := a.address & (pymallocPoolSize - 1); excess != 0 {
		arenaCat(a.address, excess, "alignment wastage")
		numPools--
		poolAddr += pymallocPoolSize - excess
	}

	for i := uint64(0); i < numPools; i++ {
		if poolAddr >= a.poolAddress {
			break // pools past the high-water mark were never touched
		}
		out = x.expandPool(poolAddr, arenaCat, out)
		poolAddr += pymallocPoolSize
	}
	return out
}

func (x *PymallocExpander) expandPool(poolAddr uint64, arenaCat func(uint64, uint64, string), out []*Usage) []*Usage {
	arenaCat(poolAddr, x.poolOverhead, "pool_header overhead")

	szidx, err := inferior.ReadUint(x.proc, poolAddr+x.szidxField.Offset, x.szidxField.Size)
	if err != nil {
		return out
	}
	blockSize := (szidx + 1) << 3
	if blockSize == 0 || blockSize > pymallocPoolSize {
		return out // corrupt header
	}

	// Freed blocks: a singly-linked list threaded through the blocks
	// themselves.
	free := make(map[uint64]bool)
	fb, err := inferior.ReadWord(x.proc, poolAddr+x.freeblockOff)
	for err == nil && fb != 0 && !free[fb] {
		free[fb] = true
		arenaCat(fb, blockSize, "freed pool chunk")
		fb, err = inferior.ReadWord(x.proc, fb)
	}

	// Live blocks: everything below nextoffset that is not on the free
	// list. Blocks at nextoffset and beyond have never been handed out.
	nextoffset, err := inferior.ReadUint(x.proc, poolAddr+x.nextoffsetOff, x.nextoffSize)
	if err != nil {
		return out
	}
	if nextoffset > pymallocPoolSize {
		nextoffset = pymallocPoolSize
	}
	for off := x.poolOverhead; off < nextoffset; off += blockSize {
		addr := poolAddr + off
		if !free[addr] {
			out = append(out, NewUsage(addr, blockSize))
		}
	}
	return out
}
