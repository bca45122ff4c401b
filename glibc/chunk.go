package glibc

import (
	"errors"
	"fmt"

	"github.com/rogerhu/gdb-heap/inferior"
)

// Flags stored in the low bits of a chunk's size field.
const (
	// PrevInuse is set when the previous adjacent chunk is in use.
	PrevInuse = 0x1
	// IsMmapped is set when the chunk was obtained with mmap().
	IsMmapped = 0x2
	// NonMainArena is set when the chunk belongs to a non-main arena.
	NonMainArena = 0x4

	sizeBits = PrevInuse | IsMmapped | NonMainArena
)

// ErrPrevInuse is returned by Chunk.Prev when the previous chunk is in
// use: its prev_size field is then not meaningful and reading it is
// undefined.
var ErrPrevInuse = errors.New("previous chunk is in use; prev_size is not readable")

// Chunk is a read-only view of one malloc chunk, used or free. Addr is
// the address as seen by the allocator; Mem is the address as seen by
// the application.
type Chunk struct {
	heap    *Heap
	addr    uint64
	rawSize uint64 // size field including flag bits
}

// Addr returns the chunk's address as seen by the allocator.
func (c Chunk) Addr() uint64 { return c.addr }

// Mem returns the chunk's address as seen by the application, i.e.
// what malloc returned (the analog of chunk2mem).
func (c Chunk) Mem() uint64 { return c.addr + 2*c.heap.sizeSz }

// Size returns the chunk size with the flag bits masked off.
func (c Chunk) Size() uint64 { return c.rawSize &^ sizeBits }

// HasPrevInuse reports the PREV_INUSE flag.
func (c Chunk) HasPrevInuse() bool { return c.rawSize&PrevInuse != 0 }

// IsMmapped reports the IS_MMAPPED flag.
func (c Chunk) IsMmapped() bool { return c.rawSize&IsMmapped != 0 }

// NonMainArena reports the NON_MAIN_ARENA flag.
func (c Chunk) NonMainArena() bool { return c.rawSize&NonMainArena != 0 }

// InUse reports whether the chunk is currently allocated. An mmapped
// chunk is always in use. For ordinary chunks the allocator records
// the freed state on the *following* chunk: this chunk is in use iff
// the next chunk's PREV_INUSE flag is set.
func (c Chunk) InUse() (bool, error) {
	if c.IsMmapped() {
		return true, nil
	}
	next, err := c.Next()
	if err != nil {
		return false, err
	}
	return next.HasPrevInuse(), nil
}

// Next returns the next chunk in address order.
func (c Chunk) Next() (Chunk, error) {
	return c.heap.chunkAt(c.addr + c.Size())
}

// Prev returns the previous chunk in address order. This is only
// defined when PREV_INUSE is clear; otherwise Prev fails with
// ErrPrevInuse without touching inferior memory.
func (c Chunk) Prev() (Chunk, error) {
	if c.HasPrevInuse() {
		return Chunk{}, ErrPrevInuse
	}
	prevSize, err := inferior.ReadUint(c.heap.proc, c.addr+c.heap.prevSizeOff, c.heap.sizeSz)
	if err != nil {
		return Chunk{}, err
	}
	return c.heap.chunkAt(c.addr - prevSize)
}

func (c Chunk) String() string {
	s := fmt.Sprintf("<chunk=0x%x mem=0x%x", c.addr, c.Mem())
	if c.HasPrevInuse() {
		s += " PREV_INUSE"
	}
	if c.NonMainArena() {
		s += " NON_MAIN_ARENA"
	}
	if c.IsMmapped() {
		s += " IS_MMAPPED"
	} else if inuse, err := c.InUse(); err == nil {
		if inuse {
			s += " inuse"
		} else {
			s += " free"
		}
	}
	return s + fmt.Sprintf(" chunksize=%d memsize=%d>", c.Size(), c.Size()-2*c.heap.sizeSz)
}
