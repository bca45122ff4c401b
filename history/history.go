// Package history records labeled snapshots of the heap inventory and
// computes the differences between them, for watching a process leak
// (or recover) memory across an interactive session.
package history

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/rogerhu/gdb-heap/inventory"
)

// Key identifies an allocation across snapshots. Two snapshots hold
// "the same" allocation when start, size and category all agree; a
// block freed and reallocated for a different purpose shows up as one
// removal plus one addition.
type Key struct {
	Start    uint64
	Size     uint64
	Category inventory.Category
}

// Entry is one allocation as captured in a snapshot.
type Entry struct {
	Key
	Hexdump string
}

// Snapshot is an immutable record of the heap inventory at one moment.
type Snapshot struct {
	Name string
	Time time.Time

	entries   map[Key]Entry
	totalSize uint64
}

// New captures a snapshot from a categorized usage list. The usages
// are copied; later categorization changes do not leak in.
func New(name string, at time.Time, usages []*inventory.Usage) *Snapshot {
	s := &Snapshot{
		Name:    name,
		Time:    at,
		entries: make(map[Key]Entry, len(usages)),
	}
	for _, u := range usages {
		e := Entry{
			Key:     Key{Start: u.Start, Size: u.Size, Category: u.Category},
			Hexdump: u.Hexdump,
		}
		if _, dup := s.entries[e.Key]; dup {
			continue
		}
		s.entries[e.Key] = e
		s.totalSize += u.Size
	}
	return s
}

// FromEntries rebuilds a snapshot from previously captured entries,
// e.g. when loading a saved snapshot from disk.
func FromEntries(name string, at time.Time, entries []Entry) *Snapshot {
	s := &Snapshot{
		Name:    name,
		Time:    at,
		entries: make(map[Key]Entry, len(entries)),
	}
	for _, e := range entries {
		if _, dup := s.entries[e.Key]; dup {
			continue
		}
		s.entries[e.Key] = e
		s.totalSize += e.Size
	}
	return s
}

// TotalSize returns the allocated byte total.
func (s *Snapshot) TotalSize() uint64 { return s.totalSize }

// Count returns the number of allocations.
func (s *Snapshot) Count() int { return len(s.entries) }

// Summary renders e.g. "2,345,678 bytes allocated, in 17,492 blocks".
func (s *Snapshot) Summary() string {
	return fmt.Sprintf("%s bytes allocated, in %s blocks",
		humanize.Comma(int64(s.totalSize)), humanize.Comma(int64(len(s.entries))))
}

// Entries returns the captured allocations in ascending start order.
func (s *Snapshot) Entries() []Entry {
	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Start < out[k].Start })
	return out
}

// History is an append-only list of snapshots.
type History struct {
	snapshots []*Snapshot
}

// Add appends a snapshot.
func (h *History) Add(s *Snapshot) {
	h.snapshots = append(h.snapshots, s)
}

// Snapshots returns the snapshots, oldest first.
func (h *History) Snapshots() []*Snapshot { return h.snapshots }

// Last returns the most recent snapshot, or nil.
func (h *History) Last() *Snapshot {
	if len(h.snapshots) == 0 {
		return nil
	}
	return h.snapshots[len(h.snapshots)-1]
}

// Diff is the set difference between two snapshots, in both
// directions.
type Diff struct {
	Old, New *Snapshot
}

// NewDiff pairs two snapshots for comparison.
func NewDiff(old, new *Snapshot) *Diff {
	return &Diff{Old: old, New: new}
}

// Added returns the allocations present in New but not Old, in
// ascending start order.
func (d *Diff) Added() []Entry {
	return minus(d.New, d.Old)
}

// Removed returns the allocations present in Old but not New, in
// ascending start order.
func (d *Diff) Removed() []Entry {
	return minus(d.Old, d.New)
}

func minus(a, b *Snapshot) []Entry {
	var out []Entry
	for k, e := range a.entries {
		if _, ok := b.entries[k]; !ok {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].Start < out[k].Start })
	return out
}

// Stats summarizes the net change, e.g. "+1,024 bytes, +3 blocks".
// Growth carries an explicit plus sign.
func (d *Diff) Stats() string {
	sizeChange := int64(d.New.totalSize) - int64(d.Old.totalSize)
	countChange := int64(d.New.Count()) - int64(d.Old.Count())
	return fmt.Sprintf("%s%s bytes, %s%s blocks",
		sign(sizeChange), humanize.Comma(sizeChange),
		sign(countChange), humanize.Comma(countChange))
}

func sign(n int64) string {
	if n >= 0 {
		return "+"
	}
	return "" // the minus comes from the number itself
}

// Changes renders the freed and new blocks, one line each, formatting
// addresses with fmtAddr.
func (d *Diff) Changes(fmtAddr func(uint64) string) string {
	var b strings.Builder
	writeBlockReport(&b, "Free-d blocks", d.Removed(), fmtAddr)
	writeBlockReport(&b, "New blocks", d.Added(), fmtAddr)
	return b.String()
}

func writeBlockReport(b *strings.Builder, title string, entries []Entry, fmtAddr func(uint64) string) {
	fmt.Fprintf(b, "%s:\n", title)
	if len(entries) == 0 {
		fmt.Fprintf(b, "  (none)\n")
		return
	}
	for _, e := range entries {
		fmt.Fprintf(b, "  %s -> %s %8d bytes %20s |%s\n",
			fmtAddr(e.Start), fmtAddr(e.Start+e.Size-1), e.Size, e.Category, e.Hexdump)
	}
}
