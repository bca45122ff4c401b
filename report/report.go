// Package report renders heap inventories for humans: aligned tables
// of usage grouped by category or by chunk size, and per-block
// listings with hexdumps.
package report

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/rogerhu/gdb-heap/inventory"
)

// FormatSize renders a byte count with thousands separators.
func FormatSize(n uint64) string {
	return humanize.Comma(int64(n))
}

// FormatAddr renders an address as zero-padded hex at the inferior's
// pointer width.
func FormatAddr(addr uint64, ptrSize int) string {
	return fmt.Sprintf("0x%0*x", ptrSize*2, addr)
}

// Table is a table of text/numbers that knows how to print itself:
// right-aligned cells, two-space column separators, and a dashed rule
// under the headings.
type Table struct {
	headings []string
	rows     [][]string
}

// NewTable creates a table with the given column headings.
func NewTable(headings ...string) *Table {
	return &Table{headings: headings}
}

// AddRow appends a row. It panics if the cell count does not match the
// headings; that is a caller bug, not bad input.
func (t *Table) AddRow(cells ...string) {
	if len(cells) != len(t.headings) {
		panic(fmt.Sprintf("AddRow: %d cells for %d columns", len(cells), len(t.headings)))
	}
	t.rows = append(t.rows, cells)
}

// Write renders the table.
func (t *Table) Write(w io.Writer) error {
	widths := make([]int, len(t.headings))
	for i, h := range t.headings {
		widths[i] = len(h)
	}
	for _, row := range t.rows {
		for i, cell := range row {
			if len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}

	writeRow := func(cells []string) error {
		var b strings.Builder
		for i, cell := range cells {
			if i > 0 {
				b.WriteString("  ")
			}
			fmt.Fprintf(&b, "%*s", widths[i], cell)
		}
		b.WriteByte('\n')
		_, err := io.WriteString(w, b.String())
		return err
	}

	if err := writeRow(t.headings); err != nil {
		return err
	}
	rule := make([]string, len(widths))
	for i, w := range widths {
		rule[i] = strings.Repeat("-", w)
	}
	if err := writeRow(rule); err != nil {
		return err
	}
	for _, row := range t.rows {
		if err := writeRow(row); err != nil {
			return err
		}
	}
	return nil
}

func (t *Table) String() string {
	var b strings.Builder
	t.Write(&b) // cannot fail on a Builder
	return b.String()
}

// ByCategory builds the default report: allocated bytes and block
// counts per category, largest first, with a TOTAL row.
func ByCategory(usages []*inventory.Usage) *Table {
	totals := make(map[inventory.Category]uint64)
	counts := make(map[inventory.Category]uint64)
	var totalSize, totalCount uint64
	for _, u := range usages {
		totals[u.Category] += u.Size
		counts[u.Category]++
		totalSize += u.Size
		totalCount++
	}

	cats := make([]inventory.Category, 0, len(totals))
	for c := range totals {
		cats = append(cats, c)
	}
	sort.Slice(cats, func(i, k int) bool {
		if totals[cats[i]] != totals[cats[k]] {
			return totals[cats[i]] > totals[cats[k]]
		}
		return cats[i].String() < cats[k].String()
	})

	t := NewTable("Domain", "Kind", "Detail", "Count", "Allocated size")
	for _, c := range cats {
		t.AddRow(c.Domain, c.Kind, c.Detail, FormatSize(counts[c]), FormatSize(totals[c]))
	}
	t.AddRow("", "", "TOTAL", FormatSize(totalCount), FormatSize(totalSize))
	return t
}

// BySize builds the size-distribution report: block counts per chunk
// size, largest aggregate first, with a TOTALS row.
func BySize(usages []*inventory.Usage) *Table {
	counts := make(map[uint64]uint64)
	var totalSize, totalCount uint64
	for _, u := range usages {
		counts[u.Size]++
		totalSize += u.Size
		totalCount++
	}

	sizes := make([]uint64, 0, len(counts))
	for s := range counts {
		sizes = append(sizes, s)
	}
	sort.Slice(sizes, func(i, k int) bool {
		ti, tk := sizes[i]*counts[sizes[i]], sizes[k]*counts[sizes[k]]
		if ti != tk {
			return ti > tk
		}
		return sizes[i] > sizes[k]
	})

	t := NewTable("Chunk size", "Num chunks", "Allocated size")
	for _, s := range sizes {
		t.AddRow(FormatSize(s), FormatSize(counts[s]), FormatSize(s*counts[s]))
	}
	t.AddRow("TOTALS", FormatSize(totalCount), FormatSize(totalSize))
	return t
}

// WriteUsageList renders one numbered line per block:
//
//	     0: 0x0000000000602010 -> 0x000000000060206f       96 bytes           python:str |48 65 ... |He...|
func WriteUsageList(w io.Writer, usages []*inventory.Usage, ptrSize int) error {
	for i, u := range usages {
		cat := ""
		if u.Categorized() {
			cat = u.Category.String()
		}
		_, err := fmt.Fprintf(w, "%6d: %s -> %s %8d bytes %20s |%s\n",
			i, FormatAddr(u.Start, ptrSize), FormatAddr(u.End()-1, ptrSize),
			u.Size, cat, u.Hexdump)
		if err != nil {
			return err
		}
	}
	return nil
}

// Hexdump renders memory as rows of 16 bytes: an address column, hex
// pairs, and a character gutter.
func Hexdump(w io.Writer, start uint64, data []byte, ptrSize int) error {
	for off := 0; off < len(data); off += 16 {
		end := off + 16
		if end > len(data) {
			end = len(data)
		}
		row := data[off:end]
		var hexcol, charcol strings.Builder
		for i := 0; i < 16; i++ {
			if i > 0 {
				hexcol.WriteByte(' ')
			}
			if i < len(row) {
				fmt.Fprintf(&hexcol, "%02x", row[i])
				if row[i] >= 0x20 && row[i] < 0x7f {
					charcol.WriteByte(row[i])
				} else {
					charcol.WriteByte('.')
				}
			} else {
				hexcol.WriteString("  ")
			}
		}
		_, err := fmt.Fprintf(w, "%s: %s |%s|\n",
			FormatAddr(start+uint64(off), ptrSize), hexcol.String(), charcol.String())
		if err != nil {
			return err
		}
	}
	return nil
}
