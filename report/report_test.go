package report_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rogerhu/gdb-heap/inventory"
	"github.com/rogerhu/gdb-heap/report"
)

func usage(start, size uint64, domain, kind, detail string) *inventory.Usage {
	u := inventory.NewUsage(start, size)
	u.Category = inventory.Category{Domain: domain, Kind: kind, Detail: detail}
	u.Level = 0
	return u
}

func TestFormatAddr(t *testing.T) {
	assert.Equal(t, "0x0000000000602010", report.FormatAddr(0x602010, 8))
	assert.Equal(t, "0x00602010", report.FormatAddr(0x602010, 4))
}

func TestFormatSize(t *testing.T) {
	assert.Equal(t, "0", report.FormatSize(0))
	assert.Equal(t, "1,234,567", report.FormatSize(1234567))
}

func TestTableAlignment(t *testing.T) {
	tbl := report.NewTable("Name", "Size")
	tbl.AddRow("a", "10")
	tbl.AddRow("longer", "9")

	want := strings.Join([]string{
		"  Name  Size",
		"------  ----",
		"     a    10",
		"longer     9",
		"",
	}, "\n")
	assert.Equal(t, want, tbl.String())
}

func TestTableRowWidthMismatchPanics(t *testing.T) {
	tbl := report.NewTable("A", "B")
	assert.Panics(t, func() { tbl.AddRow("only one") })
}

func TestByCategory(t *testing.T) {
	usages := []*inventory.Usage{
		usage(0x1000, 100, "python", "str", ""),
		usage(0x2000, 100, "python", "str", ""),
		usage(0x3000, 5000, "uncategorized", "", "5000 bytes"),
		usage(0x4000, 50, "C", "string data", ""),
	}
	out := report.ByCategory(usages).String()
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	require.Len(t, lines, 6) // heading, rule, 3 categories, TOTAL

	// Sorted by allocated size, largest first.
	assert.Contains(t, lines[2], "uncategorized")
	assert.Contains(t, lines[3], "python")
	assert.Contains(t, lines[4], "string data")

	total := lines[5]
	assert.Contains(t, total, "TOTAL")
	assert.Contains(t, total, "4")
	assert.Contains(t, total, "5,250")
}

func TestBySize(t *testing.T) {
	usages := []*inventory.Usage{
		usage(0x1000, 32, "", "", ""),
		usage(0x2000, 32, "", "", ""),
		usage(0x3000, 32, "", "", ""),
		usage(0x4000, 4096, "", "", ""),
	}
	out := report.BySize(usages).String()
	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	require.Len(t, lines, 5)

	// 4096*1 outweighs 32*3.
	assert.Contains(t, lines[2], "4,096")
	assert.Contains(t, lines[3], "32")
	assert.Contains(t, lines[3], "96")

	assert.Contains(t, lines[4], "TOTALS")
	assert.Contains(t, lines[4], "4,192")
}

func TestWriteUsageList(t *testing.T) {
	u := usage(0x602010, 96, "python", "str", "")
	u.Hexdump = inventory.FormatHexdump([]byte("Hello"))

	var b strings.Builder
	require.NoError(t, report.WriteUsageList(&b, []*inventory.Usage{u}, 8))
	out := b.String()
	assert.Contains(t, out, "0x0000000000602010 -> 0x000000000060206f")
	assert.Contains(t, out, "96 bytes")
	assert.Contains(t, out, "python:str")
	assert.Contains(t, out, "|Hello|")
}

func TestHexdump(t *testing.T) {
	data := []byte("abcdefghijklmnopqr\x00\x01")
	var b strings.Builder
	require.NoError(t, report.Hexdump(&b, 0x1000, data, 4))
	lines := strings.Split(strings.TrimRight(b.String(), "\n"), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "0x00001000: 61 62 63"))
	assert.Contains(t, lines[0], "|abcdefghijklmnop|")
	assert.Contains(t, lines[1], "|qr..|")
	assert.True(t, strings.HasPrefix(lines[1], "0x00001010:"))
}
