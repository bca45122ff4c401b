package inventory_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rogerhu/gdb-heap/inventory"
)

func TestUsageSetLookup(t *testing.T) {
	a := inventory.NewUsage(0x1000, 32)
	b := inventory.NewUsage(0x2000, 64)
	s := inventory.NewUsageSet([]*inventory.Usage{b, a})

	assert.Same(t, a, s.Get(0x1000))
	assert.Nil(t, s.Get(0x1008), "lookups are by exact start address")
	assert.Equal(t, 2, s.Len())

	all := s.All()
	require.Len(t, all, 2)
	assert.Same(t, a, all[0], "All is sorted by start")
}

func TestSetAddrCategoryLevels(t *testing.T) {
	u := inventory.NewUsage(0x1000, 32)
	s := inventory.NewUsageSet([]*inventory.Usage{u})
	coarse := inventory.Category{Domain: "cpython", Kind: "PyDictEntry table"}
	fine := inventory.Category{Domain: "cpython", Kind: "PyDictEntry table", Detail: "interned"}

	// Unknown address: no-op.
	assert.False(t, s.SetAddrCategory(0x9999, coarse, 0, nil))

	assert.True(t, s.SetAddrCategory(0x1000, coarse, 0, nil))
	assert.Equal(t, coarse, u.Category)
	assert.Equal(t, 0, u.Level)

	// Same level loses; the first writer wins.
	assert.False(t, s.SetAddrCategory(0x1000, fine, 0, nil))
	assert.Equal(t, coarse, u.Category)

	// A strictly higher level refines.
	assert.True(t, s.SetAddrCategory(0x1000, fine, 1, nil))
	assert.Equal(t, fine, u.Category)
	assert.Equal(t, 1, u.Level)

	// And never goes back down.
	assert.False(t, s.SetAddrCategory(0x1000, coarse, 0, nil))
	assert.Equal(t, fine, u.Category)
}

func TestSetAddrCategoryVisited(t *testing.T) {
	u := inventory.NewUsage(0x1000, 32)
	s := inventory.NewUsageSet([]*inventory.Usage{u})
	cat := inventory.Category{Domain: "python", Kind: "dict"}

	visited := make(map[uint64]bool)
	assert.True(t, s.SetAddrCategory(0x1000, cat, 0, visited))
	// Second visit to the same address is refused outright, even at a
	// higher level: this is what stops cyclic object graphs.
	assert.False(t, s.SetAddrCategory(0x1000, cat, 5, visited))
	assert.Equal(t, 0, u.Level)
}

func TestClaimThenRefine(t *testing.T) {
	// A plain claim (e.g. the fallback) has no level, so a level-0
	// refinement from another object may still take the block over.
	u := inventory.NewUsage(0x1000, 32)
	u.Category = inventory.Uncategorized(32)
	s := inventory.NewUsageSet([]*inventory.Usage{u})

	assert.True(t, u.Categorized())
	assert.True(t, s.SetAddrCategory(0x1000, inventory.Category{Domain: "cpython", Kind: "PyListObject ob_item table"}, 0, nil))
	assert.Equal(t, "cpython", u.Category.Domain)
}

func TestFormatHexdump(t *testing.T) {
	got := inventory.FormatHexdump([]byte{0x48, 0x65, 0x6c, 0x6c, 0x6f, 0x00, 0xff})
	assert.True(t, strings.HasPrefix(got, "48 65 6c 6c 6f 00 ff "))
	assert.True(t, strings.HasSuffix(got, " |Hello..|"))
	assert.Len(t, got, 69, "short blocks pad the hex column to full width")

	// Truncated to 20 bytes.
	long := inventory.FormatHexdump(make([]byte, 64))
	assert.Contains(t, long, "|....................|")
}

func TestUncategorized(t *testing.T) {
	c := inventory.Uncategorized(4096)
	assert.Equal(t, "uncategorized", c.Domain)
	assert.Equal(t, "4096 bytes", c.Detail)
}
