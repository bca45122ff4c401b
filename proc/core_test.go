package proc

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCore(segments ...coreSegment) *Core {
	return &Core{segments: segments, ptrSize: 8, order: binary.LittleEndian}
}

func TestCoreReadBytes(t *testing.T) {
	data := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	c := testCore(coreSegment{
		start:    0x1000,
		memSize:  16,
		fileSize: 8,
		data:     bytes.NewReader(data),
	})

	got, err := c.ReadBytes(0x1002, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte{3, 4, 5, 6}, got)

	// The kernel truncated the tail of the segment; it reads as zero.
	got, err = c.ReadBytes(0x1006, 6)
	require.NoError(t, err)
	assert.Equal(t, []byte{7, 8, 0, 0, 0, 0}, got)

	got, err = c.ReadBytes(0x100a, 4)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 0}, got)

	_, err = c.ReadBytes(0x0500, 4)
	assert.Error(t, err, "below every segment")
	_, err = c.ReadBytes(0x100e, 4)
	assert.Error(t, err, "runs past the segment end")
}

func TestParseFileNote(t *testing.T) {
	le := binary.LittleEndian
	var desc bytes.Buffer
	w := func(v uint64) { binary.Write(&desc, le, v) }
	w(2)      // count
	w(0x1000) // page size
	w(0x400000)
	w(0x401000)
	w(0) // /bin/app: pages 0-1 at page offset 0
	w(0x7f0000000000)
	w(0x7f0000002000)
	w(3) // libc at page offset 3
	desc.WriteString("/bin/app\x00/lib/libc.so.6\x00")

	mappings, err := parseFileNote(desc.Bytes(), le, 8)
	require.NoError(t, err)
	require.Len(t, mappings, 2)
	assert.Equal(t, fileMapping{start: 0x400000, end: 0x401000, offset: 0, path: "/bin/app"}, mappings[0])
	assert.Equal(t, fileMapping{start: 0x7f0000000000, end: 0x7f0000002000, offset: 3 * 0x1000, path: "/lib/libc.so.6"}, mappings[1])
}

func TestParseFileNoteTruncated(t *testing.T) {
	le := binary.LittleEndian
	var desc bytes.Buffer
	binary.Write(&desc, le, uint64(100)) // claims 100 mappings
	binary.Write(&desc, le, uint64(0x1000))
	_, err := parseFileNote(desc.Bytes(), le, 8)
	assert.Error(t, err)
}
