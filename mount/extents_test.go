package mount

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodeExtents(extents ...DiskExtent) []byte {
	buf := make([]byte, extentsBufferSize(len(extents)))
	binary.LittleEndian.PutUint32(buf, uint32(len(extents)))
	for i, e := range extents {
		off := extentsHeaderSize + i*extentSize
		binary.LittleEndian.PutUint32(buf[off:], e.DiskNumber)
		binary.LittleEndian.PutUint64(buf[off+8:], uint64(e.StartingOffset))
		binary.LittleEndian.PutUint64(buf[off+16:], uint64(e.ExtentLength))
	}
	return buf
}

func TestParseDiskExtents(t *testing.T) {
	want := []DiskExtent{
		{DiskNumber: 3, StartingOffset: 1 << 20, ExtentLength: 64 << 30},
		{DiskNumber: 5, StartingOffset: 0, ExtentLength: 512},
		{DiskNumber: 3, StartingOffset: 2 << 20, ExtentLength: 1},
	}
	got, err := ParseDiskExtents(encodeExtents(want...))
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Equal(t, []uint32{3, 5}, diskNumbers(got))
}

func TestParseDiskExtentsBounds(t *testing.T) {
	full := encodeExtents(DiskExtent{DiskNumber: 1, ExtentLength: 10}, DiskExtent{DiskNumber: 2, ExtentLength: 10})

	testCases := []struct {
		name string
		buf  []byte
	}{
		{name: "empty", buf: nil},
		{name: "short header", buf: full[:6]},
		{name: "truncated extent", buf: full[:len(full)-1]},
		{name: "missing second extent", buf: full[:extentsBufferSize(1)]},
		{name: "absurd count", buf: func() []byte {
			b := make([]byte, 8)
			binary.LittleEndian.PutUint32(b, 1<<30)
			return b
		}()},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseDiskExtents(tc.buf)
			assert.Error(t, err)
		})
	}

	none, err := ParseDiskExtents(encodeExtents())
	require.NoError(t, err)
	assert.Empty(t, none)
}
