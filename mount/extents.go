package mount

import (
	"encoding/binary"
	"fmt"
)

// DiskExtent is one entry of a VOLUME_DISK_EXTENTS response.
type DiskExtent struct {
	DiskNumber     uint32
	StartingOffset int64
	ExtentLength   int64
}

// VOLUME_DISK_EXTENTS layout (x64 and x86 alike):
//
//	DWORD NumberOfDiskExtents; 4 bytes padding
//	DISK_EXTENT Extents[n]: DWORD DiskNumber; 4 bytes padding;
//	                        LARGE_INTEGER StartingOffset; LARGE_INTEGER ExtentLength
const (
	extentsHeaderSize = 8
	extentSize        = 24
	maxExtents        = 128
)

// extentReader is a bounds-checked little endian reader.
type extentReader struct {
	buf []byte
	off int
}

func (r *extentReader) uint32() (uint32, error) {
	if r.off+4 > len(r.buf) {
		return 0, fmt.Errorf("disk extents truncated at offset %d", r.off)
	}
	v := binary.LittleEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v, nil
}

func (r *extentReader) int64() (int64, error) {
	if r.off+8 > len(r.buf) {
		return 0, fmt.Errorf("disk extents truncated at offset %d", r.off)
	}
	v := int64(binary.LittleEndian.Uint64(r.buf[r.off:]))
	r.off += 8
	return v, nil
}

func (r *extentReader) skip(n int) error {
	if r.off+n > len(r.buf) {
		return fmt.Errorf("disk extents truncated at offset %d", r.off)
	}
	r.off += n
	return nil
}

// ParseDiskExtents decodes a VOLUME_DISK_EXTENTS buffer.
func ParseDiskExtents(buf []byte) ([]DiskExtent, error) {
	r := &extentReader{buf: buf}
	count, err := r.uint32()
	if err != nil {
		return nil, err
	}
	if count > maxExtents {
		return nil, fmt.Errorf("implausible extent count %d", count)
	}
	if err := r.skip(4); err != nil {
		return nil, err
	}
	if need := extentsHeaderSize + int(count)*extentSize; len(buf) < need {
		return nil, fmt.Errorf("disk extents buffer is %d bytes, need %d for %d extents", len(buf), need, count)
	}

	extents := make([]DiskExtent, 0, count)
	for i := uint32(0); i < count; i++ {
		var e DiskExtent
		if e.DiskNumber, err = r.uint32(); err != nil {
			return nil, err
		}
		if err = r.skip(4); err != nil {
			return nil, err
		}
		if e.StartingOffset, err = r.int64(); err != nil {
			return nil, err
		}
		if e.ExtentLength, err = r.int64(); err != nil {
			return nil, err
		}
		extents = append(extents, e)
	}
	return extents, nil
}

// extentsBufferSize is the response size for n extents.
func extentsBufferSize(n int) int {
	return extentsHeaderSize + n*extentSize
}

// diskNumbers returns the distinct disk numbers of extents in order.
func diskNumbers(extents []DiskExtent) []uint32 {
	var disks []uint32
	seen := map[uint32]bool{}
	for _, e := range extents {
		if !seen[e.DiskNumber] {
			seen[e.DiskNumber] = true
			disks = append(disks, e.DiskNumber)
		}
	}
	return disks
}
