package qcow

import (
	"encoding/binary"
	"fmt"
	"time"

	"go-diskimage/pkg/diskimage"
	"go-diskimage/pkg/structcodec"
)

// CreateOptions controls the layout of a new image.
type CreateOptions struct {
	// ClusterBits defaults to 12 (4 KiB clusters).
	ClusterBits uint8
	// L2Bits defaults to 9 (512 entries per L2 table).
	L2Bits uint8
	// CacheBytes is forwarded to the returned image.
	CacheBytes int
}

const (
	defaultClusterBits = 12
	defaultL2Bits      = 9
)

// Create writes an empty image of size bytes to dst and opens it
// read-write. dst should be empty; existing bytes past the new L1 table are
// left untouched and later allocations land after them.
func Create(dst diskimage.WriteSource, size uint64, opts CreateOptions) (*Image, error) {
	if opts.ClusterBits == 0 {
		opts.ClusterBits = defaultClusterBits
	}
	if opts.L2Bits == 0 {
		opts.L2Bits = defaultL2Bits
	}
	if size == 0 || size%sectorSize != 0 {
		return nil, fmt.Errorf("qcow: size %d is not a positive multiple of %d", size, sectorSize)
	}

	h := &Header{
		Magic:         Magic,
		Version:       1,
		MTime:         uint32(time.Now().Unix()),
		Size:          size,
		ClusterBits:   opts.ClusterBits,
		L2Bits:        opts.L2Bits,
		L1TableOffset: HeaderSize,
	}
	raw, err := structcodec.Encode(binary.BigEndian, h)
	if err != nil {
		return nil, err
	}
	// Validate through the same path Open uses.
	if _, err := ParseHeader(raw); err != nil {
		return nil, err
	}

	if _, err := dst.WriteAt(raw, 0); err != nil {
		return nil, fmt.Errorf("write header: %w", err)
	}
	l1 := make([]byte, h.L1Size()*8)
	if _, err := dst.WriteAt(l1, HeaderSize); err != nil {
		return nil, fmt.Errorf("write L1 table: %w", err)
	}
	if err := syncSource(dst); err != nil {
		return nil, err
	}

	return Open(dst, &diskimage.OpenOptions{CacheBytes: opts.CacheBytes})
}

func syncSource(w any) error {
	if s, ok := w.(diskimage.Syncer); ok {
		return s.Sync()
	}
	return nil
}

func alignUp(n, align uint64) uint64 {
	return (n + align - 1) &^ (align - 1)
}

// WriteSector implements diskimage.WritableImage. Writing to an unmapped
// cluster allocates it at the end of the file; the table entries pointing to
// it are persisted before the data is written.
func (i *Image) WriteSector(addr uint64, data []byte) error {
	if i.closed {
		return &diskimage.WriteError{Sector: addr, Message: "image is closed", Err: diskimage.ErrClosed}
	}
	if i.w == nil {
		return &diskimage.WriteError{Sector: addr, Message: "image opened read-only", Err: diskimage.ErrReadOnly}
	}
	if len(data) != sectorSize {
		return &diskimage.WriteError{Sector: addr, Message: fmt.Sprintf("data is %d bytes, sector is %d", len(data), sectorSize)}
	}
	if err := diskimage.CheckRange(addr, 1, i.sectors); err != nil {
		return &diskimage.WriteError{Sector: addr, Message: "sector out of range", Err: err}
	}

	byteAddr := addr * sectorSize
	clusterOff, err := i.allocate(byteAddr)
	if err != nil {
		return &diskimage.WriteError{Sector: addr, Message: "cluster allocation failed", Err: err}
	}
	inCluster := byteAddr & (i.header.ClusterSize() - 1)
	if _, err := i.w.WriteAt(data, int64(clusterOff+inCluster)); err != nil {
		return &diskimage.WriteError{Sector: addr, Message: "data write failed", Err: err}
	}

	i.clusterCache.Delete(clusterOff)
	i.sectorCache.Put(addr, append([]byte(nil), data...))
	return nil
}

// WriteSectors implements diskimage.WritableImage.
func (i *Image) WriteSectors(addr uint64, count uint32, data []byte) error {
	if len(data) != int(count)*sectorSize {
		return &diskimage.WriteError{Sector: addr, Message: fmt.Sprintf("data is %d bytes, expected %d sectors", len(data), count)}
	}
	if err := diskimage.CheckRange(addr, count, i.sectors); err != nil {
		return &diskimage.WriteError{Sector: addr, Message: "sector out of range", Err: err}
	}
	for n := uint64(0); n < uint64(count); n++ {
		if err := i.WriteSector(addr+n, data[n*sectorSize:(n+1)*sectorSize]); err != nil {
			return err
		}
	}
	return nil
}

// allocate returns the host offset of the cluster holding byteAddr,
// allocating the L2 table and the cluster as needed.
func (i *Image) allocate(byteAddr uint64) (uint64, error) {
	clusterSize := i.header.ClusterSize()
	l1Index := byteAddr >> i.header.L1Shift()
	l2Index := (byteAddr >> i.header.ClusterBits) & (i.header.L2Size() - 1)

	if i.l1[l1Index] == 0 {
		l2Off := alignUp(uint64(i.w.Size()), clusterSize)
		if _, err := i.w.WriteAt(make([]byte, i.header.L2Size()*8), int64(l2Off)); err != nil {
			return 0, fmt.Errorf("zero L2 table: %w", err)
		}
		if err := syncSource(i.w); err != nil {
			return 0, err
		}
		if err := i.writeEntry(i.header.L1TableOffset+l1Index*8, l2Off); err != nil {
			return 0, fmt.Errorf("update L1 entry %d: %w", l1Index, err)
		}
		i.l1[l1Index] = l2Off
		i.l2Cache.Delete(l1Index)
	}

	table, err := i.l2Table(l1Index)
	if err != nil {
		return 0, err
	}
	entry := binary.BigEndian.Uint64(table[l2Index*8:])
	if entry != 0 {
		if i.isCompressed(entry) {
			return 0, diskimage.Unsupported(Name, "rewriting compressed clusters")
		}
		return entry, nil
	}

	clusterOff := alignUp(uint64(i.w.Size()), clusterSize)
	if _, err := i.w.WriteAt(make([]byte, clusterSize), int64(clusterOff)); err != nil {
		return 0, fmt.Errorf("zero cluster: %w", err)
	}
	if err := syncSource(i.w); err != nil {
		return 0, err
	}
	if err := i.writeEntry(i.l1[l1Index]+l2Index*8, clusterOff); err != nil {
		return 0, fmt.Errorf("update L2 entry %d/%d: %w", l1Index, l2Index, err)
	}
	binary.BigEndian.PutUint64(table[l2Index*8:], clusterOff)
	return clusterOff, nil
}

// writeEntry persists one big-endian table entry and syncs.
func (i *Image) writeEntry(off, value uint64) error {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], value)
	if _, err := i.w.WriteAt(b[:], int64(off)); err != nil {
		return err
	}
	return syncSource(i.w)
}
