package qcow

import (
	"encoding/binary"
	"fmt"

	"go-diskimage/pkg/cache"
	"go-diskimage/pkg/decompress"
	"go-diskimage/pkg/diskimage"
	"go-diskimage/pkg/log"
)

const sectorSize = diskimage.DefaultSectorSize

// Image is an opened QCOW v1 image.
type Image struct {
	src diskimage.Source
	// nil when opened read-only
	w diskimage.WriteSource

	header *Header

	l1 []uint64
	// compressed entries keep the compressed length above this mask
	clusterOffsetMask uint64
	compressedShift   uint

	l2Cache      *cache.Cache[uint64]
	clusterCache *cache.Cache[uint64]
	sectorCache  *cache.Cache[uint64]

	sectors uint64
	closed  bool
}

// Open opens a QCOW v1 image. The image is writable when src is a
// diskimage.WriteSource and opts does not ask for read-only.
func Open(src diskimage.Source, opts *diskimage.OpenOptions) (*Image, error) {
	opts = opts.WithDefaults()

	if src.Size() < HeaderSize {
		return nil, diskimage.Malformed(Name, "source of %d bytes is shorter than the header", src.Size())
	}
	buf, err := diskimage.ReadAt(src, 0, HeaderSize)
	if err != nil {
		return nil, err
	}
	h, err := ParseHeader(buf)
	if err != nil {
		return nil, err
	}

	i := &Image{
		src:               src,
		header:            h,
		clusterOffsetMask: (1 << (63 - uint(h.ClusterBits))) - 1,
		compressedShift:   63 - uint(h.ClusterBits),
		sectors:           (h.Size + sectorSize - 1) / sectorSize,
		l2Cache:           cache.New[uint64](opts.CacheBytes / 4),
		clusterCache:      cache.New[uint64](opts.CacheBytes / 2),
		sectorCache:       cache.New[uint64](opts.CacheBytes / 4),
	}
	if ws, ok := src.(diskimage.WriteSource); ok && !opts.ReadOnly {
		i.w = ws
	}

	if err := i.loadL1Table(); err != nil {
		return nil, err
	}

	log.Debugf("qcow: opened v1 image, size %d, cluster %d, l2 entries %d, l1 entries %d, writable %t",
		h.Size, h.ClusterSize(), h.L2Size(), len(i.l1), i.w != nil)
	return i, nil
}

func (i *Image) loadL1Table() error {
	l1Size := i.header.L1Size()
	tableLen := l1Size * 8
	size := uint64(i.src.Size())
	if i.header.L1TableOffset > size || tableLen > size-i.header.L1TableOffset {
		return diskimage.Malformed(Name, "L1 table of %d entries at %d exceeds image", l1Size, i.header.L1TableOffset)
	}
	raw, err := diskimage.ReadAt(i.src, int64(i.header.L1TableOffset), int(tableLen))
	if err != nil {
		return fmt.Errorf("read L1 table: %w", err)
	}
	l2Len := i.header.L2Size() * 8
	i.l1 = make([]uint64, l1Size)
	for index := range i.l1 {
		e := binary.BigEndian.Uint64(raw[index*8:])
		if e != 0 && (e >= size || l2Len > size-e) {
			return diskimage.Corrupt(Name, "L1 entry %d points to %d beyond end of image", index, e)
		}
		i.l1[index] = e
	}
	return nil
}

// Header returns the decoded image header.
func (i *Image) Header() Header { return *i.header }

// L1Table returns the L2 table offsets.
func (i *Image) L1Table() []uint64 { return i.l1 }

// Info implements diskimage.Image.
func (i *Image) Info() diskimage.Info {
	return diskimage.Info{
		Format:     Name,
		Version:    "1",
		Sectors:    i.sectors,
		SectorSize: sectorSize,
		ImageSize:  i.src.Size(),
		Writable:   i.w != nil,
	}
}

// l2Table returns the L2 table of l1Index, or nil when none is allocated.
func (i *Image) l2Table(l1Index uint64) ([]byte, error) {
	off := i.l1[l1Index]
	if off == 0 {
		return nil, nil
	}
	if t, ok := i.l2Cache.Get(l1Index); ok {
		return t, nil
	}
	t, err := diskimage.ReadAt(i.src, int64(off), int(i.header.L2Size()*8))
	if err != nil {
		return nil, fmt.Errorf("read L2 table %d: %w", l1Index, err)
	}
	i.l2Cache.Put(l1Index, t)
	return t, nil
}

// l2Entry resolves a guest byte address to its raw L2 entry.
func (i *Image) l2Entry(addr uint64) (uint64, error) {
	l1Index := addr >> i.header.L1Shift()
	if l1Index >= uint64(len(i.l1)) {
		return 0, fmt.Errorf("%w: address %d beyond L1 table", diskimage.ErrSectorOutOfRange, addr)
	}
	t, err := i.l2Table(l1Index)
	if err != nil || t == nil {
		return 0, err
	}
	l2Index := (addr >> i.header.ClusterBits) & (i.header.L2Size() - 1)
	return binary.BigEndian.Uint64(t[l2Index*8:]), nil
}

func (i *Image) isCompressed(entry uint64) bool {
	return entry>>63 == 1
}

// cluster returns the guest cluster stored behind entry.
func (i *Image) cluster(entry uint64) ([]byte, error) {
	clusterSize := i.header.ClusterSize()
	key := entry
	if c, ok := i.clusterCache.Get(key); ok {
		return c, nil
	}

	var data []byte
	if i.isCompressed(entry) {
		off := entry & i.clusterOffsetMask
		csize := (entry >> i.compressedShift) & (clusterSize - 1)
		size := uint64(i.src.Size())
		if off >= size {
			return nil, diskimage.Corrupt(Name, "compressed cluster at %d beyond end of image", off)
		}
		csize = min(csize, size-off)
		raw, err := diskimage.ReadAt(i.src, int64(off), int(csize))
		if err != nil {
			return nil, err
		}
		if data, err = decompress.Decompress(decompress.Deflate, raw, int(clusterSize)); err != nil {
			return nil, fmt.Errorf("cluster at %d: %w", off, err)
		}
	} else {
		size := uint64(i.src.Size())
		if entry >= size {
			return nil, diskimage.Corrupt(Name, "cluster at %d beyond end of image", entry)
		}
		data = make([]byte, clusterSize)
		n := min(clusterSize, size-entry)
		if err := diskimage.ReadFull(i.src, data[:n], int64(entry)); err != nil {
			return nil, err
		}
	}
	i.clusterCache.Put(key, data)
	return data, nil
}

// ReadSector implements diskimage.Image.
func (i *Image) ReadSector(addr uint64) ([]byte, error) {
	if i.closed {
		return nil, diskimage.ErrClosed
	}
	if err := diskimage.CheckRange(addr, 1, i.sectors); err != nil {
		return nil, err
	}
	if s, ok := i.sectorCache.Get(addr); ok {
		return append([]byte(nil), s...), nil
	}

	byteAddr := addr * sectorSize
	entry, err := i.l2Entry(byteAddr)
	if err != nil {
		return nil, err
	}
	sector := make([]byte, sectorSize)
	if entry != 0 {
		c, err := i.cluster(entry)
		if err != nil {
			return nil, err
		}
		inCluster := byteAddr & (i.header.ClusterSize() - 1)
		copy(sector, c[inCluster:inCluster+sectorSize])
	}
	i.sectorCache.Put(addr, append([]byte(nil), sector...))
	return sector, nil
}

// ReadSectors implements diskimage.Image.
func (i *Image) ReadSectors(addr uint64, count uint32) ([]byte, error) {
	return diskimage.ReadSectorsFunc(addr, count, i.sectors, sectorSize, i.ReadSector)
}

// Close drops the caches. The source stays open; it belongs to the caller.
func (i *Image) Close() error {
	i.closed = true
	i.l2Cache.Reset()
	i.clusterCache.Reset()
	i.sectorCache.Reset()
	return nil
}
