// Package vhdx reads VHDX images, including differencing chains.
package vhdx

import (
	"encoding/binary"
	"fmt"
	"io"

	"go.uber.org/multierr"

	"go-diskimage/pkg/cache"
	"go-diskimage/pkg/diskimage"
	"go-diskimage/pkg/log"
)

// Name of the plugin.
const Name = "vhdx"

// BAT entry states. Payload entries use all of them, sector bitmap
// entries only NotPresent and FullyPresent.
const (
	PayloadNotPresent       = 0
	PayloadUndefined        = 1
	PayloadZero             = 2
	PayloadUnmapped         = 3
	PayloadFullyPresent     = 6
	PayloadPartiallyPresent = 7

	batStateMask    = 0x7
	batReservedMask = 0xffff8
	batOffsetMask   = 0xfffffffffff00000

	// one sector bitmap block covers 2^23 sectors
	bitmapBlockSize = 1 * MiB
)

// Image is an opened VHDX image.
type Image struct {
	src      diskimage.Source
	header   *Header
	metadata *Metadata
	creator  string

	bat        []uint64
	chunkRatio uint64
	// sector bitmap blocks by chunk index, differencing images only
	bitmaps map[uint64][]byte

	parent    diskimage.Image
	parentSrc diskimage.Source

	sectors     uint64
	sectorCache *cache.Cache[uint64]
	closed      bool
}

// Open opens a VHDX image and, for differencing images, its parents.
func Open(src diskimage.Source, opts *diskimage.OpenOptions) (*Image, error) {
	opts = opts.WithDefaults()

	id, err := diskimage.ReadAt(src, 0, 8+512)
	if err != nil || string(id[:8]) != FileIdentifier {
		return nil, diskimage.Malformed(Name, "missing file identifier")
	}

	header, err := currentHeader(src)
	if err != nil {
		return nil, err
	}
	if header.Log() != ([16]byte{}) {
		return nil, diskimage.Unsupported(Name, "log replay required, log %s pending", header.Log())
	}

	batRegion, metaRegion, err := regions(src)
	if err != nil {
		return nil, err
	}
	metadata, err := readMetadata(src, metaRegion)
	if err != nil {
		return nil, err
	}

	i := &Image{
		src:         src,
		header:      header,
		metadata:    metadata,
		creator:     creator(id[8:]),
		chunkRatio:  metadata.ChunkRatio(),
		sectors:     metadata.VirtualDiskSize / uint64(metadata.LogicalSectorSize),
		sectorCache: cache.New[uint64](opts.CacheBytes),
	}
	if err := i.loadBAT(batRegion); err != nil {
		return nil, err
	}
	if metadata.HasParent {
		if err := i.loadBitmaps(); err != nil {
			return nil, err
		}
		if err := i.openParent(opts); err != nil {
			return nil, err
		}
	}

	log.Debugf("vhdx: opened image, size %d, block size %d, sector size %d, bat entries %d, differencing %t",
		metadata.VirtualDiskSize, metadata.BlockSize, metadata.LogicalSectorSize, len(i.bat), metadata.HasParent)
	return i, nil
}

func (i *Image) loadBAT(region RegionTableEntry) error {
	count := i.metadata.BATEntries()
	if count*8 > uint64(region.Length) {
		return diskimage.Corrupt(Name, "BAT region of %d bytes holds fewer than %d entries", region.Length, count)
	}
	raw, err := diskimage.ReadAt(i.src, int64(region.FileOffset), int(count*8))
	if err != nil {
		return fmt.Errorf("read BAT: %w", err)
	}

	fileSize := uint64(i.src.Size())
	i.bat = make([]uint64, count)
	for n := range i.bat {
		e := binary.LittleEndian.Uint64(raw[n*8:])
		if e&batReservedMask != 0 {
			return diskimage.Unsupported(Name, "BAT entry %d has reserved bits set: %#x", n, e)
		}
		state := e & batStateMask
		isBitmap := uint64(n)%(i.chunkRatio+1) == i.chunkRatio
		switch {
		case isBitmap && state != PayloadNotPresent && state != PayloadFullyPresent:
			return diskimage.Corrupt(Name, "sector bitmap entry %d in state %d", n, state)
		case isBitmap && state == PayloadFullyPresent && !i.metadata.HasParent:
			return diskimage.Corrupt(Name, "sector bitmap entry %d present in a disk without parent", n)
		case state == 4 || state == 5:
			return diskimage.Corrupt(Name, "BAT entry %d in state %d", n, state)
		case state == PayloadPartiallyPresent && !i.metadata.HasParent:
			return diskimage.Corrupt(Name, "BAT entry %d partially present in a disk without parent", n)
		}
		if state == PayloadFullyPresent || state == PayloadPartiallyPresent {
			off := e & batOffsetMask
			length := uint64(i.metadata.BlockSize)
			if isBitmap {
				length = bitmapBlockSize
			}
			if off < 1*MiB || off+length > fileSize {
				return diskimage.Corrupt(Name, "BAT entry %d points to %d outside of file", n, off)
			}
		}
		i.bat[n] = e
	}
	return nil
}

func (i *Image) loadBitmaps() error {
	i.bitmaps = make(map[uint64][]byte)
	for chunk := uint64(0); (chunk+1)*(i.chunkRatio+1) <= uint64(len(i.bat)); chunk++ {
		e := i.bat[(chunk+1)*i.chunkRatio+chunk]
		if e&batStateMask != PayloadFullyPresent {
			continue
		}
		bm, err := diskimage.ReadAt(i.src, int64(e&batOffsetMask), bitmapBlockSize)
		if err != nil {
			return fmt.Errorf("read sector bitmap %d: %w", chunk, err)
		}
		i.bitmaps[chunk] = bm
	}
	return nil
}

// Metadata returns the decoded metadata region.
func (i *Image) Metadata() Metadata { return *i.metadata }

// Header returns the current header.
func (i *Image) Header() Header { return *i.header }

// Info implements diskimage.Image.
func (i *Image) Info() diskimage.Info {
	return diskimage.Info{
		Format:     Name,
		Version:    "1",
		Sectors:    i.sectors,
		SectorSize: i.metadata.LogicalSectorSize,
		ImageSize:  i.src.Size(),
		Creator:    i.creator,
		HasParent:  i.metadata.HasParent,
	}
}

// blockEntry returns the payload BAT entry of block.
func (i *Image) blockEntry(block uint64) uint64 {
	return i.bat[block+block/i.chunkRatio]
}

// sectorPresent reports whether the sector bitmap marks sector as stored
// in this image.
func (i *Image) sectorPresent(sector uint64) bool {
	perChunk := uint64(bitmapBlockSize * 8)
	bm, ok := i.bitmaps[sector/perChunk]
	if !ok {
		return false
	}
	bit := sector % perChunk
	return bm[bit/8]>>(bit%8)&1 == 1
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

	sectorSize := uint64(i.metadata.LogicalSectorSize)
	byteAddr := addr * sectorSize
	block := byteAddr / uint64(i.metadata.BlockSize)
	inBlock := byteAddr % uint64(i.metadata.BlockSize)
	entry := i.blockEntry(block)

	var (
		sector []byte
		err    error
	)
	switch entry & batStateMask {
	case PayloadFullyPresent:
		sector, err = diskimage.ReadAt(i.src, int64(entry&batOffsetMask+inBlock), int(sectorSize))
	case PayloadPartiallyPresent:
		if i.sectorPresent(addr) {
			sector, err = diskimage.ReadAt(i.src, int64(entry&batOffsetMask+inBlock), int(sectorSize))
		} else {
			sector, err = i.readParent(addr)
		}
	case PayloadNotPresent:
		if i.parent != nil {
			sector, err = i.readParent(addr)
		} else {
			sector = make([]byte, sectorSize)
		}
	default:
		sector = make([]byte, sectorSize)
	}
	if err != nil {
		return nil, err
	}
	i.sectorCache.Put(addr, append([]byte(nil), sector...))
	return sector, nil
}

func (i *Image) readParent(addr uint64) ([]byte, error) {
	if i.parent == nil {
		return nil, diskimage.Corrupt(Name, "sector %d delegated to a missing parent", addr)
	}
	if addr >= i.parent.Info().Sectors {
		return make([]byte, i.metadata.LogicalSectorSize), nil
	}
	return i.parent.ReadSector(addr)
}

// ReadSectors implements diskimage.Image.
func (i *Image) ReadSectors(addr uint64, count uint32) ([]byte, error) {
	return diskimage.ReadSectorsFunc(addr, count, i.sectors, i.metadata.LogicalSectorSize, i.ReadSector)
}

// Close closes the parent chain this image opened. The image's own source
// belongs to the caller.
func (i *Image) Close() error {
	if i.closed {
		return nil
	}
	i.closed = true
	i.sectorCache.Reset()
	var err error
	if i.parent != nil {
		err = multierr.Append(err, i.parent.Close())
	}
	if c, ok := i.parentSrc.(io.Closer); ok {
		err = multierr.Append(err, c.Close())
	}
	return err
}
