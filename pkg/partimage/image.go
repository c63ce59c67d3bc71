// Package partimage reads uncompressed single-volume Partimage images.
package partimage

import (
	"encoding/binary"
	"fmt"

	"go-diskimage/pkg/cache"
	"go-diskimage/pkg/diskimage"
	"go-diskimage/pkg/log"
	"go-diskimage/pkg/structcodec"
)

// Name of the plugin.
const Name = "partimage"

// Image is an opened Partimage image. Sectors are file system blocks.
type Image struct {
	src diskimage.Source

	volume *VolumeHeader
	main   *MainHeader
	local  *LocalHeader

	extents *Extents
	dataOff int64

	sectorCache *cache.Cache[uint64]
	closed      bool
}

// Open parses the headers and sections in order and indexes the bitmap.
func Open(src diskimage.Source, opts *diskimage.OpenOptions) (*Image, error) {
	opts = opts.WithDefaults()

	vh, err := readVolumeHeader(src)
	if err != nil {
		return nil, err
	}
	mh, err := readMainHeader(src)
	if err != nil {
		return nil, err
	}

	off := int64(VolumeHeaderSize + MainHeaderSize)
	if mh.MBRCount > 0 {
		if off, err = section(src, off, MagicMBRBackup); err != nil {
			return nil, err
		}
		off += int64(mh.MBRCount) * MBRBackupSize
	}

	if off, err = section(src, off, MagicLocalHeader); err != nil {
		return nil, err
	}
	lh := &LocalHeader{}
	if err := structcodec.ReadStruct(src, off, binary.LittleEndian, lh); err != nil {
		return nil, err
	}
	if lh.BlockSize == 0 || lh.BlockSize%diskimage.DefaultSectorSize != 0 || lh.BlockSize > 1<<24 {
		return nil, diskimage.Corrupt(Name, "block size %d", lh.BlockSize)
	}
	if lh.BitmapSize < (lh.BlocksCount+7)/8 || lh.UsedBlocks > lh.BlocksCount {
		return nil, diskimage.Corrupt(Name, "bitmap of %d bytes for %d blocks, %d used", lh.BitmapSize, lh.BlocksCount, lh.UsedBlocks)
	}
	off += LocalHeaderSize

	if off, err = section(src, off, MagicBitmap); err != nil {
		return nil, err
	}
	if off+int64(lh.BitmapSize) > src.Size() {
		return nil, diskimage.Corrupt(Name, "bitmap of %d bytes exceeds image", lh.BitmapSize)
	}
	bitmap, err := diskimage.ReadAt(src, off, int(lh.BitmapSize))
	if err != nil {
		return nil, fmt.Errorf("read bitmap: %w", err)
	}
	off += int64(lh.BitmapSize)
	if used := popcount(bitmap, lh.BlocksCount); used != lh.UsedBlocks {
		return nil, diskimage.Corrupt(Name, "bitmap marks %d blocks used, header says %d", used, lh.UsedBlocks)
	}

	if off, err = section(src, off, MagicInfo); err != nil {
		return nil, err
	}
	off += InfoSize
	if off, err = section(src, off, MagicDataBlocks); err != nil {
		return nil, err
	}

	i := &Image{
		src:         src,
		volume:      vh,
		main:        mh,
		local:       lh,
		extents:     buildExtents(bitmap, lh.BlocksCount),
		dataOff:     off,
		sectorCache: cache.New[uint64](opts.CacheBytes),
	}

	tail := i.physical(lh.UsedBlocks)
	if tail+MagicSize > src.Size() {
		return nil, diskimage.Unsupported(Name, "data continues in another volume")
	}
	if _, err := section(src, tail, MagicTail); err != nil {
		return nil, err
	}

	log.Debugf("partimage: opened %s image, block size %d, %d of %d blocks used in %d extents",
		structcodec.CString(mh.FileSystem[:]), lh.BlockSize, lh.UsedBlocks, lh.BlocksCount, i.extents.Len())
	return i, nil
}

// physical returns the file offset of data area slot. A check record
// follows every CheckFrequency blocks.
func (i *Image) physical(slot uint64) int64 {
	return i.dataOff + int64(slot*i.local.BlockSize) + int64(slot/CheckFrequency*CheckSize)
}

// BlockOffset returns the data area slot of block, or false when the block
// is unused.
func (i *Image) BlockOffset(block uint64) (uint64, bool) {
	return i.extents.Lookup(block)
}

// Extents returns the extent index.
func (i *Image) Extents() *Extents { return i.extents }

// MainHeader returns the decoded main header.
func (i *Image) MainHeader() MainHeader { return *i.main }

// LocalHeader returns the decoded local header.
func (i *Image) LocalHeader() LocalHeader { return *i.local }

// Info implements diskimage.Image.
func (i *Image) Info() diskimage.Info {
	return diskimage.Info{
		Format:     Name,
		Version:    structcodec.CString(i.volume.Version[:]),
		Sectors:    i.local.BlocksCount,
		SectorSize: uint32(i.local.BlockSize),
		ImageSize:  i.src.Size(),
		Label:      structcodec.CString(i.local.Label[:]),
		Creator:    structcodec.CString(i.main.Hostname[:]),
		Comments:   structcodec.CString(i.main.Description[:]),
	}
}

// ReadSector implements diskimage.Image. Unused blocks read as zeros.
func (i *Image) ReadSector(addr uint64) ([]byte, error) {
	if i.closed {
		return nil, diskimage.ErrClosed
	}
	if err := diskimage.CheckRange(addr, 1, i.local.BlocksCount); err != nil {
		return nil, err
	}
	slot, ok := i.extents.Lookup(addr)
	if !ok {
		return make([]byte, i.local.BlockSize), nil
	}
	if s, ok := i.sectorCache.Get(addr); ok {
		return append([]byte(nil), s...), nil
	}
	sector, err := diskimage.ReadAt(i.src, i.physical(slot), int(i.local.BlockSize))
	if err != nil {
		return nil, fmt.Errorf("read block %d: %w", addr, err)
	}
	i.sectorCache.Put(addr, append([]byte(nil), sector...))
	return sector, nil
}

// ReadSectors implements diskimage.Image.
func (i *Image) ReadSectors(addr uint64, count uint32) ([]byte, error) {
	return diskimage.ReadSectorsFunc(addr, count, i.local.BlocksCount, uint32(i.local.BlockSize), i.ReadSector)
}

// Map describes used blocks as data and unused blocks as unallocated zeros.
func (i *Image) Map() ([]diskimage.Region, error) {
	if i.closed {
		return nil, diskimage.ErrClosed
	}
	bs := i.local.BlockSize
	regions := make([]diskimage.Region, 0)
	next := uint64(0)
	i.extents.Scan(func(x Extent) bool {
		if x.Start > next {
			regions = diskimage.MergeRegion(regions, diskimage.Region{Start: next * bs, Length: (x.Start - next) * bs, Zero: true})
		}
		// split where check records interrupt the data area
		for done := uint64(0); done < x.Length; {
			slot := x.Slot + done
			n := min(x.Length-done, CheckFrequency-slot%CheckFrequency)
			regions = diskimage.MergeRegion(regions, diskimage.Region{
				Start: (x.Start + done) * bs, Length: n * bs, Present: true, Data: true, Offset: uint64(i.physical(slot)),
			})
			done += n
		}
		next = x.Start + x.Length
		return true
	})
	if next < i.local.BlocksCount {
		regions = diskimage.MergeRegion(regions, diskimage.Region{Start: next * bs, Length: (i.local.BlocksCount - next) * bs, Zero: true})
	}
	return regions, nil
}

// Close implements diskimage.Image. The source belongs to the caller.
func (i *Image) Close() error {
	i.closed = true
	i.sectorCache.Reset()
	return nil
}
