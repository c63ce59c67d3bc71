// Package diskimage defines the contract shared by every disk image plugin:
// the byte source an image is read from, the uniform sector-addressable
// view a plugin exposes once opened, and the registry used for format
// detection.
package diskimage

import (
	"fmt"
)

// DefaultSectorSize is the logical sector size of most formats.
const DefaultSectorSize = 512

// Geometry is the CHS geometry of an image, when the format records one.
type Geometry struct {
	Cylinders       uint32 `json:"cylinders"`
	Heads           uint32 `json:"heads"`
	SectorsPerTrack uint32 `json:"sectors_per_track"`
}

// Info is the metadata populated by Open.
type Info struct {
	Format     string    `json:"format"`
	Version    string    `json:"version,omitempty"`
	Sectors    uint64    `json:"sectors"`
	SectorSize uint32    `json:"sector_size"`
	ImageSize  int64     `json:"image_size"`
	Geometry   *Geometry `json:"geometry,omitempty"`
	Label      string    `json:"label,omitempty"`
	Creator    string    `json:"creator,omitempty"`
	Comments   string    `json:"comments,omitempty"`
	HasParent  bool      `json:"has_parent,omitempty"`
	Writable   bool      `json:"writable,omitempty"`
}

// VirtualSize is the size of the logical view in bytes.
func (i Info) VirtualSize() uint64 {
	return i.Sectors * uint64(i.SectorSize)
}

func (i Info) String() string {
	return fmt.Sprintf(`format: %s
    version: %s
    virtual size: %d (bytes)
    sectors: %d x %d
    image size: %d`,
		i.Format,
		i.Version,
		i.VirtualSize(),
		i.Sectors, i.SectorSize,
		i.ImageSize,
	)
}

// Image is an opened disk image. Implementations own mutable caches and
// must not be shared between goroutines without external locking.
type Image interface {
	Info() Info
	// ReadSector returns the SectorSize bytes of sector addr.
	ReadSector(addr uint64) ([]byte, error)
	// ReadSectors returns count consecutive sectors starting at addr.
	ReadSectors(addr uint64, count uint32) ([]byte, error)
	Close() error
}

// WritableImage is an Image whose sectors can be rewritten in place.
type WritableImage interface {
	Image
	WriteSector(addr uint64, data []byte) error
	WriteSectors(addr uint64, count uint32, data []byte) error
}

// Region is one run of the allocation map, in the shape of qemu-img map.
type Region struct {
	Start      uint64 `json:"start"`
	Length     uint64 `json:"length"`
	Depth      int    `json:"depth"`
	Present    bool   `json:"present"`
	Zero       bool   `json:"zero"`
	Data       bool   `json:"data"`
	Compressed bool   `json:"compressed"`
	Offset     uint64 `json:"offset,omitempty"`
}

// SameAs reports whether two regions can be merged.
func (r Region) SameAs(another Region) bool {
	return r.Present == another.Present &&
		r.Zero == another.Zero &&
		r.Data == another.Data &&
		r.Compressed == another.Compressed &&
		r.Depth == another.Depth
}

// Mapper is implemented by images that can describe their allocation.
type Mapper interface {
	Map() ([]Region, error)
}

// MergeRegion appends next to regions, extending the last region when the
// two are contiguous and of the same kind. Offsets must also be contiguous
// for data regions to merge.
func MergeRegion(regions []Region, next Region) []Region {
	if len(regions) == 0 {
		return append(regions, next)
	}
	last := &regions[len(regions)-1]
	if last.Start+last.Length == next.Start && last.SameAs(next) &&
		(!next.Data || next.Compressed || last.Offset+last.Length == next.Offset) {
		last.Length += next.Length
		return regions
	}
	return append(regions, next)
}

// ReadSectorsFunc implements ReadSectors on top of a per-sector reader. A zero
// count returns an empty slice once addr has been validated.
func ReadSectorsFunc(addr uint64, count uint32, sectors uint64, sectorSize uint32, read func(uint64) ([]byte, error)) ([]byte, error) {
	if err := CheckRange(addr, count, sectors); err != nil {
		return nil, err
	}
	out := make([]byte, 0, int(count)*int(sectorSize))
	for i := uint64(0); i < uint64(count); i++ {
		sector, err := read(addr + i)
		if err != nil {
			return nil, err
		}
		out = append(out, sector...)
	}
	return out, nil
}
