// Package apridisk reads ACT Apricot disk images.
package apridisk

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"

	"go-diskimage/pkg/cache"
	"go-diskimage/pkg/decompress"
	"go-diskimage/pkg/diskimage"
	"go-diskimage/pkg/log"
	"go-diskimage/pkg/structcodec"
)

// Name of the plugin.
const Name = "apridisk"

// Signature fills the first SignatureSize bytes, padded with zeros.
const (
	Signature     = "ACT Apricot disk image\x1a\x04"
	SignatureSize = 128
	RecordSize    = 16
)

// Record types.
const (
	RecordDeleted = 0xe31d0000
	RecordSector  = 0xe31d0001
	RecordComment = 0xe31d0002
	RecordCreator = 0xe31d0003
)

// Sector compression.
const (
	Uncompressed = 0x9e90
	Compressed   = 0x3e5a
)

// Record is the header of every record.
type Record struct {
	Type        uint32
	Compression uint16
	HeaderSize  uint16
	DataSize    uint32
	Head        uint8
	Sector      uint8
	Cylinder    uint16
}

type chs struct {
	cylinder uint16
	head     uint8
	sector   uint8
}

type sectorData struct {
	offset int64
	// compressed payload, nil for stored sectors
	packed []byte
}

// Image is an opened Apridisk image.
type Image struct {
	src        diskimage.Source
	sectors    map[chs]sectorData
	geometry   diskimage.Geometry
	sectorSize uint32
	comments   string
	creator    string

	sectorCache *cache.Cache[uint64]
	closed      bool
}

// Open walks the record stream.
func Open(src diskimage.Source, opts *diskimage.OpenOptions) (*Image, error) {
	opts = opts.WithDefaults()
	if !identify(src) {
		return nil, diskimage.Malformed(Name, "bad signature")
	}

	i := &Image{
		src:         src,
		sectors:     map[chs]sectorData{},
		sectorCache: cache.New[uint64](opts.CacheBytes),
	}
	var maxCyl, maxHead, maxSector uint32
	size := src.Size()
	for off := int64(SignatureSize); off < size; {
		var r Record
		if err := structcodec.ReadStruct(src, off, binary.LittleEndian, &r); err != nil {
			return nil, diskimage.Corrupt(Name, "truncated record at %d", off)
		}
		if r.HeaderSize < RecordSize {
			return nil, diskimage.Corrupt(Name, "record at %d has a %d byte header", off, r.HeaderSize)
		}
		dataOff := off + int64(r.HeaderSize)
		if dataOff+int64(r.DataSize) > size {
			return nil, diskimage.Corrupt(Name, "record at %d of %d bytes exceeds image", off, r.DataSize)
		}

		switch r.Type {
		case RecordDeleted:
		case RecordComment, RecordCreator:
			data, err := diskimage.ReadAt(src, dataOff, int(r.DataSize))
			if err != nil {
				return nil, err
			}
			text := strings.ReplaceAll(structcodec.CString(data), "\r", "\n")
			if r.Type == RecordComment {
				i.comments = text
			} else {
				i.creator = text
			}
		case RecordSector:
			length, sd, err := i.sectorRecord(r, dataOff)
			if err != nil {
				return nil, err
			}
			if i.sectorSize == 0 {
				i.sectorSize = length
			} else if length != i.sectorSize {
				return nil, diskimage.Corrupt(Name, "sector %d/%d/%d of %d bytes, expected %d", r.Cylinder, r.Head, r.Sector, length, i.sectorSize)
			}
			if r.Sector == 0 {
				return nil, diskimage.Corrupt(Name, "sector number 0 at cylinder %d head %d", r.Cylinder, r.Head)
			}
			i.sectors[chs{r.Cylinder, r.Head, r.Sector}] = sd
			maxCyl, maxHead, maxSector = max(maxCyl, uint32(r.Cylinder)), max(maxHead, uint32(r.Head)), max(maxSector, uint32(r.Sector))
		default:
			return nil, diskimage.Corrupt(Name, "unknown record type %#x at %d", r.Type, off)
		}
		off = dataOff + int64(r.DataSize)
	}
	if len(i.sectors) == 0 {
		return nil, diskimage.Corrupt(Name, "no sector records")
	}
	i.geometry = diskimage.Geometry{Cylinders: maxCyl + 1, Heads: maxHead + 1, SectorsPerTrack: maxSector}

	log.Debugf("apridisk: opened image, %d/%d/%d geometry, %d sector records of %d bytes",
		i.geometry.Cylinders, i.geometry.Heads, i.geometry.SectorsPerTrack, len(i.sectors), i.sectorSize)
	return i, nil
}

// sectorRecord returns the decoded length and location of a sector record.
func (i *Image) sectorRecord(r Record, dataOff int64) (uint32, sectorData, error) {
	switch r.Compression {
	case Uncompressed:
		return r.DataSize, sectorData{offset: dataOff}, nil
	case Compressed:
		packed, err := diskimage.ReadAt(i.src, dataOff, int(r.DataSize))
		if err != nil {
			return 0, sectorData{}, err
		}
		if len(packed)%3 != 0 {
			return 0, sectorData{}, diskimage.Corrupt(Name, "compressed sector of %d bytes", len(packed))
		}
		var length uint32
		for p := 0; p < len(packed); p += 3 {
			length += uint32(binary.LittleEndian.Uint16(packed[p:]))
		}
		return length, sectorData{offset: dataOff, packed: packed}, nil
	}
	return 0, sectorData{}, diskimage.Unsupported(Name, "sector compression %#x", r.Compression)
}

func identify(src diskimage.Source) bool {
	var b [len(Signature)]byte
	if err := diskimage.ReadFull(src, b[:], 0); err != nil {
		return false
	}
	return bytes.Equal(b[:], []byte(Signature))
}

// Info implements diskimage.Image.
func (i *Image) Info() diskimage.Info {
	g := i.geometry
	return diskimage.Info{
		Format:     Name,
		Sectors:    i.totalSectors(),
		SectorSize: i.sectorSize,
		ImageSize:  i.src.Size(),
		Geometry:   &g,
		Creator:    i.creator,
		Comments:   i.comments,
	}
}

func (i *Image) totalSectors() uint64 {
	return uint64(i.geometry.Cylinders) * uint64(i.geometry.Heads) * uint64(i.geometry.SectorsPerTrack)
}

// ReadSector implements diskimage.Image. Sectors missing from the stream
// read as zeros.
func (i *Image) ReadSector(addr uint64) ([]byte, error) {
	if i.closed {
		return nil, diskimage.ErrClosed
	}
	if err := diskimage.CheckRange(addr, 1, i.totalSectors()); err != nil {
		return nil, err
	}
	if s, ok := i.sectorCache.Get(addr); ok {
		return append([]byte(nil), s...), nil
	}

	spt := uint64(i.geometry.SectorsPerTrack)
	heads := uint64(i.geometry.Heads)
	loc := chs{
		cylinder: uint16(addr / (spt * heads)),
		head:     uint8(addr / spt % heads),
		sector:   uint8(addr%spt + 1),
	}
	sd, ok := i.sectors[loc]
	if !ok {
		return make([]byte, i.sectorSize), nil
	}

	var (
		sector []byte
		err    error
	)
	if sd.packed != nil {
		sector, err = decompress.Decompress(decompress.ApriRLE, sd.packed, int(i.sectorSize))
	} else {
		sector, err = diskimage.ReadAt(i.src, sd.offset, int(i.sectorSize))
	}
	if err != nil {
		return nil, fmt.Errorf("read sector %d/%d/%d: %w", loc.cylinder, loc.head, loc.sector, err)
	}
	i.sectorCache.Put(addr, append([]byte(nil), sector...))
	return sector, nil
}

// ReadSectors implements diskimage.Image.
func (i *Image) ReadSectors(addr uint64, count uint32) ([]byte, error) {
	return diskimage.ReadSectorsFunc(addr, count, i.totalSectors(), i.sectorSize, i.ReadSector)
}

// Close implements diskimage.Image. The source belongs to the caller.
func (i *Image) Close() error {
	i.closed = true
	i.sectorCache.Reset()
	return nil
}

// Plugin is the Apridisk format driver.
type Plugin struct{}

// New returns the Apridisk plugin.
func New() *Plugin { return &Plugin{} }

// Name of the plugin.
func (Plugin) Name() string { return Name }

// Version of the plugin.
func (Plugin) Version() int { return 0 }

// Identify checks the signature.
func (Plugin) Identify(src diskimage.Source) bool { return identify(src) }

// Open implements diskimage.Plugin.
func (Plugin) Open(src diskimage.Source, opts *diskimage.OpenOptions) (diskimage.Image, error) {
	return Open(src, opts)
}
