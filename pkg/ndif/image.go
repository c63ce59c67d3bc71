// Package ndif reads NDIF (Disk Copy 6) images, whose chunk tables live in
// bcem resources of the resource fork.
package ndif

import (
	"bytes"
	"fmt"

	"github.com/tidwall/btree"

	"go-diskimage/pkg/cache"
	"go-diskimage/pkg/decompress"
	"go-diskimage/pkg/diskimage"
	"go-diskimage/pkg/log"
	"go-diskimage/pkg/resfork"
	"go-diskimage/pkg/structcodec"
)

// Name of the plugin.
const Name = "ndif"

// Image is an opened NDIF image.
type Image struct {
	src    diskimage.Source
	header *Header
	chunks *btree.BTreeG[Chunk]

	chunkCache  *cache.Cache[uint64]
	sectorCache *cache.Cache[uint64]
	closed      bool
}

func loadFork(src diskimage.Source) (*resfork.Fork, error) {
	rf, ok := src.(diskimage.ResourceForker)
	if !ok {
		return nil, diskimage.Malformed(Name, "source has no resource fork")
	}
	rsrc, ok := rf.ResourceFork()
	if !ok {
		return nil, diskimage.Malformed(Name, "source has no resource fork")
	}
	return resfork.Parse(rsrc)
}

// Open reads every bcem resource and indexes the chunks.
func Open(src diskimage.Source, opts *diskimage.OpenOptions) (*Image, error) {
	opts = opts.WithDefaults()

	if magic, err := diskimage.ReadAt(src, 0, 8); err == nil && bytes.Equal(magic, []byte("encrcdsa")) {
		return nil, diskimage.Unsupported(Name, "encrypted image")
	}
	fork, err := loadFork(src)
	if err != nil {
		return nil, err
	}
	resources := fork.Resources(ResourceType)
	if len(resources) == 0 {
		return nil, diskimage.Malformed(Name, "no %s resource", ResourceType)
	}

	i := &Image{
		src:         src,
		chunks:      btree.NewBTreeGOptions(func(a, b Chunk) bool { return a.Start < b.Start }, btree.Options{NoLocks: true}),
		chunkCache:  cache.New[uint64](opts.CacheBytes / 2),
		sectorCache: cache.New[uint64](opts.CacheBytes / 2),
	}
	var raw []rawChunk
	for _, r := range resources {
		buf, err := fork.Data(r)
		if err != nil {
			return nil, err
		}
		h, chunks, err := parseBCEM(buf)
		if err != nil {
			return nil, err
		}
		if i.header == nil {
			i.header = h
		}
		raw = append(raw, chunks...)
	}
	if err := i.index(raw); err != nil {
		return nil, err
	}

	log.Debugf("ndif: opened %q, %d sectors in %d chunks, max %d sectors per chunk",
		structcodec.PascalString(i.header.Name[:]), i.header.Sectors, i.chunks.Len(), i.header.MaxSectorsPerChunk)
	return i, nil
}

// index validates the chunk list and builds the lookup tree. A chunk spans
// up to the start of the next one.
func (i *Image) index(raw []rawChunk) error {
	total := uint64(i.header.Sectors)
	size := uint64(i.src.Size())
	var decoded []Chunk
	for _, rc := range raw {
		c := Chunk{
			Start:  uint64(rc.SectorType >> 8),
			Type:   uint8(rc.SectorType),
			Offset: uint64(rc.Offset),
			Length: uint64(rc.Length),
		}
		if c.Type == ChunkEnd {
			break
		}
		switch c.Type {
		case ChunkNoCopy, ChunkCopy, ChunkRLE, ChunkADC:
		case ChunkKenCode, ChunkLZH, ChunkStuffIt:
			return diskimage.Unsupported(Name, "chunk at sector %d compressed with %s", c.Start, algorithms[c.Type])
		default:
			return diskimage.Unsupported(Name, "chunk type %#x at sector %d", c.Type, c.Start)
		}
		if c.Type != ChunkNoCopy && c.Offset+c.Length > size {
			return diskimage.Corrupt(Name, "chunk at sector %d points outside of data fork", c.Start)
		}
		decoded = append(decoded, c)
	}

	for n := range decoded {
		end := total
		if n+1 < len(decoded) {
			end = decoded[n+1].Start
		}
		c := &decoded[n]
		if end <= c.Start || end > total {
			return diskimage.Corrupt(Name, "chunk at sector %d out of order", c.Start)
		}
		c.Sectors = end - c.Start
		if c.Sectors > uint64(i.header.MaxSectorsPerChunk) {
			return diskimage.Corrupt(Name, "chunk at sector %d spans %d sectors, max %d", c.Start, c.Sectors, i.header.MaxSectorsPerChunk)
		}
		if c.Type == ChunkCopy && c.Length < c.Sectors*sectorSize {
			return diskimage.Corrupt(Name, "raw chunk at sector %d holds %d bytes for %d sectors", c.Start, c.Length, c.Sectors)
		}
		i.chunks.Set(*c)
	}
	if total > 0 && (len(decoded) == 0 || decoded[0].Start != 0) {
		return diskimage.Corrupt(Name, "chunk table does not start at sector 0")
	}
	return nil
}

// Header returns the header of the first bcem resource.
func (i *Image) Header() Header { return *i.header }

// Chunks returns the chunk table in sector order.
func (i *Image) Chunks() []Chunk {
	out := make([]Chunk, 0, i.chunks.Len())
	i.chunks.Scan(func(c Chunk) bool {
		out = append(out, c)
		return true
	})
	return out
}

// Info implements diskimage.Image.
func (i *Image) Info() diskimage.Info {
	return diskimage.Info{
		Format:     Name,
		Version:    fmt.Sprint(i.header.Version),
		Sectors:    uint64(i.header.Sectors),
		SectorSize: sectorSize,
		ImageSize:  i.src.Size(),
		Label:      structcodec.PascalString(i.header.Name[:]),
	}
}

func (i *Image) chunk(addr uint64) (Chunk, error) {
	var (
		c     Chunk
		found bool
	)
	i.chunks.Descend(Chunk{Start: addr}, func(x Chunk) bool {
		c, found = x, addr < x.Start+x.Sectors
		return false
	})
	if !found {
		return c, diskimage.Corrupt(Name, "no chunk covers sector %d", addr)
	}
	return c, nil
}

// ReadSector implements diskimage.Image.
func (i *Image) ReadSector(addr uint64) ([]byte, error) {
	if i.closed {
		return nil, diskimage.ErrClosed
	}
	if err := diskimage.CheckRange(addr, 1, uint64(i.header.Sectors)); err != nil {
		return nil, err
	}
	if s, ok := i.sectorCache.Get(addr); ok {
		return append([]byte(nil), s...), nil
	}
	c, err := i.chunk(addr)
	if err != nil {
		return nil, err
	}
	rel := (addr - c.Start) * sectorSize

	var sector []byte
	switch c.Type {
	case ChunkNoCopy:
		return make([]byte, sectorSize), nil
	case ChunkCopy:
		sector, err = diskimage.ReadAt(i.src, int64(c.Offset+rel), sectorSize)
		if err != nil {
			return nil, fmt.Errorf("read sector %d: %w", addr, err)
		}
	default:
		data, err := i.decode(c)
		if err != nil {
			return nil, err
		}
		sector = append([]byte(nil), data[rel:rel+sectorSize]...)
	}
	i.sectorCache.Put(addr, append([]byte(nil), sector...))
	return sector, nil
}

// decode returns the decompressed contents of c.
func (i *Image) decode(c Chunk) ([]byte, error) {
	if data, ok := i.chunkCache.Get(c.Start); ok {
		return data, nil
	}
	raw, err := diskimage.ReadAt(i.src, int64(c.Offset), int(c.Length))
	if err != nil {
		return nil, fmt.Errorf("read chunk at sector %d: %w", c.Start, err)
	}
	data, err := decompress.Decompress(algorithms[c.Type], raw, int(c.Sectors*sectorSize))
	if err != nil {
		return nil, fmt.Errorf("chunk at sector %d: %w", c.Start, err)
	}
	i.chunkCache.Put(c.Start, data)
	return data, nil
}

// ReadSectors implements diskimage.Image.
func (i *Image) ReadSectors(addr uint64, count uint32) ([]byte, error) {
	return diskimage.ReadSectorsFunc(addr, count, uint64(i.header.Sectors), sectorSize, i.ReadSector)
}

// Map describes the chunk table.
func (i *Image) Map() ([]diskimage.Region, error) {
	if i.closed {
		return nil, diskimage.ErrClosed
	}
	regions := make([]diskimage.Region, 0)
	i.chunks.Scan(func(c Chunk) bool {
		r := diskimage.Region{Start: c.Start * sectorSize, Length: c.Sectors * sectorSize}
		switch c.Type {
		case ChunkNoCopy:
			r.Zero = true
		case ChunkCopy:
			r.Present, r.Data, r.Offset = true, true, c.Offset
		default:
			r.Present, r.Data, r.Compressed = true, true, true
		}
		regions = diskimage.MergeRegion(regions, r)
		return true
	})
	return regions, nil
}

// Close implements diskimage.Image. The source belongs to the caller.
func (i *Image) Close() error {
	i.closed = true
	i.chunkCache.Reset()
	i.sectorCache.Reset()
	return nil
}
