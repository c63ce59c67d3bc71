package ndif

import (
	"encoding/binary"

	"go-diskimage/pkg/decompress"
	"go-diskimage/pkg/diskimage"
	"go-diskimage/pkg/structcodec"
)

const (
	// ResourceType holds the chunk tables.
	ResourceType = "bcem"

	HeaderSize = 128
	ChunkSize  = 12

	sectorSize = diskimage.DefaultSectorSize
)

// Chunk types.
const (
	ChunkNoCopy  = 0x00
	ChunkCopy    = 0x02
	ChunkKenCode = 0x80
	ChunkRLE     = 0x81
	ChunkLZH     = 0x82
	ChunkADC     = 0x83
	ChunkStuffIt = 0xf0
	ChunkEnd     = 0xff
)

var algorithms = map[uint8]decompress.Algorithm{
	ChunkKenCode: decompress.KenCode,
	ChunkRLE:     decompress.AppleRLE,
	ChunkLZH:     decompress.LZH,
	ChunkADC:     decompress.ADC,
	ChunkStuffIt: decompress.StuffIt,
}

// Header starts every bcem resource.
type Header struct {
	Version            int16
	Driver             int16
	Name               [64]byte
	Sectors            uint32
	MaxSectorsPerChunk uint32
	DataOffset         uint32
	CRC                uint32
	Segmented          uint32
	P1                 uint32
	P2                 uint32
	Unknown            [7]uint32
	Chunks             uint32
}

// rawChunk is an on-disk chunk table entry. The first word packs a 24-bit
// start sector and the chunk type.
type rawChunk struct {
	SectorType uint32
	Offset     uint32
	Length     uint32
}

// Chunk is a decoded chunk table entry.
type Chunk struct {
	Start   uint64
	Sectors uint64
	Type    uint8
	Offset  uint64
	Length  uint64
}

// parseBCEM decodes one bcem resource.
func parseBCEM(buf []byte) (*Header, []rawChunk, error) {
	h := &Header{}
	if err := structcodec.Decode(buf, binary.BigEndian, h); err != nil {
		return nil, nil, err
	}
	if h.Version != 10 && h.Version != 12 {
		return nil, nil, diskimage.Unsupported(Name, "chunk table version %d", h.Version)
	}
	if h.Segmented != 0 {
		return nil, nil, diskimage.Unsupported(Name, "segmented images")
	}
	if uint64(len(buf)) < HeaderSize+uint64(h.Chunks)*ChunkSize {
		return nil, nil, diskimage.Corrupt(Name, "chunk table of %d entries in %d bytes", h.Chunks, len(buf))
	}
	chunks := make([]rawChunk, h.Chunks)
	for n := range chunks {
		if err := structcodec.Decode(buf[HeaderSize+n*ChunkSize:], binary.BigEndian, &chunks[n]); err != nil {
			return nil, nil, err
		}
	}
	return h, chunks, nil
}
