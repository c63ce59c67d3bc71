package qcow

import (
	"encoding/binary"

	"go-diskimage/pkg/diskimage"
	"go-diskimage/pkg/structcodec"
)

// Magic is "QFI\xfb", shared with QCOW2.
const Magic = 0x514649FB

// HeaderSize is the size of the on-disk v1 header.
const HeaderSize = 48

const (
	minClusterBits = 9
	maxClusterBits = 16
	minL2Bits      = 6
	maxL2Bits      = 13
)

//Byte  0 -  3:   magic
//      4 -  7:   version (1)
//      8 - 15:   backing_file_offset
//     16 - 19:   backing_file_size
//     20 - 23:   mtime
//     24 - 31:   size, virtual disk size in bytes
//     32:        cluster_bits
//     33:        l2_bits
//     34 - 35:   padding
//     36 - 39:   crypt_method, 0 for none, 1 for AES
//     40 - 47:   l1_table_offset

type Header struct {
	Magic             uint32
	Version           uint32
	BackingFileOffset uint64
	BackingFileSize   uint32
	MTime             uint32
	Size              uint64
	ClusterBits       uint8
	L2Bits            uint8
	Padding           uint16
	CryptMethod       uint32
	L1TableOffset     uint64
}

// ClusterSize is in bytes.
func (h *Header) ClusterSize() uint64 {
	return 1 << h.ClusterBits
}

// L1Shift is the number of address bits covered by one L1 entry.
func (h *Header) L1Shift() uint {
	return uint(h.ClusterBits) + uint(h.L2Bits)
}

// L1Size is the number of L1 entries needed to cover the virtual size.
func (h *Header) L1Size() uint64 {
	span := uint64(1) << h.L1Shift()
	return (h.Size + span - 1) / span
}

// L2Size is the number of entries of one L2 table.
func (h *Header) L2Size() uint64 {
	return 1 << h.L2Bits
}

// ParseHeader decodes and validates a v1 header.
func ParseHeader(buf []byte) (*Header, error) {
	h := &Header{}
	if err := structcodec.Decode(buf, binary.BigEndian, h); err != nil {
		return nil, err
	}
	if h.Magic != Magic {
		return nil, diskimage.Malformed(Name, "invalid magic %#x", h.Magic)
	}
	if h.Version != 1 {
		return nil, diskimage.Unsupported(Name, "version %d", h.Version)
	}
	if h.ClusterBits < minClusterBits || h.ClusterBits > maxClusterBits {
		return nil, diskimage.Unsupported(Name, "cluster_bits %d", h.ClusterBits)
	}
	if h.L2Bits < minL2Bits || h.L2Bits > maxL2Bits {
		return nil, diskimage.Unsupported(Name, "l2_bits %d", h.L2Bits)
	}
	if h.Size > 1<<62 {
		return nil, diskimage.Malformed(Name, "virtual size %d too large", h.Size)
	}
	if h.BackingFileOffset != 0 {
		return nil, diskimage.Unsupported(Name, "backing files are not supported")
	}
	if h.CryptMethod != 0 {
		return nil, diskimage.Unsupported(Name, "AES encryption is not supported")
	}
	return h, nil
}
