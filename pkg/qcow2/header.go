package qcow2

import (
	"encoding/binary"
	"fmt"
	"strings"

	"go-diskimage/pkg/diskimage"
	"go-diskimage/pkg/structcodec"
)

const QCOW2MagicNumber = "QFI\xfb"

const (
	v2HeaderLength = 72
	v3HeaderLength = 104

	minClusterBits = 9
	// qemu refuses clusters above 2 MiB
	maxClusterBits = 21
)

// Byte  0 -  3:   magic "QFI\xfb"
//       4 -  7:   version, 2 or 3
//       8 - 15:   backing_file_offset, 0 without a backing file
//      16 - 19:   backing_file_size
//      20 - 23:   cluster_bits
//      24 - 31:   size, virtual disk size in bytes
//      32 - 35:   crypt_method, 0 none, 1 AES, 2 LUKS
//      36 - 39:   l1_size, number of entries in the active L1 table
//      40 - 47:   l1_table_offset
//      48 - 55:   refcount_table_offset
//      56 - 59:   refcount_table_clusters
//      60 - 63:   nb_snapshots
//      64 - 71:   snapshots_offset
//
// v3 only:
//      72 - 79:   incompatible_features
//      80 - 87:   compatible_features
//      88 - 95:   autoclear_features
//      96 - 99:   refcount_order
//     100 - 103:  header_length
//     104:        compression_type, when header_length > 104
//
// Header extensions follow the header, 8 byte aligned, until an end marker.

type Header struct {
	Magic   uint32
	Version uint32

	BackingFileOffset uint64
	BackingFileSize   uint32

	// cluster size is 1 << cluster bits
	ClusterBits uint32
	// virtual disk size in bytes
	Size        uint64
	CryptMethod uint32

	L1Size        uint32
	L1TableOffset uint64

	RefCountTableOffset   uint64
	RefcountTableClusters uint32

	NumSnapshots   uint32
	SnapshotOffset uint64

	// these fields only meaningful for v3
	IncompatibleFeatures uint64
	CompatibleFeatures   uint64
	AutoclearFeatures    uint64
	RefCountOrder        uint32
	// 4bytes, 100 - 103
	Length uint32
}

// Incompatible feature bits.
const (
	IncompatDirty          = 1 << 0
	IncompatCorrupt        = 1 << 1
	IncompatExternalData   = 1 << 2
	IncompatCompressionTyp = 1 << 3
	IncompatExtendedL2     = 1 << 4
)

// Compression types of v3 images.
const (
	CompressionZlib = 0
	CompressionZstd = 1
)

// ClusterSize is in bytes.
func (h *Header) ClusterSize() uint64 {
	return 1 << h.ClusterBits
}

// L2EntryCount is the number of entries of one L2 table.
func (h *Header) L2EntryCount() uint64 {
	return h.ClusterSize() / 8
}

// RefCountBit is in bits, this is the
// refcount block entry's length, using bits
// is because the length maybe sub-byte
func (h *Header) RefCountBit() int {
	if h.Version == 2 {
		return 16 // refcount_bits is 16 for v2
	}
	return 1 << h.RefCountOrder
}

// RefCountBlockEntryCount is the number of refcount block entries inside 1
// refcount block.
func (h *Header) RefCountBlockEntryCount() uint64 {
	return h.ClusterSize() * 8 / uint64(h.RefCountBit())
}

// HeaderExtension is one optional record following the header.
type HeaderExtension struct {
	Type uint32
	Data []byte
}

// Header extension types.
const (
	ExtEnd            = 0x00000000
	ExtBackingFormat  = 0xe2792aca
	ExtFeatureNames   = 0x6803f857
	ExtBitmaps        = 0x23852875
	ExtFullEncryption = 0x0537be77
	ExtExternalData   = 0x44415441
)

// featureName returns the name the image gives to an incompatible feature
// bit, falling back to a generic one.
func featureName(exts []HeaderExtension, bit uint) string {
	for _, e := range exts {
		if e.Type != ExtFeatureNames {
			continue
		}
		// 48 byte entries: type u8, bit u8, name [46]
		for off := 0; off+48 <= len(e.Data); off += 48 {
			if e.Data[off] == 0 && uint(e.Data[off+1]) == bit {
				return structcodec.CString(e.Data[off+2 : off+48])
			}
		}
	}
	switch bit {
	case 2:
		return "external data file"
	case 4:
		return "extended L2 entries"
	}
	return fmt.Sprintf("bit %d", bit)
}

// ParseHeader decodes and validates the header. Extensions are parsed
// from the bytes that follow it in buf.
func ParseHeader(buf []byte) (*Header, []HeaderExtension, error) {
	if len(buf) < v2HeaderLength {
		return nil, nil, diskimage.Malformed(Name, "%d bytes is shorter than the header", len(buf))
	}
	if string(buf[0:4]) != QCOW2MagicNumber {
		return nil, nil, diskimage.Malformed(Name, "invalid magic")
	}

	raw := buf
	if len(raw) < v3HeaderLength {
		// v2 headers stop at 72 bytes, the v3 fields decode as zero
		raw = append(append([]byte(nil), buf...), make([]byte, v3HeaderLength-len(buf))...)
	}
	h := &Header{}
	if err := structcodec.Decode(raw, binary.BigEndian, h); err != nil {
		return nil, nil, err
	}

	switch h.Version {
	case 2:
		h.IncompatibleFeatures, h.CompatibleFeatures, h.AutoclearFeatures = 0, 0, 0
		h.RefCountOrder = 4
		h.Length = v2HeaderLength
	case 3:
		if h.Length < v3HeaderLength || h.Length%8 != 0 {
			return nil, nil, diskimage.Malformed(Name, "header length %d", h.Length)
		}
		if len(buf) < int(h.Length) {
			return nil, nil, diskimage.Malformed(Name, "v3 header truncated at %d bytes", len(buf))
		}
	default:
		return nil, nil, diskimage.Unsupported(Name, "version %d", h.Version)
	}

	// 1 << 9 == 512, which is the smallest cluster size
	if h.ClusterBits < minClusterBits || h.ClusterBits > maxClusterBits {
		return nil, nil, diskimage.Unsupported(Name, "cluster_bits %d", h.ClusterBits)
	}
	if h.RefCountOrder > 6 {
		return nil, nil, diskimage.Malformed(Name, "refcount_order %d", h.RefCountOrder)
	}
	if h.Size > 1<<62 {
		return nil, nil, diskimage.Malformed(Name, "virtual size %d too large", h.Size)
	}

	var exts []HeaderExtension
	if int(h.Length) < len(buf) {
		var err error
		if exts, err = parseExtensions(buf[h.Length:]); err != nil {
			return nil, nil, err
		}
	}

	if h.CryptMethod != 0 {
		return nil, nil, diskimage.Unsupported(Name, "encryption method %d", h.CryptMethod)
	}
	if h.BackingFileOffset != 0 {
		return nil, nil, diskimage.Unsupported(Name, "backing files are not supported")
	}
	known := uint64(IncompatDirty | IncompatCorrupt | IncompatCompressionTyp)
	if unknown := h.IncompatibleFeatures &^ known; unknown != 0 {
		var names []string
		for bit := uint(0); bit < 64; bit++ {
			if unknown&(1<<bit) != 0 {
				names = append(names, featureName(exts, bit))
			}
		}
		return nil, nil, diskimage.Unsupported(Name, "incompatible features: %s", strings.Join(names, ", "))
	}
	return h, exts, nil
}

func parseExtensions(buf []byte) ([]HeaderExtension, error) {
	var exts []HeaderExtension
	for off := 0; off+8 <= len(buf); {
		typ := binary.BigEndian.Uint32(buf[off:])
		length := int(binary.BigEndian.Uint32(buf[off+4:]))
		if typ == ExtEnd {
			return exts, nil
		}
		off += 8
		if off+length > len(buf) {
			return nil, diskimage.Malformed(Name, "header extension %#x of %d bytes truncated", typ, length)
		}
		exts = append(exts, HeaderExtension{Type: typ, Data: buf[off : off+length]})
		off += (length + 7) &^ 7
	}
	return exts, nil
}

// compressionType reads the v3 compression type byte.
func compressionType(h *Header, buf []byte) (uint8, error) {
	if h.Version < 3 || h.Length <= v3HeaderLength {
		if h.IncompatibleFeatures&IncompatCompressionTyp != 0 {
			return 0, diskimage.Malformed(Name, "compression type bit set without the field")
		}
		return CompressionZlib, nil
	}
	t := buf[v3HeaderLength]
	switch t {
	case CompressionZlib, CompressionZstd:
		return t, nil
	}
	return 0, diskimage.Unsupported(Name, "compression type %d", t)
}
