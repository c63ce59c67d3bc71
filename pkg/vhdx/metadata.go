package vhdx

import (
	"encoding/binary"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/text/encoding/unicode"

	"go-diskimage/pkg/diskimage"
	"go-diskimage/pkg/structcodec"
)

const (
	metadataIsUser     = 1 << 0
	metadataIsRequired = 1 << 2

	fileParamsHasParent = 1 << 1
)

type metadataTableHeader struct {
	Signature  [8]byte
	Reserved   uint16
	EntryCount uint16
	Reserved2  [20]byte
}

type metadataTableEntry struct {
	ItemID   [16]byte
	Offset   uint32
	Length   uint32
	Flags    uint32
	Reserved uint32
}

// Metadata is the decoded metadata region.
type Metadata struct {
	BlockSize          uint32
	LeaveAllocated     bool
	HasParent          bool
	VirtualDiskSize    uint64
	LogicalSectorSize  uint32
	PhysicalSectorSize uint32
	Page83             uuid.UUID
	// ParentLocator holds the key/value pairs of a differencing image.
	ParentLocator map[string]string
}

// ChunkRatio is the number of payload blocks described by one sector
// bitmap block.
func (m Metadata) ChunkRatio() uint64 {
	return (1 << 23) * uint64(m.LogicalSectorSize) / uint64(m.BlockSize)
}

// DataBlocks is the number of payload blocks of the virtual disk.
func (m Metadata) DataBlocks() uint64 {
	return (m.VirtualDiskSize + uint64(m.BlockSize) - 1) / uint64(m.BlockSize)
}

// BATEntries is the number of BAT entries, interleaving one sector bitmap
// entry after every chunk of payload entries.
func (m Metadata) BATEntries() uint64 {
	cr := m.ChunkRatio()
	if m.HasParent {
		sbCount := (m.DataBlocks() + cr - 1) / cr
		return sbCount * (cr + 1)
	}
	if m.DataBlocks() == 0 {
		return 0
	}
	return m.DataBlocks() + (m.DataBlocks()-1)/cr
}

func readMetadata(src diskimage.Source, region RegionTableEntry) (*Metadata, error) {
	buf, err := diskimage.ReadAt(src, int64(region.FileOffset), int(region.Length))
	if err != nil {
		return nil, err
	}
	var th metadataTableHeader
	if err := structcodec.Decode(buf, binary.LittleEndian, &th); err != nil {
		return nil, err
	}
	if string(th.Signature[:]) != "metadata" {
		return nil, diskimage.Corrupt(Name, "metadata table: bad signature")
	}
	if th.EntryCount > maxTableEntries {
		return nil, diskimage.Corrupt(Name, "metadata table: %d entries", th.EntryCount)
	}

	m := &Metadata{}
	seen := map[uuid.UUID]bool{}
	for n := 0; n < int(th.EntryCount); n++ {
		var e metadataTableEntry
		if err := structcodec.Decode(buf[32+n*32:], binary.LittleEndian, &e); err != nil {
			return nil, err
		}
		if uint64(e.Offset)+uint64(e.Length) > uint64(len(buf)) {
			return nil, diskimage.Corrupt(Name, "metadata item %s outside of region", GUIDFromBytes(e.ItemID[:]))
		}
		item := buf[e.Offset : e.Offset+e.Length]
		id := GUIDFromBytes(e.ItemID[:])
		if e.Flags&metadataIsUser == 0 {
			seen[id] = true
		}

		short := func(n int) error {
			if len(item) < n {
				return diskimage.Corrupt(Name, "metadata item %s is %d bytes", id, len(item))
			}
			return nil
		}
		switch {
		case e.Flags&metadataIsUser != 0:
			// user metadata is opaque
		case id == FileParametersItem:
			if err := short(8); err != nil {
				return nil, err
			}
			m.BlockSize = binary.LittleEndian.Uint32(item)
			flags := binary.LittleEndian.Uint32(item[4:])
			m.LeaveAllocated = flags&1 != 0
			m.HasParent = flags&fileParamsHasParent != 0
		case id == VirtualDiskSizeItem:
			if err := short(8); err != nil {
				return nil, err
			}
			m.VirtualDiskSize = binary.LittleEndian.Uint64(item)
		case id == Page83Item:
			if err := short(16); err != nil {
				return nil, err
			}
			m.Page83 = GUIDFromBytes(item)
		case id == LogicalSectorSizeItem:
			if err := short(4); err != nil {
				return nil, err
			}
			m.LogicalSectorSize = binary.LittleEndian.Uint32(item)
		case id == PhysicalSectorSizeItem:
			if err := short(4); err != nil {
				return nil, err
			}
			m.PhysicalSectorSize = binary.LittleEndian.Uint32(item)
		case id == ParentLocatorItem:
			if m.ParentLocator, err = parseParentLocator(item); err != nil {
				return nil, err
			}
		default:
			if e.Flags&metadataIsRequired != 0 {
				return nil, diskimage.Unsupported(Name, "unknown required metadata item %s", id)
			}
		}
	}

	for _, id := range []uuid.UUID{FileParametersItem, VirtualDiskSizeItem, LogicalSectorSizeItem} {
		if !seen[id] {
			return nil, diskimage.Corrupt(Name, "required metadata item %s missing", id)
		}
	}
	if m.BlockSize < MiB || m.BlockSize > 256*MiB || m.BlockSize&(m.BlockSize-1) != 0 {
		return nil, diskimage.Corrupt(Name, "block size %d", m.BlockSize)
	}
	if m.LogicalSectorSize != 512 && m.LogicalSectorSize != 4096 {
		return nil, diskimage.Corrupt(Name, "logical sector size %d", m.LogicalSectorSize)
	}
	if m.VirtualDiskSize%uint64(m.LogicalSectorSize) != 0 || m.VirtualDiskSize > 64<<40 {
		return nil, diskimage.Corrupt(Name, "virtual disk size %d", m.VirtualDiskSize)
	}
	if m.HasParent && m.ParentLocator == nil {
		return nil, diskimage.Corrupt(Name, "differencing image without parent locator")
	}
	return m, nil
}

type parentLocatorHeader struct {
	LocatorType   [16]byte
	Reserved      uint16
	KeyValueCount uint16
}

type parentLocatorEntry struct {
	KeyOffset   uint32
	ValueOffset uint32
	KeyLength   uint16
	ValueLength uint16
}

func parseParentLocator(item []byte) (map[string]string, error) {
	var h parentLocatorHeader
	if err := structcodec.Decode(item, binary.LittleEndian, &h); err != nil {
		return nil, err
	}
	if GUIDFromBytes(h.LocatorType[:]) != VHDXParentLocator {
		return nil, diskimage.Unsupported(Name, "parent locator type %s", GUIDFromBytes(h.LocatorType[:]))
	}
	dec := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewDecoder()
	str := func(off uint32, length uint16) (string, error) {
		end := uint64(off) + uint64(length)
		if end > uint64(len(item)) || length%2 != 0 {
			return "", diskimage.Corrupt(Name, "parent locator string at %d+%d", off, length)
		}
		s, err := dec.Bytes(item[off:end])
		if err != nil {
			return "", diskimage.Corrupt(Name, "parent locator string: %v", err)
		}
		return strings.TrimRight(string(s), "\x00"), nil
	}

	kv := make(map[string]string, h.KeyValueCount)
	for n := 0; n < int(h.KeyValueCount); n++ {
		var e parentLocatorEntry
		if err := structcodec.Decode(item[min(len(item), 20+n*12):], binary.LittleEndian, &e); err != nil {
			return nil, err
		}
		k, err := str(e.KeyOffset, e.KeyLength)
		if err != nil {
			return nil, err
		}
		v, err := str(e.ValueOffset, e.ValueLength)
		if err != nil {
			return nil, err
		}
		kv[k] = v
	}
	return kv, nil
}

// EncodeParentLocator builds a parent locator item from key/value pairs,
// keys in the given order.
func EncodeParentLocator(keys []string, kv map[string]string) []byte {
	enc := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewEncoder()
	head := make([]byte, 20+12*len(keys))
	PutGUID(head, VHDXParentLocator)
	binary.LittleEndian.PutUint16(head[18:], uint16(len(keys)))

	var strs []byte
	for n, k := range keys {
		kb, _ := enc.Bytes([]byte(k))
		vb, _ := enc.Bytes([]byte(kv[k]))
		e := head[20+n*12:]
		binary.LittleEndian.PutUint32(e[0:], uint32(len(head)+len(strs)))
		binary.LittleEndian.PutUint16(e[8:], uint16(len(kb)))
		strs = append(strs, kb...)
		binary.LittleEndian.PutUint32(e[4:], uint32(len(head)+len(strs)))
		binary.LittleEndian.PutUint16(e[10:], uint16(len(vb)))
		strs = append(strs, vb...)
	}
	return append(head, strs...)
}
