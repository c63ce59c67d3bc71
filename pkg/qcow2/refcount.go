package qcow2

import (
	"encoding/binary"
	"fmt"

	"go-diskimage/pkg/diskimage"
)

const RefCountTableEntrySizeByte = 8

const refTableReservedMask = 0x1ff

// each entry points to a refcount block
type RefCountTableEntry struct {
	// the index inside the refcount table
	Index int
	// offset into the image file at which
	// the refcount block starts, 0 if unallocated
	RefCountBlockOffset uint64
}

func (i *Image) loadRefcountTable() error {
	clusterSize := i.Header.ClusterSize()
	offset := i.Header.RefCountTableOffset
	// table size may expand to MBs based on qcow2 virtual disk size
	totalTableSize := uint64(i.Header.RefcountTableClusters) * clusterSize
	// calculate the total number of refcount table entry
	totalEntryCount := totalTableSize / RefCountTableEntrySizeByte

	if offset%clusterSize != 0 {
		return diskimage.Corrupt(Name, "refcount table offset %d not aligned to cluster", offset)
	}
	if offset+totalTableSize > uint64(i.Handler.Size()) {
		return diskimage.Corrupt(Name, "refcount table exceeds image")
	}
	tableBuf, err := diskimage.ReadAt(i.Handler, int64(offset), int(totalTableSize))
	if err != nil {
		return fmt.Errorf("read refcount table: %w", err)
	}

	i.RefCountTable = make([]RefCountTableEntry, 0, totalEntryCount)
	for index := uint64(0); index < totalEntryCount; index++ {
		// each entry takes 8 bytes
		e := binary.BigEndian.Uint64(tableBuf[index*8 : index*8+8])
		if e&refTableReservedMask != 0 {
			return diskimage.Corrupt(Name, "refcount table entry %d has reserved bits set: %#x", index, e)
		}
		i.RefCountTable = append(i.RefCountTable, RefCountTableEntry{
			Index:               int(index),
			RefCountBlockOffset: e,
		})
	}
	return nil
}

// RefCount returns the reference count of the host cluster holding offset.
func (i *Image) RefCount(offset uint64) (uint64, error) {
	entries := i.Header.RefCountBlockEntryCount()
	cluster := offset / i.Header.ClusterSize()
	refCountTableIndex := cluster / entries
	refCountBlockIndex := cluster % entries

	if refCountTableIndex >= uint64(len(i.RefCountTable)) {
		return 0, nil
	}
	blockOffset := i.RefCountTable[refCountTableIndex].RefCountBlockOffset
	if blockOffset == 0 {
		return 0, nil
	}

	rawBlock, ok := i.tableCache.Get(blockOffset)
	if !ok {
		var err error
		rawBlock, err = diskimage.ReadAt(i.Handler, int64(blockOffset), int(i.Header.ClusterSize()))
		if err != nil {
			return 0, fmt.Errorf("read refcount block at %d: %w", blockOffset, err)
		}
		i.tableCache.Put(blockOffset, rawBlock)
	}
	return extractRefCount(rawBlock, refCountBlockIndex, i.Header.RefCountBit()), nil
}

// extractRefCount reads entry index of a refcount block. Sub-byte entries
// are packed starting from the least significant bit, wider ones are big
// endian.
func extractRefCount(block []byte, index uint64, entryBitSize int) uint64 {
	switch entryBitSize {
	case 1, 2, 4:
		perByte := uint64(8 / entryBitSize)
		b := block[index/perByte]
		shift := uint(index%perByte) * uint(entryBitSize)
		return uint64(b>>shift) & (1<<entryBitSize - 1)
	case 8:
		return uint64(block[index])
	case 16:
		return uint64(binary.BigEndian.Uint16(block[index*2:]))
	case 32:
		return uint64(binary.BigEndian.Uint32(block[index*4:]))
	default:
		return binary.BigEndian.Uint64(block[index*8:])
	}
}
