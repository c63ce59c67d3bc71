package qcow2

import (
	"encoding/binary"
	"fmt"

	"go-diskimage/pkg/diskimage"
)

const (
	// only the 9-55bits are meaningful
	offsetMask = uint64((1<<56)-1) &^ 511
	copiedBit  = uint64(1) << 63
	compBit    = uint64(1) << 62

	l1ReservedMask    = 0x7f000000000001ff
	l2StdReservedMask = 0x3f000000000001fe
	l2ZeroBit         = 1
)

type L1Entry struct {
	Index         int
	L2TableOffset uint64
	// true means refcount == 1, the L2 table is not shared with a snapshot
	RefCountBit bool
}

type L2Entry struct {
	// false for cluster that are:
	// unused, compressed or require COW
	// true for standard clusters whose refcount == 1
	Flag bool

	// only one may exist
	Standard   *StandardDescriptor
	Compressed *CompressedDescriptor
}

// Unallocated reports whether the entry maps nothing and reads as zeros.
func (e L2Entry) Unallocated() bool {
	return e.Standard != nil && !e.Standard.AllZero && e.Standard.DataOffset == 0
}

func (i *Image) loadL1Table() error {
	clusterSize := i.Header.ClusterSize()
	offset := i.Header.L1TableOffset
	totalEntryCount := uint64(i.Header.L1Size)

	// the table must cover the whole virtual disk
	span := clusterSize * i.Header.L2EntryCount()
	if need := (i.Header.Size + span - 1) / span; totalEntryCount < need {
		return diskimage.Corrupt(Name, "L1 table has %d entries, %d needed", totalEntryCount, need)
	}
	if offset%clusterSize != 0 {
		return diskimage.Corrupt(Name, "L1 table offset %d not aligned to cluster", offset)
	}
	if offset+totalEntryCount*8 > uint64(i.Handler.Size()) {
		return diskimage.Corrupt(Name, "L1 table exceeds image")
	}

	tableBuf, err := diskimage.ReadAt(i.Handler, int64(offset), int(totalEntryCount*8))
	if err != nil {
		return fmt.Errorf("read L1 table: %w", err)
	}

	i.L1Table = make([]L1Entry, 0, totalEntryCount)
	for index := uint64(0); index < totalEntryCount; index++ {
		// each entry takes 8 bytes
		e := binary.BigEndian.Uint64(tableBuf[index*8 : index*8+8])

		if e&l1ReservedMask != 0 {
			return diskimage.Corrupt(Name, "L1 entry %d has reserved bits set: %#x", index, e)
		}
		newEntry := L1Entry{
			Index:         int(index),
			L2TableOffset: e & offsetMask,
			RefCountBit:   e&copiedBit != 0,
		}
		if newEntry.L2TableOffset%clusterSize != 0 {
			return diskimage.Corrupt(Name, "L1 entry %d: L2 offset not aligned to cluster boundary", index)
		}
		if newEntry.L2TableOffset+clusterSize > uint64(i.Handler.Size()) {
			return diskimage.Corrupt(Name, "L1 entry %d: L2 table beyond end of image", index)
		}
		i.L1Table = append(i.L1Table, newEntry)
	}
	return nil
}

// l2Table returns the validated L2 table at offset.
func (i *Image) l2Table(offset uint64) ([]byte, error) {
	if t, ok := i.tableCache.Get(offset); ok {
		return t, nil
	}
	t, err := diskimage.ReadAt(i.Handler, int64(offset), int(i.Header.ClusterSize()))
	if err != nil {
		return nil, fmt.Errorf("read L2 table at %d: %w", offset, err)
	}
	for index := uint64(0); index < i.Header.L2EntryCount(); index++ {
		if _, err := i.extractL2Entry(t, index); err != nil {
			return nil, fmt.Errorf("L2 table at %d: %w", offset, err)
		}
	}
	i.tableCache.Put(offset, t)
	return t, nil
}

// FindL2Entry resolves a guest byte offset to its L2 entry.
func (i *Image) FindL2Entry(vdOffset uint64) (L2Entry, error) {
	l2EntryCountPerTable := i.Header.L2EntryCount()

	clusterIndex := vdOffset >> i.Header.ClusterBits
	l1Index := clusterIndex / l2EntryCountPerTable
	l2Index := clusterIndex % l2EntryCountPerTable

	if l1Index >= uint64(len(i.L1Table)) {
		return L2Entry{}, fmt.Errorf("%w: offset %d beyond L1 table", diskimage.ErrSectorOutOfRange, vdOffset)
	}
	l2TableStart := i.L1Table[l1Index].L2TableOffset
	if l2TableStart == 0 {
		return L2Entry{Standard: &StandardDescriptor{}}, nil
	}

	rawL2Table, err := i.l2Table(l2TableStart)
	if err != nil {
		return L2Entry{}, err
	}
	return i.extractL2Entry(rawL2Table, l2Index)
}

func (i *Image) extractL2Entry(block []byte, index uint64) (L2Entry, error) {
	rawEntry := binary.BigEndian.Uint64(block[index*8 : index*8+8])
	cb := i.Header.ClusterBits

	entry := L2Entry{
		Flag: rawEntry&copiedBit != 0,
	}
	if rawEntry&compBit == 0 {
		if rawEntry&l2StdReservedMask != 0 {
			return L2Entry{}, diskimage.Corrupt(Name, "L2 entry %d has reserved bits set: %#x", index, rawEntry)
		}
		sd := &StandardDescriptor{
			DataOffset: rawEntry & offsetMask,
			AllZero:    rawEntry&l2ZeroBit != 0,
		}
		if sd.AllZero && i.Header.Version < 3 {
			return L2Entry{}, diskimage.Corrupt(Name, "L2 entry %d: zero flag in a version 2 image", index)
		}
		if sd.DataOffset%i.Header.ClusterSize() != 0 {
			return L2Entry{}, diskimage.Corrupt(Name, "L2 entry %d: data offset %d not aligned to cluster", index, sd.DataOffset)
		}
		entry.Standard = sd
		return entry, nil
	}

	if entry.Flag {
		return L2Entry{}, diskimage.Corrupt(Name, "L2 entry %d: compressed cluster marked copied", index)
	}
	split := 62 - (cb - 8)
	entry.Compressed = &CompressedDescriptor{
		DataOffset:  rawEntry & ((1 << split) - 1),
		SectorCount: (rawEntry>>split)&((1<<(cb-8))-1) + 1,
	}
	return entry, nil
}
