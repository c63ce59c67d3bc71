package qcow

import (
	"go-diskimage/pkg/diskimage"
)

// Map walks the L1/L2 tables and returns the allocation map.
func (i *Image) Map() ([]diskimage.Region, error) {
	virtualSize := i.sectors * sectorSize
	clusterSize := i.header.ClusterSize()
	l1Span := uint64(1) << i.header.L1Shift()

	regions := make([]diskimage.Region, 0)
	offset := uint64(0)
	for offset < virtualSize {
		l1Index := offset >> i.header.L1Shift()
		if i.l1[l1Index] == 0 {
			// no L2 table, the whole L1 span is unallocated
			length := min(l1Span-(offset&(l1Span-1)), virtualSize-offset)
			regions = diskimage.MergeRegion(regions, diskimage.Region{
				Start: offset, Length: length, Zero: true,
			})
			offset += length
			continue
		}

		entry, err := i.l2Entry(offset)
		if err != nil {
			return nil, err
		}
		r := diskimage.Region{Start: offset, Length: min(clusterSize, virtualSize-offset)}
		switch {
		case entry == 0:
			r.Zero = true
		case i.isCompressed(entry):
			r.Present, r.Data, r.Compressed = true, true, true
		default:
			r.Present, r.Data = true, true
			r.Offset = entry
		}
		regions = diskimage.MergeRegion(regions, r)
		offset += r.Length
	}
	return regions, nil
}
