package vhdx

import (
	"go-diskimage/pkg/diskimage"
)

// Map returns the allocation map. Ranges the image delegates to its parent
// are described by the parent's map at depth+1.
func (i *Image) Map() ([]diskimage.Region, error) {
	if i.closed {
		return nil, diskimage.ErrClosed
	}
	var parentMap []diskimage.Region
	if p, ok := i.parent.(diskimage.Mapper); ok {
		var err error
		if parentMap, err = p.Map(); err != nil {
			return nil, err
		}
	}

	size := i.metadata.VirtualDiskSize
	blockSize := uint64(i.metadata.BlockSize)
	sectorSize := uint64(i.metadata.LogicalSectorSize)
	regions := make([]diskimage.Region, 0)
	for start := uint64(0); start < size; start += blockSize {
		length := min(blockSize, size-start)
		entry := i.blockEntry(start / blockSize)
		off := entry & batOffsetMask

		switch entry & batStateMask {
		case PayloadFullyPresent:
			regions = diskimage.MergeRegion(regions, diskimage.Region{
				Start: start, Length: length, Present: true, Data: true, Offset: off,
			})
		case PayloadPartiallyPresent:
			for s := start; s < start+length; s += sectorSize {
				if i.sectorPresent(s / sectorSize) {
					regions = diskimage.MergeRegion(regions, diskimage.Region{
						Start: s, Length: sectorSize, Present: true, Data: true, Offset: off + s - start,
					})
					continue
				}
				regions = i.mergeParent(regions, parentMap, s, sectorSize)
			}
		case PayloadNotPresent:
			if i.parent != nil {
				regions = i.mergeParent(regions, parentMap, start, length)
				continue
			}
			regions = diskimage.MergeRegion(regions, diskimage.Region{Start: start, Length: length, Zero: true})
		default:
			regions = diskimage.MergeRegion(regions, diskimage.Region{
				Start: start, Length: length, Present: true, Zero: true,
			})
		}
	}
	return regions, nil
}

// mergeParent appends the parent's regions overlapping [start, start+length).
func (i *Image) mergeParent(regions, parentMap []diskimage.Region, start, length uint64) []diskimage.Region {
	end := start + length
	covered := start
	for _, r := range parentMap {
		rEnd := r.Start + r.Length
		if rEnd <= start || r.Start >= end {
			continue
		}
		s, e := max(r.Start, start), min(rEnd, end)
		part := r
		part.Start, part.Length, part.Depth = s, e-s, r.Depth+1
		if part.Data && !part.Compressed {
			part.Offset = r.Offset + s - r.Start
		}
		regions = diskimage.MergeRegion(regions, part)
		covered = e
	}
	// beyond the end of a smaller parent
	if covered < end {
		regions = diskimage.MergeRegion(regions, diskimage.Region{Start: covered, Length: end - covered, Zero: true, Depth: 1})
	}
	return regions
}
