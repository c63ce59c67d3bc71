package qcow2

import (
	"fmt"

	"go-diskimage/pkg/diskimage"
)

// region describes one guest cluster in qemu-img map terms.
//
// present means either is preallocated, or used
// zero, if present, could be true (not yet written)
// data, if present, could be false (not yet written)
func region(gc GuestCluster) diskimage.Region {
	r := diskimage.Region{Start: gc.Start, Length: gc.Length}
	if gc.L2Info.Compressed != nil {
		// if compressed, then must have data
		r.Present, r.Data, r.Compressed = true, true, true
		return r
	}
	sd := gc.L2Info.Standard
	switch {
	case sd.AllZero:
		// preallocated
		r.Present, r.Zero = true, true
	case sd.DataOffset == 0:
		// unallocated
		r.Zero = true
	default:
		r.Present, r.Data = true, true
		r.Offset = sd.DataOffset
	}
	return r
}

// Map returns the allocation map of the active layer, merged the way
// qemu-img map --output=json merges it.
func (i *Image) Map() ([]diskimage.Region, error) {
	regions := make([]diskimage.Region, 0)
	err := i.walk(func(gc GuestCluster) error {
		regions = diskimage.MergeRegion(regions, region(gc))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return regions, nil
}

// walk calls fn for every guest cluster in order.
func (i *Image) walk(fn func(GuestCluster) error) error {
	virtualSize := i.Header.Size
	clusterSize := i.Header.ClusterSize()

	for offset := uint64(0); offset < virtualSize; offset += clusterSize {
		gc, err := i.guestCluster(offset)
		if err != nil {
			return fmt.Errorf("reading l2 entry failed, offset %d: %w", offset, err)
		}
		if err := fn(gc); err != nil {
			return err
		}
	}
	return nil
}
