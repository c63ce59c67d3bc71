package qcow2

import (
	"fmt"

	"go-diskimage/pkg/decompress"
	"go-diskimage/pkg/diskimage"
)

// GuestCluster is one cluster of the virtual disk and the L2 entry
// describing where it lives.
type GuestCluster struct {
	L2Info L2Entry

	// the start offset of the whole disk
	Start uint64
	// the length of this cluster
	// usually the cluster size defined in the
	// qcow2 image, but could be less in case
	// there is no enough data for one cluster
	Length uint64
}

// guestCluster looks up the cluster covering vdOffset.
func (i *Image) guestCluster(vdOffset uint64) (GuestCluster, error) {
	clusterSize := i.Header.ClusterSize()
	start := vdOffset &^ (clusterSize - 1)
	entry, err := i.FindL2Entry(start)
	if err != nil {
		return GuestCluster{}, err
	}
	return GuestCluster{
		L2Info: entry,
		Start:  start,
		Length: min(clusterSize, i.Header.Size-start),
	}, nil
}

// readCluster returns the contents of gc, or nil when it reads as zeros.
func (i *Image) readCluster(gc GuestCluster) ([]byte, error) {
	clusterSize := i.Header.ClusterSize()
	fileSize := uint64(i.Handler.Size())

	if cd := gc.L2Info.Compressed; cd != nil {
		key := cd.DataOffset | compBit
		if c, ok := i.clusterCache.Get(key); ok {
			return c, nil
		}
		if cd.DataOffset >= fileSize {
			return nil, diskimage.Corrupt(Name, "compressed cluster at %d beyond end of image", cd.DataOffset)
		}
		// the last sector may be cut short by the end of file
		length := min(cd.Length(), fileSize-cd.DataOffset)
		raw, err := diskimage.ReadAt(i.Handler, int64(cd.DataOffset), int(length))
		if err != nil {
			return nil, err
		}
		alg := decompress.Deflate
		if i.compression == CompressionZstd {
			alg = decompress.Zstd
		}
		data, err := decompress.Decompress(alg, raw, int(clusterSize))
		if err != nil {
			return nil, fmt.Errorf("guest cluster at %d: %w", gc.Start, err)
		}
		i.clusterCache.Put(key, data)
		return data, nil
	}

	sd := gc.L2Info.Standard
	if sd.AllZero || sd.DataOffset == 0 {
		return nil, nil
	}
	if c, ok := i.clusterCache.Get(sd.DataOffset); ok {
		return c, nil
	}
	if sd.DataOffset >= fileSize {
		return nil, diskimage.Corrupt(Name, "cluster at %d beyond end of image", sd.DataOffset)
	}
	data := make([]byte, clusterSize)
	// images may end inside their last data cluster
	n := min(clusterSize, fileSize-sd.DataOffset)
	if err := diskimage.ReadFull(i.Handler, data[:n], int64(sd.DataOffset)); err != nil {
		return nil, err
	}
	i.clusterCache.Put(sd.DataOffset, data)
	return data, nil
}
