package diskimage

import (
	"bytes"
	"errors"
	"fmt"
	"io"
)

// convertChunk is the amount of data moved per read during conversion.
const convertChunk = 1 << 20

// VirtualDisk is the raw destination of a conversion.
type VirtualDisk struct {
	Handler io.WriterAt
	// Sparse skips writing zero ranges. Only set it when the destination is
	// freshly created, otherwise stale data survives in those ranges.
	Sparse bool
}

// NewVirtualDisk wraps a raw destination.
func NewVirtualDisk(dh io.WriterAt, sparse bool) *VirtualDisk {
	return &VirtualDisk{Handler: dh, Sparse: sparse}
}

type truncater interface {
	Truncate(size int64) error
}

// Convert writes the logical contents of image to virtualDisk.
func Convert(image Image, virtualDisk *VirtualDisk) error {
	info := image.Info()
	size := info.VirtualSize()

	var regions []Region
	if m, ok := image.(Mapper); ok {
		var err error
		if regions, err = m.Map(); err != nil {
			return fmt.Errorf("map image: %w", err)
		}
	} else {
		regions = []Region{{Start: 0, Length: size, Present: true, Data: true}}
	}

	for _, region := range regions {
		if !region.Data || region.Zero {
			if virtualDisk.Sparse {
				continue
			}
			if err := writeZeros(virtualDisk.Handler, int64(region.Start), int64(region.Length)); err != nil {
				return err
			}
			continue
		}
		if err := convertRegion(image, virtualDisk, region, info.SectorSize); err != nil {
			return err
		}
	}

	if t, ok := virtualDisk.Handler.(truncater); ok {
		if err := t.Truncate(int64(size)); err != nil {
			return fmt.Errorf("truncate output: %w", err)
		}
	}
	return nil
}

func convertRegion(image Image, virtualDisk *VirtualDisk, region Region, sectorSize uint32) error {
	ss := uint64(sectorSize)
	if ss == 0 {
		return errors.New("zero sector size")
	}
	if region.Start%ss != 0 || region.Length%ss != 0 {
		return errors.New("region not aligned to sector size")
	}
	// sectors larger than a chunk are read one at a time
	perChunk := max(1, uint64(convertChunk)/ss)
	first := region.Start / ss
	last := first + region.Length/ss
	for sector := first; sector < last; sector += perChunk {
		count := min(perChunk, last-sector)
		data, err := image.ReadSectors(sector, uint32(count))
		if err != nil {
			return fmt.Errorf("read sectors %d-%d: %w", sector, sector+count-1, err)
		}
		if virtualDisk.Sparse && isZero(data) {
			continue
		}
		if _, err := virtualDisk.Handler.WriteAt(data, int64(sector*ss)); err != nil {
			return fmt.Errorf("write at %d: %w", sector*ss, err)
		}
	}
	return nil
}

func writeZeros(w io.WriterAt, off, n int64) error {
	buf := make([]byte, min(n, convertChunk))
	for n > 0 {
		chunk := min(int64(len(buf)), n)
		if _, err := w.WriteAt(buf[:chunk], off); err != nil {
			return fmt.Errorf("write zeros at %d: %w", off, err)
		}
		off += chunk
		n -= chunk
	}
	return nil
}

func isZero(b []byte) bool {
	for len(b) > 0 {
		n := min(len(b), len(zeroPage))
		if !bytes.Equal(b[:n], zeroPage[:n]) {
			return false
		}
		b = b[n:]
	}
	return true
}

var zeroPage = make([]byte, 4096)
