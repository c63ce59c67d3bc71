// Package qcow2 reads QCOW version 2 and 3 images.
package qcow2

import (
	"fmt"

	"go-diskimage/pkg/cache"
	"go-diskimage/pkg/diskimage"
	"go-diskimage/pkg/log"
)

// Name of the plugin.
const Name = "qcow2"

const (
	sectorSize = diskimage.DefaultSectorSize
	// enough for the header and its extensions
	headerProbe = 64 * 1024
)

type Image struct {
	// mostly for print
	Name string

	Handler diskimage.Source

	// layout info
	Header        *Header
	Extensions    []HeaderExtension
	RefCountTable []RefCountTableEntry
	L1Table       []L1Entry

	compression uint8
	sectors     uint64

	// L2 tables and refcount blocks, keyed by host offset
	tableCache   *cache.Cache[uint64]
	clusterCache *cache.Cache[uint64]
	sectorCache  *cache.Cache[uint64]
	closed       bool
}

// NewImage opens the image stored in f.
func NewImage(f diskimage.Source, opts *diskimage.OpenOptions) (*Image, error) {
	opts = opts.WithDefaults()
	image := &Image{
		Handler:      f,
		tableCache:   cache.New[uint64](opts.CacheBytes / 4),
		clusterCache: cache.New[uint64](opts.CacheBytes / 2),
		sectorCache:  cache.New[uint64](opts.CacheBytes / 4),
	}
	if n, ok := f.(diskimage.Namer); ok {
		image.Name = n.Name()
	}

	if err := image.loadHeader(); err != nil {
		return nil, err
	}
	if err := image.loadRefcountTable(); err != nil {
		return nil, err
	}
	if err := image.loadL1Table(); err != nil {
		return nil, err
	}

	log.Debugf("qcow2: opened %s, version %d, size %d, cluster %d, l1 entries %d, refcount table entries %d",
		image.Name, image.Header.Version, image.Header.Size, image.Header.ClusterSize(),
		len(image.L1Table), len(image.RefCountTable))
	return image, nil
}

func (i *Image) loadHeader() error {
	probe := min(i.Handler.Size(), headerProbe)
	if probe < v2HeaderLength {
		return diskimage.Malformed(Name, "source of %d bytes is shorter than the header", i.Handler.Size())
	}
	buf, err := diskimage.ReadAt(i.Handler, 0, int(probe))
	if err != nil {
		return err
	}
	h, exts, err := ParseHeader(buf)
	if err != nil {
		return err
	}
	if i.compression, err = compressionType(h, buf); err != nil {
		return err
	}
	if h.IncompatibleFeatures&IncompatDirty != 0 {
		log.Warnf("qcow2: %s is marked dirty, refcounts may be inconsistent", i.Name)
	}
	if h.IncompatibleFeatures&IncompatCorrupt != 0 {
		log.Warnf("qcow2: %s is marked corrupt, reading anyway", i.Name)
	}
	if h.NumSnapshots > 0 {
		log.Debugf("qcow2: %s has %d snapshots, reading the active layer", i.Name, h.NumSnapshots)
	}

	i.Header = h
	i.Extensions = exts
	i.sectors = (h.Size + sectorSize - 1) / sectorSize
	return nil
}

func (i *Image) String() string {
	return fmt.Sprintf(`image:%s
    format:qcow2
    version:%d
    virtual size: %d(bytes)
    cluster size: %d
    `,
		i.Name,
		i.Header.Version,
		i.Header.Size,
		i.Header.ClusterSize(),
	)
}

// Info implements diskimage.Image.
func (i *Image) Info() diskimage.Info {
	return diskimage.Info{
		Format:     Name,
		Version:    fmt.Sprint(i.Header.Version),
		Sectors:    i.sectors,
		SectorSize: sectorSize,
		ImageSize:  i.Handler.Size(),
	}
}

// ReadSector implements diskimage.Image.
func (i *Image) ReadSector(addr uint64) ([]byte, error) {
	if i.closed {
		return nil, diskimage.ErrClosed
	}
	if err := diskimage.CheckRange(addr, 1, i.sectors); err != nil {
		return nil, err
	}
	if s, ok := i.sectorCache.Get(addr); ok {
		return append([]byte(nil), s...), nil
	}

	vdOffset := addr * sectorSize
	gc, err := i.guestCluster(vdOffset)
	if err != nil {
		return nil, err
	}
	data, err := i.readCluster(gc)
	if err != nil {
		return nil, err
	}
	sector := make([]byte, sectorSize)
	if data != nil {
		in := vdOffset - gc.Start
		copy(sector, data[in:in+sectorSize])
	}
	i.sectorCache.Put(addr, append([]byte(nil), sector...))
	return sector, nil
}

// ReadSectors implements diskimage.Image.
func (i *Image) ReadSectors(addr uint64, count uint32) ([]byte, error) {
	return diskimage.ReadSectorsFunc(addr, count, i.sectors, sectorSize, i.ReadSector)
}

// Close drops the caches. The source belongs to the caller.
func (i *Image) Close() error {
	i.closed = true
	i.tableCache.Reset()
	i.clusterCache.Reset()
	i.sectorCache.Reset()
	return nil
}

// Plugin is the QCOW2 format driver.
type Plugin struct{}

// New returns the QCOW2 plugin.
func New() *Plugin { return &Plugin{} }

// Name of the plugin.
func (Plugin) Name() string { return Name }

// Version of the plugin.
func (Plugin) Version() int { return 0 }

// Identify checks the magic and a version of 2 or 3.
func (Plugin) Identify(src diskimage.Source) bool {
	if src.Size() < v2HeaderLength {
		return false
	}
	b, err := diskimage.ReadAt(src, 0, 8)
	if err != nil || string(b[0:4]) != QCOW2MagicNumber {
		return false
	}
	return b[4] == 0 && b[5] == 0 && b[6] == 0 && (b[7] == 2 || b[7] == 3)
}

// Open implements diskimage.Plugin.
func (Plugin) Open(src diskimage.Source, opts *diskimage.OpenOptions) (diskimage.Image, error) {
	return NewImage(src, opts)
}
