// Package qcow reads and writes QCOW version 1 images.
package qcow

import (
	"encoding/binary"

	"go-diskimage/pkg/diskimage"
)

// Name of the plugin.
const Name = "qcow"

// Plugin is the QCOW v1 format driver.
type Plugin struct{}

// New returns the QCOW v1 plugin.
func New() *Plugin { return &Plugin{} }

// Name of the plugin.
func (Plugin) Name() string { return Name }

// Version of the plugin.
func (Plugin) Version() int { return 0 }

// Identify checks the magic and the version field.
func (Plugin) Identify(src diskimage.Source) bool {
	if src.Size() < HeaderSize {
		return false
	}
	var b [8]byte
	if err := diskimage.ReadFull(src, b[:], 0); err != nil {
		return false
	}
	return binary.BigEndian.Uint32(b[0:4]) == Magic && binary.BigEndian.Uint32(b[4:8]) == 1
}

// Open implements diskimage.Plugin.
func (Plugin) Open(src diskimage.Source, opts *diskimage.OpenOptions) (diskimage.Image, error) {
	return Open(src, opts)
}

// Create implements diskimage.Creator with the default layout.
func (Plugin) Create(dst diskimage.WriteSource, sectors uint64, opts *diskimage.OpenOptions) (diskimage.WritableImage, error) {
	opts = opts.WithDefaults()
	return Create(dst, sectors*sectorSize, CreateOptions{CacheBytes: opts.CacheBytes})
}
