package partimage

import (
	"go-diskimage/pkg/diskimage"
	"go-diskimage/pkg/structcodec"
)

// Plugin is the Partimage format driver.
type Plugin struct{}

// New returns the Partimage plugin.
func New() *Plugin { return &Plugin{} }

// Name of the plugin.
func (Plugin) Name() string { return Name }

// Version of the plugin.
func (Plugin) Version() int { return 0 }

// Identify checks the volume magic.
func (Plugin) Identify(src diskimage.Source) bool {
	if src.Size() < VolumeHeaderSize+MainHeaderSize {
		return false
	}
	var b [MagicSize]byte
	if err := diskimage.ReadFull(src, b[:], 0); err != nil {
		return false
	}
	return structcodec.CString(b[:]) == VolumeMagic
}

// Open implements diskimage.Plugin.
func (Plugin) Open(src diskimage.Source, opts *diskimage.OpenOptions) (diskimage.Image, error) {
	return Open(src, opts)
}
