package ndif

import (
	"go-diskimage/pkg/diskimage"
)

// Plugin is the NDIF format driver.
type Plugin struct{}

// New returns the NDIF plugin.
func New() *Plugin { return &Plugin{} }

// Name of the plugin.
func (Plugin) Name() string { return Name }

// Version of the plugin.
func (Plugin) Version() int { return 0 }

// Identify looks for a bcem resource with a known chunk table version.
func (Plugin) Identify(src diskimage.Source) bool {
	fork, err := loadFork(src)
	if err != nil {
		return false
	}
	resources := fork.Resources(ResourceType)
	if len(resources) == 0 {
		return false
	}
	buf, err := fork.Data(resources[0])
	if err != nil || len(buf) < HeaderSize {
		return false
	}
	version := int16(buf[0])<<8 | int16(buf[1])
	return version == 10 || version == 12
}

// Open implements diskimage.Plugin.
func (Plugin) Open(src diskimage.Source, opts *diskimage.OpenOptions) (diskimage.Image, error) {
	return Open(src, opts)
}
