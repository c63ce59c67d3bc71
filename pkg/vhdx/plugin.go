package vhdx

import (
	"go-diskimage/pkg/diskimage"
)

// Plugin is the VHDX format driver.
type Plugin struct{}

// New returns the VHDX plugin.
func New() *Plugin { return &Plugin{} }

// Name of the plugin.
func (Plugin) Name() string { return Name }

// Version of the plugin.
func (Plugin) Version() int { return 0 }

// Identify checks the file type identifier.
func (Plugin) Identify(src diskimage.Source) bool {
	var b [8]byte
	if err := diskimage.ReadFull(src, b[:], 0); err != nil {
		return false
	}
	return string(b[:]) == FileIdentifier
}

// Open implements diskimage.Plugin.
func (Plugin) Open(src diskimage.Source, opts *diskimage.OpenOptions) (diskimage.Image, error) {
	return Open(src, opts)
}
