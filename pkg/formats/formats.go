// Package formats wires every image plugin into a registry.
package formats

import (
	"go-diskimage/pkg/apridisk"
	"go-diskimage/pkg/diskimage"
	"go-diskimage/pkg/ndif"
	"go-diskimage/pkg/partimage"
	"go-diskimage/pkg/qcow"
	"go-diskimage/pkg/qcow2"
	"go-diskimage/pkg/vhdx"
)

// All returns every plugin in detection order. Plugins with the strictest
// signatures come first.
func All() []diskimage.Plugin {
	return []diskimage.Plugin{
		qcow2.New(),
		qcow.New(),
		vhdx.New(),
		partimage.New(),
		ndif.New(),
		apridisk.New(),
	}
}

// Default returns a registry of All.
func Default() *diskimage.Registry {
	return diskimage.NewRegistry(All()...)
}

// Creator returns the plugin registered under name when it can create images.
func Creator(r *diskimage.Registry, name string) (diskimage.Creator, bool) {
	p, ok := r.Lookup(name)
	if !ok {
		return nil, false
	}
	c, ok := p.(diskimage.Creator)
	return c, ok
}
