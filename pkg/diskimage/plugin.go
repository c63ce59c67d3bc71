package diskimage

import (
	"fmt"
	"os"
	"path/filepath"
)

// DefaultCacheBytes is the cache budget of one opened image.
const DefaultCacheBytes = 16 * 1024 * 1024

// DefaultMaxParentDepth bounds differencing chains.
const DefaultMaxParentDepth = 16

// Plugin is a format driver.
type Plugin interface {
	// Name is the unique identifier of the plugin, e.g. "qcow2".
	Name() string
	// Version of the plugin.
	Version() int
	// Identify probes the minimal header prefix of src. It never fails: any
	// mismatch, truncation or I/O error yields false.
	Identify(src Source) bool
	// Open validates the header, loads the allocation tables and resolves
	// the parent chain. Partially loaded state is discarded on error.
	Open(src Source, opts *OpenOptions) (Image, error)
}

// Creator is implemented by plugins that can create new images.
type Creator interface {
	Create(dst WriteSource, sectors uint64, opts *OpenOptions) (WritableImage, error)
}

// ParentOpener opens the byte source of a parent image by path.
type ParentOpener func(path string) (Source, error)

// OpenOptions tunes Open. A nil *OpenOptions means defaults.
type OpenOptions struct {
	// CacheBytes is the budget shared by the caches of one image.
	CacheBytes int
	// ReadOnly forces a read-only open even when the source is writable.
	ReadOnly bool
	// MaxParentDepth bounds the length of differencing chains.
	MaxParentDepth int
	// ParentSearchDirs are tried, in order, after the directory of the
	// child image when resolving relative parent paths.
	ParentSearchDirs []string
	// OpenParent opens a parent image source. Defaults to OpenFile.
	OpenParent ParentOpener

	chain *Chain
}

// WithDefaults returns a copy of o with zero fields set to their defaults.
// It is safe to call on a nil receiver.
func (o *OpenOptions) WithDefaults() *OpenOptions {
	out := OpenOptions{}
	if o != nil {
		out = *o
	}
	if out.CacheBytes <= 0 {
		out.CacheBytes = DefaultCacheBytes
	}
	if out.MaxParentDepth <= 0 {
		out.MaxParentDepth = DefaultMaxParentDepth
	}
	if out.OpenParent == nil {
		out.OpenParent = func(path string) (Source, error) {
			return OpenFile(path, false)
		}
	}
	if out.chain == nil {
		out.chain = &Chain{visited: map[string]bool{}, max: out.MaxParentDepth}
	}
	return &out
}

// Chain returns the differencing chain this open belongs to.
func (o *OpenOptions) Chain() *Chain { return o.chain }

// ForParent returns the options used to open a parent of an image whose
// chain position is c.
func (o *OpenOptions) ForParent(c *Chain) *OpenOptions {
	out := *o
	out.chain = c
	// Parents are only ever read.
	out.ReadOnly = true
	return &out
}

// Chain guards recursive parent resolution against cycles and unbounded
// depth.
type Chain struct {
	visited map[string]bool
	depth   int
	max     int
}

// Enter records path as the next link. It fails when path already appears
// in the chain or the chain is too deep.
func (c *Chain) Enter(format, path string) (*Chain, error) {
	key := path
	if abs, err := filepath.Abs(path); err == nil {
		key = filepath.Clean(abs)
	}
	if c.visited[key] {
		return nil, Unsupported(format, "cyclic parent chain through %s", path)
	}
	if c.depth+1 > c.max {
		return nil, Unsupported(format, "parent chain deeper than %d", c.max)
	}
	visited := make(map[string]bool, len(c.visited)+1)
	for k := range c.visited {
		visited[k] = true
	}
	visited[key] = true
	return &Chain{visited: visited, depth: c.depth + 1, max: c.max}, nil
}

// Root returns a chain that already contains path, the image at the head of
// the chain. Depth is unchanged.
func (c *Chain) Root(path string) *Chain {
	if path == "" {
		return c
	}
	key := path
	if abs, err := filepath.Abs(path); err == nil {
		key = filepath.Clean(abs)
	}
	visited := make(map[string]bool, len(c.visited)+1)
	for k := range c.visited {
		visited[k] = true
	}
	visited[key] = true
	return &Chain{visited: visited, depth: c.depth, max: c.max}
}

// Depth is the number of links entered so far.
func (c *Chain) Depth() int { return c.depth }

// ResolveParent tries the candidate paths recorded by a differencing image
// and returns the first one that opens. Relative candidates are tried
// against the directory of the child and then against the search dirs.
func (o *OpenOptions) ResolveParent(format string, child Source, candidates []string) (Source, string, error) {
	var dirs []string
	if n, ok := child.(Namer); ok && n.Name() != "" {
		dirs = append(dirs, filepath.Dir(n.Name()))
	}
	dirs = append(dirs, o.ParentSearchDirs...)

	var tried []string
	for _, c := range candidates {
		if c == "" {
			continue
		}
		c = filepath.FromSlash(c)
		var paths []string
		if filepath.IsAbs(c) {
			paths = append(paths, c)
		} else {
			for _, d := range dirs {
				paths = append(paths, filepath.Join(d, c))
			}
			paths = append(paths, c)
		}
		for _, p := range paths {
			tried = append(tried, p)
			src, err := o.OpenParent(p)
			if err != nil {
				continue
			}
			return src, p, nil
		}
	}
	return nil, "", Unsupported(format, "parent image not found (tried %v): %v", tried, os.ErrNotExist)
}

// Registry is an ordered set of plugins.
type Registry struct {
	plugins []Plugin
}

// NewRegistry returns a registry trying plugins in the given order.
func NewRegistry(plugins ...Plugin) *Registry {
	return &Registry{plugins: plugins}
}

// Plugins returns the registered plugins.
func (r *Registry) Plugins() []Plugin { return r.plugins }

// Lookup returns the plugin registered under name.
func (r *Registry) Lookup(name string) (Plugin, bool) {
	for _, p := range r.plugins {
		if p.Name() == name {
			return p, true
		}
	}
	return nil, false
}

// Detect returns the first plugin identifying src.
func (r *Registry) Detect(src Source) (Plugin, error) {
	for _, p := range r.plugins {
		if p.Identify(src) {
			return p, nil
		}
	}
	return nil, ErrNotRecognized
}

// Open detects the format of src and opens it.
func (r *Registry) Open(src Source, opts *OpenOptions) (Image, error) {
	p, err := r.Detect(src)
	if err != nil {
		return nil, err
	}
	img, err := p.Open(src, opts)
	if err != nil {
		return nil, fmt.Errorf("open %s image: %w", p.Name(), err)
	}
	return img, nil
}
