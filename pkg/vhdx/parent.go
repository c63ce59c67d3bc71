package vhdx

import (
	"io"
	"path"
	"strings"

	"github.com/google/uuid"

	"go-diskimage/pkg/diskimage"
	"go-diskimage/pkg/log"
)

// Parent locator keys.
const (
	LocatorParentLinkage  = "parent_linkage"
	LocatorParentLinkage2 = "parent_linkage2"
	LocatorRelativePath   = "relative_path"
	LocatorVolumePath     = "volume_path"
	LocatorAbsolutePath   = "absolute_win32_path"
)

// parentCandidates lists the paths recorded in the locator in the order
// they are tried, followed by their base names.
func parentCandidates(kv map[string]string) []string {
	var out, bases []string
	for _, k := range []string{LocatorRelativePath, LocatorVolumePath, LocatorAbsolutePath} {
		p := strings.ReplaceAll(kv[k], `\`, "/")
		if p == "" {
			continue
		}
		// drive letters and volume GUIDs are meaningless here
		if k != LocatorRelativePath {
			if i := strings.Index(p, ":"); i >= 0 {
				p = p[i+1:]
			}
		}
		out = append(out, p)
		bases = append(bases, path.Base(p))
	}
	return append(out, bases...)
}

func (i *Image) openParent(opts *diskimage.OpenOptions) error {
	linkage, err := uuid.Parse(strings.Trim(i.metadata.ParentLocator[LocatorParentLinkage], "{}"))
	if err != nil {
		return diskimage.Corrupt(Name, "parent locator: bad parent_linkage %q", i.metadata.ParentLocator[LocatorParentLinkage])
	}

	chain := opts.Chain()
	if n, ok := i.src.(diskimage.Namer); ok {
		chain = chain.Root(n.Name())
	}
	src, p, err := opts.ResolveParent(Name, i.src, parentCandidates(i.metadata.ParentLocator))
	if err != nil {
		return err
	}
	next, err := chain.Enter(Name, p)
	if err != nil {
		closeSource(src)
		return err
	}

	parent, err := Open(src, opts.ForParent(next))
	if err != nil {
		closeSource(src)
		return err
	}
	if parent.header.DataWrite() != linkage {
		_ = parent.Close()
		closeSource(src)
		return diskimage.Corrupt(Name, "parent %s has data write GUID %s, child expects %s", p, parent.header.DataWrite(), linkage)
	}
	if parent.metadata.LogicalSectorSize != i.metadata.LogicalSectorSize {
		_ = parent.Close()
		closeSource(src)
		return diskimage.Unsupported(Name, "parent %s has %d byte logical sectors, child has %d",
			p, parent.metadata.LogicalSectorSize, i.metadata.LogicalSectorSize)
	}
	log.Debugf("vhdx: opened parent %s at depth %d", p, next.Depth())
	i.parent, i.parentSrc = parent, src
	return nil
}

func closeSource(src diskimage.Source) {
	if c, ok := src.(io.Closer); ok {
		_ = c.Close()
	}
}
