package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/diskfs/go-diskfs"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"go-diskimage/pkg/diskimage"
	"go-diskimage/pkg/formats"
	"go-diskimage/pkg/log"
	"go-diskimage/pkg/qcow2"
)

// opened is an image together with the file it was read from.
type opened struct {
	diskimage.Image
	src *diskimage.FileSource
}

func (o *opened) Close() error {
	return multierr.Append(o.Image.Close(), o.src.Close())
}

// open detects the format of path and opens it read-only.
func (e *env) open(path string) (*opened, error) {
	src, err := diskimage.OpenFile(path, false)
	if err != nil {
		return nil, err
	}
	opts := e.cfg.OpenOptions()
	opts.ReadOnly = true
	img, err := formats.Default().Open(src, opts)
	if err != nil {
		return nil, multierr.Append(fmt.Errorf("%s: %w", path, err), src.Close())
	}
	return &opened{Image: img, src: src}, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

type infoResult struct {
	Path  string          `json:"path"`
	Info  *diskimage.Info `json:"info,omitempty"`
	Error string          `json:"error,omitempty"`
}

// info opens every image concurrently, one Image per goroutine. Failures
// are reported per image and combined into the returned error.
func (e *env) info(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("%w: info needs at least one image", errUsage)
	}
	results := make([]infoResult, len(args))
	errs := make([]error, len(args))

	var g errgroup.Group
	g.SetLimit(runtime.NumCPU())
	for n, path := range args {
		n, path := n, path
		g.Go(func() error {
			results[n].Path = path
			img, err := e.open(path)
			if err != nil {
				errs[n] = err
				results[n].Error = err.Error()
				return nil
			}
			info := img.Info()
			results[n].Info = &info
			errs[n] = img.Close()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if err := writeJSON(e.stdout, results); err != nil {
		return err
	}
	return multierr.Combine(errs...)
}

func (e *env) mapImage(args []string) (err error) {
	if len(args) != 1 {
		return fmt.Errorf("%w: map needs one image", errUsage)
	}
	img, err := e.open(args[0])
	if err != nil {
		return err
	}
	defer multierr.AppendInvoke(&err, multierr.Close(img))

	m, ok := img.Image.(diskimage.Mapper)
	if !ok {
		return fmt.Errorf("%s: %s images have no allocation map", args[0], img.Info().Format)
	}
	regions, err := m.Map()
	if err != nil {
		return fmt.Errorf("%s: %w", args[0], err)
	}
	return writeJSON(e.stdout, regions)
}

func (e *env) convert(args []string) (err error) {
	fs := flag.NewFlagSet("convert", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	sparse := fs.Bool("sparse", false, "skip writing zero ranges")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	if fs.NArg() != 2 {
		return fmt.Errorf("%w: convert needs an image and a destination", errUsage)
	}
	path, dst := fs.Arg(0), fs.Arg(1)

	img, err := e.open(path)
	if err != nil {
		return err
	}
	defer multierr.AppendInvoke(&err, multierr.Close(img))

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer multierr.AppendInvoke(&err, multierr.Close(out))

	if err := diskimage.Convert(img, diskimage.NewVirtualDisk(out, *sparse)); err != nil {
		return fmt.Errorf("convert %s: %w", path, err)
	}
	info := img.Info()
	log.Infof("converted %s image %s to %s, %d bytes", info.Format, path, dst, info.VirtualSize())
	return nil
}

func (e *env) check(args []string) (err error) {
	if len(args) != 1 {
		return fmt.Errorf("%w: check needs one image", errUsage)
	}
	src, err := diskimage.OpenFile(args[0], false)
	if err != nil {
		return err
	}
	defer multierr.AppendInvoke(&err, multierr.Close(src))

	opts := e.cfg.OpenOptions()
	opts.ReadOnly = true
	img, err := qcow2.NewImage(src, opts)
	if err != nil {
		return fmt.Errorf("%s: %w", args[0], err)
	}
	defer multierr.AppendInvoke(&err, multierr.Close(img))

	res, err := img.Check()
	if err != nil {
		return fmt.Errorf("%s: %w", args[0], err)
	}
	if err := writeJSON(e.stdout, res); err != nil {
		return err
	}
	if !res.OK() {
		return fmt.Errorf("%s: %d corruptions, %d leaked clusters", args[0], len(res.Corruptions), len(res.Leaks))
	}
	return nil
}

func (e *env) create(args []string) (err error) {
	fs := flag.NewFlagSet("create", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	format := fs.String("format", "qcow", "image format")
	size := fs.Uint64("size", 0, "virtual size in bytes")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("%w: create needs one image", errUsage)
	}
	if *size == 0 || *size%diskimage.DefaultSectorSize != 0 {
		return fmt.Errorf("%w: size must be a positive multiple of %d", errUsage, diskimage.DefaultSectorSize)
	}
	creator, ok := formats.Creator(formats.Default(), *format)
	if !ok {
		return fmt.Errorf("%s images cannot be created", *format)
	}

	path := fs.Arg(0)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	src := diskimage.NewFileSource(f)
	defer multierr.AppendInvoke(&err, multierr.Close(src))

	img, err := creator.Create(src, *size/diskimage.DefaultSectorSize, e.cfg.OpenOptions())
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	log.Infof("created %s image %s of %d bytes", *format, path, *size)
	return img.Close()
}

type partitionInfo struct {
	Index int   `json:"index"`
	Start int64 `json:"start"`
	Size  int64 `json:"size"`
}

type partitionTable struct {
	Type       string          `json:"type"`
	Partitions []partitionInfo `json:"partitions"`
}

// partitions exports the image to a temporary raw file and reads its
// partition table.
func (e *env) partitions(args []string) (err error) {
	if len(args) != 1 {
		return fmt.Errorf("%w: partitions needs one image", errUsage)
	}
	img, err := e.open(args[0])
	if err != nil {
		return err
	}
	defer multierr.AppendInvoke(&err, multierr.Close(img))

	tmp, err := os.CreateTemp("", "diskimg-*.raw")
	if err != nil {
		return fmt.Errorf("create temporary raw file: %w", err)
	}
	defer os.Remove(tmp.Name())
	convErr := diskimage.Convert(img, diskimage.NewVirtualDisk(tmp, true))
	if err := multierr.Append(convErr, tmp.Close()); err != nil {
		return fmt.Errorf("convert %s: %w", args[0], err)
	}

	d, err := diskfs.Open(tmp.Name(), diskfs.WithOpenMode(diskfs.ReadOnly))
	if err != nil {
		return fmt.Errorf("open raw disk: %w", err)
	}
	defer multierr.AppendInvoke(&err, multierr.Close(d))

	table, err := d.GetPartitionTable()
	if err != nil {
		return fmt.Errorf("%s: read partition table: %w", args[0], err)
	}
	out := partitionTable{Type: table.Type(), Partitions: []partitionInfo{}}
	for n, p := range table.GetPartitions() {
		if p.GetSize() == 0 {
			continue
		}
		// go-diskfs numbers partitions from 1
		out.Partitions = append(out.Partitions, partitionInfo{Index: n + 1, Start: p.GetStart(), Size: p.GetSize()})
	}
	return writeJSON(e.stdout, out)
}
