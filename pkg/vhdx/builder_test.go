package vhdx_test

import (
	"encoding/binary"
	"hash/crc32"
	"os"
	"sort"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"go-diskimage/pkg/diskimage"
	"go-diskimage/pkg/structcodec"
	"go-diskimage/pkg/vhdx"
)

const (
	blockSize   = vhdx.MiB
	virtualSize = 4 * vhdx.MiB
	sectorSize  = 512

	// fixed host layout of synthesized images
	metadataOffset = 1 * vhdx.MiB
	batOffset      = 2 * vhdx.MiB
	firstBlock     = 3 * vhdx.MiB

	// with 512 byte sectors and 1 MiB blocks one bitmap covers 4096 blocks
	bitmapEntry = 4096
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// builder synthesizes VHDX images of 4 MiB with 1 MiB blocks.
type builder struct {
	t         *testing.T
	creator   string
	blockSize uint32
	dataWrite uuid.UUID
	logGUID   uuid.UUID
	seq       [2]uint64
	locator   map[string]string

	// logicalSector overrides the 512 byte logical sector size
	logicalSector uint32

	blocks  map[int][]byte
	states  map[int]uint64
	raw     map[int]uint64
	bitmap  []byte
	mangle  []func(out []byte)
	regions []vhdx.RegionTableEntry
}

func newBuilder(t *testing.T) *builder {
	return &builder{
		t:         t,
		creator:   "go-diskimage tests",
		blockSize: blockSize,
		dataWrite: uuid.New(),
		seq:       [2]uint64{1, 2},
		blocks:    map[int][]byte{},
		states:    map[int]uint64{},
		raw:       map[int]uint64{},
	}
}

// full stores content as a fully present block.
func (b *builder) full(block int, content []byte) *builder {
	b.blocks[block] = content
	b.states[block] = vhdx.PayloadFullyPresent
	return b
}

// partial stores content as a partially present block. Which sectors are
// present is decided by the sector bitmap.
func (b *builder) partial(block int, content []byte) *builder {
	b.blocks[block] = content
	b.states[block] = vhdx.PayloadPartiallyPresent
	return b
}

func (b *builder) state(block int, state uint64) *builder {
	b.states[block] = state
	return b
}

// rawEntry overrides BAT entry n.
func (b *builder) rawEntry(n int, e uint64) *builder {
	b.raw[n] = e
	return b
}

// differencing turns the image into a child of the image whose data write
// GUID is parent.
func (b *builder) differencing(parent uuid.UUID, kv map[string]string) *builder {
	b.locator = map[string]string{vhdx.LocatorParentLinkage: "{" + parent.String() + "}"}
	for k, v := range kv {
		b.locator[k] = v
	}
	return b
}

// present marks sectors as stored in the child.
func (b *builder) present(sectors ...int) *builder {
	if b.bitmap == nil {
		b.bitmap = make([]byte, vhdx.MiB)
	}
	for _, s := range sectors {
		b.bitmap[s/8] |= 1 << (s % 8)
	}
	return b
}

func (b *builder) bytes() []byte {
	b.t.Helper()
	out := make([]byte, firstBlock)
	copy(out, vhdx.FileIdentifier)
	for n, r := range b.creator {
		binary.LittleEndian.PutUint16(out[8+n*2:], uint16(r))
	}

	b.putHeader(out[64*vhdx.KiB:], b.seq[0])
	b.putHeader(out[128*vhdx.KiB:], b.seq[1])
	b.putRegionTable(out[192*vhdx.KiB:])
	b.putRegionTable(out[256*vhdx.KiB:])
	b.putMetadata(out[metadataOffset:])

	bat := map[int]uint64{}
	for block, state := range b.states {
		bat[block+block/bitmapEntry] = state
	}
	keys := make([]int, 0, len(b.blocks))
	for block := range b.blocks {
		keys = append(keys, block)
	}
	sort.Ints(keys)
	for _, block := range keys {
		off := uint64(len(out))
		data := make([]byte, b.blockSize)
		copy(data, b.blocks[block])
		out = append(out, data...)
		bat[block+block/bitmapEntry] |= off
	}
	if b.bitmap != nil {
		bat[bitmapEntry] = uint64(len(out)) | vhdx.PayloadFullyPresent
		out = append(out, b.bitmap...)
	}
	for n, e := range b.raw {
		bat[n] = e
	}
	for n, e := range bat {
		binary.LittleEndian.PutUint64(out[batOffset+n*8:], e)
	}

	for _, m := range b.mangle {
		m(out)
	}
	return out
}

func (b *builder) putHeader(dst []byte, seq uint64) {
	h := vhdx.Header{SequenceNumber: seq, Version: 1, LogVersion: 0, LogLength: vhdx.MiB, LogOffset: vhdx.MiB}
	copy(h.Signature[:], "head")
	vhdx.PutGUID(h.DataWriteGUID[:], b.dataWrite)
	vhdx.PutGUID(h.FileWriteGUID[:], uuid.New())
	if b.logGUID != uuid.Nil {
		vhdx.PutGUID(h.LogGUID[:], b.logGUID)
	}
	raw, err := structcodec.Encode(binary.LittleEndian, &h)
	require.NoError(b.t, err)
	buf := dst[:4*vhdx.KiB]
	copy(buf, raw)
	binary.LittleEndian.PutUint32(buf[4:], crc32.Checksum(buf, castagnoli))
}

func (b *builder) putRegionTable(dst []byte) {
	entries := []vhdx.RegionTableEntry{
		{FileOffset: batOffset, Length: vhdx.MiB, Required: 1},
		{FileOffset: metadataOffset, Length: vhdx.MiB, Required: 1},
	}
	vhdx.PutGUID(entries[0].GUID[:], vhdx.BATRegion)
	vhdx.PutGUID(entries[1].GUID[:], vhdx.MetadataRegion)
	entries = append(entries, b.regions...)

	th := vhdx.RegionTableHeader{EntryCount: uint32(len(entries))}
	copy(th.Signature[:], "regi")
	buf := dst[:64*vhdx.KiB]
	raw, err := structcodec.Encode(binary.LittleEndian, &th)
	require.NoError(b.t, err)
	copy(buf, raw)
	for n := range entries {
		raw, err := structcodec.Encode(binary.LittleEndian, &entries[n])
		require.NoError(b.t, err)
		copy(buf[16+n*32:], raw)
	}
	binary.LittleEndian.PutUint32(buf[4:], crc32.Checksum(buf, castagnoli))
}

func (b *builder) putMetadata(dst []byte) {
	type item struct {
		id   uuid.UUID
		data []byte
	}
	var flags uint32
	if b.locator != nil {
		flags |= 2
	}
	fileParams := make([]byte, 8)
	binary.LittleEndian.PutUint32(fileParams, b.blockSize)
	binary.LittleEndian.PutUint32(fileParams[4:], flags)
	size := make([]byte, 8)
	binary.LittleEndian.PutUint64(size, virtualSize)
	lss := make([]byte, 4)
	binary.LittleEndian.PutUint32(lss, sectorSize)
	if b.logicalSector != 0 {
		binary.LittleEndian.PutUint32(lss, b.logicalSector)
	}
	pss := make([]byte, 4)
	binary.LittleEndian.PutUint32(pss, 4096)
	page83 := make([]byte, 16)
	vhdx.PutGUID(page83, uuid.New())

	items := []item{
		{vhdx.FileParametersItem, fileParams},
		{vhdx.VirtualDiskSizeItem, size},
		{vhdx.LogicalSectorSizeItem, lss},
		{vhdx.PhysicalSectorSizeItem, pss},
		{vhdx.Page83Item, page83},
	}
	if b.locator != nil {
		keys := make([]string, 0, len(b.locator))
		for k := range b.locator {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		items = append(items, item{vhdx.ParentLocatorItem, vhdx.EncodeParentLocator(keys, b.locator)})
	}

	copy(dst, "metadata")
	binary.LittleEndian.PutUint16(dst[10:], uint16(len(items)))
	off := 64 * vhdx.KiB
	for n, it := range items {
		e := dst[32+n*32:]
		vhdx.PutGUID(e, it.id)
		binary.LittleEndian.PutUint32(e[16:], uint32(off))
		binary.LittleEndian.PutUint32(e[20:], uint32(len(it.data)))
		binary.LittleEndian.PutUint32(e[24:], 1<<2)
		copy(dst[off:], it.data)
		off += len(it.data)
	}
}

func (b *builder) open() (*vhdx.Image, error) {
	b.t.Helper()
	return vhdx.Open(diskimage.NewMemorySource(b.bytes()), nil)
}

// library serves named images to OpenParent.
type library map[string][]byte

func (l library) open(path string) (diskimage.Source, error) {
	data, ok := l[path]
	if !ok {
		return nil, os.ErrNotExist
	}
	return diskimage.NewNamedMemorySource(path, data), nil
}

func (l library) openImage(path string) (*vhdx.Image, error) {
	src, err := l.open(path)
	if err != nil {
		return nil, err
	}
	return vhdx.Open(src, &diskimage.OpenOptions{OpenParent: l.open})
}

func pattern(seed byte, n int) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = seed + byte(i/sectorSize) + byte(i%5)
	}
	return p
}
