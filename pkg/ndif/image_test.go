package ndif_test

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-diskimage/pkg/diskimage"
	"go-diskimage/pkg/ndif"
	"go-diskimage/pkg/resfork"
	"go-diskimage/pkg/structcodec"
)

const (
	chunkSectors = 16
	chunkBytes   = chunkSectors * 512
	totalSectors = 4 * chunkSectors
)

type chunk struct {
	start  uint32
	typ    uint8
	offset uint32
	length uint32
}

// builder synthesizes an NDIF image of four chunks: raw, zero, ADC and RLE.
type builder struct {
	t      *testing.T
	header ndif.Header
	data   []byte
	chunks []chunk
	// chunks after this index go into a second bcem resource
	split int
}

func newBuilder(t *testing.T) *builder {
	b := &builder{
		t: t,
		header: ndif.Header{
			Version:            10,
			Sectors:            totalSectors,
			MaxSectorsPerChunk: chunkSectors,
		},
	}
	name := "Test Disk"
	b.header.Name[0] = byte(len(name))
	copy(b.header.Name[1:], name)

	b.add(0, ndif.ChunkCopy, rawContent())
	b.add(chunkSectors, ndif.ChunkNoCopy, nil)
	b.add(2*chunkSectors, ndif.ChunkADC, adcStream())
	b.add(3*chunkSectors, ndif.ChunkRLE, rleStream())
	b.add(totalSectors, ndif.ChunkEnd, nil)
	b.split = 2
	return b
}

func (b *builder) add(start uint32, typ uint8, payload []byte) {
	c := chunk{start: start, typ: typ}
	if payload != nil {
		c.offset, c.length = uint32(len(b.data)), uint32(len(payload))
		b.data = append(b.data, payload...)
	}
	b.chunks = append(b.chunks, c)
}

func (b *builder) bcem(chunks []chunk) []byte {
	h := b.header
	h.Chunks = uint32(len(chunks))
	raw, err := structcodec.Encode(binary.BigEndian, &h)
	require.NoError(b.t, err)
	for _, c := range chunks {
		raw = binary.BigEndian.AppendUint32(raw, c.start<<8|uint32(c.typ))
		raw = binary.BigEndian.AppendUint32(raw, c.offset)
		raw = binary.BigEndian.AppendUint32(raw, c.length)
	}
	return raw
}

func (b *builder) source() *diskimage.MemorySource {
	b.t.Helper()
	fork := resfork.NewBuilder().
		Add(ndif.ResourceType, 128, "", b.bcem(b.chunks[:b.split])).
		Add(ndif.ResourceType, 129, "", b.bcem(b.chunks[b.split:])).
		Bytes()
	return diskimage.NewMemorySource(append([]byte(nil), b.data...)).
		WithResourceFork(diskimage.NewMemorySource(fork))
}

func (b *builder) open() (*ndif.Image, error) {
	b.t.Helper()
	return ndif.Open(b.source(), nil)
}

func rawContent() []byte {
	p := make([]byte, chunkBytes)
	for i := range p {
		p[i] = byte(i/512) + byte(i%3)
	}
	return p
}

// adcStream expands to chunkBytes bytes of 'Q'.
func adcStream() []byte {
	out := []byte{0x80, 'Q'}
	left := chunkBytes - 1
	for left >= 67 {
		out = append(out, 0x7f, 0, 0)
		left -= 67
	}
	return append(out, 0x40|byte(left-4), 0, 0)
}

// rleStream expands to chunkBytes bytes of 0xab 0xcd.
func rleStream() []byte {
	return repeatWord(chunkBytes / 2)
}

func repeatWord(count int) []byte {
	control := int16(-count)
	out := binary.BigEndian.AppendUint16(nil, uint16(control))
	return append(out, 0xab, 0xcd)
}

func Test_Open(t *testing.T) {
	image, err := newBuilder(t).open()
	require.NoError(t, err)
	defer image.Close()

	info := image.Info()
	assert.Equal(t, "ndif", info.Format)
	assert.Equal(t, "10", info.Version)
	assert.Equal(t, uint64(totalSectors), info.Sectors)
	assert.Equal(t, "Test Disk", info.Label)

	chunks := image.Chunks()
	require.Len(t, chunks, 4)
	for n, c := range chunks {
		assert.Equal(t, uint64(n*chunkSectors), c.Start)
		assert.Equal(t, uint64(chunkSectors), c.Sectors)
	}

	t.Run("Identify", func(t *testing.T) {
		p := ndif.New()
		assert.True(t, p.Identify(newBuilder(t).source()))
		assert.False(t, p.Identify(diskimage.NewMemorySource(make([]byte, 1024))))
	})
}

func Test_ReadSector(t *testing.T) {
	image, err := newBuilder(t).open()
	require.NoError(t, err)

	t.Run("Raw chunk", func(t *testing.T) {
		got, err := image.ReadSectors(3, 2)
		require.NoError(t, err)
		assert.Equal(t, rawContent()[3*512:5*512], got)
	})

	t.Run("Zero chunk", func(t *testing.T) {
		got, err := image.ReadSector(chunkSectors + 5)
		require.NoError(t, err)
		assert.Equal(t, make([]byte, 512), got)
	})

	t.Run("ADC chunk", func(t *testing.T) {
		got, err := image.ReadSector(2*chunkSectors + 7)
		require.NoError(t, err)
		assert.Equal(t, bytes.Repeat([]byte{'Q'}, 512), got)
	})

	t.Run("RLE chunk", func(t *testing.T) {
		got, err := image.ReadSector(totalSectors - 1)
		require.NoError(t, err)
		assert.Equal(t, bytes.Repeat([]byte{0xab, 0xcd}, 256), got)
	})

	t.Run("Across chunks", func(t *testing.T) {
		got, err := image.ReadSectors(chunkSectors-1, 2)
		require.NoError(t, err)
		assert.Equal(t, append(rawContent()[chunkBytes-512:], make([]byte, 512)...), got)
	})

	t.Run("Out of range", func(t *testing.T) {
		_, err := image.ReadSector(totalSectors)
		assert.ErrorIs(t, err, diskimage.ErrSectorOutOfRange)
		_, err = image.ReadSectors(totalSectors-1, 2)
		assert.ErrorIs(t, err, diskimage.ErrSectorOutOfRange)
	})

	t.Run("Map", func(t *testing.T) {
		regions, err := image.Map()
		require.NoError(t, err)
		want := []diskimage.Region{
			{Start: 0, Length: chunkBytes, Present: true, Data: true},
			{Start: chunkBytes, Length: chunkBytes, Zero: true},
			{Start: 2 * chunkBytes, Length: 2 * chunkBytes, Present: true, Data: true, Compressed: true},
		}
		if diff := cmp.Diff(want, regions); diff != "" {
			t.Errorf("Map() mismatch (-want +got):\n%s", diff)
		}
	})
}

func Test_ShortChunk(t *testing.T) {
	b := newBuilder(t)
	// one word less than the chunk
	b.data = append(b.data[:len(b.data)-4], repeatWord(chunkBytes/2-1)...)
	image, err := b.open()
	require.NoError(t, err)

	_, err = image.ReadSector(3 * chunkSectors)
	assert.ErrorIs(t, err, diskimage.ErrCorruptData)

	got, err := image.ReadSector(0)
	require.NoError(t, err)
	assert.Equal(t, rawContent()[:512], got)
}

func Test_Rejects(t *testing.T) {
	tests := []struct {
		name  string
		setup func(b *builder)
		want  error
	}{
		{"KenCode", func(b *builder) { b.chunks[2].typ = ndif.ChunkKenCode }, diskimage.ErrUnsupportedFeature},
		{"LZH", func(b *builder) { b.chunks[2].typ = ndif.ChunkLZH }, diskimage.ErrUnsupportedFeature},
		{"StuffIt", func(b *builder) { b.chunks[3].typ = ndif.ChunkStuffIt }, diskimage.ErrUnsupportedFeature},
		{"Unknown chunk type", func(b *builder) { b.chunks[1].typ = 0x21 }, diskimage.ErrUnsupportedFeature},
		{"Segmented", func(b *builder) { b.header.Segmented = 1 }, diskimage.ErrUnsupportedFeature},
		{"Version", func(b *builder) { b.header.Version = 11 }, diskimage.ErrUnsupportedFeature},
		{"Encrypted", func(b *builder) { copy(b.data, "encrcdsa") }, diskimage.ErrUnsupportedFeature},
		{"Chunk too large", func(b *builder) { b.header.MaxSectorsPerChunk = 8 }, diskimage.ErrCorruptData},
		{"Chunk outside of data fork", func(b *builder) { b.chunks[0].length = 1 << 20 }, diskimage.ErrCorruptData},
		{"Chunks out of order", func(b *builder) { b.chunks[1].start = 40 }, diskimage.ErrCorruptData},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newBuilder(t)
			tt.setup(b)
			_, err := b.open()
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	t.Run("No resource fork", func(t *testing.T) {
		_, err := ndif.Open(diskimage.NewMemorySource(newBuilder(t).data), nil)
		assert.ErrorIs(t, err, diskimage.ErrMalformedHeader)
	})
}
