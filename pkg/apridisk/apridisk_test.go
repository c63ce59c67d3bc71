package apridisk_test

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-diskimage/pkg/apridisk"
	"go-diskimage/pkg/diskimage"
	"go-diskimage/pkg/structcodec"
)

type builder struct {
	t   *testing.T
	buf []byte
}

func newBuilder(t *testing.T) *builder {
	sig := make([]byte, apridisk.SignatureSize)
	copy(sig, apridisk.Signature)
	return &builder{t: t, buf: sig}
}

func (b *builder) record(r apridisk.Record, data []byte) *builder {
	b.t.Helper()
	if r.HeaderSize == 0 {
		r.HeaderSize = apridisk.RecordSize
	}
	r.DataSize = uint32(len(data))
	raw, err := structcodec.Encode(binary.LittleEndian, &r)
	require.NoError(b.t, err)
	b.buf = append(b.buf, raw...)
	if pad := int(r.HeaderSize) - len(raw); pad > 0 {
		b.buf = append(b.buf, make([]byte, pad)...)
	}
	b.buf = append(b.buf, data...)
	return b
}

func (b *builder) sector(cyl uint16, head, sector uint8, data []byte) *builder {
	return b.record(apridisk.Record{
		Type: apridisk.RecordSector, Compression: apridisk.Uncompressed,
		Cylinder: cyl, Head: head, Sector: sector,
	}, data)
}

func (b *builder) packed(cyl uint16, head, sector uint8, fill byte, n int) *builder {
	run := binary.LittleEndian.AppendUint16(nil, uint16(n))
	return b.record(apridisk.Record{
		Type: apridisk.RecordSector, Compression: apridisk.Compressed,
		Cylinder: cyl, Head: head, Sector: sector,
	}, append(run, fill))
}

func (b *builder) text(typ uint32, s string) *builder {
	return b.record(apridisk.Record{Type: typ}, append([]byte(s), 0))
}

func (b *builder) source() *diskimage.MemorySource {
	return diskimage.NewMemorySource(b.buf)
}

func sectorOf(seed byte) []byte {
	p := make([]byte, 512)
	for i := range p {
		p[i] = seed + byte(i)
	}
	return p
}

// floppy is a 2 cylinder, 2 head, 3 sector image with one sector missing.
func floppy(t *testing.T) *builder {
	b := newBuilder(t).
		text(apridisk.RecordCreator, "ACT Apricot").
		text(apridisk.RecordComment, "line one\rline two")
	for c := uint16(0); c < 2; c++ {
		for h := uint8(0); h < 2; h++ {
			for s := uint8(1); s <= 3; s++ {
				switch {
				case c == 1 && h == 0 && s == 2:
					continue
				case c == 0 && h == 1:
					b.packed(c, h, s, 0xe5, 512)
				default:
					b.sector(c, h, s, sectorOf(byte(c)*16+h*4+s))
				}
			}
		}
	}
	b.record(apridisk.Record{Type: apridisk.RecordDeleted}, sectorOf(0x77))
	return b
}

func Test_Open(t *testing.T) {
	image, err := apridisk.Open(floppy(t).source(), nil)
	require.NoError(t, err)
	defer image.Close()

	want := diskimage.Info{
		Format:     "apridisk",
		Sectors:    12,
		SectorSize: 512,
		ImageSize:  int64(len(floppy(t).buf)),
		Geometry:   &diskimage.Geometry{Cylinders: 2, Heads: 2, SectorsPerTrack: 3},
		Creator:    "ACT Apricot",
		Comments:   "line one\nline two",
	}
	if diff := cmp.Diff(want, image.Info()); diff != "" {
		t.Errorf("Info() mismatch (-want +got):\n%s", diff)
	}

	t.Run("Identify", func(t *testing.T) {
		p := apridisk.New()
		assert.True(t, p.Identify(floppy(t).source()))
		assert.False(t, p.Identify(diskimage.NewMemorySource(make([]byte, 512))))
		assert.False(t, p.Identify(diskimage.NewMemorySource([]byte("ACT"))))
	})
}

func Test_ReadSector(t *testing.T) {
	image, err := apridisk.Open(floppy(t).source(), nil)
	require.NoError(t, err)

	t.Run("Stored", func(t *testing.T) {
		got, err := image.ReadSector(0)
		require.NoError(t, err)
		assert.Equal(t, sectorOf(1), got)

		// cylinder 1, head 1, sector 3
		got, err = image.ReadSector(11)
		require.NoError(t, err)
		assert.Equal(t, sectorOf(16+4+3), got)
	})

	t.Run("Compressed", func(t *testing.T) {
		got, err := image.ReadSectors(3, 3)
		require.NoError(t, err)
		assert.Equal(t, bytes.Repeat([]byte{0xe5}, 3*512), got)
	})

	t.Run("Missing", func(t *testing.T) {
		got, err := image.ReadSector(7)
		require.NoError(t, err)
		assert.Equal(t, make([]byte, 512), got)
	})

	t.Run("Out of range", func(t *testing.T) {
		_, err := image.ReadSector(12)
		assert.ErrorIs(t, err, diskimage.ErrSectorOutOfRange)
	})

	t.Run("Closed", func(t *testing.T) {
		require.NoError(t, image.Close())
		_, err := image.ReadSector(0)
		assert.ErrorIs(t, err, diskimage.ErrClosed)
	})
}

func Test_LongHeader(t *testing.T) {
	b := newBuilder(t).record(apridisk.Record{
		Type: apridisk.RecordSector, Compression: apridisk.Uncompressed,
		HeaderSize: 32, Sector: 1,
	}, sectorOf(9))
	image, err := apridisk.Open(b.source(), nil)
	require.NoError(t, err)

	got, err := image.ReadSector(0)
	require.NoError(t, err)
	assert.Equal(t, sectorOf(9), got)
}

func Test_Rejects(t *testing.T) {
	tests := []struct {
		name  string
		build func(b *builder)
		want  error
	}{
		{"No sectors", func(b *builder) { b.text(apridisk.RecordComment, "empty") }, diskimage.ErrCorruptData},
		{"Unknown record", func(b *builder) { b.record(apridisk.Record{Type: 0x1234}, nil) }, diskimage.ErrCorruptData},
		{"Short header", func(b *builder) {
			b.record(apridisk.Record{Type: apridisk.RecordSector, HeaderSize: 8}, nil)
		}, diskimage.ErrCorruptData},
		{"Truncated record", func(b *builder) {
			b.sector(0, 0, 1, sectorOf(1))
			b.buf = b.buf[:len(b.buf)-10]
		}, diskimage.ErrCorruptData},
		{"Mixed sector sizes", func(b *builder) {
			b.sector(0, 0, 1, sectorOf(1))
			b.sector(0, 0, 2, make([]byte, 256))
		}, diskimage.ErrCorruptData},
		{"Sector zero", func(b *builder) { b.sector(0, 0, 0, sectorOf(1)) }, diskimage.ErrCorruptData},
		{"Unknown compression", func(b *builder) {
			b.record(apridisk.Record{Type: apridisk.RecordSector, Compression: 0x1111, Sector: 1}, sectorOf(1))
		}, diskimage.ErrUnsupportedFeature},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newBuilder(t)
			tt.build(b)
			_, err := apridisk.Open(b.source(), nil)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	t.Run("Bad signature", func(t *testing.T) {
		_, err := apridisk.Open(diskimage.NewMemorySource(make([]byte, 1024)), nil)
		assert.ErrorIs(t, err, diskimage.ErrMalformedHeader)
	})
}
