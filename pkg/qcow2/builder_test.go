package qcow2_test

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/require"

	"go-diskimage/pkg/diskimage"
	"go-diskimage/pkg/qcow2"
	"go-diskimage/pkg/structcodec"
)

const (
	clusterBits = 12
	clusterSize = 1 << clusterBits
	virtualSize = 1 << 20

	// fixed host layout of synthesized images
	refTableCluster = 1
	refBlockCluster = 2
	l1Cluster       = 3
	l2Cluster       = 4
	firstData       = 5
)

// builder synthesizes small QCOW2 images with 4 KiB clusters, one L2 table
// and 16 bit refcounts.
type builder struct {
	t           *testing.T
	header      qcow2.Header
	compression byte
	l1Entry     uint64
	l2          map[int]uint64
	data        [][]byte
	refcounts   map[uint64]uint16
}

func newBuilder(t *testing.T, version uint32) *builder {
	b := &builder{
		t: t,
		header: qcow2.Header{
			Magic:                 binary.BigEndian.Uint32([]byte("QFI\xfb")),
			Version:               version,
			ClusterBits:           clusterBits,
			Size:                  virtualSize,
			L1Size:                1,
			L1TableOffset:         l1Cluster * clusterSize,
			RefCountTableOffset:   refTableCluster * clusterSize,
			RefcountTableClusters: 1,
		},
		l1Entry:   l2Cluster*clusterSize | 1<<63,
		l2:        map[int]uint64{},
		refcounts: map[uint64]uint16{0: 1, 1: 1, 2: 1, 3: 1, 4: 1},
	}
	if version == 3 {
		b.header.RefCountOrder = 4
		b.header.Length = 104
	}
	return b
}

// hostCluster appends a host cluster and returns its offset.
func (b *builder) hostCluster(content []byte) uint64 {
	c := make([]byte, clusterSize)
	copy(c, content)
	b.data = append(b.data, c)
	index := uint64(firstData + len(b.data) - 1)
	b.refcounts[index] = 1
	return index * clusterSize
}

func (b *builder) standard(guest int, content []byte) *builder {
	b.l2[guest] = b.hostCluster(content) | 1<<63
	return b
}

func (b *builder) zero(guest int) *builder {
	b.l2[guest] = 1
	return b
}

func (b *builder) compressed(guest int, payload []byte) *builder {
	off := b.hostCluster(payload)
	sectors := uint64(len(payload)+511) / 512
	split := 62 - (clusterBits - 8)
	b.l2[guest] = 1<<62 | (sectors-1)<<split | off
	return b
}

func (b *builder) rawL2(guest int, entry uint64) *builder {
	b.l2[guest] = entry
	return b
}

func (b *builder) withZstd() *builder {
	b.compression = qcow2.CompressionZstd
	b.header.IncompatibleFeatures |= qcow2.IncompatCompressionTyp
	b.header.Length = 112
	return b
}

func (b *builder) bytes() []byte {
	b.t.Helper()
	out := make([]byte, (firstData+len(b.data))*clusterSize)

	hdr, err := structcodec.Encode(binary.BigEndian, &b.header)
	require.NoError(b.t, err)
	copy(out, hdr)
	if b.header.Length > 104 {
		out[104] = b.compression
	}

	binary.BigEndian.PutUint64(out[refTableCluster*clusterSize:], refBlockCluster*clusterSize)
	for c, rc := range b.refcounts {
		binary.BigEndian.PutUint16(out[refBlockCluster*clusterSize+c*2:], rc)
	}
	binary.BigEndian.PutUint64(out[l1Cluster*clusterSize:], b.l1Entry)
	for guest, e := range b.l2 {
		binary.BigEndian.PutUint64(out[l2Cluster*clusterSize+guest*8:], e)
	}
	for n, d := range b.data {
		copy(out[(firstData+n)*clusterSize:], d)
	}
	return out
}

func (b *builder) open() (*qcow2.Image, error) {
	b.t.Helper()
	return qcow2.NewImage(diskimage.NewMemorySource(b.bytes()), nil)
}

func pattern(seed byte) []byte {
	p := make([]byte, clusterSize)
	for i := range p {
		p[i] = seed + byte(i%7)
	}
	return p
}

func deflate(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.BestCompression)
	require.NoError(t, err)
	_, err = w.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func zstdFrame(t *testing.T, data []byte) []byte {
	t.Helper()
	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	defer enc.Close()
	return enc.EncodeAll(data, nil)
}
