package decompress_test

import (
	"bytes"
	"testing"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-diskimage/pkg/decompress"
	"go-diskimage/pkg/diskimage"
)

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

func pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

func Test_Deflate(t *testing.T) {
	cluster := pattern(4096)

	t.Run("Exact size", func(t *testing.T) {
		raw := deflate(t, cluster)
		// Trailing sector padding must be ignored.
		raw = append(raw, make([]byte, 300)...)
		out, err := decompress.Decompress(decompress.Deflate, raw, len(cluster))
		require.NoError(t, err)
		assert.Equal(t, cluster, out)
	})

	t.Run("One byte short", func(t *testing.T) {
		raw := deflate(t, cluster[:len(cluster)-1])
		_, err := decompress.Decompress(decompress.Deflate, raw, len(cluster))
		assert.ErrorIs(t, err, diskimage.ErrCorruptData)
	})

	t.Run("One byte long", func(t *testing.T) {
		raw := deflate(t, append(pattern(4096), 7))
		_, err := decompress.Decompress(decompress.Deflate, raw, len(cluster))
		assert.ErrorIs(t, err, diskimage.ErrCorruptData)
	})

	t.Run("Garbage", func(t *testing.T) {
		_, err := decompress.Decompress(decompress.Deflate, []byte{0xff, 0xff, 0xff}, 512)
		assert.ErrorIs(t, err, diskimage.ErrCorruptData)
	})
}

func Test_Zstd(t *testing.T) {
	cluster := pattern(8192)
	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	defer enc.Close()

	raw := enc.EncodeAll(cluster, nil)
	out, err := decompress.Decompress(decompress.Zstd, raw, len(cluster))
	require.NoError(t, err)
	assert.Equal(t, cluster, out)

	short := enc.EncodeAll(cluster[:100], nil)
	_, err = decompress.Decompress(decompress.Zstd, short, len(cluster))
	assert.ErrorIs(t, err, diskimage.ErrCorruptData)
}

func Test_ADC(t *testing.T) {
	raw := []byte{
		0x82, 'a', 'b', 'c', // literal "abc"
		0x00, 0x02, // copy 3 from 3 back
		0x40, 0x00, 0x00, // copy 4 from 1 back
	}
	out, err := decompress.Decompress(decompress.ADC, raw, 10)
	require.NoError(t, err)
	assert.Equal(t, []byte("abcabccccc"), out)

	t.Run("Offset before start", func(t *testing.T) {
		_, err := decompress.Decompress(decompress.ADC, []byte{0x00, 0x05}, 3)
		assert.ErrorIs(t, err, diskimage.ErrCorruptData)
	})

	t.Run("Wrong size", func(t *testing.T) {
		_, err := decompress.Decompress(decompress.ADC, raw, 11)
		assert.ErrorIs(t, err, diskimage.ErrCorruptData)
		_, err = decompress.Decompress(decompress.ADC, raw, 9)
		assert.ErrorIs(t, err, diskimage.ErrCorruptData)
	})
}

func Test_AppleRLE(t *testing.T) {
	raw := []byte{
		0x00, 0x02, 'a', 'b', 'c', 'd',
		0x00, 0x00, // skipped
		0xff, 0xfd, 'x', 'y',
	}
	out, err := decompress.Decompress(decompress.AppleRLE, raw, 10)
	require.NoError(t, err)
	assert.Equal(t, []byte("abcdxyxyxy"), out)

	_, err = decompress.Decompress(decompress.AppleRLE, raw[:4], 4)
	assert.ErrorIs(t, err, diskimage.ErrCorruptData)
}

func Test_ApriRLE(t *testing.T) {
	out, err := decompress.Decompress(decompress.ApriRLE, []byte{3, 0, 'z', 2, 0, 'q'}, 5)
	require.NoError(t, err)
	assert.Equal(t, []byte("zzzqq"), out)

	_, err = decompress.Decompress(decompress.ApriRLE, []byte{3, 0}, 3)
	assert.ErrorIs(t, err, diskimage.ErrCorruptData)
}

func Test_Unsupported(t *testing.T) {
	for _, alg := range []decompress.Algorithm{decompress.KenCode, decompress.LZH, decompress.StuffIt} {
		t.Run(alg.String(), func(t *testing.T) {
			assert.False(t, alg.Supported())
			_, err := decompress.Decompress(alg, []byte{1, 2, 3}, 512)
			assert.ErrorIs(t, err, diskimage.ErrUnsupportedFeature)
		})
	}
}
