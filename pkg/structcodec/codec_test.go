package structcodec_test

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-diskimage/pkg/diskimage"
	"go-diskimage/pkg/structcodec"
)

type sample struct {
	Magic   [4]byte
	Version uint32
	Offset  uint64
	Bits    uint8
	Pad     [3]byte
}

func Test_Decode(t *testing.T) {
	raw := []byte{
		'Q', 'F', 'I', 0xfb,
		0x00, 0x00, 0x00, 0x02,
		0x00, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00,
		0x0c,
		0, 0, 0,
	}

	t.Run("Big endian", func(t *testing.T) {
		var s sample
		require.NoError(t, structcodec.Decode(raw, binary.BigEndian, &s))
		assert.Equal(t, "QFI\xfb", string(s.Magic[:]))
		assert.Equal(t, uint32(2), s.Version)
		assert.Equal(t, uint64(0x10000), s.Offset)
		assert.Equal(t, uint8(12), s.Bits)
	})

	t.Run("Little endian", func(t *testing.T) {
		var s sample
		require.NoError(t, structcodec.Decode(raw, binary.LittleEndian, &s))
		assert.Equal(t, uint32(0x02000000), s.Version)
	})

	t.Run("Short buffer", func(t *testing.T) {
		var s sample
		err := structcodec.Decode(raw[:10], binary.BigEndian, &s)
		assert.ErrorIs(t, err, diskimage.ErrMalformedHeader)
	})
}

func Test_EncodeRoundTrip(t *testing.T) {
	in := sample{Magic: [4]byte{'a', 'b', 'c', 'd'}, Version: 7, Offset: 1 << 40, Bits: 9}
	for _, order := range []binary.ByteOrder{binary.BigEndian, binary.LittleEndian} {
		buf, err := structcodec.Encode(order, &in)
		require.NoError(t, err)
		assert.Len(t, buf, structcodec.MustSize(&in))

		var out sample
		require.NoError(t, structcodec.Decode(buf, order, &out))
		assert.Equal(t, in, out)
	}
}

func Test_ReadStruct(t *testing.T) {
	src := diskimage.NewMemorySource(make([]byte, 16))
	var s sample
	err := structcodec.ReadStruct(src, 0, binary.BigEndian, &s)
	assert.ErrorIs(t, err, diskimage.ErrMalformedHeader)
}

func Test_Strings(t *testing.T) {
	assert.Equal(t, "abc", structcodec.CString([]byte{'a', 'b', 'c', 0, 'x'}))
	assert.Equal(t, "abc", structcodec.CString([]byte("abc")))
	assert.Equal(t, "hi", structcodec.PascalString([]byte{2, 'h', 'i', 'x'}))
	assert.Equal(t, "h", structcodec.PascalString([]byte{9, 'h'}))
	assert.Equal(t, "", structcodec.PascalString(nil))
}
