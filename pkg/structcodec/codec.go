// Package structcodec decodes and encodes fixed-layout on-disk structures.
// The byte order is an explicit argument of every call: QCOW headers are
// big-endian while VHDX, Partimage and Apridisk are little-endian, and some
// formats mix both.
package structcodec

import (
	"encoding/binary"
	"fmt"

	"github.com/go-restruct/restruct"

	"go-diskimage/pkg/diskimage"
)

// Size returns the encoded size of v, a pointer to a fixed-layout struct.
func Size(v any) (int, error) {
	return restruct.SizeOf(v)
}

// MustSize is Size for package-level layout constants.
func MustSize(v any) int {
	n, err := restruct.SizeOf(v)
	if err != nil {
		panic(fmt.Sprintf("structcodec: %T has no fixed layout: %v", v, err))
	}
	return n
}

// Decode fills v from the head of buf. It fails with
// diskimage.ErrMalformedHeader when buf is shorter than the layout of v.
func Decode(buf []byte, order binary.ByteOrder, v any) error {
	n, err := restruct.SizeOf(v)
	if err != nil {
		return err
	}
	if len(buf) < n {
		return fmt.Errorf("%w: %T needs %d bytes, have %d", diskimage.ErrMalformedHeader, v, n, len(buf))
	}
	if err := restruct.Unpack(buf[:n], order, v); err != nil {
		return fmt.Errorf("%w: decode %T: %v", diskimage.ErrMalformedHeader, v, err)
	}
	return nil
}

// Encode returns the on-disk bytes of v.
func Encode(order binary.ByteOrder, v any) ([]byte, error) {
	return restruct.Pack(order, v)
}

// ReadStruct reads the layout of v at off and decodes it.
func ReadStruct(src diskimage.Source, off int64, order binary.ByteOrder, v any) error {
	n, err := restruct.SizeOf(v)
	if err != nil {
		return err
	}
	if off < 0 || off+int64(n) > src.Size() {
		return fmt.Errorf("%w: %T at offset %d exceeds source of %d bytes", diskimage.ErrMalformedHeader, v, off, src.Size())
	}
	buf, err := diskimage.ReadAt(src, off, n)
	if err != nil {
		return err
	}
	return Decode(buf, order, v)
}

// CString returns the bytes of b up to the first NUL.
func CString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// PascalString decodes a length-prefixed string stored in a fixed field.
func PascalString(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	n := int(b[0])
	if n > len(b)-1 {
		n = len(b) - 1
	}
	return string(b[1 : 1+n])
}
