// Package decompress decodes single compressed clusters and chunks.
//
// Every decoder is asked for an exact output size. Producing fewer or more
// bytes than expected is reported as diskimage.ErrCorruptData; the data is
// never padded or truncated to fit.
package decompress

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zstd"

	"go-diskimage/pkg/diskimage"
)

// Algorithm identifies a compression scheme found in image chunk tables.
type Algorithm int

const (
	// Deflate is a raw deflate stream (QCOW, QCOW2 zlib).
	Deflate Algorithm = iota
	// Zstd is a zstd frame (QCOW2 v3 compression type 1).
	Zstd
	// ADC is Apple Data Compression (NDIF).
	ADC
	// AppleRLE is the word-oriented run-length scheme of NDIF/DART.
	AppleRLE
	// ApriRLE is the byte fill run-length scheme of Apridisk.
	ApriRLE
	// KenCode, LZH and StuffIt appear in NDIF chunk tables but are not
	// implemented.
	KenCode
	LZH
	StuffIt
)

var names = map[Algorithm]string{
	Deflate:  "deflate",
	Zstd:     "zstd",
	ADC:      "adc",
	AppleRLE: "apple-rle",
	ApriRLE:  "apridisk-rle",
	KenCode:  "kencode",
	LZH:      "lzh",
	StuffIt:  "stuffit",
}

func (a Algorithm) String() string {
	if n, ok := names[a]; ok {
		return n
	}
	return fmt.Sprintf("algorithm(%d)", int(a))
}

// Supported reports whether Decompress implements a.
func (a Algorithm) Supported() bool {
	switch a {
	case Deflate, Zstd, ADC, AppleRLE, ApriRLE:
		return true
	}
	return false
}

// Decompress decodes raw into exactly expected bytes.
func Decompress(alg Algorithm, raw []byte, expected int) ([]byte, error) {
	var (
		out []byte
		err error
	)
	switch alg {
	case Deflate:
		r := flate.NewReader(bytes.NewReader(raw))
		defer r.Close()
		out, err = readExact(r, expected, true)
	case Zstd:
		var d *zstd.Decoder
		d, err = zstd.NewReader(bytes.NewReader(raw), zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, corrupt(alg, "%v", err)
		}
		defer d.Close()
		// Clusters are padded to sector boundaries, so bytes after the
		// frame are not necessarily another frame.
		out, err = readExact(d, expected, false)
	case ADC:
		out, err = decodeADC(raw, expected)
	case AppleRLE:
		out, err = decodeAppleRLE(raw, expected)
	case ApriRLE:
		out, err = decodeApriRLE(raw, expected)
	default:
		return nil, diskimage.Unsupported(alg.String(), "compression algorithm not implemented")
	}
	if err != nil {
		return nil, err
	}
	if len(out) != expected {
		return nil, corrupt(alg, "decoded %d bytes, expected %d", len(out), expected)
	}
	return out, nil
}

func readExact(r io.Reader, expected int, strict bool) ([]byte, error) {
	out := make([]byte, expected)
	n, err := io.ReadFull(r, out)
	if err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: stream ended after %d of %d bytes", diskimage.ErrCorruptData, n, expected)
		}
		return nil, fmt.Errorf("%w: %v", diskimage.ErrCorruptData, err)
	}
	var probe [1]byte
	m, perr := r.Read(probe[:])
	if m > 0 {
		return nil, fmt.Errorf("%w: stream longer than %d bytes", diskimage.ErrCorruptData, expected)
	}
	if strict && perr != nil && !errors.Is(perr, io.EOF) {
		return nil, fmt.Errorf("%w: %v", diskimage.ErrCorruptData, perr)
	}
	return out, nil
}

func corrupt(alg Algorithm, reason string, args ...any) error {
	return diskimage.Corrupt(alg.String(), reason, args...)
}
