package decompress

import (
	"encoding/binary"
)

// appleRLEChunk bounds the run length of one AppleRLE control word.
const appleRLEChunk = 20960

// decodeAppleRLE expands a stream of big-endian signed 16-bit control words.
// A positive word copies that many 16-bit words literally, a negative one
// repeats the following word. Zero and out of range words carry no data and
// are skipped.
func decodeAppleRLE(in []byte, expected int) ([]byte, error) {
	out := make([]byte, 0, expected)
	pos := 0
	for pos+2 <= len(in) {
		s := int16(binary.BigEndian.Uint16(in[pos:]))
		pos += 2
		if s == 0 || s >= appleRLEChunk || s <= -appleRLEChunk {
			continue
		}
		if s < 0 {
			if pos+2 > len(in) {
				return nil, corrupt(AppleRLE, "truncated repeat at %d", pos)
			}
			count := -int(s)
			if len(out)+2*count > expected {
				return nil, corrupt(AppleRLE, "output exceeds %d bytes", expected)
			}
			a, b := in[pos], in[pos+1]
			pos += 2
			for i := 0; i < count; i++ {
				out = append(out, a, b)
			}
			continue
		}
		n := 2 * int(s)
		if pos+n > len(in) {
			return nil, corrupt(AppleRLE, "literal run of %d bytes truncated at %d", n, pos)
		}
		if len(out)+n > expected {
			return nil, corrupt(AppleRLE, "output exceeds %d bytes", expected)
		}
		out = append(out, in[pos:pos+n]...)
		pos += n
	}
	return out, nil
}

// decodeApriRLE expands (little-endian u16 count, fill byte) runs.
func decodeApriRLE(in []byte, expected int) ([]byte, error) {
	if len(in)%3 != 0 {
		return nil, corrupt(ApriRLE, "%d bytes is not a whole number of runs", len(in))
	}
	out := make([]byte, 0, expected)
	for pos := 0; pos+3 <= len(in); pos += 3 {
		count := int(binary.LittleEndian.Uint16(in[pos:]))
		if len(out)+count > expected {
			return nil, corrupt(ApriRLE, "output exceeds %d bytes", expected)
		}
		fill := in[pos+2]
		for i := 0; i < count; i++ {
			out = append(out, fill)
		}
	}
	return out, nil
}
