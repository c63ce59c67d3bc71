package decompress

// ADC chunk kinds, selected by the top bits of the first byte.
const (
	adcPlain    = 0x80
	adcThreeOff = 0x40
)

func decodeADC(in []byte, expected int) ([]byte, error) {
	out := make([]byte, 0, expected)
	for pos := 0; pos < len(in); {
		c := in[pos]
		switch {
		case c&adcPlain != 0:
			n := int(c&0x7f) + 1
			if pos+1+n > len(in) {
				return nil, corrupt(ADC, "literal run of %d bytes truncated at %d", n, pos)
			}
			if len(out)+n > expected {
				return nil, corrupt(ADC, "output exceeds %d bytes", expected)
			}
			out = append(out, in[pos+1:pos+1+n]...)
			pos += 1 + n
		default:
			var n, off int
			if c&adcThreeOff != 0 {
				if pos+3 > len(in) {
					return nil, corrupt(ADC, "truncated match at %d", pos)
				}
				n = int(c&0x3f) + 4
				off = int(in[pos+1])<<8 | int(in[pos+2])
				pos += 3
			} else {
				if pos+2 > len(in) {
					return nil, corrupt(ADC, "truncated match at %d", pos)
				}
				n = int(c&0x3f)>>2 + 3
				off = int(c&0x03)<<8 | int(in[pos+1])
				pos += 2
			}
			src := len(out) - off - 1
			if src < 0 {
				return nil, corrupt(ADC, "match offset %d before start of output", off)
			}
			if len(out)+n > expected {
				return nil, corrupt(ADC, "output exceeds %d bytes", expected)
			}
			// Byte by byte: matches may overlap their own output.
			for i := 0; i < n; i++ {
				out = append(out, out[src+i])
			}
		}
	}
	return out, nil
}
