package j2kcodec

// bitReader provides bit-level reading from a byte stream.
// Bits are read in MSB-first order (most significant bit first).
//
// With bit-stuffing enabled, the MSB of the byte following 0xFF is a
// stuffed 0-bit and is skipped. A 1 in that position means a marker
// interrupted the header, which is reported as a malformed packet.
//
// Reads never go past the end of the buffer: every read is checked and
// a shortfall returns ErrTruncatedStream.
type bitReader struct {
	data      []byte
	pos       int  // byte position
	bitPos    uint // bit position within current byte (0-7), reads MSB first
	bitStuff  bool // enable 0xFF bit-stuffing mode
	prevWasFF bool // last completed byte was 0xFF and stuffing is on
}

// newBitReader creates a bit reader over data. stuffing enables the
// 0xFF rule.
func newBitReader(data []byte, stuffing bool) *bitReader {
	return &bitReader{data: data, bitStuff: stuffing}
}

// ReadBit reads a single bit.
func (r *bitReader) ReadBit() (int, error) {
	if r.pos >= len(r.data) {
		return 0, truncatedf("read bit", "byte %d of %d", r.pos, len(r.data))
	}
	if r.bitPos == 0 && r.prevWasFF {
		if r.data[r.pos]&0x80 != 0 {
			return 0, malformedf("read bit", "marker 0xFF%02X inside bit-stuffed data", r.data[r.pos])
		}
		r.bitPos = 1
		r.prevWasFF = false
	}

	bit := int((r.data[r.pos] >> (7 - r.bitPos)) & 1)

	r.bitPos++
	if r.bitPos == 8 {
		r.prevWasFF = r.bitStuff && r.data[r.pos] == 0xFF
		r.bitPos = 0
		r.pos++
	}
	return bit, nil
}

// ReadBits reads n bits (n <= 32), MSB first.
func (r *bitReader) ReadBits(n int) (uint32, error) {
	if n < 0 || n > 32 {
		return 0, malformedf("read bits", "invalid bit count %d", n)
	}
	var result uint32
	for range n {
		bit, err := r.ReadBit()
		if err != nil {
			return 0, err
		}
		result = (result << 1) | uint32(bit)
	}
	return result, nil
}

// ReadOnes counts one-bits up to the terminating zero. It fails once
// more than limit ones have been read.
func (r *bitReader) ReadOnes(limit int) (int, error) {
	n := 0
	for {
		bit, err := r.ReadBit()
		if err != nil {
			return 0, err
		}
		if bit == 0 {
			return n, nil
		}
		n++
		if n > limit {
			return 0, malformedf("read unary", "more than %d one-bits", limit)
		}
	}
}

// Align skips to the next byte boundary and returns the number of
// padding bits skipped. If the last completed byte was 0xFF, the stuffed
// byte after it is consumed too.
func (r *bitReader) Align() (int, error) {
	skipped := 0
	if r.bitPos != 0 {
		skipped = int(8 - r.bitPos)
		r.prevWasFF = r.bitStuff && r.data[r.pos] == 0xFF
		r.bitPos = 0
		r.pos++
	}
	if r.prevWasFF {
		if r.pos >= len(r.data) {
			return 0, truncatedf("align", "missing byte after 0xFF")
		}
		r.pos++
		r.prevWasFF = false
		skipped += 8
	}
	return skipped, nil
}

// Position returns the current byte position. If not byte-aligned, this
// is the position of the partial byte.
func (r *bitReader) Position() int {
	return r.pos
}

// Remaining returns the number of unread bytes, counting a partial byte.
func (r *bitReader) Remaining() int {
	return len(r.data) - r.pos
}
