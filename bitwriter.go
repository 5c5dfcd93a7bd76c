package j2kcodec

// bitWriter provides bit-level writing to a byte buffer.
// Bits are written in MSB-first order (most significant bit first).
//
// Supports optional bit-stuffing per ITU-T T.800 (JPEG2000) B.10.1:
// after writing a 0xFF byte, a stuffed 0-bit is inserted as the MSB of
// the next byte. Packet headers are always written with stuffing enabled
// so header bytes can never be mistaken for a marker.
type bitWriter struct {
	buf       []byte // completed bytes
	curByte   byte   // current byte being assembled
	bitPos    uint   // number of bits written in current byte (0-7)
	bitStuff  bool   // enable 0xFF bit-stuffing mode
	prevWasFF bool   // previous completed byte was 0xFF
}

// newBitWriter creates a bit writer. stuffing enables the 0xFF rule.
func newBitWriter(stuffing bool) *bitWriter {
	return &bitWriter{bitStuff: stuffing}
}

// WriteBit writes a single bit (0 or 1), MSB first.
func (w *bitWriter) WriteBit(bit int) {
	// The stuffed 0-bit occupies bit 7 of the byte after 0xFF.
	if w.bitPos == 0 && w.prevWasFF {
		w.bitPos = 1
		w.prevWasFF = false
	}

	if bit != 0 {
		w.curByte |= 1 << (7 - w.bitPos)
	}
	w.bitPos++

	if w.bitPos == 8 {
		w.flushByte()
	}
}

func (w *bitWriter) flushByte() {
	w.buf = append(w.buf, w.curByte)
	if w.bitStuff {
		w.prevWasFF = w.curByte == 0xFF
	}
	w.curByte = 0
	w.bitPos = 0
}

// WriteBits writes the low n bits of val, MSB first (n <= 32).
func (w *bitWriter) WriteBits(val uint32, n int) {
	for i := n - 1; i >= 0; i-- {
		w.WriteBit(int((val >> uint(i)) & 1))
	}
}

// WriteOnes writes n one-bits followed by a terminating zero.
func (w *bitWriter) WriteOnes(n int) {
	for range n {
		w.WriteBit(1)
	}
	w.WriteBit(0)
}

// Flush pads the partial byte with zeros and returns the number of
// padding bits written. When the last completed byte is 0xFF and
// stuffing is on, one more byte carrying only the stuffed bit and
// padding is emitted so the stream never ends on 0xFF.
func (w *bitWriter) Flush() int {
	padding := 0
	if w.bitPos > 0 {
		for w.bitPos != 0 {
			w.WriteBit(0)
			padding++
		}
	}
	if w.prevWasFF && w.bitStuff {
		w.buf = append(w.buf, 0)
		w.prevWasFF = false
		padding += 8
	}
	return padding
}

// Bytes returns the completed bytes. Call Flush first to include a
// partial byte.
func (w *bitWriter) Bytes() []byte {
	return w.buf
}

// Len returns the current length in bytes, including any partial byte
// that has not yet been flushed.
func (w *bitWriter) Len() int {
	n := len(w.buf)
	if w.bitPos > 0 {
		n++
	}
	return n
}

// Reset resets the writer for reuse, keeping the stuffing mode.
func (w *bitWriter) Reset() {
	w.buf = w.buf[:0]
	w.curByte = 0
	w.bitPos = 0
	w.prevWasFF = false
}
