package j2kcodec

import "bytes"

// MQ Arithmetic Encoder
//
// This file implements the MQ encoder of ITU-T T.800 Annex C. It shares
// mqProbTable and the context initialization with the decoder so that
// both sides walk the same probability states.
//
// Key procedures per ITU-T T.800 Annex C:
//   - INITENC (C.2.8): A = 0x8000, C = 0, CT = 12
//   - CODEMPS / CODELPS (C.2.5, C.2.6)
//   - RENORME (C.2.6)
//   - BYTEOUT (C.2.7): 0xFF stuffing and carry propagation
//   - FLUSH (C.2.9): SETBITS then two BYTEOUTs
//
// buf[0] is a scratch byte that stands for the byte before the segment
// start. It absorbs a carry out of the first real byte and is never part
// of the output.

// mqEncoder implements the MQ arithmetic encoder.
type mqEncoder struct {
	A  uint32
	C  uint32
	CT int

	buf []byte

	contexts [numContexts]mqContext
}

// newMQEncoder creates an encoder ready to code a new segment.
func newMQEncoder() *mqEncoder {
	mq := &mqEncoder{}
	mq.Reset()
	return mq
}

// Reset implements INITENC and resets all contexts.
func (mq *mqEncoder) Reset() {
	mq.A = 0x8000
	mq.C = 0
	mq.CT = 12
	if cap(mq.buf) < 256 {
		mq.buf = make([]byte, 0, 256)
	}
	mq.buf = append(mq.buf[:0], 0)
	mq.ResetContexts()
}

// ResetContexts restores every context to its initial state.
func (mq *mqEncoder) ResetContexts() {
	resetMQContexts(&mq.contexts)
}

// Encode codes decision d (0 or 1) in context ctx.
func (mq *mqEncoder) Encode(ctx int, d int) {
	cx := &mq.contexts[ctx]
	entry := &mqProbTable[cx.index]
	qe := entry.qe

	mq.A -= qe
	if uint8(d) == cx.mps {
		// CODEMPS
		if mq.A&0x8000 != 0 {
			mq.C += qe
			return
		}
		if mq.A < qe {
			mq.A = qe
		} else {
			mq.C += qe
		}
		cx.index = entry.nmps
		mq.renormalize()
		return
	}

	// CODELPS
	if mq.A < qe {
		mq.C += qe
	} else {
		mq.A = qe
	}
	if entry.switchMPS {
		cx.mps = 1 - cx.mps
	}
	cx.index = entry.nlps
	mq.renormalize()
}

// renormalize implements RENORME.
func (mq *mqEncoder) renormalize() {
	for mq.A < 0x8000 {
		mq.A <<= 1
		mq.C <<= 1
		mq.CT--
		if mq.CT == 0 {
			mq.byteout()
		}
	}
}

// byteout implements BYTEOUT. A byte following 0xFF carries only 7 bits
// so that it is always < 0x90.
func (mq *mqEncoder) byteout() {
	last := len(mq.buf) - 1
	if mq.buf[last] == 0xFF {
		mq.buf = append(mq.buf, byte(mq.C>>20))
		mq.C &= 0xFFFFF
		mq.CT = 7
		return
	}
	if mq.C < 0x8000000 {
		mq.buf = append(mq.buf, byte(mq.C>>19))
		mq.C &= 0x7FFFF
		mq.CT = 8
		return
	}
	// Carry into the previous byte.
	mq.buf[last]++
	if mq.buf[last] == 0xFF {
		mq.C &= 0x7FFFFFF
		mq.buf = append(mq.buf, byte(mq.C>>20))
		mq.C &= 0xFFFFF
		mq.CT = 7
		return
	}
	mq.buf = append(mq.buf, byte(mq.C>>19))
	mq.C &= 0x7FFFF
	mq.CT = 8
}

// BytesWritten returns the number of segment bytes produced so far. The
// last of them may still change through a carry.
func (mq *mqEncoder) BytesWritten() int {
	return len(mq.buf) - 1
}

// Flush terminates the segment (FLUSH with SETBITS) and returns the
// coded bytes. A trailing 0xFF is dropped; the decoder synthesizes it.
// The returned slice aliases the encoder's buffer until the next Reset.
func (mq *mqEncoder) Flush() []byte {
	// SETBITS
	temp := mq.C + mq.A
	mq.C |= 0xFFFF
	if mq.C >= temp {
		mq.C -= 0x8000
	}

	mq.C <<= uint(mq.CT)
	mq.byteout()
	mq.C <<= uint(mq.CT)
	mq.byteout()

	out := mq.buf[1:]
	if n := len(out); n > 0 && out[n-1] == 0xFF {
		out = out[:n-1]
	}
	return out
}

// mqFreshContext starts in probability state 0 with MPS 0.
const mqFreshContext = 1

// MQEncode codes decisions in a single context that starts in state 0
// with MPS 0 and returns the terminated codeword. It exposes the
// arithmetic coder for conformance checks against published vectors.
func MQEncode(decisions []int) []byte {
	mq := newMQEncoder()
	for _, d := range decisions {
		mq.Encode(mqFreshContext, d&1)
	}
	return bytes.Clone(mq.Flush())
}

// MQDecode decodes n decisions coded by MQEncode.
func MQDecode(data []byte, n int) []int {
	mq := newMQDecoder(data)
	out := make([]int, n)
	for i := range out {
		out[i] = mq.Decode(mqFreshContext)
	}
	return out
}
