package j2kcodec

// MQ Arithmetic Decoder
//
// This implements the MQ context-adaptive binary arithmetic decoder as
// specified in ITU-T T.800 Annex C, following the software conventions of
// C.3 (the C register carries the code bits in its upper half, and the
// decoder looks one byte ahead to detect 0xFF markers).
//
// The decoder maintains:
// - A: probability interval (16-bit, always >= 0x8000 after renormalization)
// - C: code register
// - CT: bits left in C before the next BYTEIN
// - contexts: 19 independent context states with probability estimates
//
// When the segment is exhausted, or a marker (0xFF followed by a byte
// > 0x8F) is reached, the decoder feeds itself 0xFF bytes. Decoding
// therefore never reads past the buffer it was given.

// numContexts is the number of coding contexts used by the block coder.
const numContexts = 19

type mqContext struct {
	index uint8 // Index into mqProbTable (0-46)
	mps   uint8 // Most probable symbol (0 or 1)
}

// mqProbEntry is one row of the MQ probability estimation table.
type mqProbEntry struct {
	qe        uint32 // Probability estimate of the LPS
	nmps      uint8  // Next state if MPS is coded
	nlps      uint8  // Next state if LPS is coded
	switchMPS bool   // Swap MPS sense when the LPS is coded
}

// mqProbTable is ITU-T T.800 Table C.2. It is never written.
var mqProbTable = [47]mqProbEntry{
	{0x5601, 1, 1, true},    // 0
	{0x3401, 2, 6, false},   // 1
	{0x1801, 3, 9, false},   // 2
	{0x0AC1, 4, 12, false},  // 3
	{0x0521, 5, 29, false},  // 4
	{0x0221, 38, 33, false}, // 5
	{0x5601, 7, 6, true},    // 6
	{0x5401, 8, 14, false},  // 7
	{0x4801, 9, 14, false},  // 8
	{0x3801, 10, 14, false}, // 9
	{0x3001, 11, 17, false}, // 10
	{0x2401, 12, 18, false}, // 11
	{0x1C01, 13, 20, false}, // 12
	{0x1601, 29, 21, false}, // 13
	{0x5601, 15, 14, true},  // 14
	{0x5401, 16, 14, false}, // 15
	{0x5101, 17, 15, false}, // 16
	{0x4801, 18, 16, false}, // 17
	{0x3801, 19, 17, false}, // 18
	{0x3401, 20, 18, false}, // 19
	{0x3001, 21, 19, false}, // 20
	{0x2801, 22, 19, false}, // 21
	{0x2401, 23, 20, false}, // 22
	{0x2201, 24, 21, false}, // 23
	{0x1C01, 25, 22, false}, // 24
	{0x1801, 26, 23, false}, // 25
	{0x1601, 27, 24, false}, // 26
	{0x1401, 28, 25, false}, // 27
	{0x1201, 29, 26, false}, // 28
	{0x1101, 30, 27, false}, // 29
	{0x0AC1, 31, 28, false}, // 30
	{0x09C1, 32, 29, false}, // 31
	{0x08A1, 33, 30, false}, // 32
	{0x0521, 34, 31, false}, // 33
	{0x0441, 35, 32, false}, // 34
	{0x02A1, 36, 33, false}, // 35
	{0x0221, 37, 34, false}, // 36
	{0x0141, 38, 35, false}, // 37
	{0x0111, 39, 36, false}, // 38
	{0x0085, 40, 37, false}, // 39
	{0x0049, 41, 38, false}, // 40
	{0x0025, 42, 39, false}, // 41
	{0x0015, 43, 40, false}, // 42
	{0x0009, 44, 41, false}, // 43
	{0x0005, 45, 42, false}, // 44
	{0x0001, 45, 43, false}, // 45
	{0x5601, 46, 46, false}, // 46 (uniform context)
}

// resetMQContexts sets the initial states from Table D.7: the first
// zero-coding context starts in state 4, the run-length context in
// state 3 and the uniform context in state 46. All MPS values are 0.
func resetMQContexts(ctx *[numContexts]mqContext) {
	for i := range ctx {
		ctx[i] = mqContext{}
	}
	ctx[0].index = 4
	ctx[ctxRunLength].index = 3
	ctx[ctxUniform].index = 46
}

// mqDecoder implements the MQ decoder for one code-block segment.
type mqDecoder struct {
	A  uint32
	C  uint32
	CT int

	data []byte
	pos  int

	// markers counts synthesized 0xFF bytes, either past the end of the
	// segment or at a marker.
	markers int

	contexts [numContexts]mqContext
}

// newMQDecoder creates a decoder initialized over data.
func newMQDecoder(data []byte) *mqDecoder {
	mq := &mqDecoder{}
	mq.Reset(data)
	return mq
}

// Reset prepares the decoder for a new segment and resets all contexts.
func (mq *mqDecoder) Reset(data []byte) {
	mq.data = data
	mq.pos = 0
	mq.markers = 0
	mq.ResetContexts()
	mq.initDec()
}

// ResetContexts restores every context to its initial state.
func (mq *mqDecoder) ResetContexts() {
	resetMQContexts(&mq.contexts)
}

// initDec implements INITDEC (C.3.5).
func (mq *mqDecoder) initDec() {
	mq.A = 0x8000
	if len(mq.data) > 0 {
		mq.C = uint32(mq.data[0]) << 16
	} else {
		mq.C = 0xFF << 16
	}
	mq.CT = 0
	mq.bytein()
	mq.C <<= 7
	mq.CT -= 7
}

// Decode decodes one decision in context ctx (DECODE, C.3.2).
func (mq *mqDecoder) Decode(ctx int) int {
	cx := &mq.contexts[ctx]
	entry := &mqProbTable[cx.index]
	qe := entry.qe

	mq.A -= qe
	if mq.C>>16 < qe {
		// LPS_EXCHANGE
		var d int
		if mq.A < qe {
			d = int(cx.mps)
			cx.index = entry.nmps
		} else {
			d = int(1 - cx.mps)
			if entry.switchMPS {
				cx.mps = 1 - cx.mps
			}
			cx.index = entry.nlps
		}
		mq.A = qe
		mq.renormalize()
		return d
	}

	mq.C -= qe << 16
	if mq.A&0x8000 != 0 {
		return int(cx.mps)
	}

	// MPS_EXCHANGE
	var d int
	if mq.A < qe {
		d = int(1 - cx.mps)
		if entry.switchMPS {
			cx.mps = 1 - cx.mps
		}
		cx.index = entry.nlps
	} else {
		d = int(cx.mps)
		cx.index = entry.nmps
	}
	mq.renormalize()
	return d
}

// renormalize implements RENORMD (C.3.3).
func (mq *mqDecoder) renormalize() {
	for mq.A < 0x8000 {
		if mq.CT == 0 {
			mq.bytein()
		}
		mq.A <<= 1
		mq.C <<= 1
		mq.CT--
	}
}

// bytein implements BYTEIN (C.3.4). The byte added to C is the one after
// data[pos]; data[pos] itself is inspected for 0xFF.
func (mq *mqDecoder) bytein() {
	if mq.pos >= len(mq.data) {
		mq.C += 0xFF << 8
		mq.CT = 8
		mq.markers++
		return
	}

	var next byte = 0xFF
	if mq.pos+1 < len(mq.data) {
		next = mq.data[mq.pos+1]
	}

	if mq.data[mq.pos] == 0xFF {
		if next > 0x8F {
			// Marker: stay on the 0xFF and feed 1-bits from here on.
			mq.C += 0xFF << 8
			mq.CT = 8
			mq.markers++
			return
		}
		mq.pos++
		mq.C += uint32(next) << 9
		mq.CT = 7
		return
	}
	mq.pos++
	mq.C += uint32(next) << 8
	mq.CT = 8
}

// Position returns the current byte position in the segment.
func (mq *mqDecoder) Position() int {
	return mq.pos
}
