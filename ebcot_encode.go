package j2kcodec

import (
	"bytes"
	"math"
	"math/bits"
)

// EBCOT (Embedded Block Coding with Optimized Truncation) Tier-1 Encoder
//
// This implements the encoding side of the bit-plane coder of ITU-T T.800
// Annex D. Bit-planes are coded most significant first, starting at the
// highest non-zero plane. The first plane gets only a cleanup pass; every
// later plane gets significance propagation, magnitude refinement and
// cleanup, in that order. All passes of a block share one MQ segment.
//
// After each pass a checkpoint records how many bytes of the final
// segment a decoder needs to reproduce every pass up to that one. Those
// checkpoints are the truncation table used to form quality layers.

// PassType identifies a coding pass.
type PassType uint8

const (
	PassSignificance PassType = iota
	PassRefinement
	PassCleanup
)

func (p PassType) String() string {
	switch p {
	case PassSignificance:
		return "SPP"
	case PassRefinement:
		return "MRP"
	case PassCleanup:
		return "CUP"
	}
	return "???"
}

// Checkpoint is a truncation point: decoding the first Pass+1 passes
// needs the first Length bytes of the block's segment.
type Checkpoint struct {
	Pass       int      // zero-based pass index
	Length     int      // cumulative segment bytes
	Type       PassType // kind of pass that ends here
	BitPlane   int      // bit-plane coded by the pass
	Distortion float64  // estimated squared-error reduction of the pass
}

// EncodedBlock holds the result of coding a single code-block.
type EncodedBlock struct {
	Data          []byte       // complete MQ segment
	Checkpoints   []Checkpoint // one per pass
	NumBitPlanes  int          // coded bit-planes
	ZeroBitPlanes int          // leading all-zero planes below the declared depth
}

// NumPasses returns the number of coding passes in the block.
func (b *EncodedBlock) NumPasses() int { return len(b.Checkpoints) }

// maxMagnitudeBits bounds the declared bit depth of a subband. Coefficients
// are int32, so magnitudes fit in 31 bits.
const maxMagnitudeBits = 31

// truncationSlack is the number of bytes past those already emitted that
// a decoder needs to finish the symbols of a non-final pass.
const truncationSlack = 4

// blockEncoder codes one code-block at a time. It is not safe for
// concurrent use; Tier-1 keeps one per worker.
type blockEncoder struct {
	mq      mqEncoder
	state   stateGrid
	mag     []uint32
	emitted []int
}

func newBlockEncoder() *blockEncoder {
	return &blockEncoder{}
}

// Encode codes the w x h grid at the start of coeffs, rows stride apart,
// whose magnitudes must fit in magnitudeBits bit-planes.
func (e *blockEncoder) Encode(coeffs []int32, stride, w, h int, band SubbandType, magnitudeBits int, style CodeBlockStyle) (*EncodedBlock, error) {
	if w <= 0 || h <= 0 || stride < w || len(coeffs) < (h-1)*stride+w {
		return nil, paramErrorf("encode code-block", "%dx%d block with stride %d over %d coefficients", w, h, stride, len(coeffs))
	}
	if magnitudeBits < 1 || magnitudeBits > maxMagnitudeBits {
		return nil, paramErrorf("encode code-block", "magnitude bits %d outside [1,%d]", magnitudeBits, maxMagnitudeBits)
	}

	n := w * h
	if cap(e.mag) < n {
		e.mag = make([]uint32, n)
	}
	e.mag = e.mag[:n]
	e.state.reset(w, h)

	var maxMag uint32
	for y := range h {
		for x := range w {
			c := coeffs[y*stride+x]
			m := uint32(c)
			if c < 0 {
				m = uint32(-int64(c))
				e.state.flags[e.state.index(x, y)] |= flagNegative
			}
			e.mag[y*w+x] = m
			maxMag = max(maxMag, m)
		}
	}

	numBitPlanes := bits.Len32(maxMag)
	if numBitPlanes > magnitudeBits {
		return nil, paramErrorf("encode code-block", "coefficient magnitude %d needs %d bit-planes, %d declared", maxMag, numBitPlanes, magnitudeBits)
	}
	out := &EncodedBlock{
		NumBitPlanes:  numBitPlanes,
		ZeroBitPlanes: magnitudeBits - numBitPlanes,
	}
	if numBitPlanes == 0 {
		return out, nil
	}

	e.mq.Reset()
	numPasses := maxPasses(numBitPlanes)
	out.Checkpoints = make([]Checkpoint, numPasses)
	e.emitted = e.emitted[:0]

	for k := range numPasses {
		typ, bp := passAt(k, numBitPlanes)
		var dist float64
		switch typ {
		case PassSignificance:
			dist = e.significancePass(bp, w, h, band)
		case PassRefinement:
			dist = e.refinementPass(bp, w, h)
		case PassCleanup:
			dist = e.cleanupPass(bp, w, h, band)
			if style&StyleSegmentationSymbols != 0 {
				for _, b := range segmentationSymbol {
					e.mq.Encode(ctxUniform, b)
				}
			}
			e.state.clearVisited()
		}
		if style&StyleReset != 0 {
			e.mq.ResetContexts()
		}
		out.Checkpoints[k] = Checkpoint{Pass: k, Type: typ, BitPlane: bp, Distortion: dist}
		e.emitted = append(e.emitted, e.mq.BytesWritten())
	}

	out.Data = bytes.Clone(e.mq.Flush())
	total := len(out.Data)
	prev := 0
	for k := range out.Checkpoints {
		length := total
		if k < numPasses-1 {
			length = min(e.emitted[k]+truncationSlack, total)
			if length > 0 && out.Data[length-1] == 0xFF {
				length--
			}
		}
		length = max(length, prev)
		out.Checkpoints[k].Length = length
		prev = length
	}
	return out, nil
}

// segmentationSymbol is coded in the uniform context after each cleanup
// pass when StyleSegmentationSymbols is set.
var segmentationSymbol = [4]int{1, 0, 1, 0}

// maxPasses returns the number of passes needed to code numBitPlanes
// planes completely.
func maxPasses(numBitPlanes int) int {
	if numBitPlanes <= 0 {
		return 0
	}
	return 3*numBitPlanes - 2
}

// passAt returns the type and bit-plane of pass k for a block with
// numBitPlanes coded planes.
func passAt(k, numBitPlanes int) (PassType, int) {
	if k == 0 {
		return PassCleanup, numBitPlanes - 1
	}
	return PassType((k - 1) % 3), numBitPlanes - 1 - (k+2)/3
}

// Nominal distortion reduction per coefficient, in units of 4^bp.
const (
	distSignificance = 2.0
	distRefinement   = 0.25
)

func planeWeight(bp int) float64 {
	return math.Ldexp(1, 2*bp)
}

func (e *blockEncoder) bit(k, bp int) int {
	return int(e.mag[k]>>uint(bp)) & 1
}

func (e *blockEncoder) encodeSign(i int) {
	ctx, xorBit := e.state.signContext(i)
	sign := 0
	if e.state.flags[i]&flagNegative != 0 {
		sign = 1
	}
	e.mq.Encode(ctx, sign^xorBit)
}

func (e *blockEncoder) significancePass(bp, w, h int, band SubbandType) float64 {
	g := &e.state
	coded := 0
	for y0 := 0; y0 < h; y0 += 4 {
		y1 := min(y0+4, h)
		for x := range w {
			for y := y0; y < y1; y++ {
				i := g.index(x, y)
				if g.flags[i]&flagSignificant != 0 || !g.hasSignificantNeighbor(i) {
					continue
				}
				k := y*w + x
				b := e.bit(k, bp)
				e.mq.Encode(g.zeroContext(i, band), b)
				if b == 1 {
					e.encodeSign(i)
					g.flags[i] |= flagSignificant
					coded++
				}
				g.flags[i] |= flagVisited
			}
		}
	}
	return float64(coded) * distSignificance * planeWeight(bp)
}

func (e *blockEncoder) refinementPass(bp, w, h int) float64 {
	g := &e.state
	coded := 0
	for y0 := 0; y0 < h; y0 += 4 {
		y1 := min(y0+4, h)
		for x := range w {
			for y := y0; y < y1; y++ {
				i := g.index(x, y)
				if g.flags[i]&(flagSignificant|flagVisited) != flagSignificant {
					continue
				}
				e.mq.Encode(g.refinementContext(i), e.bit(y*w+x, bp))
				g.flags[i] |= flagRefined
				coded++
			}
		}
	}
	return float64(coded) * distRefinement * planeWeight(bp)
}

func (e *blockEncoder) cleanupPass(bp, w, h int, band SubbandType) float64 {
	g := &e.state
	coded := 0
	run, uniform := runLengthContext()
	for y0 := 0; y0 < h; y0 += 4 {
		y1 := min(y0+4, h)
		for x := range w {
			start := y0
			if y1-y0 == 4 && canUseRunMode(g, x, y0) {
				r := -1
				for y := y0; y < y1; y++ {
					if e.bit(y*w+x, bp) == 1 {
						r = y - y0
						break
					}
				}
				if r < 0 {
					e.mq.Encode(run, 0)
					continue
				}
				e.mq.Encode(run, 1)
				e.mq.Encode(uniform, r>>1)
				e.mq.Encode(uniform, r&1)
				i := g.index(x, y0+r)
				e.encodeSign(i)
				g.flags[i] |= flagSignificant
				coded++
				start = y0 + r + 1
			}
			for y := start; y < y1; y++ {
				i := g.index(x, y)
				if g.flags[i]&(flagSignificant|flagVisited) != 0 {
					continue
				}
				b := e.bit(y*w+x, bp)
				e.mq.Encode(g.zeroContext(i, band), b)
				if b == 1 {
					e.encodeSign(i)
					g.flags[i] |= flagSignificant
					coded++
				}
			}
		}
	}
	return float64(coded) * distSignificance * planeWeight(bp)
}

// canUseRunMode reports whether the four coefficients of column x in the
// stripe starting at y0 are all uncoded, insignificant and without a
// significant neighbor.
func canUseRunMode(g *stateGrid, x, y0 int) bool {
	for y := y0; y < y0+4; y++ {
		i := g.index(x, y)
		if g.flags[i]&(flagSignificant|flagVisited) != 0 || g.hasSignificantNeighbor(i) {
			return false
		}
	}
	return true
}
