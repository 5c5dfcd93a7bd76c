package j2kcodec

// EBCOT Tier-1 Decoder
//
// Mirrors blockEncoder: the decoder replays the same pass sequence over
// the bytes Tier-2 collected for the block, using the same context
// model, and rebuilds magnitudes and signs bit-plane by bit-plane. Only
// the passes that were received are replayed; truncation points chosen
// from the encoder's checkpoints decode exactly.

// blockDecoder decodes one code-block at a time. It is not safe for
// concurrent use; Tier-1 keeps one per worker.
type blockDecoder struct {
	mq    mqDecoder
	state stateGrid
	mag   []uint32
	low   []int8 // lowest decoded bit-plane per coefficient
}

func newBlockDecoder() *blockDecoder {
	return &blockDecoder{}
}

// Decode replays numPasses passes from data for a w x h block with
// numBitPlanes coded planes and writes the coefficients into out, rows
// stride apart. With midpoint set, significant coefficients whose
// lowest bit-planes were not received are placed in the middle of their
// uncertainty interval.
func (d *blockDecoder) Decode(data []byte, w, h int, band SubbandType, numBitPlanes, numPasses int, style CodeBlockStyle, midpoint bool, out []int32, stride int) error {
	if w <= 0 || h <= 0 || stride < w || len(out) < (h-1)*stride+w {
		return paramErrorf("decode code-block", "%dx%d block with stride %d over %d coefficients", w, h, stride, len(out))
	}
	if numBitPlanes < 0 || numBitPlanes > maxMagnitudeBits {
		return malformedf("decode code-block", "%d coded bit-planes", numBitPlanes)
	}
	if numPasses < 0 || numPasses > maxPasses(numBitPlanes) {
		return malformedf("decode code-block", "%d passes for %d bit-planes", numPasses, numBitPlanes)
	}

	n := w * h
	if cap(d.mag) < n {
		d.mag = make([]uint32, n)
		d.low = make([]int8, n)
	}
	d.mag = d.mag[:n]
	d.low = d.low[:n]
	clear(d.mag)
	d.state.reset(w, h)

	if numPasses > 0 {
		d.mq.Reset(data)
	}
	for k := range numPasses {
		typ, bp := passAt(k, numBitPlanes)
		switch typ {
		case PassSignificance:
			d.significancePass(bp, w, h, band)
		case PassRefinement:
			d.refinementPass(bp, w, h)
		case PassCleanup:
			d.cleanupPass(bp, w, h, band)
			if style&StyleSegmentationSymbols != 0 {
				sym := 0
				for range segmentationSymbol {
					sym = sym<<1 | d.mq.Decode(ctxUniform)
				}
				if sym != 0b1010 {
					return malformedf("decode code-block", "segmentation symbol %04b after pass %d", sym, k)
				}
			}
			d.state.clearVisited()
		}
		if style&StyleReset != 0 {
			d.mq.ResetContexts()
		}
	}

	for y := range h {
		row := out[y*stride : y*stride+w]
		for x := range w {
			k := y*w + x
			m := d.mag[k]
			if m == 0 {
				row[x] = 0
				continue
			}
			if midpoint && d.low[k] > 0 {
				m |= 1 << uint(d.low[k]-1)
			}
			v := int32(m)
			if d.state.flags[d.state.index(x, y)]&flagNegative != 0 {
				v = -v
			}
			row[x] = v
		}
	}
	return nil
}

// becomeSignificant decodes the sign of the coefficient at flag index i,
// grid position k, and records its first 1-bit at plane bp.
func (d *blockDecoder) becomeSignificant(i, k, bp int) {
	ctx, xorBit := d.state.signContext(i)
	if d.mq.Decode(ctx)^xorBit == 1 {
		d.state.flags[i] |= flagNegative
	}
	d.state.flags[i] |= flagSignificant
	d.mag[k] |= 1 << uint(bp)
	d.low[k] = int8(bp)
}

func (d *blockDecoder) significancePass(bp, w, h int, band SubbandType) {
	g := &d.state
	for y0 := 0; y0 < h; y0 += 4 {
		y1 := min(y0+4, h)
		for x := range w {
			for y := y0; y < y1; y++ {
				i := g.index(x, y)
				if g.flags[i]&flagSignificant != 0 || !g.hasSignificantNeighbor(i) {
					continue
				}
				if d.mq.Decode(g.zeroContext(i, band)) == 1 {
					d.becomeSignificant(i, y*w+x, bp)
				}
				g.flags[i] |= flagVisited
			}
		}
	}
}

func (d *blockDecoder) refinementPass(bp, w, h int) {
	g := &d.state
	for y0 := 0; y0 < h; y0 += 4 {
		y1 := min(y0+4, h)
		for x := range w {
			for y := y0; y < y1; y++ {
				i := g.index(x, y)
				if g.flags[i]&(flagSignificant|flagVisited) != flagSignificant {
					continue
				}
				k := y*w + x
				d.mag[k] |= uint32(d.mq.Decode(g.refinementContext(i))) << uint(bp)
				d.low[k] = int8(bp)
				g.flags[i] |= flagRefined
			}
		}
	}
}

func (d *blockDecoder) cleanupPass(bp, w, h int, band SubbandType) {
	g := &d.state
	run, uniform := runLengthContext()
	for y0 := 0; y0 < h; y0 += 4 {
		y1 := min(y0+4, h)
		for x := range w {
			start := y0
			if y1-y0 == 4 && canUseRunMode(g, x, y0) {
				if d.mq.Decode(run) == 0 {
					continue
				}
				r := d.mq.Decode(uniform) << 1
				r |= d.mq.Decode(uniform)
				y := y0 + r
				d.becomeSignificant(g.index(x, y), y*w+x, bp)
				start = y + 1
			}
			for y := start; y < y1; y++ {
				i := g.index(x, y)
				if g.flags[i]&(flagSignificant|flagVisited) != 0 {
					continue
				}
				if d.mq.Decode(g.zeroContext(i, band)) == 1 {
					d.becomeSignificant(i, y*w+x, bp)
				}
			}
		}
	}
}
