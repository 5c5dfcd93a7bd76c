package j2kcodec

// Context model for the block coder (ITU-T T.800 D.3).
//
// Each coefficient of a code-block carries a few state bits in a 2-D
// array bordered by one sample on every side. Border entries are never
// significant, so neighbor lookups need no bounds checks. Context labels
// are pure functions of that state:
//
//	 0-8   zero coding (significance), Table D.1
//	 9-13  sign coding, Tables D.2 and D.3
//	14-16  magnitude refinement, Table D.4
//	17     run-length (aggregation)
//	18     uniform

// SubbandType identifies the orientation of a subband.
type SubbandType int

const (
	SubbandLL SubbandType = iota
	SubbandHL             // horizontally high-pass
	SubbandLH             // vertically high-pass
	SubbandHH
)

func (s SubbandType) String() string {
	switch s {
	case SubbandLL:
		return "LL"
	case SubbandHL:
		return "HL"
	case SubbandLH:
		return "LH"
	case SubbandHH:
		return "HH"
	}
	return "??"
}

const (
	ctxMagFirst    = 14 // first refinement, no significant neighbor
	ctxMagFirstNbr = 15 // first refinement, some significant neighbor
	ctxMagLater    = 16 // later refinements
	ctxRunLength   = 17
	ctxUniform     = 18
)

// Coefficient state flags.
const (
	flagSignificant uint8 = 1 << iota
	flagNegative          // sign bit, set together with flagSignificant
	flagRefined           // refined at least once
	flagVisited           // coded in the current bit-plane's significance pass
)

// zeroCodingContext returns the significance context (0-8) for the
// given counts of significant horizontal (0-2), vertical (0-2) and
// diagonal (0-4) neighbors.
func zeroCodingContext(band SubbandType, h, v, d int) int {
	switch band {
	case SubbandHL:
		h, v = v, h
	case SubbandHH:
		hv := h + v
		switch {
		case d >= 3:
			return 8
		case d == 2:
			if hv >= 1 {
				return 7
			}
			return 6
		case d == 1:
			switch {
			case hv >= 2:
				return 5
			case hv == 1:
				return 4
			}
			return 3
		}
		switch {
		case hv >= 2:
			return 2
		case hv == 1:
			return 1
		}
		return 0
	}

	// LL and LH.
	switch h {
	case 2:
		return 8
	case 1:
		switch {
		case v >= 1:
			return 7
		case d >= 1:
			return 6
		}
		return 5
	}
	switch {
	case v == 2:
		return 4
	case v == 1:
		return 3
	case d >= 2:
		return 2
	case d == 1:
		return 1
	}
	return 0
}

// signContextTable is indexed by [H+1][V+1], where H and V are the
// clamped horizontal and vertical sign contributions (-1, 0, 1). Each
// entry holds the context label and the sign prediction (XOR bit).
var signContextTable = [3][3][2]uint8{
	// H = -1
	{{13, 1}, {12, 1}, {11, 1}},
	// H = 0
	{{10, 1}, {9, 0}, {10, 0}},
	// H = 1
	{{11, 0}, {12, 0}, {13, 0}},
}

// signCodingContext returns the sign context (9-13) and the predicted
// sign bit for the clamped contributions h and v.
func signCodingContext(h, v int) (ctx int, xorBit int) {
	e := signContextTable[h+1][v+1]
	return int(e[0]), int(e[1])
}

// magnitudeRefinementContext returns the refinement context (14-16).
func magnitudeRefinementContext(firstRefinement, anySignificantNeighbor bool) int {
	if !firstRefinement {
		return ctxMagLater
	}
	if anySignificantNeighbor {
		return ctxMagFirstNbr
	}
	return ctxMagFirst
}

// runLengthContext returns the run (aggregation) and uniform contexts
// used by the cleanup pass run mode.
func runLengthContext() (run, uniform int) {
	return ctxRunLength, ctxUniform
}

// stateGrid holds per-coefficient state for one code-block, with a
// one-sample border of never-significant entries.
type stateGrid struct {
	width, height int
	stride        int
	flags         []uint8
}

// reset sizes the grid for a w x h block and clears every flag.
func (g *stateGrid) reset(w, h int) {
	g.width, g.height = w, h
	g.stride = w + 2
	n := g.stride * (h + 2)
	if cap(g.flags) < n {
		g.flags = make([]uint8, n)
	} else {
		g.flags = g.flags[:n]
		clear(g.flags)
	}
}

// index returns the flag index of coefficient (x, y).
func (g *stateGrid) index(x, y int) int {
	return (y+1)*g.stride + x + 1
}

// neighborCounts returns the number of significant horizontal, vertical
// and diagonal neighbors of the coefficient at flag index i.
func (g *stateGrid) neighborCounts(i int) (h, v, d int) {
	f := g.flags
	s := g.stride
	h = int(f[i-1]&flagSignificant) + int(f[i+1]&flagSignificant)
	v = int(f[i-s]&flagSignificant) + int(f[i+s]&flagSignificant)
	d = int(f[i-s-1]&flagSignificant) + int(f[i-s+1]&flagSignificant) +
		int(f[i+s-1]&flagSignificant) + int(f[i+s+1]&flagSignificant)
	return h, v, d
}

// hasSignificantNeighbor reports whether any of the 8 neighbors of the
// coefficient at flag index i is significant.
func (g *stateGrid) hasSignificantNeighbor(i int) bool {
	f := g.flags
	s := g.stride
	return (f[i-s-1]|f[i-s]|f[i-s+1]|f[i-1]|f[i+1]|f[i+s-1]|f[i+s]|f[i+s+1])&flagSignificant != 0
}

// signContribution returns +1, -1 or 0 for one neighbor.
func signContribution(f uint8) int {
	if f&flagSignificant == 0 {
		return 0
	}
	if f&flagNegative != 0 {
		return -1
	}
	return 1
}

// signContributions returns the clamped horizontal and vertical sign
// contributions for the coefficient at flag index i.
func (g *stateGrid) signContributions(i int) (h, v int) {
	f := g.flags
	s := g.stride
	h = max(-1, min(1, signContribution(f[i-1])+signContribution(f[i+1])))
	v = max(-1, min(1, signContribution(f[i-s])+signContribution(f[i+s])))
	return h, v
}

// zeroContext is zeroCodingContext for the coefficient at flag index i.
func (g *stateGrid) zeroContext(i int, band SubbandType) int {
	h, v, d := g.neighborCounts(i)
	return zeroCodingContext(band, h, v, d)
}

// signContext is signCodingContext for the coefficient at flag index i.
func (g *stateGrid) signContext(i int) (int, int) {
	return signCodingContext(g.signContributions(i))
}

// refinementContext is magnitudeRefinementContext for the coefficient
// at flag index i.
func (g *stateGrid) refinementContext(i int) int {
	return magnitudeRefinementContext(g.flags[i]&flagRefined == 0, g.hasSignificantNeighbor(i))
}

// clearVisited clears flagVisited on every coefficient.
func (g *stateGrid) clearVisited() {
	for i := range g.flags {
		g.flags[i] &^= flagVisited
	}
}
