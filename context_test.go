package j2kcodec

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestZeroCodingContext(t *testing.T) {
	tests := []struct {
		name    string
		h, v, d int
		ll, hl  int // HL swaps the roles of h and v
		hh      int
	}{
		{"isolated", 0, 0, 0, 0, 0, 0},
		{"one diagonal", 0, 0, 1, 1, 1, 3},
		{"two diagonals", 0, 0, 2, 2, 2, 6},
		{"four diagonals", 0, 0, 4, 2, 2, 8},
		{"one vertical", 0, 1, 0, 3, 5, 1},
		{"two vertical", 0, 2, 0, 4, 8, 2},
		{"one horizontal", 1, 0, 0, 5, 3, 1},
		{"horizontal and diagonal", 1, 0, 1, 6, 3, 4},
		{"horizontal and vertical", 1, 1, 0, 7, 7, 2},
		{"two horizontal", 2, 0, 0, 8, 4, 2},
		{"two horizontal two vertical", 2, 2, 0, 8, 8, 2},
		{"vertical and diagonals", 0, 1, 3, 3, 6, 8},
		{"hv and two diagonals", 1, 0, 2, 6, 3, 7},
		{"two hv and one diagonal", 1, 1, 1, 7, 7, 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.ll, zeroCodingContext(SubbandLL, tt.h, tt.v, tt.d), "LL")
			assert.Equal(t, tt.ll, zeroCodingContext(SubbandLH, tt.h, tt.v, tt.d), "LH")
			assert.Equal(t, tt.hl, zeroCodingContext(SubbandHL, tt.h, tt.v, tt.d), "HL")
			assert.Equal(t, tt.hh, zeroCodingContext(SubbandHH, tt.h, tt.v, tt.d), "HH")
		})
	}
}

func TestZeroCodingContextRange(t *testing.T) {
	for _, band := range []SubbandType{SubbandLL, SubbandHL, SubbandLH, SubbandHH} {
		for h := range 3 {
			for v := range 3 {
				for d := range 5 {
					ctx := zeroCodingContext(band, h, v, d)
					assert.GreaterOrEqual(t, ctx, 0)
					assert.LessOrEqual(t, ctx, 8, "%v h=%d v=%d d=%d", band, h, v, d)
				}
			}
		}
	}
}

func TestSignCodingContext(t *testing.T) {
	tests := []struct {
		h, v    int
		ctx     int
		xorBit  int
	}{
		{1, 1, 13, 0},
		{1, 0, 12, 0},
		{1, -1, 11, 0},
		{0, 1, 10, 0},
		{0, 0, 9, 0},
		{0, -1, 10, 1},
		{-1, 1, 11, 1},
		{-1, 0, 12, 1},
		{-1, -1, 13, 1},
	}
	for _, tt := range tests {
		ctx, xorBit := signCodingContext(tt.h, tt.v)
		assert.Equal(t, tt.ctx, ctx, "h=%d v=%d", tt.h, tt.v)
		assert.Equal(t, tt.xorBit, xorBit, "h=%d v=%d", tt.h, tt.v)
	}
}

func TestMagnitudeRefinementContext(t *testing.T) {
	assert.Equal(t, 14, magnitudeRefinementContext(true, false))
	assert.Equal(t, 15, magnitudeRefinementContext(true, true))
	assert.Equal(t, 16, magnitudeRefinementContext(false, false))
	assert.Equal(t, 16, magnitudeRefinementContext(false, true))

	run, uniform := runLengthContext()
	assert.Equal(t, 17, run)
	assert.Equal(t, 18, uniform)
}

func TestStateGridNeighbors(t *testing.T) {
	var g stateGrid
	g.reset(4, 4)
	set := func(x, y int, negative bool) {
		f := flagSignificant
		if negative {
			f |= flagNegative
		}
		g.flags[g.index(x, y)] |= f
	}

	center := g.index(1, 1)
	h, v, d := g.neighborCounts(center)
	assert.Equal(t, [3]int{0, 0, 0}, [3]int{h, v, d})
	assert.False(t, g.hasSignificantNeighbor(center))

	set(0, 1, true)  // left
	set(1, 0, false) // above
	set(2, 2, false) // below right
	h, v, d = g.neighborCounts(center)
	assert.Equal(t, [3]int{1, 1, 1}, [3]int{h, v, d})
	assert.True(t, g.hasSignificantNeighbor(center))

	// Left negative, above positive: H = -1, V = +1.
	sh, sv := g.signContributions(center)
	assert.Equal(t, -1, sh)
	assert.Equal(t, 1, sv)
	ctx, xorBit := g.signContext(center)
	assert.Equal(t, 11, ctx)
	assert.Equal(t, 1, xorBit)

	set(2, 1, true) // right, also negative: H clamps to -1
	sh, _ = g.signContributions(center)
	assert.Equal(t, -1, sh)
	assert.Equal(t, 7, g.zeroContext(center, SubbandLL))

	// Samples on the block edge see the never-significant border.
	corner := g.index(3, 3)
	h, v, d = g.neighborCounts(corner)
	assert.Equal(t, [3]int{0, 0, 1}, [3]int{h, v, d})

	assert.Equal(t, ctxMagFirstNbr, g.refinementContext(center))
	g.flags[center] |= flagRefined
	assert.Equal(t, ctxMagLater, g.refinementContext(center))
}

func TestStateGridResetClears(t *testing.T) {
	var g stateGrid
	g.reset(8, 8)
	for i := range g.flags {
		g.flags[i] = flagSignificant | flagVisited
	}
	g.reset(6, 3)
	assert.Equal(t, 8, g.stride)
	assert.Len(t, g.flags, 8*5)
	for _, f := range g.flags {
		assert.Zero(t, f)
	}

	g.flags[g.index(2, 1)] = flagSignificant | flagVisited
	g.clearVisited()
	assert.Equal(t, flagSignificant, g.flags[g.index(2, 1)])
}

func TestSubbandTypeString(t *testing.T) {
	assert.Equal(t, "LL", SubbandLL.String())
	assert.Equal(t, "HL", SubbandHL.String())
	assert.Equal(t, "LH", SubbandLH.String())
	assert.Equal(t, "HH", SubbandHH.String())
}
