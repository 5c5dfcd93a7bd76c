package j2kcodec

import (
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// randomBlock returns w*h coefficients with magnitudes below 1<<bits,
// mostly small, about a third of them zero.
func randomBlock(rng *rand.Rand, w, h, bits int) []int32 {
	coeffs := make([]int32, w*h)
	limit := int64(1)<<bits - 1
	for i := range coeffs {
		if rng.IntN(3) == 0 {
			continue
		}
		shift := rng.IntN(bits + 1)
		v := rng.Int64N(int64(1)<<shift) & limit
		if rng.IntN(2) == 0 {
			v = -v
		}
		coeffs[i] = int32(v)
	}
	return coeffs
}

func decodeBlock(t *testing.T, data []byte, w, h int, band SubbandType, nbp, passes int, style CodeBlockStyle, midpoint bool) []int32 {
	t.Helper()
	out := make([]int32, w*h)
	err := newBlockDecoder().Decode(data, w, h, band, nbp, passes, style, midpoint, out, w)
	require.NoError(t, err)
	return out
}

func TestPassSchedule(t *testing.T) {
	assert.Equal(t, 0, maxPasses(0))
	assert.Equal(t, 1, maxPasses(1))
	assert.Equal(t, 7, maxPasses(3))
	assert.Equal(t, 91, maxPasses(31))

	type pass struct {
		typ PassType
		bp  int
	}
	want := []pass{
		{PassCleanup, 2},
		{PassSignificance, 1}, {PassRefinement, 1}, {PassCleanup, 1},
		{PassSignificance, 0}, {PassRefinement, 0}, {PassCleanup, 0},
	}
	var got []pass
	for k := range maxPasses(3) {
		typ, bp := passAt(k, 3)
		got = append(got, pass{typ, bp})
	}
	if diff := cmp.Diff(want, got, cmp.AllowUnexported(pass{})); diff != "" {
		t.Errorf("pass schedule (-want +got):\n%s", diff)
	}
	assert.Equal(t, "SPP", PassSignificance.String())
	assert.Equal(t, "MRP", PassRefinement.String())
	assert.Equal(t, "CUP", PassCleanup.String())
}

func TestBlockEncodeZero(t *testing.T) {
	coeffs := make([]int32, 16*16)
	blk, err := newBlockEncoder().Encode(coeffs, 16, 16, 16, SubbandHH, 9, 0)
	require.NoError(t, err)
	assert.Zero(t, blk.NumPasses())
	assert.Zero(t, blk.NumBitPlanes)
	assert.Equal(t, 9, blk.ZeroBitPlanes)
	assert.Empty(t, blk.Data)

	// Zero passes decode to zeros whatever the buffer says.
	out := decodeBlock(t, []byte{0x12, 0x34}, 16, 16, SubbandHH, 0, 0, 0, false)
	assert.Equal(t, coeffs, out)
}

func TestBlockEncodeSingleCorner(t *testing.T) {
	coeffs := make([]int32, 32*32)
	coeffs[0] = 5

	blk, err := newBlockEncoder().Encode(coeffs, 32, 32, 32, SubbandLL, 4, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, blk.NumBitPlanes)
	assert.Equal(t, 1, blk.ZeroBitPlanes)
	require.Equal(t, 7, blk.NumPasses())
	assert.Equal(t, len(blk.Data), blk.Checkpoints[6].Length)

	out := decodeBlock(t, blk.Data, 32, 32, SubbandLL, blk.NumBitPlanes, blk.NumPasses(), 0, false)
	assert.Equal(t, coeffs, out)

	// After the first cleanup pass only the top plane is known.
	out = decodeBlock(t, blk.Data[:blk.Checkpoints[0].Length], 32, 32, SubbandLL, 3, 1, 0, false)
	assert.Equal(t, int32(4), out[0])
}

func TestBlockEncodeMagnitudeLimits(t *testing.T) {
	e := newBlockEncoder()

	_, err := e.Encode([]int32{16, 0, 0, 0}, 2, 2, 2, SubbandLL, 4, 0)
	assert.ErrorIs(t, err, ErrCodingParameter)

	_, err = e.Encode([]int32{-16, 0, 0, 0}, 2, 2, 2, SubbandLL, 5, 0)
	assert.NoError(t, err)

	_, err = e.Encode([]int32{1}, 1, 1, 1, SubbandLL, 0, 0)
	assert.ErrorIs(t, err, ErrCodingParameter)

	_, err = e.Encode([]int32{1}, 1, 1, 1, SubbandLL, maxMagnitudeBits+1, 0)
	assert.ErrorIs(t, err, ErrCodingParameter)

	// -2^31 has a 32-bit magnitude.
	_, err = e.Encode([]int32{-1 << 31}, 1, 1, 1, SubbandLL, maxMagnitudeBits, 0)
	assert.ErrorIs(t, err, ErrCodingParameter)

	_, err = e.Encode(make([]int32, 10), 4, 4, 4, SubbandLL, 8, 0)
	assert.ErrorIs(t, err, ErrCodingParameter)
}

func TestBlockDecodeRejectsPassCount(t *testing.T) {
	out := make([]int32, 16)
	err := newBlockDecoder().Decode(nil, 4, 4, SubbandLL, 2, 5, 0, false, out, 4)
	assert.ErrorIs(t, err, ErrMalformedPacket)

	err = newBlockDecoder().Decode(nil, 4, 4, SubbandLL, 32, 1, 0, false, out, 4)
	assert.ErrorIs(t, err, ErrMalformedPacket)

	err = newBlockDecoder().Decode(nil, 4, 4, SubbandLL, 2, 1, 0, false, out[:8], 4)
	assert.ErrorIs(t, err, ErrCodingParameter)
}

func TestBlockRoundTrip(t *testing.T) {
	sizes := [][2]int{{1, 1}, {4, 4}, {3, 7}, {17, 5}, {32, 32}, {64, 64}, {5, 64}, {64, 2}}
	bands := []SubbandType{SubbandLL, SubbandHL, SubbandLH, SubbandHH}
	styles := []CodeBlockStyle{0, StyleReset, StyleSegmentationSymbols, StyleReset | StyleSegmentationSymbols}
	rng := rand.New(rand.NewPCG(21, 42))

	for _, size := range sizes {
		for _, style := range styles {
			w, h := size[0], size[1]
			band := bands[rng.IntN(len(bands))]
			bits := 1 + rng.IntN(14)
			t.Run(fmt.Sprintf("%dx%d/%v/style%d", w, h, band, style), func(t *testing.T) {
				coeffs := randomBlock(rng, w, h, bits)
				blk, err := newBlockEncoder().Encode(coeffs, w, w, h, band, bits, style)
				require.NoError(t, err)
				require.Equal(t, maxPasses(blk.NumBitPlanes), blk.NumPasses())
				assert.Equal(t, bits, blk.NumBitPlanes+blk.ZeroBitPlanes)

				out := decodeBlock(t, blk.Data, w, h, band, blk.NumBitPlanes, blk.NumPasses(), style, false)
				require.Equal(t, coeffs, out)

				prev := 0
				for k, cp := range blk.Checkpoints {
					require.Equal(t, k, cp.Pass)
					require.GreaterOrEqual(t, cp.Length, prev, "pass %d", k)
					require.LessOrEqual(t, cp.Length, len(blk.Data), "pass %d", k)
					prev = cp.Length

					full := decodeBlock(t, blk.Data, w, h, band, blk.NumBitPlanes, k+1, style, false)
					cut := decodeBlock(t, blk.Data[:cp.Length], w, h, band, blk.NumBitPlanes, k+1, style, false)
					require.Equal(t, full, cut, "prefix of pass %d", k)
				}
			})
		}
	}
}

func TestBlockTruncationConverges(t *testing.T) {
	rng := rand.New(rand.NewPCG(9, 9))
	coeffs := randomBlock(rng, 32, 32, 10)
	blk, err := newBlockEncoder().Encode(coeffs, 32, 32, 32, SubbandHL, 10, 0)
	require.NoError(t, err)

	// Squared error never grows as passes are added.
	last := -1.0
	for k := range blk.Checkpoints {
		out := decodeBlock(t, blk.Data[:blk.Checkpoints[k].Length], 32, 32, SubbandHL, blk.NumBitPlanes, k+1, 0, false)
		var sse float64
		for i := range coeffs {
			d := float64(coeffs[i] - out[i])
			sse += d * d
		}
		if last >= 0 {
			require.LessOrEqual(t, sse, last, "pass %d", k)
		}
		last = sse
	}
	assert.Zero(t, last)
}

func TestBlockDecodeMidpoint(t *testing.T) {
	coeffs := []int32{13, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, -13}
	blk, err := newBlockEncoder().Encode(coeffs, 4, 4, 4, SubbandLL, 4, 0)
	require.NoError(t, err)
	require.Equal(t, 4, blk.NumBitPlanes)

	data := blk.Data[:blk.Checkpoints[0].Length]
	plain := decodeBlock(t, data, 4, 4, SubbandLL, 4, 1, 0, false)
	mid := decodeBlock(t, data, 4, 4, SubbandLL, 4, 1, 0, true)
	assert.Equal(t, int32(8), plain[0])
	assert.Equal(t, int32(-8), plain[15])
	assert.Equal(t, int32(12), mid[0])
	assert.Equal(t, int32(-12), mid[15])

	// Fully decoded coefficients are exact with or without midpoint.
	mid = decodeBlock(t, blk.Data, 4, 4, SubbandLL, 4, blk.NumPasses(), 0, true)
	assert.Equal(t, coeffs, mid)
}

func TestBlockCheckpointsDeterministic(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 5))
	coeffs := randomBlock(rng, 64, 64, 12)

	e := newBlockEncoder()
	first, err := e.Encode(coeffs, 64, 64, 64, SubbandLH, 12, 0)
	require.NoError(t, err)

	// A reused encoder must not carry state between blocks.
	_, err = e.Encode(randomBlock(rng, 16, 16, 5), 16, 16, 16, SubbandHH, 5, StyleReset)
	require.NoError(t, err)
	second, err := e.Encode(coeffs, 64, 64, 64, SubbandLH, 12, 0)
	require.NoError(t, err)

	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("re-encoding differs (-first +second):\n%s", diff)
	}
}

func TestBlockEncodeStride(t *testing.T) {
	rng := rand.New(rand.NewPCG(8, 1))
	const stride = 40
	plane := randomBlock(rng, stride, 20, 8)
	// Code the 16x12 window at (7, 3).
	window := plane[3*stride+7:]

	blk, err := newBlockEncoder().Encode(window, stride, 16, 12, SubbandLL, 8, 0)
	require.NoError(t, err)

	out := make([]int32, len(plane))
	err = newBlockDecoder().Decode(blk.Data, 16, 12, SubbandLL, blk.NumBitPlanes, blk.NumPasses(), 0, false, out[3*stride+7:], stride)
	require.NoError(t, err)
	for y := range 20 {
		for x := range stride {
			i := y*stride + x
			if x >= 7 && x < 23 && y >= 3 && y < 15 {
				require.Equal(t, plane[i], out[i], "(%d,%d)", x, y)
			} else {
				require.Zero(t, out[i], "(%d,%d) outside the window", x, y)
			}
		}
	}
}

func TestBlockSegmentationSymbolMismatch(t *testing.T) {
	rng := rand.New(rand.NewPCG(4, 4))
	coeffs := randomBlock(rng, 32, 32, 10)
	blk, err := newBlockEncoder().Encode(coeffs, 32, 32, 32, SubbandLL, 10, StyleSegmentationSymbols)
	require.NoError(t, err)

	malformed := 0
	for range 32 {
		data := make([]byte, len(blk.Data))
		for i := range data {
			data[i] = byte(rng.IntN(0x90))
		}
		out := make([]int32, 32*32)
		err := newBlockDecoder().Decode(data, 32, 32, SubbandLL, blk.NumBitPlanes, blk.NumPasses(), StyleSegmentationSymbols, false, out, 32)
		if err != nil {
			require.ErrorIs(t, err, ErrMalformedPacket)
			malformed++
		}
	}
	assert.Positive(t, malformed, "random data should break the segmentation symbol")
}

func BenchmarkBlockEncode(b *testing.B) {
	rng := rand.New(rand.NewPCG(1, 1))
	coeffs := randomBlock(rng, 64, 64, 10)
	e := newBlockEncoder()
	b.ResetTimer()
	for b.Loop() {
		if _, err := e.Encode(coeffs, 64, 64, 64, SubbandHH, 10, 0); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkBlockDecode(b *testing.B) {
	rng := rand.New(rand.NewPCG(1, 1))
	coeffs := randomBlock(rng, 64, 64, 10)
	blk, err := newBlockEncoder().Encode(coeffs, 64, 64, 64, SubbandHH, 10, 0)
	if err != nil {
		b.Fatal(err)
	}
	d := newBlockDecoder()
	out := make([]int32, 64*64)
	b.ResetTimer()
	for b.Loop() {
		if err := d.Decode(blk.Data, 64, 64, SubbandHH, blk.NumBitPlanes, blk.NumPasses(), 0, false, out, 64); err != nil {
			b.Fatal(err)
		}
	}
}
