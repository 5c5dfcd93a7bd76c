package j2kcodec

import (
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTagTreeSingleLeaf(t *testing.T) {
	tt, err := newTagTree(1, 1)
	require.NoError(t, err)
	require.NoError(t, tt.SetValue(0, 0, 3))

	w := newBitWriter(false)
	require.NoError(t, tt.Encode(w, 0, 0, 10))
	// Three 0-bits raise the bound to 3, then the terminating 1-bit.
	assert.Equal(t, 4, w.Len()*8-w.Flush())
	assert.Equal(t, []byte{0b0001_0000}, w.Bytes())

	// Nothing new to say about a known leaf.
	w.Reset()
	require.NoError(t, tt.Encode(w, 0, 0, 20))
	assert.Zero(t, w.Len())

	dec, err := newTagTree(1, 1)
	require.NoError(t, err)
	v, err := dec.Decode(newBitReader([]byte{0b0001_0000}, false), 0, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, 3, v)
}

func TestTagTreeThresholdNotReached(t *testing.T) {
	enc, err := newTagTree(2, 2)
	require.NoError(t, err)
	dec, err := newTagTree(2, 2)
	require.NoError(t, err)
	// Leaf (1,1) keeps the infinity value: it never becomes known.
	require.NoError(t, enc.SetValue(0, 0, 2))
	require.NoError(t, enc.SetValue(1, 0, 4))
	require.NoError(t, enc.SetValue(0, 1, 2))

	w := newBitWriter(false)
	for th := 1; th <= 3; th++ {
		require.NoError(t, enc.Encode(w, 1, 1, th))
	}
	w.Flush()

	r := newBitReader(w.Bytes(), false)
	for th := 1; th <= 3; th++ {
		v, err := dec.Decode(r, 1, 1, th)
		require.NoError(t, err)
		assert.Equal(t, th, v, "threshold %d", th)
	}
}

func TestTagTreeRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewPCG(13, 17))
	sizes := [][2]int{{1, 1}, {2, 1}, {1, 5}, {3, 3}, {8, 8}, {13, 7}, {64, 3}}

	for _, size := range sizes {
		w, h := size[0], size[1]
		t.Run(fmt.Sprintf("%dx%d", w, h), func(t *testing.T) {
			values := make([]int, w*h)
			enc, err := newTagTree(w, h)
			require.NoError(t, err)
			for i := range values {
				values[i] = rng.IntN(8)
				if rng.IntN(6) == 0 {
					values[i] = tagInfinity
				}
				require.NoError(t, enc.SetValue(i%w, i/w, values[i]))
			}

			// Inclusion style: raise the threshold one step at a time and
			// stop querying a leaf once its value is known.
			bw := newBitWriter(true)
			for th := 1; th <= 9; th++ {
				for i, v := range values {
					if v < th-1 {
						continue
					}
					require.NoError(t, enc.Encode(bw, i%w, i/w, th))
				}
			}
			bw.Flush()

			dec, err := newTagTree(w, h)
			require.NoError(t, err)
			known := make([]bool, len(values))
			r := newBitReader(bw.Bytes(), true)
			for th := 1; th <= 9; th++ {
				for i, v := range values {
					if known[i] {
						continue
					}
					got, err := dec.Decode(r, i%w, i/w, th)
					require.NoError(t, err)
					if v < th {
						require.Equal(t, v, got, "leaf %d threshold %d", i, th)
						known[i] = true
					} else {
						require.Equal(t, th, got, "leaf %d threshold %d", i, th)
					}
				}
			}
			_, err = r.Align()
			require.NoError(t, err)
			assert.Zero(t, r.Remaining())
		})
	}
}

func TestTagTreeFullValue(t *testing.T) {
	// Zero bit-plane style: one query per leaf with a threshold above
	// every value.
	rng := rand.New(rand.NewPCG(2, 3))
	const w, h = 9, 6
	values := make([]int, w*h)
	enc, err := newTagTree(w, h)
	require.NoError(t, err)
	for i := range values {
		values[i] = rng.IntN(20)
		require.NoError(t, enc.SetValue(i%w, i/w, values[i]))
	}

	bw := newBitWriter(false)
	for i := range values {
		require.NoError(t, enc.Encode(bw, i%w, i/w, 21))
	}
	bw.Flush()

	dec, err := newTagTree(w, h)
	require.NoError(t, err)
	r := newBitReader(bw.Bytes(), false)
	for i, v := range values {
		got, err := dec.Decode(r, i%w, i/w, 21)
		require.NoError(t, err)
		assert.Equal(t, v, got, "leaf %d", i)
		assert.Equal(t, v, dec.Value(i%w, i/w))
	}
}

func TestTagTreeLimits(t *testing.T) {
	tests := []struct {
		w, h int
		ok   bool
	}{
		{1, 1, true},
		{maxTagTreeSide, 1, true},
		{1, maxTagTreeSide, true},
		{0, 1, false},
		{1, -1, false},
		{maxTagTreeSide + 1, 1, false},
		{maxTagTreeSide, maxTagTreeSide, false},
	}
	for _, tt := range tests {
		_, err := newTagTree(tt.w, tt.h)
		if tt.ok {
			assert.NoError(t, err, "%dx%d", tt.w, tt.h)
		} else {
			assert.ErrorIs(t, err, ErrCodingParameter, "%dx%d", tt.w, tt.h)
		}
	}

	tree, err := newTagTree(3, 2)
	require.NoError(t, err)
	assert.ErrorIs(t, tree.SetValue(3, 0, 1), ErrCodingParameter)
	assert.ErrorIs(t, tree.Encode(newBitWriter(false), 0, 2, 1), ErrCodingParameter)
	_, err = tree.Decode(newBitReader(nil, false), -1, 0, 1)
	assert.ErrorIs(t, err, ErrCodingParameter)
	assert.Equal(t, tagInfinity, tree.Value(2, 1))
}

func TestTagTreeReset(t *testing.T) {
	tree, err := newTagTree(4, 4)
	require.NoError(t, err)
	require.NoError(t, tree.SetValue(1, 1, 0))
	w := newBitWriter(false)
	require.NoError(t, tree.Encode(w, 1, 1, 1))
	first := w.Len()*8 - w.Flush()

	tree.Reset()
	assert.Equal(t, tagInfinity, tree.Value(1, 1))
	require.NoError(t, tree.SetValue(1, 1, 0))
	w.Reset()
	require.NoError(t, tree.Encode(w, 1, 1, 1))
	assert.Equal(t, first, w.Len()*8-w.Flush(), "reset must forget what was sent")
}

func TestTagTreeTruncated(t *testing.T) {
	dec, err := newTagTree(4, 4)
	require.NoError(t, err)
	_, err = dec.Decode(newBitReader([]byte{0x00}, false), 0, 0, 20)
	assert.ErrorIs(t, err, ErrTruncatedStream)
}
