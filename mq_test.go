package j2kcodec

import (
	"encoding/hex"
	"math/rand/v2"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMQDecoderInit(t *testing.T) {
	mq := newMQDecoder([]byte{0x00, 0x00, 0x00, 0x00})
	assert.Equal(t, uint32(0x8000), mq.A)

	// Zero coding context 0 starts in state 4, run-length in 3, uniform
	// in 46, everything else in 0; all MPS are 0.
	for i, ctx := range mq.contexts {
		expectedIndex := uint8(0)
		switch i {
		case 0:
			expectedIndex = 4
		case ctxRunLength:
			expectedIndex = 3
		case ctxUniform:
			expectedIndex = 46
		}
		assert.Equal(t, expectedIndex, ctx.index, "context %d", i)
		assert.Equal(t, uint8(0), ctx.mps, "context %d", i)
	}
}

func TestMQProbabilityTable(t *testing.T) {
	require.Len(t, mqProbTable, 47)
	assert.Equal(t, uint32(0x5601), mqProbTable[0].qe)
	assert.True(t, mqProbTable[0].switchMPS)
	assert.Equal(t, uint32(0x0001), mqProbTable[45].qe)
	assert.Equal(t, uint32(0x5601), mqProbTable[46].qe)
	assert.Equal(t, uint8(46), mqProbTable[46].nmps)
	assert.Equal(t, uint8(46), mqProbTable[46].nlps)

	for i, e := range mqProbTable {
		assert.Less(t, int(e.nmps), len(mqProbTable), "row %d", i)
		assert.Less(t, int(e.nlps), len(mqProbTable), "row %d", i)
		assert.Less(t, e.qe, uint32(0x8000), "row %d", i)
	}
}

// mqTestVector is the published MQ coder test sequence and its codeword.
var mqTestVector = struct {
	input, output string
}{
	input:  "00020051000000C00352872AAAAAAAAA82C02000FCD79EF6BF7FED904F46A3BF",
	output: "84C73BFCE1A1430402200000410DBB86F4317FFF88FF37471ADB6ADF",
}

func mqTestDecisions(t testing.TB) []int {
	in, err := hex.DecodeString(mqTestVector.input)
	require.NoError(t, err)
	decisions := make([]int, 0, 8*len(in))
	for _, b := range in {
		for i := 7; i >= 0; i-- {
			decisions = append(decisions, int(b>>i)&1)
		}
	}
	return decisions
}

func TestMQEncoderTestVector(t *testing.T) {
	decisions := mqTestDecisions(t)
	want, err := hex.DecodeString(mqTestVector.output)
	require.NoError(t, err)

	got := MQEncode(decisions)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("codeword mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, decisions, MQDecode(got, len(decisions)))
}

func TestMQDecoderByteStuffing(t *testing.T) {
	tests := []struct {
		name    string
		data    []byte
		markers bool
	}{
		{"0xFF followed by 0x00", []byte{0xFF, 0x00, 0x00, 0x00}, false},
		{"0xFF followed by 0x7F", []byte{0xFF, 0x7F, 0x00, 0x00}, false},
		{"0xFF followed by 0x90", []byte{0xFF, 0x90, 0x00, 0x00}, true},
		{"0xFF followed by 0xFF", []byte{0xFF, 0xFF, 0x00, 0x00}, true},
		{"normal bytes", []byte{0x12, 0x34, 0x56, 0x78}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mq := newMQDecoder(tt.data)
			for range 16 {
				bit := mq.Decode(0)
				require.Contains(t, []int{0, 1}, bit)
			}
			if tt.markers {
				// A marker is never consumed.
				assert.Equal(t, 0, mq.pos)
				assert.Positive(t, mq.markers)
			}
		})
	}
}

func TestMQDecoderEndOfData(t *testing.T) {
	mq := newMQDecoder([]byte{0x12, 0x34})
	for range 1000 {
		bit := mq.Decode(0)
		require.Contains(t, []int{0, 1}, bit)
	}
	assert.LessOrEqual(t, mq.pos, 2)
	assert.Positive(t, mq.markers)

	empty := newMQDecoder(nil)
	for range 64 {
		empty.Decode(ctxUniform)
	}
	assert.Equal(t, 0, empty.pos)
}

func TestMQEncoderStuffingRule(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	for trial := range 50 {
		mq := newMQEncoder()
		n := 100 + rng.IntN(5000)
		skew := rng.Float64()
		for range n {
			d := 0
			if rng.Float64() < skew {
				d = 1
			}
			mq.Encode(rng.IntN(numContexts), d)
		}
		out := mq.Flush()
		for i := 1; i < len(out); i++ {
			if out[i-1] == 0xFF {
				require.Less(t, out[i], byte(0x90), "trial %d byte %d", trial, i)
			}
		}
		if len(out) > 0 {
			assert.NotEqual(t, byte(0xFF), out[len(out)-1], "trial %d", trial)
		}
	}
}

func TestMQRoundTripContexts(t *testing.T) {
	rng := rand.New(rand.NewPCG(3, 4))
	for trial := range 20 {
		n := 1 + rng.IntN(20000)
		ctxs := make([]int, n)
		bits := make([]int, n)
		for i := range n {
			ctxs[i] = rng.IntN(numContexts)
			// Context-dependent skew so that the states move.
			if rng.IntN(numContexts+1) <= ctxs[i] {
				bits[i] = 1
			}
		}

		enc := newMQEncoder()
		for i := range n {
			enc.Encode(ctxs[i], bits[i])
		}
		data := enc.Flush()

		dec := newMQDecoder(data)
		for i := range n {
			require.Equal(t, bits[i], dec.Decode(ctxs[i]), "trial %d decision %d", trial, i)
		}
	}
}

func TestMQEncoderReset(t *testing.T) {
	decisions := mqTestDecisions(t)
	mq := newMQEncoder()
	for _, d := range decisions {
		mq.Encode(ctxUniform, 1-d)
	}
	mq.Flush()

	mq.Reset()
	assert.Equal(t, 0, mq.BytesWritten())
	for _, d := range decisions {
		mq.Encode(mqFreshContext, d)
	}
	assert.Equal(t, mqTestVector.output, hex.EncodeToString(mq.Flush()), "reset must restore every context")
}

func TestMQDecoderReset(t *testing.T) {
	decisions := mqTestDecisions(t)
	data := MQEncode(decisions)

	mq := newMQDecoder([]byte{0x55, 0xAA, 0x12})
	for range 40 {
		mq.Decode(mqFreshContext)
	}
	mq.Reset(data)
	for i, d := range decisions {
		require.Equal(t, d, mq.Decode(mqFreshContext), "decision %d", i)
	}
}

func BenchmarkMQEncoderEncode(b *testing.B) {
	rng := rand.New(rand.NewPCG(5, 6))
	bits := make([]int, 4096)
	for i := range bits {
		if rng.IntN(8) == 0 {
			bits[i] = 1
		}
	}
	mq := newMQEncoder()
	b.ResetTimer()
	for b.Loop() {
		mq.Reset()
		for i, d := range bits {
			mq.Encode(i%numContexts, d)
		}
		mq.Flush()
	}
}

func BenchmarkMQDecoderDecode(b *testing.B) {
	data := MQEncode(mqTestDecisions(b))
	mq := newMQDecoder(data)
	b.ResetTimer()
	for b.Loop() {
		mq.Reset(data)
		for range 256 {
			mq.Decode(mqFreshContext)
		}
	}
}
