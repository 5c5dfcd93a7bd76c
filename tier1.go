package j2kcodec

import (
	"context"
	"sync"

	"github.com/ajroetker/go-highway/hwy/contrib/workerpool"
)

// Tier-1 scheduling
//
// Code-blocks share no coding state, so Tier-1 runs them in parallel on a
// worker pool. Each task checks a block coder out of a sync.Pool and
// returns it when done; a coder is never used by two tasks at once. The
// pool call returns only after every block has finished, which is the
// barrier between Tier-1 and Tier-2.

// tier1 runs block coding tasks on an optional executor.
type tier1 struct {
	exec workerpool.Executor // nil runs on the calling goroutine

	// One batch at a time on a shared executor.
	mu sync.Mutex

	encoders sync.Pool
	decoders sync.Pool
}

func newTier1(exec workerpool.Executor) *tier1 {
	return &tier1{
		exec:     exec,
		encoders: sync.Pool{New: func() any { return newBlockEncoder() }},
		decoders: sync.Pool{New: func() any { return newBlockDecoder() }},
	}
}

// run calls fn for 0 <= i < n and returns the error of the lowest failing
// index. Tasks that start after ctx is done fail with its error.
func (t1 *tier1) run(ctx context.Context, n int, fn func(i int) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	errs := make([]error, n)
	task := func(i int) {
		if err := ctx.Err(); err != nil {
			errs[i] = err
			return
		}
		errs[i] = fn(i)
	}

	if t1.exec == nil || n < 2 {
		for i := range n {
			task(i)
		}
	} else {
		t1.mu.Lock()
		t1.exec.ParallelForAtomic(n, task)
		t1.mu.Unlock()
	}

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// blockWindow returns the offset of block b inside its subband's
// coefficient buffer and the buffer stride.
func blockWindow(b *CodeBlock) (int, int) {
	sb := b.band
	stride := sb.Width()
	return (b.Bounds.Min.Y-sb.Bounds.Min.Y)*stride + b.Bounds.Min.X - sb.Bounds.Min.X, stride
}

// encodeBlocks codes every code-block of the tile and stores the segment
// and checkpoints on the block.
func (t1 *tier1) encodeBlocks(ctx context.Context, blocks []*CodeBlock) error {
	return t1.run(ctx, len(blocks), func(i int) error {
		b := blocks[i]
		sb := b.band
		off, stride := blockWindow(b)

		enc := t1.encoders.Get().(*blockEncoder)
		eb, err := enc.Encode(sb.Coefficients[off:], stride, b.Bounds.Dx(), b.Bounds.Dy(), sb.Type, sb.MagnitudeBits, sb.style)
		t1.encoders.Put(enc)
		if err != nil {
			return scopeError(err, -1, sb.Component, sb.Resolution)
		}
		b.Data = eb.Data
		b.Checkpoints = eb.Checkpoints
		b.NumBitPlanes = eb.NumBitPlanes
		b.ZeroBitPlanes = eb.ZeroBitPlanes
		return nil
	})
}

// decodeBlocks decodes the passes each block received into its subband.
// Blocks without passes are left zero.
func (t1 *tier1) decodeBlocks(ctx context.Context, blocks []*CodeBlock, midpoint bool) error {
	return t1.run(ctx, len(blocks), func(i int) error {
		b := blocks[i]
		if b.passes == 0 {
			return nil
		}
		sb := b.band
		off, stride := blockWindow(b)

		dec := t1.decoders.Get().(*blockDecoder)
		err := dec.Decode(b.Data, b.Bounds.Dx(), b.Bounds.Dy(), sb.Type, b.NumBitPlanes, b.passes, sb.style, midpoint, sb.Coefficients[off:], stride)
		t1.decoders.Put(dec)
		if err != nil {
			return scopeError(err, -1, sb.Component, sb.Resolution)
		}
		return nil
	})
}
