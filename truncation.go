package j2kcodec

// Layer formation
//
// After Tier-1, every block carries one checkpoint per coding pass. A
// LayerAllocator decides how many passes each block newly contributes to
// each quality layer by filling CodeBlock.LayerPasses. Passes always
// enter in order: a layer can only extend the prefix included so far.
//
// RateAllocator implements PCRD-opt (ITU-T T.800 Annex J): each pass has
// a rate-distortion slope ΔD/ΔR, and passes are taken in decreasing
// slope order until the byte target is met. A bisection search on the
// slope threshold (lambda) finds the cut for each layer.

import (
	"math"
	"slices"

	"github.com/samber/lo"
)

// LayerAllocator distributes the coding passes of a tile's code-blocks
// over quality layers.
type LayerAllocator interface {
	// Allocate sets LayerPasses (length numLayers) on every block.
	Allocate(blocks []*CodeBlock, numLayers int) error
}

// SingleLayer puts every pass in the first layer. Later layers are empty.
type SingleLayer struct{}

// Allocate implements LayerAllocator.
func (SingleLayer) Allocate(blocks []*CodeBlock, numLayers int) error {
	if numLayers < 1 {
		return paramErrorf("allocate layers", "%d layers", numLayers)
	}
	for _, b := range blocks {
		b.LayerPasses = make([]int, numLayers)
		b.LayerPasses[0] = len(b.Checkpoints)
	}
	return nil
}

// EvenLayers splits each block's passes as evenly as possible across the
// layers, so layer l ends after ceil(n*(l+1)/numLayers) passes.
type EvenLayers struct{}

// Allocate implements LayerAllocator.
func (EvenLayers) Allocate(blocks []*CodeBlock, numLayers int) error {
	if numLayers < 1 {
		return paramErrorf("allocate layers", "%d layers", numLayers)
	}
	for _, b := range blocks {
		n := len(b.Checkpoints)
		b.LayerPasses = make([]int, numLayers)
		prev := 0
		for l := range numLayers {
			end := ceilDiv(n*(l+1), numLayers)
			b.LayerPasses[l] = end - prev
			prev = end
		}
	}
	return nil
}

// RateAllocator forms layers by PCRD-opt against cumulative byte
// targets.
type RateAllocator struct {
	// LayerBytes[l] is the cumulative code-block byte budget of layers
	// 0..l. A missing or non-positive entry means no limit, so that layer
	// takes every remaining pass.
	LayerBytes []int
}

// truncationPoint is one candidate pass of one block.
type truncationPoint struct {
	block  int     // index into the blocks slice
	passes int     // passes included once this point is taken
	bytes  int     // bytes the pass adds
	slope  float64 // distortion reduction per byte; +Inf for free passes
}

// Allocate implements LayerAllocator.
func (a RateAllocator) Allocate(blocks []*CodeBlock, numLayers int) error {
	if numLayers < 1 {
		return paramErrorf("allocate layers", "%d layers", numLayers)
	}
	for i, target := range a.LayerBytes {
		if i > 0 && target > 0 && a.LayerBytes[i-1] > target {
			return paramErrorf("allocate layers", "layer %d target %d below layer %d target %d", i, target, i-1, a.LayerBytes[i-1])
		}
	}

	allocated := make([]int, len(blocks))
	for _, b := range blocks {
		b.LayerPasses = make([]int, numLayers)
	}

	for l := range numLayers {
		points := remainingPoints(blocks, allocated)
		if len(points) == 0 {
			break
		}

		var take []int
		if l < len(a.LayerBytes) && a.LayerBytes[l] > 0 {
			used := lo.SumBy(lo.Range(len(blocks)), func(i int) int {
				return blocks[i].segmentEnd(allocated[i])
			})
			budget := a.LayerBytes[l] - used
			if budget <= 0 {
				continue
			}
			take = applyThreshold(bisectLambda(points, budget), points, allocated)
		} else {
			take = lo.Map(blocks, func(b *CodeBlock, _ int) int { return len(b.Checkpoints) })
		}

		for i, b := range blocks {
			b.LayerPasses[l] = take[i] - allocated[i]
			allocated[i] = take[i]
		}
	}
	return nil
}

// remainingPoints lists the passes not yet allocated, block by block in
// pass order.
func remainingPoints(blocks []*CodeBlock, allocated []int) []truncationPoint {
	var points []truncationPoint
	for bi, b := range blocks {
		for k := allocated[bi]; k < len(b.Checkpoints); k++ {
			cp := b.Checkpoints[k]
			bytes := cp.Length - b.segmentEnd(k)
			slope := math.Inf(1)
			if bytes > 0 {
				slope = cp.Distortion / float64(bytes)
			}
			points = append(points, truncationPoint{block: bi, passes: k + 1, bytes: bytes, slope: slope})
		}
	}
	return points
}

// bisectLambda finds the smallest slope threshold whose passes fit in
// targetBytes.
func bisectLambda(points []truncationPoint, targetBytes int) float64 {
	costly := lo.Filter(points, func(tp truncationPoint, _ int) bool { return !math.IsInf(tp.slope, 1) })
	if len(costly) == 0 {
		return 0
	}
	bytesAt := func(lambda float64) int {
		return lo.SumBy(costly, func(tp truncationPoint) int {
			if tp.slope >= lambda {
				return tp.bytes
			}
			return 0
		})
	}

	slopes := lo.Map(costly, func(tp truncationPoint, _ int) float64 { return tp.slope })
	lowSlope, highSlope := lo.Min(slopes), lo.Max(slopes)
	if bytesAt(lowSlope) <= targetBytes {
		return lowSlope
	}
	if highSlope-lowSlope < 1e-15 {
		return math.Nextafter(highSlope, math.Inf(1))
	}

	// Shrink [low, high] keeping bytesAt(high) <= target < bytesAt(low).
	low, high := lowSlope, math.Nextafter(highSlope, math.Inf(1))
	for range 50 {
		mid := (low + high) / 2
		if bytesAt(mid) <= targetBytes {
			high = mid
		} else {
			low = mid
		}
	}

	lambda := high
	if bytesAt(lambda) > targetBytes {
		// Floating point left the bracket; cut exactly at the first
		// slope that overflows.
		sorted := slices.Clone(costly)
		slices.SortFunc(sorted, func(a, b truncationPoint) int {
			switch {
			case a.slope > b.slope:
				return -1
			case a.slope < b.slope:
				return 1
			}
			return 0
		})
		cum := 0
		for _, tp := range sorted {
			if cum+tp.bytes > targetBytes {
				lambda = math.Nextafter(tp.slope, math.Inf(1))
				break
			}
			cum += tp.bytes
		}
	}
	return lambda
}

// applyThreshold returns, per block, the passes included after taking
// the longest run of remaining passes whose slopes reach lambda.
func applyThreshold(lambda float64, points []truncationPoint, allocated []int) []int {
	take := slices.Clone(allocated)
	blocked := make([]bool, len(allocated))
	for _, tp := range points {
		if blocked[tp.block] {
			continue
		}
		if tp.slope >= lambda {
			take[tp.block] = tp.passes
		} else {
			blocked[tp.block] = true
		}
	}
	return take
}
