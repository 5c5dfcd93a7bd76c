package j2kcodec

import (
	"iter"

	"github.com/samber/lo"
)

// Packet Iterator (ITU-T T.800 B.12)
//
// Packets are identified by (layer, resolution, component, precinct).
// Each progression order is one walk function with the same signature;
// progressionWalks selects among them by order. A walk covers a box of
// layers, resolutions and components so that progression changes (POC)
// reuse the same code. The spatial orders (RPCL, PCRL, CPRL) step over
// the reference grid and map each position to the precinct whose corner
// lies on it, exactly as the standard describes.
//
// The iterator emits every packet at most once: a packet already
// produced by an earlier progression change is skipped.

// PacketID identifies one packet.
type PacketID struct {
	Layer      int
	Resolution int
	Component  int
	Precinct   int
}

// progressionBox bounds a walk. Ends are exclusive.
type progressionBox struct {
	layerEnd           int
	resStart, resEnd   int
	compStart, compEnd int
}

// progressionWalk calls yield for each packet of one order inside box,
// stopping early when yield returns false.
type progressionWalk func(t *Tile, box progressionBox, yield func(PacketID) bool) bool

var progressionWalks = [...]progressionWalk{
	LRCP: walkLRCP,
	RLCP: walkRLCP,
	RPCL: walkRPCL,
	PCRL: walkPCRL,
	CPRL: walkCPRL,
}

// PacketIterator produces the packet order of one tile. It is restartable:
// All returns a fresh sequence on every call, and Reset rewinds Next.
type PacketIterator struct {
	tile      *Tile
	numLayers int
	steps     []ProgressionChange

	// Bit index base per (component, resolution) into the emitted set.
	base  [][]int
	total int

	next func() (PacketID, bool)
	stop func()
}

// NewPacketIterator creates the iterator for the tile's coding
// parameters.
func NewPacketIterator(t *Tile) *PacketIterator {
	p := t.params
	it := &PacketIterator{tile: t, numLayers: p.NumLayers}
	if len(p.Changes) > 0 {
		it.steps = p.Changes
	} else {
		maxRes := lo.Max(lo.Map(t.Components, func(tc *TileComponent, _ int) int { return len(tc.Resolutions) }))
		it.steps = []ProgressionChange{{
			LayerEnd: p.NumLayers,
			ResEnd:   maxRes,
			CompEnd:  len(t.Components),
			Order:    p.Order,
		}}
	}

	it.base = make([][]int, len(t.Components))
	for c, tc := range t.Components {
		it.base[c] = make([]int, len(tc.Resolutions))
		for r, res := range tc.Resolutions {
			it.base[c][r] = it.total
			it.total += len(res.Precincts) * it.numLayers
		}
	}
	return it
}

// All returns the packet sequence.
func (it *PacketIterator) All() iter.Seq[PacketID] {
	return func(yield func(PacketID) bool) {
		seen := make([]uint64, (it.total+63)/64)
		emit := func(id PacketID) bool {
			bit := it.base[id.Component][id.Resolution] + id.Precinct*it.numLayers + id.Layer
			if seen[bit/64]&(1<<(bit%64)) != 0 {
				return true
			}
			seen[bit/64] |= 1 << (bit % 64)
			return yield(id)
		}
		for _, step := range it.steps {
			box := progressionBox{
				layerEnd:  min(step.LayerEnd, it.numLayers),
				resStart:  step.ResStart,
				resEnd:    step.ResEnd,
				compStart: step.CompStart,
				compEnd:   min(step.CompEnd, len(it.tile.Components)),
			}
			if !progressionWalks[step.Order](it.tile, box, emit) {
				return
			}
		}
	}
}

// Next returns the next packet, or false when the sequence is exhausted.
func (it *PacketIterator) Next() (PacketID, bool) {
	if it.next == nil {
		it.next, it.stop = iter.Pull(it.All())
	}
	return it.next()
}

// Stop ends iteration early and releases the sequence.
func (it *PacketIterator) Stop() {
	if it.stop != nil {
		it.stop()
	}
}

// Reset rewinds Next to the first packet.
func (it *PacketIterator) Reset() {
	it.Stop()
	it.next, it.stop = nil, nil
}

// Len returns the number of packets All produces.
func (it *PacketIterator) Len() int {
	n := 0
	for range it.All() {
		n++
	}
	return n
}

// precincts yields every precinct of (c, r) in layer l.
func precincts(t *Tile, l, r, c int, yield func(PacketID) bool) bool {
	for p := range t.numPrecincts(c, r) {
		if !yield(PacketID{Layer: l, Resolution: r, Component: c, Precinct: p}) {
			return false
		}
	}
	return true
}

func walkLRCP(t *Tile, box progressionBox, yield func(PacketID) bool) bool {
	for l := range box.layerEnd {
		for r := box.resStart; r < box.resEnd; r++ {
			for c := box.compStart; c < box.compEnd; c++ {
				if !precincts(t, l, r, c, yield) {
					return false
				}
			}
		}
	}
	return true
}

func walkRLCP(t *Tile, box progressionBox, yield func(PacketID) bool) bool {
	for r := box.resStart; r < box.resEnd; r++ {
		for l := range box.layerEnd {
			for c := box.compStart; c < box.compEnd; c++ {
				if !precincts(t, l, r, c, yield) {
					return false
				}
			}
		}
	}
	return true
}

// layers yields packet (c, r, p) for every layer in box.
func layers(box progressionBox, r, c, p int, yield func(PacketID) bool) bool {
	for l := range box.layerEnd {
		if !yield(PacketID{Layer: l, Resolution: r, Component: c, Precinct: p}) {
			return false
		}
	}
	return true
}

// gridStep returns the reference-grid step of the spatial walks: the
// greatest common divisor of the precinct footprints of the given
// components' resolutions, so that every precinct corner is visited.
func gridStep(t *Tile, comps []int) (int, int) {
	var stepX, stepY int
	for _, c := range comps {
		tc := t.Components[c]
		numRes := len(tc.Resolutions)
		for r, res := range tc.Resolutions {
			level := numRes - 1 - r
			stepX = gcd(stepX, tc.DX<<(res.PrecinctWidthExp+level))
			stepY = gcd(stepY, tc.DY<<(res.PrecinctHeightExp+level))
		}
	}
	return max(stepX, 1), max(stepY, 1)
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

// precinctAt maps reference-grid position (x, y) to the precinct of
// (c, r) whose upper-left corner falls on it (B.12.1.3).
func precinctAt(t *Tile, c, r, x, y int) (int, bool) {
	tc := t.Components[c]
	if r >= len(tc.Resolutions) {
		return 0, false
	}
	res := tc.Resolutions[r]
	if res.PrecinctsWide == 0 || res.PrecinctsHigh == 0 {
		return 0, false
	}
	level := len(tc.Resolutions) - 1 - r
	ppx, ppy := res.PrecinctWidthExp, res.PrecinctHeightExp
	rpx, rpy := ppx+level, ppy+level
	trx0, try0 := res.Bounds.Min.X, res.Bounds.Min.Y
	tx0, ty0 := t.Bounds.Min.X, t.Bounds.Min.Y

	if !(y%(tc.DY<<rpy) == 0 || (y == ty0 && (try0<<level)%(1<<rpy) != 0)) {
		return 0, false
	}
	if !(x%(tc.DX<<rpx) == 0 || (x == tx0 && (trx0<<level)%(1<<rpx) != 0)) {
		return 0, false
	}

	prci := floorDiv(ceilDiv(x, tc.DX<<level), 1<<ppx) - res.prcX0
	prcj := floorDiv(ceilDiv(y, tc.DY<<level), 1<<ppy) - res.prcY0
	if prci < 0 || prcj < 0 || prci >= res.PrecinctsWide || prcj >= res.PrecinctsHigh {
		return 0, false
	}
	return prci + prcj*res.PrecinctsWide, true
}

// components lists the component indices of box.
func components(box progressionBox) []int {
	if box.compEnd <= box.compStart {
		return nil
	}
	return lo.RangeFrom(box.compStart, box.compEnd-box.compStart)
}

func walkRPCL(t *Tile, box progressionBox, yield func(PacketID) bool) bool {
	comps := components(box)
	if len(comps) == 0 {
		return true
	}
	stepX, stepY := gridStep(t, comps)
	b := t.Bounds
	for r := box.resStart; r < box.resEnd; r++ {
		for y := b.Min.Y; y < b.Max.Y; y += stepY - y%stepY {
			for x := b.Min.X; x < b.Max.X; x += stepX - x%stepX {
				for _, c := range comps {
					p, ok := precinctAt(t, c, r, x, y)
					if ok && !layers(box, r, c, p, yield) {
						return false
					}
				}
			}
		}
	}
	return true
}

func walkPCRL(t *Tile, box progressionBox, yield func(PacketID) bool) bool {
	comps := components(box)
	if len(comps) == 0 {
		return true
	}
	stepX, stepY := gridStep(t, comps)
	b := t.Bounds
	for y := b.Min.Y; y < b.Max.Y; y += stepY - y%stepY {
		for x := b.Min.X; x < b.Max.X; x += stepX - x%stepX {
			for _, c := range comps {
				for r := box.resStart; r < box.resEnd; r++ {
					p, ok := precinctAt(t, c, r, x, y)
					if ok && !layers(box, r, c, p, yield) {
						return false
					}
				}
			}
		}
	}
	return true
}

func walkCPRL(t *Tile, box progressionBox, yield func(PacketID) bool) bool {
	b := t.Bounds
	for c := box.compStart; c < box.compEnd; c++ {
		stepX, stepY := gridStep(t, []int{c})
		for y := b.Min.Y; y < b.Max.Y; y += stepY - y%stepY {
			for x := b.Min.X; x < b.Max.X; x += stepX - x%stepX {
				for r := box.resStart; r < box.resEnd; r++ {
					p, ok := precinctAt(t, c, r, x, y)
					if ok && !layers(box, r, c, p, yield) {
						return false
					}
				}
			}
		}
	}
	return true
}
