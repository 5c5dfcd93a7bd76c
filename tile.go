package j2kcodec

import (
	"image"

	"github.com/samber/lo"
)

// Tile geometry (ITU-T T.800 B.2 - B.7)
//
// A tile is split per component into resolution levels, each resolution
// into subbands, and each resolution into a grid of precincts. Within a
// precinct every subband contributes a grid of code-blocks; code-blocks
// partition precincts exactly, so every code-block belongs to one
// precinct, subband, resolution and tile.
//
// Coordinates:
//   - Tile.Bounds is on the reference grid.
//   - TileComponent.Bounds is ceil(tile / subsampling).
//   - Resolution.Bounds and Precinct.Bounds are in resolution coordinates.
//   - Subband.Bounds and CodeBlock.Bounds are in subband coordinates.

// Tile holds the geometry and coefficient buffers of one tile.
type Tile struct {
	Index      int
	Bounds     image.Rectangle
	Components []*TileComponent

	// Incomplete is set when a best-effort decode stopped early.
	Incomplete bool

	// Trace holds one record per packet when tracing is enabled.
	Trace []PacketTrace

	params *CodingParams
}

// TileComponent is one component of a tile.
type TileComponent struct {
	Index       int
	Bounds      image.Rectangle
	DX, DY      int
	Resolutions []*Resolution
}

// Resolution is one resolution level of a tile-component; level 0 holds
// only the LL subband.
type Resolution struct {
	Level             int
	Bounds            image.Rectangle
	PrecinctWidthExp  int
	PrecinctHeightExp int
	PrecinctsWide     int
	PrecinctsHigh     int
	Subbands          []*Subband
	Precincts         []*Precinct

	// Index of the first precinct on the 2^PPx x 2^PPy grid.
	prcX0, prcY0 int
}

// Subband is one oriented subband and its coefficients, stored row-major.
type Subband struct {
	Type          SubbandType
	Component     int
	Resolution    int
	Bounds        image.Rectangle
	MagnitudeBits int
	Step          float64
	Coefficients  []int32

	style CodeBlockStyle
}

// Width returns the subband width.
func (s *Subband) Width() int { return s.Bounds.Dx() }

// Height returns the subband height.
func (s *Subband) Height() int { return s.Bounds.Dy() }

// At returns the coefficient at subband-relative position (x, y).
func (s *Subband) At(x, y int) int32 {
	return s.Coefficients[y*s.Width()+x]
}

// Precinct groups the code-blocks of one spatial partition of a
// resolution.
type Precinct struct {
	Index  int
	Bounds image.Rectangle
	Bands  []*PrecinctBand
}

// PrecinctBand is the code-block grid one subband contributes to a
// precinct, with its inclusion and zero bit-plane tag trees.
type PrecinctBand struct {
	Subband    *Subband
	BlocksWide int
	BlocksHigh int
	Blocks     []*CodeBlock

	inclusion     *tagTree
	zeroBitPlanes *tagTree
}

// CodeBlock is the unit of Tier-1 coding.
type CodeBlock struct {
	Bounds image.Rectangle

	// Included is set once the block has contributed to a packet.
	Included      bool
	ZeroBitPlanes int
	NumBitPlanes  int

	// LayerPasses holds the passes newly included in each layer.
	LayerPasses []int

	// Checkpoints are the truncation points produced by the encoder.
	Checkpoints []Checkpoint

	// Data is the encoded segment, or on decode the bytes collected from
	// packet bodies.
	Data []byte

	band    *Subband
	lblock  int
	passes  int  // passes carried by packets so far
	skipped bool // a contribution was dropped by partial decoding
}

// Subband returns the subband the block belongs to.
func (b *CodeBlock) Subband() *Subband { return b.band }

// Passes returns the number of passes received (decode) or written
// (encode) by packets so far.
func (b *CodeBlock) Passes() int { return b.passes }

// segmentEnd returns the number of segment bytes covering the first
// passes passes.
func (b *CodeBlock) segmentEnd(passes int) int {
	if passes == 0 {
		return 0
	}
	return b.Checkpoints[passes-1].Length
}

// NewTile validates params and builds the geometry of the tile at bounds
// on the reference grid. Coefficient buffers are allocated zeroed.
func NewTile(params *CodingParams, index int, bounds image.Rectangle) (*Tile, error) {
	if err := params.Validate(); err != nil {
		return nil, scopeError(err, index, -1, -1)
	}
	if bounds.Empty() || bounds.Min.X < 0 || bounds.Min.Y < 0 {
		return nil, scopeError(paramErrorf("new tile", "bounds %v", bounds), index, -1, -1)
	}
	if err := checkTileSize(params, bounds); err != nil {
		return nil, scopeError(err, index, -1, -1)
	}

	t := &Tile{Index: index, Bounds: bounds, params: params}
	for c := range params.Components {
		tc, err := newTileComponent(&params.Components[c], c, bounds)
		if err != nil {
			return nil, scopeError(err, index, c, -1)
		}
		t.Components = append(t.Components, tc)
	}
	return t, nil
}

// Sanity limits on a tile, checked before any buffer is allocated.
const (
	maxTileSamples   = 1 << 26 // coefficients over all components
	maxTilePrecincts = 1 << 20
	maxTilePackets   = 1 << 26 // precincts times layers
)

// checkTileSize rejects tiles whose coefficient buffers or precinct
// grids would exceed the sanity limits.
func checkTileSize(params *CodingParams, bounds image.Rectangle) error {
	samples, precincts := 0, 0
	for c := range params.Components {
		cp := &params.Components[c]
		dx, dy := cp.dx(), cp.dy()
		tcb := image.Rect(
			ceilDiv(bounds.Min.X, dx), ceilDiv(bounds.Min.Y, dy),
			ceilDiv(bounds.Max.X, dx), ceilDiv(bounds.Max.Y, dy))
		w, h := tcb.Dx(), tcb.Dy()
		if w > maxTileSamples || h > maxTileSamples || w*h > maxTileSamples-samples {
			return paramErrorf("new tile", "bounds %v exceed %d samples", bounds, maxTileSamples)
		}
		samples += w * h

		for r := range cp.NumResolutions {
			rb := scaleRect(tcb, cp.NumResolutions-1-r)
			if rb.Empty() {
				continue
			}
			ppx, ppy := cp.precinctExps(r)
			wide := ceilDiv(rb.Max.X, 1<<ppx) - floorDiv(rb.Min.X, 1<<ppx)
			high := ceilDiv(rb.Max.Y, 1<<ppy) - floorDiv(rb.Min.Y, 1<<ppy)
			precincts += wide * high
			if precincts > maxTilePrecincts {
				return paramErrorf("new tile", "more than %d precincts", maxTilePrecincts)
			}
		}
	}
	if precincts*params.NumLayers > maxTilePackets {
		return paramErrorf("new tile", "%d precincts over %d layers exceed %d packets", precincts, params.NumLayers, maxTilePackets)
	}
	return nil
}

func newTileComponent(cp *ComponentParams, index int, tb image.Rectangle) (*TileComponent, error) {
	dx, dy := cp.dx(), cp.dy()
	tc := &TileComponent{
		Index: index,
		DX:    dx,
		DY:    dy,
		Bounds: image.Rect(
			ceilDiv(tb.Min.X, dx), ceilDiv(tb.Min.Y, dy),
			ceilDiv(tb.Max.X, dx), ceilDiv(tb.Max.Y, dy)),
	}
	numRes := cp.NumResolutions
	for r := range numRes {
		res, err := newResolution(cp, index, r, tc.Bounds)
		if err != nil {
			return nil, scopeError(err, -1, -1, r)
		}
		tc.Resolutions = append(tc.Resolutions, res)
	}
	return tc, nil
}

func newResolution(cp *ComponentParams, comp, r int, tcb image.Rectangle) (*Resolution, error) {
	numRes := cp.NumResolutions
	level := numRes - 1 - r
	res := &Resolution{
		Level:  r,
		Bounds: scaleRect(tcb, level),
	}
	res.PrecinctWidthExp, res.PrecinctHeightExp = cp.precinctExps(r)
	ppx, ppy := res.PrecinctWidthExp, res.PrecinctHeightExp

	rb := res.Bounds
	res.prcX0 = floorDiv(rb.Min.X, 1<<ppx)
	res.prcY0 = floorDiv(rb.Min.Y, 1<<ppy)
	if rb.Dx() > 0 {
		res.PrecinctsWide = ceilDiv(rb.Max.X, 1<<ppx) - res.prcX0
	}
	if rb.Dy() > 0 {
		res.PrecinctsHigh = ceilDiv(rb.Max.Y, 1<<ppy) - res.prcY0
	}

	types := []SubbandType{SubbandLL}
	if r > 0 {
		types = []SubbandType{SubbandHL, SubbandLH, SubbandHH}
	}
	for _, typ := range types {
		sb := &Subband{
			Type:          typ,
			Component:     comp,
			Resolution:    r,
			Bounds:        subbandRect(tcb, numRes, r, typ),
			MagnitudeBits: cp.magnitudeBits(r, typ),
			Step:          cp.stepSize(r, typ),
			style:         cp.Style,
		}
		sb.Coefficients = make([]int32, sb.Width()*sb.Height())
		res.Subbands = append(res.Subbands, sb)
	}

	// Precinct and code-block exponents in subband coordinates.
	cbgX, cbgY := ppx, ppy
	if r > 0 {
		cbgX, cbgY = ppx-1, ppy-1
	}
	xcb := min(exponentOf(cp.codeBlockWidth()), cbgX)
	ycb := min(exponentOf(cp.codeBlockHeight()), cbgY)

	numPrecincts := res.PrecinctsWide * res.PrecinctsHigh
	res.Precincts = make([]*Precinct, numPrecincts)
	for p := range numPrecincts {
		px := res.prcX0 + p%res.PrecinctsWide
		py := res.prcY0 + p/res.PrecinctsWide
		prc := &Precinct{
			Index: p,
			Bounds: image.Rect(px<<ppx, py<<ppy, (px+1)<<ppx, (py+1)<<ppy).
				Intersect(rb),
		}
		for _, sb := range res.Subbands {
			region := image.Rect(px<<cbgX, py<<cbgY, (px+1)<<cbgX, (py+1)<<cbgY).
				Intersect(sb.Bounds)
			pb, err := newPrecinctBand(sb, region, xcb, ycb)
			if err != nil {
				return nil, err
			}
			prc.Bands = append(prc.Bands, pb)
		}
		res.Precincts[p] = prc
	}
	return res, nil
}

func newPrecinctBand(sb *Subband, region image.Rectangle, xcb, ycb int) (*PrecinctBand, error) {
	pb := &PrecinctBand{Subband: sb}
	if region.Empty() {
		return pb, nil
	}
	cx0 := floorDiv(region.Min.X, 1<<xcb)
	cy0 := floorDiv(region.Min.Y, 1<<ycb)
	pb.BlocksWide = ceilDiv(region.Max.X, 1<<xcb) - cx0
	pb.BlocksHigh = ceilDiv(region.Max.Y, 1<<ycb) - cy0

	var err error
	if pb.inclusion, err = newTagTree(pb.BlocksWide, pb.BlocksHigh); err != nil {
		return nil, err
	}
	if pb.zeroBitPlanes, err = newTagTree(pb.BlocksWide, pb.BlocksHigh); err != nil {
		return nil, err
	}

	pb.Blocks = make([]*CodeBlock, 0, pb.BlocksWide*pb.BlocksHigh)
	for cy := cy0; cy < cy0+pb.BlocksHigh; cy++ {
		for cx := cx0; cx < cx0+pb.BlocksWide; cx++ {
			b := image.Rect(cx<<xcb, cy<<ycb, (cx+1)<<xcb, (cy+1)<<ycb).Intersect(region)
			pb.Blocks = append(pb.Blocks, &CodeBlock{Bounds: b, band: sb, lblock: initialLblock})
		}
	}
	return pb, nil
}

// subbandRect implements equation B-15 for subband typ of resolution r.
func subbandRect(tcb image.Rectangle, numRes, r int, typ SubbandType) image.Rectangle {
	if r == 0 {
		return scaleRect(tcb, numRes-1)
	}
	nb := numRes - r
	var xo, yo int
	if typ == SubbandHL || typ == SubbandHH {
		xo = 1 << (nb - 1)
	}
	if typ == SubbandLH || typ == SubbandHH {
		yo = 1 << (nb - 1)
	}
	return image.Rect(
		ceilDiv(tcb.Min.X-xo, 1<<nb), ceilDiv(tcb.Min.Y-yo, 1<<nb),
		ceilDiv(tcb.Max.X-xo, 1<<nb), ceilDiv(tcb.Max.Y-yo, 1<<nb))
}

// scaleRect divides every coordinate by 2^level, rounding up.
func scaleRect(r image.Rectangle, level int) image.Rectangle {
	d := 1 << level
	return image.Rect(ceilDiv(r.Min.X, d), ceilDiv(r.Min.Y, d), ceilDiv(r.Max.X, d), ceilDiv(r.Max.Y, d))
}

// Subband returns subband typ of resolution r of component c, or nil.
func (t *Tile) Subband(c, r int, typ SubbandType) *Subband {
	if c < 0 || c >= len(t.Components) {
		return nil
	}
	tc := t.Components[c]
	if r < 0 || r >= len(tc.Resolutions) {
		return nil
	}
	sb, ok := lo.Find(tc.Resolutions[r].Subbands, func(sb *Subband) bool { return sb.Type == typ })
	if !ok {
		return nil
	}
	return sb
}

// SetSubband copies coeffs, row-major, into a subband.
func (t *Tile) SetSubband(c, r int, typ SubbandType, coeffs []int32) error {
	sb := t.Subband(c, r, typ)
	if sb == nil {
		return paramErrorf("set subband", "no %v subband at component %d resolution %d", typ, c, r)
	}
	if len(coeffs) != len(sb.Coefficients) {
		return paramErrorf("set subband", "%d coefficients for a %dx%d subband", len(coeffs), sb.Width(), sb.Height())
	}
	copy(sb.Coefficients, coeffs)
	return nil
}

// CodeBlocks returns every code-block of the tile, ordered by component,
// resolution, precinct and subband.
func (t *Tile) CodeBlocks() []*CodeBlock {
	var blocks []*CodeBlock
	for _, tc := range t.Components {
		for _, res := range tc.Resolutions {
			for _, prc := range res.Precincts {
				for _, pb := range prc.Bands {
					blocks = append(blocks, pb.Blocks...)
				}
			}
		}
	}
	return blocks
}

// numPrecincts returns the precinct count of (c, r), 0 if the component
// has fewer resolutions.
func (t *Tile) numPrecincts(c, r int) int {
	tc := t.Components[c]
	if r >= len(tc.Resolutions) {
		return 0
	}
	return len(tc.Resolutions[r].Precincts)
}

// precinct returns the precinct a packet belongs to.
func (t *Tile) precinct(id PacketID) *Precinct {
	return t.Components[id.Component].Resolutions[id.Resolution].Precincts[id.Precinct]
}

// resetTier2 clears tag trees and per-block packet state.
func (t *Tile) resetTier2() {
	for _, tc := range t.Components {
		for _, res := range tc.Resolutions {
			for _, prc := range res.Precincts {
				for _, pb := range prc.Bands {
					if pb.inclusion != nil {
						pb.inclusion.Reset()
						pb.zeroBitPlanes.Reset()
					}
					for _, b := range pb.Blocks {
						b.Included = false
						b.lblock = initialLblock
						b.passes = 0
						b.skipped = false
					}
				}
			}
		}
	}
}

// floorDiv returns floor(a / b) for b > 0.
func floorDiv(a, b int) int {
	q := a / b
	if a%b != 0 && a < 0 {
		q--
	}
	return q
}

// ceilDiv returns ceil(a / b) for b > 0.
func ceilDiv(a, b int) int {
	return -floorDiv(-a, b)
}

// exponentOf returns log2 of a validated power of two.
func exponentOf(v int) int {
	e := 0
	for v > 1 {
		v >>= 1
		e++
	}
	return e
}
