package j2kcodec

import (
	"fmt"
	"math/bits"
)

// CodeBlockStyle holds the code-block style flags of the COD/COC
// segments (ITU-T T.800 Table A.19).
type CodeBlockStyle uint8

const (
	StyleBypass                 CodeBlockStyle = 1 << iota // selective arithmetic coding bypass
	StyleReset                                             // reset contexts after each pass
	StyleTermAll                                           // terminate after each pass
	StyleVerticalCausal                                    // vertically causal context
	StylePredictableTermination                            // predictable termination
	StyleSegmentationSymbols                               // segmentation symbol after each cleanup pass
)

// supportedStyles are the style flags both coders implement.
const supportedStyles = StyleReset | StyleSegmentationSymbols

// ProgressionOrder is the packet progression order (Table A.16).
type ProgressionOrder uint8

const (
	LRCP ProgressionOrder = iota // layer, resolution, component, position
	RLCP                         // resolution, layer, component, position
	RPCL                         // resolution, position, component, layer
	PCRL                         // position, component, resolution, layer
	CPRL                         // component, position, resolution, layer
)

var progressionNames = [...]string{"LRCP", "RLCP", "RPCL", "PCRL", "CPRL"}

func (o ProgressionOrder) String() string {
	if int(o) < len(progressionNames) {
		return progressionNames[o]
	}
	return fmt.Sprintf("ProgressionOrder(%d)", int(o))
}

// ParseProgressionOrder maps a name such as "RPCL" to its order.
func ParseProgressionOrder(s string) (ProgressionOrder, error) {
	for i, name := range progressionNames {
		if name == s {
			return ProgressionOrder(i), nil
		}
	}
	return 0, paramErrorf("progression order", "unknown order %q", s)
}

// PrecinctSize is a precinct size in samples of its resolution level.
// Both dimensions must be powers of two.
type PrecinctSize struct {
	Width, Height int
}

// ProgressionChange restricts a progression order to a range of
// resolutions, components and layers (the POC marker). Ends are
// exclusive.
type ProgressionChange struct {
	ResStart, CompStart int
	LayerEnd            int
	ResEnd, CompEnd     int
	Order               ProgressionOrder
}

// ComponentParams holds the tile-component coding parameters.
type ComponentParams struct {
	// DX and DY are the component subsampling factors (default 1).
	DX, DY int

	// NumResolutions = number of decomposition levels + 1.
	NumResolutions int

	// CodeBlockWidth and CodeBlockHeight are nominal code-block dimensions
	// (default 64x64). Powers of two from 4 to 1024, area at most 4096.
	CodeBlockWidth  int
	CodeBlockHeight int

	// Precincts gives the precinct size per resolution, lowest first. A
	// shorter list repeats its last entry. Empty means maximal precincts
	// (2^15 x 2^15).
	Precincts []PrecinctSize

	// MagnitudeBits is the declared bit depth Mb of each subband, in
	// quantization order: LL, then HL, LH, HH of each resolution. A
	// single entry applies to every subband.
	MagnitudeBits []int

	// StepSizes are the quantization steps in the same order. Optional;
	// carried on each Subband for the dequantization stage.
	StepSizes []float64

	Style CodeBlockStyle
}

// CodingParams are the tile coding parameters supplied by the marker
// layer.
type CodingParams struct {
	Components []ComponentParams
	NumLayers  int
	Order      ProgressionOrder

	// Changes, when present, replace Order with a sequence of
	// progressions. Only packets they cover are produced.
	Changes []ProgressionChange

	// UseSOP and UseEPH insert start-of-packet and end-of-packet-header
	// markers.
	UseSOP bool
	UseEPH bool
}

const (
	maxComponents    = 16384
	maxLayers        = 65535
	maxResolutions   = 33
	maxPrecinctExp   = 15
	minCodeBlockExp  = 2
	maxCodeBlockExp  = 10
	maxCodeBlockArea = 12 // exponent sum
	defaultCodeBlock = 64
	maxSubsampling   = 255
)

// Validate checks the parameters. It is called before any tile buffer is
// allocated.
func (p *CodingParams) Validate() error {
	if len(p.Components) == 0 || len(p.Components) > maxComponents {
		return paramErrorf("validate", "%d components", len(p.Components))
	}
	if p.NumLayers < 1 || p.NumLayers > maxLayers {
		return paramErrorf("validate", "%d layers", p.NumLayers)
	}
	if int(p.Order) >= len(progressionNames) {
		return paramErrorf("validate", "progression order %d", p.Order)
	}
	for c := range p.Components {
		if err := p.Components[c].validate(); err != nil {
			return scopeError(err, -1, c, -1)
		}
	}
	for i, ch := range p.Changes {
		if int(ch.Order) >= len(progressionNames) ||
			ch.ResStart < 0 || ch.ResEnd <= ch.ResStart || ch.ResEnd > maxResolutions ||
			ch.CompStart < 0 || ch.CompEnd <= ch.CompStart || ch.CompEnd > maxComponents ||
			ch.LayerEnd < 1 || ch.LayerEnd > maxLayers {
			return paramErrorf("validate", "progression change %d: %+v", i, ch)
		}
	}
	return nil
}

func (c *ComponentParams) validate() error {
	if c.DX < 0 || c.DY < 0 || c.DX > maxSubsampling || c.DY > maxSubsampling {
		return paramErrorf("validate", "subsampling %dx%d", c.DX, c.DY)
	}
	if c.NumResolutions < 1 || c.NumResolutions > maxResolutions {
		return paramErrorf("validate", "%d resolutions", c.NumResolutions)
	}
	xcb, err := exponent(c.codeBlockWidth(), minCodeBlockExp, maxCodeBlockExp)
	if err != nil {
		return paramErrorf("validate", "code-block width: %v", err)
	}
	ycb, err := exponent(c.codeBlockHeight(), minCodeBlockExp, maxCodeBlockExp)
	if err != nil {
		return paramErrorf("validate", "code-block height: %v", err)
	}
	if xcb+ycb > maxCodeBlockArea {
		return paramErrorf("validate", "code-block %dx%d exceeds 4096 samples", c.codeBlockWidth(), c.codeBlockHeight())
	}
	// The last entry also applies to every higher resolution.
	for r := 0; len(c.Precincts) > 0 && r < max(len(c.Precincts), c.NumResolutions); r++ {
		ps := c.Precincts[min(r, len(c.Precincts)-1)]
		minExp := 1
		if r == 0 {
			minExp = 0
		}
		if _, err := exponent(ps.Width, minExp, maxPrecinctExp); err != nil {
			return paramErrorf("validate", "precinct width at resolution %d: %v", r, err)
		}
		if _, err := exponent(ps.Height, minExp, maxPrecinctExp); err != nil {
			return paramErrorf("validate", "precinct height at resolution %d: %v", r, err)
		}
	}
	numBands := 3*c.NumResolutions - 2
	if n := len(c.MagnitudeBits); n != 1 && n != numBands {
		return paramErrorf("validate", "%d magnitude bit entries for %d subbands", n, numBands)
	}
	for i, mb := range c.MagnitudeBits {
		if mb < 1 || mb > maxMagnitudeBits {
			return paramErrorf("validate", "subband %d magnitude bits %d outside [1,%d]", i, mb, maxMagnitudeBits)
		}
	}
	if n := len(c.StepSizes); n != 0 && n != 1 && n != numBands {
		return paramErrorf("validate", "%d step sizes for %d subbands", n, numBands)
	}
	if c.Style&^supportedStyles != 0 {
		return paramErrorf("validate", "unsupported code-block style %#02x", uint8(c.Style&^supportedStyles))
	}
	return nil
}

// exponent returns log2(v) for a power of two v within [2^lo, 2^hi].
func exponent(v, lo, hi int) (int, error) {
	if v <= 0 || v&(v-1) != 0 {
		return 0, fmt.Errorf("%d is not a power of two", v)
	}
	e := bits.TrailingZeros(uint(v))
	if e < lo || e > hi {
		return 0, fmt.Errorf("%d outside [%d,%d]", v, 1<<lo, 1<<hi)
	}
	return e, nil
}

func (c *ComponentParams) dx() int { return defaultInt(c.DX, 1) }
func (c *ComponentParams) dy() int { return defaultInt(c.DY, 1) }

func (c *ComponentParams) codeBlockWidth() int  { return defaultInt(c.CodeBlockWidth, defaultCodeBlock) }
func (c *ComponentParams) codeBlockHeight() int { return defaultInt(c.CodeBlockHeight, defaultCodeBlock) }

// precinctExps returns the precinct exponents (PPx, PPy) of resolution r.
func (c *ComponentParams) precinctExps(r int) (int, int) {
	if len(c.Precincts) == 0 {
		return maxPrecinctExp, maxPrecinctExp
	}
	ps := c.Precincts[min(r, len(c.Precincts)-1)]
	return bits.TrailingZeros(uint(ps.Width)), bits.TrailingZeros(uint(ps.Height))
}

// bandIndex is the quantization-order index of a subband.
func bandIndex(r int, band SubbandType) int {
	if r == 0 {
		return 0
	}
	return 1 + 3*(r-1) + int(band) - 1
}

func (c *ComponentParams) magnitudeBits(r int, band SubbandType) int {
	if len(c.MagnitudeBits) == 1 {
		return c.MagnitudeBits[0]
	}
	return c.MagnitudeBits[bandIndex(r, band)]
}

func (c *ComponentParams) stepSize(r int, band SubbandType) float64 {
	switch len(c.StepSizes) {
	case 0:
		return 1
	case 1:
		return c.StepSizes[0]
	}
	return c.StepSizes[bandIndex(r, band)]
}

func defaultInt(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}
