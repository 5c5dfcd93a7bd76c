package j2kcodec

import (
	"context"
	"errors"
	"image"
	"log/slog"
	"runtime"
	"slices"

	"github.com/ajroetker/go-highway/hwy/contrib/workerpool"
	"golang.org/x/sync/errgroup"
)

// DecodeOptions controls progressive decoding behavior.
// This allows partial decoding for faster preview or reduced memory usage.
type DecodeOptions struct {
	// MaxLayers limits the number of quality layers to decode.
	// 0 means decode all layers (full quality).
	MaxLayers int

	// Reduce discards the Reduce highest resolution levels of every
	// component. Their subbands are left zero.
	Reduce int

	// Region restricts decoding to precincts that intersect this
	// rectangle on the reference grid. The zero rectangle means the
	// whole tile.
	Region image.Rectangle

	// BestEffort keeps what was decoded before an error: the tile is
	// returned flagged Incomplete alongside the error. In strict mode
	// (the default) the first error aborts the tile.
	BestEffort bool

	// Midpoint reconstructs truncated coefficients at the middle of
	// their uncertainty interval.
	Midpoint bool

	// Workers and Executor configure Tier-1 as in EncodeOptions.
	Workers  int
	Executor workerpool.Executor

	// Logger receives per-tile and per-packet records (default: discard).
	Logger *slog.Logger

	// Trace records a PacketTrace per parsed packet on Tile.Trace.
	Trace bool
}

// TileInput is the compressed data of one tile as delivered by the
// container layer.
type TileInput struct {
	Index  int
	Bounds image.Rectangle
	Parts  []TilePart
}

// Decoder decodes tile-parts back into subband coefficients. It is safe
// for concurrent use.
type Decoder struct {
	params *CodingParams
	opts   DecodeOptions
	log    *slog.Logger
	t1     *tier1
	close  func()
}

// NewDecoder validates params and opts and creates a decoder. Call Close
// to release the worker pool.
func NewDecoder(params *CodingParams, opts *DecodeOptions) (*Decoder, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if opts == nil {
		opts = &DecodeOptions{}
	}
	d := &Decoder{params: params, opts: *opts}
	if d.opts.MaxLayers < 0 {
		return nil, paramErrorf("new decoder", "max layers %d", d.opts.MaxLayers)
	}
	if d.opts.MaxLayers == 0 || d.opts.MaxLayers > params.NumLayers {
		d.opts.MaxLayers = params.NumLayers
	}
	for c := range params.Components {
		if nr := params.Components[c].NumResolutions; d.opts.Reduce < 0 || d.opts.Reduce >= nr {
			return nil, paramErrorf("new decoder", "reduce %d with %d resolutions in component %d", d.opts.Reduce, nr, c)
		}
	}
	d.log = loggerOrDiscard(d.opts.Logger)
	exec, closer := newExecutor(d.opts.Executor, d.opts.Workers)
	d.t1 = newTier1(exec)
	d.close = closer
	return d, nil
}

// Close releases the worker pool the decoder created.
func (d *Decoder) Close() {
	if d.close != nil {
		d.close()
		d.close = nil
	}
}

// DecodeTile parses the packets of one tile and decodes its code-blocks
// into the subband buffers of the returned tile.
//
// In strict mode any error returns a nil tile. In best-effort mode a
// Tier-2 error keeps every contribution read before it (dropping the
// failing resolution and those above it when the packet was malformed),
// and the tile is returned with Incomplete set together with the error.
func (d *Decoder) DecodeTile(ctx context.Context, index int, bounds image.Rectangle, parts []TilePart) (*Tile, error) {
	t, err := NewTile(d.params, index, bounds)
	if err != nil {
		return nil, err
	}
	data, err := assembleTileParts(index, parts)
	if err != nil {
		return nil, scopeError(err, index, -1, -1)
	}

	t2err := d.readPackets(ctx, t, data)
	if t2err != nil {
		if !d.opts.BestEffort {
			return nil, t2err
		}
		d.dropAfterError(t, t2err)
		t.Incomplete = true
	}

	blocks := t.CodeBlocks()
	if err := d.t1.decodeBlocks(ctx, blocks, d.opts.Midpoint); err != nil {
		err = scopeError(err, index, -1, -1)
		if !d.opts.BestEffort || ctx.Err() != nil {
			return nil, err
		}
		t.Incomplete = true
		t2err = errors.Join(t2err, err)
	}

	if t.Incomplete {
		d.log.WarnContext(ctx, "tile incomplete", "tile", index, "err", t2err)
		return t, t2err
	}
	d.log.InfoContext(ctx, "tile decoded", "tile", index, "bytes", len(data), "blocks", len(blocks))
	return t, nil
}

// readPackets parses the tile's packet stream, stopping after the last
// packet the options ask for.
func (d *Decoder) readPackets(ctx context.Context, t *Tile, data []byte) error {
	ids := slices.Collect(NewPacketIterator(t).All())
	last := -1
	for i, id := range ids {
		if d.wanted(t, id) {
			last = i
		}
	}

	pr := newPacketReader(t)
	debug := d.log.Enabled(ctx, slog.LevelDebug)
	pos := 0
	for _, id := range ids[:last+1] {
		if err := ctx.Err(); err != nil {
			return err
		}
		next, tr, err := pr.decodePacket(data, pos, id, d.wanted(t, id))
		if err != nil {
			return scopeError(err, t.Index, id.Component, id.Resolution)
		}
		pos = next
		if d.opts.Trace {
			t.Trace = append(t.Trace, tr)
		}
		if debug {
			d.log.DebugContext(ctx, "packet",
				"tile", t.Index, "layer", id.Layer, "resolution", id.Resolution,
				"component", id.Component, "precinct", id.Precinct,
				"header", tr.HeaderBytes, "body", tr.BodyBytes)
		}
	}
	return nil
}

// wanted reports whether the body of packet id is needed.
func (d *Decoder) wanted(t *Tile, id PacketID) bool {
	if id.Layer >= d.opts.MaxLayers {
		return false
	}
	tc := t.Components[id.Component]
	if id.Resolution >= len(tc.Resolutions)-d.opts.Reduce {
		return false
	}
	if d.opts.Region.Empty() {
		return true
	}
	level := len(tc.Resolutions) - 1 - id.Resolution
	region := d.opts.Region
	r := image.Rect(
		ceilDiv(ceilDiv(region.Min.X, tc.DX), 1<<level), ceilDiv(ceilDiv(region.Min.Y, tc.DY), 1<<level),
		ceilDiv(ceilDiv(region.Max.X, tc.DX), 1<<level), ceilDiv(ceilDiv(region.Max.Y, tc.DY), 1<<level))
	// Keep at least one sample so a small region still maps somewhere.
	if r.Dx() == 0 {
		r.Max.X++
	}
	if r.Dy() == 0 {
		r.Max.Y++
	}
	return t.precinct(id).Bounds.Overlaps(r)
}

// dropAfterError discards contributions that a malformed packet makes
// unreliable: every block of the failing resolution and above in the
// failing component.
func (d *Decoder) dropAfterError(t *Tile, err error) {
	var ce *CodecError
	if !errors.As(err, &ce) || ce.Kind != KindMalformed || ce.Component < 0 || ce.Resolution < 0 {
		return
	}
	tc := t.Components[ce.Component]
	for _, res := range tc.Resolutions[ce.Resolution:] {
		for _, prc := range res.Precincts {
			for _, pb := range prc.Bands {
				for _, b := range pb.Blocks {
					b.Data = nil
					b.passes = 0
					b.LayerPasses = nil
				}
			}
		}
	}
}

// assembleTileParts validates the tile-parts of tile index and
// concatenates their data.
func assembleTileParts(index int, parts []TilePart) ([]byte, error) {
	if len(parts) == 0 {
		return nil, truncatedf("assemble tile", "no tile-parts")
	}
	size := 0
	for i, p := range parts {
		switch {
		case p.Tile != index:
			return nil, malformedf("assemble tile", "part %d belongs to tile %d", i, p.Tile)
		case p.Part != i:
			return nil, malformedf("assemble tile", "part %d out of sequence at position %d", p.Part, i)
		case p.Length < 0:
			return nil, malformedf("assemble tile", "part %d length %d", i, p.Length)
		case p.Length > len(p.Data):
			return nil, truncatedf("assemble tile", "part %d declares %d bytes, %d present", i, p.Length, len(p.Data))
		}
		size += p.Length
	}
	if len(parts) == 1 {
		return parts[0].Data[:parts[0].Length], nil
	}
	data := make([]byte, 0, size)
	for _, p := range parts {
		data = append(data, p.Data[:p.Length]...)
	}
	return data, nil
}

// DecodeTiles decodes several tiles concurrently and returns them in
// input order.
//
// In strict mode the first failure cancels the remaining tiles and only
// the error is returned. In best-effort mode every tile is attempted and
// the result holds the tiles that decoded completely up to the first
// failing one, together with that tile's error.
func (d *Decoder) DecodeTiles(ctx context.Context, tiles []TileInput) ([]*Tile, error) {
	out := make([]*Tile, len(tiles))
	limit := runtime.GOMAXPROCS(0)

	if !d.opts.BestEffort {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(limit)
		for i, in := range tiles {
			g.Go(func() error {
				t, err := d.DecodeTile(gctx, in.Index, in.Bounds, in.Parts)
				if err != nil {
					return err
				}
				out[i] = t
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
		return out, nil
	}

	errs := make([]error, len(tiles))
	var g errgroup.Group
	g.SetLimit(limit)
	for i, in := range tiles {
		g.Go(func() error {
			out[i], errs[i] = d.DecodeTile(ctx, in.Index, in.Bounds, in.Parts)
			return nil
		})
	}
	_ = g.Wait()

	for i, err := range errs {
		if err != nil {
			d.log.WarnContext(ctx, "tiles decoded before failure", "decoded", i, "total", len(tiles))
			return out[:i], err
		}
	}
	return out, nil
}
