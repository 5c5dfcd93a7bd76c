package j2kcodec

import (
	"context"
	"log/slog"
	"runtime"

	"github.com/ajroetker/go-highway/hwy/contrib/workerpool"
)

// TilePartSplit selects where the encoder starts a new tile-part.
type TilePartSplit uint8

const (
	SplitNone       TilePartSplit = iota // one tile-part per tile
	SplitLayer                           // new tile-part when the layer changes
	SplitResolution                      // new tile-part when the resolution changes
)

// maxTileParts is the number of tile-parts a tile may have (TPsot).
const maxTileParts = 255

// EncodeOptions controls tile encoding.
type EncodeOptions struct {
	// Workers bounds Tier-1 parallelism when Executor is nil.
	// 0 uses GOMAXPROCS, 1 codes blocks on the calling goroutine.
	Workers int

	// Executor is a caller-owned pool for Tier-1. It is not closed by
	// the encoder.
	Executor workerpool.Executor

	// Logger receives per-tile and per-packet records (default: discard).
	Logger *slog.Logger

	// Allocator forms the quality layers (default: SingleLayer).
	Allocator LayerAllocator

	// TilePartSplit selects tile-part boundaries (default: SplitNone).
	TilePartSplit TilePartSplit

	// Trace records a PacketTrace per packet on Tile.Trace.
	Trace bool
}

// TilePart is a contiguous fragment of one tile's packet stream, as
// carried between SOT/SOD and the next marker by the container layer.
type TilePart struct {
	Tile   int
	Part   int
	Length int // declared length of Data
	Data   []byte
}

// Encoder codes tiles into tile-parts. Tiles may be encoded from several
// goroutines; Tier-1 batches share the encoder's pool.
type Encoder struct {
	params *CodingParams
	opts   EncodeOptions
	log    *slog.Logger
	t1     *tier1
	close  func()
}

// NewEncoder validates params and creates an encoder. Call Close to
// release the worker pool.
func NewEncoder(params *CodingParams, opts *EncodeOptions) (*Encoder, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if opts == nil {
		opts = &EncodeOptions{}
	}
	e := &Encoder{params: params, opts: *opts}
	if e.opts.Allocator == nil {
		e.opts.Allocator = SingleLayer{}
	}
	if e.opts.TilePartSplit > SplitResolution {
		return nil, paramErrorf("new encoder", "tile-part split %d", e.opts.TilePartSplit)
	}
	e.log = loggerOrDiscard(e.opts.Logger)
	exec, closer := newExecutor(e.opts.Executor, e.opts.Workers)
	e.t1 = newTier1(exec)
	e.close = closer
	return e, nil
}

// Close releases the worker pool the encoder created.
func (e *Encoder) Close() {
	if e.close != nil {
		e.close()
		e.close = nil
	}
}

// EncodeTile codes the coefficients of t, forms layers and assembles the
// packet stream. The tile must have been created from the encoder's
// parameters. Code-block state (segments, checkpoints, LayerPasses) is
// left on the tile for inspection.
func (e *Encoder) EncodeTile(ctx context.Context, t *Tile) ([]TilePart, error) {
	if t == nil || t.params != e.params {
		return nil, paramErrorf("encode tile", "tile was not created from the encoder's parameters")
	}
	blocks := t.CodeBlocks()
	if err := e.t1.encodeBlocks(ctx, blocks); err != nil {
		return nil, scopeError(err, t.Index, -1, -1)
	}
	if err := e.opts.Allocator.Allocate(blocks, e.params.NumLayers); err != nil {
		return nil, scopeError(err, t.Index, -1, -1)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	pw := newPacketWriter(t)
	if err := pw.prepare(); err != nil {
		return nil, scopeError(err, t.Index, -1, -1)
	}
	t.Trace = nil

	var parts []TilePart
	var cur []byte
	key, packets := -1, 0
	debug := e.log.Enabled(ctx, slog.LevelDebug)
	for id := range NewPacketIterator(t).All() {
		if k := e.splitKey(id); k != key {
			if key >= 0 {
				parts = append(parts, TilePart{Tile: t.Index, Part: len(parts), Length: len(cur), Data: cur})
				cur = nil
			}
			key = k
		}
		var tr PacketTrace
		var err error
		cur, tr, err = pw.encodePacket(cur, id)
		if err != nil {
			return nil, scopeError(err, t.Index, id.Component, id.Resolution)
		}
		packets++
		if e.opts.Trace {
			t.Trace = append(t.Trace, tr)
		}
		if debug {
			e.log.DebugContext(ctx, "packet",
				"tile", t.Index, "layer", id.Layer, "resolution", id.Resolution,
				"component", id.Component, "precinct", id.Precinct,
				"header", tr.HeaderBytes, "body", tr.BodyBytes)
		}
	}
	parts = append(parts, TilePart{Tile: t.Index, Part: len(parts), Length: len(cur), Data: cur})
	if len(parts) > maxTileParts {
		return nil, scopeError(paramErrorf("encode tile", "%d tile-parts", len(parts)), t.Index, -1, -1)
	}

	total := 0
	for _, p := range parts {
		total += p.Length
	}
	e.log.InfoContext(ctx, "tile encoded",
		"tile", t.Index, "packets", packets, "bytes", total,
		"parts", len(parts), "blocks", len(blocks))
	return parts, nil
}

// splitKey returns the value whose change starts a new tile-part.
func (e *Encoder) splitKey(id PacketID) int {
	switch e.opts.TilePartSplit {
	case SplitLayer:
		return id.Layer
	case SplitResolution:
		return id.Resolution
	}
	return 0
}

// newExecutor returns the Tier-1 executor for the given options and the
// function that releases it. A nil executor means sequential coding.
func newExecutor(exec workerpool.Executor, workers int) (workerpool.Executor, func()) {
	if exec != nil {
		return exec, nil
	}
	if workers == 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	if workers <= 1 {
		return nil, nil
	}
	pool := workerpool.New(workers)
	return pool, func() { pool.Close() }
}

func loggerOrDiscard(l *slog.Logger) *slog.Logger {
	if l != nil {
		return l
	}
	return slog.New(slog.DiscardHandler)
}
