// Command j2ktrace inspects the JPEG2000 coding core: packet orders,
// layered round trips on synthetic tiles, and the MQ coder test vector.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"image"
	"io"
	"log/slog"
	"math/rand/v2"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	j2kcodec "github.com/ajroetker/go-j2kcodec"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "j2ktrace:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "j2ktrace",
		Short:         "Trace JPEG2000 Tier-1/Tier-2 coding",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(orderCmd(), roundtripCmd(), mqCmd())
	return root
}

// geometry holds the flags shared by the tile commands.
type geometry struct {
	width, height int
	components    int
	dx, dy        int
	resolutions   int
	layers        int
	order         string
	precinct      int
	codeBlock     int
	magnitudeBits int
	sop, eph      bool
}

func (g *geometry) addFlags(fs *pflag.FlagSet) {
	fs.IntVar(&g.width, "width", 128, "tile width on the reference grid")
	fs.IntVar(&g.height, "height", 128, "tile height on the reference grid")
	fs.IntVar(&g.components, "components", 1, "number of components")
	fs.IntVar(&g.dx, "dx", 1, "horizontal subsampling of components after the first")
	fs.IntVar(&g.dy, "dy", 1, "vertical subsampling of components after the first")
	fs.IntVarP(&g.resolutions, "resolutions", "r", 3, "resolution levels per component")
	fs.IntVarP(&g.layers, "layers", "l", 1, "quality layers")
	fs.StringVarP(&g.order, "order", "o", "LRCP", "progression order (LRCP, RLCP, RPCL, PCRL, CPRL)")
	fs.IntVar(&g.precinct, "precinct", 0, "precinct size, a power of two (0 = maximal)")
	fs.IntVar(&g.codeBlock, "cblk", 32, "code-block size, a power of two")
	fs.IntVar(&g.magnitudeBits, "bits", 8, "magnitude bit-planes of every subband")
	fs.BoolVar(&g.sop, "sop", false, "insert SOP markers")
	fs.BoolVar(&g.eph, "eph", false, "insert EPH markers")
}

func (g *geometry) params() (*j2kcodec.CodingParams, error) {
	order, err := j2kcodec.ParseProgressionOrder(strings.ToUpper(g.order))
	if err != nil {
		return nil, err
	}
	p := &j2kcodec.CodingParams{
		NumLayers: g.layers,
		Order:     order,
		UseSOP:    g.sop,
		UseEPH:    g.eph,
	}
	for c := range g.components {
		cp := j2kcodec.ComponentParams{
			NumResolutions:  g.resolutions,
			CodeBlockWidth:  g.codeBlock,
			CodeBlockHeight: g.codeBlock,
			MagnitudeBits:   []int{g.magnitudeBits},
		}
		if c > 0 {
			cp.DX, cp.DY = g.dx, g.dy
		}
		if g.precinct > 0 {
			cp.Precincts = []j2kcodec.PrecinctSize{{Width: g.precinct, Height: g.precinct}}
		}
		p.Components = append(p.Components, cp)
	}
	return p, p.Validate()
}

func (g *geometry) bounds() image.Rectangle {
	return image.Rect(0, 0, g.width, g.height)
}

func orderCmd() *cobra.Command {
	var g geometry
	cmd := &cobra.Command{
		Use:   "order",
		Short: "Print the packet order of a tile",
		RunE: func(cmd *cobra.Command, args []string) error {
			params, err := g.params()
			if err != nil {
				return err
			}
			tile, err := j2kcodec.NewTile(params, 0, g.bounds())
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			n := 0
			for id := range j2kcodec.NewPacketIterator(tile).All() {
				fmt.Fprintf(w, "%6d  L%-3d R%-2d C%-3d P%d\n", n, id.Layer, id.Resolution, id.Component, id.Precinct)
				n++
			}
			fmt.Fprintf(w, "%d packets\n", n)
			return nil
		},
	}
	g.addFlags(cmd.Flags())
	return cmd
}

func roundtripCmd() *cobra.Command {
	var (
		g          geometry
		seed       uint64
		allocator  string
		layerBytes []int
		workers    int
		verbose    bool
	)
	cmd := &cobra.Command{
		Use:   "roundtrip",
		Short: "Encode a synthetic tile and decode it layer by layer",
		RunE: func(cmd *cobra.Command, args []string) error {
			params, err := g.params()
			if err != nil {
				return err
			}
			level := slog.LevelWarn
			if verbose {
				level = slog.LevelDebug
			}
			logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))

			var alloc j2kcodec.LayerAllocator
			switch allocator {
			case "single":
				alloc = j2kcodec.SingleLayer{}
			case "even":
				alloc = j2kcodec.EvenLayers{}
			case "rate":
				alloc = j2kcodec.RateAllocator{LayerBytes: layerBytes}
			default:
				return fmt.Errorf("unknown allocator %q", allocator)
			}

			tile, err := j2kcodec.NewTile(params, 0, g.bounds())
			if err != nil {
				return err
			}
			fillTile(tile, rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)), g.magnitudeBits)

			enc, err := j2kcodec.NewEncoder(params, &j2kcodec.EncodeOptions{
				Workers:   workers,
				Logger:    logger,
				Allocator: alloc,
				Trace:     true,
			})
			if err != nil {
				return err
			}
			defer enc.Close()

			ctx := context.Background()
			parts, err := enc.EncodeTile(ctx, tile)
			if err != nil {
				return err
			}
			return reportLayers(ctx, cmd.OutOrStdout(), params, tile, parts, workers, logger)
		},
	}
	fs := cmd.Flags()
	g.addFlags(fs)
	fs.Uint64Var(&seed, "seed", 1, "random seed for the synthetic coefficients")
	fs.StringVar(&allocator, "alloc", "even", "layer allocator: single, even or rate")
	fs.IntSliceVar(&layerBytes, "layer-bytes", nil, "cumulative byte targets per layer for -alloc=rate")
	fs.IntVar(&workers, "workers", 0, "Tier-1 workers (0 = GOMAXPROCS)")
	fs.BoolVarP(&verbose, "verbose", "v", false, "log every packet")
	return cmd
}

// fillTile gives every subband a decaying random texture: few large
// coefficients, many small ones.
func fillTile(t *j2kcodec.Tile, r *rand.Rand, bits int) {
	limit := float64(int(1)<<bits - 1)
	for _, tc := range t.Components {
		for _, res := range tc.Resolutions {
			for _, sb := range res.Subbands {
				scale := limit / float64(int(1)<<(len(tc.Resolutions)-1-res.Level))
				for i := range sb.Coefficients {
					v := r.NormFloat64() * scale / 4
					v = max(-limit, min(limit, v))
					sb.Coefficients[i] = int32(v)
				}
			}
		}
	}
}

func reportLayers(ctx context.Context, w io.Writer, params *j2kcodec.CodingParams, src *j2kcodec.Tile, parts []j2kcodec.TilePart, workers int, logger *slog.Logger) error {
	layerBytes := make([]int, params.NumLayers)
	for _, tr := range src.Trace {
		layerBytes[tr.Layer] += tr.HeaderBytes + tr.BodyBytes
	}

	cum := 0
	for l := 1; l <= params.NumLayers; l++ {
		dec, err := j2kcodec.NewDecoder(params, &j2kcodec.DecodeOptions{
			MaxLayers: l,
			Workers:   workers,
			Logger:    logger,
		})
		if err != nil {
			return err
		}
		got, err := dec.DecodeTile(ctx, src.Index, src.Bounds, parts)
		dec.Close()
		if err != nil {
			return err
		}
		cum += layerBytes[l-1]
		sse, exact := compareTiles(src, got)
		fmt.Fprintf(w, "layers %2d  bytes %8d  sse %14.0f  exact %v\n", l, cum, sse, exact)
	}
	return nil
}

// compareTiles returns the squared error between the coefficients of two
// tiles with identical geometry.
func compareTiles(a, b *j2kcodec.Tile) (float64, bool) {
	var sse float64
	for c, tc := range a.Components {
		for r, res := range tc.Resolutions {
			for _, sb := range res.Subbands {
				other := b.Subband(c, r, sb.Type)
				for i, v := range sb.Coefficients {
					d := float64(v) - float64(other.Coefficients[i])
					sse += d * d
				}
			}
		}
	}
	return sse, sse == 0
}

// mqTestInput is the published MQ coder test sequence (256 decisions,
// MSB first) and mqTestOutput its codeword.
const (
	mqTestInput  = "00020051000000C00352872AAAAAAAAA82C02000FCD79EF6BF7FED904F46A3BF"
	mqTestOutput = "84C73BFCE1A1430402200000410DBB86F4317FFF88FF37471ADB6ADF"
)

func mqCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mq",
		Short: "Encode the published MQ coder test sequence",
		RunE: func(cmd *cobra.Command, args []string) error {
			in, err := hex.DecodeString(mqTestInput)
			if err != nil {
				return err
			}
			decisions := make([]int, 0, 8*len(in))
			for _, b := range in {
				for i := 7; i >= 0; i-- {
					decisions = append(decisions, int(b>>i)&1)
				}
			}
			out := j2kcodec.MQEncode(decisions)
			got := strings.ToUpper(hex.EncodeToString(out))

			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "input   %d decisions\n", len(decisions))
			fmt.Fprintf(w, "output  % X\n", out)
			if got != mqTestOutput {
				return fmt.Errorf("codeword mismatch, want %s", mqTestOutput)
			}
			back := j2kcodec.MQDecode(out, len(decisions))
			for i := range decisions {
				if back[i] != decisions[i] {
					return fmt.Errorf("decoded decision %d differs", i)
				}
			}
			fmt.Fprintln(w, "matches the published codeword and decodes back")
			return nil
		},
	}
}
