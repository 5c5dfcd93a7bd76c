// Package j2kcodec implements the entropy coding core of JPEG2000
// (ITU-T T.800): Tier-1 block coding and Tier-2 packet assembly.
//
// The package sits between the wavelet/quantization stage, which supplies
// integer subband coefficients, and the marker layer, which supplies
// parsed coding parameters and carries tile-parts. It never parses or
// writes marker segments itself.
//
// Encoding a tile:
//
//	params := &j2kcodec.CodingParams{
//	    Components: []j2kcodec.ComponentParams{{NumResolutions: 3, MagnitudeBits: []int{10}}},
//	    NumLayers:  2,
//	    Order:      j2kcodec.RPCL,
//	}
//	tile, err := j2kcodec.NewTile(params, 0, image.Rect(0, 0, 256, 256))
//	// fill subbands with tile.SetSubband(...)
//	enc, err := j2kcodec.NewEncoder(params, &j2kcodec.EncodeOptions{Allocator: j2kcodec.EvenLayers{}})
//	defer enc.Close()
//	parts, err := enc.EncodeTile(ctx, tile)
//
// Decoding it again, here only the first layer:
//
//	dec, err := j2kcodec.NewDecoder(params, &j2kcodec.DecodeOptions{MaxLayers: 1})
//	defer dec.Close()
//	tile, err = dec.DecodeTile(ctx, 0, image.Rect(0, 0, 256, 256), parts)
//	coeffs := tile.Subband(0, 0, j2kcodec.SubbandLL).Coefficients
//
// Errors are *CodecError values matching ErrTruncatedStream,
// ErrMalformedPacket or ErrCodingParameter under errors.Is.
package j2kcodec
