package j2kcodec

// JPEG2000 Packet Encoder (Tier-2)
//
// This implements the encoding side of packet assembly as specified in
// ITU-T T.800 Annex B.9-B.10. After Tier-1 has produced a segment and its
// truncation checkpoints for every code-block, and a layer allocation has
// filled CodeBlock.LayerPasses, the packet writer emits one packet per
// (layer, resolution, component, precinct) in iterator order.
//
// A packet consists of:
//   - Optional SOP marker segment (FF91, Lsop = 4, Nsop)
//   - Packet header (bit-stuffed): non-empty flag, then for each block of
//     each subband: inclusion, zero bit-planes, number of passes, Lblock
//     increment and segment length
//   - Optional EPH marker (FF92)
//   - Packet body: the byte ranges of the newly included passes, copied
//     from each block's segment without re-encoding
//
// The writer mirrors the reader in packet.go and shares its tag tree,
// comma code and Lblock conventions.

const (
	// initialLblock is the starting Lblock value of every code-block.
	initialLblock = 3

	// maxLengthBits bounds the width of a segment length field.
	maxLengthBits = 32

	// maxPacketPasses is the largest pass count the pass-number code can
	// express.
	maxPacketPasses = 164

	markerSOP  = 0x91
	markerEPH  = 0x92
	sopLength  = 4
	sopSegment = 6 // marker + Lsop + Nsop
)

// packetWriter assembles the packets of one tile. It is single-threaded:
// tag tree state and Lblock values depend on the order of calls.
type packetWriter struct {
	tile *Tile
	sop  bool
	eph  bool
	seq  int // next Nsop

	hdr  *bitWriter
	body []byte
}

func newPacketWriter(t *Tile) *packetWriter {
	return &packetWriter{
		tile: t,
		sop:  t.params.UseSOP,
		eph:  t.params.UseEPH,
		hdr:  newBitWriter(true),
	}
}

// prepare resets per-block packet state and loads the tag trees: the
// inclusion tree gets the first layer each block contributes to, the
// zero bit-plane tree each block's leading zero planes.
func (pw *packetWriter) prepare() error {
	t := pw.tile
	t.resetTier2()
	pw.seq = 0
	for _, tc := range t.Components {
		for _, res := range tc.Resolutions {
			for _, prc := range res.Precincts {
				for _, pb := range prc.Bands {
					for i, b := range pb.Blocks {
						x, y := i%pb.BlocksWide, i/pb.BlocksWide
						total := 0
						first := tagInfinity
						for l, n := range b.LayerPasses {
							if n < 0 {
								return paramErrorf("prepare packets", "negative pass count in layer %d", l)
							}
							if n > 0 && first == tagInfinity {
								first = l
							}
							total += n
						}
						if total > len(b.Checkpoints) {
							return paramErrorf("prepare packets", "%d passes allocated to a block with %d", total, len(b.Checkpoints))
						}
						if err := pb.inclusion.SetValue(x, y, first); err != nil {
							return err
						}
						if err := pb.zeroBitPlanes.SetValue(x, y, b.ZeroBitPlanes); err != nil {
							return err
						}
					}
				}
			}
		}
	}
	return nil
}

// layerPasses returns the passes a block newly contributes to layer l.
func (b *CodeBlock) layerPasses(l int) int {
	if l < len(b.LayerPasses) {
		return b.LayerPasses[l]
	}
	return 0
}

// encodePacket appends packet id to dst.
func (pw *packetWriter) encodePacket(dst []byte, id PacketID) ([]byte, PacketTrace, error) {
	trace := PacketTrace{
		Layer:      id.Layer,
		Resolution: id.Resolution,
		Component:  id.Component,
		Precinct:   id.Precinct,
		Offset:     len(dst),
	}
	l := id.Layer
	prc := pw.tile.precinct(id)

	if pw.sop {
		dst = append(dst, 0xFF, markerSOP, 0, sopLength, byte(pw.seq>>8), byte(pw.seq))
	}
	pw.seq = (pw.seq + 1) & 0xFFFF

	nonEmpty := false
	for _, pb := range prc.Bands {
		for _, b := range pb.Blocks {
			if b.layerPasses(l) > 0 {
				nonEmpty = true
			}
		}
	}

	pw.hdr.Reset()
	pw.body = pw.body[:0]
	if !nonEmpty {
		pw.hdr.WriteBit(0)
	} else {
		pw.hdr.WriteBit(1)
		for _, pb := range prc.Bands {
			for i, b := range pb.Blocks {
				n, err := pw.encodeBlock(pb, i, b, l)
				if err != nil {
					return dst, trace, err
				}
				if n > 0 {
					trace.Contributions++
				}
			}
		}
	}
	pw.hdr.Flush()

	dst = append(dst, pw.hdr.Bytes()...)
	if pw.eph {
		dst = append(dst, 0xFF, markerEPH)
	}
	trace.HeaderBytes = len(dst) - trace.Offset
	trace.BodyBytes = len(pw.body)
	trace.Empty = !nonEmpty
	dst = append(dst, pw.body...)
	return dst, trace, nil
}

// encodeBlock writes the header fields of block i of pb for layer l and
// queues its body bytes. It returns the number of passes included.
func (pw *packetWriter) encodeBlock(pb *PrecinctBand, i int, b *CodeBlock, l int) (int, error) {
	x, y := i%pb.BlocksWide, i/pb.BlocksWide
	n := b.layerPasses(l)

	if !b.Included {
		if err := pb.inclusion.Encode(pw.hdr, x, y, l+1); err != nil {
			return 0, err
		}
		if n == 0 {
			return 0, nil
		}
		if err := pb.zeroBitPlanes.Encode(pw.hdr, x, y, b.ZeroBitPlanes+1); err != nil {
			return 0, err
		}
		b.Included = true
	} else {
		if n == 0 {
			pw.hdr.WriteBit(0)
			return 0, nil
		}
		pw.hdr.WriteBit(1)
	}

	if n > maxPacketPasses || b.passes+n > len(b.Checkpoints) {
		return 0, paramErrorf("encode packet", "%d new passes after %d for a block with %d", n, b.passes, len(b.Checkpoints))
	}
	encodeNumPasses(pw.hdr, n)

	start, end := b.segmentEnd(b.passes), b.segmentEnd(b.passes+n)
	length := end - start

	// Grow Lblock until the length fits.
	extra := ilog2(n)
	increment := 0
	for length >= 1<<(b.lblock+increment+extra) {
		increment++
		if b.lblock+increment+extra > maxLengthBits {
			return 0, paramErrorf("encode packet", "segment length %d does not fit a length field", length)
		}
	}
	pw.hdr.WriteOnes(increment)
	b.lblock += increment
	pw.hdr.WriteBits(uint32(length), b.lblock+extra)

	pw.body = append(pw.body, b.Data[start:end]...)
	b.passes += n
	return n, nil
}

// encodeNumPasses writes the number of new coding passes (Table B.4).
//
// Encoding scheme:
//
//	1 pass:    0
//	2 passes:  10
//	3 passes:  1100  (11 + 2-bit value 00)
//	4 passes:  1101  (11 + 2-bit value 01)
//	5 passes:  1110  (11 + 2-bit value 10)
//	6-36:      1111 + 5-bit value (n-6)
//	37-164:    1111 11111 + 7-bit value (n-37)
func encodeNumPasses(bw *bitWriter, n int) {
	if n <= 0 {
		return
	}

	switch {
	case n == 1:
		bw.WriteBit(0)

	case n == 2:
		bw.WriteBits(0b10, 2)

	case n <= 5:
		bw.WriteBits(0b11, 2)
		bw.WriteBits(uint32(n-3), 2)

	case n <= 36:
		bw.WriteBits(0b1111, 4)
		bw.WriteBits(uint32(n-6), 5)

	default:
		bw.WriteBits(0b1111, 4)
		bw.WriteBits(0b11111, 5)
		bw.WriteBits(uint32(n-37), 7)
	}
}
