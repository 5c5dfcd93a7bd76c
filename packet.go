package j2kcodec

import (
	"math/bits"
)

// JPEG2000 Packet Parser (Tier-2)
//
// The reader walks packets in iterator order and mirrors packet_encode.go.
// Every header is parsed, even for packets whose bodies are not wanted,
// because tag tree state and Lblock values carry over from one packet of
// a precinct to the next. Bodies of wanted packets are appended to the
// code-block's Data; once a contribution has been dropped, later layers
// of that block are dropped too, since a segment cannot have gaps.
//
// Declared lengths are never trusted: every header field and body is
// bounds-checked against the buffer before it is read.

// PacketTrace captures parsing state for debugging
type PacketTrace struct {
	Layer         int  // Quality layer
	Resolution    int  // Resolution level
	Component     int  // Component index
	Precinct      int  // Precinct index within the resolution
	Offset        int  // Byte offset of the packet in the tile stream
	HeaderBytes   int  // SOP, header and EPH bytes
	BodyBytes     int  // Code-block bytes
	Empty         bool // Non-empty flag was 0
	Contributions int  // Code-blocks with new passes
}

// contribution is one block's share of a packet body, recorded while the
// header is parsed.
type contribution struct {
	block  *CodeBlock
	passes int
	length int
}

// packetReader parses the packets of one tile.
type packetReader struct {
	tile *Tile
	sop  bool
	eph  bool
	seq  int // expected Nsop

	pending []contribution
}

func newPacketReader(t *Tile) *packetReader {
	return &packetReader{
		tile: t,
		sop:  t.params.UseSOP,
		eph:  t.params.UseEPH,
	}
}

// decodePacket parses the packet starting at data[pos] and returns the
// position after it. When keep is false the body is skipped.
func (pr *packetReader) decodePacket(data []byte, pos int, id PacketID, keep bool) (int, PacketTrace, error) {
	trace := PacketTrace{
		Layer:      id.Layer,
		Resolution: id.Resolution,
		Component:  id.Component,
		Precinct:   id.Precinct,
		Offset:     pos,
	}

	if pr.sop && len(data)-pos >= 2 && data[pos] == 0xFF && data[pos+1] == markerSOP {
		if len(data)-pos < sopSegment {
			return pos, trace, truncatedf("decode packet", "SOP segment at byte %d", pos)
		}
		if lsop := int(data[pos+2])<<8 | int(data[pos+3]); lsop != sopLength {
			return pos, trace, malformedf("decode packet", "Lsop %d", lsop)
		}
		if nsop := int(data[pos+4])<<8 | int(data[pos+5]); nsop != pr.seq {
			return pos, trace, malformedf("decode packet", "Nsop %d, expected %d", nsop, pr.seq)
		}
		pos += sopSegment
	}
	pr.seq = (pr.seq + 1) & 0xFFFF

	r := newBitReader(data[pos:], true)
	nonEmpty, err := r.ReadBit()
	if err != nil {
		return pos, trace, err
	}
	pr.pending = pr.pending[:0]
	if nonEmpty == 1 {
		for _, pb := range pr.tile.precinct(id).Bands {
			for i, b := range pb.Blocks {
				if err := pr.decodeBlock(r, pb, i, b, id.Layer); err != nil {
					return pos, trace, err
				}
			}
		}
	}
	if _, err := r.Align(); err != nil {
		return pos, trace, err
	}
	pos += r.Position()

	if pr.eph {
		if len(data)-pos < 2 {
			return pos, trace, truncatedf("decode packet", "EPH at byte %d", pos)
		}
		if data[pos] != 0xFF || data[pos+1] != markerEPH {
			return pos, trace, malformedf("decode packet", "missing EPH at byte %d", pos)
		}
		pos += 2
	}
	trace.HeaderBytes = pos - trace.Offset
	trace.Empty = nonEmpty == 0
	trace.Contributions = len(pr.pending)

	for _, c := range pr.pending {
		if c.length > len(data)-pos {
			return pos, trace, truncatedf("decode packet", "segment of %d bytes at byte %d, %d left", c.length, pos, len(data)-pos)
		}
		b := c.block
		if keep && !b.skipped {
			b.Data = append(b.Data, data[pos:pos+c.length]...)
			b.passes += c.passes
			for len(b.LayerPasses) <= id.Layer {
				b.LayerPasses = append(b.LayerPasses, 0)
			}
			b.LayerPasses[id.Layer] += c.passes
		} else {
			b.skipped = true
		}
		pos += c.length
		trace.BodyBytes += c.length
	}
	return pos, trace, nil
}

// decodeBlock parses the header fields of block i of pb for layer l.
func (pr *packetReader) decodeBlock(r *bitReader, pb *PrecinctBand, i int, b *CodeBlock, l int) error {
	x, y := i%pb.BlocksWide, i/pb.BlocksWide

	first := !b.Included
	if first {
		v, err := pb.inclusion.Decode(r, x, y, l+1)
		if err != nil {
			return err
		}
		if v > l {
			return nil
		}
		mb := pb.Subband.MagnitudeBits
		zbp, err := pb.zeroBitPlanes.Decode(r, x, y, mb+1)
		if err != nil {
			return err
		}
		if zbp > mb {
			return malformedf("decode packet", "zero bit-planes exceed %d declared", mb)
		}
		b.Included = true
		b.ZeroBitPlanes = zbp
		b.NumBitPlanes = mb - zbp
	} else {
		bit, err := r.ReadBit()
		if err != nil {
			return err
		}
		if bit == 0 {
			return nil
		}
	}

	n, err := decodeNumPasses(r)
	if err != nil {
		return err
	}
	if limit := maxPasses(b.NumBitPlanes); b.passes+n > limit {
		return malformedf("decode packet", "%d passes after %d for a block with %d bit-planes", n, b.passes, b.NumBitPlanes)
	}

	increment, err := r.ReadOnes(maxLengthBits)
	if err != nil {
		return err
	}
	b.lblock += increment
	// Lblock + floor(log2(passes)) bits (B.10.7.1).
	width := b.lblock + ilog2(n)
	if width > maxLengthBits {
		return malformedf("decode packet", "%d-bit segment length", width)
	}
	length, err := r.ReadBits(width)
	if err != nil {
		return err
	}
	pr.pending = append(pr.pending, contribution{block: b, passes: n, length: int(length)})
	return nil
}

// decodeNumPasses reads the number of new coding passes (Table B.4).
func decodeNumPasses(r *bitReader) (int, error) {
	bit, err := r.ReadBit()
	if err != nil || bit == 0 {
		return 1, err
	}
	if bit, err = r.ReadBit(); err != nil || bit == 0 {
		return 2, err
	}
	n, err := r.ReadBits(2)
	if err != nil || n != 3 {
		return 3 + int(n), err
	}
	n, err = r.ReadBits(5)
	if err != nil || n != 31 {
		return 6 + int(n), err
	}
	n, err = r.ReadBits(7)
	return 37 + int(n), err
}

// ilog2 returns floor(log2(n)) for n >= 1.
func ilog2(n int) int {
	if n <= 1 {
		return 0
	}
	return bits.Len(uint(n)) - 1
}
