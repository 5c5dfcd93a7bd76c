package j2kcodec

// Tag Tree for packet headers (ITU-T T.800 B.10.2)
//
// A tag tree codes a 2-D array of non-negative integers. Each level halves
// the previous one and every node holds the minimum of its children.
// Values are sent incrementally against a threshold: a query for leaf
// (x, y) walks from the root down, and at each node sends 0-bits while
// the lower bound is below both the node's value and the threshold, then
// a 1-bit once the value is reached. The lower bound each node has sent
// is remembered, so later queries only send new information.
//
// Used for:
// - Code-block inclusion (first layer a block contributes to)
// - Zero bit-planes (leading all-zero planes of a block)

const (
	// maxTagTreeSide bounds either dimension of a tag tree: a 2^15
	// precinct holds at most 2^13 code-blocks of the minimum size 4.
	maxTagTreeSide = 1 << 13
	// maxTagTreeLeaves bounds the total leaf count.
	maxTagTreeLeaves = 1 << 22
	// maxTagTreeLevels is the depth of the largest allowed tree.
	maxTagTreeLevels = 15

	tagInfinity = 1 << 30
)

type tagNode struct {
	parent int32 // -1 at the root
	value  int32
	low    int32 // lower bound sent or received so far
	known  bool  // the terminating 1-bit has been sent for this node
}

// tagTree holds the nodes of all levels, leaves first.
type tagTree struct {
	width, height int
	nodes         []tagNode
}

// newTagTree creates a tag tree over a width x height grid of leaves.
func newTagTree(width, height int) (*tagTree, error) {
	if width <= 0 || height <= 0 || width > maxTagTreeSide || height > maxTagTreeSide ||
		width*height > maxTagTreeLeaves {
		return nil, paramErrorf("tag tree", "grid %dx%d outside limits", width, height)
	}

	// Level dimensions, leaves first.
	var lw, lh [maxTagTreeLevels]int
	levels := 0
	total := 0
	w, h := width, height
	for {
		lw[levels], lh[levels] = w, h
		total += w * h
		levels++
		if w == 1 && h == 1 {
			break
		}
		w = (w + 1) >> 1
		h = (h + 1) >> 1
	}

	tt := &tagTree{width: width, height: height, nodes: make([]tagNode, total)}
	offset := 0
	for l := range levels {
		next := offset + lw[l]*lh[l]
		for y := range lh[l] {
			for x := range lw[l] {
				parent := int32(-1)
				if l+1 < levels {
					parent = int32(next + (y>>1)*lw[l+1] + x>>1)
				}
				tt.nodes[offset+y*lw[l]+x].parent = parent
			}
		}
		offset = next
	}
	tt.Reset()
	return tt, nil
}

// Reset forgets all values and transmitted bounds.
func (tt *tagTree) Reset() {
	for i := range tt.nodes {
		n := &tt.nodes[i]
		n.value = tagInfinity
		n.low = 0
		n.known = false
	}
}

func (tt *tagTree) leaf(x, y int) (int, error) {
	if x < 0 || y < 0 || x >= tt.width || y >= tt.height {
		return 0, paramErrorf("tag tree", "leaf (%d,%d) outside %dx%d grid", x, y, tt.width, tt.height)
	}
	return y*tt.width + x, nil
}

// SetValue assigns a leaf value and lowers its ancestors to keep every
// node the minimum of its children.
func (tt *tagTree) SetValue(x, y, value int) error {
	i, err := tt.leaf(x, y)
	if err != nil {
		return err
	}
	v := int32(min(value, tagInfinity))
	for n := int32(i); n >= 0 && tt.nodes[n].value > v; n = tt.nodes[n].parent {
		tt.nodes[n].value = v
	}
	return nil
}

// Value returns the value of a leaf, or tagInfinity if unknown.
func (tt *tagTree) Value(x, y int) int {
	i, err := tt.leaf(x, y)
	if err != nil {
		return tagInfinity
	}
	return int(tt.nodes[i].value)
}

// path fills stack with the node indices from the root down to leaf i
// and returns the number of entries.
func (tt *tagTree) path(i int, stack *[maxTagTreeLevels]int32) int {
	n := 0
	for node := int32(i); node >= 0; node = tt.nodes[node].parent {
		stack[n] = node
		n++
	}
	// Reverse so the root comes first.
	for a, b := 0, n-1; a < b; a, b = a+1, b-1 {
		stack[a], stack[b] = stack[b], stack[a]
	}
	return n
}

// Encode sends what the decoder needs to learn whether leaf (x, y) is
// below threshold, and its value if so.
func (tt *tagTree) Encode(w *bitWriter, x, y, threshold int) error {
	i, err := tt.leaf(x, y)
	if err != nil {
		return err
	}
	var stack [maxTagTreeLevels]int32
	depth := tt.path(i, &stack)
	th := int32(threshold)

	var low int32
	for _, idx := range stack[:depth] {
		node := &tt.nodes[idx]
		if low > node.low {
			node.low = low
		} else {
			low = node.low
		}
		for low < th {
			if low >= node.value {
				if !node.known {
					w.WriteBit(1)
					node.known = true
				}
				break
			}
			w.WriteBit(0)
			low++
		}
		node.low = low
	}
	return nil
}

// Decode reads the bits Encode sent for leaf (x, y) and returns the leaf
// value if it is below threshold, or threshold otherwise.
func (tt *tagTree) Decode(r *bitReader, x, y, threshold int) (int, error) {
	i, err := tt.leaf(x, y)
	if err != nil {
		return 0, err
	}
	var stack [maxTagTreeLevels]int32
	depth := tt.path(i, &stack)
	th := int32(threshold)

	var low int32
	for _, idx := range stack[:depth] {
		node := &tt.nodes[idx]
		if low > node.low {
			node.low = low
		} else {
			low = node.low
		}
		for low < th && low < node.value {
			bit, err := r.ReadBit()
			if err != nil {
				return 0, err
			}
			if bit == 1 {
				node.value = low
			} else {
				low++
			}
		}
		node.low = low
	}

	if v := tt.nodes[i].value; v < th {
		return int(v), nil
	}
	return threshold, nil
}
