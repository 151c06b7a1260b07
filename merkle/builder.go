package merkle

import (
	"math/bits"

	"github.com/pkg/errors"
)

// run is one contiguous span of identical leaf digests awaiting assembly
// into the tree.
type run struct {
	tree  *Tree
	count uint64
}

// Builder assembles a Tree from an ordered sequence of leaves, collapsing
// repeated leaves into Iterated nodes so that spans of up to 2^64 identical
// values never materialize more than O(log n) live nodes. This is how a
// commitment over, e.g., an untouched tail of big-steps is built without
// iterating every step.
type Builder struct {
	runs  []run
	total uint64
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// Append adds a single leaf digest.
func (b *Builder) Append(leaf Digest) error {
	return b.AppendRepeated(leaf, 1)
}

// AppendRepeated adds count copies of leaf in sequence. It fails if count is
// zero: a run contributing no leaves can never be part of a valid
// power-of-two commitment, so letting it through silently would only defer
// the failure to Build with a more confusing leaf count.
func (b *Builder) AppendRepeated(leaf Digest, count uint64) error {
	if count == 0 {
		return errors.New("append_repeated: count must be nonzero")
	}
	b.runs = append(b.runs, run{tree: Leaf(leaf), count: count})
	b.total += count
	return nil
}

// Build consumes the appended leaves and returns the resulting Tree. The
// total leaf count must be a power of two.
func (b *Builder) Build() (*Tree, error) {
	if b.total == 0 {
		return nil, errors.New("cannot build a tree from zero leaves")
	}
	if b.total&(b.total-1) != 0 {
		return nil, errors.Errorf("leaf count %d is not a power of two", b.total)
	}
	c := &cursor{runs: b.runs}
	return c.take(b.total)
}

// cursor walks the builder's runs left to right, handing out subtrees of a
// requested power-of-two leaf count without ever expanding a run's leaves
// one by one.
type cursor struct {
	runs []run
	idx  int
	used uint64
}

func (c *cursor) take(n uint64) (*Tree, error) {
	if c.idx >= len(c.runs) {
		return nil, errors.New("ran out of leaves while building tree")
	}
	remaining := c.runs[c.idx].count - c.used
	if n <= remaining {
		tree := c.runs[c.idx].tree
		result := tree
		if n > 1 {
			result = tree.Iterated(uint32(bits.TrailingZeros64(n)))
		}
		c.used += n
		if c.used == c.runs[c.idx].count {
			c.idx++
			c.used = 0
		}
		return result, nil
	}

	half := n / 2
	left, err := c.take(half)
	if err != nil {
		return nil, err
	}
	right, err := c.take(half)
	if err != nil {
		return nil, err
	}
	return Join(left, right)
}
