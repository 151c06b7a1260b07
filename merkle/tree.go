package merkle

import (
	"math/big"

	"github.com/pkg/errors"
)

// node is the internal variant of a Tree's subtree pointer: either a Pair of
// two equal-height children, or an Iterated node standing for 2^k repeats of
// the same child, collapsing what would otherwise be an enormous chain of
// identical Pairs into a single struct.
type node struct {
	// exactly one of (left,right) or child is set.
	left, right *Tree
	child       *Tree
	iterated    bool
}

func (n *node) children() (*Tree, *Tree) {
	if n.iterated {
		return n.child, n.child
	}
	return n.left, n.right
}

// Tree is an immutable, structurally-shared binary Merkle tree. Leaves sit
// at height 0; every internal node's root hash is the Join of its two
// children's root hashes. Trees are built bottom-up via Builder and
// shared by pointer, so joining trees never copies existing subtrees.
type Tree struct {
	rootHash Digest
	height   uint32
	subtree  *node
}

// Leaf constructs a height-0 tree from a single digest.
func Leaf(hash Digest) *Tree {
	return &Tree{rootHash: hash}
}

// Zeroed returns the height-0 tree over the zero digest.
func Zeroed() *Tree {
	return Leaf(ZeroDigest)
}

// RootHash returns the tree's root commitment.
func (t *Tree) RootHash() Digest {
	return t.rootHash
}

// Height returns the tree's height (0 for a leaf).
func (t *Tree) Height() uint32 {
	return t.height
}

// Subtrees returns the tree's two children, or ok=false for a leaf.
func (t *Tree) Subtrees() (left, right *Tree, ok bool) {
	if t.subtree == nil {
		return nil, nil, false
	}
	l, r := t.subtree.children()
	return l, r, true
}

// Equal reports whether two trees commit to the same root at the same
// height; it does not compare internal structure.
func (t *Tree) Equal(other *Tree) bool {
	return t.height == other.height && t.rootHash == other.rootHash
}

// FindChild searches the tree for a subtree whose root hash is digest,
// returning it if found. It is used to locate the subtree corresponding to
// a commitment a counterparty has already agreed to during a descent.
func (t *Tree) FindChild(digest Digest) (*Tree, bool) {
	if t.rootHash == digest {
		return t, true
	}
	if t.subtree == nil {
		return nil, false
	}
	if t.subtree.iterated {
		return t.subtree.child.FindChild(digest)
	}
	if found, ok := t.subtree.left.FindChild(digest); ok {
		return found, true
	}
	return t.subtree.right.FindChild(digest)
}

// Join combines two equal-height trees into a tree one level taller.
func Join(left, right *Tree) (*Tree, error) {
	if left.height != right.height {
		return nil, errors.Errorf("tree size mismatch: left height %d, right height %d", left.height, right.height)
	}
	return &Tree{
		rootHash: left.rootHash.Join(right.rootHash),
		height:   left.height + 1,
		subtree:  &node{left: left, right: right},
	}, nil
}

// Iterated returns the tree formed by joining t with itself rep times in a
// row, each step doubling in height. This is the structural-sharing trick
// that lets a run of 2^64 identical leaves be represented in O(rep) nodes
// instead of materializing every leaf.
func (t *Tree) Iterated(rep uint32) *Tree {
	root := t
	for i := uint32(0); i < rep; i++ {
		root = &Tree{
			rootHash: root.rootHash.Join(root.rootHash),
			height:   root.height + 1,
			subtree:  &node{child: root, iterated: true},
		}
	}
	return root
}

// ProveLeaf builds the inclusion proof for the leaf at the given index.
func (t *Tree) ProveLeaf(index *big.Int) (*Proof, error) {
	if index.Sign() < 0 {
		return nil, errors.New("leaf index must be non-negative")
	}
	return t.proveLeafRec(new(big.Int).Set(index))
}

// ProveLast builds the inclusion proof for the tree's rightmost leaf.
func (t *Tree) ProveLast() (*Proof, error) {
	last := new(big.Int).Lsh(big.NewInt(1), uint(t.height))
	last.Sub(last, big.NewInt(1))
	return t.ProveLeaf(last)
}

func (t *Tree) proveLeafRec(index *big.Int) (*Proof, error) {
	bound := new(big.Int).Lsh(big.NewInt(1), uint(t.height))
	if index.Cmp(bound) >= 0 {
		return nil, errors.Errorf("index %s out of bounds for height %d", index, t.height)
	}

	if t.subtree == nil {
		if index.Sign() != 0 {
			return nil, errors.New("leaf index must be zero at height 0")
		}
		return &Proof{Node: t.rootHash, Position: new(big.Int)}, nil
	}

	shift := uint(t.height - 1)
	leafAtLeft := new(big.Int).Rsh(index, shift).Bit(0) == 0
	innerIndex := new(big.Int).Set(index)
	innerIndex.SetBit(innerIndex, int(shift), 0)

	left, right := t.subtree.children()

	var proof *Proof
	var err error
	if leafAtLeft {
		proof, err = left.proveLeafRec(innerIndex)
		if err != nil {
			return nil, err
		}
		proof.Siblings = append(proof.Siblings, right.rootHash)
	} else {
		proof, err = right.proveLeafRec(innerIndex)
		if err != nil {
			return nil, err
		}
		proof.Siblings = append(proof.Siblings, left.rootHash)
	}
	proof.Position = index
	return proof, nil
}
