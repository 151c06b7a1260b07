package merkle

import "math/big"

// Proof is an inclusion proof for a single leaf of a Tree: the leaf's own
// digest, its position, and the sibling hashes needed to recompute the
// root, ordered from the leaf upward.
type Proof struct {
	Position *big.Int
	Node     Digest
	Siblings []Digest
}

// LeafProof builds a proof with no siblings, representing a bare leaf
// commitment at the given position.
func LeafProof(node Digest, position *big.Int) *Proof {
	return &Proof{Node: node, Position: position, Siblings: nil}
}

// EmptyProof is the proof of the zero digest at position zero.
func EmptyProof() *Proof {
	return &Proof{Position: new(big.Int), Node: ZeroDigest}
}

// BuildRoot recomputes the Merkle root implied by the proof by folding the
// siblings into the leaf node according to the corresponding bit of
// Position: a zero bit means the current hash is the left child.
func (p *Proof) BuildRoot() Digest {
	root := p.Node
	position := new(big.Int).Set(p.Position)
	for _, sibling := range p.Siblings {
		if position.Bit(0) == 0 {
			root = root.Join(sibling)
		} else {
			root = sibling.Join(root)
		}
		position.Rsh(position, 1)
	}
	return root
}

// VerifyRoot reports whether the proof's implied root matches root.
func (p *Proof) VerifyRoot(root Digest) bool {
	return p.BuildRoot() == root
}
