package commitment

import "github.com/dave-prt/prt-go/merkle"

// Commitment is a leaf- or refinement-level commitment: the machine state
// hash it starts from, together with the Merkle tree over the leaves
// spanning the range it covers.
type Commitment struct {
	ImplicitHash merkle.Digest
	Merkle       *merkle.Tree
}

// RootHash is the digest a tournament or match records on-chain for this
// commitment.
func (c Commitment) RootHash() merkle.Digest {
	return c.Merkle.RootHash()
}
