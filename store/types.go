package store

import "github.com/dave-prt/prt-go/merkle"

// LeafRecord is the persisted unit of a cached commitment row: a digest
// together with how many consecutive leaves it represents.
type LeafRecord struct {
	Hash        merkle.Digest
	Repetitions uint64
}

// Settlement is the final artifact produced for a sealed epoch.
type Settlement struct {
	Epoch           uint64
	ComputationHash merkle.Digest
	OutputMerkle    merkle.Digest
	OutputProof     []byte
}
