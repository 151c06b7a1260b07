package machine

import "github.com/dave-prt/prt-go/merkle"

// CmioResponseReason identifies why a cmio response is being delivered to a
// yielded machine.
type CmioResponseReason uint16

// CmioResponseReasonAdvance is the reason code used to feed a rollups input.
const CmioResponseReasonAdvance CmioResponseReason = 0

// RXAccepted is the tohost response value meaning the machine accepted the
// most recently delivered cmio request.
const RXAccepted uint64 = 0

// LogType selects which auxiliary data an access log records alongside the
// bare read/write trace: proofs are always included, data and hashes are
// optional extras a caller may not need.
type LogType struct {
	Proofs      bool
	Annotations bool
}

// DefaultLogType requests proofs only, the minimum needed to verify an
// access log against pre- and post-state roots.
var DefaultLogType = LogType{Proofs: true}

// Access is one memory read or write the VM made while executing a logged
// operation.
type Access struct {
	IsWrite       bool
	Address       uint64
	Log2Size      uint8
	Read          []byte        // present only when Log2Size == 3 (one word)
	ReadHash      merkle.Digest // always present
	Written       []byte        // present for writes
	SiblingHashes []merkle.Digest
}

// AccessLog is the full trace of memory accesses one logged VM operation
// made, each with an inclusion proof against the pre-state root (and, for
// writes, enough information to recompute the post-state root).
type AccessLog struct {
	Accesses []Access
}

// MemProof is a Merkle inclusion proof of an aligned memory region against
// the machine's state root.
type MemProof struct {
	TargetHash    merkle.Digest
	SiblingHashes []merkle.Digest
}

// State is a snapshot of a machine's externally-visible flags and root hash,
// returned after every Run/RunUarch/ResetUarch step.
type State struct {
	RootHash merkle.Digest
	Halted   bool
	Yielded  bool
	UHalted  bool
}
