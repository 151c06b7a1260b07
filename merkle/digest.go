// Package merkle implements the structurally-shared binary Merkle tree used
// to commit to a run of leaf values (VM states, big steps, micro steps) and
// to produce and verify inclusion proofs against a tournament's on-chain
// commitment roots.
package merkle

import (
	"encoding/hex"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
)

// Digest is a 32-byte Keccak256 hash, the atomic unit the tree is built from.
// Keccak256 matches the hash the tournament contracts use on-chain, so a
// Digest computed here verifies directly against a contract's stored root.
type Digest [32]byte

// ZeroDigest is the digest of the empty/default leaf.
var ZeroDigest Digest

// FromData hashes an arbitrary byte slice into a Digest.
func FromData(data []byte) Digest {
	var d Digest
	copy(d[:], crypto.Keccak256(data))
	return d
}

// Join hashes two digests together, the operation used at every internal
// node of the tree: parent = Keccak256(left || right).
func (d Digest) Join(other Digest) Digest {
	var buf [64]byte
	copy(buf[:32], d[:])
	copy(buf[32:], other[:])
	return FromData(buf[:])
}

// Bytes returns the digest as a byte slice.
func (d Digest) Bytes() []byte {
	return d[:]
}

// Hex returns the digest in "0x"-prefixed hex form.
func (d Digest) Hex() string {
	return "0x" + hex.EncodeToString(d[:])
}

// String implements fmt.Stringer.
func (d Digest) String() string {
	return d.Hex()
}

// IsZero reports whether d is the zero digest.
func (d Digest) IsZero() bool {
	return d == ZeroDigest
}

// DigestFromHex parses a "0x"-prefixed (or bare) hex string into a Digest.
func DigestFromHex(s string) (Digest, error) {
	s = strings.TrimPrefix(s, "0x")
	b, err := hex.DecodeString(s)
	if err != nil {
		return Digest{}, errors.Wrap(err, "decoding digest hex")
	}
	if len(b) != 32 {
		return Digest{}, errors.Errorf("digest must be 32 bytes, got %d", len(b))
	}
	var d Digest
	copy(d[:], b)
	return d, nil
}
