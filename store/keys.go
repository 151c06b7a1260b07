package store

import "encoding/binary"

// Key prefixes for the logical tables described in the store's contract.
// Lexicographic ordering of big-endian-encoded integers after each prefix
// gives ordered scans for free, which is how pebble's iterators satisfy the
// dense-index range reads the commitment builder and reader need.
const (
	prefixInput                = "in/"
	prefixLeaf                 = "lf/"
	prefixSubTree              = "st/"
	prefixSnapshot             = "sn/"
	prefixEpochSnapshotIndex   = "ei/"
	prefixSettlement           = "se/"
	keyLatestProcessedBlock    = "lpb"
	keyTemplateMachineSnapshot = "sn/template_machine"
)

func be64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func inputKey(index uint64) []byte {
	return append([]byte(prefixInput), be64(index)...)
}

func leafKey(level uint32, baseCycle uint64, leafIndex uint64) []byte {
	k := make([]byte, 0, len(prefixLeaf)+4+8+8)
	k = append(k, prefixLeaf...)
	k = append(k, be64(uint64(level))...)
	k = append(k, be64(baseCycle)...)
	k = append(k, be64(leafIndex)...)
	return k
}

func leafPrefix(level uint32, baseCycle uint64) []byte {
	k := make([]byte, 0, len(prefixLeaf)+16)
	k = append(k, prefixLeaf...)
	k = append(k, be64(uint64(level))...)
	k = append(k, be64(baseCycle)...)
	return k
}

func subTreeKey(rootHash [32]byte, leafIndex uint64) []byte {
	k := make([]byte, 0, len(prefixSubTree)+32+8)
	k = append(k, prefixSubTree...)
	k = append(k, rootHash[:]...)
	k = append(k, be64(leafIndex)...)
	return k
}

func subTreePrefix(rootHash [32]byte) []byte {
	k := make([]byte, 0, len(prefixSubTree)+32)
	k = append(k, prefixSubTree...)
	k = append(k, rootHash[:]...)
	return k
}

func snapshotKey(stateHash [32]byte) []byte {
	k := make([]byte, 0, len(prefixSnapshot)+32)
	k = append(k, prefixSnapshot...)
	k = append(k, stateHash[:]...)
	return k
}

func epochSnapshotIndexKey(epoch uint64) []byte {
	return append([]byte(prefixEpochSnapshotIndex), be64(epoch)...)
}

func settlementKey(epoch uint64) []byte {
	return append([]byte(prefixSettlement), be64(epoch)...)
}

// prefixUpperBound returns the smallest key greater than every key with the
// given prefix, for use as a pebble iterator's UpperBound.
func prefixUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil // prefix was all 0xff; unbounded scan
}
