// Package store implements the durable, transactional, crash-safe local
// persistence layer a player instance keeps per root tournament: inputs,
// cached commitment leaves, VM snapshots, and sealed-epoch settlements.
package store

import (
	"encoding/binary"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/dave-prt/prt-go/merkle"
	"github.com/pkg/errors"
)

// Sentinel consistency errors. These indicate corruption or a caller bug
// and are meant to propagate out of the process, per the error taxonomy.
var (
	ErrInconsistentInput         = errors.New("INCONSISTENT_INPUT")
	ErrInconsistentEpoch         = errors.New("INCONSISTENT_EPOCH")
	ErrInconsistentLastProcessed = errors.New("INCONSISTENT_LAST_PROCESSED")
	ErrDuplicateLeaf             = errors.New("duplicate leaf index")
	ErrNotFound                  = errors.New("not found")
)

// Store wraps a pebble database implementing the six logical tables. All
// writes are serialized through mu, matching the "single mutex around the
// connection" concurrency contract; reads take the read lock so independent
// lookups from concurrent strategy goroutines never block each other.
type Store struct {
	mu sync.RWMutex
	db *pebble.DB
}

// Open creates or opens the store at path.
func Open(path string) (*Store, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, errors.Wrap(err, "opening pebble store")
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func encodeLeaf(r LeafRecord) []byte {
	b := make([]byte, 40)
	copy(b[:32], r.Hash[:])
	binary.BigEndian.PutUint64(b[32:], r.Repetitions)
	return b
}

func decodeLeaf(b []byte) (LeafRecord, error) {
	if len(b) != 40 {
		return LeafRecord{}, errors.Errorf("corrupt leaf record: %d bytes", len(b))
	}
	var r LeafRecord
	copy(r.Hash[:], b[:32])
	r.Repetitions = binary.BigEndian.Uint64(b[32:])
	return r, nil
}

// get is a small helper around pebble.DB.Get that normalizes ErrNotFound.
func (s *Store) get(key []byte) ([]byte, bool, error) {
	v, closer, err := s.db.Get(key)
	if err == pebble.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true, closer.Close()
}

// InsertInput appends input k. The previous input k-1 must already exist
// (except for k == 0) and k itself must be absent, enforcing the
// append-only, consecutively-indexed contract.
func (s *Store) InsertInput(index uint64, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if index > 0 {
		_, ok, err := s.get(inputKey(index - 1))
		if err != nil {
			return err
		}
		if !ok {
			return errors.Wrapf(ErrInconsistentInput, "index %d inserted before predecessor", index)
		}
	}
	_, exists, err := s.get(inputKey(index))
	if err != nil {
		return err
	}
	if exists {
		return errors.Wrapf(ErrInconsistentInput, "index %d already present", index)
	}
	return s.db.Set(inputKey(index), data, pebble.Sync)
}

// Input fetches the input at index.
func (s *Store) Input(index uint64) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.get(inputKey(index))
}

// LastInput returns the highest-indexed input inserted so far.
func (s *Store) LastInput() (index uint64, data []byte, ok bool, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefixInput),
		UpperBound: prefixUpperBound([]byte(prefixInput)),
	})
	if err != nil {
		return 0, nil, false, err
	}
	defer iter.Close()

	if !iter.Last() {
		return 0, nil, false, nil
	}
	key := iter.Key()
	index = binary.BigEndian.Uint64(key[len(prefixInput):])
	value := make([]byte, len(iter.Value()))
	copy(value, iter.Value())
	return index, value, true, nil
}

// InsertLeaves appends leaf records for (level, baseCycle) starting at
// startIndex, which must equal the current dense count for that pair.
func (s *Store) InsertLeaves(level uint32, baseCycle uint64, startIndex uint64, leaves []LeafRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if startIndex > 0 {
		_, closer, err := s.db.Get(leafKey(level, baseCycle, startIndex-1))
		if err == pebble.ErrNotFound {
			return errors.Errorf("level %d base_cycle %d: start index %d leaves a gap", level, baseCycle, startIndex)
		} else if err != nil {
			return err
		}
		closer.Close()
	}

	batch := s.db.NewBatch()
	defer batch.Close()
	for i, leaf := range leaves {
		idx := startIndex + uint64(i)
		key := leafKey(level, baseCycle, idx)
		if _, closer, err := s.db.Get(key); err == nil {
			closer.Close()
			return errors.Wrapf(ErrDuplicateLeaf, "level %d base_cycle %d index %d", level, baseCycle, idx)
		} else if err != pebble.ErrNotFound {
			return err
		}
		if err := batch.Set(key, encodeLeaf(leaf), nil); err != nil {
			return err
		}
	}
	return batch.Commit(pebble.Sync)
}

// Leaves returns all leaf records cached for (level, baseCycle) in index
// order.
func (s *Store) Leaves(level uint32, baseCycle uint64) ([]LeafRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	prefix := leafPrefix(level, baseCycle)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []LeafRecord
	for iter.First(); iter.Valid(); iter.Next() {
		rec, err := decodeLeaf(iter.Value())
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// InsertSubTreeLeaves persists the leaves of a recursively-used subtree
// (e.g. a uarch span) keyed by its root hash. Insertion is idempotent: a
// collision with an existing root hash is a silent no-op, since the leaves
// of a tree with a given root are necessarily identical.
func (s *Store) InsertSubTreeLeaves(rootHash merkle.Digest, leaves []LeafRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, closer, err := s.db.Get(subTreeKey(rootHash, 0)); err == nil {
		closer.Close()
		return nil
	} else if err != pebble.ErrNotFound {
		return err
	}

	batch := s.db.NewBatch()
	defer batch.Close()
	for i, leaf := range leaves {
		if err := batch.Set(subTreeKey(rootHash, uint64(i)), encodeLeaf(leaf), nil); err != nil {
			return err
		}
	}
	return batch.Commit(pebble.Sync)
}

// SubTreeLeaves returns the persisted leaves for a subtree root, if any.
func (s *Store) SubTreeLeaves(rootHash merkle.Digest) ([]LeafRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	prefix := subTreePrefix(rootHash)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return nil, false, err
	}
	defer iter.Close()

	var out []LeafRecord
	for iter.First(); iter.Valid(); iter.Next() {
		rec, err := decodeLeaf(iter.Value())
		if err != nil {
			return nil, false, err
		}
		out = append(out, rec)
	}
	return out, len(out) > 0, nil
}

// InsertSnapshot records that the VM image with the given state hash lives
// at path. A collision on state_hash is a no-op: snapshots are
// content-addressed, so identical hashes imply identical contents.
func (s *Store) InsertSnapshot(stateHash merkle.Digest, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := snapshotKey(stateHash)
	if _, closer, err := s.db.Get(key); err == nil {
		closer.Close()
		return nil
	} else if err != pebble.ErrNotFound {
		return err
	}
	return s.db.Set(key, []byte(path), pebble.Sync)
}

// SnapshotPath returns the on-disk path for a snapshot keyed by state hash.
func (s *Store) SnapshotPath(stateHash merkle.Digest) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok, err := s.get(snapshotKey(stateHash))
	if err != nil || !ok {
		return "", ok, err
	}
	return string(v), true, nil
}

// SetTemplateMachineSnapshot records the path of the reserved GC root
// snapshot, which InsertSnapshot/GC never reclaims.
func (s *Store) SetTemplateMachineSnapshot(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Set([]byte(keyTemplateMachineSnapshot), []byte(path), pebble.Sync)
}

// TemplateMachineSnapshot returns the reserved GC root snapshot path, if set.
func (s *Store) TemplateMachineSnapshot() (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok, err := s.get([]byte(keyTemplateMachineSnapshot))
	return string(v), ok, err
}

// epochCount returns max(epoch)+1 across the epoch_snapshot_index table, or
// 0 when empty.
func (s *Store) epochCount() (uint64, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefixEpochSnapshotIndex),
		UpperBound: prefixUpperBound([]byte(prefixEpochSnapshotIndex)),
	})
	if err != nil {
		return 0, err
	}
	defer iter.Close()
	if !iter.Last() {
		return 0, nil
	}
	key := iter.Key()
	return binary.BigEndian.Uint64(key[len(prefixEpochSnapshotIndex):]) + 1, nil
}

// InsertEpochSnapshotIndex records the state hash the given epoch's input
// feed settled into. epoch must equal the current epoch count.
func (s *Store) InsertEpochSnapshotIndex(epoch uint64, stateHash merkle.Digest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	count, err := s.epochCount()
	if err != nil {
		return err
	}
	if epoch != count {
		return errors.Wrapf(ErrInconsistentEpoch, "epoch %d, expected %d", epoch, count)
	}
	return s.db.Set(epochSnapshotIndexKey(epoch), stateHash[:], pebble.Sync)
}

// InsertSettlement records the final artifact for a sealed epoch. epoch must
// equal the current settlement count.
func (s *Store) InsertSettlement(settlement Settlement) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefixSettlement),
		UpperBound: prefixUpperBound([]byte(prefixSettlement)),
	})
	if err != nil {
		return err
	}
	var count uint64
	if iter.Last() {
		key := iter.Key()
		count = binary.BigEndian.Uint64(key[len(prefixSettlement):]) + 1
	}
	iter.Close()

	if settlement.Epoch != count {
		return errors.Wrapf(ErrInconsistentEpoch, "settlement epoch %d, expected %d", settlement.Epoch, count)
	}

	value := make([]byte, 0, 96+len(settlement.OutputProof))
	value = append(value, settlement.ComputationHash[:]...)
	value = append(value, settlement.OutputMerkle[:]...)
	value = append(value, settlement.OutputProof...)
	return s.db.Set(settlementKey(settlement.Epoch), value, pebble.Sync)
}

// Settlement returns the settlement recorded for epoch, if any.
func (s *Store) Settlement(epoch uint64) (*Settlement, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok, err := s.get(settlementKey(epoch))
	if err != nil || !ok {
		return nil, ok, err
	}
	if len(v) < 64 {
		return nil, false, errors.New("corrupt settlement record")
	}
	settlement := &Settlement{Epoch: epoch}
	copy(settlement.ComputationHash[:], v[:32])
	copy(settlement.OutputMerkle[:], v[32:64])
	settlement.OutputProof = append([]byte(nil), v[64:]...)
	return settlement, true, nil
}

// UpdateLatestProcessedBlock advances the input-ingestion cursor. b must be
// strictly greater than the previously recorded value.
func (s *Store) UpdateLatestProcessedBlock(b uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok, err := s.get([]byte(keyLatestProcessedBlock))
	if err != nil {
		return err
	}
	if ok {
		prevBlock := binary.BigEndian.Uint64(prev)
		if b <= prevBlock {
			return errors.Wrapf(ErrInconsistentLastProcessed, "block %d <= previous %d", b, prevBlock)
		}
	}
	return s.db.Set([]byte(keyLatestProcessedBlock), be64(b), pebble.Sync)
}

// LatestProcessedBlock returns the input-ingestion cursor.
func (s *Store) LatestProcessedBlock() (uint64, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok, err := s.get([]byte(keyLatestProcessedBlock))
	if err != nil || !ok {
		return 0, ok, err
	}
	return binary.BigEndian.Uint64(v), true, nil
}

// GC deletes every epoch_snapshot_index row with epoch <= upper, then
// deletes every snapshot no longer referenced by a surviving index row or
// by the reserved template_machine root.
func (s *Store) GC(upper uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch := s.db.NewBatch()
	defer batch.Close()

	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefixEpochSnapshotIndex),
		UpperBound: prefixUpperBound([]byte(prefixEpochSnapshotIndex)),
	})
	if err != nil {
		return err
	}

	referenced := make(map[merkle.Digest]bool)
	for iter.First(); iter.Valid(); iter.Next() {
		key := iter.Key()
		epoch := binary.BigEndian.Uint64(key[len(prefixEpochSnapshotIndex):])
		var hash merkle.Digest
		copy(hash[:], iter.Value())
		if epoch <= upper {
			if err := batch.Delete(append([]byte(nil), key...), nil); err != nil {
				iter.Close()
				return err
			}
			continue
		}
		referenced[hash] = true
	}
	if err := iter.Close(); err != nil {
		return err
	}

	// The template_machine row holds a snapshot path, not a state hash, so
	// snapshots are matched against it by the path they point at.
	template, templateSet, err := s.get([]byte(keyTemplateMachineSnapshot))
	if err != nil {
		return err
	}

	snapIter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefixSnapshot),
		UpperBound: prefixUpperBound([]byte(prefixSnapshot)),
	})
	if err != nil {
		return err
	}
	for snapIter.First(); snapIter.Valid(); snapIter.Next() {
		key := snapIter.Key()
		if string(key) == keyTemplateMachineSnapshot {
			continue
		}
		var hash merkle.Digest
		copy(hash[:], key[len(prefixSnapshot):])
		if !referenced[hash] && !(templateSet && string(snapIter.Value()) == string(template)) {
			if err := batch.Delete(append([]byte(nil), key...), nil); err != nil {
				snapIter.Close()
				return err
			}
		}
	}
	if err := snapIter.Close(); err != nil {
		return err
	}

	return batch.Commit(pebble.Sync)
}
