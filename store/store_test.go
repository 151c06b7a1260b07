package store

import (
	"testing"

	"github.com/dave-prt/prt-go/merkle"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })
	return s
}

func TestInputOrdering(t *testing.T) {
	s := openTestStore(t)

	require.Error(t, s.InsertInput(1, []byte("skips zero")))

	require.NoError(t, s.InsertInput(0, []byte("a")))
	require.Error(t, s.InsertInput(0, []byte("dup")))
	require.Error(t, s.InsertInput(2, []byte("gap")))

	require.NoError(t, s.InsertInput(1, []byte("b")))

	index, data, ok, err := s.LastInput()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(1), index)
	require.Equal(t, []byte("b"), data)
}

func TestLatestProcessedBlockMonotone(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.UpdateLatestProcessedBlock(10))
	require.Error(t, s.UpdateLatestProcessedBlock(10))
	require.Error(t, s.UpdateLatestProcessedBlock(5))
	require.NoError(t, s.UpdateLatestProcessedBlock(11))

	b, ok, err := s.LatestProcessedBlock()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(11), b)
}

func TestLeavesRoundTrip(t *testing.T) {
	s := openTestStore(t)

	leaves := []LeafRecord{
		{Hash: merkle.FromData([]byte("a")), Repetitions: 1},
		{Hash: merkle.FromData([]byte("b")), Repetitions: 3},
	}
	require.NoError(t, s.InsertLeaves(2, 100, 0, leaves))
	require.Error(t, s.InsertLeaves(2, 100, 0, leaves))

	got, err := s.Leaves(2, 100)
	require.NoError(t, err)
	require.Equal(t, leaves, got)

	empty, err := s.Leaves(2, 200)
	require.NoError(t, err)
	require.Empty(t, empty)
}

func TestSubTreeLeavesIdempotent(t *testing.T) {
	s := openTestStore(t)

	root := merkle.FromData([]byte("root"))
	leaves := []LeafRecord{{Hash: merkle.FromData([]byte("x")), Repetitions: 1}}
	require.NoError(t, s.InsertSubTreeLeaves(root, leaves))
	require.NoError(t, s.InsertSubTreeLeaves(root, []LeafRecord{{Hash: merkle.ZeroDigest, Repetitions: 99}}))

	got, ok, err := s.SubTreeLeaves(root)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, leaves, got)
}

func TestSnapshotDeduplication(t *testing.T) {
	s := openTestStore(t)

	hash := merkle.FromData([]byte("state"))
	require.NoError(t, s.InsertSnapshot(hash, "/path/one"))
	require.NoError(t, s.InsertSnapshot(hash, "/path/two"))

	path, ok, err := s.SnapshotPath(hash)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "/path/one", path)
}

func TestGCReachability(t *testing.T) {
	s := openTestStore(t)

	template := merkle.FromData([]byte("template"))
	require.NoError(t, s.SetTemplateMachineSnapshot("/snap/template"))
	require.NoError(t, s.InsertSnapshot(template, "/snap/template"))

	old := merkle.FromData([]byte("old"))
	recent := merkle.FromData([]byte("recent"))
	require.NoError(t, s.InsertSnapshot(old, "/snap/old"))
	require.NoError(t, s.InsertSnapshot(recent, "/snap/recent"))
	require.NoError(t, s.InsertEpochSnapshotIndex(0, old))
	require.NoError(t, s.InsertEpochSnapshotIndex(1, recent))

	require.NoError(t, s.GC(0))

	_, ok, err := s.SnapshotPath(old)
	require.NoError(t, err)
	require.False(t, ok)

	_, ok, err = s.SnapshotPath(recent)
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = s.SnapshotPath(template)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestEpochOrdering(t *testing.T) {
	s := openTestStore(t)

	require.Error(t, s.InsertEpochSnapshotIndex(1, merkle.ZeroDigest))
	require.NoError(t, s.InsertEpochSnapshotIndex(0, merkle.ZeroDigest))
	require.Error(t, s.InsertEpochSnapshotIndex(0, merkle.ZeroDigest))
	require.NoError(t, s.InsertEpochSnapshotIndex(1, merkle.ZeroDigest))
}

func TestSettlementRoundTrip(t *testing.T) {
	s := openTestStore(t)

	settlement := Settlement{
		Epoch:           0,
		ComputationHash: merkle.FromData([]byte("computation")),
		OutputMerkle:    merkle.FromData([]byte("merkle")),
		OutputProof:     []byte{1, 2, 3},
	}
	require.NoError(t, s.InsertSettlement(settlement))

	got, ok, err := s.Settlement(0)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, settlement, *got)
}
