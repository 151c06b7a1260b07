package commitment

import (
	"context"
	"strings"
	"testing"

	"github.com/dave-prt/prt-go/machine"
	"github.com/dave-prt/prt-go/merkle"
	"github.com/dave-prt/prt-go/store"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

// countingSource wraps a Simulated machine and counts how many times the VM
// was actually driven, so tests can assert the leaf cache is honored.
type countingSource struct {
	m      *machine.Simulated
	drives int
}

func (c *countingSource) PositionAt(_ context.Context, _ *uint256.Int) (machine.Machine, error) {
	return c.m, nil
}

func (c *countingSource) AdvanceRollups(ctx context.Context, m machine.Machine, target uint64) (machine.State, error) {
	c.drives++
	return m.Run(ctx, target)
}

func (c *countingSource) Snapshot(ctx context.Context, m machine.Machine) (merkle.Digest, error) {
	return m.RootHash(ctx)
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, s.Close()) })
	return s
}

func initialState(t *testing.T, m *machine.Simulated) merkle.Digest {
	t.Helper()
	root, err := m.RootHash(context.Background())
	require.NoError(t, err)
	return root
}

func TestBuildBigStrideDeterministic(t *testing.T) {
	ctx := context.Background()
	constants := machine.Constants{Log2UarchSpanToBarch: 2, Log2BarchSpanToInput: 0, Log2InputSpanToEpoch: 0, Log2Stride: 2}
	require.NoError(t, constants.Validate())

	build := func() merkle.Digest {
		st := openTestStore(t)
		m := machine.NewSimulated([]byte("fixture"), 0, 0, 0)
		src := &countingSource{m: m}
		b, err := NewBuilder(st, constants, src, 8)
		require.NoError(t, err)

		req := Request{
			Level:           0,
			BaseCycle:       0,
			MetaCycleBase:   uint256.NewInt(0),
			Log2Stride:      2,
			Log2StrideCount: 2,
			InitialState:    initialState(t, m),
		}
		c, err := b.Build(ctx, req)
		require.NoError(t, err)
		return c.RootHash()
	}

	require.Equal(t, build(), build())
}

func TestBuildBigStrideUsesCachedLeaves(t *testing.T) {
	ctx := context.Background()
	constants := machine.Constants{Log2UarchSpanToBarch: 2, Log2BarchSpanToInput: 0, Log2InputSpanToEpoch: 0, Log2Stride: 2}

	st := openTestStore(t)
	m := machine.NewSimulated([]byte("fixture"), 0, 0, 0)
	src := &countingSource{m: m}
	b, err := NewBuilder(st, constants, src, 0) // disable the hot cache to exercise the durable leaf cache
	require.NoError(t, err)

	req := Request{
		Level:           1,
		BaseCycle:       7,
		MetaCycleBase:   uint256.NewInt(0),
		Log2Stride:      2,
		Log2StrideCount: 3,
		InitialState:    initialState(t, m),
	}

	first, err := b.Build(ctx, req)
	require.NoError(t, err)
	require.Greater(t, src.drives, 0)

	drivesAfterFirst := src.drives
	second, err := b.Build(ctx, req)
	require.NoError(t, err)
	require.Equal(t, drivesAfterFirst, src.drives, "second build must reuse persisted leaves without touching the VM")
	require.Equal(t, first.RootHash(), second.RootHash())
}

func TestBuildSmallStrideUarchSubtree(t *testing.T) {
	ctx := context.Background()
	// Log2StrideCount must be >= Log2UarchSpanToBarch: the outer loop runs
	// 2^(Log2StrideCount-Log2UarchSpanToBarch) big-steps, each contributing a
	// uarch subtree of 2*UarchSpan leaves (see buildUarchSubtree), so the
	// resulting tree has height Log2StrideCount+1, not Log2StrideCount.
	constants := machine.Constants{Log2UarchSpanToBarch: 1, Log2BarchSpanToInput: 0, Log2InputSpanToEpoch: 0, Log2Stride: 0}
	require.NoError(t, constants.Validate())

	st := openTestStore(t)
	m := machine.NewSimulated([]byte("fixture"), 0, 0, 0)
	src := &countingSource{m: m}
	b, err := NewBuilder(st, constants, src, 8)
	require.NoError(t, err)

	req := Request{
		Level:           2,
		BaseCycle:       0,
		MetaCycleBase:   uint256.NewInt(0),
		Log2Stride:      0,
		Log2StrideCount: 3,
		InitialState:    initialState(t, m),
	}
	c, err := b.Build(ctx, req)
	require.NoError(t, err)
	require.Equal(t, uint32(req.Log2StrideCount+1), c.Merkle.Height())
}

func TestBuildStateMismatch(t *testing.T) {
	ctx := context.Background()
	constants := machine.Constants{Log2UarchSpanToBarch: 2, Log2BarchSpanToInput: 0, Log2InputSpanToEpoch: 0, Log2Stride: 2}

	st := openTestStore(t)
	m := machine.NewSimulated([]byte("fixture"), 0, 0, 0)
	src := &countingSource{m: m}
	b, err := NewBuilder(st, constants, src, 8)
	require.NoError(t, err)

	wrong, err := merkle.DigestFromHex("0x" + "11" + strings.Repeat("00", 31))
	require.NoError(t, err)

	_, err = b.Build(ctx, Request{
		Level:           3,
		BaseCycle:       0,
		MetaCycleBase:   uint256.NewInt(0),
		Log2Stride:      2,
		Log2StrideCount: 2,
		InitialState:    wrong,
	})
	require.ErrorIs(t, err, ErrStateMismatch)
}
