package machine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSimulatedDeterminism(t *testing.T) {
	ctx := context.Background()
	seed := []byte("fixture")

	a := NewSimulated(seed, 100, 10, 4)
	b := NewSimulated(seed, 100, 10, 4)

	stateA, err := a.Run(ctx, 50)
	require.NoError(t, err)
	stateB, err := b.Run(ctx, 50)
	require.NoError(t, err)
	require.Equal(t, stateA.RootHash, stateB.RootHash)

	require.NoError(t, a.WriteMemory(ctx, CheckpointAddress, []byte("input")))
	require.NoError(t, a.SendCmioResponse(ctx, CmioResponseReasonAdvance, []byte("payload")))
	require.NoError(t, b.WriteMemory(ctx, CheckpointAddress, []byte("input")))
	require.NoError(t, b.SendCmioResponse(ctx, CmioResponseReasonAdvance, []byte("payload")))

	rootA, err := a.RootHash(ctx)
	require.NoError(t, err)
	rootB, err := b.RootHash(ctx)
	require.NoError(t, err)
	require.Equal(t, rootA, rootB)
}

func TestSimulatedHaltsAndYields(t *testing.T) {
	ctx := context.Background()
	m := NewSimulated([]byte("x"), 30, 10, 0)

	state, err := m.Run(ctx, 10)
	require.NoError(t, err)
	require.True(t, state.Yielded)
	require.False(t, state.Halted)

	for i := 0; i < 10; i++ {
		state, err = m.Run(ctx, 100)
		require.NoError(t, err)
		if state.Halted {
			break
		}
		require.True(t, state.Yielded)
	}
	require.True(t, state.Halted)
}
