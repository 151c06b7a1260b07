package strategy

import (
	"context"
	"math/big"
	"testing"

	"github.com/dave-prt/prt-go/arena"
	"github.com/dave-prt/prt-go/commitment"
	"github.com/dave-prt/prt-go/machine"
	"github.com/dave-prt/prt-go/merkle"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

// fakeBuilder always returns a fixed commitment, independent of the request,
// standing in for commitment.Builder in tests that don't exercise the VM.
type fakeBuilder struct {
	c *commitment.Commitment
}

func (f *fakeBuilder) Build(_ context.Context, _ commitment.Request) (*commitment.Commitment, error) {
	return f.c, nil
}

// fakeSender records every call the player makes, so tests can assert both
// that the right move was submitted and that no other move was.
type fakeSender struct {
	joins        []joinCall
	advances     []advanceCall
	sealedLeaf   []sealCall
	sealedInner  []sealCall
	winInner     []winInnerCall
	winLeaf      []winLeafCall
	winTimeout   []winTimeoutCall
	eliminations []eliminateCall
}

type joinCall struct {
	tournament  common.Address
	finalState  merkle.Digest
	left, right merkle.Digest
}
type advanceCall struct {
	id                arena.MatchID
	left, right       merkle.Digest
	newLeft, newRight merkle.Digest
}
type sealCall struct {
	id                 arena.MatchID
	left, right, agree merkle.Digest
}
type winInnerCall struct {
	tournament, childTournament common.Address
	left, right                 merkle.Digest
}
type winLeafCall struct {
	id          arena.MatchID
	left, right merkle.Digest
	proof       []byte
}
type winTimeoutCall struct {
	id          arena.MatchID
	left, right merkle.Digest
}
type eliminateCall struct {
	id arena.MatchID
}

func (f *fakeSender) JoinTournament(_ context.Context, tournament common.Address, finalState merkle.Digest, _ []merkle.Digest, left, right merkle.Digest, _ *big.Int) error {
	f.joins = append(f.joins, joinCall{tournament: tournament, finalState: finalState, left: left, right: right})
	return nil
}

func (f *fakeSender) AdvanceMatch(_ context.Context, _ common.Address, id arena.MatchID, left, right, newLeft, newRight merkle.Digest) error {
	f.advances = append(f.advances, advanceCall{id: id, left: left, right: right, newLeft: newLeft, newRight: newRight})
	return nil
}

func (f *fakeSender) SealInnerMatchAndCreateInnerTournament(_ context.Context, _ common.Address, id arena.MatchID, left, right, agreeState merkle.Digest, _ []merkle.Digest) error {
	f.sealedInner = append(f.sealedInner, sealCall{id: id, left: left, right: right, agree: agreeState})
	return nil
}

func (f *fakeSender) SealLeafMatch(_ context.Context, _ common.Address, id arena.MatchID, left, right, agreeState merkle.Digest, _ []merkle.Digest) error {
	f.sealedLeaf = append(f.sealedLeaf, sealCall{id: id, left: left, right: right, agree: agreeState})
	return nil
}

func (f *fakeSender) WinInnerMatch(_ context.Context, tournament, childTournament common.Address, left, right merkle.Digest) error {
	f.winInner = append(f.winInner, winInnerCall{tournament: tournament, childTournament: childTournament, left: left, right: right})
	return nil
}

func (f *fakeSender) WinLeafMatch(_ context.Context, _ common.Address, id arena.MatchID, left, right merkle.Digest, proof []byte) error {
	f.winLeaf = append(f.winLeaf, winLeafCall{id: id, left: left, right: right, proof: proof})
	return nil
}

func (f *fakeSender) WinMatchByTimeout(_ context.Context, _ common.Address, id arena.MatchID, left, right merkle.Digest) error {
	f.winTimeout = append(f.winTimeout, winTimeoutCall{id: id, left: left, right: right})
	return nil
}

func (f *fakeSender) EliminateMatchByTimeout(_ context.Context, _ common.Address, id arena.MatchID) error {
	f.eliminations = append(f.eliminations, eliminateCall{id: id})
	return nil
}

var _ arena.Sender = (*fakeSender)(nil)

// buildTestCommitment builds a commitment over n (a power of two) distinct
// leaves, deterministic in n so tests can reason about its shape.
func buildTestCommitment(t *testing.T, n int) *commitment.Commitment {
	t.Helper()
	mb := merkle.NewBuilder()
	for i := 0; i < n; i++ {
		require.NoError(t, mb.Append(merkle.FromData([]byte{byte(i)})))
	}
	tree, err := mb.Build()
	require.NoError(t, err)
	return &commitment.Commitment{ImplicitHash: merkle.FromData([]byte("initial")), Merkle: tree}
}

func newTestPlayer(c *commitment.Commitment, sender *fakeSender) *Player {
	return &Player{
		Sender:      sender,
		Builder:     &fakeBuilder{c: c},
		Constants:   machine.Constants{Log2UarchSpanToBarch: 2, Log2BarchSpanToInput: 2, Log2InputSpanToEpoch: 0, Log2Stride: 0},
		RootInitial: c.ImplicitHash,
	}
}

// TestReactTournamentJoinsWhenUncommitted covers scenario 1 (honest solo
// join): a freshly-discovered root tournament with no prior commitment from
// us submits joinTournament with the commitment's proof-bearing subtrees.
func TestReactTournamentJoinsWhenUncommitted(t *testing.T) {
	ctx := context.Background()
	addr := common.HexToAddress("0x01")
	c := buildTestCommitment(t, 4)
	sender := &fakeSender{}
	p := newTestPlayer(c, sender)

	state := &arena.TournamentState{
		Address:          addr,
		MaxLevel:         2,
		Log2StrideCount:  2,
		CommitmentStates: map[merkle.Digest]arena.CommitmentState{},
	}
	states := arena.TournamentStateMap{addr: state}

	outcome, err := p.reactTournament(ctx, nil, nil, addr, c.ImplicitHash, states)
	require.NoError(t, err)
	require.Equal(t, OutcomeRunning, outcome)

	require.Len(t, sender.joins, 1)
	left, right, ok := c.Merkle.Subtrees()
	require.True(t, ok)
	require.Equal(t, merkle.FromData([]byte{3}), sender.joins[0].finalState) // the last of the four leaves
	require.Equal(t, left.RootHash(), sender.joins[0].left)
	require.Equal(t, right.RootHash(), sender.joins[0].right)

	require.Empty(t, sender.advances)
	require.Empty(t, sender.winTimeout)
}

// TestReactTournamentWaitsWithoutOpponent covers the tick after joining: our
// commitment is recorded but no match exists yet, so react takes no action.
func TestReactTournamentWaitsWithoutOpponent(t *testing.T) {
	ctx := context.Background()
	addr := common.HexToAddress("0x01")
	c := buildTestCommitment(t, 4)
	sender := &fakeSender{}
	p := newTestPlayer(c, sender)

	state := &arena.TournamentState{
		Address:  addr,
		MaxLevel: 2,
		CommitmentStates: map[merkle.Digest]arena.CommitmentState{
			c.RootHash(): {LatestMatch: nil},
		},
	}
	states := arena.TournamentStateMap{addr: state}

	outcome, err := p.reactTournament(ctx, nil, nil, addr, c.ImplicitHash, states)
	require.NoError(t, err)
	require.Equal(t, OutcomeRunning, outcome)
	require.Empty(t, sender.joins)
	require.Empty(t, sender.advances)
}

// TestReactTournamentWonRoot and TestReactTournamentLostRoot cover the root
// tournament's two terminal outcomes.
func TestReactTournamentWonRoot(t *testing.T) {
	ctx := context.Background()
	addr := common.HexToAddress("0x01")
	c := buildTestCommitment(t, 4)
	sender := &fakeSender{}
	p := newTestPlayer(c, sender)

	state := &arena.TournamentState{
		Address:          addr,
		MaxLevel:         2,
		CommitmentStates: map[merkle.Digest]arena.CommitmentState{},
		Winner:           &arena.TournamentWinner{Kind: arena.WinnerRoot, Commitment: c.RootHash(), FinalState: c.ImplicitHash},
	}
	states := arena.TournamentStateMap{addr: state}

	outcome, err := p.reactTournament(ctx, nil, nil, addr, c.ImplicitHash, states)
	require.NoError(t, err)
	require.Equal(t, OutcomeWon, outcome)
}

func TestReactTournamentLostRoot(t *testing.T) {
	ctx := context.Background()
	addr := common.HexToAddress("0x01")
	c := buildTestCommitment(t, 4)
	sender := &fakeSender{}
	p := newTestPlayer(c, sender)

	other := merkle.FromData([]byte("someone else's root"))
	state := &arena.TournamentState{
		Address:          addr,
		MaxLevel:         2,
		CommitmentStates: map[merkle.Digest]arena.CommitmentState{},
		Winner:           &arena.TournamentWinner{Kind: arena.WinnerRoot, Commitment: other},
	}
	states := arena.TournamentStateMap{addr: state}

	outcome, err := p.reactTournament(ctx, nil, nil, addr, c.ImplicitHash, states)
	require.NoError(t, err)
	require.Equal(t, OutcomeLost, outcome)
}

// TestReactMatchTimeoutPreemptsBisection covers scenario 4: an expired
// opponent clock submits winMatchByTimeout and nothing else, even though the
// match's height would otherwise dispatch to bisection.
func TestReactMatchTimeoutPreemptsBisection(t *testing.T) {
	ctx := context.Background()
	addr := common.HexToAddress("0x01")
	c := buildTestCommitment(t, 8)
	sender := &fakeSender{}
	p := newTestPlayer(c, sender)

	opponentRoot := merkle.FromData([]byte("opponent"))
	id := arena.MatchID{CommitmentOne: c.RootHash(), CommitmentTwo: opponentRoot}
	left, right, ok := c.Merkle.Subtrees()
	require.True(t, ok)

	m := &arena.MatchState{
		ID:                  id,
		OtherParent:         c.RootHash(),
		LeftNode:            right.RootHash(), // makes the honest descent go left
		RunningLeafPosition: big.NewInt(0),
		CurrentHeight:       big.NewInt(3),
	}
	state := &arena.TournamentState{
		Address:  addr,
		MaxLevel: 3,
		CommitmentStates: map[merkle.Digest]arena.CommitmentState{
			opponentRoot: {Clock: arena.Clock{Allowance: big.NewInt(0), StartInstant: big.NewInt(0)}},
		},
		Matches: []arena.MatchState{*m},
	}

	err := p.reactMatch(ctx, m, c, state, arena.TournamentStateMap{addr: state}, p.log())
	require.NoError(t, err)

	require.Len(t, sender.winTimeout, 1)
	require.Equal(t, left.RootHash(), sender.winTimeout[0].left)
	require.Equal(t, right.RootHash(), sender.winTimeout[0].right)
	require.Empty(t, sender.advances)
}

// TestReactRunningMatchAdvancesTowardDisagreement covers scenario 2: a match
// at height >= 2 bisects toward the disputed leaf along the side where our
// commitment disagrees with the opponent's claimed node.
func TestReactRunningMatchAdvancesTowardDisagreement(t *testing.T) {
	ctx := context.Background()
	addr := common.HexToAddress("0x01")
	c := buildTestCommitment(t, 8)
	sender := &fakeSender{}
	p := newTestPlayer(c, sender)

	opponentRoot := merkle.FromData([]byte("opponent"))
	id := arena.MatchID{CommitmentOne: c.RootHash(), CommitmentTwo: opponentRoot}
	left, right, ok := c.Merkle.Subtrees()
	require.True(t, ok)

	m := &arena.MatchState{
		ID:                  id,
		OtherParent:         c.RootHash(),
		LeftNode:            right.RootHash(), // differs from left.RootHash() -> descend left
		RunningLeafPosition: big.NewInt(0),
		CurrentHeight:       big.NewInt(3),
	}
	state := &arena.TournamentState{
		Address:  addr,
		MaxLevel: 3,
		CommitmentStates: map[merkle.Digest]arena.CommitmentState{
			opponentRoot: {Clock: arena.Clock{Allowance: big.NewInt(10), StartInstant: big.NewInt(0)}},
		},
		Matches: []arena.MatchState{*m},
	}

	err := p.reactMatch(ctx, m, c, state, arena.TournamentStateMap{addr: state}, p.log())
	require.NoError(t, err)
	require.Empty(t, sender.winTimeout)
	require.Len(t, sender.advances, 1)

	newLeft, newRight, ok := left.Subtrees()
	require.True(t, ok)
	got := sender.advances[0]
	require.Equal(t, left.RootHash(), got.left)
	require.Equal(t, right.RootHash(), got.right)
	require.Equal(t, newLeft.RootHash(), got.newLeft)
	require.Equal(t, newRight.RootHash(), got.newRight)
}

// TestReactSealedLeafMatchWins covers scenario 3: a sealed leaf-level match
// produces a VM step proof and submits winLeafMatch.
func TestReactSealedLeafMatchWins(t *testing.T) {
	ctx := context.Background()
	addr := common.HexToAddress("0x01")
	c := buildTestCommitment(t, 4)
	sender := &fakeSender{}
	p := newTestPlayer(c, sender)
	p.ProofSource = &fakeProofSource{m: machine.NewSimulated([]byte("fixture"), 0, 0, 0)}

	opponentRoot := merkle.FromData([]byte("opponent"))
	id := arena.MatchID{CommitmentOne: c.RootHash(), CommitmentTwo: opponentRoot}
	m := &arena.MatchState{
		ID:                  id,
		RunningLeafPosition: big.NewInt(1),
		CurrentHeight:       big.NewInt(0),
		LeafCycle:           big.NewInt(0),
	}
	state := &arena.TournamentState{
		Address:  addr,
		Level:    1,
		MaxLevel: 2, // Level == MaxLevel-1: leaf level
		CommitmentStates: map[merkle.Digest]arena.CommitmentState{
			opponentRoot: {Clock: arena.Clock{Allowance: big.NewInt(10), StartInstant: big.NewInt(0)}},
		},
		Matches: []arena.MatchState{*m},
	}

	err := p.reactMatch(ctx, m, c, state, arena.TournamentStateMap{addr: state}, p.log())
	require.NoError(t, err)
	require.Len(t, sender.winLeaf, 1)
	require.NotEmpty(t, sender.winLeaf[0].proof)
}

func TestReactWinnerInnerWinsParentMatch(t *testing.T) {
	ctx := context.Background()
	addr := common.HexToAddress("0x02")
	parent := common.HexToAddress("0x01")
	old := buildTestCommitment(t, 4)
	c := buildTestCommitment(t, 4)
	sender := &fakeSender{}
	p := newTestPlayer(c, sender)

	state := &arena.TournamentState{
		Address:  addr,
		Parent:   &parent,
		MaxLevel: 2,
		Winner:   &arena.TournamentWinner{Kind: arena.WinnerInner, ParentClaim: old.RootHash()},
	}

	outcome, err := p.reactWinner(ctx, state, c, old, p.log())
	require.NoError(t, err)
	require.Equal(t, OutcomeRunning, outcome)
	require.Len(t, sender.winInner, 1)
	left, right, ok := old.Merkle.Subtrees()
	require.True(t, ok)
	require.Equal(t, left.RootHash(), sender.winInner[0].left)
	require.Equal(t, right.RootHash(), sender.winInner[0].right)
}
