// Package arena holds the on-chain view of the tournament tree: the
// domain-level types the reader populates and the strategy engine reacts
// to, plus the reader/sender that move bytes to and from the chain.
package arena

import (
	"math/big"

	"github.com/dave-prt/prt-go/merkle"
	"github.com/ethereum/go-ethereum/common"
)

// Clock is a match participant's remaining time budget.
type Clock struct {
	Allowance    *big.Int
	StartInstant *big.Int
	BlockNumber  *big.Int
}

// HasTime reports whether the clock's owner still has time to act.
func (c Clock) HasTime() bool {
	if c.StartInstant != nil && c.StartInstant.Sign() != 0 {
		elapsed := new(big.Int).Sub(c.BlockNumber, c.StartInstant)
		return c.Allowance.Cmp(elapsed) > 0
	}
	return c.Allowance.Sign() > 0
}

// CommitmentState is the per-participant state of a tournament: the clock
// governing their remaining time, the final state they committed to, and
// the index (into TournamentState.Matches) of the match they're currently
// disputing, if any.
type CommitmentState struct {
	Clock       Clock
	FinalState  merkle.Digest
	LatestMatch *int
}

// MatchID identifies a match by the pair of top-level commitment roots
// disputing it. The canonical hash used on-chain is commitment_one joined
// with commitment_two, in the order the match was created.
type MatchID struct {
	CommitmentOne merkle.Digest
	CommitmentTwo merkle.Digest
}

// Hash returns the canonical on-chain hash of the match ID.
func (id MatchID) Hash() merkle.Digest {
	return id.CommitmentOne.Join(id.CommitmentTwo)
}

// MatchState is the on-chain view of one match within a tournament.
type MatchState struct {
	ID                  MatchID
	OtherParent         merkle.Digest
	LeftNode            merkle.Digest
	RightNode           merkle.Digest
	RunningLeafPosition *big.Int
	CurrentHeight       *big.Int
	TournamentAddress   common.Address
	LeafCycle           *big.Int
	InnerTournament     *common.Address
}

// WinnerKind distinguishes a root tournament's winner (a commitment root
// and its final state) from a non-root tournament's winner (the parent
// match claim it resolves, and the dangling commitment that lost).
type WinnerKind int

const (
	// WinnerRoot means the root tournament's arbitrationResult() has settled:
	// Commitment is the winning commitment root, FinalState its agreed state.
	WinnerRoot WinnerKind = iota
	// WinnerInner means a non-root tournament's innerTournamentWinner() has
	// settled: ParentClaim is the parent match's claimed commitment root that
	// this inner tournament vindicates, DanglingClaim the losing side.
	WinnerInner
)

// TournamentWinner is the settled outcome of a tournament, once finished.
type TournamentWinner struct {
	Kind          WinnerKind
	Commitment    merkle.Digest // WinnerRoot
	FinalState    merkle.Digest // WinnerRoot
	ParentClaim   merkle.Digest // WinnerInner
	DanglingClaim merkle.Digest // WinnerInner
}

// TournamentState is the full on-chain view of one tournament (root or
// inner), as assembled by Reader.FetchFromRoot.
type TournamentState struct {
	Address          common.Address
	Level            uint64
	MaxLevel         uint64
	Log2Stride       uint64
	Log2StrideCount  uint64
	BaseCycle        uint64
	InitialState     merkle.Digest
	Parent           *common.Address
	Matches          []MatchState
	CommitmentStates map[merkle.Digest]CommitmentState
	Winner           *TournamentWinner
	CanBeEliminated  bool

	// BlockCreated is the block the tournament (or its creating match seal)
	// was observed at; event queries start from here.
	BlockCreated uint64
}

// IsRoot reports whether t is the root tournament.
func (t *TournamentState) IsRoot() bool {
	return t.Parent == nil
}

// TournamentStateMap is every tournament reachable from the root, keyed by
// address.
type TournamentStateMap map[common.Address]*TournamentState
