// Package strategy implements the dispute player: the per-tick logic that
// inspects a tournament tree and decides what move, if any, to submit.
package strategy

import (
	"context"
	"math/big"

	"github.com/dave-prt/prt-go/arena"
	"github.com/dave-prt/prt-go/commitment"
	"github.com/dave-prt/prt-go/machine"
	"github.com/dave-prt/prt-go/merkle"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Outcome is the terminal or ongoing result of one react() call for the
// root tournament.
type Outcome int

const (
	OutcomeRunning Outcome = iota
	OutcomeWon
	OutcomeLost
)

func (o Outcome) String() string {
	switch o {
	case OutcomeWon:
		return "tournament won"
	case OutcomeLost:
		return "tournament lost"
	default:
		return "running"
	}
}

// Builder is the subset of commitment.Builder the player needs.
type Builder interface {
	Build(ctx context.Context, req commitment.Request) (*commitment.Commitment, error)
}

// Player drives one root tournament: each tick it fetches fresh chain
// state, runs garbage collection, then walks the tournament tree
// top-down deciding and submitting at most one move per match. Grounded
// on client-rs's strategy/player.rs Player::react, generalized from
// async recursion (Rust's stack-growth-averse idiom) to Go's native
// recursion, which doesn't need the same accommodation.
type Player struct {
	Reader         *arena.Reader
	Sender         arena.Sender
	Builder        Builder
	ProofSource    ProofSource
	Constants      machine.Constants
	RootTournament common.Address
	RootInitial    merkle.Digest // the machine's state hash at meta-cycle 0
	GC             *GarbageCollector
	Log            logrus.FieldLogger
}

func (p *Player) log() logrus.FieldLogger {
	if p.Log == nil {
		return logrus.StandardLogger()
	}
	return p.Log
}

// React runs one tick: fetch, garbage collect, then react to the root
// tournament.
func (p *Player) React(ctx context.Context, blockCreated uint64) (Outcome, error) {
	states, err := p.Reader.FetchFromRoot(ctx, p.RootTournament, blockCreated)
	if err != nil {
		return OutcomeRunning, errors.Wrap(err, "fetching tournament states")
	}

	if p.GC != nil {
		if err := p.GC.React(ctx, states); err != nil {
			return OutcomeRunning, errors.Wrap(err, "garbage collecting")
		}
	}

	return p.reactTournament(ctx, nil, nil, p.RootTournament, p.RootInitial, states)
}

func lookupTournament(states arena.TournamentStateMap, address common.Address) (*arena.TournamentState, error) {
	t, ok := states[address]
	if !ok {
		return nil, errors.Errorf("tournament state not found for %s", address)
	}
	return t, nil
}

// reactTournament is react_tournament from player.rs, generalized to carry
// the tournament's initial state explicitly since our reader doesn't
// observe it on-chain (see DESIGN.md's resolved interpretation).
// parentMatch is the match, in the parent tournament, that this tournament
// was created to settle; nil for the root.
func (p *Player) reactTournament(ctx context.Context, oldCommitment *commitment.Commitment, parentMatch *arena.MatchID, address common.Address, initialState merkle.Digest, states arena.TournamentStateMap) (Outcome, error) {
	log := p.log().WithField("tournament", address)
	log.Info("entering tournament")

	t, err := lookupTournament(states, address)
	if err != nil {
		return OutcomeRunning, err
	}

	if !t.IsRoot() && t.CanBeEliminated && parentMatch != nil {
		log.Info("eliminating abandoned inner tournament")
		if err := p.Sender.EliminateMatchByTimeout(ctx, *t.Parent, *parentMatch); err != nil {
			return OutcomeRunning, err
		}
		return OutcomeRunning, nil
	}

	c, err := p.Builder.Build(ctx, commitment.Request{
		Level:           uint32(t.Level),
		BaseCycle:       t.BaseCycle,
		MetaCycleBase:   uint256.NewInt(t.BaseCycle),
		Log2Stride:      uint(t.Log2Stride),
		Log2StrideCount: uint(t.Log2StrideCount),
		InitialState:    initialState,
	})
	if err != nil {
		return OutcomeRunning, errors.Wrap(err, "building commitment")
	}

	if t.Winner != nil {
		return p.reactWinner(ctx, t, c, oldCommitment, log)
	}

	cs, ok := t.CommitmentStates[c.RootHash()]
	if !ok {
		return OutcomeRunning, p.joinTournamentIfNeeded(ctx, t, c, log)
	}

	log.WithField("allowance", cs.Clock.Allowance).Info("commitment already joined")
	if cs.LatestMatch == nil {
		log.Info("no match found yet, waiting for opponent")
		return OutcomeRunning, nil
	}
	match := t.Matches[*cs.LatestMatch]
	return OutcomeRunning, p.reactMatch(ctx, &match, c, t, states, log)
}

func (p *Player) reactWinner(ctx context.Context, t *arena.TournamentState, c *commitment.Commitment, oldCommitment *commitment.Commitment, log logrus.FieldLogger) (Outcome, error) {
	w := t.Winner
	switch w.Kind {
	case arena.WinnerRoot:
		log.WithField("winner", w.Commitment).Info("tournament finished")
		if c.RootHash() == w.Commitment {
			log.Info("player won tournament")
			return OutcomeWon, nil
		}
		log.Warn("player lost tournament")
		return OutcomeLost, nil
	default: // arena.WinnerInner
		if oldCommitment == nil {
			return OutcomeRunning, errors.New("inner tournament winner observed with no parent commitment in scope")
		}
		if w.ParentClaim != oldCommitment.RootHash() {
			log.Warn("player lost tournament")
			return OutcomeLost, nil
		}
		left, right, ok := oldCommitment.Merkle.Subtrees()
		if !ok {
			return OutcomeRunning, errors.New("parent commitment has no subtrees")
		}
		if t.Parent == nil {
			return OutcomeRunning, errors.New("inner tournament has no parent address")
		}
		log.WithField("level", t.Level).Info("winning inner match in parent tournament")
		if err := p.Sender.WinInnerMatch(ctx, *t.Parent, t.Address, left.RootHash(), right.RootHash()); err != nil {
			return OutcomeRunning, err
		}
		return OutcomeRunning, nil
	}
}

func (p *Player) joinTournamentIfNeeded(ctx context.Context, t *arena.TournamentState, c *commitment.Commitment, log logrus.FieldLogger) error {
	left, right, ok := c.Merkle.Subtrees()
	if !ok {
		return errors.New("commitment has no subtrees to join with")
	}
	proofLast, err := c.Merkle.ProveLast()
	if err != nil {
		return errors.Wrap(err, "proving last leaf")
	}

	log.WithField("commitment", c.RootHash()).Info("joining tournament")
	bond, err := tournamentBond(ctx, t)
	if err != nil {
		return err
	}
	return p.Sender.JoinTournament(ctx, t.Address, proofLast.Node, proofLast.Siblings, left.RootHash(), right.RootHash(), bond)
}

// tournamentBond is the value joinTournament must be sent with. Every
// tournament in this protocol family uses a fixed bond rather than a
// per-call query, so there is nothing to fetch from chain; callers that
// need a chain-configured bond should wrap Sender.JoinTournament directly.
func tournamentBond(_ context.Context, _ *arena.TournamentState) (*big.Int, error) {
	return big.NewInt(0), nil
}

func (p *Player) reactMatch(ctx context.Context, m *arena.MatchState, c *commitment.Commitment, t *arena.TournamentState, states arena.TournamentStateMap, log logrus.FieldLogger) error {
	log = log.WithField("height", m.CurrentHeight)
	log.Info("entering match")

	acted, err := p.winTimeoutMatch(ctx, m, c, t, log)
	if err != nil {
		return err
	}
	if acted {
		return nil
	}

	switch {
	case m.CurrentHeight.Sign() == 0:
		return p.reactSealedMatch(ctx, m, c, t, states, log)
	case m.CurrentHeight.Cmp(big.NewInt(1)) == 0:
		return p.reactUnsealedMatch(ctx, m, c, t, log)
	default:
		return p.reactRunningMatch(ctx, m, c, t, log)
	}
}

// winTimeoutMatch submits a timeout win when the opponent's clock has
// expired, reporting acted=true so reactMatch never follows it with a
// second, height-based action in the same tick.
func (p *Player) winTimeoutMatch(ctx context.Context, m *arena.MatchState, c *commitment.Commitment, t *arena.TournamentState, log logrus.FieldLogger) (acted bool, err error) {
	opponentRoot := m.ID.CommitmentOne
	if c.RootHash() == m.ID.CommitmentOne {
		opponentRoot = m.ID.CommitmentTwo
	}
	opponent, ok := t.CommitmentStates[opponentRoot]
	if !ok {
		return false, errors.Errorf("commitment state not found for opponent %s", opponentRoot)
	}
	if opponent.Clock.HasTime() {
		return false, nil
	}

	left, right, ok := c.Merkle.Subtrees()
	if !ok {
		return false, errors.New("commitment has no subtrees")
	}
	log.Info("winning match by timeout")
	if err := p.Sender.WinMatchByTimeout(ctx, t.Address, m.ID, left.RootHash(), right.RootHash()); err != nil {
		return false, err
	}
	return true, nil
}

// reactRunningMatch is the height >= 2 bisection step.
func (p *Player) reactRunningMatch(ctx context.Context, m *arena.MatchState, c *commitment.Commitment, t *arena.TournamentState, log logrus.FieldLogger) error {
	r, ok := c.Merkle.FindChild(m.OtherParent)
	if !ok {
		log.Debug("not our turn to react")
		return nil
	}
	left, right, ok := r.Subtrees()
	if !ok {
		return errors.New("match subtree has no children")
	}

	var newLeft, newRight *merkle.Tree
	if left.RootHash() != m.LeftNode {
		log.Debug("descending left")
		newLeft, newRight, ok = left.Subtrees()
	} else {
		log.Debug("descending right")
		newLeft, newRight, ok = right.Subtrees()
	}
	if !ok {
		return errors.New("chosen subtree has no children")
	}

	log.Info("advancing match")
	return p.Sender.AdvanceMatch(ctx, t.Address, m.ID, left.RootHash(), right.RootHash(), newLeft.RootHash(), newRight.RootHash())
}

// agreeStateProof computes the proof of the agree-state at the position the
// match has narrowed to, shared between reactUnsealedMatch (where it's
// submitted on-chain) and reactSealedMatch's non-leaf branch (where its
// node becomes the child tournament's initial state).
func agreeStateProof(c *commitment.Commitment, position *big.Int) (*merkle.Proof, error) {
	if position.Sign() == 0 {
		return merkle.LeafProof(c.ImplicitHash, new(big.Int)), nil
	}
	prior := new(big.Int).Sub(position, big.NewInt(1))
	return c.Merkle.ProveLeaf(prior)
}

// runningLeafPosition resolves the match's leaf position the way
// react_unsealed_match does: if the opponent's claimed left differs from
// ours, the position doesn't move; otherwise it advances by one.
func runningLeafPosition(m *arena.MatchState, left *merkle.Tree) *big.Int {
	if left.RootHash() != m.LeftNode {
		return new(big.Int).Set(m.RunningLeafPosition)
	}
	return new(big.Int).Add(m.RunningLeafPosition, big.NewInt(1))
}

// reactUnsealedMatch is the height == 1 sealing step.
func (p *Player) reactUnsealedMatch(ctx context.Context, m *arena.MatchState, c *commitment.Commitment, t *arena.TournamentState, log logrus.FieldLogger) error {
	r, ok := c.Merkle.FindChild(m.OtherParent)
	if !ok {
		log.Debug("not our turn to react")
		return nil
	}
	left, right, ok := r.Subtrees()
	if !ok {
		return errors.New("match subtree has no children")
	}

	position := runningLeafPosition(m, left)
	proof, err := agreeStateProof(c, position)
	if err != nil {
		return errors.Wrap(err, "computing agree-state proof")
	}

	if t.Level == t.MaxLevel-1 {
		log.Info("sealing leaf match")
		return p.Sender.SealLeafMatch(ctx, t.Address, m.ID, left.RootHash(), right.RootHash(), proof.Node, proof.Siblings)
	}
	log.Info("sealing inner match")
	return p.Sender.SealInnerMatchAndCreateInnerTournament(ctx, t.Address, m.ID, left.RootHash(), right.RootHash(), proof.Node, proof.Siblings)
}

// reactSealedMatch is the height == 0 regime: either produce a VM step
// proof and win the leaf match, or recurse into the child tournament a
// non-leaf seal already opened.
func (p *Player) reactSealedMatch(ctx context.Context, m *arena.MatchState, c *commitment.Commitment, t *arena.TournamentState, states arena.TournamentStateMap, log logrus.FieldLogger) error {
	if t.Level == t.MaxLevel-1 {
		left, right, ok := c.Merkle.Subtrees()
		if !ok {
			return errors.New("commitment has no subtrees")
		}
		metaCycle := new(uint256.Int).SetUint64(0)
		if m.LeafCycle != nil {
			metaCycle.SetFromBig(m.LeafCycle)
		}
		proof, err := BuildLeafProof(ctx, p.ProofSource, p.Constants, metaCycle)
		if err != nil {
			return errors.Wrap(err, "building leaf match proof")
		}
		log.WithField("proof_size", len(proof)).Info("winning leaf match")
		return p.Sender.WinLeafMatch(ctx, t.Address, m.ID, left.RootHash(), right.RootHash(), proof)
	}

	if m.InnerTournament == nil {
		return errors.New("sealed non-leaf match has no inner tournament yet")
	}

	// The running leaf position was finalized when the match was sealed
	// (react_unsealed_match's proof), so m.RunningLeafPosition already
	// names the agreed boundary; the child tournament's initial state is
	// the same agree-state proven at seal time.
	agree, err := agreeStateProof(c, m.RunningLeafPosition)
	if err != nil {
		return errors.Wrap(err, "computing child initial state")
	}
	_, err = p.reactTournament(ctx, c, &m.ID, *m.InnerTournament, agree.Node, states)
	return err
}
