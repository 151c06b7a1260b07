package arena

import (
	"context"
	"math/big"
	"strings"
	"sync"

	"github.com/dave-prt/prt-go/arena/bindings/tournamentgen"
	"github.com/dave-prt/prt-go/merkle"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// ChainBackend is everything the reader needs from the node: contract
// calls, event log queries, and the current block height.
type ChainBackend interface {
	bind.ContractBackend
	BlockNumber(ctx context.Context) (uint64, error)
}

// DefaultConcurrency bounds how many RPC calls (contract calls and
// event-range queries) the reader has in flight at once, per the
// range-bisection permit described in spec.md §5. Tournament-tree descents
// are not bounded by it (see Reader).
const DefaultConcurrency = 4

// Reader assembles a TournamentStateMap from a root tournament address,
// walking the tree of inner tournaments via NewInnerTournament events.
// Grounded on the reader.rs StateReader's fetch/recurse shape.
//
// Concurrency only bounds in-flight RPC calls, via sem. The recursion that
// discovers work — descending into inner tournaments, fanning out over
// event names, bisecting oversized block ranges — spawns goroutines freely;
// those goroutines spend almost all their time blocked on further recursion,
// not on the network, so gating them by the same budget that gates RPC calls
// would let a deeply nested fetch deadlock: every slot occupied by a
// goroutine waiting on a child that can never acquire a slot of its own.
type Reader struct {
	Backend     ChainBackend
	Concurrency int
	sem         *semaphore.Weighted
}

// NewReader builds a Reader. concurrency <= 0 uses DefaultConcurrency.
func NewReader(backend ChainBackend, concurrency int) *Reader {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &Reader{Backend: backend, Concurrency: concurrency, sem: semaphore.NewWeighted(int64(concurrency))}
}

// call runs fn with one of the reader's Concurrency RPC permits held. Every
// contract call and log query the reader issues goes through this, so
// Concurrency bounds the fetch's in-flight network calls regardless of how
// deeply nested the recursion that issued them is.
func (r *Reader) call(ctx context.Context, fn func() error) error {
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer r.sem.Release(1)
	return fn()
}

// isRangeLimitError recognizes the range-limit rejections common RPC
// providers return from eth_getLogs, which the reader handles by
// recursively bisecting the block range rather than failing outright.
func isRangeLimitError(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, needle := range []string{
		"query returned more than",
		"range is too large",
		"exceeds the range",
		"block range",
		"limit exceeded",
		"too many results",
	} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}

// FetchFromRoot produces the TournamentStateMap rooted at root, recursing
// into every inner tournament reachable from it. The tree descent and the
// range-bisection it drives share one errgroup purely for error propagation
// and first-error cancellation; the actual RPC concurrency bound lives in
// r.sem, acquired only around each contract call and log query.
func (r *Reader) FetchFromRoot(ctx context.Context, root common.Address, rootBlockCreated uint64) (TournamentStateMap, error) {
	out := TournamentStateMap{}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)

	if err := r.fetchTournament(gctx, g, root, nil, 0, rootBlockCreated, out, &mu); err != nil {
		return nil, err
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Reader) fetchTournament(ctx context.Context, g *errgroup.Group, address common.Address, parent *common.Address, baseCycle uint64, blockCreated uint64, out TournamentStateMap, mu *sync.Mutex) error {
	contract, err := tournamentgen.NewTournament(address, r.Backend)
	if err != nil {
		return errors.Wrapf(err, "binding tournament %s", address)
	}

	var maxLevel, level, log2Step, height uint64
	if err := r.call(ctx, func() error {
		var err error
		maxLevel, level, log2Step, height, err = contract.TournamentLevelConstants(&bind.CallOpts{Context: ctx})
		return err
	}); err != nil {
		return errors.Wrapf(err, "tournamentLevelConstants for %s", address)
	}

	var latest uint64
	if err := r.call(ctx, func() error {
		var err error
		latest, err = r.Backend.BlockNumber(ctx)
		return err
	}); err != nil {
		return errors.Wrap(err, "fetching latest block")
	}

	logs, err := r.fetchLogsBisect(ctx, g, address, []string{"MatchCreated", "CommitmentJoined", "NewInnerTournament"}, new(big.Int).SetUint64(blockCreated), new(big.Int).SetUint64(latest))
	if err != nil {
		return errors.Wrapf(err, "fetching events for %s", address)
	}

	state := &TournamentState{
		Address:          address,
		Level:            level,
		MaxLevel:         maxLevel,
		Log2Stride:       log2Step,
		Log2StrideCount:  height,
		BaseCycle:        baseCycle,
		Parent:           parent,
		CommitmentStates: map[merkle.Digest]CommitmentState{},
		BlockCreated:     blockCreated,
	}

	var matchHashes []merkle.Digest
	matchIDs := map[merkle.Digest]MatchID{}
	var commitmentRoots []merkle.Digest
	type innerRef struct {
		matchHash merkle.Digest
		child     common.Address
	}
	var innerRefs []innerRef

	for _, log := range logs {
		sig := r.eventName(log)
		switch sig {
		case "MatchCreated":
			ev, err := tournamentgen.UnpackMatchCreated(log)
			if err != nil {
				return err
			}
			id := MatchID{CommitmentOne: ev.One, CommitmentTwo: ev.Two}
			hash := id.Hash()
			matchHashes = append(matchHashes, hash)
			matchIDs[hash] = id
		case "CommitmentJoined":
			ev, err := tournamentgen.UnpackCommitmentJoined(log)
			if err != nil {
				return err
			}
			commitmentRoots = append(commitmentRoots, merkle.Digest(ev.Commitment))
		case "NewInnerTournament":
			ev, err := tournamentgen.UnpackNewInnerTournament(log)
			if err != nil {
				return err
			}
			innerRefs = append(innerRefs, innerRef{matchHash: merkle.Digest(ev.MatchIDHash), child: ev.ChildTournament})
		}
	}

	for _, mh := range matchHashes {
		var ms tournamentgen.MatchState
		if err := r.call(ctx, func() error {
			var err error
			ms, err = contract.GetMatch(&bind.CallOpts{Context: ctx}, mh)
			return err
		}); err != nil {
			return errors.Wrapf(err, "getMatch %s", mh)
		}
		if !ms.IsInit {
			continue
		}
		var cycle *big.Int
		if err := r.call(ctx, func() error {
			var err error
			cycle, err = contract.GetMatchCycle(&bind.CallOpts{Context: ctx}, mh)
			return err
		}); err != nil {
			return errors.Wrapf(err, "getMatchCycle %s", mh)
		}
		idx := len(state.Matches)
		state.Matches = append(state.Matches, MatchState{
			ID:                  matchIDs[mh],
			OtherParent:         ms.OtherParent,
			LeftNode:            ms.LeftNode,
			RightNode:           ms.RightNode,
			RunningLeafPosition: ms.RunningLeafPosition,
			CurrentHeight:       ms.CurrentHeight,
			TournamentAddress:   address,
			LeafCycle:           cycle,
		})
		for _, ref := range innerRefs {
			if ref.matchHash == mh {
				child := ref.child
				state.Matches[idx].InnerTournament = &child
			}
		}
	}

	for _, root := range commitmentRoots {
		var cs tournamentgen.CommitmentState
		if err := r.call(ctx, func() error {
			var err error
			cs, err = contract.GetCommitment(&bind.CallOpts{Context: ctx}, root)
			return err
		}); err != nil {
			return errors.Wrapf(err, "getCommitment %s", root)
		}
		state.CommitmentStates[root] = CommitmentState{
			Clock: Clock{
				Allowance:    cs.Clock.Allowance,
				StartInstant: cs.Clock.StartInstant,
				BlockNumber:  new(big.Int).SetUint64(latest),
			},
			FinalState: cs.FinalState,
		}
	}
	for i, m := range state.Matches {
		if cs, ok := state.CommitmentStates[m.ID.CommitmentOne]; ok {
			idx := i
			cs.LatestMatch = &idx
			state.CommitmentStates[m.ID.CommitmentOne] = cs
		}
		if cs, ok := state.CommitmentStates[m.ID.CommitmentTwo]; ok {
			idx := i
			cs.LatestMatch = &idx
			state.CommitmentStates[m.ID.CommitmentTwo] = cs
		}
	}

	if state.IsRoot() {
		var finished bool
		var commitment, finalState [32]byte
		if err := r.call(ctx, func() error {
			var err error
			finished, commitment, finalState, err = contract.ArbitrationResult(&bind.CallOpts{Context: ctx})
			return err
		}); err != nil {
			return errors.Wrap(err, "arbitrationResult")
		}
		if finished {
			state.Winner = &TournamentWinner{Kind: WinnerRoot, Commitment: commitment, FinalState: finalState}
		}
	} else {
		var finished bool
		var parentClaim, danglingClaim [32]byte
		if err := r.call(ctx, func() error {
			var err error
			finished, parentClaim, danglingClaim, err = contract.InnerTournamentWinner(&bind.CallOpts{Context: ctx})
			return err
		}); err != nil {
			return errors.Wrap(err, "innerTournamentWinner")
		}
		if finished {
			state.Winner = &TournamentWinner{Kind: WinnerInner, ParentClaim: parentClaim, DanglingClaim: danglingClaim}
		}
		var canEliminate bool
		if err := r.call(ctx, func() error {
			var err error
			canEliminate, err = contract.CanBeEliminated(&bind.CallOpts{Context: ctx})
			return err
		}); err != nil {
			return errors.Wrap(err, "canBeEliminated")
		}
		state.CanBeEliminated = canEliminate
	}

	mu.Lock()
	out[address] = state
	mu.Unlock()

	var wg sync.WaitGroup
	errs := make([]error, len(innerRefs))
	for i, ref := range innerRefs {
		i, ref := i, ref
		var childCycle uint64
		for _, m := range state.Matches {
			if m.ID.Hash() == ref.matchHash && m.LeafCycle != nil {
				childCycle = m.LeafCycle.Uint64()
			}
		}
		wg.Add(1)
		g.Go(func() error {
			defer wg.Done()
			errs[i] = r.fetchTournament(ctx, g, ref.child, &address, childCycle, blockCreated, out, mu)
			return errs[i]
		})
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// eventName identifies which tournament event a raw log represents by
// matching its first topic against the parsed ABI.
func (r *Reader) eventName(log types.Log) string {
	parsed, err := tournamentgen.TournamentMetaData.GetAbi()
	if err != nil || len(log.Topics) == 0 {
		return ""
	}
	for name, ev := range parsed.Events {
		if ev.ID == log.Topics[0] {
			return name
		}
	}
	return ""
}

// fetchLogsBisect queries [from, to] for every named event, recursively
// splitting the range in half (the actual FilterEventLogs calls, not the
// fan-out itself, are what r.sem bounds) when the provider rejects it as too
// large.
func (r *Reader) fetchLogsBisect(ctx context.Context, g *errgroup.Group, address common.Address, eventNames []string, from, to *big.Int) ([]types.Log, error) {
	var all []types.Log
	var mu sync.Mutex
	var wg sync.WaitGroup
	errs := make([]error, len(eventNames))
	for i, name := range eventNames {
		i, name := i, name
		wg.Add(1)
		g.Go(func() error {
			defer wg.Done()
			logs, err := r.fetchEventBisect(ctx, g, address, name, from, to)
			if err != nil {
				errs[i] = err
				return err
			}
			mu.Lock()
			all = append(all, logs...)
			mu.Unlock()
			return nil
		})
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return all, nil
}

func (r *Reader) fetchEventBisect(ctx context.Context, g *errgroup.Group, address common.Address, eventName string, from, to *big.Int) ([]types.Log, error) {
	if from.Cmp(to) > 0 {
		return nil, nil
	}
	var logs []types.Log
	err := r.call(ctx, func() error {
		var err error
		logs, err = tournamentgen.FilterEventLogs(ctx, r.Backend, address, eventName, from, to)
		return err
	})
	if err == nil {
		return logs, nil
	}
	if !isRangeLimitError(err) {
		return nil, err
	}

	// Range too large: split and recurse. The recursive calls fan out freely
	// here; only the FilterEventLogs call above (and the one each recursive
	// half eventually makes) is gated by r.sem.
	span := new(big.Int).Sub(to, from)
	if span.Sign() == 0 {
		return nil, err // a single-block range that still fails isn't a range problem
	}
	mid := new(big.Int).Rsh(span, 1)
	mid.Add(mid, from)
	midNext := new(big.Int).Add(mid, big.NewInt(1))

	var left, right []types.Log
	var leftErr, rightErr error
	var wg sync.WaitGroup

	wg.Add(1)
	g.Go(func() error {
		defer wg.Done()
		left, leftErr = r.fetchEventBisect(ctx, g, address, eventName, from, mid)
		return leftErr
	})

	right, rightErr = r.fetchEventBisect(ctx, g, address, eventName, midNext, to)
	wg.Wait()

	if leftErr != nil {
		return nil, leftErr
	}
	if rightErr != nil {
		return nil, rightErr
	}
	return append(left, right...), nil
}
