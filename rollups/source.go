// Package rollups adapts a running Cartesi-machine-compatible emulator and
// the local store's snapshot/input tables into commitment.MachineSource and
// strategy.ProofSource, mirroring the original VM adapter's MachineInstance
// (advance_rollups / feed_next_input / revert_if_needed) sequencing.
package rollups

import (
	"context"
	"path/filepath"
	"sync"

	"github.com/dave-prt/prt-go/machine"
	"github.com/dave-prt/prt-go/merkle"
	"github.com/dave-prt/prt-go/store"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// loadableMachine is what Source needs beyond machine.Machine: the ability
// to release the underlying connection once a reload or a revert replaces
// it. machine.RPCMachine satisfies this directly.
type loadableMachine interface {
	machine.Machine
	Close()
}

// boundMachine pairs a loaded machine with the rollups input index it has
// not yet been fed, so AdvanceRollups can resume feeding inputs across
// yields without its caller (the commitment builder) tracking that
// bookkeeping itself. Grounded on MachineInstance's input_count field.
type boundMachine struct {
	loadableMachine
	inputIndex uint64
}

// Source is the one VM adapter the commitment builder and the leaf-proof
// builder share; both only ever need "a machine positioned at this
// meta-cycle." It owns no long-lived machine handle: every PositionAt loads
// fresh, the way CachingMachineCommitmentBuilder::build_commitment does in
// the original adapter.
type Source struct {
	Store       *store.Store
	Constants   machine.Constants
	SnapshotDir string
	Log         logrus.FieldLogger

	dial func(ctx context.Context, path string) (loadableMachine, error)

	mu       sync.Mutex
	boundary map[uint64]merkle.Digest // inputIndex -> state hash just after it settled, this process's lifetime only
}

// NewSource builds a Source that loads machine images from a Cartesi-
// machine-compatible RPC server at rpcAddr.
func NewSource(st *store.Store, constants machine.Constants, rpcAddr, snapshotDir string, log logrus.FieldLogger) *Source {
	return &Source{
		Store:       st,
		Constants:   constants,
		SnapshotDir: snapshotDir,
		Log:         log,
		dial: func(ctx context.Context, path string) (loadableMachine, error) {
			return machine.DialRPC(ctx, rpcAddr, path)
		},
		boundary: map[uint64]merkle.Digest{},
	}
}

// Bootstrap records path as the reserved template machine snapshot, the
// canonical image every PositionAt replay starts from, if one isn't already
// set. Mirrors new_from_path's asserted precondition that the machine has
// never been advanced on the micro-architecture.
func (s *Source) Bootstrap(ctx context.Context, path string) error {
	if _, ok, err := s.Store.TemplateMachineSnapshot(); err != nil {
		return err
	} else if ok {
		return nil
	}

	m, err := s.dial(ctx, path)
	if err != nil {
		return errors.Wrap(err, "loading initial machine image")
	}
	defer m.Close()

	if ucycle, err := m.Ucycle(ctx); err != nil {
		return err
	} else if ucycle != 0 {
		return errors.New("rollups: initial machine image must not be advanced on the micro-architecture")
	}

	return s.Store.SetTemplateMachineSnapshot(path)
}

func (s *Source) nearestBoundary(inputIndex uint64) (uint64, merkle.Digest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best uint64
	var hash merkle.Digest
	found := false
	for idx, h := range s.boundary {
		if idx <= inputIndex && (!found || idx > best) {
			best, hash, found = idx, h, true
		}
	}
	return best, hash, found
}

func (s *Source) recordBoundary(inputIndex uint64, hash merkle.Digest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.boundary[inputIndex] = hash
}

// PositionAt satisfies both commitment.MachineSource and strategy.ProofSource:
// it loads the closest replayable snapshot at or before metaCycle's input,
// replays whole inputs up to the target one, then (if metaCycle sits past
// that input's boundary) feeds the target input and advances the remaining
// big-step/micro-step distance directly.
func (s *Source) PositionAt(ctx context.Context, metaCycle *uint256.Int) (machine.Machine, error) {
	targetInput, barch, uarch := s.Constants.DecomposeMetaCycle(metaCycle)

	fromIndex, fromHash, ok := s.nearestBoundary(targetInput)
	var path string
	if ok {
		p, found, err := s.Store.SnapshotPath(fromHash)
		if err != nil {
			return nil, err
		}
		ok = found
		path = p
	}
	if !ok {
		p, found, err := s.Store.TemplateMachineSnapshot()
		if err != nil {
			return nil, err
		}
		if !found {
			return nil, errors.New("rollups: no template machine snapshot recorded")
		}
		path, fromIndex = p, 0
	}

	m, err := s.dial(ctx, path)
	if err != nil {
		return nil, errors.Wrap(err, "loading machine for positioning")
	}
	bm := &boundMachine{loadableMachine: m, inputIndex: fromIndex}

	if err := s.replayToInput(ctx, bm, targetInput); err != nil {
		bm.Close()
		return nil, err
	}

	if barch == 0 && uarch == 0 {
		return bm, nil
	}

	if err := s.feedNext(ctx, bm); err != nil {
		bm.Close()
		return nil, err
	}
	bm.inputIndex++
	startMcycle, err := bm.Mcycle(ctx)
	if err != nil {
		bm.Close()
		return nil, err
	}
	if _, err := bm.Run(ctx, startMcycle+barch); err != nil {
		bm.Close()
		return nil, err
	}
	if uarch > 0 {
		if _, err := bm.RunUarch(ctx, uarch); err != nil {
			bm.Close()
			return nil, err
		}
	}
	return bm, nil
}

// replayToInput runs bm forward, feeding one input per iteration, until it
// has settled exactly at targetInput's boundary (fed up through
// targetInput-1, yielded, waiting for targetInput). Mirrors advance_rollups's
// while loop.
func (s *Source) replayToInput(ctx context.Context, bm *boundMachine, targetInput uint64) error {
	for bm.inputIndex < targetInput {
		if err := s.feedNext(ctx, bm); err != nil {
			return err
		}
		var state machine.State
		for {
			var err error
			state, err = bm.Run(ctx, ^uint64(0))
			if err != nil {
				return err
			}
			if state.Halted || state.Yielded {
				break
			}
		}
		if state.Halted {
			return errors.Errorf("rollups: machine halted positioning toward input %d", targetInput)
		}
		if err := s.recordCurrentBoundary(ctx, bm); err != nil {
			return err
		}
		bm.inputIndex++
	}
	return nil
}

// feedNext writes the pre-input checkpoint and delivers bm's next pending
// input via cmio, reverting to the pre-input snapshot if it's rejected. A
// missing input is not an error: the machine is left yielded, matching a
// rollups epoch that has run out of inputs. Grounded on feed_next_input /
// revert_if_needed.
func (s *Source) feedNext(ctx context.Context, bm *boundMachine) error {
	yielded, err := bm.IsYielded(ctx)
	if err != nil {
		return err
	}
	if !yielded {
		return errors.Errorf("rollups: machine not yielded before feeding input %d", bm.inputIndex)
	}

	data, ok, err := s.Store.Input(bm.inputIndex)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	root, err := bm.RootHash(ctx)
	if err != nil {
		return err
	}
	snapshotPath, err := s.snapshotTo(ctx, bm.loadableMachine, root)
	if err != nil {
		return err
	}
	if err := bm.WriteMemory(ctx, machine.CheckpointAddress, root.Bytes()); err != nil {
		return err
	}
	if err := bm.SendCmioResponse(ctx, machine.CmioResponseReasonAdvance, data); err != nil {
		return err
	}

	reloaded, err := machine.RevertIfNeeded(ctx, bm.loadableMachine, s.reload, snapshotPath)
	if err != nil {
		return err
	}
	if lm, ok := reloaded.(loadableMachine); ok && lm != bm.loadableMachine {
		bm.loadableMachine.Close()
		bm.loadableMachine = lm
	}
	return nil
}

func (s *Source) reload(ctx context.Context, path string) (machine.Machine, error) {
	return s.dial(ctx, path)
}

func (s *Source) recordCurrentBoundary(ctx context.Context, bm *boundMachine) error {
	hash, err := bm.RootHash(ctx)
	if err != nil {
		return err
	}
	if _, err := s.snapshotTo(ctx, bm.loadableMachine, hash); err != nil {
		return err
	}
	s.recordBoundary(bm.inputIndex+1, hash)
	return nil
}

// snapshotTo persists m's state at hash, content-addressed, returning the
// path it lives at whether freshly written or already cached.
func (s *Source) snapshotTo(ctx context.Context, m loadableMachine, hash merkle.Digest) (string, error) {
	if path, found, err := s.Store.SnapshotPath(hash); err != nil {
		return "", err
	} else if found {
		return path, nil
	}
	path := filepath.Join(s.SnapshotDir, hash.Hex())
	if err := m.Store(ctx, path); err != nil {
		return "", err
	}
	if err := s.Store.InsertSnapshot(hash, path); err != nil {
		return "", err
	}
	return path, nil
}

// AdvanceRollups implements commitment.MachineSource: runs m forward,
// feeding queued inputs at every yield, until its physical mcycle reaches
// targetMcycle or it halts.
func (s *Source) AdvanceRollups(ctx context.Context, m machine.Machine, targetMcycle uint64) (machine.State, error) {
	bm, ok := m.(*boundMachine)
	if !ok {
		return machine.State{}, errors.New("rollups: AdvanceRollups requires a machine positioned by Source")
	}

	pendingFeed := false
	if yielded, err := bm.IsYielded(ctx); err != nil {
		return machine.State{}, err
	} else if yielded {
		cur, err := bm.Mcycle(ctx)
		if err != nil {
			return machine.State{}, err
		}
		if cur < targetMcycle {
			if err := s.feedNext(ctx, bm); err != nil {
				return machine.State{}, err
			}
			pendingFeed = true
		}
	}
	for {
		state, err := bm.Run(ctx, targetMcycle)
		if err != nil {
			return machine.State{}, err
		}
		if state.Halted {
			return state, nil
		}
		if !state.Yielded {
			return state, nil
		}

		if pendingFeed {
			if err := s.recordCurrentBoundary(ctx, bm); err != nil {
				return machine.State{}, err
			}
			bm.inputIndex++
			pendingFeed = false
		}

		cur, err := bm.Mcycle(ctx)
		if err != nil {
			return machine.State{}, err
		}
		if cur >= targetMcycle {
			return state, nil
		}

		if err := s.feedNext(ctx, bm); err != nil {
			return machine.State{}, err
		}
		pendingFeed = true
	}
}

// Snapshot implements commitment.MachineSource, persisting m's current
// state content-addressed for reuse by a later PositionAt.
func (s *Source) Snapshot(ctx context.Context, m machine.Machine) (merkle.Digest, error) {
	bm, ok := m.(*boundMachine)
	if !ok {
		return merkle.Digest{}, errors.New("rollups: Snapshot requires a machine positioned by Source")
	}
	hash, err := bm.RootHash(ctx)
	if err != nil {
		return merkle.Digest{}, err
	}
	if _, err := s.snapshotTo(ctx, bm.loadableMachine, hash); err != nil {
		return merkle.Digest{}, err
	}
	return hash, nil
}

// InputAt implements strategy.ProofSource, returning the raw input bytes
// submitted at inputIndex. A leaf-match dispute always concerns an input
// that was actually fed, so a missing one is a store/config inconsistency.
func (s *Source) InputAt(ctx context.Context, inputIndex uint64) ([]byte, error) {
	data, ok, err := s.Store.Input(inputIndex)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.Errorf("rollups: no input recorded at index %d", inputIndex)
	}
	return data, nil
}
