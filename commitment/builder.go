// Package commitment builds the Merkle commitments the tournament protocol
// disputes over: one tree per (level, base_cycle) pair, whose leaves are
// machine state roots spaced log2_stride cycles apart.
package commitment

import (
	"context"

	"github.com/dave-prt/prt-go/machine"
	"github.com/dave-prt/prt-go/merkle"
	"github.com/dave-prt/prt-go/store"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"
)

// ErrStateMismatch means the machine positioned at a request's meta-cycle
// does not agree with the state hash the caller already believed was there —
// a configuration or store corruption bug, never a legitimate outcome.
var ErrStateMismatch = errors.New("commitment: machine state does not match expected implicit hash")

// MachineSource positions and advances the VM on the builder's behalf,
// hiding snapshot selection and input feeding behind the operations a
// commitment build needs. Grounded on instance.rs's advance_rollups /
// new_from_path / feed_next_input: the builder only ever asks for "a
// machine at this meta-cycle" and "run this machine to that physical
// mcycle, feeding inputs along the way" — it never touches snapshots or the
// input feed directly.
type MachineSource interface {
	// PositionAt returns a machine positioned at metaCycle, reusing the
	// closest persisted snapshot at or before it and fast-forwarding the
	// rest of the way.
	PositionAt(ctx context.Context, metaCycle *uint256.Int) (machine.Machine, error)

	// AdvanceRollups runs m until its physical mcycle reaches targetMcycle,
	// feeding queued inputs and checking RevertIfNeeded at every yield.
	AdvanceRollups(ctx context.Context, m machine.Machine, targetMcycle uint64) (machine.State, error)

	// Snapshot persists m's current state, content-addressed by its root
	// hash, for reuse by a later PositionAt.
	Snapshot(ctx context.Context, m machine.Machine) (merkle.Digest, error)
}

// Builder constructs commitments. It dispatches on log2_stride into the
// big-stride case (one VM fast-forward per leaf) and the small-stride,
// uarch case (one micro-step per leaf, sub-tree cached by content hash),
// mirroring build_big_machine_commitment / build_small_machine_commitment
// in the original commitment builder.
type Builder struct {
	Store     *store.Store
	Constants machine.Constants
	Source    MachineSource
	cache     *Cache
}

// NewBuilder builds a Builder with a hot cache holding hotCacheSize recent
// commitments.
func NewBuilder(st *store.Store, constants machine.Constants, source MachineSource, hotCacheSize int) (*Builder, error) {
	cache, err := NewCache(hotCacheSize)
	if err != nil {
		return nil, err
	}
	return &Builder{Store: st, Constants: constants, Source: source, cache: cache}, nil
}

// Request describes one commitment to build.
type Request struct {
	Level           uint32
	BaseCycle       uint64       // store cache key, local to Level
	MetaCycleBase   *uint256.Int // the absolute meta-cycle BaseCycle corresponds to
	Log2Stride      uint
	Log2StrideCount uint
	InitialState    merkle.Digest // the machine state hash already known to sit at MetaCycleBase
}

func leafTotal(records []store.LeafRecord) uint64 {
	var total uint64
	for _, r := range records {
		total += r.Repetitions
	}
	return total
}

// Build produces the commitment for req, reusing the hot cache and the
// durable leaf cache before falling back to driving the VM.
func (b *Builder) Build(ctx context.Context, req Request) (*Commitment, error) {
	if c, ok := b.cache.Get(req.Level, req.BaseCycle); ok {
		return c, nil
	}

	want := uint64(1) << req.Log2StrideCount
	cached, err := b.Store.Leaves(req.Level, req.BaseCycle)
	if err != nil {
		return nil, err
	}
	if leafTotal(cached) == want {
		commitment, err := b.fromRecords(req, cached)
		if err != nil {
			return nil, err
		}
		b.cache.Put(req.Level, req.BaseCycle, commitment)
		return commitment, nil
	}

	var commitment *Commitment
	if req.Log2Stride >= b.Constants.Log2UarchSpanToBarch {
		commitment, err = b.buildBigStride(ctx, req)
	} else {
		commitment, err = b.buildSmallStride(ctx, req)
	}
	if err != nil {
		return nil, err
	}
	b.cache.Put(req.Level, req.BaseCycle, commitment)
	return commitment, nil
}

func (b *Builder) fromRecords(req Request, records []store.LeafRecord) (*Commitment, error) {
	mb := merkle.NewBuilder()
	for _, r := range records {
		if err := mb.AppendRepeated(r.Hash, r.Repetitions); err != nil {
			return nil, errors.Wrap(err, "replaying cached leaf records")
		}
	}
	tree, err := mb.Build()
	if err != nil {
		return nil, errors.Wrap(err, "rebuilding commitment from cached leaves")
	}
	return &Commitment{ImplicitHash: req.InitialState, Merkle: tree}, nil
}

func (b *Builder) position(ctx context.Context, req Request) (machine.Machine, error) {
	m, err := b.Source.PositionAt(ctx, req.MetaCycleBase)
	if err != nil {
		return nil, errors.Wrap(err, "positioning machine for commitment")
	}
	root, err := m.RootHash(ctx)
	if err != nil {
		return nil, err
	}
	if root != req.InitialState {
		return nil, errors.Wrapf(ErrStateMismatch, "got %s, expected %s", root, req.InitialState)
	}
	return m, nil
}

// buildBigStride handles log2_stride >= uarch span: each leaf is the state
// after fast-forwarding the VM by one stride's worth of physical big-steps.
// Grounded on build_big_machine_commitment / advance_instruction.
func (b *Builder) buildBigStride(ctx context.Context, req Request) (*Commitment, error) {
	m, err := b.position(ctx, req)
	if err != nil {
		return nil, err
	}

	startMcycle, err := m.Mcycle(ctx)
	if err != nil {
		return nil, err
	}
	strideBig := uint64(1) << (req.Log2Stride - b.Constants.Log2UarchSpanToBarch)
	total := uint64(1) << req.Log2StrideCount

	mb := merkle.NewBuilder()
	leaves := make([]store.LeafRecord, 0, total)
	halted := false
	var haltedHash merkle.Digest

	for i := uint64(0); i < total; i++ {
		if halted {
			if err := mb.AppendRepeated(haltedHash, total-i); err != nil {
				return nil, errors.Wrap(err, "appending halted tail")
			}
			leaves = append(leaves, store.LeafRecord{Hash: haltedHash, Repetitions: total - i})
			break
		}
		target := startMcycle + (i+1)*strideBig
		state, err := b.Source.AdvanceRollups(ctx, m, target)
		if err != nil {
			return nil, errors.Wrapf(err, "advancing to mcycle %d", target)
		}
		if err := mb.Append(state.RootHash); err != nil {
			return nil, errors.Wrap(err, "appending big-stride leaf")
		}
		leaves = append(leaves, store.LeafRecord{Hash: state.RootHash, Repetitions: 1})
		if state.Halted {
			halted = true
			haltedHash = state.RootHash
		}
	}

	if _, err := b.Source.Snapshot(ctx, m); err != nil {
		return nil, errors.Wrap(err, "snapshotting after big-stride build")
	}
	if err := b.Store.InsertLeaves(req.Level, req.BaseCycle, 0, leaves); err != nil {
		return nil, errors.Wrap(err, "persisting big-stride leaves")
	}

	tree, err := mb.Build()
	if err != nil {
		return nil, err
	}
	return &Commitment{ImplicitHash: req.InitialState, Merkle: tree}, nil
}

// buildSmallStride handles log2_stride == 0: each outer leaf is the root of
// a uarch sub-tree spanning one big step. Every big step is run on the VM;
// sub-trees are not looked up by content hash, so big steps that reach the
// same states are computed again. Grounded on build_small_machine_commitment /
// run_uarch_span.
func (b *Builder) buildSmallStride(ctx context.Context, req Request) (*Commitment, error) {
	m, err := b.position(ctx, req)
	if err != nil {
		return nil, err
	}

	total := uint64(1) << (req.Log2StrideCount - b.Constants.Log2UarchSpanToBarch)
	uarchSpan := b.Constants.UarchSpan()

	mb := merkle.NewBuilder()
	leaves := make([]store.LeafRecord, 0, total)

	for i := uint64(0); i < total; i++ {
		subRoot, err := b.buildUarchSubtree(ctx, m, uarchSpan)
		if err != nil {
			return nil, errors.Wrapf(err, "building uarch subtree for big-step %d", i)
		}
		if err := mb.Append(subRoot); err != nil {
			return nil, errors.Wrap(err, "appending small-stride leaf")
		}
		leaves = append(leaves, store.LeafRecord{Hash: subRoot, Repetitions: 1})
	}

	if _, err := b.Source.Snapshot(ctx, m); err != nil {
		return nil, errors.Wrap(err, "snapshotting after small-stride build")
	}
	if err := b.Store.InsertLeaves(req.Level, req.BaseCycle, 0, leaves); err != nil {
		return nil, errors.Wrap(err, "persisting small-stride leaves")
	}

	tree, err := mb.Build()
	if err != nil {
		return nil, err
	}
	return &Commitment{ImplicitHash: req.InitialState, Merkle: tree}, nil
}

// buildUarchSubtree drives m through one full big step's worth of
// micro-steps, recording a leaf per micro-step (padded with the halted
// uarch's final state if it halts early), followed by an equal-sized run of
// the post-reset state — a power-of-two leaf count of 2*uarchSpan. The
// subtree's leaves are written to the store under its own root hash; they
// are not read back, so the VM is driven for every big step even when the
// same subtree is already stored.
func (b *Builder) buildUarchSubtree(ctx context.Context, m machine.Machine, uarchSpan uint64) (merkle.Digest, error) {
	mb := merkle.NewBuilder()
	var leaves []store.LeafRecord
	halted := false
	var haltedHash merkle.Digest

	for u := uint64(0); u < uarchSpan; u++ {
		if halted {
			if err := mb.AppendRepeated(haltedHash, uarchSpan-u); err != nil {
				return merkle.Digest{}, err
			}
			leaves = append(leaves, store.LeafRecord{Hash: haltedHash, Repetitions: uarchSpan - u})
			break
		}
		state, err := m.RunUarch(ctx, u+1)
		if err != nil {
			return merkle.Digest{}, err
		}
		if err := mb.Append(state.RootHash); err != nil {
			return merkle.Digest{}, err
		}
		leaves = append(leaves, store.LeafRecord{Hash: state.RootHash, Repetitions: 1})
		if state.UHalted {
			halted = true
			haltedHash = state.RootHash
		}
	}

	resetState, err := m.ResetUarch(ctx)
	if err != nil {
		return merkle.Digest{}, err
	}
	if err := mb.AppendRepeated(resetState.RootHash, uarchSpan); err != nil {
		return merkle.Digest{}, err
	}
	leaves = append(leaves, store.LeafRecord{Hash: resetState.RootHash, Repetitions: uarchSpan})

	tree, err := mb.Build()
	if err != nil {
		return merkle.Digest{}, err
	}
	root := tree.RootHash()

	if err := b.Store.InsertSubTreeLeaves(root, leaves); err != nil {
		return merkle.Digest{}, err
	}
	return root, nil
}
