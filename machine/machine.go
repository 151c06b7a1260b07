// Package machine defines the VM adapter contract the commitment builder
// and strategy engine drive, plus two implementations: an RPC client for a
// real Cartesi-machine-compatible server, and an in-memory fake for tests.
package machine

import (
	"context"

	"github.com/dave-prt/prt-go/merkle"
	"github.com/pkg/errors"
)

// ErrNonDeterministic marks a VM response that could not have come from a
// correctly functioning machine — e.g. an emulator I/O error. Dispute
// resolution depends on every invocation from identical state producing
// byte-identical results, so this is always fatal for the current build.
var ErrNonDeterministic = errors.New("machine: non-deterministic or I/O failure")

// Machine is the opaque VM the protocol disputes over. Every method may
// block on a real emulator process; callers that need concurrency should run
// their own worker rather than expect this interface to be non-blocking.
type Machine interface {
	// Store serializes the complete machine state into a directory.
	Store(ctx context.Context, path string) error

	// RootHash returns the Merkle root over the entire machine state.
	RootHash(ctx context.Context) (merkle.Digest, error)

	// Run advances execution until mcycle reaches targetMcycle, the machine
	// yields, or it halts.
	Run(ctx context.Context, targetMcycle uint64) (State, error)

	// RunUarch advances the micro-architecture until it reaches
	// targetUcycle or the uarch halts.
	RunUarch(ctx context.Context, targetUcycle uint64) (State, error)

	// ResetUarch snaps the micro-architecture back to its pristine,
	// post-big-step state and increments the big-step counter.
	ResetUarch(ctx context.Context) (State, error)

	// SendCmioResponse injects an input into the machine at a yield point.
	SendCmioResponse(ctx context.Context, reason CmioResponseReason, data []byte) error

	// ReceiveCmioRequestReason reports the tohost reason code of the
	// pending cmio request, used to decide whether the last response was
	// accepted.
	ReceiveCmioRequestReason(ctx context.Context) (uint64, error)

	ReadMemory(ctx context.Context, addr uint64, length uint64) ([]byte, error)
	WriteMemory(ctx context.Context, addr uint64, data []byte) error

	// Proof returns a Merkle inclusion proof for the aligned region
	// [addr, addr+2^log2Size) against the current state root.
	Proof(ctx context.Context, addr uint64, log2Size uint8) (MemProof, error)

	LogStepUarch(ctx context.Context, logType LogType) (AccessLog, error)
	LogResetUarch(ctx context.Context, logType LogType) (AccessLog, error)
	LogSendCmioResponse(ctx context.Context, reason CmioResponseReason, data []byte, logType LogType) (AccessLog, error)

	IsHalted(ctx context.Context) (bool, error)
	IsYielded(ctx context.Context) (bool, error)
	IsUarchHalted(ctx context.Context) (bool, error)

	// Mcycle and Ucycle report the machine's physical (not protocol meta-)
	// cycle counters, needed to resume fast-forwarding correctly after a
	// cache hit.
	Mcycle(ctx context.Context) (uint64, error)
	Ucycle(ctx context.Context) (uint64, error)
}

// ReadState reads every flag and the root hash off a Machine in one call,
// mirroring MachineState::from_current_machine_state in the original VM
// adapter.
func ReadState(ctx context.Context, m Machine) (State, error) {
	root, err := m.RootHash(ctx)
	if err != nil {
		return State{}, err
	}
	halted, err := m.IsHalted(ctx)
	if err != nil {
		return State{}, err
	}
	yielded, err := m.IsYielded(ctx)
	if err != nil {
		return State{}, err
	}
	uhalted, err := m.IsUarchHalted(ctx)
	if err != nil {
		return State{}, err
	}
	return State{RootHash: root, Halted: halted, Yielded: yielded, UHalted: uhalted}, nil
}

// RevertIfNeeded reloads snapshotPath into m if the most recently delivered
// cmio response was rejected (tohost reason != RXAccepted). It must only be
// called while the machine is yielded. Grounded on the original VM adapter's
// revert_if_needed: the dispute protocol requires the machine to behave as
// if a rejected input was never fed.
func RevertIfNeeded(ctx context.Context, m Machine, loader func(ctx context.Context, path string) (Machine, error), snapshotPath string) (Machine, error) {
	yielded, err := m.IsYielded(ctx)
	if err != nil {
		return nil, err
	}
	if !yielded {
		return nil, errors.New("RevertIfNeeded called on a non-yielded machine")
	}
	reason, err := m.ReceiveCmioRequestReason(ctx)
	if err != nil {
		return nil, err
	}
	if reason == RXAccepted {
		return m, nil
	}
	return loader(ctx, snapshotPath)
}
