// Package tournamentgen contains Go bindings for the tournament contract
// family (root and inner tournaments share one ABI; root-only and
// non-root-only methods simply revert on the wrong kind of instance),
// hand-reduced in the style abigen would produce but trimmed to the surface
// the player actually calls.
package tournamentgen

import (
	"context"
	"fmt"
	"math/big"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Clock is an auto generated low-level Go binding around an user-defined struct.
type Clock struct {
	Allowance    *big.Int
	StartInstant *big.Int
}

// CommitmentState is an auto generated low-level Go binding around the
// return tuple of getCommitment.
type CommitmentState struct {
	Clock      Clock
	FinalState [32]byte
}

// MatchState is an auto generated low-level Go binding around the return
// tuple of getMatch.
type MatchState struct {
	IsInit              bool
	OtherParent         [32]byte
	LeftNode            [32]byte
	RightNode           [32]byte
	RunningLeafPosition *big.Int
	CurrentHeight       *big.Int
}

const tournamentABIJSON = `[
{"type":"function","name":"tournamentLevelConstants","stateMutability":"view","inputs":[],"outputs":[{"name":"maxLevel","type":"uint64"},{"name":"level","type":"uint64"},{"name":"log2step","type":"uint64"},{"name":"height","type":"uint64"}]},
{"type":"function","name":"getCommitment","stateMutability":"view","inputs":[{"name":"root","type":"bytes32"}],"outputs":[{"name":"clock","type":"tuple","components":[{"name":"allowance","type":"uint256"},{"name":"startInstant","type":"uint256"}]},{"name":"finalState","type":"bytes32"}]},
{"type":"function","name":"getMatch","stateMutability":"view","inputs":[{"name":"matchIdHash","type":"bytes32"}],"outputs":[{"name":"isInit","type":"bool"},{"name":"otherParent","type":"bytes32"},{"name":"leftNode","type":"bytes32"},{"name":"rightNode","type":"bytes32"},{"name":"runningLeafPosition","type":"uint256"},{"name":"currentHeight","type":"uint256"}]},
{"type":"function","name":"getMatchCycle","stateMutability":"view","inputs":[{"name":"matchIdHash","type":"bytes32"}],"outputs":[{"name":"","type":"uint256"}]},
{"type":"function","name":"joinTournament","stateMutability":"payable","inputs":[{"name":"finalState","type":"bytes32"},{"name":"proof","type":"bytes32[]"},{"name":"left","type":"bytes32"},{"name":"right","type":"bytes32"}],"outputs":[]},
{"type":"function","name":"advanceMatch","stateMutability":"nonpayable","inputs":[{"name":"matchIdHash","type":"bytes32"},{"name":"left","type":"bytes32"},{"name":"right","type":"bytes32"},{"name":"newLeft","type":"bytes32"},{"name":"newRight","type":"bytes32"}],"outputs":[]},
{"type":"function","name":"sealInnerMatchAndCreateInnerTournament","stateMutability":"nonpayable","inputs":[{"name":"matchIdHash","type":"bytes32"},{"name":"left","type":"bytes32"},{"name":"right","type":"bytes32"},{"name":"agreeState","type":"bytes32"},{"name":"proof","type":"bytes32[]"}],"outputs":[]},
{"type":"function","name":"sealLeafMatch","stateMutability":"nonpayable","inputs":[{"name":"matchIdHash","type":"bytes32"},{"name":"left","type":"bytes32"},{"name":"right","type":"bytes32"},{"name":"agreeState","type":"bytes32"},{"name":"proof","type":"bytes32[]"}],"outputs":[]},
{"type":"function","name":"winInnerMatch","stateMutability":"nonpayable","inputs":[{"name":"childTournament","type":"address"},{"name":"left","type":"bytes32"},{"name":"right","type":"bytes32"}],"outputs":[]},
{"type":"function","name":"winLeafMatch","stateMutability":"nonpayable","inputs":[{"name":"matchIdHash","type":"bytes32"},{"name":"left","type":"bytes32"},{"name":"right","type":"bytes32"},{"name":"proof","type":"bytes"}],"outputs":[]},
{"type":"function","name":"winMatchByTimeout","stateMutability":"nonpayable","inputs":[{"name":"matchIdHash","type":"bytes32"},{"name":"left","type":"bytes32"},{"name":"right","type":"bytes32"}],"outputs":[]},
{"type":"function","name":"eliminateMatchByTimeout","stateMutability":"nonpayable","inputs":[{"name":"matchIdHash","type":"bytes32"}],"outputs":[]},
{"type":"function","name":"arbitrationResult","stateMutability":"view","inputs":[],"outputs":[{"name":"finished","type":"bool"},{"name":"commitment","type":"bytes32"},{"name":"state","type":"bytes32"}]},
{"type":"function","name":"innerTournamentWinner","stateMutability":"view","inputs":[],"outputs":[{"name":"finished","type":"bool"},{"name":"parentCommitment","type":"bytes32"},{"name":"danglingCommitment","type":"bytes32"}]},
{"type":"function","name":"canBeEliminated","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"bool"}]},
{"type":"event","name":"MatchCreated","anonymous":false,"inputs":[{"name":"one","type":"bytes32","indexed":true},{"name":"two","type":"bytes32","indexed":true},{"name":"leftOfTwo","type":"bytes32","indexed":false}]},
{"type":"event","name":"CommitmentJoined","anonymous":false,"inputs":[{"name":"commitment","type":"bytes32","indexed":false}]},
{"type":"event","name":"NewInnerTournament","anonymous":false,"inputs":[{"name":"matchIdHash","type":"bytes32","indexed":true},{"name":"childTournament","type":"address","indexed":false}]}
]`

// TournamentMetaData contains all meta data concerning the Tournament contract.
var TournamentMetaData = &bind.MetaData{ABI: tournamentABIJSON}

// Tournament is an auto generated Go binding around an Ethereum contract.
type Tournament struct {
	TournamentCaller
	TournamentTransactor
}

// TournamentCaller implements the read-only contract methods.
type TournamentCaller struct {
	contract *bind.BoundContract
}

// TournamentTransactor implements the state-mutating contract methods.
type TournamentTransactor struct {
	contract *bind.BoundContract
}

// NewTournament creates a new instance of Tournament, bound to a specific
// deployed contract.
func NewTournament(address common.Address, backend bind.ContractBackend) (*Tournament, error) {
	parsed, err := TournamentMetaData.GetAbi()
	if err != nil {
		return nil, err
	}
	contract := bind.NewBoundContract(address, *parsed, backend, backend, backend)
	return &Tournament{
		TournamentCaller:     TournamentCaller{contract: contract},
		TournamentTransactor: TournamentTransactor{contract: contract},
	}, nil
}

// TournamentLevelConstants calls tournamentLevelConstants.
func (c *TournamentCaller) TournamentLevelConstants(opts *bind.CallOpts) (maxLevel, level, log2Step, height uint64, err error) {
	var out []interface{}
	if err = c.contract.Call(opts, &out, "tournamentLevelConstants"); err != nil {
		return 0, 0, 0, 0, err
	}
	maxLevel = *abi.ConvertType(out[0], new(uint64)).(*uint64)
	level = *abi.ConvertType(out[1], new(uint64)).(*uint64)
	log2Step = *abi.ConvertType(out[2], new(uint64)).(*uint64)
	height = *abi.ConvertType(out[3], new(uint64)).(*uint64)
	return maxLevel, level, log2Step, height, nil
}

// GetCommitment calls getCommitment.
func (c *TournamentCaller) GetCommitment(opts *bind.CallOpts, root [32]byte) (CommitmentState, error) {
	var out []interface{}
	if err := c.contract.Call(opts, &out, "getCommitment", root); err != nil {
		return CommitmentState{}, err
	}
	return CommitmentState{
		Clock:      *abi.ConvertType(out[0], new(Clock)).(*Clock),
		FinalState: *abi.ConvertType(out[1], new([32]byte)).(*[32]byte),
	}, nil
}

// GetMatch calls getMatch.
func (c *TournamentCaller) GetMatch(opts *bind.CallOpts, matchIDHash [32]byte) (MatchState, error) {
	var out []interface{}
	if err := c.contract.Call(opts, &out, "getMatch", matchIDHash); err != nil {
		return MatchState{}, err
	}
	return MatchState{
		IsInit:              *abi.ConvertType(out[0], new(bool)).(*bool),
		OtherParent:         *abi.ConvertType(out[1], new([32]byte)).(*[32]byte),
		LeftNode:            *abi.ConvertType(out[2], new([32]byte)).(*[32]byte),
		RightNode:           *abi.ConvertType(out[3], new([32]byte)).(*[32]byte),
		RunningLeafPosition: *abi.ConvertType(out[4], new(*big.Int)).(**big.Int),
		CurrentHeight:       *abi.ConvertType(out[5], new(*big.Int)).(**big.Int),
	}, nil
}

// GetMatchCycle calls getMatchCycle.
func (c *TournamentCaller) GetMatchCycle(opts *bind.CallOpts, matchIDHash [32]byte) (*big.Int, error) {
	var out []interface{}
	if err := c.contract.Call(opts, &out, "getMatchCycle", matchIDHash); err != nil {
		return nil, err
	}
	return *abi.ConvertType(out[0], new(*big.Int)).(**big.Int), nil
}

// ArbitrationResult calls arbitrationResult (root tournaments only).
func (c *TournamentCaller) ArbitrationResult(opts *bind.CallOpts) (finished bool, commitment, state [32]byte, err error) {
	var out []interface{}
	if err = c.contract.Call(opts, &out, "arbitrationResult"); err != nil {
		return false, [32]byte{}, [32]byte{}, err
	}
	finished = *abi.ConvertType(out[0], new(bool)).(*bool)
	commitment = *abi.ConvertType(out[1], new([32]byte)).(*[32]byte)
	state = *abi.ConvertType(out[2], new([32]byte)).(*[32]byte)
	return finished, commitment, state, nil
}

// InnerTournamentWinner calls innerTournamentWinner (non-root tournaments only).
func (c *TournamentCaller) InnerTournamentWinner(opts *bind.CallOpts) (finished bool, parentCommitment, danglingCommitment [32]byte, err error) {
	var out []interface{}
	if err = c.contract.Call(opts, &out, "innerTournamentWinner"); err != nil {
		return false, [32]byte{}, [32]byte{}, err
	}
	finished = *abi.ConvertType(out[0], new(bool)).(*bool)
	parentCommitment = *abi.ConvertType(out[1], new([32]byte)).(*[32]byte)
	danglingCommitment = *abi.ConvertType(out[2], new([32]byte)).(*[32]byte)
	return finished, parentCommitment, danglingCommitment, nil
}

// CanBeEliminated calls canBeEliminated (non-root tournaments only).
func (c *TournamentCaller) CanBeEliminated(opts *bind.CallOpts) (bool, error) {
	var out []interface{}
	if err := c.contract.Call(opts, &out, "canBeEliminated"); err != nil {
		return false, err
	}
	return *abi.ConvertType(out[0], new(bool)).(*bool), nil
}

// JoinTournament sends joinTournament.
func (t *TournamentTransactor) JoinTournament(opts *bind.TransactOpts, finalState [32]byte, proof [][32]byte, left, right [32]byte) (*types.Transaction, error) {
	return t.contract.Transact(opts, "joinTournament", finalState, proof, left, right)
}

// AdvanceMatch sends advanceMatch.
func (t *TournamentTransactor) AdvanceMatch(opts *bind.TransactOpts, matchIDHash, left, right, newLeft, newRight [32]byte) (*types.Transaction, error) {
	return t.contract.Transact(opts, "advanceMatch", matchIDHash, left, right, newLeft, newRight)
}

// SealInnerMatchAndCreateInnerTournament sends sealInnerMatchAndCreateInnerTournament.
func (t *TournamentTransactor) SealInnerMatchAndCreateInnerTournament(opts *bind.TransactOpts, matchIDHash, left, right, agreeState [32]byte, proof [][32]byte) (*types.Transaction, error) {
	return t.contract.Transact(opts, "sealInnerMatchAndCreateInnerTournament", matchIDHash, left, right, agreeState, proof)
}

// SealLeafMatch sends sealLeafMatch.
func (t *TournamentTransactor) SealLeafMatch(opts *bind.TransactOpts, matchIDHash, left, right, agreeState [32]byte, proof [][32]byte) (*types.Transaction, error) {
	return t.contract.Transact(opts, "sealLeafMatch", matchIDHash, left, right, agreeState, proof)
}

// WinInnerMatch sends winInnerMatch.
func (t *TournamentTransactor) WinInnerMatch(opts *bind.TransactOpts, childTournament common.Address, left, right [32]byte) (*types.Transaction, error) {
	return t.contract.Transact(opts, "winInnerMatch", childTournament, left, right)
}

// WinLeafMatch sends winLeafMatch.
func (t *TournamentTransactor) WinLeafMatch(opts *bind.TransactOpts, matchIDHash, left, right [32]byte, proof []byte) (*types.Transaction, error) {
	return t.contract.Transact(opts, "winLeafMatch", matchIDHash, left, right, proof)
}

// WinMatchByTimeout sends winMatchByTimeout.
func (t *TournamentTransactor) WinMatchByTimeout(opts *bind.TransactOpts, matchIDHash, left, right [32]byte) (*types.Transaction, error) {
	return t.contract.Transact(opts, "winMatchByTimeout", matchIDHash, left, right)
}

// EliminateMatchByTimeout sends eliminateMatchByTimeout.
func (t *TournamentTransactor) EliminateMatchByTimeout(opts *bind.TransactOpts, matchIDHash [32]byte) (*types.Transaction, error) {
	return t.contract.Transact(opts, "eliminateMatchByTimeout", matchIDHash)
}

// TournamentMatchCreated is the Go representation of a MatchCreated log.
type TournamentMatchCreated struct {
	One       [32]byte
	Two       [32]byte
	LeftOfTwo [32]byte
	Raw       types.Log
}

// TournamentCommitmentJoined is the Go representation of a CommitmentJoined log.
type TournamentCommitmentJoined struct {
	Commitment [32]byte
	Raw        types.Log
}

// TournamentNewInnerTournament is the Go representation of a NewInnerTournament log.
type TournamentNewInnerTournament struct {
	MatchIDHash     [32]byte
	ChildTournament common.Address
	Raw             types.Log
}

// FilterEventLogs runs a raw eth_getLogs query over [fromBlock, toBlock] for
// the named tournament event. Kept generic, rather than one strongly-typed
// method per event as abigen would produce, because the arena reader drives
// all three tournament events through the same range-bisection retry path.
func FilterEventLogs(ctx context.Context, backend bind.ContractFilterer, address common.Address, eventName string, fromBlock, toBlock *big.Int) ([]types.Log, error) {
	parsed, err := TournamentMetaData.GetAbi()
	if err != nil {
		return nil, err
	}
	ev, ok := parsed.Events[eventName]
	if !ok {
		return nil, fmt.Errorf("tournamentgen: no such event %q", eventName)
	}
	query := ethereum.FilterQuery{
		FromBlock: fromBlock,
		ToBlock:   toBlock,
		Addresses: []common.Address{address},
		Topics:    [][]common.Hash{{ev.ID}},
	}
	return backend.FilterLogs(ctx, query)
}

// UnpackMatchCreated decodes a raw log into a MatchCreated event.
func UnpackMatchCreated(log types.Log) (*TournamentMatchCreated, error) {
	if len(log.Topics) != 3 {
		return nil, fmt.Errorf("tournamentgen: MatchCreated log has %d topics, want 3", len(log.Topics))
	}
	return &TournamentMatchCreated{
		One:       log.Topics[1],
		Two:       log.Topics[2],
		LeftOfTwo: common.BytesToHash(log.Data),
		Raw:       log,
	}, nil
}

// UnpackCommitmentJoined decodes a raw log into a CommitmentJoined event.
func UnpackCommitmentJoined(log types.Log) (*TournamentCommitmentJoined, error) {
	return &TournamentCommitmentJoined{
		Commitment: common.BytesToHash(log.Data),
		Raw:        log,
	}, nil
}

// UnpackNewInnerTournament decodes a raw log into a NewInnerTournament event.
func UnpackNewInnerTournament(log types.Log) (*TournamentNewInnerTournament, error) {
	if len(log.Topics) != 2 {
		return nil, fmt.Errorf("tournamentgen: NewInnerTournament log has %d topics, want 2", len(log.Topics))
	}
	return &TournamentNewInnerTournament{
		MatchIDHash:     log.Topics[1],
		ChildTournament: common.BytesToAddress(log.Data),
		Raw:             log,
	}, nil
}
