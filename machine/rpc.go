package machine

import (
	"context"
	"encoding/hex"

	ethrpc "github.com/ethereum/go-ethereum/rpc"
	"github.com/dave-prt/prt-go/merkle"
	"github.com/pkg/errors"
)

// RPCMachine is a thin JSON-RPC façade over a running Cartesi-machine-
// compatible server process: one connection owns exactly one loaded
// machine, mirroring the original adapter's one-Machine-per-MachineInstance
// ownership model. Requests are forwarded verbatim; the server is the
// authority on VM semantics, this type only marshals/unmarshals.
//
// The client is built on go-ethereum's generic JSON-RPC client rather than
// the standard library's net/rpc: it is already the transport the arena
// reader and sender use to talk to the chain node, so the whole process
// shares one JSON-RPC client stack.
type RPCMachine struct {
	client *ethrpc.Client
}

// DialRPC connects to addr and loads the machine image at path.
func DialRPC(ctx context.Context, addr string, path string) (*RPCMachine, error) {
	client, err := ethrpc.DialContext(ctx, addr)
	if err != nil {
		return nil, errors.Wrap(err, "dialing machine server")
	}
	m := &RPCMachine{client: client}
	if err := client.CallContext(ctx, nil, "machine_load", path); err != nil {
		client.Close()
		return nil, errors.Wrap(err, "loading machine image")
	}
	return m, nil
}

// Close releases the RPC connection.
func (m *RPCMachine) Close() {
	m.client.Close()
}

func (m *RPCMachine) Store(ctx context.Context, path string) error {
	return m.client.CallContext(ctx, nil, "machine_store", path)
}

type hexDigestResult struct {
	Hash string `json:"hash"`
}

func (m *RPCMachine) RootHash(ctx context.Context) (merkle.Digest, error) {
	var res hexDigestResult
	if err := m.client.CallContext(ctx, &res, "machine_rootHash"); err != nil {
		return merkle.Digest{}, err
	}
	return merkle.DigestFromHex(res.Hash)
}

type stateResult struct {
	RootHash string `json:"rootHash"`
	Halted   bool   `json:"halted"`
	Yielded  bool   `json:"yielded"`
	UHalted  bool   `json:"uhalted"`
}

func (r stateResult) toState() (State, error) {
	root, err := merkle.DigestFromHex(r.RootHash)
	if err != nil {
		return State{}, err
	}
	return State{RootHash: root, Halted: r.Halted, Yielded: r.Yielded, UHalted: r.UHalted}, nil
}

func (m *RPCMachine) Run(ctx context.Context, targetMcycle uint64) (State, error) {
	var res stateResult
	if err := m.client.CallContext(ctx, &res, "machine_run", targetMcycle); err != nil {
		return State{}, errors.Wrap(err, "machine_run")
	}
	return res.toState()
}

func (m *RPCMachine) RunUarch(ctx context.Context, targetUcycle uint64) (State, error) {
	var res stateResult
	if err := m.client.CallContext(ctx, &res, "machine_runUarch", targetUcycle); err != nil {
		return State{}, errors.Wrap(err, "machine_runUarch")
	}
	return res.toState()
}

func (m *RPCMachine) ResetUarch(ctx context.Context) (State, error) {
	var res stateResult
	if err := m.client.CallContext(ctx, &res, "machine_resetUarch"); err != nil {
		return State{}, errors.Wrap(err, "machine_resetUarch")
	}
	return res.toState()
}

func (m *RPCMachine) SendCmioResponse(ctx context.Context, reason CmioResponseReason, data []byte) error {
	return m.client.CallContext(ctx, nil, "machine_sendCmioResponse", reason, hex.EncodeToString(data))
}

func (m *RPCMachine) ReceiveCmioRequestReason(ctx context.Context) (uint64, error) {
	var reason uint64
	err := m.client.CallContext(ctx, &reason, "machine_receiveCmioRequestReason")
	return reason, err
}

func (m *RPCMachine) ReadMemory(ctx context.Context, addr uint64, length uint64) ([]byte, error) {
	var hexData string
	if err := m.client.CallContext(ctx, &hexData, "machine_readMemory", addr, length); err != nil {
		return nil, err
	}
	return hex.DecodeString(hexData)
}

func (m *RPCMachine) WriteMemory(ctx context.Context, addr uint64, data []byte) error {
	return m.client.CallContext(ctx, nil, "machine_writeMemory", addr, hex.EncodeToString(data))
}

type memProofResult struct {
	TargetHash    string   `json:"targetHash"`
	SiblingHashes []string `json:"siblingHashes"`
}

func (m *RPCMachine) Proof(ctx context.Context, addr uint64, log2Size uint8) (MemProof, error) {
	var res memProofResult
	if err := m.client.CallContext(ctx, &res, "machine_proof", addr, log2Size); err != nil {
		return MemProof{}, err
	}
	return decodeMemProof(res)
}

func decodeMemProof(res memProofResult) (MemProof, error) {
	target, err := merkle.DigestFromHex(res.TargetHash)
	if err != nil {
		return MemProof{}, err
	}
	siblings := make([]merkle.Digest, len(res.SiblingHashes))
	for i, h := range res.SiblingHashes {
		d, err := merkle.DigestFromHex(h)
		if err != nil {
			return MemProof{}, err
		}
		siblings[i] = d
	}
	return MemProof{TargetHash: target, SiblingHashes: siblings}, nil
}

type accessResult struct {
	IsWrite       bool     `json:"isWrite"`
	Address       uint64   `json:"address"`
	Log2Size      uint8    `json:"log2Size"`
	Read          string   `json:"read,omitempty"`
	ReadHash      string   `json:"readHash"`
	Written       string   `json:"written,omitempty"`
	SiblingHashes []string `json:"siblingHashes"`
}

type accessLogResult struct {
	Accesses []accessResult `json:"accesses"`
}

func (r accessLogResult) toAccessLog() (AccessLog, error) {
	out := AccessLog{Accesses: make([]Access, len(r.Accesses))}
	for i, a := range r.Accesses {
		readHash, err := merkle.DigestFromHex(a.ReadHash)
		if err != nil {
			return AccessLog{}, err
		}
		access := Access{
			IsWrite:  a.IsWrite,
			Address:  a.Address,
			Log2Size: a.Log2Size,
			ReadHash: readHash,
		}
		if a.Read != "" {
			read, err := hex.DecodeString(a.Read)
			if err != nil {
				return AccessLog{}, err
			}
			access.Read = read
		}
		if a.Written != "" {
			written, err := hex.DecodeString(a.Written)
			if err != nil {
				return AccessLog{}, err
			}
			access.Written = written
		}
		siblings := make([]merkle.Digest, len(a.SiblingHashes))
		for j, h := range a.SiblingHashes {
			d, err := merkle.DigestFromHex(h)
			if err != nil {
				return AccessLog{}, err
			}
			siblings[j] = d
		}
		access.SiblingHashes = siblings
		out.Accesses[i] = access
	}
	return out, nil
}

func (m *RPCMachine) LogStepUarch(ctx context.Context, logType LogType) (AccessLog, error) {
	var res accessLogResult
	if err := m.client.CallContext(ctx, &res, "machine_logStepUarch", logType); err != nil {
		return AccessLog{}, err
	}
	return res.toAccessLog()
}

func (m *RPCMachine) LogResetUarch(ctx context.Context, logType LogType) (AccessLog, error) {
	var res accessLogResult
	if err := m.client.CallContext(ctx, &res, "machine_logResetUarch", logType); err != nil {
		return AccessLog{}, err
	}
	return res.toAccessLog()
}

func (m *RPCMachine) LogSendCmioResponse(ctx context.Context, reason CmioResponseReason, data []byte, logType LogType) (AccessLog, error) {
	var res accessLogResult
	if err := m.client.CallContext(ctx, &res, "machine_logSendCmioResponse", reason, hex.EncodeToString(data), logType); err != nil {
		return AccessLog{}, err
	}
	return res.toAccessLog()
}

func (m *RPCMachine) IsHalted(ctx context.Context) (bool, error) {
	var halted bool
	err := m.client.CallContext(ctx, &halted, "machine_isHalted")
	return halted, err
}

func (m *RPCMachine) IsYielded(ctx context.Context) (bool, error) {
	var yielded bool
	err := m.client.CallContext(ctx, &yielded, "machine_isYielded")
	return yielded, err
}

func (m *RPCMachine) IsUarchHalted(ctx context.Context) (bool, error) {
	var uhalted bool
	err := m.client.CallContext(ctx, &uhalted, "machine_isUarchHalted")
	return uhalted, err
}

func (m *RPCMachine) Mcycle(ctx context.Context) (uint64, error) {
	var cycle uint64
	err := m.client.CallContext(ctx, &cycle, "machine_mcycle")
	return cycle, err
}

func (m *RPCMachine) Ucycle(ctx context.Context) (uint64, error) {
	var cycle uint64
	err := m.client.CallContext(ctx, &cycle, "machine_ucycle")
	return cycle, err
}

var _ Machine = (*RPCMachine)(nil)
