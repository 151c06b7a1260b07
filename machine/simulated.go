package machine

import (
	"context"
	"encoding/binary"

	"github.com/dave-prt/prt-go/merkle"
	"github.com/pkg/errors"
)

// Simulated is a deterministic in-memory Machine fake: its root hash is a
// pure function of (seed, mcycle, ucycle, fed inputs), so two Simulated
// machines built from the same seed and driven the same way always agree —
// exactly the determinism the commitment builder depends on. Memory writes
// are kept for ReadMemory but do not affect the root hash.
type Simulated struct {
	seed     []byte
	mcycle   uint64
	ucycle   uint64
	haltAt   uint64 // 0 means never halts
	yieldEvery uint64 // 0 means never yields; otherwise yields at every multiple
	uarchHaltAt uint64

	memory     map[uint64][]byte
	inputsFed  [][]byte
	cmioReason uint64
}

// NewSimulated builds a fake machine. haltAt == 0 means the machine never
// halts on its own; yieldEvery == 0 means it never yields.
func NewSimulated(seed []byte, haltAt, yieldEvery, uarchHaltAt uint64) *Simulated {
	return &Simulated{
		seed:        append([]byte(nil), seed...),
		haltAt:      haltAt,
		yieldEvery:  yieldEvery,
		uarchHaltAt: uarchHaltAt,
		memory:      make(map[uint64][]byte),
		cmioReason:  RXAccepted,
	}
}

func (m *Simulated) Store(_ context.Context, _ string) error { return nil }

func (m *Simulated) RootHash(_ context.Context) (merkle.Digest, error) {
	buf := make([]byte, 0, len(m.seed)+24)
	buf = append(buf, m.seed...)
	buf = binary.BigEndian.AppendUint64(buf, m.mcycle)
	buf = binary.BigEndian.AppendUint64(buf, m.ucycle)
	buf = binary.BigEndian.AppendUint64(buf, uint64(len(m.inputsFed)))
	for _, in := range m.inputsFed {
		buf = append(buf, in...)
	}
	return merkle.FromData(buf), nil
}

func (m *Simulated) state(yielded, halted bool) State {
	root, _ := m.RootHash(context.Background())
	return State{RootHash: root, Halted: halted, Yielded: yielded, UHalted: m.ucycle >= m.uarchHaltAt && m.uarchHaltAt > 0}
}

func (m *Simulated) Run(_ context.Context, targetMcycle uint64) (State, error) {
	if targetMcycle < m.mcycle {
		return State{}, errors.New("simulated machine cannot run backward")
	}

	stop := targetMcycle
	yielded := false
	halted := false

	if m.yieldEvery > 0 {
		nextYield := ((m.mcycle / m.yieldEvery) + 1) * m.yieldEvery
		if nextYield <= targetMcycle && nextYield < stop {
			stop = nextYield
			yielded = true
		} else if nextYield <= targetMcycle && nextYield == stop {
			yielded = true
		}
	}
	if m.haltAt > 0 && m.haltAt <= targetMcycle {
		if m.haltAt < stop {
			stop = m.haltAt
			yielded = false
			halted = true
		} else if m.haltAt == stop {
			halted = true
			yielded = false
		}
	}

	m.mcycle = stop
	m.ucycle = 0
	return m.state(yielded, halted), nil
}

func (m *Simulated) RunUarch(_ context.Context, targetUcycle uint64) (State, error) {
	if targetUcycle < m.ucycle {
		return State{}, errors.New("simulated machine cannot run uarch backward")
	}
	m.ucycle = targetUcycle
	if m.uarchHaltAt > 0 && m.ucycle > m.uarchHaltAt {
		m.ucycle = m.uarchHaltAt
	}
	return m.state(false, false), nil
}

func (m *Simulated) ResetUarch(_ context.Context) (State, error) {
	m.ucycle = 0
	m.mcycle++
	return m.state(false, false), nil
}

func (m *Simulated) SendCmioResponse(_ context.Context, _ CmioResponseReason, data []byte) error {
	m.inputsFed = append(m.inputsFed, append([]byte(nil), data...))
	return nil
}

func (m *Simulated) ReceiveCmioRequestReason(_ context.Context) (uint64, error) {
	return m.cmioReason, nil
}

// SetCmioReason lets a test simulate a rejected input.
func (m *Simulated) SetCmioReason(reason uint64) {
	m.cmioReason = reason
}

func (m *Simulated) ReadMemory(_ context.Context, addr uint64, length uint64) ([]byte, error) {
	data, ok := m.memory[addr]
	if !ok {
		return make([]byte, length), nil
	}
	out := make([]byte, length)
	copy(out, data)
	return out, nil
}

func (m *Simulated) WriteMemory(_ context.Context, addr uint64, data []byte) error {
	m.memory[addr] = append([]byte(nil), data...)
	return nil
}

func (m *Simulated) Proof(ctx context.Context, addr uint64, log2Size uint8) (MemProof, error) {
	root, err := m.RootHash(ctx)
	if err != nil {
		return MemProof{}, err
	}
	return MemProof{TargetHash: root}, nil
}

func (m *Simulated) logFor(addr uint64, isWrite bool) (Access, error) {
	data, err := m.ReadMemory(context.Background(), addr, 32)
	if err != nil {
		return Access{}, err
	}
	return Access{
		IsWrite:  isWrite,
		Address:  addr,
		Log2Size: 5,
		ReadHash: merkle.FromData(data),
	}, nil
}

func (m *Simulated) LogStepUarch(_ context.Context, _ LogType) (AccessLog, error) {
	access, err := m.logFor(CheckpointAddress, false)
	if err != nil {
		return AccessLog{}, err
	}
	if _, err := m.RunUarch(context.Background(), m.ucycle+1); err != nil {
		return AccessLog{}, err
	}
	return AccessLog{Accesses: []Access{access}}, nil
}

func (m *Simulated) LogResetUarch(_ context.Context, _ LogType) (AccessLog, error) {
	access, err := m.logFor(CheckpointAddress, false)
	if err != nil {
		return AccessLog{}, err
	}
	if _, err := m.ResetUarch(context.Background()); err != nil {
		return AccessLog{}, err
	}
	return AccessLog{Accesses: []Access{access}}, nil
}

func (m *Simulated) LogSendCmioResponse(_ context.Context, reason CmioResponseReason, data []byte, _ LogType) (AccessLog, error) {
	access, err := m.logFor(CheckpointAddress, true)
	if err != nil {
		return AccessLog{}, err
	}
	if err := m.SendCmioResponse(context.Background(), reason, data); err != nil {
		return AccessLog{}, err
	}
	return AccessLog{Accesses: []Access{access}}, nil
}

func (m *Simulated) IsHalted(_ context.Context) (bool, error) {
	return m.haltAt > 0 && m.mcycle >= m.haltAt, nil
}

func (m *Simulated) IsYielded(_ context.Context) (bool, error) {
	return m.yieldEvery > 0 && m.mcycle%m.yieldEvery == 0, nil
}

func (m *Simulated) IsUarchHalted(_ context.Context) (bool, error) {
	return m.uarchHaltAt > 0 && m.ucycle >= m.uarchHaltAt, nil
}

func (m *Simulated) Mcycle(_ context.Context) (uint64, error) { return m.mcycle, nil }
func (m *Simulated) Ucycle(_ context.Context) (uint64, error) { return m.ucycle, nil }

var _ Machine = (*Simulated)(nil)
