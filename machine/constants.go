package machine

import (
	"github.com/holiman/uint256"
	"github.com/pkg/errors"
)

// CheckpointAddress is the fixed memory address the VM adapter writes the
// pre-input state root into before feeding a cmio input, so the subsequent
// leaf-match proof can include a write-proof of that checkpoint.
const CheckpointAddress uint64 = 0x7ffff000

// Constants are the protocol-wide shift constants packing a meta-cycle,
// together with the canonical leaf stride of the root tournament. They must
// match the tournament contracts' own view exactly; Validate is called once
// at startup and any mismatch is a fatal configuration error.
type Constants struct {
	Log2UarchSpanToBarch uint
	Log2BarchSpanToInput uint
	Log2InputSpanToEpoch uint
	Log2Stride           uint
}

// Validate sanity-checks the constants: every shift must be non-negative and
// small enough that the composed meta-cycle fits comfortably in a U256, and
// Log2Stride must not exceed the total addressable span.
func (c Constants) Validate() error {
	total := c.Log2UarchSpanToBarch + c.Log2BarchSpanToInput + c.Log2InputSpanToEpoch
	if total >= 256 {
		return errors.Errorf("meta-cycle span %d bits overflows a U256", total)
	}
	if c.Log2Stride > total {
		return errors.Errorf("log2_stride %d exceeds total meta-cycle span %d", c.Log2Stride, total)
	}
	return nil
}

// UarchSpan is the number of micro-steps per big-step: 2^Log2UarchSpanToBarch.
func (c Constants) UarchSpan() uint64 {
	return uint64(1) << c.Log2UarchSpanToBarch
}

// Log2UarchSpanToInput is the bit width of (barch, uarch) together.
func (c Constants) Log2UarchSpanToInput() uint {
	return c.Log2UarchSpanToBarch + c.Log2BarchSpanToInput
}

// TotalSpanLog2 is the full bit width of a meta-cycle: input || barch || uarch.
func (c Constants) TotalSpanLog2() uint {
	return c.Log2UarchSpanToBarch + c.Log2BarchSpanToInput + c.Log2InputSpanToEpoch
}

// StrideCountInEpoch is the number of root-tournament leaves spanning a full
// epoch: 2^(total span − log2_stride).
func (c Constants) StrideCountInEpoch() uint64 {
	return uint64(1) << (c.TotalSpanLog2() - c.Log2Stride)
}

// UarchSpanToBarchMask masks the uarch (low) bits of a meta-cycle.
func (c Constants) UarchSpanToBarchMask() uint64 {
	return c.UarchSpan() - 1
}

// BarchSpanToInputMask masks the barch (middle) bits of a meta-cycle, once
// shifted down by Log2UarchSpanToBarch.
func (c Constants) BarchSpanToInputMask() uint64 {
	return (uint64(1) << c.Log2BarchSpanToInput) - 1
}

// ComposeMetaCycle packs an input index, big-step, and micro-step into a
// single U256 meta-cycle: high bits = input index, middle = big-step, low =
// micro-step.
func (c Constants) ComposeMetaCycle(inputIndex, barch, uarch uint64) *uint256.Int {
	mc := uint256.NewInt(inputIndex)
	mc.Lsh(mc, c.Log2BarchSpanToInput)
	mc.Add(mc, uint256.NewInt(barch))
	mc.Lsh(mc, c.Log2UarchSpanToBarch)
	mc.Add(mc, uint256.NewInt(uarch))
	return mc
}

// DecomposeMetaCycle splits a meta-cycle back into its input index, big-step,
// and micro-step components.
func (c Constants) DecomposeMetaCycle(mc *uint256.Int) (inputIndex, barch, uarch uint64) {
	uarchMask := uint256.NewInt(c.UarchSpanToBarchMask())
	u := new(uint256.Int).And(mc, uarchMask)
	uarch = u.Uint64()

	rest := new(uint256.Int).Rsh(mc, c.Log2UarchSpanToBarch)
	barchMask := uint256.NewInt(c.BarchSpanToInputMask())
	b := new(uint256.Int).And(rest, barchMask)
	barch = b.Uint64()

	inputIdx := new(uint256.Int).Rsh(rest, c.Log2BarchSpanToInput)
	inputIndex = inputIdx.Uint64()
	return inputIndex, barch, uarch
}

// InputMask masks the (barch, uarch) low bits of a meta-cycle: a meta-cycle
// with all of these bits zero sits exactly at an input boundary.
func (c Constants) InputMask() *uint256.Int {
	mask := new(uint256.Int).Lsh(uint256.NewInt(1), c.Log2UarchSpanToInput())
	return mask.Sub(mask, uint256.NewInt(1))
}

// AtInputBoundary reports whether mc's low (barch, uarch) bits are all zero.
func (c Constants) AtInputBoundary(mc *uint256.Int) bool {
	masked := new(uint256.Int).And(mc, c.InputMask())
	return masked.IsZero()
}

// AtBigStepBoundary reports whether mc+1's uarch bits are all zero, i.e.
// whether mc is the last micro-step of a big step.
func (c Constants) AtBigStepBoundary(mc *uint256.Int) bool {
	next := new(uint256.Int).Add(mc, uint256.NewInt(1))
	mask := uint256.NewInt(c.UarchSpanToBarchMask())
	masked := new(uint256.Int).And(next, mask)
	return masked.IsZero()
}
