package probe

import (
	"testing"

	"github.com/dispatchrun/nativetrace/internal/unwind"
)

// §8 scenario (a): deep recursion. A chain of frames deeper than DMax must
// fill the entire sample vector with non-zero IPs.
func TestWalkDeepRecursionFillsDMax(t *testing.T) {
	// One row, reused at every depth: the function calls itself, so the
	// same unwind rule applies at every return address. CFA = rsp+8+ the
	// return address is read from CFA-8 (just below the pretend "pushed"
	// return address each frame stored at its own stack slot).
	row := unwind.Row{
		StartPC: 0x1000, EndPC: 0x2000,
		CFA:           unwind.RegisterPlusOffset(unwind.RegRSP, 8),
		ReturnAddress: unwind.CfaOffset(-8),
	}
	table := unwind.NewTable([]unwind.Row{row})

	// Memory model: each frame's CFA is the prior frame's RSP+8, so
	// successive reads walk addresses base, base+8, base+16, ... Each slot
	// holds a distinct, non-zero "return address" so the walk never loops.
	const base = uint64(0x7f0000000000)
	mem := make(map[uint64]uint64)
	ip := uint64(0x1500)
	for i := 0; i < DMax+4; i++ {
		mem[base+8*uint64(i)] = ip + uint64(i) + 1
	}
	read := func(addr uint64) (uint64, bool) {
		v, ok := mem[addr]
		return v, ok
	}

	regs := Registers{RIP: ip, RSP: base} // CFA = RSP+8 = base+8; return addr at CFA-8 = base
	stack := Walk(table, regs, read)

	nonZero := 0
	for _, v := range stack {
		if v != 0 {
			nonZero++
		}
	}
	if nonZero != DMax {
		t.Fatalf("non-zero frames = %d, want %d", nonZero, DMax)
	}
}

// §8 invariant 4: stack terminator — at most one non-zero prefix.
func TestWalkStackTerminator(t *testing.T) {
	table := unwind.NewTable([]unwind.Row{{
		StartPC: 0x1000, EndPC: 0x2000,
		CFA:           unwind.RegisterPlusOffset(unwind.RegRSP, 8),
		ReturnAddress: unwind.CfaOffset(-8),
	}})
	read := func(addr uint64) (uint64, bool) { return 0, true } // every return address reads as 0: stack ends at depth 1

	stack := Walk(table, Registers{RIP: 0x1500, RSP: 0x8000}, read)

	sawZero := false
	for _, v := range stack {
		if v == 0 {
			sawZero = true
			continue
		}
		if sawZero {
			t.Fatalf("non-zero entry after a zero entry: %v", stack)
		}
	}
}

// §8 scenario (f): gap handling — an IP between two row ranges is unwound
// via the closest predecessor row, and the walk proceeds and terminates.
func TestWalkGapHandling(t *testing.T) {
	table := unwind.NewTable([]unwind.Row{
		{StartPC: 0x1000, EndPC: 0x1010, CFA: unwind.RegisterPlusOffset(unwind.RegRSP, 8), ReturnAddress: unwind.CfaOffset(-8)},
		// gap: [0x1010, 0x1030)
		{StartPC: 0x1030, EndPC: 0x1040, CFA: unwind.RegisterPlusOffset(unwind.RegRSP, 8), ReturnAddress: unwind.Undefined()},
	})
	read := func(addr uint64) (uint64, bool) { return 0, true }

	// 0x1020 falls in the gap; BoundedRowForPC falls back to the
	// predecessor row (start 0x1000), whose rules still apply, and the
	// walk terminates cleanly at depth 1 rather than erroring out.
	stack := Walk(table, Registers{RIP: 0x1020, RSP: 0x8000}, read)
	if stack[0] != 0x1020 {
		t.Fatalf("stack[0] = %#x, want %#x", stack[0], 0x1020)
	}
	if stack[1] != 0 {
		t.Fatalf("stack[1] = %#x, want 0 (terminated after one step)", stack[1])
	}
}

func TestWalkTerminatesOnUnimplementedCFA(t *testing.T) {
	table := unwind.NewTable([]unwind.Row{{
		StartPC: 0x1000, EndPC: 0x2000,
		CFA: unwind.Unimplemented(),
	}})
	stack := Walk(table, Registers{RIP: 0x1500}, func(uint64) (uint64, bool) { return 0, true })
	if stack[0] != 0x1500 || stack[1] != 0 {
		t.Fatalf("stack = %v, want [0x1500, 0, ...]", stack)
	}
}
