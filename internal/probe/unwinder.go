package probe

import "github.com/dispatchrun/nativetrace/internal/unwind"

// DMax is the fixed stack-sample length (§3): "size D_max (24 in the
// reference profile)".
const DMax = 24

// Registers is the CPU register snapshot a probe fire observes, limited to
// the registers this system tracks (§3's MachineRegister set).
type Registers struct {
	RIP uint64
	RSP uint64
	RBP uint64
	RBX uint64
}

func (r Registers) value(reg unwind.MachineRegister) uint64 {
	switch reg {
	case unwind.RegRSP:
		return r.RSP
	case unwind.RegRBP:
		return r.RBP
	case unwind.RegRBX:
		return r.RBX
	default:
		return 0
	}
}

// MemReader simulates the "probe-read user memory" primitive (§4.5): reads
// an 8-byte machine word at addr, returning ok=false on failure. A real
// deployment's BPF program uses bpf_probe_read_user; this reference
// emulator lets tests exercise the walking algorithm with a plain Go
// function reading from a byte slice or map.
type MemReader func(addr uint64) (uint64, bool)

// Stack is the fixed-length sample vector §3 describes: a trailing zero
// marks stack end, and samples shorter than DMax are zero-padded (§8
// invariant 4, "stack terminator").
type Stack [DMax]uint64

// boundedIterations returns a fixed iteration count sufficient to binary
// search a table of the given size — "a fixed log2(|table|_max) iterations"
// per §4.5c. 17 covers the documented 0xffff-row cap (§9) with margin.
const boundedIterations = 17

// Walk performs the in-probe unwinder's per-fire routine (§4.5), minus the
// PID filter (callers check that before invoking Walk — §4.5's ENTER ->
// PID_FILTER transition). table must already have every row's PC shifted
// by its image's load address, matching what the real shared PC[] array
// holds.
func Walk(table *unwind.Table, regs Registers, read MemReader) Stack {
	var stack Stack
	cur := regs

	for d := 0; d < DMax; d++ {
		stack[d] = cur.RIP
		if cur.RIP == 0 {
			break
		}

		row, ok := table.BoundedRowForPC(cur.RIP, boundedIterations)
		if !ok || row.Terminal() {
			break
		}

		if row.CFA.Kind != unwind.OpRegisterPlusOffset {
			break
		}
		cfa := uint64(int64(cur.value(row.CFA.Register)) + row.CFA.Offset)

		// RegisterPlusOffset or Unimplemented as a return-address rule
		// terminates the walk immediately, per §4.5f.
		if row.ReturnAddress.Kind != unwind.OpCfaOffset && row.ReturnAddress.Kind != unwind.OpUndefined {
			break
		}

		var newIP uint64
		if row.ReturnAddress.Kind == unwind.OpCfaOffset {
			if v, ok := read(uint64(int64(cfa) + row.ReturnAddress.Offset)); ok {
				newIP = v
			}
		}

		if newIP == cur.RIP {
			break // infinite-loop guard, §4.5g
		}

		next := Registers{RIP: newIP, RSP: cfa}
		next.RBP = evalSavedRegister(row.RBP, cur, cfa, read)
		next.RBX = evalSavedRegister(row.RBX, cur, cfa, read)
		cur = next
	}

	return stack
}

// evalSavedRegister evaluates a non-CFA, non-return-address register rule.
// Unimplemented or a read failure both degrade to zero, matching the
// original bpf-backtrace's unwrap_or_default() on execute_instruction.
func evalSavedRegister(op unwind.Op, regs Registers, cfa uint64, read MemReader) uint64 {
	switch op.Kind {
	case unwind.OpCfaOffset:
		v, ok := read(uint64(int64(cfa) + op.Offset))
		if !ok {
			return 0
		}
		return v
	case unwind.OpRegisterPlusOffset:
		return uint64(int64(regs.value(op.Register)) + op.Offset)
	default:
		return 0
	}
}
