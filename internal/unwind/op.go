// Package unwind implements the fixed-shape unwind table described by the
// design: a lossy but bounded-cost lowering of DWARF call-frame information,
// built once on the host from a binary's .eh_frame section and laid out so
// a bounded-iteration binary search can find the row for any instruction
// pointer.
package unwind

import "fmt"

// MachineRegister enumerates the CPU registers an UnwindOp may reference.
// Only registers whose value can matter to the walker are tracked; this
// mirrors the original ehframe crate's MachineRegister (Rsp, Rbp, Rbx, Ra)
// rather than the full DWARF register file.
type MachineRegister uint8

const (
	RegNone MachineRegister = iota
	RegRSP
	RegRBP
	RegRBX
)

func (r MachineRegister) String() string {
	switch r {
	case RegRSP:
		return "rsp"
	case RegRBP:
		return "rbp"
	case RegRBX:
		return "rbx"
	default:
		return "none"
	}
}

// dwarfRegister maps x86-64 DWARF register numbers to the MachineRegister
// values this package tracks. Registers outside this set are not trackable
// and any rule referencing one lowers to Unimplemented.
func dwarfRegister(n uint64) (MachineRegister, bool) {
	switch n {
	case 3:
		return RegRBX, true
	case 6:
		return RegRBP, true
	case 7:
		return RegRSP, true
	default:
		return RegNone, false
	}
}

// OpKind tags the four admissible UnwindOp variants.
type OpKind uint8

const (
	// OpUnimplemented marks a row unwindable no further; the walker must
	// terminate.
	OpUnimplemented OpKind = iota
	// OpUndefined marks a register lost at this PC; treated as zero.
	OpUndefined
	// OpCfaOffset reads an 8-byte word at CFA+Offset.
	OpCfaOffset
	// OpRegisterPlusOffset computes Register+Offset without memory access.
	OpRegisterPlusOffset
)

func (k OpKind) String() string {
	switch k {
	case OpUndefined:
		return "undefined"
	case OpCfaOffset:
		return "cfa_offset"
	case OpRegisterPlusOffset:
		return "register_plus_offset"
	default:
		return "unimplemented"
	}
}

// Op is the fixed-shape instruction every DWARF CFI rule is lowered into.
// Only Kind is meaningful for Unimplemented and Undefined; Offset is
// meaningful for CfaOffset and RegisterPlusOffset; Register is meaningful
// only for RegisterPlusOffset.
type Op struct {
	Kind     OpKind
	Register MachineRegister
	Offset   int64
}

// Unimplemented constructs the terminal op.
func Unimplemented() Op { return Op{Kind: OpUnimplemented} }

// Undefined constructs the lost-register op.
func Undefined() Op { return Op{Kind: OpUndefined} }

// CfaOffset constructs a memory-read-at-CFA-plus-offset op.
func CfaOffset(offset int64) Op { return Op{Kind: OpCfaOffset, Offset: offset} }

// RegisterPlusOffset constructs a register-plus-constant op.
func RegisterPlusOffset(reg MachineRegister, offset int64) Op {
	return Op{Kind: OpRegisterPlusOffset, Register: reg, Offset: offset}
}

func (o Op) String() string {
	switch o.Kind {
	case OpCfaOffset:
		return fmt.Sprintf("cfa%+d", o.Offset)
	case OpRegisterPlusOffset:
		return fmt.Sprintf("%s%+d", o.Register, o.Offset)
	default:
		return o.Kind.String()
	}
}

// IsTerminal reports whether this op, used as a CFA rule, marks its row
// terminal per §4.2.
func (o Op) IsTerminal() bool { return o.Kind == OpUnimplemented }
