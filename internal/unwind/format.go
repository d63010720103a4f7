package unwind

// Instruction is the fixed-width, shared-map-friendly encoding of an Op,
// laid out the way ehframe's format.rs encodes its on-disk Instruction:
// a one-byte op tag, a one-byte register tag, and a biased offset so that
// the common small-negative-offset case (frame-pointer-relative saved
// registers) stays within an unsigned field. The in-probe unwinder indexes
// one Instruction array per tracked register plus one for the CFA rule and
// one for the return-address rule, parallel to the PC array (§4.5 "Inputs
// per fire").
type Instruction struct {
	Op       uint8
	Register uint8
	Offset   uint32 // biased: stored = real + offsetBias
}

// instruction op tags, stable across host and probe.
const (
	instrUnimplemented        uint8 = 0
	instrUndefined            uint8 = 1
	instrCfaOffset            uint8 = 2
	instrRegisterPlusOffset   uint8 = 3
	offsetBias                      = 1 << 30 // see EncodeInstruction
)

// EncodeInstruction lowers an Op into its fixed-width wire form. Offset is
// stored biased by offsetBias so that the legal DWARF offset range (a few
// kilobytes either side of zero) never touches the field's sign boundary,
// matching the "biased offset" trick ehframe/format.rs uses to keep the
// field a plain unsigned integer on the wire.
func EncodeInstruction(op Op) Instruction {
	instr := Instruction{Register: uint8(op.Register)}
	switch op.Kind {
	case OpUndefined:
		instr.Op = instrUndefined
	case OpCfaOffset:
		instr.Op = instrCfaOffset
		instr.Offset = uint32(offsetBias + op.Offset)
	case OpRegisterPlusOffset:
		instr.Op = instrRegisterPlusOffset
		instr.Offset = uint32(offsetBias + op.Offset)
	default:
		instr.Op = instrUnimplemented
	}
	return instr
}

// DecodeInstruction reverses EncodeInstruction.
func DecodeInstruction(instr Instruction) Op {
	offset := int64(instr.Offset) - offsetBias
	switch instr.Op {
	case instrUndefined:
		return Undefined()
	case instrCfaOffset:
		return CfaOffset(offset)
	case instrRegisterPlusOffset:
		return RegisterPlusOffset(MachineRegister(instr.Register), offset)
	default:
		return Unimplemented()
	}
}
