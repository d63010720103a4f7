package unwind

import "testing"

// §8 scenario (e): unwind-op round-trip.
func TestInstructionRoundTrip(t *testing.T) {
	cases := []Op{
		Unimplemented(),
		Undefined(),
		CfaOffset(8),
		CfaOffset(-24),
		RegisterPlusOffset(RegRSP, 8),
		RegisterPlusOffset(RegRBP, -16),
	}
	for _, op := range cases {
		instr := EncodeInstruction(op)
		got := DecodeInstruction(instr)
		if got != op {
			t.Fatalf("round trip mismatch: %+v -> %+v -> %+v", op, instr, got)
		}
	}
}
