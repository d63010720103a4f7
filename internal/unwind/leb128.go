package unwind

import (
	"bytes"
	"fmt"
)

// readULEB128 decodes an unsigned LEB128 value, the encoding DWARF uses for
// most integer operands in call-frame instructions.
func readULEB128(r *bytes.Reader) (uint64, error) {
	var result uint64
	var shift uint
	for {
		b, err := r.ReadByte()
		if err != nil {
			return 0, fmt.Errorf("unwind: uleb128: %w", err)
		}
		result |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return result, nil
		}
		shift += 7
		if shift >= 64 {
			return 0, fmt.Errorf("unwind: uleb128 overflow")
		}
	}
}

// readSLEB128 decodes a signed LEB128 value.
func readSLEB128(r *bytes.Reader) (int64, error) {
	var result int64
	var shift uint
	var b byte
	var err error
	for {
		b, err = r.ReadByte()
		if err != nil {
			return 0, fmt.Errorf("unwind: sleb128: %w", err)
		}
		result |= int64(b&0x7f) << shift
		shift += 7
		if b&0x80 == 0 {
			break
		}
		if shift >= 64 {
			return 0, fmt.Errorf("unwind: sleb128 overflow")
		}
	}
	if shift < 64 && b&0x40 != 0 {
		result |= -1 << shift
	}
	return result, nil
}
