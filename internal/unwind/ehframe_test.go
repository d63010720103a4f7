package unwind

import (
	"bytes"
	"encoding/binary"
	"reflect"
	"testing"
)

// buildCIE assembles a minimal version-1 CIE with no augmentation: code
// alignment 1, data alignment -8, return column 16 (the x86-64 return
// address), and the initial rule state cfa = rsp+8, return address = CFA-8
// (the state at function entry, right after `call`).
func buildCIE(t *testing.T) []byte {
	t.Helper()
	var body bytes.Buffer
	body.WriteByte(1)    // version
	body.WriteByte(0)    // augmentation: empty string
	body.WriteByte(1)    // code alignment factor (ULEB128)
	body.WriteByte(0x78) // data alignment factor (SLEB128 -8)
	body.WriteByte(16)   // return column

	// Initial instructions: def_cfa(rsp=7, 8); offset(reg=16, factor=1) -> CfaOffset(-8)
	body.Write([]byte{0x0c, 0x07, 0x08})
	body.Write([]byte{0x90, 0x01})

	var entry bytes.Buffer
	length := uint32(4 + body.Len())
	binary.Write(&entry, binary.LittleEndian, length)
	binary.Write(&entry, binary.LittleEndian, uint32(0)) // CIE id marker
	entry.Write(body.Bytes())
	return entry.Bytes()
}

// buildFDE assembles an FDE referencing the CIE at ciePos (absolute offset
// of the CIE's length field from the start of the section), covering
// [pcBegin, pcBegin+pcRange), with one location advance partway through
// that widens the CFA offset from 8 to 16 (as a `push %rbp`-less frame
// extension would).
func buildFDE(t *testing.T, entryStart int, ciePos int, pcBegin, pcRange uint64) []byte {
	t.Helper()
	idFieldPos := entryStart + 4
	cieOffset := uint32(idFieldPos - ciePos)

	var body bytes.Buffer
	binary.Write(&body, binary.LittleEndian, pcBegin) // absptr encoding: 8-byte absolute
	binary.Write(&body, binary.LittleEndian, pcRange)
	body.Write([]byte{0x44})       // advance_loc(4)
	body.Write([]byte{0x0e, 0x10}) // def_cfa_offset(16)

	var entry bytes.Buffer
	length := uint32(4 + body.Len())
	binary.Write(&entry, binary.LittleEndian, length)
	binary.Write(&entry, binary.LittleEndian, cieOffset)
	entry.Write(body.Bytes())
	return entry.Bytes()
}

func TestBuildTableParsesCIEAndFDE(t *testing.T) {
	cie := buildCIE(t)
	fde := buildFDE(t, len(cie), 0, 0x400000, 0x20)

	var section bytes.Buffer
	section.Write(cie)
	section.Write(fde)

	table, err := BuildTable(section.Bytes(), 0x10000)
	if err != nil {
		t.Fatalf("BuildTable: %v", err)
	}
	rows := table.Rows()
	if len(rows) != 2 {
		t.Fatalf("len(rows) = %d, want 2", len(rows))
	}

	want := []Row{
		{StartPC: 0x400000, EndPC: 0x400004, CFA: RegisterPlusOffset(RegRSP, 8), ReturnAddress: CfaOffset(-8), RBP: Undefined(), RBX: Undefined()},
		{StartPC: 0x400004, EndPC: 0x400020, CFA: RegisterPlusOffset(RegRSP, 16), ReturnAddress: CfaOffset(-8), RBP: Undefined(), RBX: Undefined()},
	}
	if !reflect.DeepEqual(rows, want) {
		t.Fatalf("rows = %+v, want %+v", rows, want)
	}
}

func TestBuildTableDeterministic(t *testing.T) {
	cie := buildCIE(t)
	fde := buildFDE(t, len(cie), 0, 0x400000, 0x20)
	var section bytes.Buffer
	section.Write(cie)
	section.Write(fde)

	t1, err := BuildTable(section.Bytes(), 0x10000)
	if err != nil {
		t.Fatalf("BuildTable (first): %v", err)
	}
	t2, err := BuildTable(section.Bytes(), 0x10000)
	if err != nil {
		t.Fatalf("BuildTable (second): %v", err)
	}
	if !reflect.DeepEqual(t1.Rows(), t2.Rows()) {
		t.Fatalf("two builds from the same bytes produced different tables")
	}
}

func TestBuildTableSkipsMalformedFDE(t *testing.T) {
	cie := buildCIE(t)
	// An FDE whose CIE pointer references a nonexistent CIE offset.
	var bogus bytes.Buffer
	binary.Write(&bogus, binary.LittleEndian, uint32(12)) // length
	binary.Write(&bogus, binary.LittleEndian, uint32(9999))
	bogus.Write(make([]byte, 8))

	var section bytes.Buffer
	section.Write(cie)
	section.Write(bogus.Bytes())

	table, err := BuildTable(section.Bytes(), 0)
	if err != nil {
		t.Fatalf("BuildTable: %v", err)
	}
	if table.Len() != 0 {
		t.Fatalf("expected the malformed FDE to be skipped, got %d rows", table.Len())
	}
}
