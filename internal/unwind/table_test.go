package unwind

import "testing"

func TestNewTableRowOrdering(t *testing.T) {
	rows := []Row{
		{StartPC: 0x300, EndPC: 0x310, CFA: RegisterPlusOffset(RegRSP, 8)},
		{StartPC: 0x100, EndPC: 0x200, CFA: RegisterPlusOffset(RegRSP, 8)},
		{StartPC: 0x200, EndPC: 0x300, CFA: RegisterPlusOffset(RegRSP, 16)},
	}
	table := NewTable(rows)

	got := table.Rows()
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i-1].StartPC >= got[i].StartPC {
			t.Fatalf("row ordering violated at %d: %#x >= %#x", i, got[i-1].StartPC, got[i].StartPC)
		}
	}
}

func TestNewTableDropsDuplicateStarts(t *testing.T) {
	rows := []Row{
		{StartPC: 0x100, EndPC: 0x200},
		{StartPC: 0x100, EndPC: 0x180},
	}
	table := NewTable(rows)
	if table.Len() != 1 {
		t.Fatalf("len = %d, want 1 (duplicate start_pc dropped)", table.Len())
	}
}

func testTable() *Table {
	return NewTable([]Row{
		{StartPC: 0x1000, EndPC: 0x1010, CFA: RegisterPlusOffset(RegRSP, 16)},
		{StartPC: 0x1010, EndPC: 0x1020, CFA: RegisterPlusOffset(RegRBP, 16)},
		// gap between 0x1020 and 0x1030
		{StartPC: 0x1030, EndPC: 0x1040, CFA: RegisterPlusOffset(RegRBP, 16)},
	})
}

func TestRowForPCExactMatch(t *testing.T) {
	table := testTable()
	row, ok := table.RowForPC(0x1015)
	if !ok {
		t.Fatal("expected a row")
	}
	if row.StartPC != 0x1010 {
		t.Fatalf("StartPC = %#x, want %#x", row.StartPC, 0x1010)
	}
}

func TestRowForPCGapFallsBackToPredecessor(t *testing.T) {
	table := testTable()
	row, ok := table.RowForPC(0x1025) // inside the gap
	if !ok {
		t.Fatal("expected a predecessor row")
	}
	if row.StartPC != 0x1010 {
		t.Fatalf("StartPC = %#x, want predecessor row at %#x", row.StartPC, 0x1010)
	}
}

func TestRowForPCBeforeFirstRow(t *testing.T) {
	table := testTable()
	if _, ok := table.RowForPC(0x0fff); ok {
		t.Fatal("expected no row for an address before the table's first row")
	}
}

func TestBoundedRowForPCMatchesRowForPC(t *testing.T) {
	table := testTable()
	iterations := 8 // log2(table size) rounded up, generously
	for _, pc := range []uint64{0x1000, 0x1015, 0x1025, 0x103f} {
		want, wantOK := table.RowForPC(pc)
		got, gotOK := table.BoundedRowForPC(pc, iterations)
		if gotOK != wantOK {
			t.Fatalf("pc=%#x: ok = %v, want %v", pc, gotOK, wantOK)
		}
		if gotOK && got.StartPC != want.StartPC {
			t.Fatalf("pc=%#x: StartPC = %#x, want %#x", pc, got.StartPC, want.StartPC)
		}
	}
}
