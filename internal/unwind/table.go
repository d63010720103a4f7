package unwind

import (
	"sort"

	"golang.org/x/exp/slices"
)

// Row is one (start_pc, end_pc, rules) record of an unwind table. BuildTable
// stores the addresses the image's .eh_frame gives (its link-time virtual
// addresses); nothing in this package adds the image's load address to them.
type Row struct {
	StartPC uint64
	EndPC   uint64

	CFA           Op // must be RegisterPlusOffset or Unimplemented (terminal)
	ReturnAddress Op // must be CfaOffset or Undefined
	RBP           Op
	RBX           Op
}

// Register returns the rule for r, for callers that address rows generically
// rather than through the named fields.
func (row Row) Register(r MachineRegister) Op {
	switch r {
	case RegRBP:
		return row.RBP
	case RegRBX:
		return row.RBX
	default:
		return Unimplemented()
	}
}

// Terminal reports whether the walker must stop upon reaching this row,
// per §4.2: a CFA rule other than RegisterPlusOffset marks the row terminal.
func (row Row) Terminal() bool { return row.CFA.Kind != OpRegisterPlusOffset }

// Table is an address-sorted sequence of Row, one per ELF image. It is
// built once and is immutable and safe for concurrent reads thereafter.
type Table struct {
	rows []Row
}

// NewTable sorts rows by StartPC and returns the table. Rows sharing a
// StartPC with an earlier row are dropped, keeping the first occurrence, so
// the row-ordering invariant (strictly non-decreasing, no duplicate starts)
// always holds for the result.
func NewTable(rows []Row) *Table {
	sorted := slices.Clone(rows)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].StartPC < sorted[j].StartPC })

	deduped := sorted[:0:0]
	var lastStart uint64
	first := true
	for _, r := range sorted {
		if !first && r.StartPC == lastStart {
			continue
		}
		deduped = append(deduped, r)
		lastStart = r.StartPC
		first = false
	}
	return &Table{rows: deduped}
}

// Rows returns the table's rows in address order. Callers must not mutate
// the returned slice.
func (t *Table) Rows() []Row { return t.rows }

// Len returns the row count.
func (t *Table) Len() int { return len(t.rows) }

// RowForPC implements the closest-predecessor lookup described in §4.5 and
// §4.3: binary search for the largest index i with rows[i].StartPC <= pc,
// and return it even if pc falls in the gap between that row's EndPC and
// the next row's StartPC (§8 invariant 2, scenario f). ok is false only when
// pc precedes every row.
func (t *Table) RowForPC(pc uint64) (row Row, ok bool) {
	i := sort.Search(len(t.rows), func(i int) bool { return t.rows[i].StartPC > pc })
	if i == 0 {
		return Row{}, false
	}
	return t.rows[i-1], true
}

// BoundedRowForPC re-implements RowForPC as a fixed-iteration-count binary
// search, the way the in-probe unwinder must (§4.5c): the kernel verifier
// requires a statically provable loop bound, so the real search always runs
// iterations rounds rather than exiting early. It is functionally identical
// to RowForPC and exists so tests can exercise the exact algorithm the
// sandboxed routine uses, not just an equivalent stdlib one.
func (t *Table) BoundedRowForPC(pc uint64, iterations int) (row Row, ok bool) {
	n := len(t.rows)
	if n == 0 {
		return Row{}, false
	}
	lo, hi := 0, n
	for k := 0; k < iterations; k++ {
		if lo >= hi {
			continue // keep iterating; no early exit allowed
		}
		mid := (lo + hi) / 2
		if t.rows[mid].StartPC > pc {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	if lo == 0 {
		return Row{}, false
	}
	return t.rows[lo-1], true
}
